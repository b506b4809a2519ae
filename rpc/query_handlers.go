package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"xpledger/crypto"
	"xpledger/ledger"
)

type XPResult struct {
	Address string `json:"address"`
	XP      uint64 `json:"xp"`
}

type XPKeyResult struct {
	Address string `json:"address"`
	Key     string `json:"key"`
}

type HistoryEntryResult struct {
	Amount    uint64 `json:"amount"`
	Timestamp uint64 `json:"timestamp"`
	OpID      string `json:"opId"`
}

type HistoryResult struct {
	Address string               `json:"address"`
	Entries []HistoryEntryResult `json:"entries"`
}

type OwnerResult struct {
	Owner       string `json:"owner,omitempty"`
	Initialized bool   `json:"initialized"`
}

type VersionResult struct {
	Version uint16 `json:"version"`
}

type LastOpTimeResult struct {
	LastOpTime uint64 `json:"lastOpTime"`
}

type LevelResult struct {
	Address string `json:"address"`
	XP      uint64 `json:"xp"`
	Level   uint8  `json:"level"`
}

type RankResult struct {
	Address string `json:"address"`
	XP      uint64 `json:"xp"`
	Rank    uint8  `json:"rank"`
}

type ReputationResult struct {
	Address    string `json:"address"`
	Reputation uint8  `json:"reputation"`
}

// ledgerErrorData rides in RPCError.Data when the state machine rejects an
// operation, so clients can rebuild the typed error from the code.
type ledgerErrorData struct {
	LedgerCode uint16 `json:"ledgerCode"`
	Message    string `json:"message"`
}

func writeLedgerError(w http.ResponseWriter, id interface{}, err error) {
	var lerr *ledger.Error
	if errors.As(err, &lerr) {
		writeError(w, http.StatusBadRequest, id, codeLedgerRejected, lerr.Message,
			ledgerErrorData{LedgerCode: lerr.Code, Message: lerr.Message})
		return
	}
	writeError(w, http.StatusInternalServerError, id, codeServerError, "internal error", err.Error())
}

// addressParam decodes the leading bech32 address parameter shared by the
// per-user query methods.
func addressParam(req *RPCRequest) (crypto.Address, string, error) {
	if len(req.Params) == 0 {
		return crypto.Address{}, "", fmt.Errorf("address parameter required")
	}
	var addrStr string
	if err := json.Unmarshal(req.Params[0], &addrStr); err != nil {
		return crypto.Address{}, "", fmt.Errorf("invalid address parameter: %w", err)
	}
	addr, err := crypto.DecodeAddress(addrStr)
	if err != nil {
		return crypto.Address{}, "", fmt.Errorf("failed to decode address: %w", err)
	}
	return addr, addrStr, nil
}

func (s *Server) handleGetXP(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	addr, addrStr, err := addressParam(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, XPResult{Address: addrStr, XP: s.node.XP(addr)})
}

func (s *Server) handleGetXPKey(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	addr, addrStr, err := addressParam(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	key := ledger.XPKey(addr).Bytes32()
	writeResult(w, req.ID, XPKeyResult{Address: addrStr, Key: hexDigest(key)})
}

func (s *Server) handleGetUserHistory(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	addr, addrStr, err := addressParam(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	records := s.node.History(addr)
	entries := make([]HistoryEntryResult, len(records))
	for i := range records {
		entries[i] = HistoryEntryResult{
			Amount:    records[i].Amount,
			Timestamp: records[i].Timestamp,
			OpID:      formatOpID(records[i].OpID),
		}
	}
	writeResult(w, req.ID, HistoryResult{Address: addrStr, Entries: entries})
}

func (s *Server) handleGetOwner(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	result := OwnerResult{Initialized: s.node.Initialized()}
	if owner := s.node.Owner(); !owner.IsZero() {
		result.Owner = owner.String()
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleGetVersion(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	writeResult(w, req.ID, VersionResult{Version: s.node.Version()})
}

func (s *Server) handleGetLastOpTime(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	writeResult(w, req.ID, LastOpTimeResult{LastOpTime: s.node.LastOpTime()})
}

func (s *Server) handleGetLevel(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	addr, addrStr, err := addressParam(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	xp := s.node.XP(addr)
	writeResult(w, req.ID, LevelResult{Address: addrStr, XP: xp, Level: ledger.Level(xp)})
}

func (s *Server) handleGetRank(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	addr, addrStr, err := addressParam(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	xp := s.node.XP(addr)
	writeResult(w, req.ID, RankResult{Address: addrStr, XP: xp, Rank: ledger.Rank(xp)})
}

type reputationParams struct {
	Address        string `json:"address"`
	DaysActive     int64  `json:"daysActive"`
	Rating         int64  `json:"rating"`
	BehaviorWeight int64  `json:"behaviorWeight"`
}

func (s *Server) handleGetReputation(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "exactly one parameter object expected", nil)
		return
	}
	var params reputationParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid reputation parameters", err.Error())
		return
	}
	addr, err := crypto.DecodeAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "failed to decode address", err.Error())
		return
	}
	score, err := ledger.Reputation(s.node.XP(addr), params.DaysActive, params.Rating, params.BehaviorWeight)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, ReputationResult{Address: params.Address, Reputation: score})
}
