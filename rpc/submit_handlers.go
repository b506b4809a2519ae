package rpc

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"xpledger/codec"
)

const (
	serverName    = "xpledger"
	serverVersion = "0.3.1"
)

type submitEnvelopeParams struct {
	Envelope string `json:"envelope"`
}

type SubmitEnvelopeResult struct {
	Hash string `json:"hash"`
}

type ClientVersionResult struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// handleSubmitEnvelope decodes a hex envelope and hands it to the node. The
// node verifies and applies asynchronously; a returned hash only means the
// envelope was queued, not that it will execute. Callers confirm by polling
// balances or watching the award stream.
func (s *Server) handleSubmitEnvelope(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "exactly one parameter expected", nil)
		return
	}
	var params submitEnvelopeParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		var direct string
		if err2 := json.Unmarshal(req.Params[0], &direct); err2 != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid envelope parameter", err.Error())
			return
		}
		params.Envelope = direct
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(params.Envelope), "0x"))
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "envelope must be hex encoded", err.Error())
		return
	}
	env, err := codec.DecodeEnvelope(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "malformed envelope", err.Error())
		return
	}
	hash, err := s.node.SubmitEnvelope(env)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, req.ID, codeServerError, "failed to enqueue envelope", err.Error())
		return
	}
	writeResult(w, req.ID, SubmitEnvelopeResult{Hash: hexDigest(hash)})
}

func (s *Server) handleClientVersion(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	writeResult(w, req.ID, ClientVersionResult{Name: serverName, Version: serverVersion})
}
