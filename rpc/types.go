package rpc

import (
	"encoding/hex"

	"github.com/holiman/uint256"

	"xpledger/core"
)

// AwardStreamPayload is the JSON shape pushed over /ws/awards for every
// applied award.
type AwardStreamPayload struct {
	Sequence     uint64 `json:"sequence"`
	Cursor       string `json:"cursor"`
	User         string `json:"user"`
	Amount       uint64 `json:"amount"`
	NewTotal     uint64 `json:"newTotal"`
	OpID         string `json:"opId,omitempty"`
	Timestamp    uint64 `json:"timestamp"`
	EnvelopeHash string `json:"envelopeHash"`
}

func awardStreamPayloadFrom(update core.AwardUpdate) AwardStreamPayload {
	return AwardStreamPayload{
		Sequence:     update.Sequence,
		Cursor:       update.Cursor,
		User:         update.User.String(),
		Amount:       update.Amount,
		NewTotal:     update.NewTotal,
		OpID:         formatOpID(update.OpID),
		Timestamp:    update.Timestamp,
		EnvelopeHash: hexDigest(update.EnvelopeHash),
	}
}

// hexDigest formats a 32-byte digest as a 0x-prefixed hexadecimal string.
func hexDigest(h [32]byte) string {
	return "0x" + hex.EncodeToString(h[:])
}

// formatOpID renders an operation id at full storage width, or "" when the
// award carried none.
func formatOpID(id *uint256.Int) string {
	if id == nil {
		return ""
	}
	b := id.Bytes32()
	return "0x" + hex.EncodeToString(b[:])
}
