package client

import (
	"encoding/json"
	"errors"
	"fmt"

	"xpledger/ledger"
)

// ledgerRejectedCode is the JSON-RPC error code the server uses for
// deterministic state machine rejections. The attached data carries the
// ledger code so it can be rebuilt into a typed error here.
const ledgerRejectedCode = -32030

// rateLimitedCode is the JSON-RPC error code the server uses when a
// submitter exceeds its per-source budget.
const rateLimitedCode = -32020

// TransportError wraps request-level failures: refused connections, timeouts,
// responses that are not JSON-RPC at all. The operation may never have reached
// the node, so retrying can help.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("client: transport: %v", e.Err) }

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError marks a well-formed JSON-RPC reply whose result did not match
// the expected shape. The request reached the node; retrying unchanged will
// not help.
type DecodeError struct {
	Method string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("client: decode %s result: %v", e.Method, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// RPCError is a JSON-RPC error the server returned that does not correspond
// to a ledger rejection.
type RPCError struct {
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("client: rpc error %d: %s", e.Code, e.Message)
}

type wireError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// apiError converts a wire-level error object into the richest error the
// payload supports. Ledger rejections come back as the canonical
// ledger.Error values, so errors.Is works across the RPC boundary.
func apiError(e *wireError) error {
	if e.Code == ledgerRejectedCode && len(e.Data) > 0 {
		var data struct {
			LedgerCode uint16 `json:"ledgerCode"`
			Message    string `json:"message"`
		}
		if err := json.Unmarshal(e.Data, &data); err == nil && data.LedgerCode != 0 {
			return ledger.ErrorForCode(data.LedgerCode, data.Message)
		}
	}
	return &RPCError{Code: e.Code, Message: e.Message, Data: e.Data}
}

// IsTransient reports whether retrying the same call later could succeed:
// transport failures and server-side rate limiting. Decode errors and
// ledger rejections are deterministic and excluded.
func IsTransient(err error) bool {
	var transport *TransportError
	if errors.As(err, &transport) {
		return true
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code == rateLimitedCode
	}
	return false
}
