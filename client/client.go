// Package client is a thin JSON-RPC wrapper around an xpledger node. Failures
// split into three kinds: TransportError (the request never completed),
// DecodeError (the reply arrived but did not parse), and typed ledger errors
// rebuilt from the server's rejection codes.
package client

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"xpledger/codec"
	"xpledger/crypto"
)

// Config represents the client configuration.
type Config struct {
	URL string
	// AuthToken authorizes xp_submitEnvelope; queries need none.
	AuthToken string
	Timeout   time.Duration
}

// Client provides typed access to the xp_* RPC surface.
type Client struct {
	url        string
	authToken  string
	httpClient *http.Client
	nextID     atomic.Int64
}

// New constructs a JSON-RPC client targeting the supplied URL.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		url:       strings.TrimSpace(cfg.URL),
		authToken: strings.TrimSpace(cfg.AuthToken),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *wireError      `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	if c == nil || c.httpClient == nil {
		return fmt.Errorf("client: not configured")
	}
	id := c.nextID.Add(1)
	reqBody := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	buf, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(buf))
	if err != nil {
		return &TransportError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return &TransportError{Err: fmt.Errorf("decode response: %w", err)}
	}
	if rpcResp.Error != nil {
		return apiError(rpcResp.Error)
	}
	if resp.StatusCode >= 300 {
		return &TransportError{Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return &DecodeError{Method: method, Err: fmt.Errorf("empty result")}
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return &DecodeError{Method: method, Err: err}
	}
	return nil
}

// parseHash decodes a 0x-prefixed 32-byte digest.
func parseHash(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return out, err
	}
	if len(raw) != len(out) {
		return out, fmt.Errorf("digest must be %d bytes, got %d", len(out), len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

var _ interface {
	XP(context.Context, crypto.Address) (uint64, error)
	LastOpTime(context.Context) (uint64, error)
	SubmitEnvelope(context.Context, *codec.Envelope) ([32]byte, error)
} = (*Client)(nil)
