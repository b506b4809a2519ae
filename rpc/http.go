package rpc

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"xpledger/core"
	"xpledger/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB

	// Submission throttle, applied per client source. Queries are uncapped.
	submitsPerMinute = 60.0
	submitBurst      = 10
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020
	codeLedgerRejected = -32030
)

// Server exposes the ledger node over JSON-RPC plus a websocket award feed.
type Server struct {
	node    *core.Node
	metrics *observability.RPCMetrics

	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	authToken string
}

// NewServer wires a server around the given node. The submission auth token
// is read from XPL_RPC_TOKEN; when unset, xp_submitEnvelope is disabled.
func NewServer(node *core.Node) *Server {
	token := strings.TrimSpace(os.Getenv("XPL_RPC_TOKEN"))
	return &Server{
		node:      node,
		metrics:   observability.RPC(),
		limiters:  make(map[string]*rate.Limiter),
		authToken: token,
	}
}

// Handler returns the HTTP handler serving the JSON-RPC endpoint at /, the
// award stream at /ws/awards and Prometheus exposition at /metrics, wrapped
// with OpenTelemetry instrumentation.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.HandleFunc("/ws/awards", s.handleAwardsWS)
	mux.Handle("/metrics", promhttp.Handler())
	return otelhttp.NewHandler(mux, "xpledger.rpc")
}

func (s *Server) Start(addr string) error {
	slog.Info("starting JSON-RPC server", "addr", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// codeRecorder captures the RPC error code written during a request so the
// outer handler can attach it to metrics without changing handler signatures.
type codeRecorder struct {
	http.ResponseWriter
	errCode int
}

func (c *codeRecorder) recordCode(code int) { c.errCode = code }

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if rec, ok := w.(interface{ recordCode(int) }); ok {
		rec.recordCode(code)
	}
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// handle is the main request handler that routes to specific handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, nil, codeInvalidRequest, "POST required", nil)
		return
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	rec := &codeRecorder{ResponseWriter: w}
	s.dispatch(rec, r, req)
	s.metrics.Observe(req.Method, rec.errCode, time.Since(started))
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	switch req.Method {
	case "xp_submitEnvelope":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		if !s.allowSubmit(clientSource(r)) {
			s.metrics.RecordThrottle("submit")
			writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "submission rate exceeded", nil)
			return
		}
		s.handleSubmitEnvelope(w, r, req)
	case "xp_getXP":
		s.handleGetXP(w, r, req)
	case "xp_getXPKey":
		s.handleGetXPKey(w, r, req)
	case "xp_getUserHistory":
		s.handleGetUserHistory(w, r, req)
	case "xp_getOwner":
		s.handleGetOwner(w, r, req)
	case "xp_getVersion":
		s.handleGetVersion(w, r, req)
	case "xp_getLastOpTime":
		s.handleGetLastOpTime(w, r, req)
	case "xp_getLevel":
		s.handleGetLevel(w, r, req)
	case "xp_getRank":
		s.handleGetRank(w, r, req)
	case "xp_getReputation":
		s.handleGetReputation(w, r, req)
	case "xp_clientVersion":
		s.handleClientVersion(w, r, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("method %q not found", req.Method), nil)
	}
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

func (s *Server) allowSubmit(source string) bool {
	if source == "" {
		source = "unknown"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, ok := s.limiters[source]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(submitsPerMinute/60.0), submitBurst)
		s.limiters[source] = limiter
	}
	return limiter.Allow()
}

func clientSource(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			candidate := strings.TrimSpace(parts[0])
			if candidate != "" {
				return candidate
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
