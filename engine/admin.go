package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"xpledger/audit"
)

// AdminServer exposes operator controls over HTTP. Apart from the metrics
// exposition, every route requires a bearer token signed with the shared
// HMAC secret.
type AdminServer struct {
	runner *Runner
	store  *audit.Store
	logger *slog.Logger

	exportDir string
	secret    []byte
	issuer    string
	leeway    time.Duration
	now       func() time.Time

	router http.Handler
}

// NewAdminServer wires the operator endpoints for a runner and its audit
// store. The JWT secret and issuer come from the resolved configuration.
func NewAdminServer(cfg Config, runner *Runner, store *audit.Store, logger *slog.Logger) *AdminServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &AdminServer{
		runner:    runner,
		store:     store,
		logger:    logger,
		exportDir: cfg.Audit.ExportDir,
		secret:    []byte(strings.TrimSpace(cfg.Admin.JWTSecret)),
		issuer:    strings.TrimSpace(cfg.Admin.Issuer),
		leeway:    2 * time.Minute,
		now:       time.Now,
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured HTTP router.
func (s *AdminServer) Handler() http.Handler {
	return s.router
}

func (s *AdminServer) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	// Scrapers do not carry operator tokens.
	r.Handle("/metrics", promhttp.Handler())
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/pause", s.handlePause)
		r.Post("/resume", s.handleResume)
		r.Get("/status", s.handleStatus)
		r.Post("/export", s.handleExport)
	})
	return r
}

func (s *AdminServer) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := extractBearer(r.Header.Get("Authorization"))
		if tokenString == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if err := s.verifyToken(tokenString); err != nil {
			s.logger.Warn("admin token rejected", "error", err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *AdminServer) verifyToken(tokenString string) error {
	if len(s.secret) == 0 {
		return errors.New("admin secret not configured")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, jwt.WithLeeway(s.leeway))
	if err != nil {
		return err
	}
	if !token.Valid {
		return errors.New("token invalid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return errors.New("claims not map")
	}
	if s.issuer != "" {
		if value, ok := claims["iss"].(string); !ok || value != s.issuer {
			return errors.New("issuer mismatch")
		}
	}
	return nil
}

func (s *AdminServer) handlePause(w http.ResponseWriter, r *http.Request) {
	s.runner.Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleResume(w http.ResponseWriter, r *http.Request) {
	s.runner.Resume()
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.runner.Status())
}

type exportRequest struct {
	Format string `json:"format"`
}

type exportResponse struct {
	Path string `json:"path"`
	Rows int    `json:"rows"`
}

func (s *AdminServer) handleExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	format := strings.ToLower(strings.TrimSpace(req.Format))
	stamp := s.now().UTC().Format("20060102T150405Z")
	var (
		path string
		rows int
		err  error
	)
	switch format {
	case "csv":
		path = filepath.Join(s.exportDir, fmt.Sprintf("awards-%s.csv", stamp))
		rows, err = s.store.ExportCSV(r.Context(), path)
	case "parquet":
		path = filepath.Join(s.exportDir, fmt.Sprintf("awards-%s.parquet", stamp))
		rows, err = s.store.ExportParquet(r.Context(), path)
	default:
		http.Error(w, "format must be csv or parquet", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.logger.Error("audit export failed", "format", format, "error", err)
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}
	s.logger.Info("audit export written", "path", path, "rows", rows)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(exportResponse{Path: path, Rows: rows})
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
