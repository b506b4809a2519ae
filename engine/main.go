package engine

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"xpledger/audit"
	"xpledger/client"
	"xpledger/crypto"
	"xpledger/observability"
	"xpledger/observability/logging"
	telemetry "xpledger/observability/otel"
)

// Main initialises and runs the award daemon: it loads the batch
// configuration, replays any orphaned attempts from the journal, processes
// the batch and then keeps the admin endpoints up until shutdown so
// operators can inspect status and export the audit trail.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "awardd.yaml", "path to awardd configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("XPL_ENV"))
	logger := logging.SetupWithFile("awardd", env, logging.FileFromEnv())
	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "awardd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	keyBytes, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(cfg.Signer.Key), "0x"))
	if err != nil {
		return fmt.Errorf("decode signer key: %w", err)
	}
	signer, err := crypto.PrivateKeyFromBytes(keyBytes)
	if err != nil {
		return fmt.Errorf("load signer key: %w", err)
	}

	store, err := audit.Open(cfg.Audit.DSN)
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer func() { _ = store.Close() }()
	logger.Info("audit store ready", slog.String("dsn", logging.RedactDSN(cfg.Audit.DSN)))

	journal, err := OpenJournal(cfg.JournalPath)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer func() { _ = journal.Close() }()

	rpcClient := client.New(client.Config{
		URL:       cfg.Node.Endpoint,
		AuthToken: cfg.Node.AuthToken,
	})

	runner, err := NewRunner(cfg, Deps{
		Client:  rpcClient,
		Signer:  signer,
		Store:   store,
		Journal: journal,
		Logger:  logger,
		Metrics: observability.Awardd(),
	})
	if err != nil {
		return fmt.Errorf("init runner: %w", err)
	}

	adminServer := NewAdminServer(cfg, runner, store, logger)
	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      adminServer.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 2)
	go func() {
		logger.Info("awardd admin listening", slog.String("addr", cfg.ListenAddress))
		errs <- httpServer.ListenAndServe()
	}()

	go func() {
		summary, err := runner.Run(stopCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			errs <- fmt.Errorf("run batch: %w", err)
			return
		}
		logger.Info("batch run complete",
			slog.Int("confirmed", summary.Confirmed),
			slog.Int("failed", summary.Failed),
			slog.Int("skipped", summary.Skipped))
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
