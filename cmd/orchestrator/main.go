// Package main implements the workflow orchestration core's HTTP API,
// completion dispatcher, and stuck-workflow janitor.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/factually-labs/pipeline/internal/bus"
	"github.com/factually-labs/pipeline/internal/workflow"
	"github.com/factually-labs/pipeline/pkg/metrics"
	"github.com/factually-labs/pipeline/pkg/mid"
	"github.com/nats-io/nats.go/jetstream"
)

// Config holds all environment-based configuration.
type Config struct {
	Port                string
	NATSURL             string
	CORSOrigin          string
	MaxAttempts         int
	StageTimeoutSeconds int
	WatchdogSeconds     int
	JanitorIntervalSecs int
	MetricsPort         int
}

func loadConfig() Config {
	return Config{
		Port:                envOr("PORT", "8090"),
		NATSURL:             envOr("NATS_URL", "nats://localhost:4222"),
		CORSOrigin:          envOr("CORS_ORIGIN", "*"),
		MaxAttempts:         envOrInt("MAX_ATTEMPTS", 3),
		StageTimeoutSeconds: envOrInt("STAGE_TIMEOUT_SECONDS", 30),
		WatchdogSeconds:     envOrInt("WATCHDOG_SECONDS", 120),
		JanitorIntervalSecs: envOrInt("JANITOR_INTERVAL_SECONDS", 30),
		MetricsPort:         envOrInt("METRICS_PORT", 9090),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("orchestrator exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workflow.DefaultMaxAttempts = cfg.MaxAttempts
	workflow.DefaultTimeout = time.Duration(cfg.StageTimeoutSeconds) * time.Second

	nc, err := bus.Connect(cfg.NATSURL, logger)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("jetstream: %w", err)
	}
	if err := bus.EnsureTopology(ctx, js); err != nil {
		return fmt.Errorf("ensure topology: %w", err)
	}

	store, err := workflow.EnsureKVBucket(ctx, js)
	if err != nil {
		return fmt.Errorf("ensure workflow kv bucket: %w", err)
	}

	idem, err := ensureIdempotencyBucket(ctx, js)
	if err != nil {
		return fmt.Errorf("ensure idempotency bucket: %w", err)
	}

	reg := metrics.New()
	reg.ServeAsync(cfg.MetricsPort, logger)

	cons, err := bus.DurableConsumer(ctx, js, "orchestrator-completion", bus.SubjectCompletion, cfg.MaxAttempts+2, 1)
	if err != nil {
		return fmt.Errorf("completion consumer: %w", err)
	}
	sub, err := bus.Consume(cons, completionHandler(store, js, logger, reg))
	if err != nil {
		return fmt.Errorf("consume completions: %w", err)
	}
	defer sub.Stop()

	janitorCtx, cancelJanitor := context.WithCancel(context.Background())
	defer cancelJanitor()
	go runJanitor(janitorCtx, store, js,
		time.Duration(cfg.WatchdogSeconds)*time.Second,
		time.Duration(cfg.JanitorIntervalSecs)*time.Second,
		logger, reg)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth(nc, store))
	mux.HandleFunc("POST /workflows", handleCreateWorkflow(store, idem, js, logger))
	mux.HandleFunc("GET /workflows/{id}", handleGetWorkflow(store, logger))
	mux.HandleFunc("POST /workflows/{id}/cancel", handleCancelWorkflow(store, logger))

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("orchestrator starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}
