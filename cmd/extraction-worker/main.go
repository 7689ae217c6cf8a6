// Package main implements the extraction worker: traverse a source's
// archive for a date range, fetch article content, and bulk-upsert the
// result into the document store (spec §4.5).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/factually-labs/pipeline/internal/bus"
	"github.com/factually-labs/pipeline/internal/docstore"
	"github.com/factually-labs/pipeline/internal/extraction"
	"github.com/factually-labs/pipeline/internal/worker"
	"github.com/factually-labs/pipeline/pkg/metrics"
	"github.com/factually-labs/pipeline/pkg/mid"
)

// Config holds all environment-based configuration.
type Config struct {
	Port                string
	NATSURL             string
	CORSOrigin          string
	Neo4jURL            string
	Neo4jUser           string
	Neo4jPass           string
	StageTimeoutSeconds int
	Concurrency         int
	MetricsPort         int
}

func loadConfig() Config {
	return Config{
		Port:                envOr("PORT", "8091"),
		NATSURL:             envOr("NATS_URL", "nats://localhost:4222"),
		CORSOrigin:          envOr("CORS_ORIGIN", "*"),
		Neo4jURL:            envOr("NEO4J_URL", "neo4j://localhost:7687"),
		Neo4jUser:           envOr("NEO4J_USER", "neo4j"),
		Neo4jPass:           envOr("NEO4J_PASS", "password"),
		StageTimeoutSeconds: envOrInt("STAGE_TIMEOUT_SECONDS", 60),
		Concurrency:         envOrInt("CONCURRENCY", 4),
		MetricsPort:         envOrInt("METRICS_PORT", 9091),
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
		logger.Error("extraction-worker exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	neo4jDriver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
	if err != nil {
		return fmt.Errorf("neo4j driver: %w", err)
	}
	defer neo4jDriver.Close(ctx)
	articles := docstore.NewArticleStore(neo4jDriver)

	svc := extraction.NewService(articles, parseIndex, parseLoad)

	reg := metrics.New()
	reg.ServeAsync(cfg.MetricsPort, logger)

	w := worker.New("extraction", js, svc.Execute, time.Duration(cfg.StageTimeoutSeconds)*time.Second, logger, reg)

	cons, err := bus.DurableConsumer(ctx, js, "extraction-worker", bus.SubjectExtraction, 5, cfg.Concurrency)
	if err != nil {
		return fmt.Errorf("extraction consumer: %w", err)
	}
	sub, err := bus.Consume(cons, w.Handle)
	if err != nil {
		return fmt.Errorf("consume extraction tasks: %w", err)
	}
	defer sub.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("POST /extraction/run", handleRun(svc, logger))

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("extraction-worker starting", "port", cfg.Port)
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

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleRun is the spec §6 direct-invocation endpoint for ad hoc backfills.
func handleRun(svc *extraction.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}

		result, err := svc.Execute(r.Context(), payload)
		if err != nil {
			logger.Error("direct extraction run failed", "err", err)
			http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusUnprocessableEntity)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	}
}
