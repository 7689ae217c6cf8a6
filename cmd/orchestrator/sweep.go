package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/factually-labs/pipeline/internal/bus"
	"github.com/factually-labs/pipeline/internal/workflow"
	"github.com/factually-labs/pipeline/pkg/metrics"
)

// runJanitor polls the store on an interval for workflows stuck past
// watchdogThreshold and applies workflow.Recover to each, per spec §7. It
// runs in-process on a ticker (see DESIGN.md's Open Question decision)
// rather than as a separate binary.
func runJanitor(ctx context.Context, store workflow.Store, js bus.Publisher, watchdogThreshold, interval time.Duration, logger *slog.Logger, reg *metrics.Registry) {
	var (
		recovered *metrics.Counter
		failed    *metrics.Counter
	)
	if reg != nil {
		recovered = reg.Counter("orchestrator_janitor_recovered_total", "stuck workflows the janitor republished tasks for")
		failed = reg.Counter("orchestrator_janitor_failed_total", "stuck workflows the janitor marked FAILED")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepOnce(ctx, store, js, watchdogThreshold, logger, recovered, failed)
		}
	}
}

func sweepOnce(ctx context.Context, store workflow.Store, js bus.Publisher, watchdogThreshold time.Duration, logger *slog.Logger, recovered, failed *metrics.Counter) {
	stuck, err := store.ListStuck(ctx, watchdogThreshold, time.Now().UTC())
	if err != nil {
		logger.Error("janitor: list stuck failed", "error", err)
		return
	}

	for _, wf := range stuck {
		out := workflow.Recover(wf, time.Now().UTC())
		if out.Discard {
			continue
		}

		if err := store.CompareAndSet(ctx, wf.CorrelationID, wf.Version, out.Workflow); err != nil {
			if errors.Is(err, workflow.ErrConflict) {
				// A completion or another sweep beat the janitor to it.
				continue
			}
			logger.Error("janitor: CAS failed", "error", err, "correlation_id", wf.CorrelationID)
			continue
		}

		if out.Workflow.Status == workflow.StatusFailed {
			logger.Warn("janitor: workflow marked FAILED after max attempts", "correlation_id", wf.CorrelationID)
			if failed != nil {
				failed.Inc()
			}
			continue
		}

		if !publishTasks(ctx, js, out.Tasks, logger) {
			continue
		}
		logger.Info("janitor: republished stuck stage tasks", "correlation_id", wf.CorrelationID, "tasks", len(out.Tasks))
		if recovered != nil {
			recovered.Inc()
		}
	}
}
