package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/factually-labs/pipeline/internal/bus"
	"github.com/factually-labs/pipeline/internal/workflow"
	"github.com/factually-labs/pipeline/pkg/metrics"
)

// maxCASRetries bounds how many times the completion handler re-reads and
// re-applies a completion after losing a CAS race to another writer (the
// janitor, or a redelivered duplicate processed concurrently).
const maxCASRetries = 5

// completionHandler builds the bus.Handler for the orchestrator's single
// serializing completion consumer (§4.3): load -> HandleCompletion -> CAS
// -> publish Tasks strictly after the CAS succeeds.
func completionHandler(store workflow.Store, js bus.Publisher, logger *slog.Logger, reg *metrics.Registry) bus.Handler {
	var (
		advanced   *metrics.Counter
		discarded  *metrics.Counter
		casRetried *metrics.Counter
	)
	if reg != nil {
		advanced = reg.Counter("orchestrator_completions_applied_total", "completion messages that advanced a workflow")
		discarded = reg.Counter("orchestrator_completions_discarded_total", "completion messages discarded as stale or duplicate")
		casRetried = reg.Counter("orchestrator_completions_cas_retried_total", "completion handling retried after a CAS conflict")
	}

	return func(msg bus.IncomingMessage) bus.Disposition {
		var completion workflow.CompletionMessage
		if err := json.Unmarshal(msg.Data, &completion); err != nil {
			logger.Error("completion: poison message", "error", err)
			return bus.Terminate
		}

		ctx := msg.Context
		if ctx == nil {
			ctx = context.Background()
		}

		for attempt := 0; attempt < maxCASRetries; attempt++ {
			wf, err := store.Load(ctx, completion.CorrelationID)
			if err != nil {
				if errors.Is(err, workflow.ErrNotFound) {
					logger.Warn("completion: unknown correlation id", "correlation_id", completion.CorrelationID)
					return bus.Terminate
				}
				logger.Error("completion: load failed", "error", err)
				return bus.NackRedeliver
			}

			out := workflow.HandleCompletion(wf, completion, time.Now().UTC())
			if out.Discard {
				if discarded != nil {
					discarded.Inc()
				}
				return bus.Ack
			}

			if err := store.CompareAndSet(ctx, completion.CorrelationID, wf.Version, out.Workflow); err != nil {
				if errors.Is(err, workflow.ErrConflict) {
					if casRetried != nil {
						casRetried.Inc()
					}
					continue
				}
				logger.Error("completion: CAS failed", "error", err)
				return bus.NackRedeliver
			}

			if !publishTasks(ctx, js, out.Tasks, logger) {
				return bus.NackRedeliver
			}
			if advanced != nil {
				advanced.Inc()
			}
			return bus.Ack
		}

		logger.Error("completion: exhausted CAS retries", "correlation_id", completion.CorrelationID)
		return bus.NackRedeliver
	}
}

// publishTasks publishes each task to its stage subject, strictly after the
// caller's CAS write already succeeded. A publish failure is reported so the
// caller redelivers the completion message; the workflow record itself is
// already durable, so a retry re-derives the same (or a superseding) set of
// tasks rather than losing work.
func publishTasks(ctx context.Context, js bus.Publisher, tasks []workflow.TaskMessage, logger *slog.Logger) bool {
	for _, task := range tasks {
		if err := bus.Publish(ctx, js, bus.TaskSubject(task.Task), task); err != nil {
			logger.Error("completion: task publish failed", "error", err, "task", task.Task, "correlation_id", task.CorrelationID)
			return false
		}
	}
	return true
}
