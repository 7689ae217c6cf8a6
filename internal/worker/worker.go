// Package worker implements the consume -> parse -> idempotency guard ->
// execute -> publish completion -> ack skeleton shared by the extraction,
// transformation, and verification workers (§4.4).
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/factually-labs/pipeline/internal/bus"
	"github.com/factually-labs/pipeline/internal/workflow"
	"github.com/factually-labs/pipeline/pkg/domain"
	"github.com/factually-labs/pipeline/pkg/metrics"
)

// Execute runs one task's domain logic and returns the payload to publish in
// its completion message. A non-nil *domain.PipelineError drives retry vs.
// dead-letter disposition; any other error is treated as TRANSIENT_UPSTREAM.
type Execute func(ctx context.Context, payload map[string]any) (map[string]any, error)

// Worker wires one stage's Execute function to the bus.
type Worker struct {
	Stage   string
	JS      bus.Publisher
	Guard   *IdempotencyGuard
	Execute Execute
	Timeout time.Duration
	Log     *slog.Logger
	Metrics *metrics.Registry

	executed   *metrics.Counter
	failed     *metrics.Counter
	deadLetter *metrics.Counter
	duration   *metrics.Histogram
}

// New builds a Worker with its metrics registered under the stage name.
func New(stage string, js bus.Publisher, execute Execute, timeout time.Duration, log *slog.Logger, reg *metrics.Registry) *Worker {
	w := &Worker{
		Stage:   stage,
		JS:      js,
		Guard:   NewIdempotencyGuard(10_000),
		Execute: execute,
		Timeout: timeout,
		Log:     log,
		Metrics: reg,
	}
	if reg != nil {
		w.executed = reg.Counter(stage+"_tasks_executed_total", "tasks executed by "+stage)
		w.failed = reg.Counter(stage+"_tasks_failed_total", "tasks that produced task_failed for "+stage)
		w.deadLetter = reg.Counter(stage+"_tasks_dead_lettered_total", "tasks dead-lettered for "+stage)
		w.duration = reg.Histogram(stage+"_task_duration_seconds", "execute() wall time for "+stage, nil)
	}
	return w
}

// Handle is the bus.Handler bound to this stage's durable consumer.
func (w *Worker) Handle(msg bus.IncomingMessage) bus.Disposition {
	var task workflow.TaskMessage
	if err := json.Unmarshal(msg.Data, &task); err != nil {
		w.Log.Error("worker: poison message", "stage", w.Stage, "error", err)
		w.deadLetterNow(msg, "POISON_MESSAGE", err.Error())
		return bus.Terminate
	}

	if w.Guard.Seen(task.CorrelationID, task.ChildKey, task.Attempt) {
		w.Log.Info("worker: duplicate attempt, skipping re-execution", "stage", w.Stage, "correlation_id", task.CorrelationID, "attempt", task.Attempt)
		return bus.Ack
	}

	ctx := msg.Context
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, w.Timeout)
	defer cancel()

	start := time.Now()
	result, err := w.Execute(ctx, task.Payload)
	if w.duration != nil {
		w.duration.Since(start)
	}

	if err != nil {
		return w.handleExecuteError(msg, task, err)
	}

	completion := workflow.CompletionMessage{
		SchemaVersion: workflow.SchemaVersion,
		CorrelationID: task.CorrelationID,
		ProducedBy:    w.Stage,
		Status:        workflow.TaskSucceeded,
		ChildKey:      task.ChildKey,
		Payload:       result,
	}
	if pubErr := bus.Publish(ctx, w.JS, bus.SubjectCompletion, completion); pubErr != nil {
		w.Log.Error("worker: completion publish failed, will redeliver", "stage", w.Stage, "error", pubErr)
		return bus.NackRedeliver
	}

	w.Guard.Remember(task.CorrelationID, task.ChildKey, task.Attempt)
	if w.executed != nil {
		w.executed.Inc()
	}
	return bus.Ack
}

func (w *Worker) handleExecuteError(msg bus.IncomingMessage, task workflow.TaskMessage, err error) bus.Disposition {
	kind := domain.KindTransientUpstream
	if pe, ok := err.(*domain.PipelineError); ok {
		kind = pe.Kind
	}

	ctx := context.Background()
	completion := workflow.CompletionMessage{
		SchemaVersion: workflow.SchemaVersion,
		CorrelationID: task.CorrelationID,
		ProducedBy:    w.Stage,
		Status:        workflow.TaskFailed,
		ChildKey:      task.ChildKey,
		Payload:       map[string]any{"kind": string(kind), "error": err.Error()},
	}
	if pubErr := bus.Publish(ctx, w.JS, bus.SubjectCompletion, completion); pubErr != nil {
		w.Log.Error("worker: task_failed publish failed, will redeliver", "stage", w.Stage, "error", pubErr)
		return bus.NackRedeliver
	}
	if w.failed != nil {
		w.failed.Inc()
	}

	if kind == domain.KindBadInput || kind == domain.KindPoisonMessage {
		w.deadLetterNow(msg, string(kind), err.Error())
		return bus.Terminate
	}
	// Transient: the orchestrator already has a task_failed completion and
	// will decide whether to retry; this delivery is done either way.
	return bus.Ack
}

func (w *Worker) deadLetterNow(msg bus.IncomingMessage, reason, lastErr string) {
	if derr := bus.DeadLetter(context.Background(), w.JS, w.Stage, msg.Data, reason, lastErr, msg.NumDelivered); derr != nil {
		w.Log.Error("worker: dead-letter publish failed", "stage", w.Stage, "error", derr)
	}
	if w.deadLetter != nil {
		w.deadLetter.Inc()
	}
}
