// Package workflow implements the orchestration core's state machine: the
// workflow record, the stage catalog, and the pure completion-handling logic
// that the orchestrator applies under compare-and-set.
package workflow

import "time"

// FanOut describes how a stage's downstream work is distributed.
type FanOut string

const (
	// FanOutUnit publishes exactly one task carrying the prior stage's full output.
	FanOutUnit FanOut = "UNIT"
	// FanOutPerItem publishes one task per item in stage_output[ItemsKey].
	FanOutPerItem FanOut = "PER_ITEM"
)

// Status is a workflow's lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// StageDescriptor is one named step of a workflow type.
type StageDescriptor struct {
	Name        string        `json:"name"`
	RoutingKey  string        `json:"routing_key"`
	FanOut      FanOut        `json:"fan_out"`
	ItemsKey    string        `json:"items_key,omitempty"`
	MaxAttempts int           `json:"max_attempts"`
	Timeout     time.Duration `json:"timeout"`
}

// LastError records why a workflow ended up FAILED.
type LastError struct {
	Stage   string `json:"stage"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Workflow is the durable record keyed by CorrelationID. Version is the
// backing store's CAS token; it is not part of the persisted JSON body, it
// travels alongside it (e.g. a JetStream KV revision).
type Workflow struct {
	CorrelationID    string            `json:"correlation_id"`
	WorkflowType     string            `json:"workflow_type"`
	Stages           []StageDescriptor `json:"stages"`
	CurrentIndex     int               `json:"current_index"`
	InitialPayload   map[string]any    `json:"initial_payload"`
	StageOutput      map[string]any    `json:"stage_output"`
	PendingChildren  int               `json:"pending_children"`
	CompletedChilds  map[string]bool   `json:"completed_children,omitempty"`
	Status           Status            `json:"status"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	AttemptsPerStage map[string]int    `json:"attempts_per_stage"`
	LastError        *LastError        `json:"last_error,omitempty"`

	Version uint64 `json:"-"`
}

// CurrentStage returns the stage at CurrentIndex, or nil if the workflow has
// completed all stages.
func (w *Workflow) CurrentStage() *StageDescriptor {
	if w.CurrentIndex < 0 || w.CurrentIndex >= len(w.Stages) {
		return nil
	}
	return &w.Stages[w.CurrentIndex]
}

// Clone deep-copies the mutable parts of a Workflow so callers can build the
// next version without aliasing the loaded record.
func (w *Workflow) Clone() *Workflow {
	c := *w
	c.Stages = append([]StageDescriptor(nil), w.Stages...)
	c.InitialPayload = cloneMap(w.InitialPayload)
	c.StageOutput = cloneMap(w.StageOutput)
	c.AttemptsPerStage = make(map[string]int, len(w.AttemptsPerStage))
	for k, v := range w.AttemptsPerStage {
		c.AttemptsPerStage[k] = v
	}
	c.CompletedChilds = make(map[string]bool, len(w.CompletedChilds))
	for k, v := range w.CompletedChilds {
		c.CompletedChilds[k] = v
	}
	if w.LastError != nil {
		le := *w.LastError
		c.LastError = &le
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// unitChildKey is the sentinel child_key used for UNIT fan-out stages, which
// never carry a real child_key on the wire.
const unitChildKey = "_unit"

// TaskMessage is published by the orchestrator and consumed by a worker.
type TaskMessage struct {
	SchemaVersion string         `json:"schema_version"`
	CorrelationID string         `json:"correlation_id"`
	Task          string         `json:"task"`
	Attempt       int            `json:"attempt"`
	ChildKey      string         `json:"child_key,omitempty"`
	Payload       map[string]any `json:"payload"`
}

// CompletionStatus is the outcome a worker reports for one task attempt.
type CompletionStatus string

const (
	TaskSucceeded CompletionStatus = "task_succeeded"
	TaskFailed    CompletionStatus = "task_failed"
)

// CompletionMessage is published by a worker and consumed by the orchestrator.
type CompletionMessage struct {
	SchemaVersion string           `json:"schema_version"`
	CorrelationID string           `json:"correlation_id"`
	ProducedBy    string           `json:"produced_by"`
	Status        CompletionStatus `json:"status"`
	ChildKey      string           `json:"child_key,omitempty"`
	Payload       map[string]any   `json:"payload"`
}
