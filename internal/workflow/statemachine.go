package workflow

import (
	"fmt"
	"time"

	"github.com/factually-labs/pipeline/pkg/domain"
)

const SchemaVersion = "1"

// Create builds the initial record for a new workflow and the single task
// message for stage 0. Per §4.3 rule 1, pending_children starts at 1
// regardless of stage 0's fan-out kind: the first task is built directly
// from initial_payload, never enumerated.
func Create(correlationID, workflowType string, initialPayload map[string]any, now time.Time) (*Workflow, TaskMessage, error) {
	stages, err := ResolveStages(workflowType)
	if err != nil {
		return nil, TaskMessage{}, err
	}
	wf := &Workflow{
		CorrelationID:    correlationID,
		WorkflowType:     workflowType,
		Stages:           stages,
		CurrentIndex:     0,
		InitialPayload:   cloneMap(initialPayload),
		StageOutput:      map[string]any{},
		PendingChildren:  1,
		CompletedChilds:  map[string]bool{},
		Status:           StatusRunning,
		CreatedAt:        now,
		UpdatedAt:        now,
		AttemptsPerStage: map[string]int{},
	}
	task := TaskMessage{
		SchemaVersion: SchemaVersion,
		CorrelationID: correlationID,
		Task:          stages[0].Name,
		Attempt:       1,
		Payload:       cloneMap(initialPayload),
	}
	return wf, task, nil
}

// Outcome is the result of applying one completion message to a workflow.
type Outcome struct {
	// Discard is true when the message should be acked and ignored without
	// any store write: unknown correlation id, terminal workflow, or a
	// produced_by that doesn't match the current stage (stale fan-out from a
	// prior attempt, or a duplicate already accounted for).
	Discard bool
	// Workflow is the next version of the record to CAS-save. Nil if Discard.
	Workflow *Workflow
	// Tasks are new task messages to publish after the CAS succeeds: a retry
	// on task_failed, or the next stage's fan-out on task_succeeded. Empty
	// when the stage still has pending children, or the workflow reached a
	// terminal state.
	Tasks []TaskMessage
}

// HandleCompletion applies a completion message to wf, returning the next
// record version and any task messages to publish. It is pure: callers are
// responsible for the CAS write and for publishing Tasks strictly after that
// write succeeds (§4.3 rule 3's publish-after-CAS ordering).
func HandleCompletion(wf *Workflow, msg CompletionMessage, now time.Time) Outcome {
	if wf == nil || wf.Status.Terminal() {
		return Outcome{Discard: true}
	}
	stage := wf.CurrentStage()
	if stage == nil || stage.Name != msg.ProducedBy {
		return Outcome{Discard: true}
	}

	switch msg.Status {
	case TaskSucceeded:
		return handleSucceeded(wf, stage, msg, now)
	case TaskFailed:
		return handleFailed(wf, stage, msg, now)
	default:
		return Outcome{Discard: true}
	}
}

func childKeyOf(stage *StageDescriptor, msg CompletionMessage) string {
	if stage.FanOut == FanOutUnit || msg.ChildKey == "" {
		return unitChildKey
	}
	return msg.ChildKey
}

func handleSucceeded(wf *Workflow, stage *StageDescriptor, msg CompletionMessage, now time.Time) Outcome {
	key := childKeyOf(stage, msg)
	if wf.CompletedChilds[key] {
		// Duplicate completion for an already-accounted child (S3): drop.
		return Outcome{Discard: true}
	}

	next := wf.Clone()
	next.CompletedChilds[key] = true
	next.PendingChildren--
	mergeStageOutput(next, stage, key, msg.Payload)
	next.UpdatedAt = now

	if next.PendingChildren > 0 {
		return Outcome{Workflow: next}
	}

	return advanceStage(next, now)
}

// mergeStageOutput folds a completion's payload into stage_output. UNIT
// stages write each payload key into stage_output directly; PER_ITEM stages
// store each child's payload under stage_output["children"][child_key].
// Child payload fields are not merged into stage_output's top level.
func mergeStageOutput(wf *Workflow, stage *StageDescriptor, key string, payload map[string]any) {
	if stage.FanOut == FanOutUnit {
		for k, v := range payload {
			wf.StageOutput[k] = v
		}
		return
	}
	children, _ := wf.StageOutput["children"].(map[string]any)
	if children == nil {
		children = map[string]any{}
	}
	children[key] = payload
	wf.StageOutput["children"] = children
}

// advanceStage computes the next stage (or terminal success) once a stage's
// pending_children has reached zero.
func advanceStage(wf *Workflow, now time.Time) Outcome {
	wf.CurrentIndex++
	wf.CompletedChilds = map[string]bool{}

	if wf.CurrentIndex >= len(wf.Stages) {
		wf.Status = StatusSucceeded
		wf.PendingChildren = 0
		return Outcome{Workflow: wf}
	}

	nextStage := wf.Stages[wf.CurrentIndex]
	tasks := buildFanOutTasks(wf, nextStage)
	if len(tasks) == 0 && nextStage.FanOut == FanOutPerItem {
		// Empty item list: the stage is trivially complete, advance again.
		return advanceStage(wf, now)
	}
	wf.PendingChildren = len(tasks)
	return Outcome{Workflow: wf, Tasks: tasks}
}

func buildFanOutTasks(wf *Workflow, stage StageDescriptor) []TaskMessage {
	switch stage.FanOut {
	case FanOutUnit:
		return []TaskMessage{{
			SchemaVersion: SchemaVersion,
			CorrelationID: wf.CorrelationID,
			Task:          stage.Name,
			Attempt:       1,
			Payload:       cloneMap(wf.StageOutput),
		}}
	case FanOutPerItem:
		items, _ := wf.StageOutput[stage.ItemsKey].([]any)
		tasks := make([]TaskMessage, 0, len(items))
		for i, item := range items {
			key := fmt.Sprint(item)
			if key == "" {
				key = fmt.Sprintf("%d", i)
			}
			tasks = append(tasks, TaskMessage{
				SchemaVersion: SchemaVersion,
				CorrelationID: wf.CorrelationID,
				Task:          stage.Name,
				Attempt:       1,
				ChildKey:      key,
				Payload:       map[string]any{stage.ItemsKey: item},
			})
		}
		return tasks
	default:
		return nil
	}
}

func handleFailed(wf *Workflow, stage *StageDescriptor, msg CompletionMessage, now time.Time) Outcome {
	next := wf.Clone()
	next.AttemptsPerStage[stage.Name]++
	next.UpdatedAt = now

	// Non-retryable kinds (BAD_INPUT, POISON_MESSAGE, ...) fail the workflow
	// at once; a completion without a kind is treated as transient.
	kind, _ := msg.Payload["kind"].(string)
	retryable := kind == "" || (&domain.PipelineError{Kind: domain.ErrorKind(kind)}).Retryable()

	if retryable && next.AttemptsPerStage[stage.Name] < stage.MaxAttempts {
		task := TaskMessage{
			SchemaVersion: SchemaVersion,
			CorrelationID: next.CorrelationID,
			Task:          stage.Name,
			Attempt:       next.AttemptsPerStage[stage.Name] + 1,
			ChildKey:      msg.ChildKey,
			Payload:       retryPayload(next, stage, msg),
		}
		return Outcome{Workflow: next, Tasks: []TaskMessage{task}}
	}

	next.Status = StatusFailed
	next.LastError = &LastError{
		Stage:   stage.Name,
		Kind:    fmt.Sprint(msg.Payload["kind"]),
		Message: fmt.Sprint(msg.Payload["error"]),
	}
	return Outcome{Workflow: next}
}

// retryPayload rebuilds the payload a republished attempt carries: for stage
// 0 that's the workflow's initial_payload; for a later UNIT stage it's the
// accumulated stage_output; for a PER_ITEM child it's that child's single item.
func retryPayload(wf *Workflow, stage *StageDescriptor, msg CompletionMessage) map[string]any {
	if wf.CurrentIndex == 0 {
		return cloneMap(wf.InitialPayload)
	}
	if stage.FanOut == FanOutPerItem && msg.ChildKey != "" {
		return map[string]any{stage.ItemsKey: msg.ChildKey}
	}
	return cloneMap(wf.StageOutput)
}

// Cancel marks a running workflow CANCELLED. In-flight worker tasks run to
// completion, but HandleCompletion will discard their results because the
// workflow is now terminal.
func Cancel(wf *Workflow, now time.Time) *Workflow {
	next := wf.Clone()
	next.Status = StatusCancelled
	next.UpdatedAt = now
	return next
}
