package workflow

import (
	"time"

	"github.com/factually-labs/pipeline/pkg/domain"
)

// Recover applies the janitor's watchdog policy (spec §7) to a RUNNING
// workflow that has gone quiet past the watchdog threshold: republish the
// current stage's still-outstanding tasks, rebuilt from the persisted
// stage_output/initial_payload exactly as a fresh advance would build them,
// or mark the workflow FAILED with STAGE_TIMEOUT once its stage has
// exhausted max_attempts.
func Recover(wf *Workflow, now time.Time) Outcome {
	if wf == nil || wf.Status.Terminal() {
		return Outcome{Discard: true}
	}
	stage := wf.CurrentStage()
	if stage == nil {
		return Outcome{Discard: true}
	}

	next := wf.Clone()
	next.AttemptsPerStage[stage.Name]++
	next.UpdatedAt = now

	if next.AttemptsPerStage[stage.Name] >= stage.MaxAttempts {
		next.Status = StatusFailed
		next.LastError = &LastError{
			Stage:   stage.Name,
			Kind:    string(domain.KindStageTimeout),
			Message: "janitor: stage watchdog exceeded max_attempts with no completion",
		}
		return Outcome{Workflow: next}
	}

	tasks := recoveryTasks(next, *stage, next.AttemptsPerStage[stage.Name]+1)
	if len(tasks) == 0 {
		// Every child the current stage needed already completed; the
		// orchestrator's own completion handler just hasn't advanced yet
		// for an unrelated reason. Leave the record untouched.
		return Outcome{Discard: true}
	}
	return Outcome{Workflow: next, Tasks: tasks}
}

// recoveryTasks rebuilds the current stage's fan-out tasks and drops any
// child already recorded as completed, so a partially-finished PER_ITEM
// stage only re-publishes the children still missing a completion. Stage 0
// is special-cased: Create built its single task directly from
// initial_payload rather than through buildFanOutTasks (stage_output is
// still empty at that point), so recovery must do the same.
func recoveryTasks(wf *Workflow, stage StageDescriptor, attempt int) []TaskMessage {
	if wf.CurrentIndex == 0 {
		if wf.CompletedChilds[unitChildKey] {
			return nil
		}
		return []TaskMessage{{
			SchemaVersion: SchemaVersion,
			CorrelationID: wf.CorrelationID,
			Task:          stage.Name,
			Attempt:       attempt,
			Payload:       cloneMap(wf.InitialPayload),
		}}
	}

	all := buildFanOutTasks(wf, stage)
	tasks := make([]TaskMessage, 0, len(all))
	for _, t := range all {
		key := t.ChildKey
		if key == "" {
			key = unitChildKey
		}
		if wf.CompletedChilds[key] {
			continue
		}
		t.Attempt = attempt
		tasks = append(tasks, t)
	}
	return tasks
}
