package workflow

import (
	"testing"
	"time"
)

// S6 — orchestrator crash during advance: CAS set current_index=1 but the
// task publish never happened. The janitor should republish stage 1's task.
func TestRecover_RepublishesLostTaskAfterAdvanceCrash(t *testing.T) {
	wf, _, err := Create("c6", "extract_transform", map[string]any{"sources": []any{"reuters"}, "date_base": "2024-01-05", "date_cutoff": "2024-01-05"}, t0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	out := HandleCompletion(wf, CompletionMessage{
		CorrelationID: "c6",
		ProducedBy:    StageExtraction,
		Status:        TaskSucceeded,
		Payload:       map[string]any{"article_ids": []any{"a1", "a2"}, "article_count": 2},
	}, t0.Add(time.Second))
	advanced := out.Workflow
	if advanced.CurrentIndex != 1 || advanced.PendingChildren != 2 {
		t.Fatalf("unexpected post-advance state: %+v", advanced)
	}
	// Simulate the crash: the CAS succeeded (this is the record as saved)
	// but the publish of out.Tasks never reached the bus.

	recovered := Recover(advanced, t0.Add(time.Hour))
	if recovered.Discard {
		t.Fatal("expected a non-discard recovery outcome")
	}
	if len(recovered.Tasks) != 2 {
		t.Fatalf("expected 2 republished tasks, got %d", len(recovered.Tasks))
	}
	for _, task := range recovered.Tasks {
		if task.Task != StageTransformation {
			t.Fatalf("unexpected republished task %+v", task)
		}
	}
	if recovered.Workflow.AttemptsPerStage[StageTransformation] != 1 {
		t.Fatalf("expected one attempt recorded, got %+v", recovered.Workflow.AttemptsPerStage)
	}
}

func TestRecover_OnlyRepublishesIncompleteChildren(t *testing.T) {
	wf, _, _ := Create("c6b", "extract_transform", map[string]any{"sources": []any{"reuters"}, "date_base": "2024-01-05", "date_cutoff": "2024-01-05"}, t0)
	out := HandleCompletion(wf, CompletionMessage{
		CorrelationID: "c6b", ProducedBy: StageExtraction, Status: TaskSucceeded,
		Payload: map[string]any{"article_ids": []any{"a1", "a2"}, "article_count": 2},
	}, t0.Add(time.Second))
	advanced := out.Workflow

	// One of the two fan-out children already completed before the crash.
	afterOne := HandleCompletion(advanced, CompletionMessage{
		CorrelationID: "c6b", ProducedBy: StageTransformation, Status: TaskSucceeded, ChildKey: "a1",
		Payload: map[string]any{"summary": "s"},
	}, t0.Add(2 * time.Second))

	recovered := Recover(afterOne.Workflow, t0.Add(time.Hour))
	if len(recovered.Tasks) != 1 || recovered.Tasks[0].ChildKey != "a2" {
		t.Fatalf("expected only a2 republished, got %+v", recovered.Tasks)
	}
}

func TestRecover_MarksFailedAfterMaxAttempts(t *testing.T) {
	wf, _, _ := Create("c7", "verify", map[string]any{"claim": "X", "web_search": false}, t0)
	wf.AttemptsPerStage[StageVerification] = wf.Stages[0].MaxAttempts

	recovered := Recover(wf, t0.Add(time.Hour))
	if recovered.Discard {
		t.Fatal("expected a non-discard outcome")
	}
	if recovered.Workflow.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", recovered.Workflow.Status)
	}
	if recovered.Workflow.LastError == nil || recovered.Workflow.LastError.Kind != "STAGE_TIMEOUT" {
		t.Fatalf("expected STAGE_TIMEOUT last_error, got %+v", recovered.Workflow.LastError)
	}
	if len(recovered.Tasks) != 0 {
		t.Fatalf("expected no republished tasks, got %v", recovered.Tasks)
	}
}

func TestRecover_TerminalWorkflowIsDiscarded(t *testing.T) {
	wf, _, _ := Create("c8", "verify", map[string]any{"claim": "X"}, t0)
	wf.Status = StatusSucceeded

	out := Recover(wf, t0.Add(time.Hour))
	if !out.Discard {
		t.Fatal("expected terminal workflow to be discarded")
	}
}
