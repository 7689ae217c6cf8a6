package main

import (
	"context"
	"testing"
	"time"

	"github.com/factually-labs/pipeline/internal/workflow"
)

func TestSweepOnce_RepublishesStuckStage(t *testing.T) {
	store := workflow.NewMemStore()
	wf, _, err := workflow.Create("c1", "extract_transform", map[string]any{"sources": []any{"reuters"}, "date_base": "2024-01-05", "date_cutoff": "2024-01-05"}, t0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(context.Background(), wf); err != nil {
		t.Fatalf("store create: %v", err)
	}

	pub := &fakePublisher{}
	sweepOnce(context.Background(), store, pub, time.Minute, newTestLogger(), nil, nil)

	if len(pub.tasks()) != 1 {
		t.Fatalf("expected the stuck stage-0 task republished, got %d", len(pub.tasks()))
	}
	stored, _ := store.Load(context.Background(), "c1")
	if stored.AttemptsPerStage[workflow.StageExtraction] != 1 {
		t.Fatalf("expected one recorded attempt, got %+v", stored.AttemptsPerStage)
	}
}

func TestSweepOnce_IgnoresFreshWorkflows(t *testing.T) {
	store := workflow.NewMemStore()
	wf, _, _ := workflow.Create("c2", "verify", map[string]any{"claim": "x"}, time.Now().UTC())
	store.Create(context.Background(), wf)

	pub := &fakePublisher{}
	// watchdog threshold far longer than time elapsed since creation.
	sweepOnce(context.Background(), store, pub, 24*time.Hour, newTestLogger(), nil, nil)

	if len(pub.tasks()) != 0 {
		t.Fatalf("expected no republish for a fresh workflow, got %d", len(pub.tasks()))
	}
}

func TestSweepOnce_MarksFailedAfterMaxAttemptsExhausted(t *testing.T) {
	store := workflow.NewMemStore()
	wf, _, _ := workflow.Create("c3", "verify", map[string]any{"claim": "x"}, t0)
	wf.AttemptsPerStage[workflow.StageVerification] = wf.Stages[0].MaxAttempts
	store.Create(context.Background(), wf)

	pub := &fakePublisher{}
	sweepOnce(context.Background(), store, pub, time.Minute, newTestLogger(), nil, nil)

	if len(pub.tasks()) != 0 {
		t.Fatalf("expected no republish once FAILED, got %d", len(pub.tasks()))
	}
	stored, _ := store.Load(context.Background(), "c3")
	if stored.Status != workflow.StatusFailed {
		t.Fatalf("expected FAILED, got %s", stored.Status)
	}
}
