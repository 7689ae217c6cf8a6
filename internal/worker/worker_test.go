package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/factually-labs/pipeline/internal/bus"
	"github.com/factually-labs/pipeline/internal/workflow"
	"github.com/factually-labs/pipeline/pkg/domain"
)

// fakePublisher records every published message without touching a network.
type fakePublisher struct {
	mu        sync.Mutex
	published []*nats.Msg
}

func (f *fakePublisher) PublishMsg(_ context.Context, msg *nats.Msg, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msg)
	return &jetstream.PubAck{}, nil
}

func (f *fakePublisher) completions() []workflow.CompletionMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []workflow.CompletionMessage
	for _, m := range f.published {
		if m.Subject != bus.SubjectCompletion {
			continue
		}
		var c workflow.CompletionMessage
		_ = json.Unmarshal(m.Data, &c)
		out = append(out, c)
	}
	return out
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func taskMsg(t *testing.T, task workflow.TaskMessage) bus.IncomingMessage {
	t.Helper()
	data, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}
	return bus.IncomingMessage{Subject: bus.SubjectTransform, Data: data, Context: context.Background()}
}

func TestWorker_SuccessPublishesCompletionAndAcks(t *testing.T) {
	pub := &fakePublisher{}
	w := New(workflow.StageTransformation, pub, func(_ context.Context, payload map[string]any) (map[string]any, error) {
		return map[string]any{"summary": "ok"}, nil
	}, time.Second, newTestLogger(), nil)

	disp := w.Handle(taskMsg(t, workflow.TaskMessage{CorrelationID: "c1", Task: workflow.StageTransformation, Attempt: 1, ChildKey: "a"}))
	if disp != bus.Ack {
		t.Fatalf("expected Ack, got %v", disp)
	}
	completions := pub.completions()
	if len(completions) != 1 || completions[0].Status != workflow.TaskSucceeded {
		t.Fatalf("expected one task_succeeded completion, got %+v", completions)
	}
	if completions[0].ChildKey != "a" {
		t.Fatalf("expected child_key preserved, got %q", completions[0].ChildKey)
	}
}

func TestWorker_DuplicateAttemptSkipsReExecution(t *testing.T) {
	pub := &fakePublisher{}
	calls := 0
	w := New(workflow.StageTransformation, pub, func(_ context.Context, payload map[string]any) (map[string]any, error) {
		calls++
		return map[string]any{}, nil
	}, time.Second, newTestLogger(), nil)

	task := workflow.TaskMessage{CorrelationID: "c2", Task: workflow.StageTransformation, Attempt: 1, ChildKey: "x"}
	w.Handle(taskMsg(t, task))
	disp := w.Handle(taskMsg(t, task))
	if disp != bus.Ack {
		t.Fatalf("expected Ack on duplicate, got %v", disp)
	}
	if calls != 1 {
		t.Fatalf("expected execute called once, got %d", calls)
	}
}

func TestWorker_TransientFailurePublishesTaskFailedAndAcks(t *testing.T) {
	pub := &fakePublisher{}
	w := New(workflow.StageVerification, pub, func(_ context.Context, payload map[string]any) (map[string]any, error) {
		return nil, domain.NewPipelineError(workflow.StageVerification, domain.KindTransientUpstream, errors.New("timeout"))
	}, time.Second, newTestLogger(), nil)

	disp := w.Handle(taskMsg(t, workflow.TaskMessage{CorrelationID: "c3", Task: workflow.StageVerification, Attempt: 1}))
	if disp != bus.Ack {
		t.Fatalf("expected Ack (orchestrator owns the retry decision), got %v", disp)
	}
	completions := pub.completions()
	if len(completions) != 1 || completions[0].Status != workflow.TaskFailed {
		t.Fatalf("expected task_failed completion, got %+v", completions)
	}
	if completions[0].Payload["kind"] != string(domain.KindTransientUpstream) {
		t.Fatalf("expected kind TRANSIENT_UPSTREAM, got %+v", completions[0].Payload)
	}
}

func TestWorker_BadInputTerminatesAndDeadLetters(t *testing.T) {
	pub := &fakePublisher{}
	w := New(workflow.StageExtraction, pub, func(_ context.Context, payload map[string]any) (map[string]any, error) {
		return nil, domain.NewPipelineError(workflow.StageExtraction, domain.KindBadInput, errors.New("unknown source"))
	}, time.Second, newTestLogger(), nil)

	disp := w.Handle(taskMsg(t, workflow.TaskMessage{CorrelationID: "c4", Task: workflow.StageExtraction, Attempt: 1}))
	if disp != bus.Terminate {
		t.Fatalf("expected Terminate for BAD_INPUT, got %v", disp)
	}
	var sawDead bool
	for _, m := range pub.published {
		if m.Subject == bus.DeadSubject(workflow.StageExtraction) {
			sawDead = true
		}
	}
	if !sawDead {
		t.Fatal("expected a dead-letter publish")
	}
}

func TestWorker_PoisonMessageTerminates(t *testing.T) {
	pub := &fakePublisher{}
	w := New(workflow.StageExtraction, pub, func(_ context.Context, payload map[string]any) (map[string]any, error) {
		t.Fatal("execute should not be called for unparseable messages")
		return nil, nil
	}, time.Second, newTestLogger(), nil)

	disp := w.Handle(bus.IncomingMessage{Subject: bus.SubjectExtraction, Data: []byte("{not json"), Context: context.Background()})
	if disp != bus.Terminate {
		t.Fatalf("expected Terminate for poison message, got %v", disp)
	}
}
