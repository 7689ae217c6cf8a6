//go:build integration

package bus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

func natsURL() string {
	if v := os.Getenv("NATS_URL"); v != "" {
		return v
	}
	return nats.DefaultURL
}

func connectJS(t *testing.T) jetstream.JetStream {
	t.Helper()
	nc, err := nats.Connect(natsURL())
	if err != nil {
		t.Fatalf("nats connect: %v", err)
	}
	t.Cleanup(func() { nc.Close() })
	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	return js
}

func TestBus_PublishConsumeAck(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	js := connectJS(t)

	if err := EnsureTopology(ctx, js); err != nil {
		t.Fatalf("ensure topology: %v", err)
	}

	cons, err := DurableConsumer(ctx, js, "it-extraction-worker", SubjectExtraction, 3, 1)
	if err != nil {
		t.Fatalf("durable consumer: %v", err)
	}

	type payload struct {
		CorrelationID string `json:"correlation_id"`
	}
	if err := Publish(ctx, js, SubjectExtraction, payload{CorrelationID: "int-test-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	received := make(chan IncomingMessage, 1)
	sub, err := Consume(cons, func(m IncomingMessage) Disposition {
		received <- m
		return Ack
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	defer sub.Stop()

	select {
	case m := <-received:
		if m.Subject != SubjectExtraction {
			t.Fatalf("unexpected subject %s", m.Subject)
		}
	case <-ctx.Done():
		t.Fatal("timeout waiting for message")
	}
}

func TestBus_DeadLetterCarriesHeaders(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	js := connectJS(t)

	if err := EnsureTopology(ctx, js); err != nil {
		t.Fatalf("ensure topology: %v", err)
	}
	if err := DeadLetter(ctx, js, "transformation", []byte(`{"bad":"json"`), "POISON_MESSAGE", "unexpected EOF", 1); err != nil {
		t.Fatalf("dead letter: %v", err)
	}
}
