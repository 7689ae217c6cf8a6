// Package bus realizes the spec's AMQP-shaped topic-exchange topology
// (durable queues bound by routing key, manual ack/nack, publisher
// confirms, dead-lettering) on top of NATS JetStream: one stream holding
// the task and completion subjects, durable filtered consumers standing in
// for the per-routing-key queues, and a second stream for dead-lettered
// messages.
package bus

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

const (
	// StreamName holds every task and completion subject.
	StreamName = "ORCHESTRATION"
	// DeadStreamName holds messages that exhausted their attempts or failed to parse.
	DeadStreamName = "ORCHESTRATION_DEAD"

	subjectPrefix     = "orchestration"
	SubjectExtraction = subjectPrefix + ".extraction"
	SubjectTransform  = subjectPrefix + ".transformation"
	SubjectVerify     = subjectPrefix + ".verification"
	SubjectCompletion = subjectPrefix + ".completion"
	deadSubjectPrefix = subjectPrefix + ".dead"
)

// DeadSubject is where a stage's poison or retry-exhausted messages land.
func DeadSubject(stage string) string {
	return fmt.Sprintf("%s.%s", deadSubjectPrefix, stage)
}

// TaskSubject maps a stage name to its routing-key subject.
func TaskSubject(stage string) string {
	return fmt.Sprintf("%s.%s", subjectPrefix, stage)
}

// EnsureTopology declares the two streams. Safe to call from every service
// at startup; CreateOrUpdateStream is idempotent.
func EnsureTopology(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{SubjectExtraction, SubjectTransform, SubjectVerify, SubjectCompletion},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("bus: ensure stream %s: %w", StreamName, err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      DeadStreamName,
		Subjects:  []string{deadSubjectPrefix + ".>"},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("bus: ensure stream %s: %w", DeadStreamName, err)
	}
	return nil
}

// DurableConsumer creates (or reattaches to) a durable, explicit-ack
// consumer filtered to a single subject — the JetStream analogue of an AMQP
// durable queue bound to one routing key. maxAckPending is the number of
// concurrent unacked slots (§5's "concurrency, default 4" worker pool size);
// pass 1 for the orchestrator's single serializing completion dispatcher.
func DurableConsumer(ctx context.Context, js jetstream.JetStream, durableName, filterSubject string, maxDeliver, maxAckPending int) (jetstream.Consumer, error) {
	stream, err := js.Stream(ctx, StreamName)
	if err != nil {
		return nil, fmt.Errorf("bus: stream %s: %w", StreamName, err)
	}
	if maxAckPending <= 0 {
		maxAckPending = 1
	}
	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durableName,
		FilterSubject: filterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxAckPending: maxAckPending,
		MaxDeliver:    maxDeliver,
	})
	if err != nil {
		return nil, fmt.Errorf("bus: consumer %s: %w", durableName, err)
	}
	return cons, nil
}
