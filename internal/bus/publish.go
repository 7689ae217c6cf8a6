package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel"

	"github.com/factually-labs/pipeline/pkg/natsutil"
)

// Publisher is the subset of jetstream.JetStream that Publish needs. It lets
// workers and the orchestrator depend on a narrow interface that tests can
// fake without implementing the full JetStream surface.
type Publisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Publish marshals v as JSON and publishes it to subject, blocking for the
// broker's ack — the JetStream equivalent of a publisher confirm. Trace
// context is injected into the message headers.
func Publish(ctx context.Context, js Publisher, subject string, v any) error {
	return PublishWithHeaders(ctx, js, subject, v, nil)
}

// PublishWithHeaders is Publish plus caller-supplied headers (used for
// dead-letter republish and retry bookkeeping).
func PublishWithHeaders(ctx context.Context, js Publisher, subject string, v any, extraHeaders map[string]string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bus: marshal: %w", err)
	}
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	for k, val := range extraHeaders {
		msg.Header.Set(k, val)
	}
	otel.GetTextMapPropagator().Inject(ctx, (*natsutil.HeaderCarrier)(msg))

	_, err = js.PublishMsg(ctx, msg)
	if err != nil {
		return fmt.Errorf("bus: publish %s: %w", subject, err)
	}
	return nil
}
