package bus

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel"
)

// Disposition is what a message handler decides to do with a delivered message.
type Disposition int

const (
	// Ack acknowledges successful processing.
	Ack Disposition = iota
	// NackRedeliver asks the broker to redeliver (transient failure, still
	// below max attempts).
	NackRedeliver
	// Terminate stops redelivery entirely — used for poison messages and for
	// BAD_INPUT failures, both of which the caller is responsible for also
	// routing to the dead stream.
	Terminate
)

// IncomingMessage is the consumer-side view of a delivered message.
type IncomingMessage struct {
	Subject      string
	Data         []byte
	Headers      map[string]string
	NumDelivered uint64
	Context      context.Context

	raw jetstream.Msg
}

// Handler processes one message and returns how the bus should dispose of it.
type Handler func(IncomingMessage) Disposition

// Subscription wraps a running JetStream consume loop.
type Subscription struct {
	consumeCtx jetstream.ConsumeContext
}

// Stop drains in-flight handlers and stops delivering new messages.
func (s *Subscription) Stop() {
	if s.consumeCtx != nil {
		s.consumeCtx.Drain()
	}
}

// Consume starts delivering messages from cons to handler until Stop is
// called. Each message's disposition maps onto the JetStream ack surface:
// Ack -> msg.Ack(), NackRedeliver -> msg.Nak(), Terminate -> msg.Term().
func Consume(cons jetstream.Consumer, handler Handler) (*Subscription, error) {
	consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
		meta, _ := msg.Metadata()
		var numDelivered uint64
		if meta != nil {
			numDelivered = meta.NumDelivered
		}
		headers := map[string]string{}
		for k, vals := range msg.Headers() {
			if len(vals) > 0 {
				headers[k] = vals[0]
			}
		}
		ctx := otel.GetTextMapPropagator().Extract(context.Background(), natsHeaderCarrierFromMap(headers))

		im := IncomingMessage{
			Subject:      msg.Subject(),
			Data:         msg.Data(),
			Headers:      headers,
			NumDelivered: numDelivered,
			Context:      ctx,
			raw:          msg,
		}

		switch handler(im) {
		case Ack:
			_ = msg.Ack()
		case NackRedeliver:
			_ = msg.Nak()
		case Terminate:
			_ = msg.Term()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("bus: consume: %w", err)
	}
	return &Subscription{consumeCtx: consumeCtx}, nil
}

type mapCarrier map[string]string

func (c mapCarrier) Get(key string) string  { return c[key] }
func (c mapCarrier) Set(key, val string)    { c[key] = val }
func (c mapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

func natsHeaderCarrierFromMap(m map[string]string) mapCarrier { return mapCarrier(m) }
