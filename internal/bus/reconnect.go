package bus

import (
	"log/slog"
	"math/rand"
	"time"

	"github.com/nats-io/nats.go"
)

// Backoff bounds, per §4.1: initial 500ms, cap 30s, jitter ±20%.
const (
	backoffInitial = 500 * time.Millisecond
	backoffMax     = 30 * time.Second
	backoffJitter  = 0.20
)

// Connect dials the bus with an unbounded exponential-backoff reconnect
// loop. In-flight work is safe across reconnects because unacked messages
// are redelivered by the broker once the consumer reattaches.
func Connect(url string, log *slog.Logger) (*nats.Conn, error) {
	attempt := 0
	return nats.Connect(url,
		nats.Name("pipeline"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectBufSize(-1),
		nats.CustomReconnectDelay(func(_ int) time.Duration {
			attempt++
			return jitteredBackoff(attempt)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("bus disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info("bus reconnected")
			attempt = 0
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Error("bus connection closed")
		}),
	)
}

func jitteredBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := backoffInitial << (attempt - 1)
	if d <= 0 || d > backoffMax {
		d = backoffMax
	}
	jitter := 1 + (rand.Float64()*2-1)*backoffJitter
	return time.Duration(float64(d) * jitter)
}
