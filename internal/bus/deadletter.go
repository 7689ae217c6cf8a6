package bus

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"
)

// Header names carried on a dead-lettered message, per §6.
const (
	HeaderDeathReason = "x-death-reason"
	HeaderLastError   = "x-last-error"
	HeaderAttempts    = "x-attempts"
)

// DeadLetter republishes msg's original body to the dead stream for its
// stage, stamped with headers that record why a message never produced a
// completion.
func DeadLetter(ctx context.Context, js Publisher, stage string, body []byte, reason, lastErr string, attempts uint64) error {
	natsMsg := &nats.Msg{
		Subject: DeadSubject(stage),
		Data:    body,
		Header: nats.Header{
			HeaderDeathReason: []string{reason},
			HeaderLastError:   []string{lastErr},
			HeaderAttempts:    []string{strconv.FormatUint(attempts, 10)},
		},
	}
	if _, err := js.PublishMsg(ctx, natsMsg); err != nil {
		return fmt.Errorf("bus: dead-letter %s: %w", stage, err)
	}
	return nil
}
