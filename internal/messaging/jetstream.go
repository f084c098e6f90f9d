package messaging

import (
	"errors"

	"github.com/nats-io/nats.go"
)

const eventsStream = "TODO_EVENTS"

// EnsureEventStream creates (or validates) the change-feed stream covering
// todo.event.>. Retention is limits-based: the Postgres event log is the
// durable record, the stream only ferries changes to the processors.
func EnsureEventStream(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(eventsStream); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			if _, addErr := js.AddStream(&nats.StreamConfig{
				Name:      eventsStream,
				Subjects:  []string{"todo.event.>"},
				Retention: nats.LimitsPolicy,
				Storage:   nats.FileStorage,
				Replicas:  1,
			}); addErr != nil {
				return addErr
			}
		} else {
			return err
		}
	}
	return nil
}
