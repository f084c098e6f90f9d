package eventstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/famlist/project/internal/domain"
)

const insertEventSQL = `
INSERT INTO todo_events (family_id, event_id, todo_id, event_type, payload, actor_id, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (family_id, event_id) DO NOTHING`

const selectEventsForSQL = `
SELECT payload FROM todo_events
WHERE family_id = $1 AND todo_id = $2
ORDER BY event_id`

const selectEventsAfterSQL = `
SELECT payload FROM todo_events
WHERE family_id = $1 AND todo_id = $2 AND event_id > $3
ORDER BY event_id`

// EventLog is the append-only record of facts, partitioned by family and
// ordered by event id. Rows are never updated or deleted here; retention is
// an external policy.
type EventLog struct {
	Pool *pgxpool.Pool
}

func NewEventLog(pool *pgxpool.Pool) *EventLog {
	return &EventLog{Pool: pool}
}

// Append durably stores one event. The insert is conditioned on the
// (family, event id) pair not existing: a redelivered command maps to
// ErrDuplicateEvent instead of a second fact. Any other failure is a
// transport error and may be retried by the caller.
func (l *EventLog) Append(ctx context.Context, familyID string, event domain.Event) error {
	payload, err := domain.Encode(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	tag, err := l.Pool.Exec(ctx, insertEventSQL,
		familyID,
		event.ID(),
		event.Aggregate(),
		event.Kind(),
		payload,
		event.Actor(),
		event.At(),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateEvent
	}
	return nil
}

// EventsFor returns the full ordered stream for one todo.
func (l *EventLog) EventsFor(ctx context.Context, familyID, todoID string) ([]domain.Event, error) {
	return l.queryEvents(ctx, selectEventsForSQL, familyID, todoID)
}

// EventsAfter returns events with an id strictly greater than lastEventID.
// Id uniqueness is guaranteed by the primary key, so the boundary event can
// never reappear in the result.
func (l *EventLog) EventsAfter(ctx context.Context, familyID, todoID, lastEventID string) ([]domain.Event, error) {
	return l.queryEvents(ctx, selectEventsAfterSQL, familyID, todoID, lastEventID)
}

func (l *EventLog) queryEvents(ctx context.Context, sql string, args ...any) ([]domain.Event, error) {
	rows, err := l.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		event, err := domain.Decode(payload)
		if err != nil {
			return nil, fmt.Errorf("decode stored event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}
