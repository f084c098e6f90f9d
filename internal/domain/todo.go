package domain

import (
	"time"

	"github.com/google/uuid"
)

// Status is monotone: Deleted is terminal and Completed is reachable only
// from Active.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusDeleted   Status = "deleted"
)

// Todo is the current state of one aggregate, fully determined by its
// ordered event sequence. Version equals the number of events folded in.
type Todo struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description *string    `json:"description,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	Status      Status     `json:"status"`
	CreatedBy   string     `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Version     uint64     `json:"version"`
}

// Exists reports whether any event has been folded into this state.
func (t Todo) Exists() bool { return t.Version > 0 }

// Apply folds one event into the state. It is a total, pure function: the
// version advances exactly once per event and fields are set only for
// attributes the event carries, so replay is deterministic and a partial
// update never clobbers unrelated fields.
func (t Todo) Apply(e Event) Todo {
	t.Version++
	switch ev := e.(type) {
	case CreatedV2:
		t.ID = ev.TodoID
		t.Title = ev.Title
		t.Description = ev.Description
		t.Tags = ev.Tags
		t.Status = StatusActive
		t.CreatedBy = ev.CreatedBy
		t.CreatedAt = ev.OccurredAt
		t.UpdatedAt = ev.OccurredAt
	case UpdatedV1:
		if ev.Title != nil {
			t.Title = *ev.Title
		}
		if ev.Description != nil {
			t.Description = ev.Description
		}
		t.UpdatedAt = ev.OccurredAt
	case CompletedV1:
		t.Status = StatusCompleted
		at := ev.OccurredAt
		t.CompletedAt = &at
		t.UpdatedAt = ev.OccurredAt
	case DeletedV1:
		t.Status = StatusDeleted
		t.UpdatedAt = ev.OccurredAt
	}
	return t
}

// Replay folds an ordered event sequence onto a starting state.
func Replay(start Todo, events []Event) Todo {
	state := start
	for _, e := range events {
		state = state.Apply(e)
	}
	return state
}

// NewID returns a UUIDv7: time-ordered, so string comparison of ids agrees
// with creation order. Used for both todo ids and event ids.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
