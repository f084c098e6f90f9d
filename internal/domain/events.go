package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event kinds on the wire. Schema evolution adds new kinds (CreatedV1 became
// CreatedV2 when tags were introduced); existing kind shapes are frozen.
const (
	KindCreatedV1   = "todo_created_v1"
	KindCreatedV2   = "todo_created_v2"
	KindUpdatedV1   = "todo_updated_v1"
	KindCompletedV1 = "todo_completed_v1"
	KindDeletedV1   = "todo_deleted_v1"
)

// Event is an immutable fact about a single todo. Event ids are UUIDv7
// strings, so lexicographic comparison of ids is chronological ordering.
type Event interface {
	Kind() string
	ID() string
	Aggregate() string
	Actor() string
	At() time.Time
}

// CreatedV2 records the creation of a todo. V2 added the tag set; V1
// payloads are upcast on decode with an empty tag set.
type CreatedV2 struct {
	EventID     string    `json:"event_id"`
	TodoID      string    `json:"todo_id"`
	Title       string    `json:"title"`
	Description *string   `json:"description,omitempty"`
	Tags        []string  `json:"tags"`
	CreatedBy   string    `json:"created_by"`
	OccurredAt  time.Time `json:"timestamp"`
}

func (CreatedV2) Kind() string        { return KindCreatedV2 }
func (e CreatedV2) ID() string        { return e.EventID }
func (e CreatedV2) Aggregate() string { return e.TodoID }
func (e CreatedV2) Actor() string     { return e.CreatedBy }
func (e CreatedV2) At() time.Time     { return e.OccurredAt }

// UpdatedV1 carries a partial update. A nil field leaves the current value
// untouched when folded.
type UpdatedV1 struct {
	EventID     string    `json:"event_id"`
	TodoID      string    `json:"todo_id"`
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	UpdatedBy   string    `json:"updated_by"`
	OccurredAt  time.Time `json:"timestamp"`
}

func (UpdatedV1) Kind() string        { return KindUpdatedV1 }
func (e UpdatedV1) ID() string        { return e.EventID }
func (e UpdatedV1) Aggregate() string { return e.TodoID }
func (e UpdatedV1) Actor() string     { return e.UpdatedBy }
func (e UpdatedV1) At() time.Time     { return e.OccurredAt }

type CompletedV1 struct {
	EventID     string    `json:"event_id"`
	TodoID      string    `json:"todo_id"`
	CompletedBy string    `json:"completed_by"`
	OccurredAt  time.Time `json:"timestamp"`
}

func (CompletedV1) Kind() string        { return KindCompletedV1 }
func (e CompletedV1) ID() string        { return e.EventID }
func (e CompletedV1) Aggregate() string { return e.TodoID }
func (e CompletedV1) Actor() string     { return e.CompletedBy }
func (e CompletedV1) At() time.Time     { return e.OccurredAt }

type DeletedV1 struct {
	EventID    string    `json:"event_id"`
	TodoID     string    `json:"todo_id"`
	DeletedBy  string    `json:"deleted_by"`
	Reason     *string   `json:"reason,omitempty"`
	OccurredAt time.Time `json:"timestamp"`
}

func (DeletedV1) Kind() string        { return KindDeletedV1 }
func (e DeletedV1) ID() string        { return e.EventID }
func (e DeletedV1) Aggregate() string { return e.TodoID }
func (e DeletedV1) Actor() string     { return e.DeletedBy }
func (e DeletedV1) At() time.Time     { return e.OccurredAt }

// Envelope is the persisted event shape: kind tag, schema version and the
// kind-specific payload.
type Envelope struct {
	EventType string          `json:"event_type"`
	Version   string          `json:"version"`
	Data      json.RawMessage `json:"data"`
}

func schemaVersion(kind string) string {
	if kind == KindCreatedV2 {
		return "2.0"
	}
	return "1.0"
}

// Encode wraps an event into its envelope.
func Encode(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		EventType: e.Kind(),
		Version:   schemaVersion(e.Kind()),
		Data:      data,
	})
}

// Decode parses an envelope and upcasts superseded kinds to their current
// shape. Unknown kinds are rejected here, never inside Apply.
func Decode(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEventPayload, err)
	}
	return DecodeEnvelope(env)
}

func DecodeEnvelope(env Envelope) (Event, error) {
	switch env.EventType {
	case KindCreatedV1, KindCreatedV2:
		var e CreatedV2
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEventPayload, err)
		}
		if e.Tags == nil {
			// V1 predates the tag set.
			e.Tags = []string{}
		}
		return e, nil
	case KindUpdatedV1:
		var e UpdatedV1
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEventPayload, err)
		}
		return e, nil
	case KindCompletedV1:
		var e CompletedV1
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEventPayload, err)
		}
		return e, nil
	case KindDeletedV1:
		var e DeletedV1
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEventPayload, err)
		}
		return e, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, env.EventType)
	}
}
