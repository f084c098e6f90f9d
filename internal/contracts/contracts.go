package contracts

import (
	"encoding/json"
	"time"
)

// EventRecord is the change-feed envelope published by command-api after a
// successful append and consumed by event-processor. Payload carries the
// versioned domain event envelope verbatim, so consumers decode it with the
// same codec as the event log. Version is the aggregate version after the
// event was folded in; consumers use it to notice missed deliveries.
type EventRecord struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	FamilyID   string          `json:"family_id"`
	TodoID     string          `json:"todo_id"`
	ActorID    string          `json:"actor_id"`
	Version    uint64          `json:"version"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
	ShardID    int             `json:"shard_id"`
}
