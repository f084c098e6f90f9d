package eventstore

import "errors"

var (
	// ErrNotFound means the aggregate has no projection, no snapshot and
	// no events.
	ErrNotFound = errors.New("todo not found")

	// ErrConcurrentModification is the optimistic-lock failure: the stored
	// version no longer matches the expected one.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicateEvent means the (family, event id) pair already exists in
	// the log. For a retried command this is success-equivalent: the fact
	// is already durable.
	ErrDuplicateEvent = errors.New("event already appended")

	// ErrNoSnapshot means no live snapshot exists for the aggregate.
	ErrNoSnapshot = errors.New("no snapshot")
)
