package eventstore

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/famlist/project/internal/domain"
)

// DefaultSnapshotThreshold is the per-rebuild event delta that triggers
// background compaction.
const DefaultSnapshotThreshold = 100

type EventReader interface {
	EventsFor(ctx context.Context, familyID, todoID string) ([]domain.Event, error)
	EventsAfter(ctx context.Context, familyID, todoID, lastEventID string) ([]domain.Event, error)
}

type SnapshotStorage interface {
	Latest(ctx context.Context, familyID, todoID string) (Snapshot, error)
	Save(ctx context.Context, familyID string, snap Snapshot) error
}

// Rebuilder reconstructs current state from the latest snapshot plus the
// events appended after it, or by full replay when no snapshot exists.
type Rebuilder struct {
	Events    EventReader
	Snapshots SnapshotStorage
	Threshold int
	Log       logrus.FieldLogger

	// Spawn runs the compaction task; the default detaches it in a
	// goroutine. Tests substitute a synchronous runner.
	Spawn func(task func())
	NewID func() string
	Now   func() time.Time
}

func NewRebuilder(events EventReader, snapshots SnapshotStorage, log logrus.FieldLogger) *Rebuilder {
	return &Rebuilder{
		Events:    events,
		Snapshots: snapshots,
		Threshold: DefaultSnapshotThreshold,
		Log:       log,
		Spawn:     func(task func()) { go task() },
		NewID:     domain.NewID,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// Rebuild returns the authoritative current state. When the delta folded on
// top of the snapshot reaches the threshold, compaction is scheduled
// fire-and-forget: its outcome never affects the returned state.
func (r *Rebuilder) Rebuild(ctx context.Context, familyID, todoID string) (domain.Todo, error) {
	rec, err := r.RebuildRecord(ctx, familyID, todoID)
	return rec.Todo, err
}

// RebuildRecord is Rebuild plus the id of the last event folded in, which
// projection repair needs to write back.
func (r *Rebuilder) RebuildRecord(ctx context.Context, familyID, todoID string) (Record, error) {
	var start domain.Todo
	var lastEventID string
	var events []domain.Event

	snap, err := r.Snapshots.Latest(ctx, familyID, todoID)
	switch {
	case err == nil:
		start = snap.State
		lastEventID = snap.LastEventID
		events, err = r.Events.EventsAfter(ctx, familyID, todoID, snap.LastEventID)
		if err != nil {
			return Record{}, err
		}
	case errors.Is(err, ErrNoSnapshot):
		events, err = r.Events.EventsFor(ctx, familyID, todoID)
		if err != nil {
			return Record{}, err
		}
		if len(events) == 0 {
			return Record{}, ErrNotFound
		}
	default:
		return Record{}, err
	}

	if len(events) > 0 {
		lastEventID = events[len(events)-1].ID()
	}
	state := domain.Replay(start, events)

	if len(events) >= r.Threshold {
		r.Spawn(func() {
			// Detached from the request: the rebuild already returned.
			taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			if _, err := r.CreateSnapshot(taskCtx, familyID, todoID); err != nil {
				r.Log.WithFields(logrus.Fields{
					"family_id": familyID,
					"todo_id":   todoID,
				}).WithError(err).Warn("background snapshot creation failed")
				snapshotsTotal.WithLabelValues("error").Inc()
				return
			}
			snapshotsTotal.WithLabelValues("ok").Inc()
		})
	}

	return Record{Todo: state, LastEventID: lastEventID}, nil
}

// CreateSnapshot replays the entire authoritative stream, not merely the
// delta, so the new checkpoint is independently correct.
func (r *Rebuilder) CreateSnapshot(ctx context.Context, familyID, todoID string) (Snapshot, error) {
	events, err := r.Events.EventsFor(ctx, familyID, todoID)
	if err != nil {
		return Snapshot{}, err
	}
	if len(events) == 0 {
		return Snapshot{}, ErrNotFound
	}

	state := domain.Replay(domain.Todo{}, events)
	snap := Snapshot{
		SnapshotID:     r.NewID(),
		TodoID:         todoID,
		State:          state,
		LastEventID:    events[len(events)-1].ID(),
		StreamPosition: uint64(len(events)),
		CreatedAt:      r.Now(),
	}
	if err := r.Snapshots.Save(ctx, familyID, snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}
