package snapshotter

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/famlist/project/internal/eventstore"
)

const (
	defaultMaxAge    = 7 * 24 * time.Hour
	defaultInterval  = time.Hour
	defaultBatchSize = 100
)

type SnapshotSource interface {
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]eventstore.StaleTodo, error)
	PurgeExpired(ctx context.Context) (int64, error)
}

type Compactor interface {
	CreateSnapshot(ctx context.Context, familyID, todoID string) (eventstore.Snapshot, error)
}

// Service is the age-based compaction sweep. The count-based trigger lives
// on the rebuild path; this sweep catches streams that mutate too slowly to
// ever cross the event-count threshold, and clears superseded snapshots
// past retention.
type Service struct {
	Store     SnapshotSource
	Compactor Compactor
	MaxAge    time.Duration
	Interval  time.Duration
	BatchSize int
	Log       logrus.FieldLogger
	Now       func() time.Time
}

func NewService(store SnapshotSource, compactor Compactor, log logrus.FieldLogger) *Service {
	return &Service{
		Store:     store,
		Compactor: compactor,
		MaxAge:    defaultMaxAge,
		Interval:  defaultInterval,
		BatchSize: defaultBatchSize,
		Log:       log,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce performs one sweep: refresh stale snapshots, then purge expired
// ones. Per-stream failures are logged and skipped; the sweep continues.
func (s *Service) RunOnce(ctx context.Context) (created int, purged int64, err error) {
	cutoff := s.Now().Add(-s.MaxAge)
	stale, err := s.Store.ListStale(ctx, cutoff, s.BatchSize)
	if err != nil {
		return 0, 0, err
	}

	for _, st := range stale {
		if ctx.Err() != nil {
			return created, purged, ctx.Err()
		}
		if _, err := s.Compactor.CreateSnapshot(ctx, st.FamilyID, st.TodoID); err != nil {
			s.Log.WithError(err).WithFields(logrus.Fields{
				"family_id": st.FamilyID,
				"todo_id":   st.TodoID,
			}).Warn("stale snapshot refresh failed")
			continue
		}
		created++
	}

	purged, err = s.Store.PurgeExpired(ctx)
	if err != nil {
		return created, 0, err
	}
	return created, purged, nil
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		created, purged, err := s.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.Log.WithError(err).Error("snapshot sweep failed")
		} else {
			s.Log.WithFields(logrus.Fields{
				"snapshots_created": created,
				"snapshots_purged":  purged,
			}).Info("snapshot sweep complete")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
