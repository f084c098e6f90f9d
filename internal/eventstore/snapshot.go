package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/famlist/project/internal/domain"
)

// Snapshot is a compacted checkpoint: a materialized state plus the id of
// the last event folded into it and the stream position (event count) at
// that point. Snapshots are advisory, never authoritative.
type Snapshot struct {
	SnapshotID     string
	TodoID         string
	State          domain.Todo
	LastEventID    string
	StreamPosition uint64
	CreatedAt      time.Time
}

const defaultSnapshotRetention = 7 * 24 * time.Hour

const insertSnapshotSQL = `
INSERT INTO todo_snapshots (family_id, todo_id, snapshot_id, state, last_event_id, stream_position, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

const supersedeSnapshotsSQL = `
UPDATE todo_snapshots
SET expires_at = $4
WHERE family_id = $1 AND todo_id = $2 AND snapshot_id <> $3 AND expires_at IS NULL`

const selectLatestSnapshotSQL = `
SELECT snapshot_id, state, last_event_id, stream_position, created_at
FROM todo_snapshots
WHERE family_id = $1 AND todo_id = $2 AND (expires_at IS NULL OR expires_at > now())
ORDER BY snapshot_id DESC
LIMIT 1`

const purgeExpiredSnapshotsSQL = `
DELETE FROM todo_snapshots
WHERE expires_at IS NOT NULL AND expires_at <= now()`

const selectStaleSnapshotsSQL = `
SELECT p.family_id, p.todo_id
FROM todo_projections p
INNER JOIN LATERAL (
  SELECT s.created_at, s.last_event_id
  FROM todo_snapshots s
  WHERE s.family_id = p.family_id AND s.todo_id = p.todo_id
    AND (s.expires_at IS NULL OR s.expires_at > now())
  ORDER BY s.snapshot_id DESC
  LIMIT 1
) snap ON true
WHERE snap.created_at <= $1 AND p.last_event_id > snap.last_event_id
LIMIT $2`

// SnapshotStore persists checkpoints. Saving a snapshot marks the previous
// ones with a retention expiry instead of deleting them outright.
type SnapshotStore struct {
	Pool      *pgxpool.Pool
	Retention time.Duration
	Now       func() time.Time
}

func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{
		Pool:      pool,
		Retention: defaultSnapshotRetention,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *SnapshotStore) Save(ctx context.Context, familyID string, snap Snapshot) error {
	state, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, insertSnapshotSQL,
		familyID, snap.TodoID, snap.SnapshotID, state, snap.LastEventID,
		snap.StreamPosition, snap.CreatedAt); err != nil {
		return err
	}
	expiry := s.Now().Add(s.Retention)
	if _, err := tx.Exec(ctx, supersedeSnapshotsSQL, familyID, snap.TodoID, snap.SnapshotID, expiry); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Latest returns the most recent live snapshot or ErrNoSnapshot.
func (s *SnapshotStore) Latest(ctx context.Context, familyID, todoID string) (Snapshot, error) {
	var state []byte
	snap := Snapshot{TodoID: todoID}
	err := s.Pool.QueryRow(ctx, selectLatestSnapshotSQL, familyID, todoID).Scan(
		&snap.SnapshotID, &state, &snap.LastEventID, &snap.StreamPosition, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return Snapshot{}, err
	}
	if err := json.Unmarshal(state, &snap.State); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

// PurgeExpired removes superseded snapshots past their retention window and
// returns the number of rows deleted.
func (s *SnapshotStore) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.Pool.Exec(ctx, purgeExpiredSnapshotsSQL)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// StaleTodo identifies a stream whose newest live snapshot has fallen
// behind: the checkpoint is old and events were appended after it.
type StaleTodo struct {
	FamilyID string
	TodoID   string
}

// ListStale returns streams whose latest live snapshot predates olderThan
// and no longer covers the projection's last applied event.
func (s *SnapshotStore) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]StaleTodo, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.Pool.Query(ctx, selectStaleSnapshotsSQL, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stale := make([]StaleTodo, 0, limit)
	for rows.Next() {
		var st StaleTodo
		if err := rows.Scan(&st.FamilyID, &st.TodoID); err != nil {
			return nil, err
		}
		stale = append(stale, st)
	}
	return stale, rows.Err()
}
