package eventstore

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

const createEventsTableSQL = `
CREATE TABLE IF NOT EXISTS todo_events (
  family_id text NOT NULL,
  event_id text NOT NULL,
  todo_id text NOT NULL,
  event_type text NOT NULL,
  payload jsonb NOT NULL,
  actor_id text NOT NULL,
  occurred_at timestamptz NOT NULL,
  inserted_at timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (family_id, event_id)
)`

const createEventsStreamIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_todo_events_stream
ON todo_events (family_id, todo_id, event_id)`

const createProjectionsTableSQL = `
CREATE TABLE IF NOT EXISTS todo_projections (
  family_id text NOT NULL,
  todo_id text NOT NULL,
  state jsonb NOT NULL,
  version bigint NOT NULL,
  status text NOT NULL,
  last_event_id text NOT NULL DEFAULT '',
  updated_at timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (family_id, todo_id)
)`

const createProjectionsActiveIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_todo_projections_active
ON todo_projections (family_id, updated_at DESC)
WHERE status = 'active'`

const createSnapshotsTableSQL = `
CREATE TABLE IF NOT EXISTS todo_snapshots (
  family_id text NOT NULL,
  todo_id text NOT NULL,
  snapshot_id text NOT NULL,
  state jsonb NOT NULL,
  last_event_id text NOT NULL,
  stream_position bigint NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now(),
  expires_at timestamptz,
  PRIMARY KEY (family_id, todo_id, snapshot_id)
)`

// EnsureSchema creates the store tables and indexes if missing. Safe to run
// from every process at startup.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		createEventsTableSQL,
		createEventsStreamIndexSQL,
		createProjectionsTableSQL,
		createProjectionsActiveIndexSQL,
		createSnapshotsTableSQL,
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
