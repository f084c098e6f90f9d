package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/famlist/project/internal/domain"
)

// Record is one projection row: the materialized state plus the id of the
// last event folded into it. The version lives inside the state.
type Record struct {
	Todo        domain.Todo
	LastEventID string
}

const upsertProjectionSQL = `
INSERT INTO todo_projections (family_id, todo_id, state, version, status, last_event_id, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (family_id, todo_id) DO UPDATE
SET state = EXCLUDED.state,
    version = EXCLUDED.version,
    status = EXCLUDED.status,
    last_event_id = EXCLUDED.last_event_id,
    updated_at = now()`

const insertProjectionIfAbsentSQL = `
INSERT INTO todo_projections (family_id, todo_id, state, version, status, last_event_id, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (family_id, todo_id) DO NOTHING`

const conditionalUpdateProjectionSQL = `
UPDATE todo_projections
SET state = $3, version = $4, status = $5, last_event_id = $6, updated_at = now()
WHERE family_id = $1 AND todo_id = $2 AND version = $7`

const selectProjectionSQL = `
SELECT state, last_event_id FROM todo_projections
WHERE family_id = $1 AND todo_id = $2`

const selectActiveProjectionsSQL = `
SELECT state FROM todo_projections
WHERE family_id = $1 AND status = 'active'
ORDER BY updated_at DESC
LIMIT $2`

// ProjectionStore holds the current-state view per todo. Status lands in a
// denormalized column backing a partial index, so leaving the Active status
// and leaving the active index are the same statement.
type ProjectionStore struct {
	Pool *pgxpool.Pool
}

func NewProjectionStore(pool *pgxpool.Pool) *ProjectionStore {
	return &ProjectionStore{Pool: pool}
}

// Save is an unconditional upsert, used by warm rebuilds where the caller
// has just derived the state from the authoritative log.
func (s *ProjectionStore) Save(ctx context.Context, familyID string, rec Record) error {
	state, err := json.Marshal(rec.Todo)
	if err != nil {
		return fmt.Errorf("encode projection: %w", err)
	}
	_, err = s.Pool.Exec(ctx, upsertProjectionSQL,
		familyID, rec.Todo.ID, state, rec.Todo.Version, string(rec.Todo.Status), rec.LastEventID)
	return err
}

// Get returns the projection or ErrNotFound.
func (s *ProjectionStore) Get(ctx context.Context, familyID, todoID string) (Record, error) {
	var state []byte
	var rec Record
	err := s.Pool.QueryRow(ctx, selectProjectionSQL, familyID, todoID).Scan(&state, &rec.LastEventID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	if err := json.Unmarshal(state, &rec.Todo); err != nil {
		return Record{}, fmt.Errorf("decode projection: %w", err)
	}
	return rec, nil
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// clampListLimit substitutes the default for missing limits and caps
// oversized ones instead of discarding them.
func clampListLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	default:
		return limit
	}
}

// ListActive serves the active-todos secondary index for one family.
func (s *ProjectionStore) ListActive(ctx context.Context, familyID string, limit int) ([]domain.Todo, error) {
	limit = clampListLimit(limit)
	rows, err := s.Pool.Query(ctx, selectActiveProjectionsSQL, familyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	todos := make([]domain.Todo, 0, limit)
	for rows.Next() {
		var state []byte
		if err := rows.Scan(&state); err != nil {
			return nil, err
		}
		var todo domain.Todo
		if err := json.Unmarshal(state, &todo); err != nil {
			return nil, fmt.Errorf("decode projection: %w", err)
		}
		todos = append(todos, todo)
	}
	return todos, rows.Err()
}

// ConditionalUpdate persists the record only if the stored version still
// equals expectedVersion; otherwise ErrConcurrentModification. An expected
// version of zero means the row must not exist yet.
func (s *ProjectionStore) ConditionalUpdate(ctx context.Context, familyID string, rec Record, expectedVersion uint64) error {
	state, err := json.Marshal(rec.Todo)
	if err != nil {
		return fmt.Errorf("encode projection: %w", err)
	}

	var tag pgconn.CommandTag
	if expectedVersion == 0 {
		tag, err = s.Pool.Exec(ctx, insertProjectionIfAbsentSQL,
			familyID, rec.Todo.ID, state, rec.Todo.Version, string(rec.Todo.Status), rec.LastEventID)
	} else {
		tag, err = s.Pool.Exec(ctx, conditionalUpdateProjectionSQL,
			familyID, rec.Todo.ID, state, rec.Todo.Version, string(rec.Todo.Status), rec.LastEventID, expectedVersion)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentModification
	}
	return nil
}
