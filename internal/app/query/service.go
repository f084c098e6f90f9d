package query

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/famlist/project/internal/domain"
	"github.com/famlist/project/internal/eventstore"
)

var ErrTodoNotFound = errors.New("todo not found")

type ProjectionReader interface {
	Get(ctx context.Context, familyID, todoID string) (eventstore.Record, error)
	ListActive(ctx context.Context, familyID string, limit int) ([]domain.Todo, error)
}

// Service answers reads from the projection table, with the Redis cache in
// front of the per-family active list. Cache failures degrade to Postgres
// reads, never to request failures.
type Service struct {
	Projections ProjectionReader
	Cache       *ActiveCache
	Log         logrus.FieldLogger
}

func NewService(projections ProjectionReader, cache *ActiveCache, log logrus.FieldLogger) *Service {
	return &Service{Projections: projections, Cache: cache, Log: log}
}

// GetTodo returns the current state of one todo. Deleted todos read as
// not found.
func (s *Service) GetTodo(ctx context.Context, familyID, todoID string) (domain.Todo, error) {
	rec, err := s.Projections.Get(ctx, familyID, todoID)
	if err != nil {
		if errors.Is(err, eventstore.ErrNotFound) {
			return domain.Todo{}, ErrTodoNotFound
		}
		return domain.Todo{}, err
	}
	if rec.Todo.Status == domain.StatusDeleted {
		return domain.Todo{}, ErrTodoNotFound
	}
	return rec.Todo, nil
}

// ListActive returns the family's active todos, newest first. Only the
// default page size goes through the cache; explicit limits bypass it.
func (s *Service) ListActive(ctx context.Context, familyID string, limit int) ([]domain.Todo, error) {
	useCache := s.Cache != nil && limit <= 0
	if useCache {
		todos, hit, err := s.Cache.Get(ctx, familyID)
		if err != nil {
			s.Log.WithError(err).WithField("family_id", familyID).Warn("active cache read failed")
		} else if hit {
			return todos, nil
		}
	}

	todos, err := s.Projections.ListActive(ctx, familyID, limit)
	if err != nil {
		return nil, err
	}
	if useCache {
		if err := s.Cache.Set(ctx, familyID, todos); err != nil {
			s.Log.WithError(err).WithField("family_id", familyID).Warn("active cache write failed")
		}
	}
	return todos, nil
}

// Refresh recomputes the family's cached active list from the projection
// table. The change-feed consumer calls this after folding an event.
func (s *Service) Refresh(ctx context.Context, familyID string) error {
	if s.Cache == nil {
		return nil
	}
	todos, err := s.Projections.ListActive(ctx, familyID, 0)
	if err != nil {
		return err
	}
	return s.Cache.Set(ctx, familyID, todos)
}
