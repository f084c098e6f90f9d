package commandapi

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/famlist/project/internal/contracts"
	"github.com/famlist/project/internal/domain"
	"github.com/famlist/project/internal/eventstore"
	"github.com/famlist/project/internal/sharding"
)

type PublishFunc func(subject string, payload []byte) error

type Updater interface {
	UpdateWithRetry(ctx context.Context, familyID, todoID string, decide eventstore.DecideFunc) (domain.Todo, error)
}

type Repairer interface {
	RebuildRecord(ctx context.Context, familyID, todoID string) (eventstore.Record, error)
}

type ProjectionWriter interface {
	Save(ctx context.Context, familyID string, rec eventstore.Record) error
}

// Service runs the synchronous write path: read the projection, decide,
// append, update the projection under optimistic concurrency, then publish
// the event onto the change feed. Publishing is best-effort; the event log
// already holds the durable record when it runs.
type Service struct {
	Updater     Updater
	Rebuilder   Repairer
	Projections ProjectionWriter
	Decider     domain.Decider
	Publish     PublishFunc
	Log         logrus.FieldLogger
	NewID       func() string
}

func NewService(updater Updater, rebuilder Repairer, projections ProjectionWriter, publish PublishFunc, log logrus.FieldLogger) *Service {
	return &Service{
		Updater:     updater,
		Rebuilder:   rebuilder,
		Projections: projections,
		Decider:     domain.NewDecider(),
		Publish:     publish,
		Log:         log,
		NewID:       domain.NewID,
	}
}

type CreateTodoRequest struct {
	Title       string   `json:"title"`
	Description *string  `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

type UpdateTodoRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
}

type DeleteTodoRequest struct {
	Reason *string `json:"reason,omitempty"`
}

func (s *Service) CreateTodo(ctx context.Context, actorID, familyID string, req CreateTodoRequest) (domain.Todo, error) {
	todoID := s.NewID()
	cmd := domain.CreateTodo{
		TodoID:      todoID,
		Title:       req.Title,
		Description: req.Description,
		Tags:        req.Tags,
	}
	return s.execute(ctx, actorID, familyID, todoID, cmd)
}

func (s *Service) UpdateTodo(ctx context.Context, actorID, familyID, todoID string, req UpdateTodoRequest) (domain.Todo, error) {
	return s.execute(ctx, actorID, familyID, todoID, domain.UpdateTodo{
		Title:       req.Title,
		Description: req.Description,
	})
}

func (s *Service) CompleteTodo(ctx context.Context, actorID, familyID, todoID string) (domain.Todo, error) {
	return s.execute(ctx, actorID, familyID, todoID, domain.CompleteTodo{})
}

func (s *Service) DeleteTodo(ctx context.Context, actorID, familyID, todoID string, req DeleteTodoRequest) (domain.Todo, error) {
	return s.execute(ctx, actorID, familyID, todoID, domain.DeleteTodo{Reason: req.Reason})
}

// RebuildTodo replays the authoritative log and writes the result back over
// the projection row, repairing any drift.
func (s *Service) RebuildTodo(ctx context.Context, familyID, todoID string) (domain.Todo, error) {
	rec, err := s.Rebuilder.RebuildRecord(ctx, familyID, todoID)
	if err != nil {
		return domain.Todo{}, err
	}
	if err := s.Projections.Save(ctx, familyID, rec); err != nil {
		return domain.Todo{}, err
	}
	return rec.Todo, nil
}

func (s *Service) execute(ctx context.Context, actorID, familyID, todoID string, cmd domain.Command) (domain.Todo, error) {
	var decided domain.Event
	state, err := s.Updater.UpdateWithRetry(ctx, familyID, todoID, func(current domain.Todo) (domain.Event, error) {
		event, err := s.Decider.Decide(current, cmd, actorID)
		if err != nil {
			return nil, err
		}
		decided = event
		return event, nil
	})
	if err != nil {
		return domain.Todo{}, err
	}

	s.publishEvent(familyID, decided, state.Version)
	return state, nil
}

func (s *Service) publishEvent(familyID string, event domain.Event, version uint64) {
	if s.Publish == nil || event == nil {
		return
	}
	envelope, err := domain.Encode(event)
	if err != nil {
		s.Log.WithError(err).Error("encode change-feed event")
		return
	}
	record := contracts.EventRecord{
		EventID:    event.ID(),
		EventType:  event.Kind(),
		FamilyID:   familyID,
		TodoID:     event.Aggregate(),
		ActorID:    event.Actor(),
		Version:    version,
		Payload:    envelope,
		OccurredAt: event.At(),
		ShardID:    sharding.GetShardID(familyID),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		s.Log.WithError(err).Error("encode change-feed record")
		return
	}
	if err := s.Publish(sharding.EventSubject(familyID), payload); err != nil {
		s.Log.WithError(err).WithFields(logrus.Fields{
			"family_id": familyID,
			"event_id":  event.ID(),
		}).Warn("change-feed publish failed")
	}
}
