package eventproc

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/famlist/project/internal/contracts"
	"github.com/famlist/project/internal/domain"
	"github.com/famlist/project/internal/eventstore"
	"github.com/famlist/project/internal/sharding"
)

var (
	ErrInvalidEventPayload = errors.New("invalid event payload")
	ErrUnknownFamily       = errors.New("subject carries no family id")
)

type ProjectionAccess interface {
	Get(ctx context.Context, familyID, todoID string) (eventstore.Record, error)
	ConditionalUpdate(ctx context.Context, familyID string, rec eventstore.Record, expectedVersion uint64) error
	Save(ctx context.Context, familyID string, rec eventstore.Record) error
}

type Repairer interface {
	RebuildRecord(ctx context.Context, familyID, todoID string) (eventstore.Record, error)
}

type CacheRefresher interface {
	Refresh(ctx context.Context, familyID string) error
}

// Service folds change-feed events into the projection table. The write path
// already updates the projection synchronously, so most deliveries are
// observed as already applied; this consumer repairs the cases where the
// synchronous update lost a race or a node died between append and update.
// When a delivery arrives with a version gap ahead of the projection, the
// record is rebuilt from the log instead of folded, so a lost intermediate
// delivery never goes missing from the projection.
type Service struct {
	Projections ProjectionAccess
	Rebuilder   Repairer
	Cache       CacheRefresher
	Log         logrus.FieldLogger
}

func NewService(projections ProjectionAccess, rebuilder Repairer, cache CacheRefresher, log logrus.FieldLogger) *Service {
	return &Service{Projections: projections, Rebuilder: rebuilder, Cache: cache, Log: log}
}

// Handle processes one delivery. Malformed payloads and unroutable subjects
// return terminal errors (the caller should Term, not redeliver); store
// failures return transient errors.
func (s *Service) Handle(ctx context.Context, subject string, payload []byte) error {
	familyID := sharding.FamilyFromSubject(subject)
	if familyID == "" {
		return ErrUnknownFamily
	}

	var record contracts.EventRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return ErrInvalidEventPayload
	}
	if record.FamilyID != "" && record.FamilyID != familyID {
		return ErrInvalidEventPayload
	}

	event, err := domain.Decode(record.Payload)
	if err != nil {
		return ErrInvalidEventPayload
	}

	rec, err := s.Projections.Get(ctx, familyID, event.Aggregate())
	expected := uint64(0)
	switch {
	case err == nil:
		expected = rec.Todo.Version
	case errors.Is(err, eventstore.ErrNotFound):
		rec = eventstore.Record{}
	default:
		return err
	}

	// Event ids are time-ordered; anything at or before the projection's
	// last applied id has already been folded in.
	if rec.LastEventID != "" && event.ID() <= rec.LastEventID {
		s.refresh(ctx, familyID)
		return nil
	}

	next := eventstore.Record{Todo: rec.Todo.Apply(event), LastEventID: event.ID()}

	// A version mismatch after folding means at least one earlier delivery
	// never arrived. Folding over the hole would drop the missed event for
	// good, so replay the authoritative log instead.
	if s.Rebuilder != nil && record.Version != 0 && next.Todo.Version != record.Version {
		return s.repair(ctx, familyID, event.Aggregate())
	}

	// On a lost race the error propagates and redelivery observes the
	// winner's row.
	if err := s.Projections.ConditionalUpdate(ctx, familyID, next, expected); err != nil {
		return err
	}

	s.refresh(ctx, familyID)
	return nil
}

func (s *Service) repair(ctx context.Context, familyID, todoID string) error {
	repaired, err := s.Rebuilder.RebuildRecord(ctx, familyID, todoID)
	if err != nil {
		return err
	}
	if err := s.Projections.Save(ctx, familyID, repaired); err != nil {
		return err
	}
	s.Log.WithFields(logrus.Fields{
		"family_id": familyID,
		"todo_id":   todoID,
	}).Info("projection rebuilt after missed delivery")
	s.refresh(ctx, familyID)
	return nil
}

func (s *Service) refresh(ctx context.Context, familyID string) {
	if s.Cache == nil {
		return
	}
	if err := s.Cache.Refresh(ctx, familyID); err != nil {
		s.Log.WithError(err).WithField("family_id", familyID).Warn("cache refresh failed")
	}
}

// Terminal reports whether the error can never succeed on redelivery.
func Terminal(err error) bool {
	return errors.Is(err, ErrInvalidEventPayload) || errors.Is(err, ErrUnknownFamily)
}
