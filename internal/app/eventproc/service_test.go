package eventproc

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/famlist/project/internal/contracts"
	"github.com/famlist/project/internal/domain"
	"github.com/famlist/project/internal/eventstore"
	"github.com/famlist/project/internal/sharding"
)

type fakeProjections struct {
	recs      map[string]eventstore.Record
	updateErr error
}

func newFakeProjections() *fakeProjections {
	return &fakeProjections{recs: map[string]eventstore.Record{}}
}

func key(familyID, todoID string) string { return familyID + "|" + todoID }

func (f *fakeProjections) Get(_ context.Context, familyID, todoID string) (eventstore.Record, error) {
	rec, ok := f.recs[key(familyID, todoID)]
	if !ok {
		return eventstore.Record{}, eventstore.ErrNotFound
	}
	return rec, nil
}

func (f *fakeProjections) ConditionalUpdate(_ context.Context, familyID string, rec eventstore.Record, expected uint64) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	k := key(familyID, rec.Todo.ID)
	current, exists := f.recs[k]
	if expected == 0 {
		if exists {
			return eventstore.ErrConcurrentModification
		}
	} else if !exists || current.Todo.Version != expected {
		return eventstore.ErrConcurrentModification
	}
	f.recs[k] = rec
	return nil
}

func (f *fakeProjections) Save(_ context.Context, familyID string, rec eventstore.Record) error {
	f.recs[key(familyID, rec.Todo.ID)] = rec
	return nil
}

type fakeRebuilder struct {
	rec   eventstore.Record
	err   error
	calls int
}

func (f *fakeRebuilder) RebuildRecord(context.Context, string, string) (eventstore.Record, error) {
	f.calls++
	return f.rec, f.err
}

type fakeCache struct {
	refreshed []string
	err       error
}

func (f *fakeCache) Refresh(_ context.Context, familyID string) error {
	f.refreshed = append(f.refreshed, familyID)
	return f.err
}

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func recordPayload(t *testing.T, familyID string, event domain.Event, version uint64) (string, []byte) {
	t.Helper()
	envelope, err := domain.Encode(event)
	if err != nil {
		t.Fatalf("encode event: %v", err)
	}
	payload, err := json.Marshal(contracts.EventRecord{
		EventID:    event.ID(),
		EventType:  event.Kind(),
		FamilyID:   familyID,
		TodoID:     event.Aggregate(),
		ActorID:    event.Actor(),
		Version:    version,
		Payload:    envelope,
		OccurredAt: event.At(),
		ShardID:    sharding.GetShardID(familyID),
	})
	if err != nil {
		t.Fatalf("encode record: %v", err)
	}
	return sharding.EventSubject(familyID), payload
}

func createdEvent(eventID string) domain.CreatedV2 {
	return domain.CreatedV2{
		EventID:    eventID,
		TodoID:     "todo-1",
		Title:      "Buy milk",
		Tags:       []string{},
		CreatedBy:  "user-1",
		OccurredAt: time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC),
	}
}

func TestHandle_FoldsEventIntoProjection(t *testing.T) {
	projections := newFakeProjections()
	cache := &fakeCache{}
	svc := NewService(projections, nil, cache, quietLogger())

	subject, payload := recordPayload(t, "fam-1", createdEvent("evt-1"), 1)
	if err := svc.Handle(context.Background(), subject, payload); err != nil {
		t.Fatalf("Handle error: %v", err)
	}

	rec, ok := projections.recs["fam-1|todo-1"]
	if !ok || rec.Todo.Version != 1 || rec.LastEventID != "evt-1" {
		t.Fatalf("projection not updated: %+v", rec)
	}
	if len(cache.refreshed) != 1 || cache.refreshed[0] != "fam-1" {
		t.Fatalf("cache not refreshed: %v", cache.refreshed)
	}
}

func TestHandle_SkipsAlreadyAppliedEvent(t *testing.T) {
	projections := newFakeProjections()
	event := createdEvent("evt-1")
	projections.recs["fam-1|todo-1"] = eventstore.Record{
		Todo:        domain.Todo{}.Apply(event),
		LastEventID: "evt-1",
	}
	svc := NewService(projections, nil, nil, quietLogger())

	// Redelivery of the same event must be a no-op.
	subject, payload := recordPayload(t, "fam-1", event, 1)
	if err := svc.Handle(context.Background(), subject, payload); err != nil {
		t.Fatalf("Handle error: %v", err)
	}
	if projections.recs["fam-1|todo-1"].Todo.Version != 1 {
		t.Fatalf("projection advanced on duplicate delivery")
	}
}

func TestHandle_AppliesInOrder(t *testing.T) {
	projections := newFakeProjections()
	svc := NewService(projections, nil, nil, quietLogger())

	subject, payload := recordPayload(t, "fam-1", createdEvent("evt-1"), 1)
	if err := svc.Handle(context.Background(), subject, payload); err != nil {
		t.Fatalf("create: %v", err)
	}

	subject, payload = recordPayload(t, "fam-1", domain.CompletedV1{
		EventID: "evt-2", TodoID: "todo-1", CompletedBy: "user-2",
		OccurredAt: time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
	}, 2)
	if err := svc.Handle(context.Background(), subject, payload); err != nil {
		t.Fatalf("complete: %v", err)
	}

	rec := projections.recs["fam-1|todo-1"]
	if rec.Todo.Status != domain.StatusCompleted || rec.Todo.Version != 2 || rec.LastEventID != "evt-2" {
		t.Fatalf("unexpected projection: %+v", rec)
	}
}

func TestHandle_TerminalErrors(t *testing.T) {
	svc := NewService(newFakeProjections(), nil, nil, quietLogger())

	err := svc.Handle(context.Background(), "todo.event.1.family.fam-1", []byte("{invalid"))
	if !errors.Is(err, ErrInvalidEventPayload) || !Terminal(err) {
		t.Fatalf("expected terminal ErrInvalidEventPayload, got %v", err)
	}

	_, payload := recordPayload(t, "fam-1", createdEvent("evt-1"), 1)
	err = svc.Handle(context.Background(), "garbage.subject", payload)
	if !errors.Is(err, ErrUnknownFamily) || !Terminal(err) {
		t.Fatalf("expected terminal ErrUnknownFamily, got %v", err)
	}

	// Family mismatch between subject and record body.
	subject, _ := recordPayload(t, "fam-2", createdEvent("evt-1"), 1)
	_, mismatched := recordPayload(t, "fam-1", createdEvent("evt-1"), 1)
	err = svc.Handle(context.Background(), subject, mismatched)
	if !errors.Is(err, ErrInvalidEventPayload) {
		t.Fatalf("expected ErrInvalidEventPayload, got %v", err)
	}
}

func TestHandle_VersionGapRebuildsFromLog(t *testing.T) {
	created := createdEvent("evt-1")
	title := "Buy oat milk"
	updated := domain.UpdatedV1{
		EventID: "evt-2", TodoID: "todo-1", Title: &title, UpdatedBy: "user-1",
		OccurredAt: time.Date(2026, 8, 20, 9, 30, 0, 0, time.UTC),
	}
	completed := domain.CompletedV1{
		EventID: "evt-3", TodoID: "todo-1", CompletedBy: "user-2",
		OccurredAt: time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
	}

	projections := newFakeProjections()
	projections.recs["fam-1|todo-1"] = eventstore.Record{
		Todo:        domain.Todo{}.Apply(created),
		LastEventID: "evt-1",
	}
	rebuilder := &fakeRebuilder{rec: eventstore.Record{
		Todo:        domain.Replay(domain.Todo{}, []domain.Event{created, updated, completed}),
		LastEventID: "evt-3",
	}}
	cache := &fakeCache{}
	svc := NewService(projections, rebuilder, cache, quietLogger())

	// evt-2 was never delivered; folding evt-3 onto version 1 would yield
	// version 2 while the record says 3, so the log must be replayed.
	subject, payload := recordPayload(t, "fam-1", completed, 3)
	if err := svc.Handle(context.Background(), subject, payload); err != nil {
		t.Fatalf("Handle error: %v", err)
	}
	if rebuilder.calls != 1 {
		t.Fatalf("expected one rebuild, got %d", rebuilder.calls)
	}

	rec := projections.recs["fam-1|todo-1"]
	if rec.Todo.Version != 3 || rec.Todo.Title != "Buy oat milk" || rec.Todo.Status != domain.StatusCompleted {
		t.Fatalf("missed update not recovered: %+v", rec.Todo)
	}
	if rec.LastEventID != "evt-3" {
		t.Fatalf("unexpected last event id: %q", rec.LastEventID)
	}
	if len(cache.refreshed) != 1 || cache.refreshed[0] != "fam-1" {
		t.Fatalf("cache not refreshed: %v", cache.refreshed)
	}
}

func TestHandle_VersionGapRebuildFailureIsRetryable(t *testing.T) {
	projections := newFakeProjections()
	projections.recs["fam-1|todo-1"] = eventstore.Record{
		Todo:        domain.Todo{}.Apply(createdEvent("evt-1")),
		LastEventID: "evt-1",
	}
	rebuilder := &fakeRebuilder{err: errors.New("store unavailable")}
	svc := NewService(projections, rebuilder, nil, quietLogger())

	subject, payload := recordPayload(t, "fam-1", domain.CompletedV1{
		EventID: "evt-3", TodoID: "todo-1", CompletedBy: "user-2",
		OccurredAt: time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
	}, 3)
	err := svc.Handle(context.Background(), subject, payload)
	if err == nil || Terminal(err) {
		t.Fatalf("rebuild failure must be retryable, got %v", err)
	}
	if projections.recs["fam-1|todo-1"].Todo.Version != 1 {
		t.Fatalf("projection must stay untouched on rebuild failure")
	}
}

func TestHandle_ConflictIsRetryable(t *testing.T) {
	projections := newFakeProjections()
	projections.updateErr = eventstore.ErrConcurrentModification
	svc := NewService(projections, nil, nil, quietLogger())

	subject, payload := recordPayload(t, "fam-1", createdEvent("evt-1"), 1)
	err := svc.Handle(context.Background(), subject, payload)
	if !errors.Is(err, eventstore.ErrConcurrentModification) || Terminal(err) {
		t.Fatalf("conflict must be retryable, got %v", err)
	}
}
