package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/famlist/project/internal/domain"
	"github.com/famlist/project/internal/eventstore"
)

type fakeProjections struct {
	recs      map[string]eventstore.Record // family|todo
	active    map[string][]domain.Todo
	listCalls int
	listErr   error
}

func newFakeProjections() *fakeProjections {
	return &fakeProjections{
		recs:   map[string]eventstore.Record{},
		active: map[string][]domain.Todo{},
	}
}

func (f *fakeProjections) Get(_ context.Context, familyID, todoID string) (eventstore.Record, error) {
	rec, ok := f.recs[familyID+"|"+todoID]
	if !ok {
		return eventstore.Record{}, eventstore.ErrNotFound
	}
	return rec, nil
}

func (f *fakeProjections) ListActive(_ context.Context, familyID string, _ int) ([]domain.Todo, error) {
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.active[familyID], nil
}

func testCache(t *testing.T) (*ActiveCache, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewActiveCache(client), srv
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func activeTodo(id, title string) domain.Todo {
	return domain.Todo{
		ID:        id,
		Title:     title,
		Status:    domain.StatusActive,
		CreatedBy: "user-1",
		CreatedAt: time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC),
		Version:   1,
	}
}

func TestGetTodo(t *testing.T) {
	projections := newFakeProjections()
	projections.recs["fam-1|todo-1"] = eventstore.Record{Todo: activeTodo("todo-1", "Buy milk")}
	deleted := activeTodo("todo-2", "Old")
	deleted.Status = domain.StatusDeleted
	projections.recs["fam-1|todo-2"] = eventstore.Record{Todo: deleted}

	svc := NewService(projections, nil, testLogger())

	todo, err := svc.GetTodo(context.Background(), "fam-1", "todo-1")
	if err != nil {
		t.Fatalf("GetTodo error: %v", err)
	}
	if todo.Title != "Buy milk" {
		t.Fatalf("unexpected todo: %+v", todo)
	}

	if _, err := svc.GetTodo(context.Background(), "fam-1", "todo-2"); !errors.Is(err, ErrTodoNotFound) {
		t.Fatalf("deleted todo should read as not found, got %v", err)
	}
	if _, err := svc.GetTodo(context.Background(), "fam-1", "missing"); !errors.Is(err, ErrTodoNotFound) {
		t.Fatalf("expected ErrTodoNotFound, got %v", err)
	}
}

func TestListActiveCacheAside(t *testing.T) {
	projections := newFakeProjections()
	projections.active["fam-1"] = []domain.Todo{activeTodo("todo-1", "Buy milk")}
	cache, _ := testCache(t)
	svc := NewService(projections, cache, testLogger())

	first, err := svc.ListActive(context.Background(), "fam-1", 0)
	if err != nil {
		t.Fatalf("ListActive error: %v", err)
	}
	if len(first) != 1 || projections.listCalls != 1 {
		t.Fatalf("expected one store read, got %d results / %d calls", len(first), projections.listCalls)
	}

	// Second read is served from the cache.
	second, err := svc.ListActive(context.Background(), "fam-1", 0)
	if err != nil {
		t.Fatalf("ListActive error: %v", err)
	}
	if len(second) != 1 || projections.listCalls != 1 {
		t.Fatalf("expected cache hit, store called %d times", projections.listCalls)
	}
}

func TestListActiveExplicitLimitBypassesCache(t *testing.T) {
	projections := newFakeProjections()
	projections.active["fam-1"] = []domain.Todo{activeTodo("todo-1", "Buy milk")}
	cache, _ := testCache(t)
	svc := NewService(projections, cache, testLogger())

	for i := 0; i < 2; i++ {
		if _, err := svc.ListActive(context.Background(), "fam-1", 10); err != nil {
			t.Fatalf("ListActive error: %v", err)
		}
	}
	if projections.listCalls != 2 {
		t.Fatalf("explicit limit must bypass cache, store called %d times", projections.listCalls)
	}
}

func TestListActiveSurvivesCacheOutage(t *testing.T) {
	projections := newFakeProjections()
	projections.active["fam-1"] = []domain.Todo{activeTodo("todo-1", "Buy milk")}
	cache, srv := testCache(t)
	srv.Close()
	svc := NewService(projections, cache, testLogger())

	todos, err := svc.ListActive(context.Background(), "fam-1", 0)
	if err != nil {
		t.Fatalf("read must fall through to the store: %v", err)
	}
	if len(todos) != 1 {
		t.Fatalf("unexpected result: %+v", todos)
	}
}

func TestRefreshReplacesCachedList(t *testing.T) {
	projections := newFakeProjections()
	projections.active["fam-1"] = []domain.Todo{activeTodo("todo-1", "Buy milk")}
	cache, _ := testCache(t)
	svc := NewService(projections, cache, testLogger())

	if _, err := svc.ListActive(context.Background(), "fam-1", 0); err != nil {
		t.Fatalf("ListActive error: %v", err)
	}

	projections.active["fam-1"] = []domain.Todo{
		activeTodo("todo-1", "Buy milk"),
		activeTodo("todo-2", "Walk dog"),
	}
	if err := svc.Refresh(context.Background(), "fam-1"); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}

	todos, err := svc.ListActive(context.Background(), "fam-1", 0)
	if err != nil {
		t.Fatalf("ListActive error: %v", err)
	}
	if len(todos) != 2 {
		t.Fatalf("cache not refreshed, got %d todos", len(todos))
	}
}
