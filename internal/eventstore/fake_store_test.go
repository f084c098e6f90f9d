package eventstore

import (
	"context"
	"sort"
	"sync"

	"github.com/famlist/project/internal/domain"
)

// In-memory store fakes mirroring the conditional-write semantics of the
// Postgres repositories.

type fakeEventLog struct {
	mu        sync.Mutex
	events    map[string][]domain.Event // family -> events, kept id-sorted
	appendErr error
}

func newFakeEventLog() *fakeEventLog {
	return &fakeEventLog{events: map[string][]domain.Event{}}
}

func (f *fakeEventLog) Append(_ context.Context, familyID string, event domain.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	for _, existing := range f.events[familyID] {
		if existing.ID() == event.ID() {
			return ErrDuplicateEvent
		}
	}
	f.events[familyID] = append(f.events[familyID], event)
	sort.Slice(f.events[familyID], func(i, j int) bool {
		return f.events[familyID][i].ID() < f.events[familyID][j].ID()
	})
	return nil
}

func (f *fakeEventLog) EventsFor(_ context.Context, familyID, todoID string) ([]domain.Event, error) {
	return f.eventsWhere(familyID, todoID, "")
}

func (f *fakeEventLog) EventsAfter(_ context.Context, familyID, todoID, lastEventID string) ([]domain.Event, error) {
	return f.eventsWhere(familyID, todoID, lastEventID)
}

func (f *fakeEventLog) eventsWhere(familyID, todoID, afterID string) ([]domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Event
	for _, e := range f.events[familyID] {
		if e.Aggregate() != todoID {
			continue
		}
		if afterID != "" && e.ID() <= afterID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeEventLog) count(familyID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events[familyID])
}

type fakeProjections struct {
	mu        sync.Mutex
	recs      map[string]Record // family|todo
	getErr    error
	updateErr error // injected for the first ConditionalUpdate call
}

func newFakeProjections() *fakeProjections {
	return &fakeProjections{recs: map[string]Record{}}
}

func projectionKey(familyID, todoID string) string { return familyID + "|" + todoID }

func (f *fakeProjections) Get(_ context.Context, familyID, todoID string) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return Record{}, f.getErr
	}
	rec, ok := f.recs[projectionKey(familyID, todoID)]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (f *fakeProjections) Save(_ context.Context, familyID string, rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs[projectionKey(familyID, rec.Todo.ID)] = rec
	return nil
}

func (f *fakeProjections) ConditionalUpdate(_ context.Context, familyID string, rec Record, expectedVersion uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		err := f.updateErr
		f.updateErr = nil
		return err
	}
	key := projectionKey(familyID, rec.Todo.ID)
	current, exists := f.recs[key]
	if expectedVersion == 0 {
		if exists {
			return ErrConcurrentModification
		}
	} else if !exists || current.Todo.Version != expectedVersion {
		return ErrConcurrentModification
	}
	f.recs[key] = rec
	return nil
}

type fakeSnapshots struct {
	mu      sync.Mutex
	snaps   map[string][]Snapshot // family|todo, in save order
	saveErr error
}

func newFakeSnapshots() *fakeSnapshots {
	return &fakeSnapshots{snaps: map[string][]Snapshot{}}
}

func (f *fakeSnapshots) Latest(_ context.Context, familyID, todoID string) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.snaps[projectionKey(familyID, todoID)]
	if len(all) == 0 {
		return Snapshot{}, ErrNoSnapshot
	}
	return all[len(all)-1], nil
}

func (f *fakeSnapshots) Save(_ context.Context, familyID string, snap Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	key := projectionKey(familyID, snap.TodoID)
	f.snaps[key] = append(f.snaps[key], snap)
	return nil
}
