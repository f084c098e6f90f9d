package eventstore

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/famlist/project/internal/domain"
)

const (
	defaultMaxAttempts  = 3
	defaultInitialDelay = 100 * time.Millisecond
	defaultMaxDelay     = 5 * time.Second
)

type EventAppender interface {
	Append(ctx context.Context, familyID string, event domain.Event) error
}

type ProjectionAccess interface {
	Get(ctx context.Context, familyID, todoID string) (Record, error)
	ConditionalUpdate(ctx context.Context, familyID string, rec Record, expectedVersion uint64) error
}

// DecideFunc derives the event for one attempt from freshly read state.
// It is called again on every retry so a conflicting write is re-validated
// against the winner's state instead of replaying a stale event.
type DecideFunc func(current domain.Todo) (domain.Event, error)

// Locker coordinates read-decide-append-update cycles. All cross-writer
// coordination happens through the store's conditional writes; there is no
// in-process lock.
type Locker struct {
	Events       EventAppender
	Projections  ProjectionAccess
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Log          logrus.FieldLogger

	// Sleep suspends between attempts; tests substitute an instant one.
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewLocker(events EventAppender, projections ProjectionAccess, log logrus.FieldLogger) *Locker {
	return &Locker{
		Events:       events,
		Projections:  projections,
		MaxAttempts:  defaultMaxAttempts,
		InitialDelay: defaultInitialDelay,
		MaxDelay:     defaultMaxDelay,
		Log:          log,
		Sleep:        sleepContext,
	}
}

// UpdateWithLock performs a single optimistic attempt. On a version
// mismatch nothing is appended. If the version-conditioned projection
// update fails after the append, the appended event stands: the log is the
// source of truth and the projection heals on the next rebuild.
func (l *Locker) UpdateWithLock(ctx context.Context, familyID, todoID string, expectedVersion uint64, event domain.Event) (domain.Todo, error) {
	rec, err := l.Projections.Get(ctx, familyID, todoID)
	if errors.Is(err, ErrNotFound) {
		if expectedVersion != 0 {
			return domain.Todo{}, ErrNotFound
		}
		rec = Record{}
	} else if err != nil {
		return domain.Todo{}, err
	}

	if rec.Todo.Version != expectedVersion {
		lockConflictsTotal.WithLabelValues("stale_read").Inc()
		return domain.Todo{}, ErrConcurrentModification
	}

	if err := l.Events.Append(ctx, familyID, event); err != nil {
		if !errors.Is(err, ErrDuplicateEvent) {
			appendsTotal.WithLabelValues("error").Inc()
			return domain.Todo{}, err
		}
		// The fact is already durable; finish the projection update.
		appendsTotal.WithLabelValues("duplicate").Inc()
	} else {
		appendsTotal.WithLabelValues("ok").Inc()
	}

	next := Record{Todo: rec.Todo.Apply(event), LastEventID: event.ID()}
	if err := l.Projections.ConditionalUpdate(ctx, familyID, next, expectedVersion); err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			lockConflictsTotal.WithLabelValues("write_race").Inc()
		}
		return domain.Todo{}, err
	}
	return next.Todo, nil
}

// UpdateWithRetry re-reads state and re-derives the event on every attempt,
// with capped exponential backoff and jitter between attempts. Terminal
// errors abort immediately; only conflicts and transient store failures
// consume attempts.
func (l *Locker) UpdateWithRetry(ctx context.Context, familyID, todoID string, decide DecideFunc) (domain.Todo, error) {
	maxAttempts := l.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		rec, err := l.Projections.Get(ctx, familyID, todoID)
		if errors.Is(err, ErrNotFound) {
			rec = Record{}
		} else if err != nil {
			lastErr = err
			if waitErr := l.waitBeforeRetry(ctx, attempt, maxAttempts, err); waitErr != nil {
				return domain.Todo{}, waitErr
			}
			continue
		}

		event, err := decide(rec.Todo)
		if err != nil {
			// Command rejections are never retried.
			return domain.Todo{}, err
		}

		state, err := l.UpdateWithLock(ctx, familyID, todoID, rec.Todo.Version, event)
		if err == nil {
			return state, nil
		}
		if !retryable(err) {
			return domain.Todo{}, err
		}
		lastErr = err
		lockRetriesTotal.Inc()
		if waitErr := l.waitBeforeRetry(ctx, attempt, maxAttempts, err); waitErr != nil {
			return domain.Todo{}, waitErr
		}
	}
	return domain.Todo{}, lastErr
}

func (l *Locker) waitBeforeRetry(ctx context.Context, attempt, maxAttempts int, cause error) error {
	if attempt >= maxAttempts {
		return nil
	}
	delay := backoffDelay(l.InitialDelay, l.MaxDelay, attempt)
	if l.Log != nil {
		l.Log.WithError(cause).WithField("delay", delay).Debug("retrying optimistic update")
	}
	return l.Sleep(ctx, delay)
}

// retryable distinguishes conflicts and transient store failures from
// terminal outcomes. Validation and not-found never reach here via
// UpdateWithLock's error surface, but guard anyway.
func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrConcurrentModification):
		return true
	case errors.Is(err, ErrNotFound),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		domain.IsValidation(err):
		return false
	}
	// Remaining store errors carry no information about competing writers;
	// treat them as transient.
	return true
}

// backoffDelay doubles the delay each attempt, caps it, and spreads
// concurrent retriers with a ±25% jitter.
func backoffDelay(initial, max time.Duration, attempt int) time.Duration {
	if initial <= 0 {
		initial = defaultInitialDelay
	}
	if max <= 0 {
		max = defaultMaxDelay
	}
	delay := initial << (attempt - 1)
	if delay > max || delay <= 0 {
		delay = max
	}
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(delay) * jitter)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
