package domain

import (
	"strings"
	"time"
)

const (
	TitleMaxLen       = 200
	DescriptionMaxLen = 1000
	MaxTags           = 10
)

// Command is a closed set of requested mutations for one todo.
type Command interface{ isCommand() }

type CreateTodo struct {
	TodoID      string
	Title       string
	Description *string
	Tags        []string
}

type UpdateTodo struct {
	Title       *string
	Description *string
}

type CompleteTodo struct{}

type DeleteTodo struct {
	Reason *string
}

func (CreateTodo) isCommand()   {}
func (UpdateTodo) isCommand()   {}
func (CompleteTodo) isCommand() {}
func (DeleteTodo) isCommand()   {}

// Decider turns commands into events. Clock and id generation are injected
// so decisions stay deterministic under test.
type Decider struct {
	Now   func() time.Time
	NewID func() string
}

func NewDecider() Decider {
	return Decider{
		Now:   func() time.Time { return time.Now().UTC() },
		NewID: NewID,
	}
}

// Decide rejects commands that violate lifecycle or field invariants and
// otherwise produces the single event the command implies. It never mutates
// state; folding happens in Apply.
func (d Decider) Decide(state Todo, cmd Command, actorID string) (Event, error) {
	switch c := cmd.(type) {
	case CreateTodo:
		if state.Exists() {
			return nil, ErrAlreadyCreated
		}
		title := strings.TrimSpace(c.Title)
		if err := validateFields(title, c.Description, c.Tags); err != nil {
			return nil, err
		}
		tags := c.Tags
		if tags == nil {
			tags = []string{}
		}
		return CreatedV2{
			EventID:     d.NewID(),
			TodoID:      c.TodoID,
			Title:       title,
			Description: c.Description,
			Tags:        tags,
			CreatedBy:   actorID,
			OccurredAt:  d.Now(),
		}, nil
	case UpdateTodo:
		if err := requireMutable(state); err != nil {
			return nil, err
		}
		if c.Title != nil {
			trimmed := strings.TrimSpace(*c.Title)
			if err := validateFields(trimmed, c.Description, nil); err != nil {
				return nil, err
			}
			c.Title = &trimmed
		} else if c.Description != nil && len(*c.Description) > DescriptionMaxLen {
			return nil, ErrDescriptionTooLong
		}
		return UpdatedV1{
			EventID:     d.NewID(),
			TodoID:      state.ID,
			Title:       c.Title,
			Description: c.Description,
			UpdatedBy:   actorID,
			OccurredAt:  d.Now(),
		}, nil
	case CompleteTodo:
		if err := requireMutable(state); err != nil {
			return nil, err
		}
		if state.Status != StatusActive {
			return nil, ErrNotActive
		}
		return CompletedV1{
			EventID:     d.NewID(),
			TodoID:      state.ID,
			CompletedBy: actorID,
			OccurredAt:  d.Now(),
		}, nil
	case DeleteTodo:
		if err := requireMutable(state); err != nil {
			return nil, err
		}
		return DeletedV1{
			EventID:    d.NewID(),
			TodoID:     state.ID,
			DeletedBy:  actorID,
			Reason:     c.Reason,
			OccurredAt: d.Now(),
		}, nil
	default:
		return nil, ErrInvalidEventPayload
	}
}

func requireMutable(state Todo) error {
	if !state.Exists() {
		return ErrTodoNotFound
	}
	if state.Status == StatusDeleted {
		return ErrTodoDeleted
	}
	return nil
}

func validateFields(title string, description *string, tags []string) error {
	if title == "" {
		return ErrTitleRequired
	}
	if len(title) > TitleMaxLen {
		return ErrTitleTooLong
	}
	if description != nil && len(*description) > DescriptionMaxLen {
		return ErrDescriptionTooLong
	}
	if len(tags) > MaxTags {
		return ErrTooManyTags
	}
	return nil
}
