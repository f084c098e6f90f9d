package domain

import "errors"

// Validation errors. None of these are retryable.
var (
	ErrTitleRequired      = errors.New("title is required")
	ErrTitleTooLong       = errors.New("title exceeds 200 characters")
	ErrDescriptionTooLong = errors.New("description exceeds 1000 characters")
	ErrTooManyTags        = errors.New("at most 10 tags are allowed")
)

// Lifecycle errors returned by Decide.
var (
	ErrAlreadyCreated = errors.New("todo already created")
	ErrTodoNotFound   = errors.New("todo does not exist")
	ErrTodoDeleted    = errors.New("todo has been deleted")
	ErrNotActive      = errors.New("todo is not active")
)

// Codec errors.
var (
	ErrUnknownEventType    = errors.New("unknown event type")
	ErrInvalidEventPayload = errors.New("invalid event payload")
)

// IsValidation reports whether err is a command rejection rather than an
// infrastructure failure. Callers map these to 4xx responses and must not
// retry them.
func IsValidation(err error) bool {
	switch {
	case errors.Is(err, ErrTitleRequired),
		errors.Is(err, ErrTitleTooLong),
		errors.Is(err, ErrDescriptionTooLong),
		errors.Is(err, ErrTooManyTags),
		errors.Is(err, ErrAlreadyCreated),
		errors.Is(err, ErrTodoDeleted),
		errors.Is(err, ErrNotActive):
		return true
	}
	return false
}
