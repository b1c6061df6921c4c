package models

import (
	"errors"
	"fmt"
)

// Error kinds shared by every component. Match them with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation error")
	ErrUnsupportedFormat = fmt.Errorf("%w: unsupported format", ErrValidation)
	ErrTooLarge          = fmt.Errorf("%w: file too large", ErrValidation)
	ErrExtraction        = errors.New("extraction error")
	ErrProvider          = errors.New("provider error")
	ErrTimeout           = fmt.Errorf("%w: timeout", ErrProvider)
	ErrCancelled         = errors.New("cancelled")
	ErrOverloaded        = errors.New("overloaded")
	ErrInvalidTransition = errors.New("invalid task transition")
)

// Error attaches a kind and context to an underlying cause.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Kind.Error()
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Errorf builds an *Error of the given kind.
func Errorf(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around cause.
func Wrap(kind error, cause error, msg string) error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// KindOf returns a short, stable name for the error's kind.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnsupportedFormat):
		return "unsupported_format"
	case errors.Is(err, ErrTooLarge):
		return "too_large"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrExtraction):
		return "extraction"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrProvider):
		return "provider"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrOverloaded):
		return "overloaded"
	default:
		return "internal"
	}
}
