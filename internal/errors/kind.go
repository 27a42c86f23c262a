package errors

import (
	"errors"
	"fmt"
)

// Kind enumerates the task-affecting error taxonomy surfaced to tool callers.
// It is distinct from ErrorType (which only governs retry behaviour for
// provider/transport errors): Kind drives both the response envelope and,
// for task-affecting kinds, the task's status transition.
type Kind string

const (
	KindInvalidInput         Kind = "InvalidInput"
	KindProviderUnavailable  Kind = "ProviderUnavailable"
	KindProviderFailed       Kind = "ProviderFailed"
	KindSessionExpired       Kind = "SessionExpired"
	KindNotFound             Kind = "NotFound"
	KindNotCompleted         Kind = "NotCompleted"
	KindAlreadyTerminal      Kind = "AlreadyTerminal"
	KindCapacityExceeded     Kind = "CapacityExceeded"
	KindStorage              Kind = "Storage"
	KindIO                   Kind = "IO"
)

// Classified is an error tagged with a Kind, a short caller-facing message,
// and an optional remediation hint. ToolSurface handlers map any Classified
// error directly onto the §7 response envelope.
type Classified struct {
	Kind    Kind
	Message string
	Hint    string
	Err     error
}

func (e *Classified) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Classified) Unwrap() error { return e.Err }

// New builds a Classified error of the given kind.
func New(kind Kind, message string) *Classified {
	return &Classified{Kind: kind, Message: message}
}

// Wrap builds a Classified error wrapping an underlying cause.
func Wrap(kind Kind, err error, message string) *Classified {
	return &Classified{Kind: kind, Message: message, Err: err}
}

// WithHint attaches a remediation hint and returns the same error for chaining.
func (e *Classified) WithHint(hint string) *Classified {
	e.Hint = hint
	return e
}

// KindOf extracts the Kind of err, defaulting to KindStorage for unclassified
// errors reaching the tool surface from an internal component — an
// unclassified internal error should never happen, but if one slips through
// it is safer to present it as an opaque storage failure than to leak
// internals.
func KindOf(err error) Kind {
	var c *Classified
	if errors.As(err, &c) {
		return c.Kind
	}
	return KindStorage
}
