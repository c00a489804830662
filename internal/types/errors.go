package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure so callers can route it without matching on
// error strings.
type ErrorKind int

const (
	// ErrUnknown is anything not classified below; it aborts the run.
	ErrUnknown ErrorKind = iota
	// ErrTransient is a rate-limit response (HTTP 429) and nothing else.
	ErrTransient
	// ErrPermanent is a remote failure that is recorded, never retried.
	ErrPermanent
	// ErrData needs a human: missing staging rows, ambiguous matches,
	// unresolved dependencies.
	ErrData
)

func (k ErrorKind) String() string {
	switch k {
	case ErrTransient:
		return "transient"
	case ErrPermanent:
		return "permanent"
	case ErrData:
		return "data"
	default:
		return "unknown"
	}
}

// Error is a classified error. StatusCode is set for HTTP failures.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// HTTPError builds a permanent (or, for 429, transient) error for a failed
// HTTP call. detail is the server-supplied explanation, already trimmed.
func HTTPError(statusCode int, detail string) *Error {
	kind := ErrPermanent
	if statusCode == 429 {
		kind = ErrTransient
	}
	msg := fmt.Sprintf("HTTP %d", statusCode)
	if detail != "" {
		msg += ": " + detail
	}
	return &Error{Kind: kind, StatusCode: statusCode, Message: msg}
}

// KindOf extracts the ErrorKind from err, ErrUnknown when unclassified.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrUnknown
}

// StatusCodeOf extracts the HTTP status code from err, 0 when absent.
func StatusCodeOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

// Outcome is the explicit per-record result of a push or transfer step.
// Exactly one of Record (success) or Err (failure) is meaningful.
type Outcome struct {
	SourceID string
	Record   *Mapping
	Err      *Error
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool { return o.Err == nil }

// Ok builds a success outcome.
func Ok(rec *Mapping) Outcome {
	return Outcome{SourceID: rec.SourceID, Record: rec}
}

// Fail builds a failure outcome.
func Fail(sourceID string, err *Error) Outcome {
	return Outcome{SourceID: sourceID, Err: err}
}
