// Package errkind implements the orchestrator's error taxonomy (spec §7):
// ValidationError, NotFound, InvalidTransition, Transient, Permanent and
// Internal. Kinds classify errors for the Engine's retry/fail decision;
// they are not exhaustive Go types, matching the teacher's own sentinel +
// wrap convention in graph/errors.go and graph/checkpoint.go.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is one of the six taxonomy buckets.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindNotFound         Kind = "not_found"
	KindInvalidTransition Kind = "invalid_transition"
	KindTransient        Kind = "transient"
	KindPermanent        Kind = "permanent"
	KindInternal         Kind = "internal"
)

// KindedError is a taxonomy-tagged error. Retry/fail logic inspects Kind,
// never the concrete type, so callers can wrap freely.
type KindedError struct {
	K       Kind
	Msg     string
	Cause   error
	// RetryAfter carries a provider-declared backoff hint for transient
	// rate-limit errors; zero means "no hint, use policy default".
	RetryAfter int64 // seconds
}

func (e *KindedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Cause)
	}
	return e.Msg
}

func (e *KindedError) Unwrap() error { return e.Cause }

func new_(k Kind, format string, args ...any) *KindedError {
	return &KindedError{K: k, Msg: fmt.Sprintf(format, args...)}
}

// NewValidation builds a ValidationError.
func NewValidation(format string, args ...any) *KindedError { return new_(KindValidation, format, args...) }

// NewNotFound builds a NotFound error.
func NewNotFound(format string, args ...any) *KindedError { return new_(KindNotFound, format, args...) }

// NewInvalidTransition builds an InvalidTransition error.
func NewInvalidTransition(from, to string) *KindedError {
	return new_(KindInvalidTransition, "invalid transition %s -> %s", from, to)
}

// NewTransient builds a Transient error, optionally wrapping cause.
func NewTransient(cause error, format string, args ...any) *KindedError {
	e := new_(KindTransient, format, args...)
	e.Cause = cause
	return e
}

// NewTransientRetryAfter builds a Transient error carrying a retry-after hint.
func NewTransientRetryAfter(cause error, retryAfterSeconds int64, format string, args ...any) *KindedError {
	e := NewTransient(cause, format, args...)
	e.RetryAfter = retryAfterSeconds
	return e
}

// NewPermanent builds a Permanent error.
func NewPermanent(cause error, format string, args ...any) *KindedError {
	e := new_(KindPermanent, format, args...)
	e.Cause = cause
	return e
}

// NewInternal builds an Internal error.
func NewInternal(cause error, format string, args ...any) *KindedError {
	e := new_(KindInternal, format, args...)
	e.Cause = cause
	return e
}

// Classify extracts the Kind of err, walking the wrap chain. Unclassified
// errors default to Internal — an invariant violation we didn't expect,
// not silently treated as retryable.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var ke *KindedError
	if errors.As(err, &ke) {
		return ke.K
	}
	return KindInternal
}

// IsRetryable reports whether err's kind is Transient.
func IsRetryable(err error) bool {
	return Classify(err) == KindTransient
}

// PhaseError carries rich phase-failure context, grounded on graph/node.go's
// NodeError (Message/Code/NodeID/Cause), renamed to this domain's phases.
type PhaseError struct {
	Message   string
	Code      string
	PhaseName string
	Cause     error
}

func (e *PhaseError) Error() string {
	if e.PhaseName != "" {
		return fmt.Sprintf("phase %s: %s", e.PhaseName, e.Message)
	}
	return e.Message
}

func (e *PhaseError) Unwrap() error { return e.Cause }

// Sentinel errors for conditions with no useful extra context.
var (
	ErrBudgetExceeded       = NewPermanent(nil, "projected cost exceeds workflow budget")
	ErrConsensusBelowQuorum = NewTransient(nil, "fewer than min_successful providers returned")
	ErrCancelled            = NewPermanent(nil, "cancelled")
	ErrResourceExhausted    = NewTransient(nil, "no resources available in pool")
)
