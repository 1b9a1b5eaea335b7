// Package apperr provides a centralized error taxonomy shared across the
// pipeline and the HTTP boundary. Every error kind maps to exactly one HTTP
// status so handlers never have to re-derive a status from ad-hoc checks.
package apperr

import (
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Kind is a closed taxonomy of error categories. Unlike free-form category
// strings, a Kind always has a well-defined HTTP status.
type Kind string

const (
	KindInvalidInput        Kind = "invalid_input"
	KindUnauthorized        Kind = "unauthorized"
	KindForbidden           Kind = "forbidden"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindUnsatisfiableRange  Kind = "unsatisfiable_range"
	KindTimeout             Kind = "timeout"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindRateLimited         Kind = "rate_limited"
	KindInternal            Kind = "internal"
	KindStartupNotReady     Kind = "startup_not_ready"
)

var statusByKind = map[Kind]int{
	KindInvalidInput:        http.StatusBadRequest,
	KindUnauthorized:        http.StatusUnauthorized,
	KindForbidden:           http.StatusForbidden,
	KindNotFound:            http.StatusNotFound,
	KindConflict:            http.StatusConflict,
	KindUnsatisfiableRange:  http.StatusRequestedRangeNotSatisfiable,
	KindTimeout:             http.StatusGatewayTimeout,
	KindUpstreamUnavailable: http.StatusBadGateway,
	KindRateLimited:         http.StatusTooManyRequests,
	KindInternal:            http.StatusInternalServerError,
	KindStartupNotReady:     http.StatusServiceUnavailable,
}

// HTTPStatus returns the status code associated with k, defaulting to 500
// for an unrecognized (zero-value) Kind.
func (k Kind) HTTPStatus() int {
	if status, ok := statusByKind[k]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Error is the structured error type threaded through the pipeline. It
// carries enough context for logging/telemetry while narrowing to a plain
// {detail} envelope at the HTTP boundary (see internal/api).
type Error struct {
	Err       error
	Component string
	Kind      Kind
	Context   map[string]any
	Timestamp time.Time

	mu       sync.RWMutex
	reported bool
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Component, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Component, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// MarkReported returns true if this is the first call to MarkReported for
// this error, so callers logging to multiple sinks (telemetry + log) report
// exactly once.
func (e *Error) MarkReported() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reported {
		return false
	}
	e.reported = true
	return true
}

// Builder constructs an *Error with a fluent API, mirroring the
// construct-then-Build idiom used throughout this codebase's predecessor.
type Builder struct {
	err *Error
}

// New starts building an Error wrapping err.
func New(err error) *Builder {
	return &Builder{err: &Error{
		Err:       err,
		Kind:      KindInternal,
		Context:   make(map[string]any),
		Timestamp: time.Now(),
	}}
}

// Newf starts building an Error from a formatted message.
func Newf(format string, args ...any) *Builder {
	return New(fmt.Errorf(format, args...))
}

func (b *Builder) Component(name string) *Builder {
	b.err.Component = name
	return b
}

func (b *Builder) AsKind(kind Kind) *Builder {
	b.err.Kind = kind
	return b
}

func (b *Builder) Context(key string, value any) *Builder {
	b.err.Context[key] = value
	return b
}

func (b *Builder) Build() *Error {
	return b.err
}

// Of extracts the Kind of err if it (or something it wraps) is an *Error,
// defaulting to KindInternal otherwise.
func Of(err error) Kind {
	var ae *Error
	if As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// As walks err's Unwrap() error chain and reports the first *Error found,
// like errors.As specialized for *Error (errors joining several causes via
// Unwrap() []error are not searched); kept local so callers don't need a
// second import for the common case.
func As(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
