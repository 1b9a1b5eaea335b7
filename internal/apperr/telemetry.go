package apperr

import (
	"fmt"
	"regexp"

	"github.com/getsentry/sentry-go"
)

// TelemetryReporter reports internal errors to an external crash/error
// aggregation service. Report must be safe to call from any goroutine,
// including one recovering from a panic.
type TelemetryReporter interface {
	Report(e *Error)
	Enabled() bool
}

// SentryReporter implements TelemetryReporter on top of sentry-go.
type SentryReporter struct {
	enabled bool
}

// NewSentryReporter returns a SentryReporter. Callers are responsible for
// calling sentry.Init before any error is reported.
func NewSentryReporter(enabled bool) *SentryReporter {
	return &SentryReporter{enabled: enabled}
}

func (r *SentryReporter) Enabled() bool { return r.enabled }

// secretLike matches the query-string and key=value shapes most likely to
// carry a credential, so they never reach Sentry even when captured as
// part of a Context value.
var secretLike = regexp.MustCompile(`(?i)(token|password|secret|auth|api[_-]?key)[=:]\S+`)

func scrub(s string) string {
	return secretLike.ReplaceAllString(s, "$1=[redacted]")
}

// Report sends e to Sentry exactly once per Error value -- e.MarkReported
// guards against a caller that reports the same error to both this and a
// log sink from two different recovery paths.
func (r *SentryReporter) Report(e *Error) {
	if !r.enabled || !e.MarkReported() {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", e.Component)
		scope.SetTag("kind", string(e.Kind))
		for k, v := range e.Context {
			if s, ok := v.(string); ok {
				v = scrub(s)
			}
			scope.SetContext(k, map[string]any{"value": v})
		}
		scope.SetLevel(sentry.LevelError)
		event := sentry.NewEvent()
		event.Level = sentry.LevelError
		event.Message = scrub(e.Error())
		event.Exception = []sentry.Exception{{
			Type:  fmt.Sprintf("%s.%s", e.Component, e.Kind),
			Value: scrub(e.Error()),
		}}
		sentry.CaptureEvent(event)
	})
}

var globalReporter TelemetryReporter

// SetTelemetryReporter installs the process-wide reporter used by Report.
// A nil reporter (the default) makes Report a no-op.
func SetTelemetryReporter(r TelemetryReporter) {
	globalReporter = r
}

// Report sends err to the installed telemetry reporter when err is (or
// wraps) a KindInternal *Error; every other Kind represents an expected
// operational condition, not a code bug, and is never forwarded. A nil
// reporter or an already-reported Error is a silent no-op, so callers can
// call Report unconditionally from recovery paths.
func Report(err error) {
	if globalReporter == nil || !globalReporter.Enabled() {
		return
	}
	var e *Error
	if !As(err, &e) || e.Kind != KindInternal {
		return
	}
	globalReporter.Report(e)
}

// RecoverAndReport recovers a panic (if any), wraps it as a KindInternal
// Error tagged with component, reports it, and returns it so the caller's
// goroutine can log it too. Intended as the deferred call at the top of a
// worker goroutine body:
//
//	defer func() {
//		if err := apperr.RecoverAndReport("processor", recover()); err != nil {
//			logger.Error("worker panic", "error", err)
//		}
//	}()
func RecoverAndReport(component string, recovered any) error {
	if recovered == nil {
		return nil
	}
	err := Newf("panic: %v", recovered).Component(component).AsKind(KindInternal).Build()
	Report(err)
	return err
}
