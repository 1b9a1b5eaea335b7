package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// StartupTracker records which startup phases have completed and whether
// any of them produced a non-fatal warning, so /ready and /health can
// answer without the rest of the process needing to know about HTTP.
// Phases are named (store, classifier, audio correlator, event router,
// media cache, ...) rather than counted, so a phase that runs twice
// (e.g. settings hot-reload) doesn't regress readiness.
type StartupTracker struct {
	mu       sync.Mutex
	total    int
	done     map[string]bool
	warnings map[string]string
	started  time.Time
}

// NewStartupTracker builds a tracker expecting totalPhases distinct phases
// to complete before the process is ready.
func NewStartupTracker(totalPhases int) *StartupTracker {
	return &StartupTracker{
		total:    totalPhases,
		done:     make(map[string]bool),
		warnings: make(map[string]string),
		started:  time.Now(),
	}
}

// MarkPhaseComplete records a startup phase as finished.
func (t *StartupTracker) MarkPhaseComplete(phase string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done[phase] = true
}

// MarkPhaseWarning records a startup phase as finished but degraded, e.g.
// weather enrichment configured but unreachable at boot.
func (t *StartupTracker) MarkPhaseWarning(phase, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done[phase] = true
	t.warnings[phase] = reason
}

// Ready reports whether every expected phase has completed.
func (t *StartupTracker) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.done) >= t.total
}

// Warnings returns a copy of the phase->reason warning map.
func (t *StartupTracker) Warnings() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string, len(t.warnings))
	for k, v := range t.warnings {
		out[k] = v
	}
	return out
}

func (s *Server) handleReady(c echo.Context) error {
	if s.startup == nil || s.startup.Ready() {
		return c.JSON(http.StatusOK, map[string]any{"ready": true})
	}
	return c.JSON(http.StatusServiceUnavailable, map[string]any{"ready": false})
}

func (s *Server) handleHealth(c echo.Context) error {
	status := "ok"
	warnings := map[string]string{}
	if s.startup != nil {
		warnings = s.startup.Warnings()
		if len(warnings) > 0 {
			status = "degraded"
		}
		if !s.startup.Ready() {
			status = "starting"
		}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":      status,
		"subscribers": s.broadcaster.SubscriberCount(),
		"warnings":    warnings,
		"uptime":      time.Since(s.startTime).String(),
	})
}
