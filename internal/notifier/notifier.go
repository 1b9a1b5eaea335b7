// Package notifier is the fire-and-forget completion push described in
// the Detection Processor's final step: a narrow wrapper around shoutrrr
// so a notification failure is always a log line, never a pipeline error.
package notifier

import (
	"log/slog"

	"github.com/nicholas-fedor/shoutrrr"

	"github.com/corvidio/sentinel/internal/apperr"
)

// Sink sends a best-effort notification. Send never returns an error to the
// caller; failures are logged and otherwise swallowed.
type Sink interface {
	Send(title, message string)
}

type shoutrrrSink struct {
	url    string
	logger *slog.Logger
	send   func(url, message string) error
}

// New builds a Sink targeting url (a shoutrrr service URL, e.g.
// "telegram://token@telegram?chats=@channel"). If url is empty, Send is a
// no-op, so callers can wire a Sink unconditionally regardless of whether
// notifications are configured.
func New(url string, logger *slog.Logger) Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &shoutrrrSink{url: url, logger: logger.With("component", "notifier"), send: shoutrrr.Send}
}

// Send returns immediately; the actual delivery runs on its own goroutine so
// a slow or hanging notification target can never stall the caller's
// pipeline. A panic inside shoutrrr is recovered and reported rather than
// crashing the process.
func (s *shoutrrrSink) Send(title, message string) {
	if s.url == "" {
		return
	}
	go func() {
		defer func() {
			if err := apperr.RecoverAndReport("notifier", recover()); err != nil {
				s.logger.Error("notification send panic recovered", "title", title, "error", err)
			}
		}()
		if err := s.send(s.url, message); err != nil {
			s.logger.Warn("notification send failed", "title", title, "error", err)
		}
	}()
}
