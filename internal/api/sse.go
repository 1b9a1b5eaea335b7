package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/corvidio/sentinel/internal/broadcaster"
)

const sseHeartbeatComment = ": heartbeat\n\n"

// handleSSE upgrades the connection to text/event-stream and relays
// broadcaster events to this subscriber until it disconnects, applying its
// guest filter so an unauthenticated caller only ever sees what the guest
// policy allows. Frames are written as "event: %s\ndata: %s\n\n" and
// flushed after every write so a slow subscriber can't buffer unboundedly.
// The keepalive frame is driven entirely by the Broadcaster's own
// heartbeat ticker (broadcaster.EventHeartbeat, cadence set by
// settings.Broadcast.HeartbeatInterval) rather than a second, independent
// timer here, so there is exactly one clock for the SSE keepalive cadence.
func (s *Server) handleSSE(c echo.Context) error {
	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.Writer.(http.Flusher)
	if !ok {
		return writeError(c, errInvalidInput("streaming unsupported"))
	}

	identity := identityFrom(c)
	filter := broadcaster.GuestFilter{IsGuest: !identity.IsOwner}
	if filter.IsGuest {
		filter.AllowedCameras = allowedCameraSet(s.settings().Media.GuestAllowedCameras)
	}

	sub, unsubscribe := s.broadcaster.Subscribe(filter)
	defer unsubscribe()

	ctx := c.Request().Context()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := writeSSEEvent(w, e); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, e broadcaster.Event) error {
	if e.Type == broadcaster.EventHeartbeat {
		_, err := fmt.Fprint(w, sseHeartbeatComment)
		return err
	}
	data, err := broadcaster.MarshalData(e)
	if err != nil {
		data, _ = json.Marshal(map[string]string{"error": "failed to encode event"})
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
	return err
}

func allowedCameraSet(cameras []string) map[string]bool {
	if len(cameras) == 0 {
		return nil
	}
	set := make(map[string]bool, len(cameras))
	for _, c := range cameras {
		set[c] = true
	}
	return set
}
