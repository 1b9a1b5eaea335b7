package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/corvidio/sentinel/internal/broadcaster"
	"github.com/corvidio/sentinel/internal/detectionstore"
)

type eventResponse struct {
	ExternalEventID           string  `json:"external_event_id"`
	Camera                    string  `json:"camera"`
	DetectionTime             string  `json:"detection_time"`
	DisplayName               string  `json:"display_name"`
	CategoryName              string  `json:"category_name"`
	Score                     float64 `json:"score"`
	Source                    string  `json:"source"`
	AudioDetected             bool    `json:"audio_detected"`
	AudioConfirmed            bool    `json:"audio_confirmed"`
	VideoClassificationStatus string  `json:"video_classification_status"`
	IsHidden                  bool    `json:"is_hidden"`
	ManualRelabel             bool    `json:"manual_relabel"`
}

func toEventResponse(d detectionstore.Detection) eventResponse {
	return eventResponse{
		ExternalEventID:           d.ExternalEventID,
		Camera:                    d.Camera,
		DetectionTime:             detectionstore.CanonicalTimestamp(d.DetectionTime),
		DisplayName:               d.DisplayName,
		CategoryName:              d.CategoryName,
		Score:                     d.Score,
		Source:                    string(d.Source),
		AudioDetected:             d.AudioDetected,
		AudioConfirmed:            d.AudioConfirmed,
		VideoClassificationStatus: string(d.VideoClassificationStatus),
		IsHidden:                  d.IsHidden,
		ManualRelabel:             d.ManualRelabel,
	}
}

// parseListParams reads the shared query parameters for /events and
// /events/count, narrowing a guest caller's view per the public history
// window and the camera allow-list before the store is ever queried.
func (s *Server) parseListParams(c echo.Context) (detectionstore.Filters, detectionstore.SortOrder, int, int, bool, error) {
	q := c.QueryParams()
	var filters detectionstore.Filters

	if v := q.Get("start_date"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filters, "", 0, 0, false, errInvalidInput("invalid start_date")
		}
		filters.StartDate = t
	}
	if v := q.Get("end_date"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filters, "", 0, 0, false, errInvalidInput("invalid end_date")
		}
		filters.EndDate = t
	}
	filters.Camera = q.Get("camera")
	filters.Species = q.Get("species")
	if v := q.Get("min_score"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return filters, "", 0, 0, false, errInvalidInput("invalid min_score")
		}
		filters.MinScore = f
	}

	sort := detectionstore.SortNewest
	if v := q.Get("sort"); v != "" {
		sort = detectionstore.SortOrder(v)
	}

	limit := detectionstore.DefaultLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return filters, "", 0, 0, false, errInvalidInput("invalid limit")
		}
		if n > detectionstore.MaxLimit {
			n = detectionstore.MaxLimit
		}
		limit = n
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filters, "", 0, 0, false, errInvalidInput("invalid offset")
		}
		offset = n
	}

	includeHidden := q.Get("include_hidden") == "true"

	identity := identityFrom(c)
	if !identity.IsOwner {
		includeHidden = false

		guestCfg := s.settings().Media
		if guestCfg.PublicHistoryWindow > 0 {
			earliest := time.Now().Add(-guestCfg.PublicHistoryWindow)
			if filters.StartDate.Before(earliest) {
				filters.StartDate = earliest
			}
		}
		if len(guestCfg.GuestAllowedCameras) > 0 && filters.Camera != "" {
			allowed := false
			for _, cam := range guestCfg.GuestAllowedCameras {
				if cam == filters.Camera {
					allowed = true
					break
				}
			}
			if !allowed {
				return filters, "", 0, 0, false, errForbidden("camera not available to guests")
			}
		}
	}

	return filters, sort, limit, offset, includeHidden, nil
}

// guestCameraAllowed reports whether the caller may see camera: always true
// for an owner or when no guest camera list is configured, otherwise true
// only for a listed camera; used to post-filter a mixed-camera list when the
// caller didn't narrow to a single allowed camera already.
func (s *Server) guestCameraAllowed(c echo.Context, camera string) bool {
	identity := identityFrom(c)
	if identity.IsOwner {
		return true
	}
	allowed := s.settings().Media.GuestAllowedCameras
	if len(allowed) == 0 {
		return true
	}
	for _, cam := range allowed {
		if cam == camera {
			return true
		}
	}
	return false
}

func (s *Server) handleListEvents(c echo.Context) error {
	filters, sort, limit, offset, includeHidden, err := s.parseListParams(c)
	if err != nil {
		return writeError(c, err)
	}

	detections, err := s.repo.List(c.Request().Context(), filters, sort, limit, offset, includeHidden)
	if err != nil {
		return writeError(c, err)
	}

	out := make([]eventResponse, 0, len(detections))
	for _, d := range detections {
		if !s.guestCameraAllowed(c, d.Camera) {
			continue
		}
		out = append(out, toEventResponse(d))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleCountEvents(c echo.Context) error {
	filters, _, _, _, includeHidden, err := s.parseListParams(c)
	if err != nil {
		return writeError(c, err)
	}
	count, err := s.repo.Count(c.Request().Context(), filters, includeHidden)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int64{"count": count})
}

func (s *Server) handleGetEvent(c echo.Context) error {
	id := c.Param("id")
	det, err := s.repo.GetByExternalID(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	if det == nil {
		return writeError(c, errNotFound("event not found"))
	}

	identity := identityFrom(c)
	if !identity.IsOwner {
		if det.IsHidden {
			return writeError(c, errNotFound("event not found"))
		}
		if !s.guestCameraAllowed(c, det.Camera) {
			return writeError(c, errForbidden("not authorized for this event"))
		}
		window := s.settings().Media.PublicHistoryWindow
		if window > 0 && time.Since(det.DetectionTime) > window {
			return writeError(c, errForbidden("not authorized for this event"))
		}
	}

	return c.JSON(http.StatusOK, toEventResponse(*det))
}

type patchEventRequest struct {
	IsHidden      *bool   `json:"is_hidden"`
	ManualRelabel *bool   `json:"manual_relabel"`
	DisplayName   *string `json:"display_name"`
}

func (s *Server) handlePatchEvent(c echo.Context) error {
	id := c.Param("id")
	var req patchEventRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, errInvalidInput("malformed request body"))
	}

	fields := detectionstore.PatchFields{
		IsHidden:      req.IsHidden,
		ManualRelabel: req.ManualRelabel,
		DisplayName:   req.DisplayName,
	}
	det, err := s.repo.Patch(c.Request().Context(), id, fields)
	if err != nil {
		return writeError(c, err)
	}
	if det == nil {
		return writeError(c, errNotFound("event not found"))
	}

	s.broadcaster.Publish(broadcaster.Event{
		Type:               broadcaster.EventDetectionUpdated,
		Data:               toEventResponse(*det),
		Camera:             det.Camera,
		Hidden:             det.IsHidden,
		OldEnoughForPublic: true,
	})

	return c.JSON(http.StatusOK, toEventResponse(*det))
}

type reclassifyRequest struct {
	Strategy string `json:"strategy"`
}

type reclassifyResponse struct {
	JobID           string `json:"job_id"`
	ExternalEventID string `json:"external_event_id"`
	Status          string `json:"status"`
}

// handleReclassify kicks off a reclassification job and returns immediately
// with a 202 and a job reference; the job itself runs to completion on its
// own background context (see reclassifier.Reclassifier.Reclassify) and
// reports progress and the final result over SSE rather than this response.
func (s *Server) handleReclassify(c echo.Context) error {
	id := c.Param("id")
	var req reclassifyRequest
	_ = c.Bind(&req) // an empty/absent body just means the default strategy

	det, err := s.repo.GetByExternalID(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	if det == nil {
		return writeError(c, errNotFound("event not found"))
	}

	// context.Background(), not the request context: this handler returns
	// before the job finishes, and the request's context is canceled the
	// moment the response is written.
	go func() {
		if _, err := s.reclassifier.Reclassify(context.Background(), id); err != nil {
			s.logger.Warn("reclassification job failed", "external_event_id", id, "error", err)
		}
	}()

	return c.JSON(http.StatusAccepted, reclassifyResponse{
		JobID:           id,
		ExternalEventID: id,
		Status:          "accepted",
	})
}
