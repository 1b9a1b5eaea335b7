// Package api is the Read API (C11): an echo HTTP surface over the Event
// Store, Media Proxy, Broadcaster, and Deep Video Reclassifier. It owns
// nothing domain-specific itself -- every handler is a thin adapter that
// authorizes the caller, calls into another component, and narrows the
// result to JSON or a streamed body: an echo.Echo plus a logger and a set
// of narrow component dependencies rather than the whole application.
package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/corvidio/sentinel/internal/broadcaster"
	"github.com/corvidio/sentinel/internal/detectionstore"
	"github.com/corvidio/sentinel/internal/mediaproxy"
	"github.com/corvidio/sentinel/internal/reclassifier"
	"github.com/corvidio/sentinel/internal/settings"
)

// Repository is the narrow Event Store surface the Read API needs,
// satisfied by *detectionstore.Store.
type Repository interface {
	List(ctx context.Context, filters detectionstore.Filters, sort detectionstore.SortOrder, limit, offset int, includeHidden bool) ([]detectionstore.Detection, error)
	Count(ctx context.Context, filters detectionstore.Filters, includeHidden bool) (int64, error)
	GetByExternalID(ctx context.Context, externalEventID string) (*detectionstore.Detection, error)
	Patch(ctx context.Context, externalEventID string, fields detectionstore.PatchFields) (*detectionstore.Detection, error)
}

// ReclassifyRunner is the narrow reclassifier surface the Read API needs,
// satisfied by *reclassifier.Reclassifier.
type ReclassifyRunner interface {
	Reclassify(ctx context.Context, externalEventID string) (reclassifier.Result, error)
}

// Server wires the Read API's dependencies into an echo.Echo instance.
type Server struct {
	Echo *echo.Echo

	repo         Repository
	proxy        *mediaproxy.Proxy
	reclassifier ReclassifyRunner
	broadcaster  *broadcaster.Broadcaster
	settingsPub  *settings.Publisher
	rateLimiter  *mediaproxy.RateLimiter
	logger       *slog.Logger
	startup      *StartupTracker
	startTime    time.Time
}

// Config carries the Server's constructor dependencies.
type Config struct {
	Repository   Repository
	MediaProxy   *mediaproxy.Proxy
	Reclassifier ReclassifyRunner
	Broadcaster  *broadcaster.Broadcaster
	SettingsPub  *settings.Publisher
	Startup      *StartupTracker
	Logger       *slog.Logger

	// Registry, if non-nil, is exposed at GET /metrics via promhttp. A nil
	// Registry omits the route entirely rather than serving an empty page.
	Registry *prometheus.Registry
}

// New builds a Server and registers its routes.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "api")

	// The configured limit is expressed per-minute; the underlying limiter
	// wants a steady per-second rate plus a burst. Burst is set to the
	// full per-minute allowance so a guest can spend its whole minute's
	// budget in one request storm, then has to wait for it to refill.
	snap := cfg.SettingsPub.Current()
	rps := float64(snap.WebServer.GuestRateLimitPerMinute) / 60.0
	if rps <= 0 {
		rps = 1
	}

	s := &Server{
		repo:         cfg.Repository,
		proxy:        cfg.MediaProxy,
		reclassifier: cfg.Reclassifier,
		broadcaster:  cfg.Broadcaster,
		settingsPub:  cfg.SettingsPub,
		rateLimiter:  mediaproxy.NewRateLimiter(rps, snap.WebServer.GuestRateLimitPerMinute),
		logger:       logger,
		startup:      cfg.Startup,
		startTime:    time.Now(),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = httpErrorHandler
	e.Use(middleware.Recover())
	e.Use(s.requireIdentity)

	s.Echo = e
	s.registerRoutes()
	if cfg.Registry != nil {
		handler := promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{})
		s.Echo.GET("/metrics", echo.WrapHandler(handler))
	}
	return s
}

func (s *Server) settings() *settings.Settings {
	return s.settingsPub.Current()
}

func (s *Server) registerRoutes() {
	s.Echo.GET("/health", s.handleHealth)
	s.Echo.GET("/ready", s.handleReady)

	s.Echo.GET("/events", s.handleListEvents)
	s.Echo.GET("/events/count", s.handleCountEvents)
	s.Echo.GET("/events/:id", s.handleGetEvent)
	s.Echo.PATCH("/events/:id", s.handlePatchEvent, s.requireOwner)
	s.Echo.POST("/events/:id/reclassify", s.handleReclassify, s.requireOwner)

	s.Echo.GET("/sse", s.handleSSE)

	s.Echo.GET("/frigate/:id/snapshot.jpg", s.handleSnapshot, s.guestRateLimit)
	s.Echo.GET("/frigate/:id/thumbnail.jpg", s.handleSnapshot, s.guestRateLimit)
	s.Echo.GET("/frigate/:id/clip.mp4", s.handleClip, s.guestRateLimit)
	s.Echo.HEAD("/frigate/:id/clip.mp4", s.handleClip, s.guestRateLimit)
	s.Echo.GET("/frigate/:id/clip-thumbnails.vtt", s.handleVTT, s.guestRateLimit)
	s.Echo.GET("/frigate/:id/clip-thumbnails.jpg", s.handleSprite, s.guestRateLimit)
}

// guestRateLimit applies the configured per-client token bucket to guest
// callers only; an owner-authenticated caller is never rate limited here.
func (s *Server) guestRateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if identityFrom(c).IsOwner {
			return next(c)
		}
		clientID := mediaproxy.ClientIP(c.Request(), s.settings().WebServer.TrustedProxies)
		if !s.rateLimiter.Allow(clientID) {
			return writeError(c, errRateLimited("too many requests"))
		}
		return next(c)
	}
}
