// Package mediaproxy is the Media Proxy (C6): it serves snapshot, clip, and
// clip-timeline assets for an event, authorizing guest callers before any
// upstream fetch, serving from the Media Cache when possible, and falling
// back to the Frigate client otherwise. Range-parsing, singleflight-collapsed
// fetches, and mapping sentinel errors to HTTP status codes follow the same
// idiom used for this module's other media endpoints.
package mediaproxy

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/corvidio/sentinel/internal/apperr"
	"github.com/corvidio/sentinel/internal/broadcaster"
	"github.com/corvidio/sentinel/internal/detectionstore"
	"github.com/corvidio/sentinel/internal/mediacache"
)

// Upstream is the narrow NVR client surface the proxy needs.
type Upstream interface {
	FetchSnapshot(ctx context.Context, externalEventID string) ([]byte, error)
	StreamClip(ctx context.Context, externalEventID, rangeHeader string) (*http.Response, error)
	HasClip(ctx context.Context, externalEventID string) (bool, error)
	FetchThumbnailVTT(ctx context.Context, externalEventID string) ([]byte, error)
	FetchThumbnailSprite(ctx context.Context, externalEventID string) ([]byte, error)
}

// CacheStore is the narrow Media Cache surface the proxy needs.
type CacheStore interface {
	Get(externalEventID string, kind mediacache.Kind) (io.ReadCloser, mediacache.Entry, bool, error)
	Put(externalEventID string, kind mediacache.Kind, data []byte) (mediacache.Entry, error)
	PutStream(externalEventID string, kind mediacache.Kind, src io.Reader) (mediacache.Entry, error)
}

// DetectionLookup is the narrow Event Store surface the proxy needs to
// authorize guest requests against the detection a piece of media belongs
// to.
type DetectionLookup interface {
	GetByExternalID(ctx context.Context, externalEventID string) (*detectionstore.Detection, error)
}

// Config configures a Proxy.
type Config struct {
	ClipsEnabled        bool
	PublicHistoryWindow time.Duration
	GuestAllowedCameras []string
}

// Proxy serves event media, authorizing and caching before delegating to
// Upstream on a miss.
type Proxy struct {
	upstream   Upstream
	cache      CacheStore
	detections DetectionLookup
	cfg        Config
	logger     *slog.Logger

	fetchGroup singleflight.Group
}

// New builds a Proxy.
func New(upstream Upstream, cache CacheStore, detections DetectionLookup, cfg Config, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{
		upstream:   upstream,
		cache:      cache,
		detections: detections,
		cfg:        cfg,
		logger:     logger.With("component", "mediaproxy"),
	}
}

// Response is what a Proxy method hands back for the HTTP boundary to
// write out; Body must be closed by the caller.
type Response struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64 // -1 when unknown (rare; only for direct upstream passthrough)
	StatusCode    int   // http.StatusOK or http.StatusPartialContent
	ContentRange  string
	AcceptRanges  bool
}

// authorize enforces guest visibility rules before any upstream fetch is
// attempted, per this package's hidden/window/camera policy. isGuest=false
// (an authenticated caller) always passes.
func (p *Proxy) authorize(ctx context.Context, externalEventID string, isGuest bool) error {
	if !isGuest {
		return nil
	}

	det, err := p.detections.GetByExternalID(ctx, externalEventID)
	if err != nil {
		return err
	}
	if det == nil {
		return apperr.Newf("event not found").Component("mediaproxy").AsKind(apperr.KindNotFound).Build()
	}

	filter := broadcaster.GuestFilter{
		IsGuest:        true,
		AllowedCameras: allowedCameraSet(p.cfg.GuestAllowedCameras),
	}
	withinWindow := p.cfg.PublicHistoryWindow <= 0 || time.Since(det.DetectionTime) <= p.cfg.PublicHistoryWindow
	allowed := filter.Allows(broadcaster.Event{
		Camera:             det.Camera,
		Hidden:             det.IsHidden,
		OldEnoughForPublic: withinWindow,
	})
	if !allowed {
		return apperr.Newf("not authorized for this event").Component("mediaproxy").AsKind(apperr.KindForbidden).Build()
	}
	return nil
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

// Snapshot serves the event's snapshot JPEG, caching it on first fetch.
func (p *Proxy) Snapshot(ctx context.Context, externalEventID string, isGuest bool) (Response, error) {
	if err := p.authorize(ctx, externalEventID, isGuest); err != nil {
		return Response{}, err
	}
	data, err := p.fetchOrCache(ctx, externalEventID, mediacache.KindSnapshot, func(ctx context.Context) ([]byte, error) {
		return p.upstream.FetchSnapshot(ctx, externalEventID)
	})
	if err != nil {
		return Response{}, err
	}
	return bytesResponse(data, "image/jpeg"), nil
}

// VTT serves the event's clip-thumbnail VTT cue sheet.
func (p *Proxy) VTT(ctx context.Context, externalEventID string, isGuest bool) (Response, error) {
	if !p.cfg.ClipsEnabled {
		return Response{}, apperr.Newf("clips are disabled").Component("mediaproxy").AsKind(apperr.KindForbidden).Build()
	}
	if err := p.authorize(ctx, externalEventID, isGuest); err != nil {
		return Response{}, err
	}
	data, err := p.fetchOrCache(ctx, externalEventID, mediacache.KindVTT, func(ctx context.Context) ([]byte, error) {
		return p.upstream.FetchThumbnailVTT(ctx, externalEventID)
	})
	if err != nil {
		return Response{}, err
	}
	return bytesResponse(data, "text/vtt"), nil
}

// Sprite serves the event's clip-thumbnail sprite image.
func (p *Proxy) Sprite(ctx context.Context, externalEventID string, isGuest bool) (Response, error) {
	if !p.cfg.ClipsEnabled {
		return Response{}, apperr.Newf("clips are disabled").Component("mediaproxy").AsKind(apperr.KindForbidden).Build()
	}
	if err := p.authorize(ctx, externalEventID, isGuest); err != nil {
		return Response{}, err
	}
	data, err := p.fetchOrCache(ctx, externalEventID, mediacache.KindSprite, func(ctx context.Context) ([]byte, error) {
		return p.upstream.FetchThumbnailSprite(ctx, externalEventID)
	})
	if err != nil {
		return Response{}, err
	}
	return bytesResponse(data, "image/jpeg"), nil
}

// fetchOrCache serves externalEventID/kind from cache, or collapses
// concurrent misses into a single upstream fetch (per the singleflight key
// kind+":"+externalEventID) and populates the cache before returning.
func (p *Proxy) fetchOrCache(ctx context.Context, externalEventID string, kind mediacache.Kind, fetch func(context.Context) ([]byte, error)) ([]byte, error) {
	if rc, _, ok, err := p.cache.Get(externalEventID, kind); err != nil {
		return nil, err
	} else if ok {
		defer rc.Close()
		return io.ReadAll(rc)
	}

	key := string(kind) + ":" + externalEventID
	v, err, _ := p.fetchGroup.Do(key, func() (any, error) {
		data, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if _, err := p.cache.Put(externalEventID, kind, data); err != nil {
			p.logger.Warn("failed to cache media", "external_event_id", externalEventID, "kind", kind, "error", err)
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func bytesResponse(data []byte, contentType string) Response {
	return Response{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentType:   contentType,
		ContentLength: int64(len(data)),
		StatusCode:    http.StatusOK,
	}
}

// Clip serves the event's clip, honoring an optional Range header and
// never buffering the full clip in memory. On a cache miss the clip is
// first streamed in full from upstream into the cache (itself unbuffered,
// via Cache.PutStream, and collapsed across concurrent callers via
// singleflight), then served from the now-cached file; a genuinely
// tee-while-fetching first response is not worth the byte-range bookkeeping
// complexity it would add for a clip format this system always re-requests
// moments later for thumbnailing.
func (p *Proxy) Clip(ctx context.Context, externalEventID, rangeHeader string, isGuest bool) (Response, error) {
	if !p.cfg.ClipsEnabled {
		return Response{}, apperr.Newf("clips are disabled").Component("mediaproxy").AsKind(apperr.KindForbidden).Build()
	}
	if err := p.authorize(ctx, externalEventID, isGuest); err != nil {
		return Response{}, err
	}

	rc, entry, ok, err := p.cache.Get(externalEventID, mediacache.KindClip)
	if err != nil {
		return Response{}, err
	}
	if !ok {
		if _, err, _ := p.fetchGroup.Do("clip:"+externalEventID, func() (any, error) {
			return nil, p.populateClipCache(ctx, externalEventID)
		}); err != nil {
			return Response{}, err
		}
		rc, entry, ok, err = p.cache.Get(externalEventID, mediacache.KindClip)
		if err != nil {
			return Response{}, err
		}
		if !ok {
			return Response{}, apperr.Newf("clip vanished from cache after populate").Component("mediaproxy").AsKind(apperr.KindInternal).Build()
		}
	}

	return rangedFileResponse(rc, entry.Size, rangeHeader, "video/mp4")
}

func (p *Proxy) populateClipCache(ctx context.Context, externalEventID string) error {
	hasClip, err := p.upstream.HasClip(ctx, externalEventID)
	if err != nil {
		return err
	}
	if !hasClip {
		return apperr.Newf("event has no clip").Component("mediaproxy").AsKind(apperr.KindNotFound).Build()
	}

	resp, err := p.upstream.StreamClip(ctx, externalEventID, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return apperr.Newf("upstream clip fetch failed (status %d)", resp.StatusCode).
			Component("mediaproxy").AsKind(apperr.KindUpstreamUnavailable).Build()
	}

	if _, err := p.cache.PutStream(externalEventID, mediacache.KindClip, resp.Body); err != nil {
		return err
	}
	return nil
}

func rangedFileResponse(rc io.ReadCloser, size int64, rangeHeader, contentType string) (Response, error) {
	rng, hasRange, err := ParseRange(rangeHeader, size)
	if err != nil {
		rc.Close()
		return Response{}, err
	}
	if !hasRange {
		return Response{
			Body:          rc,
			ContentType:   contentType,
			ContentLength: size,
			StatusCode:    http.StatusOK,
			AcceptRanges:  true,
		}, nil
	}

	if seeker, ok := rc.(io.Seeker); ok {
		if _, err := seeker.Seek(rng.Start, io.SeekStart); err != nil {
			rc.Close()
			return Response{}, apperr.New(err).Component("mediaproxy").AsKind(apperr.KindInternal).Build()
		}
	}
	body := io.NopCloser(io.LimitReader(rc, rng.Length()))
	return Response{
		Body:          &limitedCloser{Reader: body, closer: rc},
		ContentType:   contentType,
		ContentLength: rng.Length(),
		StatusCode:    http.StatusPartialContent,
		ContentRange:  contentRangeHeader(rng, size),
		AcceptRanges:  true,
	}, nil
}

func contentRangeHeader(r Range, size int64) string {
	return "bytes " + strconv.FormatInt(r.Start, 10) + "-" + strconv.FormatInt(r.End, 10) + "/" + strconv.FormatInt(size, 10)
}

// limitedCloser pairs a range-limited reader with the underlying file's
// Close, so callers of Response.Body.Close still release the descriptor
// Get opened even though the Reader they read from is a LimitReader.
type limitedCloser struct {
	io.Reader
	closer io.Closer
}

func (l *limitedCloser) Close() error { return l.closer.Close() }
