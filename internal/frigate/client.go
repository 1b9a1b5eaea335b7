// Package frigate is the outbound NVR client: it fetches event snapshots
// and clips from a Frigate instance and exposes byte-range-aware streaming
// so the Media Proxy can pipe responses through without buffering.
package frigate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/corvidio/sentinel/internal/apperr"
	"github.com/corvidio/sentinel/internal/httpclient"
)

// Client talks to a single Frigate NVR instance.
type Client struct {
	baseURL   string
	authToken string
	http      *httpclient.Client
}

// Config configures a Client.
type Config struct {
	BaseURL   string
	AuthToken string
}

// New builds a Client. client may be nil, in which case a default
// httpclient.Client is created.
func New(cfg Config, client *httpclient.Client) *Client {
	if client == nil {
		client = httpclient.New(nil)
	}
	return &Client{baseURL: cfg.BaseURL, authToken: cfg.AuthToken, http: client}
}

func (c *Client) request(ctx context.Context, method, path, rangeHeader string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, http.NoBody)
	if err != nil {
		return nil, apperr.New(err).Component("frigate").AsKind(apperr.KindInternal).Build()
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return nil, apperr.New(err).Component("frigate").AsKind(apperr.KindUpstreamUnavailable).Build()
	}
	return resp, nil
}

// FetchSnapshot downloads the event's snapshot JPEG in full.
func (c *Client) FetchSnapshot(ctx context.Context, externalEventID string) ([]byte, error) {
	path := fmt.Sprintf("/api/events/%s/snapshot.jpg?crop=1&quality=95", externalEventID)
	resp, err := c.request(ctx, http.MethodGet, path, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, apperr.Newf("frigate snapshot fetch failed (status %d)", resp.StatusCode).
			Component("frigate").AsKind(apperr.KindUpstreamUnavailable).Build()
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.New(err).Component("frigate").AsKind(apperr.KindUpstreamUnavailable).Build()
	}
	if len(data) == 0 {
		return nil, apperr.Newf("frigate returned an empty snapshot").Component("frigate").AsKind(apperr.KindUpstreamUnavailable).Build()
	}
	return data, nil
}

// StreamClip issues a (possibly range-qualified) GET for the event's clip
// and returns the raw response for the caller to pipe through, never
// buffering the body itself. The caller must close the returned body.
func (c *Client) StreamClip(ctx context.Context, externalEventID, rangeHeader string) (*http.Response, error) {
	path := fmt.Sprintf("/api/events/%s/clip.mp4", externalEventID)
	resp, err := c.request(ctx, http.MethodGet, path, rangeHeader)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusRequestedRangeNotSatisfiable {
		resp.Body.Close()
		return nil, apperr.Newf("frigate clip fetch failed (status %d)", resp.StatusCode).
			Component("frigate").AsKind(apperr.KindUpstreamUnavailable).Build()
	}
	return resp, nil
}

// FetchThumbnailVTT downloads the event's clip-timeline VTT cue sheet.
func (c *Client) FetchThumbnailVTT(ctx context.Context, externalEventID string) ([]byte, error) {
	return c.fetchAsset(ctx, fmt.Sprintf("/api/events/%s/clip-thumbnails.vtt", externalEventID))
}

// FetchThumbnailSprite downloads the event's clip-timeline thumbnail sprite.
func (c *Client) FetchThumbnailSprite(ctx context.Context, externalEventID string) ([]byte, error) {
	return c.fetchAsset(ctx, fmt.Sprintf("/api/events/%s/clip-thumbnails.jpg", externalEventID))
}

func (c *Client) fetchAsset(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.request(ctx, http.MethodGet, path, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, apperr.Newf("frigate asset fetch failed (status %d)", resp.StatusCode).
			Component("frigate").AsKind(apperr.KindUpstreamUnavailable).Build()
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.New(err).Component("frigate").AsKind(apperr.KindUpstreamUnavailable).Build()
	}
	if len(data) == 0 {
		return nil, apperr.Newf("frigate returned an empty asset").Component("frigate").AsKind(apperr.KindUpstreamUnavailable).Build()
	}
	return data, nil
}

type eventInfo struct {
	HasClip bool `json:"has_clip"`
}

// HasClip reports whether the event has an associated clip, without
// downloading it -- checked before any clip extraction is attempted.
func (c *Client) HasClip(ctx context.Context, externalEventID string) (bool, error) {
	path := fmt.Sprintf("/api/events/%s", externalEventID)
	resp, err := c.request(ctx, http.MethodGet, path, "")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return false, apperr.Newf("frigate event lookup failed (status %d)", resp.StatusCode).
			Component("frigate").AsKind(apperr.KindUpstreamUnavailable).Build()
	}
	var info eventInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return false, apperr.New(err).Component("frigate").AsKind(apperr.KindInternal).Build()
	}
	return info.HasClip, nil
}
