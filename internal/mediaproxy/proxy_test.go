package mediaproxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvidio/sentinel/internal/apperr"
	"github.com/corvidio/sentinel/internal/detectionstore"
	"github.com/corvidio/sentinel/internal/mediacache"
)

type fakeUpstream struct {
	snapshot     []byte
	clip         []byte
	hasClip      bool
	vtt          []byte
	sprite       []byte
	err          error
	fetchCount   int32
	clipRequests []string
}

func (f *fakeUpstream) FetchSnapshot(ctx context.Context, externalEventID string) ([]byte, error) {
	atomic.AddInt32(&f.fetchCount, 1)
	if f.err != nil {
		return nil, f.err
	}
	return f.snapshot, nil
}

func (f *fakeUpstream) StreamClip(ctx context.Context, externalEventID, rangeHeader string) (*http.Response, error) {
	f.clipRequests = append(f.clipRequests, rangeHeader)
	if f.err != nil {
		return nil, f.err
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader(f.clip)),
	}, nil
}

func (f *fakeUpstream) HasClip(ctx context.Context, externalEventID string) (bool, error) {
	return f.hasClip, nil
}

func (f *fakeUpstream) FetchThumbnailVTT(ctx context.Context, externalEventID string) ([]byte, error) {
	return f.vtt, nil
}

func (f *fakeUpstream) FetchThumbnailSprite(ctx context.Context, externalEventID string) ([]byte, error) {
	return f.sprite, nil
}

type memCache struct {
	data map[string][]byte
}

func newMemCache() *memCache { return &memCache{data: make(map[string][]byte)} }

func (m *memCache) key(id string, kind mediacache.Kind) string { return string(kind) + ":" + id }

func (m *memCache) Get(externalEventID string, kind mediacache.Kind) (io.ReadCloser, mediacache.Entry, bool, error) {
	data, ok := m.data[m.key(externalEventID, kind)]
	if !ok {
		return nil, mediacache.Entry{}, false, nil
	}
	return io.NopCloser(bytes.NewReader(data)), mediacache.Entry{ExternalEventID: externalEventID, Kind: kind, Size: int64(len(data))}, true, nil
}

func (m *memCache) Put(externalEventID string, kind mediacache.Kind, data []byte) (mediacache.Entry, error) {
	m.data[m.key(externalEventID, kind)] = data
	return mediacache.Entry{ExternalEventID: externalEventID, Kind: kind, Size: int64(len(data))}, nil
}

func (m *memCache) PutStream(externalEventID string, kind mediacache.Kind, src io.Reader) (mediacache.Entry, error) {
	data, err := io.ReadAll(src)
	if err != nil {
		return mediacache.Entry{}, err
	}
	if len(data) == 0 {
		return mediacache.Entry{}, apperr.Newf("empty stream").Component("mediacache").AsKind(apperr.KindUpstreamUnavailable).Build()
	}
	return m.Put(externalEventID, kind, data)
}

type fakeDetections struct {
	det *detectionstore.Detection
	err error
}

func (f *fakeDetections) GetByExternalID(ctx context.Context, externalEventID string) (*detectionstore.Detection, error) {
	return f.det, f.err
}

func TestSnapshotCachesOnFirstFetch(t *testing.T) {
	up := &fakeUpstream{snapshot: []byte("jpeg-bytes")}
	cache := newMemCache()
	p := New(up, cache, &fakeDetections{}, Config{}, nil)

	resp, err := p.Snapshot(context.Background(), "evt-1", false)
	require.NoError(t, err)
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "jpeg-bytes", string(data))
	assert.Equal(t, int32(1), up.fetchCount)

	resp2, err := p.Snapshot(context.Background(), "evt-1", false)
	require.NoError(t, err)
	data2, _ := io.ReadAll(resp2.Body)
	resp2.Body.Close()
	assert.Equal(t, "jpeg-bytes", string(data2))
	assert.Equal(t, int32(1), up.fetchCount, "second call must be served from cache")
}

func TestClipDisabledReturnsForbidden(t *testing.T) {
	up := &fakeUpstream{}
	cache := newMemCache()
	p := New(up, cache, &fakeDetections{}, Config{ClipsEnabled: false}, nil)

	_, err := p.Clip(context.Background(), "evt-1", "", false)
	require.Error(t, err)
	assert.Equal(t, apperr.KindForbidden, apperr.Of(err))
}

func TestGuestDeniedForHiddenDetection(t *testing.T) {
	up := &fakeUpstream{snapshot: []byte("x")}
	cache := newMemCache()
	dets := &fakeDetections{det: &detectionstore.Detection{
		Camera:        "driveway",
		IsHidden:      true,
		DetectionTime: time.Now(),
	}}
	p := New(up, cache, dets, Config{PublicHistoryWindow: time.Hour}, nil)

	_, err := p.Snapshot(context.Background(), "evt-1", true)
	require.Error(t, err)
	assert.Equal(t, apperr.KindForbidden, apperr.Of(err))
	assert.Equal(t, int32(0), up.fetchCount, "hidden detection must be denied before any upstream fetch")
}

func TestGuestDeniedForDisallowedCamera(t *testing.T) {
	up := &fakeUpstream{snapshot: []byte("x")}
	cache := newMemCache()
	dets := &fakeDetections{det: &detectionstore.Detection{
		Camera:        "backyard",
		DetectionTime: time.Now(),
	}}
	p := New(up, cache, dets, Config{PublicHistoryWindow: time.Hour, GuestAllowedCameras: []string{"driveway"}}, nil)

	_, err := p.Snapshot(context.Background(), "evt-1", true)
	require.Error(t, err)
	assert.Equal(t, apperr.KindForbidden, apperr.Of(err))
}

func TestGuestAllowedForPublicRecentDetection(t *testing.T) {
	up := &fakeUpstream{snapshot: []byte("x")}
	cache := newMemCache()
	dets := &fakeDetections{det: &detectionstore.Detection{
		Camera:        "driveway",
		DetectionTime: time.Now(),
	}}
	p := New(up, cache, dets, Config{PublicHistoryWindow: time.Hour, GuestAllowedCameras: []string{"driveway"}}, nil)

	resp, err := p.Snapshot(context.Background(), "evt-1", true)
	require.NoError(t, err)
	resp.Body.Close()
}

func TestClipPopulatesCacheThenServesRange(t *testing.T) {
	clip := []byte("0123456789")
	up := &fakeUpstream{clip: clip, hasClip: true}
	cache := newMemCache()
	p := New(up, cache, &fakeDetections{}, Config{ClipsEnabled: true}, nil)

	resp, err := p.Clip(context.Background(), "evt-1", "bytes=0-0", false)
	require.NoError(t, err)
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "bytes 0-0/10", resp.ContentRange)
	assert.Equal(t, "0", string(data))

	_, err = p.Clip(context.Background(), "evt-1", "bytes=999999999-", false)
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnsatisfiableRange, apperr.Of(err))
}

func TestClipMissingUpstreamReturnsNotFound(t *testing.T) {
	up := &fakeUpstream{hasClip: false}
	cache := newMemCache()
	p := New(up, cache, &fakeDetections{}, Config{ClipsEnabled: true}, nil)

	_, err := p.Clip(context.Background(), "evt-1", "", false)
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.Of(err))
}

func TestClipEmptyUpstreamReturns502(t *testing.T) {
	up := &fakeUpstream{hasClip: true, clip: nil}
	cache := newMemCache()
	p := New(up, cache, &fakeDetections{}, Config{ClipsEnabled: true}, nil)

	_, err := p.Clip(context.Background(), "evt-1", "", false)
	require.Error(t, err)
	assert.Equal(t, apperr.KindUpstreamUnavailable, apperr.Of(err))
}

func TestParseRangeBoundaries(t *testing.T) {
	const size = 10

	r, ok, err := ParseRange("", size)
	require.NoError(t, err)
	assert.False(t, ok)
	_ = r

	r, ok, err = ParseRange("bytes=0-0", size)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), r.Length())

	_, _, err = ParseRange("bytes=999999999-", size)
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnsatisfiableRange, apperr.Of(err))

	_, _, err = ParseRange("bytes=20-30", size)
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnsatisfiableRange, apperr.Of(err))

	_, _, err = ParseRange("bytes=5-2", size)
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnsatisfiableRange, apperr.Of(err))

	_, _, err = ParseRange("bytes=0-4,5-9", size)
	require.Error(t, err)

	r, ok, err = ParseRange("bytes=-5", size)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Range{Start: 5, End: 9}, r)
}

func TestParseRangeRejectsInvalidHeaderValue(t *testing.T) {
	_, _, err := ParseRange("bytes=0-9\r\nX-Injected: true", 10)
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnsatisfiableRange, apperr.Of(err))
}

func TestRateLimiterAllowsBurstThenDenies(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	assert.True(t, rl.Allow("client-a"))
	assert.True(t, rl.Allow("client-a"))
	assert.False(t, rl.Allow("client-a"))
	assert.True(t, rl.Allow("client-b"), "distinct clients get independent buckets")
}

func TestClientIPTrustsOnlyConfiguredProxies(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	req.RemoteAddr = "10.0.0.5:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.5")

	assert.Equal(t, "10.0.0.5", ClientIP(req, nil), "untrusted peer's header must be ignored")
	assert.Equal(t, "203.0.113.9", ClientIP(req, []string{"10.0.0.0/8"}), "trusted proxy's forwarded header is honored")
}

func TestFetchOrCachePropagatesUpstreamError(t *testing.T) {
	up := &fakeUpstream{err: errors.New("boom")}
	cache := newMemCache()
	p := New(up, cache, &fakeDetections{}, Config{}, nil)

	_, err := p.Snapshot(context.Background(), "evt-1", false)
	require.Error(t, err)
}
