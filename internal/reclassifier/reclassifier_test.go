package reclassifier

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvidio/sentinel/internal/apperr"
	"github.com/corvidio/sentinel/internal/audiocorrelator"
	"github.com/corvidio/sentinel/internal/broadcaster"
	"github.com/corvidio/sentinel/internal/classifier"
	"github.com/corvidio/sentinel/internal/detectionstore"
	"github.com/corvidio/sentinel/internal/mediacache"
)

type fakeUpstream struct {
	hasClip  bool
	clip     []byte
	err      error
	fetchHit int
}

func (f *fakeUpstream) HasClip(ctx context.Context, externalEventID string) (bool, error) {
	return f.hasClip, f.err
}

func (f *fakeUpstream) StreamClip(ctx context.Context, externalEventID, rangeHeader string) (*http.Response, error) {
	f.fetchHit++
	if f.err != nil {
		return nil, f.err
	}
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(f.clip))}, nil
}

type fakeCache struct {
	path string
	data []byte
}

func (f *fakeCache) Get(externalEventID string, kind mediacache.Kind) (io.ReadCloser, mediacache.Entry, bool, error) {
	if f.data == nil {
		return nil, mediacache.Entry{}, false, nil
	}
	return io.NopCloser(bytes.NewReader(f.data)), mediacache.Entry{Path: f.path, Size: int64(len(f.data))}, true, nil
}

func (f *fakeCache) PutStream(externalEventID string, kind mediacache.Kind, src io.Reader) (mediacache.Entry, error) {
	data, err := io.ReadAll(src)
	if err != nil {
		return mediacache.Entry{}, err
	}
	if len(data) == 0 {
		return mediacache.Entry{}, apperr.Newf("empty").Component("mediacache").AsKind(apperr.KindUpstreamUnavailable).Build()
	}
	f.data = data
	f.path = "/cache/evt.mp4"
	return mediacache.Entry{Path: f.path, Size: int64(len(data))}, nil
}

type fakeExtractor struct {
	duration time.Duration
}

func (f *fakeExtractor) Duration(ctx context.Context, clipPath string) (time.Duration, error) {
	return f.duration, nil
}

func (f *fakeExtractor) ExtractFrame(ctx context.Context, clipPath string, at time.Duration) ([]byte, error) {
	return []byte("frame"), nil
}

type fakeRuntime struct {
	labelFor func(n int) []classifier.Label
	call     int
}

func (f *fakeRuntime) ClassifyImage(ctx context.Context, img []byte) ([]classifier.Label, error) {
	f.call++
	return f.labelFor(f.call), nil
}

type fakeRepo struct {
	det   *detectionstore.Detection
	patch detectionstore.PatchFields
}

func (f *fakeRepo) GetByExternalID(ctx context.Context, externalEventID string) (*detectionstore.Detection, error) {
	return f.det, nil
}

func (f *fakeRepo) Patch(ctx context.Context, externalEventID string, fields detectionstore.PatchFields) (*detectionstore.Detection, error) {
	f.patch = fields
	return f.det, nil
}

type fakeAudio struct {
	ev audiocorrelator.Event
	ok bool
}

func (f *fakeAudio) Match(sensorID string, t time.Time, window time.Duration) (audiocorrelator.Event, bool) {
	return f.ev, f.ok
}

type fakePublisher struct {
	events []broadcaster.Event
}

func (f *fakePublisher) Publish(e broadcaster.Event) { f.events = append(f.events, e) }

func newTestReclassifier(up *fakeUpstream, cache *fakeCache, rt *fakeRuntime, repo *fakeRepo, audio AudioMatcher, pub *fakePublisher, ext FrameExtractor) *Reclassifier {
	return New(up, cache, rt, repo, audio, pub, ext, Config{MaxFrames: 3, JobDeadline: time.Second, PerFrameDeadline: time.Second}, nil)
}

func TestReclassifyPromotesHigherScoringLabel(t *testing.T) {
	up := &fakeUpstream{hasClip: true, clip: []byte("clipdata")}
	cache := &fakeCache{}
	rt := &fakeRuntime{labelFor: func(n int) []classifier.Label {
		return []classifier.Label{{Name: "Turdus migratorius_American Robin", Score: 0.95}}
	}}
	repo := &fakeRepo{det: &detectionstore.Detection{
		ExternalEventID: "evt-1",
		DisplayName:     "Unknown Bird",
		Score:           0.3,
		ManualRelabel:   false,
	}}
	pub := &fakePublisher{}
	ext := &fakeExtractor{duration: 10 * time.Second}

	r := newTestReclassifier(up, cache, rt, repo, nil, pub, ext)
	result, err := r.Reclassify(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.True(t, result.Promoted)
	assert.Equal(t, "American Robin", result.Label)
	require.NotNil(t, repo.patch.Score)
	assert.InDelta(t, 0.95, *repo.patch.Score, 0.0001)
	assert.Equal(t, detectionstore.VideoClassificationCompleted, *repo.patch.VideoClassificationStatus)
}

func TestReclassifyDoesNotPromoteWhenManualRelabelSet(t *testing.T) {
	up := &fakeUpstream{hasClip: true, clip: []byte("clipdata")}
	cache := &fakeCache{}
	rt := &fakeRuntime{labelFor: func(n int) []classifier.Label {
		return []classifier.Label{{Name: "Turdus migratorius_American Robin", Score: 0.95}}
	}}
	repo := &fakeRepo{det: &detectionstore.Detection{
		ExternalEventID: "evt-1",
		DisplayName:     "Blue Jay",
		Score:           0.3,
		ManualRelabel:   true,
	}}
	pub := &fakePublisher{}
	ext := &fakeExtractor{duration: 10 * time.Second}

	r := newTestReclassifier(up, cache, rt, repo, nil, pub, ext)
	result, err := r.Reclassify(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.False(t, result.Promoted)
	assert.Nil(t, repo.patch.Score)
}

func TestReclassifyDoesNotPromoteUnknownLabel(t *testing.T) {
	up := &fakeUpstream{hasClip: true, clip: []byte("clipdata")}
	cache := &fakeCache{}
	rt := &fakeRuntime{labelFor: func(n int) []classifier.Label {
		return []classifier.Label{{Name: "unknown", Score: 0.99}}
	}}
	repo := &fakeRepo{det: &detectionstore.Detection{ExternalEventID: "evt-1", Score: 0.1}}
	pub := &fakePublisher{}
	ext := &fakeExtractor{duration: 10 * time.Second}

	r := newTestReclassifier(up, cache, rt, repo, nil, pub, ext)
	result, err := r.Reclassify(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.False(t, result.Promoted)
}

func TestReclassifyNoClipReturnsNotFound(t *testing.T) {
	up := &fakeUpstream{hasClip: false}
	cache := &fakeCache{}
	rt := &fakeRuntime{labelFor: func(n int) []classifier.Label { return nil }}
	repo := &fakeRepo{det: &detectionstore.Detection{ExternalEventID: "evt-1"}}
	pub := &fakePublisher{}
	ext := &fakeExtractor{duration: 10 * time.Second}

	r := newTestReclassifier(up, cache, rt, repo, nil, pub, ext)
	_, err := r.Reclassify(context.Background(), "evt-1")
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.Of(err))

	foundFailed := false
	for _, e := range pub.events {
		if e.Type == broadcaster.EventReclassificationFailed {
			foundFailed = true
		}
	}
	assert.True(t, foundFailed, "a failed reclassification must broadcast a failure event")
}

func TestReclassifyEmitsProgressPerFrame(t *testing.T) {
	up := &fakeUpstream{hasClip: true, clip: []byte("clipdata")}
	cache := &fakeCache{}
	rt := &fakeRuntime{labelFor: func(n int) []classifier.Label {
		return []classifier.Label{{Name: "a_A", Score: 0.5}}
	}}
	repo := &fakeRepo{det: &detectionstore.Detection{ExternalEventID: "evt-1", Score: 0.1}}
	pub := &fakePublisher{}
	ext := &fakeExtractor{duration: 10 * time.Second}

	r := newTestReclassifier(up, cache, rt, repo, nil, pub, ext)
	_, err := r.Reclassify(context.Background(), "evt-1")
	require.NoError(t, err)

	progressCount := 0
	for _, e := range pub.events {
		if e.Type == broadcaster.EventReclassificationProgress {
			progressCount++
		}
	}
	assert.Greater(t, progressCount, 0)
}

func TestReclassifyReevaluatesAudioConfirmed(t *testing.T) {
	up := &fakeUpstream{hasClip: true, clip: []byte("clipdata")}
	cache := &fakeCache{}
	rt := &fakeRuntime{labelFor: func(n int) []classifier.Label {
		return []classifier.Label{{Name: "Turdus migratorius_American Robin", Score: 0.9}}
	}}
	repo := &fakeRepo{det: &detectionstore.Detection{ExternalEventID: "evt-1", Score: 0.1, Camera: "driveway", DetectionTime: time.Now()}}
	audio := &fakeAudio{ok: true, ev: audiocorrelator.Event{Species: "American Robin", Score: 0.8}}
	pub := &fakePublisher{}
	ext := &fakeExtractor{duration: 10 * time.Second}

	r := newTestReclassifier(up, cache, rt, repo, audio, pub, ext)
	result, err := r.Reclassify(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.True(t, result.Promoted)
	require.NotNil(t, repo.patch.AudioConfirmed)
	assert.True(t, *repo.patch.AudioConfirmed)
}

func TestSampleFrameIndicesIsDeterministic(t *testing.T) {
	a := SampleFrameIndices(30*time.Second, 8, 42)
	b := SampleFrameIndices(30*time.Second, 8, 42)
	require.Equal(t, a, b)
	assert.NotEmpty(t, a)
	for _, ts := range a {
		assert.True(t, ts >= 0 && ts < 30*time.Second)
	}
}

func TestSampleFrameIndicesDiffersWithSeed(t *testing.T) {
	a := SampleFrameIndices(30*time.Second, 8, SeedForEvent("evt-1"))
	b := SampleFrameIndices(30*time.Second, 8, SeedForEvent("evt-2"))
	assert.NotEqual(t, a, b)
}

func TestReclassifyPropagatesUpstreamError(t *testing.T) {
	up := &fakeUpstream{err: errors.New("boom")}
	cache := &fakeCache{}
	rt := &fakeRuntime{labelFor: func(n int) []classifier.Label { return nil }}
	repo := &fakeRepo{det: &detectionstore.Detection{ExternalEventID: "evt-1"}}
	pub := &fakePublisher{}
	ext := &fakeExtractor{duration: 10 * time.Second}

	r := newTestReclassifier(up, cache, rt, repo, nil, pub, ext)
	_, err := r.Reclassify(context.Background(), "evt-1")
	require.Error(t, err)
}
