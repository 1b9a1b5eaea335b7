// Package reclassifier is the Deep Video Reclassifier (C9): given an event
// that has a clip, it samples frames from the clip, classifies them
// incrementally (broadcasting progress as it goes), aggregates by soft
// voting, and -- subject to manual-relabel precedence -- promotes the
// result to the detection's primary label.
package reclassifier

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/corvidio/sentinel/internal/apperr"
	"github.com/corvidio/sentinel/internal/audiocorrelator"
	"github.com/corvidio/sentinel/internal/broadcaster"
	"github.com/corvidio/sentinel/internal/classifier"
	"github.com/corvidio/sentinel/internal/detectionstore"
	"github.com/corvidio/sentinel/internal/eventrouter"
	"github.com/corvidio/sentinel/internal/mediacache"
	"github.com/corvidio/sentinel/internal/species"
)

// Upstream is the narrow NVR client surface needed to obtain a clip.
type Upstream interface {
	HasClip(ctx context.Context, externalEventID string) (bool, error)
	StreamClip(ctx context.Context, externalEventID, rangeHeader string) (*http.Response, error)
}

// CacheStore is the narrow Media Cache surface needed to materialize the
// clip on local disk so FrameExtractor can seek within it.
type CacheStore interface {
	Get(externalEventID string, kind mediacache.Kind) (io.ReadCloser, mediacache.Entry, bool, error)
	PutStream(externalEventID string, kind mediacache.Kind, src io.Reader) (mediacache.Entry, error)
}

// Runtime is the narrow Classifier Runtime surface needed for per-frame
// inference.
type Runtime interface {
	ClassifyImage(ctx context.Context, img []byte) ([]classifier.Label, error)
}

// Repository is the narrow Event Store surface needed to read the current
// detection and persist the reclassification outcome.
type Repository interface {
	GetByExternalID(ctx context.Context, externalEventID string) (*detectionstore.Detection, error)
	Patch(ctx context.Context, externalEventID string, fields detectionstore.PatchFields) (*detectionstore.Detection, error)
}

// AudioMatcher is the narrow audio-correlator surface needed to
// re-evaluate audio_confirmed against a newly promoted primary label;
// satisfied by *audiocorrelator.Correlator.
type AudioMatcher interface {
	Match(sensorID string, t time.Time, window time.Duration) (audiocorrelator.Event, bool)
}

// Publisher is the narrow broadcaster dependency.
type Publisher interface {
	Publish(e broadcaster.Event)
}

// Config carries the Deep Video Reclassifier's policy knobs.
type Config struct {
	MaxFrames         int
	JobDeadline       time.Duration
	PerFrameDeadline  time.Duration
	MaxConcurrentJobs int

	AudioCorrelationWindow time.Duration
	AudioConfirmScore      float64
	SensorForCamera        map[string]string

	ManualRelabelWins bool
}

func (c *Config) applyDefaults() {
	if c.MaxFrames <= 0 {
		c.MaxFrames = 15
	}
	if c.JobDeadline <= 0 {
		c.JobDeadline = 10 * time.Minute
	}
	if c.PerFrameDeadline <= 0 {
		c.PerFrameDeadline = 20 * time.Second
	}
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 4
	}
	if c.AudioConfirmScore <= 0 {
		c.AudioConfirmScore = 0.5
	}
}

// FrameProgress is the payload carried by EventReclassificationProgress.
type FrameProgress struct {
	ExternalEventID string  `json:"external_event_id"`
	CurrentFrame    int     `json:"current_frame"`
	TotalFrames     int     `json:"total_frames"`
	FrameIndex      float64 `json:"frame_index_seconds"`
	TopLabel        string  `json:"top_label"`
	TopScore        float64 `json:"top_score"`
}

// Result is the payload carried by EventReclassificationCompleted.
type Result struct {
	ExternalEventID string  `json:"external_event_id"`
	Label           string  `json:"label"`
	Score           float64 `json:"score"`
	Promoted        bool    `json:"promoted"`
}

// Reclassifier runs video-strategy reclassification jobs.
type Reclassifier struct {
	upstream  Upstream
	cache     CacheStore
	runtime   Runtime
	repo      Repository
	audio     AudioMatcher
	publisher Publisher
	extractor FrameExtractor
	cfg       Config
	logger    *slog.Logger

	inFlight singleflight.Group
	sem      chan struct{}
}

// New builds a Reclassifier. audio may be nil if no audio correlation is
// configured.
func New(upstream Upstream, cache CacheStore, runtime Runtime, repo Repository, audio AudioMatcher, publisher Publisher, extractor FrameExtractor, cfg Config, logger *slog.Logger) *Reclassifier {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Reclassifier{
		upstream:  upstream,
		cache:     cache,
		runtime:   runtime,
		repo:      repo,
		audio:     audio,
		publisher: publisher,
		extractor: extractor,
		cfg:       cfg,
		logger:    logger.With("component", "reclassifier"),
		sem:       make(chan struct{}, cfg.MaxConcurrentJobs),
	}
}

// Reclassify runs a single video-strategy reclassification job for
// externalEventID, collapsing concurrent calls for the same event into one
// job (its result is shared with every caller) and bounding total
// concurrency across events via a semaphore sized MaxConcurrentJobs.
func (r *Reclassifier) Reclassify(ctx context.Context, externalEventID string) (Result, error) {
	v, err, _ := r.inFlight.Do(externalEventID, func() (any, error) {
		select {
		case r.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, apperr.New(ctx.Err()).Component("reclassifier").AsKind(apperr.KindTimeout).Build()
		}
		defer func() { <-r.sem }()

		jobCtx, cancel := context.WithTimeout(context.Background(), r.cfg.JobDeadline)
		defer cancel()
		return r.run(jobCtx, externalEventID)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (r *Reclassifier) run(ctx context.Context, externalEventID string) (Result, error) {
	logger := r.logger.With("external_event_id", externalEventID)

	r.publisher.Publish(broadcaster.Event{
		Type: broadcaster.EventReclassificationStarted,
		Data: map[string]string{"external_event_id": externalEventID},
	})

	result, err := r.doRun(ctx, externalEventID, logger)
	if err != nil {
		logger.Warn("reclassification failed", "error", err)
		if _, patchErr := r.repo.Patch(ctx, externalEventID, detectionstore.PatchFields{
			VideoClassificationStatus: statusPtr(detectionstore.VideoClassificationFailed),
		}); patchErr != nil {
			logger.Warn("failed to record reclassification failure", "error", patchErr)
		}
		r.publisher.Publish(broadcaster.Event{
			Type: broadcaster.EventReclassificationFailed,
			Data: map[string]string{"external_event_id": externalEventID, "error": err.Error()},
		})
		return Result{}, err
	}

	r.publisher.Publish(broadcaster.Event{
		Type: broadcaster.EventReclassificationCompleted,
		Data: result,
	})
	return result, nil
}

func (r *Reclassifier) doRun(ctx context.Context, externalEventID string, logger *slog.Logger) (Result, error) {
	hasClip, err := r.upstream.HasClip(ctx, externalEventID)
	if err != nil {
		return Result{}, err
	}
	if !hasClip {
		return Result{}, apperr.Newf("event has no clip").Component("reclassifier").AsKind(apperr.KindNotFound).Build()
	}

	clipPath, err := r.ensureClipCached(ctx, externalEventID)
	if err != nil {
		return Result{}, err
	}

	duration, err := r.extractor.Duration(ctx, clipPath)
	if err != nil {
		return Result{}, err
	}

	timestamps := SampleFrameIndices(duration, r.cfg.MaxFrames, SeedForEvent(externalEventID))
	if len(timestamps) == 0 {
		return Result{}, apperr.Newf("no frames sampled from clip").Component("reclassifier").AsKind(apperr.KindInvalidInput).Build()
	}

	perFrame := make([]classifier.FrameResult, 0, len(timestamps))
	for i, ts := range timestamps {
		frameCtx, cancel := context.WithTimeout(ctx, r.cfg.PerFrameDeadline)
		frame, err := r.extractor.ExtractFrame(frameCtx, clipPath, ts)
		if err != nil {
			cancel()
			return Result{}, err
		}
		labels, err := r.runtime.ClassifyImage(frameCtx, frame)
		cancel()
		if err != nil {
			return Result{}, err
		}

		var top classifier.Label
		if len(labels) > 0 {
			top = labels[0]
		}
		fr := classifier.FrameResult{FrameIndex: i, Top: top, Labels: labels}
		perFrame = append(perFrame, fr)

		r.publisher.Publish(broadcaster.Event{
			Type: broadcaster.EventReclassificationProgress,
			Data: FrameProgress{
				ExternalEventID: externalEventID,
				CurrentFrame:    i + 1,
				TotalFrames:     len(timestamps),
				FrameIndex:      ts.Seconds(),
				TopLabel:        top.Name,
				TopScore:        top.Score,
			},
		})
	}

	aggregate := classifier.SoftVote(perFrame)
	return r.persist(ctx, externalEventID, aggregate, logger)
}

func (r *Reclassifier) persist(ctx context.Context, externalEventID string, aggregate classifier.AggregateResult, logger *slog.Logger) (Result, error) {
	det, err := r.repo.GetByExternalID(ctx, externalEventID)
	if err != nil {
		return Result{}, err
	}
	if det == nil {
		return Result{}, apperr.Newf("event not found").Component("reclassifier").AsKind(apperr.KindNotFound).Build()
	}

	sp := species.Parse(aggregate.Label)
	displayName := sp.DisplayName()
	isUnknown := eventrouter.IsGenericSubLabel(aggregate.Label) || displayName == detectionstore.UnknownLabel || displayName == ""

	promote := aggregate.Score > det.Score && !isUnknown && !det.ManualRelabel

	fields := detectionstore.PatchFields{
		VideoClassificationStatus: statusPtr(detectionstore.VideoClassificationCompleted),
		VideoClassificationLabel:  &displayName,
		VideoClassificationScore:  &aggregate.Score,
	}

	if promote {
		source := detectionstore.SourceVideo
		fields.Score = &aggregate.Score
		fields.Source = &source
		fields.CategoryName = &sp.ScientificName
		fields.DisplayName = &displayName

		if confirmed, ok := r.reevaluateAudioConfirmed(det, displayName); ok {
			fields.AudioConfirmed = &confirmed
		}
	}

	if _, err := r.repo.Patch(ctx, externalEventID, fields); err != nil {
		return Result{}, err
	}

	logger.Info("reclassification complete", "label", displayName, "score", aggregate.Score, "promoted", promote)
	return Result{ExternalEventID: externalEventID, Label: displayName, Score: aggregate.Score, Promoted: promote}, nil
}

// reevaluateAudioConfirmed re-runs the audio-confirmation check against the
// newly promoted primary label, mirroring the Detection Processor's own
// correlateAudio rule (match species case-insensitively and require the
// configured minimum score) rather than leaving a stale confirmation from
// the pre-reclassification label in place.
func (r *Reclassifier) reevaluateAudioConfirmed(det *detectionstore.Detection, newLabel string) (bool, bool) {
	if r.audio == nil {
		return false, false
	}
	sensorID := r.cfg.SensorForCamera[det.Camera]
	if sensorID == "" {
		sensorID = det.Camera
	}
	match, ok := r.audio.Match(sensorID, det.DetectionTime, r.cfg.AudioCorrelationWindow)
	if !ok {
		return false, false
	}
	confirmed := strings.EqualFold(match.Species, newLabel) && match.Score >= r.cfg.AudioConfirmScore
	return confirmed, true
}

func (r *Reclassifier) ensureClipCached(ctx context.Context, externalEventID string) (string, error) {
	if rc, entry, ok, err := r.cache.Get(externalEventID, mediacache.KindClip); err != nil {
		return "", err
	} else if ok {
		rc.Close()
		return entry.Path, nil
	}

	resp, err := r.upstream.StreamClip(ctx, externalEventID, "")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", apperr.Newf("upstream clip fetch failed (status %d)", resp.StatusCode).
			Component("reclassifier").AsKind(apperr.KindUpstreamUnavailable).Build()
	}

	if _, err := r.cache.PutStream(externalEventID, mediacache.KindClip, resp.Body); err != nil {
		return "", err
	}

	_, entry, ok, err := r.cache.Get(externalEventID, mediacache.KindClip)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", apperr.Newf("clip vanished from cache after populate").Component("reclassifier").AsKind(apperr.KindInternal).Build()
	}
	return entry.Path, nil
}

func statusPtr(s detectionstore.VideoClassificationStatus) *detectionstore.VideoClassificationStatus { return &s }
