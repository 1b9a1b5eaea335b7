// Package processor is the Detection Processor (C7): the single entry
// point that turns an NVR bird event into a persisted, enriched Detection
// and broadcasts it. It orchestrates the Classifier Runtime, Audio
// Correlator, weather/taxonomy enrichment, the Event Store, the
// Broadcaster, and a best-effort notification push, in that order.
package processor

import (
	"context"
	"log/slog"
	"math/rand"
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
	"github.com/corvidio/sentinel/internal/metrics"
	"github.com/corvidio/sentinel/internal/notifier"
	"github.com/corvidio/sentinel/internal/species"
	"github.com/corvidio/sentinel/internal/taxonomy"
	"github.com/corvidio/sentinel/internal/weather"
)

// SnapshotFetcher is the narrow outbound dependency for step 2; satisfied
// by *frigate.Client.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, externalEventID string) ([]byte, error)
}

// MediaWriter is the narrow media-cache dependency; satisfied by *mediacache.Cache.
type MediaWriter interface {
	Put(externalEventID string, kind mediacache.Kind, data []byte) (mediacache.Entry, error)
}

// AudioMatcher is the narrow audio-correlator dependency; satisfied by
// *audiocorrelator.Correlator.
type AudioMatcher interface {
	Match(sensorID string, t time.Time, window time.Duration) (audiocorrelator.Event, bool)
}

// Publisher is the narrow broadcaster dependency; satisfied by *broadcaster.Broadcaster.
type Publisher interface {
	Publish(e broadcaster.Event)
}

// Config carries the Detection Processor's policy knobs, mirroring
// settings.Detection/settings.Media without binding to the settings
// package directly.
type Config struct {
	TrustFrigateSublabel    bool
	FastPathFallback        bool
	ClassificationThreshold float64
	MinConfidence           float64
	BlockedLabels           map[string]bool

	AudioCorrelationWindow time.Duration
	AudioConfirmScore      float64
	SensorForCamera        map[string]string // camera -> sensor id; falls back to camera name

	ManualRelabelWins bool

	SnapshotFetchMaxAttempts int
	SnapshotFetchBudget      time.Duration

	// WorkerPoolSize bounds how many pipeline runs (snapshot fetch,
	// inference, notify) execute concurrently. 0 resolves to runtime.NumCPU
	// by the caller, mirroring settings.Detection.WorkerPoolSize.
	WorkerPoolSize int

	// Latitude/Longitude locate the site for weather enrichment.
	Latitude  float64
	Longitude float64
}

func (c *Config) applyDefaults() {
	if c.ClassificationThreshold <= 0 {
		c.ClassificationThreshold = 0.7
	}
	if c.AudioConfirmScore <= 0 {
		c.AudioConfirmScore = 0.5
	}
	if c.AudioCorrelationWindow <= 0 {
		c.AudioCorrelationWindow = 5 * time.Minute
	}
	if c.SnapshotFetchMaxAttempts <= 0 {
		c.SnapshotFetchMaxAttempts = 3
	}
	if c.SnapshotFetchBudget <= 0 {
		c.SnapshotFetchBudget = 10 * time.Second
	}
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = 1
	}
}

func (c *Config) sensorFor(camera string) string {
	if id, ok := c.SensorForCamera[camera]; ok {
		return id
	}
	return camera
}

// Processor wires the pipeline's dependencies together.
type Processor struct {
	cfg Config

	snapshots SnapshotFetcher
	cache     MediaWriter
	runtime   classifier.Runtime
	audio     AudioMatcher
	weather   weather.Service
	taxonomy  taxonomy.Provider
	repo      detectionstore.Repository
	publisher Publisher
	notify    notifier.Sink

	logger *slog.Logger

	// inFlight collapses concurrent deliveries for the same
	// external_event_id into a single pipeline run, satisfying the
	// at-most-one-concurrent-classification-per-event guarantee. pool
	// bounds how many distinct event ids Dispatch runs concurrently, so a
	// caller using Dispatch never blocks on one camera's pipeline while
	// another camera's event is ready.
	inFlight singleflight.Group
	pool     *workerPool
	metrics  metrics.Recorder
}

// Deps bundles the Processor's dependencies, each narrowed to the
// operations this package actually calls.
type Deps struct {
	Snapshots SnapshotFetcher
	Cache     MediaWriter
	Runtime   classifier.Runtime
	Audio     AudioMatcher
	Weather   weather.Service
	Taxonomy  taxonomy.Provider
	Repo      detectionstore.Repository
	Publisher Publisher
	Notify    notifier.Sink
	Metrics   metrics.Recorder
}

// New builds a Processor. logger may be nil.
func New(cfg Config, deps Deps, logger *slog.Logger) *Processor {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NoOp()
	}
	return &Processor{
		cfg:       cfg,
		snapshots: deps.Snapshots,
		cache:     deps.Cache,
		runtime:   deps.Runtime,
		audio:     deps.Audio,
		weather:   deps.Weather,
		taxonomy:  deps.Taxonomy,
		repo:      deps.Repo,
		publisher: deps.Publisher,
		notify:    deps.Notify,
		metrics:   deps.Metrics,
		logger:    logger.With("component", "processor"),
		pool:      newWorkerPool(cfg.WorkerPoolSize),
	}
}

// Close stops accepting new Dispatch calls; in-flight ones are not
// interrupted. Safe to call more than once.
func (p *Processor) Close() {
	p.pool.close()
}

// OnNVREvent runs the pipeline synchronously and returns its result.
// Concurrent calls sharing the same external_event_id are coalesced via
// singleflight so at most one classification runs per event at a time.
// Production code wanting cross-event concurrency should call Dispatch
// instead; OnNVREvent itself is the building block both Dispatch and tests
// call directly.
func (p *Processor) OnNVREvent(ctx context.Context, evt eventrouter.NVREvent) error {
	start := time.Now()
	_, err, _ := p.inFlight.Do(evt.After.ID, func() (any, error) {
		return nil, p.process(ctx, evt)
	})
	metrics.Time(p.metrics, "detection_pipeline", start)
	status := "success"
	if err != nil {
		status = "error"
		p.metrics.RecordError("detection_pipeline", string(apperr.Of(err)))
	}
	p.metrics.RecordOperation("detection_pipeline", status)
	return err
}

// Dispatch submits evt to the Processor's worker pool and returns as soon
// as the run is scheduled, not once it finishes, so the caller (the Event
// Router's single NVR dispatch goroutine) never blocks on one camera's
// snapshot fetch/classification/notify chain while another camera's event
// is ready to process. Any pipeline error is logged here since there is no
// synchronous caller left to return it to; a panic inside the run is
// recovered and logged the same way.
func (p *Processor) Dispatch(ctx context.Context, evt eventrouter.NVREvent) error {
	logger := p.logger.With("external_event_id", evt.After.ID)
	return p.pool.submit(ctx, func() {
		if err := p.OnNVREvent(ctx, evt); err != nil {
			logger.Error("detection pipeline failed", "error", err)
		}
	}, func(panicErr error) {
		logger.Error("detection pipeline panic recovered", "error", panicErr)
	})
}

func (p *Processor) process(ctx context.Context, evt eventrouter.NVREvent) error {
	logger := p.logger.With("external_event_id", evt.After.ID, "camera", evt.After.Camera)

	existing, err := p.repo.GetByExternalID(ctx, evt.After.ID)
	if err != nil {
		return apperr.New(err).Component("processor").AsKind(apperr.KindInternal).Build()
	}

	// An update on an already-classified event just refreshes metadata and
	// re-evaluates audio correlation; it never re-runs inference, since the
	// primary label is already settled.
	if evt.Type == "update" && existing != nil {
		return p.patchExisting(ctx, evt, existing, logger)
	}

	snapshot, err := p.fetchSnapshotWithRetry(ctx, evt.After.ID)
	if err != nil {
		logger.Warn("snapshot fetch failed, detection not persisted", "error", err)
		return apperr.New(err).Component("processor").AsKind(apperr.KindUpstreamUnavailable).Build()
	}
	if p.cache != nil {
		if _, err := p.cache.Put(evt.After.ID, mediacache.KindSnapshot, snapshot); err != nil {
			logger.Warn("snapshot cache write failed", "error", err)
		}
	}

	candidate := p.decideCandidate(ctx, evt, snapshot, logger)

	detectionTime := frigateEventTime(evt)
	sensorID := p.cfg.sensorFor(evt.After.Camera)
	audioDetected, audioConfirmed, audioSpecies, audioScore := p.correlateAudio(sensorID, detectionTime, candidate)

	det := detectionstore.Detection{
		ExternalEventID: evt.After.ID,
		Camera:          evt.After.Camera,
		DetectionTime:   detectionTime,
		DisplayName:     candidate.DisplayName,
		CategoryName:    candidate.CategoryName,
		Score:           candidate.Score,
		Source:          candidate.Source,
		SubLabel:        evt.After.SubLabel,
		AudioDetected:   audioDetected,
		AudioConfirmed:  audioConfirmed,
		AudioSpecies:    audioSpecies,
		AudioScore:      audioScore,
	}
	if evt.After.TopScore > 0 {
		score := evt.After.TopScore
		det.FrigateScore = &score
	}

	if existing != nil && existing.ManualRelabel && p.cfg.ManualRelabelWins {
		det.DisplayName = existing.DisplayName
		det.CategoryName = existing.CategoryName
		det.Score = existing.Score
		det.Source = existing.Source
		det.ManualRelabel = true
	}

	p.enrich(ctx, &det, logger)

	result, err := p.repo.Upsert(ctx, det)
	if err != nil {
		logger.Error("detection upsert failed", "error", err)
		return apperr.New(err).Component("processor").AsKind(apperr.KindInternal).Build()
	}

	p.broadcastAndNotify(result, logger)
	return nil
}

// patchExisting handles an NVR "update" payload for an event already
// classified: metadata and audio context are refreshed, inference is not
// repeated.
func (p *Processor) patchExisting(ctx context.Context, evt eventrouter.NVREvent, existing *detectionstore.Detection, logger *slog.Logger) error {
	updated := *existing
	updated.Camera = evt.After.Camera
	updated.SubLabel = evt.After.SubLabel

	sensorID := p.cfg.sensorFor(evt.After.Camera)
	candidate := Candidate{DisplayName: existing.DisplayName}
	audioDetected, audioConfirmed, audioSpecies, audioScore := p.correlateAudio(sensorID, existing.DetectionTime, candidate)
	updated.AudioDetected = audioDetected
	updated.AudioConfirmed = audioConfirmed
	updated.AudioSpecies = audioSpecies
	updated.AudioScore = audioScore

	result, err := p.repo.Upsert(ctx, updated)
	if err != nil {
		return apperr.New(err).Component("processor").AsKind(apperr.KindInternal).Build()
	}
	p.broadcastAndNotify(result, logger)
	return nil
}

func (p *Processor) broadcastAndNotify(result detectionstore.UpsertResult, logger *slog.Logger) {
	evtType := broadcaster.EventDetectionUpdated
	if result.Created {
		evtType = broadcaster.EventDetection
	}
	if p.publisher != nil {
		p.publisher.Publish(broadcaster.Event{
			Type:               evtType,
			Data:               result.Detection,
			Camera:             result.Detection.Camera,
			Hidden:             result.Detection.IsHidden,
			OldEnoughForPublic: true,
		})
	}
	if p.notify != nil {
		p.notify.Send("New detection", result.Detection.DisplayName+" on "+result.Detection.Camera)
	}
	logger.Info("detection processed", "display_name", result.Detection.DisplayName, "score", result.Detection.Score, "source", result.Detection.Source, "created", result.Created)
}

// fetchSnapshotWithRetry retries transient fetch failures with exponential
// backoff and jitter, bounded by SnapshotFetchMaxAttempts and
// SnapshotFetchBudget together.
func (p *Processor) fetchSnapshotWithRetry(ctx context.Context, externalEventID string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.SnapshotFetchBudget)
	defer cancel()

	backoff := 200 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= p.cfg.SnapshotFetchMaxAttempts; attempt++ {
		data, err := p.snapshots.FetchSnapshot(ctx, externalEventID)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if attempt == p.cfg.SnapshotFetchMaxAttempts {
			break
		}
		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		select {
		case <-time.After(backoff + jitter):
			backoff *= 2
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// Candidate is the primary-label decision for a detection, before
// enrichment and persistence.
type Candidate struct {
	DisplayName  string
	CategoryName string
	Score        float64
	Source       detectionstore.Source
}

// decideCandidate implements steps 3-5: fast-path sub_label, classifier
// inference with threshold/blocklist filtering, and fallback to sub_label.
func (p *Processor) decideCandidate(ctx context.Context, evt eventrouter.NVREvent, snapshot []byte, logger *slog.Logger) Candidate {
	if p.cfg.TrustFrigateSublabel && !eventrouter.IsGenericSubLabel(evt.After.SubLabel) {
		sp := species.Parse(evt.After.SubLabel)
		return Candidate{DisplayName: sp.DisplayName(), CategoryName: sp.ScientificName, Score: 0, Source: detectionstore.SourceFrigate}
	}

	labels, err := p.runtime.ClassifyImage(ctx, snapshot)
	if err != nil {
		logger.Warn("classifier inference failed", "error", err)
	} else if label, ok := chooseLabel(labels, p.cfg.ClassificationThreshold, p.cfg.MinConfidence, p.cfg.BlockedLabels); ok {
		sp := species.Parse(label.Name)
		name := sp.DisplayName()
		if eventrouter.IsGenericSubLabel(name) {
			name = detectionstore.UnknownLabel
		}
		return Candidate{DisplayName: name, CategoryName: sp.ScientificName, Score: label.Score, Source: detectionstore.SourceSnapshot}
	}

	if p.cfg.FastPathFallback && !eventrouter.IsGenericSubLabel(evt.After.SubLabel) {
		sp := species.Parse(evt.After.SubLabel)
		return Candidate{DisplayName: sp.DisplayName(), CategoryName: sp.ScientificName, Score: 0, Source: detectionstore.SourceFrigate}
	}

	return Candidate{DisplayName: detectionstore.UnknownLabel, Score: 0, Source: detectionstore.SourceFrigate}
}

// chooseLabel returns the first label meeting both thresholds and not on
// the blocklist; labels is assumed sorted descending by score, so the
// first qualifying entry is the best one.
func chooseLabel(labels []classifier.Label, threshold, minConfidence float64, blocked map[string]bool) (classifier.Label, bool) {
	for _, l := range labels {
		if l.Score < threshold || l.Score < minConfidence {
			continue
		}
		name := species.Parse(l.Name).DisplayName()
		if blocked[strings.ToLower(name)] {
			continue
		}
		return l, true
	}
	return classifier.Label{}, false
}

// correlateAudio implements step 6: audio never renames the primary
// species, it only annotates the detection with what the Audio Correlator
// observed around the same time.
func (p *Processor) correlateAudio(sensorID string, at time.Time, candidate Candidate) (detected, confirmed bool, audioSpecies string, score *float64) {
	if p.audio == nil {
		return false, false, "", nil
	}
	match, ok := p.audio.Match(sensorID, at, p.cfg.AudioCorrelationWindow)
	if !ok {
		return false, false, "", nil
	}
	s := match.Score
	confirmedMatch := strings.EqualFold(match.Species, candidate.DisplayName) && match.Score >= p.cfg.AudioConfirmScore
	return true, confirmedMatch, match.Species, &s
}

// enrich implements step 7: weather and taxonomy are best-effort and never
// fail the write -- failures are logged and leave fields null.
func (p *Processor) enrich(ctx context.Context, det *detectionstore.Detection, logger *slog.Logger) {
	if p.weather != nil {
		// Lat/lon come from Config.Latitude/Longitude; an unset location is
		// passed to the provider as 0,0 like any other coordinates.
		if cond, err := p.weather.CurrentConditions(ctx, p.cfg.Latitude, p.cfg.Longitude); err != nil {
			logger.Debug("weather enrichment skipped", "error", err)
		} else {
			det.Temperature = &cond.Temperature
			det.WeatherCondition = cond.Condition
			det.WindSpeed = &cond.WindSpeed
			det.CloudCover = &cond.CloudCover
			det.Precipitation = &cond.Precipitation
		}
	}

	if p.taxonomy != nil && det.CategoryName != "" {
		if entry, err := p.taxonomy.Lookup(ctx, det.CategoryName); err != nil {
			logger.Debug("taxonomy enrichment skipped", "error", err)
		} else {
			det.ScientificName = entry.ScientificName
			det.CommonName = entry.CommonName
			det.TaxaID = entry.TaxaID
		}
	}
}

func frigateEventTime(evt eventrouter.NVREvent) time.Time {
	if evt.After.StartTime <= 0 {
		return time.Now().UTC()
	}
	sec := int64(evt.After.StartTime)
	nsec := int64((evt.After.StartTime - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}
