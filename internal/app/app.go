// Package app wires every component into a single running process: it
// loads settings, opens the event store and media cache, builds the
// classifier runtime, starts the MQTT event router and detection
// processor, and serves the Read API/Media Proxy/SSE broadcaster over
// HTTP. It is the one place that knows about every package in this
// module; every other package only knows its own narrow dependencies.
//
// Orchestration follows a sync.WaitGroup plus a cancelable context, with
// one start*/run* helper per background routine, rather than an errgroup:
// singleflight and channel-based fan-out are this module's concurrency
// idioms elsewhere, so process-lifetime supervision stays consistent with
// that rather than introducing a new pattern just for main.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/corvidio/sentinel/internal/api"
	"github.com/corvidio/sentinel/internal/apperr"
	"github.com/corvidio/sentinel/internal/audiocorrelator"
	"github.com/corvidio/sentinel/internal/broadcaster"
	"github.com/corvidio/sentinel/internal/classifier"
	"github.com/corvidio/sentinel/internal/detectionstore"
	"github.com/corvidio/sentinel/internal/ebird"
	"github.com/corvidio/sentinel/internal/eventrouter"
	"github.com/corvidio/sentinel/internal/frigate"
	"github.com/corvidio/sentinel/internal/httpclient"
	"github.com/corvidio/sentinel/internal/logging"
	"github.com/corvidio/sentinel/internal/mediacache"
	"github.com/corvidio/sentinel/internal/mediaproxy"
	"github.com/corvidio/sentinel/internal/metrics"
	"github.com/corvidio/sentinel/internal/mqtt"
	"github.com/corvidio/sentinel/internal/notifier"
	"github.com/corvidio/sentinel/internal/processor"
	"github.com/corvidio/sentinel/internal/reclassifier"
	"github.com/corvidio/sentinel/internal/settings"
	"github.com/corvidio/sentinel/internal/taxonomy"
	"github.com/corvidio/sentinel/internal/weather"
)

// startupPhases enumerates the phases api.StartupTracker waits on before
// /ready reports healthy.
const (
	phaseStore      = "event_store"
	phaseCache      = "media_cache"
	phaseClassifier = "classifier"
	phaseAudio      = "audio_correlator"
	phaseRouter     = "event_router"
)

// clientVersion identifies this build to the MQTT broker via
// mqtt.NewClientID; bump alongside tagged releases.
const clientVersion = "1"

// Run loads configPath, wires every component, and serves until ctx is
// canceled or a fatal startup error occurs. It installs its own
// SIGINT/SIGTERM handler on top of ctx so `sentinel serve` shuts down
// cleanly on Ctrl+C even when the caller passes context.Background().
func Run(ctx context.Context, configPath string) error {
	logging.Init()
	logger := logging.Structured()

	cfg, err := settings.Load(configPath)
	if err != nil {
		return fmt.Errorf("app: load settings: %w", err)
	}
	pub := settings.NewPublisher(cfg)

	if cfg.Telemetry.Enabled {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.Telemetry.DSN, Release: clientVersion}); err != nil {
			logger.Error("sentry init failed, continuing without crash reporting", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}
	apperr.SetTelemetryReporter(apperr.NewSentryReporter(cfg.Telemetry.Enabled))

	registry := prometheus.NewRegistry()
	rec, err := metrics.New(registry)
	if err != nil {
		return fmt.Errorf("app: register metrics: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startup := api.NewStartupTracker(5)

	store, err := detectionstore.Open(cfg.Storage.Driver, dsn(cfg.Storage), logger)
	if err != nil {
		return fmt.Errorf("app: open event store: %w", err)
	}
	defer store.Close()
	startup.MarkPhaseComplete(phaseStore)

	cache, err := mediacache.Open(mediacache.Config{
		BaseDir:       cfg.Media.CacheDir,
		MaxBytes:      cfg.Media.MaxCacheSizeBytes,
		RetentionDays: cfg.Media.RetentionDays,
		ClipsEnabled:  cfg.Media.ClipsEnabled,
		Metrics:       rec,
	}, logger)
	if err != nil {
		return fmt.Errorf("app: open media cache: %w", err)
	}
	startup.MarkPhaseComplete(phaseCache)

	httpClient := httpclient.New(&httpclient.Config{
		DefaultTimeout: cfg.Media.UpstreamTimeout,
		UserAgent:      "sentinel/" + clientVersion,
	})
	nvr := frigate.New(frigate.Config{BaseURL: cfg.Frigate.URL, AuthToken: cfg.Frigate.AuthToken}, httpClient)

	classifierRuntime, err := classifier.New(classifier.Config{
		ModelPath:         cfg.Classifier.ModelPath,
		LabelsPath:        cfg.Classifier.LabelsPath,
		Threads:           cfg.Classifier.WorkerPoolSize,
		WorkerPoolSize:    cfg.Classifier.WorkerPoolSize,
		InferenceDeadline: cfg.Classifier.InferenceDeadline,
		Metrics:           rec,
	})
	if err != nil {
		return fmt.Errorf("app: load classifier model: %w", err)
	}
	defer classifierRuntime.Close()
	startup.MarkPhaseComplete(phaseClassifier)

	sensorIDs := make([]string, 0, len(cfg.Frigate.Cameras))
	sensorForCamera := make(map[string]string, len(cfg.Frigate.Cameras))
	for _, cam := range cfg.Frigate.Cameras {
		sensorIDs = append(sensorIDs, cam)
		sensorForCamera[cam] = cam
	}
	correlator, err := audiocorrelator.New(ctx, audiocorrelator.Config{BufferHours: cfg.Detection.AudioBufferHours}, store, sensorIDs, logger)
	if err != nil {
		return fmt.Errorf("app: start audio correlator: %w", err)
	}
	startup.MarkPhaseComplete(phaseAudio)

	weatherSvc, warn := buildWeather(cfg, httpClient)
	if warn != "" {
		startup.MarkPhaseWarning("weather", warn)
	}
	taxonomySvc, warn := buildTaxonomy(cfg, logger)
	if warn != "" {
		startup.MarkPhaseWarning("taxonomy", warn)
	}

	var notifySink notifier.Sink
	if cfg.Notification.Enabled {
		notifySink = notifier.New(cfg.Notification.URL, logger)
	}

	bcast := broadcaster.NewWithMetrics(cfg.Broadcast.SubscriberBufferSize, logger, rec)

	blocked := make(map[string]bool, len(cfg.Detection.BlockedLabels))
	for _, l := range cfg.Detection.BlockedLabels {
		blocked[l] = true
	}
	proc := processor.New(processor.Config{
		TrustFrigateSublabel:    cfg.Detection.TrustFrigateSublabel,
		FastPathFallback:        cfg.Detection.FastPathFallback,
		ClassificationThreshold: cfg.Detection.ClassificationThreshold,
		MinConfidence:           cfg.Detection.MinConfidence,
		BlockedLabels:           blocked,
		AudioCorrelationWindow:  time.Duration(cfg.Detection.AudioCorrelationWindowSeconds) * time.Second,
		AudioConfirmScore:       cfg.Detection.AudioConfirmScore,
		SensorForCamera:         sensorForCamera,
		ManualRelabelWins:       cfg.ManualRelabelWins,
		Latitude:                cfg.Weather.Latitude,
		Longitude:               cfg.Weather.Longitude,
		WorkerPoolSize:          maxConcurrentJobs(cfg.Detection.WorkerPoolSize),
	}, processor.Deps{
		Snapshots: nvr,
		Cache:     cache,
		Runtime:   classifierRuntime,
		Audio:     correlator,
		Weather:   weatherSvc,
		Taxonomy:  taxonomySvc,
		Repo:      store,
		Publisher: bcast,
		Notify:    notifySink,
		Metrics:   rec,
	}, logger)

	proxy := mediaproxy.New(nvr, cache, store, mediaproxy.Config{
		ClipsEnabled:        cfg.Media.ClipsEnabled,
		PublicHistoryWindow: cfg.Media.PublicHistoryWindow,
		GuestAllowedCameras: cfg.Media.GuestAllowedCameras,
	}, logger)

	extractor := reclassifier.NewFFmpegExtractor(cfg.Reclassify.FfmpegPath, cfg.Reclassify.FfprobePath)
	reclass := reclassifier.New(nvr, cache, classifierRuntime, store, correlator, bcast, extractor, reclassifier.Config{
		MaxFrames:              cfg.Reclassify.MaxFrames,
		JobDeadline:            cfg.Reclassify.JobDeadline,
		PerFrameDeadline:       cfg.Reclassify.PerFrameDeadline,
		MaxConcurrentJobs:      maxConcurrentJobs(cfg.Reclassify.MaxConcurrentJobs),
		AudioCorrelationWindow: time.Duration(cfg.Detection.AudioCorrelationWindowSeconds) * time.Second,
		AudioConfirmScore:      cfg.Detection.AudioConfirmScore,
		SensorForCamera:        sensorForCamera,
		ManualRelabelWins:      cfg.ManualRelabelWins,
	}, logger)

	server := api.New(api.Config{
		Repository:   store,
		MediaProxy:   proxy,
		Reclassifier: reclass,
		Broadcaster:  bcast,
		SettingsPub:  pub,
		Startup:      startup,
		Logger:       logger,
		Registry:     registry,
	})

	var wg sync.WaitGroup
	defer wg.Wait()
	defer proc.Close()

	if cfg.MQTT.Broker != "" {
		mqttClient := mqtt.NewClient(mqtt.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: mqtt.NewClientID(clientVersion),
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		}, logger)
		if err := mqttClient.Connect(ctx); err != nil {
			logger.Error("mqtt broker connect failed, continuing without live ingestion", "error", err)
		} else {
			allowedCameras := make(map[string]bool, len(cfg.Frigate.Cameras))
			for _, cam := range cfg.Frigate.Cameras {
				allowedCameras[cam] = true
			}
			router := eventrouter.NewWithMetrics(eventrouter.Config{
				NVRTopic:       cfg.MQTT.NVRTopic,
				AudioTopic:     cfg.MQTT.AudioTopic,
				AllowedCameras: allowedCameras,
			}, mqttClient, onDetection(proc, logger), onAudio(correlator, logger), logger, rec)
			if err := router.Start(ctx); err != nil {
				logger.Error("event router start failed", "error", err)
			}
		}
		defer mqttClient.Disconnect()
	}
	startup.MarkPhaseComplete(phaseRouter)

	wg.Add(1)
	go func() {
		defer wg.Done()
		bcast.Run(ctx, cfg.Broadcast.HeartbeatInterval)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runMediaMaintenance(ctx, cache, store, pub, logger)
	}()

	httpServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.WebServer.Port), Handler: server.Echo}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("sentinel listening", "addr", httpServer.Addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("app: http server: %w", err)
	}
	return nil
}

func dsn(s settings.Storage) string {
	if s.Driver == "mysql" {
		return s.MySQLDSN
	}
	return s.SQLitePath
}

func maxConcurrentJobs(configured int) int {
	if configured > 0 {
		return configured
	}
	return runtime.NumCPU()
}

func buildWeather(cfg settings.Settings, client *httpclient.Client) (weather.Service, string) {
	if cfg.Weather.Provider == "" {
		return nil, ""
	}
	svc, err := weather.NewService(cfg.Weather.Provider, cfg.Weather.APIKey, client)
	if err != nil {
		return nil, err.Error()
	}
	return svc, ""
}

func buildTaxonomy(cfg settings.Settings, logger *slog.Logger) (taxonomy.Provider, string) {
	if cfg.Taxonomy.APIKey == "" {
		return nil, "taxonomy enrichment disabled: no api key configured"
	}
	client, err := ebird.NewClient(ebird.Config{APIKey: cfg.Taxonomy.APIKey}, logger)
	if err != nil {
		return nil, err.Error()
	}
	return taxonomy.New(client, cfg.Taxonomy.CacheTTL), ""
}

// onDetection adapts the Detection Processor's entry point to the Event
// Router's handler shape. It calls Dispatch rather than OnNVREvent directly:
// Dispatch hands the run to the processor's own worker pool and returns
// immediately, so the router's single NVR dispatch goroutine never blocks on
// one camera's snapshot fetch/classification/notify chain while another
// camera's event is already queued. Same-event runs still serialize through
// Processor.inFlight inside the pool.
func onDetection(proc *processor.Processor, logger *slog.Logger) eventrouter.DetectionHandler {
	return func(ctx context.Context, evt eventrouter.NVREvent) {
		if err := proc.Dispatch(ctx, evt); err != nil {
			logger.Error("detection pipeline dispatch failed", "external_event_id", evt.After.ID, "error", err)
		}
	}
}

func onAudio(correlator *audiocorrelator.Correlator, logger *slog.Logger) eventrouter.AudioHandler {
	return func(ctx context.Context, evt eventrouter.AudioEvent) {
		err := correlator.Observe(ctx, audiocorrelator.Event{
			SensorID:   evt.SensorID,
			Species:    evt.Species,
			Score:      evt.Score,
			ObservedAt: evt.ObservedAt,
		})
		if err != nil {
			logger.Warn("audio observation failed", "sensor_id", evt.SensorID, "error", err)
		}
	}
}

// runMediaMaintenance periodically sweeps the media cache's retention/LRU
// policy and prunes detection rows (and their audio projection) past
// retention_days: a ticker loop selecting against ctx.Done() rather than a
// separate quit channel, since this package already threads ctx everywhere.
func runMediaMaintenance(ctx context.Context, cache *mediacache.Cache, store *detectionstore.Store, pub *settings.Publisher, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed, err := cache.Sweep(ctx); err != nil {
				logger.Warn("media cache sweep failed", "error", err)
			} else if removed > 0 {
				logger.Info("media cache sweep", "removed", removed)
			}

			// The audio projection is pruned on the same retention_days
			// cadence as detections, so a single cutoff covers both tables.
			retentionDays := pub.Current().Media.RetentionDays
			if retentionDays <= 0 {
				continue
			}
			cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
			detDeleted, audioDeleted, err := store.PruneRetention(ctx, cutoff)
			if err != nil {
				logger.Warn("retention prune failed", "error", err)
				continue
			}
			if detDeleted > 0 || audioDeleted > 0 {
				logger.Info("retention prune", "detections_deleted", detDeleted, "audio_events_deleted", audioDeleted)
			}
		}
	}
}
