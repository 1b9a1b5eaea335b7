// Package eventrouter is the Event Router (C8): it subscribes to the NVR
// and audio MQTT topics, parses payloads leniently, and dispatches bird
// events to the Detection Processor and audio events to the Audio
// Correlator without ever blocking the MQTT client's own delivery loop.
package eventrouter

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/corvidio/sentinel/internal/metrics"
	"github.com/corvidio/sentinel/internal/mqtt"
)

// NVREvent is the tagged-variant payload from the NVR topic. Unknown
// fields are ignored by design (json.Unmarshal already does this); only the
// fields the pipeline needs are declared.
type NVREvent struct {
	Type  string `json:"type"`
	After struct {
		ID        string  `json:"id"`
		Label     string  `json:"label"`
		Camera    string  `json:"camera"`
		StartTime float64 `json:"start_time"`
		SubLabel  string  `json:"sub_label"`
		TopScore  float64 `json:"top_score"`
	} `json:"after"`
}

// AudioEvent is the payload from the audio topic.
type AudioEvent struct {
	SensorID   string    `json:"sensor_id"`
	Species    string    `json:"species"`
	Score      float64   `json:"score"`
	ObservedAt time.Time `json:"observed_at"`
}

// DetectionHandler receives NVR bird events. It must not block; the
// router's dispatch queue is bounded and backpressure falls on it.
type DetectionHandler func(ctx context.Context, evt NVREvent)

// AudioHandler receives audio events.
type AudioHandler func(ctx context.Context, evt AudioEvent)

// Config configures topic names and which cameras are in scope.
type Config struct {
	NVRTopic         string
	AudioTopic       string
	AllowedCameras   map[string]bool // empty means all cameras allowed
	NVRQueueSize     int
	AudioQueueSize   int
}

// Router dispatches MQTT messages to the Detection Processor and Audio
// Correlator via bounded queues, so a slow downstream never blocks the
// MQTT client's message-delivery goroutine.
type Router struct {
	cfg    Config
	client mqtt.Client
	logger *slog.Logger
	metrics metrics.Recorder

	onDetection DetectionHandler
	onAudio     AudioHandler

	nvrQueue   chan NVREvent
	audioQueue chan AudioEvent

	nvrDropped   atomic.Int64
	audioDropped atomic.Int64
}

// New builds a Router bound to client. Start must be called to begin
// consuming.
func New(cfg Config, client mqtt.Client, onDetection DetectionHandler, onAudio AudioHandler, logger *slog.Logger) *Router {
	return NewWithMetrics(cfg, client, onDetection, onAudio, logger, metrics.NoOp())
}

// NewWithMetrics builds a Router that reports queue-drop counters through rec.
func NewWithMetrics(cfg Config, client mqtt.Client, onDetection DetectionHandler, onAudio AudioHandler, logger *slog.Logger, rec metrics.Recorder) *Router {
	if cfg.NVRQueueSize <= 0 {
		cfg.NVRQueueSize = 64
	}
	if cfg.AudioQueueSize <= 0 {
		cfg.AudioQueueSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	if rec == nil {
		rec = metrics.NoOp()
	}
	return &Router{
		cfg:         cfg,
		client:      client,
		logger:      logger.With("component", "eventrouter"),
		metrics:     rec,
		onDetection: onDetection,
		onAudio:     onAudio,
		nvrQueue:    make(chan NVREvent, cfg.NVRQueueSize),
		audioQueue:  make(chan AudioEvent, cfg.AudioQueueSize),
	}
}

// Start subscribes to both topics and launches the two dispatch loops. It
// returns once subscriptions are registered; loops run until ctx is done.
func (r *Router) Start(ctx context.Context) error {
	if err := r.client.Subscribe(r.cfg.NVRTopic, r.handleNVRMessage); err != nil {
		return err
	}
	if err := r.client.Subscribe(r.cfg.AudioTopic, r.handleAudioMessage); err != nil {
		return err
	}
	go r.runNVRLoop(ctx)
	go r.runAudioLoop(ctx)
	return nil
}

// handleNVRMessage is the MQTT delivery callback: it must never block, so a
// full queue drops nothing of the newest event -- instead it evicts the
// oldest queued NVR event, since the newest detection is primary.
func (r *Router) handleNVRMessage(_ string, payload []byte) {
	var evt NVREvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		r.logger.Warn("malformed nvr payload", "error", err)
		return
	}
	if evt.After.Label != "bird" {
		return
	}
	if len(r.cfg.AllowedCameras) > 0 && !r.cfg.AllowedCameras[evt.After.Camera] {
		return
	}

	select {
	case r.nvrQueue <- evt:
		return
	default:
	}

	// Queue saturated: drop the oldest queued event so the newest always
	// gets through, and count it as backpressure rather than silently
	// losing visibility into the condition.
	select {
	case <-r.nvrQueue:
		r.nvrDropped.Add(1)
		r.metrics.RecordOperation("eventrouter_nvr_queue", "dropped")
	default:
	}
	select {
	case r.nvrQueue <- evt:
	default:
	}
}

func (r *Router) handleAudioMessage(_ string, payload []byte) {
	var evt AudioEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		r.logger.Warn("malformed audio payload", "error", err)
		return
	}

	select {
	case r.audioQueue <- evt:
		return
	default:
	}

	// Audio is advisory: drop the oldest queued item to make room for the
	// newest rather than blocking the MQTT client.
	select {
	case <-r.audioQueue:
		r.audioDropped.Add(1)
		r.metrics.RecordOperation("eventrouter_audio_queue", "dropped")
	default:
	}
	select {
	case r.audioQueue <- evt:
	default:
	}
}

func (r *Router) runNVRLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-r.nvrQueue:
			if r.onDetection != nil {
				r.onDetection(ctx, evt)
			}
		}
	}
}

func (r *Router) runAudioLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-r.audioQueue:
			if r.onAudio != nil {
				r.onAudio(ctx, evt)
			}
		}
	}
}

// IsGenericSubLabel reports whether sub carries no real species
// information -- used by the Detection Processor's fast-path check.
func IsGenericSubLabel(sub string) bool {
	sub = strings.TrimSpace(strings.ToLower(sub))
	return sub == "" || sub == "bird" || sub == "unknown"
}

// Stats reports dropped-event counters for health/metrics reporting.
type Stats struct {
	NVRDropped   int64
	AudioDropped int64
}

func (r *Router) Stats() Stats {
	return Stats{NVRDropped: r.nvrDropped.Load(), AudioDropped: r.audioDropped.Load()}
}
