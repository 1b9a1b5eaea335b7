// Package broadcaster is the SSE fan-out (C10): it holds a set of
// subscriber connections, each with its own bounded, FIFO buffer and
// authorization context, and pushes pipeline events to them without
// letting one slow subscriber affect any other.
package broadcaster

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/corvidio/sentinel/internal/metrics"
)

// EventType names a broadcast event's kind, carried in the SSE "event:" field.
type EventType string

const (
	EventConnected                 EventType = "connected"
	EventDetection                  EventType = "detection"
	EventDetectionUpdated           EventType = "detection_updated"
	EventReclassificationStarted    EventType = "reclassification_started"
	EventReclassificationProgress   EventType = "reclassification_progress"
	EventReclassificationCompleted  EventType = "reclassification_completed"
	EventReclassificationFailed     EventType = "reclassification_failed"
	EventSettingsUpdated            EventType = "settings_updated"
	EventLag                        EventType = "lag"
	EventHeartbeat                  EventType = "heartbeat"
)

// Event is one message pushed to subscribers.
type Event struct {
	Type EventType
	Data any

	// Camera, Hidden and OldEnoughForPublic are consulted against a subscriber's
	// GuestFilter so guests only ever see events they're allowed to see.
	Camera  string
	Hidden  bool
	OldEnoughForPublic bool
}

// GuestFilter describes what an unauthenticated subscriber may see.
type GuestFilter struct {
	IsGuest         bool
	AllowedCameras  map[string]bool // nil/empty means no cameras allowed
}

// Allows reports whether e is visible under f; exported so the Media Proxy
// can authorize direct asset requests against the exact same guest policy
// subscribers are filtered by.
func (f GuestFilter) Allows(e Event) bool {
	if !f.IsGuest {
		return true
	}
	if e.Hidden {
		return false
	}
	if !e.OldEnoughForPublic {
		// OldEnoughForPublic defaults false for zero-value events (e.g.
		// settings_updated) that carry no camera/window context; those are
		// always visible to guests.
		if e.Camera == "" {
			return true
		}
		return false
	}
	if e.Camera == "" {
		return true
	}
	return f.AllowedCameras[e.Camera]
}

// Subscriber is one SSE connection's delivery channel.
type Subscriber struct {
	id     uint64
	filter GuestFilter
	buf    chan Event
	done   chan struct{}
	once   sync.Once
}

// Events returns the channel to range over for delivery. It closes when the
// subscriber is removed.
func (s *Subscriber) Events() <-chan Event { return s.buf }

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// Broadcaster fans events out to subscribers.
type Broadcaster struct {
	bufferSize int
	logger     *slog.Logger
	metrics    metrics.Recorder

	mu      sync.Mutex
	nextID  uint64
	subs    map[uint64]*Subscriber
}

// New builds a Broadcaster. bufferSize is the per-subscriber ring capacity.
func New(bufferSize int, logger *slog.Logger) *Broadcaster {
	return NewWithMetrics(bufferSize, logger, metrics.NoOp())
}

// NewWithMetrics builds a Broadcaster that reports subscriber count and lag
// events through rec.
func NewWithMetrics(bufferSize int, logger *slog.Logger, rec metrics.Recorder) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	if rec == nil {
		rec = metrics.NoOp()
	}
	return &Broadcaster{
		bufferSize: bufferSize,
		logger:     logger.With("component", "broadcaster"),
		metrics:    rec,
		subs:       make(map[uint64]*Subscriber),
	}
}

// Subscribe registers a new subscriber and returns it plus an unsubscribe
// func the caller must invoke on disconnect.
func (b *Broadcaster) Subscribe(filter GuestFilter) (*Subscriber, func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	sub := &Subscriber{
		id:     id,
		filter: filter,
		buf:    make(chan Event, b.bufferSize),
		done:   make(chan struct{}),
	}
	b.subs[id] = sub
	count := len(b.subs)
	b.mu.Unlock()
	b.metrics.SetGauge("broadcaster_subscribers", float64(count))

	select {
	case sub.buf <- Event{Type: EventConnected}:
	default:
	}

	return sub, func() {
		b.mu.Lock()
		delete(b.subs, id)
		count := len(b.subs)
		b.mu.Unlock()
		b.metrics.SetGauge("broadcaster_subscribers", float64(count))
		sub.close()
	}
}

// Publish delivers e to every subscriber whose guest filter allows it. A
// subscriber whose buffer is full has its oldest queued events dropped to
// make room for e followed by a lag notice; other subscribers are never
// affected by one slow reader.
func (b *Broadcaster) Publish(e Event) {
	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		if !s.filter.Allows(e) {
			continue
		}
		b.deliver(s, e)
	}
}

func (b *Broadcaster) deliver(s *Subscriber, e Event) {
	select {
	case s.buf <- e:
		return
	default:
	}

	// Buffer full: queue e and then a lag notice, dropping the oldest queued
	// event whenever there is no room, so this subscriber only is notified;
	// never blocks the publisher or affects other subscribers.
	b.metrics.RecordOperation("broadcaster_deliver", "dropped")
	for _, ev := range []Event{e, {Type: EventLag}} {
		select {
		case s.buf <- ev:
			continue
		default:
		}
		select {
		case <-s.buf:
		default:
		}
		select {
		case s.buf <- ev:
		default:
		}
	}
}

// Run emits a heartbeat event at interval until ctx is canceled, intended to
// be run once per process alongside Publish calls from pipeline stages.
func (b *Broadcaster) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.heartbeat()
		}
	}
}

func (b *Broadcaster) heartbeat() {
	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		select {
		case s.buf <- Event{Type: EventHeartbeat}:
		default:
		}
	}
}

// MarshalData renders an event's Data field as the SSE "data:" payload.
func MarshalData(e Event) ([]byte, error) {
	return json.Marshal(e.Data)
}

// SubscriberCount reports the number of active subscribers, for health
// reporting.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
