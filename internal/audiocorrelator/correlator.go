// Package audiocorrelator matches NVR-triggered bird detections against
// recent audio classifications from the same sensor: the Audio Correlator
// (C4). Each sensor gets a bounded, time-ordered ring of recent audio
// events; detections query it for the best-scoring event inside a time
// window around the video event's timestamp.
package audiocorrelator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/smallnest/ringbuffer"

	"github.com/corvidio/sentinel/internal/detectionstore"
)

// auditCapacityBytes bounds the per-sensor raw arrival trail kept alongside
// the sorted event slice: a fixed-size byte ring that never needs the
// re-slicing trim() does, used for post-incident diagnostics ("what did
// this sensor actually see, in arrival order, right before detection X").
const auditCapacityBytes = 64 * 1024

// Event is one audio classification observation.
type Event struct {
	SensorID   string
	Species    string
	Score      float64
	ObservedAt time.Time
}

// Config configures the correlator.
type Config struct {
	BufferHours int
}

type sensorRing struct {
	mu     sync.Mutex
	events []Event // kept sorted ascending by ObservedAt
	audit  *ringbuffer.RingBuffer
}

func newSensorRing() *sensorRing {
	return &sensorRing{audit: ringbuffer.New(auditCapacityBytes)}
}

// recordAudit appends e's JSON encoding to the byte-capacity-bounded audit
// trail in arrival order, independent of the sorted slice used for
// matching. Once the ring is full, the oldest trail is dropped wholesale
// rather than trimmed record-by-record -- the audit trail is a diagnostic
// aid, not the source of truth for Match.
func (r *sensorRing) recordAudit(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	data = append(data, '\n')
	if _, err := r.audit.Write(data); err != nil {
		r.audit.Reset()
		_, _ = r.audit.Write(data)
	}
}

// AuditTrail returns a copy of the raw arrival-order JSON trail currently
// held in the ring, oldest first.
func (r *sensorRing) AuditTrail() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.audit.Bytes()...)
}

// Correlator holds one ring per sensor and writes every observation through
// to the durable AudioEvent projection, so the in-memory ring can be
// rebuilt from storage after a restart.
type Correlator struct {
	bufferWindow time.Duration
	repo         detectionstore.Repository
	logger       *slog.Logger

	mu    sync.Mutex
	rings map[string]*sensorRing
}

// New builds a Correlator and hydrates it with history from repo covering
// the configured buffer window, so a restart doesn't lose correlation
// context for events that arrive immediately afterward.
func New(ctx context.Context, cfg Config, repo detectionstore.Repository, sensorIDs []string, logger *slog.Logger) (*Correlator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferHours <= 0 {
		cfg.BufferHours = 24
	}
	c := &Correlator{
		bufferWindow: time.Duration(cfg.BufferHours) * time.Hour,
		repo:         repo,
		logger:       logger.With("component", "audiocorrelator"),
		rings:        make(map[string]*sensorRing),
	}

	since := time.Now().UTC().Add(-c.bufferWindow)
	for _, sensorID := range sensorIDs {
		history, err := repo.RecentAudioEvents(ctx, sensorID, since)
		if err != nil {
			return nil, err
		}
		ring := c.ringFor(sensorID)
		for _, h := range history {
			ring.insert(Event{SensorID: h.SensorID, Species: h.Species, Score: h.Score, ObservedAt: h.ObservedAt})
		}
	}
	return c, nil
}

func (c *Correlator) ringFor(sensorID string) *sensorRing {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rings[sensorID]
	if !ok {
		r = newSensorRing()
		c.rings[sensorID] = r
	}
	return r
}

// Observe records an audio classification, appending it to the sensor's
// ring and to the durable projection. The ring is trimmed to the buffer
// window on every insert so memory is bounded regardless of traffic.
func (c *Correlator) Observe(ctx context.Context, e Event) error {
	ring := c.ringFor(e.SensorID)
	ring.insert(e)
	ring.trim(c.bufferWindow)

	return c.repo.AppendAudioEvent(ctx, detectionstore.AudioEvent{
		SensorID:   e.SensorID,
		Species:    e.Species,
		Score:      e.Score,
		ObservedAt: e.ObservedAt,
	})
}

// Match returns the highest-scoring audio event for sensorID whose
// ObservedAt falls within window of t, or ok=false if none qualifies.
func (c *Correlator) Match(sensorID string, t time.Time, window time.Duration) (Event, bool) {
	ring := c.ringFor(sensorID)
	return ring.match(t, window)
}

// AuditTrail returns the raw arrival-order JSON trail held for sensorID,
// oldest first, for diagnostics endpoints and incident review.
func (c *Correlator) AuditTrail(sensorID string) []byte {
	return c.ringFor(sensorID).AuditTrail()
}

// insert appends e in sorted position. Audio events normally arrive in
// roughly increasing ObservedAt order, so the common case is an O(1)
// append; out-of-order arrivals fall back to a binary-search insert.
func (r *sensorRing) insert(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recordAudit(e)

	n := len(r.events)
	if n == 0 || !e.ObservedAt.Before(r.events[n-1].ObservedAt) {
		r.events = append(r.events, e)
		return
	}
	idx := sort.Search(n, func(i int) bool { return r.events[i].ObservedAt.After(e.ObservedAt) })
	r.events = append(r.events, Event{})
	copy(r.events[idx+1:], r.events[idx:])
	r.events[idx] = e
}

// trim drops events older than window before the most recent event, bounding
// the ring's memory regardless of event rate.
func (r *sensorRing) trim(window time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return
	}
	cutoff := r.events[len(r.events)-1].ObservedAt.Add(-window)
	idx := sort.Search(len(r.events), func(i int) bool { return !r.events[i].ObservedAt.Before(cutoff) })
	if idx > 0 {
		r.events = append([]Event(nil), r.events[idx:]...)
	}
}

// match performs a binary search to find the window of candidate events
// around t, then scans that window for the highest score -- O(log n) to
// locate the window, O(k) over the k events actually inside it.
func (r *sensorRing) match(t time.Time, window time.Duration) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lo := t.Add(-window)
	hi := t.Add(window)
	start := sort.Search(len(r.events), func(i int) bool { return !r.events[i].ObservedAt.Before(lo) })

	var best Event
	found := false
	for i := start; i < len(r.events) && !r.events[i].ObservedAt.After(hi); i++ {
		if !found || r.events[i].Score > best.Score {
			best = r.events[i]
			found = true
		}
	}
	return best, found
}
