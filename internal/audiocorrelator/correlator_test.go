package audiocorrelator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corvidio/sentinel/internal/detectionstore"
)

type fakeRepo struct {
	appended []detectionstore.AudioEvent
	history  map[string][]detectionstore.AudioEvent
}

func (f *fakeRepo) AppendAudioEvent(_ context.Context, e detectionstore.AudioEvent) error {
	f.appended = append(f.appended, e)
	return nil
}

func (f *fakeRepo) RecentAudioEvents(_ context.Context, sensorID string, _ time.Time) ([]detectionstore.AudioEvent, error) {
	return f.history[sensorID], nil
}

// The remaining Repository methods are unused by the correlator; stub them
// out to satisfy the interface.
func (f *fakeRepo) Upsert(context.Context, detectionstore.Detection) (detectionstore.UpsertResult, error) {
	panic("unused")
}
func (f *fakeRepo) GetByExternalID(context.Context, string) (*detectionstore.Detection, error) {
	panic("unused")
}
func (f *fakeRepo) List(context.Context, detectionstore.Filters, detectionstore.SortOrder, int, int, bool) ([]detectionstore.Detection, error) {
	panic("unused")
}
func (f *fakeRepo) Count(context.Context, detectionstore.Filters, bool) (int64, error) {
	panic("unused")
}
func (f *fakeRepo) Patch(context.Context, string, detectionstore.PatchFields) (*detectionstore.Detection, error) {
	panic("unused")
}
func (f *fakeRepo) DeleteByExternalID(context.Context, string) error { panic("unused") }
func (f *fakeRepo) SpeciesAggregates(context.Context, detectionstore.Filters) ([]detectionstore.SpeciesAggregate, error) {
	panic("unused")
}
func (f *fakeRepo) UpsertTaxonomy(context.Context, detectionstore.TaxonomyEntry) error {
	panic("unused")
}
func (f *fakeRepo) GetTaxonomy(context.Context, string) (*detectionstore.TaxonomyEntry, error) {
	panic("unused")
}
func (f *fakeRepo) PruneRetention(context.Context, time.Time) (int64, int64, error) {
	panic("unused")
}

func TestObserveAndMatchWithinWindow(t *testing.T) {
	repo := &fakeRepo{history: map[string][]detectionstore.AudioEvent{}}
	c, err := New(context.Background(), Config{BufferHours: 1}, repo, []string{"backyard"}, nil)
	require.NoError(t, err)

	base := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	require.NoError(t, c.Observe(context.Background(), Event{SensorID: "backyard", Species: "House Sparrow", Score: 0.4, ObservedAt: base}))
	require.NoError(t, c.Observe(context.Background(), Event{SensorID: "backyard", Species: "Blue Tit", Score: 0.9, ObservedAt: base.Add(2 * time.Second)}))

	best, ok := c.Match("backyard", base.Add(1*time.Second), 5*time.Second)
	require.True(t, ok)
	require.Equal(t, "Blue Tit", best.Species)
	require.Len(t, repo.appended, 2)
}

func TestAuditTrailRecordsArrivalOrderIndependentOfSort(t *testing.T) {
	repo := &fakeRepo{history: map[string][]detectionstore.AudioEvent{}}
	c, err := New(context.Background(), Config{BufferHours: 1}, repo, nil, nil)
	require.NoError(t, err)

	base := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	require.NoError(t, c.Observe(context.Background(), Event{SensorID: "x", Species: "House Sparrow", ObservedAt: base}))
	require.NoError(t, c.Observe(context.Background(), Event{SensorID: "x", Species: "Blue Tit", ObservedAt: base.Add(-time.Hour)}))

	trail := c.AuditTrail("x")
	require.True(t, strings.Index(string(trail), "House Sparrow") < strings.Index(string(trail), "Blue Tit"))
}

func TestMatchOutsideWindowReturnsFalse(t *testing.T) {
	repo := &fakeRepo{history: map[string][]detectionstore.AudioEvent{}}
	c, err := New(context.Background(), Config{BufferHours: 1}, repo, nil, nil)
	require.NoError(t, err)

	base := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	require.NoError(t, c.Observe(context.Background(), Event{SensorID: "x", Score: 0.5, ObservedAt: base}))

	_, ok := c.Match("x", base.Add(time.Hour), 5*time.Second)
	require.False(t, ok)
}

func TestNewHydratesFromHistory(t *testing.T) {
	base := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	repo := &fakeRepo{history: map[string][]detectionstore.AudioEvent{
		"x": {{SensorID: "x", Species: "Robin", Score: 0.7, ObservedAt: base}},
	}}
	c, err := New(context.Background(), Config{BufferHours: 2}, repo, []string{"x"}, nil)
	require.NoError(t, err)

	best, ok := c.Match("x", base, time.Second)
	require.True(t, ok)
	require.Equal(t, "Robin", best.Species)
}

func TestTrimBoundsRingToWindow(t *testing.T) {
	repo := &fakeRepo{history: map[string][]detectionstore.AudioEvent{}}
	c, err := New(context.Background(), Config{BufferHours: 1}, repo, nil, nil)
	require.NoError(t, err)

	old := time.Date(2026, 7, 31, 8, 0, 0, 0, time.UTC)
	recent := old.Add(2 * time.Hour)
	require.NoError(t, c.Observe(context.Background(), Event{SensorID: "x", Score: 0.1, ObservedAt: old}))
	require.NoError(t, c.Observe(context.Background(), Event{SensorID: "x", Score: 0.2, ObservedAt: recent}))

	ring := c.ringFor("x")
	ring.mu.Lock()
	n := len(ring.events)
	ring.mu.Unlock()
	require.Equal(t, 1, n, "event older than the buffer window must be trimmed")
}
