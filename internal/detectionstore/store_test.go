package detectionstore

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/corvidio/sentinel/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db")
	st, err := Open("sqlite", dsn, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func sampleDetection(externalID string) Detection {
	return Detection{
		ExternalEventID: externalID,
		Camera:          "backyard",
		DetectionTime:   time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC),
		DisplayName:     "Blue Jay",
		CategoryName:    "bird",
		Score:           0.92,
		Source:          SourceSnapshot,
		ScientificName:  "Cyanocitta cristata",
	}
}

func TestUpsertCreatesExactlyOneRow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	result, err := st.Upsert(ctx, sampleDetection("evt-1"))
	require.NoError(t, err)
	assert.True(t, result.Created)

	count, err := st.Count(ctx, Filters{}, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestUpsertReplayUpdatesInPlace(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first, err := st.Upsert(ctx, sampleDetection("evt-2"))
	require.NoError(t, err)
	require.True(t, first.Created)

	updated := sampleDetection("evt-2")
	updated.Score = 0.99
	second, err := st.Upsert(ctx, updated)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, 0.99, second.Detection.Score)

	count, err := st.Count(ctx, Filters{}, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestConcurrentUpsertOfNewIDReportsExactlyOneCreated(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	const n = 8
	results := make([]UpsertResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = st.Upsert(ctx, sampleDetection("evt-concurrent"))
		}(i)
	}
	wg.Wait()

	created := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		if results[i].Created {
			created++
		}
	}
	assert.Equal(t, 1, created)

	count, err := st.Count(ctx, Filters{}, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestPatchThenGetReturnsPatchedFields(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.Upsert(ctx, sampleDetection("evt-3"))
	require.NoError(t, err)

	newName := "Steller's Jay"
	_, err = st.Patch(ctx, "evt-3", PatchFields{DisplayName: &newName})
	require.NoError(t, err)

	got, err := st.GetByExternalID(ctx, "evt-3")
	require.NoError(t, err)
	assert.Equal(t, newName, got.DisplayName)
	assert.True(t, got.ManualRelabel)
}

func TestPatchUnknownEventReturnsNotFound(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	hidden := true
	_, err := st.Patch(ctx, "does-not-exist", PatchFields{IsHidden: &hidden})
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.Of(err))
}

func TestListRejectsZeroLimit(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	_, err := st.List(ctx, Filters{}, SortNewest, 0, 0, true)
	require.Error(t, err)
}

func TestListCapsLimitAtMax(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := st.Upsert(ctx, sampleDetection(stringID(i)))
		require.NoError(t, err)
	}
	out, err := st.List(ctx, Filters{}, SortNewest, MaxLimit+100, 0, true)
	require.NoError(t, err)
	assert.Len(t, out, 3)
}

func TestListExcludesHiddenByDefault(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.Upsert(ctx, sampleDetection("evt-visible"))
	require.NoError(t, err)
	hiddenDet := sampleDetection("evt-hidden")
	hiddenDet.IsHidden = true
	_, err = st.Upsert(ctx, hiddenDet)
	require.NoError(t, err)

	out, err := st.List(ctx, Filters{}, SortNewest, DefaultLimit, 0, false)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "evt-visible", out[0].ExternalEventID)
}

func TestPruneRetentionDeletesOldDetectionsAndAudioEvents(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	old := sampleDetection("evt-old")
	old.DetectionTime = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := st.Upsert(ctx, old)
	require.NoError(t, err)

	recent := sampleDetection("evt-recent")
	_, err = st.Upsert(ctx, recent)
	require.NoError(t, err)

	require.NoError(t, st.AppendAudioEvent(ctx, AudioEvent{SensorID: "backyard", Species: "Blue Jay", Score: 0.8, ObservedAt: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}))
	require.NoError(t, st.AppendAudioEvent(ctx, AudioEvent{SensorID: "backyard", Species: "Blue Jay", Score: 0.8, ObservedAt: time.Now()}))

	cutoff := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	detDeleted, audioDeleted, err := st.PruneRetention(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), detDeleted)
	assert.Equal(t, int64(1), audioDeleted)

	count, err := st.Count(ctx, Filters{}, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestSpeciesAggregatesGroupsByDisplayName(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.Upsert(ctx, sampleDetection("evt-a"))
	require.NoError(t, err)
	other := sampleDetection("evt-b")
	other.DisplayName = "Cedar Waxwing"
	other.ScientificName = "Bombycilla cedrorum"
	_, err = st.Upsert(ctx, other)
	require.NoError(t, err)

	aggs, err := st.SpeciesAggregates(ctx, Filters{})
	require.NoError(t, err)
	require.Len(t, aggs, 2)
}

func TestUpsertTaxonomyRoundTrips(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	entry := TaxonomyEntry{ScientificName: "Cyanocitta cristata", CommonName: "Blue Jay", TaxaID: "blujay"}
	require.NoError(t, st.UpsertTaxonomy(ctx, entry))

	got, err := st.GetTaxonomy(ctx, "Cyanocitta cristata")
	require.NoError(t, err)
	assert.Equal(t, "blujay", got.TaxaID)

	entry.TaxaID = "blujay2"
	require.NoError(t, st.UpsertTaxonomy(ctx, entry))
	got, err = st.GetTaxonomy(ctx, "Cyanocitta cristata")
	require.NoError(t, err)
	assert.Equal(t, "blujay2", got.TaxaID)
}

func TestRecentAudioEventsFiltersBySensorAndTime(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.AppendAudioEvent(ctx, AudioEvent{SensorID: "backyard", Species: "Blue Jay", Score: 0.7, ObservedAt: time.Now().Add(-time.Hour)}))
	require.NoError(t, st.AppendAudioEvent(ctx, AudioEvent{SensorID: "frontyard", Species: "Robin", Score: 0.6, ObservedAt: time.Now()}))

	events, err := st.RecentAudioEvents(ctx, "backyard", time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Blue Jay", events[0].Species)
}

func stringID(i int) string {
	return "evt-list-" + string(rune('a'+i))
}
