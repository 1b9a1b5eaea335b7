package detectionstore

import (
	"context"
	"time"
)

// UpsertResult reports whether an upsert created a new row or updated an
// existing one, derived from the per-statement affected-row count rather
// than a connection-pool-wide cumulative counter.
type UpsertResult struct {
	Created   bool
	Detection Detection
}

// Repository is the Event Store's operation set. It abstracts over the
// GORM/SQL details so the Detection Processor, Read API, and Reclassifier
// depend only on this interface.
type Repository interface {
	// Upsert inserts or updates the row keyed on ExternalEventID, atomically,
	// and reports which happened.
	Upsert(ctx context.Context, d Detection) (UpsertResult, error)
	GetByExternalID(ctx context.Context, externalEventID string) (*Detection, error)
	List(ctx context.Context, filters Filters, sort SortOrder, limit, offset int, includeHidden bool) ([]Detection, error)
	Count(ctx context.Context, filters Filters, includeHidden bool) (int64, error)
	Patch(ctx context.Context, externalEventID string, fields PatchFields) (*Detection, error)
	DeleteByExternalID(ctx context.Context, externalEventID string) error

	SpeciesAggregates(ctx context.Context, filters Filters) ([]SpeciesAggregate, error)

	UpsertTaxonomy(ctx context.Context, entry TaxonomyEntry) error
	GetTaxonomy(ctx context.Context, scientificName string) (*TaxonomyEntry, error)

	AppendAudioEvent(ctx context.Context, e AudioEvent) error
	RecentAudioEvents(ctx context.Context, sensorID string, since time.Time) ([]AudioEvent, error)

	// PruneRetention deletes Detection rows and their AudioEvent projection
	// older than olderThan. The audio projection is pruned on the same
	// cadence as detections, so it never outlives what it supports.
	PruneRetention(ctx context.Context, olderThan time.Time) (detectionsDeleted, audioEventsDeleted int64, err error)
}
