// Package detectionstore is the Event Store: it owns Detection and
// TaxonomyEntry, persists the Audio Correlator's durable projection, and
// answers filtered/paginated queries. The domain types here are the
// runtime model used throughout the pipeline; Store translates them to and
// from GORM row models so schema details never leak into callers.
package detectionstore

import "time"

// Source identifies how a Detection's primary label was obtained.
type Source string

const (
	SourceSnapshot Source = "snapshot"
	SourceVideo    Source = "video"
	SourceFrigate  Source = "frigate"
	SourceManual   Source = "manual"
)

// VideoClassificationStatus tracks the Deep Video Reclassifier's job state
// as reflected on the Detection row.
type VideoClassificationStatus string

const (
	VideoClassificationNone       VideoClassificationStatus = "none"
	VideoClassificationInProgress VideoClassificationStatus = "in_progress"
	VideoClassificationCompleted  VideoClassificationStatus = "completed"
	VideoClassificationFailed     VideoClassificationStatus = "failed"
)

// UnknownLabel is the canonical display name recognized "unknown" labels
// are relabeled to.
const UnknownLabel = "Unknown Bird"

// Detection is the domain model for a single bird-object detection.
type Detection struct {
	ID uint

	ExternalEventID string
	Camera          string
	DetectionTime   time.Time // stored/compared via CanonicalTimestamp

	DisplayName  string
	CategoryName string
	Score        float64
	Source       Source

	FrigateScore *float64
	SubLabel     string

	AudioDetected  bool
	AudioConfirmed bool
	AudioSpecies   string
	AudioScore     *float64

	VideoClassificationStatus VideoClassificationStatus
	VideoClassificationLabel  string
	VideoClassificationScore  *float64

	Temperature       *float64
	WeatherCondition  string
	WindSpeed         *float64
	CloudCover        *float64
	Precipitation     *float64

	ScientificName string
	CommonName     string
	TaxaID         string

	IsHidden      bool
	ManualRelabel bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CanonicalTimestamp formats t the single way every read and write in this
// package compares timestamps: UTC, millisecond precision, lexicographically
// sortable. All range queries and ORDER BY clauses rely on this format.
func CanonicalTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// ParseCanonicalTimestamp is the inverse of CanonicalTimestamp.
func ParseCanonicalTimestamp(s string) (time.Time, error) {
	return time.Parse("2006-01-02T15:04:05.000Z", s)
}

// TaxonomyEntry caches a species' taxonomy lookup result.
type TaxonomyEntry struct {
	ScientificName string
	CommonName     string
	TaxaID         string
	UpdatedAt      time.Time
}

// AudioEvent is the durable projection of an Audio Correlator observation.
type AudioEvent struct {
	ID         uint
	SensorID   string
	Species    string
	Score      float64
	ObservedAt time.Time
}

// SortOrder controls List ordering.
type SortOrder string

const (
	SortNewest     SortOrder = "newest"
	SortOldest     SortOrder = "oldest"
	SortConfidence SortOrder = "confidence"
)

// Filters narrows List/Count queries. Zero values mean "no constraint"
// except where noted.
type Filters struct {
	StartDate      time.Time
	EndDate        time.Time
	Camera         string
	Species        string // matches DisplayName or ScientificName, partial
	MinScore       float64
	AudioConfirmed *bool
	IsHidden       *bool // nil => include_hidden semantics decided by caller
}

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// PatchFields carries a partial mutation for Patch; nil pointers/empty
// strings mean "leave unchanged" except for the explicit bool pointers.
type PatchFields struct {
	DisplayName   *string
	IsHidden      *bool
	ManualRelabel *bool

	// The remaining fields are written by the Deep Video Reclassifier
	// rather than the public PATCH endpoint: promotion of the primary
	// label (Score/Source/CategoryName) and the video_classification_*
	// bookkeeping fields, plus a re-evaluated AudioConfirmed flag.
	Score                     *float64
	Source                    *Source
	CategoryName              *string
	AudioConfirmed            *bool
	VideoClassificationStatus *VideoClassificationStatus
	VideoClassificationLabel  *string
	VideoClassificationScore  *float64
}

// SpeciesAggregate is one row of a species-count aggregate query.
type SpeciesAggregate struct {
	DisplayName string
	Count       int64
	LastSeen    time.Time
}
