package detectionstore

import "time"

// detectionRow is the GORM-mapped table backing Detection. Column names are
// snake_case by GORM's default convention; indexes mirror the query shapes
// List/Count/SpeciesAggregates actually run (by time, by camera, by
// species).
type detectionRow struct {
	ID uint `gorm:"primaryKey"`

	ExternalEventID string `gorm:"uniqueIndex;size:191;not null"`
	Camera          string `gorm:"index;size:128"`
	DetectionTime   string `gorm:"index:idx_detection_time;size:32;not null"` // canonical timestamp

	DisplayName  string `gorm:"index:idx_display_name;size:191"`
	CategoryName string `gorm:"size:191"`
	Score        float64
	Source       string `gorm:"size:16"`

	FrigateScore *float64
	SubLabel     string `gorm:"size:191"`

	AudioDetected  bool
	AudioConfirmed bool `gorm:"index"`
	AudioSpecies   string `gorm:"size:191"`
	AudioScore     *float64

	VideoClassificationStatus string `gorm:"size:16"`
	VideoClassificationLabel  string `gorm:"size:191"`
	VideoClassificationScore  *float64

	Temperature      *float64
	WeatherCondition string `gorm:"size:64"`
	WindSpeed        *float64
	CloudCover       *float64
	Precipitation    *float64

	ScientificName string `gorm:"index;size:191"`
	CommonName     string `gorm:"size:191"`
	TaxaID         string `gorm:"size:64"`

	IsHidden      bool `gorm:"index"`
	ManualRelabel bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (detectionRow) TableName() string { return "detections" }

type taxonomyRow struct {
	ScientificName string `gorm:"primaryKey;size:191"`
	CommonName     string `gorm:"size:191"`
	TaxaID         string `gorm:"size:64"`
	UpdatedAt      time.Time
}

func (taxonomyRow) TableName() string { return "taxonomy_entries" }

type audioEventRow struct {
	ID         uint   `gorm:"primaryKey"`
	SensorID   string `gorm:"index:idx_sensor_time;size:128"`
	Species    string `gorm:"size:191"`
	Score      float64
	ObservedAt time.Time `gorm:"index:idx_sensor_time"`
}

func (audioEventRow) TableName() string { return "audio_events" }

func toRow(d Detection) detectionRow {
	return detectionRow{
		ID:                        d.ID,
		ExternalEventID:           d.ExternalEventID,
		Camera:                    d.Camera,
		DetectionTime:             CanonicalTimestamp(d.DetectionTime),
		DisplayName:               d.DisplayName,
		CategoryName:              d.CategoryName,
		Score:                     d.Score,
		Source:                    string(d.Source),
		FrigateScore:              d.FrigateScore,
		SubLabel:                  d.SubLabel,
		AudioDetected:             d.AudioDetected,
		AudioConfirmed:            d.AudioConfirmed,
		AudioSpecies:              d.AudioSpecies,
		AudioScore:                d.AudioScore,
		VideoClassificationStatus: string(d.VideoClassificationStatus),
		VideoClassificationLabel:  d.VideoClassificationLabel,
		VideoClassificationScore:  d.VideoClassificationScore,
		Temperature:               d.Temperature,
		WeatherCondition:          d.WeatherCondition,
		WindSpeed:                 d.WindSpeed,
		CloudCover:                d.CloudCover,
		Precipitation:             d.Precipitation,
		ScientificName:            d.ScientificName,
		CommonName:                d.CommonName,
		TaxaID:                    d.TaxaID,
		IsHidden:                  d.IsHidden,
		ManualRelabel:             d.ManualRelabel,
	}
}

func fromRow(r detectionRow) Detection {
	t, _ := ParseCanonicalTimestamp(r.DetectionTime)
	return Detection{
		ID:                        r.ID,
		ExternalEventID:           r.ExternalEventID,
		Camera:                    r.Camera,
		DetectionTime:             t,
		DisplayName:               r.DisplayName,
		CategoryName:              r.CategoryName,
		Score:                     r.Score,
		Source:                    Source(r.Source),
		FrigateScore:              r.FrigateScore,
		SubLabel:                  r.SubLabel,
		AudioDetected:             r.AudioDetected,
		AudioConfirmed:            r.AudioConfirmed,
		AudioSpecies:              r.AudioSpecies,
		AudioScore:                r.AudioScore,
		VideoClassificationStatus: VideoClassificationStatus(r.VideoClassificationStatus),
		VideoClassificationLabel:  r.VideoClassificationLabel,
		VideoClassificationScore:  r.VideoClassificationScore,
		Temperature:               r.Temperature,
		WeatherCondition:          r.WeatherCondition,
		WindSpeed:                 r.WindSpeed,
		CloudCover:                r.CloudCover,
		Precipitation:             r.Precipitation,
		ScientificName:            r.ScientificName,
		CommonName:                r.CommonName,
		TaxaID:                    r.TaxaID,
		IsHidden:                  r.IsHidden,
		ManualRelabel:             r.ManualRelabel,
		CreatedAt:                 r.CreatedAt,
		UpdatedAt:                 r.UpdatedAt,
	}
}
