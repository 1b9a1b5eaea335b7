package detectionstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/corvidio/sentinel/internal/apperr"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the GORM-backed Repository implementation. It supports SQLite
// (default, WAL journaling assumed) and MySQL, selected per Settings.Storage.Driver.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to the configured backend and runs auto-migration.
func Open(driver, dsn string, logger *slog.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("detectionstore: unknown driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, apperr.New(err).Component("detectionstore").AsKind(apperr.KindInternal).
			Context("driver", driver).Build()
	}
	if driver == "sqlite" || driver == "" {
		if err := db.Exec("PRAGMA journal_mode=WAL;").Error; err != nil {
			logger.Warn("detectionstore: failed to enable WAL mode", "error", err)
		}
		if err := db.Exec("PRAGMA busy_timeout=5000;").Error; err != nil {
			logger.Warn("detectionstore: failed to set busy_timeout", "error", err)
		}
		// mattn/go-sqlite3 serializes writers at the file level; a single
		// pooled connection turns would-be SQLITE_BUSY errors under
		// concurrent writers into ordinary queueing instead.
		if sqlDB, sqlErr := db.DB(); sqlErr == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}

	if err := db.AutoMigrate(&detectionRow{}, &taxonomyRow{}, &audioEventRow{}); err != nil {
		return nil, apperr.New(err).Component("detectionstore").AsKind(apperr.KindInternal).Build()
	}

	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Upsert inserts or updates the detection row keyed on ExternalEventID.
// The created-vs-updated signal comes from the insert statement's own
// RowsAffected, inside a transaction with the fallback update: the unique
// index on external_event_id lets the database itself serialize concurrent
// upserts for a brand-new id, so at most one of them ever observes
// RowsAffected>0 on the insert. A pre-write SELECT followed by a separate
// write cannot make that guarantee, since two concurrent lookups can both
// see no existing row before either has written one.
func (s *Store) Upsert(ctx context.Context, d Detection) (UpsertResult, error) {
	row := toRow(d)
	var wasCreated bool

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		insertRow := row
		insertRow.ID = 0
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "external_event_id"}},
			DoNothing: true,
		}).Create(&insertRow)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			wasCreated = true
			return nil
		}
		return tx.Model(&detectionRow{}).
			Where("external_event_id = ?", d.ExternalEventID).
			Updates(updateColumns(row)).Error
	})
	if err != nil {
		return UpsertResult{}, wrapDB(err, "upsert", d.ExternalEventID)
	}

	saved, err := s.getRowByExternalID(ctx, d.ExternalEventID)
	if err != nil {
		return UpsertResult{}, wrapDB(err, "upsert-reread", d.ExternalEventID)
	}
	return UpsertResult{Created: wasCreated, Detection: fromRow(*saved)}, nil
}

// updateColumns lists the same mutable columns the previous single-statement
// OnConflict.DoUpdates used, as a map for the fallback branch's Updates
// call; updated_at is left to GORM's automatic timestamping.
func updateColumns(row detectionRow) map[string]any {
	return map[string]any{
		"camera": row.Camera, "detection_time": row.DetectionTime, "display_name": row.DisplayName,
		"category_name": row.CategoryName, "score": row.Score, "source": row.Source,
		"frigate_score": row.FrigateScore, "sub_label": row.SubLabel,
		"audio_detected": row.AudioDetected, "audio_confirmed": row.AudioConfirmed,
		"audio_species": row.AudioSpecies, "audio_score": row.AudioScore,
		"video_classification_status": row.VideoClassificationStatus,
		"video_classification_label":  row.VideoClassificationLabel,
		"video_classification_score":  row.VideoClassificationScore,
		"temperature": row.Temperature, "weather_condition": row.WeatherCondition,
		"wind_speed": row.WindSpeed, "cloud_cover": row.CloudCover, "precipitation": row.Precipitation,
		"scientific_name": row.ScientificName, "common_name": row.CommonName, "taxa_id": row.TaxaID,
		"is_hidden": row.IsHidden, "manual_relabel": row.ManualRelabel,
	}
}

func (s *Store) getRowByExternalID(ctx context.Context, externalEventID string) (*detectionRow, error) {
	var row detectionRow
	err := s.db.WithContext(ctx).Where("external_event_id = ?", externalEventID).First(&row).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *Store) GetByExternalID(ctx context.Context, externalEventID string) (*Detection, error) {
	row, err := s.getRowByExternalID(ctx, externalEventID)
	if err != nil {
		if isNotFound(err) {
			return nil, apperr.New(err).Component("detectionstore").AsKind(apperr.KindNotFound).
				Context("external_event_id", externalEventID).Build()
		}
		return nil, wrapDB(err, "get", externalEventID)
	}
	d := fromRow(*row)
	return &d, nil
}

func (s *Store) applyFilters(q *gorm.DB, f Filters, includeHidden bool) *gorm.DB {
	if !f.StartDate.IsZero() {
		q = q.Where("detection_time >= ?", CanonicalTimestamp(f.StartDate))
	}
	if !f.EndDate.IsZero() {
		q = q.Where("detection_time <= ?", CanonicalTimestamp(f.EndDate))
	}
	if f.Camera != "" {
		q = q.Where("camera = ?", f.Camera)
	}
	if f.Species != "" {
		like := "%" + strings.ReplaceAll(f.Species, "%", "\\%") + "%"
		q = q.Where("display_name LIKE ? OR scientific_name LIKE ?", like, like)
	}
	if f.MinScore > 0 {
		q = q.Where("score >= ?", f.MinScore)
	}
	if f.AudioConfirmed != nil {
		q = q.Where("audio_confirmed = ?", *f.AudioConfirmed)
	}
	if f.IsHidden != nil {
		q = q.Where("is_hidden = ?", *f.IsHidden)
	} else if !includeHidden {
		q = q.Where("is_hidden = ?", false)
	}
	return q
}

func (s *Store) List(ctx context.Context, filters Filters, sort SortOrder, limit, offset int, includeHidden bool) ([]Detection, error) {
	if limit <= 0 {
		return nil, apperr.Newf("limit must be >= 1").Component("detectionstore").AsKind(apperr.KindInvalidInput).Build()
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	q := s.applyFilters(s.db.WithContext(ctx).Model(&detectionRow{}), filters, includeHidden)
	switch sort {
	case SortOldest:
		q = q.Order("detection_time ASC")
	case SortConfidence:
		q = q.Order("score DESC")
	default:
		q = q.Order("detection_time DESC")
	}

	var rows []detectionRow
	if err := q.Limit(limit).Offset(offset).Find(&rows).Error; err != nil {
		return nil, wrapDB(err, "list", "")
	}
	out := make([]Detection, len(rows))
	for i, r := range rows {
		out[i] = fromRow(r)
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context, filters Filters, includeHidden bool) (int64, error) {
	var count int64
	q := s.applyFilters(s.db.WithContext(ctx).Model(&detectionRow{}), filters, includeHidden)
	if err := q.Count(&count).Error; err != nil {
		return 0, wrapDB(err, "count", "")
	}
	return count, nil
}

func (s *Store) Patch(ctx context.Context, externalEventID string, fields PatchFields) (*Detection, error) {
	updates := map[string]any{}
	if fields.DisplayName != nil {
		updates["display_name"] = *fields.DisplayName
		updates["manual_relabel"] = true
	}
	if fields.IsHidden != nil {
		updates["is_hidden"] = *fields.IsHidden
	}
	if fields.ManualRelabel != nil {
		updates["manual_relabel"] = *fields.ManualRelabel
	}
	if fields.Score != nil {
		updates["score"] = *fields.Score
	}
	if fields.Source != nil {
		updates["source"] = *fields.Source
	}
	if fields.CategoryName != nil {
		updates["category_name"] = *fields.CategoryName
	}
	if fields.AudioConfirmed != nil {
		updates["audio_confirmed"] = *fields.AudioConfirmed
	}
	if fields.VideoClassificationStatus != nil {
		updates["video_classification_status"] = *fields.VideoClassificationStatus
	}
	if fields.VideoClassificationLabel != nil {
		updates["video_classification_label"] = *fields.VideoClassificationLabel
	}
	if fields.VideoClassificationScore != nil {
		updates["video_classification_score"] = *fields.VideoClassificationScore
	}
	if len(updates) == 0 {
		return s.GetByExternalID(ctx, externalEventID)
	}
	updates["updated_at"] = time.Now()

	result := s.db.WithContext(ctx).Model(&detectionRow{}).Where("external_event_id = ?", externalEventID).Updates(updates)
	if result.Error != nil {
		return nil, wrapDB(result.Error, "patch", externalEventID)
	}
	if result.RowsAffected == 0 {
		return nil, apperr.Newf("detection %s not found", externalEventID).
			Component("detectionstore").AsKind(apperr.KindNotFound).Build()
	}
	return s.GetByExternalID(ctx, externalEventID)
}

func (s *Store) DeleteByExternalID(ctx context.Context, externalEventID string) error {
	result := s.db.WithContext(ctx).Where("external_event_id = ?", externalEventID).Delete(&detectionRow{})
	if result.Error != nil {
		return wrapDB(result.Error, "delete", externalEventID)
	}
	if result.RowsAffected == 0 {
		return apperr.Newf("detection %s not found", externalEventID).
			Component("detectionstore").AsKind(apperr.KindNotFound).Build()
	}
	return nil
}

func (s *Store) SpeciesAggregates(ctx context.Context, filters Filters) ([]SpeciesAggregate, error) {
	q := s.applyFilters(s.db.WithContext(ctx).Model(&detectionRow{}), filters, false)

	var rows []struct {
		DisplayName string
		Count       int64
		LastSeenStr string `gorm:"column:last_seen_str"`
	}
	err := q.Select("display_name, COUNT(*) as count, MAX(detection_time) as last_seen_str").
		Group("display_name").
		Order("count DESC").
		Scan(&rows).Error
	if err != nil {
		return nil, wrapDB(err, "species_aggregates", "")
	}

	out := make([]SpeciesAggregate, 0, len(rows))
	for _, r := range rows {
		lastSeen, _ := ParseCanonicalTimestamp(r.LastSeenStr)
		out = append(out, SpeciesAggregate{DisplayName: r.DisplayName, Count: r.Count, LastSeen: lastSeen})
	}
	return out, nil
}

func (s *Store) UpsertTaxonomy(ctx context.Context, entry TaxonomyEntry) error {
	row := taxonomyRow{
		ScientificName: entry.ScientificName,
		CommonName:     entry.CommonName,
		TaxaID:         entry.TaxaID,
		UpdatedAt:      time.Now(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scientific_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"common_name", "taxa_id", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return wrapDB(err, "upsert_taxonomy", entry.ScientificName)
	}
	return nil
}

func (s *Store) GetTaxonomy(ctx context.Context, scientificName string) (*TaxonomyEntry, error) {
	var row taxonomyRow
	err := s.db.WithContext(ctx).Where("scientific_name = ?", scientificName).First(&row).Error
	if err != nil {
		if isNotFound(err) {
			return nil, apperr.New(err).Component("detectionstore").AsKind(apperr.KindNotFound).Build()
		}
		return nil, wrapDB(err, "get_taxonomy", scientificName)
	}
	return &TaxonomyEntry{ScientificName: row.ScientificName, CommonName: row.CommonName, TaxaID: row.TaxaID, UpdatedAt: row.UpdatedAt}, nil
}

func (s *Store) AppendAudioEvent(ctx context.Context, e AudioEvent) error {
	row := audioEventRow{SensorID: e.SensorID, Species: e.Species, Score: e.Score, ObservedAt: e.ObservedAt}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapDB(err, "append_audio_event", e.SensorID)
	}
	return nil
}

func (s *Store) RecentAudioEvents(ctx context.Context, sensorID string, since time.Time) ([]AudioEvent, error) {
	var rows []audioEventRow
	err := s.db.WithContext(ctx).
		Where("sensor_id = ? AND observed_at >= ?", sensorID, since).
		Order("observed_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapDB(err, "recent_audio_events", sensorID)
	}
	out := make([]AudioEvent, len(rows))
	for i, r := range rows {
		out[i] = AudioEvent{ID: r.ID, SensorID: r.SensorID, Species: r.Species, Score: r.Score, ObservedAt: r.ObservedAt}
	}
	return out, nil
}

// PruneRetention deletes Detection rows and AudioEvent rows older than
// olderThan in the same call, so the audio projection never outlives the
// detections it was recorded to support.
func (s *Store) PruneRetention(ctx context.Context, olderThan time.Time) (int64, int64, error) {
	cutoff := CanonicalTimestamp(olderThan)
	detResult := s.db.WithContext(ctx).Where("detection_time < ?", cutoff).Delete(&detectionRow{})
	if detResult.Error != nil {
		return 0, 0, wrapDB(detResult.Error, "prune_detections", "")
	}
	audioResult := s.db.WithContext(ctx).Where("observed_at < ?", olderThan).Delete(&audioEventRow{})
	if audioResult.Error != nil {
		return detResult.RowsAffected, 0, wrapDB(audioResult.Error, "prune_audio_events", "")
	}
	return detResult.RowsAffected, audioResult.RowsAffected, nil
}

func isNotFound(err error) bool {
	return err == gorm.ErrRecordNotFound
}

func wrapDB(err error, op, key string) error {
	return apperr.New(err).Component("detectionstore").AsKind(apperr.KindInternal).
		Context("operation", op).Context("key", key).Build()
}

var _ Repository = (*Store)(nil)
