package store

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MetadataStatus is the outcome of the most recent sync of one table.
type MetadataStatus string

const (
	MetadataIdle      MetadataStatus = "idle"
	MetadataCompleted MetadataStatus = "completed"
	MetadataPartial   MetadataStatus = "partial"
	MetadataError     MetadataStatus = "error"
)

const syncDirectionBidirectional = "bidirectional"

// Metadata tracks per-table sync progress.
type Metadata struct {
	ID                int64          `gorm:"column:id;primaryKey;autoIncrement" json:"-"`
	Table             string         `gorm:"column:table_name;size:64;not null;uniqueIndex" json:"table_name"`
	LastSyncTimestamp *time.Time     `gorm:"column:last_sync_timestamp" json:"last_sync_timestamp,omitempty"`
	SyncDirection     string         `gorm:"column:sync_direction;size:16;not null;default:bidirectional" json:"sync_direction"`
	SyncStatus        MetadataStatus `gorm:"column:sync_status;size:16;not null;default:idle" json:"sync_status"`
	LastError         string         `gorm:"column:last_error;type:text" json:"last_error,omitempty"`
	RetryCount        int            `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	CreatedAt         time.Time      `gorm:"column:created_at;not null;autoCreateTime:false" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"column:updated_at;not null;autoUpdateTime:false" json:"updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (Metadata) TableName() string {
	return "sync_metadata"
}

// Metadata returns the sync metadata row of one table.
func (s *Store) Metadata(ctx context.Context, table string) (Metadata, error) {
	s.schemaMu.RLock()
	defer s.schemaMu.RUnlock()

	var meta Metadata
	err := s.db.WithContext(ctx).Where("table_name = ?", table).Take(&meta).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Metadata{Table: table, SyncDirection: syncDirectionBidirectional, SyncStatus: MetadataIdle}, nil
	}
	if err != nil {
		s.logError(opMetadata, "query_failed", err, zap.String("table", table))
		return Metadata{}, newServiceError(opMetadata, "query_failed", err)
	}
	return meta, nil
}

// AllMetadata returns every metadata row ordered by table name.
func (s *Store) AllMetadata(ctx context.Context) ([]Metadata, error) {
	s.schemaMu.RLock()
	defer s.schemaMu.RUnlock()

	var rows []Metadata
	if err := s.db.WithContext(ctx).Order("table_name ASC").Find(&rows).Error; err != nil {
		s.logError(opMetadata, "query_failed", err)
		return nil, newServiceError(opMetadata, "query_failed", err)
	}
	return rows, nil
}

// SaveMetadata upserts the metadata row of meta.Table.
func (s *Store) SaveMetadata(ctx context.Context, meta Metadata) error {
	s.schemaMu.RLock()
	defer s.schemaMu.RUnlock()

	now := s.now()
	meta.ID = 0
	if meta.SyncDirection == "" {
		meta.SyncDirection = syncDirectionBidirectional
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	meta.UpdatedAt = now
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "table_name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"last_sync_timestamp",
			"sync_direction",
			"sync_status",
			"last_error",
			"retry_count",
			"updated_at",
		}),
	}).Create(&meta).Error
	if err != nil {
		s.logError(opMetadata, "write_failed", err, zap.String("table", meta.Table))
		return newServiceError(opMetadata, "write_failed", err)
	}
	return nil
}

// LastSync returns the most recent successful pull across all tables.
func (s *Store) LastSync(ctx context.Context) (*time.Time, error) {
	rows, err := s.AllMetadata(ctx)
	if err != nil {
		return nil, err
	}
	var latest *time.Time
	for i := range rows {
		stamp := rows[i].LastSyncTimestamp
		if stamp == nil {
			continue
		}
		if latest == nil || stamp.After(*latest) {
			value := *stamp
			latest = &value
		}
	}
	return latest, nil
}

func (s *Store) seedMetadata(tx *gorm.DB) error {
	now := s.now()
	for _, table := range s.tables {
		meta := Metadata{
			Table:         table.Name(),
			SyncDirection: syncDirectionBidirectional,
			SyncStatus:    MetadataIdle,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&meta).Error; err != nil {
			return err
		}
	}
	return nil
}
