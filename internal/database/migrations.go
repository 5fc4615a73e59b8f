package database

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeDirtyStatus = "2025-03-14_normalize_dirty_status"
	migrationBackfillClientRefs   = "2025-04-02_backfill_client_refs"
)

// syncColumns are added to legacy entity tables before AutoMigrate runs.
var syncColumns = []string{
	"server_id",
	"client_ref",
	"is_dirty",
	"sync_status",
	"version",
	"remote_version",
	"last_synced_at",
	"deleted_at",
}

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB, []string) error
}

// Table is a model bound to a table name, as AutoMigrate expects.
type Table interface {
	TableName() string
}

// PrepareSchema brings the database up to date for the given entity and
// control models. Entity tables receive the legacy column pass first; its
// failures are logged and never block table creation.
func PrepareSchema(db *gorm.DB, logger *zap.Logger, entities []Table, controls ...Table) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	addMissingSyncColumns(db, logger, entities)

	models := make([]any, 0, len(entities)+len(controls)+1)
	for _, model := range entities {
		models = append(models, model)
	}
	for _, model := range controls {
		models = append(models, model)
	}
	models = append(models, &migrationRecord{})
	if err := db.AutoMigrate(models...); err != nil {
		return err
	}

	names := make([]string, 0, len(entities))
	for _, model := range entities {
		names = append(names, model.TableName())
	}
	return applyMigrations(db, names, logger)
}

// DropSchema removes the given tables in reverse order along with the
// migration ledger.
func DropSchema(db *gorm.DB, tables ...Table) error {
	migrator := db.Migrator()
	for i := len(tables) - 1; i >= 0; i-- {
		if err := migrator.DropTable(tables[i]); err != nil {
			return fmt.Errorf("drop %s: %w", tables[i].TableName(), err)
		}
	}
	return migrator.DropTable(&migrationRecord{})
}

func addMissingSyncColumns(db *gorm.DB, logger *zap.Logger, entities []Table) {
	migrator := db.Migrator()
	for _, model := range entities {
		if !migrator.HasTable(model) {
			continue
		}
		for _, column := range syncColumns {
			if migrator.HasColumn(model, column) {
				continue
			}
			if err := migrator.AddColumn(model, column); err != nil {
				logger.Warn("legacy column migration failed",
					zap.String("table", model.TableName()),
					zap.String("column", column),
					zap.Error(err))
				continue
			}
			logger.Info("legacy column added",
				zap.String("table", model.TableName()),
				zap.String("column", column))
		}
	}
}

func applyMigrations(db *gorm.DB, tables []string, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeDirtyStatus, apply: normalizeDirtyStatus},
		{name: migrationBackfillClientRefs, apply: backfillClientRefs},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db, tables); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

func normalizeDirtyStatus(db *gorm.DB, tables []string) error {
	for _, table := range tables {
		if err := db.Table(table).
			Where("is_dirty = ? AND sync_status = ?", true, "synced").
			Update("sync_status", "pending").Error; err != nil {
			return err
		}
	}
	return nil
}

func backfillClientRefs(db *gorm.DB, tables []string) error {
	for _, table := range tables {
		statement := fmt.Sprintf("UPDATE %s SET client_ref = lower(hex(randomblob(16))) WHERE client_ref IS NULL OR client_ref = ''", table)
		if err := db.Exec(statement).Error; err != nil {
			return err
		}
	}
	return nil
}
