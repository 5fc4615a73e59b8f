package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cardiosync/internal/database"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	gormschema "gorm.io/gorm/schema"
)

const defaultDirtyLimit = 100

// Config wires a Store.
type Config struct {
	Database   *gorm.DB
	Tables     []*Schema
	Clock      func() time.Time
	IDProvider IDProvider
	MaxRetries int
	Logger     *zap.Logger
}

// Query narrows FindAll.
type Query struct {
	Conditions     map[string]any
	OrderBy        string
	Limit          int
	IncludeDeleted bool
}

// Store is the local persistent store. Every entity mutation goes through it
// so that rows and their queue entries change as a unit.
type Store struct {
	db      *gorm.DB
	tables  []*Schema
	byName  map[string]*Schema
	columns map[string]map[string]struct{}
	queue   *queue.Queue
	clock   func() time.Time
	ids     IDProvider
	logger  *zap.Logger

	schemaMu sync.RWMutex
	resets   singleflight.Group
}

// New constructs a Store. Call Initialize before use.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}
	if len(cfg.Tables) == 0 {
		return nil, newServiceError(opStoreNew, "missing_tables", errMissingTables)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	q, err := queue.New(queue.Config{
		Database:   cfg.Database,
		Clock:      clock,
		MaxRetries: cfg.MaxRetries,
		Logger:     logger,
	})
	if err != nil {
		return nil, newServiceError(opStoreNew, "queue_init_failed", err)
	}

	byName := make(map[string]*Schema, len(cfg.Tables))
	columns := make(map[string]map[string]struct{}, len(cfg.Tables))
	cache := &sync.Map{}
	for _, table := range cfg.Tables {
		parsed, err := gormschema.Parse(table.New(), cache, cfg.Database.NamingStrategy)
		if err != nil {
			return nil, newServiceError(opStoreNew, "schema_parse_failed", fmt.Errorf("%s: %w", table.Name(), err))
		}
		set := make(map[string]struct{}, len(parsed.DBNames))
		for _, name := range parsed.DBNames {
			set[name] = struct{}{}
		}
		byName[table.Name()] = table
		columns[table.Name()] = set
	}

	return &Store{
		db:      cfg.Database,
		tables:  cfg.Tables,
		byName:  byName,
		columns: columns,
		queue:   q,
		clock:   clock,
		ids:     cfg.IDProvider,
		logger:  logger,
	}, nil
}

// Tables returns the registered schemas in dependency order.
func (s *Store) Tables() []*Schema {
	return s.tables
}

// Table resolves a registered schema by name.
func (s *Store) Table(name string) (*Schema, error) {
	table, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, name)
	}
	return table, nil
}

// Initialize creates missing tables, runs the migration pass and seeds one
// sync metadata row per table.
func (s *Store) Initialize(ctx context.Context) error {
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()

	if err := s.prepare(ctx); err != nil {
		s.logError(opInitialize, "prepare_failed", err)
		return newServiceError(opInitialize, "prepare_failed", err)
	}
	s.logger.Info("local store initialized", zap.Int("tables", len(s.tables)))
	return nil
}

// Reset drops and recreates the whole schema. Concurrent callers share a
// single reset and none of them observes a partially dropped schema.
func (s *Store) Reset(ctx context.Context) error {
	_, err, _ := s.resets.Do("reset", func() (any, error) {
		s.schemaMu.Lock()
		defer s.schemaMu.Unlock()

		if err := database.DropSchema(s.db.WithContext(ctx), s.allModels()...); err != nil {
			s.logError(opReset, "drop_failed", err)
			return nil, newServiceError(opReset, "drop_failed", err)
		}
		if err := s.prepare(ctx); err != nil {
			s.logError(opReset, "prepare_failed", err)
			return nil, newServiceError(opReset, "prepare_failed", err)
		}
		s.logger.Warn("local store reset")
		return nil, nil
	})
	return err
}

// ClearAll removes every row of every table, queue and metadata included.
// Metadata rows are recreated idle so the next pull is a full resync.
func (s *Store) ClearAll(ctx context.Context) error {
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := len(s.tables) - 1; i >= 0; i-- {
			if err := tx.Unscoped().Where("1 = 1").Delete(s.tables[i].New()).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("1 = 1").Delete(&queue.Entry{}).Error; err != nil {
			return err
		}
		if err := tx.Where("1 = 1").Delete(&Metadata{}).Error; err != nil {
			return err
		}
		return s.seedMetadata(tx)
	})
	if err != nil {
		s.logError(opClearAll, "delete_failed", err)
		return newServiceError(opClearAll, "delete_failed", err)
	}
	s.logger.Warn("local data cleared")
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Insert writes a new record. With markDirty the record is flagged for push
// and an insert entry is queued in the same transaction.
func (s *Store) Insert(ctx context.Context, entity Entity, markDirty bool) error {
	s.schemaMu.RLock()
	defer s.schemaMu.RUnlock()

	table := entity.TableName()
	if _, err := s.Table(table); err != nil {
		return newServiceError(opInsert, "unknown_table", err)
	}

	ref, err := s.ids.NewID()
	if err != nil {
		s.logError(opInsert, "id_generation_failed", err, zap.String("table", table))
		return newServiceError(opInsert, "id_generation_failed", err)
	}

	now := s.now()
	fields := entity.Sync()
	if fields.ClientRef == "" {
		fields.ClientRef = ref
	}
	fields.Version = 1
	fields.CreatedAt = now
	fields.UpdatedAt = now
	fields.DeletedAt = gorm.DeletedAt{}
	if markDirty {
		fields.IsDirty = true
		fields.SyncStatus = SyncStatusPending
	} else {
		fields.IsDirty = false
		fields.SyncStatus = SyncStatusSynced
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(entity).Error; err != nil {
			return err
		}
		if !markDirty {
			return nil
		}
		_, err := s.queue.EnqueueTx(tx, queue.EntryInput{
			Table:     table,
			RecordID:  fields.ID,
			Operation: queue.OperationInsert,
			Data:      entity,
		})
		return err
	})
	if err != nil {
		s.logError(opInsert, "write_failed", err, zap.String("table", table))
		return newServiceError(opInsert, "write_failed", err)
	}
	return nil
}

// Update applies column changes to a live record. With markDirty the version
// is bumped and an update entry is queued in the same transaction.
func (s *Store) Update(ctx context.Context, table *Schema, id int64, changes map[string]any, markDirty bool) (Entity, error) {
	s.schemaMu.RLock()
	defer s.schemaMu.RUnlock()

	writable, err := s.writableColumns(table, changes)
	if err != nil {
		return nil, newServiceError(opUpdate, "invalid_changes", err)
	}

	var updated Entity
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current := table.New()
		if err := tx.Where("id = ?", id).Take(current).Error; err != nil {
			return translateNotFound(err, table, id)
		}

		writable["updated_at"] = s.now()
		if markDirty {
			writable["is_dirty"] = true
			writable["sync_status"] = SyncStatusPending
			writable["version"] = gorm.Expr("version + ?", 1)
		}
		if err := tx.Model(current).Updates(writable).Error; err != nil {
			return err
		}

		updated = table.New()
		if err := tx.Where("id = ?", id).Take(updated).Error; err != nil {
			return err
		}
		if !markDirty {
			return nil
		}
		_, err := s.queue.EnqueueTx(tx, queue.EntryInput{
			Table:     table.Name(),
			RecordID:  id,
			Operation: queue.OperationUpdate,
			Data:      updated,
		})
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		s.logError(opUpdate, "write_failed", err, zap.String("table", table.Name()), zap.Int64("id", id))
		return nil, newServiceError(opUpdate, "write_failed", err)
	}
	return updated, nil
}

// Delete tombstones a record and queues a delete entry. A hard delete
// removes the row outright, bypasses the queue and closes any entries still
// tracking the row.
func (s *Store) Delete(ctx context.Context, table *Schema, id int64, soft bool) error {
	s.schemaMu.RLock()
	defer s.schemaMu.RUnlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if !soft {
			result := tx.Unscoped().Where("id = ?", id).Delete(table.New())
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return fmt.Errorf("%w: %s/%d", ErrNotFound, table.Name(), id)
			}
			return s.queue.CompleteForTx(tx, table.Name(), id)
		}

		current := table.New()
		if err := tx.Where("id = ?", id).Take(current).Error; err != nil {
			return translateNotFound(err, table, id)
		}
		now := s.now()
		if err := tx.Model(current).Updates(map[string]any{
			"deleted_at":  now,
			"updated_at":  now,
			"is_dirty":    true,
			"sync_status": SyncStatusPending,
			"version":     gorm.Expr("version + ?", 1),
		}).Error; err != nil {
			return err
		}
		tombstone := table.New()
		if err := tx.Unscoped().Where("id = ?", id).Take(tombstone).Error; err != nil {
			return err
		}
		_, err := s.queue.EnqueueTx(tx, queue.EntryInput{
			Table:     table.Name(),
			RecordID:  id,
			Operation: queue.OperationDelete,
			Data:      tombstone,
		})
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		s.logError(opDelete, "write_failed", err, zap.String("table", table.Name()), zap.Int64("id", id), zap.Bool("soft", soft))
		return newServiceError(opDelete, "write_failed", err)
	}
	return nil
}

// FindByID returns a live record.
func (s *Store) FindByID(ctx context.Context, table *Schema, id int64) (Entity, error) {
	s.schemaMu.RLock()
	defer s.schemaMu.RUnlock()

	entity := table.New()
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(entity).Error; err != nil {
		err = translateNotFound(err, table, id)
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		s.logError(opFind, "query_failed", err, zap.String("table", table.Name()))
		return nil, newServiceError(opFind, "query_failed", err)
	}
	return entity, nil
}

// FindAll returns the records matching the query, tombstones excluded unless
// requested.
func (s *Store) FindAll(ctx context.Context, table *Schema, query Query) ([]Entity, error) {
	s.schemaMu.RLock()
	defer s.schemaMu.RUnlock()

	for column := range query.Conditions {
		if _, ok := s.columns[table.Name()][column]; !ok {
			return nil, newServiceError(opFind, "unknown_column", fmt.Errorf("%s.%s", table.Name(), column))
		}
	}

	tx := s.db.WithContext(ctx)
	if query.IncludeDeleted {
		tx = tx.Unscoped()
	}
	if len(query.Conditions) > 0 {
		tx = tx.Where(query.Conditions)
	}
	if query.OrderBy != "" {
		tx = tx.Order(query.OrderBy)
	} else {
		tx = tx.Order("id ASC")
	}
	if query.Limit > 0 {
		tx = tx.Limit(query.Limit)
	}

	slice := table.newSlice()
	if err := tx.Find(slice).Error; err != nil {
		s.logError(opFind, "query_failed", err, zap.String("table", table.Name()))
		return nil, newServiceError(opFind, "query_failed", err)
	}
	return table.entities(slice), nil
}

// DirtyRecords returns records awaiting push, oldest change first.
// Tombstones are included; records whose delivery is exhausted are not.
func (s *Store) DirtyRecords(ctx context.Context, table *Schema, limit int) ([]Entity, error) {
	s.schemaMu.RLock()
	defer s.schemaMu.RUnlock()

	if limit <= 0 {
		limit = defaultDirtyLimit
	}
	slice := table.newSlice()
	err := s.db.WithContext(ctx).Unscoped().
		Where("is_dirty = ? AND sync_status = ?", true, SyncStatusPending).
		Order("updated_at ASC").Order("id ASC").
		Limit(limit).
		Find(slice).Error
	if err != nil {
		s.logError(opDirtyRecords, "query_failed", err, zap.String("table", table.Name()))
		return nil, newServiceError(opDirtyRecords, "query_failed", err)
	}
	return table.entities(slice), nil
}

// MarkSynced clears the dirty flag of the given records and closes their
// queue entries.
func (s *Store) MarkSynced(ctx context.Context, table *Schema, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	s.schemaMu.RLock()
	defer s.schemaMu.RUnlock()

	now := s.now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().Model(table.New()).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"is_dirty":       false,
				"sync_status":    SyncStatusSynced,
				"last_synced_at": now,
			}).Error; err != nil {
			return err
		}
		for _, id := range ids {
			if err := s.queue.CompleteForTx(tx, table.Name(), id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logError(opMarkSynced, "write_failed", err, zap.String("table", table.Name()))
		return newServiceError(opMarkSynced, "write_failed", err)
	}
	return nil
}

func (s *Store) prepare(ctx context.Context) error {
	entities := make([]database.Table, 0, len(s.tables))
	for _, table := range s.tables {
		entities = append(entities, table.New())
	}
	db := s.db.WithContext(ctx)
	if err := database.PrepareSchema(db, s.logger, entities, &Metadata{}, &queue.Entry{}); err != nil {
		return err
	}
	return s.seedMetadata(db)
}

func (s *Store) allModels() []database.Table {
	models := make([]database.Table, 0, len(s.tables)+2)
	for _, table := range s.tables {
		models = append(models, table.New())
	}
	return append(models, &Metadata{}, &queue.Entry{})
}

func (s *Store) writableColumns(table *Schema, changes map[string]any) (map[string]any, error) {
	known := s.columns[table.Name()]
	writable := make(map[string]any, len(changes)+4)
	for column, value := range changes {
		if IsControlColumn(column) {
			continue
		}
		if _, ok := known[column]; !ok {
			return nil, fmt.Errorf("unknown column %s.%s", table.Name(), column)
		}
		writable[column] = value
	}
	if len(writable) == 0 {
		return nil, ErrNoChanges
	}
	return writable, nil
}

func (s *Store) now() time.Time {
	return s.clock().UTC()
}

func translateNotFound(err error, table *Schema, id int64) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s/%d", ErrNotFound, table.Name(), id)
	}
	return err
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("store error", attrs...)
}
