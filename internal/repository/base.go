package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/cardiosync/internal/store"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/syncer"
	"go.uber.org/zap"
)

var (
	// ErrValidation wraps every rejected input; the message names the field.
	ErrValidation = errors.New("repository: validation failed")
	// ErrSyncUnavailable is returned by Sync when no syncer is wired.
	ErrSyncUnavailable = errors.New("repository: sync unavailable")
	errMissingStore    = errors.New("repository: store is required")
	errTypeMismatch    = errors.New("repository: record type mismatch")
)

func validationError(field, message string) error {
	return fmt.Errorf("%w: %s %s", ErrValidation, field, message)
}

// TableSyncer is the part of the sync orchestrator repositories rely on.
type TableSyncer interface {
	Online() bool
	ForceSyncTable(ctx context.Context, table string) (syncer.TableResult, error)
	Seed(ctx context.Context, table string) (int, error)
}

// Config wires repositories.
type Config struct {
	Store  *store.Store
	Syncer TableSyncer
	// Immediate triggers a best-effort table sync after every write.
	Immediate bool
	Clock     func() time.Time
	Logger    *zap.Logger
}

// TableStatus reports the sync state of one table.
type TableStatus struct {
	Table             string               `json:"table"`
	LastSync          *time.Time           `json:"lastSync"`
	SyncStatus        store.MetadataStatus `json:"syncStatus"`
	HasPendingChanges bool                 `json:"hasPendingChanges"`
	IsOnline          bool                 `json:"isOnline"`
}

// Base is the data access object of one table. Writes land in the local
// store first and are pushed opportunistically.
type Base[T store.Entity] struct {
	store     *store.Store
	table     *store.Schema
	syncer    TableSyncer
	immediate bool
	clock     func() time.Time
	logger    *zap.Logger
}

// NewBase binds a Base to table. T must be the record type of table.
func NewBase[T store.Entity](cfg Config, table *store.Schema) (*Base[T], error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if _, ok := table.New().(T); !ok {
		return nil, fmt.Errorf("%w: %s holds %T", errTypeMismatch, table.Name(), table.New())
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Base[T]{
		store:     cfg.Store,
		table:     table,
		syncer:    cfg.Syncer,
		immediate: cfg.Immediate,
		clock:     clock,
		logger:    logger.With(zap.String("table", table.Name())),
	}, nil
}

// Table returns the bound schema.
func (b *Base[T]) Table() *store.Schema {
	return b.table
}

// Create stores a new dirty record. A non-zero userID is assigned to
// user-owned records that do not carry one yet.
func (b *Base[T]) Create(ctx context.Context, record T, userID int64) (T, error) {
	if owned, ok := any(record).(store.Owned); ok && userID != 0 && owned.OwnerID() == 0 {
		owned.SetOwnerID(userID)
	}
	if err := b.store.Insert(ctx, record, true); err != nil {
		var zero T
		return zero, err
	}
	b.afterWrite(ctx)
	return record, nil
}

// FindByID returns a live record from the local store.
func (b *Base[T]) FindByID(ctx context.Context, id int64) (T, error) {
	entity, err := b.store.FindByID(ctx, b.table, id)
	if err != nil {
		var zero T
		return zero, err
	}
	return b.cast(entity)
}

// FindAll reads local records. With syncFirst the table is synced before the
// read; an empty result is seeded from the remote when it is reachable.
func (b *Base[T]) FindAll(ctx context.Context, query store.Query, syncFirst bool) ([]T, error) {
	if syncFirst {
		b.syncQuietly(ctx, "sync before read failed")
	}
	entities, err := b.store.FindAll(ctx, b.table, query)
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 && b.syncer != nil && b.syncer.Online() {
		written, err := b.syncer.Seed(ctx, b.table.Name())
		if err != nil {
			b.logger.Debug("remote seed failed, using local data only", zap.Error(err))
		}
		if written > 0 {
			entities, err = b.store.FindAll(ctx, b.table, query)
			if err != nil {
				return nil, err
			}
		}
	}
	return b.castAll(entities)
}

// Update applies column changes and marks the record dirty.
func (b *Base[T]) Update(ctx context.Context, id int64, changes map[string]any) (T, error) {
	entity, err := b.store.Update(ctx, b.table, id, changes, true)
	if err != nil {
		var zero T
		return zero, err
	}
	b.afterWrite(ctx)
	return b.cast(entity)
}

// Delete tombstones a record so the deletion is pushed.
func (b *Base[T]) Delete(ctx context.Context, id int64) error {
	if err := b.store.Delete(ctx, b.table, id, true); err != nil {
		return err
	}
	b.afterWrite(ctx)
	return nil
}

// SyncStatus reports the table metadata and pending work.
func (b *Base[T]) SyncStatus(ctx context.Context) (TableStatus, error) {
	meta, err := b.store.Metadata(ctx, b.table.Name())
	if err != nil {
		return TableStatus{Table: b.table.Name(), SyncStatus: store.MetadataError}, err
	}
	pending, err := b.store.PendingCount(ctx, b.table)
	if err != nil {
		return TableStatus{Table: b.table.Name(), SyncStatus: store.MetadataError}, err
	}
	return TableStatus{
		Table:             b.table.Name(),
		LastSync:          meta.LastSyncTimestamp,
		SyncStatus:        meta.SyncStatus,
		HasPendingChanges: pending > 0,
		IsOnline:          b.syncer != nil && b.syncer.Online(),
	}, nil
}

// Sync forces a sync of the table. It fails with syncer.ErrOffline when the
// remote is unreachable.
func (b *Base[T]) Sync(ctx context.Context) (syncer.TableResult, error) {
	if b.syncer == nil {
		return syncer.TableResult{Table: b.table.Name()}, ErrSyncUnavailable
	}
	return b.syncer.ForceSyncTable(ctx, b.table.Name())
}

// PendingChangesCount counts records awaiting push.
func (b *Base[T]) PendingChangesCount(ctx context.Context) (int64, error) {
	return b.store.PendingCount(ctx, b.table)
}

// PendingChanges returns the records awaiting push, tombstones included.
func (b *Base[T]) PendingChanges(ctx context.Context) ([]T, error) {
	entities, err := b.store.FindAll(ctx, b.table, store.Query{
		Conditions:     map[string]any{"is_dirty": true},
		OrderBy:        "updated_at ASC",
		IncludeDeleted: true,
	})
	if err != nil {
		return nil, err
	}
	return b.castAll(entities)
}

func (b *Base[T]) afterWrite(ctx context.Context) {
	if !b.immediate {
		return
	}
	b.syncQuietly(ctx, "immediate sync failed, will retry later")
}

func (b *Base[T]) syncQuietly(ctx context.Context, message string) {
	if b.syncer == nil || !b.syncer.Online() {
		return
	}
	result, err := b.syncer.ForceSyncTable(ctx, b.table.Name())
	if err != nil {
		b.logger.Warn(message, zap.String("table", b.table.Name()), zap.Error(err))
		return
	}
	if result.Err != nil {
		b.logger.Warn(message,
			zap.String("table", b.table.Name()),
			zap.String("status", string(result.Status)),
			zap.Error(result.Err))
	}
}

func (b *Base[T]) now() time.Time {
	return b.clock().UTC()
}

func (b *Base[T]) cast(entity store.Entity) (T, error) {
	typed, ok := entity.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s holds %T", errTypeMismatch, b.table.Name(), entity)
	}
	return typed, nil
}

func (b *Base[T]) castAll(entities []store.Entity) ([]T, error) {
	out := make([]T, 0, len(entities))
	for _, entity := range entities {
		typed, err := b.cast(entity)
		if err != nil {
			return nil, err
		}
		out = append(out, typed)
	}
	return out, nil
}
