package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/cardiosync/internal/queue"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// FindByServerID returns the local record bound to a server id, tombstones
// included.
func (s *Store) FindByServerID(ctx context.Context, table *Schema, serverID int64) (Entity, error) {
	s.schemaMu.RLock()
	defer s.schemaMu.RUnlock()

	entity := table.New()
	err := s.db.WithContext(ctx).Unscoped().Where("server_id = ?", serverID).Take(entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s server_id=%d", ErrNotFound, table.Name(), serverID)
	}
	if err != nil {
		s.logError(opFind, "query_failed", err, zap.String("table", table.Name()))
		return nil, newServiceError(opFind, "query_failed", err)
	}
	return entity, nil
}

// FindByClientRef returns the local record created with the given client
// reference, tombstones included.
func (s *Store) FindByClientRef(ctx context.Context, table *Schema, ref string) (Entity, error) {
	s.schemaMu.RLock()
	defer s.schemaMu.RUnlock()

	entity := table.New()
	err := s.db.WithContext(ctx).Unscoped().Where("client_ref = ?", ref).Take(entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s client_ref=%s", ErrNotFound, table.Name(), ref)
	}
	if err != nil {
		s.logError(opFind, "query_failed", err, zap.String("table", table.Name()))
		return nil, newServiceError(opFind, "query_failed", err)
	}
	return entity, nil
}

// FindAny returns a record by local id, tombstones included.
func (s *Store) FindAny(ctx context.Context, table *Schema, id int64) (Entity, error) {
	s.schemaMu.RLock()
	defer s.schemaMu.RUnlock()

	entity := table.New()
	if err := s.db.WithContext(ctx).Unscoped().Where("id = ?", id).Take(entity).Error; err != nil {
		err = translateNotFound(err, table, id)
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		s.logError(opFind, "query_failed", err, zap.String("table", table.Name()))
		return nil, newServiceError(opFind, "query_failed", err)
	}
	return entity, nil
}

// Snapshot is the state of a stored row a merge decision was taken against.
type Snapshot struct {
	Version   int64
	IsDirty   bool
	Deleted   bool
	UpdatedAt time.Time
}

// SnapshotOf captures the merge-relevant state of a stored record.
func SnapshotOf(entity Entity) *Snapshot {
	fields := entity.Sync()
	return &Snapshot{
		Version:   fields.Version,
		IsDirty:   fields.IsDirty,
		Deleted:   fields.Deleted(),
		UpdatedAt: fields.UpdatedAt,
	}
}

func (s *Snapshot) matches(fields *SyncFields) bool {
	return s.Version == fields.Version &&
		s.IsDirty == fields.IsDirty &&
		s.Deleted == fields.Deleted() &&
		s.UpdatedAt.Equal(fields.UpdatedAt)
}

// Reconcile persists a record produced by merging remote state. Clean
// records close any queue entries still tracking them; dirty pending records
// are guaranteed an open entry.
//
// observed is the row state the merge was based on, nil for a record new to
// this device. When the stored row no longer matches it nothing is written
// and ErrStale is returned.
func (s *Store) Reconcile(ctx context.Context, entity Entity, observed *Snapshot) error {
	s.schemaMu.RLock()
	defer s.schemaMu.RUnlock()

	fields := entity.Sync()
	if fields.ClientRef == "" {
		ref, err := s.ids.NewID()
		if err != nil {
			return newServiceError(opReconcile, "id_generation_failed", err)
		}
		fields.ClientRef = ref
	}
	if fields.Version <= 0 {
		fields.Version = 1
	}
	now := s.now()
	if fields.CreatedAt.IsZero() {
		fields.CreatedAt = now
	}
	if fields.UpdatedAt.IsZero() {
		fields.UpdatedAt = now
	}
	if fields.IsDirty && fields.SyncStatus == SyncStatusSynced {
		fields.SyncStatus = SyncStatusPending
	}
	if !fields.IsDirty {
		fields.SyncStatus = SyncStatusSynced
		fields.LastSyncedAt = &now
	}

	table := entity.TableName()
	schema, err := s.Table(table)
	if err != nil {
		return newServiceError(opReconcile, "unknown_table", err)
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if observed != nil && fields.ID != 0 {
			stored := schema.New()
			err := tx.Unscoped().Where("id = ?", fields.ID).Take(stored).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s/%d removed", ErrStale, table, fields.ID)
			}
			if err != nil {
				return err
			}
			if !observed.matches(stored.Sync()) {
				return fmt.Errorf("%w: %s/%d at version %d", ErrStale, table, fields.ID, stored.Sync().Version)
			}
		}
		if err := tx.Unscoped().Save(entity).Error; err != nil {
			return err
		}
		if !fields.IsDirty {
			return s.queue.CompleteForTx(tx, table, fields.ID)
		}
		if fields.SyncStatus != SyncStatusPending {
			return nil
		}
		open, err := s.queue.HasOpenTx(tx, table, fields.ID)
		if err != nil || open {
			return err
		}
		operation := queue.OperationUpdate
		if fields.Deleted() {
			operation = queue.OperationDelete
		}
		_, err = s.queue.EnqueueTx(tx, queue.EntryInput{
			Table:     table,
			RecordID:  fields.ID,
			Operation: operation,
			Data:      entity,
		})
		return err
	})
	if errors.Is(err, ErrStale) {
		return err
	}
	if err != nil {
		s.logError(opReconcile, "write_failed", err, zap.String("table", table), zap.Int64("id", fields.ID))
		return newServiceError(opReconcile, "write_failed", err)
	}
	return nil
}

// PushReceipt is what the remote acknowledged for a pushed record.
type PushReceipt struct {
	ServerID      *int64
	RemoteVersion int64
}

// MarkPushed records a successful push of the given record version. When the
// row moved on since it was read, only the remote identity is recorded and
// the row stays dirty. It reports whether the row is now clean.
func (s *Store) MarkPushed(ctx context.Context, table *Schema, id, version int64, receipt PushReceipt) (bool, error) {
	s.schemaMu.RLock()
	defer s.schemaMu.RUnlock()

	clean := false
	now := s.now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		identity := map[string]any{}
		if receipt.ServerID != nil {
			identity["server_id"] = *receipt.ServerID
		}
		if receipt.RemoteVersion > 0 {
			identity["remote_version"] = receipt.RemoteVersion
		}
		if len(identity) > 0 {
			if err := tx.Unscoped().Model(table.New()).
				Where("id = ?", id).
				Updates(identity).Error; err != nil {
				return err
			}
		}
		result := tx.Unscoped().Model(table.New()).
			Where("id = ? AND version = ?", id, version).
			Updates(map[string]any{
				"is_dirty":       false,
				"sync_status":    SyncStatusSynced,
				"last_synced_at": now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		clean = true
		return s.queue.CompleteForTx(tx, table.Name(), id)
	})
	if err != nil {
		s.logError(opMarkSynced, "write_failed", err, zap.String("table", table.Name()), zap.Int64("id", id))
		return false, newServiceError(opMarkSynced, "write_failed", err)
	}
	return clean, nil
}

// MarkSyncError flags a dirty record whose delivery budget is spent. It stays
// dirty and is reported by PendingCount, but DirtyRecords skips it.
func (s *Store) MarkSyncError(ctx context.Context, table *Schema, id int64) error {
	s.schemaMu.RLock()
	defer s.schemaMu.RUnlock()

	err := s.db.WithContext(ctx).Unscoped().Model(table.New()).
		Where("id = ? AND is_dirty = ?", id, true).
		Update("sync_status", SyncStatusError).Error
	if err != nil {
		s.logError(opMarkSynced, "write_failed", err, zap.String("table", table.Name()), zap.Int64("id", id))
		return newServiceError(opMarkSynced, "write_failed", err)
	}
	return nil
}

// PendingCount counts dirty records of one table, exhausted ones included.
func (s *Store) PendingCount(ctx context.Context, table *Schema) (int64, error) {
	s.schemaMu.RLock()
	defer s.schemaMu.RUnlock()

	var count int64
	err := s.db.WithContext(ctx).Unscoped().Model(table.New()).
		Where("is_dirty = ?", true).
		Count(&count).Error
	if err != nil {
		s.logError(opPendingChanges, "query_failed", err, zap.String("table", table.Name()))
		return 0, newServiceError(opPendingChanges, "query_failed", err)
	}
	return count, nil
}

// PendingTotal counts dirty records across all tables.
func (s *Store) PendingTotal(ctx context.Context) (int64, error) {
	var total int64
	for _, table := range s.tables {
		count, err := s.PendingCount(ctx, table)
		if err != nil {
			return 0, err
		}
		total += count
	}
	return total, nil
}

// ServerIDOf returns the server id of a local record, or nil when the record
// has not reached the remote yet.
func (s *Store) ServerIDOf(ctx context.Context, table *Schema, id int64) (*int64, error) {
	entity, err := s.FindAny(ctx, table, id)
	if err != nil {
		return nil, err
	}
	return entity.Sync().ServerID, nil
}

// LocalIDOf maps a server id to the local id of the same record.
func (s *Store) LocalIDOf(ctx context.Context, table *Schema, serverID int64) (int64, error) {
	entity, err := s.FindByServerID(ctx, table, serverID)
	if err != nil {
		return 0, err
	}
	return entity.Sync().ID, nil
}

// RetryFailed re-arms exhausted queue entries and returns their records to
// the push set.
func (s *Store) RetryFailed(ctx context.Context) (int, error) {
	s.schemaMu.RLock()
	defer s.schemaMu.RUnlock()

	refs, err := s.queue.RetryFailed(ctx)
	if err != nil {
		s.logError(opRetryFailed, "queue_update_failed", err)
		return 0, newServiceError(opRetryFailed, "queue_update_failed", err)
	}
	for _, ref := range refs {
		table, ok := s.byName[ref.Table]
		if !ok {
			continue
		}
		if err := s.db.WithContext(ctx).Unscoped().Model(table.New()).
			Where("id = ? AND is_dirty = ? AND sync_status = ?", ref.RecordID, true, SyncStatusError).
			Update("sync_status", SyncStatusPending).Error; err != nil {
			s.logError(opRetryFailed, "record_update_failed", err, zap.String("table", ref.Table), zap.Int64("id", ref.RecordID))
			return 0, newServiceError(opRetryFailed, "record_update_failed", err)
		}
	}
	return len(refs), nil
}

// PendingEntries returns deliverable queue entries.
func (s *Store) PendingEntries(ctx context.Context, limit int) ([]queue.Entry, error) {
	s.schemaMu.RLock()
	defer s.schemaMu.RUnlock()
	return s.queue.Pending(ctx, limit)
}

// FailedEntries returns exhausted queue entries.
func (s *Store) FailedEntries(ctx context.Context, limit int) ([]queue.Entry, error) {
	s.schemaMu.RLock()
	defer s.schemaMu.RUnlock()
	return s.queue.Failed(ctx, limit)
}

// OpenEntries returns the non-terminal queue entries of one record.
func (s *Store) OpenEntries(ctx context.Context, table string, id int64) ([]queue.Entry, error) {
	s.schemaMu.RLock()
	defer s.schemaMu.RUnlock()
	return s.queue.OpenFor(ctx, table, id)
}

// RecordDeliveryFailure consumes one retry on the open entries of a record.
// When none remain deliverable the record is flagged with SyncStatusError.
func (s *Store) RecordDeliveryFailure(ctx context.Context, table *Schema, id int64, cause error) (bool, error) {
	s.schemaMu.RLock()
	exhausted, err := s.queue.RecordFailure(ctx, table.Name(), id, cause)
	s.schemaMu.RUnlock()
	if err != nil {
		return false, newServiceError(opMarkSynced, "queue_update_failed", err)
	}
	if !exhausted {
		return false, nil
	}
	if err := s.MarkSyncError(ctx, table, id); err != nil {
		return true, err
	}
	s.logger.Warn("record delivery exhausted",
		zap.String("table", table.Name()),
		zap.Int64("id", id),
		zap.Error(cause))
	return true, nil
}

// CompleteEntries closes the open queue entries of a record.
func (s *Store) CompleteEntries(ctx context.Context, table string, id int64) error {
	s.schemaMu.RLock()
	defer s.schemaMu.RUnlock()
	return s.queue.CompleteFor(ctx, table, id)
}

// QueueStats summarizes the operation queue.
func (s *Store) QueueStats(ctx context.Context) (queue.Stats, error) {
	s.schemaMu.RLock()
	defer s.schemaMu.RUnlock()
	return s.queue.Stats(ctx)
}

// PurgeQueue deletes queue entries in the given status.
func (s *Store) PurgeQueue(ctx context.Context, status queue.Status) (int64, error) {
	s.schemaMu.RLock()
	defer s.schemaMu.RUnlock()
	return s.queue.Purge(ctx, status)
}
