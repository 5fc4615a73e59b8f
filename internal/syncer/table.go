package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/cardiosync/internal/remote"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/store"
	"go.uber.org/zap"
)

type mergeOutcome int

const (
	mergeUnchanged mergeOutcome = iota
	mergeInserted
	mergeUpdated
	mergeConflict
	mergeKeptLocal
)

type pullStats struct {
	inserted  int
	updated   int
	conflicts int
	unchanged int
	failed    int
	firstErr  error
}

func (p pullStats) written() int {
	return p.inserted + p.updated + p.conflicts
}

func (p *pullStats) count(outcome mergeOutcome) {
	switch outcome {
	case mergeInserted:
		p.inserted++
	case mergeUpdated:
		p.updated++
	case mergeConflict:
		p.conflicts++
	default:
		p.unchanged++
	}
}

// mergeAttempts bounds how often one remote record is merged again after a
// local write raced the merge.
const mergeAttempts = 3

type pushOutcome int

const (
	pushDelivered pushOutcome = iota
	pushDeferred
	pushLocalOnly
)

type pushStats struct {
	pushed   int
	failed   int
	deferred int
	firstErr error
	// err is a local store failure that aborts the table.
	err error
}

// syncTable pulls remote changes, merges them, pushes dirty records and
// records the outcome in the table metadata.
func (o *Orchestrator) syncTable(ctx context.Context, table *store.Schema, attempted attemptSet) TableResult {
	name := table.Name()
	mu := o.tableMu[name]
	mu.Lock()
	defer mu.Unlock()

	result := TableResult{Table: name, Status: store.MetadataCompleted}
	meta, err := o.store.Metadata(ctx, name)
	if err != nil {
		result.Status = store.MetadataError
		result.Err = err
		return result
	}

	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	pullStarted := o.now()
	pullClean := true
	fatal := false
	if o.remote.CanRead(name) {
		stats, err := o.pull(ctx, table, meta.LastSyncTimestamp)
		result.Pulled = stats.written()
		result.Conflicts = stats.conflicts
		result.Failed += stats.failed
		note(err)
		note(stats.firstErr)
		if err != nil {
			fatal = true
		}
		if err != nil || stats.failed > 0 {
			pullClean = false
		}
	}

	if err := ctx.Err(); err == nil {
		stats := o.push(ctx, table, attempted)
		result.Pushed = stats.pushed
		result.Failed += stats.failed
		result.Deferred = stats.deferred
		note(stats.err)
		note(stats.firstErr)
		if stats.err != nil {
			fatal = true
		}
	} else {
		note(err)
		fatal = true
	}

	switch {
	case fatal && result.Pulled == 0 && result.Pushed == 0:
		result.Status = store.MetadataError
	case fatal || result.Failed > 0:
		result.Status = store.MetadataPartial
	}
	result.Err = firstErr

	meta.Table = name
	meta.SyncStatus = result.Status
	if pullClean {
		meta.LastSyncTimestamp = &pullStarted
	}
	if result.Status == store.MetadataCompleted {
		meta.LastError = ""
		meta.RetryCount = 0
	} else {
		meta.LastError = result.Error()
		meta.RetryCount++
	}
	// A cancelled cycle still records its outcome.
	if err := o.store.SaveMetadata(context.WithoutCancel(ctx), meta); err != nil {
		o.logger.Warn("metadata update failed", zap.String("table", name), zap.Error(err))
	}

	level := o.logger.Debug
	if result.Status != store.MetadataCompleted {
		level = o.logger.Warn
	}
	level("table synced",
		zap.String("table", name),
		zap.String("status", string(result.Status)),
		zap.Int("pulled", result.Pulled),
		zap.Int("conflicts", result.Conflicts),
		zap.Int("pushed", result.Pushed),
		zap.Int("failed", result.Failed),
		zap.Int("deferred", result.Deferred),
		zap.Error(result.Err))
	return result
}

// pull fetches the remote changes since the given instant and merges each
// record. Per-record failures are counted; the error reports a failed fetch.
func (o *Orchestrator) pull(ctx context.Context, table *store.Schema, since *time.Time) (pullStats, error) {
	var stats pullStats
	objects, err := o.remote.Fetch(ctx, table.Name(), since)
	if errors.Is(err, remote.ErrNoEndpoint) {
		return stats, nil
	}
	if err != nil {
		return stats, fmt.Errorf("fetch %s: %w", table.Name(), err)
	}
	for _, object := range objects {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		outcome, err := o.mergeRemote(ctx, table, object)
		if err != nil {
			stats.failed++
			if stats.firstErr == nil {
				stats.firstErr = err
			}
			o.logger.Warn("remote record skipped", zap.String("table", table.Name()), zap.Error(err))
			continue
		}
		stats.count(outcome)
	}
	return stats, nil
}

// mergeRemote applies one remote record to the local store. A local write
// landing between the read and the write of a merge makes it start over from
// the new local state; a record that keeps moving is left for the next cycle.
func (o *Orchestrator) mergeRemote(ctx context.Context, table *store.Schema, object map[string]any) (mergeOutcome, error) {
	var err error
	for attempt := 1; attempt <= mergeAttempts; attempt++ {
		var outcome mergeOutcome
		outcome, err = o.mergeOnce(ctx, table, object)
		if !errors.Is(err, store.ErrStale) {
			return outcome, err
		}
		o.logger.Debug("local record changed during merge",
			zap.String("table", table.Name()),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return mergeUnchanged, err
}

func (o *Orchestrator) mergeOnce(ctx context.Context, table *store.Schema, object map[string]any) (mergeOutcome, error) {
	in, err := o.decodeRemote(ctx, table, object)
	if err != nil {
		return mergeUnchanged, err
	}

	local, err := o.findLocal(ctx, table, in.serverID, object)
	if errors.Is(err, store.ErrNotFound) {
		if in.deleted {
			return mergeUnchanged, nil
		}
		fields := in.entity.Sync()
		fields.IsDirty = false
		fields.RemoteVersion = in.version
		fields.CreatedAt = in.updatedAt
		if err := o.store.Reconcile(ctx, in.entity, nil); err != nil {
			return mergeUnchanged, err
		}
		return mergeInserted, nil
	}
	if err != nil {
		return mergeUnchanged, err
	}

	current := local.Sync()
	if !current.IsDirty {
		return o.writeThrough(ctx, local, in)
	}
	// Matching the local version, or the remote version this row was last
	// reconciled with, means the remote holds nothing this device has not seen.
	if in.version == current.Version || in.version == current.RemoteVersion {
		return mergeKeptLocal, nil
	}
	return o.resolve(ctx, table, local, in)
}

// findLocal locates the local copy of a remote record by server id, then by
// the client reference the remote echoes back for records created here.
func (o *Orchestrator) findLocal(ctx context.Context, table *store.Schema, serverID int64, object map[string]any) (store.Entity, error) {
	local, err := o.store.FindByServerID(ctx, table, serverID)
	if !errors.Is(err, store.ErrNotFound) {
		return local, err
	}
	ref, _ := object["client_ref"].(string)
	if ref == "" {
		return nil, err
	}
	local, refErr := o.store.FindByClientRef(ctx, table, ref)
	if refErr != nil {
		return nil, refErr
	}
	if existing := local.Sync().ServerID; existing != nil && *existing != serverID {
		return nil, err
	}
	return local, nil
}

// writeThrough replaces a clean local record with the remote state.
func (o *Orchestrator) writeThrough(ctx context.Context, local store.Entity, in incoming) (mergeOutcome, error) {
	observed := store.SnapshotOf(local)
	current := local.Sync()
	if in.deleted {
		if current.Deleted() {
			return mergeUnchanged, nil
		}
		current.DeletedAt = in.entity.Sync().DeletedAt
		current.ServerID = &in.serverID
		current.Version = max(current.Version, in.version)
		current.RemoteVersion = in.version
		if !in.updatedAt.IsZero() {
			current.UpdatedAt = in.updatedAt
		}
		if err := o.store.Reconcile(ctx, local, observed); err != nil {
			return mergeUnchanged, err
		}
		return mergeUpdated, nil
	}
	if !current.Deleted() && current.ServerID != nil && in.version == current.RemoteVersion &&
		in.version <= current.Version && sameDomain(local, in.entity) {
		return mergeUnchanged, nil
	}

	fields := in.entity.Sync()
	adoptIdentity(fields, current)
	fields.Version = max(current.Version, in.version)
	fields.RemoteVersion = in.version
	fields.IsDirty = false
	if fields.UpdatedAt.IsZero() {
		fields.UpdatedAt = current.UpdatedAt
	}
	if err := o.store.Reconcile(ctx, in.entity, observed); err != nil {
		return mergeUnchanged, err
	}
	return mergeUpdated, nil
}

// resolve settles a dirty local record against a remote copy with another
// version.
func (o *Orchestrator) resolve(ctx context.Context, table *store.Schema, local store.Entity, in incoming) (mergeOutcome, error) {
	observed := store.SnapshotOf(local)
	resolver, ok := o.resolvers[table.Name()]
	if !ok {
		resolver = LastWriterWins
	}
	resolution, err := resolver.Resolve(Conflict{Table: table.Name(), Local: local, Remote: in.entity})
	if err != nil {
		return mergeUnchanged, err
	}
	if resolution.Record == nil {
		return mergeUnchanged, fmt.Errorf("resolve %s: empty resolution", table.Name())
	}

	current := *local.Sync()
	version := max(current.Version, in.version)
	updatedAt := current.UpdatedAt
	if in.updatedAt.After(updatedAt) {
		updatedAt = in.updatedAt
	}

	fields := resolution.Record.Sync()
	adoptIdentity(fields, &current)
	fields.ServerID = &in.serverID
	fields.RemoteVersion = in.version
	switch resolution.Winner {
	case WinnerRemote:
		fields.IsDirty = false
		fields.Version = version
		fields.DeletedAt = in.entity.Sync().DeletedAt
		if fields.UpdatedAt.IsZero() {
			fields.UpdatedAt = current.UpdatedAt
		}
	default:
		fields.IsDirty = true
		fields.SyncStatus = current.SyncStatus
		fields.Version = version + 1
		fields.DeletedAt = current.DeletedAt
		fields.UpdatedAt = updatedAt
	}
	if err := o.store.Reconcile(ctx, resolution.Record, observed); err != nil {
		return mergeUnchanged, err
	}
	o.logger.Info("conflict resolved",
		zap.String("table", table.Name()),
		zap.Int64("id", current.ID),
		zap.String("winner", string(resolution.Winner)),
		zap.Int64("local_version", current.Version),
		zap.Int64("remote_version", in.version))
	return mergeConflict, nil
}

func adoptIdentity(fields, current *store.SyncFields) {
	fields.ID = current.ID
	fields.ClientRef = current.ClientRef
	fields.CreatedAt = current.CreatedAt
	fields.LastSyncedAt = current.LastSyncedAt
	if fields.ServerID == nil {
		fields.ServerID = current.ServerID
	}
}

// push delivers the dirty records of a table in change order.
func (o *Orchestrator) push(ctx context.Context, table *store.Schema, attempted attemptSet) pushStats {
	var stats pushStats
	dirty, err := o.store.DirtyRecords(ctx, table, 0)
	if err != nil {
		stats.err = err
		return stats
	}
	for _, entity := range dirty {
		if err := ctx.Err(); err != nil {
			stats.err = err
			return stats
		}
		attempted.add(table.Name(), entity.Sync().ID)
		o.deliver(ctx, table, entity, &stats)
		if stats.err != nil {
			return stats
		}
	}
	return stats
}

// deliver pushes one record and records the outcome against it.
func (o *Orchestrator) deliver(ctx context.Context, table *store.Schema, entity store.Entity, stats *pushStats) {
	fields := entity.Sync()
	outcome, receipt, err := o.pushRecord(ctx, table, entity)
	if err != nil {
		stats.failed++
		if stats.firstErr == nil {
			stats.firstErr = err
		}
		exhausted, ferr := o.store.RecordDeliveryFailure(ctx, table, fields.ID, err)
		if ferr != nil {
			stats.err = ferr
			return
		}
		o.logger.Warn("push failed",
			zap.String("table", table.Name()),
			zap.Int64("id", fields.ID),
			zap.Bool("exhausted", exhausted),
			zap.Bool("timeout", isTimeout(err)),
			zap.Error(err))
		return
	}
	if outcome == pushDeferred {
		stats.deferred++
		o.logger.Debug("push deferred", zap.String("table", table.Name()), zap.Int64("id", fields.ID))
		return
	}
	clean, err := o.store.MarkPushed(ctx, table, fields.ID, fields.Version, receipt)
	if err != nil {
		stats.err = err
		return
	}
	stats.pushed++
	if !clean {
		o.logger.Debug("record changed during push", zap.String("table", table.Name()), zap.Int64("id", fields.ID))
	}
}

// pushRecord sends the current state of a record to the remote. Creates
// carry the client reference as idempotency key.
func (o *Orchestrator) pushRecord(ctx context.Context, table *store.Schema, entity store.Entity) (pushOutcome, store.PushReceipt, error) {
	name := table.Name()
	fields := entity.Sync()
	var receipt store.PushReceipt

	if fields.Deleted() {
		if fields.ServerID == nil || !o.remote.CanDelete(name) {
			return pushLocalOnly, receipt, nil
		}
		if err := o.remote.Delete(ctx, name, *fields.ServerID); err != nil && !isNotFound(err) {
			return pushDelivered, receipt, err
		}
		return pushDelivered, receipt, nil
	}

	if !o.remote.CanWrite(name) {
		return pushDeferred, receipt, nil
	}
	payload, err := o.encodeLocal(ctx, table, entity)
	if errors.Is(err, errParentNotPushed) {
		return pushDeferred, receipt, nil
	}
	if err != nil {
		return pushDelivered, receipt, err
	}

	var response map[string]any
	if fields.ServerID == nil {
		response, err = o.remote.Create(ctx, name, payload, fields.ClientRef)
	} else {
		response, err = o.remote.Update(ctx, name, *fields.ServerID, payload)
		if isNotFound(err) {
			o.logger.Info("remote record missing, recreating", zap.String("table", name), zap.Int64("id", fields.ID))
			response, err = o.remote.Create(ctx, name, payload, fields.ClientRef)
		}
	}
	if err != nil {
		return pushDelivered, receipt, err
	}
	if id, ok := remote.IntField(response, "id"); ok {
		receipt.ServerID = &id
	}
	if version, ok := remote.IntField(response, "version"); ok {
		receipt.RemoteVersion = version
	}
	return pushDelivered, receipt, nil
}

// drainQueue delivers queue entries whose records were not attempted during
// the table passes, highest priority first.
func (o *Orchestrator) drainQueue(ctx context.Context, attempted attemptSet) (int, int, error) {
	entries, err := o.store.PendingEntries(ctx, o.drainLimit)
	if err != nil {
		return 0, 0, err
	}
	drained, failed := 0, 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return drained, failed, err
		}
		if attempted.has(entry.Table, entry.RecordID) {
			continue
		}
		attempted.add(entry.Table, entry.RecordID)

		table, err := o.store.Table(entry.Table)
		if err != nil {
			o.logger.Warn("queue entry for unknown table", zap.Int64("entry_id", entry.ID), zap.String("table", entry.Table))
			continue
		}
		stats, err := o.drainEntry(ctx, table, entry.RecordID)
		if err != nil {
			return drained, failed, err
		}
		drained += stats.pushed
		failed += stats.failed
	}
	if drained > 0 || failed > 0 {
		o.logger.Info("queue drained", zap.Int("delivered", drained), zap.Int("failed", failed))
	}
	return drained, failed, nil
}

func (o *Orchestrator) drainEntry(ctx context.Context, table *store.Schema, recordID int64) (pushStats, error) {
	var stats pushStats
	mu := o.tableMu[table.Name()]
	mu.Lock()
	defer mu.Unlock()

	entity, err := o.store.FindAny(ctx, table, recordID)
	if errors.Is(err, store.ErrNotFound) {
		o.logger.Warn("queue entry without record", zap.String("table", table.Name()), zap.Int64("id", recordID))
		return stats, o.store.CompleteEntries(ctx, table.Name(), recordID)
	}
	if err != nil {
		return stats, err
	}
	fields := entity.Sync()
	if !fields.IsDirty {
		return stats, o.store.CompleteEntries(ctx, table.Name(), recordID)
	}
	if fields.SyncStatus != store.SyncStatusPending {
		return stats, nil
	}
	o.deliver(ctx, table, entity, &stats)
	return stats, stats.err
}

func isNotFound(err error) bool {
	var remoteErr *remote.Error
	return errors.As(err, &remoteErr) && remoteErr.StatusCode == http.StatusNotFound
}

func isTimeout(err error) bool {
	var remoteErr *remote.Error
	return errors.As(err, &remoteErr) && remoteErr.Timeout()
}
