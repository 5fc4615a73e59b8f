package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/cardiosync/internal/connectivity"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/events"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/store"
	"go.uber.org/zap"
)

const (
	defaultInterval   = 15 * time.Minute
	defaultDrainLimit = 50

	reasonOffline    = "offline"
	reasonInProgress = "in_progress"
)

var (
	// ErrOffline is returned by operations that require the remote while
	// connectivity reports it unreachable.
	ErrOffline = errors.New("syncer: offline")

	errMissingStore        = errors.New("syncer: store is required")
	errMissingRemote       = errors.New("syncer: remote client is required")
	errMissingConnectivity = errors.New("syncer: connectivity source is required")
)

// Remote is the subset of the remote client the orchestrator drives.
type Remote interface {
	CanRead(table string) bool
	CanWrite(table string) bool
	CanDelete(table string) bool
	Fetch(ctx context.Context, table string, since *time.Time) ([]map[string]any, error)
	Create(ctx context.Context, table string, payload map[string]any, idempotencyKey string) (map[string]any, error)
	Update(ctx context.Context, table string, serverID int64, payload map[string]any) (map[string]any, error)
	Delete(ctx context.Context, table string, serverID int64) error
}

// Config wires an Orchestrator.
type Config struct {
	Store        *store.Store
	Remote       Remote
	Connectivity connectivity.Source
	Events       *events.Dispatcher
	Resolvers    map[string]Resolver
	Clock        func() time.Time
	Interval     time.Duration
	PullOnTick   bool
	DrainLimit   int
	Logger       *zap.Logger
}

// CycleStatus is the outcome of a full sync cycle.
type CycleStatus string

const (
	CycleCompleted CycleStatus = "completed"
	CyclePartial   CycleStatus = "partial"
	CycleError     CycleStatus = "error"
	CycleSkipped   CycleStatus = "skipped"
)

// TableResult reports one table sync.
type TableResult struct {
	Table     string               `json:"table"`
	Status    store.MetadataStatus `json:"status"`
	Pulled    int                  `json:"pulled"`
	Conflicts int                  `json:"conflicts"`
	Pushed    int                  `json:"pushed"`
	Failed    int                  `json:"failed"`
	Deferred  int                  `json:"deferred"`
	Err       error                `json:"-"`
}

// Error returns the first failure as text, or an empty string.
func (r TableResult) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// CycleResult reports a full sync cycle.
type CycleResult struct {
	Status      CycleStatus   `json:"status"`
	Reason      string        `json:"reason,omitempty"`
	Tables      []TableResult `json:"tables,omitempty"`
	Drained     int           `json:"drained"`
	DrainFailed int           `json:"drain_failed"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
}

// Status is the snapshot exposed to the host application.
type Status struct {
	IsOnline          bool       `json:"isOnline"`
	IsSyncing         bool       `json:"isSyncing"`
	LastSync          *time.Time `json:"lastSync"`
	HasPendingChanges bool       `json:"hasPendingChanges"`
	PendingChanges    int64      `json:"pendingChanges"`
}

// Orchestrator runs pull, merge and push cycles between the local store and
// the remote.
type Orchestrator struct {
	store      *store.Store
	remote     Remote
	network    connectivity.Source
	events     *events.Dispatcher
	resolvers  map[string]Resolver
	clock      func() time.Time
	interval   time.Duration
	pullOnTick bool
	drainLimit int
	logger     *zap.Logger

	cycleMu sync.Mutex
	tableMu map[string]*sync.Mutex
	syncing atomic.Bool

	resultMu  sync.RWMutex
	lastCycle CycleResult
}

// New constructs an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	if cfg.Connectivity == nil {
		return nil, errMissingConnectivity
	}
	dispatcher := cfg.Events
	if dispatcher == nil {
		dispatcher = events.NewDispatcher()
	}
	resolvers := DefaultResolvers()
	for table, resolver := range cfg.Resolvers {
		if resolver == nil {
			delete(resolvers, table)
			continue
		}
		resolvers[table] = resolver
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	drainLimit := cfg.DrainLimit
	if drainLimit <= 0 {
		drainLimit = defaultDrainLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	tableMu := make(map[string]*sync.Mutex, len(cfg.Store.Tables()))
	for _, table := range cfg.Store.Tables() {
		tableMu[table.Name()] = &sync.Mutex{}
	}

	return &Orchestrator{
		store:      cfg.Store,
		remote:     cfg.Remote,
		network:    cfg.Connectivity,
		events:     dispatcher,
		resolvers:  resolvers,
		clock:      clock,
		interval:   interval,
		pullOnTick: cfg.PullOnTick,
		drainLimit: drainLimit,
		logger:     logger,
		tableMu:    tableMu,
	}, nil
}

// Online reports whether the remote is currently reachable.
func (o *Orchestrator) Online() bool {
	return o.network.Online()
}

// Events returns the dispatcher sync progress is published on.
func (o *Orchestrator) Events() *events.Dispatcher {
	return o.events
}

// SyncAll runs one cycle over every table in dependency order and then
// drains the operation queue. Without force a cycle already in flight makes
// the call return skipped; with force the call waits for it. Offline calls
// return skipped without error.
func (o *Orchestrator) SyncAll(ctx context.Context, force bool) (CycleResult, error) {
	if !o.network.Online() {
		o.logger.Debug("sync skipped", zap.String("reason", reasonOffline))
		return CycleResult{Status: CycleSkipped, Reason: reasonOffline}, nil
	}
	if force {
		o.cycleMu.Lock()
	} else if !o.cycleMu.TryLock() {
		o.logger.Debug("sync skipped", zap.String("reason", reasonInProgress))
		return CycleResult{Status: CycleSkipped, Reason: reasonInProgress}, nil
	}
	defer o.cycleMu.Unlock()

	o.syncing.Store(true)
	defer o.syncing.Store(false)

	result := CycleResult{StartedAt: o.now()}
	o.publish(events.Event{Type: events.TypeSyncStarted, Online: true})
	o.logger.Info("sync cycle started", zap.Bool("force", force))

	attempted := newAttemptSet()
	for _, table := range o.store.Tables() {
		if err := ctx.Err(); err != nil {
			return o.finishCycle(result, err), err
		}
		tableResult := o.syncTable(ctx, table, attempted)
		result.Tables = append(result.Tables, tableResult)
		o.publishTable(tableResult)
	}

	if err := ctx.Err(); err != nil {
		return o.finishCycle(result, err), err
	}
	drained, failed, err := o.drainQueue(ctx, attempted)
	result.Drained = drained
	result.DrainFailed = failed
	return o.finishCycle(result, err), err
}

// SyncTable syncs one table without the connectivity check.
func (o *Orchestrator) SyncTable(ctx context.Context, name string) (TableResult, error) {
	table, err := o.store.Table(name)
	if err != nil {
		return TableResult{}, err
	}
	result := o.syncTable(ctx, table, newAttemptSet())
	o.publishTable(result)
	return result, nil
}

// ForceSyncTable syncs one table immediately. It fails with ErrOffline when
// the remote is unreachable.
func (o *Orchestrator) ForceSyncTable(ctx context.Context, name string) (TableResult, error) {
	if !o.network.Online() {
		return TableResult{Table: name}, ErrOffline
	}
	return o.SyncTable(ctx, name)
}

// Seed pulls the full remote content of one table into the local store and
// returns the number of records written.
func (o *Orchestrator) Seed(ctx context.Context, name string) (int, error) {
	table, err := o.store.Table(name)
	if err != nil {
		return 0, err
	}
	if !o.network.Online() {
		return 0, ErrOffline
	}
	if !o.remote.CanRead(name) {
		return 0, nil
	}
	mu := o.tableMu[name]
	mu.Lock()
	defer mu.Unlock()

	stats, err := o.pull(ctx, table, nil)
	if err != nil {
		return 0, err
	}
	return stats.written(), stats.firstErr
}

// Status reports connectivity, activity and pending work.
func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	lastSync, err := o.store.LastSync(ctx)
	if err != nil {
		return Status{}, err
	}
	pending, err := o.store.PendingTotal(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		IsOnline:          o.network.Online(),
		IsSyncing:         o.syncing.Load(),
		LastSync:          lastSync,
		HasPendingChanges: pending > 0,
		PendingChanges:    pending,
	}, nil
}

// LastCycle returns the result of the most recent full cycle.
func (o *Orchestrator) LastCycle() CycleResult {
	o.resultMu.RLock()
	defer o.resultMu.RUnlock()
	return o.lastCycle
}

// ClearLocalData waits for any running cycle and wipes the local store.
func (o *Orchestrator) ClearLocalData(ctx context.Context) error {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()
	if err := o.store.ClearAll(ctx); err != nil {
		return err
	}
	o.resultMu.Lock()
	o.lastCycle = CycleResult{}
	o.resultMu.Unlock()
	return nil
}

// Run drives background syncing until ctx ends: a cycle on every transition
// to online and a periodic cycle when there is work to push.
func (o *Orchestrator) Run(ctx context.Context) error {
	changes, cancel := o.network.Subscribe(ctx)
	defer cancel()
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	if o.network.Online() {
		o.runCycle(ctx, "startup")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			o.publish(change)
			if change.Online {
				o.logger.Info("network restored")
				o.runCycle(ctx, "network_restored")
			} else {
				o.logger.Info("network lost")
			}
		case <-ticker.C:
			if !o.network.Online() {
				continue
			}
			if !o.pullOnTick {
				pending, err := o.store.PendingTotal(ctx)
				if err != nil {
					o.logger.Warn("pending count failed", zap.Error(err))
					continue
				}
				if pending == 0 {
					continue
				}
			}
			o.runCycle(ctx, "interval")
		}
	}
}

func (o *Orchestrator) runCycle(ctx context.Context, trigger string) {
	result, err := o.SyncAll(ctx, false)
	if err != nil && !errors.Is(err, context.Canceled) {
		o.logger.Warn("background sync failed", zap.String("trigger", trigger), zap.Error(err))
		return
	}
	o.logger.Debug("background sync finished",
		zap.String("trigger", trigger),
		zap.String("status", string(result.Status)),
		zap.String("reason", result.Reason))
}

func (o *Orchestrator) finishCycle(result CycleResult, cause error) CycleResult {
	result.FinishedAt = o.now()
	result.Status = summarize(result, cause)

	o.resultMu.Lock()
	o.lastCycle = result
	o.resultMu.Unlock()

	event := events.Event{
		Type:   events.TypeSyncCompleted,
		Online: o.network.Online(),
		Status: string(result.Status),
	}
	for _, table := range result.Tables {
		event.Pulled += table.Pulled
		event.Pushed += table.Pushed
		event.Failed += table.Failed
	}
	event.Failed += result.DrainFailed
	if result.Status == CycleError {
		event.Type = events.TypeSyncError
		if cause != nil {
			event.Error = cause.Error()
		} else if first := firstTableError(result.Tables); first != nil {
			event.Error = first.Error()
		}
	}
	o.publish(event)

	fields := []zap.Field{
		zap.String("status", string(result.Status)),
		zap.Int("pulled", event.Pulled),
		zap.Int("pushed", event.Pushed),
		zap.Int("failed", event.Failed),
		zap.Duration("elapsed", result.FinishedAt.Sub(result.StartedAt)),
	}
	if result.Status == CycleError {
		o.logger.Warn("sync cycle failed", append(fields, zap.Error(cause))...)
	} else {
		o.logger.Info("sync cycle finished", fields...)
	}
	return result
}

func summarize(result CycleResult, cause error) CycleStatus {
	if cause != nil {
		return CycleError
	}
	failures := 0
	for _, table := range result.Tables {
		if table.Status != store.MetadataCompleted {
			failures++
		}
	}
	switch {
	case failures == 0 && result.DrainFailed == 0:
		return CycleCompleted
	case failures == len(result.Tables) && len(result.Tables) > 0 && allErrored(result.Tables):
		return CycleError
	default:
		return CyclePartial
	}
}

func allErrored(tables []TableResult) bool {
	for _, table := range tables {
		if table.Status != store.MetadataError {
			return false
		}
	}
	return true
}

func firstTableError(tables []TableResult) error {
	for _, table := range tables {
		if table.Err != nil {
			return fmt.Errorf("%s: %w", table.Table, table.Err)
		}
	}
	return nil
}

func (o *Orchestrator) publishTable(result TableResult) {
	o.publish(events.Event{
		Type:   events.TypeTableSynced,
		Table:  result.Table,
		Online: o.network.Online(),
		Status: string(result.Status),
		Pulled: result.Pulled,
		Pushed: result.Pushed,
		Failed: result.Failed,
		Error:  result.Error(),
	})
}

func (o *Orchestrator) publish(event events.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = o.now()
	}
	o.events.Publish(event)
}

func (o *Orchestrator) now() time.Time {
	return o.clock().UTC()
}

// attemptSet remembers the records pushed during one cycle so the queue
// drain does not deliver them twice.
type attemptSet map[recordKey]struct{}

type recordKey struct {
	table string
	id    int64
}

func newAttemptSet() attemptSet {
	return make(attemptSet)
}

func (a attemptSet) add(table string, id int64) {
	a[recordKey{table: table, id: id}] = struct{}{}
}

func (a attemptSet) has(table string, id int64) bool {
	_, ok := a[recordKey{table: table, id: id}]
	return ok
}
