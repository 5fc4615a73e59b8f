package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Operation enumerates the mutations recorded in the queue.
type Operation string

const (
	// OperationInsert records a locally created row.
	OperationInsert Operation = "insert"
	// OperationUpdate records a local modification of an existing row.
	OperationUpdate Operation = "update"
	// OperationDelete records a local tombstone.
	OperationDelete Operation = "delete"
)

// Status captures the delivery state of a queue entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

const (
	// DefaultMaxRetries bounds automatic delivery attempts per entry.
	DefaultMaxRetries = 3
	// DefaultPriority is assigned when the caller does not supply one.
	DefaultPriority = 1
	// DefaultPendingLimit caps a single Pending read.
	DefaultPendingLimit = 50
	maxErrorMessageLen  = 1024
)

var (
	errMissingDatabase = errors.New("queue: database handle is required")
	// ErrInvalidEntry indicates an entry input without table, record or operation.
	ErrInvalidEntry = errors.New("queue: invalid entry")
	// ErrEntryNotFound is returned when an entry id does not exist.
	ErrEntryNotFound = errors.New("queue: entry not found")
	noOpLogger       = zap.NewNop()
)

// Entry is a durable record of a local mutation awaiting remote confirmation.
type Entry struct {
	ID           int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Table        string         `gorm:"column:table_name;size:64;not null;index:idx_sync_queue_record,priority:1" json:"table_name"`
	RecordID     int64          `gorm:"column:record_id;not null;index:idx_sync_queue_record,priority:2" json:"record_id"`
	Operation    Operation      `gorm:"column:operation;size:16;not null" json:"operation"`
	Data         datatypes.JSON `gorm:"column:data" json:"data,omitempty"`
	Priority     int            `gorm:"column:priority;not null;default:1" json:"priority"`
	RetryCount   int            `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	MaxRetries   int            `gorm:"column:max_retries;not null;default:3" json:"max_retries"`
	Status       Status         `gorm:"column:status;size:16;not null;default:pending;index" json:"status"`
	ErrorMessage string         `gorm:"column:error_message;type:text" json:"error_message,omitempty"`
	CreatedAt    time.Time      `gorm:"column:created_at;not null;autoCreateTime:false" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"column:updated_at;not null;autoUpdateTime:false" json:"updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "sync_queue"
}

// Exhausted reports whether automatic delivery attempts are used up.
func (e Entry) Exhausted() bool {
	return e.RetryCount >= e.MaxRetries
}

// EntryInput describes a mutation to append.
type EntryInput struct {
	Table     string
	RecordID  int64
	Operation Operation
	Data      any
	Priority  int
}

// RecordRef identifies a row of a domain table.
type RecordRef struct {
	Table    string
	RecordID int64
}

// Stats summarizes the queue by status.
type Stats struct {
	Pending   int64 `json:"pending"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Retrying  int64 `json:"retrying"`
}

// Config wires a Queue.
type Config struct {
	Database   *gorm.DB
	Clock      func() time.Time
	MaxRetries int
	Logger     *zap.Logger
}

// Queue persists pending mutations in the sync_queue table.
type Queue struct {
	db         *gorm.DB
	clock      func() time.Time
	maxRetries int
	logger     *zap.Logger
}

// New constructs a Queue.
func New(cfg Config) (*Queue, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Queue{db: cfg.Database, clock: clock, maxRetries: maxRetries, logger: logger}, nil
}

// MaxRetries returns the retry budget stamped on new entries.
func (q *Queue) MaxRetries() int {
	return q.maxRetries
}

// Enqueue appends an entry in its own transaction.
func (q *Queue) Enqueue(ctx context.Context, input EntryInput) (Entry, error) {
	return q.EnqueueTx(q.db.WithContext(ctx), input)
}

// EnqueueTx appends an entry using the caller's transaction so the entry
// commits together with the row mutation it describes.
func (q *Queue) EnqueueTx(tx *gorm.DB, input EntryInput) (Entry, error) {
	if input.Table == "" || input.RecordID <= 0 || input.Operation == "" {
		return Entry{}, fmt.Errorf("%w: table=%q record=%d op=%q", ErrInvalidEntry, input.Table, input.RecordID, input.Operation)
	}
	payload, err := encodePayload(input.Data)
	if err != nil {
		return Entry{}, err
	}
	priority := input.Priority
	if priority == 0 {
		priority = DefaultPriority
	}
	now := q.clock().UTC()
	entry := Entry{
		Table:      input.Table,
		RecordID:   input.RecordID,
		Operation:  input.Operation,
		Data:       payload,
		Priority:   priority,
		MaxRetries: q.maxRetries,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Pending returns deliverable entries: pending with retry budget left,
// highest priority first and oldest first within a priority.
func (q *Queue) Pending(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultPendingLimit
	}
	var entries []Entry
	err := q.db.WithContext(ctx).
		Where("status = ? AND retry_count < max_retries", StatusPending).
		Order("priority DESC").Order("created_at ASC").Order("id ASC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// Failed returns entries whose retry budget is exhausted.
func (q *Queue) Failed(ctx context.Context, limit int) ([]Entry, error) {
	query := q.db.WithContext(ctx).
		Where("status = ?", StatusFailed).
		Order("updated_at DESC").Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var entries []Entry
	err := query.Find(&entries).Error
	return entries, err
}

// OpenFor returns the non-terminal entries tracking one record.
func (q *Queue) OpenFor(ctx context.Context, table string, recordID int64) ([]Entry, error) {
	return q.openFor(q.db.WithContext(ctx), table, recordID)
}

func (q *Queue) openFor(tx *gorm.DB, table string, recordID int64) ([]Entry, error) {
	var entries []Entry
	err := tx.
		Where("table_name = ? AND record_id = ? AND status = ? AND retry_count < max_retries", table, recordID, StatusPending).
		Order("created_at ASC").Order("id ASC").
		Find(&entries).Error
	return entries, err
}

// HasOpenTx reports whether a record has at least one non-terminal entry.
func (q *Queue) HasOpenTx(tx *gorm.DB, table string, recordID int64) (bool, error) {
	var count int64
	err := tx.Model(&Entry{}).
		Where("table_name = ? AND record_id = ? AND status = ? AND retry_count < max_retries", table, recordID, StatusPending).
		Count(&count).Error
	return count > 0, err
}

// MarkResult records the outcome of one delivery attempt. A failure consumes
// one retry; the entry only turns failed once the budget is spent.
func (q *Queue) MarkResult(ctx context.Context, entryID int64, status Status, cause error) (Entry, error) {
	var entry Entry
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", entryID).Take(&entry).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %d", ErrEntryNotFound, entryID)
			}
			return err
		}
		applyResult(&entry, status, cause, q.clock().UTC())
		return tx.Save(&entry).Error
	})
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// CompleteForTx closes every open entry of a record.
func (q *Queue) CompleteForTx(tx *gorm.DB, table string, recordID int64) error {
	return tx.Model(&Entry{}).
		Where("table_name = ? AND record_id = ? AND status = ?", table, recordID, StatusPending).
		Updates(map[string]any{
			"status":        StatusCompleted,
			"error_message": "",
			"updated_at":    q.clock().UTC(),
		}).Error
}

// CompleteFor closes every open entry of a record.
func (q *Queue) CompleteFor(ctx context.Context, table string, recordID int64) error {
	return q.CompleteForTx(q.db.WithContext(ctx), table, recordID)
}

// RecordFailure consumes one retry on every open entry of a record and
// reports whether the record has no deliverable entry left.
func (q *Queue) RecordFailure(ctx context.Context, table string, recordID int64, cause error) (bool, error) {
	exhausted := false
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entries, err := q.openFor(tx, table, recordID)
		if err != nil {
			return err
		}
		now := q.clock().UTC()
		for i := range entries {
			applyResult(&entries[i], StatusFailed, cause, now)
			if err := tx.Save(&entries[i]).Error; err != nil {
				return err
			}
		}
		open, err := q.HasOpenTx(tx, table, recordID)
		if err != nil {
			return err
		}
		exhausted = !open
		return nil
	})
	return exhausted, err
}

// RetryFailed re-arms exhausted entries for another round of automatic
// delivery and returns the records they reference.
func (q *Queue) RetryFailed(ctx context.Context) ([]RecordRef, error) {
	var refs []RecordRef
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entries []Entry
		if err := tx.Where("status = ?", StatusFailed).Find(&entries).Error; err != nil {
			return err
		}
		seen := make(map[RecordRef]struct{}, len(entries))
		for _, entry := range entries {
			ref := RecordRef{Table: entry.Table, RecordID: entry.RecordID}
			if _, ok := seen[ref]; !ok {
				seen[ref] = struct{}{}
				refs = append(refs, ref)
			}
		}
		return tx.Model(&Entry{}).
			Where("status = ?", StatusFailed).
			Updates(map[string]any{
				"status":      StatusPending,
				"retry_count": 0,
				"updated_at":  q.clock().UTC(),
			}).Error
	})
	if err != nil {
		return nil, err
	}
	if len(refs) > 0 {
		q.logger.Info("failed queue entries re-armed", zap.Int("records", len(refs)))
	}
	return refs, nil
}

// Purge deletes entries in the given status and returns how many were removed.
func (q *Queue) Purge(ctx context.Context, status Status) (int64, error) {
	result := q.db.WithContext(ctx).Where("status = ?", status).Delete(&Entry{})
	return result.RowsAffected, result.Error
}

// Stats counts entries by status.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	type row struct {
		Status Status
		Count  int64
	}
	var rows []row
	if err := q.db.WithContext(ctx).Model(&Entry{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return Stats{}, err
	}
	var stats Stats
	for _, r := range rows {
		switch r.Status {
		case StatusPending:
			stats.Pending = r.Count
		case StatusCompleted:
			stats.Completed = r.Count
		case StatusFailed:
			stats.Failed = r.Count
		}
	}
	if err := q.db.WithContext(ctx).Model(&Entry{}).
		Where("status = ? AND retry_count > 0", StatusPending).
		Count(&stats.Retrying).Error; err != nil {
		return Stats{}, err
	}
	return stats, nil
}

func applyResult(entry *Entry, status Status, cause error, now time.Time) {
	entry.UpdatedAt = now
	if status != StatusFailed {
		entry.Status = status
		entry.ErrorMessage = ""
		return
	}
	entry.RetryCount++
	if cause != nil {
		entry.ErrorMessage = truncate(cause.Error(), maxErrorMessageLen)
	}
	if entry.RetryCount >= entry.MaxRetries {
		entry.Status = StatusFailed
	} else {
		entry.Status = StatusPending
	}
}

func encodePayload(data any) (datatypes.JSON, error) {
	if data == nil {
		return nil, nil
	}
	if raw, ok := data.(datatypes.JSON); ok {
		return raw, nil
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("queue: encode payload: %w", err)
	}
	return datatypes.JSON(encoded), nil
}

// truncate cuts value to at most limit bytes without splitting a rune.
func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}
