package store

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingTables     = errors.New("at least one table schema is required")
	// ErrNotFound is returned when a record does not exist or is tombstoned.
	ErrNotFound = errors.New("store: record not found")
	// ErrUnknownTable is returned for a table name that is not registered.
	ErrUnknownTable = errors.New("store: unknown table")
	// ErrNoChanges is returned when an update carries no writable column.
	ErrNoChanges = errors.New("store: no writable columns in update")
	// ErrStale is returned by Reconcile when the row moved on since the
	// snapshot its caller merged against.
	ErrStale   = errors.New("store: record changed since it was read")
	noOpLogger = zap.NewNop()
)

// ServiceError carries a stable operation.reason code next to its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew       = "store.new"
	opInitialize     = "store.initialize"
	opReset          = "store.reset"
	opClearAll       = "store.clear_all"
	opInsert         = "store.insert"
	opUpdate         = "store.update"
	opDelete         = "store.delete"
	opFind           = "store.find"
	opDirtyRecords   = "store.dirty_records"
	opMarkSynced     = "store.mark_synced"
	opReconcile      = "store.reconcile"
	opMetadata       = "store.metadata"
	opRetryFailed    = "store.retry_failed"
	opPendingChanges = "store.pending_changes"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
