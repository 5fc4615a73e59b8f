package store

import (
	"time"

	"gorm.io/gorm"
)

// SyncStatus describes the reconciliation state of a single record.
type SyncStatus string

const (
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusPending SyncStatus = "pending"
	SyncStatusError   SyncStatus = "error"
)

// SyncFields are the sync-control columns carried by every domain record.
// ID is the stable local key; ServerID is assigned once the remote accepts
// the record and never replaces ID. RemoteVersion is the remote version the
// row was last reconciled with.
type SyncFields struct {
	ID            int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ServerID      *int64         `gorm:"column:server_id;index" json:"server_id,omitempty"`
	ClientRef     string         `gorm:"column:client_ref;size:64" json:"client_ref,omitempty"`
	IsDirty       bool           `gorm:"column:is_dirty;not null;default:false;index" json:"is_dirty"`
	SyncStatus    SyncStatus     `gorm:"column:sync_status;size:16;not null;default:synced" json:"sync_status"`
	Version       int64          `gorm:"column:version;not null;default:1" json:"version"`
	RemoteVersion int64          `gorm:"column:remote_version;not null;default:0" json:"remote_version"`
	LastSyncedAt  *time.Time     `gorm:"column:last_synced_at" json:"last_synced_at,omitempty"`
	DeletedAt     gorm.DeletedAt `gorm:"column:deleted_at;index" json:"deleted_at"`
	CreatedAt     time.Time      `gorm:"column:created_at;not null;autoCreateTime:false" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"column:updated_at;not null;autoUpdateTime:false" json:"updated_at"`
}

// Sync exposes the embedded sync-control fields.
func (f *SyncFields) Sync() *SyncFields {
	return f
}

// Deleted reports whether the record is tombstoned.
func (f *SyncFields) Deleted() bool {
	return f.DeletedAt.Valid
}

// Entity is a persisted domain record.
type Entity interface {
	TableName() string
	Sync() *SyncFields
}

// Owned is implemented by records that belong to a user.
type Owned interface {
	OwnerID() int64
	SetOwnerID(userID int64)
}

// ControlColumns lists the sync-control columns in schema order.
var ControlColumns = []string{
	"id",
	"server_id",
	"client_ref",
	"is_dirty",
	"sync_status",
	"version",
	"remote_version",
	"last_synced_at",
	"deleted_at",
	"created_at",
	"updated_at",
}

// IsControlColumn reports whether a column belongs to the sync-control set.
func IsControlColumn(column string) bool {
	for _, candidate := range ControlColumns {
		if candidate == column {
			return true
		}
	}
	return false
}

// ForeignKey declares that Column references the local id of Table.
type ForeignKey struct {
	Column string
	Table  string
}

// Schema binds a table name to its record type.
type Schema struct {
	name    string
	parents []ForeignKey
	newFn   func() Entity
	sliceFn func() any
	itemsFn func(any) []Entity
}

// Define builds the Schema of record type T.
func Define[T any, PT interface {
	*T
	Entity
}](parents ...ForeignKey) *Schema {
	probe := PT(new(T))
	return &Schema{
		name:    probe.TableName(),
		parents: parents,
		newFn: func() Entity {
			return PT(new(T))
		},
		sliceFn: func() any {
			return &[]T{}
		},
		itemsFn: func(slice any) []Entity {
			items := *(slice.(*[]T))
			entities := make([]Entity, len(items))
			for i := range items {
				entities[i] = PT(&items[i])
			}
			return entities
		},
	}
}

// Name returns the table name.
func (s *Schema) Name() string {
	return s.name
}

// Parents returns the foreign keys of the table.
func (s *Schema) Parents() []ForeignKey {
	return s.parents
}

// New allocates an empty record of the table.
func (s *Schema) New() Entity {
	return s.newFn()
}

func (s *Schema) newSlice() any {
	return s.sliceFn()
}

func (s *Schema) entities(slice any) []Entity {
	return s.itemsFn(slice)
}
