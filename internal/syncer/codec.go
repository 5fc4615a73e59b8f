package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/MarcoPoloResearchLab/cardiosync/internal/remote"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/store"
	"gorm.io/gorm"
)

var (
	// errParentNotPushed defers a child whose parent has no server id yet.
	errParentNotPushed = errors.New("parent record not pushed yet")
	// errParentMissing rejects a remote record whose parent is unknown locally.
	errParentMissing   = errors.New("parent record missing locally")
	errMissingServerID = errors.New("remote record without id")
)

// incoming is a remote record decoded into the local record type.
type incoming struct {
	entity    store.Entity
	serverID  int64
	version   int64
	updatedAt time.Time
	deleted   bool
}

// decodeRemote maps a remote object onto a fresh record of table. Control
// columns are taken from the remote metadata only and foreign keys are
// translated from server ids to local ids.
func (o *Orchestrator) decodeRemote(ctx context.Context, table *store.Schema, object map[string]any) (incoming, error) {
	serverID, ok := remote.IntField(object, "id")
	if !ok {
		return incoming{}, errMissingServerID
	}
	version, ok := remote.IntField(object, "version")
	if !ok || version <= 0 {
		version = 1
	}
	updatedAt, _ := remote.TimeField(object, "updated_at")
	deleted := isRemoteTombstone(object)

	fields := make(map[string]any, len(object))
	for key, value := range object {
		if store.IsControlColumn(key) {
			continue
		}
		fields[key] = value
	}
	for _, parent := range table.Parents() {
		remoteParentID, ok := remote.IntField(fields, parent.Column)
		if !ok {
			continue
		}
		parentTable, err := o.store.Table(parent.Table)
		if err != nil {
			return incoming{}, err
		}
		localID, err := o.store.LocalIDOf(ctx, parentTable, remoteParentID)
		if errors.Is(err, store.ErrNotFound) {
			return incoming{}, fmt.Errorf("%w: %s.%s=%d", errParentMissing, table.Name(), parent.Column, remoteParentID)
		}
		if err != nil {
			return incoming{}, err
		}
		fields[parent.Column] = localID
	}

	encoded, err := json.Marshal(fields)
	if err != nil {
		return incoming{}, fmt.Errorf("encode remote %s/%d: %w", table.Name(), serverID, err)
	}
	entity := table.New()
	if err := json.Unmarshal(encoded, entity); err != nil {
		return incoming{}, fmt.Errorf("decode remote %s/%d: %w", table.Name(), serverID, err)
	}
	sync := entity.Sync()
	sync.ServerID = &serverID
	sync.Version = version
	sync.UpdatedAt = updatedAt
	if deleted {
		stamp := updatedAt
		if deletedAt, ok := remote.TimeField(object, "deleted_at"); ok {
			stamp = deletedAt
		}
		sync.DeletedAt = gorm.DeletedAt{Time: stamp, Valid: true}
	}
	return incoming{
		entity:    entity,
		serverID:  serverID,
		version:   version,
		updatedAt: updatedAt,
		deleted:   deleted,
	}, nil
}

// encodeLocal renders the payload pushed for a record: domain columns only,
// foreign keys translated to server ids.
func (o *Orchestrator) encodeLocal(ctx context.Context, table *store.Schema, entity store.Entity) (map[string]any, error) {
	fields, err := domainFields(entity)
	if err != nil {
		return nil, err
	}
	for _, parent := range table.Parents() {
		localParentID, ok := remote.IntField(fields, parent.Column)
		if !ok || localParentID == 0 {
			continue
		}
		parentTable, err := o.store.Table(parent.Table)
		if err != nil {
			return nil, err
		}
		serverID, err := o.store.ServerIDOf(ctx, parentTable, localParentID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s/%d", errParentMissing, parent.Table, localParentID)
		}
		if err != nil {
			return nil, err
		}
		if serverID == nil {
			return nil, fmt.Errorf("%w: %s/%d", errParentNotPushed, parent.Table, localParentID)
		}
		fields[parent.Column] = *serverID
	}
	return fields, nil
}

// domainFields returns the JSON view of a record without control columns.
// Timestamps are rendered in UTC.
func domainFields(entity store.Entity) (map[string]any, error) {
	encoded, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", entity.TableName(), err)
	}
	fields := map[string]any{}
	decoder := json.NewDecoder(bytes.NewReader(encoded))
	decoder.UseNumber()
	if err := decoder.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode %s: %w", entity.TableName(), err)
	}
	for _, column := range store.ControlColumns {
		delete(fields, column)
	}
	for key, value := range fields {
		text, ok := value.(string)
		if !ok {
			continue
		}
		if stamp, err := time.Parse(time.RFC3339Nano, text); err == nil {
			fields[key] = stamp.UTC().Format(time.RFC3339Nano)
		}
	}
	return fields, nil
}

// sameDomain reports whether two records carry identical domain columns.
func sameDomain(a, b store.Entity) bool {
	left, err := domainFields(a)
	if err != nil {
		return false
	}
	right, err := domainFields(b)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(left, right)
}

func isRemoteTombstone(object map[string]any) bool {
	if flag, ok := object["is_deleted"].(bool); ok && flag {
		return true
	}
	raw, ok := object["deleted_at"]
	if !ok || raw == nil {
		return false
	}
	text, ok := raw.(string)
	return !ok || text != ""
}
