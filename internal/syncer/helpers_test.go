package syncer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cardiosync/internal/connectivity"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/database"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/records"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/remote"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/remote/remotetest"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testRemoteUser = "1"

type harness struct {
	db           *gorm.DB
	store        *store.Store
	fake         *remotetest.Server
	network      *connectivity.Manual
	orchestrator *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dsn := fmt.Sprintf("file:cardiosync_syncer_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := database.OpenSQLite(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	localStore, err := store.New(store.Config{
		Database:   db,
		Tables:     records.Tables(),
		IDProvider: store.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := localStore.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize store: %v", err)
	}
	t.Cleanup(func() {
		_ = localStore.Close()
	})

	fake := remotetest.NewServer(testRemoteUser)
	t.Cleanup(fake.Close)

	client, err := remote.New(remote.Config{
		BaseURL: fake.URL,
		UserID:  testRemoteUser,
		Timeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("new remote client: %v", err)
	}

	network := connectivity.NewManual(true)
	orchestrator, err := New(Config{
		Store:        localStore,
		Remote:       client,
		Connectivity: network,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return &harness{
		db:           db,
		store:        localStore,
		fake:         fake,
		network:      network,
		orchestrator: orchestrator,
	}
}

func (h *harness) mustInsert(t *testing.T, entity store.Entity) {
	t.Helper()
	if err := h.store.Insert(context.Background(), entity, true); err != nil {
		t.Fatalf("insert %s: %v", entity.TableName(), err)
	}
}

func (h *harness) mustUser(t *testing.T, username string) *records.User {
	t.Helper()
	user := &records.User{
		Username: username,
		Email:    username + "@example.com",
		FullName: "Local Name",
	}
	h.mustInsert(t, user)
	return user
}

func (h *harness) mustReading(t *testing.T, userID int64, systolic, diastolic int, at time.Time) *records.Reading {
	t.Helper()
	reading := &records.Reading{
		Systolic:    systolic,
		Diastolic:   diastolic,
		ReadingTime: at,
	}
	reading.UserID = userID
	h.mustInsert(t, reading)
	return reading
}

func (h *harness) mustSync(t *testing.T) CycleResult {
	t.Helper()
	result, err := h.orchestrator.SyncAll(context.Background(), true)
	if err != nil {
		t.Fatalf("sync all: %v", err)
	}
	return result
}

func (h *harness) mustFindAny(t *testing.T, table *store.Schema, id int64) store.Entity {
	t.Helper()
	entity, err := h.store.FindAny(context.Background(), table, id)
	if err != nil {
		t.Fatalf("find %s/%d: %v", table.Name(), id, err)
	}
	return entity
}

func (h *harness) mustUpdate(t *testing.T, table *store.Schema, id int64, changes map[string]any) {
	t.Helper()
	if _, err := h.store.Update(context.Background(), table, id, changes, true); err != nil {
		t.Fatalf("update %s/%d: %v", table.Name(), id, err)
	}
}

func mustServerID(t *testing.T, entity store.Entity) int64 {
	t.Helper()
	serverID := entity.Sync().ServerID
	if serverID == nil {
		t.Fatalf("expected %s/%d to carry a server id", entity.TableName(), entity.Sync().ID)
	}
	return *serverID
}

// reseed rewrites a remote record as another device would.
func (h *harness) reseed(t *testing.T, table string, serverID int64, changes map[string]any) {
	t.Helper()
	record, ok := h.fake.Record(table, serverID)
	if !ok {
		t.Fatalf("remote %s/%d missing", table, serverID)
	}
	for key, value := range changes {
		record[key] = value
	}
	h.fake.Seed(table, record)
}

func countRequests(requests []remotetest.Request, table string) int {
	count := 0
	for _, request := range requests {
		if request.Table == table {
			count++
		}
	}
	return count
}
