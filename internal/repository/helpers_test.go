package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cardiosync/internal/database"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/records"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/store"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/syncer"
	"go.uber.org/zap"
)

var testNow = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time {
	return testNow
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:cardiosync_repository_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := database.OpenSQLite(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	localStore, err := store.New(store.Config{
		Database:   db,
		Tables:     records.Tables(),
		Clock:      fixedClock,
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
	return localStore
}

func newTestSet(t *testing.T, localStore *store.Store, tableSyncer TableSyncer, notifier NotificationScheduler) *Set {
	t.Helper()
	set, err := NewSet(Config{
		Store:     localStore,
		Syncer:    tableSyncer,
		Immediate: true,
		Clock:     fixedClock,
		Logger:    zap.NewNop(),
	}, 1, notifier)
	if err != nil {
		t.Fatalf("new repository set: %v", err)
	}
	return set
}

func mustCreateUser(t *testing.T, set *Set) *records.User {
	t.Helper()
	user, err := set.Users.CreateUser(context.Background(), &records.User{
		Username: "ada",
		Email:    "ada@example.com",
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

func intPtr(value int) *int {
	return &value
}

func timePtr(value time.Time) *time.Time {
	return &value
}

type stubSyncer struct {
	mu     sync.Mutex
	online bool
	forced []string
	seeded []string
	seed   func(table string) (int, error)
	fail   error
}

func (s *stubSyncer) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *stubSyncer) ForceSyncTable(_ context.Context, table string) (syncer.TableResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.online {
		return syncer.TableResult{Table: table}, syncer.ErrOffline
	}
	s.forced = append(s.forced, table)
	if s.fail != nil {
		return syncer.TableResult{Table: table, Status: store.MetadataError, Err: s.fail}, nil
	}
	return syncer.TableResult{Table: table, Status: store.MetadataCompleted}, nil
}

func (s *stubSyncer) Seed(_ context.Context, table string) (int, error) {
	s.mu.Lock()
	s.seeded = append(s.seeded, table)
	seed := s.seed
	s.mu.Unlock()
	if seed == nil {
		return 0, nil
	}
	return seed(table)
}

func (s *stubSyncer) forcedTables() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.forced...)
}

type scheduledCall struct {
	kind Kind
	id   int64
}

type recordingNotifier struct {
	scheduled []scheduledCall
	cancelled []scheduledCall
}

func (n *recordingNotifier) Schedule(_ context.Context, kind Kind, reminder records.Reminder) error {
	n.scheduled = append(n.scheduled, scheduledCall{kind: kind, id: reminder.Sync().ID})
	return nil
}

func (n *recordingNotifier) Cancel(_ context.Context, kind Kind, id int64) error {
	n.cancelled = append(n.cancelled, scheduledCall{kind: kind, id: id})
	return nil
}
