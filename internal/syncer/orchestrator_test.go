package syncer

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cardiosync/internal/events"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/queue"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/records"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/remote"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/store"
)

func TestSyncAllPushesOfflineChangesAfterReconnect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.network.SetOnline(false)

	user := h.mustUser(t, "alice")
	reading := h.mustReading(t, user.ID, 128, 82, time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))

	result, err := h.orchestrator.SyncAll(ctx, false)
	if err != nil {
		t.Fatalf("offline sync returned error: %v", err)
	}
	if result.Status != CycleSkipped || result.Reason != reasonOffline {
		t.Fatalf("expected offline skip, got %+v", result)
	}
	if requests := h.fake.Requests(""); len(requests) != 0 {
		t.Fatalf("expected no remote traffic while offline, got %d requests", len(requests))
	}

	h.network.SetOnline(true)
	result = h.mustSync(t)
	if result.Status != CycleCompleted {
		t.Fatalf("expected completed cycle, got %s", result.Status)
	}

	posts := h.fake.Requests(http.MethodPost)
	if len(posts) != 2 {
		t.Fatalf("expected two creates, got %d", len(posts))
	}
	if posts[0].Table != records.TableUsers || posts[1].Table != records.TableReadings {
		t.Fatalf("expected parent before child, got %s then %s", posts[0].Table, posts[1].Table)
	}
	if posts[1].IdempotencyKey != reading.ClientRef {
		t.Fatalf("expected idempotency key %q, got %q", reading.ClientRef, posts[1].IdempotencyKey)
	}

	storedUser := h.mustFindAny(t, records.UsersTable, user.ID)
	userServerID := mustServerID(t, storedUser)
	remoteUserID, ok := remote.IntField(posts[1].Body, "user_id")
	if !ok || remoteUserID != userServerID {
		t.Fatalf("expected reading payload to reference server user %d, got %v", userServerID, posts[1].Body["user_id"])
	}
	if _, leaked := posts[1].Body["is_dirty"]; leaked {
		t.Fatalf("control columns must not be pushed")
	}

	storedReading := h.mustFindAny(t, records.ReadingsTable, reading.ID).(*records.Reading)
	mustServerID(t, storedReading)
	if storedReading.IsDirty || storedReading.SyncStatus != store.SyncStatusSynced {
		t.Fatalf("expected reading to be clean, got dirty=%v status=%s", storedReading.IsDirty, storedReading.SyncStatus)
	}
	if storedReading.UserID != user.ID {
		t.Fatalf("local foreign key must stay local, got %d", storedReading.UserID)
	}

	status, err := h.orchestrator.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.HasPendingChanges || !status.IsOnline || status.LastSync == nil {
		t.Fatalf("unexpected status %+v", status)
	}
	stats, err := h.store.QueueStats(ctx)
	if err != nil {
		t.Fatalf("queue stats: %v", err)
	}
	if stats.Pending != 0 || stats.Failed != 0 {
		t.Fatalf("expected drained queue, got %+v", stats)
	}
}

func TestSyncAllIsIdempotentWithoutChanges(t *testing.T) {
	h := newHarness(t)
	user := h.mustUser(t, "bob")
	reading := h.mustReading(t, user.ID, 118, 76, time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC))
	h.mustSync(t)

	before := h.mustFindAny(t, records.ReadingsTable, reading.ID).(*records.Reading)
	writesBefore := len(h.fake.Requests(http.MethodPost)) + len(h.fake.Requests(http.MethodPut))

	for i := 0; i < 2; i++ {
		result := h.mustSync(t)
		if result.Status != CycleCompleted {
			t.Fatalf("cycle %d: expected completed, got %s", i, result.Status)
		}
	}

	writesAfter := len(h.fake.Requests(http.MethodPost)) + len(h.fake.Requests(http.MethodPut))
	if writesAfter != writesBefore {
		t.Fatalf("expected no further writes, got %d new", writesAfter-writesBefore)
	}
	after := h.mustFindAny(t, records.ReadingsTable, reading.ID).(*records.Reading)
	if after.Version != before.Version {
		t.Fatalf("expected version %d to hold, got %d", before.Version, after.Version)
	}
	if after.Systolic != before.Systolic || after.Diastolic != before.Diastolic || after.IsDirty {
		t.Fatalf("expected unchanged clean reading, got %+v", after)
	}
	remoteRecord, _ := h.fake.Record(records.TableReadings, mustServerID(t, after))
	if version, _ := remote.IntField(remoteRecord, "version"); version != 1 {
		t.Fatalf("expected remote version 1, got %d", version)
	}
}

func TestSyncAllRemoteProfileWinsWhenNewer(t *testing.T) {
	h := newHarness(t)
	user := h.mustUser(t, "carol")
	h.mustSync(t)
	serverID := mustServerID(t, h.mustFindAny(t, records.UsersTable, user.ID))

	h.mustUpdate(t, records.UsersTable, user.ID, map[string]any{"medical_conditions": "local asthma"})
	h.reseed(t, records.TableUsers, serverID, map[string]any{
		"version":            int64(3),
		"full_name":          "Remote Name",
		"medical_conditions": "remote hypertension",
		"updated_at":         time.Now().Add(time.Hour).UTC().Format(time.RFC3339Nano),
	})

	result := h.mustSync(t)
	if result.Tables[0].Conflicts != 1 {
		t.Fatalf("expected one users conflict, got %+v", result.Tables[0])
	}

	merged := h.mustFindAny(t, records.UsersTable, user.ID).(*records.User)
	if merged.FullName != "Remote Name" || merged.MedicalConditions != "remote hypertension" {
		t.Fatalf("expected remote profile, got %+v", merged)
	}
	if merged.IsDirty || merged.Version != 3 {
		t.Fatalf("expected clean version 3, got dirty=%v version=%d", merged.IsDirty, merged.Version)
	}
	if puts := countRequests(h.fake.Requests(http.MethodPut), records.TableUsers); puts != 0 {
		t.Fatalf("remote winner must not be pushed back, got %d puts", puts)
	}
	open, err := h.store.OpenEntries(context.Background(), records.TableUsers, user.ID)
	if err != nil {
		t.Fatalf("open entries: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("expected queue entries to close, got %d", len(open))
	}
}

func TestSyncAllMergesLocalHealthFieldsWhenLocalIsNewer(t *testing.T) {
	h := newHarness(t)
	user := h.mustUser(t, "dave")
	h.mustSync(t)
	serverID := mustServerID(t, h.mustFindAny(t, records.UsersTable, user.ID))

	h.reseed(t, records.TableUsers, serverID, map[string]any{
		"version":            int64(3),
		"full_name":          "Remote Name",
		"medical_conditions": "remote value",
		"updated_at":         time.Now().UTC().Format(time.RFC3339Nano),
	})
	time.Sleep(10 * time.Millisecond)
	h.mustUpdate(t, records.UsersTable, user.ID, map[string]any{
		"medical_conditions": "diabetes",
		"medications":        "metformin",
	})

	h.mustSync(t)

	merged := h.mustFindAny(t, records.UsersTable, user.ID).(*records.User)
	if merged.FullName != "Remote Name" {
		t.Fatalf("expected remote base fields, got %q", merged.FullName)
	}
	if merged.MedicalConditions != "diabetes" || merged.Medications != "metformin" {
		t.Fatalf("expected local health fields, got %+v", merged)
	}
	if merged.IsDirty || merged.Version != 4 {
		t.Fatalf("expected merged record pushed at version 4, got dirty=%v version=%d", merged.IsDirty, merged.Version)
	}
	puts := h.fake.Requests(http.MethodPut)
	if len(puts) != 1 || puts[0].Body["medical_conditions"] != "diabetes" || puts[0].Body["full_name"] != "Remote Name" {
		t.Fatalf("expected merged profile pushed once, got %+v", puts)
	}
}

func TestSyncAllKeepsLocalReminderOnConflict(t *testing.T) {
	h := newHarness(t)
	user := h.mustUser(t, "erin")
	reminder := &records.MedicationReminder{
		Name:             "Lisinopril",
		Dosage:           "10mg",
		ScheduleDateTime: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC),
		ScheduleDosage:   "1 tablet",
	}
	reminder.UserID = user.ID
	h.mustInsert(t, reminder)
	h.mustSync(t)
	serverID := mustServerID(t, h.mustFindAny(t, records.MedicationRemindersTable, reminder.ID))

	h.mustUpdate(t, records.MedicationRemindersTable, reminder.ID, map[string]any{"dosage": "20mg"})
	h.reseed(t, records.TableMedicationReminders, serverID, map[string]any{
		"version":    int64(5),
		"dosage":     "5mg",
		"updated_at": time.Now().Add(time.Hour).UTC().Format(time.RFC3339Nano),
	})

	h.mustSync(t)

	stored := h.mustFindAny(t, records.MedicationRemindersTable, reminder.ID).(*records.MedicationReminder)
	if stored.Dosage != "20mg" {
		t.Fatalf("expected local dosage to win, got %q", stored.Dosage)
	}
	if stored.IsDirty || stored.Version != 6 {
		t.Fatalf("expected pushed version 6, got dirty=%v version=%d", stored.IsDirty, stored.Version)
	}
	remoteRecord, _ := h.fake.Record(records.TableMedicationReminders, serverID)
	if remoteRecord["dosage"] != "20mg" {
		t.Fatalf("expected remote to receive local dosage, got %v", remoteRecord["dosage"])
	}
}

func TestSyncAllStopsRetryingAfterMaxFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := h.mustUser(t, "frank")
	h.mustSync(t)

	reading := h.mustReading(t, user.ID, 150, 95, time.Date(2024, 7, 1, 7, 0, 0, 0, time.UTC))
	h.fake.FailWrites(records.TableReadings, 100)

	for attempt := 1; attempt <= queue.DefaultMaxRetries; attempt++ {
		result := h.mustSync(t)
		if result.Status != CyclePartial {
			t.Fatalf("attempt %d: expected partial cycle, got %s", attempt, result.Status)
		}
	}
	stats, err := h.store.QueueStats(ctx)
	if err != nil {
		t.Fatalf("queue stats: %v", err)
	}
	if stats.Failed != 1 || stats.Pending != 0 {
		t.Fatalf("expected the insert entry to fail, got %+v", stats)
	}
	stored := h.mustFindAny(t, records.ReadingsTable, reading.ID)
	if !stored.Sync().IsDirty || stored.Sync().SyncStatus != store.SyncStatusError {
		t.Fatalf("expected dirty record in error state, got %+v", stored.Sync())
	}

	h.mustSync(t)
	if posts := countRequests(h.fake.Requests(http.MethodPost), records.TableReadings); posts != queue.DefaultMaxRetries {
		t.Fatalf("expected %d delivery attempts, got %d", queue.DefaultMaxRetries, posts)
	}
	status, err := h.orchestrator.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.HasPendingChanges || status.PendingChanges != 1 {
		t.Fatalf("exhausted record must still count as pending, got %+v", status)
	}

	retried, err := h.store.RetryFailed(ctx)
	if err != nil || retried != 1 {
		t.Fatalf("expected one record re-armed, got %d (%v)", retried, err)
	}
	h.fake.FailWrites(records.TableReadings, 0)
	if result := h.mustSync(t); result.Status != CycleCompleted {
		t.Fatalf("expected completed cycle after retry, got %s", result.Status)
	}
	stored = h.mustFindAny(t, records.ReadingsTable, reading.ID)
	if stored.Sync().IsDirty || stored.Sync().ServerID == nil {
		t.Fatalf("expected reading delivered after retry, got %+v", stored.Sync())
	}
}

func TestSyncAllPropagatesLocalTombstone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := h.mustUser(t, "gina")
	reading := h.mustReading(t, user.ID, 121, 79, time.Date(2024, 8, 1, 7, 0, 0, 0, time.UTC))
	h.mustSync(t)
	serverID := mustServerID(t, h.mustFindAny(t, records.ReadingsTable, reading.ID))

	if err := h.store.Delete(ctx, records.ReadingsTable, reading.ID, true); err != nil {
		t.Fatalf("delete: %v", err)
	}
	h.mustSync(t)

	deletes := h.fake.Requests(http.MethodDelete)
	if len(deletes) != 1 || deletes[0].Table != records.TableReadings {
		t.Fatalf("expected one remote delete, got %+v", deletes)
	}
	if _, ok := h.fake.Record(records.TableReadings, serverID); ok {
		t.Fatalf("expected remote record removed")
	}
	tombstone := h.mustFindAny(t, records.ReadingsTable, reading.ID)
	if !tombstone.Sync().Deleted() || tombstone.Sync().IsDirty {
		t.Fatalf("expected clean tombstone, got %+v", tombstone.Sync())
	}
	if _, err := h.store.FindByID(ctx, records.ReadingsTable, reading.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected tombstone hidden from reads, got %v", err)
	}
}

func TestSyncAllNeverPushesTombstoneOfUnsyncedRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := h.mustUser(t, "hank")
	h.mustSync(t)
	reading := h.mustReading(t, user.ID, 130, 85, time.Date(2024, 8, 2, 7, 0, 0, 0, time.UTC))
	if err := h.store.Delete(ctx, records.ReadingsTable, reading.ID, true); err != nil {
		t.Fatalf("delete: %v", err)
	}

	h.mustSync(t)

	if count := countRequests(h.fake.Requests(""), records.TableReadings); count != 2 {
		t.Fatalf("expected only the two pulls to reach readings, got %d requests", count)
	}
	stored := h.mustFindAny(t, records.ReadingsTable, reading.ID)
	if stored.Sync().IsDirty {
		t.Fatalf("expected tombstone settled locally")
	}
}

func TestSyncAllPullsRemoteRecordsAndTranslatesForeignKeys(t *testing.T) {
	h := newHarness(t)
	remoteUserID := h.fake.Seed(records.TableUsers, map[string]any{
		"username": "ivy",
		"email":    "ivy@example.com",
	})
	h.fake.Seed(records.TableReadings, map[string]any{
		"user_id":      remoteUserID,
		"systolic":     135,
		"diastolic":    88,
		"reading_time": "2024-09-01T07:00:00Z",
	})

	result := h.mustSync(t)
	if result.Status != CycleCompleted {
		t.Fatalf("expected completed cycle, got %s", result.Status)
	}

	users, err := h.store.FindAll(context.Background(), records.UsersTable, store.Query{})
	if err != nil || len(users) != 1 {
		t.Fatalf("expected one pulled user, got %d (%v)", len(users), err)
	}
	readings, err := h.store.FindAll(context.Background(), records.ReadingsTable, store.Query{})
	if err != nil || len(readings) != 1 {
		t.Fatalf("expected one pulled reading, got %d (%v)", len(readings), err)
	}
	reading := readings[0].(*records.Reading)
	if reading.UserID != users[0].Sync().ID {
		t.Fatalf("expected local user id %d, got %d", users[0].Sync().ID, reading.UserID)
	}
	if reading.IsDirty || reading.Systolic != 135 {
		t.Fatalf("expected clean pulled reading, got %+v", reading)
	}
	if puts := len(h.fake.Requests(http.MethodPut)) + len(h.fake.Requests(http.MethodPost)); puts != 0 {
		t.Fatalf("pulled records must not be pushed back, got %d writes", puts)
	}
}

func TestSyncAllSkipsRemoteRecordWithUnknownParent(t *testing.T) {
	h := newHarness(t)
	h.fake.Seed(records.TableReadings, map[string]any{
		"user_id":      int64(999),
		"systolic":     140,
		"diastolic":    90,
		"reading_time": "2024-09-02T07:00:00Z",
	})

	result := h.mustSync(t)
	var readings TableResult
	for _, table := range result.Tables {
		if table.Table == records.TableReadings {
			readings = table
		}
	}
	if readings.Status != store.MetadataPartial || readings.Failed != 1 || !errors.Is(readings.Err, errParentMissing) {
		t.Fatalf("expected partial readings sync with a skipped record, got %+v", readings)
	}
	meta, err := h.store.Metadata(context.Background(), records.TableReadings)
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta.LastSyncTimestamp != nil || meta.RetryCount != 1 || meta.SyncStatus != store.MetadataPartial {
		t.Fatalf("expected pull watermark to hold, got %+v", meta)
	}
}

func TestSyncAllAppliesRemoteTombstoneToCleanRecord(t *testing.T) {
	h := newHarness(t)
	user := h.mustUser(t, "jane")
	reading := h.mustReading(t, user.ID, 110, 70, time.Date(2024, 9, 3, 7, 0, 0, 0, time.UTC))
	h.mustSync(t)
	serverID := mustServerID(t, h.mustFindAny(t, records.ReadingsTable, reading.ID))

	stamp := time.Now().Add(time.Minute).UTC().Format(time.RFC3339Nano)
	h.reseed(t, records.TableReadings, serverID, map[string]any{
		"version":    int64(2),
		"deleted_at": stamp,
		"updated_at": stamp,
	})
	h.mustSync(t)

	stored := h.mustFindAny(t, records.ReadingsTable, reading.ID)
	if !stored.Sync().Deleted() || stored.Sync().IsDirty {
		t.Fatalf("expected clean local tombstone, got %+v", stored.Sync())
	}
	if deletes := h.fake.Requests(http.MethodDelete); len(deletes) != 0 {
		t.Fatalf("remote tombstone must not be echoed, got %d deletes", len(deletes))
	}
}

func TestSyncAllSkipsWhileCycleInFlight(t *testing.T) {
	h := newHarness(t)
	h.orchestrator.cycleMu.Lock()
	result, err := h.orchestrator.SyncAll(context.Background(), false)
	h.orchestrator.cycleMu.Unlock()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != CycleSkipped || result.Reason != reasonInProgress {
		t.Fatalf("expected in-progress skip, got %+v", result)
	}
}

func TestForceSyncTableRequiresConnectivity(t *testing.T) {
	h := newHarness(t)
	h.network.SetOnline(false)
	if _, err := h.orchestrator.ForceSyncTable(context.Background(), records.TableReadings); !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
	if _, err := h.orchestrator.SyncTable(context.Background(), "unknown"); !errors.Is(err, store.ErrUnknownTable) {
		t.Fatalf("expected ErrUnknownTable, got %v", err)
	}
}

func TestSeedPullsFullTable(t *testing.T) {
	h := newHarness(t)
	h.fake.Seed(records.TableUsers, map[string]any{"username": "kim", "email": "kim@example.com"})
	h.fake.Seed(records.TableUsers, map[string]any{"username": "lee", "email": "lee@example.com"})

	written, err := h.orchestrator.Seed(context.Background(), records.TableUsers)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if written != 2 {
		t.Fatalf("expected two records written, got %d", written)
	}
	written, err = h.orchestrator.Seed(context.Background(), records.TableUsers)
	if err != nil || written != 0 {
		t.Fatalf("expected repeat seed to write nothing, got %d (%v)", written, err)
	}
}

func TestRunSyncsOnReconnect(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	completed, unsubscribe := h.orchestrator.Events().Subscribe(ctx, events.TypeSyncCompleted)
	defer unsubscribe()

	done := make(chan error, 1)
	go func() {
		done <- h.orchestrator.Run(ctx)
	}()
	waitForEvent(t, completed)

	h.network.SetOnline(false)
	user := h.mustUser(t, "mona")
	h.network.SetOnline(true)
	waitForEvent(t, completed)

	stored := h.mustFindAny(t, records.UsersTable, user.ID)
	if stored.Sync().IsDirty {
		t.Fatalf("expected reconnect cycle to push the user")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}
}

func waitForEvent(t *testing.T, stream <-chan events.Event) events.Event {
	t.Helper()
	select {
	case event := <-stream:
		return event
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return events.Event{}
}

func TestClearLocalDataResetsMetadata(t *testing.T) {
	h := newHarness(t)
	h.mustUser(t, "nina")
	h.mustSync(t)

	if err := h.orchestrator.ClearLocalData(context.Background()); err != nil {
		t.Fatalf("clear: %v", err)
	}
	status, err := h.orchestrator.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.LastSync != nil || status.HasPendingChanges {
		t.Fatalf("expected empty state, got %+v", status)
	}
}
