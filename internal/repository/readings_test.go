package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cardiosync/internal/records"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/store"
)

func TestCategoryThresholds(t *testing.T) {
	testCases := []struct {
		name      string
		systolic  int
		diastolic int
		expected  string
	}{
		{name: "crisis by systolic", systolic: 181, diastolic: 70, expected: CategoryCrisis},
		{name: "crisis by diastolic", systolic: 120, diastolic: 121, expected: CategoryCrisis},
		{name: "stage two", systolic: 140, diastolic: 70, expected: CategoryStage2},
		{name: "stage two by diastolic", systolic: 110, diastolic: 90, expected: CategoryStage2},
		{name: "stage one", systolic: 130, diastolic: 70, expected: CategoryStage1},
		{name: "stage one by diastolic", systolic: 110, diastolic: 80, expected: CategoryStage1},
		{name: "elevated", systolic: 125, diastolic: 75, expected: CategoryElevated},
		{name: "normal", systolic: 115, diastolic: 75, expected: CategoryNormal},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := Category(testCase.systolic, testCase.diastolic); got != testCase.expected {
				t.Fatalf("expected %q, got %q", testCase.expected, got)
			}
			if Interpret(testCase.systolic, testCase.diastolic) == "" {
				t.Fatalf("expected interpretation text")
			}
		})
	}
}

func TestCreateReadingValidation(t *testing.T) {
	set := newTestSet(t, newTestStore(t), nil, nil)
	testCases := []struct {
		name  string
		input ReadingInput
	}{
		{name: "missing systolic", input: ReadingInput{Diastolic: 80}},
		{name: "missing diastolic", input: ReadingInput{Systolic: 120}},
		{name: "systolic too low", input: ReadingInput{Systolic: 69, Diastolic: 80}},
		{name: "systolic too high", input: ReadingInput{Systolic: 251, Diastolic: 80}},
		{name: "diastolic too low", input: ReadingInput{Systolic: 120, Diastolic: 39}},
		{name: "diastolic too high", input: ReadingInput{Systolic: 120, Diastolic: 151}},
		{name: "pulse too low", input: ReadingInput{Systolic: 120, Diastolic: 80, Pulse: intPtr(29)}},
		{name: "pulse too high", input: ReadingInput{Systolic: 120, Diastolic: 80, Pulse: intPtr(221)}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := set.Readings.CreateReading(context.Background(), 1, testCase.input)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	count, err := set.Readings.PendingChangesCount(context.Background())
	if err != nil {
		t.Fatalf("pending count: %v", err)
	}
	if count != 0 {
		t.Fatalf("rejected readings must not be stored, found %d", count)
	}
}

func TestCreateReadingFillsDefaults(t *testing.T) {
	set := newTestSet(t, newTestStore(t), nil, nil)
	user := mustCreateUser(t, set)

	reading, err := set.Readings.CreateReading(context.Background(), user.ID, ReadingInput{Systolic: 145, Diastolic: 85})
	if err != nil {
		t.Fatalf("create reading: %v", err)
	}
	if reading.UserID != user.ID {
		t.Fatalf("expected owner %d, got %d", user.ID, reading.UserID)
	}
	if !reading.ReadingTime.Equal(testNow) {
		t.Fatalf("expected reading time to default to now, got %s", reading.ReadingTime)
	}
	if reading.Interpretation != Interpret(145, 85) {
		t.Fatalf("unexpected interpretation %q", reading.Interpretation)
	}
	if !reading.IsDirty || reading.SyncStatus != store.SyncStatusPending {
		t.Fatalf("expected a dirty pending reading, got %+v", reading.SyncFields)
	}
}

func TestSaveOCRReadingDefaults(t *testing.T) {
	set := newTestSet(t, newTestStore(t), nil, nil)
	user := mustCreateUser(t, set)

	reading, err := set.Readings.SaveOCRReading(context.Background(), user.ID, ReadingInput{Systolic: 118, Diastolic: 76})
	if err != nil {
		t.Fatalf("save ocr reading: %v", err)
	}
	if reading.Notes != "Reading from OCR" || reading.DeviceID != "OCR_DEVICE" {
		t.Fatalf("unexpected ocr defaults %q %q", reading.Notes, reading.DeviceID)
	}
}

func TestReadingQueriesAndStats(t *testing.T) {
	set := newTestSet(t, newTestStore(t), nil, nil)
	user := mustCreateUser(t, set)
	ctx := context.Background()

	inputs := []ReadingInput{
		{Systolic: 150, Diastolic: 95, Pulse: intPtr(70), ReadingTime: timePtr(testNow.Add(-24 * time.Hour))},
		{Systolic: 150, Diastolic: 95, ReadingTime: timePtr(testNow.Add(-48 * time.Hour))},
		{Systolic: 120, Diastolic: 70, Pulse: intPtr(81), ReadingTime: timePtr(testNow.Add(-72 * time.Hour))},
		{Systolic: 120, Diastolic: 70, ReadingTime: timePtr(testNow.Add(-96 * time.Hour))},
		{Systolic: 200, Diastolic: 130, ReadingTime: timePtr(testNow.AddDate(0, 0, -40))},
	}
	for _, input := range inputs {
		if _, err := set.Readings.CreateReading(ctx, user.ID, input); err != nil {
			t.Fatalf("create reading: %v", err)
		}
	}

	recent, err := set.Readings.RecentReadings(ctx, user.ID, 30)
	if err != nil {
		t.Fatalf("recent readings: %v", err)
	}
	if len(recent) != 4 {
		t.Fatalf("expected 4 recent readings, got %d", len(recent))
	}
	if !recent[0].ReadingTime.After(recent[1].ReadingTime) {
		t.Fatalf("expected newest first")
	}

	ranged, err := set.Readings.ReadingsByDateRange(ctx, user.ID, testNow.Add(-50*time.Hour), testNow.Add(-47*time.Hour))
	if err != nil {
		t.Fatalf("readings by range: %v", err)
	}
	if len(ranged) != 1 {
		t.Fatalf("expected 1 reading in range, got %d", len(ranged))
	}
	if _, err := set.Readings.ReadingsByDateRange(ctx, user.ID, testNow, testNow.Add(-time.Hour)); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for inverted range, got %v", err)
	}

	latest, err := set.Readings.LatestReading(ctx, user.ID)
	if err != nil {
		t.Fatalf("latest reading: %v", err)
	}
	if !latest.ReadingTime.Equal(testNow.Add(-24 * time.Hour)) {
		t.Fatalf("unexpected latest reading %s", latest.ReadingTime)
	}

	stats, err := set.Readings.Stats(ctx, user.ID, 30)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalReadings != 4 || stats.Period != 30 {
		t.Fatalf("unexpected totals %+v", stats)
	}
	if stats.Categories[CategoryStage2] != 2 || stats.Categories[CategoryElevated] != 2 {
		t.Fatalf("unexpected categories %+v", stats.Categories)
	}
	if stats.Trend != TrendIncreasing {
		t.Fatalf("expected increasing trend, got %q", stats.Trend)
	}
	averages := stats.Averages
	if averages == nil || averages.Systolic != 135 || averages.Diastolic != 83 || averages.ReadingCount != 4 {
		t.Fatalf("unexpected averages %+v", averages)
	}
	if averages.Pulse == nil || *averages.Pulse != 76 {
		t.Fatalf("expected pulse averaged over readings that carry one, got %v", averages.Pulse)
	}
}

func TestReadingStatsEmptyAndSingle(t *testing.T) {
	set := newTestSet(t, newTestStore(t), nil, nil)
	user := mustCreateUser(t, set)
	ctx := context.Background()

	empty, err := set.Readings.Stats(ctx, user.ID, 0)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if empty.TotalReadings != 0 || empty.Averages != nil || empty.Trend != "" {
		t.Fatalf("unexpected empty stats %+v", empty)
	}
	if _, err := set.Readings.LatestReading(ctx, user.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if _, err := set.Readings.CreateReading(ctx, user.ID, ReadingInput{Systolic: 120, Diastolic: 70}); err != nil {
		t.Fatalf("create reading: %v", err)
	}
	single, err := set.Readings.Stats(ctx, user.ID, 0)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if single.Trend != "" {
		t.Fatalf("a single reading has no trend, got %q", single.Trend)
	}
}

func TestUpdateReadingReinterprets(t *testing.T) {
	set := newTestSet(t, newTestStore(t), nil, nil)
	user := mustCreateUser(t, set)
	ctx := context.Background()

	reading, err := set.Readings.CreateReading(ctx, user.ID, ReadingInput{Systolic: 115, Diastolic: 75})
	if err != nil {
		t.Fatalf("create reading: %v", err)
	}
	if _, err := set.Readings.UpdateReading(ctx, reading.ID, ReadingInput{Systolic: 300, Diastolic: 75}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	updated, err := set.Readings.UpdateReading(ctx, reading.ID, ReadingInput{Systolic: 185, Diastolic: 75})
	if err != nil {
		t.Fatalf("update reading: %v", err)
	}
	if updated.Interpretation != Interpret(185, 75) || updated.Version != reading.Version+1 {
		t.Fatalf("unexpected update %+v", updated)
	}

	if err := set.Readings.DeleteReading(ctx, reading.ID); err != nil {
		t.Fatalf("delete reading: %v", err)
	}
	if _, err := set.Readings.FindByID(ctx, reading.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected deleted reading to be hidden, got %v", err)
	}
	pending, err := set.Readings.PendingChanges(ctx)
	if err != nil {
		t.Fatalf("pending changes: %v", err)
	}
	if len(pending) != 1 || !pending[0].Deleted() {
		t.Fatalf("expected the tombstone to await push, got %d records", len(pending))
	}
}

func TestReadingWritesTriggerImmediateSyncWhenOnline(t *testing.T) {
	tableSyncer := &stubSyncer{online: true}
	set := newTestSet(t, newTestStore(t), tableSyncer, nil)
	ctx := context.Background()

	if _, err := set.Readings.CreateReading(ctx, 1, ReadingInput{Systolic: 120, Diastolic: 70}); err != nil {
		t.Fatalf("create reading: %v", err)
	}
	forced := tableSyncer.forcedTables()
	if len(forced) != 1 || forced[0] != records.TableReadings {
		t.Fatalf("expected one immediate readings sync, got %v", forced)
	}

	tableSyncer.mu.Lock()
	tableSyncer.online = false
	tableSyncer.mu.Unlock()
	if _, err := set.Readings.CreateReading(ctx, 1, ReadingInput{Systolic: 121, Diastolic: 70}); err != nil {
		t.Fatalf("create reading offline: %v", err)
	}
	if len(tableSyncer.forcedTables()) != 1 {
		t.Fatalf("offline writes must not sync")
	}
}
