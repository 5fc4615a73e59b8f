package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/cardiosync/internal/database"
	"go.uber.org/zap"
)

type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestQueue(t *testing.T, maxRetries int) *Queue {
	t.Helper()
	dsn := fmt.Sprintf("file:cardiosync_queue_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := database.OpenSQLite(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		t.Fatalf("migrate queue: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	clock := &steppingClock{now: time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)}
	q, err := New(Config{Database: db, Clock: clock.Now, MaxRetries: maxRetries})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q
}

func mustEnqueue(t *testing.T, q *Queue, input EntryInput) Entry {
	t.Helper()
	entry, err := q.Enqueue(context.Background(), input)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return entry
}

func TestNewRequiresDatabase(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, errMissingDatabase) {
		t.Fatalf("expected missing database error, got %v", err)
	}
}

func TestEnqueueValidatesAndDefaults(t *testing.T) {
	q := newTestQueue(t, 0)

	invalid := []EntryInput{
		{RecordID: 1, Operation: OperationInsert},
		{Table: "bp_readings", Operation: OperationInsert},
		{Table: "bp_readings", RecordID: 1},
	}
	for _, input := range invalid {
		if _, err := q.Enqueue(context.Background(), input); !errors.Is(err, ErrInvalidEntry) {
			t.Fatalf("expected invalid entry error for %+v, got %v", input, err)
		}
	}

	entry := mustEnqueue(t, q, EntryInput{
		Table:     "bp_readings",
		RecordID:  7,
		Operation: OperationInsert,
		Data:      map[string]any{"systolic": 120},
	})
	if entry.Priority != DefaultPriority || entry.MaxRetries != DefaultMaxRetries || entry.Status != StatusPending {
		t.Fatalf("unexpected defaults %+v", entry)
	}
	var payload map[string]any
	if err := json.Unmarshal(entry.Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["systolic"] != float64(120) {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestPendingOrdersByPriorityThenAge(t *testing.T) {
	q := newTestQueue(t, 3)
	first := mustEnqueue(t, q, EntryInput{Table: "users", RecordID: 1, Operation: OperationInsert})
	second := mustEnqueue(t, q, EntryInput{Table: "users", RecordID: 2, Operation: OperationInsert})
	urgent := mustEnqueue(t, q, EntryInput{Table: "users", RecordID: 3, Operation: OperationUpdate, Priority: 5})

	entries, err := q.Pending(context.Background(), 0)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	got := make([]int64, 0, len(entries))
	for _, entry := range entries {
		got = append(got, entry.ID)
	}
	expected := []int64{urgent.ID, first.ID, second.ID}
	if fmt.Sprint(got) != fmt.Sprint(expected) {
		t.Fatalf("expected order %v, got %v", expected, got)
	}

	limited, err := q.Pending(context.Background(), 1)
	if err != nil {
		t.Fatalf("pending with limit: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}
}

func TestMarkResultConsumesRetriesUntilFailed(t *testing.T) {
	q := newTestQueue(t, 2)
	entry := mustEnqueue(t, q, EntryInput{Table: "bp_readings", RecordID: 1, Operation: OperationInsert})
	cause := errors.New("remote returned 503")

	updated, err := q.MarkResult(context.Background(), entry.ID, StatusFailed, cause)
	if err != nil {
		t.Fatalf("mark result: %v", err)
	}
	if updated.Status != StatusPending || updated.RetryCount != 1 || updated.ErrorMessage != cause.Error() {
		t.Fatalf("expected a retryable pending entry, got %+v", updated)
	}

	updated, err = q.MarkResult(context.Background(), entry.ID, StatusFailed, cause)
	if err != nil {
		t.Fatalf("mark result: %v", err)
	}
	if updated.Status != StatusFailed || !updated.Exhausted() {
		t.Fatalf("expected exhausted entry, got %+v", updated)
	}

	pending, err := q.Pending(context.Background(), 0)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("exhausted entries must not be deliverable, got %d", len(pending))
	}

	if _, err := q.MarkResult(context.Background(), 9999, StatusCompleted, nil); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMarkResultTruncatesLongErrors(t *testing.T) {
	q := newTestQueue(t, 3)
	entry := mustEnqueue(t, q, EntryInput{Table: "users", RecordID: 1, Operation: OperationInsert})

	updated, err := q.MarkResult(context.Background(), entry.ID, StatusFailed, errors.New(strings.Repeat("x", 5000)))
	if err != nil {
		t.Fatalf("mark result: %v", err)
	}
	if len(updated.ErrorMessage) != maxErrorMessageLen {
		t.Fatalf("expected truncated message, got %d bytes", len(updated.ErrorMessage))
	}
}

func TestMarkResultKeepsTruncatedErrorsValidUTF8(t *testing.T) {
	q := newTestQueue(t, 3)
	entry := mustEnqueue(t, q, EntryInput{Table: "users", RecordID: 1, Operation: OperationInsert})

	message := "x" + strings.Repeat("é", maxErrorMessageLen)
	updated, err := q.MarkResult(context.Background(), entry.ID, StatusFailed, errors.New(message))
	if err != nil {
		t.Fatalf("mark result: %v", err)
	}
	if !utf8.ValidString(updated.ErrorMessage) {
		t.Fatalf("expected valid UTF-8 after truncation")
	}
	if len(updated.ErrorMessage) != maxErrorMessageLen-1 {
		t.Fatalf("expected the split rune to be dropped, got %d bytes", len(updated.ErrorMessage))
	}
}

func TestTruncate(t *testing.T) {
	testCases := []struct {
		name     string
		value    string
		limit    int
		expected string
	}{
		{name: "short", value: "abc", limit: 5, expected: "abc"},
		{name: "ascii", value: "abcdef", limit: 4, expected: "abcd"},
		{name: "rune boundary", value: "aéb", limit: 3, expected: "aé"},
		{name: "inside rune", value: "aéb", limit: 2, expected: "a"},
		{name: "wide rune", value: "€uro", limit: 2, expected: ""},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := truncate(testCase.value, testCase.limit); got != testCase.expected {
				t.Fatalf("expected %q, got %q", testCase.expected, got)
			}
		})
	}
}

func TestRecordFailureAndCompleteFor(t *testing.T) {
	q := newTestQueue(t, 1)
	mustEnqueue(t, q, EntryInput{Table: "bp_readings", RecordID: 4, Operation: OperationInsert})
	mustEnqueue(t, q, EntryInput{Table: "bp_readings", RecordID: 4, Operation: OperationUpdate})
	mustEnqueue(t, q, EntryInput{Table: "bp_readings", RecordID: 5, Operation: OperationInsert})

	exhausted, err := q.RecordFailure(context.Background(), "bp_readings", 4, errors.New("timeout"))
	if err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if !exhausted {
		t.Fatalf("expected record 4 to be exhausted with a budget of one")
	}
	open, err := q.OpenFor(context.Background(), "bp_readings", 4)
	if err != nil {
		t.Fatalf("open for: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("expected no open entries, got %d", len(open))
	}

	if err := q.CompleteFor(context.Background(), "bp_readings", 5); err != nil {
		t.Fatalf("complete for: %v", err)
	}
	stats, err := q.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Failed != 2 || stats.Completed != 1 || stats.Pending != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestRetryFailedRearmsEntries(t *testing.T) {
	q := newTestQueue(t, 1)
	mustEnqueue(t, q, EntryInput{Table: "users", RecordID: 1, Operation: OperationInsert})
	mustEnqueue(t, q, EntryInput{Table: "users", RecordID: 1, Operation: OperationUpdate})
	if _, err := q.RecordFailure(context.Background(), "users", 1, errors.New("boom")); err != nil {
		t.Fatalf("record failure: %v", err)
	}

	refs, err := q.RetryFailed(context.Background())
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if len(refs) != 1 || refs[0] != (RecordRef{Table: "users", RecordID: 1}) {
		t.Fatalf("expected one distinct record ref, got %+v", refs)
	}
	pending, err := q.Pending(context.Background(), 0)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 || pending[0].RetryCount != 0 {
		t.Fatalf("expected re-armed entries, got %+v", pending)
	}
}

func TestStatsCountsRetryingAndPurge(t *testing.T) {
	q := newTestQueue(t, 3)
	retrying := mustEnqueue(t, q, EntryInput{Table: "users", RecordID: 1, Operation: OperationInsert})
	done := mustEnqueue(t, q, EntryInput{Table: "users", RecordID: 2, Operation: OperationInsert})
	mustEnqueue(t, q, EntryInput{Table: "users", RecordID: 3, Operation: OperationInsert})

	if _, err := q.MarkResult(context.Background(), retrying.ID, StatusFailed, errors.New("flaky")); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := q.MarkResult(context.Background(), done.ID, StatusCompleted, nil); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	stats, err := q.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Pending != 2 || stats.Retrying != 1 || stats.Completed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	removed, err := q.Purge(context.Background(), StatusCompleted)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one purged entry, got %d", removed)
	}
	stats, err = q.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Completed != 0 || stats.Pending != 2 {
		t.Fatalf("purge must only remove completed entries, got %+v", stats)
	}
}
