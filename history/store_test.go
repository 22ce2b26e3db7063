package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T, cfg StoreConfig) *Store {
	t.Helper()
	if cfg.DSN == "" {
		cfg.DSN = filepath.Join(t.TempDir(), "history.db")
	}
	store, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestNewStoreRequiresDSN(t *testing.T) {
	if _, err := NewStore(StoreConfig{}); err == nil {
		t.Fatal("NewStore() error = nil, want non-nil")
	}
}

func TestAppendFillsDefaults(t *testing.T) {
	store := newTestStore(t, StoreConfig{})

	record, err := store.Append(context.Background(), Record{
		Tool:       "search_documents",
		Method:     "tools/call",
		DurationMS: 42,
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if record.ID == "" {
		t.Fatal("record.ID is empty, want generated id")
	}
	if record.CreatedAt.IsZero() {
		t.Fatal("record.CreatedAt is zero, want filled in")
	}
	if record.Status != StatusOK {
		t.Fatalf("record.Status = %q, want %q", record.Status, StatusOK)
	}
}

func TestRecentOrdersNewestFirst(t *testing.T) {
	store := newTestStore(t, StoreConfig{})
	base := time.Now().UTC().Add(-time.Hour)

	for i, tool := range []string{"first", "second", "third"} {
		_, err := store.Append(context.Background(), Record{
			Tool:      tool,
			Method:    "tools/call",
			Status:    StatusOK,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Append(%s) error = %v", tool, err)
		}
	}

	records, err := store.Recent(context.Background(), 2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}
	if records[0].Tool != "third" || records[1].Tool != "second" {
		t.Fatalf("order = [%s %s], want [third second]", records[0].Tool, records[1].Tool)
	}
}

func TestRecentRoundTripsFields(t *testing.T) {
	store := newTestStore(t, StoreConfig{})

	_, err := store.Append(context.Background(), Record{
		ID:         "call-1",
		Tool:       "read_file",
		Method:     "tools/call",
		Status:     StatusError,
		ErrorCode:  "TIMEOUT",
		DurationMS: 120000,
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	records, err := store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(records))
	}
	got := records[0]
	if got.ID != "call-1" || got.Tool != "read_file" || got.ErrorCode != "TIMEOUT" {
		t.Fatalf("record = %+v, want stored values back", got)
	}
	if got.DurationMS != 120000 {
		t.Fatalf("DurationMS = %d, want 120000", got.DurationMS)
	}
}

func TestPruneDeletesExpiredRecords(t *testing.T) {
	store := newTestStore(t, StoreConfig{
		RetentionAge:  time.Hour,
		PruneInterval: time.Hour,
	})

	_, err := store.Append(context.Background(), Record{
		Tool:      "old_call",
		Method:    "tools/call",
		Status:    StatusOK,
		CreatedAt: time.Now().UTC().Add(-2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Append(old) error = %v", err)
	}
	_, err = store.Append(context.Background(), Record{
		Tool:   "fresh_call",
		Method: "tools/call",
		Status: StatusOK,
	})
	if err != nil {
		t.Fatalf("Append(fresh) error = %v", err)
	}

	if err := store.Prune(context.Background()); err != nil {
		t.Fatalf("Prune() error = %v", err)
	}

	records, err := store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(records) != 1 || records[0].Tool != "fresh_call" {
		t.Fatalf("records = %+v, want only fresh_call", records)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	store := newTestStore(t, StoreConfig{RetentionAge: time.Hour})
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	// Cleanup will close again; the second close must not panic.
}
