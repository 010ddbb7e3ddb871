package inbox

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/busguard/busguard/lifecycle"
)

func TestCleanerIgnoresExpiredFailed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	expired := &Message{
		ID:            "expired-failed",
		Consumer:      "handler",
		Payload:       []byte(`{}`),
		Status:        lifecycle.StatusFailed,
		CreatedAt:     now.Add(-10 * 24 * time.Hour),
		LastConsumeAt: now.Add(-10 * 24 * time.Hour),
	}
	recent := &Message{
		ID:            "recent-failed",
		Consumer:      "handler",
		Payload:       []byte(`{}`),
		Status:        lifecycle.StatusFailed,
		CreatedAt:     now.Add(-time.Hour),
		LastConsumeAt: now.Add(-time.Hour),
	}
	for _, m := range []*Message{expired, recent} {
		if err := store.Insert(ctx, m); err != nil {
			t.Fatalf("Insert %s: %v", m.ID, err)
		}
	}

	cleaner := NewCleaner(store, WithIgnoreAfter(7*24*time.Hour))
	if handled := cleaner.RunOnce(ctx); handled != 1 {
		t.Fatalf("handled %d rows, want 1", handled)
	}

	got, _ := store.Get(ctx, "expired-failed")
	if got.Status != lifecycle.StatusIgnored {
		t.Errorf("expired row status = %q, want ignored", got.Status)
	}
	got, _ = store.Get(ctx, "recent-failed")
	if got.Status != lifecycle.StatusFailed {
		t.Errorf("recent row status = %q, want failed", got.Status)
	}
}

func TestCleanerIgnoredIsTerminal(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	row := &Message{
		ID:            "ignored-row",
		Consumer:      "handler",
		Payload:       []byte(`{}`),
		Status:        lifecycle.StatusIgnored,
		CreatedAt:     now.Add(-time.Hour),
		LastConsumeAt: now.Add(-time.Hour),
	}
	if err := store.Insert(ctx, row); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// An ignored row within retention is neither retried, re-ignored nor
	// deleted.
	cleaner := NewCleaner(store)
	if handled := cleaner.RunOnce(ctx); handled != 0 {
		t.Fatalf("handled %d rows, want 0", handled)
	}
	if _, err := store.Get(ctx, "ignored-row"); err != nil {
		t.Fatalf("ignored row should survive: %v", err)
	}
}

func TestCleanerDeletesExpiredIgnored(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	row := &Message{
		ID:            "old-ignored",
		Consumer:      "handler",
		Payload:       []byte(`{}`),
		Status:        lifecycle.StatusIgnored,
		CreatedAt:     now.Add(-100 * time.Hour),
		LastConsumeAt: now.Add(-100 * time.Hour),
	}
	if err := store.Insert(ctx, row); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	cleaner := NewCleaner(store, WithFailedRetention(72*time.Hour))
	if handled := cleaner.RunOnce(ctx); handled != 1 {
		t.Fatalf("handled %d rows, want 1", handled)
	}
	if store.Len() != 0 {
		t.Fatalf("store holds %d rows, want 0", store.Len())
	}
}

func TestCleanerCapByCount(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Now().UTC().Add(-150 * time.Second)

	for i := 0; i < 150; i++ {
		msg := &Message{
			ID:            fmt.Sprintf("msg-%04d", i),
			Consumer:      "handler",
			Payload:       []byte(`{}`),
			Status:        lifecycle.StatusProcessed,
			CreatedAt:     base.Add(time.Duration(i) * time.Second),
			LastConsumeAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := store.Insert(ctx, msg); err != nil {
			t.Fatalf("Insert %s: %v", msg.ID, err)
		}
	}

	cleaner := NewCleaner(store,
		WithMaxStoredProcessed(100),
		WithBatchSize(20),
		WithProcessedRetention(24*time.Hour),
	)
	if handled := cleaner.RunOnce(ctx); handled != 50 {
		t.Fatalf("handled %d rows, want 50", handled)
	}
	if _, err := store.Get(ctx, "msg-0000"); err == nil {
		t.Error("oldest row should be deleted")
	}
	if _, err := store.Get(ctx, "msg-0149"); err != nil {
		t.Errorf("newest row should survive: %v", err)
	}
}
