package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/busguard/busguard"
	"github.com/busguard/busguard/lifecycle"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	next := time.Now().UTC().Add(time.Minute)

	msg := &Message{
		ID:          "track-1",
		Payload:     []byte(`{"order_id":"o-1"}`),
		MessageType: "billing.OrderShipped",
		RoutingKey:  "message.billing.OrderShipped.shipped",
		Metadata:    map[string]string{"content-type": "application/json"},
		Status:      lifecycle.StatusFailed,
		CreatedAt:   time.Now().UTC(),
		LastSendAt:  time.Now().UTC(),
		LastError:   "broker down",
		RetryCount:  2,
		NextRetryAt: &next,
	}
	if err := store.Insert(ctx, msg); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := store.Get(ctx, "track-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if diff := cmp.Diff(msg, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	t.Run("missing row", func(t *testing.T) {
		if _, err := store.Get(ctx, "absent"); err != busguard.ErrNotFound {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestMemoryStoreVersioning(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	msg := &Message{ID: "v", Payload: []byte(`{}`), Status: lifecycle.StatusNew, CreatedAt: time.Now().UTC()}
	if err := store.Insert(ctx, msg); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	first := msg.Clone()
	second := msg.Clone()

	first.Status = lifecycle.StatusProcessing
	if err := store.Update(ctx, first); err != nil {
		t.Fatalf("first Update: %v", err)
	}
	if first.Version != 1 {
		t.Errorf("Version = %d after update, want 1", first.Version)
	}

	second.Status = lifecycle.StatusProcessing
	if err := store.Update(ctx, second); !busguard.IsConflict(err) {
		t.Fatalf("stale update err = %v, want ErrVersionConflict", err)
	}
}

func TestMemoryStoreCloneIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	msg := &Message{
		ID:        "iso",
		Payload:   []byte(`{}`),
		Metadata:  map[string]string{"k": "v"},
		Status:    lifecycle.StatusNew,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.Insert(ctx, msg); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// Mutating the caller's copy after insert must not leak into the store.
	msg.Metadata["k"] = "mutated"
	msg.Payload[0] = 'X'

	got, err := store.Get(ctx, "iso")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Metadata["k"] != "v" {
		t.Errorf("stored metadata mutated: %q", got.Metadata["k"])
	}
	if got.Payload[0] != '{' {
		t.Errorf("stored payload mutated: %q", got.Payload)
	}
}

func TestMemoryStoreFetchOrdering(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Now().UTC()

	for i, id := range []string{"third", "first", "second"} {
		offset := []time.Duration{2 * time.Second, 0, time.Second}[i]
		msg := &Message{ID: id, Payload: []byte(`{}`), Status: lifecycle.StatusNew, CreatedAt: base.Add(offset)}
		if err := store.Insert(ctx, msg); err != nil {
			t.Fatalf("Insert %s: %v", id, err)
		}
	}

	rows, err := store.FetchPending(ctx, 10)
	if err != nil {
		t.Fatalf("FetchPending: %v", err)
	}
	want := []string{"first", "second", "third"}
	for i, row := range rows {
		if row.ID != want[i] {
			t.Errorf("rows[%d].ID = %q, want %q", i, row.ID, want[i])
		}
	}

	t.Run("limit", func(t *testing.T) {
		rows, err := store.FetchPending(ctx, 2)
		if err != nil {
			t.Fatalf("FetchPending: %v", err)
		}
		if len(rows) != 2 {
			t.Fatalf("len = %d, want 2", len(rows))
		}
	})
}
