package outbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/busguard/busguard"
	"github.com/busguard/busguard/lifecycle"
	"github.com/busguard/busguard/routing"
	"github.com/busguard/busguard/transport"
)

type orderShipped struct {
	OrderID string `json:"order_id"`
}

// stubTransport records publishes and fails on demand.
type stubTransport struct {
	mu        sync.Mutex
	published []transport.Message
	err       error
}

func (t *stubTransport) Publish(ctx context.Context, routingKey string, msg transport.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.published = append(t.published, msg)
	return nil
}

func (t *stubTransport) Subscribe(ctx context.Context, routingKey string, h transport.Handler) (transport.Subscription, error) {
	return nil, errors.New("not implemented")
}

func (t *stubTransport) Close(ctx context.Context) error { return nil }

func (t *stubTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.published)
}

func testKey(t *testing.T) routing.Key {
	t.Helper()
	return routing.Key{Group: "message", Context: "billing", MessageType: "orderShipped", Action: "shipped"}
}

func TestProducerEnqueue(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	producer := NewProducer(store, &stubTransport{}, WithSource("billing"))

	msg, err := producer.Enqueue(ctx, &orderShipped{OrderID: "o-1"}, testKey(t), "track-1")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if msg.ID != "track-1" {
		t.Errorf("ID = %q, want track-1", msg.ID)
	}
	if msg.Status != lifecycle.StatusNew {
		t.Errorf("Status = %q, want new", msg.Status)
	}
	if msg.MessageType != "outbox.orderShipped" {
		t.Errorf("MessageType = %q", msg.MessageType)
	}

	t.Run("duplicate tracking id", func(t *testing.T) {
		_, err := producer.Enqueue(ctx, &orderShipped{OrderID: "o-1"}, testKey(t), "track-1")
		if !busguard.IsDuplicate(err) {
			t.Fatalf("err = %v, want ErrDuplicateID", err)
		}
	})

	t.Run("empty tracking id generates one", func(t *testing.T) {
		msg, err := producer.Enqueue(ctx, &orderShipped{OrderID: "o-2"}, testKey(t), "")
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if msg.ID == "" {
			t.Fatal("expected generated id")
		}
	})
}

func TestProducerDispatchSuccess(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tr := &stubTransport{}
	producer := NewProducer(store, tr)

	msg, err := producer.Enqueue(ctx, &orderShipped{OrderID: "o-1"}, testKey(t), "track-1")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := producer.DispatchPending(ctx, msg); err != nil {
		t.Fatalf("DispatchPending: %v", err)
	}
	if tr.count() != 1 {
		t.Fatalf("published %d messages, want 1", tr.count())
	}

	stored, err := store.Get(ctx, "track-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != lifecycle.StatusProcessed {
		t.Errorf("Status = %q, want processed", stored.Status)
	}
	if stored.NextRetryAt != nil {
		t.Error("NextRetryAt should be cleared after success")
	}
}

func TestProducerDispatchFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tr := &stubTransport{err: errors.New("broker down")}
	producer := NewProducer(store, tr, WithRetryUnit(10*time.Second))

	msg, err := producer.Enqueue(ctx, &orderShipped{OrderID: "o-1"}, testKey(t), "track-1")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := producer.DispatchPending(ctx, msg); err == nil {
		t.Fatal("expected dispatch error")
	}

	stored, err := store.Get(ctx, "track-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != lifecycle.StatusFailed {
		t.Errorf("Status = %q, want failed", stored.Status)
	}
	if stored.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", stored.RetryCount)
	}
	if stored.LastError == "" {
		t.Error("LastError should capture the transport failure")
	}
	if stored.NextRetryAt == nil {
		t.Fatal("NextRetryAt should be scheduled")
	}
	// Backoff is unit * 2^retried: first failure schedules 20s out.
	wait := stored.NextRetryAt.Sub(stored.LastSendAt)
	if wait != 20*time.Second {
		t.Errorf("retry scheduled %v after attempt, want 20s", wait)
	}
}

func TestProducerDispatchConcurrent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tr := &stubTransport{}
	producer := NewProducer(store, tr)

	msg, err := producer.Enqueue(ctx, &orderShipped{OrderID: "o-1"}, testKey(t), "track-1")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// All dispatchers hold the same snapshot: exactly one claim can win the
	// version race, so exactly one publish happens.
	const dispatchers = 16
	var wg sync.WaitGroup
	var failed atomic.Int32
	for i := 0; i < dispatchers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := producer.DispatchPending(ctx, msg); err != nil {
				failed.Add(1)
			}
		}()
	}
	wg.Wait()

	if failed.Load() != 0 {
		t.Errorf("%d dispatchers returned errors, want 0 (losers abort silently)", failed.Load())
	}
	if tr.count() != 1 {
		t.Fatalf("published %d messages, want exactly 1", tr.count())
	}
}

func TestProducerEnqueueTxUnsupported(t *testing.T) {
	producer := NewProducer(NewMemoryStore(), &stubTransport{})
	_, err := producer.EnqueueTx(context.Background(), nil, &orderShipped{}, testKey(t), "track-1")
	if err == nil {
		t.Fatal("expected error for store without transactional insert")
	}
}

func TestTypeName(t *testing.T) {
	if got := TypeName(&orderShipped{}); got != "outbox.orderShipped" {
		t.Errorf("TypeName(ptr) = %q", got)
	}
	if got := TypeName(orderShipped{}); got != "outbox.orderShipped" {
		t.Errorf("TypeName(value) = %q", got)
	}
}
