package outbox

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Relay is the background dispatcher for outbox rows.
//
// On each tick it scans three populations and hands every row to the
// producer's dispatch path: new rows never attempted, failed rows whose
// retry time has elapsed, and processing rows stale enough that their
// dispatcher must have died. There is no retry ceiling; rows keep retrying
// until they succeed or the cleaner's retention window removes them.
//
// Multiple relays may run against the same store: the dispatch claim
// arbitrates ownership per row, so a relay can run in every process
// instance without coordination.
type Relay struct {
	store    Store
	producer *Producer

	interval   time.Duration
	batchSize  int
	staleAfter time.Duration
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewRelay creates a relay with default settings: 1m interval, batch of
// 100 rows per population, processing rows considered stale after 5m, no
// rate limit.
func NewRelay(store Store, producer *Producer) *Relay {
	return &Relay{
		store:      store,
		producer:   producer,
		interval:   time.Minute,
		batchSize:  100,
		staleAfter: 5 * time.Minute,
		logger:     slog.Default().With("component", "outbox.relay"),
	}
}

// WithInterval sets the scan interval.
func (r *Relay) WithInterval(d time.Duration) *Relay {
	if d > 0 {
		r.interval = d
	}
	return r
}

// WithBatchSize bounds how many rows each population contributes per tick.
func (r *Relay) WithBatchSize(n int) *Relay {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

// WithStaleAfter sets how long a processing row may sit before it is
// treated as orphaned and re-dispatched. Keep this comfortably above the
// producer's publish timeout.
func (r *Relay) WithStaleAfter(d time.Duration) *Relay {
	if d > 0 {
		r.staleAfter = d
	}
	return r
}

// WithRateLimit caps dispatches per second across all populations.
func (r *Relay) WithRateLimit(perSecond float64) *Relay {
	if perSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
	return r
}

// WithLogger sets a custom logger.
func (r *Relay) WithLogger(l *slog.Logger) *Relay {
	if l != nil {
		r.logger = l
	}
	return r
}

// Start runs the relay loop until the context is cancelled. An immediate
// scan runs before the first tick.
func (r *Relay) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single scan-and-dispatch cycle and returns how many
// rows were dispatched successfully. Fetch and dispatch errors are logged,
// not returned; the next tick retries.
func (r *Relay) RunOnce(ctx context.Context) int {
	now := time.Now().UTC()
	sent := 0
	sent += r.dispatchBatch(ctx, "pending", func() ([]*Message, error) {
		return r.store.FetchPending(ctx, r.batchSize)
	})
	sent += r.dispatchBatch(ctx, "retry", func() ([]*Message, error) {
		return r.store.FetchRetryDue(ctx, now, r.batchSize)
	})
	sent += r.dispatchBatch(ctx, "stale", func() ([]*Message, error) {
		return r.store.FetchStaleProcessing(ctx, now.Add(-r.staleAfter), r.batchSize)
	})
	return sent
}

func (r *Relay) dispatchBatch(ctx context.Context, population string, fetch func() ([]*Message, error)) int {
	rows, err := fetch()
	if err != nil {
		r.logger.Error("fetch failed", "population", population, "error", err)
		return 0
	}
	sent := 0
	for _, row := range rows {
		if ctx.Err() != nil {
			return sent
		}
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return sent
			}
		}
		if err := r.producer.DispatchPending(ctx, row); err != nil {
			r.logger.Warn("dispatch failed", "population", population, "id", row.ID, "error", err)
			continue
		}
		sent++
	}
	return sent
}
