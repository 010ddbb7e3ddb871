package inbox

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/busguard/busguard"
)

// Redeliverer is the background retry loop for inbox rows.
//
// On each tick it scans new rows whose background execution never ran
// (process died between insert and execute), failed rows whose retry time
// has elapsed, and processing rows stale enough that their worker must
// have died, and re-runs their consumers. There is no retry ceiling; the
// cleaner's ignore pass is what terminates retries.
//
// A row whose consumer is no longer registered is a configuration error:
// it is logged and left as is, since no retry can succeed until the
// registration returns.
type Redeliverer struct {
	store Store
	guard *Guard

	interval   time.Duration
	batchSize  int
	staleAfter time.Duration
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewRedeliverer creates a redeliverer with default settings: 1m interval,
// batch of 100 rows per population, processing rows considered stale after
// 5m, no rate limit.
func NewRedeliverer(store Store, guard *Guard) *Redeliverer {
	return &Redeliverer{
		store:      store,
		guard:      guard,
		interval:   time.Minute,
		batchSize:  100,
		staleAfter: 5 * time.Minute,
		logger:     slog.Default().With("component", "inbox.redeliverer"),
	}
}

// WithInterval sets the scan interval.
func (r *Redeliverer) WithInterval(d time.Duration) *Redeliverer {
	if d > 0 {
		r.interval = d
	}
	return r
}

// WithBatchSize bounds how many rows each population contributes per tick.
func (r *Redeliverer) WithBatchSize(n int) *Redeliverer {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

// WithStaleAfter sets how long a processing row may sit before it is
// treated as orphaned and re-executed.
func (r *Redeliverer) WithStaleAfter(d time.Duration) *Redeliverer {
	if d > 0 {
		r.staleAfter = d
	}
	return r
}

// WithRateLimit caps executions per second across all populations.
func (r *Redeliverer) WithRateLimit(perSecond float64) *Redeliverer {
	if perSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
	return r
}

// WithLogger sets a custom logger.
func (r *Redeliverer) WithLogger(l *slog.Logger) *Redeliverer {
	if l != nil {
		r.logger = l
	}
	return r
}

// Start runs the redelivery loop until the context is cancelled. An
// immediate scan runs before the first tick.
func (r *Redeliverer) Start(ctx context.Context) {
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

// RunOnce performs a single scan-and-retry cycle and returns how many rows
// were executed successfully.
func (r *Redeliverer) RunOnce(ctx context.Context) int {
	now := time.Now().UTC()
	done := 0
	done += r.retryBatch(ctx, "pending", func() ([]*Message, error) {
		return r.store.FetchPending(ctx, r.batchSize)
	})
	done += r.retryBatch(ctx, "retry", func() ([]*Message, error) {
		return r.store.FetchRetryDue(ctx, now, r.batchSize)
	})
	done += r.retryBatch(ctx, "stale", func() ([]*Message, error) {
		return r.store.FetchStaleProcessing(ctx, now.Add(-r.staleAfter), r.batchSize)
	})
	return done
}

func (r *Redeliverer) retryBatch(ctx context.Context, population string, fetch func() ([]*Message, error)) int {
	rows, err := fetch()
	if err != nil {
		r.logger.Error("fetch failed", "population", population, "error", err)
		return 0
	}
	done := 0
	for _, row := range rows {
		if ctx.Err() != nil {
			return done
		}
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return done
			}
		}
		if err := r.redeliver(ctx, row); err != nil {
			r.logger.Warn("redelivery failed", "population", population,
				"id", row.ID, "consumer", row.Consumer, "error", err)
			continue
		}
		done++
	}
	return done
}

func (r *Redeliverer) redeliver(ctx context.Context, row *Message) error {
	c, err := r.guard.registry.Consumer(row.Consumer)
	if err != nil {
		if busguard.IsConfigurationError(err) {
			r.logger.Error("consumer no longer registered; row left for inspection",
				"id", row.ID, "consumer", row.Consumer)
			return nil
		}
		return err
	}
	return r.guard.retryExisting(ctx, c, row)
}
