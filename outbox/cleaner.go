package outbox

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// CleanerOptions configures the outbox cleaner.
type CleanerOptions struct {
	// Interval between cleanup cycles.
	Interval time.Duration
	// MaxStoredProcessed is the cap on processed rows; the newest rows up
	// to the cap are always kept.
	MaxStoredProcessed int64
	// BatchSize is the number of rows deleted per store round trip.
	BatchSize int
	// ProcessedRetention is how long processed rows are kept.
	ProcessedRetention time.Duration
	// FailedRetention is how long failed rows are kept. This is also the
	// effective retry horizon: once a failed row ages out, the relay stops
	// seeing it.
	FailedRetention time.Duration
	// PassRetryCount is how many times a failing cleanup pass is retried
	// within one cycle.
	PassRetryCount int
	// PassRetryDelay is the fixed sleep between pass retries.
	PassRetryDelay time.Duration
	// MaxIterations bounds the batches one cycle may delete, so a huge
	// backlog cannot pin a cycle forever.
	MaxIterations int

	Logger *slog.Logger
}

// DefaultCleanerOptions returns the default cleaner configuration.
func DefaultCleanerOptions() CleanerOptions {
	return CleanerOptions{
		Interval:           time.Minute,
		MaxStoredProcessed: 1_000_000,
		BatchSize:          100,
		ProcessedRetention: 7 * 24 * time.Hour,
		FailedRetention:    30 * 24 * time.Hour,
		PassRetryCount:     5,
		PassRetryDelay:     10 * time.Second,
		MaxIterations:      1000,
	}
}

// CleanerOption mutates CleanerOptions.
type CleanerOption func(*CleanerOptions)

// WithInterval sets the cycle interval.
func WithInterval(d time.Duration) CleanerOption {
	return func(o *CleanerOptions) {
		if d > 0 {
			o.Interval = d
		}
	}
}

// WithMaxStoredProcessed sets the processed-row count cap.
func WithMaxStoredProcessed(n int64) CleanerOption {
	return func(o *CleanerOptions) {
		if n > 0 {
			o.MaxStoredProcessed = n
		}
	}
}

// WithBatchSize sets the per-round-trip delete batch size.
func WithBatchSize(n int) CleanerOption {
	return func(o *CleanerOptions) {
		if n > 0 {
			o.BatchSize = n
		}
	}
}

// WithProcessedRetention sets the processed-row retention age.
func WithProcessedRetention(d time.Duration) CleanerOption {
	return func(o *CleanerOptions) {
		if d > 0 {
			o.ProcessedRetention = d
		}
	}
}

// WithFailedRetention sets the failed-row retention age.
func WithFailedRetention(d time.Duration) CleanerOption {
	return func(o *CleanerOptions) {
		if d > 0 {
			o.FailedRetention = d
		}
	}
}

// WithPassRetryCount sets how many times a failing pass is retried per cycle.
func WithPassRetryCount(n int) CleanerOption {
	return func(o *CleanerOptions) {
		if n > 0 {
			o.PassRetryCount = n
		}
	}
}

// WithPassRetryDelay sets the sleep between pass retries.
func WithPassRetryDelay(d time.Duration) CleanerOption {
	return func(o *CleanerOptions) {
		if d >= 0 {
			o.PassRetryDelay = d
		}
	}
}

// WithCleanerLogger sets a custom logger.
func WithCleanerLogger(l *slog.Logger) CleanerOption {
	return func(o *CleanerOptions) {
		if l != nil {
			o.Logger = l
		}
	}
}

// Once a pass has failed this many times in a cycle, subsequent failures
// log at error level instead of warn.
const cleanerMinRetryWarn = 2

// Cleaner bounds outbox table growth.
//
// Each cycle runs two passes: trim processed rows past the count cap
// (newest rows kept), then delete processed and failed rows past their
// retention ages. A pass that errors is retried with a fixed delay before
// the cycle gives up on it.
//
// The overlap guard is a process-local atomic flag, not a distributed
// lock: it only prevents one process's cycles from stacking up when a
// cycle outlasts the interval. Concurrent cleaners in different processes
// are harmless because deletes are idempotent, just wasteful.
type Cleaner struct {
	store        Store
	opts         CleanerOptions
	isProcessing atomic.Bool
	metrics      *metrics
}

// NewCleaner creates an outbox cleaner.
func NewCleaner(store Store, opts ...CleanerOption) *Cleaner {
	o := DefaultCleanerOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = slog.Default().With("component", "outbox.cleaner")
	}
	return &Cleaner{store: store, opts: o, metrics: newMetrics()}
}

// Start runs cleanup cycles until the context is cancelled.
func (c *Cleaner) Start(ctx context.Context) {
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single cleanup cycle and returns how many rows were
// deleted. Returns 0 immediately when a cycle is already running in this
// process.
func (c *Cleaner) RunOnce(ctx context.Context) int64 {
	if !c.isProcessing.CompareAndSwap(false, true) {
		return 0
	}
	defer c.isProcessing.Store(false)

	var deleted int64
	deleted += c.runPass(ctx, "cap-by-count", c.trimProcessedExcess)
	deleted += c.runPass(ctx, "cap-by-age", c.deleteExpired)
	if deleted > 0 {
		c.opts.Logger.Info("cleanup cycle finished", "deleted", deleted)
	}
	return deleted
}

// runPass executes a pass, retrying on error with a fixed delay.
func (c *Cleaner) runPass(ctx context.Context, name string, pass func(ctx context.Context) (int64, error)) int64 {
	var lastErr error
	for attempt := 0; attempt <= c.opts.PassRetryCount; attempt++ {
		if ctx.Err() != nil {
			return 0
		}
		if attempt > 0 {
			if attempt > cleanerMinRetryWarn {
				c.opts.Logger.Error("cleanup pass retrying", "pass", name, "attempt", attempt, "error", lastErr)
			} else {
				c.opts.Logger.Warn("cleanup pass retrying", "pass", name, "attempt", attempt, "error", lastErr)
			}
			select {
			case <-ctx.Done():
				return 0
			case <-time.After(c.opts.PassRetryDelay):
			}
		}
		deleted, err := pass(ctx)
		if err == nil {
			return deleted
		}
		lastErr = err
	}
	c.opts.Logger.Error("cleanup pass gave up", "pass", name, "error", lastErr)
	return 0
}

// trimProcessedExcess deletes processed rows beyond the count cap, oldest
// first, keeping the newest MaxStoredProcessed rows.
func (c *Cleaner) trimProcessedExcess(ctx context.Context) (int64, error) {
	count, err := c.store.CountProcessed(ctx)
	if err != nil {
		return 0, err
	}
	if count <= c.opts.MaxStoredProcessed {
		return 0, nil
	}

	var deleted int64
	for i := 0; i < c.opts.MaxIterations; i++ {
		rows, err := c.store.FetchProcessedExcess(ctx, c.opts.MaxStoredProcessed, c.opts.BatchSize)
		if err != nil {
			return deleted, err
		}
		if len(rows) == 0 {
			break
		}
		n, err := c.deleteRows(ctx, rows)
		deleted += n
		if err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

// deleteExpired deletes processed and failed rows past their retention ages.
func (c *Cleaner) deleteExpired(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	count, err := c.store.CountExpired(ctx, now, c.opts.ProcessedRetention, c.opts.FailedRetention)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}

	var deleted int64
	for i := 0; i < c.opts.MaxIterations; i++ {
		rows, err := c.store.FetchExpired(ctx, now, c.opts.ProcessedRetention, c.opts.FailedRetention, c.opts.BatchSize)
		if err != nil {
			return deleted, err
		}
		if len(rows) == 0 {
			break
		}
		n, err := c.deleteRows(ctx, rows)
		deleted += n
		if err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

func (c *Cleaner) deleteRows(ctx context.Context, rows []*Message) (int64, error) {
	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	n, err := c.store.Delete(ctx, ids)
	if n > 0 {
		c.metrics.cleaned.Add(ctx, n)
	}
	return n, err
}
