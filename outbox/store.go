package outbox

import (
	"context"
	"database/sql"
	"time"
)

// Store defines the interface for outbox persistence.
//
// Implementations must be safe for concurrent use by multiple goroutines and
// multiple process instances. All errors are translated into the busguard
// sentinels: ErrDuplicateID on insert collisions, ErrNotFound for missing
// rows and ErrVersionConflict for lost optimistic-concurrency races.
//
// Implementations:
//   - MemoryStore: single-process deployments and tests
//   - PostgresStore: PostgreSQL via database/sql
//   - MongoStore: MongoDB
type Store interface {
	// Insert adds a new row. Returns busguard.ErrDuplicateID when a row
	// with the same id already exists; the primary key is the
	// deduplication invariant.
	Insert(ctx context.Context, msg *Message) error

	// Get fetches a row by id. Returns busguard.ErrNotFound when absent.
	Get(ctx context.Context, id string) (*Message, error)

	// Update writes the row if and only if the stored version matches
	// msg.Version, then increments the version (reflected in msg).
	// Returns busguard.ErrVersionConflict when another worker updated the
	// row first.
	Update(ctx context.Context, msg *Message) error

	// FetchPending returns up to limit new rows, oldest first.
	FetchPending(ctx context.Context, limit int) ([]*Message, error)

	// FetchRetryDue returns up to limit failed rows whose NextRetryAt has
	// elapsed, oldest first.
	FetchRetryDue(ctx context.Context, now time.Time, limit int) ([]*Message, error)

	// FetchStaleProcessing returns up to limit processing rows whose last
	// attempt started before the given time. These are rows orphaned by a
	// crashed or cancelled dispatcher and are safe to re-attempt.
	FetchStaleProcessing(ctx context.Context, before time.Time, limit int) ([]*Message, error)

	// CountProcessed returns the number of processed rows.
	CountProcessed(ctx context.Context) (int64, error)

	// FetchProcessedExcess returns up to limit processed rows beyond the
	// newest keep rows, oldest first. Used by the cap-by-count cleanup
	// pass; the newest keep rows are always retained.
	FetchProcessedExcess(ctx context.Context, keep int64, limit int) ([]*Message, error)

	// CountExpired returns how many rows are cleanup-eligible by age.
	CountExpired(ctx context.Context, now time.Time, processedRetention, failedRetention time.Duration) (int64, error)

	// FetchExpired returns up to limit cleanup-eligible rows, oldest first.
	FetchExpired(ctx context.Context, now time.Time, processedRetention, failedRetention time.Duration, limit int) ([]*Message, error)

	// Delete removes rows by id, returning how many were deleted.
	// Deletions through this path are infrastructure housekeeping and must
	// not emit any downstream domain events.
	Delete(ctx context.Context, ids []string) (int64, error)
}

// TxInserter is implemented by SQL-backed stores that can insert a row
// inside a caller-owned transaction, co-locating the outbox write with the
// business write.
type TxInserter interface {
	InsertTx(ctx context.Context, tx *sql.Tx, msg *Message) error
}
