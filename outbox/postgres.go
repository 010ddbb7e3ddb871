package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/busguard/busguard"
	"github.com/busguard/busguard/lifecycle"
)

// PostgresStore implements Store on a PostgreSQL table via database/sql.
//
// Duplicate detection rides the primary-key constraint (insert with ON
// CONFLICT DO NOTHING, zero rows affected means duplicate) and optimistic
// concurrency rides a versioned UPDATE, so neither needs a read-then-write
// round trip.
type PostgresStore struct {
	db    *sql.DB
	table string
}

// NewPostgresStore creates a store over the given database handle using the
// default table name "outbox_messages".
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, table: "outbox_messages"}
}

// WithTable overrides the table name.
func (s *PostgresStore) WithTable(name string) *PostgresStore {
	if name != "" {
		s.table = name
	}
	return s
}

// CreateTable creates the outbox table and its indexes if they do not
// exist. Intended for tests and simple deployments; production schemas are
// usually managed by migrations.
func (s *PostgresStore) CreateTable(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id            TEXT PRIMARY KEY,
			payload       BYTEA NOT NULL,
			message_type  TEXT NOT NULL,
			routing_key   TEXT NOT NULL,
			metadata      JSONB,
			status        TEXT NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL,
			last_send_at  TIMESTAMPTZ,
			last_error    TEXT NOT NULL DEFAULT '',
			retry_count   INTEGER NOT NULL DEFAULT 0,
			next_retry_at TIMESTAMPTZ,
			version       BIGINT NOT NULL DEFAULT 0
		)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_status_created_idx ON %s (status, created_at)`, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_status_retry_idx ON %s (status, next_retry_at)`, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_status_send_idx ON %s (status, last_send_at, created_at)`, s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create outbox table: %w", err)
		}
	}
	return nil
}

const insertColumns = `id, payload, message_type, routing_key, metadata, status,
	created_at, last_send_at, last_error, retry_count, next_retry_at, version`

// Insert adds a new row.
func (s *PostgresStore) Insert(ctx context.Context, msg *Message) error {
	return s.insert(ctx, s.db, msg)
}

// InsertTx adds a new row inside the caller's transaction.
func (s *PostgresStore) InsertTx(ctx context.Context, tx *sql.Tx, msg *Message) error {
	return s.insert(ctx, tx, msg)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *PostgresStore) insert(ctx context.Context, db execer, msg *Message) error {
	meta, err := marshalMetadata(msg.Metadata)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`, s.table, insertColumns)
	res, err := db.ExecContext(ctx, query,
		msg.ID, msg.Payload, msg.MessageType, msg.RoutingKey, meta,
		string(msg.Status), msg.CreatedAt, nullTime(msg.LastSendAt),
		msg.LastError, msg.RetryCount, msg.NextRetryAt, msg.Version)
	if err != nil {
		return fmt.Errorf("insert outbox row: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert outbox row: %w", err)
	}
	if n == 0 {
		return busguard.ErrDuplicateID
	}
	return nil
}

// Get fetches a row by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, insertColumns, s.table)
	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, busguard.ErrNotFound
	}
	return msg, err
}

// Update writes the row under an optimistic version check.
func (s *PostgresStore) Update(ctx context.Context, msg *Message) error {
	meta, err := marshalMetadata(msg.Metadata)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET
		payload = $3, message_type = $4, routing_key = $5, metadata = $6,
		status = $7, last_send_at = $8, last_error = $9, retry_count = $10,
		next_retry_at = $11, version = version + 1
		WHERE id = $1 AND version = $2`, s.table)
	res, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.Version, msg.Payload, msg.MessageType, msg.RoutingKey,
		meta, string(msg.Status), nullTime(msg.LastSendAt), msg.LastError,
		msg.RetryCount, msg.NextRetryAt)
	if err != nil {
		return fmt.Errorf("update outbox row: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update outbox row: %w", err)
	}
	if n == 0 {
		// Version mismatch or the row was deleted; distinguish them.
		var exists bool
		check := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, s.table)
		if err := s.db.QueryRowContext(ctx, check, msg.ID).Scan(&exists); err != nil {
			return fmt.Errorf("update outbox row: %w", err)
		}
		if !exists {
			return busguard.ErrNotFound
		}
		return busguard.ErrVersionConflict
	}
	msg.Version++
	return nil
}

// FetchPending returns new rows, oldest first.
func (s *PostgresStore) FetchPending(ctx context.Context, limit int) ([]*Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE status = $1 ORDER BY created_at LIMIT $2`, insertColumns, s.table)
	return s.query(ctx, query, string(lifecycle.StatusNew), limit)
}

// FetchRetryDue returns failed rows whose retry time has elapsed.
func (s *PostgresStore) FetchRetryDue(ctx context.Context, now time.Time, limit int) ([]*Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE status = $1 AND next_retry_at IS NOT NULL AND next_retry_at <= $2
		ORDER BY created_at LIMIT $3`, insertColumns, s.table)
	return s.query(ctx, query, string(lifecycle.StatusFailed), now, limit)
}

// FetchStaleProcessing returns processing rows orphaned before the given time.
func (s *PostgresStore) FetchStaleProcessing(ctx context.Context, before time.Time, limit int) ([]*Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE status = $1 AND last_send_at < $2
		ORDER BY created_at LIMIT $3`, insertColumns, s.table)
	return s.query(ctx, query, string(lifecycle.StatusProcessing), before, limit)
}

// CountProcessed returns the number of processed rows.
func (s *PostgresStore) CountProcessed(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE status = $1`, s.table)
	var n int64
	if err := s.db.QueryRowContext(ctx, query, string(lifecycle.StatusProcessed)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count processed: %w", err)
	}
	return n, nil
}

// FetchProcessedExcess returns processed rows beyond the newest keep rows,
// oldest first.
func (s *PostgresStore) FetchProcessedExcess(ctx context.Context, keep int64, limit int) ([]*Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM (
			SELECT %s FROM %s WHERE status = $1
			ORDER BY created_at DESC OFFSET $2
		) excess ORDER BY created_at LIMIT $3`, insertColumns, insertColumns, s.table)
	return s.query(ctx, query, string(lifecycle.StatusProcessed), keep, limit)
}

// CountExpired returns how many rows are cleanup-eligible by age.
func (s *PostgresStore) CountExpired(ctx context.Context, now time.Time, processedRetention, failedRetention time.Duration) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s
		WHERE (status = $1 AND last_send_at < $2)
		   OR (status = $3 AND last_send_at < $4)`, s.table)
	var n int64
	err := s.db.QueryRowContext(ctx, query,
		string(lifecycle.StatusProcessed), now.Add(-processedRetention),
		string(lifecycle.StatusFailed), now.Add(-failedRetention)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count expired: %w", err)
	}
	return n, nil
}

// FetchExpired returns cleanup-eligible rows, oldest first.
func (s *PostgresStore) FetchExpired(ctx context.Context, now time.Time, processedRetention, failedRetention time.Duration, limit int) ([]*Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE (status = $1 AND last_send_at < $2)
		   OR (status = $3 AND last_send_at < $4)
		ORDER BY created_at LIMIT $5`, insertColumns, s.table)
	return s.query(ctx, query,
		string(lifecycle.StatusProcessed), now.Add(-processedRetention),
		string(lifecycle.StatusFailed), now.Add(-failedRetention), limit)
}

// Delete removes rows by id.
func (s *PostgresStore) Delete(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id IN (%s)`,
		s.table, strings.Join(placeholders, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete outbox rows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete outbox rows: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) query(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox rows: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query outbox rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		msg        Message
		status     string
		meta       []byte
		lastSendAt sql.NullTime
		nextRetry  sql.NullTime
	)
	err := row.Scan(&msg.ID, &msg.Payload, &msg.MessageType, &msg.RoutingKey,
		&meta, &status, &msg.CreatedAt, &lastSendAt, &msg.LastError,
		&msg.RetryCount, &nextRetry, &msg.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan outbox row: %w", err)
	}
	msg.Status = lifecycle.Status(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &msg.Metadata); err != nil {
			return nil, fmt.Errorf("scan outbox row metadata: %w", err)
		}
	}
	if lastSendAt.Valid {
		msg.LastSendAt = lastSendAt.Time
	}
	if nextRetry.Valid {
		t := nextRetry.Time
		msg.NextRetryAt = &t
	}
	return &msg, nil
}

func marshalMetadata(meta map[string]string) ([]byte, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return data, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// Compile-time checks.
var (
	_ Store      = (*PostgresStore)(nil)
	_ TxInserter = (*PostgresStore)(nil)
)
