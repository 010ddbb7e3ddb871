package inbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/busguard/busguard"
	"github.com/busguard/busguard/lifecycle"
)

// MemoryStore implements Store with an in-process map. Versioning behaves
// exactly like the persistent stores so concurrency behavior can be
// exercised in tests.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]*Message
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*Message)}
}

// Insert adds a new row.
func (s *MemoryStore) Insert(ctx context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[msg.ID]; ok {
		return busguard.ErrDuplicateID
	}
	s.rows[msg.ID] = msg.Clone()
	return nil
}

// Get fetches a row by id.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, busguard.ErrNotFound
	}
	return row.Clone(), nil
}

// Update writes the row under an optimistic version check.
func (s *MemoryStore) Update(ctx context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[msg.ID]
	if !ok {
		return busguard.ErrNotFound
	}
	if row.Version != msg.Version {
		return busguard.ErrVersionConflict
	}
	updated := msg.Clone()
	updated.Version++
	s.rows[msg.ID] = updated
	msg.Version = updated.Version
	return nil
}

// FetchPending returns new rows, oldest first.
func (s *MemoryStore) FetchPending(ctx context.Context, limit int) ([]*Message, error) {
	return s.fetch(limit, func(m *Message) bool {
		return m.Status == lifecycle.StatusNew
	})
}

// FetchRetryDue returns failed rows whose retry time has elapsed.
func (s *MemoryStore) FetchRetryDue(ctx context.Context, now time.Time, limit int) ([]*Message, error) {
	return s.fetch(limit, func(m *Message) bool {
		return m.Status == lifecycle.StatusFailed &&
			m.NextRetryAt != nil && !m.NextRetryAt.After(now)
	})
}

// FetchStaleProcessing returns processing rows whose attempt started before
// the given time.
func (s *MemoryStore) FetchStaleProcessing(ctx context.Context, before time.Time, limit int) ([]*Message, error) {
	return s.fetch(limit, func(m *Message) bool {
		return m.Status == lifecycle.StatusProcessing && m.LastConsumeAt.Before(before)
	})
}

// FetchIgnorable returns failed rows whose retry window expired.
func (s *MemoryStore) FetchIgnorable(ctx context.Context, now time.Time, ignoreAfter time.Duration, limit int) ([]*Message, error) {
	return s.fetch(limit, func(m *Message) bool {
		return lifecycle.IgnoreEligible(m.Status, m.LastConsumeAt, now, ignoreAfter)
	})
}

// CountProcessed returns the number of processed rows.
func (s *MemoryStore) CountProcessed(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.rows {
		if m.Status == lifecycle.StatusProcessed {
			n++
		}
	}
	return n, nil
}

// FetchProcessedExcess returns processed rows beyond the newest keep rows,
// oldest first.
func (s *MemoryStore) FetchProcessedExcess(ctx context.Context, keep int64, limit int) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var processed []*Message
	for _, m := range s.rows {
		if m.Status == lifecycle.StatusProcessed {
			processed = append(processed, m)
		}
	}
	sort.Slice(processed, func(i, j int) bool {
		return processed[i].CreatedAt.After(processed[j].CreatedAt)
	})
	if int64(len(processed)) <= keep {
		return nil, nil
	}
	excess := processed[keep:]
	sort.Slice(excess, func(i, j int) bool {
		return excess[i].CreatedAt.Before(excess[j].CreatedAt)
	})
	if len(excess) > limit {
		excess = excess[:limit]
	}
	out := make([]*Message, len(excess))
	for i, m := range excess {
		out[i] = m.Clone()
	}
	return out, nil
}

// CountExpired returns how many rows are cleanup-eligible by age.
func (s *MemoryStore) CountExpired(ctx context.Context, now time.Time, processedRetention, failedRetention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.rows {
		if expired(m, now, processedRetention, failedRetention) {
			n++
		}
	}
	return n, nil
}

// FetchExpired returns cleanup-eligible rows, oldest first.
func (s *MemoryStore) FetchExpired(ctx context.Context, now time.Time, processedRetention, failedRetention time.Duration, limit int) ([]*Message, error) {
	return s.fetch(limit, func(m *Message) bool {
		return expired(m, now, processedRetention, failedRetention)
	})
}

// expired extends lifecycle eligibility with the inbox-only ignored state,
// which ages out under the failed retention.
func expired(m *Message, now time.Time, processedRetention, failedRetention time.Duration) bool {
	if m.Status == lifecycle.StatusIgnored {
		return !m.LastConsumeAt.After(now.Add(-failedRetention))
	}
	return lifecycle.CleanupEligible(m.Status, m.LastConsumeAt, now, processedRetention, failedRetention)
}

// Delete removes rows by id.
func (s *MemoryStore) Delete(ctx context.Context, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range ids {
		if _, ok := s.rows[id]; ok {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of rows. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// fetch returns matching rows, oldest first, bounded by limit.
func (s *MemoryStore) fetch(limit int, match func(*Message) bool) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Message
	for _, m := range s.rows {
		if match(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for i, m := range out {
		out[i] = m.Clone()
	}
	return out, nil
}

// Compile-time check.
var _ Store = (*MemoryStore)(nil)
