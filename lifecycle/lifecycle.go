// Package lifecycle implements the pure state machine governing message
// delivery: allowed status transitions, exponential retry backoff and
// cleanup/ignore eligibility.
//
// The package performs no I/O and holds no state. Every function is
// deterministic given its inputs so outcomes can be replayed in tests.
//
// # Status graphs
//
// Outbox messages move through:
//
//	new → processing → processed
//	                 → failed → processing (retry) → ...
//
// Inbox messages additionally support a terminal ignored state for failed
// rows whose retry window has expired:
//
//	new → processing → processed
//	                 → failed → processing (retry)
//	                          → ignored (terminal)
//
// Transitions are monotonic: a processed row never returns to processing,
// and an ignored row never leaves ignored.
package lifecycle

import "time"

// Status is the lifecycle state of an outbox or inbox message row.
type Status string

const (
	// StatusNew indicates the row was persisted but no delivery or
	// consumption attempt has started yet.
	StatusNew Status = "new"

	// StatusProcessing indicates a worker has claimed the row and an
	// attempt is in flight.
	StatusProcessing Status = "processing"

	// StatusProcessed indicates the attempt succeeded. Terminal for
	// delivery; the row remains only until cleanup removes it.
	StatusProcessed Status = "processed"

	// StatusFailed indicates the last attempt failed. The row carries the
	// error detail and a retry schedule.
	StatusFailed Status = "failed"

	// StatusIgnored indicates a failed inbox row whose retry window
	// expired. Terminal: the row is never retried again.
	StatusIgnored Status = "ignored"
)

// Graph is a set of allowed status transitions.
type Graph map[Status][]Status

// OutboxTransitions is the transition graph for outbox (send-side) rows.
var OutboxTransitions = Graph{
	StatusNew:        {StatusProcessing},
	StatusProcessing: {StatusProcessed, StatusFailed},
	StatusFailed:     {StatusProcessing},
}

// InboxTransitions is the transition graph for inbox (consume-side) rows.
var InboxTransitions = Graph{
	StatusNew:        {StatusProcessing},
	StatusProcessing: {StatusProcessed, StatusFailed},
	StatusFailed:     {StatusProcessing, StatusIgnored},
}

// CanTransition reports whether moving from one status to another is allowed
// by the graph. Self-transitions are permitted: re-marking a row with its
// current status is how idempotent re-fetch-then-update retries converge.
func (g Graph) CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range g[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves the status.
func (g Graph) Terminal(s Status) bool {
	return len(g[s]) == 0
}

// maxBackoffShift caps the backoff exponent so the delay cannot overflow a
// time.Duration regardless of how many retries a row has accumulated.
const maxBackoffShift = 16

// NextRetryTime computes when a failed message becomes eligible for its next
// attempt: now + unit * 2^retried, with the exponent capped.
//
// The result is deterministic for identical (retried, unit, now) inputs.
// With unit=10s the schedule from now is 10s, 20s, 40s, 80s, ... and delays
// are monotonically non-decreasing in the retry count.
func NextRetryTime(now time.Time, retried int, unit time.Duration) time.Time {
	if retried < 0 {
		retried = 0
	}
	if retried > maxBackoffShift {
		retried = maxBackoffShift
	}
	return now.Add(unit << uint(retried))
}

// CleanupEligible reports whether a row may be physically deleted: processed
// rows past the processed retention, or failed rows past the failed
// retention. lastAction is the row's most recent send/consume timestamp.
func CleanupEligible(status Status, lastAction, now time.Time, processedRetention, failedRetention time.Duration) bool {
	switch status {
	case StatusProcessed:
		return !lastAction.After(now.Add(-processedRetention))
	case StatusFailed:
		return !lastAction.After(now.Add(-failedRetention))
	default:
		return false
	}
}

// IgnoreEligible reports whether a failed row's retry window has expired and
// it should be marked ignored instead of retried again. Only the inbox uses
// this: outbox rows keep retrying until retention deletes them.
func IgnoreEligible(status Status, lastAction, now time.Time, ignoreAfter time.Duration) bool {
	return status == StatusFailed && !lastAction.After(now.Add(-ignoreAfter))
}
