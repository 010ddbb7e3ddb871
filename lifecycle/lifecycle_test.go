package lifecycle

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	t.Run("outbox allows retry cycle", func(t *testing.T) {
		cases := []struct {
			from, to Status
			want     bool
		}{
			{StatusNew, StatusProcessing, true},
			{StatusProcessing, StatusProcessed, true},
			{StatusProcessing, StatusFailed, true},
			{StatusFailed, StatusProcessing, true},
			{StatusProcessed, StatusProcessing, false},
			{StatusNew, StatusProcessed, false},
			{StatusFailed, StatusIgnored, false},
		}
		for _, c := range cases {
			if got := OutboxTransitions.CanTransition(c.from, c.to); got != c.want {
				t.Errorf("outbox %s->%s = %v, want %v", c.from, c.to, got, c.want)
			}
		}
	})

	t.Run("inbox allows ignore from failed", func(t *testing.T) {
		if !InboxTransitions.CanTransition(StatusFailed, StatusIgnored) {
			t.Error("expected failed->ignored to be allowed")
		}
		if InboxTransitions.CanTransition(StatusIgnored, StatusProcessing) {
			t.Error("ignored must be terminal")
		}
		if InboxTransitions.CanTransition(StatusProcessed, StatusProcessing) {
			t.Error("processed must not return to processing")
		}
	})

	t.Run("self transition is allowed", func(t *testing.T) {
		if !InboxTransitions.CanTransition(StatusFailed, StatusFailed) {
			t.Error("expected failed->failed to be allowed")
		}
	})

	t.Run("terminal states", func(t *testing.T) {
		if !InboxTransitions.Terminal(StatusIgnored) {
			t.Error("ignored should be terminal")
		}
		if !InboxTransitions.Terminal(StatusProcessed) {
			t.Error("processed should be terminal")
		}
		if InboxTransitions.Terminal(StatusFailed) {
			t.Error("failed should not be terminal")
		}
	})
}

func TestNextRetryTime(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	unit := 10 * time.Second

	t.Run("doubles per retry", func(t *testing.T) {
		wantDelays := []time.Duration{
			10 * time.Second,
			20 * time.Second,
			40 * time.Second,
			80 * time.Second,
		}
		for retried, want := range wantDelays {
			got := NextRetryTime(now, retried, unit).Sub(now)
			if got != want {
				t.Errorf("retried=%d: delay = %v, want %v", retried, got, want)
			}
		}
	})

	t.Run("strictly increasing delays", func(t *testing.T) {
		prev := NextRetryTime(now, 0, unit)
		for retried := 1; retried < 10; retried++ {
			next := NextRetryTime(now, retried, unit)
			if !next.After(prev) {
				t.Fatalf("retried=%d: %v not after %v", retried, next, prev)
			}
			prev = next
		}
	})

	t.Run("deterministic", func(t *testing.T) {
		a := NextRetryTime(now, 5, unit)
		b := NextRetryTime(now, 5, unit)
		if !a.Equal(b) {
			t.Errorf("expected identical results, got %v and %v", a, b)
		}
	})

	t.Run("negative retry count treated as zero", func(t *testing.T) {
		got := NextRetryTime(now, -3, unit).Sub(now)
		if got != unit {
			t.Errorf("delay = %v, want %v", got, unit)
		}
	})

	t.Run("exponent is capped", func(t *testing.T) {
		capped := NextRetryTime(now, 1000, unit)
		atCap := NextRetryTime(now, maxBackoffShift, unit)
		if !capped.Equal(atCap) {
			t.Errorf("expected cap at shift %d, got %v vs %v", maxBackoffShift, capped, atCap)
		}
		if capped.Before(now) {
			t.Error("capped retry time must not be before now")
		}
	})
}

func TestCleanupEligible(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	processedRetention := time.Hour
	failedRetention := 24 * time.Hour

	cases := []struct {
		name       string
		status     Status
		lastAction time.Time
		want       bool
	}{
		{"processed past retention", StatusProcessed, now.Add(-2 * time.Hour), true},
		{"processed exactly at retention", StatusProcessed, now.Add(-time.Hour), true},
		{"processed inside retention", StatusProcessed, now.Add(-time.Minute), false},
		{"failed past retention", StatusFailed, now.Add(-25 * time.Hour), true},
		{"failed inside retention", StatusFailed, now.Add(-2 * time.Hour), false},
		{"new never eligible", StatusNew, now.Add(-48 * time.Hour), false},
		{"processing never eligible", StatusProcessing, now.Add(-48 * time.Hour), false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := CleanupEligible(c.status, c.lastAction, now, processedRetention, failedRetention)
			if got != c.want {
				t.Errorf("got %v, want %v", got, c.want)
			}
		})
	}
}

func TestIgnoreEligible(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ignoreAfter := time.Hour

	if !IgnoreEligible(StatusFailed, now.Add(-2*time.Hour), now, ignoreAfter) {
		t.Error("expected failed row past window to be ignore-eligible")
	}
	if IgnoreEligible(StatusFailed, now.Add(-time.Minute), now, ignoreAfter) {
		t.Error("expected failed row inside window to stay retryable")
	}
	if IgnoreEligible(StatusProcessed, now.Add(-2*time.Hour), now, ignoreAfter) {
		t.Error("only failed rows can become ignored")
	}
}
