package queue

import (
	"strings"
	"testing"
	"time"
)

func testUnit(rcpts ...string) *DeliveryUnit {
	recipients := make([]Recipient, len(rcpts))
	for i, addr := range rcpts {
		recipients[i] = Recipient{Address: addr}
	}
	return &DeliveryUnit{
		MessageID:  "msg-1",
		Domain:     "example.com",
		Recipients: recipients,
		Status:     StatusInProgress,
	}
}

func TestBackoffDelay(t *testing.T) {
	policy := DefaultBackoffPolicy()
	policy.Jitter = 0 // deterministic for the test

	t.Run("ScheduleIsNonDecreasing", func(t *testing.T) {
		prev := time.Duration(0)
		for n := 1; n <= 12; n++ {
			d := policy.Delay(n)
			if d < prev {
				t.Fatalf("delay for retry %d is %v, shorter than previous %v", n, d, prev)
			}
			prev = d
		}
	})

	t.Run("CappedAtFinalEntry", func(t *testing.T) {
		ceiling := policy.Schedule[len(policy.Schedule)-1]
		if got := policy.Delay(100); got != ceiling {
			t.Fatalf("delay for retry 100 = %v, want ceiling %v", got, ceiling)
		}
	})

	t.Run("JitterStaysWithinBounds", func(t *testing.T) {
		jittered := DefaultBackoffPolicy()
		base := jittered.Schedule[0]
		lo := base - time.Duration(float64(base)*jittered.Jitter)
		hi := base + time.Duration(float64(base)*jittered.Jitter)
		for i := 0; i < 100; i++ {
			d := jittered.Delay(1)
			if d < lo || d > hi {
				t.Fatalf("jittered delay %v outside [%v, %v]", d, lo, hi)
			}
		}
	})
}

func TestNextState(t *testing.T) {
	now := time.Now()
	expires := now.Add(72 * time.Hour)
	policy := DefaultBackoffPolicy()
	policy.Jitter = 0

	t.Run("AllDelivered", func(t *testing.T) {
		unit := testUnit("a@example.com", "b@example.com")
		out := AttemptOutcome{Rcpts: map[string]RcptResult{
			"a@example.com": {Status: RcptDelivered},
			"b@example.com": {Status: RcptDelivered},
		}}

		d := NextState(unit, out, expires, now, policy)
		if len(d.Delivered) != 2 || len(d.Bounced) != 0 || d.Retry != nil {
			t.Fatalf("expected terminal delivered decision, got %+v", d)
		}
	})

	t.Run("PartialSplit", func(t *testing.T) {
		unit := testUnit("ok@example.com", "full@example.com", "gone@example.com")
		out := AttemptOutcome{Rcpts: map[string]RcptResult{
			"ok@example.com":   {Status: RcptDelivered},
			"full@example.com": {Status: RcptTransient, Message: "452 mailbox full"},
			"gone@example.com": {Status: RcptPermanent, Message: "550 no such user"},
		}}

		d := NextState(unit, out, expires, now, policy)
		if len(d.Delivered) != 1 || d.Delivered[0].Address != "ok@example.com" {
			t.Fatalf("delivered = %+v", d.Delivered)
		}
		if len(d.Bounced) != 1 || d.Bounced[0].Address != "gone@example.com" {
			t.Fatalf("bounced = %+v", d.Bounced)
		}
		if d.Retry == nil || len(d.Retry.Recipients) != 1 {
			t.Fatalf("retry = %+v", d.Retry)
		}
		rcpt := d.Retry.Recipients[0]
		if rcpt.Address != "full@example.com" || rcpt.Retries != 1 {
			t.Fatalf("pending recipient = %+v", rcpt)
		}
		if d.Retry.RetryCount != 1 {
			t.Fatalf("retry count = %d, want 1", d.Retry.RetryCount)
		}
		wantDue := now.Add(policy.Schedule[0])
		if !d.Retry.NextDue.Equal(wantDue) {
			t.Fatalf("next due = %v, want %v", d.Retry.NextDue, wantDue)
		}
	})

	t.Run("MissingResultTreatedTransient", func(t *testing.T) {
		unit := testUnit("a@example.com")
		d := NextState(unit, AttemptOutcome{Rcpts: map[string]RcptResult{}}, expires, now, policy)
		if d.Retry == nil || len(d.Retry.Recipients) != 1 {
			t.Fatalf("expected retry for unreported recipient, got %+v", d)
		}
	})

	t.Run("RetryBudgetExhausted", func(t *testing.T) {
		unit := testUnit("a@example.com")
		unit.RetryCount = policy.MaxRetries
		out := AttemptOutcome{Rcpts: map[string]RcptResult{
			"a@example.com": {Status: RcptTransient, Message: "connection refused"},
		}}

		d := NextState(unit, out, expires, now, policy)
		if d.Retry != nil || len(d.Bounced) != 1 {
			t.Fatalf("expected bounce after retry budget, got %+v", d)
		}
		if !strings.Contains(d.Bounced[0].LastError, "retry limit exceeded") {
			t.Fatalf("bounce reason = %q", d.Bounced[0].LastError)
		}
	})

	t.Run("ExpirationSupersedesRetry", func(t *testing.T) {
		unit := testUnit("a@example.com")
		out := AttemptOutcome{Rcpts: map[string]RcptResult{
			"a@example.com": {Status: RcptTransient, Message: "421 try later"},
		}}

		// Expiry falls before the next computed due time.
		soon := now.Add(10 * time.Second)
		d := NextState(unit, out, soon, now, policy)
		if d.Retry != nil || len(d.Bounced) != 1 {
			t.Fatalf("expected expiry bounce, got %+v", d)
		}
		if !strings.Contains(d.Bounced[0].LastError, "message expired") {
			t.Fatalf("bounce reason = %q", d.Bounced[0].LastError)
		}
	})
}

func TestGroupByDomain(t *testing.T) {
	groups, invalid := GroupByDomain([]string{
		"a@example.com",
		"b@Example.COM",
		"c@other.net",
		"nodomain",
		"trailing@",
	})

	if len(groups) != 2 {
		t.Fatalf("groups = %v", groups)
	}
	if len(groups["example.com"]) != 2 {
		t.Fatalf("example.com group = %v", groups["example.com"])
	}
	if len(groups["other.net"]) != 1 {
		t.Fatalf("other.net group = %v", groups["other.net"])
	}
	if len(invalid) != 2 {
		t.Fatalf("invalid = %v", invalid)
	}
}
