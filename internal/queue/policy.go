package queue

import (
	"fmt"
	"math/rand"
	"time"
)

// BackoffPolicy computes retry delays. The schedule is indexed by retry
// count; retries past the end of the schedule reuse the final entry, which
// acts as the backoff ceiling.
type BackoffPolicy struct {
	Schedule   []time.Duration
	Jitter     float64 // fraction of the delay, e.g. 0.1 for ±10%
	MaxRetries int
}

// DefaultBackoffPolicy returns the default exponential schedule:
// 1m, 5m, 15m, 1h, 3h, then 6h repeating, with ±10% jitter.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Schedule: []time.Duration{
			time.Minute,
			5 * time.Minute,
			15 * time.Minute,
			time.Hour,
			3 * time.Hour,
			6 * time.Hour,
		},
		Jitter:     0.1,
		MaxRetries: 10,
	}
}

// Delay returns the backoff delay before retry attempt n (1-based). The base
// schedule is non-decreasing; jitter never turns a delay negative.
func (p BackoffPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	idx := n - 1
	if idx >= len(p.Schedule) {
		idx = len(p.Schedule) - 1
	}
	delay := p.Schedule[idx]

	if p.Jitter > 0 {
		spread := float64(delay) * p.Jitter
		delay += time.Duration(spread * (2*rand.Float64() - 1))
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// Decision is the outcome of applying the retry policy to one attempt.
// Delivered and Bounced recipients reached a terminal state; Retry, when
// non-nil, reschedules the remaining recipients as a reduced unit.
type Decision struct {
	Delivered []Recipient
	Bounced   []Recipient
	Retry     *RetryPlan
}

// NextState maps a delivery attempt outcome onto the unit state machine:
// scheduled -> in_progress -> {scheduled, done(delivered), done(bounced)}.
// It is a pure function of its inputs and performs no I/O.
//
// Expiration supersedes retrying: a recipient whose computed next-due time
// would fall past the message expiration is bounced instead of rescheduled.
func NextState(unit *DeliveryUnit, out AttemptOutcome, expires time.Time, now time.Time, policy BackoffPolicy) Decision {
	var d Decision
	var pending []Recipient
	var transientErr string

	for _, rcpt := range unit.Recipients {
		res, ok := out.Rcpts[rcpt.Address]
		if !ok {
			// No result recorded for the recipient; treat as transient so
			// it is attempted again rather than dropped.
			res = RcptResult{Status: RcptTransient, Message: "no result from delivery attempt"}
		}

		switch res.Status {
		case RcptDelivered:
			rcpt.LastError = ""
			d.Delivered = append(d.Delivered, rcpt)
		case RcptPermanent:
			rcpt.LastError = res.Message
			d.Bounced = append(d.Bounced, rcpt)
		default:
			rcpt.Retries++
			rcpt.LastError = res.Message
			pending = append(pending, rcpt)
			if transientErr == "" {
				transientErr = res.Message
			}
		}
	}

	if len(pending) == 0 {
		return d
	}

	n := unit.RetryCount + 1
	if policy.MaxRetries > 0 && n > policy.MaxRetries {
		for _, rcpt := range pending {
			rcpt.LastError = fmt.Sprintf("retry limit exceeded: %s", rcpt.LastError)
			d.Bounced = append(d.Bounced, rcpt)
		}
		return d
	}

	nextDue := now.Add(policy.Delay(n))
	if nextDue.After(expires) {
		for _, rcpt := range pending {
			rcpt.LastError = fmt.Sprintf("message expired: %s", rcpt.LastError)
			d.Bounced = append(d.Bounced, rcpt)
		}
		return d
	}

	d.Retry = &RetryPlan{
		Recipients: pending,
		RetryCount: n,
		NextDue:    nextDue,
		LastError:  transientErr,
	}
	return d
}

// Update converts the decision into the store update applied by Release
func (d Decision) Update() UnitUpdate {
	return UnitUpdate{
		Delivered: d.Delivered,
		Bounced:   d.Bounced,
		Retry:     d.Retry,
	}
}
