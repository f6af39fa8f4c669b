package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common errors
var (
	ErrNotFound = errors.New("not found in queue store")
	// ErrStoreUnavailable wraps backend connectivity failures. It is fatal
	// to the current worker iteration only, never to the process.
	ErrStoreUnavailable = errors.New("queue store unavailable")
)

// RetryPlan describes the rescheduled remainder of a unit after a failed
// attempt: the recipients still pending, the incremented retry counter and
// the computed next due time.
type RetryPlan struct {
	Recipients []Recipient
	RetryCount int
	NextDue    time.Time
	LastError  string
}

// UnitUpdate is the state applied by Release after an attempt. Delivered and
// Bounced recipients reach a terminal outcome; if Retry is nil the unit is
// finished and removed, otherwise it is rescheduled with the reduced
// recipient set.
type UnitUpdate struct {
	Delivered []Recipient
	Bounced   []Recipient
	Retry     *RetryPlan
}

// ReleaseResult reports what Release did
type ReleaseResult struct {
	// Applied is false when the worker's lease was stale and the update was
	// discarded. A stale worker must not apply any side effects.
	Applied bool
	// MessageDone is true when the released unit was the message's last and
	// the message record was removed with it.
	MessageDone bool
}

// Stats is a point-in-time census of the store
type Stats struct {
	Messages   int `json:"messages"`
	Scheduled  int `json:"scheduled"`
	InProgress int `json:"in_progress"`
}

// Store is the durable record of pending delivery units. All mutation is
// mediated by the claim/release protocol; TryClaim is the single
// correctness-critical primitive and must be atomic with respect to all
// other workers, in-process or not.
type Store interface {
	// Enqueue atomically creates a message and all of its delivery units.
	// Either all units are created or none.
	Enqueue(ctx context.Context, msg *Message, units []*DeliveryUnit) error

	// Message returns the message record for a unit's message
	Message(ctx context.Context, id string) (*Message, error)

	// Unit returns a snapshot of a delivery unit
	Unit(ctx context.Context, id UnitID) (*DeliveryUnit, error)

	// ListDue returns units whose next-due time is not after now and that
	// are not under an unexpired lease, earliest due first.
	ListDue(ctx context.Context, now time.Time) ([]UnitID, error)

	// TryClaim transitions a claimable unit to in_progress under the given
	// lease. It returns false when another worker won the race or the unit
	// is no longer claimable; that is expected under concurrency, not an
	// error.
	TryClaim(ctx context.Context, id UnitID, workerToken string, leaseFor time.Duration) (*DeliveryUnit, bool, error)

	// Release applies a terminal or rescheduled state to a unit, but only
	// if workerToken still matches the current lease. A stale release is a
	// no-op reported through ReleaseResult.Applied.
	Release(ctx context.Context, id UnitID, workerToken string, upd UnitUpdate) (ReleaseResult, error)

	// ReapExpiredLeases makes units whose lease expired without release
	// claimable again. Returns the number of reaped leases.
	ReapExpiredLeases(ctx context.Context, now time.Time) (int, error)

	// NextDue returns the earliest next-due time of any scheduled unit
	NextDue(ctx context.Context) (time.Time, bool, error)

	// Stats returns queue depth counters
	Stats(ctx context.Context) (Stats, error)

	Close() error
}

// NewMessage builds a message record with a fresh identifier
func NewMessage(from, contentKey string, size int64, now time.Time, expiry time.Duration) *Message {
	return &Message{
		ID:         uuid.NewString(),
		From:       from,
		ContentKey: contentKey,
		Size:       size,
		CreatedAt:  now,
		ExpiresAt:  now.Add(expiry),
	}
}

// BuildUnits partitions recipients by destination domain and produces one
// scheduled delivery unit per domain, due immediately. Invalid addresses are
// returned for the caller to reject.
func BuildUnits(msg *Message, recipients []string, now time.Time) ([]*DeliveryUnit, []string) {
	groups, invalid := GroupByDomain(recipients)

	units := make([]*DeliveryUnit, 0, len(groups))
	for domain, addrs := range groups {
		rcpts := make([]Recipient, len(addrs))
		for i, addr := range addrs {
			rcpts[i] = Recipient{Address: addr}
		}
		units = append(units, &DeliveryUnit{
			MessageID:  msg.ID,
			Domain:     domain,
			Recipients: rcpts,
			Status:     StatusScheduled,
			NextDue:    now,
		})
	}

	return units, invalid
}

// NewWorkerToken returns an opaque token identifying one worker's leases
func NewWorkerToken() string {
	return uuid.NewString()
}
