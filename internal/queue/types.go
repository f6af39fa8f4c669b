package queue

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Status represents the scheduling state of a delivery unit
type Status string

const (
	// StatusScheduled means the unit is waiting for its due time
	StatusScheduled Status = "scheduled"
	// StatusInProgress means a worker holds a lease on the unit
	StatusInProgress Status = "in_progress"
	// StatusDone means the unit reached a terminal outcome and awaits removal
	StatusDone Status = "done"
)

// Message represents an accepted message. It is immutable once enqueued;
// the raw content lives in a BlobStore and is only referenced here.
type Message struct {
	ID         string    `json:"id"`
	From       string    `json:"from"`
	ContentKey string    `json:"content_key"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Recipient is a single envelope recipient within a delivery unit. Retry
// state is tracked per recipient so that a unit can split when recipients
// resolve independently.
type Recipient struct {
	Address   string `json:"address"`
	Retries   int    `json:"retries"`
	LastError string `json:"last_error,omitempty"`
}

// UnitID is the composite key of a delivery unit
type UnitID struct {
	MessageID string `json:"message_id"`
	Domain    string `json:"domain"`
}

func (id UnitID) String() string {
	return id.MessageID + "/" + id.Domain
}

// DeliveryUnit is the schedulable entity: one message paired with one
// destination domain and the recipients within that domain.
type DeliveryUnit struct {
	MessageID  string      `json:"message_id"`
	Domain     string      `json:"domain"`
	Recipients []Recipient `json:"recipients"`

	Status     Status    `json:"status"`
	RetryCount int       `json:"retry_count"`
	NextDue    time.Time `json:"next_due"`
	LastError  string    `json:"last_error,omitempty"`

	// Lease state. Only meaningful while Status is in_progress.
	LeaseToken  string    `json:"lease_token,omitempty"`
	LeaseExpiry time.Time `json:"lease_expiry,omitempty"`
}

// ID returns the composite key of the unit
func (u *DeliveryUnit) ID() UnitID {
	return UnitID{MessageID: u.MessageID, Domain: u.Domain}
}

// Addresses returns the recipient addresses of the unit
func (u *DeliveryUnit) Addresses() []string {
	addrs := make([]string, len(u.Recipients))
	for i, rcpt := range u.Recipients {
		addrs[i] = rcpt.Address
	}
	return addrs
}

// RcptStatus classifies the outcome of a delivery attempt for one recipient
type RcptStatus int

const (
	// RcptDelivered means the remote host accepted the message for the recipient
	RcptDelivered RcptStatus = iota
	// RcptTransient means the attempt failed with a retryable error (4xx,
	// connection failure, timeout)
	RcptTransient
	// RcptPermanent means the remote host rejected the recipient permanently (5xx)
	RcptPermanent
)

func (s RcptStatus) String() string {
	switch s {
	case RcptDelivered:
		return "delivered"
	case RcptTransient:
		return "transient"
	case RcptPermanent:
		return "permanent"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// RcptResult is the per-recipient result of one delivery attempt
type RcptResult struct {
	Status  RcptStatus
	Message string
}

// AttemptOutcome is the structured result of one delivery attempt for a unit.
// It carries a result for every recipient of the unit; nothing is persisted
// by the component producing it.
type AttemptOutcome struct {
	// Host is the candidate host the result came from, empty if no host
	// could be contacted.
	Host  string
	Rcpts map[string]RcptResult
}

// TransientOutcome builds an outcome marking every recipient of the unit as
// transiently failed, used when no candidate host produced a result.
func TransientOutcome(u *DeliveryUnit, reason string) AttemptOutcome {
	out := AttemptOutcome{Rcpts: make(map[string]RcptResult, len(u.Recipients))}
	for _, rcpt := range u.Recipients {
		out.Rcpts[rcpt.Address] = RcptResult{Status: RcptTransient, Message: reason}
	}
	return out
}

// PermanentOutcome builds an outcome marking every recipient of the unit as
// permanently failed.
func PermanentOutcome(u *DeliveryUnit, reason string) AttemptOutcome {
	out := AttemptOutcome{Rcpts: make(map[string]RcptResult, len(u.Recipients))}
	for _, rcpt := range u.Recipients {
		out.Rcpts[rcpt.Address] = RcptResult{Status: RcptPermanent, Message: reason}
	}
	return out
}

// Candidate is a resolved delivery target: one address of a mail exchanger,
// in MX preference order.
type Candidate struct {
	MXHost string
	Addr   netip.Addr
}

// GroupByDomain partitions recipient addresses by destination domain.
// Addresses without a usable domain part are returned separately so the
// caller can reject them instead of enqueuing undeliverable units.
func GroupByDomain(addresses []string) (map[string][]string, []string) {
	groups := make(map[string][]string)
	var invalid []string

	for _, addr := range addresses {
		at := strings.LastIndex(addr, "@")
		if at <= 0 || at == len(addr)-1 {
			invalid = append(invalid, addr)
			continue
		}
		domain := strings.ToLower(addr[at+1:])
		groups[domain] = append(groups[domain], addr)
	}

	return groups, invalid
}
