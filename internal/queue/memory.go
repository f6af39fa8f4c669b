package queue

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. The unit map is guarded by a read-write
// mutex while each unit carries its own lock, so claim races between workers
// contend per unit rather than on a single global lock.
type MemoryStore struct {
	mu     sync.RWMutex
	logger *slog.Logger
	msgs   map[string]*memMessage
	units  map[UnitID]*memUnit
}

type memMessage struct {
	msg       Message
	liveUnits int
}

type memUnit struct {
	mu   sync.Mutex
	unit DeliveryUnit
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		logger: slog.Default().With("component", "queue-store", "backend", "memory"),
		msgs:   make(map[string]*memMessage),
		units:  make(map[UnitID]*memUnit),
	}
}

// claimable reports whether the unit may be claimed at now. The caller must
// hold the unit lock.
func claimable(u *DeliveryUnit, now time.Time) bool {
	switch u.Status {
	case StatusScheduled:
		return !u.NextDue.After(now)
	case StatusInProgress:
		// An expired lease is as good as no lease.
		return !u.LeaseExpiry.After(now)
	default:
		return false
	}
}

// Enqueue atomically creates the message and all of its units
func (s *MemoryStore) Enqueue(ctx context.Context, msg *Message, units []*DeliveryUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.msgs[msg.ID] = &memMessage{msg: *msg, liveUnits: len(units)}
	for _, u := range units {
		cp := *u
		cp.Recipients = append([]Recipient(nil), u.Recipients...)
		s.units[u.ID()] = &memUnit{unit: cp}
	}

	s.logger.Debug("message enqueued", "message_id", msg.ID, "units", len(units))
	return nil
}

// Message returns the message record by ID
func (s *MemoryStore) Message(ctx context.Context, id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mm, ok := s.msgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := mm.msg
	return &cp, nil
}

// Unit returns a snapshot of the unit
func (s *MemoryStore) Unit(ctx context.Context, id UnitID) (*DeliveryUnit, error) {
	s.mu.RLock()
	mu, ok := s.units[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	mu.mu.Lock()
	defer mu.mu.Unlock()
	cp := mu.unit
	cp.Recipients = append([]Recipient(nil), mu.unit.Recipients...)
	return &cp, nil
}

// ListDue returns claimable units ordered earliest due first
func (s *MemoryStore) ListDue(ctx context.Context, now time.Time) ([]UnitID, error) {
	s.mu.RLock()
	snapshot := make([]*memUnit, 0, len(s.units))
	for _, mu := range s.units {
		snapshot = append(snapshot, mu)
	}
	s.mu.RUnlock()

	type dueUnit struct {
		id  UnitID
		due time.Time
	}
	due := make([]dueUnit, 0, len(snapshot))
	for _, mu := range snapshot {
		mu.mu.Lock()
		if claimable(&mu.unit, now) {
			due = append(due, dueUnit{id: mu.unit.ID(), due: mu.unit.NextDue})
		}
		mu.mu.Unlock()
	}

	sort.Slice(due, func(i, j int) bool { return due[i].due.Before(due[j].due) })

	ids := make([]UnitID, len(due))
	for i, d := range due {
		ids[i] = d.id
	}
	return ids, nil
}

// TryClaim atomically claims a unit for the worker. Returns false when the
// unit is gone or another worker holds a valid lease.
func (s *MemoryStore) TryClaim(ctx context.Context, id UnitID, workerToken string, leaseFor time.Duration) (*DeliveryUnit, bool, error) {
	s.mu.RLock()
	mu, ok := s.units[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	now := time.Now()

	mu.mu.Lock()
	defer mu.mu.Unlock()

	if !claimable(&mu.unit, now) {
		return nil, false, nil
	}

	mu.unit.Status = StatusInProgress
	mu.unit.LeaseToken = workerToken
	mu.unit.LeaseExpiry = now.Add(leaseFor)

	cp := mu.unit
	cp.Recipients = append([]Recipient(nil), mu.unit.Recipients...)
	return &cp, true, nil
}

// Release applies the update if the worker still holds the lease
func (s *MemoryStore) Release(ctx context.Context, id UnitID, workerToken string, upd UnitUpdate) (ReleaseResult, error) {
	s.mu.RLock()
	mu, ok := s.units[id]
	s.mu.RUnlock()
	if !ok {
		return ReleaseResult{}, nil
	}

	mu.mu.Lock()

	if mu.unit.Status != StatusInProgress || mu.unit.LeaseToken != workerToken {
		// Lease expired and was reclaimed; the stale result is discarded.
		mu.mu.Unlock()
		s.logger.Debug("stale release discarded", "unit", id.String())
		return ReleaseResult{}, nil
	}

	if upd.Retry != nil {
		mu.unit.Status = StatusScheduled
		mu.unit.Recipients = append([]Recipient(nil), upd.Retry.Recipients...)
		mu.unit.RetryCount = upd.Retry.RetryCount
		mu.unit.NextDue = upd.Retry.NextDue
		mu.unit.LastError = upd.Retry.LastError
		mu.unit.LeaseToken = ""
		mu.unit.LeaseExpiry = time.Time{}
		mu.mu.Unlock()
		return ReleaseResult{Applied: true}, nil
	}

	// Terminal: remove the unit, and the message once its last unit is gone.
	mu.unit.Status = StatusDone
	mu.mu.Unlock()

	s.mu.Lock()
	delete(s.units, id)
	msgDone := false
	if mm, ok := s.msgs[id.MessageID]; ok {
		mm.liveUnits--
		if mm.liveUnits <= 0 {
			delete(s.msgs, id.MessageID)
			msgDone = true
		}
	}
	s.mu.Unlock()

	return ReleaseResult{Applied: true, MessageDone: msgDone}, nil
}

// ReapExpiredLeases reverts expired in-progress units to scheduled
func (s *MemoryStore) ReapExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	s.mu.RLock()
	snapshot := make([]*memUnit, 0, len(s.units))
	for _, mu := range s.units {
		snapshot = append(snapshot, mu)
	}
	s.mu.RUnlock()

	reaped := 0
	for _, mu := range snapshot {
		mu.mu.Lock()
		if mu.unit.Status == StatusInProgress && !mu.unit.LeaseExpiry.After(now) {
			mu.unit.Status = StatusScheduled
			mu.unit.LeaseToken = ""
			mu.unit.LeaseExpiry = time.Time{}
			reaped++
		}
		mu.mu.Unlock()
	}

	if reaped > 0 {
		s.logger.Debug("expired leases reaped", "count", reaped)
	}
	return reaped, nil
}

// NextDue returns the earliest due time of any scheduled unit
func (s *MemoryStore) NextDue(ctx context.Context) (time.Time, bool, error) {
	s.mu.RLock()
	snapshot := make([]*memUnit, 0, len(s.units))
	for _, mu := range s.units {
		snapshot = append(snapshot, mu)
	}
	s.mu.RUnlock()

	var next time.Time
	found := false
	for _, mu := range snapshot {
		mu.mu.Lock()
		if mu.unit.Status == StatusScheduled && (!found || mu.unit.NextDue.Before(next)) {
			next = mu.unit.NextDue
			found = true
		}
		mu.mu.Unlock()
	}
	return next, found, nil
}

// Stats returns current queue depth counters
func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	snapshot := make([]*memUnit, 0, len(s.units))
	for _, mu := range s.units {
		snapshot = append(snapshot, mu)
	}
	stats := Stats{Messages: len(s.msgs)}
	s.mu.RUnlock()

	for _, mu := range snapshot {
		mu.mu.Lock()
		switch mu.unit.Status {
		case StatusScheduled:
			stats.Scheduled++
		case StatusInProgress:
			stats.InProgress++
		}
		mu.mu.Unlock()
	}
	return stats, nil
}

// Close is a no-op for the memory backend
func (s *MemoryStore) Close() error {
	return nil
}
