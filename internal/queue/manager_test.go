package queue

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// stubResolver returns a fixed candidate for every domain
type stubResolver struct{}

func (stubResolver) Resolve(ctx context.Context, domain string) ([]Candidate, error) {
	return []Candidate{{MXHost: "mx." + domain, Addr: netip.MustParseAddr("127.0.0.1")}}, nil
}

// stubExecutor scripts attempt outcomes and counts deliveries per recipient
type stubExecutor struct {
	mu        sync.Mutex
	delivered map[string]int
	attempts  int64

	// failFirst makes the first attempt per unit fail transiently
	failFirst bool
	seen      map[UnitID]bool

	// permanent rejects every recipient
	permanent bool

	// block, when non-nil, is closed by the test to let attempts proceed
	block chan struct{}
}

func newStubExecutor() *stubExecutor {
	return &stubExecutor{
		delivered: make(map[string]int),
		seen:      make(map[UnitID]bool),
	}
}

func (e *stubExecutor) Attempt(ctx context.Context, msg *Message, unit *DeliveryUnit, candidates []Candidate, content []byte) AttemptOutcome {
	atomic.AddInt64(&e.attempts, 1)
	if e.block != nil {
		<-e.block
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.permanent {
		return PermanentOutcome(unit, "550 rejected")
	}
	if e.failFirst && !e.seen[unit.ID()] {
		e.seen[unit.ID()] = true
		return TransientOutcome(unit, "451 try again")
	}

	out := AttemptOutcome{Host: candidates[0].MXHost, Rcpts: make(map[string]RcptResult)}
	for _, rcpt := range unit.Recipients {
		e.delivered[rcpt.Address]++
		out.Rcpts[rcpt.Address] = RcptResult{Status: RcptDelivered, Message: "250 ok"}
	}
	return out
}

func (e *stubExecutor) deliveredCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := 0
	for _, n := range e.delivered {
		total += n
	}
	return total
}

// recordingNotifier captures bounce notifications
type recordingNotifier struct {
	mu      sync.Mutex
	bounced []Recipient
}

func (n *recordingNotifier) NotifyBounce(_ context.Context, _ *Message, _ string, rcpts []Recipient) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bounced = append(n.bounced, rcpts...)
	return nil
}

func fastConfig() ManagerConfig {
	return ManagerConfig{
		LeaseFor:     time.Minute,
		PollInterval: 10 * time.Millisecond,
		Expiry:       time.Hour,
		Policy: BackoffPolicy{
			Schedule:   []time.Duration{time.Millisecond, 2 * time.Millisecond},
			MaxRetries: 5,
		},
	}
}

// waitDrained blocks until the store holds no messages
func waitDrained(t *testing.T, store Store, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		stats, err := store.Stats(context.Background())
		if err == nil && stats.Messages == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	stats, _ := store.Stats(context.Background())
	t.Fatalf("queue not drained: %+v", stats)
}

func TestPoolDeliversMessage(t *testing.T) {
	store := NewMemoryStore()
	blobs := NewMemoryBlobStore()
	exec := newStubExecutor()
	pool := NewPool(2, store, blobs, stubResolver{}, exec, nil, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	msg, invalid, err := pool.Enqueue(ctx, "sender@local.test",
		[]string{"a@example.com", "b@example.com", "c@other.net"},
		[]byte("Subject: hi\r\n\r\nbody\r\n"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if len(invalid) != 0 {
		t.Fatalf("invalid recipients: %v", invalid)
	}

	waitDrained(t, store, 5*time.Second)
	cancel()
	<-done

	if got := exec.deliveredCount(); got != 3 {
		t.Fatalf("delivered %d recipients, want 3", got)
	}
	// Content is removed with the message.
	if _, err := blobs.Get(context.Background(), msg.ContentKey); err == nil {
		t.Fatal("content still present after final delivery")
	}
}

func TestPoolRetriesTransientFailure(t *testing.T) {
	store := NewMemoryStore()
	exec := newStubExecutor()
	exec.failFirst = true
	pool := NewPool(1, store, NewMemoryBlobStore(), stubResolver{}, exec, nil, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	if _, _, err := pool.Enqueue(ctx, "s@local.test", []string{"a@example.com"}, []byte("x")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitDrained(t, store, 5*time.Second)
	cancel()
	<-done

	if attempts := atomic.LoadInt64(&exec.attempts); attempts < 2 {
		t.Fatalf("attempts = %d, want at least 2", attempts)
	}
	if got := exec.deliveredCount(); got != 1 {
		t.Fatalf("delivered %d, want 1", got)
	}
}

func TestPoolBouncesPermanentFailure(t *testing.T) {
	store := NewMemoryStore()
	exec := newStubExecutor()
	exec.permanent = true
	notifier := &recordingNotifier{}
	pool := NewPool(1, store, NewMemoryBlobStore(), stubResolver{}, exec, notifier, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	if _, _, err := pool.Enqueue(ctx, "s@local.test", []string{"a@example.com"}, []byte("x")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitDrained(t, store, 5*time.Second)
	cancel()
	<-done

	if attempts := atomic.LoadInt64(&exec.attempts); attempts != 1 {
		t.Fatalf("attempts = %d, want 1 for a permanent failure", attempts)
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.bounced) != 1 || notifier.bounced[0].Address != "a@example.com" {
		t.Fatalf("bounced = %+v", notifier.bounced)
	}
}

func TestStaleWorkerResultDiscarded(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	blobs := NewMemoryBlobStore()

	slowExec := newStubExecutor()
	slowExec.block = make(chan struct{})

	cfg := fastConfig()
	cfg.LeaseFor = 30 * time.Millisecond
	slow := NewManager(store, blobs, stubResolver{}, slowExec, nil, cfg)

	_, units := enqueueTestMessage(t, store, "s@local.test", "a@example.com")
	id := units[0].ID()
	if err := blobs.Put(ctx, "content-key", []byte("x")); err != nil {
		t.Fatalf("put content: %v", err)
	}

	// The slow worker claims the unit and stalls inside its attempt.
	slowDone := make(chan bool, 1)
	go func() { slowDone <- slow.processUnit(ctx, id) }()

	// Wait for the lease to expire, then let a second worker take over.
	time.Sleep(50 * time.Millisecond)
	fastExec := newStubExecutor()
	fast := NewManager(store, blobs, stubResolver{}, fastExec, nil, fastConfig())
	if _, err := store.ReapExpiredLeases(ctx, time.Now()); err != nil {
		t.Fatalf("reap: %v", err)
	}
	if !fast.processUnit(ctx, id) {
		t.Fatal("takeover worker did not process the unit")
	}

	// Unblock the slow worker; its release must be a discarded no-op.
	close(slowExec.block)
	<-slowDone

	if got := fastExec.deliveredCount(); got != 1 {
		t.Fatalf("takeover delivered %d, want 1", got)
	}
	stats, _ := store.Stats(ctx)
	if stats.Messages != 0 {
		t.Fatalf("store not empty: %+v", stats)
	}
}

// TestExactlyOnceUnderConcurrency floods a shared store from many workers,
// half of them joining late, and verifies every recipient is delivered
// exactly once and the store drains completely.
func TestExactlyOnceUnderConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("concurrency soak skipped in short mode")
	}

	store := NewMemoryStore()
	blobs := NewMemoryBlobStore()
	exec := newStubExecutor()
	cfg := fastConfig()

	const messages = 100
	const earlyWorkers, lateWorkers = 10, 10

	early := NewPool(earlyWorkers, store, blobs, stubResolver{}, exec, nil, cfg)
	late := NewPool(lateWorkers, store, blobs, stubResolver{}, exec, nil, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 2)
	go func() { done <- early.Run(ctx) }()

	for i := 0; i < messages; i++ {
		rcpt := fmt.Sprintf("rcpt-%03d@example.com", i)
		if _, _, err := early.Enqueue(ctx, "sender@local.test", []string{rcpt}, []byte("body")); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	time.Sleep(20 * time.Millisecond)
	go func() { done <- late.Run(ctx) }()

	waitDrained(t, store, 30*time.Second)
	cancel()
	<-done
	<-done

	exec.mu.Lock()
	defer exec.mu.Unlock()
	if len(exec.delivered) != messages {
		t.Fatalf("delivered %d distinct recipients, want %d", len(exec.delivered), messages)
	}
	for addr, n := range exec.delivered {
		if n != 1 {
			t.Fatalf("recipient %s delivered %d times", addr, n)
		}
	}
}
