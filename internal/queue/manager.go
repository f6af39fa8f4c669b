package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/outpost-mta/outpost/internal/logging"
	"github.com/outpost-mta/outpost/internal/metrics"
)

// ErrNoMail reports that a destination domain has declared it accepts no
// mail. It is a permanent failure for every recipient in the domain.
var ErrNoMail = errors.New("domain does not accept mail")

// Executor performs one delivery attempt for a claimed unit. It must return
// a result for the recipients it handled and must not persist anything; the
// manager owns the release.
type Executor interface {
	Attempt(ctx context.Context, msg *Message, unit *DeliveryUnit, candidates []Candidate, content []byte) AttemptOutcome
}

// CandidateResolver maps a destination domain to the ordered candidate hosts
// a delivery attempt should try. ErrNoMail marks domains that refuse mail
// outright; any other error is treated as transient and retried.
type CandidateResolver interface {
	Resolve(ctx context.Context, domain string) ([]Candidate, error)
}

// Notifier is told about permanently failed recipients after the failure has
// been durably recorded. Notifications fire at most once per recipient.
type Notifier interface {
	NotifyBounce(ctx context.Context, msg *Message, domain string, rcpts []Recipient) error
}

// NopNotifier discards bounce notifications
type NopNotifier struct{}

func (NopNotifier) NotifyBounce(context.Context, *Message, string, []Recipient) error { return nil }

// ManagerConfig controls the delivery worker loop
type ManagerConfig struct {
	// LeaseFor is how long a claim remains exclusive without a release
	LeaseFor time.Duration
	// PollInterval caps how long a worker sleeps between sweeps even when
	// nothing is due.
	PollInterval time.Duration
	// Expiry is how long a message may stay queued before its remaining
	// recipients bounce.
	Expiry time.Duration
	// Policy computes retry delays
	Policy BackoffPolicy
}

// DefaultManagerConfig returns the default worker parameters
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		LeaseFor:     5 * time.Minute,
		PollInterval: 30 * time.Second,
		Expiry:       72 * time.Hour,
		Policy:       DefaultBackoffPolicy(),
	}
}

// Manager is one delivery worker. It sweeps the store for due units, claims
// them one at a time, runs the delivery attempt and releases the result. Any
// number of managers may share one store; the claim protocol keeps each unit
// with exactly one of them.
type Manager struct {
	store    Store
	blobs    BlobStore
	resolver CandidateResolver
	executor Executor
	notifier Notifier
	config   ManagerConfig

	token  string
	logger *slog.Logger
	msglog *logging.MessageLogger
	wake   chan struct{}
}

// NewManager creates a delivery worker around a store
func NewManager(store Store, blobs BlobStore, resolver CandidateResolver, executor Executor, notifier Notifier, config ManagerConfig) *Manager {
	def := DefaultManagerConfig()
	if config.LeaseFor <= 0 {
		config.LeaseFor = def.LeaseFor
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.Expiry <= 0 {
		config.Expiry = def.Expiry
	}
	if len(config.Policy.Schedule) == 0 {
		config.Policy = def.Policy
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}

	return &Manager{
		store:    store,
		blobs:    blobs,
		resolver: resolver,
		executor: executor,
		notifier: notifier,
		config:   config,
		token:    NewWorkerToken(),
		logger:   slog.Default().With("component", "queue"),
		msglog:   logging.NewMessageLogger(slog.Default()),
		wake:     make(chan struct{}, 1),
	}
}

// Notify wakes the worker before its poll timer fires, typically after an
// enqueue made new work due.
func (m *Manager) Notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run processes the queue until the context is canceled
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("delivery worker started", "worker", m.token)
	defer m.logger.Info("delivery worker stopped", "worker", m.token)

	for {
		worked, err := m.sweep(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Store trouble is never fatal to the worker; back off and
			// let the next sweep retry.
			m.logger.Error("queue sweep failed", "worker", m.token, "error", err)
		}
		if worked {
			continue
		}

		timer := time.NewTimer(m.idleDelay(ctx))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-m.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// idleDelay returns how long to sleep when no unit is due, bounded by the
// poll interval so lease reaping and external store writers are still
// noticed.
func (m *Manager) idleDelay(ctx context.Context) time.Duration {
	delay := m.config.PollInterval
	next, ok, err := m.store.NextDue(ctx)
	if err == nil && ok {
		if until := time.Until(next); until < delay {
			delay = until
		}
	}
	if delay < 10*time.Millisecond {
		delay = 10 * time.Millisecond
	}
	return delay
}

// sweep performs one pass: reap expired leases, then claim and process every
// due unit. Returns whether any unit was processed.
func (m *Manager) sweep(ctx context.Context) (bool, error) {
	now := time.Now()

	reaped, err := m.store.ReapExpiredLeases(ctx, now)
	if err != nil {
		return false, fmt.Errorf("reap leases: %w", err)
	}
	if reaped > 0 {
		metrics.LeasesReaped(reaped)
		m.logger.Warn("reclaimed expired leases", "count", reaped)
	}

	if stats, err := m.store.Stats(ctx); err == nil {
		metrics.SetQueueDepth(stats.Scheduled, stats.InProgress)
	}

	due, err := m.store.ListDue(ctx, now)
	if err != nil {
		return false, fmt.Errorf("list due: %w", err)
	}

	worked := false
	for _, id := range due {
		if ctx.Err() != nil {
			break
		}
		if m.processUnit(ctx, id) {
			worked = true
		}
	}
	return worked, nil
}

// processUnit claims one unit, attempts delivery and releases the result.
// Returns whether this worker actually held the unit.
func (m *Manager) processUnit(ctx context.Context, id UnitID) bool {
	unit, ok, err := m.store.TryClaim(ctx, id, m.token, m.config.LeaseFor)
	if err != nil {
		m.logger.Error("claim failed", "unit", id.String(), "error", err)
		return false
	}
	if !ok {
		// Another worker got there first or the unit is no longer due.
		metrics.ClaimConflict()
		return false
	}

	msg, err := m.store.Message(ctx, unit.MessageID)
	if err != nil {
		// An orphaned unit cannot be delivered. Leave the lease to expire;
		// the reaper will surface it again if the message record returns.
		m.logger.Error("message record missing for claimed unit",
			"unit", id.String(), "error", err)
		return true
	}

	start := time.Now()
	outcome := m.attempt(ctx, msg, unit)
	metrics.ObserveAttempt(time.Since(start))

	decision := NextState(unit, outcome, msg.ExpiresAt, time.Now(), m.config.Policy)

	res, err := m.store.Release(ctx, id, m.token, decision.Update())
	if err != nil {
		m.logger.Error("release failed", "unit", id.String(), "error", err)
		return true
	}
	if !res.Applied {
		// The lease expired mid-attempt and someone else owns the unit
		// now. The outcome must be discarded without side effects.
		metrics.StaleRelease()
		m.logger.Warn("lease lost during attempt, result discarded",
			"unit", id.String(), "worker", m.token)
		return true
	}

	m.finish(ctx, msg, unit, decision, outcome.Host, res)
	return true
}

// attempt resolves the destination and runs the delivery attempt. Resolution
// failures become attempt outcomes so the retry policy treats them uniformly.
func (m *Manager) attempt(ctx context.Context, msg *Message, unit *DeliveryUnit) AttemptOutcome {
	candidates, err := m.resolver.Resolve(ctx, unit.Domain)
	if err != nil {
		if errors.Is(err, ErrNoMail) {
			return PermanentOutcome(unit, fmt.Sprintf("%s: %v", unit.Domain, err))
		}
		return TransientOutcome(unit, fmt.Sprintf("resolve %s: %v", unit.Domain, err))
	}

	content, err := m.blobs.Get(ctx, msg.ContentKey)
	if err != nil {
		return TransientOutcome(unit, fmt.Sprintf("message content unavailable: %v", err))
	}

	return m.executor.Attempt(ctx, msg, unit, candidates, content)
}

// finish applies the side effects of an applied release: metrics, lifecycle
// logs, bounce notifications and content cleanup. Side effects run only
// here, after the store accepted the outcome, so a stale worker never emits
// them.
func (m *Manager) finish(ctx context.Context, msg *Message, unit *DeliveryUnit, d Decision, host string, res ReleaseResult) {
	base := logging.MessageContext{
		MessageID:  msg.ID,
		From:       msg.From,
		Domain:     unit.Domain,
		Size:       msg.Size,
		CreatedAt:  msg.CreatedAt,
		RetryCount: unit.RetryCount,
	}

	if len(d.Delivered) > 0 {
		metrics.Delivered(len(d.Delivered))
		mc := base
		mc.To = addresses(d.Delivered)
		mc.DeliveryHost = host
		m.msglog.LogDelivery(mc)
	}

	if len(d.Bounced) > 0 {
		metrics.Bounced(len(d.Bounced))
		mc := base
		mc.To = addresses(d.Bounced)
		mc.Error = d.Bounced[0].LastError
		m.msglog.LogBounce(mc)

		if err := m.notifier.NotifyBounce(ctx, msg, unit.Domain, d.Bounced); err != nil {
			m.logger.Error("bounce notification failed",
				"message_id", msg.ID, "domain", unit.Domain, "error", err)
		}
	}

	if d.Retry != nil {
		metrics.Deferred()
		mc := base
		mc.To = addresses(d.Retry.Recipients)
		mc.RetryCount = d.Retry.RetryCount
		mc.NextRetry = d.Retry.NextDue
		mc.Error = d.Retry.LastError
		m.msglog.LogDeferral(mc)
	}

	if res.MessageDone {
		if err := m.blobs.Delete(ctx, msg.ContentKey); err != nil {
			m.logger.Warn("content cleanup failed",
				"message_id", msg.ID, "error", err)
		}
		m.msglog.LogExpiry(base)
	}
}

func addresses(rcpts []Recipient) []string {
	addrs := make([]string, len(rcpts))
	for i, r := range rcpts {
		addrs[i] = r.Address
	}
	return addrs
}

// Pool runs a fixed number of managers against one store and fronts the
// enqueue path. All managers share the wake signal so a fresh message is
// picked up without waiting for a poll.
type Pool struct {
	store    Store
	blobs    BlobStore
	config   ManagerConfig
	managers []*Manager
	msglog   *logging.MessageLogger
}

// NewPool creates a pool of delivery workers sharing one store
func NewPool(workers int, store Store, blobs BlobStore, resolver CandidateResolver, executor Executor, notifier Notifier, config ManagerConfig) *Pool {
	if workers < 1 {
		workers = 1
	}
	managers := make([]*Manager, workers)
	for i := range managers {
		managers[i] = NewManager(store, blobs, resolver, executor, notifier, config)
	}
	return &Pool{
		store:    store,
		blobs:    blobs,
		config:   managers[0].config,
		managers: managers,
		msglog:   logging.NewMessageLogger(slog.Default()),
	}
}

// Run blocks until the context is canceled and all workers have stopped
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, m := range p.managers {
		m := m
		g.Go(func() error { return m.Run(ctx) })
	}
	return g.Wait()
}

// Notify wakes every worker
func (p *Pool) Notify() {
	for _, m := range p.managers {
		m.Notify()
	}
}

// SetNotifier replaces the bounce notifier on every worker. Called before
// Run, typically to attach a notifier that needs the pool itself.
func (p *Pool) SetNotifier(n Notifier) {
	if n == nil {
		n = NopNotifier{}
	}
	for _, m := range p.managers {
		m.notifier = n
	}
}

// Enqueue accepts a message: content goes to the blob store, the message and
// its per-domain delivery units are recorded atomically, and the workers are
// woken. Recipient addresses without a valid domain are returned in invalid
// and not enqueued.
func (p *Pool) Enqueue(ctx context.Context, from string, recipients []string, content []byte) (*Message, []string, error) {
	now := time.Now()
	msg := NewMessage(from, "", int64(len(content)), now, p.config.Expiry)
	msg.ContentKey = msg.ID

	units, invalid := BuildUnits(msg, recipients, now)
	if len(units) == 0 {
		return nil, invalid, fmt.Errorf("no deliverable recipients")
	}

	if err := p.blobs.Put(ctx, msg.ContentKey, content); err != nil {
		return nil, invalid, fmt.Errorf("store content: %w", err)
	}
	if err := p.store.Enqueue(ctx, msg, units); err != nil {
		// Roll the content back so a failed enqueue leaves nothing behind.
		_ = p.blobs.Delete(ctx, msg.ContentKey)
		return nil, invalid, fmt.Errorf("enqueue: %w", err)
	}

	p.msglog.LogReception(logging.MessageContext{
		MessageID: msg.ID,
		From:      from,
		To:        recipients,
		Size:      msg.Size,
		CreatedAt: now,
	})
	p.Notify()
	return msg, invalid, nil
}

// Stats reports queue depth from the shared store
func (p *Pool) Stats(ctx context.Context) (Stats, error) {
	return p.store.Stats(ctx)
}
