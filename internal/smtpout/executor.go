package smtpout

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/sony/gobreaker"

	"github.com/outpost-mta/outpost/internal/metrics"
	"github.com/outpost-mta/outpost/internal/queue"
)

// Config parameterizes outbound SMTP sessions
type Config struct {
	// Hostname is the name announced in EHLO
	Hostname string
	// Port is the remote SMTP port
	Port int
	// ConnectTimeout bounds connection establishment per candidate host
	ConnectTimeout time.Duration
	// SessionTimeout bounds the whole SMTP session per candidate host
	SessionTimeout time.Duration
	// TLS upgrades the session via STARTTLS when the host offers it
	TLS                   bool
	TLSInsecureSkipVerify bool

	// Breaker short-circuits hosts that repeatedly fail to accept
	// connections, so a dead primary MX does not slow every attempt.
	BreakerThreshold uint32
	BreakerCooldown  time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Hostname:         "localhost",
		Port:             25,
		ConnectTimeout:   30 * time.Second,
		SessionTimeout:   5 * time.Minute,
		TLS:              true,
		BreakerThreshold: 5,
		BreakerCooldown:  time.Minute,
	}
}

// Executor attempts delivery of one unit over SMTP. It iterates the resolved
// candidate hosts in order and classifies the outcome per recipient; nothing
// is persisted here.
type Executor struct {
	config    Config
	logger    *slog.Logger
	tlsConfig *tls.Config

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

var _ queue.Executor = (*Executor)(nil)

// NewExecutor creates a delivery executor
func NewExecutor(config Config) *Executor {
	def := DefaultConfig()
	if config.Port <= 0 {
		config.Port = def.Port
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = def.ConnectTimeout
	}
	if config.SessionTimeout <= 0 {
		config.SessionTimeout = def.SessionTimeout
	}
	if config.BreakerThreshold == 0 {
		config.BreakerThreshold = def.BreakerThreshold
	}
	if config.BreakerCooldown <= 0 {
		config.BreakerCooldown = def.BreakerCooldown
	}

	return &Executor{
		config: config,
		logger: slog.Default().With("component", "smtp-out"),
		tlsConfig: &tls.Config{
			InsecureSkipVerify: config.TLSInsecureSkipVerify,
		},
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// breaker returns the circuit breaker for a mail exchanger host
func (e *Executor) breaker(host string) *gobreaker.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()

	cb, ok := e.breakers[host]
	if !ok {
		threshold := e.config.BreakerThreshold
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    host,
			Timeout: e.config.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				e.logger.Warn("circuit breaker state changed",
					"host", name, "from", from.String(), "to", to.String())
			},
		})
		e.breakers[host] = cb
	}
	return cb
}

// classify maps an SMTP or network error to a per-recipient status
func classify(err error) queue.RcptResult {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		msg := fmt.Sprintf("%d %s", smtpErr.Code, smtpErr.Message)
		if smtpErr.Code >= 500 {
			return queue.RcptResult{Status: queue.RcptPermanent, Message: msg}
		}
		return queue.RcptResult{Status: queue.RcptTransient, Message: msg}
	}
	return queue.RcptResult{Status: queue.RcptTransient, Message: err.Error()}
}

// Attempt tries to deliver the unit through the candidate hosts in order.
// Recipients rejected permanently are finished at the first host that says
// so; transiently failed recipients move on to the next candidate.
func (e *Executor) Attempt(ctx context.Context, msg *queue.Message, unit *queue.DeliveryUnit, candidates []queue.Candidate, content []byte) queue.AttemptOutcome {
	out := queue.AttemptOutcome{Rcpts: make(map[string]queue.RcptResult, len(unit.Recipients))}

	pending := unit.Addresses()
	for _, addr := range pending {
		out.Rcpts[addr] = queue.RcptResult{
			Status:  queue.RcptTransient,
			Message: "no candidate host reachable",
		}
	}

	for _, cand := range candidates {
		if len(pending) == 0 {
			break
		}
		if ctx.Err() != nil {
			break
		}

		remaining, err := e.attemptHost(ctx, cand, msg.From, pending, content, out.Rcpts)
		if err != nil {
			// Connection-level failure; results for this host were not
			// recorded, try the next candidate.
			e.logger.Debug("candidate host failed",
				"message_id", msg.ID,
				"domain", unit.Domain,
				"host", cand.MXHost,
				"addr", cand.Addr.String(),
				"error", err)
			metrics.SMTPConnectError(cand.MXHost)
			for _, addr := range pending {
				out.Rcpts[addr] = queue.RcptResult{Status: queue.RcptTransient, Message: err.Error()}
			}
			continue
		}

		out.Host = cand.MXHost
		pending = remaining
	}

	return out
}

// attemptHost runs one SMTP session against one candidate address. It
// records per-recipient results in results and returns the recipients that
// should still be tried on the next candidate. A non-nil error means the
// session never got far enough to produce per-recipient results.
func (e *Executor) attemptHost(ctx context.Context, cand queue.Candidate, from string, rcpts []string, content []byte, results map[string]queue.RcptResult) ([]string, error) {
	target := net.JoinHostPort(cand.Addr.String(), strconv.Itoa(e.config.Port))

	connAny, err := e.breaker(cand.MXHost).Execute(func() (interface{}, error) {
		dialer := net.Dialer{Timeout: e.config.ConnectTimeout}
		return dialer.DialContext(ctx, "tcp", target)
	})
	if err != nil {
		return rcpts, fmt.Errorf("connect to %s: %w", target, err)
	}
	conn := connAny.(net.Conn)
	_ = conn.SetDeadline(time.Now().Add(e.config.SessionTimeout))

	client, err := smtp.NewClient(conn, cand.MXHost)
	if err != nil {
		conn.Close()
		return rcpts, fmt.Errorf("greeting from %s: %w", target, err)
	}
	defer client.Close()

	if err := client.Hello(e.config.Hostname); err != nil {
		return rcpts, fmt.Errorf("EHLO rejected by %s: %w", target, err)
	}

	if e.config.TLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			cfg := e.tlsConfig.Clone()
			cfg.ServerName = cand.MXHost
			if err := client.StartTLS(cfg); err != nil {
				return rcpts, fmt.Errorf("STARTTLS with %s: %w", target, err)
			}
		}
	}

	if err := client.Mail(from, nil); err != nil {
		res := classify(err)
		if res.Status == queue.RcptPermanent {
			// The sender itself was rejected; no host will take this
			// message, finish every pending recipient here.
			for _, addr := range rcpts {
				results[addr] = res
			}
			return nil, nil
		}
		return rcpts, fmt.Errorf("MAIL FROM rejected by %s: %s", target, res.Message)
	}

	var accepted []string
	var next []string
	for _, addr := range rcpts {
		if err := client.Rcpt(addr); err != nil {
			res := classify(err)
			results[addr] = res
			if res.Status == queue.RcptTransient {
				next = append(next, addr)
			}
			continue
		}
		accepted = append(accepted, addr)
	}

	if len(accepted) == 0 {
		_ = client.Quit()
		return next, nil
	}

	wc, err := client.Data()
	if err == nil {
		if _, werr := wc.Write(content); werr != nil {
			err = werr
		}
		if cerr := wc.Close(); err == nil {
			err = cerr
		}
	}

	if err != nil {
		res := classify(err)
		for _, addr := range accepted {
			results[addr] = res
			if res.Status == queue.RcptTransient {
				next = append(next, addr)
			}
		}
		return next, nil
	}

	for _, addr := range accepted {
		results[addr] = queue.RcptResult{Status: queue.RcptDelivered, Message: "250 ok"}
	}
	_ = client.Quit()
	return next, nil
}
