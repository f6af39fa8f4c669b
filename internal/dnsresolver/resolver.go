package dnsresolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"time"

	"github.com/miekg/dns"
)

// ErrNotFound reports that a domain does not exist or has no usable records.
// It is a typed, negatively-cacheable failure: callers must not hot-loop on
// domains that are persistently unresolvable.
var ErrNotFound = errors.New("domain not found")

// MX is one mail exchanger for a domain
type MX struct {
	Host string `json:"host"`
	Pref uint16 `json:"pref"`
}

// Resolver resolves delivery targets. Implementations decide whether and how
// results are cached.
type Resolver interface {
	// LookupMX returns the domain's mail exchangers ordered by ascending
	// preference, ties broken by host name.
	LookupMX(ctx context.Context, domain string) ([]MX, error)

	// LookupAddr returns the addresses of a host
	LookupAddr(ctx context.Context, host string) ([]netip.Addr, error)
}

// Querier performs raw lookups and reports the authoritative TTL of the
// answer so a caching layer can derive expiry from it.
type Querier interface {
	QueryMX(ctx context.Context, domain string) ([]MX, time.Duration, error)
	QueryAddrs(ctx context.Context, host string) ([]netip.Addr, time.Duration, error)
}

// ClientConfig parameterizes the DNS client
type ClientConfig struct {
	// Upstreams are the recursive resolvers queried, as host:port
	Upstreams []string
	// Timeout bounds each query attempt
	Timeout time.Duration
	// Retries is the number of attempts per upstream before giving up
	Retries int
}

// DefaultClientConfig queries the local resolver with modest timeouts
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Upstreams: []string{"127.0.0.1:53"},
		Timeout:   5 * time.Second,
		Retries:   2,
	}
}

// Client is a Querier over the wire using miekg/dns
type Client struct {
	config ClientConfig
	client *dns.Client
	logger *slog.Logger
}

var _ Querier = (*Client)(nil)

// NewClient creates a DNS client
func NewClient(config ClientConfig) *Client {
	if len(config.Upstreams) == 0 {
		config.Upstreams = DefaultClientConfig().Upstreams
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultClientConfig().Timeout
	}
	if config.Retries <= 0 {
		config.Retries = DefaultClientConfig().Retries
	}
	return &Client{
		config: config,
		client: &dns.Client{Timeout: config.Timeout},
		logger: slog.Default().With("component", "dns"),
	}
}

// exchange runs one query against the upstreams with retries. Rcode
// NXDOMAIN maps to ErrNotFound; network errors surface as transient errors.
func (c *Client) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true

	var lastErr error
	for attempt := 0; attempt < c.config.Retries; attempt++ {
		for _, upstream := range c.config.Upstreams {
			resp, _, err := c.client.ExchangeContext(ctx, msg, upstream)
			if err != nil {
				lastErr = err
				c.logger.Debug("query attempt failed",
					"name", name,
					"type", dns.TypeToString[qtype],
					"upstream", upstream,
					"attempt", attempt+1,
					"error", err)
				continue
			}

			switch resp.Rcode {
			case dns.RcodeSuccess:
				return resp, nil
			case dns.RcodeNameError:
				return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
			default:
				lastErr = fmt.Errorf("query for %s returned %s", name, dns.RcodeToString[resp.Rcode])
			}
		}

		if attempt < c.config.Retries-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt+1) * time.Second):
			}
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil, lastErr
}

// minTTL returns the smallest TTL among the answers
func minTTL(answers []dns.RR) time.Duration {
	var min uint32
	for i, rr := range answers {
		ttl := rr.Header().Ttl
		if i == 0 || ttl < min {
			min = ttl
		}
	}
	return time.Duration(min) * time.Second
}

// QueryMX resolves the MX records of a domain, sorted by preference then
// host name, and reports the answer TTL.
func (c *Client) QueryMX(ctx context.Context, domain string) ([]MX, time.Duration, error) {
	resp, err := c.exchange(ctx, domain, dns.TypeMX)
	if err != nil {
		return nil, 0, err
	}

	var records []MX
	for _, rr := range resp.Answer {
		if mx, ok := rr.(*dns.MX); ok {
			records = append(records, MX{
				Host: dns.Fqdn(mx.Mx),
				Pref: mx.Preference,
			})
		}
	}
	if len(records) == 0 {
		return nil, 0, fmt.Errorf("%w: no MX records for %s", ErrNotFound, domain)
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].Pref != records[j].Pref {
			return records[i].Pref < records[j].Pref
		}
		return records[i].Host < records[j].Host
	})

	return records, minTTL(resp.Answer), nil
}

// QueryAddrs resolves A and AAAA records of a host, IPv4 first, and reports
// the smallest answer TTL.
func (c *Client) QueryAddrs(ctx context.Context, host string) ([]netip.Addr, time.Duration, error) {
	var addrs []netip.Addr
	var allAnswers []dns.RR
	var lastErr error

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		resp, err := c.exchange(ctx, host, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		for _, rr := range resp.Answer {
			switch a := rr.(type) {
			case *dns.A:
				if addr, ok := netip.AddrFromSlice(a.A); ok {
					addrs = append(addrs, addr.Unmap())
				}
			case *dns.AAAA:
				if addr, ok := netip.AddrFromSlice(a.AAAA); ok {
					addrs = append(addrs, addr)
				}
			}
		}
		allAnswers = append(allAnswers, resp.Answer...)
	}

	if len(addrs) == 0 {
		if lastErr != nil && !errors.Is(lastErr, ErrNotFound) {
			return nil, 0, lastErr
		}
		return nil, 0, fmt.Errorf("%w: no addresses for %s", ErrNotFound, host)
	}

	return addrs, minTTL(allAnswers), nil
}
