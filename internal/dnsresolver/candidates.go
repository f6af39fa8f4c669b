package dnsresolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/outpost-mta/outpost/internal/queue"
)

// maxMXHosts caps how many mail exchangers one attempt will walk
const maxMXHosts = 5

// CandidateSource turns DNS records into the ordered candidate hosts a
// delivery attempt should try. MX hosts come first by preference; a domain
// without MX records falls back to its own address records per RFC 5321. A
// null MX record (".") means the domain refuses mail.
type CandidateSource struct {
	resolver Resolver
	logger   *slog.Logger
}

var _ queue.CandidateResolver = (*CandidateSource)(nil)

// NewCandidateSource creates a candidate source over a resolver
func NewCandidateSource(resolver Resolver) *CandidateSource {
	return &CandidateSource{
		resolver: resolver,
		logger:   slog.Default().With("component", "dns"),
	}
}

// Resolve returns the candidate hosts for a destination domain
func (s *CandidateSource) Resolve(ctx context.Context, domain string) ([]queue.Candidate, error) {
	records, err := s.resolver.LookupMX(ctx, domain)
	switch {
	case err == nil:
		if len(records) == 1 && isNullMX(records[0]) {
			return nil, fmt.Errorf("%w: null MX for %s", queue.ErrNoMail, domain)
		}
	case errors.Is(err, ErrNotFound):
		// Implicit MX: deliver to the domain's own address records.
		records = []MX{{Host: domain}}
	default:
		return nil, err
	}

	if len(records) > maxMXHosts {
		records = records[:maxMXHosts]
	}

	var candidates []queue.Candidate
	var lastErr error
	for _, mx := range records {
		host := strings.TrimSuffix(mx.Host, ".")
		addrs, err := s.resolver.LookupAddr(ctx, host)
		if err != nil {
			// One dead exchanger must not fail the attempt while others
			// remain usable.
			s.logger.Debug("exchanger did not resolve",
				"domain", domain, "host", host, "error", err)
			lastErr = err
			continue
		}
		for _, addr := range addrs {
			candidates = append(candidates, queue.Candidate{MXHost: host, Addr: addr})
		}
	}

	if len(candidates) == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("no usable exchanger for %s: %w", domain, lastErr)
		}
		return nil, fmt.Errorf("%w: no usable exchanger for %s", ErrNotFound, domain)
	}
	return candidates, nil
}

// isNullMX reports whether the record is the RFC 7505 null MX
func isNullMX(mx MX) bool {
	return mx.Pref == 0 && (mx.Host == "." || mx.Host == "")
}
