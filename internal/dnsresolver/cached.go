package dnsresolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/outpost-mta/outpost/internal/cache"
	"github.com/outpost-mta/outpost/internal/metrics"
)

// CacheConfig parameterizes result caching
type CacheConfig struct {
	// TTLFloor and TTLCeiling clamp the advertised record TTL
	TTLFloor   time.Duration
	TTLCeiling time.Duration
	// NegativeTTL is how long unresolvable results are remembered
	NegativeTTL time.Duration
}

// DefaultCacheConfig clamps TTLs to [1m, 1h] and remembers failures for 1m
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTLFloor:    time.Minute,
		TTLCeiling:  time.Hour,
		NegativeTTL: time.Minute,
	}
}

// CachedResolver is a Resolver that serves lookups from a shared cache when
// a live entry exists and queries the wire otherwise. The get-or-resolve
// contract lives entirely here so no caller carries its own staleness check.
// Unresolvable domains are cached as short-lived negative entries.
type CachedResolver struct {
	querier Querier
	cache   cache.Cache
	config  CacheConfig
	logger  *slog.Logger
}

var _ Resolver = (*CachedResolver)(nil)

// cacheEntry is the serialized form of one cached result. NotFound entries
// record a negative result.
type cacheEntry struct {
	NotFound bool         `json:"not_found,omitempty"`
	MX       []MX         `json:"mx,omitempty"`
	Addrs    []netip.Addr `json:"addrs,omitempty"`
}

// NewCachedResolver wraps a querier with result caching. The cache must be
// connected by the caller.
func NewCachedResolver(querier Querier, c cache.Cache, config CacheConfig) *CachedResolver {
	def := DefaultCacheConfig()
	if config.TTLFloor <= 0 {
		config.TTLFloor = def.TTLFloor
	}
	if config.TTLCeiling <= 0 {
		config.TTLCeiling = def.TTLCeiling
	}
	if config.NegativeTTL <= 0 {
		config.NegativeTTL = def.NegativeTTL
	}
	return &CachedResolver{
		querier: querier,
		cache:   c,
		config:  config,
		logger:  slog.Default().With("component", "dns-cache"),
	}
}

func (r *CachedResolver) clamp(ttl time.Duration) time.Duration {
	if ttl < r.config.TTLFloor {
		return r.config.TTLFloor
	}
	if ttl > r.config.TTLCeiling {
		return r.config.TTLCeiling
	}
	return ttl
}

// lookup runs the get-or-resolve cycle for one cache key
func (r *CachedResolver) lookup(ctx context.Context, key string, resolve func() (cacheEntry, time.Duration, error)) (cacheEntry, error) {
	if raw, err := r.cache.Get(ctx, key); err == nil {
		var entry cacheEntry
		if err := json.Unmarshal(raw, &entry); err == nil {
			metrics.DNSCacheHit()
			r.logger.Debug("cache hit", "key", key, "negative", entry.NotFound)
			if entry.NotFound {
				return entry, fmt.Errorf("%w: %s (cached)", ErrNotFound, key)
			}
			return entry, nil
		}
		// Unreadable entry, fall through to a fresh query.
		_ = r.cache.Delete(ctx, key)
	}
	metrics.DNSCacheMiss()

	entry, ttl, err := resolve()
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			r.store(ctx, key, cacheEntry{NotFound: true}, r.config.NegativeTTL)
		}
		// Transient failures (timeouts, SERVFAIL) are never cached.
		return cacheEntry{}, err
	}

	r.store(ctx, key, entry, r.clamp(ttl))
	return entry, nil
}

func (r *CachedResolver) store(ctx context.Context, key string, entry cacheEntry, ttl time.Duration) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, key, raw, ttl); err != nil {
		// A write failure only costs a future cache miss.
		r.logger.Debug("cache write failed", "key", key, "error", err)
	}
}

// LookupMX resolves the mail exchangers of a domain through the cache
func (r *CachedResolver) LookupMX(ctx context.Context, domain string) ([]MX, error) {
	entry, err := r.lookup(ctx, "mx:"+domain, func() (cacheEntry, time.Duration, error) {
		records, ttl, err := r.querier.QueryMX(ctx, domain)
		if err != nil {
			return cacheEntry{}, 0, err
		}
		return cacheEntry{MX: records}, ttl, nil
	})
	if err != nil {
		return nil, err
	}
	return entry.MX, nil
}

// LookupAddr resolves the addresses of a host through the cache
func (r *CachedResolver) LookupAddr(ctx context.Context, host string) ([]netip.Addr, error) {
	entry, err := r.lookup(ctx, "addr:"+host, func() (cacheEntry, time.Duration, error) {
		addrs, ttl, err := r.querier.QueryAddrs(ctx, host)
		if err != nil {
			return cacheEntry{}, 0, err
		}
		return cacheEntry{Addrs: addrs}, ttl, nil
	})
	if err != nil {
		return nil, err
	}
	return entry.Addrs, nil
}
