package dnsresolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/outpost-mta/outpost/internal/cache"
	"github.com/outpost-mta/outpost/internal/queue"
)

func testCache(t *testing.T) cache.Cache {
	t.Helper()
	c, err := cache.New(cache.Config{Type: "memory"})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCachedResolver(t *testing.T) {
	ctx := context.Background()

	t.Run("HitServesFromCache", func(t *testing.T) {
		zone := &testZone{}
		resolver := NewCachedResolver(testClient(t, zone), testCache(t), CacheConfig{})

		first, err := resolver.LookupMX(ctx, "example.com")
		if err != nil {
			t.Fatalf("first lookup: %v", err)
		}
		after := zone.count()

		second, err := resolver.LookupMX(ctx, "example.com")
		if err != nil {
			t.Fatalf("second lookup: %v", err)
		}
		if zone.count() != after {
			t.Fatalf("cache hit still queried the wire: %d -> %d", after, zone.count())
		}
		if len(first) != len(second) || first[0] != second[0] {
			t.Fatalf("cached answer differs: %+v vs %+v", first, second)
		}
	})

	t.Run("NegativeResultCached", func(t *testing.T) {
		zone := &testZone{}
		resolver := NewCachedResolver(testClient(t, zone), testCache(t), CacheConfig{})

		if _, err := resolver.LookupMX(ctx, "missing.test"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("first lookup err = %v", err)
		}
		after := zone.count()

		if _, err := resolver.LookupMX(ctx, "missing.test"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("second lookup err = %v", err)
		}
		if zone.count() != after {
			t.Fatal("negative result was not served from cache")
		}
	})

	t.Run("ExpiredEntryRefetched", func(t *testing.T) {
		zone := &testZone{}
		resolver := NewCachedResolver(testClient(t, zone), testCache(t), CacheConfig{
			TTLFloor:   5 * time.Millisecond,
			TTLCeiling: 20 * time.Millisecond,
		})

		if _, err := resolver.LookupMX(ctx, "example.com"); err != nil {
			t.Fatalf("lookup: %v", err)
		}
		after := zone.count()

		time.Sleep(60 * time.Millisecond)

		if _, err := resolver.LookupMX(ctx, "example.com"); err != nil {
			t.Fatalf("lookup after expiry: %v", err)
		}
		if zone.count() == after {
			t.Fatal("expired entry was not refetched")
		}
	})

	t.Run("AddrLookupCached", func(t *testing.T) {
		zone := &testZone{}
		resolver := NewCachedResolver(testClient(t, zone), testCache(t), CacheConfig{})

		addrs, err := resolver.LookupAddr(ctx, "mx1.example.com")
		if err != nil {
			t.Fatalf("lookup: %v", err)
		}
		if len(addrs) != 1 || addrs[0].String() != "192.0.2.1" {
			t.Fatalf("addrs = %v", addrs)
		}
		after := zone.count()

		if _, err := resolver.LookupAddr(ctx, "mx1.example.com"); err != nil {
			t.Fatalf("second lookup: %v", err)
		}
		if zone.count() != after {
			t.Fatal("address lookup was not cached")
		}
	})
}

func TestCandidateSource(t *testing.T) {
	ctx := context.Background()

	t.Run("MXHostsResolved", func(t *testing.T) {
		zone := &testZone{}
		source := NewCandidateSource(NewCachedResolver(testClient(t, zone), testCache(t), CacheConfig{}))

		candidates, err := source.Resolve(ctx, "example.com")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		// Only mx1 has an address record; the dead exchangers are skipped.
		if len(candidates) != 1 {
			t.Fatalf("candidates = %+v", candidates)
		}
		if candidates[0].MXHost != "mx1.example.com" || candidates[0].Addr.String() != "192.0.2.1" {
			t.Fatalf("candidate = %+v", candidates[0])
		}
	})

	t.Run("ImplicitMXFallsBackToAddress", func(t *testing.T) {
		zone := &testZone{}
		source := NewCandidateSource(NewCachedResolver(testClient(t, zone), testCache(t), CacheConfig{}))

		candidates, err := source.Resolve(ctx, "apex.test")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if len(candidates) != 1 || candidates[0].Addr.String() != "192.0.2.7" {
			t.Fatalf("candidates = %+v", candidates)
		}
	})

	t.Run("NullMXRefusesMail", func(t *testing.T) {
		zone := &testZone{}
		source := NewCandidateSource(NewCachedResolver(testClient(t, zone), testCache(t), CacheConfig{}))

		_, err := source.Resolve(ctx, "nullmx.test")
		if !errors.Is(err, queue.ErrNoMail) {
			t.Fatalf("err = %v, want ErrNoMail", err)
		}
	})

	t.Run("UnresolvableDomain", func(t *testing.T) {
		zone := &testZone{}
		source := NewCandidateSource(NewCachedResolver(testClient(t, zone), testCache(t), CacheConfig{}))

		if _, err := source.Resolve(ctx, "missing.test"); err == nil {
			t.Fatal("missing domain did not fail")
		}
	})
}
