// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package cache implements the resilient two-tier read cache.

It fronts the PostgreSQL repositories for hot reads (users, roles, ASN
metadata, token introspection results, IP blocks, geo lookups) with:

  - Local tier: a bounded in-process LRU with per-entry TTL (hashicorp
    expirable LRU), one per cache region.
  - Distributed tier: Redis, shared across instances, per-region TTLs.
  - Circuit breaker: consecutive-failure and failure-ratio thresholds with a
    cooldown and half-open probe; while open, every distributed operation
    fast-fails to the local tier.
  - Single-flight: concurrent misses for the same key coalesce into exactly
    one loader invocation per process.

Values are JSON-encoded on both tiers. Nil values are never cached.
Distributed write failures are non-fatal: the local tier still serves the
value, and the breaker accumulates the failure.
*/
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/taibuivan/veyra/internal/platform/constants"
)

// Region names a logical cache namespace with its own TTL and local tier.
type Region string

// Cache regions. Each region has an independent TTL and in-process LRU so
// that, for example, long-lived ASN metadata never evicts short-lived token
// introspection entries.
const (
	RegionUsers       Region = "users"
	RegionRoles       Region = "roles"
	RegionASN         Region = "asn"
	RegionTokens      Region = "tokens"
	RegionIPBlock     Region = "ip-block"
	RegionGeoLocation Region = "geo-location"
	RegionGeoHistory  Region = "geo-history"
)

// ErrUnknownRegion is returned when an operation names an unregistered region.
var ErrUnknownRegion = errors.New("cache: unknown region")

// Options configures a [Cache].
type Options struct {
	// LocalMaxEntries bounds each region's in-process LRU.
	LocalMaxEntries int
	// RegionTTLs assigns a TTL to every region. Regions absent from the map
	// are not registered and reject all operations.
	RegionTTLs map[Region]time.Duration
	// Breaker tunes the distributed-tier circuit breaker.
	Breaker BreakerOptions
}

// regionTier pairs a region's local LRU with its TTL.
type regionTier struct {
	local *expirable.LRU[string, []byte]
	ttl   time.Duration
}

// Cache is the resilient two-tier cache. Safe for concurrent use.
type Cache struct {
	client  *redis.Client
	breaker *Breaker
	group   singleflight.Group
	logger  *slog.Logger
	regions map[Region]*regionTier
}

// New constructs a [Cache] with one local tier per configured region.
func New(client *redis.Client, options Options, logger *slog.Logger) *Cache {
	if options.LocalMaxEntries <= 0 {
		options.LocalMaxEntries = 10000
	}

	regions := make(map[Region]*regionTier, len(options.RegionTTLs))
	for region, ttl := range options.RegionTTLs {
		regions[region] = &regionTier{
			local: expirable.NewLRU[string, []byte](options.LocalMaxEntries, nil, ttl),
			ttl:   ttl,
		}
	}

	return &Cache{
		client:  client,
		breaker: NewBreaker(options.Breaker),
		logger:  logger,
		regions: regions,
	}
}

// # Core Operations

/*
Get retrieves a value, preferring the distributed tier.

Description: On a healthy distributed hit the value also warms the local
tier. On distributed failure or an open circuit, the local tier serves as
fallback. A miss on both tiers returns found=false with no error.

Parameters:
  - ctx: context.Context
  - region: Region namespace
  - key: Cache key (unprefixed; namespacing is applied internally)
  - target: Pointer receiving the JSON-decoded value on a hit

Returns:
  - bool: true if a value was found and decoded into target
  - error: ErrUnknownRegion or a decode failure
*/
func (cache *Cache) Get(ctx context.Context, region Region, key string, target any) (bool, error) {
	tier, ok := cache.regions[region]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownRegion, region)
	}

	storageKey := cache.storageKey(region, key)

	if cache.breaker.Allow() {
		callCtx, cancel := context.WithTimeout(ctx, constants.CacheCallTimeout)
		raw, err := cache.client.Get(callCtx, storageKey).Bytes()
		cancel()

		switch {
		case err == nil:
			cache.breaker.RecordSuccess()
			// Warm the local tier as backup for a future distributed outage.
			tier.local.Add(storageKey, raw)
			if err := json.Unmarshal(raw, target); err != nil {
				return false, fmt.Errorf("cache: decode failed for %s: %w", storageKey, err)
			}
			return true, nil
		case errors.Is(err, redis.Nil):
			cache.breaker.RecordSuccess()
			// Distributed miss: the local tier may still hold a warm copy.
		default:
			cache.breaker.RecordFailure()
			cache.logger.Warn("cache_distributed_read_failed",
				slog.String("key", storageKey),
				slog.String("error", err.Error()),
			)
		}
	}

	raw, ok := tier.local.Get(storageKey)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return false, fmt.Errorf("cache: local decode failed for %s: %w", storageKey, err)
	}
	return true, nil
}

/*
Put stores a value on both tiers.

Description: The local tier is always populated. The distributed write is
best-effort: a failure is logged, recorded on the breaker, and never
propagated. Nil values are silently dropped (never cached).

Parameters:
  - ctx: context.Context
  - region: Region namespace
  - key: Cache key
  - value: Any JSON-encodable value

Returns:
  - error: ErrUnknownRegion or an encode failure
*/
func (cache *Cache) Put(ctx context.Context, region Region, key string, value any) error {
	tier, ok := cache.regions[region]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRegion, region)
	}

	if isNilValue(value) {
		return nil
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: encode failed: %w", err)
	}

	storageKey := cache.storageKey(region, key)
	tier.local.Add(storageKey, raw)

	if !cache.breaker.Allow() {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, constants.CacheCallTimeout)
	err = cache.client.Set(callCtx, storageKey, raw, tier.ttl).Err()
	cancel()

	if err != nil {
		cache.breaker.RecordFailure()
		cache.logger.Warn("cache_distributed_write_failed",
			slog.String("key", storageKey),
			slog.String("error", err.Error()),
		)
		return nil
	}
	cache.breaker.RecordSuccess()

	return nil
}

/*
Delete removes a key from both tiers.

Description: Used by write paths to invalidate stale reads. The local removal
always happens; the distributed removal is skipped while the circuit is open.

Parameters:
  - ctx: context.Context
  - region: Region namespace
  - key: Cache key

Returns:
  - error: ErrUnknownRegion only; distributed failures are absorbed
*/
func (cache *Cache) Delete(ctx context.Context, region Region, key string) error {
	tier, ok := cache.regions[region]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRegion, region)
	}

	storageKey := cache.storageKey(region, key)
	tier.local.Remove(storageKey)

	if !cache.breaker.Allow() {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, constants.CacheCallTimeout)
	err := cache.client.Del(callCtx, storageKey).Err()
	cancel()

	if err != nil {
		cache.breaker.RecordFailure()
		cache.logger.Warn("cache_distributed_delete_failed",
			slog.String("key", storageKey),
			slog.String("error", err.Error()),
		)
		return nil
	}
	cache.breaker.RecordSuccess()

	return nil
}

// TTL returns the configured TTL for a region, or zero if unregistered.
func (cache *Cache) TTL(region Region) time.Duration {
	tier, ok := cache.regions[region]
	if !ok {
		return 0
	}
	return tier.ttl
}

// storageKey namespaces a key to avoid collisions with other Redis users.
func (cache *Cache) storageKey(region Region, key string) string {
	return "veyra:cache:" + string(region) + ":" + key
}

// # Cache-Aside Loading

/*
LoadOrCompute implements the cache-aside pattern with single-flight.

Description: Concurrent misses for the same (region, key) coalesce into one
loader call per process. A nil loader result is returned to every waiter but
is NOT cached, so negative lookups do not poison the cache.

Parameters:
  - ctx: context.Context
  - cache: Target cache
  - region: Region namespace
  - key: Cache key
  - loader: Invoked on miss to compute the value from the source of truth

Returns:
  - T: Cached or freshly loaded value
  - error: Loader or decode failures
*/
func LoadOrCompute[T any](ctx context.Context, cache *Cache, region Region, key string, loader func(context.Context) (T, error)) (T, error) {
	var cached T
	found, err := cache.Get(ctx, region, key, &cached)
	if err == nil && found {
		return cached, nil
	}

	flightKey := string(region) + "\x00" + key
	result, err, _ := cache.group.Do(flightKey, func() (any, error) {
		// Re-check inside the flight: a concurrent winner may have populated
		// the cache between our miss and acquiring the flight slot.
		var warm T
		if found, err := cache.Get(ctx, region, key, &warm); err == nil && found {
			return warm, nil
		}

		loaded, err := loader(ctx)
		if err != nil {
			return loaded, err
		}
		if !isNilValue(loaded) {
			_ = cache.Put(ctx, region, key, loaded)
		}
		return loaded, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}

	return result.(T), nil
}

// isNilValue reports whether value is nil, including typed nil pointers,
// maps, and slices hiding inside a non-nil interface.
func isNilValue(value any) bool {
	if value == nil {
		return true
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}
