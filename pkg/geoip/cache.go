// Copyright 2025 PhotoStream Authors
// SPDX-License-Identifier: Apache-2.0

package geoip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/photostream/georoute/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var (
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "georoute_geoip_cache_lookups_total",
			Help: "Geoip cache lookups by outcome",
		},
		[]string{"outcome"},
	)
)

// CacheConfig configures the Redis-backed lookup cache.
type CacheConfig struct {
	// Enabled activates the cache. When false the inner resolver is
	// called directly.
	Enabled bool `mapstructure:"enabled"`

	// Redis connection settings
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`

	KeyPrefix string `mapstructure:"key_prefix"`

	// TTL for successful lookups. Provider data moves slowly; a day is
	// plenty.
	TTL time.Duration `mapstructure:"ttl"`

	// NegativeTTL for unresolvable outcomes, short so transient
	// provider failures recover quickly.
	NegativeTTL time.Duration `mapstructure:"negative_ttl"`
}

// DefaultCacheConfig returns sensible defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Addr:        "localhost:6379",
		DB:          0,
		PoolSize:    10,
		KeyPrefix:   "georoute:geoip:",
		TTL:         24 * time.Hour,
		NegativeTTL: 5 * time.Minute,
	}
}

// cacheEntry is the stored document. Unresolvable entries carry no
// location and exist only to suppress repeat lookups.
type cacheEntry struct {
	Unresolvable bool      `json:"unresolvable,omitempty"`
	Location     *Location `json:"location,omitempty"`
}

// CachedResolver decorates a Resolver with a Redis cache. The cache
// fails open: any Redis error falls through to the inner resolver, so
// a cache outage degrades throughput, never correctness.
type CachedResolver struct {
	inner  Resolver
	client *redis.Client
	config CacheConfig
}

// NewCachedResolver creates the decorator and verifies connectivity.
func NewCachedResolver(inner Resolver, cfg CacheConfig) (*CachedResolver, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &CachedResolver{inner: inner, client: client, config: cfg}, nil
}

// NewCachedResolverWithClient creates the decorator with an existing
// Redis client.
func NewCachedResolverWithClient(inner Resolver, client *redis.Client, cfg CacheConfig) *CachedResolver {
	return &CachedResolver{inner: inner, client: client, config: cfg}
}

func (c *CachedResolver) key(ip string) string {
	prefix := c.config.KeyPrefix
	if prefix == "" {
		prefix = DefaultCacheConfig().KeyPrefix
	}
	return prefix + ip
}

// Resolve returns the cached location when present, otherwise resolves
// through the inner resolver and stores the outcome.
func (c *CachedResolver) Resolve(ctx context.Context, ip string) (*Location, error) {
	// Private callers never reach Redis or the provider.
	if SkipLookup(ip) {
		return nil, ErrPrivateAddress
	}

	raw, err := c.client.Get(ctx, c.key(ip)).Bytes()
	if err == nil {
		var entry cacheEntry
		if uerr := json.Unmarshal(raw, &entry); uerr == nil {
			cacheLookupsTotal.WithLabelValues("hit").Inc()
			if entry.Unresolvable {
				return nil, ErrUnresolvable
			}
			if entry.Location != nil {
				return entry.Location, nil
			}
		}
		// Corrupt entry: treat as a miss and overwrite below.
	} else if !errors.Is(err, redis.Nil) {
		cacheLookupsTotal.WithLabelValues("error").Inc()
		logger.Ctx(ctx).Warn().Err(err).Str("ip", ip).Msg("geoip cache read failed")
	} else {
		cacheLookupsTotal.WithLabelValues("miss").Inc()
	}

	loc, err := c.inner.Resolve(ctx, ip)
	if err != nil {
		if errors.Is(err, ErrUnresolvable) {
			c.store(ctx, ip, cacheEntry{Unresolvable: true}, c.config.NegativeTTL)
		}
		return nil, err
	}

	c.store(ctx, ip, cacheEntry{Location: loc}, c.config.TTL)
	return loc, nil
}

func (c *CachedResolver) store(ctx context.Context, ip string, entry cacheEntry, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(ip), raw, ttl).Err(); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("ip", ip).Msg("geoip cache write failed")
	}
}

// Close closes the Redis connection.
func (c *CachedResolver) Close() error {
	return c.client.Close()
}
