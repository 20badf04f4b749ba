package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// Cache stores resolved locations per normalized IP.
type Cache interface {
	Get(ctx context.Context, ip string) (Location, bool, error)
	Set(ctx context.Context, ip string, location Location) error
}

// LRUCache is a size-bounded in-process cache with per-entry TTL.
type LRUCache struct {
	lru *expirable.LRU[string, Location]
}

func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	if size <= 0 {
		size = 10000
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &LRUCache{lru: expirable.NewLRU[string, Location](size, nil, ttl)}
}

func (c *LRUCache) Get(_ context.Context, ip string) (Location, bool, error) {
	location, ok := c.lru.Get(ip)
	return location, ok, nil
}

func (c *LRUCache) Set(_ context.Context, ip string, location Location) error {
	c.lru.Add(ip, location)
	return nil
}

func (c *LRUCache) Len() int {
	return c.lru.Len()
}

// Purge drops every entry.
func (c *LRUCache) Purge() {
	c.lru.Purge()
}

// RedisCache shares lookups between instances.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCache{client: client, prefix: "geo:ip:", ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, ip string) (Location, bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+ip).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Location{}, false, nil
		}
		return Location{}, false, fmt.Errorf("read geo cache: %w", err)
	}

	var location Location
	if err := json.Unmarshal(raw, &location); err != nil {
		return Location{}, false, fmt.Errorf("decode geo cache entry: %w", err)
	}
	return location, true, nil
}

func (c *RedisCache) Set(ctx context.Context, ip string, location Location) error {
	raw, err := json.Marshal(location)
	if err != nil {
		return fmt.Errorf("encode geo cache entry: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+ip, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("write geo cache: %w", err)
	}
	return nil
}

// TieredCache reads the local tier first and backfills it from the shared
// tier. Writes go to both.
type TieredCache struct {
	local  *LRUCache
	shared Cache
}

func NewTieredCache(local *LRUCache, shared Cache) *TieredCache {
	return &TieredCache{local: local, shared: shared}
}

func (c *TieredCache) Get(ctx context.Context, ip string) (Location, bool, error) {
	if location, ok, _ := c.local.Get(ctx, ip); ok {
		return location, true, nil
	}

	location, ok, err := c.shared.Get(ctx, ip)
	if err != nil || !ok {
		return Location{}, false, err
	}
	_ = c.local.Set(ctx, ip, location)
	return location, true, nil
}

func (c *TieredCache) Set(ctx context.Context, ip string, location Location) error {
	_ = c.local.Set(ctx, ip, location)
	return c.shared.Set(ctx, ip, location)
}

var (
	_ Cache = (*LRUCache)(nil)
	_ Cache = (*RedisCache)(nil)
	_ Cache = (*TieredCache)(nil)
)
