package timetravel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lendware/dealcore/pkg/projection"
)

// Cache is a read-through projection cache keyed by (deal_id, sequence).
// Entries are derived data: losing one only costs a re-projection, so Put
// failures are swallowed by implementations.
type Cache interface {
	Get(ctx context.Context, dealID string, sequence uint64) (projection.ProjectedState, bool)
	Put(ctx context.Context, dealID string, sequence uint64, state projection.ProjectedState)
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]projection.ProjectedState
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]projection.ProjectedState)}
}

func cacheKey(dealID string, sequence uint64) string {
	return fmt.Sprintf("%s@%d", dealID, sequence)
}

// Get implements Cache. The result is a deep copy: callers own the returned
// state and may mutate it without corrupting later hits.
func (c *MemoryCache) Get(ctx context.Context, dealID string, sequence uint64) (projection.ProjectedState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	state, ok := c.entries[cacheKey(dealID, sequence)]
	if !ok {
		return projection.ProjectedState{}, false
	}
	return state.Clone(), true
}

// Put implements Cache. The entry is detached from the caller's state on the
// way in, matching the isolation the Redis backend gets from its JSON
// round-trip.
func (c *MemoryCache) Put(ctx context.Context, dealID string, sequence uint64, state projection.ProjectedState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(dealID, sequence)] = state.Clone()
}

// Invalidate drops every cached projection for dealID.
func (c *MemoryCache) Invalidate(dealID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := dealID + "@"
	for key := range c.entries {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(c.entries, key)
		}
	}
}

// RedisCache is a shared Cache backed by Redis. Projections serialize as
// JSON; entries expire after TTL so a wedged writer cannot pin stale state
// forever.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a cache over an existing Redis client.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func redisKey(dealID string, sequence uint64) string {
	return fmt.Sprintf("dealcore:projection:%s:%d", dealID, sequence)
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, dealID string, sequence uint64) (projection.ProjectedState, bool) {
	raw, err := c.client.Get(ctx, redisKey(dealID, sequence)).Bytes()
	if err != nil {
		return projection.ProjectedState{}, false
	}
	var state projection.ProjectedState
	if err := json.Unmarshal(raw, &state); err != nil {
		// A corrupt entry is treated as a miss and rebuilt from the log.
		return projection.ProjectedState{}, false
	}
	return state, true
}

// Put implements Cache.
func (c *RedisCache) Put(ctx context.Context, dealID string, sequence uint64, state projection.ProjectedState) {
	raw, err := json.Marshal(state)
	if err != nil {
		return
	}
	c.client.Set(ctx, redisKey(dealID, sequence), raw, c.ttl)
}
