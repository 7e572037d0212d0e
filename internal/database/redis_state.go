// Redis-backed hot cache of the bot runtime status. The durable row lives
// in PostgreSQL; the Redis copy lets operator tooling poll liveness without
// touching the database. When Redis is unavailable the cache falls back to
// an in-memory copy so trading continues without interruption.

package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"futures-ai-trader/internal/engine"
)

const (
	// runtimeStatusKeyPrefix is the prefix for runtime status keys.
	// Format: trader:status:{botConfigID}
	runtimeStatusKeyPrefix = "trader:status"

	// runtimeStatusTTL expires stale status keys when a bot dies without
	// cleaning up. Heartbeats refresh it well inside the window.
	runtimeStatusTTL = 5 * time.Minute
)

// CachedStatus is the runtime snapshot mirrored into Redis.
type CachedStatus struct {
	BotConfigID  string               `json:"bot_config_id"`
	Status       string               `json:"status"`
	ErrorMessage string               `json:"error_message,omitempty"`
	Position     *engine.PositionView `json:"position,omitempty"`
	Heartbeat    time.Time            `json:"heartbeat"`
}

// RuntimeStatusCache mirrors the bot runtime status into Redis with an
// in-memory fallback when Redis is unavailable.
type RuntimeStatusCache struct {
	client         *redis.Client
	mu             sync.RWMutex
	memory         map[string]*CachedStatus
	redisAvailable atomic.Bool
}

// NewRuntimeStatusCache creates the cache. A nil client means memory-only mode.
func NewRuntimeStatusCache(client *redis.Client) *RuntimeStatusCache {
	c := &RuntimeStatusCache{
		client: client,
		memory: make(map[string]*CachedStatus),
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			log.Printf("[REDIS-STATUS] Redis unavailable at startup: %v, using in-memory cache", err)
			c.redisAvailable.Store(false)
		} else {
			log.Printf("[REDIS-STATUS] Redis connected successfully")
			c.redisAvailable.Store(true)
		}
	} else {
		log.Printf("[REDIS-STATUS] No Redis client provided, using in-memory cache only")
		c.redisAvailable.Store(false)
	}

	return c
}

func (c *RuntimeStatusCache) statusKey(botConfigID string) string {
	return fmt.Sprintf("%s:%s", runtimeStatusKeyPrefix, botConfigID)
}

// Publish writes the latest status snapshot. In-memory copy is always
// updated; Redis failures are absorbed, not returned.
func (c *RuntimeStatusCache) Publish(ctx context.Context, status *CachedStatus) error {
	if status == nil {
		return fmt.Errorf("cannot publish nil status")
	}
	status.Heartbeat = time.Now().UTC()

	c.mu.Lock()
	c.memory[status.BotConfigID] = status
	c.mu.Unlock()

	if c.client == nil || !c.redisAvailable.Load() {
		return nil
	}

	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal runtime status: %w", err)
	}

	if err := c.client.Set(ctx, c.statusKey(status.BotConfigID), data, runtimeStatusTTL).Err(); err != nil {
		log.Printf("[REDIS-STATUS] Failed to publish to Redis: %v, using in-memory cache", err)
		c.redisAvailable.Store(false)
	}
	return nil
}

// Load reads the latest snapshot, preferring Redis and falling back to the
// in-memory copy. Returns nil when no snapshot exists.
func (c *RuntimeStatusCache) Load(ctx context.Context, botConfigID string) (*CachedStatus, error) {
	if c.client != nil && c.redisAvailable.Load() {
		data, err := c.client.Get(ctx, c.statusKey(botConfigID)).Result()
		if err == nil {
			var status CachedStatus
			if err := json.Unmarshal([]byte(data), &status); err != nil {
				return nil, fmt.Errorf("failed to unmarshal runtime status: %w", err)
			}
			return &status, nil
		}
		if err != redis.Nil {
			log.Printf("[REDIS-STATUS] Redis read error: %v, using in-memory cache", err)
			c.redisAvailable.Store(false)
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.memory[botConfigID], nil
}

// Clear removes the snapshot on clean shutdown.
func (c *RuntimeStatusCache) Clear(ctx context.Context, botConfigID string) {
	c.mu.Lock()
	delete(c.memory, botConfigID)
	c.mu.Unlock()

	if c.client != nil && c.redisAvailable.Load() {
		if err := c.client.Del(ctx, c.statusKey(botConfigID)).Err(); err != nil {
			log.Printf("[REDIS-STATUS] Failed to clear Redis status: %v", err)
		}
	}
}
