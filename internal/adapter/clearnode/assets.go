package clearnode

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xiaot623/paychat/internal/logger"
)

// AssetCache remembers which asset the broker accepted last time so later
// sessions skip negotiation. A cache never fails a bridge call: errors read as misses.
type AssetCache interface {
	Get(ctx context.Context, key string) string
	Set(ctx context.Context, key, asset string)
}

// MemoryAssetCache is a process-local AssetCache.
type MemoryAssetCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
}

type memoryEntry struct {
	asset     string
	expiresAt time.Time
}

// NewMemoryAssetCache creates an in-memory cache. A zero ttl never expires.
func NewMemoryAssetCache(ttl time.Duration) *MemoryAssetCache {
	return &MemoryAssetCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]memoryEntry),
	}
}

func (c *MemoryAssetCache) Get(_ context.Context, key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return ""
	}
	if !e.expiresAt.IsZero() && c.now().After(e.expiresAt) {
		delete(c.entries, key)
		return ""
	}
	return e.asset
}

func (c *MemoryAssetCache) Set(_ context.Context, key, asset string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := memoryEntry{asset: asset}
	if c.ttl > 0 {
		e.expiresAt = c.now().Add(c.ttl)
	}
	c.entries[key] = e
}

// RedisAssetCache shares negotiated assets across service instances.
type RedisAssetCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisAssetCache connects to the Redis server at url (redis://...).
func NewRedisAssetCache(url string, ttl time.Duration) (*RedisAssetCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisAssetCache{client: client, ttl: ttl}, nil
}

func (c *RedisAssetCache) Get(ctx context.Context, key string) string {
	asset, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("asset cache read failed")
		}
		return ""
	}
	return asset
}

func (c *RedisAssetCache) Set(ctx context.Context, key, asset string) {
	if err := c.client.Set(ctx, key, asset, c.ttl).Err(); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("asset cache write failed")
	}
}

func (c *RedisAssetCache) Close() error {
	return c.client.Close()
}

func assetCacheKey(chainID int64, application string) string {
	return fmt.Sprintf("paychat:clearnode:asset:%d:%s", chainID, application)
}

// assetCandidates yields candidate assets in negotiation order, deduplicated,
// loading each stage only when the previous ones are exhausted.
type assetCandidates struct {
	stages []func() []string
	seen   map[string]bool
	queue  []string
}

func newAssetCandidates(stages ...func() []string) *assetCandidates {
	return &assetCandidates{stages: stages, seen: make(map[string]bool)}
}

func (a *assetCandidates) Next() (string, bool) {
	for {
		for len(a.queue) > 0 {
			asset := strings.ToLower(strings.TrimSpace(a.queue[0]))
			a.queue = a.queue[1:]
			if asset == "" || a.seen[asset] {
				continue
			}
			a.seen[asset] = true
			return asset, true
		}
		if len(a.stages) == 0 {
			return "", false
		}
		a.queue = a.stages[0]()
		a.stages = a.stages[1:]
	}
}
