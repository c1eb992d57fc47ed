package gpu

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/viralforge/deferred-diffusion/internal/domain"
)

// ResourceCacheConfig configures a ResourceCache.
type ResourceCacheConfig[K comparable, V any] struct {
	Capacity int
	// Teardown releases an evicted value. Errors are logged and the slot is
	// reclaimed regardless.
	Teardown func(ctx context.Context, key K, value V) error
	// AfterEvict runs once teardown finished; defaults to a forced GC.
	AfterEvict func()
	Logger     *slog.Logger
}

// ResourceCacheStats is a snapshot of cache counters.
type ResourceCacheStats struct {
	Hits      int64 `json:"cache_hits"`
	Misses    int64 `json:"cache_misses"`
	Evictions int64 `json:"cache_evictions"`
	Size      int   `json:"current_cache_size"`
	Capacity  int   `json:"capacity"`
}

// ResourceCache is a small LRU of expensive, device-resident values.
// Eviction and teardown happen before a miss is loaded, so at most
// Capacity+1 values are alive at any moment counting the one being built.
// The mutex is held across loads: one load at a time per worker.
type ResourceCache[K comparable, V any] struct {
	mu         sync.Mutex
	entries    *simplelru.LRU[K, V]
	capacity   int
	teardown   func(ctx context.Context, key K, value V) error
	afterEvict func()
	logger     *slog.Logger

	hits      int64
	misses    int64
	evictions int64
}

func NewResourceCache[K comparable, V any](cfg ResourceCacheConfig[K, V]) (*ResourceCache[K, V], error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("%w: resource cache capacity must be positive", domain.ErrInvalidInput)
	}
	entries, err := simplelru.NewLRU[K, V](cfg.Capacity, nil)
	if err != nil {
		return nil, fmt.Errorf("create resource lru: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	afterEvict := cfg.AfterEvict
	if afterEvict == nil {
		afterEvict = runtime.GC
	}
	return &ResourceCache[K, V]{
		entries:    entries,
		capacity:   cfg.Capacity,
		teardown:   cfg.Teardown,
		afterEvict: afterEvict,
		logger: logger.With(
			"module", "gpu.resource_cache",
			"layer", "worker",
		),
	}, nil
}

// GetOrLoad returns the cached value for key, loading it on a miss.
// A failed load leaves nothing behind in the cache.
func (c *ResourceCache[K, V]) GetOrLoad(ctx context.Context, key K, load func(ctx context.Context) (V, error)) (V, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if value, ok := c.entries.Get(key); ok {
		c.hits++
		c.logger.DebugContext(ctx, "resource cache hit",
			"operation", "get_or_load",
			"outcome", "hit",
			"key", fmt.Sprint(key),
		)
		return value, nil
	}

	c.misses++
	if c.entries.Len() >= c.capacity {
		c.evictOldest(ctx)
	}

	start := time.Now()
	value, err := load(ctx)
	if err != nil {
		var zero V
		c.logger.ErrorContext(ctx, "resource load failed",
			"operation", "get_or_load",
			"outcome", "failure",
			"key", fmt.Sprint(key),
			"error", err,
		)
		return zero, fmt.Errorf("%w: %w", domain.ErrResourceLoad, err)
	}
	c.entries.Add(key, value)
	c.logger.WarnContext(ctx, "resource cache miss",
		"operation", "get_or_load",
		"outcome", "miss",
		"key", fmt.Sprint(key),
		"load_ms", time.Since(start).Milliseconds(),
		"size", c.entries.Len(),
		"capacity", c.capacity,
	)
	return value, nil
}

func (c *ResourceCache[K, V]) evictOldest(ctx context.Context) {
	key, value, ok := c.entries.RemoveOldest()
	if !ok {
		return
	}
	c.evictions++
	c.logger.WarnContext(ctx, "evicting least recently used resource",
		"operation", "evict",
		"outcome", "start",
		"key", fmt.Sprint(key),
	)
	c.release(ctx, key, value)
}

func (c *ResourceCache[K, V]) release(ctx context.Context, key K, value V) {
	if c.teardown != nil {
		if err := c.teardown(ctx, key, value); err != nil {
			c.logger.ErrorContext(ctx, "resource teardown failed",
				"operation", "teardown",
				"outcome", "failure",
				"key", fmt.Sprint(key),
				"error", err,
			)
		}
	}
	c.afterEvict()
}

// Contains reports presence without touching recency.
func (c *ResourceCache[K, V]) Contains(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Contains(key)
}

// Keys returns keys from least to most recently used.
func (c *ResourceCache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Keys()
}

func (c *ResourceCache[K, V]) Stats() ResourceCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ResourceCacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      c.entries.Len(),
		Capacity:  c.capacity,
	}
}

// Close tears down every cached value, oldest first.
func (c *ResourceCache[K, V]) Close(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.entries.Len() > 0 {
		key, value, ok := c.entries.RemoveOldest()
		if !ok {
			return
		}
		c.release(ctx, key, value)
	}
}
