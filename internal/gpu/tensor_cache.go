package gpu

import (
	"context"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/viralforge/deferred-diffusion/internal/domain"
)

// DefaultTensorCacheSize bounds the prompt-encoding cache.
const DefaultTensorCacheSize = 64

// TensorCacheStats is a snapshot of intermediate-result cache counters.
type TensorCacheStats struct {
	Entries   int `json:"entries"`
	Capacity  int `json:"capacity"`
	SizeBytes int `json:"size_bytes"`
}

// TensorCache holds intermediate results across requests and across
// pipeline reloads. Stored values always live on the host and are never
// handed out directly: Put stores a detached copy and every hit returns a
// fresh copy on the caller's device.
type TensorCache struct {
	entries  *lru.Cache[CacheKey, Value]
	capacity int
	logger   *slog.Logger
}

func NewTensorCache(capacity int, logger *slog.Logger) (*TensorCache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: tensor cache capacity must be positive", domain.ErrInvalidInput)
	}
	entries, err := lru.New[CacheKey, Value](capacity)
	if err != nil {
		return nil, fmt.Errorf("create tensor lru: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TensorCache{
		entries:  entries,
		capacity: capacity,
		logger: logger.With(
			"module", "gpu.tensor_cache",
			"layer", "worker",
		),
	}, nil
}

// GetIfPresent returns a copy of the cached value migrated to device.
// A hit also marks the entry most recently used.
func (c *TensorCache) GetIfPresent(ctx context.Context, key CacheKey, device Device) (Value, bool, error) {
	stored, ok := c.entries.Get(key)
	if !ok {
		return nil, false, nil
	}
	out, err := stored.To(device)
	if err != nil {
		return nil, false, fmt.Errorf("migrate cached value to %s: %w", device, err)
	}
	c.logger.DebugContext(ctx, "intermediate result reused",
		"operation", "get",
		"outcome", "hit",
		"key", key.String(),
		"device", string(device),
	)
	return out, true, nil
}

// Put stores a host-resident snapshot of value, evicting the oldest entry
// when full.
func (c *TensorCache) Put(ctx context.Context, key CacheKey, value Value) error {
	if value == nil {
		return fmt.Errorf("%w: nil cache value", domain.ErrInvalidInput)
	}
	snapshot, err := value.To(DeviceHost)
	if err != nil {
		return fmt.Errorf("snapshot value to host: %w", err)
	}
	evicted := c.entries.Add(key, snapshot)
	stats := c.Stats()
	c.logger.InfoContext(ctx, "intermediate result cached",
		"operation", "put",
		"outcome", "success",
		"key", key.String(),
		"evicted", evicted,
		"entries", stats.Entries,
		"capacity", stats.Capacity,
		"size_mb", float64(stats.SizeBytes)/(1024*1024),
	)
	return nil
}

func (c *TensorCache) Len() int {
	return c.entries.Len()
}

func (c *TensorCache) Contains(key CacheKey) bool {
	return c.entries.Contains(key)
}

func (c *TensorCache) Purge() {
	c.entries.Purge()
}

func (c *TensorCache) Stats() TensorCacheStats {
	size := 0
	for _, value := range c.entries.Values() {
		if sizer, ok := value.(Sizer); ok {
			size += sizer.SizeBytes()
		}
	}
	return TensorCacheStats{
		Entries:   c.entries.Len(),
		Capacity:  c.capacity,
		SizeBytes: size,
	}
}
