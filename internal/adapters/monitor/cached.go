package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/viralforge/deferred-diffusion/internal/ports"
)

const (
	DefaultInfoCacheSize = 128
	DefaultInfoCacheTTL  = 5 * time.Second
)

// CachedSource puts a short TTL cache in front of a metadata source.
// Failures are logged and cached as empty results so a slow monitor is hit
// at most once per TTL per task.
type CachedSource struct {
	source ports.TaskInfoSource
	cache  *expirable.LRU[string, map[string]any]
	logger *slog.Logger
}

func NewCachedSource(source ports.TaskInfoSource, size int, ttl time.Duration, logger *slog.Logger) *CachedSource {
	if size <= 0 {
		size = DefaultInfoCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultInfoCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedSource{
		source: source,
		cache:  expirable.NewLRU[string, map[string]any](size, nil, ttl),
		logger: logger,
	}
}

func (c *CachedSource) TaskInfo(ctx context.Context, taskID string) (map[string]any, error) {
	if cached, ok := c.cache.Get(taskID); ok {
		return cached, nil
	}
	info, err := c.source.TaskInfo(ctx, taskID)
	if err != nil {
		c.logger.WarnContext(ctx, "task info lookup failed",
			"module", "monitor.cached_source",
			"layer", "adapter",
			"operation", "task_info",
			"outcome", "failure",
			"task_id", taskID,
			"error", err,
		)
		info = map[string]any{}
	}
	if info == nil {
		info = map[string]any{}
	}
	c.cache.Add(taskID, info)
	return info, nil
}
