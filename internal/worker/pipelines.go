package worker

import (
	"context"
	"log/slog"

	"github.com/viralforge/deferred-diffusion/internal/domain"
	"github.com/viralforge/deferred-diffusion/internal/gpu"
	"github.com/viralforge/deferred-diffusion/internal/ports"
)

// NewPipelineCache builds the per-worker resource cache of loaded pipelines.
// Evicted pipelines are released before the replacement is loaded.
func NewPipelineCache(capacity int, logger *slog.Logger) (*gpu.ResourceCache[domain.PipelineSpec, ports.Pipeline], error) {
	return gpu.NewResourceCache(gpu.ResourceCacheConfig[domain.PipelineSpec, ports.Pipeline]{
		Capacity: capacity,
		Teardown: func(ctx context.Context, _ domain.PipelineSpec, pipeline ports.Pipeline) error {
			return pipeline.Release(ctx)
		},
		Logger: logger,
	})
}
