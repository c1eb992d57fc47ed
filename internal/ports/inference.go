package ports

import (
	"context"

	"github.com/viralforge/deferred-diffusion/internal/domain"
	"github.com/viralforge/deferred-diffusion/internal/gpu"
)

// PromptArgs are the inputs of a prompt encoding call.
type PromptArgs struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
}

// RunOutput is what a pipeline returns for one job.
type RunOutput struct {
	Result []byte
	Logs   []string
}

// Pipeline is a loaded, device-resident generation pipeline.
type Pipeline interface {
	// Identity names the producing computation. Pipelines sharing it share
	// intermediate results.
	Identity() string
	Device() gpu.Device
	Capabilities() domain.Capability
	EncodePrompt(ctx context.Context, args PromptArgs) (gpu.Value, error)
	Run(ctx context.Context, payload map[string]any, embeddings gpu.Value) (RunOutput, error)
	Release(ctx context.Context) error
}

// PipelineLoader loads pipelines. Loads are slow and allocate device memory.
type PipelineLoader interface {
	Load(ctx context.Context, spec domain.PipelineSpec) (Pipeline, error)
}
