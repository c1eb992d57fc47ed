package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/deferred-diffusion/internal/domain"
	"github.com/viralforge/deferred-diffusion/internal/gpu"
	"github.com/viralforge/deferred-diffusion/internal/ports"
)

const defaultPopTimeout = 5 * time.Second

type Config struct {
	// Queues are consumed in this order; earlier queues win when several
	// have work.
	Queues     []string
	PopTimeout time.Duration
	WorkerID   string
}

type Dependencies struct {
	Consumer  ports.TaskConsumer
	Loader    ports.PipelineLoader
	Pipelines *gpu.ResourceCache[domain.PipelineSpec, ports.Pipeline]
	Tensors   *gpu.TensorCache
	Info      ports.TaskInfoRecorder
	Logger    *slog.Logger
}

// Runner executes one job at a time. Pipelines come from the resource cache
// and prompt encodings from the tensor cache when the pipeline supports it.
type Runner struct {
	cfg       Config
	consumer  ports.TaskConsumer
	loader    ports.PipelineLoader
	pipelines *gpu.ResourceCache[domain.PipelineSpec, ports.Pipeline]
	tensors   *gpu.TensorCache
	info      ports.TaskInfoRecorder
	logger    *slog.Logger
	nowFn     func() time.Time

	mu            sync.Mutex
	current       uuid.UUID
	cancelCurrent context.CancelCauseFunc
}

func NewRunner(cfg Config, deps Dependencies) (*Runner, error) {
	if deps.Consumer == nil || deps.Loader == nil || deps.Pipelines == nil {
		return nil, fmt.Errorf("%w: worker needs a consumer, a loader and a pipeline cache", domain.ErrInvalidInput)
	}
	if len(cfg.Queues) == 0 {
		return nil, fmt.Errorf("%w: worker needs at least one queue", domain.ErrInvalidInput)
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = defaultPopTimeout
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:       cfg,
		consumer:  deps.Consumer,
		loader:    deps.Loader,
		pipelines: deps.Pipelines,
		tensors:   deps.Tensors,
		info:      deps.Info,
		logger: logger.With(
			"module", "worker",
			"layer", "worker",
			"worker_id", cfg.WorkerID,
		),
		nowFn: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run pops and executes jobs until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	revocations, closeSub := r.consumer.Revocations(ctx)
	defer func() { _ = closeSub() }()
	go r.watchRevocations(ctx, revocations)

	r.logger.InfoContext(ctx, "worker started",
		"operation", "run",
		"outcome", "success",
		"queues", strings.Join(r.cfg.Queues, ","),
	)
	for {
		if ctx.Err() != nil {
			return nil
		}
		envelope, err := r.consumer.Pop(ctx, r.cfg.Queues, r.cfg.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.ErrorContext(ctx, "task pop failed",
				"operation", "pop",
				"outcome", "failure",
				"error", err,
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if envelope == nil {
			continue
		}
		if err := r.Process(ctx, *envelope); err != nil {
			r.logger.ErrorContext(ctx, "task processing failed",
				"operation", "process",
				"outcome", "failure",
				"task_id", envelope.ID.String(),
				"error", err,
			)
		}
	}
}

// Close tears down every cached pipeline.
func (r *Runner) Close(ctx context.Context) {
	r.pipelines.Close(ctx)
	if r.tensors != nil {
		r.tensors.Purge()
	}
}

func (r *Runner) watchRevocations(ctx context.Context, revocations <-chan uuid.UUID) {
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-revocations:
			if !ok {
				return
			}
			r.cancelIfRunning(id)
		}
	}
}

func (r *Runner) cancelIfRunning(taskID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelCurrent == nil || r.current != taskID {
		return false
	}
	r.cancelCurrent(domain.ErrTaskRevoked)
	return true
}

func (r *Runner) setCurrent(taskID uuid.UUID, cancel context.CancelCauseFunc) {
	r.mu.Lock()
	r.current = taskID
	r.cancelCurrent = cancel
	r.mu.Unlock()
}

// Process runs a single popped job to a terminal state. Errors returned are
// broker failures; job failures are written as FAILURE and return nil.
func (r *Runner) Process(ctx context.Context, envelope domain.TaskEnvelope) error {
	logger := r.logger.With(
		"task_id", envelope.ID.String(),
		"task_name", envelope.TaskName,
		"queue", envelope.Queue,
	)
	revoked, err := r.consumer.IsRevoked(ctx, envelope.ID)
	if err != nil {
		return fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		logger.InfoContext(ctx, "skipping revoked task",
			"operation", "process",
			"outcome", "skipped",
		)
		return nil
	}

	started := r.nowFn()
	written, err := r.consumer.UpdateState(ctx, envelope.ID, domain.TaskState{
		Status:    domain.TaskStarted,
		TaskName:  envelope.TaskName,
		Queue:     envelope.Queue,
		WorkerID:  r.cfg.WorkerID,
		StartedAt: &started,
	})
	if err != nil {
		return fmt.Errorf("write started state: %w", err)
	}
	if !written {
		logger.InfoContext(ctx, "task already terminal",
			"operation", "process",
			"outcome", "skipped",
		)
		return nil
	}
	r.recordInfo(ctx, envelope.ID, map[string]any{
		"name":     envelope.TaskName,
		"state":    string(domain.TaskStarted),
		"worker":   r.cfg.WorkerID,
		"queue":    envelope.Queue,
		"received": envelope.EnqueuedAt,
		"started":  started,
	})

	jobCtx, cancel := context.WithCancelCause(ctx)
	r.setCurrent(envelope.ID, cancel)
	defer func() {
		r.setCurrent(uuid.Nil, nil)
		cancel(nil)
	}()

	output, runErr := r.execute(jobCtx, envelope)
	finished := r.nowFn()
	state := domain.TaskState{
		TaskName:   envelope.TaskName,
		Queue:      envelope.Queue,
		WorkerID:   r.cfg.WorkerID,
		StartedAt:  &started,
		FinishedAt: &finished,
	}
	switch {
	case runErr == nil:
		state.Status = domain.TaskSuccess
		state.Result = output.Result
		state.Logs = output.Logs
	case errors.Is(context.Cause(jobCtx), domain.ErrTaskRevoked):
		state.Status = domain.TaskRevoked
		state.Error = domain.ErrTaskRevoked.Error()
	default:
		state.Status = domain.TaskFailure
		state.Error = runErr.Error()
		state.Logs = output.Logs
	}

	if _, err := r.consumer.UpdateState(ctx, envelope.ID, state); err != nil {
		return fmt.Errorf("write %s state: %w", strings.ToLower(string(state.Status)), err)
	}
	infoKey := "succeeded"
	if state.Status != domain.TaskSuccess {
		infoKey = strings.ToLower(string(state.Status))
	}
	r.recordInfo(ctx, envelope.ID, map[string]any{
		"state":   string(state.Status),
		infoKey:   finished,
		"runtime": finished.Sub(started),
	})

	fields := []any{
		"operation", "process",
		"outcome", strings.ToLower(string(state.Status)),
		"runtime_ms", finished.Sub(started).Milliseconds(),
	}
	if runErr != nil {
		fields = append(fields, "error", runErr)
		logger.WarnContext(ctx, "task finished", fields...)
	} else {
		logger.InfoContext(ctx, "task finished", fields...)
	}
	r.logCacheStats(ctx)
	return nil
}

func (r *Runner) execute(ctx context.Context, envelope domain.TaskEnvelope) (ports.RunOutput, error) {
	spec := domain.PipelineSpecFor(envelope)
	pipeline, err := r.pipelines.GetOrLoad(ctx, spec, func(ctx context.Context) (ports.Pipeline, error) {
		return r.loader.Load(ctx, spec)
	})
	if err != nil {
		return ports.RunOutput{}, err
	}
	embeddings, err := r.promptEmbeddings(ctx, pipeline, envelope.Payload)
	if err != nil {
		return ports.RunOutput{}, err
	}
	return pipeline.Run(ctx, envelope.Payload, embeddings)
}

// promptEmbeddings is cache-aside over the tensor cache. It returns nil
// when the pipeline cannot encode prompts or the job carries no prompt.
func (r *Runner) promptEmbeddings(ctx context.Context, pipeline ports.Pipeline, payload map[string]any) (gpu.Value, error) {
	if r.tensors == nil || !pipeline.Capabilities().Has(domain.CapPromptEncoding) {
		return nil, nil
	}
	args := ports.PromptArgs{
		Prompt:         stringField(payload, "prompt"),
		NegativePrompt: stringField(payload, "negative_prompt"),
	}
	if args.Prompt == "" {
		return nil, nil
	}
	key, cacheable := gpu.NewCacheKey(pipeline.Identity(), args)
	if cacheable {
		value, ok, err := r.tensors.GetIfPresent(ctx, key, pipeline.Device())
		if err != nil {
			return nil, err
		}
		if ok {
			return value, nil
		}
	}
	value, err := pipeline.EncodePrompt(ctx, args)
	if err != nil {
		if errors.Is(err, domain.ErrNotImplemented) {
			return nil, nil
		}
		return nil, fmt.Errorf("encode prompt: %w", err)
	}
	if cacheable {
		if err := r.tensors.Put(ctx, key, value); err != nil {
			r.logger.WarnContext(ctx, "prompt embedding not cached",
				"operation", "encode_prompt",
				"outcome", "degraded",
				"error", err,
			)
		}
	}
	return value, nil
}

func (r *Runner) recordInfo(ctx context.Context, taskID uuid.UUID, fields map[string]any) {
	if r.info == nil {
		return
	}
	if err := r.info.RecordTaskInfo(ctx, taskID.String(), fields); err != nil {
		r.logger.WarnContext(ctx, "task info not recorded",
			"operation", "record_task_info",
			"outcome", "failure",
			"task_id", taskID.String(),
			"error", err,
		)
	}
}

func (r *Runner) logCacheStats(ctx context.Context) {
	stats := r.pipelines.Stats()
	fields := []any{
		"operation", "cache_stats",
		"outcome", "success",
		"cache_hits", stats.Hits,
		"cache_misses", stats.Misses,
		"cache_evictions", stats.Evictions,
		"current_cache_size", stats.Size,
		"capacity", stats.Capacity,
	}
	if r.tensors != nil {
		tensorStats := r.tensors.Stats()
		fields = append(fields,
			"tensor_entries", tensorStats.Entries,
			"tensor_bytes", tensorStats.SizeBytes,
		)
	}
	r.logger.InfoContext(ctx, "cache stats", fields...)
}

func stringField(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return strings.TrimSpace(v)
}
