package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/viralforge/deferred-diffusion/internal/domain"
	"github.com/viralforge/deferred-diffusion/internal/gpu"
	"github.com/viralforge/deferred-diffusion/internal/ports"
)

func TestProcessWritesSuccessAndReusesPipeline(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t, 2, nil)
	ctx := context.Background()

	first := testEnvelope("images.sdxl", map[string]any{"prompt": "a cat"})
	second := testEnvelope("images.sdxl", map[string]any{"prompt": "a dog"})
	for _, env := range []domain.TaskEnvelope{first, second} {
		f.consumer.push(env)
		if err := f.runner.Process(ctx, env); err != nil {
			t.Fatalf("process: %v", err)
		}
	}

	state := f.consumer.state(first.ID)
	if state.Status != domain.TaskSuccess {
		t.Fatalf("expected SUCCESS, got %s (%s)", state.Status, state.Error)
	}
	if string(state.Result) != "image-bytes" || len(state.Logs) != 1 {
		t.Fatalf("unexpected result %q logs %v", state.Result, state.Logs)
	}
	if state.WorkerID != "worker-test" || state.StartedAt == nil || state.FinishedAt == nil {
		t.Fatalf("expected worker and timestamps on state, got %+v", state)
	}
	if got := f.loader.loadCount(); got != 1 {
		t.Fatalf("expected one pipeline load for repeated spec, got %d", got)
	}
	stats := f.runner.pipelines.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Size != 1 {
		t.Fatalf("unexpected cache stats %+v", stats)
	}

	info := f.info.get(first.ID)
	if info["state"] != string(domain.TaskSuccess) || info["worker"] != "worker-test" {
		t.Fatalf("unexpected task info %v", info)
	}
	if _, ok := info["succeeded"]; !ok {
		t.Fatalf("expected succeeded timestamp in task info, got %v", info)
	}
}

func TestProcessSkipsRevokedTask(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t, 1, nil)
	env := testEnvelope("images.sdxl", nil)
	f.consumer.push(env)
	f.consumer.revoked[env.ID] = true

	if err := f.runner.Process(context.Background(), env); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := f.consumer.state(env.ID).Status; got != domain.TaskPending {
		t.Fatalf("expected state untouched, got %s", got)
	}
	if f.loader.loadCount() != 0 {
		t.Fatal("revoked task must not load a pipeline")
	}
}

func TestProcessSkipsTerminalTask(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t, 1, nil)
	env := testEnvelope("images.sdxl", nil)
	f.consumer.push(env)
	f.consumer.states[env.ID] = domain.TaskState{Status: domain.TaskRevoked}

	if err := f.runner.Process(context.Background(), env); err != nil {
		t.Fatalf("process: %v", err)
	}
	if f.loader.loadCount() != 0 {
		t.Fatal("terminal task must not run")
	}
}

func TestProcessRecordsFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		loader  *fakeLoader
		wantErr string
	}{
		{
			name:    "load failure",
			loader:  &fakeLoader{err: errOutOfMemory},
			wantErr: "CUDA out of memory",
		},
		{
			name: "run failure",
			loader: &fakeLoader{build: func(spec domain.PipelineSpec) *fakePipeline {
				return &fakePipeline{identity: spec.TaskName, device: "cuda:0", run: func(context.Context, map[string]any, gpu.Value) (ports.RunOutput, error) {
					return ports.RunOutput{}, errors.New("nan detected in latents")
				}}
			}},
			wantErr: "nan detected in latents",
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newRunnerFixture(t, 1, tc.loader)
			env := testEnvelope("videos.ltx", nil)
			f.consumer.push(env)
			if err := f.runner.Process(context.Background(), env); err != nil {
				t.Fatalf("process: %v", err)
			}
			state := f.consumer.state(env.ID)
			if state.Status != domain.TaskFailure {
				t.Fatalf("expected FAILURE, got %s", state.Status)
			}
			if !strings.Contains(state.Error, tc.wantErr) {
				t.Fatalf("expected error containing %q, got %q", tc.wantErr, state.Error)
			}
			if f.runner.pipelines.Stats().Size != 0 && tc.loader.err != nil {
				t.Fatal("failed load must not be cached")
			}
		})
	}
}

func TestPromptEmbeddingsAreCachedPerIdentity(t *testing.T) {
	t.Parallel()

	loader := &fakeLoader{build: func(spec domain.PipelineSpec) *fakePipeline {
		return &fakePipeline{identity: "sdxl-text-encoder", device: "cuda:0", caps: domain.CapPromptEncoding}
	}}
	f := newRunnerFixture(t, 1, loader)
	ctx := context.Background()

	for _, prompt := range []string{"a cat", "a cat", "a dog"} {
		env := testEnvelope("images.sdxl", map[string]any{"prompt": prompt})
		f.consumer.push(env)
		if err := f.runner.Process(ctx, env); err != nil {
			t.Fatalf("process: %v", err)
		}
	}

	pipeline := loader.pipeline(domain.PipelineSpec{TaskName: "images.sdxl", Precision: "default"})
	if got := pipeline.encodeCount(); got != 2 {
		t.Fatalf("expected 2 encodes for 2 distinct prompts, got %d", got)
	}
	if f.tensors.Len() != 2 {
		t.Fatalf("expected 2 cached embeddings, got %d", f.tensors.Len())
	}
	for i, value := range pipeline.embeddings {
		set, ok := value.(gpu.TensorSet)
		if !ok {
			t.Fatalf("run %d: expected tensor set, got %T", i, value)
		}
		if set["prompt_embeds"].Device != "cuda:0" {
			t.Fatalf("run %d: expected embeddings on pipeline device, got %s", i, set["prompt_embeds"].Device)
		}
	}
}

func TestPromptEncodingSkippedWithoutCapability(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t, 1, nil)
	env := testEnvelope("images.flux", map[string]any{"prompt": "a cat"})
	f.consumer.push(env)
	if err := f.runner.Process(context.Background(), env); err != nil {
		t.Fatalf("process: %v", err)
	}
	pipeline := f.loader.pipeline(domain.PipelineSpecFor(env))
	if pipeline.encodeCount() != 0 || pipeline.embeddings[0] != nil {
		t.Fatal("expected no prompt encoding for a pipeline without the capability")
	}
	if f.tensors.Len() != 0 {
		t.Fatal("expected empty tensor cache")
	}
}

func TestPipelineEvictionReleasesOldest(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t, 1, nil)
	ctx := context.Background()
	sdxl := testEnvelope("images.sdxl", nil)
	flux := testEnvelope("images.flux", nil)
	for _, env := range []domain.TaskEnvelope{sdxl, flux} {
		f.consumer.push(env)
		if err := f.runner.Process(ctx, env); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	if !f.loader.pipeline(domain.PipelineSpecFor(sdxl)).released {
		t.Fatal("expected evicted pipeline to be released")
	}
	if f.loader.pipeline(domain.PipelineSpecFor(flux)).released {
		t.Fatal("resident pipeline must not be released")
	}

	f.runner.Close(ctx)
	if !f.loader.pipeline(domain.PipelineSpecFor(flux)).released {
		t.Fatal("expected close to release resident pipelines")
	}
}

func TestRunCancelsRevokedRunningTask(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	loader := &fakeLoader{build: func(spec domain.PipelineSpec) *fakePipeline {
		return &fakePipeline{identity: spec.TaskName, device: "cuda:0", run: func(ctx context.Context, _ map[string]any, _ gpu.Value) (ports.RunOutput, error) {
			close(started)
			<-ctx.Done()
			return ports.RunOutput{}, ctx.Err()
		}}
	}}
	f := newRunnerFixture(t, 1, loader)
	env := testEnvelope("videos.ltx", nil)
	f.consumer.push(env)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.runner.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}
	f.consumer.revocations <- env.ID

	deadline := time.Now().Add(2 * time.Second)
	for f.consumer.state(env.ID).Status != domain.TaskRevoked {
		if time.Now().After(deadline) {
			t.Fatalf("expected REVOKED, got %s", f.consumer.state(env.ID).Status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

func TestRunProcessesQueuesInPriorityOrder(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t, 2, nil)
	cpuJob := testEnvelope("texts.llama", nil)
	cpuJob.Queue = "cpu"
	gpuJob := testEnvelope("images.sdxl", nil)
	f.consumer.push(cpuJob)
	f.consumer.push(gpuJob)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.runner.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for f.consumer.state(cpuJob.ID).Status != domain.TaskSuccess {
		if time.Now().After(deadline) {
			t.Fatal("jobs were not processed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if f.loader.loads[0].TaskName != "images.sdxl" {
		t.Fatalf("expected gpu queue first, got %s", f.loader.loads[0].TaskName)
	}
}

func TestNewRunnerValidatesDependencies(t *testing.T) {
	t.Parallel()

	if _, err := NewRunner(Config{Queues: []string{"gpu"}}, Dependencies{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
