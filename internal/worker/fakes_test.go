package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/deferred-diffusion/internal/domain"
	"github.com/viralforge/deferred-diffusion/internal/gpu"
	"github.com/viralforge/deferred-diffusion/internal/ports"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memoryConsumer struct {
	mu          sync.Mutex
	queues      map[string][]domain.TaskEnvelope
	states      map[uuid.UUID]domain.TaskState
	revoked     map[uuid.UUID]bool
	revocations chan uuid.UUID
}

func newMemoryConsumer() *memoryConsumer {
	return &memoryConsumer{
		queues:      map[string][]domain.TaskEnvelope{},
		states:      map[uuid.UUID]domain.TaskState{},
		revoked:     map[uuid.UUID]bool{},
		revocations: make(chan uuid.UUID, 4),
	}
}

func (c *memoryConsumer) push(envelope domain.TaskEnvelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues[envelope.Queue] = append(c.queues[envelope.Queue], envelope)
	c.states[envelope.ID] = domain.TaskState{Status: domain.TaskPending, TaskName: envelope.TaskName, Queue: envelope.Queue}
}

func (c *memoryConsumer) Pop(ctx context.Context, queues []string, timeout time.Duration) (*domain.TaskEnvelope, error) {
	deadline := time.Now().Add(timeout)
	for {
		c.mu.Lock()
		for _, queue := range queues {
			if items := c.queues[queue]; len(items) > 0 {
				c.queues[queue] = items[1:]
				c.mu.Unlock()
				envelope := items[0]
				return &envelope, nil
			}
		}
		c.mu.Unlock()
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (c *memoryConsumer) IsRevoked(_ context.Context, taskID uuid.UUID) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.revoked[taskID], nil
}

func (c *memoryConsumer) UpdateState(_ context.Context, taskID uuid.UUID, state domain.TaskState) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.states[taskID].Status.IsTerminal() {
		return false, nil
	}
	c.states[taskID] = state
	return true, nil
}

func (c *memoryConsumer) Revocations(context.Context) (<-chan uuid.UUID, func() error) {
	return c.revocations, func() error { return nil }
}

func (c *memoryConsumer) state(taskID uuid.UUID) domain.TaskState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[taskID]
}

type fakePipeline struct {
	identity string
	device   gpu.Device
	caps     domain.Capability
	run      func(ctx context.Context, payload map[string]any, embeddings gpu.Value) (ports.RunOutput, error)

	mu         sync.Mutex
	encodes    int
	released   bool
	embeddings []gpu.Value
}

func (p *fakePipeline) Identity() string {
	return p.identity
}

func (p *fakePipeline) Device() gpu.Device {
	return p.device
}

func (p *fakePipeline) Capabilities() domain.Capability {
	return p.caps
}

func (p *fakePipeline) EncodePrompt(_ context.Context, args ports.PromptArgs) (gpu.Value, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.encodes++
	return gpu.TensorSet{
		"prompt_embeds": {Device: p.device, DType: "float16", Shape: []int{1, len(args.Prompt)}, Data: []byte(args.Prompt)},
	}, nil
}

func (p *fakePipeline) Run(ctx context.Context, payload map[string]any, embeddings gpu.Value) (ports.RunOutput, error) {
	p.mu.Lock()
	p.embeddings = append(p.embeddings, embeddings)
	p.mu.Unlock()
	if p.run != nil {
		return p.run(ctx, payload, embeddings)
	}
	return ports.RunOutput{Result: []byte("image-bytes"), Logs: []string{"step 1/1"}}, nil
}

func (p *fakePipeline) Release(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = true
	return nil
}

func (p *fakePipeline) encodeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encodes
}

type fakeLoader struct {
	mu        sync.Mutex
	loads     []domain.PipelineSpec
	pipelines map[domain.PipelineSpec]*fakePipeline
	build     func(spec domain.PipelineSpec) *fakePipeline
	err       error
}

func (l *fakeLoader) Load(_ context.Context, spec domain.PipelineSpec) (ports.Pipeline, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.loads = append(l.loads, spec)
	var p *fakePipeline
	if l.build != nil {
		p = l.build(spec)
	} else {
		p = &fakePipeline{identity: spec.TaskName, device: "cuda:0"}
	}
	if l.pipelines == nil {
		l.pipelines = map[domain.PipelineSpec]*fakePipeline{}
	}
	l.pipelines[spec] = p
	return p, nil
}

func (l *fakeLoader) loadCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.loads)
}

func (l *fakeLoader) pipeline(spec domain.PipelineSpec) *fakePipeline {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pipelines[spec]
}

type memoryInfo struct {
	mu     sync.Mutex
	fields map[string]map[string]any
}

func (m *memoryInfo) RecordTaskInfo(_ context.Context, taskID string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fields == nil {
		m.fields = map[string]map[string]any{}
	}
	if m.fields[taskID] == nil {
		m.fields[taskID] = map[string]any{}
	}
	for k, v := range fields {
		m.fields[taskID][k] = v
	}
	return nil
}

func (m *memoryInfo) get(taskID uuid.UUID) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fields[taskID.String()]
}

type runnerFixture struct {
	runner   *Runner
	consumer *memoryConsumer
	loader   *fakeLoader
	tensors  *gpu.TensorCache
	info     *memoryInfo
}

func newRunnerFixture(t *testing.T, capacity int, loader *fakeLoader) *runnerFixture {
	t.Helper()
	if loader == nil {
		loader = &fakeLoader{}
	}
	pipelines, err := NewPipelineCache(capacity, discardLogger())
	if err != nil {
		t.Fatalf("pipeline cache: %v", err)
	}
	tensors, err := gpu.NewTensorCache(8, discardLogger())
	if err != nil {
		t.Fatalf("tensor cache: %v", err)
	}
	f := &runnerFixture{
		consumer: newMemoryConsumer(),
		loader:   loader,
		tensors:  tensors,
		info:     &memoryInfo{},
	}
	f.runner, err = NewRunner(Config{
		Queues:     []string{"gpu", "cpu"},
		PopTimeout: 20 * time.Millisecond,
		WorkerID:   "worker-test",
	}, Dependencies{
		Consumer:  f.consumer,
		Loader:    loader,
		Pipelines: pipelines,
		Tensors:   tensors,
		Info:      f.info,
		Logger:    discardLogger(),
	})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return f
}

func testEnvelope(taskName string, payload map[string]any) domain.TaskEnvelope {
	return domain.TaskEnvelope{
		ID:         uuid.New(),
		TaskName:   taskName,
		Queue:      "gpu",
		Payload:    payload,
		EnqueuedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

var errOutOfMemory = errors.New("CUDA out of memory")
