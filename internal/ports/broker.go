package ports

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/deferred-diffusion/internal/domain"
)

// QueueReader exposes read access to the named pending queues.
type QueueReader interface {
	QueueLength(ctx context.Context, queue string) (int64, error)
	// QueueEntries returns up to limit raw payloads from the head of the queue.
	QueueEntries(ctx context.Context, queue string, limit int64) ([]string, error)
}

// TaskBroker is the gateway-side view of the broker and result backend.
type TaskBroker interface {
	QueueReader
	Enqueue(ctx context.Context, envelope domain.TaskEnvelope) error
	// State returns PENDING for ids the backend has never seen.
	State(ctx context.Context, taskID uuid.UUID) (domain.TaskState, error)
	// Dispatched reports whether the task was enqueued within the grace window.
	Dispatched(ctx context.Context, taskID uuid.UUID) (bool, error)
	// Revoke reports false, and leaves state alone, when the task is unknown
	// to the result backend or already terminal.
	Revoke(ctx context.Context, taskID uuid.UUID, queues []string) (bool, error)
}

// TaskConsumer is the worker-side view of the broker.
type TaskConsumer interface {
	Pop(ctx context.Context, queues []string, timeout time.Duration) (*domain.TaskEnvelope, error)
	IsRevoked(ctx context.Context, taskID uuid.UUID) (bool, error)
	// UpdateState writes state unless the stored state is already terminal.
	// It reports whether the write happened.
	UpdateState(ctx context.Context, taskID uuid.UUID, state domain.TaskState) (bool, error)
	Revocations(ctx context.Context) (<-chan uuid.UUID, func() error)
}

// TaskInfoSource is the monitoring side-channel used to enrich status reads.
type TaskInfoSource interface {
	TaskInfo(ctx context.Context, taskID string) (map[string]any, error)
}

// TaskInfoRecorder lets workers publish execution metadata.
type TaskInfoRecorder interface {
	RecordTaskInfo(ctx context.Context, taskID string, fields map[string]any) error
}
