package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskStatus mirrors the broker's task states.
type TaskStatus string

const (
	TaskPending  TaskStatus = "PENDING"
	TaskStarted  TaskStatus = "STARTED"
	TaskSuccess  TaskStatus = "SUCCESS"
	TaskFailure  TaskStatus = "FAILURE"
	TaskRevoked  TaskStatus = "REVOKED"
	TaskRejected TaskStatus = "REJECTED"
)

// IsTerminal reports whether the status can no longer change.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskSuccess, TaskFailure, TaskRevoked:
		return true
	default:
		return false
	}
}

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskStarted, TaskSuccess, TaskFailure, TaskRevoked, TaskRejected:
		return true
	default:
		return false
	}
}

// QueuePosition is a point-in-time snapshot of a task inside one named queue.
type QueuePosition struct {
	Queue    string `json:"queue"`
	Position int    `json:"position"`
	Total    int    `json:"total"`
}

func (p QueuePosition) LogLine() string {
	return fmt.Sprintf("Queue %s position: %d / %d", p.Queue, p.Position, p.Total)
}

// TaskRecord is the canonical status view of one dispatched job.
type TaskRecord struct {
	ID            uuid.UUID      `json:"id"`
	TaskName      string         `json:"task_name,omitempty"`
	Status        TaskStatus     `json:"status"`
	Queue         string         `json:"queue,omitempty"`
	Logs          []string       `json:"logs,omitempty"`
	Result        []byte         `json:"result,omitempty"`
	ResultURL     string         `json:"result_url,omitempty"`
	Error         string         `json:"error,omitempty"`
	QueuePosition *QueuePosition `json:"queue_position,omitempty"`
	Info          map[string]any `json:"info,omitempty"`
}

// TaskHandle is returned by dispatch.
type TaskHandle struct {
	ID     uuid.UUID  `json:"id"`
	Status TaskStatus `json:"status"`
	Queue  string     `json:"queue"`
}

// DeleteResponse reports the outcome of a cancellation request.
type DeleteResponse struct {
	ID      uuid.UUID  `json:"id"`
	Status  TaskStatus `json:"status"`
	Message string     `json:"message"`
}

// TaskEnvelope is the payload pushed onto a broker queue and popped by workers.
type TaskEnvelope struct {
	ID         uuid.UUID      `json:"id"`
	TaskName   string         `json:"task"`
	Queue      string         `json:"queue"`
	Payload    map[string]any `json:"payload"`
	Identity   Identity       `json:"identity"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// TaskState is what the result backend holds for a task.
type TaskState struct {
	Status     TaskStatus `json:"status"`
	TaskName   string     `json:"task,omitempty"`
	Queue      string     `json:"queue,omitempty"`
	WorkerID   string     `json:"worker,omitempty"`
	Logs       []string   `json:"logs,omitempty"`
	Result     []byte     `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

var modelNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{0,63}$`)

// Resource is a public task surface such as /images.
type Resource string

const (
	ResourceImages    Resource = "images"
	ResourceVideos    Resource = "videos"
	ResourceTexts     Resource = "texts"
	ResourceWorkflows Resource = "workflows"
)

func ParseResource(raw string) (Resource, error) {
	switch r := Resource(strings.ToLower(strings.TrimSpace(raw))); r {
	case ResourceImages, ResourceVideos, ResourceTexts, ResourceWorkflows:
		return r, nil
	default:
		return "", fmt.Errorf("%w: unknown resource %q", ErrNotFound, raw)
	}
}

// TaskName builds the broker task name "<resource>.<model>".
func TaskName(resource Resource, model string) (string, error) {
	model = strings.ToLower(strings.TrimSpace(model))
	if !modelNamePattern.MatchString(model) {
		return "", fmt.Errorf("%w: invalid model %q", ErrInvalidInput, model)
	}
	return string(resource) + "." + model, nil
}
