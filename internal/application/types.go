package application

import (
	"time"

	"github.com/viralforge/deferred-diffusion/internal/domain"
)

type Config struct {
	AdminKey string
	// Queues are scanned in this order for positions and summed for admission.
	Queues []string
	// BacklogLimit caps the tasks waiting across Queues. Zero selects the
	// default of 100 and a negative value disables admission control.
	BacklogLimit    int64
	QueueScanLimit  int64
	RateLimit       int
	RateLimitWindow time.Duration
	Routing         RoutingConfig
	ResultLinkTTL   time.Duration
	ResultURLBase   string
}

// RoutingConfig picks the queue for a task: an exact task-name override
// wins, then the resource default, then DefaultQueue.
type RoutingConfig struct {
	DefaultQueue   string
	ResourceQueues map[domain.Resource]string
	TaskQueues     map[string]string
}

type CreateKeyResponse struct {
	APIKey string `json:"api_key"`
	Name   string `json:"name"`
}

type RevokeKeyResponse struct {
	Revoked bool `json:"revoked"`
}

// SubmitRequest is one job creation call after authentication.
type SubmitRequest struct {
	Resource string
	Model    string
	Payload  map[string]any
	Identity domain.Identity
}

type SubmissionView struct {
	TaskID      string     `json:"task_id"`
	TaskName    string     `json:"task_name"`
	Queue       string     `json:"queue"`
	KeyID       string     `json:"key_id"`
	KeyName     string     `json:"key_name"`
	UserID      string     `json:"user_id,omitempty"`
	MachineID   string     `json:"machine_id,omitempty"`
	ClientIP    string     `json:"client_ip,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}
