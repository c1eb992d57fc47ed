package ports

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Submission is one accepted job, kept for attribution.
type Submission struct {
	TaskID      uuid.UUID
	TaskName    string
	Queue       string
	KeyID       string
	KeyName     string
	UserID      string
	MachineID   string
	ClientIP    string
	SubmittedAt time.Time
	CancelledAt *time.Time
}

// SubmissionRepository stores the submission audit trail.
type SubmissionRepository interface {
	Insert(ctx context.Context, submission Submission) error
	MarkCancelled(ctx context.Context, taskID uuid.UUID, at time.Time) error
	ListByKey(ctx context.Context, keyID string, limit int) ([]Submission, error)
}
