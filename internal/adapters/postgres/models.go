package postgres

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/deferred-diffusion/internal/ports"
)

type submissionModel struct {
	TaskID      uuid.UUID  `gorm:"column:task_id;type:uuid;primaryKey"`
	TaskName    string     `gorm:"column:task_name"`
	Queue       string     `gorm:"column:queue"`
	KeyID       string     `gorm:"column:key_id"`
	KeyName     string     `gorm:"column:key_name"`
	UserID      *string    `gorm:"column:user_id"`
	MachineID   *string    `gorm:"column:machine_id"`
	ClientIP    *string    `gorm:"column:client_ip"`
	SubmittedAt time.Time  `gorm:"column:submitted_at"`
	CancelledAt *time.Time `gorm:"column:cancelled_at"`
}

func (submissionModel) TableName() string { return "task_submissions" }

func toSubmissionModel(s ports.Submission) submissionModel {
	return submissionModel{
		TaskID:      s.TaskID,
		TaskName:    s.TaskName,
		Queue:       s.Queue,
		KeyID:       s.KeyID,
		KeyName:     s.KeyName,
		UserID:      nullableString(s.UserID),
		MachineID:   nullableString(s.MachineID),
		ClientIP:    nullableString(s.ClientIP),
		SubmittedAt: s.SubmittedAt.UTC(),
		CancelledAt: s.CancelledAt,
	}
}

func toSubmission(m submissionModel) ports.Submission {
	return ports.Submission{
		TaskID:      m.TaskID,
		TaskName:    m.TaskName,
		Queue:       m.Queue,
		KeyID:       m.KeyID,
		KeyName:     m.KeyName,
		UserID:      derefString(m.UserID),
		MachineID:   derefString(m.MachineID),
		ClientIP:    derefString(m.ClientIP),
		SubmittedAt: m.SubmittedAt.UTC(),
		CancelledAt: m.CancelledAt,
	}
}

func nullableString(v string) *string {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
