package application

import (
	"context"
	"fmt"

	"github.com/viralforge/deferred-diffusion/internal/domain"
)

// ListSubmissions returns the audit trail, newest first.
func (s *Service) ListSubmissions(ctx context.Context, keyID string, limit int) ([]SubmissionView, error) {
	if s.submissions == nil {
		return nil, fmt.Errorf("%w: submission audit is not configured", domain.ErrNotImplemented)
	}
	if limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", domain.ErrInvalidInput)
	}
	rows, err := s.submissions.ListByKey(ctx, keyID, limit)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	out := make([]SubmissionView, 0, len(rows))
	for _, row := range rows {
		out = append(out, SubmissionView{
			TaskID:      row.TaskID.String(),
			TaskName:    row.TaskName,
			Queue:       row.Queue,
			KeyID:       row.KeyID,
			KeyName:     row.KeyName,
			UserID:      row.UserID,
			MachineID:   row.MachineID,
			ClientIP:    row.ClientIP,
			SubmittedAt: row.SubmittedAt,
			CancelledAt: row.CancelledAt,
		})
	}
	return out, nil
}
