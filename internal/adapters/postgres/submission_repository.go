package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/deferred-diffusion/internal/domain"
	"github.com/viralforge/deferred-diffusion/internal/ports"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxSubmissionPage = 500

type submissionRepository struct {
	db *gorm.DB
}

func NewSubmissionRepository(db *gorm.DB) ports.SubmissionRepository {
	return &submissionRepository{db: db}
}

func (r *submissionRepository) Insert(ctx context.Context, submission ports.Submission) error {
	rec := toSubmissionModel(submission)
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rec).Error
}

func (r *submissionRepository) MarkCancelled(ctx context.Context, taskID uuid.UUID, at time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&submissionModel{}).
		Where("task_id = ?", taskID).
		Where("cancelled_at IS NULL").
		Update("cancelled_at", at.UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var exists int64
		if err := r.db.WithContext(ctx).Model(&submissionModel{}).Where("task_id = ?", taskID).Count(&exists).Error; err != nil {
			return err
		}
		if exists == 0 {
			return domain.ErrNotFound
		}
	}
	return nil
}

// ListByKey returns the newest submissions first; an empty keyID lists all.
func (r *submissionRepository) ListByKey(ctx context.Context, keyID string, limit int) ([]ports.Submission, error) {
	if limit <= 0 || limit > maxSubmissionPage {
		limit = maxSubmissionPage
	}
	query := r.db.WithContext(ctx).Order("submitted_at DESC").Limit(limit)
	if keyID != "" {
		query = query.Where("key_id = ?", keyID)
	}
	var rows []submissionModel
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]ports.Submission, 0, len(rows))
	for _, row := range rows {
		out = append(out, toSubmission(row))
	}
	return out, nil
}
