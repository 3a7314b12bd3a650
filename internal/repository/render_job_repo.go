package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmylchreest/reelforge/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RenderJobFilter narrows List results.
type RenderJobFilter struct {
	Status    models.RenderStatus
	UserID    string
	ProjectID string
	Limit     int
	Offset    int
}

const defaultListLimit = 50

// renderJobRepo implements RenderJobRepository using GORM.
type renderJobRepo struct {
	db *gorm.DB
}

// NewRenderJobRepository creates a new RenderJobRepository.
func NewRenderJobRepository(db *gorm.DB) RenderJobRepository {
	return &renderJobRepo{db: db}
}

// Create inserts a new job.
func (r *renderJobRepo) Create(ctx context.Context, job *models.RenderJob) error {
	if job.Payload == "" {
		return models.ErrPayloadRequired
	}
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("creating render job: %w", err)
	}
	return nil
}

// GetByID retrieves a job by ID. Returns nil if not found.
func (r *renderJobRepo) GetByID(ctx context.Context, id models.ULID) (*models.RenderJob, error) {
	var job models.RenderJob
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting render job by ID: %w", err)
	}
	return &job, nil
}

// List returns jobs newest first along with the unpaged total.
func (r *renderJobRepo) List(ctx context.Context, filter RenderJobFilter) ([]*models.RenderJob, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.RenderJob{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.ProjectID != "" {
		query = query.Where("project_id = ?", filter.ProjectID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting render jobs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	var jobs []*models.RenderJob
	if err := query.Order("created_at DESC, id DESC").Offset(filter.Offset).Limit(limit).Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("listing render jobs: %w", err)
	}
	return jobs, total, nil
}

// Update saves every column of job.
func (r *renderJobRepo) Update(ctx context.Context, job *models.RenderJob) error {
	if err := r.db.WithContext(ctx).Save(job).Error; err != nil {
		return fmt.Errorf("updating render job: %w", err)
	}
	return nil
}

// UpdateProgress records the current stage and raises progress to percent.
// A lower percent never replaces a higher stored value.
func (r *renderJobRepo) UpdateProgress(ctx context.Context, id models.ULID, percent int, stage models.RenderStage) error {
	percent = min(max(percent, 0), 100)
	updates := map[string]any{
		"progress":   gorm.Expr("CASE WHEN progress < ? THEN ? ELSE progress END", percent, percent),
		"updated_at": time.Now(),
	}
	if stage != "" {
		updates["stage"] = stage
	}
	result := r.db.WithContext(ctx).Model(&models.RenderJob{}).
		Where("id = ? AND status = ?", id, models.RenderStatusRunning).
		UpdateColumns(updates)
	if result.Error != nil {
		return fmt.Errorf("updating render progress: %w", result.Error)
	}
	return nil
}

// AcquireJob atomically claims the highest priority pending job for workerID.
// Returns nil when the queue is empty.
func (r *renderJobRepo) AcquireJob(ctx context.Context, workerID string) (*models.RenderJob, error) {
	var job models.RenderJob
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ?", models.RenderStatusPending).
			Where("locked_by IS NULL OR locked_by = ''").
			Order("priority DESC, created_at ASC").
			First(&job).Error
		if err != nil {
			return err
		}

		job.MarkRunning(workerID)
		// The status guard loses the race cleanly on drivers without row locks.
		result := tx.Model(&job).
			Where("status = ?", models.RenderStatusPending).
			Select("status", "started_at", "locked_by", "locked_at", "attempt_count", "last_error").
			Updates(&job)
		if result.Error != nil {
			return fmt.Errorf("acquiring render job: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

// CancelPending marks a pending job cancelled. It reports false when the job
// was not pending.
func (r *renderJobRepo) CancelPending(ctx context.Context, id models.ULID) (bool, error) {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&models.RenderJob{}).
		Where("id = ? AND status = ?", id, models.RenderStatusPending).
		UpdateColumns(map[string]any{
			"status":       models.RenderStatusCancelled,
			"stage":        models.StageFailed,
			"last_error":   "cancelled",
			"completed_at": now,
			"updated_at":   now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("cancelling render job: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// RequeueRunning returns orphaned running jobs to the queue. A job is
// orphaned when its lock owner starts with owner or its lock predates
// staleBefore. Jobs out of attempts are failed instead.
func (r *renderJobRepo) RequeueRunning(ctx context.Context, owner string, staleBefore time.Time) (int64, error) {
	orphaned := func(tx *gorm.DB) *gorm.DB {
		q := tx.Model(&models.RenderJob{}).Where("status = ?", models.RenderStatusRunning)
		if owner == "" {
			return q.Where("locked_at IS NULL OR locked_at < ?", staleBefore)
		}
		return q.Where("locked_by LIKE ? ESCAPE '!' OR locked_at IS NULL OR locked_at < ?",
			likePrefix(owner), staleBefore)
	}

	var requeued int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		failed := orphaned(tx).
			Where("attempt_count >= max_attempts").
			UpdateColumns(map[string]any{
				"status":       models.RenderStatusFailed,
				"stage":        models.StageFailed,
				"last_error":   "interrupted by shutdown",
				"locked_by":    "",
				"locked_at":    nil,
				"completed_at": now,
			})
		if failed.Error != nil {
			return failed.Error
		}
		result := orphaned(tx).
			UpdateColumns(map[string]any{
				"status":    models.RenderStatusPending,
				"stage":     models.StageCreated,
				"progress":  0,
				"locked_by": "",
				"locked_at": nil,
			})
		requeued = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return 0, fmt.Errorf("requeueing running render jobs: %w", err)
	}
	return requeued, nil
}

// likePrefix escapes s for a LIKE pattern using '!' as the escape character.
func likePrefix(s string) string {
	return strings.NewReplacer("!", "!!", "%", "!%", "_", "!_").Replace(s) + "%"
}

// DeleteCompleted deletes finished jobs completed before the given time.
func (r *renderJobRepo) DeleteCompleted(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status IN (?, ?, ?) AND completed_at < ?",
			models.RenderStatusCompleted, models.RenderStatusFailed, models.RenderStatusCancelled, before).
		Delete(&models.RenderJob{})
	if result.Error != nil {
		return 0, fmt.Errorf("deleting completed render jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}
