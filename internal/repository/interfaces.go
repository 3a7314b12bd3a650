// Package repository defines data access for reelforge render jobs.
// All database access goes through these interfaces so the runner and API
// can be tested against fakes.
package repository

import (
	"context"
	"time"

	"github.com/jmylchreest/reelforge/internal/models"
)

// RenderJobRepository defines operations for render job persistence.
type RenderJobRepository interface {
	// Create inserts a new job.
	Create(ctx context.Context, job *models.RenderJob) error
	// GetByID retrieves a job by ID. Returns nil if not found.
	GetByID(ctx context.Context, id models.ULID) (*models.RenderJob, error)
	// List returns a page of jobs newest first and the total matching count.
	List(ctx context.Context, filter RenderJobFilter) ([]*models.RenderJob, int64, error)
	// Update saves a job.
	Update(ctx context.Context, job *models.RenderJob) error
	// UpdateProgress raises the stored progress of a running job and records its stage.
	UpdateProgress(ctx context.Context, id models.ULID, percent int, stage models.RenderStage) error
	// AcquireJob atomically claims a pending job. Returns nil if none are available.
	AcquireJob(ctx context.Context, workerID string) (*models.RenderJob, error)
	// CancelPending cancels a job that has not started.
	CancelPending(ctx context.Context, id models.ULID) (bool, error)
	// RequeueRunning resets running jobs locked by owner, or by anyone before
	// staleBefore, so that a live peer's work is left alone.
	RequeueRunning(ctx context.Context, owner string, staleBefore time.Time) (int64, error)
	// DeleteCompleted deletes finished jobs completed before the given time.
	DeleteCompleted(ctx context.Context, before time.Time) (int64, error)
}
