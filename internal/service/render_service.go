// Package service provides the application services behind the API and
// queue consumers.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/reelforge/internal/models"
	"github.com/jmylchreest/reelforge/internal/project"
	"github.com/jmylchreest/reelforge/internal/repository"
	"github.com/jmylchreest/reelforge/internal/scheduler"
	"github.com/jmylchreest/reelforge/internal/service/progress"
)

var (
	// ErrRenderJobNotFound is returned when a render job doesn't exist.
	ErrRenderJobNotFound = errors.New("render job not found")
	// ErrRenderJobFinished is returned when cancelling a job that already finished.
	ErrRenderJobFinished = errors.New("render job already finished")
)

// DefaultMaxAttempts is used when no attempt limit is configured.
const DefaultMaxAttempts = 1

// RenderService submits render jobs and reports on them.
type RenderService struct {
	jobRepo     repository.RenderJobRepository
	runner      *scheduler.Runner
	progress    *progress.Service
	maxAttempts int
	logger      *slog.Logger
}

// NewRenderService creates a new RenderService.
func NewRenderService(jobRepo repository.RenderJobRepository) *RenderService {
	return &RenderService{
		jobRepo:     jobRepo,
		maxAttempts: DefaultMaxAttempts,
		logger:      slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (s *RenderService) WithLogger(logger *slog.Logger) *RenderService {
	s.logger = logger
	return s
}

// WithRunner sets the runner that executes submitted jobs.
func (s *RenderService) WithRunner(runner *scheduler.Runner) *RenderService {
	s.runner = runner
	return s
}

// WithProgressService sets the live progress source.
func (s *RenderService) WithProgressService(svc *progress.Service) *RenderService {
	s.progress = svc
	return s
}

// WithMaxAttempts sets the attempt limit of new jobs.
func (s *RenderService) WithMaxAttempts(n int) *RenderService {
	if n > 0 {
		s.maxAttempts = n
	}
	return s
}

// Submit validates and enqueues a render job.
func (s *RenderService) Submit(ctx context.Context, data *project.RenderJobData, source string, priority int) (*models.RenderJob, error) {
	if data == nil {
		return nil, fmt.Errorf("%w: payload is required", project.ErrInvalidJob)
	}
	if err := data.Validate(); err != nil {
		return nil, err
	}

	job, err := models.NewRenderJob(data, source, s.maxAttempts)
	if err != nil {
		return nil, err
	}
	job.Priority = priority

	if err := s.jobRepo.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("creating render job: %w", err)
	}

	if s.runner != nil {
		s.runner.Notify()
	}

	s.logger.Info("submitted render job",
		slog.String("job_id", job.ID.String()),
		slog.String("user_id", job.UserID),
		slog.String("project_id", job.ProjectID),
		slog.String("source", source),
		slog.Int("priority", priority))

	return job, nil
}

// GetByID retrieves a render job.
func (s *RenderService) GetByID(ctx context.Context, id models.ULID) (*models.RenderJob, error) {
	job, err := s.jobRepo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting render job: %w", err)
	}
	if job == nil {
		return nil, ErrRenderJobNotFound
	}
	return job, nil
}

// List returns render jobs matching filter and the total match count.
func (s *RenderService) List(ctx context.Context, filter repository.RenderJobFilter) ([]*models.RenderJob, int64, error) {
	return s.jobRepo.List(ctx, filter)
}

// Cancel cancels a pending or running job.
func (s *RenderService) Cancel(ctx context.Context, id models.ULID) error {
	job, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if job.IsFinished() {
		return ErrRenderJobFinished
	}

	var cancelled bool
	if s.runner != nil {
		cancelled, err = s.runner.Cancel(ctx, id)
	} else {
		cancelled, err = s.jobRepo.CancelPending(ctx, id)
	}
	if err != nil {
		return fmt.Errorf("cancelling render job: %w", err)
	}
	if !cancelled {
		return ErrRenderJobFinished
	}

	s.logger.Info("cancelled render job", slog.String("job_id", id.String()))
	return nil
}

// Progress returns live progress for a job, falling back to the stored
// state when the job is not tracked in memory.
func (s *RenderService) Progress(ctx context.Context, id models.ULID) (*progress.RenderProgress, error) {
	if s.progress != nil {
		if p, err := s.progress.Get(id.String()); err == nil {
			return p, nil
		}
	}

	job, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return progressFromJob(job), nil
}

func progressFromJob(job *models.RenderJob) *progress.RenderProgress {
	p := &progress.RenderProgress{
		JobID:       job.ID.String(),
		Stage:       job.Stage,
		Percent:     job.Progress,
		Error:       job.LastError,
		StartedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
		CompletedAt: job.CompletedAt,
	}
	if job.StartedAt != nil {
		p.StartedAt = *job.StartedAt
	}
	switch job.Status {
	case models.RenderStatusPending:
		p.State = progress.StatePreparing
	case models.RenderStatusRunning:
		p.State = progress.StateProcessing
	case models.RenderStatusCompleted:
		p.State = progress.StateCompleted
	case models.RenderStatusCancelled:
		p.State = progress.StateCancelled
	default:
		p.State = progress.StateError
	}
	return p
}

// RunnerStatus returns the current runner status.
func (s *RenderService) RunnerStatus() (*scheduler.RunnerStatus, error) {
	if s.runner == nil {
		return nil, fmt.Errorf("runner not configured")
	}
	status := s.runner.Status()
	return &status, nil
}

// RenderStats holds job counts by status.
type RenderStats struct {
	PendingCount   int64 `json:"pending_count"`
	RunningCount   int64 `json:"running_count"`
	CompletedCount int64 `json:"completed_count"`
	FailedCount    int64 `json:"failed_count"`
	CancelledCount int64 `json:"cancelled_count"`
}

// GetStats returns job statistics.
func (s *RenderService) GetStats(ctx context.Context) (*RenderStats, error) {
	stats := &RenderStats{}
	counts := []struct {
		status models.RenderStatus
		dst    *int64
	}{
		{models.RenderStatusPending, &stats.PendingCount},
		{models.RenderStatusRunning, &stats.RunningCount},
		{models.RenderStatusCompleted, &stats.CompletedCount},
		{models.RenderStatusFailed, &stats.FailedCount},
		{models.RenderStatusCancelled, &stats.CancelledCount},
	}
	for _, c := range counts {
		_, total, err := s.jobRepo.List(ctx, repository.RenderJobFilter{Status: c.status, Limit: 1})
		if err != nil {
			return nil, fmt.Errorf("counting %s jobs: %w", c.status, err)
		}
		*c.dst = total
	}
	return stats, nil
}
