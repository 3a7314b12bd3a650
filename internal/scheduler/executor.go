package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/reelforge/internal/models"
	"github.com/jmylchreest/reelforge/internal/pipeline"
	"github.com/jmylchreest/reelforge/internal/project"
	"github.com/jmylchreest/reelforge/internal/repository"
	"github.com/jmylchreest/reelforge/internal/service/progress"
)

// errInterrupted is recorded on jobs aborted by a runner shutdown.
var errInterrupted = errors.New("interrupted by shutdown")

// Renderer runs a single render job to completion.
type Renderer interface {
	Render(ctx context.Context, jobID string, job *project.RenderJobData, reporter progress.Reporter) (*pipeline.Result, error)
}

// JobObserver is notified of job progress and terminal transitions.
type JobObserver interface {
	JobProgress(ctx context.Context, job *models.RenderJob, percent int, stage models.RenderStage)
	JobFinished(ctx context.Context, job *models.RenderJob)
}

// Executor executes acquired render jobs and records their outcome.
type Executor struct {
	jobRepo   repository.RenderJobRepository
	renderer  Renderer
	progress  *progress.Service
	observers []JobObserver
	logger    *slog.Logger
}

// NewExecutor creates a new job executor.
func NewExecutor(jobRepo repository.RenderJobRepository, renderer Renderer) *Executor {
	return &Executor{
		jobRepo:  jobRepo,
		renderer: renderer,
		logger:   slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (e *Executor) WithLogger(logger *slog.Logger) *Executor {
	e.logger = logger
	return e
}

// WithProgressService publishes live progress to svc.
func (e *Executor) WithProgressService(svc *progress.Service) *Executor {
	e.progress = svc
	return e
}

// WithObserver registers an observer for job events.
func (e *Executor) WithObserver(observer JobObserver) *Executor {
	if observer != nil {
		e.observers = append(e.observers, observer)
	}
	return e
}

// Execute renders a job that has already been marked running and persists
// the result. The returned error covers persistence only; render failures
// are recorded on the job.
func (e *Executor) Execute(ctx context.Context, job *models.RenderJob) error {
	jobID := job.ID.String()
	logger := e.logger.With(slog.String("job_id", jobID))
	start := time.Now()

	// Persistence must survive the job context being cancelled.
	persistCtx := context.WithoutCancel(ctx)

	var op *progress.OperationManager
	if e.progress != nil {
		var err error
		op, err = e.progress.StartOperation(jobID)
		if err != nil {
			logger.Warn("progress tracking unavailable", slog.Any("error", err))
		}
	}

	reporters := []progress.Reporter{e.repoReporter(persistCtx, job)}
	if op != nil {
		reporters = append(reporters, op)
	}
	for _, obs := range e.observers {
		reporters = append(reporters, progress.ReporterFunc(func(ctx context.Context, percent int, stage models.RenderStage) {
			obs.JobProgress(ctx, job, percent, stage)
		}))
	}

	result, err := e.render(ctx, job, progress.Multi(reporters...))

	switch {
	case err == nil:
		job.MarkCompleted(result.Path)
		if op != nil {
			op.Complete(result.Path)
		}
		logger.Info("render completed",
			slog.String("result", result.Path),
			slog.Int("segments", result.Segments),
			slog.Duration("duration", time.Since(start)))
	case errors.Is(context.Cause(ctx), ErrJobCancelled):
		job.MarkCancelled()
		if op != nil {
			op.Cancel()
		}
		logger.Info("render cancelled", slog.Duration("duration", time.Since(start)))
	default:
		if errors.Is(context.Cause(ctx), context.Canceled) {
			err = errInterrupted
		}
		job.MarkFailed(err)
		if op != nil {
			op.Fail(err)
		}
		logger.Error("render failed",
			slog.Any("error", err),
			slog.Int("attempt", job.AttemptCount),
			slog.Int("max_attempts", job.MaxAttempts),
			slog.Bool("will_retry", job.Status == models.RenderStatusPending))
	}

	if err := e.jobRepo.Update(persistCtx, job); err != nil {
		return fmt.Errorf("updating job: %w", err)
	}

	if job.IsFinished() {
		for _, obs := range e.observers {
			obs.JobFinished(persistCtx, job)
		}
	}
	return nil
}

func (e *Executor) render(ctx context.Context, job *models.RenderJob, reporter progress.Reporter) (*pipeline.Result, error) {
	data, err := job.RenderData()
	if err != nil {
		return nil, err
	}
	return e.renderer.Render(ctx, job.ID.String(), data, reporter)
}

// repoReporter persists progress on the job row and mirrors it on job.
func (e *Executor) repoReporter(ctx context.Context, job *models.RenderJob) progress.Reporter {
	return progress.ReporterFunc(func(_ context.Context, percent int, stage models.RenderStage) {
		job.Progress = percent
		job.Stage = stage
		if err := e.jobRepo.UpdateProgress(ctx, job.ID, percent, stage); err != nil {
			e.logger.Warn("failed to persist progress",
				slog.String("job_id", job.ID.String()),
				slog.Any("error", err))
		}
	})
}
