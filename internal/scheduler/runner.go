package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jmylchreest/reelforge/internal/models"
	"github.com/jmylchreest/reelforge/internal/repository"
)

// ErrJobCancelled is the cancellation cause of a job aborted through Cancel.
var ErrJobCancelled = errors.New("render job cancelled")

// ErrRunnerStarted is returned by Start on a running Runner.
var ErrRunnerStarted = errors.New("runner already started")

// Runner manages a pool of workers that execute render jobs.
type Runner struct {
	mu sync.RWMutex

	jobRepo  repository.RenderJobRepository
	executor *Executor
	logger   *slog.Logger

	workerCount  int
	pollInterval time.Duration
	workerID     string
	jobTimeout   time.Duration
	cleanupAge   time.Duration

	// active maps job id to the cancel func of its execution.
	active map[string]context.CancelCauseFunc
	wake   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RunnerConfig holds configuration for the runner.
type RunnerConfig struct {
	// WorkerCount is the number of jobs rendered at once. Default: 1
	WorkerCount int
	// PollInterval is how often idle workers poll for jobs. Default: 2 seconds
	PollInterval time.Duration
	// WorkerID prefixes the lock owner of acquired jobs and must be unique per
	// instance sharing a database. Running jobs under this prefix are requeued
	// on start. Default: hostname
	WorkerID string
	// JobTimeout bounds a single render. Default: 2 hours
	JobTimeout time.Duration
	// CleanupAge is the age after which finished jobs are deleted. Zero disables cleanup.
	CleanupAge time.Duration
}

// DefaultRunnerConfig returns the default runner configuration.
func DefaultRunnerConfig() RunnerConfig {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "reelforge"
	}
	return RunnerConfig{
		WorkerCount:  1,
		PollInterval: 2 * time.Second,
		WorkerID:     host,
		JobTimeout:   2 * time.Hour,
		CleanupAge:   7 * 24 * time.Hour,
	}
}

// NewRunner creates a new job runner.
func NewRunner(jobRepo repository.RenderJobRepository, executor *Executor) *Runner {
	config := DefaultRunnerConfig()
	return &Runner{
		jobRepo:      jobRepo,
		executor:     executor,
		logger:       slog.Default(),
		workerCount:  config.WorkerCount,
		pollInterval: config.PollInterval,
		workerID:     config.WorkerID,
		jobTimeout:   config.JobTimeout,
		cleanupAge:   config.CleanupAge,
		active:       make(map[string]context.CancelCauseFunc),
		wake:         make(chan struct{}, 1),
	}
}

// WithLogger sets a custom logger.
func (r *Runner) WithLogger(logger *slog.Logger) *Runner {
	r.logger = logger
	return r
}

// WithConfig applies non-zero configuration values to the runner.
func (r *Runner) WithConfig(config RunnerConfig) *Runner {
	if config.WorkerCount > 0 {
		r.workerCount = config.WorkerCount
	}
	if config.PollInterval > 0 {
		r.pollInterval = config.PollInterval
	}
	if config.WorkerID != "" {
		r.workerID = config.WorkerID
	}
	if config.JobTimeout > 0 {
		r.jobTimeout = config.JobTimeout
	}
	r.cleanupAge = config.CleanupAge
	return r
}

// Start requeues jobs orphaned by a previous process of this worker, or left
// running past the job timeout by any worker, and starts the workers.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx != nil {
		return ErrRunnerStarted
	}

	r.requeueOrphans(ctx, r.workerID+"-")

	r.ctx, r.cancel = context.WithCancel(ctx)

	for i := range r.workerCount {
		r.wg.Add(1)
		go r.worker(fmt.Sprintf("%s-%d", r.workerID, i))
	}

	if r.cleanupAge > 0 {
		r.wg.Add(1)
		go r.cleanup()
	}

	r.logger.Info("runner started",
		slog.Int("workers", r.workerCount),
		slog.Duration("poll_interval", r.pollInterval),
		slog.String("worker_id", r.workerID))

	return nil
}

// Stop cancels running jobs and waits for workers to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	r.ctx = nil
	r.cancel = nil
	r.mu.Unlock()

	r.logger.Info("runner stopped")
}

// Notify wakes an idle worker to poll immediately.
func (r *Runner) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Cancel aborts a job. A running job is cancelled in place and goes through
// the same teardown as a failure; a pending job is marked cancelled. It
// reports false when the job is neither.
func (r *Runner) Cancel(ctx context.Context, id models.ULID) (bool, error) {
	r.mu.RLock()
	cancel, running := r.active[id.String()]
	r.mu.RUnlock()
	if running {
		cancel(ErrJobCancelled)
		r.logger.Info("cancelling running job", slog.String("job_id", id.String()))
		return true, nil
	}
	return r.jobRepo.CancelPending(ctx, id)
}

// worker is the main worker loop.
func (r *Runner) worker(workerID string) {
	defer r.wg.Done()

	r.logger.Debug("worker started", slog.String("worker_id", workerID))

	for {
		if r.ctx.Err() != nil {
			return
		}

		processed, err := r.processJob(workerID)
		if err != nil {
			r.logger.Error("error processing job",
				slog.String("worker_id", workerID),
				slog.Any("error", err))
		}
		if processed {
			continue
		}

		select {
		case <-r.ctx.Done():
			return
		case <-r.wake:
		case <-time.After(r.pollInterval):
		}
	}
}

// processJob acquires and executes a single job. It reports whether a job
// was found.
func (r *Runner) processJob(workerID string) (bool, error) {
	job, err := r.jobRepo.AcquireJob(r.ctx, workerID)
	if err != nil {
		return false, fmt.Errorf("acquiring job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	id := job.ID.String()
	r.logger.Debug("acquired job",
		slog.String("worker_id", workerID),
		slog.String("job_id", id),
		slog.Int("attempt", job.AttemptCount))

	jobCtx, cancel := context.WithCancelCause(r.ctx)
	jobCtx, cancelTimeout := context.WithTimeout(jobCtx, r.jobTimeout)
	defer cancelTimeout()

	r.mu.Lock()
	r.active[id] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.active, id)
		r.mu.Unlock()
		cancel(nil)
	}()

	if err := r.executor.Execute(jobCtx, job); err != nil {
		return true, fmt.Errorf("executing job: %w", err)
	}
	return true, nil
}

// cleanup periodically removes old finished jobs.
func (r *Runner) cleanup() {
	defer r.wg.Done()

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.performCleanup()
		}
	}
}

func (r *Runner) requeueOrphans(ctx context.Context, owner string) {
	n, err := r.jobRepo.RequeueRunning(ctx, owner, time.Now().Add(-r.jobTimeout))
	if err != nil {
		r.logger.Error("failed to requeue interrupted jobs", slog.Any("error", err))
	} else if n > 0 {
		r.logger.Info("requeued interrupted jobs", slog.Int64("count", n))
	}
}

func (r *Runner) performCleanup() {
	r.requeueOrphans(r.ctx, "")

	deleted, err := r.jobRepo.DeleteCompleted(r.ctx, time.Now().Add(-r.cleanupAge))
	if err != nil {
		r.logger.Error("failed to clean up old jobs", slog.Any("error", err))
	} else if deleted > 0 {
		r.logger.Info("cleaned up old jobs", slog.Int64("deleted", deleted))
	}
}

// Status returns the current runner status.
func (r *Runner) Status() RunnerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active := make([]string, 0, len(r.active))
	for id := range r.active {
		active = append(active, id)
	}
	return RunnerStatus{
		Running:      r.ctx != nil && r.ctx.Err() == nil,
		WorkerCount:  r.workerCount,
		WorkerID:     r.workerID,
		ActiveJobs:   active,
		PollInterval: r.pollInterval,
	}
}

// RunnerStatus represents the current state of the runner.
type RunnerStatus struct {
	Running      bool          `json:"running"`
	WorkerCount  int           `json:"worker_count"`
	WorkerID     string        `json:"worker_id"`
	ActiveJobs   []string      `json:"active_jobs"`
	PollInterval time.Duration `json:"poll_interval"`
}
