package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/reelforge/internal/models"
	"github.com/jmylchreest/reelforge/internal/repository"
)

func startRunner(t *testing.T, repo repository.RenderJobRepository, renderer *stubRenderer) *Runner {
	t.Helper()
	executor := NewExecutor(repo, renderer).WithLogger(discardLogger())
	runner := NewRunner(repo, executor).
		WithLogger(discardLogger()).
		WithConfig(RunnerConfig{
			WorkerCount:  2,
			PollInterval: 10 * time.Millisecond,
			WorkerID:     "test",
			JobTimeout:   5 * time.Second,
		})
	require.NoError(t, runner.Start(context.Background()))
	t.Cleanup(runner.Stop)
	return runner
}

func waitForStatus(t *testing.T, repo repository.RenderJobRepository, id models.ULID, status models.RenderStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := repo.GetByID(context.Background(), id)
		return err == nil && job != nil && job.Status == status
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunner_ProcessesPendingJobs(t *testing.T) {
	repo := setupRepo(t)
	first := createJob(t, repo, 1)
	second := createJob(t, repo, 1)

	renderer := &stubRenderer{}
	startRunner(t, repo, renderer)

	waitForStatus(t, repo, first.ID, models.RenderStatusCompleted)
	waitForStatus(t, repo, second.ID, models.RenderStatusCompleted)
	assert.Equal(t, 2, renderer.Calls())
}

func TestRunner_NotifyWakesWorker(t *testing.T) {
	repo := setupRepo(t)
	executor := NewExecutor(repo, &stubRenderer{}).WithLogger(discardLogger())
	runner := NewRunner(repo, executor).
		WithLogger(discardLogger()).
		WithConfig(RunnerConfig{PollInterval: time.Hour, WorkerID: "test"})
	require.NoError(t, runner.Start(context.Background()))
	t.Cleanup(runner.Stop)

	// Let the worker go idle before enqueueing.
	time.Sleep(20 * time.Millisecond)
	job := createJob(t, repo, 1)
	runner.Notify()

	waitForStatus(t, repo, job.ID, models.RenderStatusCompleted)
}

func TestRunner_CancelRunningJob(t *testing.T) {
	repo := setupRepo(t)
	job := createJob(t, repo, 3)

	runner := startRunner(t, repo, &stubRenderer{block: true})

	require.Eventually(t, func() bool {
		return len(runner.Status().ActiveJobs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ok, err := runner.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	waitForStatus(t, repo, job.ID, models.RenderStatusCancelled)
	require.Eventually(t, func() bool {
		return len(runner.Status().ActiveJobs) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunner_CancelPendingJob(t *testing.T) {
	repo := setupRepo(t)
	job := createJob(t, repo, 1)

	executor := NewExecutor(repo, &stubRenderer{}).WithLogger(discardLogger())
	runner := NewRunner(repo, executor).WithLogger(discardLogger())

	ok, err := runner.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	stored, err := repo.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RenderStatusCancelled, stored.Status)

	ok, err = runner.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunner_StartRequeuesInterruptedJobs(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)
	job := createJob(t, repo, 2)

	acquired, err := repo.AcquireJob(ctx, "test-1")
	require.NoError(t, err)
	require.NotNil(t, acquired)

	startRunner(t, repo, &stubRenderer{})
	waitForStatus(t, repo, job.ID, models.RenderStatusCompleted)
}

func TestRunner_StartLeavesPeerJobs(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)
	job := createJob(t, repo, 2)

	acquired, err := repo.AcquireJob(ctx, "peer-0")
	require.NoError(t, err)
	require.NotNil(t, acquired)

	startRunner(t, repo, &stubRenderer{})

	stored, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RenderStatusRunning, stored.Status)
	assert.Equal(t, "peer-0", stored.LockedBy)
}

func TestRunner_StartTwice(t *testing.T) {
	repo := setupRepo(t)
	runner := startRunner(t, repo, &stubRenderer{})

	assert.ErrorIs(t, runner.Start(context.Background()), ErrRunnerStarted)

	status := runner.Status()
	assert.True(t, status.Running)
	assert.Equal(t, 2, status.WorkerCount)
	assert.Equal(t, "test", status.WorkerID)
}
