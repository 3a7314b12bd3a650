package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/reelforge/internal/models"
	"github.com/jmylchreest/reelforge/internal/service/progress"
)

func acquire(t *testing.T, ctx context.Context, e *Executor) *models.RenderJob {
	t.Helper()
	job, err := e.jobRepo.AcquireJob(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func TestExecutor_Execute_Success(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)
	created := createJob(t, repo, 1)

	progressSvc := progress.NewService(discardLogger())
	observer := &recordingObserver{}
	renderer := &stubRenderer{reports: []int{5, 40, 80}}
	executor := NewExecutor(repo, renderer).
		WithLogger(discardLogger()).
		WithProgressService(progressSvc).
		WithObserver(observer)

	job := acquire(t, ctx, executor)
	require.NoError(t, executor.Execute(ctx, job))

	stored, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RenderStatusCompleted, stored.Status)
	assert.Equal(t, models.StageDone, stored.Stage)
	assert.Equal(t, 100, stored.Progress)
	assert.Equal(t, "/tmp/out.mp4", stored.ResultPath)
	assert.NotNil(t, stored.CompletedAt)

	assert.Equal(t, []int{5, 40, 80}, observer.percents)
	assert.Equal(t, []models.RenderStatus{models.RenderStatusCompleted}, observer.finished)

	op, err := progressSvc.Get(created.ID.String())
	require.NoError(t, err)
	assert.Equal(t, progress.StateCompleted, op.State)
	assert.Equal(t, 100, op.Percent)
}

func TestExecutor_Execute_FailureWithRetry(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)
	created := createJob(t, repo, 2)

	observer := &recordingObserver{}
	executor := NewExecutor(repo, &stubRenderer{err: errBoom}).
		WithLogger(discardLogger()).
		WithObserver(observer)

	job := acquire(t, ctx, executor)
	require.NoError(t, executor.Execute(ctx, job))

	stored, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RenderStatusPending, stored.Status)
	assert.Equal(t, "boom", stored.LastError)
	assert.Equal(t, 1, stored.AttemptCount)
	assert.Empty(t, observer.finished, "retryable failure is not terminal")

	job = acquire(t, ctx, executor)
	require.NoError(t, executor.Execute(ctx, job))

	stored, err = repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RenderStatusFailed, stored.Status)
	assert.Equal(t, models.StageFailed, stored.Stage)
	assert.Equal(t, 2, stored.AttemptCount)
	assert.Equal(t, []models.RenderStatus{models.RenderStatusFailed}, observer.finished)
}

func TestExecutor_Execute_Cancelled(t *testing.T) {
	repo := setupRepo(t)
	created := createJob(t, repo, 3)

	progressSvc := progress.NewService(discardLogger())
	executor := NewExecutor(repo, &stubRenderer{block: true}).
		WithLogger(discardLogger()).
		WithProgressService(progressSvc)

	job := acquire(t, context.Background(), executor)

	ctx, cancel := context.WithCancelCause(context.Background())
	time.AfterFunc(20*time.Millisecond, func() { cancel(ErrJobCancelled) })
	require.NoError(t, executor.Execute(ctx, job))

	stored, err := repo.GetByID(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RenderStatusCancelled, stored.Status)
	assert.Equal(t, "cancelled", stored.LastError)

	op, err := progressSvc.Get(created.ID.String())
	require.NoError(t, err)
	assert.Equal(t, progress.StateCancelled, op.State)
}

func TestExecutor_Execute_Interrupted(t *testing.T) {
	repo := setupRepo(t)
	created := createJob(t, repo, 1)

	executor := NewExecutor(repo, &stubRenderer{block: true}).WithLogger(discardLogger())
	job := acquire(t, context.Background(), executor)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, executor.Execute(ctx, job))

	stored, err := repo.GetByID(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RenderStatusFailed, stored.Status)
	assert.Equal(t, errInterrupted.Error(), stored.LastError)
}

func TestExecutor_Execute_BadPayload(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)
	created := createJob(t, repo, 1)

	renderer := &stubRenderer{}
	executor := NewExecutor(repo, renderer).WithLogger(discardLogger())
	job := acquire(t, ctx, executor)
	job.Payload = "{not json"

	require.NoError(t, executor.Execute(ctx, job))
	assert.Zero(t, renderer.Calls())

	stored, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RenderStatusFailed, stored.Status)
	assert.Contains(t, stored.LastError, "decoding render payload")
}
