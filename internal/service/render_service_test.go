package service

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jmylchreest/reelforge/internal/models"
	"github.com/jmylchreest/reelforge/internal/project"
	"github.com/jmylchreest/reelforge/internal/repository"
	"github.com/jmylchreest/reelforge/internal/service/progress"
)

func newTestRenderService(t *testing.T) (*RenderService, repository.RenderJobRepository) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "jobs.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.RenderJob{}))
	repo := repository.NewRenderJobRepository(db)
	svc := NewRenderService(repo).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))).
		WithMaxAttempts(3)
	return svc, repo
}

func validRenderData() *project.RenderJobData {
	return &project.RenderJobData{
		UserID:    "user-1",
		ProjectID: "proj-1",
		Output: project.OutputSpec{
			Format: project.FormatMP4,
			Width:  1280,
			Height: 720,
			FPS:    30,
			Path:   "/srv/out/video.mp4",
		},
	}
}

func TestRenderService_Submit(t *testing.T) {
	svc, _ := newTestRenderService(t)
	ctx := context.Background()

	job, err := svc.Submit(ctx, validRenderData(), models.SourceAPI, 5)
	require.NoError(t, err)
	assert.False(t, job.ID.IsZero())
	assert.Equal(t, models.RenderStatusPending, job.Status)
	assert.Equal(t, 5, job.Priority)
	assert.Equal(t, 3, job.MaxAttempts)

	stored, err := svc.GetByID(ctx, job.ID)
	require.NoError(t, err)
	data, err := stored.RenderData()
	require.NoError(t, err)
	assert.Equal(t, "/srv/out/video.mp4", data.Output.Path)
}

func TestRenderService_SubmitInvalid(t *testing.T) {
	svc, _ := newTestRenderService(t)

	_, err := svc.Submit(context.Background(), nil, models.SourceAPI, 0)
	assert.ErrorIs(t, err, project.ErrInvalidJob)

	data := validRenderData()
	data.ProjectID = ""
	_, err = svc.Submit(context.Background(), data, models.SourceAPI, 0)
	assert.ErrorIs(t, err, project.ErrInvalidJob)

	jobs, total, err := svc.List(context.Background(), repository.RenderJobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Zero(t, total)
}

func TestRenderService_GetByIDNotFound(t *testing.T) {
	svc, _ := newTestRenderService(t)
	_, err := svc.GetByID(context.Background(), models.NewULID())
	assert.ErrorIs(t, err, ErrRenderJobNotFound)
}

func TestRenderService_Cancel(t *testing.T) {
	svc, repo := newTestRenderService(t)
	ctx := context.Background()

	job, err := svc.Submit(ctx, validRenderData(), models.SourceAPI, 0)
	require.NoError(t, err)

	require.NoError(t, svc.Cancel(ctx, job.ID))

	stored, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RenderStatusCancelled, stored.Status)

	assert.ErrorIs(t, svc.Cancel(ctx, job.ID), ErrRenderJobFinished)
	assert.ErrorIs(t, svc.Cancel(ctx, models.NewULID()), ErrRenderJobNotFound)
}

func TestRenderService_ProgressFallsBackToStoredJob(t *testing.T) {
	svc, repo := newTestRenderService(t)
	ctx := context.Background()

	job, err := svc.Submit(ctx, validRenderData(), models.SourceAPI, 0)
	require.NoError(t, err)

	p, err := svc.Progress(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, progress.StatePreparing, p.State)
	assert.Equal(t, models.StageCreated, p.Stage)

	acquired, err := repo.AcquireJob(ctx, "worker")
	require.NoError(t, err)
	require.NoError(t, repo.UpdateProgress(ctx, acquired.ID, 42, models.StageRendering))

	p, err = svc.Progress(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, progress.StateProcessing, p.State)
	assert.Equal(t, 42, p.Percent)
	assert.Equal(t, models.StageRendering, p.Stage)
}

func TestRenderService_ProgressPrefersLiveState(t *testing.T) {
	svc, _ := newTestRenderService(t)
	ctx := context.Background()
	live := progress.NewService(slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.WithProgressService(live)

	job, err := svc.Submit(ctx, validRenderData(), models.SourceAPI, 0)
	require.NoError(t, err)

	op, err := live.StartOperation(job.ID.String())
	require.NoError(t, err)
	op.Report(ctx, 60, models.StageRendering)

	p, err := svc.Progress(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 60, p.Percent)
	assert.Equal(t, progress.StateProcessing, p.State)
}

func TestRenderService_GetStats(t *testing.T) {
	svc, _ := newTestRenderService(t)
	ctx := context.Background()

	for range 3 {
		_, err := svc.Submit(ctx, validRenderData(), models.SourceAPI, 0)
		require.NoError(t, err)
	}
	job, err := svc.Submit(ctx, validRenderData(), models.SourceKafka, 0)
	require.NoError(t, err)
	require.NoError(t, svc.Cancel(ctx, job.ID))

	stats, err := svc.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.PendingCount)
	assert.Equal(t, int64(1), stats.CancelledCount)
	assert.Zero(t, stats.RunningCount)

	_, err = svc.RunnerStatus()
	assert.Error(t, err)
}
