package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jmylchreest/reelforge/internal/models"
	"github.com/jmylchreest/reelforge/internal/pipeline"
	"github.com/jmylchreest/reelforge/internal/project"
	"github.com/jmylchreest/reelforge/internal/repository"
	"github.com/jmylchreest/reelforge/internal/service/progress"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupRepo(t *testing.T) repository.RenderJobRepository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "jobs.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.RenderJob{}))
	return repository.NewRenderJobRepository(db)
}

func createJob(t *testing.T, repo repository.RenderJobRepository, maxAttempts int) *models.RenderJob {
	t.Helper()
	job, err := models.NewRenderJob(&project.RenderJobData{
		UserID:    "user-1",
		ProjectID: "proj-1",
		Output: project.OutputSpec{
			Format: project.FormatMP4,
			Width:  640,
			Height: 360,
			FPS:    30,
			Path:   "/tmp/out.mp4",
		},
	}, models.SourceAPI, maxAttempts)
	require.NoError(t, err)
	require.NoError(t, repo.Create(context.Background(), job))
	return job
}

// stubRenderer reports the given percentages and then returns err, or
// blocks until the context ends when block is set.
type stubRenderer struct {
	reports []int
	err     error
	block   bool

	mu    sync.Mutex
	calls int
}

func (s *stubRenderer) Render(ctx context.Context, _ string, job *project.RenderJobData, reporter progress.Reporter) (*pipeline.Result, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	for _, p := range s.reports {
		reporter.Report(ctx, p, models.StageRendering)
	}
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return &pipeline.Result{Path: job.Output.Path, Segments: 2}, nil
}

func (s *stubRenderer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingObserver struct {
	mu       sync.Mutex
	percents []int
	finished []models.RenderStatus
}

func (o *recordingObserver) JobProgress(_ context.Context, _ *models.RenderJob, percent int, _ models.RenderStage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.percents = append(o.percents, percent)
}

func (o *recordingObserver) JobFinished(_ context.Context, job *models.RenderJob) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, job.Status)
}

var errBoom = errors.New("boom")
