package statuscache

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/reelforge/internal/models"
	"github.com/jmylchreest/reelforge/internal/project"
	"github.com/jmylchreest/reelforge/internal/scheduler"
)

var _ scheduler.JobObserver = (*Cache)(nil)

func testJob(t *testing.T) *models.RenderJob {
	t.Helper()
	job, err := models.NewRenderJob(&project.RenderJobData{
		UserID:    "u1",
		ProjectID: "p1",
		Output:    project.OutputSpec{Path: "/out/a.mp4"},
	}, models.SourceAPI, 1)
	require.NoError(t, err)
	job.ID = models.NewULID()
	return job
}

func TestParseStatus(t *testing.T) {
	s := parseStatus("job-1", map[string]string{
		fieldStatus:    "running",
		fieldStage:     "rendering",
		fieldProgress:  "42",
		fieldUpdatedAt: "2025-01-01T10:00:00Z",
	})
	assert.Equal(t, "job-1", s.JobID)
	assert.Equal(t, "running", s.Status)
	assert.Equal(t, 42, s.Progress)
	assert.Equal(t, time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC), s.UpdatedAt)
}

func TestFinishedFields(t *testing.T) {
	job := testJob(t)
	job.MarkRunning("w")
	job.MarkFailed(assert.AnError)

	fields := finishedFields(job)
	assert.Equal(t, "failed", fields[fieldStatus])
	assert.Equal(t, "failed", fields[fieldStage])
	assert.Equal(t, assert.AnError.Error(), fields[fieldError])
}

func TestKey(t *testing.T) {
	c := New(nil, "render:status:", time.Hour, nil)
	assert.Equal(t, "render:status:abc", c.Key("abc"))
}

func TestSet_UnreachableServer(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	c := New(client, "t:", time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer c.Close()

	err := c.Set(context.Background(), "job", map[string]any{fieldStatus: "running"})
	assert.Error(t, err)

	// Observer callbacks log instead of failing.
	c.JobProgress(context.Background(), testJob(t), 10, models.StageRendering)
}

// TestCache_Redis runs against a live server when REELFORGE_TEST_REDIS_ADDR is set.
func TestCache_Redis(t *testing.T) {
	addr := os.Getenv("REELFORGE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("REELFORGE_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	c := New(redis.NewClient(&redis.Options{Addr: addr}), "reelforge:test:", time.Minute, nil)
	defer c.Close()

	job := testJob(t)
	t.Cleanup(func() { _ = c.Delete(ctx, job.ID.String()) })

	c.JobProgress(ctx, job, 40, models.StageRendering)
	s, err := c.Get(ctx, job.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "running", s.Status)
	assert.Equal(t, 40, s.Progress)

	job.MarkRunning("w")
	job.MarkCompleted("/out/a.mp4")
	c.JobFinished(ctx, job)
	s, err = c.Get(ctx, job.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "completed", s.Status)
	assert.Equal(t, 100, s.Progress)
	assert.Equal(t, "/out/a.mp4", s.Result)

	ttl, err := c.client.TTL(ctx, c.Key(job.ID.String())).Result()
	require.NoError(t, err)
	assert.Positive(t, ttl)

	_, err = c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
