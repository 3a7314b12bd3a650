package models

import (
	"errors"
	"strings"
	"testing"

	"github.com/jmylchreest/reelforge/internal/project"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJobData() *project.RenderJobData {
	return &project.RenderJobData{
		UserID:    "user-1",
		ProjectID: "proj-1",
		BranchID:  "main",
		Variables: map[string]any{"title": "hello"},
		Output:    project.OutputSpec{Format: project.FormatWebM, Width: 320, Height: 240, FPS: 24, Path: "/tmp/a.webm"},
	}
}

func TestNewRenderJob(t *testing.T) {
	job, err := NewRenderJob(testJobData(), SourceKafka, 0)
	require.NoError(t, err)
	assert.Equal(t, RenderStatusPending, job.Status)
	assert.Equal(t, StageCreated, job.Stage)
	assert.Equal(t, 1, job.MaxAttempts)
	assert.Equal(t, "user-1", job.UserID)
	assert.Equal(t, "proj-1", job.ProjectID)
	assert.Equal(t, "main", job.BranchID)

	data, err := job.RenderData()
	require.NoError(t, err)
	assert.Equal(t, "hello", data.Variables["title"])
	assert.Equal(t, project.FormatWebM, data.Output.Format)

	_, err = NewRenderJob(nil, SourceAPI, 1)
	assert.True(t, errors.Is(err, ErrPayloadRequired))
}

func TestRenderJob_RenderDataErrors(t *testing.T) {
	_, err := (&RenderJob{}).RenderData()
	assert.ErrorIs(t, err, ErrPayloadRequired)

	_, err = (&RenderJob{Payload: "{"}).RenderData()
	assert.Error(t, err)
}

func TestRenderJob_Lifecycle(t *testing.T) {
	job, err := NewRenderJob(testJobData(), SourceAPI, 2)
	require.NoError(t, err)

	job.MarkRunning("w1")
	assert.Equal(t, RenderStatusRunning, job.Status)
	assert.Equal(t, "w1", job.LockedBy)
	assert.Equal(t, 1, job.AttemptCount)
	assert.False(t, job.IsFinished())

	// First failure returns the job to the queue.
	job.MarkFailed(errors.New("boom"))
	assert.Equal(t, RenderStatusPending, job.Status)
	assert.Equal(t, "boom", job.LastError)
	assert.Empty(t, job.LockedBy)

	job.MarkRunning("w2")
	assert.Empty(t, job.LastError)
	job.MarkFailed(errors.New(strings.Repeat("x", 5000)))
	assert.Equal(t, RenderStatusFailed, job.Status)
	assert.Equal(t, StageFailed, job.Stage)
	assert.Len(t, job.LastError, 4096)
	assert.True(t, job.IsFinished())
	assert.False(t, job.CanRetry())
	assert.NotNil(t, job.CompletedAt)
}

func TestRenderJob_MarkCompleted(t *testing.T) {
	job, err := NewRenderJob(testJobData(), SourceCLI, 1)
	require.NoError(t, err)
	job.MarkRunning("w")
	job.MarkCompleted("renders/a.webm")

	assert.Equal(t, RenderStatusCompleted, job.Status)
	assert.Equal(t, StageDone, job.Stage)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, "renders/a.webm", job.ResultPath)
	assert.GreaterOrEqual(t, job.DurationMs, int64(0))
	assert.Empty(t, job.LockedBy)
}

func TestRenderJob_MarkCancelled(t *testing.T) {
	job, err := NewRenderJob(testJobData(), SourceAPI, 3)
	require.NoError(t, err)
	job.MarkRunning("w")
	job.MarkCancelled()
	assert.Equal(t, RenderStatusCancelled, job.Status)
	assert.Equal(t, "cancelled", job.LastError)
	assert.True(t, job.IsFinished())
}

func TestULID_RoundTrip(t *testing.T) {
	id := NewULID()
	parsed, err := ParseULID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	var scanned ULID
	require.NoError(t, scanned.Scan([]byte(id.String())))
	assert.Equal(t, id, scanned)
	require.NoError(t, scanned.Scan(nil))
	assert.True(t, scanned.IsZero())
	assert.Error(t, scanned.Scan(42))

	v, err := ULID{}.Value()
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = ParseULID("not-a-ulid")
	assert.Error(t, err)
}
