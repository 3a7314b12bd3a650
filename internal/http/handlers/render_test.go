package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/reelforge/internal/models"
	"github.com/jmylchreest/reelforge/internal/project"
	"github.com/jmylchreest/reelforge/internal/repository"
	"github.com/jmylchreest/reelforge/internal/scheduler"
	"github.com/jmylchreest/reelforge/internal/service"
	"github.com/jmylchreest/reelforge/internal/service/progress"
)

type fakeRenderService struct {
	jobs      map[models.ULID]*models.RenderJob
	submitted *project.RenderJobData
	priority  int
	filter    repository.RenderJobFilter
}

func newFakeRenderService() *fakeRenderService {
	return &fakeRenderService{jobs: make(map[models.ULID]*models.RenderJob)}
}

func (f *fakeRenderService) Submit(_ context.Context, data *project.RenderJobData, source string, priority int) (*models.RenderJob, error) {
	if err := data.Validate(); err != nil {
		return nil, err
	}
	job, err := models.NewRenderJob(data, source, 1)
	if err != nil {
		return nil, err
	}
	job.ID = models.NewULID()
	job.Priority = priority
	f.jobs[job.ID] = job
	f.submitted = data
	f.priority = priority
	return job, nil
}

func (f *fakeRenderService) GetByID(_ context.Context, id models.ULID) (*models.RenderJob, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, service.ErrRenderJobNotFound
	}
	return job, nil
}

func (f *fakeRenderService) List(_ context.Context, filter repository.RenderJobFilter) ([]*models.RenderJob, int64, error) {
	f.filter = filter
	var out []*models.RenderJob
	for _, job := range f.jobs {
		out = append(out, job)
	}
	return out, int64(len(out)), nil
}

func (f *fakeRenderService) Cancel(ctx context.Context, id models.ULID) error {
	job, err := f.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if job.IsFinished() {
		return service.ErrRenderJobFinished
	}
	job.MarkCancelled()
	return nil
}

func (f *fakeRenderService) GetStats(context.Context) (*service.RenderStats, error) {
	return &service.RenderStats{PendingCount: int64(len(f.jobs))}, nil
}

func (f *fakeRenderService) RunnerStatus() (*scheduler.RunnerStatus, error) {
	return &scheduler.RunnerStatus{Running: true, WorkerCount: 1}, nil
}

func (f *fakeRenderService) Progress(ctx context.Context, id models.ULID) (*progress.RenderProgress, error) {
	job, err := f.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &progress.RenderProgress{JobID: id.String(), State: progress.StatePreparing, Stage: job.Stage, Percent: job.Progress}, nil
}

const renderBody = `{
	"userId": "user-1",
	"projectId": "proj-1",
	"variables": {"title": "Launch"},
	"output": {"path": "/srv/out/launch.mp4", "format": "mp4", "width": 1280, "height": 720, "fps": 30}
}`

func TestRenderHandler_Submit(t *testing.T) {
	_, api := humatest.New(t)
	svc := newFakeRenderService()
	NewRenderHandler(svc).Register(api)

	resp := api.Post("/api/v1/renders?priority=3", "Content-Type: application/json", strings.NewReader(renderBody))
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())

	var body RenderJobResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.NotEmpty(t, body.ID)
	assert.Equal(t, "pending", body.Status)
	assert.Equal(t, "api", body.Source)
	assert.Equal(t, 3, body.Priority)

	require.NotNil(t, svc.submitted)
	assert.Equal(t, "Launch", svc.submitted.Variables["title"])
	assert.Equal(t, 3, svc.priority)
}

func TestRenderHandler_SubmitInvalid(t *testing.T) {
	_, api := humatest.New(t)
	NewRenderHandler(newFakeRenderService()).Register(api)

	resp := api.Post("/api/v1/renders", "Content-Type: application/json", strings.NewReader(`{not json`))
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = api.Post("/api/v1/renders", "Content-Type: application/json", strings.NewReader(`{"userId":"u","output":{"path":"/tmp/x.mp4"}}`))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	assert.Contains(t, resp.Body.String(), "projectId is required")
}

func TestRenderHandler_GetAndCancel(t *testing.T) {
	_, api := humatest.New(t)
	svc := newFakeRenderService()
	NewRenderHandler(svc).Register(api)

	resp := api.Post("/api/v1/renders", "Content-Type: application/json", strings.NewReader(renderBody))
	require.Equal(t, http.StatusAccepted, resp.Code)
	var created RenderJobResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &created))

	resp = api.Get("/api/v1/renders/" + created.ID)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = api.Post(fmt.Sprintf("/api/v1/renders/%s/cancel", created.ID))
	require.Equal(t, http.StatusOK, resp.Code)
	var cancelled RenderJobResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &cancelled))
	assert.Equal(t, "cancelled", cancelled.Status)

	resp = api.Post(fmt.Sprintf("/api/v1/renders/%s/cancel", created.ID))
	assert.Equal(t, http.StatusConflict, resp.Code)

	assert.Equal(t, http.StatusNotFound, api.Get("/api/v1/renders/"+models.NewULID().String()).Code)
	assert.Equal(t, http.StatusBadRequest, api.Get("/api/v1/renders/not-a-ulid").Code)
}

func TestRenderHandler_ListAndStats(t *testing.T) {
	_, api := humatest.New(t)
	svc := newFakeRenderService()
	NewRenderHandler(svc).Register(api)

	for range 2 {
		require.Equal(t, http.StatusAccepted,
			api.Post("/api/v1/renders", "Content-Type: application/json", strings.NewReader(renderBody)).Code)
	}

	resp := api.Get("/api/v1/renders?status=pending&user_id=user-1&limit=10")
	require.Equal(t, http.StatusOK, resp.Code)
	var list struct {
		Jobs  []RenderJobResponse `json:"jobs"`
		Total int64               `json:"total"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &list))
	assert.Len(t, list.Jobs, 2)
	assert.Equal(t, int64(2), list.Total)
	assert.Equal(t, models.RenderStatusPending, svc.filter.Status)
	assert.Equal(t, "user-1", svc.filter.UserID)
	assert.Equal(t, 10, svc.filter.Limit)

	assert.Equal(t, http.StatusUnprocessableEntity, api.Get("/api/v1/renders?status=bogus").Code)

	resp = api.Get("/api/v1/renders/stats")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"pending_count":2`)
	assert.Contains(t, resp.Body.String(), `"running":true`)
}
