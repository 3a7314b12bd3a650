package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/reelforge/internal/models"
	"github.com/jmylchreest/reelforge/internal/project"
	"github.com/jmylchreest/reelforge/internal/repository"
	"github.com/jmylchreest/reelforge/internal/scheduler"
	"github.com/jmylchreest/reelforge/internal/service"
)

// RenderService is the subset of service.RenderService used by the handler.
type RenderService interface {
	Submit(ctx context.Context, data *project.RenderJobData, source string, priority int) (*models.RenderJob, error)
	GetByID(ctx context.Context, id models.ULID) (*models.RenderJob, error)
	List(ctx context.Context, filter repository.RenderJobFilter) ([]*models.RenderJob, int64, error)
	Cancel(ctx context.Context, id models.ULID) error
	GetStats(ctx context.Context) (*service.RenderStats, error)
	RunnerStatus() (*scheduler.RunnerStatus, error)
}

// RenderHandler handles render job endpoints.
type RenderHandler struct {
	service RenderService
}

// NewRenderHandler creates a new render handler.
func NewRenderHandler(svc RenderService) *RenderHandler {
	return &RenderHandler{service: svc}
}

// Register registers the render routes with the API.
func (h *RenderHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "submitRender",
		Method:        http.MethodPost,
		Path:          "/api/v1/renders",
		Summary:       "Submit render",
		Description:   "Enqueues a render job. The body is a render job description; the render runs asynchronously.",
		Tags:          []string{"Renders"},
		DefaultStatus: http.StatusAccepted,
	}, h.Submit)

	huma.Register(api, huma.Operation{
		OperationID: "listRenders",
		Method:      http.MethodGet,
		Path:        "/api/v1/renders",
		Summary:     "List renders",
		Description: "Returns render jobs, newest first",
		Tags:        []string{"Renders"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getRenderStats",
		Method:      http.MethodGet,
		Path:        "/api/v1/renders/stats",
		Summary:     "Render statistics",
		Description: "Returns job counts by status and the runner state",
		Tags:        []string{"Renders"},
	}, h.Stats)

	huma.Register(api, huma.Operation{
		OperationID: "getRender",
		Method:      http.MethodGet,
		Path:        "/api/v1/renders/{id}",
		Summary:     "Get render",
		Description: "Returns the status, progress and result of a render job",
		Tags:        []string{"Renders"},
	}, h.Get)

	huma.Register(api, huma.Operation{
		OperationID: "cancelRender",
		Method:      http.MethodPost,
		Path:        "/api/v1/renders/{id}/cancel",
		Summary:     "Cancel render",
		Description: "Cancels a pending or running render job",
		Tags:        []string{"Renders"},
	}, h.Cancel)
}

// SubmitRenderInput is the input for submitting a render.
type SubmitRenderInput struct {
	Priority int    `query:"priority" default:"0" doc:"Higher priorities are rendered first"`
	RawBody  []byte `contentType:"application/json"`
}

// RenderJobOutput wraps a single render job.
type RenderJobOutput struct {
	Body RenderJobResponse
}

// Submit enqueues a render job.
func (h *RenderHandler) Submit(ctx context.Context, input *SubmitRenderInput) (*RenderJobOutput, error) {
	if len(input.RawBody) == 0 {
		return nil, huma.Error400BadRequest("request body is required")
	}
	var data project.RenderJobData
	if err := json.Unmarshal(input.RawBody, &data); err != nil {
		return nil, huma.Error400BadRequest("invalid render job", err)
	}

	job, err := h.service.Submit(ctx, &data, models.SourceAPI, input.Priority)
	if err != nil {
		if errors.Is(err, project.ErrInvalidJob) {
			return nil, huma.Error422UnprocessableEntity(err.Error())
		}
		return nil, huma.Error500InternalServerError("failed to submit render", err)
	}
	return &RenderJobOutput{Body: RenderJobFromModel(job)}, nil
}

// ListRendersInput is the input for listing renders.
type ListRendersInput struct {
	Status    string `query:"status" enum:"pending,running,completed,failed,cancelled" doc:"Filter by status"`
	UserID    string `query:"user_id" doc:"Filter by user"`
	ProjectID string `query:"project_id" doc:"Filter by project"`
	Limit     int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	Offset    int    `query:"offset" default:"0" minimum:"0"`
}

// ListRendersOutput is the output for listing renders.
type ListRendersOutput struct {
	Body struct {
		Jobs  []RenderJobResponse `json:"jobs"`
		Total int64               `json:"total"`
	}
}

// List returns render jobs.
func (h *RenderHandler) List(ctx context.Context, input *ListRendersInput) (*ListRendersOutput, error) {
	jobs, total, err := h.service.List(ctx, repository.RenderJobFilter{
		Status:    models.RenderStatus(input.Status),
		UserID:    input.UserID,
		ProjectID: input.ProjectID,
		Limit:     input.Limit,
		Offset:    input.Offset,
	})
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list renders", err)
	}

	out := &ListRendersOutput{}
	out.Body.Total = total
	out.Body.Jobs = make([]RenderJobResponse, 0, len(jobs))
	for _, job := range jobs {
		out.Body.Jobs = append(out.Body.Jobs, RenderJobFromModel(job))
	}
	return out, nil
}

// RenderIDInput identifies a render job.
type RenderIDInput struct {
	ID string `path:"id" doc:"Render job ID (ULID)"`
}

// Get returns a render job.
func (h *RenderHandler) Get(ctx context.Context, input *RenderIDInput) (*RenderJobOutput, error) {
	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid render ID", err)
	}
	job, err := h.service.GetByID(ctx, id)
	if err != nil {
		return nil, mapServiceError(err)
	}
	return &RenderJobOutput{Body: RenderJobFromModel(job)}, nil
}

// Cancel cancels a render job and returns its current state.
func (h *RenderHandler) Cancel(ctx context.Context, input *RenderIDInput) (*RenderJobOutput, error) {
	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid render ID", err)
	}
	if err := h.service.Cancel(ctx, id); err != nil {
		return nil, mapServiceError(err)
	}
	job, err := h.service.GetByID(ctx, id)
	if err != nil {
		return nil, mapServiceError(err)
	}
	return &RenderJobOutput{Body: RenderJobFromModel(job)}, nil
}

// RenderStatsOutput is the output for render statistics.
type RenderStatsOutput struct {
	Body struct {
		Jobs   service.RenderStats     `json:"jobs"`
		Runner *scheduler.RunnerStatus `json:"runner,omitempty"`
	}
}

// Stats returns job counts and the runner state.
func (h *RenderHandler) Stats(ctx context.Context, _ *struct{}) (*RenderStatsOutput, error) {
	stats, err := h.service.GetStats(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to get stats", err)
	}
	out := &RenderStatsOutput{}
	out.Body.Jobs = *stats
	if status, err := h.service.RunnerStatus(); err == nil {
		out.Body.Runner = status
	}
	return out, nil
}

func mapServiceError(err error) error {
	switch {
	case errors.Is(err, service.ErrRenderJobNotFound):
		return huma.Error404NotFound("render job not found")
	case errors.Is(err, service.ErrRenderJobFinished):
		return huma.Error409Conflict("render job already finished")
	default:
		return huma.Error500InternalServerError("internal error", err)
	}
}
