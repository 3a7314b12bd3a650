// Package handlers provides the HTTP API handlers for reelforge.
package handlers

import (
	"time"

	"github.com/jmylchreest/reelforge/internal/models"
	"github.com/jmylchreest/reelforge/internal/service/progress"
)

// RenderJobResponse is the API representation of a render job.
type RenderJobResponse struct {
	ID          string     `json:"id" doc:"Render job ID (ULID)"`
	Status      string     `json:"status" doc:"Queue status" enum:"pending,running,completed,failed,cancelled"`
	Stage       string     `json:"stage" doc:"Pipeline stage"`
	Progress    int        `json:"progress" doc:"Progress percentage (0-100)" minimum:"0" maximum:"100"`
	UserID      string     `json:"user_id,omitempty"`
	ProjectID   string     `json:"project_id,omitempty"`
	BranchID    string     `json:"branch_id,omitempty"`
	Source      string     `json:"source,omitempty" doc:"Where the job was submitted from"`
	Priority    int        `json:"priority"`
	ResultPath  string     `json:"result_path,omitempty" doc:"Output path or uploaded URL"`
	Error       string     `json:"error,omitempty"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms,omitempty"`
}

// RenderJobFromModel converts a model to a response.
func RenderJobFromModel(j *models.RenderJob) RenderJobResponse {
	return RenderJobResponse{
		ID:          j.ID.String(),
		Status:      string(j.Status),
		Stage:       string(j.Stage),
		Progress:    j.Progress,
		UserID:      j.UserID,
		ProjectID:   j.ProjectID,
		BranchID:    j.BranchID,
		Source:      j.Source,
		Priority:    j.Priority,
		ResultPath:  j.ResultPath,
		Error:       j.LastError,
		Attempts:    j.AttemptCount,
		MaxAttempts: j.MaxAttempts,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		DurationMs:  j.DurationMs,
	}
}

// StageResponse is one visited pipeline stage.
type StageResponse struct {
	Stage       string     `json:"stage"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ProgressResponse is the API representation of render progress.
type ProgressResponse struct {
	OperationID string          `json:"operation_id,omitempty"`
	JobID       string          `json:"job_id"`
	State       string          `json:"state" enum:"preparing,processing,completed,error,cancelled"`
	Stage       string          `json:"stage"`
	Percent     int             `json:"percent" minimum:"0" maximum:"100"`
	Message     string          `json:"message,omitempty"`
	Error       string          `json:"error,omitempty"`
	Stages      []StageResponse `json:"stages,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// ProgressFromService converts service progress to a response.
func ProgressFromService(p *progress.RenderProgress) ProgressResponse {
	resp := ProgressResponse{
		OperationID: p.OperationID,
		JobID:       p.JobID,
		State:       string(p.State),
		Stage:       string(p.Stage),
		Percent:     p.Percent,
		Message:     p.Message,
		Error:       p.Error,
		StartedAt:   p.StartedAt,
		UpdatedAt:   p.UpdatedAt,
		CompletedAt: p.CompletedAt,
		Metadata:    p.Metadata,
	}
	for _, s := range p.Stages {
		resp.Stages = append(resp.Stages, StageResponse{
			Stage:       string(s.Stage),
			StartedAt:   s.StartedAt,
			CompletedAt: s.CompletedAt,
		})
	}
	return resp
}
