package models

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmylchreest/reelforge/internal/project"
)

// RenderStatus is the queue state of a render job.
type RenderStatus string

const (
	RenderStatusPending   RenderStatus = "pending"
	RenderStatusRunning   RenderStatus = "running"
	RenderStatusCompleted RenderStatus = "completed"
	RenderStatusFailed    RenderStatus = "failed"
	RenderStatusCancelled RenderStatus = "cancelled"
)

// RenderStage is the pipeline state of a render job.
type RenderStage string

const (
	StageCreated          RenderStage = "created"
	StageFetchingData     RenderStage = "fetching-data"
	StageCompilingScene   RenderStage = "compiling-scene"
	StagePlanningSegments RenderStage = "planning-segments"
	StageRendering        RenderStage = "rendering"
	StageMergingVideo     RenderStage = "merging-video"
	StageMergingAudio     RenderStage = "merging-audio"
	StageUploading        RenderStage = "uploading"
	StageDone             RenderStage = "done"
	StageFailed           RenderStage = "failed"
)

// Job sources.
const (
	SourceAPI   = "api"
	SourceKafka = "kafka"
	SourceCLI   = "cli"
)

// ErrPayloadRequired is returned when a job has no render payload.
var ErrPayloadRequired = errors.New("render payload is required")

// RenderJob is one queued render.
type RenderJob struct {
	BaseModel

	Status   RenderStatus `gorm:"not null;default:'pending';size:20;index" json:"status"`
	Stage    RenderStage  `gorm:"not null;default:'created';size:32" json:"stage"`
	Progress int          `gorm:"not null;default:0" json:"progress"`

	UserID    string `gorm:"size:128;index" json:"user_id,omitempty"`
	ProjectID string `gorm:"size:128;index" json:"project_id,omitempty"`
	BranchID  string `gorm:"size:128" json:"branch_id,omitempty"`
	Source    string `gorm:"size:20" json:"source,omitempty"`

	// Payload is the JSON encoded project.RenderJobData.
	Payload string `gorm:"type:text;not null" json:"-"`

	ResultPath string `gorm:"size:1024" json:"result_path,omitempty"`
	LastError  string `gorm:"size:4096" json:"last_error,omitempty"`

	Priority     int `gorm:"default:0;index" json:"priority"`
	AttemptCount int `gorm:"default:0" json:"attempt_count"`
	MaxAttempts  int `gorm:"default:1" json:"max_attempts"`

	StartedAt   *Time `json:"started_at,omitempty"`
	CompletedAt *Time `json:"completed_at,omitempty"`
	DurationMs  int64 `json:"duration_ms,omitempty"`

	LockedBy string `gorm:"size:100;index" json:"-"`
	LockedAt *Time  `json:"-"`
}

// TableName returns the table name for RenderJob.
func (RenderJob) TableName() string {
	return "render_jobs"
}

// NewRenderJob builds a pending job for data.
func NewRenderJob(data *project.RenderJobData, source string, maxAttempts int) (*RenderJob, error) {
	job := &RenderJob{
		Status:      RenderStatusPending,
		Stage:       StageCreated,
		Source:      source,
		MaxAttempts: max(1, maxAttempts),
	}
	if err := job.SetPayload(data); err != nil {
		return nil, err
	}
	return job, nil
}

// SetPayload encodes data into the job and copies its identifiers.
func (j *RenderJob) SetPayload(data *project.RenderJobData) error {
	if data == nil {
		return ErrPayloadRequired
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding render payload: %w", err)
	}
	j.Payload = string(raw)
	j.UserID = data.UserID
	j.ProjectID = data.ProjectID
	j.BranchID = data.BranchID
	return nil
}

// RenderData decodes the job payload.
func (j *RenderJob) RenderData() (*project.RenderJobData, error) {
	if j.Payload == "" {
		return nil, ErrPayloadRequired
	}
	var data project.RenderJobData
	if err := json.Unmarshal([]byte(j.Payload), &data); err != nil {
		return nil, fmt.Errorf("decoding render payload: %w", err)
	}
	return &data, nil
}

// IsFinished reports whether the job reached a terminal status.
func (j *RenderJob) IsFinished() bool {
	switch j.Status {
	case RenderStatusCompleted, RenderStatusFailed, RenderStatusCancelled:
		return true
	}
	return false
}

// CanRetry reports whether a failed job has attempts left.
func (j *RenderJob) CanRetry() bool {
	return j.Status == RenderStatusFailed && j.AttemptCount < j.MaxAttempts
}

// MarkRunning locks the job for a worker.
func (j *RenderJob) MarkRunning(workerID string) {
	now := Now()
	j.Status = RenderStatusRunning
	j.StartedAt = &now
	j.LockedBy = workerID
	j.LockedAt = &now
	j.AttemptCount++
	j.LastError = ""
}

// MarkCompleted records a successful render.
func (j *RenderJob) MarkCompleted(resultPath string) {
	j.finish(RenderStatusCompleted)
	j.Stage = StageDone
	j.Progress = 100
	j.ResultPath = resultPath
}

// MarkFailed records a failed render. A job with attempts left returns to
// pending.
func (j *RenderJob) MarkFailed(err error) {
	j.LastError = truncate(err.Error(), 4096)
	if j.AttemptCount < j.MaxAttempts {
		j.Status = RenderStatusPending
		j.Stage = StageCreated
		j.LockedBy = ""
		j.LockedAt = nil
		return
	}
	j.finish(RenderStatusFailed)
	j.Stage = StageFailed
}

// MarkCancelled records a cancelled render.
func (j *RenderJob) MarkCancelled() {
	j.finish(RenderStatusCancelled)
	j.Stage = StageFailed
	if j.LastError == "" {
		j.LastError = "cancelled"
	}
}

func (j *RenderJob) finish(status RenderStatus) {
	now := Now()
	j.Status = status
	j.CompletedAt = &now
	if j.StartedAt != nil {
		j.DurationMs = now.Sub(*j.StartedAt).Milliseconds()
	}
	j.LockedBy = ""
	j.LockedAt = nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
