package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/reelforge/internal/fetcher"
	"github.com/jmylchreest/reelforge/internal/models"
	"github.com/jmylchreest/reelforge/internal/project"
	"github.com/jmylchreest/reelforge/internal/scene"
	"github.com/jmylchreest/reelforge/internal/segment"
	"github.com/jmylchreest/reelforge/internal/service/progress"
	"github.com/jmylchreest/reelforge/internal/workspace"
)

// Stage is a single step of a render.
type Stage interface {
	// ID is the job stage recorded while this step runs.
	ID() models.RenderStage
	// Execute performs the step, reading and extending state.
	Execute(ctx context.Context, state *State) error
}

// skipper is implemented by stages that do not apply to every job.
type skipper interface {
	Skip(state *State) bool
}

// State holds all data shared between stages of one render.
type State struct {
	JobID     string
	Job       *project.RenderJobData
	Workspace *workspace.Workspace
	Reporter  progress.Reporter
	Logger    *slog.Logger
	StartTime time.Time

	Data     *fetcher.RenderData
	Program  *scene.Program
	Range    project.TimeRange
	Segments []segment.Definition

	// OutputPath is the local file the merged video is written to.
	OutputPath string
	// OutputWritten is set once the merge has started writing OutputPath.
	OutputWritten bool
	// ResultPath is the final location after publishing.
	ResultPath string
}

// Duration returns the elapsed time since the render began.
func (s *State) Duration() time.Duration {
	return time.Since(s.StartTime)
}

// StageError wraps an error with the stage it failed in.
type StageError struct {
	Stage models.RenderStage
	Err   error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError creates a new StageError.
func NewStageError(stage models.RenderStage, err error) *StageError {
	return &StageError{Stage: stage, Err: err}
}
