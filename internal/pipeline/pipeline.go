// Package pipeline drives one render job from project fetch to published
// artifact. Each step is a Stage run in order over a shared State; any stage
// error fails the job and the workspace is always torn down.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/reelforge/internal/fetcher"
	"github.com/jmylchreest/reelforge/internal/models"
	"github.com/jmylchreest/reelforge/internal/project"
	"github.com/jmylchreest/reelforge/internal/render"
	"github.com/jmylchreest/reelforge/internal/scene"
	"github.com/jmylchreest/reelforge/internal/segment"
	"github.com/jmylchreest/reelforge/internal/service/progress"
	"github.com/jmylchreest/reelforge/internal/workspace"
)

// Progress milestones reported after each stage.
const (
	ProgressSetup     = render.DefaultProgressBase
	ProgressRendered  = render.DefaultProgressBase + render.DefaultProgressWeight
	ProgressMerged    = 85
	ProgressMixed     = 90
	ProgressUploading = 95
	ProgressComplete  = 100
)

// ErrInvalidJob is returned when the job payload cannot be rendered.
var ErrInvalidJob = project.ErrInvalidJob

// SceneCompiler compiles component sources into a scene program.
type SceneCompiler interface {
	Compile(ctx context.Context, req scene.CompileRequest) (*scene.Program, error)
}

// SegmentRenderer renders planned segments to files.
type SegmentRenderer interface {
	Render(ctx context.Context, job render.Job, report render.ProgressFunc) error
}

// SegmentMerger joins segment files into one video.
type SegmentMerger interface {
	Merge(ctx context.Context, segments []segment.Definition, dest, tempDir string) error
}

// AudioMixer muxes the project's mixed audio onto a video in place.
type AudioMixer interface {
	MergeAudio(ctx context.Context, proj *project.Project, output project.OutputSpec, videoPath string, rng project.TimeRange, tempDir string) error
}

// OutputPublisher delivers the finished file and returns its final location.
type OutputPublisher interface {
	Publish(ctx context.Context, localPath, uploadURL string) (string, error)
}

// Workspaces creates per-job scratch directories.
type Workspaces interface {
	Create(jobID string) (*workspace.Workspace, error)
}

// Dependencies bundles the collaborators of a Renderer.
type Dependencies struct {
	Fetcher    *fetcher.Fetcher
	Compiler   SceneCompiler
	Renderer   SegmentRenderer
	Merger     SegmentMerger
	Mixer      AudioMixer
	Publisher  OutputPublisher
	Workspaces Workspaces
	Logger     *slog.Logger
}

// Config tunes segment planning.
type Config struct {
	MinSegmentSeconds float64
	MaxSegmentSeconds float64
}

// Result is the outcome of a successful render.
type Result struct {
	// Path is the published location, or the local file when not uploaded.
	Path     string
	Segments int
	Duration time.Duration
}

// Renderer runs render jobs.
type Renderer struct {
	deps   Dependencies
	cfg    Config
	logger *slog.Logger
}

// NewRenderer creates a Renderer.
func NewRenderer(deps Dependencies, cfg Config) *Renderer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{deps: deps, cfg: cfg, logger: logger.With(slog.String("component", "pipeline"))}
}

// Stages returns the ordered stages of a render.
func (r *Renderer) Stages() []Stage {
	return []Stage{
		&fetchStage{fetcher: r.deps.Fetcher},
		&compileStage{compiler: r.deps.Compiler},
		&planStage{minTarget: r.cfg.MinSegmentSeconds, maxTarget: r.cfg.MaxSegmentSeconds},
		&renderStage{renderer: r.deps.Renderer},
		&mergeStage{merger: r.deps.Merger},
		&audioStage{mixer: r.deps.Mixer},
		&publishStage{publisher: r.deps.Publisher},
	}
}

// Render executes every stage for job. Teardown runs whatever the outcome.
func (r *Renderer) Render(ctx context.Context, jobID string, job *project.RenderJobData, reporter progress.Reporter) (*Result, error) {
	if job == nil {
		return nil, fmt.Errorf("%w: missing payload", ErrInvalidJob)
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}

	ws, err := r.deps.Workspaces.Create(jobID)
	if err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}

	logger := r.logger.With(slog.String("job_id", jobID))
	state := &State{
		JobID:     jobID,
		Job:       job,
		Workspace: ws,
		Reporter:  progress.NewMonotonic(reporter),
		Logger:    logger,
		StartTime: time.Now(),
	}
	defer r.teardown(state)

	logger.InfoContext(ctx, "starting render",
		slog.String("project_id", job.ProjectID),
		slog.String("format", string(job.Output.Format)),
		slog.String("workspace", ws.Dir()),
	)

	stages := r.Stages()
	for i, stage := range stages {
		if err := ctx.Err(); err != nil {
			r.discardOutput(state)
			return nil, err
		}
		if sk, ok := stage.(skipper); ok && sk.Skip(state) {
			continue
		}
		if err := r.executeStage(ctx, i, len(stages), stage, state); err != nil {
			r.discardOutput(state)
			return nil, NewStageError(stage.ID(), err)
		}
	}

	state.Reporter.Report(ctx, ProgressComplete, models.StageDone)
	result := &Result{
		Path:     state.ResultPath,
		Segments: len(state.Segments),
		Duration: state.Duration(),
	}
	logger.InfoContext(ctx, "render complete",
		slog.String("result", result.Path),
		slog.Int("segments", result.Segments),
		slog.Duration("duration", result.Duration),
	)
	return result, nil
}

func (r *Renderer) executeStage(ctx context.Context, index, total int, stage Stage, state *State) error {
	start := time.Now()
	state.Logger.DebugContext(ctx, "executing stage",
		slog.Int("stage_num", index+1),
		slog.Int("total_stages", total),
		slog.String("stage", string(stage.ID())),
	)
	state.Reporter.Report(ctx, 0, stage.ID())

	if err := stage.Execute(ctx, state); err != nil {
		state.Logger.ErrorContext(ctx, "stage failed",
			slog.String("stage", string(stage.ID())),
			slog.String("error", err.Error()),
			slog.Duration("duration", time.Since(start)),
		)
		return err
	}

	state.Logger.InfoContext(ctx, "stage completed",
		slog.String("stage", string(stage.ID())),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// discardOutput removes a partially written destination file.
func (r *Renderer) discardOutput(state *State) {
	if !state.OutputWritten || state.OutputPath == "" {
		return
	}
	if err := workspace.RemoveIfExists(state.OutputPath); err != nil {
		state.Logger.Warn("failed to remove partial output",
			slog.String("path", state.OutputPath),
			slog.String("error", err.Error()),
		)
	}
}

// teardown deletes segment files and the workspace. Failures are logged.
func (r *Renderer) teardown(state *State) {
	for _, def := range state.Segments {
		if err := workspace.RemoveIfExists(def.OutputPath); err != nil {
			state.Logger.Warn("failed to remove segment file",
				slog.Int("segment_index", def.Index),
				slog.String("path", def.OutputPath),
				slog.String("error", err.Error()),
			)
		}
	}
	if err := state.Workspace.Remove(); err != nil {
		state.Logger.Warn("failed to remove workspace",
			slog.String("path", state.Workspace.Dir()),
			slog.String("error", err.Error()),
		)
	}
}
