package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/reelforge/internal/fetcher"
	"github.com/jmylchreest/reelforge/internal/models"
	"github.com/jmylchreest/reelforge/internal/render"
	"github.com/jmylchreest/reelforge/internal/scene"
	"github.com/jmylchreest/reelforge/internal/segment"
)

// outputName is the merged file inside the workspace when no local path is requested.
const outputName = "output"

type fetchStage struct {
	fetcher *fetcher.Fetcher
}

func (s *fetchStage) ID() models.RenderStage { return models.StageFetchingData }

func (s *fetchStage) Execute(ctx context.Context, state *State) error {
	f := s.fetcher
	if state.Job.Project != nil {
		f = f.WithSource(fetcher.StaticProjectSource{Project: state.Job.Project})
	}
	data, err := f.Fetch(ctx, state.Job.UserID, state.Job.ProjectID, state.Job.BranchID)
	if err != nil {
		return err
	}
	state.Data = data
	state.Range = state.Job.Output.RenderRange(data.TimelineDuration)
	if state.Range.Duration() < 0 {
		return fmt.Errorf("%w: range ends before it starts", ErrInvalidJob)
	}
	state.Logger.DebugContext(ctx, "render data fetched",
		slog.Float64("timeline_duration", data.TimelineDuration),
		slog.Int("component_files", len(data.ComponentFiles)),
		slog.Int("transcriptions", len(data.Transcriptions)),
	)
	return nil
}

type compileStage struct {
	compiler SceneCompiler
}

func (s *compileStage) ID() models.RenderStage { return models.StageCompilingScene }

func (s *compileStage) Execute(ctx context.Context, state *State) error {
	program, err := s.compiler.Compile(ctx, scene.CompileRequest{Files: state.Data.ComponentFiles})
	if err != nil {
		return err
	}
	state.Program = program
	return nil
}

type planStage struct {
	minTarget float64
	maxTarget float64
}

func (s *planStage) ID() models.RenderStage { return models.StagePlanningSegments }

func (s *planStage) Execute(ctx context.Context, state *State) error {
	planner := segment.NewPlanner(state.Workspace.Dir(), s.minTarget, s.maxTarget)
	state.Segments = planner.Plan(state.Range, state.Job.Output, state.Job.Options)

	if path := state.Job.Output.Path; path != "" {
		state.OutputPath = path
	} else {
		path, err := state.Workspace.Path(outputName + "." + state.Job.Output.Extension())
		if err != nil {
			return err
		}
		state.OutputPath = path
	}
	state.ResultPath = state.OutputPath

	state.Logger.InfoContext(ctx, "segments planned",
		slog.Int("segments", len(state.Segments)),
		slog.Float64("start", state.Range.Start),
		slog.Float64("end", state.Range.End),
	)
	state.Reporter.Report(ctx, ProgressSetup, s.ID())
	return nil
}

type renderStage struct {
	renderer SegmentRenderer
}

func (s *renderStage) ID() models.RenderStage { return models.StageRendering }

func (s *renderStage) Execute(ctx context.Context, state *State) error {
	job := render.Job{
		ID:          state.JobID,
		Project:     state.Data.Project,
		Variables:   state.Job.Variables,
		Output:      state.Job.Output,
		Program:     state.Program.JS,
		Segments:    state.Segments,
		Concurrency: state.Job.Options.Concurrency,
	}
	return s.renderer.Render(ctx, job, func(percent int) {
		state.Reporter.Report(ctx, percent, models.StageRendering)
	})
}

type mergeStage struct {
	merger SegmentMerger
}

func (s *mergeStage) ID() models.RenderStage { return models.StageMergingVideo }

func (s *mergeStage) Execute(ctx context.Context, state *State) error {
	state.OutputWritten = true
	if err := s.merger.Merge(ctx, state.Segments, state.OutputPath, state.Workspace.Dir()); err != nil {
		return err
	}
	state.Reporter.Report(ctx, ProgressMerged, s.ID())
	return nil
}

type audioStage struct {
	mixer AudioMixer
}

func (s *audioStage) ID() models.RenderStage { return models.StageMergingAudio }

func (s *audioStage) Execute(ctx context.Context, state *State) error {
	err := s.mixer.MergeAudio(ctx, state.Data.Project, state.Job.Output, state.OutputPath, state.Range, state.Workspace.Dir())
	if err != nil {
		return err
	}
	state.Reporter.Report(ctx, ProgressMixed, s.ID())
	return nil
}

type publishStage struct {
	publisher OutputPublisher
}

func (s *publishStage) ID() models.RenderStage { return models.StageUploading }

// Skip leaves the local file as the result when there is nowhere to upload.
func (s *publishStage) Skip(state *State) bool {
	return state.Job.Output.UploadURL == ""
}

func (s *publishStage) Execute(ctx context.Context, state *State) error {
	state.Reporter.Report(ctx, ProgressUploading, s.ID())
	path, err := s.publisher.Publish(ctx, state.OutputPath, state.Job.Output.UploadURL)
	if err != nil {
		return err
	}
	if path == "" {
		return errors.New("publisher returned an empty path")
	}
	state.ResultPath = path
	return nil
}
