package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/reelforge/internal/fetcher"
	"github.com/jmylchreest/reelforge/internal/models"
	"github.com/jmylchreest/reelforge/internal/project"
	"github.com/jmylchreest/reelforge/internal/service/progress"
)

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Render one job in the foreground",
	Long: `Render a single job without the queue and print progress to stderr.

The job is read from a YAML file with --job. A project snapshot can be
supplied with --project, in which case the project service is not called.
Output flags override the values in the job file.`,
	Example: `  reelforge render --job job.yaml
  reelforge render --project snapshot.json --output out.mp4 --width 1280 --height 720`,
	RunE: runRender,
}

// renderOptions holds the render command flags.
type renderOptions struct {
	jobFile     string
	projectFile string
	output      string
	format      string
	width       int
	height      int
	fps         float64
	quiet       bool
}

var renderFlags renderOptions

func init() {
	rootCmd.AddCommand(renderCmd)

	f := renderCmd.Flags()
	f.StringVar(&renderFlags.jobFile, "job", "", "YAML job file")
	f.StringVar(&renderFlags.projectFile, "project", "", "JSON project snapshot")
	f.StringVarP(&renderFlags.output, "output", "o", "", "output file path")
	f.StringVar(&renderFlags.format, "format", "", "output format (mp4, webm, mov, gif)")
	f.IntVar(&renderFlags.width, "width", 0, "output width in pixels")
	f.IntVar(&renderFlags.height, "height", 0, "output height in pixels")
	f.Float64Var(&renderFlags.fps, "fps", 0, "output frame rate")
	f.BoolVarP(&renderFlags.quiet, "quiet", "q", false, "do not print progress")
}

func runRender(cmd *cobra.Command, _ []string) error {
	logger := slog.Default()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	job, err := loadRenderJob(cmd.Context())
	if err != nil {
		return err
	}
	if err := job.Validate(); err != nil {
		return err
	}

	stack, err := buildRenderStack(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var reporter progress.Reporter = progress.NilReporter{}
	if !renderFlags.quiet {
		reporter = newProgressPrinter(cmd.ErrOrStderr())
	}

	jobID := models.NewULID().String()
	result, err := stack.Renderer.Render(ctx, jobID, job, reporter)
	if err != nil {
		return fmt.Errorf("render %s: %w", jobID, err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, result.Path)
	if info, statErr := os.Stat(result.Path); statErr == nil {
		logger.Info("render finished",
			slog.String("job_id", jobID),
			slog.String("size", humanize.IBytes(uint64(info.Size()))),
			slog.Int("segments", result.Segments),
			slog.Duration("duration", result.Duration),
		)
	}
	return nil
}

// loadRenderJob builds the job from --job and --project plus the output flags.
func loadRenderJob(ctx context.Context) (*project.RenderJobData, error) {
	job := &project.RenderJobData{}
	if renderFlags.jobFile != "" {
		data, err := os.ReadFile(renderFlags.jobFile)
		if err != nil {
			return nil, fmt.Errorf("reading job file: %w", err)
		}
		if err := yaml.Unmarshal(data, job); err != nil {
			return nil, fmt.Errorf("parsing job file %s: %w", renderFlags.jobFile, err)
		}
	}

	if renderFlags.projectFile != "" {
		snapshot, err := fetcher.FileProjectSource{Path: renderFlags.projectFile}.
			FetchProject(ctx, job.UserID, job.ProjectID, job.BranchID)
		if err != nil {
			return nil, err
		}
		job.Project = snapshot
	}
	if renderFlags.jobFile == "" && renderFlags.projectFile == "" {
		return nil, fmt.Errorf("one of --job or --project is required")
	}

	if renderFlags.output != "" {
		job.Output.Path = renderFlags.output
	}
	if renderFlags.format != "" {
		job.Output.Format = project.Format(renderFlags.format)
	}
	if renderFlags.width > 0 {
		job.Output.Width = renderFlags.width
	}
	if renderFlags.height > 0 {
		job.Output.Height = renderFlags.height
	}
	if renderFlags.fps > 0 {
		job.Output.FPS = renderFlags.fps
	}
	return job, nil
}

// progressPrinter writes a line per stage change or whole-percent step.
type progressPrinter struct {
	mu      sync.Mutex
	w       io.Writer
	start   time.Time
	percent int
	stage   models.RenderStage
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w, start: time.Now(), percent: -1}
}

// Report implements progress.Reporter.
func (p *progressPrinter) Report(_ context.Context, percent int, stage models.RenderStage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if percent == p.percent && stage == p.stage {
		return
	}
	p.percent = percent
	p.stage = stage
	fmt.Fprintf(p.w, "[%3d%%] %-18s %s\n", percent, stage, time.Since(p.start).Round(time.Second))
}
