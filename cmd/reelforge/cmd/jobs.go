package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jmylchreest/reelforge/internal/models"
	"github.com/jmylchreest/reelforge/internal/repository"
	"github.com/jmylchreest/reelforge/internal/service"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect the render queue",
	Long: `Commands for inspecting the render queue stored in the configured database.

Running jobs can only be cancelled through the API of the process that owns
them; "jobs cancel" removes pending jobs from the queue.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List render jobs",
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one render job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a pending render job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var jobsListFlags struct {
	status  string
	user    string
	project string
	limit   int
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsCancelCmd)

	f := jobsListCmd.Flags()
	f.StringVar(&jobsListFlags.status, "status", "", "filter by status (pending, running, completed, failed, cancelled)")
	f.StringVar(&jobsListFlags.user, "user", "", "filter by user ID")
	f.StringVar(&jobsListFlags.project, "project", "", "filter by project ID")
	f.IntVar(&jobsListFlags.limit, "limit", 20, "maximum number of jobs to show")
}

// withRenderService opens the database and runs fn with a queue-only service.
func withRenderService(cmd *cobra.Command, fn func(svc *service.RenderService) error) error {
	logger := slog.Default()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDatabase(cmd.Context(), cfg.Database, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	svc := service.NewRenderService(repository.NewRenderJobRepository(db.DB)).WithLogger(logger)
	return fn(svc)
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	return withRenderService(cmd, func(svc *service.RenderService) error {
		jobs, total, err := svc.List(cmd.Context(), repository.RenderJobFilter{
			Status:    models.RenderStatus(jobsListFlags.status),
			UserID:    jobsListFlags.user,
			ProjectID: jobsListFlags.project,
			Limit:     jobsListFlags.limit,
		})
		if err != nil {
			return err
		}

		rows := make([][]string, 0, len(jobs))
		for _, job := range jobs {
			rows = append(rows, []string{
				job.ID.String(),
				string(job.Status),
				string(job.Stage),
				strconv.Itoa(job.Progress) + "%",
				job.ProjectID,
				job.Source,
				humanize.Time(job.CreatedAt),
				formatJobDuration(job),
			})
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, renderTable(
			[]string{"ID", "Status", "Stage", "Progress", "Project", "Source", "Created", "Duration"},
			rows, 3, 7,
		))
		fmt.Fprintf(out, "%d of %d jobs\n", len(jobs), total)
		return nil
	})
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	id, err := models.ParseULID(args[0])
	if err != nil {
		return fmt.Errorf("invalid job id %q: %w", args[0], err)
	}
	return withRenderService(cmd, func(svc *service.RenderService) error {
		job, err := svc.GetByID(cmd.Context(), id)
		if err != nil {
			return err
		}

		rows := [][]string{
			{"ID", job.ID.String()},
			{"Status", string(job.Status)},
			{"Stage", string(job.Stage)},
			{"Progress", strconv.Itoa(job.Progress) + "%"},
			{"User", job.UserID},
			{"Project", job.ProjectID},
			{"Branch", job.BranchID},
			{"Source", job.Source},
			{"Priority", strconv.Itoa(job.Priority)},
			{"Attempts", fmt.Sprintf("%d/%d", job.AttemptCount, job.MaxAttempts)},
			{"Created", job.CreatedAt.Format(time.RFC3339)},
			{"Duration", formatJobDuration(job)},
			{"Result", job.ResultPath},
			{"Error", job.LastError},
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, rows))
		return nil
	})
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	id, err := models.ParseULID(args[0])
	if err != nil {
		return fmt.Errorf("invalid job id %q: %w", args[0], err)
	}
	return withRenderService(cmd, func(svc *service.RenderService) error {
		err := svc.Cancel(cmd.Context(), id)
		if errors.Is(err, service.ErrRenderJobFinished) {
			return fmt.Errorf("job %s is not pending", id)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", id)
		return nil
	})
}

func formatJobDuration(job *models.RenderJob) string {
	switch {
	case job.DurationMs > 0:
		return (time.Duration(job.DurationMs) * time.Millisecond).Round(time.Second).String()
	case job.StartedAt != nil:
		return time.Since(*job.StartedAt).Round(time.Second).String()
	default:
		return "-"
	}
}
