package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/reelforge/internal/config"
	internalhttp "github.com/jmylchreest/reelforge/internal/http"
	"github.com/jmylchreest/reelforge/internal/http/handlers"
	"github.com/jmylchreest/reelforge/internal/queue"
	"github.com/jmylchreest/reelforge/internal/repository"
	"github.com/jmylchreest/reelforge/internal/scheduler"
	"github.com/jmylchreest/reelforge/internal/service"
	"github.com/jmylchreest/reelforge/internal/service/progress"
	"github.com/jmylchreest/reelforge/internal/startup"
	"github.com/jmylchreest/reelforge/internal/statuscache"
	"github.com/jmylchreest/reelforge/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the render service",
	Long: `Start the reelforge HTTP API and render workers.

The server provides:
- REST API for submitting, listing and cancelling render jobs
- Live progress as JSON and as a server-sent event stream
- Health, liveness and readiness endpoints
- OpenAPI documentation at /docs

When kafka.enabled is set, render requests are also consumed from the
request topic and finished jobs are published to the event topic.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 8090, "Port to listen on")
	serveCmd.Flags().Int("workers", 1, "Number of concurrent render jobs")
	serveCmd.Flags().String("workspace-dir", "", "Directory for per-job scratch space")

	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("runner.workers", serveCmd.Flags().Lookup("workers"))
	mustBindPFlag("storage.workspace_dir", serveCmd.Flags().Lookup("workspace-dir"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := slog.Default()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if removed, err := startup.CleanupSystemBrowserProfiles(logger); err != nil {
		logger.Warn("failed to clean orphaned browser profiles", slog.String("error", err.Error()))
	} else if removed > 0 {
		logger.Info("cleaned orphaned browser profiles", slog.Int("removed_count", removed))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("closing database", slog.String("error", err.Error()))
		}
	}()

	stack, err := buildRenderStack(cfg, logger)
	if err != nil {
		return err
	}

	jobRepo := repository.NewRenderJobRepository(db.DB)

	progressService := progress.NewService(logger)
	progressService.Start()
	defer progressService.Stop()

	executor := scheduler.NewExecutor(jobRepo, stack.Renderer).
		WithLogger(logger).
		WithProgressService(progressService)

	if cfg.Redis.Enabled {
		cache, err := statuscache.Connect(ctx, cfg.Redis, logger)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer cache.Close()
		executor.WithObserver(cache)
	}

	var events *queue.EventPublisher
	if cfg.Kafka.Enabled {
		events, err = queue.NewEventPublisher(cfg.Kafka, logger)
		if err != nil {
			return fmt.Errorf("creating event publisher: %w", err)
		}
		defer events.Close()
		executor.WithObserver(events)
	}

	runner := scheduler.NewRunner(jobRepo, executor).
		WithLogger(logger).
		WithConfig(scheduler.RunnerConfig{
			WorkerCount:  cfg.Runner.Workers,
			PollInterval: cfg.Runner.PollInterval,
			WorkerID:     cfg.Runner.WorkerID,
			JobTimeout:   cfg.Runner.JobTimeout,
			CleanupAge:   scheduler.DefaultRunnerConfig().CleanupAge,
		})

	renderService := service.NewRenderService(jobRepo).
		WithLogger(logger).
		WithRunner(runner).
		WithProgressService(progressService).
		WithMaxAttempts(cfg.Runner.MaxAttempts)

	sweeper, err := scheduler.NewScheduler(stack.Workspaces, scheduler.SchedulerConfig{
		Cron:   cfg.Storage.SweepCron,
		MaxAge: cfg.Storage.SweepAge,
	})
	if err != nil {
		return fmt.Errorf("creating workspace sweeper: %w", err)
	}
	sweeper.WithLogger(logger)

	server := newAPIServer(cfg.Server, logger, db, renderService, progressService)

	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("starting runner: %w", err)
	}
	defer runner.Stop()

	sweeper.Start(ctx)
	defer sweeper.Stop()

	logger.Info("reelforge started",
		slog.String("version", version.Version),
		slog.String("address", server.Addr()),
		slog.Int("workers", cfg.Runner.Workers),
		slog.Bool("kafka", cfg.Kafka.Enabled),
		slog.Bool("redis", cfg.Redis.Enabled),
	)

	var consumer *queue.Consumer
	if cfg.Kafka.Enabled {
		consumer, err = queue.NewConsumer(cfg.Kafka, renderService, logger)
		if err != nil {
			return fmt.Errorf("creating request consumer: %w", err)
		}
		defer consumer.Close()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx)
	})
	if consumer != nil {
		g.Go(func() error {
			return consumer.Run(gctx)
		})
	}

	err = g.Wait()
	logger.Info("shutting down")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newAPIServer registers every API route on a new server.
func newAPIServer(
	cfg config.ServerConfig,
	logger *slog.Logger,
	db handlers.Pinger,
	renderService *service.RenderService,
	progressService *progress.Service,
) *internalhttp.Server {
	server := internalhttp.NewServer(cfg, logger, version.Version)

	handlers.NewHealthHandler(version.Version).
		WithDB(db).
		WithRunner(renderService).
		Register(server.API())
	handlers.NewRenderHandler(renderService).Register(server.API())

	progressHandler := handlers.NewProgressHandler(progressService, renderService)
	progressHandler.Register(server.API())
	progressHandler.RegisterSSE(server.Router())

	return server
}
