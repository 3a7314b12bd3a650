package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jmylchreest/reelforge/internal/bridge"
	"github.com/jmylchreest/reelforge/internal/config"
	"github.com/jmylchreest/reelforge/internal/database"
	"github.com/jmylchreest/reelforge/internal/database/migrations"
	"github.com/jmylchreest/reelforge/internal/fetcher"
	"github.com/jmylchreest/reelforge/internal/ffmpeg"
	"github.com/jmylchreest/reelforge/internal/httpclient"
	"github.com/jmylchreest/reelforge/internal/merge"
	"github.com/jmylchreest/reelforge/internal/pipeline"
	"github.com/jmylchreest/reelforge/internal/publish"
	"github.com/jmylchreest/reelforge/internal/render"
	"github.com/jmylchreest/reelforge/internal/scene"
	"github.com/jmylchreest/reelforge/internal/signing"
	"github.com/jmylchreest/reelforge/internal/version"
	"github.com/jmylchreest/reelforge/internal/workspace"
)

// Browser window used by every render context. Pages size their own canvas.
const (
	browserWidth  = 1920
	browserHeight = 1080
)

// renderStack is the assembled render pipeline and the pieces callers need
// outside of it.
type renderStack struct {
	Renderer   *pipeline.Renderer
	Workspaces *workspace.Manager
	Binaries   ffmpeg.Binaries
}

// openDatabase connects and applies pending migrations.
func openDatabase(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*database.DB, error) {
	db, err := database.New(cfg, logger, nil)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	migrator := migrations.NewMigrator(db.DB, logger)
	migrator.RegisterAll(migrations.AllMigrations())
	if err := migrator.Up(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

// newServiceClient builds the resilient client used for project and asset
// calls. Requests are signed when a shared secret is configured.
func newServiceClient(cfg config.ServicesConfig, signer *signing.Signer, logger *slog.Logger) *httpclient.Client {
	clientCfg := httpclient.DefaultConfig()
	if cfg.Timeout > 0 {
		clientCfg.Timeout = cfg.Timeout
	}
	clientCfg.RetryAttempts = cfg.RetryAttempts
	if cfg.RetryDelay > 0 {
		clientCfg.RetryDelay = cfg.RetryDelay
	}
	clientCfg.UserAgent = version.UserAgent()
	clientCfg.Logger = logger
	clientCfg.Prepare = signer.SignRequest
	return httpclient.New(clientCfg)
}

// buildRenderStack wires every pipeline collaborator from cfg.
func buildRenderStack(cfg *config.Config, logger *slog.Logger) (*renderStack, error) {
	bins, err := ffmpeg.Detect(cfg.FFmpeg.BinaryPath, cfg.FFmpeg.ProbePath)
	if err != nil {
		return nil, err
	}
	logger.Debug("resolved ffmpeg binaries",
		slog.String("ffmpeg", bins.FFmpeg),
		slog.String("ffprobe", bins.FFprobe),
	)

	workspaces, err := workspace.NewManager(cfg.Storage.WorkspaceDir, int64(cfg.Storage.MinFreeSpace), logger)
	if err != nil {
		return nil, fmt.Errorf("initializing workspaces: %w", err)
	}

	if cfg.Render.RuntimeDir != "" {
		if _, err := os.Stat(cfg.Render.RuntimeDir); err != nil {
			logger.Warn("render runtime directory not found",
				slog.String("path", cfg.Render.RuntimeDir),
				slog.String("error", err.Error()),
			)
		}
	}

	signer := signing.New(cfg.Services.SharedSecret)
	client := newServiceClient(cfg.Services, signer, logger)

	var projects fetcher.ProjectSource
	if cfg.Services.ProjectsURL != "" {
		projects = fetcher.NewHTTPProjectSource(cfg.Services.ProjectsURL, client)
	} else {
		// Jobs must then carry their project inline.
		projects = fetcher.StaticProjectSource{}
	}
	var assets fetcher.AssetService
	if cfg.Services.AssetsURL != "" {
		assets = fetcher.NewAssetClient(cfg.Services.AssetsURL, client)
	}
	fetch := fetcher.New(projects, assets, logger)

	runner := ffmpeg.NewExecRunner(bins.FFmpeg, logger)
	launcher := render.NewChromeLauncher(render.ChromeOptions{
		ExecPath:  cfg.Render.BrowserPath,
		Headless:  true,
		NoSandbox: os.Getuid() == 0,
		Width:     browserWidth,
		Height:    browserHeight,
		Logger:    logger,
	})
	coordinator := render.NewCoordinator(render.Options{
		MaxConcurrency: cfg.Render.MaxConcurrency,
		TaskTimeout:    cfg.Render.TaskTimeout,
		AllowedHosts:   cfg.Render.AllowedHosts,
		RuntimeDir:     cfg.Render.RuntimeDir,
		FrameBuffer:    cfg.Render.FrameBuffer,
		CaptureAudio:   true,
	}, launcher, bridge.NewFFmpegFactory(bins.FFmpeg, cfg.FFmpeg.Preset, logger), logger)

	renderer := pipeline.NewRenderer(pipeline.Dependencies{
		Fetcher:    fetch,
		Compiler:   scene.NewClient(cfg.Services.CompilerURL, signer, cfg.Services.CompileTimeout, logger),
		Renderer:   coordinator,
		Merger:     merge.NewMerger(runner, logger),
		Mixer:      merge.NewMixer(runner, ffmpeg.NewProber(bins.FFprobe), logger),
		Publisher:  publish.NewPublisher(publish.NewUploadClient(version.UserAgent(), logger), logger),
		Workspaces: workspaces,
		Logger:     logger,
	}, pipeline.Config{
		MinSegmentSeconds: cfg.Render.MinSegment,
		MaxSegmentSeconds: cfg.Render.MaxSegment,
	})

	return &renderStack{
		Renderer:   renderer,
		Workspaces: workspaces,
		Binaries:   bins,
	}, nil
}
