package ffmpeg

import (
	"context"
	"log/slog"
	"time"
)

// Runner executes a batch ffmpeg invocation with the given arguments.
type Runner interface {
	Run(ctx context.Context, args []string) error
}

// ExecRunner runs ffmpeg as a child process.
type ExecRunner struct {
	Binary string
	Logger *slog.Logger
}

// NewExecRunner creates a runner for the ffmpeg binary at path.
func NewExecRunner(path string, logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{Binary: path, Logger: logger}
}

// Run runs ffmpeg and waits for it to exit.
func (r *ExecRunner) Run(ctx context.Context, args []string) error {
	cmd := &Command{Binary: r.Binary, Args: args}
	start := time.Now()
	r.Logger.DebugContext(ctx, "running ffmpeg", slog.String("command", cmd.String()))

	if err := cmd.Run(ctx); err != nil {
		r.Logger.ErrorContext(ctx, "ffmpeg failed",
			slog.String("error", err.Error()),
			slog.Duration("duration", time.Since(start)),
		)
		return err
	}

	r.Logger.DebugContext(ctx, "ffmpeg finished", slog.Duration("duration", time.Since(start)))
	return nil
}
