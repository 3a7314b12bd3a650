// Package merge joins rendered segments and muxes the mixed audio track onto
// the result.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jmylchreest/reelforge/internal/ffmpeg"
	"github.com/jmylchreest/reelforge/internal/segment"
	"github.com/jmylchreest/reelforge/internal/workspace"
)

// ErrNoSegments is returned when merge is called without input.
var ErrNoSegments = errors.New("no segments to merge")

// Merger concatenates segment files into one output.
type Merger struct {
	runner ffmpeg.Runner
	logger *slog.Logger
}

// NewMerger creates a merger that runs ffmpeg through runner.
func NewMerger(runner ffmpeg.Runner, logger *slog.Logger) *Merger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Merger{runner: runner, logger: logger.With(slog.String("component", "merge"))}
}

// Merge writes segments to dest in index order. A single segment is moved
// into place without re-encoding; several are stream-copied through the
// concat demuxer using a list file in tempDir.
func (m *Merger) Merge(ctx context.Context, segments []segment.Definition, dest, tempDir string) error {
	if len(segments) == 0 {
		return ErrNoSegments
	}
	ordered := slices.Clone(segments)
	slices.SortFunc(ordered, func(a, b segment.Definition) int { return a.Index - b.Index })

	if len(ordered) == 1 {
		return m.moveSingle(ordered[0].OutputPath, dest)
	}

	if err := workspace.RemoveIfExists(dest); err != nil {
		return fmt.Errorf("removing previous output: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	listPath := filepath.Join(tempDir, "concat.txt")
	if err := writeConcatList(listPath, ordered); err != nil {
		return err
	}
	defer os.Remove(listPath)

	cmd := ffmpeg.NewCommandBuilder("").
		HideBanner().
		Overwrite().
		Input(listPath, "-f", "concat", "-safe", "0").
		OutputArgs("-c", "copy").
		Output(dest).
		Build()

	m.logger.InfoContext(ctx, "concatenating segments",
		slog.Int("segments", len(ordered)),
		slog.String("output", dest),
	)
	if err := m.runner.Run(ctx, cmd.Args); err != nil {
		return fmt.Errorf("concatenating segments: %w", err)
	}
	return nil
}

func (m *Merger) moveSingle(src, dest string) error {
	if filepath.Clean(src) == filepath.Clean(dest) {
		return nil
	}
	if err := workspace.RemoveIfExists(dest); err != nil {
		return fmt.Errorf("removing previous output: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	if err := workspace.MoveFile(src, dest); err != nil {
		return fmt.Errorf("moving segment to output: %w", err)
	}
	m.logger.Debug("single segment moved into place", slog.String("output", dest))
	return nil
}

func writeConcatList(path string, segments []segment.Definition) error {
	var b strings.Builder
	for _, s := range segments {
		abs, err := filepath.Abs(s.OutputPath)
		if err != nil {
			return fmt.Errorf("resolving segment path: %w", err)
		}
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("writing concat list: %w", err)
	}
	return nil
}
