// Package ffmpeg wraps the ffmpeg and ffprobe binaries used to encode,
// concatenate and mix render output.
package ffmpeg

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/jmylchreest/reelforge/internal/util"
)

// Environment variables that override binary discovery.
const (
	EnvFFmpegBinary  = "REELFORGE_FFMPEG_BINARY"
	EnvFFprobeBinary = "REELFORGE_FFPROBE_BINARY"
)

var versionRegex = regexp.MustCompile(`^ffmpeg version (\S+)`)

// Binaries holds resolved tool paths.
type Binaries struct {
	FFmpeg  string `json:"ffmpeg"`
	FFprobe string `json:"ffprobe"`
}

// Detect resolves ffmpeg and ffprobe. Explicit paths win over discovery.
// Search order otherwise: env var, ./name, PATH.
func Detect(ffmpegPath, ffprobePath string) (Binaries, error) {
	var b Binaries
	var err error

	b.FFmpeg = ffmpegPath
	if b.FFmpeg == "" {
		if b.FFmpeg, err = util.FindBinary(EnvFFmpegBinary, "ffmpeg"); err != nil {
			return b, fmt.Errorf("ffmpeg not found: %w", err)
		}
	}

	b.FFprobe = ffprobePath
	if b.FFprobe == "" {
		if b.FFprobe, err = util.FindBinary(EnvFFprobeBinary, "ffprobe"); err != nil {
			return b, fmt.Errorf("ffprobe not found: %w", err)
		}
	}
	return b, nil
}

// Version returns the version string reported by an ffmpeg binary.
func Version(ctx context.Context, ffmpegPath string) (string, error) {
	output, err := exec.CommandContext(ctx, ffmpegPath, "-version").Output()
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(output), "\n") {
		if m := versionRegex.FindStringSubmatch(line); m != nil {
			return m[1], nil
		}
	}
	return "", fmt.Errorf("failed to parse ffmpeg version")
}
