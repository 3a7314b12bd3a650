package ffmpeg

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// skipIfNoFFmpeg skips the test if ffmpeg is not installed.
func skipIfNoFFmpeg(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not installed")
	}
	return path
}

// skipIfNoFFprobe skips the test if ffprobe is not installed.
func skipIfNoFFprobe(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("ffprobe")
	if err != nil {
		t.Skip("ffprobe not installed")
	}
	return path
}

func TestDetect_ExplicitPaths(t *testing.T) {
	b, err := Detect("/opt/ffmpeg", "/opt/ffprobe")
	require.NoError(t, err)
	assert.Equal(t, "/opt/ffmpeg", b.FFmpeg)
	assert.Equal(t, "/opt/ffprobe", b.FFprobe)
}

func TestDetect_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"ffmpeg", "ffprobe"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"), 0o755))
	}
	t.Setenv(EnvFFmpegBinary, filepath.Join(dir, "ffmpeg"))
	t.Setenv(EnvFFprobeBinary, filepath.Join(dir, "ffprobe"))

	b, err := Detect("", "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "ffmpeg"), b.FFmpeg)
	assert.Equal(t, filepath.Join(dir, "ffprobe"), b.FFprobe)
}

func TestVersion(t *testing.T) {
	path := skipIfNoFFmpeg(t)

	v, err := Version(context.Background(), path)
	require.NoError(t, err)
	assert.NotEmpty(t, v)
}

func TestCommandBuilder_Build(t *testing.T) {
	cmd := NewCommandBuilder("/usr/bin/ffmpeg").
		HideBanner().
		Overwrite().
		Input("video.mp4").
		Input("music.mp3", "-ss", "2").
		FilterComplex("[1:a]volume=0.5[a]").
		Map("0:v").
		Map("[a]").
		VideoCodec("copy").
		AudioCodec("aac").
		Output("out.mp4").
		Build()

	assert.Equal(t, "/usr/bin/ffmpeg", cmd.Binary)
	assert.Equal(t, []string{
		"-loglevel", "error",
		"-hide_banner",
		"-y",
		"-i", "video.mp4",
		"-ss", "2", "-i", "music.mp3",
		"-filter_complex", "[1:a]volume=0.5[a]",
		"-map", "0:v",
		"-map", "[a]",
		"-c:v", "copy",
		"-c:a", "aac",
		"out.mp4",
	}, cmd.Args)
}

func TestCommandBuilder_String(t *testing.T) {
	cmd := NewCommandBuilder("/usr/bin/ffmpeg").
		LogLevel("warning").
		Input("input.mp4").
		VideoCodec("copy").
		Output("output.mp4").
		Build()

	str := cmd.String()
	assert.True(t, strings.HasPrefix(str, "/usr/bin/ffmpeg -loglevel warning"))
	assert.Contains(t, str, "input.mp4")
	assert.True(t, strings.HasSuffix(str, "output.mp4"))
}

func TestTailBuffer_KeepsLastLines(t *testing.T) {
	tb := newTailBuffer(2)
	_, _ = tb.Write([]byte("one\ntwo\nthr"))
	_, _ = tb.Write([]byte("ee\n\nfour"))

	assert.Equal(t, []string{"two", "three"}, tb.lines)
	assert.Equal(t, "two\nthree\nfour", tb.String())
}

func TestExitError_IncludesStderr(t *testing.T) {
	base := errors.New("exit status 1")
	err := &ExitError{Err: base, Stderr: "Invalid data found"}

	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "Invalid data found")
	assert.Equal(t, "ffmpeg: exit status 1", (&ExitError{Err: base}).Error())
}

func TestCommand_RunFailureCarriesStderr(t *testing.T) {
	path := skipIfNoFFmpeg(t)

	cmd := NewCommandBuilder(path).
		Input(filepath.Join(t.TempDir(), "missing.mp4")).
		Output(filepath.Join(t.TempDir(), "out.mp4")).
		Build()

	err := cmd.Run(context.Background())
	require.Error(t, err)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.NotEmpty(t, exitErr.Stderr)
}

func TestCommand_StartEncodesFromStdin(t *testing.T) {
	path := skipIfNoFFmpeg(t)
	out := filepath.Join(t.TempDir(), "out.mp4")

	cmd := NewCommandBuilder(path).
		Overwrite().
		Input("pipe:0", "-f", "rawvideo", "-pix_fmt", "rgba", "-s", "16x16", "-r", "10").
		VideoCodec("libx264").
		OutputArgs("-pix_fmt", "yuv420p").
		Output(out).
		Build()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	proc, err := cmd.Start(ctx, StartOptions{})
	require.NoError(t, err)

	frame := make([]byte, 16*16*4)
	for i := 0; i < 5; i++ {
		_, err := proc.Stdin.Write(frame)
		require.NoError(t, err)
	}
	require.NoError(t, proc.CloseInputs())
	require.NoError(t, proc.Wait())
	assert.FileExists(t, out)
}

func TestProber_ProbeGeneratedFile(t *testing.T) {
	ffmpegPath := skipIfNoFFmpeg(t)
	ffprobePath := skipIfNoFFprobe(t)
	out := filepath.Join(t.TempDir(), "tone.mp4")

	runner := NewExecRunner(ffmpegPath, nil)
	err := runner.Run(context.Background(), []string{
		"-loglevel", "error", "-y",
		"-f", "lavfi", "-i", "sine=frequency=440:duration=1",
		"-c:a", "aac", out,
	})
	require.NoError(t, err)

	prober := NewProber(ffprobePath).WithTimeout(10 * time.Second)
	result, err := prober.Probe(context.Background(), out)
	require.NoError(t, err)
	assert.True(t, result.HasAudio())
	assert.InDelta(t, 1.0, result.Duration(), 0.2)

	hasAudio, err := prober.HasAudio(context.Background(), out)
	require.NoError(t, err)
	assert.True(t, hasAudio)
}

func TestProbeResult_NoAudio(t *testing.T) {
	r := &ProbeResult{Streams: []ProbeStream{{CodecType: "video"}}}
	assert.False(t, r.HasAudio())
	assert.Zero(t, r.Duration())
}
