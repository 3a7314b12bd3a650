package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/jmylchreest/reelforge/internal/ffmpeg"
	"github.com/jmylchreest/reelforge/internal/project"
)

// FFmpegFactory starts ffmpeg processes reading frames on stdin and audio on fd 3.
type FFmpegFactory struct {
	Binary string
	Preset string
	Logger *slog.Logger
}

// NewFFmpegFactory creates a factory for the ffmpeg binary at path.
func NewFFmpegFactory(path, preset string, logger *slog.Logger) *FFmpegFactory {
	if preset == "" {
		preset = "veryfast"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpegFactory{Binary: path, Preset: preset, Logger: logger}
}

// Command builds the ffmpeg invocation for spec.
func (f *FFmpegFactory) Command(spec EncodeSpec) *ffmpeg.Command {
	b := ffmpeg.NewCommandBuilder(f.Binary).
		HideBanner().
		Overwrite().
		Input("pipe:0",
			"-thread_queue_size", "512",
			"-f", "rawvideo",
			"-pix_fmt", "rgba",
			"-s", fmt.Sprintf("%dx%d", spec.Width, spec.Height),
			"-r", strconv.FormatFloat(spec.FPS, 'f', -1, 64),
		)

	if spec.Audio {
		b.Input("pipe:3",
			"-thread_queue_size", "512",
			"-f", "s16le",
			"-ar", strconv.Itoa(AudioSampleRate),
			"-ac", strconv.Itoa(AudioChannels),
		)
		b.Map("0:v").Map("1:a").OutputArgs("-shortest")
	}

	switch spec.Format {
	case project.FormatGIF:
		b.OutputArgs(
			"-vf", "split[s0][s1];[s0]palettegen[p];[s1][p]paletteuse",
			"-loop", "0",
		)
	case project.FormatWebM:
		b.VideoCodec("libvpx-vp9").
			OutputArgs("-crf", strconv.Itoa(vp9CRF(spec.Quality)), "-b:v", "0",
				"-row-mt", "1", "-pix_fmt", "yuv420p")
		if spec.Audio {
			b.AudioCodec("libopus")
		}
	default:
		b.VideoCodec("libx264").
			OutputArgs("-preset", f.Preset, "-crf", strconv.Itoa(x264CRF(spec.Quality)),
				"-pix_fmt", "yuv420p")
		if spec.Audio {
			b.AudioCodec("aac").OutputArgs("-b:a", "192k")
		}
		if spec.Format != project.FormatMOV {
			b.OutputArgs("-movflags", "+faststart")
		}
	}

	return b.Output(spec.OutputPath).Build()
}

// Start launches ffmpeg for spec.
func (f *FFmpegFactory) Start(ctx context.Context, spec EncodeSpec) (Encoder, error) {
	opts := ffmpeg.StartOptions{Logger: f.Logger}
	if spec.Audio {
		opts.ExtraPipes = 1
	}
	proc, err := f.Command(spec).Start(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &ffmpegEncoder{proc: proc}, nil
}

func x264CRF(quality string) int {
	switch quality {
	case project.QualityDraft:
		return 28
	case project.QualityHigh:
		return 18
	default:
		return 23
	}
}

func vp9CRF(quality string) int {
	switch quality {
	case project.QualityDraft:
		return 40
	case project.QualityHigh:
		return 24
	default:
		return 32
	}
}

type ffmpegEncoder struct {
	proc *ffmpeg.Process
}

func (e *ffmpegEncoder) WriteFrame(frame []byte) error {
	_, err := e.proc.Stdin.Write(frame)
	return err
}

func (e *ffmpegEncoder) WriteAudio(chunk []byte) error {
	if len(e.proc.Extra) == 0 {
		return ErrAudioLayout
	}
	_, err := e.proc.Extra[0].Write(chunk)
	return err
}

func (e *ffmpegEncoder) Close() error {
	return e.proc.CloseInputs()
}

func (e *ffmpegEncoder) Wait() error {
	return e.proc.Wait()
}
