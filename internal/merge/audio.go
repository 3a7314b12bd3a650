package merge

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jmylchreest/reelforge/internal/ffmpeg"
	"github.com/jmylchreest/reelforge/internal/project"
	"github.com/jmylchreest/reelforge/internal/workspace"
)

const (
	minTempo     = 0.5
	maxTempo     = 2.0
	audioBitrate = "192k"
)

// AudioProber reports whether a media source carries audio.
type AudioProber interface {
	HasAudio(ctx context.Context, src string) (bool, error)
}

// Mixer computes the mixdown of a time range and muxes it onto a video.
type Mixer struct {
	runner ffmpeg.Runner
	prober AudioProber
	logger *slog.Logger
}

// NewMixer creates a mixer.
func NewMixer(runner ffmpeg.Runner, prober AudioProber, logger *slog.Logger) *Mixer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mixer{runner: runner, prober: prober, logger: logger.With(slog.String("component", "mixdown"))}
}

// audioInput is one clip's contribution to the mix.
type audioInput struct {
	src      string
	srcStart float64
	srcEnd   float64
	speed    float64
	gain     float64
	delay    float64
}

// MergeAudio replaces videoPath's audio with the mix of every audible clip in
// rng. It does nothing when audio is disabled or no clip is audible.
func (m *Mixer) MergeAudio(ctx context.Context, proj *project.Project, output project.OutputSpec, videoPath string, rng project.TimeRange, tempDir string) error {
	if !output.AudioEnabled() {
		m.logger.DebugContext(ctx, "audio disabled for output")
		return nil
	}

	inputs := m.collect(ctx, proj, rng)
	if len(inputs) == 0 {
		m.logger.DebugContext(ctx, "no audible clips in range")
		return nil
	}

	mixed := filepath.Join(tempDir, "mixdown."+output.Extension())
	b := ffmpeg.NewCommandBuilder("").
		HideBanner().
		Overwrite().
		Input(videoPath)
	for _, in := range inputs {
		b.Input(in.src)
	}
	b.FilterComplex(filterGraph(inputs, rng.Duration())).
		Map("0:v").
		Map("[aout]").
		VideoCodec("copy").
		AudioCodec(audioCodec(output.Format)).
		OutputArgs("-b:a", audioBitrate).
		Output(mixed)

	m.logger.InfoContext(ctx, "mixing audio",
		slog.Int("clips", len(inputs)),
		slog.Float64("duration", rng.Duration()),
	)
	if err := m.runner.Run(ctx, b.Build().Args); err != nil {
		_ = workspace.RemoveIfExists(mixed)
		return fmt.Errorf("mixing audio: %w", err)
	}

	if err := workspace.MoveFile(mixed, videoPath); err != nil {
		return fmt.Errorf("replacing video with mixed output: %w", err)
	}
	return nil
}

// collect returns the audible portion of each clip inside rng.
func (m *Mixer) collect(ctx context.Context, proj *project.Project, rng project.TimeRange) []audioInput {
	var inputs []audioInput
	proj.Clips(func(layer *project.Layer, clip *project.Clip) {
		if layer.Muted || !clip.HasAudio() || clip.Gain() <= 0 {
			return
		}
		if clip.Src == "" {
			m.logger.DebugContext(ctx, "clip has no source, skipping audio", slog.String("clip_id", clip.ID))
			return
		}

		start := math.Max(clip.Start, rng.Start)
		end := math.Min(clip.End(), rng.End)
		if end <= start {
			return
		}

		if clip.Type == project.ClipVideo && m.prober != nil {
			has, err := m.prober.HasAudio(ctx, clip.Src)
			if err != nil {
				m.logger.WarnContext(ctx, "probing clip audio failed",
					slog.String("clip_id", clip.ID),
					slog.String("error", err.Error()),
				)
				return
			}
			if !has {
				return
			}
		}

		speed := math.Max(clip.Speed, 0.01)
		srcStart := clip.Offset + (start-clip.Start)*speed
		inputs = append(inputs, audioInput{
			src:      clip.Src,
			srcStart: srcStart,
			srcEnd:   srcStart + (end-start)*speed,
			speed:    speed,
			gain:     clip.Gain(),
			delay:    start - rng.Start,
		})
	})
	return inputs
}

// filterGraph builds the per-clip trim/tempo/gain/delay chains and the mix.
// Input 0 is the video, so clip i reads from input i+1.
func filterGraph(inputs []audioInput, duration float64) string {
	var b strings.Builder
	labels := make([]string, len(inputs))
	for i, in := range inputs {
		labels[i] = fmt.Sprintf("[a%d]", i)
		fmt.Fprintf(&b, "[%d:a]atrim=start=%s:end=%s,asetpts=PTS-STARTPTS", i+1, num(in.srcStart), num(in.srcEnd))
		for _, t := range tempoChain(in.speed) {
			fmt.Fprintf(&b, ",atempo=%s", num(t))
		}
		if in.gain != 1 {
			fmt.Fprintf(&b, ",volume=%s", num(in.gain))
		}
		if ms := int64(math.Round(in.delay * 1000)); ms > 0 {
			fmt.Fprintf(&b, ",adelay=delays=%d:all=1", ms)
		}
		b.WriteString(labels[i])
		b.WriteString(";")
	}
	fmt.Fprintf(&b, "%samix=inputs=%d:duration=longest:normalize=0,apad,atrim=end=%s[aout]",
		strings.Join(labels, ""), len(inputs), num(duration))
	return b.String()
}

// tempoChain splits speed into atempo factors within [0.5, 2].
func tempoChain(speed float64) []float64 {
	if math.Abs(speed-1) < 1e-9 {
		return nil
	}
	var chain []float64
	for speed > maxTempo {
		chain = append(chain, maxTempo)
		speed /= maxTempo
	}
	for speed < minTempo {
		chain = append(chain, minTempo)
		speed /= minTempo
	}
	return append(chain, speed)
}

func audioCodec(format project.Format) string {
	if format == project.FormatWebM {
		return "libopus"
	}
	return "aac"
}

func num(v float64) string {
	return strconv.FormatFloat(math.Round(v*1e6)/1e6, 'f', -1, 64)
}
