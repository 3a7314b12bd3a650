package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"time"
)

// ProbeResult is the subset of ffprobe output the renderer reads.
type ProbeResult struct {
	Format  ProbeFormat   `json:"format"`
	Streams []ProbeStream `json:"streams"`
}

// ProbeFormat contains container format information.
type ProbeFormat struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
}

// ProbeStream contains stream information.
type ProbeStream struct {
	Index      int    `json:"index"`
	CodecName  string `json:"codec_name"`
	CodecType  string `json:"codec_type"` // video, audio, subtitle, data
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	SampleRate string `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

// HasAudio reports whether any stream is audio.
func (r *ProbeResult) HasAudio() bool {
	for _, s := range r.Streams {
		if s.CodecType == "audio" {
			return true
		}
	}
	return false
}

// Duration returns the container duration in seconds.
func (r *ProbeResult) Duration() float64 {
	d, _ := strconv.ParseFloat(r.Format.Duration, 64)
	return d
}

// Prober runs ffprobe against media files and URLs.
type Prober struct {
	ffprobePath string
	timeout     time.Duration
}

// NewProber creates a new prober.
func NewProber(ffprobePath string) *Prober {
	return &Prober{
		ffprobePath: ffprobePath,
		timeout:     30 * time.Second,
	}
}

// WithTimeout sets the probe timeout.
func (p *Prober) WithTimeout(timeout time.Duration) *Prober {
	p.timeout = timeout
	return p
}

// Probe probes a source and returns its format and streams.
func (p *Prober) Probe(ctx context.Context, src string) (*ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		src,
	)
	output, err := cmd.Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("probe timeout after %v", p.timeout)
		}
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	var result ProbeResult
	if err := json.Unmarshal(output, &result); err != nil {
		return nil, fmt.Errorf("parsing ffprobe output: %w", err)
	}
	return &result, nil
}

// HasAudio reports whether src carries an audio stream.
func (p *Prober) HasAudio(ctx context.Context, src string) (bool, error) {
	result, err := p.Probe(ctx, src)
	if err != nil {
		return false, err
	}
	return result.HasAudio(), nil
}
