package project

import (
	"errors"
	"fmt"
	"strings"
)

// Format is an output container or sequence kind.
type Format string

// Output formats.
const (
	FormatMP4  Format = "mp4"
	FormatWebM Format = "webm"
	FormatMOV  Format = "mov"
	// FormatGIF is a single frame chain and cannot be split into segments.
	FormatGIF Format = "gif"
)

// Quality presets.
const (
	QualityDraft    = "draft"
	QualityStandard = "standard"
	QualityHigh     = "high"
)

// ErrInvalidJob is returned when a render job payload is not usable.
var ErrInvalidJob = errors.New("invalid render job")

// TimeRange is a half-open span of timeline seconds.
type TimeRange struct {
	Start float64 `json:"start" yaml:"start"`
	End   float64 `json:"end" yaml:"end"`
}

// Duration returns the length of the range.
func (r TimeRange) Duration() float64 {
	return r.End - r.Start
}

// OutputSpec describes the artifact a job produces.
type OutputSpec struct {
	// Path is the local destination for the final artifact.
	Path    string     `json:"path" yaml:"path"`
	Format  Format     `json:"format" yaml:"format"`
	FPS     float64    `json:"fps" yaml:"fps"`
	Width   int        `json:"width" yaml:"width"`
	Height  int        `json:"height" yaml:"height"`
	Quality string     `json:"quality,omitempty" yaml:"quality,omitempty"`
	Range   *TimeRange `json:"range,omitempty" yaml:"range,omitempty"`
	// IncludeAudio nil means audio is included.
	IncludeAudio *bool `json:"includeAudio,omitempty" yaml:"include_audio,omitempty"`
	// UploadURL, when set, receives the artifact via HTTP PUT.
	UploadURL string `json:"uploadUrl,omitempty" yaml:"upload_url,omitempty"`
}

// AudioEnabled reports whether the output should carry a mixed audio track.
func (o OutputSpec) AudioEnabled() bool {
	if o.Format == FormatGIF {
		return false
	}
	return o.IncludeAudio == nil || *o.IncludeAudio
}

// Extension returns the file extension for the output format.
func (o OutputSpec) Extension() string {
	if o.Format == "" {
		return string(FormatMP4)
	}
	return string(o.Format)
}

// Segmentable reports whether the format can be split and concatenated.
func (o OutputSpec) Segmentable() bool {
	return o.Format != FormatGIF
}

// RenderRange returns the explicit range, or the whole timeline.
func (o OutputSpec) RenderRange(timeline float64) TimeRange {
	if o.Range != nil {
		return *o.Range
	}
	return TimeRange{Start: 0, End: timeline}
}

// RenderOptions tunes how a job is split and rendered.
type RenderOptions struct {
	// Segments requests an explicit segment count.
	Segments int `json:"segments,omitempty" yaml:"segments,omitempty"`
	// SegmentDuration requests a maximum segment length in seconds.
	SegmentDuration float64 `json:"segmentDuration,omitempty" yaml:"segment_duration,omitempty"`
	// Concurrency caps browser contexts for this job. Zero uses the server limit.
	Concurrency int `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
}

// RenderJobData is the payload that identifies what to render and where.
type RenderJobData struct {
	UserID    string `json:"userId" yaml:"user_id"`
	ProjectID string `json:"projectId" yaml:"project_id"`
	BranchID  string `json:"branchId,omitempty" yaml:"branch_id,omitempty"`
	// Project is an inline snapshot. When nil the project service is queried.
	Project   *Project       `json:"project,omitempty" yaml:"-"`
	Variables map[string]any `json:"variables,omitempty" yaml:"variables,omitempty"`
	Output    OutputSpec     `json:"output" yaml:"output"`
	Options   RenderOptions  `json:"options,omitempty" yaml:"options,omitempty"`
}

// Validate checks that the payload can be rendered.
func (j *RenderJobData) Validate() error {
	if j.ProjectID == "" && j.Project == nil {
		return fmt.Errorf("%w: projectId is required", ErrInvalidJob)
	}
	if j.Project == nil && j.UserID == "" {
		return fmt.Errorf("%w: userId is required", ErrInvalidJob)
	}
	switch j.Output.Format {
	case "", FormatMP4, FormatWebM, FormatMOV, FormatGIF:
	default:
		return fmt.Errorf("%w: unsupported format %q", ErrInvalidJob, j.Output.Format)
	}
	if j.Output.Path == "" && j.Output.UploadURL == "" {
		return fmt.Errorf("%w: output path or upload url is required", ErrInvalidJob)
	}
	if j.Output.Width <= 0 || j.Output.Height <= 0 {
		return fmt.Errorf("%w: output dimensions must be positive", ErrInvalidJob)
	}
	if j.Output.FPS <= 0 {
		return fmt.Errorf("%w: fps must be positive", ErrInvalidJob)
	}
	if r := j.Output.Range; r != nil && (r.Start < 0 || r.End < r.Start) {
		return fmt.Errorf("%w: invalid range [%g, %g]", ErrInvalidJob, r.Start, r.End)
	}
	switch strings.ToLower(j.Output.Quality) {
	case "", QualityDraft, QualityStandard, QualityHigh:
	default:
		return fmt.Errorf("%w: unknown quality %q", ErrInvalidJob, j.Output.Quality)
	}
	return nil
}
