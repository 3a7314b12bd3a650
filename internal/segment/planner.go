// Package segment splits a render range into independently rendered segments.
package segment

import (
	"fmt"
	"math"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/jmylchreest/reelforge/internal/project"
)

const (
	// MinSegmentSeconds is the shortest segment an explicit count may produce.
	MinSegmentSeconds = 0.5

	defaultMinTarget = 10.0
	defaultMaxTarget = 25.0
)

// Definition is one planned unit of parallel work.
type Definition struct {
	Index      int     `json:"index"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	OutputPath string  `json:"outputPath"`
}

// Duration returns the segment length in seconds.
func (d Definition) Duration() float64 {
	return d.End - d.Start
}

// Planner plans segments into a job workspace directory.
type Planner struct {
	dir       string
	minTarget float64
	maxTarget float64
}

// NewPlanner creates a Planner writing segment files under dir. The target
// bounds clamp the default segment length; zero values use 10s and 25s.
func NewPlanner(dir string, minTarget, maxTarget float64) *Planner {
	if minTarget <= 0 {
		minTarget = defaultMinTarget
	}
	if maxTarget < minTarget {
		maxTarget = math.Max(defaultMaxTarget, minTarget)
	}
	return &Planner{dir: dir, minTarget: minTarget, maxTarget: maxTarget}
}

// Plan partitions rng into contiguous segments in index order. The last
// segment always ends exactly at rng.End.
func (p *Planner) Plan(rng project.TimeRange, output project.OutputSpec, opts project.RenderOptions) []Definition {
	count := p.Count(rng.Duration(), output, opts)
	ext := output.Extension()

	step := rng.Duration() / float64(count)
	segments := make([]Definition, count)
	for i := range segments {
		start := rng.Start + float64(i)*step
		end := rng.Start + float64(i+1)*step
		if i == count-1 {
			end = rng.End
		}
		segments[i] = Definition{
			Index:      i,
			Start:      start,
			End:        end,
			OutputPath: filepath.Join(p.dir, fmt.Sprintf("segment-%d-%s.%s", i, uuid.NewString(), ext)),
		}
	}
	return segments
}

// Count returns the number of segments for a range of total seconds.
func (p *Planner) Count(total float64, output project.OutputSpec, opts project.RenderOptions) int {
	if total <= 0 || !output.Segmentable() {
		return 1
	}

	switch {
	case opts.Segments > 0:
		maxCount := int(math.Floor(total / MinSegmentSeconds))
		return max(1, min(opts.Segments, maxCount))
	case opts.SegmentDuration > 0:
		return max(1, int(math.Ceil(total/opts.SegmentDuration)))
	default:
		target := math.Min(math.Max(total/2, p.minTarget), p.maxTarget)
		return max(1, int(math.Ceil(total/target)))
	}
}
