package render

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/reelforge/internal/project"
	"github.com/jmylchreest/reelforge/internal/segment"
)

func testJob(t *testing.T, n int) Job {
	t.Helper()
	dir := t.TempDir()
	segs := make([]segment.Definition, n)
	for i := range segs {
		segs[i] = segment.Definition{
			Index:      i,
			Start:      float64(i) * 5,
			End:        float64(i+1) * 5,
			OutputPath: filepath.Join(dir, fmt.Sprintf("segment-%d.mp4", i)),
		}
	}
	return Job{
		ID:      "job-1",
		Project: &project.Project{},
		Output: project.OutputSpec{
			Format: project.FormatMP4,
			FPS:    30,
			Width:  testWidth,
			Height: testHeight,
		},
		Program:  "export default {}",
		Segments: segs,
	}
}

type progressLog struct {
	mu     sync.Mutex
	values []int
}

func (p *progressLog) report(v int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values = append(p.values, v)
}

func (p *progressLog) snapshot() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.values...)
}

func TestCoordinator_RenderAllSegments(t *testing.T) {
	browser := &fakeBrowser{}
	encoders := newFakeEncoders()
	c := NewCoordinator(Options{MaxConcurrency: 2, TaskTimeout: 10 * time.Second}, browser, encoders, nil)

	job := testJob(t, 3)
	progress := &progressLog{}
	require.NoError(t, c.Render(context.Background(), job, progress.report))

	for _, def := range job.Segments {
		enc := encoders.get(def.OutputPath)
		require.NotNil(t, enc, "segment %d encoder", def.Index)
		frames, closed := enc.state()
		assert.Equal(t, testFrames, frames)
		assert.True(t, closed)
	}

	values := progress.snapshot()
	require.NotEmpty(t, values)
	for i := 1; i < len(values); i++ {
		assert.GreaterOrEqual(t, values[i], values[i-1])
	}
	assert.Equal(t, DefaultProgressBase+DefaultProgressWeight, values[len(values)-1])
	assert.True(t, browser.closed)
}

func TestCoordinator_AggregateFailure(t *testing.T) {
	browser := &fakeBrowser{fail: map[int]string{1: "scene exploded"}}
	encoders := newFakeEncoders()
	c := NewCoordinator(Options{MaxConcurrency: 3, TaskTimeout: 10 * time.Second}, browser, encoders, nil)

	job := testJob(t, 3)
	err := c.Render(context.Background(), job, nil)
	require.Error(t, err)

	var agg *AggregateError
	require.ErrorAs(t, err, &agg)
	assert.Equal(t, 1, agg.Failed())
	assert.Equal(t, 1, agg.Errors[0].Index)
	assert.Contains(t, err.Error(), "1 of 3 segment(s) failed")
	assert.Contains(t, err.Error(), "segment 1")
	assert.Contains(t, err.Error(), "scene exploded")

	var segErr *SegmentError
	require.ErrorAs(t, err, &segErr)
	assert.Contains(t, segErr.Trail, "console.error: scene exploded")

	assert.ElementsMatch(t, []int{0, 1, 2}, browser.attemptedSegments())
	for _, i := range []int{0, 2} {
		enc := encoders.get(job.Segments[i].OutputPath)
		require.NotNil(t, enc)
		assert.Eventually(t, func() bool {
			frames, closed := enc.state()
			return frames == testFrames && closed
		}, 5*time.Second, 10*time.Millisecond)
	}
	assert.Nil(t, encoders.get(job.Segments[1].OutputPath))
}

func TestCoordinator_NoSegments(t *testing.T) {
	c := NewCoordinator(Options{}, &fakeBrowser{}, newFakeEncoders(), nil)
	err := c.Render(context.Background(), Job{}, nil)
	assert.ErrorIs(t, err, ErrNoSegments)
}

func TestCoordinator_LaunchFailure(t *testing.T) {
	launcher := LauncherFunc(func(context.Context) (Browser, error) {
		return nil, errors.New("chrome missing")
	})
	c := NewCoordinator(Options{}, launcher, newFakeEncoders(), nil)
	err := c.Render(context.Background(), testJob(t, 1), nil)
	assert.ErrorContains(t, err, "chrome missing")
}

func TestCoordinator_Concurrency(t *testing.T) {
	c := NewCoordinator(Options{MaxConcurrency: 4}, &fakeBrowser{}, nil, nil)

	assert.Equal(t, 2, c.Concurrency(Job{Segments: make([]segment.Definition, 2)}))
	assert.Equal(t, 4, c.Concurrency(Job{Segments: make([]segment.Definition, 9)}))
	assert.Equal(t, 1, c.Concurrency(Job{Segments: make([]segment.Definition, 9), Concurrency: 1}))

	auto := NewCoordinator(Options{}, &fakeBrowser{}, nil, nil)
	assert.GreaterOrEqual(t, auto.Concurrency(Job{Segments: make([]segment.Definition, 3)}), 1)
}

func TestSegmentURL(t *testing.T) {
	def := segment.Definition{Index: 2, Start: 10, End: 12.5, OutputPath: "/tmp/ws/segment-2-x.mp4"}
	u := segmentURL("http://127.0.0.1:9999", "tok", def, 4)

	assert.Contains(t, u, "http://127.0.0.1:9999/runtime/index.html?")
	assert.Contains(t, u, "segment=2")
	assert.Contains(t, u, "total=4")
	assert.Contains(t, u, "start=10")
	assert.Contains(t, u, "end=12.5")
	assert.Contains(t, u, "output=segment-2-x.mp4")
	assert.Contains(t, u, "token=tok")
}

func TestSegmentError_Message(t *testing.T) {
	err := &SegmentError{
		Index:   3,
		Message: "boom",
		Trail:   []string{"a", "b", "c", "d", "e", "f"},
	}
	assert.Equal(t, "segment 3 failed: boom (recent: b | c | d | e | f)", err.Error())

	agg := &AggregateError{Total: 4, Errors: []*SegmentError{err}}
	assert.ErrorIs(t, agg, error(err))
}

func TestCoordinator_AudioFollowsOutput(t *testing.T) {
	no := false
	cases := []struct {
		name   string
		output project.OutputSpec
		want   bool
	}{
		{"mp4 default", project.OutputSpec{Format: project.FormatMP4}, true},
		{"mp4 without audio", project.OutputSpec{Format: project.FormatMP4, IncludeAudio: &no}, false},
		{"gif", project.OutputSpec{Format: project.FormatGIF}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			encoders := newFakeEncoders()
			c := NewCoordinator(Options{MaxConcurrency: 2, TaskTimeout: 10 * time.Second, CaptureAudio: true}, &fakeBrowser{}, encoders, nil)

			job := testJob(t, 2)
			job.Output.Format = tc.output.Format
			job.Output.IncludeAudio = tc.output.IncludeAudio
			require.NoError(t, c.Render(context.Background(), job, nil))

			specs := encoders.started()
			require.Len(t, specs, 2)
			for _, spec := range specs {
				assert.Equal(t, tc.want, spec.Audio)
			}
		})
	}
}
