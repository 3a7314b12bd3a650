package progress

import (
	"context"
	"sync"

	"github.com/jmylchreest/reelforge/internal/models"
)

// Reporter receives overall render progress. Percent is 0-100.
type Reporter interface {
	Report(ctx context.Context, percent int, stage models.RenderStage)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, percent int, stage models.RenderStage)

// Report calls f.
func (f ReporterFunc) Report(ctx context.Context, percent int, stage models.RenderStage) {
	f(ctx, percent, stage)
}

// NilReporter discards progress.
type NilReporter struct{}

// Report is a no-op.
func (NilReporter) Report(context.Context, int, models.RenderStage) {}

// Monotonic forwards only reports that raise the percentage or change the
// stage. A stage change keeps the highest percentage seen so far.
type Monotonic struct {
	next Reporter

	mu      sync.Mutex
	last    int
	stage   models.RenderStage
	started bool
}

// NewMonotonic wraps next.
func NewMonotonic(next Reporter) *Monotonic {
	if next == nil {
		next = NilReporter{}
	}
	return &Monotonic{next: next}
}

// Report implements Reporter.
func (m *Monotonic) Report(ctx context.Context, percent int, stage models.RenderStage) {
	percent = min(max(percent, 0), 100)

	m.mu.Lock()
	raised := !m.started || percent > m.last
	staged := stage != "" && stage != m.stage
	if !raised && !staged {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.last = max(m.last, percent)
	if stage != "" {
		m.stage = stage
	}
	percent, stage = m.last, m.stage
	// Forwarding under the lock keeps sinks in report order.
	defer m.mu.Unlock()

	m.next.Report(ctx, percent, stage)
}

// Last returns the highest percentage forwarded.
func (m *Monotonic) Last() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Multi fans reports out to every non-nil reporter in order.
func Multi(reporters ...Reporter) Reporter {
	out := make(multi, 0, len(reporters))
	for _, r := range reporters {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

type multi []Reporter

func (m multi) Report(ctx context.Context, percent int, stage models.RenderStage) {
	for _, r := range m {
		r.Report(ctx, percent, stage)
	}
}
