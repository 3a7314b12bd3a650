package render

import (
	"math"
	"sync"
)

// Default share of overall job progress covered by rendering.
const (
	DefaultProgressBase   = 5
	DefaultProgressWeight = 75
)

// ProgressFunc receives overall job progress in percent.
type ProgressFunc func(percent int)

// Tracker folds per-segment completion ratios into one overall percentage.
// Reported values never decrease; report is called with the lock held.
type Tracker struct {
	mu     sync.Mutex
	ratios []float64
	base   float64
	weight float64
	last   int
	report ProgressFunc
}

// NewTracker creates a tracker for n segments.
func NewTracker(n int, base, weight float64, report ProgressFunc) *Tracker {
	return &Tracker{
		ratios: make([]float64, n),
		base:   base,
		weight: weight,
		last:   int(base),
		report: report,
	}
}

// Update records frame/total for a segment and returns overall progress.
func (t *Tracker) Update(index, frame, total int) int {
	ratio := 1.0
	if total > 0 {
		ratio = math.Max(0, math.Min(1, float64(frame)/float64(total)))
	}
	return t.set(index, ratio)
}

// Complete marks a segment fully rendered.
func (t *Tracker) Complete(index int) int {
	return t.set(index, 1)
}

func (t *Tracker) set(index int, ratio float64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index < 0 || index >= len(t.ratios) {
		return t.last
	}
	if ratio > t.ratios[index] {
		t.ratios[index] = ratio
	}

	var sum float64
	for _, r := range t.ratios {
		sum += r
	}
	overall := int(math.Floor(t.base + sum/float64(len(t.ratios))*t.weight))
	if overall > t.last {
		t.last = overall
		if t.report != nil {
			t.report(t.last)
		}
	}
	return t.last
}

// Percent returns the last reported value.
func (t *Tracker) Percent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}
