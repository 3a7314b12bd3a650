// Package progress tracks live render progress and fans it out to
// subscribers and other sinks.
package progress

import (
	"maps"
	"time"

	"github.com/jmylchreest/reelforge/internal/models"
)

// State represents the current state of an operation.
type State string

const (
	StatePreparing  State = "preparing"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateError      State = "error"
	StateCancelled  State = "cancelled"
)

// IsTerminal returns true for completed, error and cancelled.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateError || s == StateCancelled
}

// StageInfo records when a pipeline stage was entered and left.
type StageInfo struct {
	Stage       models.RenderStage `json:"stage"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

// RenderProgress is the live state of one render job.
type RenderProgress struct {
	OperationID string             `json:"operation_id"`
	JobID       string             `json:"job_id"`
	State       State              `json:"state"`
	Stage       models.RenderStage `json:"stage"`
	// Percent is 0-100 and never decreases.
	Percent     int            `json:"percent"`
	Message     string         `json:"message,omitempty"`
	Stages      []StageInfo    `json:"stages"`
	StartedAt   time.Time      `json:"started_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Clone creates a deep copy of the progress for thread-safe reading.
func (p *RenderProgress) Clone() *RenderProgress {
	clone := *p
	clone.Stages = append([]StageInfo(nil), p.Stages...)
	if p.Metadata != nil {
		clone.Metadata = maps.Clone(p.Metadata)
	}
	return &clone
}

// ProgressEvent is sent to subscribers when progress changes.
type ProgressEvent struct {
	EventType string          `json:"event_type"`
	Progress  *RenderProgress `json:"progress"`
	Timestamp time.Time       `json:"timestamp"`
}

// Event types.
const (
	EventTypeProgress  = "progress"
	EventTypeCompleted = "completed"
	EventTypeError     = "error"
	EventTypeCancelled = "cancelled"
)

// Filter selects operations for listing and subscriptions.
type Filter struct {
	JobID      string `json:"job_id,omitempty"`
	ActiveOnly bool   `json:"active_only,omitempty"`
}

// Matches returns true if p matches the filter. A nil filter matches all.
func (f *Filter) Matches(p *RenderProgress) bool {
	if f == nil {
		return true
	}
	if f.JobID != "" && f.JobID != p.JobID {
		return false
	}
	if f.ActiveOnly && p.State.IsTerminal() {
		return false
	}
	return true
}

func eventTypeForState(state State) string {
	switch state {
	case StateCompleted:
		return EventTypeCompleted
	case StateError:
		return EventTypeError
	case StateCancelled:
		return EventTypeCancelled
	default:
		return EventTypeProgress
	}
}
