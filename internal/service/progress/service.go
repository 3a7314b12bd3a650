package progress

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/reelforge/internal/models"
	"github.com/oklog/ulid/v2"
)

// Common errors.
var (
	// ErrOperationExists is returned when a job already has an active operation.
	ErrOperationExists = errors.New("operation already exists for this job")
	// ErrOperationNotFound is returned when the operation doesn't exist.
	ErrOperationNotFound = errors.New("operation not found")
)

const subscriberBuffer = 100

// Subscriber receives progress events matching its filter.
type Subscriber struct {
	ID     string
	Filter *Filter
	Events chan *ProgressEvent
}

// Service keeps the live progress of running renders in memory.
type Service struct {
	mu          sync.RWMutex
	operations  map[string]*RenderProgress // jobID -> progress
	subscribers map[string]*Subscriber
	logger      *slog.Logger

	staleDuration time.Duration
	stop          chan struct{}
	stopOnce      sync.Once
}

// NewService creates a new progress service.
func NewService(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		operations:    make(map[string]*RenderProgress),
		subscribers:   make(map[string]*Subscriber),
		logger:        logger.With("component", "progress_service"),
		staleDuration: 5 * time.Minute,
		stop:          make(chan struct{}),
	}
}

// Start begins background cleanup of finished operations.
func (s *Service) Start() {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.cleanup(time.Now())
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop halts the background cleanup.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// cleanup removes terminal operations that finished before now-staleDuration.
func (s *Service) cleanup(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.staleDuration)
	removed := 0
	for jobID, op := range s.operations {
		if op.State.IsTerminal() && op.CompletedAt != nil && op.CompletedAt.Before(cutoff) {
			delete(s.operations, jobID)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("cleaned up stale operations", "count", removed)
	}
	return removed
}

// StartOperation begins tracking a render job.
// Returns ErrOperationExists if the job already has an active operation.
func (s *Service) StartOperation(jobID string) (*OperationManager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.operations[jobID]; ok && !existing.State.IsTerminal() {
		return nil, ErrOperationExists
	}

	now := time.Now()
	op := &RenderProgress{
		OperationID: ulid.Make().String(),
		JobID:       jobID,
		State:       StatePreparing,
		Stage:       models.StageCreated,
		Message:     "Starting render",
		StartedAt:   now,
		UpdatedAt:   now,
	}
	s.operations[jobID] = op
	s.logger.Debug("started operation", "operation_id", op.OperationID, "job_id", jobID)
	s.broadcastLocked(op)

	return &OperationManager{service: s, jobID: jobID}, nil
}

// Get returns the current progress for a job.
func (s *Service) Get(jobID string) (*RenderProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	op, ok := s.operations[jobID]
	if !ok {
		return nil, ErrOperationNotFound
	}
	return op.Clone(), nil
}

// List returns all operations matching the filter.
func (s *Service) List(filter *Filter) []*RenderProgress {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*RenderProgress
	for _, op := range s.operations {
		if filter.Matches(op) {
			result = append(result, op.Clone())
		}
	}
	return result
}

// Subscribe creates a new subscriber for progress events.
func (s *Service) Subscribe(filter *Filter) *Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := &Subscriber{
		ID:     ulid.Make().String(),
		Filter: filter,
		Events: make(chan *ProgressEvent, subscriberBuffer),
	}
	s.subscribers[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *Service) Unsubscribe(subscriberID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub, ok := s.subscribers[subscriberID]; ok {
		close(sub.Events)
		delete(s.subscribers, subscriberID)
	}
}

func (s *Service) update(jobID string, fn func(*RenderProgress) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.operations[jobID]
	if !ok {
		return ErrOperationNotFound
	}
	if !fn(op) {
		return nil
	}
	op.UpdatedAt = time.Now()
	s.broadcastLocked(op)
	return nil
}

// broadcastLocked sends progress to all matching subscribers. Must be called
// with s.mu held.
func (s *Service) broadcastLocked(op *RenderProgress) {
	event := &ProgressEvent{
		EventType: eventTypeForState(op.State),
		Progress:  op.Clone(),
		Timestamp: time.Now(),
	}
	for _, sub := range s.subscribers {
		if !sub.Filter.Matches(op) {
			continue
		}
		select {
		case sub.Events <- event:
		default:
			s.logger.Warn("subscriber event channel full, dropping event",
				"subscriber_id", sub.ID,
				"job_id", op.JobID,
			)
		}
	}
}

// OperationManager updates the operation of a single job.
type OperationManager struct {
	service *Service
	jobID   string
}

// JobID returns the job being tracked.
func (m *OperationManager) JobID() string {
	return m.jobID
}

// Report implements Reporter. Lower percentages are ignored.
func (m *OperationManager) Report(_ context.Context, percent int, stage models.RenderStage) {
	_ = m.service.update(m.jobID, func(op *RenderProgress) bool {
		if op.State.IsTerminal() {
			return false
		}
		changed := false
		if percent > op.Percent {
			op.Percent = min(percent, 100)
			changed = true
		}
		if stage != "" && stage != op.Stage {
			now := time.Now()
			if n := len(op.Stages); n > 0 && op.Stages[n-1].CompletedAt == nil {
				op.Stages[n-1].CompletedAt = &now
			}
			op.Stages = append(op.Stages, StageInfo{Stage: stage, StartedAt: now})
			op.Stage = stage
			op.Message = string(stage)
			changed = true
		}
		if changed {
			op.State = StateProcessing
		}
		return changed
	})
}

// SetMetadata sets a metadata value.
func (m *OperationManager) SetMetadata(key string, value any) {
	_ = m.service.update(m.jobID, func(op *RenderProgress) bool {
		if op.Metadata == nil {
			op.Metadata = make(map[string]any)
		}
		op.Metadata[key] = value
		return true
	})
}

// Complete marks the operation as completed successfully.
func (m *OperationManager) Complete(result string) {
	m.finish(StateCompleted, func(op *RenderProgress) {
		op.Percent = 100
		op.Stage = models.StageDone
		op.Message = "Render complete"
		if result != "" {
			if op.Metadata == nil {
				op.Metadata = make(map[string]any)
			}
			op.Metadata["result"] = result
		}
	})
}

// Fail marks the operation as failed.
func (m *OperationManager) Fail(err error) {
	m.finish(StateError, func(op *RenderProgress) {
		op.Stage = models.StageFailed
		op.Error = err.Error()
		op.Message = "Render failed: " + err.Error()
	})
	m.service.logger.Debug("operation failed", "job_id", m.jobID, "error", err)
}

// Cancel marks the operation as cancelled.
func (m *OperationManager) Cancel() {
	m.finish(StateCancelled, func(op *RenderProgress) {
		op.Stage = models.StageFailed
		op.Message = "Render cancelled"
	})
}

func (m *OperationManager) finish(state State, fn func(*RenderProgress)) {
	_ = m.service.update(m.jobID, func(op *RenderProgress) bool {
		if op.State.IsTerminal() {
			return false
		}
		now := time.Now()
		fn(op)
		op.State = state
		op.CompletedAt = &now
		if n := len(op.Stages); n > 0 && op.Stages[n-1].CompletedAt == nil {
			op.Stages[n-1].CompletedAt = &now
		}
		return true
	})
}

var _ Reporter = (*OperationManager)(nil)
