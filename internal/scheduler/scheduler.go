// Package scheduler runs render jobs from the queue and the periodic
// maintenance around them.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper removes stale workspaces.
type Sweeper interface {
	Sweep(maxAge time.Duration) (int, error)
}

// Scheduler triggers workspace sweeps on a cron schedule.
type Scheduler struct {
	mu sync.Mutex

	sweeper  Sweeper
	schedule cron.Schedule
	spec     string
	maxAge   time.Duration
	logger   *slog.Logger

	// now is replaced in tests.
	now func() time.Time

	lastRun time.Time
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// SchedulerConfig holds configuration for the scheduler.
type SchedulerConfig struct {
	// Cron is the sweep schedule. Seconds are optional.
	// Default: every 30 minutes
	Cron string
	// MaxAge is the age after which an unlocked workspace is removed.
	// Default: 6 hours
	MaxAge time.Duration
}

// DefaultSchedulerConfig returns the default scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Cron:   "0 */30 * * * *",
		MaxAge: 6 * time.Hour,
	}
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateCron validates a cron expression.
func ValidateCron(expr string) error {
	_, err := parser.Parse(expr)
	return err
}

// NextRun returns the next time a cron expression fires after from.
func NextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}

// NewScheduler creates a new scheduler.
func NewScheduler(sweeper Sweeper, config SchedulerConfig) (*Scheduler, error) {
	defaults := DefaultSchedulerConfig()
	if config.Cron == "" {
		config.Cron = defaults.Cron
	}
	if config.MaxAge <= 0 {
		config.MaxAge = defaults.MaxAge
	}
	sched, err := parser.Parse(config.Cron)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", config.Cron, err)
	}
	return &Scheduler{
		sweeper:  sweeper,
		schedule: sched,
		spec:     config.Cron,
		maxAge:   config.MaxAge,
		logger:   slog.Default(),
		now:      time.Now,
	}, nil
}

// WithLogger sets a custom logger.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = logger
	return s
}

// Start sweeps once and then on every tick of the schedule until Stop or
// ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.RunOnce()

	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.Info("workspace sweeper started",
		slog.String("schedule", s.spec),
		slog.Duration("max_age", s.maxAge),
		slog.Time("next_run", s.NextRun()))
}

// Stop stops the scheduler and waits for a running sweep.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		wait := max(s.NextRun().Sub(s.now()), 0)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.RunOnce()
		}
	}
}

// RunOnce performs a single sweep and returns the number of removed
// workspaces.
func (s *Scheduler) RunOnce() int {
	s.mu.Lock()
	s.lastRun = s.now()
	s.mu.Unlock()

	removed, err := s.sweeper.Sweep(s.maxAge)
	if err != nil {
		s.logger.Error("workspace sweep failed", slog.Any("error", err))
	}
	if removed > 0 {
		s.logger.Info("swept stale workspaces", slog.Int("removed", removed))
	}
	return removed
}

// NextRun returns the next scheduled sweep.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := s.lastRun
	if from.IsZero() {
		from = s.now()
	}
	return s.schedule.Next(from)
}

// LastRun returns the start time of the most recent sweep.
func (s *Scheduler) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}
