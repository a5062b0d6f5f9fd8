package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// scheduleParser accepts the standard 5-field expression used by every
// maintenance job. No seconds field, no descriptors.
var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// entry pairs a maintenance job with its overlap guard. The guard is a
// TryLock mutex so a tick that fires while the previous run is still going
// is skipped rather than queued.
type entry struct {
	job     Job
	running sync.Mutex
}

// Scheduler drives the maintenance jobs (workflow expiry sweeps, retention
// pruning) on their cron schedules. Jobs are registered before Start and
// never run concurrently with themselves.
type Scheduler struct {
	mu      sync.Mutex
	runner  *cron.Cron
	entries map[string]*entry
	order   []string
	logger  *slog.Logger
	cancel  context.CancelFunc
}

// NewScheduler creates an empty scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		entries: make(map[string]*entry),
		logger:  logger,
	}
}

// RegisterJob adds a maintenance job. Names must be unique; registration
// after Start has no effect on the running schedule.
func (s *Scheduler) RegisterJob(j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := j.Name()
	if _, dup := s.entries[name]; dup {
		return fmt.Errorf("cron: job %q already registered", name)
	}
	s.entries[name] = &entry{job: j}
	s.order = append(s.order, name)
	return nil
}

// Start validates every schedule expression and begins ticking. A single
// bad expression fails the whole start.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.runner = cron.New(cron.WithParser(scheduleParser))

	for _, name := range s.order {
		e := s.entries[name]
		if _, err := s.runner.AddFunc(e.job.Schedule(), s.tick(ctx, name, e)); err != nil {
			cancel()
			return fmt.Errorf("cron: bad schedule for job %q: %w", name, err)
		}
	}

	s.runner.Start()
	s.logger.Info("maintenance scheduler started", "jobs", len(s.order))
	return nil
}

// tick builds the callback for one job. A run that outlives its interval
// causes later ticks to be dropped, not stacked.
func (s *Scheduler) tick(ctx context.Context, name string, e *entry) func() {
	return func() {
		if !e.running.TryLock() {
			s.logger.Warn("maintenance job overlap, skipping tick", "job", name)
			return
		}
		defer e.running.Unlock()

		s.logger.Debug("maintenance job started", "job", name)
		if err := e.job.Run(ctx); err != nil {
			s.logger.Error("maintenance job failed", "job", name, "error", err)
			return
		}
		s.logger.Debug("maintenance job finished", "job", name)
	}
}

// Stop cancels job contexts and waits for in-flight runs to finish.
func (s *Scheduler) Stop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if s.runner != nil {
		<-s.runner.Stop().Done()
		s.logger.Info("maintenance scheduler stopped")
	}
	return nil
}
