// Package cleanup periodically sweeps expired sessions out of registries.
package cleanup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/compose-paas/backend/internal/logging"
)

// Sweeper removes expired entries and reports how many it removed.
type Sweeper interface {
	Sweep(now time.Time) int
}

// SweepFunc adapts a function to Sweeper.
type SweepFunc func(now time.Time) int

func (f SweepFunc) Sweep(now time.Time) int { return f(now) }

// Config holds configuration for the scheduler.
type Config struct {
	Logger *logrus.Entry
	// Observer is told about every completed sweep.
	Observer func(job string, removed int)
}

type job struct {
	name     string
	interval time.Duration
	sweeper  Sweeper
}

// Scheduler runs each registered sweeper on its own fixed interval.
type Scheduler struct {
	mu      sync.Mutex
	jobs    []job
	running bool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	observer func(job string, removed int)
	log      *logrus.Entry
	now      func() time.Time
}

// New creates a scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("cleanup")
	}
	return &Scheduler{
		observer: cfg.Observer,
		log:      cfg.Logger,
		now:      time.Now,
	}
}

// Register adds a sweeper. Jobs must be registered before Start.
func (s *Scheduler) Register(name string, interval time.Duration, sw Sweeper) error {
	if interval <= 0 {
		return fmt.Errorf("cleanup job %s: interval must be positive", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("cleanup job %s: scheduler already started", name)
	}
	for _, j := range s.jobs {
		if j.name == name {
			return fmt.Errorf("cleanup job %s already registered", name)
		}
	}
	s.jobs = append(s.jobs, job{name: name, interval: interval, sweeper: sw})
	return nil
}

// Start launches one ticker per job until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	s.log.WithField("jobs", len(s.jobs)).Info("Cleanup scheduler started")
}

func (s *Scheduler) loop(ctx context.Context, j job) {
	defer s.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.run(j, s.now())
		}
	}
}

// run executes one sweep. A panicking sweeper is logged and retried on the
// next tick.
func (s *Scheduler) run(j job, now time.Time) (removed int) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("job", j.name).Errorf("Sweep panicked: %v", r)
			removed = 0
		}
	}()

	removed = j.sweeper.Sweep(now)
	if removed > 0 {
		s.log.WithFields(logrus.Fields{"job": j.name, "removed": removed}).Info("Swept expired entries")
	}
	if s.observer != nil {
		s.observer(j.name, removed)
	}
	return removed
}

// RunOnce runs every job immediately and returns the removal counts.
func (s *Scheduler) RunOnce(now time.Time) map[string]int {
	s.mu.Lock()
	jobs := append([]job(nil), s.jobs...)
	s.mu.Unlock()

	result := make(map[string]int, len(jobs))
	for _, j := range jobs {
		result[j.name] = s.run(j, now)
	}
	return result
}

// Stop halts all tickers and waits for running sweeps to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}
