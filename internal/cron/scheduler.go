// Package cron runs the recurring background jobs: monitor sweeps, metric
// sampling, stale-sample pruning and workflow stage-timeout checks. Jobs
// are registered with standard cron expressions or @every intervals.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts 5-field expressions plus descriptors like @hourly
// and @every 30s.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// JobFunc is one recurring job. Errors are logged, never fatal.
type JobFunc func(ctx context.Context) error

type job struct {
	name     string
	expr     string
	schedule cronlib.Schedule
	fn       JobFunc

	mu        sync.Mutex
	nextRun   time.Time
	lastRun   time.Time
	fireCount int64
}

// Config holds the scheduler dependencies.
type Config struct {
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 second if zero
}

// Scheduler ticks at a fixed interval and fires every registered job whose
// next run time has passed.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration

	mu   sync.Mutex
	jobs []*job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:   logger.With("component", "cron"),
		interval: interval,
	}
}

// Register adds a named job. The expression is validated immediately; the
// first run is one full period after registration.
func (s *Scheduler) Register(name, expr string, fn JobFunc) error {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return fmt.Errorf("job %s: parse %q: %w", name, expr, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &job{
		name:     name,
		expr:     expr,
		schedule: schedule,
		fn:       fn,
		nextRun:  schedule.Next(time.Now()),
	})
	return nil
}

// Start begins the scheduler loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "jobs", len(s.jobs))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx, time.Now())
		}
	}
}

// Tick fires every job due at the given instant. Exported so tests can
// drive the scheduler without the wall clock. Returns the fired job names.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) []string {
	s.mu.Lock()
	jobs := append([]*job(nil), s.jobs...)
	s.mu.Unlock()

	var fired []string
	for _, j := range jobs {
		j.mu.Lock()
		due := !j.nextRun.After(now)
		if due {
			j.lastRun = now
			j.nextRun = j.schedule.Next(now)
			j.fireCount++
		}
		j.mu.Unlock()
		if !due {
			continue
		}

		fired = append(fired, j.name)
		if err := j.fn(ctx); err != nil {
			s.logger.Error("cron job failed", "job", j.name, "error", err.Error())
			continue
		}
		s.logger.Debug("cron job fired", "job", j.name)
	}
	return fired
}

// JobStatus is a snapshot of one registered job.
type JobStatus struct {
	Name      string    `json:"name"`
	Expr      string    `json:"expr"`
	NextRun   time.Time `json:"nextRun"`
	LastRun   time.Time `json:"lastRun,omitempty"`
	FireCount int64     `json:"fireCount"`
}

// Jobs returns a snapshot of all registered jobs.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		j.mu.Lock()
		out = append(out, JobStatus{
			Name:      j.name,
			Expr:      j.expr,
			NextRun:   j.nextRun,
			LastRun:   j.lastRun,
			FireCount: j.fireCount,
		})
		j.mu.Unlock()
	}
	return out
}

// NextRunTime parses the cron expression and returns the next run time
// after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
