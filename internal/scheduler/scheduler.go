// Package scheduler runs the background jobs on a fixed ticker. Each tick runs the
// due jobs one after another, and each job visits the regions in configured order.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	strataerrors "github.com/strata/strata/internal/errors"
	"github.com/strata/strata/internal/region"
)

// DefaultTick is how often due jobs are checked.
const DefaultTick = time.Minute

// Common intervals.
const (
	Daily  = 24 * time.Hour
	Weekly = 7 * Daily
)

// Job is a background job with a per-region entry point.
type Job interface {
	Name() string
	Run(ctx context.Context, reg *region.Region) error
}

// Entry schedules a job at a fixed interval.
type Entry struct {
	Job   Job
	Every time.Duration
}

// IsDue reports whether a job last run at last is due at now. A job that never ran
// is due.
func IsDue(last, now time.Time, every time.Duration) bool {
	return last.IsZero() || !now.Before(last.Add(every))
}

// JobStatus is the bookkeeping of one job, as reported by Status.
type JobStatus struct {
	Name      string            `json:"name"`
	Every     string            `json:"every"`
	LastRun   *time.Time        `json:"last_run,omitempty"`
	LastError map[string]string `json:"last_error,omitempty"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the time source used for due checks.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithTick changes the ticker interval.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) { s.tick = d }
}

// Scheduler runs entries against every region. Jobs are idempotent, so a run that
// is interrupted by shutdown is simply repeated on the next start.
type Scheduler struct {
	regions *region.Registry
	entries []Entry
	logger  *slog.Logger
	now     func() time.Time
	tick    time.Duration

	mu        sync.Mutex
	lastRun   map[string]time.Time
	lastError map[string]map[string]string
}

// New creates a scheduler. Entries run in the given order within a tick, so a job
// that depends on another is listed after it.
func New(regions *region.Registry, entries []Entry, logger *slog.Logger, opts ...Option) (*Scheduler, error) {
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.Job == nil {
			return nil, fmt.Errorf("scheduler: nil job")
		}
		if e.Every <= 0 {
			return nil, fmt.Errorf("scheduler: job %s has no interval", e.Job.Name())
		}
		if seen[e.Job.Name()] {
			return nil, fmt.Errorf("scheduler: duplicate job %s", e.Job.Name())
		}
		seen[e.Job.Name()] = true
	}
	s := &Scheduler{
		regions:   regions,
		entries:   entries,
		logger:    logger.With("component", "scheduler"),
		now:       time.Now,
		tick:      DefaultTick,
		lastRun:   make(map[string]time.Time),
		lastError: make(map[string]map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run ticks until ctx is cancelled. The first tick happens immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "jobs", len(s.entries), "regions", s.regions.Names(), "tick", s.tick)
	s.Tick(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs every due job once, sequentially.
func (s *Scheduler) Tick(ctx context.Context) {
	for _, e := range s.entries {
		if ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		due := IsDue(s.lastRun[e.Job.Name()], s.now(), e.Every)
		s.mu.Unlock()
		if !due {
			continue
		}
		s.runAll(ctx, e.Job, s.regions.All())
		// Intervals count from the end of the last run.
		finished := s.now()
		s.mu.Lock()
		s.lastRun[e.Job.Name()] = finished
		s.mu.Unlock()
	}
}

// RunJob runs one job immediately, for one region or for all regions when
// regionName is empty. It does not move the job's schedule.
func (s *Scheduler) RunJob(ctx context.Context, name, regionName string) error {
	job := s.job(name)
	if job == nil {
		return strataerrors.NewNotFoundError(strataerrors.CodeJobNotFound, fmt.Sprintf("unknown job %q", name))
	}
	regions := s.regions.All()
	if regionName != "" {
		reg, err := s.regions.Get(regionName)
		if err != nil {
			return err
		}
		regions = []*region.Region{reg}
	}
	if failed := s.runAll(ctx, job, regions); failed > 0 {
		return fmt.Errorf("scheduler: job %s failed in %d region(s)", name, failed)
	}
	return nil
}

// runAll runs job in each region. A failing region does not stop the others.
func (s *Scheduler) runAll(ctx context.Context, job Job, regions []*region.Region) (failed int) {
	for _, reg := range regions {
		if ctx.Err() != nil {
			return failed
		}
		err := job.Run(ctx, reg)

		s.mu.Lock()
		errs := s.lastError[job.Name()]
		if errs == nil {
			errs = make(map[string]string)
			s.lastError[job.Name()] = errs
		}
		if err != nil {
			errs[reg.Name] = err.Error()
		} else {
			delete(errs, reg.Name)
		}
		s.mu.Unlock()

		if err != nil {
			failed++
			s.logger.Error("job failed", "job", job.Name(), "region", reg.Name, "error", err)
		}
	}
	return failed
}

func (s *Scheduler) job(name string) Job {
	for _, e := range s.entries {
		if e.Job.Name() == name {
			return e.Job
		}
	}
	return nil
}

// Jobs returns the scheduled job names in run order.
func (s *Scheduler) Jobs() []string {
	names := make([]string, len(s.entries))
	for i, e := range s.entries {
		names[i] = e.Job.Name()
	}
	return names
}

// Status reports the last run and last error per region of every job.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.entries))
	for _, e := range s.entries {
		st := JobStatus{Name: e.Job.Name(), Every: e.Every.String()}
		if last, ok := s.lastRun[e.Job.Name()]; ok {
			t := last
			st.LastRun = &t
		}
		if errs := s.lastError[e.Job.Name()]; len(errs) > 0 {
			st.LastError = make(map[string]string, len(errs))
			for k, v := range errs {
				st.LastError[k] = v
			}
		}
		out = append(out, st)
	}
	return out
}
