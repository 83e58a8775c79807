// Package scheduler runs named maintenance jobs (commits, archive pushes)
// on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ErrUnknownJob is returned by TriggerNow for names never added.
var ErrUnknownJob = errors.New("scheduler: unknown job")

// ErrJobRunning is returned by TriggerNow while the job is already running.
var ErrJobRunning = errors.New("scheduler: job already running")

// Standard five-field expressions plus descriptors such as "@every 30s".
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Job is a named unit of periodic work.
type Job struct {
	Name     string
	Schedule string
	// Timeout bounds one run. Zero means no limit.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

type job struct {
	Job
	schedule cron.Schedule

	running  atomic.Bool
	runs     atomic.Int64
	failures atomic.Int64
	skipped  atomic.Int64
	lastRun  atomic.Int64 // unix nanos
	lastErr  atomic.Value // string
}

// Scheduler runs jobs on their schedules. Runs of the same job never
// overlap; a tick arriving while the previous run is active is skipped.
type Scheduler struct {
	cron   *cron.Cron
	logger zerolog.Logger

	mu      sync.Mutex
	jobs    map[string]*job
	order   []string
	running bool
}

// New creates a stopped scheduler.
func New(logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC)),
		logger: logger.With().Str("component", "scheduler").Logger(),
		jobs:   make(map[string]*job),
	}
}

// Add validates the schedule and registers j. Jobs may be added while the
// scheduler runs.
func (s *Scheduler) Add(j Job) error {
	if j.Name == "" || j.Run == nil {
		return fmt.Errorf("scheduler: job needs a name and a run function")
	}
	sched, err := parser.Parse(j.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: job %s: invalid schedule %q: %w", j.Name, j.Schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.Name]; ok {
		return fmt.Errorf("scheduler: job %s already added", j.Name)
	}

	jb := &job{Job: j, schedule: sched}
	s.jobs[j.Name] = jb
	s.order = append(s.order, j.Name)
	s.cron.Schedule(sched, cron.FuncJob(func() {
		if err := s.execute(context.Background(), jb); errors.Is(err, ErrJobRunning) {
			jb.skipped.Add(1)
			s.logger.Warn().Str("job", jb.Name).Msg("Previous run still active, skipping")
		}
	}))

	s.logger.Info().Str("job", j.Name).Str("schedule", j.Schedule).Msg("Job scheduled")
	return nil
}

// Start starts the cron loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.cron.Start()
	s.running = true
	s.logger.Info().Int("jobs", len(s.jobs)).Msg("Scheduler started")
}

// Stop stops scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	select {
	case <-s.cron.Stop().Done():
		s.logger.Info().Msg("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: waiting for running jobs: %w", ctx.Err())
	}
}

// TriggerNow runs the named job immediately on the calling goroutine.
func (s *Scheduler) TriggerNow(ctx context.Context, name string) error {
	s.mu.Lock()
	jb, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, jb)
}

func (s *Scheduler) execute(ctx context.Context, jb *job) (err error) {
	if !jb.running.CompareAndSwap(false, true) {
		return ErrJobRunning
	}
	defer jb.running.Store(false)

	if jb.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, jb.Timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler: job %s panicked: %v", jb.Name, r)
		}

		jb.runs.Add(1)
		jb.lastRun.Store(start.UnixNano())
		if err != nil {
			jb.failures.Add(1)
			jb.lastErr.Store(err.Error())
			s.logger.Error().Err(err).Str("job", jb.Name).Dur("duration", time.Since(start)).Msg("Job failed")
			return
		}
		jb.lastErr.Store("")
		s.logger.Debug().Str("job", jb.Name).Dur("duration", time.Since(start)).Msg("Job completed")
	}()

	return jb.Run(ctx)
}

// Status returns per-job statistics
func (s *Scheduler) Status() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	jobs := make([]map[string]interface{}, 0, len(s.order))
	for _, name := range s.order {
		jb := s.jobs[name]
		entry := map[string]interface{}{
			"name":     name,
			"schedule": jb.Schedule,
			"running":  jb.running.Load(),
			"runs":     jb.runs.Load(),
			"failures": jb.failures.Load(),
			"skipped":  jb.skipped.Load(),
			"next_run": jb.schedule.Next(now).UTC().Format(time.RFC3339),
		}
		if last := jb.lastRun.Load(); last > 0 {
			entry["last_run"] = time.Unix(0, last).UTC().Format(time.RFC3339)
		}
		if msg, _ := jb.lastErr.Load().(string); msg != "" {
			entry["last_error"] = msg
		}
		jobs = append(jobs, entry)
	}

	return map[string]interface{}{
		"running": s.running,
		"jobs":    jobs,
	}
}
