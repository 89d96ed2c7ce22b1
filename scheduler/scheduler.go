// Package scheduler implements the background scheduler (spec §4.9):
// jittered interval scheduling with start/stop/force-trigger and
// cancellation. It is adapted from the teacher's recon.Scheduler
// (services/otc-gateway/recon/scheduler.go), which runs a fixed daily
// cadence; this backend instead runs every registered job on its own
// interval with ±10% jitter, since spec §4.9 has no daily-anchor
// requirement.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// Job is one unit of scheduled work: a name (for logging) and a run
// function invoked on each tick.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs a set of Jobs concurrently, each on its own jittered
// interval, until Stop is called.
type Scheduler struct {
	jobs    []Job
	logger  *slog.Logger
	jitter  float64
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	trigger map[string]chan struct{}
	mu      sync.Mutex
	running bool
}

// New constructs a Scheduler. jitterFraction is the maximum relative jitter
// applied to each interval (spec §4.9 default: 0.10, i.e. ±10%).
func New(logger *slog.Logger, jitterFraction float64, jobs ...Job) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if jitterFraction <= 0 {
		jitterFraction = 0.10
	}
	triggers := make(map[string]chan struct{}, len(jobs))
	for _, j := range jobs {
		triggers[j.Name] = make(chan struct{}, 1)
	}
	return &Scheduler{jobs: jobs, logger: logger, jitter: jitterFraction, trigger: triggers}
}

// Start launches every job's scheduling loop in its own goroutine. It
// returns immediately; call Stop (or cancel the context passed in) to stop
// all loops. Start is a no-op if the scheduler is already running (spec §6
// StartBlockchainMonitoring may be called idempotently by an operator).
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	for _, job := range s.jobs {
		job := job
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runLoop(ctx, job)
		}()
	}
}

// Stop cancels every job's scheduling loop and waits for them to exit. It is
// a no-op if the scheduler is not currently running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// JobStatus summarizes one registered job's configured cadence.
type JobStatus struct {
	Name     string
	Interval time.Duration
}

// Status reports whether the scheduler is currently running and every
// registered job's configured interval (spec §6
// StartBlockchainMonitoring/Stop "monitoring status").
type Status struct {
	Running bool
	Jobs    []JobStatus
}

// Status returns the scheduler's current run state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	jobs := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, JobStatus{Name: j.Name, Interval: j.Interval})
	}
	return Status{Running: running, Jobs: jobs}
}

// ForceTrigger requests an immediate out-of-cadence run of the named job.
// It is a no-op if the job is not registered or is already pending a
// triggered run.
func (s *Scheduler) ForceTrigger(name string) {
	s.mu.Lock()
	ch, ok := s.trigger[name]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *Scheduler) runLoop(ctx context.Context, job Job) {
	s.mu.Lock()
	ch := s.trigger[job.Name]
	s.mu.Unlock()

	for {
		delay := s.jitteredInterval(job.Interval)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-ch:
			timer.Stop()
			s.runOnce(ctx, job)
		case <-timer.C:
			s.runOnce(ctx, job)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	if err := job.Run(ctx); err != nil {
		s.logger.Error("scheduled job failed", "job", job.Name, "error", err)
	}
}

func (s *Scheduler) jitteredInterval(base time.Duration) time.Duration {
	if s.jitter <= 0 {
		return base
	}
	delta := (rand.Float64()*2 - 1) * s.jitter
	return time.Duration(float64(base) * (1 + delta))
}
