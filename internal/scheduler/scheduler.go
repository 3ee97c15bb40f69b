package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type Func func(ctx context.Context) error

type Option func(*job)

// Immediately runs the job once when the scheduler starts, before the first tick.
func Immediately() Option {
	return func(j *job) { j.immediate = true }
}

// Aligned fires on wall-clock multiples of the interval (e.g. every whole
// minute) instead of counting from start-up.
func Aligned() Option {
	return func(j *job) { j.aligned = true }
}

type job struct {
	name      string
	interval  time.Duration
	fn        Func
	immediate bool
	aligned   bool

	runs     atomic.Uint64
	failures atomic.Uint64
	lastRun  atomic.Int64
}

// Scheduler drives fixed-interval jobs independently of ingest traffic. Runs of
// one job never overlap; the next delay is measured from the end of a run.
type Scheduler struct {
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	jobs    []*job
	started bool
}

func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger, now: time.Now}
}

// Every registers fn to run every interval. It must be called before Run.
func (s *Scheduler) Every(name string, interval time.Duration, fn Func, opts ...Option) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}
	if fn == nil {
		return fmt.Errorf("job %s: func is required", name)
	}
	j := &job{name: name, interval: interval, fn: fn}
	for _, opt := range opts {
		opt(j)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("job %s: scheduler already running", name)
	}
	s.jobs = append(s.jobs, j)
	return nil
}

// Run starts every job and blocks until ctx is cancelled and all in-flight
// runs have returned.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.started = true
	jobs := append([]*job(nil), s.jobs...)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, j)
		}()
	}
	s.logger.Info("scheduler started", "jobs", len(jobs))
	wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	if j.immediate {
		s.runOnce(ctx, j)
	}

	timer := time.NewTimer(s.nextDelay(j))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.runOnce(ctx, j)
			timer.Reset(s.nextDelay(j))
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, j *job) {
	started := s.now()
	err := j.fn(ctx)
	j.runs.Add(1)
	j.lastRun.Store(started.UnixNano())
	if err != nil && ctx.Err() == nil {
		j.failures.Add(1)
		s.logger.Error("scheduled job failed", "job", j.name, "err", err)
		return
	}
	s.logger.Debug("scheduled job finished", "job", j.name, "took", s.now().Sub(started))
}

func (s *Scheduler) nextDelay(j *job) time.Duration {
	if !j.aligned {
		return j.interval
	}
	return untilNextBoundary(s.now(), j.interval)
}

// untilNextBoundary returns the wait until the next multiple of interval
// since the Unix epoch.
func untilNextBoundary(now time.Time, interval time.Duration) time.Duration {
	step := int64(interval)
	next := (now.UnixNano()/step + 1) * step
	delay := time.Duration(next - now.UnixNano())
	if delay <= 0 {
		return interval
	}
	return delay
}

type JobStats struct {
	Name     string    `json:"name"`
	Interval string    `json:"interval"`
	Runs     uint64    `json:"runs"`
	Failures uint64    `json:"failures"`
	LastRun  time.Time `json:"last_run"`
}

func (s *Scheduler) Stats() []JobStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStats, 0, len(s.jobs))
	for _, j := range s.jobs {
		stat := JobStats{
			Name:     j.name,
			Interval: j.interval.String(),
			Runs:     j.runs.Load(),
			Failures: j.failures.Load(),
		}
		if ns := j.lastRun.Load(); ns != 0 {
			stat.LastRun = time.Unix(0, ns).UTC()
		}
		out = append(out, stat)
	}
	return out
}
