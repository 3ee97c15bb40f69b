package ingest

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/coldbell/clawars/backend/internal/domain"
	"github.com/coldbell/clawars/backend/internal/logging"
	"github.com/coldbell/clawars/backend/internal/state"
)

// Store is the state the queue mutates.
type Store interface {
	Exists(agentID string) bool
	Apply(agentID string, event domain.Event) (state.Result, error)
	SetStatus(agentID string, status domain.AgentStatus, reason string) (state.Result, error)
	CommitRisk(agentID string, risk domain.RiskMetrics) (*state.Snapshot, error)
	OfflineCandidates(cutoff time.Time) []string
	MarkOffline(agentID string, cutoff time.Time) (state.Result, error)
}

// Sink receives every committed mutation in per-agent order. Implementations
// must return quickly; heavy work is scheduled, not performed inline.
type Sink interface {
	OnApplied(agentID string, event domain.Event, res state.Result)
}

type Config struct {
	Workers       int
	QueueDepth    int
	SubmitTimeout time.Duration
	RatePerMinute int
	RateBurst     int
	Logger        *slog.Logger
}

type outcome struct {
	res state.Result
	err error
}

const (
	jobPending int32 = iota
	jobClaimed
	jobCancelled
)

type job struct {
	agentID string
	event   domain.Event
	apply   func() (state.Result, error)
	done    chan outcome
	// state is nil for fire-and-forget jobs, which cannot be cancelled.
	state   *atomic.Int32
}

func newWaitedJob(agentID string, event domain.Event, apply func() (state.Result, error)) job {
	return job{
		agentID: agentID,
		event:   event,
		apply:   apply,
		done:    make(chan outcome, 1),
		state:   new(atomic.Int32),
	}
}

// claim reports whether the worker may apply j. A waited job whose submitter
// already gave up is never applied.
func (j job) claim() bool {
	return j.state == nil || j.state.CompareAndSwap(jobPending, jobClaimed)
}

// Queue serialises events per agent onto a fixed set of lanes. An agent always
// hashes to the same lane and each lane has exactly one worker, so events for
// one agent are applied in submission order while agents on different lanes
// proceed concurrently.
type Queue struct {
	cfg   Config
	store Store
	lanes []chan job

	sinksMu sync.RWMutex
	sinks   []Sink

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	accepted  atomic.Uint64
	rejected  atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
}

func NewQueue(store Store, cfg Config) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1024
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 5 * time.Second
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 50
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	lanes := make([]chan job, cfg.Workers)
	for i := range lanes {
		lanes[i] = make(chan job, cfg.QueueDepth)
	}
	return &Queue{
		cfg:      cfg,
		store:    store,
		lanes:    lanes,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (q *Queue) AddSink(sink Sink) {
	q.sinksMu.Lock()
	q.sinks = append(q.sinks, sink)
	q.sinksMu.Unlock()
}

func (q *Queue) laneFor(agentID string) chan job {
	h := fnv.New32a()
	_, _ = h.Write([]byte(agentID))
	return q.lanes[h.Sum32()%uint32(len(q.lanes))]
}

func (q *Queue) allow(agentID string) bool {
	if q.cfg.RatePerMinute <= 0 {
		return true
	}
	q.limitersMu.Lock()
	limiter, ok := q.limiters[agentID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(q.cfg.RatePerMinute)/60), q.cfg.RateBurst)
		q.limiters[agentID] = limiter
	}
	q.limitersMu.Unlock()
	return limiter.Allow()
}

func (q *Queue) admit(agentID string, event domain.Event) error {
	if !q.store.Exists(agentID) {
		return fmt.Errorf("%w: %s", domain.ErrUnknownAgent, agentID)
	}
	if event == nil {
		return fmt.Errorf("%w: event is required", domain.ErrMalformedEvent)
	}
	if err := event.Validate(); err != nil {
		return err
	}
	if !q.allow(agentID) {
		return fmt.Errorf("%w: rate limit exceeded for %s", domain.ErrTransientIngest, agentID)
	}
	return nil
}

func (q *Queue) enqueue(j job) error {
	select {
	case q.laneFor(j.agentID) <- j:
		return nil
	default:
		return fmt.Errorf("%w: ingest lane full", domain.ErrTransientIngest)
	}
}

func (q *Queue) reject(err error) error {
	q.rejected.Add(1)
	return err
}

// Submit validates the event, queues it on the agent's lane and waits until it
// has been applied. Validation, queue-full and timeout errors are all returned
// without touching state, so a producer may retry any of them.
func (q *Queue) Submit(ctx context.Context, agentID string, event domain.Event) (state.Result, error) {
	if err := q.admit(agentID, event); err != nil {
		return state.Result{}, q.reject(err)
	}
	j := newWaitedJob(agentID, event, func() (state.Result, error) { return q.store.Apply(agentID, event) })
	if err := q.enqueue(j); err != nil {
		return state.Result{}, q.reject(err)
	}
	return q.wait(ctx, j)
}

// Enqueue is the fire-and-forget variant of Submit.
func (q *Queue) Enqueue(agentID string, event domain.Event) error {
	if err := q.admit(agentID, event); err != nil {
		return q.reject(err)
	}
	j := job{agentID: agentID, event: event}
	j.apply = func() (state.Result, error) { return q.store.Apply(agentID, event) }
	if err := q.enqueue(j); err != nil {
		return q.reject(err)
	}
	return nil
}

// SetStatus runs an operator transition (pause, resume) on the agent's lane so
// it is ordered with the agent's telemetry.
func (q *Queue) SetStatus(ctx context.Context, agentID string, status domain.AgentStatus, reason string) (state.Result, error) {
	if !q.store.Exists(agentID) {
		return state.Result{}, fmt.Errorf("%w: %s", domain.ErrUnknownAgent, agentID)
	}
	event := &domain.StatusEvent{Status: status, Reason: reason}
	j := newWaitedJob(agentID, event, func() (state.Result, error) { return q.store.SetStatus(agentID, status, reason) })
	if err := q.enqueue(j); err != nil {
		return state.Result{}, err
	}
	return q.wait(ctx, j)
}

// CommitRisk stores a recomputed risk snapshot on the agent's lane, so the risk
// envelope sinks publish is ordered with the agent's other state changes.
func (q *Queue) CommitRisk(agentID string, risk domain.RiskMetrics) (*state.Snapshot, error) {
	if !q.store.Exists(agentID) {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownAgent, agentID)
	}
	event := &domain.RiskEvent{Metrics: risk}
	j := newWaitedJob(agentID, event, func() (state.Result, error) {
		snap, err := q.store.CommitRisk(agentID, risk)
		return state.Result{Snapshot: snap, Changed: err == nil}, err
	})
	if err := q.enqueue(j); err != nil {
		return nil, err
	}
	res, err := q.wait(context.Background(), j)
	return res.Snapshot, err
}

// wait blocks for the job's outcome. When the submitter gives up first the job
// is cancelled so the worker drops it; if the worker already claimed it, the
// apply is in progress and its outcome is returned instead.
func (q *Queue) wait(ctx context.Context, j job) (state.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, q.cfg.SubmitTimeout)
	defer cancel()
	select {
	case out := <-j.done:
		return out.res, out.err
	case <-ctx.Done():
		if j.state.CompareAndSwap(jobPending, jobCancelled) {
			return state.Result{}, fmt.Errorf("%w: not applied: %v", domain.ErrTransientIngest, ctx.Err())
		}
		out := <-j.done
		return out.res, out.err
	}
}

// SweepOffline moves agents that have been silent since before cutoff to
// offline. Each transition runs on the agent's lane, so it is ordered with the
// agent's telemetry and re-checked against whatever landed first. It returns
// the ids that actually changed.
func (q *Queue) SweepOffline(ctx context.Context, cutoff time.Time) []string {
	candidates := q.store.OfflineCandidates(cutoff)
	jobs := make([]job, 0, len(candidates))
	for _, id := range candidates {
		agentID := id
		event := &domain.StatusEvent{Status: domain.AgentOffline, Reason: state.OfflineReason}
		j := newWaitedJob(agentID, event, func() (state.Result, error) { return q.store.MarkOffline(agentID, cutoff) })
		if err := q.enqueue(j); err != nil {
			logging.Agent(q.cfg.Logger, agentID).Warn("offline sweep skipped agent", "err", err)
			continue
		}
		jobs = append(jobs, j)
	}

	var out []string
	for _, j := range jobs {
		logger := logging.Agent(q.cfg.Logger, j.agentID)
		res, err := q.wait(ctx, j)
		if err != nil {
			logger.Warn("offline sweep failed", "err", err)
			continue
		}
		if res.StatusChanged {
			out = append(out, j.agentID)
			logger.Info("agent marked offline", "last_event_at", res.Snapshot.LastEventAt)
		}
	}
	return out
}

// Run starts one worker per lane and blocks until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i, lane := range q.lanes {
		wg.Add(1)
		go func(index int, lane chan job) {
			defer wg.Done()
			q.work(ctx, index, lane)
		}(i, lane)
	}
	q.cfg.Logger.Info("ingest workers started", "workers", len(q.lanes), "queue_depth", q.cfg.QueueDepth)
	wg.Wait()
	q.cfg.Logger.Info("ingest workers stopped")
	return nil
}

func (q *Queue) work(ctx context.Context, index int, lane chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-lane:
			q.process(index, j)
		}
	}
}

func (q *Queue) process(index int, j job) {
	if !j.claim() {
		q.cancelled.Add(1)
		return
	}
	res, err := j.apply()
	if err != nil {
		q.failed.Add(1)
		level := slog.LevelDebug
		if !isClientError(err) {
			level = slog.LevelWarn
		}
		logging.Agent(q.cfg.Logger, j.agentID).Log(context.Background(), level, "ingest apply failed",
			"lane", index, "event_type", j.event.Type(), "err", err)
	} else {
		q.accepted.Add(1)
		if res.Changed {
			q.notify(j.agentID, j.event, res)
		}
	}
	if j.done != nil {
		j.done <- outcome{res: res, err: err}
	}
}

func (q *Queue) notify(agentID string, event domain.Event, res state.Result) {
	q.sinksMu.RLock()
	defer q.sinksMu.RUnlock()
	for _, sink := range q.sinks {
		sink.OnApplied(agentID, event, res)
	}
}

func isClientError(err error) bool {
	return errors.Is(err, domain.ErrMalformedEvent) ||
		errors.Is(err, domain.ErrUnknownAgent) ||
		errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrInvalidTransition)
}

type Stats struct {
	LaneDepths []int  `json:"lane_depths"`
	Accepted   uint64 `json:"accepted"`
	Rejected   uint64 `json:"rejected"`
	Failed     uint64 `json:"failed"`
	Cancelled  uint64 `json:"cancelled"`
}

func (q *Queue) Stats() Stats {
	depths := make([]int, len(q.lanes))
	for i, lane := range q.lanes {
		depths[i] = len(lane)
	}
	return Stats{
		LaneDepths: depths,
		Accepted:   q.accepted.Load(),
		Rejected:   q.rejected.Load(),
		Failed:     q.failed.Load(),
		Cancelled:  q.cancelled.Load(),
	}
}
