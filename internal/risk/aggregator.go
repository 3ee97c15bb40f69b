package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coldbell/clawars/backend/internal/domain"
	"github.com/coldbell/clawars/backend/internal/feed"
	"github.com/coldbell/clawars/backend/internal/logging"
	"github.com/coldbell/clawars/backend/internal/state"
)

// Source is the read side of the state store plus the risk commit hook.
type Source interface {
	Snapshot(agentID string) (*state.Snapshot, error)
	Snapshots() []*state.Snapshot
	CommitRisk(agentID string, risk domain.RiskMetrics) (*state.Snapshot, error)
	SignalsSince(since time.Time) int
}

// Committer stores a recomputed risk snapshot. The ingest queue implements it
// so that risk commits are ordered with the agent's telemetry.
type Committer interface {
	CommitRisk(agentID string, risk domain.RiskMetrics) (*state.Snapshot, error)
}

type Publisher interface {
	Publish(ch feed.Channel, env domain.Envelope)
}

type Config struct {
	// Committer defaults to the Source. Per-agent risk envelopes are left to
	// whatever publishes the Committer's changes.
	Committer      Committer
	DebounceWindow time.Duration
	Thresholds     Thresholds
	Performers     int
	Now            func() time.Time
	Logger         *slog.Logger
}

type evaluateFunc func(snap *state.Snapshot, peers [][]domain.EquityPoint, now time.Time) domain.RiskMetrics

// Aggregator recomputes per-agent risk after state changes and rebuilds the
// system-wide dashboard. Changes to one agent within DebounceWindow coalesce
// into a single recompute that runs at most DebounceWindow after the first
// change, bounding staleness without recomputing on every event.
type Aggregator struct {
	cfg       Config
	source    Source
	publisher Publisher
	evaluate  evaluateFunc

	mu      sync.Mutex
	pending map[string]time.Time
	wake    chan struct{}

	current   atomic.Pointer[domain.AggregatedRiskDashboard]
	version   atomic.Uint64
	lastRun   atomic.Int64
	runs      atomic.Uint64
	failures  atomic.Uint64
	recompute sync.Mutex
}

func NewAggregator(source Source, publisher Publisher, cfg Config) *Aggregator {
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = time.Second
	}
	if cfg.Performers <= 0 {
		cfg.Performers = 3
	}
	if cfg.Committer == nil {
		cfg.Committer = source
	}
	cfg.Thresholds = cfg.Thresholds.withDefaults()
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	a := &Aggregator{
		cfg:       cfg,
		source:    source,
		publisher: publisher,
		evaluate:  Evaluate,
		pending:   make(map[string]time.Time),
		wake:      make(chan struct{}, 1),
	}
	a.current.Store(&domain.AggregatedRiskDashboard{
		TopPerformers:   []domain.PerformerSummary{},
		WorstPerformers: []domain.PerformerSummary{},
		RiskAlerts:      []domain.RiskAlert{},
		Agents:          []domain.AgentRiskRow{},
	})
	return a
}

// OnApplied marks the agent dirty after an accepted ingest mutation. Risk
// commits it made itself are ignored.
func (a *Aggregator) OnApplied(agentID string, event domain.Event, _ state.Result) {
	if _, ok := event.(*domain.RiskEvent); ok {
		return
	}
	a.MarkDirty(agentID)
}

// MarkDirty schedules a recompute for the agent unless one is already pending.
func (a *Aggregator) MarkDirty(agentID string) {
	a.mu.Lock()
	if _, ok := a.pending[agentID]; !ok {
		a.pending[agentID] = a.cfg.Now().Add(a.cfg.DebounceWindow)
	}
	a.mu.Unlock()
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Pending reports how many agents are waiting for a recompute.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Current returns the latest committed aggregate. It never blocks on a recompute.
func (a *Aggregator) Current() *domain.AggregatedRiskDashboard {
	return a.current.Load()
}

func (a *Aggregator) LastRun() time.Time {
	ns := a.lastRun.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// Run drives debounced recomputes until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) error {
	a.cfg.Logger.Info("risk aggregator started", "debounce_window", a.cfg.DebounceWindow)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		wait, ok := a.nextDue()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if ok {
			timer.Reset(max(wait, 0))
		} else {
			timer.Reset(time.Hour)
		}

		select {
		case <-ctx.Done():
			a.cfg.Logger.Info("risk aggregator stopped")
			return nil
		case <-a.wake:
		case <-timer.C:
			if due := a.takeDue(a.cfg.Now()); len(due) > 0 {
				a.recomputeAgents(due)
			}
		}
	}
}

func (a *Aggregator) nextDue() (time.Duration, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var earliest time.Time
	for _, at := range a.pending {
		if earliest.IsZero() || at.Before(earliest) {
			earliest = at
		}
	}
	if earliest.IsZero() {
		return 0, false
	}
	return earliest.Sub(a.cfg.Now()), true
}

func (a *Aggregator) takeDue(now time.Time) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var due []string
	for id, at := range a.pending {
		if !at.After(now) {
			due = append(due, id)
			delete(a.pending, id)
		}
	}
	sort.Strings(due)
	return due
}

// Flush recomputes every pending agent immediately.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	due := make([]string, 0, len(a.pending))
	for id := range a.pending {
		due = append(due, id)
	}
	clear(a.pending)
	a.mu.Unlock()
	sort.Strings(due)
	a.recomputeAgents(due)
}

// Sweep recomputes every agent. The scheduler runs it so time-based inputs
// (signals in the last hour, status changes) are refreshed without ingest.
func (a *Aggregator) Sweep(context.Context) error {
	snaps := a.source.Snapshots()
	ids := make([]string, 0, len(snaps))
	for _, snap := range snaps {
		ids = append(ids, snap.Agent.ID)
	}
	a.recomputeAgents(ids)
	return nil
}

func (a *Aggregator) recomputeAgents(ids []string) {
	a.recompute.Lock()
	defer a.recompute.Unlock()

	snaps := a.source.Snapshots()
	curves := make(map[string][]domain.EquityPoint, len(snaps))
	for _, snap := range snaps {
		if snap.Agent.Status.Aggregated() {
			curves[snap.Agent.ID] = snap.EquityCurve
		}
	}

	for _, id := range ids {
		if err := a.recomputeAgent(id, curves); err != nil {
			a.failures.Add(1)
			logging.Agent(a.cfg.Logger, id).Error("risk recompute failed", "err", err)
		}
	}
	if err := a.rebuildAggregate(); err != nil {
		a.failures.Add(1)
		a.cfg.Logger.Error("aggregate risk rebuild failed", "err", err)
	}
	a.runs.Add(1)
	a.lastRun.Store(a.cfg.Now().UnixNano())
}

// recomputeAgent isolates one agent's failure: a panic or error leaves the
// agent's previous risk snapshot in place and does not touch other agents.
func (a *Aggregator) recomputeAgent(agentID string, curves map[string][]domain.EquityPoint) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: agent %s: %v", domain.ErrRecomputeFailure, agentID, r)
		}
	}()

	snap, err := a.source.Snapshot(agentID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRecomputeFailure, err)
	}
	peers := make([][]domain.EquityPoint, 0, len(curves))
	for id, curve := range curves {
		if id != agentID {
			peers = append(peers, curve)
		}
	}
	metrics := a.evaluate(snap, peers, a.cfg.Now())
	if _, err := a.cfg.Committer.CommitRisk(agentID, metrics); err != nil {
		if errors.Is(err, domain.ErrUnknownAgent) {
			return fmt.Errorf("%w: %v", domain.ErrRecomputeFailure, err)
		}
		return err
	}
	return nil
}

func (a *Aggregator) rebuildAggregate() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: aggregate: %v", domain.ErrRecomputeFailure, r)
		}
	}()

	now := a.cfg.Now().UTC()
	dashboard := Aggregate(a.source.Snapshots(), a.cfg.Thresholds, a.cfg.Performers, now)
	dashboard.SignalsLastHour = a.source.SignalsSince(now.Add(-time.Hour))
	dashboard.Version = a.version.Add(1)
	a.current.Store(&dashboard)

	if a.publisher != nil {
		a.publisher.Publish(feed.RiskChannel, domain.Envelope{
			Type:      domain.EnvelopeRisk,
			Payload:   &dashboard,
			Timestamp: now,
			Version:   dashboard.Version,
		})
	}
	return nil
}

type Stats struct {
	Runs     uint64    `json:"runs"`
	Failures uint64    `json:"failures"`
	Pending  int       `json:"pending"`
	LastRun  time.Time `json:"last_run"`
	Version  uint64    `json:"version"`
}

func (a *Aggregator) Stats() Stats {
	return Stats{
		Runs:     a.runs.Load(),
		Failures: a.failures.Load(),
		Pending:  a.Pending(),
		LastRun:  a.LastRun(),
		Version:  a.current.Load().Version,
	}
}
