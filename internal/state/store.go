package state

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/coldbell/clawars/backend/internal/domain"
)

type Config struct {
	Shards          int
	RecentSignals   int
	SignalLogSize   int
	MaxEquityPoints int
	DefaultLimits   domain.RiskLimits
	Now             func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Shards <= 0 {
		c.Shards = 32
	}
	if c.RecentSignals <= 0 {
		c.RecentSignals = 50
	}
	if c.SignalLogSize <= 0 {
		c.SignalLogSize = 5000
	}
	if c.DefaultLimits.DailyDrawdownLimit <= 0 {
		c.DefaultLimits.DailyDrawdownLimit = 5
	}
	if c.DefaultLimits.PortfolioHeatLimit <= 0 {
		c.DefaultLimits.PortfolioHeatLimit = 100
	}
	if c.DefaultLimits.MaxLeverage <= 0 {
		c.DefaultLimits.MaxLeverage = 2
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Snapshot is an immutable, internally consistent view of one agent. A new
// Snapshot is published for every committed mutation; readers must not
// modify any slice reachable from it.
type Snapshot struct {
	Agent          domain.Agent
	Limits         domain.RiskLimits
	InitialCapital float64
	StrategyConfig *domain.StrategyConfig
	Metrics        *domain.AgentMetrics
	Positions      []domain.Position
	RecentSignals  []domain.Signal
	Risk           *domain.RiskMetrics
	EquityCurve    []domain.EquityPoint
	Trades         []domain.TradeRecord
	Version        uint64
	LastEventAt    time.Time
	UpdatedAt      time.Time
}

// PortfolioValue falls back to the registered capital until the agent reports metrics.
func (s *Snapshot) PortfolioValue() float64 {
	if s.Metrics != nil {
		return s.Metrics.PortfolioValue
	}
	return s.InitialCapital
}

// Dashboard renders the snapshot in its wire form.
func (s *Snapshot) Dashboard() domain.AgentDashboard {
	return domain.AgentDashboard{
		Agent:          s.Agent,
		Metrics:        s.Metrics,
		Positions:      nonNil(s.Positions),
		RecentSignals:  nonNil(s.RecentSignals),
		StrategyConfig: s.StrategyConfig,
		Risk:           s.Risk,
		EquityCurve:    nonNil(s.EquityCurve),
		Version:        s.Version,
		UpdatedAt:      s.UpdatedAt,
	}
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

// Result describes what one committed mutation changed.
type Result struct {
	Snapshot      *Snapshot
	Changed       bool
	StatusChanged bool
	Signal        *domain.Signal
	Equity        *domain.EquityPoint
	Trades        []domain.TradeRecord
}

type cell struct {
	mu       sync.Mutex
	snap     atomic.Pointer[Snapshot]
	tradeIDs map[string]struct{}
}

type shard struct {
	mu    sync.RWMutex
	cells map[string]*cell
}

// Store holds every agent's state. Mutation is single-writer per agent: each
// agent cell has its own writer lock and publishes snapshots by atomic swap,
// so readers never block on writers and never see a half-applied event.
type Store struct {
	cfg     Config
	shards  []*shard
	regSeq  atomic.Uint64
	signals *signalLog
}

func NewStore(cfg Config) *Store {
	cfg = cfg.withDefaults()
	shards := make([]*shard, cfg.Shards)
	for i := range shards {
		shards[i] = &shard{cells: make(map[string]*cell)}
	}
	return &Store{
		cfg:     cfg,
		shards:  shards,
		signals: newSignalLog(cfg.SignalLogSize),
	}
}

func (s *Store) shardFor(agentID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(agentID))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

func (s *Store) cell(agentID string) (*cell, bool) {
	sh := s.shardFor(agentID)
	sh.mu.RLock()
	c, ok := sh.cells[agentID]
	sh.mu.RUnlock()
	return c, ok
}

// Register creates a new agent in the active state.
func (s *Store) Register(input domain.RegisterAgentInput) (*Snapshot, error) {
	if err := input.Normalize(); err != nil {
		return nil, err
	}
	now := s.cfg.Now().UTC()
	id := input.ID
	if id == "" {
		id = uuid.NewString()
	}
	strategyID := input.StrategyID
	if strategyID == "" {
		strategyID = slug(input.StrategyName)
	}

	limits := s.cfg.DefaultLimits
	if input.RiskLimits != nil {
		if input.RiskLimits.DailyDrawdownLimit > 0 {
			limits.DailyDrawdownLimit = input.RiskLimits.DailyDrawdownLimit
		}
		if input.RiskLimits.PortfolioHeatLimit > 0 {
			limits.PortfolioHeatLimit = input.RiskLimits.PortfolioHeatLimit
		}
		if input.RiskLimits.MaxLeverage > 0 {
			limits.MaxLeverage = input.RiskLimits.MaxLeverage
		}
	}

	var strategyConfig *domain.StrategyConfig
	if input.StrategyConfig != nil {
		cfg := *input.StrategyConfig
		cfg.StrategyID = strategyID
		cfg.StrategyName = input.StrategyName
		cfg.StrategyVersion = input.StrategyVersion
		strategyConfig = &cfg
	}

	snap := &Snapshot{
		Agent: domain.Agent{
			ID:              id,
			Name:            input.Name,
			Status:          domain.AgentActive,
			StrategyID:      strategyID,
			StrategyName:    input.StrategyName,
			StrategyVersion: input.StrategyVersion,
			Description:     input.Description,
			AvatarURL:       input.AvatarURL,
			CreatedAt:       now,
			UpdatedAt:       now,
			RegistrationSeq: s.regSeq.Add(1),
		},
		Limits:         limits,
		InitialCapital: input.InitialCapital,
		StrategyConfig: strategyConfig,
		Version:        1,
		LastEventAt:    now,
		UpdatedAt:      now,
	}
	if err := s.insert(snap, nil); err != nil {
		return nil, err
	}
	return snap, nil
}

// Restore inserts a previously persisted agent snapshot, e.g. during hydration.
func (s *Store) Restore(snap *Snapshot) error {
	if snap == nil || strings.TrimSpace(snap.Agent.ID) == "" {
		return fmt.Errorf("%w: restore requires an agent id", domain.ErrMalformedEvent)
	}
	for {
		cur := s.regSeq.Load()
		if snap.Agent.RegistrationSeq <= cur || s.regSeq.CompareAndSwap(cur, snap.Agent.RegistrationSeq) {
			break
		}
	}
	if snap.Agent.RegistrationSeq == 0 {
		snap.Agent.RegistrationSeq = s.regSeq.Add(1)
	}
	if snap.Version == 0 {
		snap.Version = 1
	}
	if snap.Limits.DailyDrawdownLimit <= 0 {
		snap.Limits.DailyDrawdownLimit = s.cfg.DefaultLimits.DailyDrawdownLimit
	}
	if snap.Limits.PortfolioHeatLimit <= 0 {
		snap.Limits.PortfolioHeatLimit = s.cfg.DefaultLimits.PortfolioHeatLimit
	}
	if snap.Limits.MaxLeverage <= 0 {
		snap.Limits.MaxLeverage = s.cfg.DefaultLimits.MaxLeverage
	}
	ids := make(map[string]struct{}, len(snap.Trades))
	for _, trade := range snap.Trades {
		ids[trade.ID] = struct{}{}
	}
	if err := s.insert(snap, ids); err != nil {
		return err
	}
	// Signals come back oldest first so the global log keeps its order.
	for i := len(snap.RecentSignals) - 1; i >= 0; i-- {
		s.signals.append(snap.RecentSignals[i])
	}
	return nil
}

func (s *Store) insert(snap *Snapshot, tradeIDs map[string]struct{}) error {
	if tradeIDs == nil {
		tradeIDs = make(map[string]struct{})
	}
	c := &cell{tradeIDs: tradeIDs}
	c.snap.Store(snap)

	sh := s.shardFor(snap.Agent.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.cells[snap.Agent.ID]; exists {
		return fmt.Errorf("%w: %s", domain.ErrAgentExists, snap.Agent.ID)
	}
	sh.cells[snap.Agent.ID] = c
	return nil
}

// Snapshot returns the latest committed snapshot for the agent.
func (s *Store) Snapshot(agentID string) (*Snapshot, error) {
	c, ok := s.cell(agentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownAgent, agentID)
	}
	return c.snap.Load(), nil
}

// Exists reports whether the agent is registered.
func (s *Store) Exists(agentID string) bool {
	_, ok := s.cell(agentID)
	return ok
}

// Snapshots returns the latest snapshot of every agent in registration order.
func (s *Store) Snapshots() []*Snapshot {
	out := make([]*Snapshot, 0, 64)
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, c := range sh.cells {
			out = append(out, c.snap.Load())
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return registeredBefore(out[i].Agent, out[j].Agent)
	})
	return out
}

func (s *Store) Agents() []domain.Agent {
	snaps := s.Snapshots()
	out := make([]domain.Agent, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, snap.Agent)
	}
	return out
}

func registeredBefore(a, b domain.Agent) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	if a.RegistrationSeq != b.RegistrationSeq {
		return a.RegistrationSeq < b.RegistrationSeq
	}
	return a.ID < b.ID
}

// RecentSignals returns up to limit signals across all agents, newest first.
func (s *Store) RecentSignals(limit int) []domain.Signal {
	return s.signals.recent(limit)
}

// SignalsSince counts signals whose timestamp is at or after since.
func (s *Store) SignalsSince(since time.Time) int {
	return s.signals.countSince(since)
}

// LastSignalSeq is the sequence number of the newest signal in the log.
func (s *Store) LastSignalSeq() uint64 {
	return s.signals.lastSeq()
}

// mutate runs fn under the agent's writer lock and publishes its result.
func (s *Store) mutate(agentID string, fn func(c *cell, cur *Snapshot, next *Snapshot) (Result, error)) (Result, error) {
	c, ok := s.cell(agentID)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", domain.ErrUnknownAgent, agentID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.snap.Load()
	next := *cur
	res, err := fn(c, cur, &next)
	if err != nil {
		return Result{}, err
	}
	if !res.Changed {
		res.Snapshot = cur
		return res, nil
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = s.cfg.Now().UTC()
	c.snap.Store(&next)
	res.Snapshot = &next
	return res, nil
}

// SetStatus performs an explicit lifecycle transition such as pause or resume.
func (s *Store) SetStatus(agentID string, status domain.AgentStatus, reason string) (Result, error) {
	return s.mutate(agentID, func(_ *cell, cur *Snapshot, next *Snapshot) (Result, error) {
		if cur.Agent.Status == status {
			return Result{}, nil
		}
		if !cur.Agent.Status.CanTransition(status) {
			return Result{}, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, cur.Agent.Status, status)
		}
		next.Agent.Status = status
		next.Agent.StatusReason = reason
		next.Agent.UpdatedAt = s.cfg.Now().UTC()
		return Result{Changed: true, StatusChanged: true}, nil
	})
}

// CommitRisk publishes a freshly computed risk snapshot for the agent.
func (s *Store) CommitRisk(agentID string, risk domain.RiskMetrics) (*Snapshot, error) {
	res, err := s.mutate(agentID, func(_ *cell, _ *Snapshot, next *Snapshot) (Result, error) {
		next.Risk = &risk
		return Result{Changed: true}, nil
	})
	return res.Snapshot, err
}

// OfflineReason is recorded on agents the health sweep moves offline.
const OfflineReason = "no telemetry received"

func offlineEligible(snap *Snapshot, cutoff time.Time) bool {
	status := snap.Agent.Status
	if status != domain.AgentActive && status != domain.AgentError {
		return false
	}
	return snap.LastEventAt.Before(cutoff)
}

// OfflineCandidates lists active or errored agents that have been silent since
// before cutoff. It changes nothing; MarkOffline decides under the writer lock.
func (s *Store) OfflineCandidates(cutoff time.Time) []string {
	var out []string
	for _, snap := range s.Snapshots() {
		if offlineEligible(snap, cutoff) {
			out = append(out, snap.Agent.ID)
		}
	}
	return out
}

// MarkOffline moves the agent to offline if it is still active or errored and
// still silent since before cutoff. Otherwise the result is unchanged.
func (s *Store) MarkOffline(agentID string, cutoff time.Time) (Result, error) {
	return s.mutate(agentID, func(_ *cell, cur *Snapshot, next *Snapshot) (Result, error) {
		if !offlineEligible(cur, cutoff) {
			return Result{}, nil
		}
		next.Agent.Status = domain.AgentOffline
		next.Agent.StatusReason = OfflineReason
		next.Agent.UpdatedAt = s.cfg.Now().UTC()
		return Result{Changed: true, StatusChanged: true}, nil
	})
}

func slug(raw string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(raw)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastDash = false
			continue
		}
		if !lastDash && b.Len() > 0 {
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.Trim(b.String(), "-")
}
