package ranking

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coldbell/clawars/backend/internal/domain"
	"github.com/coldbell/clawars/backend/internal/logging"
	"github.com/coldbell/clawars/backend/internal/state"
)

// Source is the read side of the state store the engine ranks from.
type Source interface {
	Snapshots() []*state.Snapshot
}

// Sink receives every committed leaderboard snapshot (journal, mirror).
type Sink interface {
	OnLeaderboard(data *domain.LeaderboardData)
}

type Config struct {
	MinTrades int
	Now       func() time.Time
	Logger    *slog.Logger
}

type computeFunc func(snap *state.Snapshot, since, asOf time.Time) windowStats

// candidate is one agent's scored row before ordering.
type candidate struct {
	agent      domain.Agent
	backtestID string
	stats      windowStats
	score      float64
}

// Engine computes one leaderboard snapshot per timeframe on a fixed cadence.
// Snapshots are immutable and replaced atomically, so readers always see a
// complete ranking as of a single instant.
type Engine struct {
	cfg     Config
	source  Source
	compute computeFunc

	mu    sync.Mutex
	sinks []Sink

	boards  map[domain.Timeframe]*atomic.Pointer[domain.LeaderboardData]
	lastRun atomic.Int64
	runs    atomic.Uint64
	running sync.Mutex
}

func NewEngine(source Source, cfg Config) *Engine {
	if cfg.MinTrades < 0 {
		cfg.MinTrades = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	e := &Engine{
		cfg:     cfg,
		source:  source,
		compute: computeWindow,
		boards:  make(map[domain.Timeframe]*atomic.Pointer[domain.LeaderboardData], len(domain.Timeframes)),
	}
	for _, tf := range domain.Timeframes {
		ptr := &atomic.Pointer[domain.LeaderboardData]{}
		ptr.Store(&domain.LeaderboardData{
			Timeframe: tf,
			Entries:   []domain.LeaderboardEntry{},
			Unranked:  []domain.UnrankedEntry{},
		})
		e.boards[tf] = ptr
	}
	return e
}

// AddSink registers a consumer of committed snapshots. Call before Recompute runs.
func (e *Engine) AddSink(sink Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, sink)
}

// Snapshot returns the latest committed leaderboard for the timeframe.
func (e *Engine) Snapshot(tf domain.Timeframe) (*domain.LeaderboardData, error) {
	ptr, ok := e.boards[tf]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidTimeframe, tf)
	}
	return ptr.Load(), nil
}

// Restore seeds a timeframe with a persisted snapshot so the next recompute
// reports previous ranks across restarts.
func (e *Engine) Restore(data *domain.LeaderboardData) error {
	if data == nil {
		return nil
	}
	ptr, ok := e.boards[data.Timeframe]
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrInvalidTimeframe, data.Timeframe)
	}
	ptr.Store(data)
	return nil
}

func (e *Engine) LastRun() time.Time {
	ns := e.lastRun.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

func (e *Engine) Runs() uint64 {
	return e.runs.Load()
}

// Recompute ranks every timeframe against one as-of instant.
func (e *Engine) Recompute(ctx context.Context) error {
	e.running.Lock()
	defer e.running.Unlock()

	asOf := e.cfg.Now().UTC()
	snaps := e.source.Snapshots()
	for _, tf := range domain.Timeframes {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.recomputeTimeframe(tf, snaps, asOf)
	}
	e.runs.Add(1)
	e.lastRun.Store(asOf.UnixNano())
	return nil
}

func (e *Engine) recomputeTimeframe(tf domain.Timeframe, snaps []*state.Snapshot, asOf time.Time) {
	ptr := e.boards[tf]
	prev := ptr.Load()
	since := tf.Since(asOf)

	candidates := make([]candidate, 0, len(snaps))
	unranked := make([]domain.UnrankedEntry, 0)
	for _, snap := range snaps {
		stats, err := e.safeCompute(snap, since, asOf)
		if err != nil {
			logging.Agent(e.cfg.Logger, snap.Agent.ID).Error("ranking recompute failed", "timeframe", tf, "err", err)
			unranked = append(unranked, domain.UnrankedEntry{
				AgentID:   snap.Agent.ID,
				AgentName: snap.Agent.Name,
				Reason:    "statistics unavailable",
			})
			continue
		}
		if stats.Trades < e.cfg.MinTrades {
			unranked = append(unranked, domain.UnrankedEntry{
				AgentID:   snap.Agent.ID,
				AgentName: snap.Agent.Name,
				Trades:    stats.Trades,
				Reason:    fmt.Sprintf("insufficient trades: %d of %d required", stats.Trades, e.cfg.MinTrades),
			})
			continue
		}
		candidates = append(candidates, candidate{
			agent:      snap.Agent,
			backtestID: snap.Agent.BacktestID,
			stats:      stats,
			score:      compositeScore(stats),
		})
	}

	entries := rank(candidates, previousRanks(prev), asOf)
	next := &domain.LeaderboardData{
		Timeframe:    tf,
		GeneratedAt:  asOf,
		Entries:      entries,
		TotalEntries: len(entries),
		Unranked:     unranked,
		Version:      prev.Version + 1,
	}
	ptr.Store(next)

	e.mu.Lock()
	sinks := append([]Sink(nil), e.sinks...)
	e.mu.Unlock()
	for _, sink := range sinks {
		sink.OnLeaderboard(next)
	}
}

func (e *Engine) safeCompute(snap *state.Snapshot, since, asOf time.Time) (stats windowStats, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: agent %s: %v", domain.ErrRecomputeFailure, snap.Agent.ID, r)
		}
	}()
	return e.compute(snap, since, asOf), nil
}

func previousRanks(prev *domain.LeaderboardData) map[string]int {
	out := make(map[string]int, len(prev.Entries))
	for _, entry := range prev.Entries {
		out[entry.AgentID] = entry.Rank
	}
	return out
}

// rank orders candidates by score and assigns contiguous ranks 1..N. Ties
// fall through Sharpe (higher first), max drawdown (lower first), then
// registration time, registration sequence and id, which is a total order.
func rank(candidates []candidate, previous map[string]int, asOf time.Time) []domain.LeaderboardEntry {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.stats.SharpeRatio != b.stats.SharpeRatio {
			return a.stats.SharpeRatio > b.stats.SharpeRatio
		}
		if a.stats.MaxDrawdown != b.stats.MaxDrawdown {
			return a.stats.MaxDrawdown < b.stats.MaxDrawdown
		}
		if !a.agent.CreatedAt.Equal(b.agent.CreatedAt) {
			return a.agent.CreatedAt.Before(b.agent.CreatedAt)
		}
		if a.agent.RegistrationSeq != b.agent.RegistrationSeq {
			return a.agent.RegistrationSeq < b.agent.RegistrationSeq
		}
		return a.agent.ID < b.agent.ID
	})

	entries := make([]domain.LeaderboardEntry, 0, len(candidates))
	for i, c := range candidates {
		entry := domain.LeaderboardEntry{
			Rank:           i + 1,
			AgentID:        c.agent.ID,
			AgentName:      c.agent.Name,
			StrategyName:   c.agent.StrategyName,
			StrategyID:     c.agent.StrategyID,
			BacktestID:     c.backtestID,
			Status:         string(c.agent.Status),
			Score:          c.score,
			SharpeRatio:    c.stats.SharpeRatio,
			SortinoRatio:   c.stats.SortinoRatio,
			ProfitFactor:   c.stats.ProfitFactor,
			TotalReturn:    c.stats.TotalReturn,
			TotalPnL:       c.stats.TotalPnL,
			WinRate:        c.stats.WinRate,
			TotalTrades:    c.stats.Trades,
			MaxDrawdownPct: c.stats.MaxDrawdown,
			CalculatedAt:   asOf,
		}
		if prevRank, ok := previous[c.agent.ID]; ok {
			entry.PreviousRank = &prevRank
		}
		entries = append(entries, entry)
	}
	return entries
}
