package gateway

import (
	"errors"
	"fmt"

	"github.com/coldbell/clawars/backend/internal/domain"
	"github.com/coldbell/clawars/backend/internal/state"
)

const (
	DefaultLeaderboardLimit = 100
	MaxLeaderboardLimit     = 500
	DefaultSignalLimit      = 50
	MaxSignalLimit          = 500
)

type StateReader interface {
	Snapshot(agentID string) (*state.Snapshot, error)
	Agents() []domain.Agent
	RecentSignals(limit int) []domain.Signal
}

type Leaderboards interface {
	Snapshot(tf domain.Timeframe) (*domain.LeaderboardData, error)
}

type RiskReader interface {
	Current() *domain.AggregatedRiskDashboard
}

// Gateway answers reads from committed snapshots only. Nothing here takes a
// writer lock or waits on ingest, ranking or risk recomputation.
type Gateway struct {
	state   StateReader
	ranking Leaderboards
	risk    RiskReader
}

func New(state StateReader, ranking Leaderboards, risk RiskReader) *Gateway {
	return &Gateway{state: state, ranking: ranking, risk: risk}
}

func (g *Gateway) ListAgents() []domain.Agent {
	agents := g.state.Agents()
	if agents == nil {
		return []domain.Agent{}
	}
	return agents
}

// Dashboard returns the agent's latest consistent view.
func (g *Gateway) Dashboard(agentID string) (domain.AgentDashboard, error) {
	snap, err := g.snapshot(agentID)
	if err != nil {
		return domain.AgentDashboard{}, err
	}
	return snap.Dashboard(), nil
}

func (g *Gateway) snapshot(agentID string) (*state.Snapshot, error) {
	snap, err := g.state.Snapshot(agentID)
	if errors.Is(err, domain.ErrUnknownAgent) {
		return nil, fmt.Errorf("%w: agent %s", domain.ErrNotFound, agentID)
	}
	return snap, err
}

// Leaderboard pages the latest ranking for the named timeframe. TotalEntries
// always counts the full ranking, not the page.
func (g *Gateway) Leaderboard(timeframe string, limit, offset int) (*domain.LeaderboardData, error) {
	tf, err := domain.ParseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}
	data, err := g.ranking.Snapshot(tf)
	if err != nil {
		return nil, err
	}

	limit = clampLimit(limit, DefaultLeaderboardLimit, MaxLeaderboardLimit)
	offset = max(offset, 0)
	start := min(offset, len(data.Entries))
	end := min(start+limit, len(data.Entries))

	page := *data
	page.Entries = append(make([]domain.LeaderboardEntry, 0, end-start), data.Entries[start:end]...)
	page.TotalEntries = len(data.Entries)
	if page.Unranked == nil {
		page.Unranked = []domain.UnrankedEntry{}
	}
	return &page, nil
}

// AggregatedRisk returns the last committed system-wide dashboard, even while
// a recompute is in flight.
func (g *Gateway) AggregatedRisk() *domain.AggregatedRiskDashboard {
	return g.risk.Current()
}

// RecentSignals lists signals across all agents, newest first.
func (g *Gateway) RecentSignals(limit int) []domain.Signal {
	signals, _ := g.SignalsSnapshot(limit)
	return signals
}

// SignalsSnapshot returns the recent signals together with the newest signal
// sequence they include. Deltas at or below the watermark are already
// reflected in the list.
func (g *Gateway) SignalsSnapshot(limit int) ([]domain.Signal, uint64) {
	signals := g.state.RecentSignals(clampLimit(limit, DefaultSignalLimit, MaxSignalLimit))
	if len(signals) == 0 {
		return []domain.Signal{}, 0
	}
	return signals, signals[0].Seq
}

// AgentSnapshot returns the dashboard together with its snapshot version.
func (g *Gateway) AgentSnapshot(agentID string) (domain.AgentDashboard, uint64, error) {
	snap, err := g.snapshot(agentID)
	if err != nil {
		return domain.AgentDashboard{}, 0, err
	}
	return snap.Dashboard(), snap.Version, nil
}

// RiskSnapshot returns the aggregated dashboard together with its version.
func (g *Gateway) RiskSnapshot() (*domain.AggregatedRiskDashboard, uint64) {
	current := g.risk.Current()
	return current, current.Version
}

func clampLimit(limit, def, ceiling int) int {
	if limit <= 0 {
		return def
	}
	return min(limit, ceiling)
}
