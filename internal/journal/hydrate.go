package journal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coldbell/clawars/backend/internal/domain"
	"github.com/coldbell/clawars/backend/internal/state"
)

type StateRestorer interface {
	Restore(snap *state.Snapshot) error
}

type LeaderboardRestorer interface {
	Restore(data *domain.LeaderboardData) error
}

type HydrateConfig struct {
	RecentSignals   int
	MaxEquityPoints int
	Now             func() time.Time
	Logger          *slog.Logger
}

// Hydrate rebuilds in-memory state from the journal. Agents come back with
// LastEventAt set to now so the health sweep gives them a full window to
// report again.
func Hydrate(ctx context.Context, store *Store, target StateRestorer, boards LeaderboardRestorer, cfg HydrateConfig) (int, error) {
	if cfg.RecentSignals <= 0 {
		cfg.RecentSignals = 50
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	rows, err := store.LoadAgents(ctx)
	if err != nil {
		return 0, err
	}
	now := cfg.Now().UTC()
	for _, row := range rows {
		curve, err := store.LoadEquityCurve(ctx, row.Agent.ID, cfg.MaxEquityPoints)
		if err != nil {
			return 0, err
		}
		signals, err := store.LoadRecentSignals(ctx, row.Agent.ID, cfg.RecentSignals)
		if err != nil {
			return 0, err
		}
		trades, err := store.LoadTrades(ctx, row.Agent.ID)
		if err != nil {
			return 0, err
		}
		snap := &state.Snapshot{
			Agent:          row.Agent,
			Limits:         row.Limits,
			InitialCapital: row.InitialCapital,
			StrategyConfig: row.StrategyConfig,
			Metrics:        row.Metrics,
			Positions:      row.Positions,
			RecentSignals:  signals,
			EquityCurve:    curve,
			Trades:         trades,
			LastEventAt:    now,
			UpdatedAt:      row.Agent.UpdatedAt,
		}
		if err := target.Restore(snap); err != nil {
			return 0, fmt.Errorf("restore agent %s: %w", row.Agent.ID, err)
		}
	}

	if boards != nil {
		snapshots, err := store.LoadLeaderboards(ctx)
		if err != nil {
			return 0, err
		}
		for _, data := range snapshots {
			if err := boards.Restore(data); err != nil {
				cfg.Logger.Warn("skipping stored leaderboard", "timeframe", data.Timeframe, "err", err)
			}
		}
	}

	cfg.Logger.Info("state hydrated from journal", "agents", len(rows))
	return len(rows), nil
}
