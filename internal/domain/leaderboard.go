package domain

import (
	"fmt"
	"strings"
	"time"
)

type Timeframe string

const (
	Timeframe24h     Timeframe = "24h"
	Timeframe7d      Timeframe = "7d"
	Timeframe30d     Timeframe = "30d"
	Timeframe90d     Timeframe = "90d"
	TimeframeAllTime Timeframe = "all_time"
)

// Timeframes lists every supported leaderboard window.
var Timeframes = []Timeframe{Timeframe24h, Timeframe7d, Timeframe30d, Timeframe90d, TimeframeAllTime}

// ParseTimeframe accepts the leaderboard window names; empty means all_time.
func ParseTimeframe(raw string) (Timeframe, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return TimeframeAllTime, nil
	}
	for _, tf := range Timeframes {
		if string(tf) == raw {
			return tf, nil
		}
	}
	return "", fmt.Errorf("%w: %q (expected 24h|7d|30d|90d|all_time)", ErrInvalidTimeframe, raw)
}

// Window returns the window length; zero means unbounded.
func (t Timeframe) Window() time.Duration {
	switch t {
	case Timeframe24h:
		return 24 * time.Hour
	case Timeframe7d:
		return 7 * 24 * time.Hour
	case Timeframe30d:
		return 30 * 24 * time.Hour
	case Timeframe90d:
		return 90 * 24 * time.Hour
	default:
		return 0
	}
}

// Since returns the inclusive lower bound of the window ending at asOf.
func (t Timeframe) Since(asOf time.Time) time.Time {
	window := t.Window()
	if window == 0 {
		return time.Time{}
	}
	return asOf.Add(-window)
}

type LeaderboardEntry struct {
	Rank           int       `json:"rank"`
	PreviousRank   *int      `json:"previous_rank"`
	AgentID        string    `json:"agent_id"`
	AgentName      string    `json:"agent_name"`
	StrategyName   string    `json:"strategy_name"`
	StrategyID     string    `json:"strategy_id"`
	BacktestID     string    `json:"backtest_id"`
	Status         string    `json:"status"`
	Score          float64   `json:"composite_score"`
	SharpeRatio    float64   `json:"sharpe_ratio"`
	SortinoRatio   float64   `json:"sortino_ratio"`
	ProfitFactor   float64   `json:"profit_factor"`
	TotalReturn    float64   `json:"total_return"`
	TotalPnL       float64   `json:"total_pnl"`
	WinRate        float64   `json:"win_rate"`
	TotalTrades    int       `json:"total_trades"`
	MaxDrawdownPct float64   `json:"max_drawdown"`
	CalculatedAt   time.Time `json:"calculated_at"`
}

type UnrankedEntry struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
	Trades    int    `json:"trades"`
	Reason    string `json:"reason"`
}

type LeaderboardData struct {
	Timeframe    Timeframe          `json:"timeframe"`
	GeneratedAt  time.Time          `json:"generated_at"`
	Entries      []LeaderboardEntry `json:"entries"`
	TotalEntries int                `json:"total_entries"`
	Unranked     []UnrankedEntry    `json:"unranked"`
	Version      uint64             `json:"version"`
}
