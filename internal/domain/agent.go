package domain

import (
	"fmt"
	"strings"
	"time"
)

type AgentStatus string

const (
	AgentActive  AgentStatus = "active"
	AgentPaused  AgentStatus = "paused"
	AgentError   AgentStatus = "error"
	AgentOffline AgentStatus = "offline"
)

func ParseAgentStatus(raw string) (AgentStatus, error) {
	switch AgentStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case AgentActive:
		return AgentActive, nil
	case AgentPaused:
		return AgentPaused, nil
	case AgentError:
		return AgentError, nil
	case AgentOffline:
		return AgentOffline, nil
	default:
		return "", fmt.Errorf("%w: status must be active, paused, error, or offline", ErrMalformedEvent)
	}
}

// Aggregated reports whether the status counts toward system-wide risk aggregates.
func (s AgentStatus) Aggregated() bool {
	return s == AgentActive || s == AgentPaused
}

// CanTransition enforces the agent lifecycle. Agents are never deleted; offline
// is reachable from anywhere and left again when the agent reports in.
func (s AgentStatus) CanTransition(next AgentStatus) bool {
	if s == next {
		return true
	}
	switch next {
	case AgentOffline:
		return true
	case AgentActive:
		return s == AgentPaused || s == AgentError || s == AgentOffline
	case AgentPaused:
		return s == AgentActive
	case AgentError:
		return s == AgentActive || s == AgentPaused || s == AgentOffline
	default:
		return false
	}
}

type Agent struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Status          AgentStatus `json:"status"`
	StatusReason    string      `json:"status_reason,omitempty"`
	StrategyID      string      `json:"strategy_id"`
	StrategyName    string      `json:"strategy_name"`
	StrategyVersion string      `json:"strategy_version"`
	BacktestID      string      `json:"backtest_id,omitempty"`
	Description     string      `json:"description,omitempty"`
	AvatarURL       string      `json:"avatar_url,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	// RegistrationSeq orders agents registered within the same instant.
	RegistrationSeq uint64 `json:"-"`
}

type RiskLimits struct {
	DailyDrawdownLimit float64 `json:"daily_drawdown_limit"`
	PortfolioHeatLimit float64 `json:"portfolio_heat_limit"`
	MaxLeverage        float64 `json:"max_leverage"`
}

type StrategyConfig struct {
	StrategyID      string         `json:"strategy_id"`
	StrategyName    string         `json:"strategy_name"`
	StrategyVersion string         `json:"strategy_version"`
	Parameters      map[string]any `json:"parameters"`
	SignalFilter    string         `json:"signal_filter"`
	PositionSizing  string         `json:"position_sizing"`
	KellyMultiplier float64        `json:"kelly_multiplier"`
	MaxPositionPct  float64        `json:"max_position_pct"`
	StopLossPct     float64        `json:"stop_loss_pct"`
	TakeProfitPct   float64        `json:"take_profit_pct"`
	TimeStopHours   float64        `json:"time_stop_hours"`
	Enabled         bool           `json:"enabled"`
}

type RegisterAgentInput struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	StrategyID      string          `json:"strategy_id"`
	StrategyName    string          `json:"strategy_name"`
	StrategyVersion string          `json:"strategy_version"`
	Description     string          `json:"description"`
	AvatarURL       string          `json:"avatar_url"`
	InitialCapital  float64         `json:"initial_capital"`
	StrategyConfig  *StrategyConfig `json:"strategy_config"`
	RiskLimits      *RiskLimits     `json:"risk_limits"`
}

func (in *RegisterAgentInput) Normalize() error {
	in.ID = strings.TrimSpace(in.ID)
	in.Name = strings.TrimSpace(in.Name)
	in.StrategyID = strings.TrimSpace(in.StrategyID)
	in.StrategyName = strings.TrimSpace(in.StrategyName)
	in.StrategyVersion = strings.TrimSpace(in.StrategyVersion)
	if in.Name == "" {
		return fmt.Errorf("%w: name is required", ErrMalformedEvent)
	}
	if in.StrategyName == "" {
		return fmt.Errorf("%w: strategy_name is required", ErrMalformedEvent)
	}
	if in.StrategyVersion == "" {
		in.StrategyVersion = "1.0.0"
	}
	if err := requireFinite("initial_capital", in.InitialCapital); err != nil {
		return err
	}
	if in.InitialCapital < 0 {
		return fmt.Errorf("%w: initial_capital must be >= 0", ErrMalformedEvent)
	}
	if in.RiskLimits != nil {
		for name, value := range map[string]float64{
			"daily_drawdown_limit": in.RiskLimits.DailyDrawdownLimit,
			"portfolio_heat_limit": in.RiskLimits.PortfolioHeatLimit,
			"max_leverage":         in.RiskLimits.MaxLeverage,
		} {
			if err := requireFinite(name, value); err != nil {
				return err
			}
			if value < 0 {
				return fmt.Errorf("%w: %s must be >= 0", ErrMalformedEvent, name)
			}
		}
	}
	return nil
}
