package domain

import "time"

type EnvelopeType string

const (
	EnvelopeMetrics   EnvelopeType = "metrics"
	EnvelopeSignal    EnvelopeType = "signal"
	EnvelopePosition  EnvelopeType = "position"
	EnvelopeRisk      EnvelopeType = "risk"
	EnvelopeCandle    EnvelopeType = "candle"
	EnvelopeEquity    EnvelopeType = "equity"
	EnvelopeStatus    EnvelopeType = "status"
	EnvelopeHeartbeat EnvelopeType = "heartbeat"
	EnvelopeSnapshot  EnvelopeType = "snapshot"
)

// Envelope is the push message written to live feed subscribers. Seq is
// assigned by the broadcaster and increases per channel. Version is the
// source version of the payload (agent snapshot version, signal log sequence,
// or risk dashboard version) and is what snapshot watermarks compare against;
// zero means the envelope is never filtered.
type Envelope struct {
	Type      EnvelopeType `json:"type"`
	AgentID   string       `json:"agent_id,omitempty"`
	Payload   any          `json:"payload"`
	Timestamp time.Time    `json:"timestamp"`
	Seq       uint64       `json:"seq,omitempty"`
	Version   uint64       `json:"version,omitempty"`
}

// AgentDashboard is the consistent point-in-time view of one agent.
type AgentDashboard struct {
	Agent          Agent           `json:"agent"`
	Metrics        *AgentMetrics   `json:"metrics"`
	Positions      []Position      `json:"positions"`
	RecentSignals  []Signal        `json:"recent_signals"`
	StrategyConfig *StrategyConfig `json:"strategy_config"`
	Risk           *RiskMetrics    `json:"risk"`
	EquityCurve    []EquityPoint   `json:"equity_curve"`
	Version        uint64          `json:"version"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
