package domain

import "time"

type RiskMetrics struct {
	AgentID            string    `json:"agent_id"`
	DailyDrawdown      float64   `json:"daily_drawdown"`
	DailyDrawdownLimit float64   `json:"daily_drawdown_limit"`
	PortfolioHeat      float64   `json:"portfolio_heat"`
	PortfolioHeatLimit float64   `json:"portfolio_heat_limit"`
	Correlation        float64   `json:"max_correlation"`
	Beta               float64   `json:"beta"`
	Leverage           float64   `json:"leverage"`
	MarginUsed         float64   `json:"margin_used"`
	MarginAvailable    float64   `json:"margin_available"`
	VaR95              float64   `json:"var_95"`
	ExpectedShortfall  float64   `json:"expected_shortfall"`
	RiskScore          float64   `json:"risk_score"`
	CalculatedAt       time.Time `json:"timestamp"`
}

type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

type AlertType string

const (
	AlertDrawdownWarning AlertType = "DRAWDOWN_WARNING"
	AlertHeatHigh        AlertType = "HEAT_HIGH"
	AlertHeatDanger      AlertType = "HEAT_DANGER"
	AlertLeverageHigh    AlertType = "LEVERAGE_HIGH"
	AlertAgentError      AlertType = "AGENT_ERROR"
)

type RiskAlert struct {
	ID        string        `json:"id"`
	AgentID   string        `json:"agent_id"`
	AgentName string        `json:"agent_name"`
	Type      AlertType     `json:"type"`
	Severity  AlertSeverity `json:"severity"`
	Message   string        `json:"message"`
	Value     float64       `json:"value"`
	Threshold float64       `json:"threshold"`
	Timestamp time.Time     `json:"timestamp"`
}

type PerformerSummary struct {
	AgentID   string  `json:"agent_id"`
	AgentName string  `json:"agent_name"`
	TotalPnL  float64 `json:"total_pnl"`
	ReturnPct float64 `json:"return_pct"`
}

// AgentRiskRow is one line of the per-agent risk table. Offline and errored
// agents stay in the table even though they are left out of the aggregates.
type AgentRiskRow struct {
	AgentID        string       `json:"agent_id"`
	AgentName      string       `json:"agent_name"`
	Status         AgentStatus  `json:"status"`
	PortfolioValue float64      `json:"portfolio_value"`
	TotalPnL       float64      `json:"total_pnl"`
	TotalPnLPct    float64      `json:"total_pnl_pct"`
	OpenPositions  int          `json:"open_positions"`
	Aggregated     bool         `json:"aggregated"`
	Risk           *RiskMetrics `json:"risk,omitempty"`
}

type AggregatedRiskDashboard struct {
	TotalPortfolioValue float64            `json:"total_portfolio_value"`
	TotalPnL            float64            `json:"total_pnl"`
	TotalPnLPct         float64            `json:"total_pnl_pct"`
	DailyPnL            float64            `json:"daily_pnl"`
	TotalPositions      int                `json:"total_positions"`
	AggregateDrawdown   float64            `json:"aggregate_drawdown"`
	AggregateHeat       float64            `json:"aggregate_heat"`
	ActiveAgents        int                `json:"active_agents"`
	TotalAgents         int                `json:"total_agents"`
	SignalsLastHour     int                `json:"signals_last_hour"`
	TopPerformers       []PerformerSummary `json:"top_performers"`
	WorstPerformers     []PerformerSummary `json:"worst_performers"`
	RiskAlerts          []RiskAlert        `json:"risk_alerts"`
	Agents              []AgentRiskRow     `json:"agents"`
	Version             uint64             `json:"version"`
	CalculatedAt        time.Time          `json:"calculated_at"`
}
