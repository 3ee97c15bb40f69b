package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

type EventType string

const (
	EventSignal    EventType = "signal"
	EventPosition  EventType = "position"
	EventMetrics   EventType = "metrics"
	EventExecution EventType = "execution"
	EventTrades    EventType = "trades"
	EventStatus    EventType = "status"
	EventRisk      EventType = "risk"
)

// Event is one agent telemetry record accepted by the ingest queue.
type Event interface {
	Type() EventType
	Validate() error
}

// RawEvent is the wire form posted by agents.
type RawEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// DecodeEvent turns a wire event into a validated Event.
func DecodeEvent(raw RawEvent) (Event, error) {
	if len(bytes.TrimSpace(raw.Payload)) == 0 {
		return nil, fmt.Errorf("%w: payload is required", ErrMalformedEvent)
	}

	var event Event
	switch EventType(strings.ToLower(strings.TrimSpace(raw.Type))) {
	case EventSignal:
		event = &SignalEvent{}
	case EventPosition:
		event = &PositionEvent{}
	case EventMetrics:
		event = &MetricsSnapshotEvent{}
	case EventExecution:
		event = &ExecutionEvent{}
	case EventTrades:
		event = &TradeBatchEvent{}
	case EventStatus:
		event = &StatusEvent{}
	default:
		return nil, fmt.Errorf("%w: unsupported event type %q", ErrMalformedEvent, raw.Type)
	}

	decoder := json.NewDecoder(bytes.NewReader(raw.Payload))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(event); err != nil {
		return nil, fmt.Errorf("%w: decode %s payload: %v", ErrMalformedEvent, raw.Type, err)
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}
	return event, nil
}

type SignalEvent struct {
	ID             string       `json:"id"`
	Symbol         string       `json:"symbol"`
	Action         SignalAction `json:"action"`
	Price          float64      `json:"price"`
	Quantity       float64      `json:"quantity"`
	Confidence     float64      `json:"confidence"`
	StrategySignal string       `json:"strategy_signal"`
	Timestamp      time.Time    `json:"timestamp"`
}

func (e *SignalEvent) Type() EventType { return EventSignal }

func (e *SignalEvent) Validate() error {
	e.Symbol = strings.ToUpper(strings.TrimSpace(e.Symbol))
	if e.Symbol == "" {
		return fmt.Errorf("%w: signal symbol is required", ErrMalformedEvent)
	}
	if !e.Action.Valid() {
		return fmt.Errorf("%w: signal action must be buy, sell, close_long, or close_short", ErrMalformedEvent)
	}
	if err := requireFinite("price", e.Price); err != nil {
		return err
	}
	if e.Price <= 0 {
		return fmt.Errorf("%w: signal price must be > 0", ErrMalformedEvent)
	}
	if err := requireFinite("quantity", e.Quantity); err != nil {
		return err
	}
	if e.Quantity < 0 {
		return fmt.Errorf("%w: signal quantity must be >= 0", ErrMalformedEvent)
	}
	if err := requireFinite("confidence", e.Confidence); err != nil {
		return err
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("%w: confidence must be within [0,1]", ErrMalformedEvent)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: signal timestamp is required", ErrMalformedEvent)
	}
	return nil
}

type PositionKind string

const (
	PositionOpen  PositionKind = "open"
	PositionClose PositionKind = "close"
	PositionPrice PositionKind = "price"
)

// PositionEvent is a fill (open or close) or a mark price update for a symbol.
type PositionEvent struct {
	Kind       PositionKind `json:"kind"`
	PositionID string       `json:"position_id"`
	Symbol     string       `json:"symbol"`
	Side       PositionSide `json:"side"`
	Price      float64      `json:"price"`
	Quantity   float64      `json:"quantity"`
	StopLoss   *float64     `json:"stop_loss,omitempty"`
	TakeProfit *float64     `json:"take_profit,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
}

func (e *PositionEvent) Type() EventType { return EventPosition }

func (e *PositionEvent) Validate() error {
	e.Symbol = strings.ToUpper(strings.TrimSpace(e.Symbol))
	e.PositionID = strings.TrimSpace(e.PositionID)
	if err := requireFinite("price", e.Price); err != nil {
		return err
	}
	if e.Price <= 0 {
		return fmt.Errorf("%w: position price must be > 0", ErrMalformedEvent)
	}
	if err := requireFinite("quantity", e.Quantity); err != nil {
		return err
	}
	if e.Quantity < 0 {
		return fmt.Errorf("%w: position quantity must be >= 0", ErrMalformedEvent)
	}
	for name, value := range map[string]*float64{"stop_loss": e.StopLoss, "take_profit": e.TakeProfit} {
		if value == nil {
			continue
		}
		if err := requireFinite(name, *value); err != nil {
			return err
		}
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: position timestamp is required", ErrMalformedEvent)
	}

	switch e.Kind {
	case PositionOpen:
		if e.Symbol == "" {
			return fmt.Errorf("%w: open requires symbol", ErrMalformedEvent)
		}
		if !e.Side.Valid() {
			return fmt.Errorf("%w: side must be long or short", ErrMalformedEvent)
		}
		if e.Quantity == 0 {
			return fmt.Errorf("%w: open quantity must be > 0", ErrMalformedEvent)
		}
	case PositionClose:
		if e.PositionID == "" && e.Symbol == "" {
			return fmt.Errorf("%w: close requires position_id or symbol", ErrMalformedEvent)
		}
	case PositionPrice:
		if e.Symbol == "" {
			return fmt.Errorf("%w: price update requires symbol", ErrMalformedEvent)
		}
	default:
		return fmt.Errorf("%w: position kind must be open, close, or price", ErrMalformedEvent)
	}
	return nil
}

// MetricsSnapshotEvent carries an agent's self-reported performance snapshot.
// Percentages are expressed in percent units (win_rate 55 means 55%).
type MetricsSnapshotEvent struct {
	PortfolioValue     float64   `json:"portfolio_value"`
	InitialCapital     float64   `json:"initial_capital"`
	TotalPnL           float64   `json:"total_pnl"`
	TotalPnLPct        float64   `json:"total_pnl_pct"`
	DailyPnL           float64   `json:"daily_pnl"`
	DailyPnLPct        float64   `json:"daily_pnl_pct"`
	SharpeRatio        float64   `json:"sharpe_ratio"`
	SortinoRatio       float64   `json:"sortino_ratio"`
	WinRate            float64   `json:"win_rate"`
	TotalTrades        int       `json:"total_trades"`
	WinningTrades      int       `json:"winning_trades"`
	ProfitFactor       float64   `json:"profit_factor"`
	MaxDrawdown        float64   `json:"max_drawdown"`
	MaxDrawdownPct     float64   `json:"max_drawdown_pct"`
	CurrentDrawdown    float64   `json:"current_drawdown"`
	CurrentDrawdownPct float64   `json:"current_drawdown_pct"`
	KellyFraction      *float64  `json:"kelly_fraction,omitempty"`
	AvgWin             *float64  `json:"avg_win,omitempty"`
	AvgLoss            *float64  `json:"avg_loss,omitempty"`
	VaR95              float64   `json:"var_95"`
	ExpectedShortfall  float64   `json:"expected_shortfall"`
	CalculatedAt       time.Time `json:"calculated_at"`
}

func (e *MetricsSnapshotEvent) Type() EventType { return EventMetrics }

func (e *MetricsSnapshotEvent) Validate() error {
	if e.CalculatedAt.IsZero() {
		return fmt.Errorf("%w: calculated_at is required", ErrMalformedEvent)
	}
	fields := []struct {
		name  string
		value float64
	}{
		{"portfolio_value", e.PortfolioValue},
		{"initial_capital", e.InitialCapital},
		{"total_pnl", e.TotalPnL},
		{"total_pnl_pct", e.TotalPnLPct},
		{"daily_pnl", e.DailyPnL},
		{"daily_pnl_pct", e.DailyPnLPct},
		{"sharpe_ratio", e.SharpeRatio},
		{"sortino_ratio", e.SortinoRatio},
		{"win_rate", e.WinRate},
		{"profit_factor", e.ProfitFactor},
		{"max_drawdown", e.MaxDrawdown},
		{"max_drawdown_pct", e.MaxDrawdownPct},
		{"current_drawdown", e.CurrentDrawdown},
		{"current_drawdown_pct", e.CurrentDrawdownPct},
		{"var_95", e.VaR95},
		{"expected_shortfall", e.ExpectedShortfall},
	}
	for _, field := range fields {
		if err := requireFinite(field.name, field.value); err != nil {
			return err
		}
	}
	for name, value := range map[string]*float64{"kelly_fraction": e.KellyFraction, "avg_win": e.AvgWin, "avg_loss": e.AvgLoss} {
		if value == nil {
			continue
		}
		if err := requireFinite(name, *value); err != nil {
			return err
		}
	}
	if e.PortfolioValue < 0 {
		return fmt.Errorf("%w: portfolio_value must be >= 0", ErrMalformedEvent)
	}
	if e.WinRate < 0 || e.WinRate > 100 {
		return fmt.Errorf("%w: win_rate must be within [0,100]", ErrMalformedEvent)
	}
	if e.TotalTrades < 0 || e.WinningTrades < 0 || e.WinningTrades > e.TotalTrades {
		return fmt.Errorf("%w: trade counts are inconsistent", ErrMalformedEvent)
	}
	return nil
}

// Metrics converts the event into the stored snapshot, deriving the Kelly
// fraction when the agent did not report one.
func (e *MetricsSnapshotEvent) Metrics(agentID string) AgentMetrics {
	metrics := AgentMetrics{
		AgentID:            agentID,
		PortfolioValue:     e.PortfolioValue,
		InitialCapital:     e.InitialCapital,
		TotalPnL:           e.TotalPnL,
		TotalPnLPct:        e.TotalPnLPct,
		DailyPnL:           e.DailyPnL,
		DailyPnLPct:        e.DailyPnLPct,
		SharpeRatio:        e.SharpeRatio,
		SortinoRatio:       e.SortinoRatio,
		WinRate:            e.WinRate,
		TotalTrades:        e.TotalTrades,
		WinningTrades:      e.WinningTrades,
		ProfitFactor:       e.ProfitFactor,
		MaxDrawdown:        e.MaxDrawdown,
		MaxDrawdownPct:     e.MaxDrawdownPct,
		CurrentDrawdown:    e.CurrentDrawdown,
		CurrentDrawdownPct: e.CurrentDrawdownPct,
		VaR95:              e.VaR95,
		ExpectedShortfall:  e.ExpectedShortfall,
		CalculatedAt:       e.CalculatedAt.UTC(),
	}
	switch {
	case e.KellyFraction != nil:
		metrics.KellyFraction = *e.KellyFraction
	case e.AvgWin != nil && e.AvgLoss != nil:
		metrics.KellyFraction = KellyFraction(e.WinRate/100, *e.AvgWin, *e.AvgLoss)
	}
	return metrics
}

// KellyFraction computes W − (1−W)/R clamped to [0,1], R = avgWin/|avgLoss|.
func KellyFraction(winRate, avgWin, avgLoss float64) float64 {
	loss := math.Abs(avgLoss)
	if loss == 0 || avgWin <= 0 {
		return 0
	}
	ratio := avgWin / loss
	kelly := winRate - (1-winRate)/ratio
	return math.Max(0, math.Min(1, kelly))
}

// ExecutionEvent fills the execution record of a previously emitted signal.
type ExecutionEvent struct {
	SignalID string    `json:"signal_id"`
	Price    float64   `json:"price"`
	Time     time.Time `json:"time"`
}

func (e *ExecutionEvent) Type() EventType { return EventExecution }

func (e *ExecutionEvent) Validate() error {
	e.SignalID = strings.TrimSpace(e.SignalID)
	if e.SignalID == "" {
		return fmt.Errorf("%w: signal_id is required", ErrMalformedEvent)
	}
	if err := requireFinite("price", e.Price); err != nil {
		return err
	}
	if e.Price <= 0 {
		return fmt.Errorf("%w: execution price must be > 0", ErrMalformedEvent)
	}
	if e.Time.IsZero() {
		return fmt.Errorf("%w: execution time is required", ErrMalformedEvent)
	}
	return nil
}

// TradeBatchEvent appends closed trades, e.g. the output of a completed backtest.
type TradeBatchEvent struct {
	BacktestID string        `json:"backtest_id"`
	Trades     []TradeRecord `json:"trades"`
}

func (e *TradeBatchEvent) Type() EventType { return EventTrades }

func (e *TradeBatchEvent) Validate() error {
	if len(e.Trades) == 0 {
		return fmt.Errorf("%w: trades must not be empty", ErrMalformedEvent)
	}
	for i := range e.Trades {
		trade := &e.Trades[i]
		trade.ID = strings.TrimSpace(trade.ID)
		if trade.ID == "" {
			return fmt.Errorf("%w: trades[%d].id is required", ErrMalformedEvent, i)
		}
		for name, value := range map[string]float64{
			"entry_price": trade.EntryPrice,
			"exit_price":  trade.ExitPrice,
			"quantity":    trade.Quantity,
			"pnl":         trade.PnL,
			"pnl_pct":     trade.PnLPct,
		} {
			if err := requireFinite(fmt.Sprintf("trades[%d].%s", i, name), value); err != nil {
				return err
			}
		}
		if trade.ExitTime.IsZero() {
			return fmt.Errorf("%w: trades[%d].exit_time is required", ErrMalformedEvent, i)
		}
		if !trade.EntryTime.IsZero() && trade.EntryTime.After(trade.ExitTime) {
			return fmt.Errorf("%w: trades[%d] exits before it enters", ErrMalformedEvent, i)
		}
		if trade.BacktestID == "" {
			trade.BacktestID = e.BacktestID
		}
	}
	return nil
}

// StatusEvent is an agent's self-reported lifecycle status.
type StatusEvent struct {
	Status AgentStatus `json:"status"`
	Reason string      `json:"reason"`
}

func (e *StatusEvent) Type() EventType { return EventStatus }

func (e *StatusEvent) Validate() error {
	status, err := ParseAgentStatus(string(e.Status))
	if err != nil {
		return err
	}
	if status != AgentActive && status != AgentError {
		return fmt.Errorf("%w: agents may only report active or error", ErrMalformedEvent)
	}
	e.Status = status
	e.Reason = strings.TrimSpace(e.Reason)
	return nil
}

// RiskEvent carries a recomputed risk snapshot onto the agent's ingest lane.
// It is produced by the risk aggregator and never decoded from the wire.
type RiskEvent struct {
	Metrics RiskMetrics
}

func (e *RiskEvent) Type() EventType { return EventRisk }

func (e *RiskEvent) Validate() error { return nil }

func requireFinite(name string, value float64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("%w: %s must be finite", ErrMalformedEvent, name)
	}
	return nil
}
