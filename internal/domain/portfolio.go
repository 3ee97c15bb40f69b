package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type AgentMetrics struct {
	AgentID            string    `json:"agent_id"`
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
	KellyFraction      float64   `json:"kelly_fraction"`
	VaR95              float64   `json:"var_95"`
	ExpectedShortfall  float64   `json:"expected_shortfall"`
	CalculatedAt       time.Time `json:"calculated_at"`
}

type EquityPoint struct {
	Time  int64   `json:"time"`
	Value float64 `json:"value"`
}

type PositionSide string

const (
	SideLong  PositionSide = "long"
	SideShort PositionSide = "short"
)

func (s PositionSide) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

func (s PositionSide) Valid() bool {
	return s == SideLong || s == SideShort
}

type Position struct {
	ID               string       `json:"id"`
	AgentID          string       `json:"agent_id"`
	Symbol           string       `json:"symbol"`
	Side             PositionSide `json:"side"`
	EntryPrice       float64      `json:"entry_price"`
	CurrentPrice     float64      `json:"current_price"`
	Quantity         float64      `json:"quantity"`
	NotionalValue    float64      `json:"notional_value"`
	UnrealizedPnL    float64      `json:"unrealized_pnl"`
	UnrealizedPnLPct float64      `json:"unrealized_pnl_pct"`
	EntryTime        time.Time    `json:"entry_time"`
	StopLoss         *float64     `json:"stop_loss,omitempty"`
	TakeProfit       *float64     `json:"take_profit,omitempty"`
}

// Reprice moves the position to price and recomputes the derived fields:
// notional = price × quantity, unrealized = (price − entry) × quantity × sign(side).
func (p Position) Reprice(price float64) Position {
	p.CurrentPrice = price
	current := decimal.NewFromFloat(price)
	entry := decimal.NewFromFloat(p.EntryPrice)
	qty := decimal.NewFromFloat(p.Quantity)
	sign := decimal.NewFromFloat(p.Side.Sign())

	p.NotionalValue = current.Mul(qty).InexactFloat64()
	unrealized := current.Sub(entry).Mul(qty).Mul(sign)
	p.UnrealizedPnL = unrealized.InexactFloat64()

	basis := entry.Mul(qty)
	if basis.IsZero() {
		p.UnrealizedPnLPct = 0
	} else {
		p.UnrealizedPnLPct = unrealized.Div(basis).Mul(decimal.NewFromInt(100)).Round(4).InexactFloat64()
	}
	return p
}

// Realize closes quantity of the position at price and returns the realized P&L.
func (p Position) Realize(price, quantity float64) float64 {
	exit := decimal.NewFromFloat(price)
	entry := decimal.NewFromFloat(p.EntryPrice)
	qty := decimal.NewFromFloat(quantity)
	return exit.Sub(entry).Mul(qty).Mul(decimal.NewFromFloat(p.Side.Sign())).InexactFloat64()
}

type TradeRecord struct {
	ID         string       `json:"id"`
	AgentID    string       `json:"agent_id"`
	Symbol     string       `json:"symbol"`
	Side       PositionSide `json:"side"`
	EntryPrice float64      `json:"entry_price"`
	ExitPrice  float64      `json:"exit_price"`
	Quantity   float64      `json:"quantity"`
	PnL        float64      `json:"pnl"`
	PnLPct     float64      `json:"pnl_pct"`
	EntryTime  time.Time    `json:"entry_time"`
	ExitTime   time.Time    `json:"exit_time"`
	BacktestID string       `json:"backtest_id,omitempty"`
}

type SignalAction string

const (
	ActionBuy        SignalAction = "buy"
	ActionSell       SignalAction = "sell"
	ActionCloseLong  SignalAction = "close_long"
	ActionCloseShort SignalAction = "close_short"
)

func (a SignalAction) Valid() bool {
	switch a {
	case ActionBuy, ActionSell, ActionCloseLong, ActionCloseShort:
		return true
	default:
		return false
	}
}

type Signal struct {
	ID             string       `json:"id"`
	AgentID        string       `json:"agent_id"`
	AgentName      string       `json:"agent_name"`
	Symbol         string       `json:"symbol"`
	Action         SignalAction `json:"action"`
	Price          float64      `json:"price"`
	Quantity       float64      `json:"quantity"`
	Confidence     float64      `json:"confidence"`
	StrategySignal string       `json:"strategy_signal"`
	Timestamp      time.Time    `json:"timestamp"`
	Executed       bool         `json:"executed"`
	ExecutionPrice *float64     `json:"execution_price,omitempty"`
	ExecutionTime  *time.Time   `json:"execution_time,omitempty"`
	// Seq is the position of the signal in the global signal log.
	Seq uint64 `json:"seq"`
}
