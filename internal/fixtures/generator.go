// Package fixtures generates synthetic agent telemetry for tests and the
// agent-sim load generator. Nothing in the server links against it.
package fixtures

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/coldbell/clawars/backend/internal/domain"
)

// Generator produces registration inputs and a plausible event stream per agent.
type Generator interface {
	Agent(index int) domain.RegisterAgentInput
	Next(agentID string, at time.Time) domain.Event
	Backtest(agentID string, trades int, end time.Time) *domain.TradeBatchEvent
}

var (
	strategies  = []string{"Momentum", "Mean Reversion", "Breakout", "Trend Following", "Market Making"}
	basePrices  = map[string]float64{"BTCUSDT": 64_000, "ETHUSDT": 3_200, "SOLUSDT": 145, "BNBUSDT": 580, "XRPUSDT": 0.52}
	symbolOrder = sortedSymbols()
)

func sortedSymbols() []string {
	out := make([]string, 0, len(basePrices))
	for symbol := range basePrices {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

type openPosition struct {
	id       string
	symbol   string
	side     domain.PositionSide
	entry    float64
	quantity float64
}

type agentState struct {
	capital     float64
	realized    float64
	peak        float64
	positions   []openPosition
	pendingExec string
	pendingSym  string
	maxDrawdown float64
	trades      int
	wins        int
	grossWin    float64
	grossLoss   float64
	lastMetrics time.Time
	counter     int
}

// Seeded is a deterministic Generator: the same seed and call sequence yield
// the same events.
type Seeded struct {
	rng    *rand.Rand
	prices map[string]float64
	agents map[string]*agentState
}

var _ Generator = (*Seeded)(nil)

func NewSeeded(seed uint64) *Seeded {
	prices := make(map[string]float64, len(basePrices))
	for symbol, price := range basePrices {
		prices[symbol] = price
	}
	return &Seeded{
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		prices: prices,
		agents: make(map[string]*agentState),
	}
}

func (g *Seeded) Agent(index int) domain.RegisterAgentInput {
	strategy := strategies[index%len(strategies)]
	capital := float64(10_000 * (1 + g.rng.IntN(10)))
	return domain.RegisterAgentInput{
		ID:              fmt.Sprintf("sim-%03d", index),
		Name:            fmt.Sprintf("%s #%d", strategy, index),
		StrategyName:    strategy,
		StrategyVersion: "1.0.0",
		Description:     "synthetic agent",
		InitialCapital:  capital,
		StrategyConfig: &domain.StrategyConfig{
			StrategyName:    strategy,
			StrategyVersion: "1.0.0",
			Parameters:      map[string]any{"symbol": symbolOrder[index%len(symbolOrder)], "interval": "5m"},
			PositionSizing:  "kelly",
			KellyMultiplier: 0.5,
			MaxPositionPct:  10,
			StopLossPct:     2,
			TakeProfitPct:   4,
			Enabled:         true,
		},
	}
}

func (g *Seeded) state(agentID string) *agentState {
	st, ok := g.agents[agentID]
	if !ok {
		st = &agentState{capital: 10_000, peak: 10_000}
		g.agents[agentID] = st
	}
	return st
}

// SetCapital aligns the simulated portfolio with the registered capital.
func (g *Seeded) SetCapital(agentID string, capital float64) {
	st := g.state(agentID)
	st.capital = capital
	st.peak = capital
}

func (g *Seeded) walk(symbol string) float64 {
	price := g.prices[symbol] * (1 + g.rng.NormFloat64()*0.002)
	if price <= 0 {
		price = basePrices[symbol]
	}
	g.prices[symbol] = price
	return price
}

func (g *Seeded) symbol() string {
	return symbolOrder[g.rng.IntN(len(symbolOrder))]
}

func (g *Seeded) Next(agentID string, at time.Time) domain.Event {
	st := g.state(agentID)
	st.counter++

	if st.pendingExec != "" {
		id := st.pendingExec
		st.pendingExec = ""
		return &domain.ExecutionEvent{SignalID: id, Price: g.walk(st.pendingSym), Time: at}
	}

	switch r := g.rng.Float64(); {
	case r < 0.35:
		symbol := g.symbol()
		if len(st.positions) > 0 {
			symbol = st.positions[g.rng.IntN(len(st.positions))].symbol
		}
		return &domain.PositionEvent{Kind: domain.PositionPrice, Symbol: symbol, Price: g.walk(symbol), Timestamp: at}
	case r < 0.55:
		symbol := g.symbol()
		action := domain.ActionBuy
		if g.rng.IntN(2) == 0 {
			action = domain.ActionSell
		}
		id := fmt.Sprintf("sig-%s-%d", agentID, st.counter)
		st.pendingExec = id
		st.pendingSym = symbol
		return &domain.SignalEvent{
			ID:             id,
			Symbol:         symbol,
			Action:         action,
			Price:          g.prices[symbol],
			Quantity:       g.quantity(st, symbol),
			Confidence:     math.Round(g.rng.Float64()*100) / 100,
			StrategySignal: "crossover",
			Timestamp:      at,
		}
	case r < 0.70 && len(st.positions) < 3:
		symbol := g.symbol()
		side := domain.SideLong
		if g.rng.IntN(2) == 0 {
			side = domain.SideShort
		}
		pos := openPosition{
			id:       fmt.Sprintf("pos-%s-%d", agentID, st.counter),
			symbol:   symbol,
			side:     side,
			entry:    g.prices[symbol],
			quantity: g.quantity(st, symbol),
		}
		st.positions = append(st.positions, pos)
		return &domain.PositionEvent{Kind: domain.PositionOpen, PositionID: pos.id, Symbol: symbol, Side: side, Price: pos.entry, Quantity: pos.quantity, Timestamp: at}
	case r < 0.80 && len(st.positions) > 0:
		idx := g.rng.IntN(len(st.positions))
		pos := st.positions[idx]
		st.positions = append(st.positions[:idx], st.positions[idx+1:]...)
		exit := g.walk(pos.symbol)
		pnl := (exit - pos.entry) * pos.quantity * pos.side.Sign()
		st.realized += pnl
		st.trades++
		if pnl > 0 {
			st.wins++
			st.grossWin += pnl
		} else {
			st.grossLoss -= pnl
		}
		return &domain.PositionEvent{Kind: domain.PositionClose, PositionID: pos.id, Price: exit, Quantity: pos.quantity, Timestamp: at}
	default:
		return g.metrics(st, at)
	}
}

// quantity sizes a position at roughly 10% of capital.
func (g *Seeded) quantity(st *agentState, symbol string) float64 {
	notional := st.capital * (0.05 + g.rng.Float64()*0.1)
	return math.Round(notional/g.prices[symbol]*1e6) / 1e6
}

func (g *Seeded) metrics(st *agentState, at time.Time) *domain.MetricsSnapshotEvent {
	if !at.After(st.lastMetrics) {
		at = st.lastMetrics.Add(time.Millisecond)
	}
	st.lastMetrics = at

	unrealized := 0.0
	for _, pos := range st.positions {
		unrealized += (g.prices[pos.symbol] - pos.entry) * pos.quantity * pos.side.Sign()
	}
	value := st.capital + st.realized + unrealized
	st.peak = math.Max(st.peak, value)
	drawdown := st.peak - value
	st.maxDrawdown = math.Max(st.maxDrawdown, drawdown)

	winRate := 0.0
	if st.trades > 0 {
		winRate = float64(st.wins) / float64(st.trades) * 100
	}
	profitFactor := 0.0
	if st.grossLoss > 0 {
		profitFactor = st.grossWin / st.grossLoss
	}
	return &domain.MetricsSnapshotEvent{
		PortfolioValue:     value,
		InitialCapital:     st.capital,
		TotalPnL:           value - st.capital,
		TotalPnLPct:        (value - st.capital) / st.capital * 100,
		DailyPnL:           value - st.capital,
		DailyPnLPct:        (value - st.capital) / st.capital * 100,
		SharpeRatio:        g.rng.Float64() * 3,
		SortinoRatio:       g.rng.Float64() * 4,
		WinRate:            winRate,
		TotalTrades:        st.trades,
		WinningTrades:      st.wins,
		ProfitFactor:       profitFactor,
		MaxDrawdown:        st.maxDrawdown,
		MaxDrawdownPct:     st.maxDrawdown / st.peak * 100,
		CurrentDrawdown:    drawdown,
		CurrentDrawdownPct: drawdown / st.peak * 100,
		VaR95:              value * 0.02,
		ExpectedShortfall:  value * 0.03,
		CalculatedAt:       at,
	}
}

// Backtest produces a batch of closed trades spread evenly over the 30 days
// before end.
func (g *Seeded) Backtest(agentID string, trades int, end time.Time) *domain.TradeBatchEvent {
	batch := &domain.TradeBatchEvent{BacktestID: fmt.Sprintf("bt-%s-%d", agentID, g.rng.Uint32())}
	if trades <= 0 {
		return batch
	}
	edge := g.rng.Float64()*0.6 - 0.2
	step := 30 * 24 * time.Hour / time.Duration(trades)
	for i := 0; i < trades; i++ {
		symbol := g.symbol()
		entry := basePrices[symbol] * (1 + g.rng.NormFloat64()*0.01)
		pnlPct := g.rng.NormFloat64()*1.5 + edge
		side := domain.SideLong
		if g.rng.IntN(2) == 0 {
			side = domain.SideShort
		}
		exit := entry * (1 + pnlPct/100*side.Sign())
		quantity := math.Round(1000/entry*1e6) / 1e6
		exitTime := end.Add(-time.Duration(trades-i) * step)
		batch.Trades = append(batch.Trades, domain.TradeRecord{
			ID:         fmt.Sprintf("%s-t%04d", batch.BacktestID, i),
			Symbol:     symbol,
			Side:       side,
			EntryPrice: entry,
			ExitPrice:  exit,
			Quantity:   quantity,
			PnL:        (exit - entry) * quantity * side.Sign(),
			PnLPct:     pnlPct,
			EntryTime:  exitTime.Add(-time.Duration(1+g.rng.IntN(120)) * time.Minute),
			ExitTime:   exitTime,
		})
	}
	return batch
}

// Encode wraps an event in its wire form.
func Encode(event domain.Event) (domain.RawEvent, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return domain.RawEvent{}, fmt.Errorf("encode %s event: %w", event.Type(), err)
	}
	return domain.RawEvent{Type: string(event.Type()), Payload: payload}, nil
}
