package state

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/coldbell/clawars/backend/internal/domain"
)

// Apply mutates the agent's state with one event and returns the committed
// snapshot. Duplicate metrics snapshots (same calculated_at) are no-ops.
func (s *Store) Apply(agentID string, event domain.Event) (Result, error) {
	if event == nil {
		return Result{}, fmt.Errorf("%w: nil event", domain.ErrMalformedEvent)
	}
	return s.mutate(agentID, func(c *cell, cur *Snapshot, next *Snapshot) (Result, error) {
		var (
			res Result
			err error
		)
		switch e := event.(type) {
		case *domain.SignalEvent:
			res, err = s.applySignal(cur, next, e)
		case *domain.PositionEvent:
			res, err = s.applyPosition(c, cur, next, e)
		case *domain.MetricsSnapshotEvent:
			res, err = s.applyMetrics(cur, next, e)
		case *domain.ExecutionEvent:
			res, err = s.applyExecution(cur, next, e)
		case *domain.TradeBatchEvent:
			res, err = s.applyTrades(c, cur, next, e)
		case *domain.StatusEvent:
			res, err = s.applyStatus(cur, next, e)
		default:
			return Result{}, fmt.Errorf("%w: unsupported event %T", domain.ErrMalformedEvent, event)
		}
		if errors.Is(err, errDuplicate) {
			return Result{}, nil
		}
		if err != nil {
			return Result{}, err
		}

		// Any accepted event is proof of life.
		now := s.cfg.Now().UTC()
		next.LastEventAt = now
		res.Changed = true
		if cur.Agent.Status == domain.AgentOffline && next.Agent.Status == domain.AgentOffline {
			next.Agent.Status = domain.AgentActive
			next.Agent.StatusReason = ""
			next.Agent.UpdatedAt = now
			res.StatusChanged = true
		}
		return res, nil
	})
}

func (s *Store) applySignal(cur, next *Snapshot, e *domain.SignalEvent) (Result, error) {
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	duplicate := s.signals.contains(cur.Agent.ID, id)
	for _, existing := range cur.RecentSignals {
		if existing.ID == id {
			duplicate = true
		}
	}
	if duplicate {
		return Result{}, fmt.Errorf("%w: duplicate signal id %s", domain.ErrMalformedEvent, id)
	}
	signal := domain.Signal{
		ID:             id,
		AgentID:        cur.Agent.ID,
		AgentName:      cur.Agent.Name,
		Symbol:         e.Symbol,
		Action:         e.Action,
		Price:          e.Price,
		Quantity:       e.Quantity,
		Confidence:     e.Confidence,
		StrategySignal: e.StrategySignal,
		Timestamp:      e.Timestamp.UTC(),
	}
	signal.Seq = s.signals.append(signal)

	size := min(len(cur.RecentSignals)+1, s.cfg.RecentSignals)
	recent := make([]domain.Signal, 0, size)
	recent = append(recent, signal)
	recent = append(recent, cur.RecentSignals[:size-1]...)
	next.RecentSignals = recent
	return Result{Signal: &signal}, nil
}

func (s *Store) applyExecution(cur, next *Snapshot, e *domain.ExecutionEvent) (Result, error) {
	price := e.Price
	at := e.Time.UTC()

	updated, ok := s.signals.execute(cur.Agent.ID, e.SignalID, price, at)
	idx := -1
	for i, sig := range cur.RecentSignals {
		if sig.ID == e.SignalID {
			idx = i
			break
		}
	}
	if !ok && idx < 0 {
		return Result{}, fmt.Errorf("%w: signal %s", domain.ErrNotFound, e.SignalID)
	}
	if idx >= 0 {
		recent := make([]domain.Signal, len(cur.RecentSignals))
		copy(recent, cur.RecentSignals)
		sig := recent[idx]
		sig.Executed = true
		sig.ExecutionPrice = &price
		sig.ExecutionTime = &at
		recent[idx] = sig
		next.RecentSignals = recent
		if !ok {
			updated = sig
		}
	}
	return Result{Signal: &updated}, nil
}

func (s *Store) applyPosition(c *cell, cur, next *Snapshot, e *domain.PositionEvent) (Result, error) {
	switch e.Kind {
	case domain.PositionOpen:
		id := e.PositionID
		if id == "" {
			id = uuid.NewString()
		}
		for _, pos := range cur.Positions {
			if pos.ID == id {
				return Result{}, fmt.Errorf("%w: position %s is already open", domain.ErrMalformedEvent, id)
			}
		}
		pos := domain.Position{
			ID:         id,
			AgentID:    cur.Agent.ID,
			Symbol:     e.Symbol,
			Side:       e.Side,
			EntryPrice: e.Price,
			Quantity:   e.Quantity,
			EntryTime:  e.Timestamp.UTC(),
			StopLoss:   e.StopLoss,
			TakeProfit: e.TakeProfit,
		}.Reprice(e.Price)
		positions := make([]domain.Position, 0, len(cur.Positions)+1)
		positions = append(positions, cur.Positions...)
		positions = append(positions, pos)
		next.Positions = positions
		return Result{}, nil

	case domain.PositionClose:
		idx := findPosition(cur.Positions, e.PositionID, e.Symbol)
		if idx < 0 {
			return Result{}, fmt.Errorf("%w: no open position for %s%s", domain.ErrMalformedEvent, e.PositionID, e.Symbol)
		}
		pos := cur.Positions[idx]
		qty := e.Quantity
		if qty == 0 || qty > pos.Quantity {
			qty = pos.Quantity
		}
		pnl := pos.Realize(e.Price, qty)
		pnlPct := 0.0
		if basis := pos.EntryPrice * qty; basis != 0 {
			pnlPct = pnl / basis * 100
		}
		trade := domain.TradeRecord{
			ID:         uuid.NewString(),
			AgentID:    cur.Agent.ID,
			Symbol:     pos.Symbol,
			Side:       pos.Side,
			EntryPrice: pos.EntryPrice,
			ExitPrice:  e.Price,
			Quantity:   qty,
			PnL:        pnl,
			PnLPct:     pnlPct,
			EntryTime:  pos.EntryTime,
			ExitTime:   e.Timestamp.UTC(),
		}

		positions := make([]domain.Position, 0, len(cur.Positions))
		for i, p := range cur.Positions {
			if i != idx {
				positions = append(positions, p)
				continue
			}
			if remaining := p.Quantity - qty; remaining > 0 {
				p.Quantity = remaining
				positions = append(positions, p.Reprice(e.Price))
			}
		}
		next.Positions = positions
		c.tradeIDs[trade.ID] = struct{}{}
		next.Trades = s.appendTrades(cur.Trades, []domain.TradeRecord{trade})
		return Result{Trades: []domain.TradeRecord{trade}}, nil

	case domain.PositionPrice:
		positions := make([]domain.Position, len(cur.Positions))
		for i, p := range cur.Positions {
			if p.Symbol == e.Symbol {
				p = p.Reprice(e.Price)
			}
			positions[i] = p
		}
		next.Positions = positions
		return Result{}, nil
	}
	return Result{}, fmt.Errorf("%w: unsupported position kind %q", domain.ErrMalformedEvent, e.Kind)
}

func findPosition(positions []domain.Position, id, symbol string) int {
	if id != "" {
		for i, p := range positions {
			if p.ID == id {
				return i
			}
		}
		return -1
	}
	// Without an id the oldest position in the symbol is closed first.
	best := -1
	for i, p := range positions {
		if p.Symbol != symbol {
			continue
		}
		if best < 0 || p.EntryTime.Before(positions[best].EntryTime) {
			best = i
		}
	}
	return best
}

func (s *Store) applyMetrics(cur, next *Snapshot, e *domain.MetricsSnapshotEvent) (Result, error) {
	metrics := e.Metrics(cur.Agent.ID)
	if cur.Metrics != nil {
		switch {
		case metrics.CalculatedAt.Equal(cur.Metrics.CalculatedAt):
			return Result{}, errDuplicate
		case metrics.CalculatedAt.Before(cur.Metrics.CalculatedAt):
			return Result{}, fmt.Errorf("%w: metrics calculated_at %s precedes current %s",
				domain.ErrMalformedEvent, metrics.CalculatedAt.Format(time.RFC3339Nano), cur.Metrics.CalculatedAt.Format(time.RFC3339Nano))
		}
	}
	next.Metrics = &metrics
	if next.InitialCapital == 0 && metrics.InitialCapital > 0 {
		next.InitialCapital = metrics.InitialCapital
	}

	point := domain.EquityPoint{Time: metrics.CalculatedAt.Unix(), Value: metrics.PortfolioValue}
	curve := append(cur.EquityCurve, point)
	if limit := s.cfg.MaxEquityPoints; limit > 0 && len(curve) > limit {
		trimmed := make([]domain.EquityPoint, limit)
		copy(trimmed, curve[len(curve)-limit:])
		curve = trimmed
	}
	next.EquityCurve = curve
	return Result{Equity: &point}, nil
}

func (s *Store) applyTrades(c *cell, cur, next *Snapshot, e *domain.TradeBatchEvent) (Result, error) {
	fresh := make([]domain.TradeRecord, 0, len(e.Trades))
	for _, trade := range e.Trades {
		if _, seen := c.tradeIDs[trade.ID]; seen {
			continue
		}
		trade.AgentID = cur.Agent.ID
		if trade.BacktestID == "" {
			trade.BacktestID = e.BacktestID
		}
		trade.EntryTime = trade.EntryTime.UTC()
		trade.ExitTime = trade.ExitTime.UTC()
		fresh = append(fresh, trade)
	}
	if len(fresh) == 0 {
		return Result{}, errDuplicate
	}
	sort.SliceStable(fresh, func(i, j int) bool {
		return fresh[i].ExitTime.Before(fresh[j].ExitTime)
	})
	for _, trade := range fresh {
		c.tradeIDs[trade.ID] = struct{}{}
	}
	if e.BacktestID != "" {
		next.Agent.BacktestID = e.BacktestID
	}
	next.Trades = s.appendTrades(cur.Trades, fresh)
	return Result{Trades: fresh}, nil
}

// appendTrades grows the ledger in place. The single writer guarantees no
// other snapshot owns the spare capacity past len(current).
func (s *Store) appendTrades(current, add []domain.TradeRecord) []domain.TradeRecord {
	return append(current, add...)
}

func (s *Store) applyStatus(cur, next *Snapshot, e *domain.StatusEvent) (Result, error) {
	if cur.Agent.Status == e.Status {
		return Result{}, errDuplicate
	}
	if cur.Agent.Status == domain.AgentPaused && e.Status == domain.AgentActive {
		return Result{}, fmt.Errorf("%w: paused agents are resumed by an operator", domain.ErrInvalidTransition)
	}
	if !cur.Agent.Status.CanTransition(e.Status) {
		return Result{}, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, cur.Agent.Status, e.Status)
	}
	next.Agent.Status = e.Status
	next.Agent.StatusReason = e.Reason
	next.Agent.UpdatedAt = s.cfg.Now().UTC()
	return Result{StatusChanged: true}, nil
}
