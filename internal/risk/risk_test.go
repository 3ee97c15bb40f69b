package risk

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/clawars/backend/internal/domain"
	"github.com/coldbell/clawars/backend/internal/feed"
	"github.com/coldbell/clawars/backend/internal/state"
)

var baseTime = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *state.Store {
	t.Helper()
	return state.NewStore(state.Config{Shards: 2})
}

func registerAgent(t *testing.T, store *state.Store, id string, capital float64) {
	t.Helper()
	_, err := store.Register(domain.RegisterAgentInput{ID: id, Name: id, StrategyName: "breakout", InitialCapital: capital})
	require.NoError(t, err)
}

func applyMetrics(t *testing.T, store *state.Store, id string, offset time.Duration, value, dailyPct, totalPct float64) {
	t.Helper()
	_, err := store.Apply(id, &domain.MetricsSnapshotEvent{
		PortfolioValue: value,
		InitialCapital: 10_000,
		TotalPnL:       value - 10_000,
		TotalPnLPct:    totalPct,
		DailyPnLPct:    dailyPct,
		CalculatedAt:   baseTime.Add(offset),
	})
	require.NoError(t, err)
}

func openPosition(t *testing.T, store *state.Store, id, symbol string, price, qty float64) {
	t.Helper()
	_, err := store.Apply(id, &domain.PositionEvent{Kind: domain.PositionOpen, Symbol: symbol, Side: domain.SideLong, Price: price, Quantity: qty, Timestamp: baseTime})
	require.NoError(t, err)
}

func snapshot(t *testing.T, store *state.Store, id string) *state.Snapshot {
	t.Helper()
	snap, err := store.Snapshot(id)
	require.NoError(t, err)
	return snap
}

func alertTypes(alerts []domain.RiskAlert) map[domain.AlertType]domain.AlertSeverity {
	out := make(map[domain.AlertType]domain.AlertSeverity, len(alerts))
	for _, alert := range alerts {
		out[alert.Type] = alert.Severity
	}
	return out
}

func TestDrawdownAtEightyPercentOfLimitIsMedium(t *testing.T) {
	store := newStore(t)
	registerAgent(t, store, "a", 10_000)
	applyMetrics(t, store, "a", 0, 9_550, -4.5, -4.5)

	snap := snapshot(t, store, "a")
	r := Evaluate(snap, nil, baseTime)
	assert.Equal(t, 4.5, r.DailyDrawdown)
	assert.Equal(t, 5.0, r.DailyDrawdownLimit)

	alerts := Alerts(snap.Agent, r, Thresholds{})
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertDrawdownWarning, alerts[0].Type)
	assert.Equal(t, domain.SeverityMedium, alerts[0].Severity)
	assert.InDelta(t, 4.0, alerts[0].Threshold, 1e-9)

	r.DailyDrawdown = 3.99
	assert.Empty(t, Alerts(snap.Agent, r, Thresholds{}))
}

func TestHeatAndLeverageTiers(t *testing.T) {
	store := newStore(t)
	registerAgent(t, store, "a", 10_000)
	applyMetrics(t, store, "a", 0, 10_000, 0, 0)

	openPosition(t, store, "a", "BTC", 100, 85)
	r := Evaluate(snapshot(t, store, "a"), nil, baseTime)
	assert.Equal(t, 85.0, r.PortfolioHeat)
	assert.Equal(t, 0.85, r.Leverage)
	assert.Equal(t, 4250.0, r.MarginUsed)
	assert.Equal(t, 5750.0, r.MarginAvailable)
	assert.Equal(t, map[domain.AlertType]domain.AlertSeverity{domain.AlertHeatHigh: domain.SeverityHigh}, alertTypes(Alerts(snapshot(t, store, "a").Agent, r, Thresholds{})))

	openPosition(t, store, "a", "ETH", 100, 75)
	r = Evaluate(snapshot(t, store, "a"), nil, baseTime)
	assert.Equal(t, 160.0, r.PortfolioHeat)
	assert.Equal(t, map[domain.AlertType]domain.AlertSeverity{
		domain.AlertHeatDanger:   domain.SeverityCritical,
		domain.AlertLeverageHigh: domain.SeverityMedium,
	}, alertTypes(Alerts(snapshot(t, store, "a").Agent, r, Thresholds{})))
	assert.GreaterOrEqual(t, r.RiskScore, 0.0)
	assert.LessOrEqual(t, r.RiskScore, 10.0)
}

func TestHistoricalVaRFromEquityCurve(t *testing.T) {
	store := newStore(t)
	registerAgent(t, store, "a", 10_000)

	value := 10_000.0
	applyMetrics(t, store, "a", 0, value, 0, 0)
	for i := 0; i < 20; i++ {
		value *= 1 + float64(i-10)/1000
		applyMetrics(t, store, "a", time.Duration(i+1)*time.Minute, value, 0, 0)
	}

	r := Evaluate(snapshot(t, store, "a"), nil, baseTime)
	assert.InDelta(t, 0.009*value, r.VaR95, 0.01)
	assert.InDelta(t, 0.0095*value, r.ExpectedShortfall, 0.01)
}

func TestCorrelationAndBetaAgainstPeers(t *testing.T) {
	curve := func(returns ...float64) []domain.EquityPoint {
		out := []domain.EquityPoint{{Time: 0, Value: 100}}
		for i, r := range returns {
			out = append(out, domain.EquityPoint{Time: int64(i + 1), Value: out[i].Value * (1 + r)})
		}
		return out
	}
	own := curve(0.01, -0.02, 0.015, 0.005, -0.01, 0.02)
	snap := &state.Snapshot{
		Agent:       domain.Agent{ID: "a"},
		Limits:      domain.RiskLimits{DailyDrawdownLimit: 5, PortfolioHeatLimit: 100, MaxLeverage: 2},
		EquityCurve: own,
	}

	r := Evaluate(snap, [][]domain.EquityPoint{own}, baseTime)
	assert.InDelta(t, 1.0, r.Correlation, 1e-9)
	assert.InDelta(t, 1.0, r.Beta, 1e-9)

	r = Evaluate(snap, [][]domain.EquityPoint{curve(0.01, 0.01)}, baseTime)
	assert.Zero(t, r.Correlation)
	assert.Zero(t, r.Beta)
}

func TestAggregateWeightsByPortfolioValueAndSkipsInactive(t *testing.T) {
	store := newStore(t)
	for _, id := range []string{"small", "large", "gone", "broken"} {
		registerAgent(t, store, id, 10_000)
	}
	applyMetrics(t, store, "small", 0, 10_000, -2, 5)
	applyMetrics(t, store, "large", 0, 30_000, -4, 12)
	applyMetrics(t, store, "gone", 0, 1_000_000, -50, 900)
	applyMetrics(t, store, "broken", 0, 20_000, 0, -3)
	openPosition(t, store, "small", "BTC", 50, 100)
	openPosition(t, store, "large", "ETH", 30, 100)

	for _, id := range []string{"small", "large", "gone", "broken"} {
		_, err := store.CommitRisk(id, Evaluate(snapshot(t, store, id), nil, baseTime))
		require.NoError(t, err)
	}
	_, err := store.SetStatus("gone", domain.AgentOffline, "")
	require.NoError(t, err)
	_, err = store.Apply("broken", &domain.StatusEvent{Status: domain.AgentError, Reason: "feed lost"})
	require.NoError(t, err)

	dash := Aggregate(store.Snapshots(), Thresholds{}, 3, baseTime)
	assert.Equal(t, 4, dash.TotalAgents)
	assert.Equal(t, 2, dash.ActiveAgents)
	assert.Equal(t, 40_000.0, dash.TotalPortfolioValue)
	assert.Equal(t, 2, dash.TotalPositions)
	assert.Equal(t, 3.5, dash.AggregateDrawdown)
	assert.Equal(t, 20.0, dash.AggregateHeat)
	assert.Len(t, dash.Agents, 4)
	assert.False(t, dash.Agents[2].Aggregated)

	require.Len(t, dash.TopPerformers, 2)
	assert.Equal(t, "large", dash.TopPerformers[0].AgentID)
	assert.Equal(t, "small", dash.WorstPerformers[0].AgentID)

	require.NotEmpty(t, dash.RiskAlerts)
	assert.Equal(t, domain.AlertAgentError, dash.RiskAlerts[0].Type)
	assert.Equal(t, "broken", dash.RiskAlerts[0].AgentID)
	types := alertTypes(dash.RiskAlerts)
	assert.Equal(t, domain.SeverityMedium, types[domain.AlertDrawdownWarning])
	for _, alert := range dash.RiskAlerts {
		assert.NotEqual(t, "gone", alert.AgentID)
	}
}

type capturingPublisher struct {
	mu   sync.Mutex
	envs map[feed.Channel][]domain.Envelope
}

func (p *capturingPublisher) Publish(ch feed.Channel, env domain.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.envs == nil {
		p.envs = make(map[feed.Channel][]domain.Envelope)
	}
	p.envs[ch] = append(p.envs[ch], env)
}

func (p *capturingPublisher) count(ch feed.Channel) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.envs[ch])
}

func TestDebounceCoalescesBurst(t *testing.T) {
	store := newStore(t)
	registerAgent(t, store, "a", 10_000)
	pub := &capturingPublisher{}
	agg := NewAggregator(store, pub, Config{DebounceWindow: 50 * time.Millisecond})

	var evaluations atomic.Int32
	agg.evaluate = func(snap *state.Snapshot, peers [][]domain.EquityPoint, now time.Time) domain.RiskMetrics {
		evaluations.Add(1)
		return Evaluate(snap, peers, now)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = agg.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	for i := 0; i < 100; i++ {
		agg.MarkDirty("a")
	}
	require.Eventually(t, func() bool { return evaluations.Load() == 1 && agg.Pending() == 0 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, int32(1), evaluations.Load())
	// Per-agent risk envelopes belong to whoever publishes the commit.
	assert.Zero(t, pub.count(feed.AgentChannel("a")))
	assert.Equal(t, 1, pub.count(feed.RiskChannel))
	assert.Equal(t, uint64(1), agg.Current().Version)
	assert.NotNil(t, snapshot(t, store, "a").Risk)
}

func TestRecomputeFailureIsIsolated(t *testing.T) {
	store := newStore(t)
	registerAgent(t, store, "good", 10_000)
	registerAgent(t, store, "bad", 10_000)
	agg := NewAggregator(store, nil, Config{})

	agg.Flush()
	agg.MarkDirty("good")
	agg.MarkDirty("bad")
	agg.Flush()
	prior := snapshot(t, store, "bad").Risk
	require.NotNil(t, prior)

	agg.evaluate = func(snap *state.Snapshot, peers [][]domain.EquityPoint, now time.Time) domain.RiskMetrics {
		if snap.Agent.ID == "bad" {
			panic("boom")
		}
		return Evaluate(snap, peers, now.Add(time.Minute))
	}
	agg.MarkDirty("good")
	agg.MarkDirty("bad")
	agg.Flush()

	assert.Same(t, prior, snapshot(t, store, "bad").Risk)
	assert.NotSame(t, prior, snapshot(t, store, "good").Risk)
	assert.Equal(t, uint64(1), agg.Stats().Failures)
	assert.Equal(t, uint64(3), agg.Current().Version)

	err := agg.recomputeAgent("bad", nil)
	assert.ErrorIs(t, err, domain.ErrRecomputeFailure)
}

func TestAlertsReflectCurrentConditionOnly(t *testing.T) {
	store := newStore(t)
	registerAgent(t, store, "a", 10_000)
	agg := NewAggregator(store, nil, Config{})

	applyMetrics(t, store, "a", 0, 9_500, -4.5, -5)
	agg.MarkDirty("a")
	agg.Flush()
	require.Len(t, agg.Current().RiskAlerts, 1)

	applyMetrics(t, store, "a", time.Minute, 9_900, -1, -1)
	agg.MarkDirty("a")
	agg.Flush()
	assert.Empty(t, agg.Current().RiskAlerts)
}
