package feed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/clawars/backend/internal/domain"
	"github.com/coldbell/clawars/backend/internal/state"
)

func applyAndPublish(t *testing.T, store *state.Store, pub *StatePublisher, agentID string, event domain.Event) state.Result {
	t.Helper()
	res, err := store.Apply(agentID, event)
	require.NoError(t, err)
	if res.Changed {
		pub.OnApplied(agentID, event, res)
	}
	return res
}

func TestStatePublisherRoutesEnvelopes(t *testing.T) {
	store := state.NewStore(state.Config{Shards: 2})
	_, err := store.Register(domain.RegisterAgentInput{ID: "a1", Name: "Alpha", StrategyName: "trend"})
	require.NoError(t, err)

	hub := NewHub(Config{SubscriberBuffer: 16})
	pub := NewStatePublisher(hub)
	agent := hub.Subscribe(AgentChannel("a1"))
	signals := hub.Subscribe(SignalsChannel)

	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	res := applyAndPublish(t, store, pub, "a1", &domain.SignalEvent{ID: "s1", Symbol: "BTCUSDT", Action: domain.ActionBuy, Price: 60_000, Confidence: 0.7, Timestamp: now})
	applyAndPublish(t, store, pub, "a1", &domain.ExecutionEvent{SignalID: "s1", Price: 60_010, Time: now.Add(time.Second)})
	applyAndPublish(t, store, pub, "a1", &domain.PositionEvent{Kind: domain.PositionOpen, Symbol: "BTCUSDT", Side: domain.SideLong, Price: 60_010, Quantity: 0.1, Timestamp: now})
	last := applyAndPublish(t, store, pub, "a1", &domain.MetricsSnapshotEvent{PortfolioValue: 10_100, CalculatedAt: now})

	got := agent.Drain()
	kinds := make([]domain.EnvelopeType, 0, len(got))
	for _, env := range got {
		kinds = append(kinds, env.Type)
	}
	assert.Equal(t, []domain.EnvelopeType{
		domain.EnvelopeSignal, domain.EnvelopeSignal, domain.EnvelopePosition, domain.EnvelopeMetrics, domain.EnvelopeEquity,
	}, kinds)
	assert.Equal(t, res.Snapshot.Version, got[0].Version)
	assert.Equal(t, last.Snapshot.Version, got[4].Version)

	global := signals.Drain()
	require.Len(t, global, 2)
	assert.Equal(t, res.Signal.Seq, global[0].Version)
	assert.Zero(t, global[1].Version)
	executed, ok := global[1].Payload.(*domain.Signal)
	require.True(t, ok)
	assert.True(t, executed.Executed)
}

func TestReconnectSnapshotPrecedesDeltas(t *testing.T) {
	store := state.NewStore(state.Config{Shards: 2})
	_, err := store.Register(domain.RegisterAgentInput{ID: "a1", Name: "Alpha", StrategyName: "trend"})
	require.NoError(t, err)
	hub := NewHub(Config{SubscriberBuffer: 16})
	pub := NewStatePublisher(hub)
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	// Published while the client is disconnected: never delivered.
	for i := 0; i < 3; i++ {
		applyAndPublish(t, store, pub, "a1", &domain.MetricsSnapshotEvent{PortfolioValue: 10_000 + float64(i), CalculatedAt: base.Add(time.Duration(i) * time.Second)})
	}

	sub := hub.Subscribe(AgentChannel("a1"))
	// A delta races in between subscribe and the snapshot read.
	applyAndPublish(t, store, pub, "a1", &domain.MetricsSnapshotEvent{PortfolioValue: 10_050, CalculatedAt: base.Add(30 * time.Second)})
	snap, err := store.Snapshot("a1")
	require.NoError(t, err)
	sub.SkipThrough(snap.Version)
	applyAndPublish(t, store, pub, "a1", &domain.MetricsSnapshotEvent{PortfolioValue: 10_075, CalculatedAt: base.Add(31 * time.Second)})

	got := sub.Drain()
	require.Len(t, got, 2)
	for _, env := range got {
		assert.Greater(t, env.Version, snap.Version)
	}
	metrics, ok := got[0].Payload.(*domain.AgentMetrics)
	require.True(t, ok)
	assert.Equal(t, 10_075.0, metrics.PortfolioValue)
}

func TestStatusChangePublishesAgent(t *testing.T) {
	store := state.NewStore(state.Config{Shards: 2})
	_, err := store.Register(domain.RegisterAgentInput{ID: "a1", Name: "Alpha", StrategyName: "trend"})
	require.NoError(t, err)
	hub := NewHub(Config{SubscriberBuffer: 4})
	pub := NewStatePublisher(hub)
	sub := hub.Subscribe(AgentChannel("a1"))

	applyAndPublish(t, store, pub, "a1", &domain.StatusEvent{Status: domain.AgentError, Reason: "exchange down"})
	pub.OnApplied("a1", &domain.StatusEvent{}, state.Result{})

	got := sub.Drain()
	require.Len(t, got, 1)
	assert.Equal(t, domain.EnvelopeStatus, got[0].Type)
	agent, ok := got[0].Payload.(domain.Agent)
	require.True(t, ok)
	assert.Equal(t, domain.AgentError, agent.Status)
}
