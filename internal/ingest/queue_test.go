package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/clawars/backend/internal/domain"
	"github.com/coldbell/clawars/backend/internal/feed"
	"github.com/coldbell/clawars/backend/internal/state"
)

var baseTime = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu     sync.Mutex
	events map[string][]uint64
	types  []domain.EventType
}

func (s *recordingSink) OnApplied(agentID string, event domain.Event, res state.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		s.events = make(map[string][]uint64)
	}
	s.events[agentID] = append(s.events[agentID], res.Snapshot.Version)
	s.types = append(s.types, event.Type())
}

func (s *recordingSink) versions(agentID string) []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.events[agentID]...)
}

func newStore(t *testing.T, ids ...string) *state.Store {
	t.Helper()
	store := state.NewStore(state.Config{Shards: 4})
	for _, id := range ids {
		_, err := store.Register(domain.RegisterAgentInput{ID: id, Name: id, StrategyName: "momentum"})
		require.NoError(t, err)
	}
	return store
}

func metrics(i int) *domain.MetricsSnapshotEvent {
	return &domain.MetricsSnapshotEvent{
		PortfolioValue: 10_000 + float64(i),
		TotalTrades:    i,
		CalculatedAt:   baseTime.Add(time.Duration(i) * time.Second),
	}
}

func startQueue(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestSubmitRejectsBeforeQueueing(t *testing.T) {
	store := newStore(t, "a1")
	q := NewQueue(store, Config{Workers: 2, QueueDepth: 4})

	_, err := q.Submit(context.Background(), "ghost", metrics(1))
	assert.ErrorIs(t, err, domain.ErrUnknownAgent)

	_, err = q.Submit(context.Background(), "a1", &domain.SignalEvent{Symbol: "BTC", Action: "hold", Price: 1, Timestamp: baseTime})
	assert.ErrorIs(t, err, domain.ErrMalformedEvent)

	assert.Equal(t, uint64(2), q.Stats().Rejected)
	for _, depth := range q.Stats().LaneDepths {
		assert.Zero(t, depth)
	}
}

func TestSubmitAppliesAndNotifies(t *testing.T) {
	store := newStore(t, "a1")
	q := NewQueue(store, Config{Workers: 2})
	sink := &recordingSink{}
	q.AddSink(sink)
	startQueue(t, q)

	res, err := q.Submit(context.Background(), "a1", metrics(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.Snapshot.Version)

	// Duplicate delivery is accepted but changes nothing downstream.
	res, err = q.Submit(context.Background(), "a1", metrics(1))
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, []uint64{2}, sink.versions("a1"))
	assert.Equal(t, uint64(2), q.Stats().Accepted)
}

func TestPerAgentOrderingAcrossConcurrentProducers(t *testing.T) {
	ids := []string{"a1", "a2", "a3", "a4", "a5"}
	store := newStore(t, ids...)
	q := NewQueue(store, Config{Workers: 3, QueueDepth: 512})
	sink := &recordingSink{}
	q.AddSink(sink)
	startQueue(t, q)

	const perAgent = 60
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			for i := 1; i <= perAgent; i++ {
				_, err := q.Submit(context.Background(), agentID, metrics(i))
				assert.NoError(t, err)
			}
		}(id)
	}
	wg.Wait()

	for _, id := range ids {
		got := sink.versions(id)
		require.Len(t, got, perAgent)
		for i := 1; i < len(got); i++ {
			assert.Equal(t, got[i-1]+1, got[i], "agent %s", id)
		}
		snap, err := store.Snapshot(id)
		require.NoError(t, err)
		assert.Equal(t, perAgent, snap.Metrics.TotalTrades)
		assert.Len(t, snap.EquityCurve, perAgent)
	}
}

func TestFullLaneIsTransient(t *testing.T) {
	store := newStore(t, "a1")
	q := NewQueue(store, Config{Workers: 1, QueueDepth: 2})

	require.NoError(t, q.Enqueue("a1", metrics(1)))
	require.NoError(t, q.Enqueue("a1", metrics(2)))
	err := q.Enqueue("a1", metrics(3))
	assert.ErrorIs(t, err, domain.ErrTransientIngest)
	assert.Equal(t, []int{2}, q.Stats().LaneDepths)

	startQueue(t, q)
	require.Eventually(t, func() bool {
		snap, err := store.Snapshot("a1")
		return err == nil && snap.Metrics != nil && snap.Metrics.TotalTrades == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRateLimitPerAgent(t *testing.T) {
	store := newStore(t, "a1", "a2")
	q := NewQueue(store, Config{Workers: 1, QueueDepth: 16, RatePerMinute: 1, RateBurst: 2})

	require.NoError(t, q.Enqueue("a1", metrics(1)))
	require.NoError(t, q.Enqueue("a1", metrics(2)))
	assert.ErrorIs(t, q.Enqueue("a1", metrics(3)), domain.ErrTransientIngest)
	assert.NoError(t, q.Enqueue("a2", metrics(1)))
}

func TestSetStatusRunsOnLane(t *testing.T) {
	store := newStore(t, "a1")
	q := NewQueue(store, Config{Workers: 1})
	sink := &recordingSink{}
	q.AddSink(sink)
	startQueue(t, q)

	res, err := q.SetStatus(context.Background(), "a1", domain.AgentPaused, "maintenance")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentPaused, res.Snapshot.Agent.Status)

	_, err = q.SetStatus(context.Background(), "a1", domain.AgentError, "")
	require.NoError(t, err)
	_, err = q.SetStatus(context.Background(), "a1", domain.AgentPaused, "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = q.SetStatus(context.Background(), "nobody", domain.AgentPaused, "")
	assert.ErrorIs(t, err, domain.ErrUnknownAgent)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []domain.EventType{domain.EventStatus, domain.EventStatus}, sink.types)
}

func TestSweepOfflineNotifiesSinks(t *testing.T) {
	store := newStore(t, "a1", "a2")
	q := NewQueue(store, Config{Workers: 1})
	sink := &recordingSink{}
	q.AddSink(sink)
	startQueue(t, q)

	ids := q.SweepOffline(context.Background(), time.Now().Add(time.Hour))
	assert.ElementsMatch(t, []string{"a1", "a2"}, ids)
	for _, id := range ids {
		snap, err := store.Snapshot(id)
		require.NoError(t, err)
		assert.Equal(t, domain.AgentOffline, snap.Agent.Status, fmt.Sprint(id))
		assert.Equal(t, state.OfflineReason, snap.Agent.StatusReason)
		assert.Equal(t, []uint64{snap.Version}, sink.versions(id))
	}

	assert.Empty(t, q.SweepOffline(context.Background(), time.Now().Add(time.Hour)))
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(now time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func TestSweepOfflineWaitsBehindQueuedTelemetry(t *testing.T) {
	clock := &manualClock{now: baseTime}
	store := state.NewStore(state.Config{Shards: 4, Now: clock.Now})
	for _, id := range []string{"busy", "quiet"} {
		_, err := store.Register(domain.RegisterAgentInput{ID: id, Name: id, StrategyName: "momentum"})
		require.NoError(t, err)
	}
	q := NewQueue(store, Config{Workers: 1, QueueDepth: 8})
	sink := &recordingSink{}
	q.AddSink(sink)

	// Both agents look silent when the sweep starts, but "busy" already has
	// telemetry waiting on its lane.
	require.NoError(t, q.Enqueue("busy", metrics(1)))
	clock.Set(baseTime.Add(2 * time.Hour))

	swept := make(chan []string, 1)
	go func() { swept <- q.SweepOffline(context.Background(), baseTime.Add(time.Hour)) }()
	require.Eventually(t, func() bool { return q.Stats().LaneDepths[0] == 3 }, time.Second, 5*time.Millisecond)

	startQueue(t, q)
	var ids []string
	select {
	case ids = <-swept:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep did not finish")
	}
	assert.Equal(t, []string{"quiet"}, ids)

	busy, err := store.Snapshot("busy")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentActive, busy.Agent.Status)
	assert.Equal(t, uint64(2), busy.Version)
	assert.Equal(t, []uint64{2}, sink.versions("busy"))
	assert.Equal(t, []uint64{2}, sink.versions("quiet"))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []domain.EventType{domain.EventMetrics, domain.EventStatus}, sink.types)
}

func TestSubmitTimesOutWhenWorkersStopped(t *testing.T) {
	store := newStore(t, "a1")
	q := NewQueue(store, Config{Workers: 1, SubmitTimeout: 20 * time.Millisecond})
	_, err := q.Submit(context.Background(), "a1", metrics(1))
	assert.ErrorIs(t, err, domain.ErrTransientIngest)
}

func TestTimedOutSubmitIsNeverApplied(t *testing.T) {
	store := newStore(t, "a1")
	q := NewQueue(store, Config{Workers: 1, SubmitTimeout: 20 * time.Millisecond})
	sink := &recordingSink{}
	q.AddSink(sink)

	_, err := q.Submit(context.Background(), "a1", metrics(1))
	require.ErrorIs(t, err, domain.ErrTransientIngest)

	q.cfg.SubmitTimeout = 2 * time.Second
	startQueue(t, q)
	// The producer retries the rejected event; it must land exactly once.
	res, err := q.Submit(context.Background(), "a1", metrics(1))
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, uint64(2), res.Snapshot.Version)
	assert.Equal(t, 1, res.Snapshot.Metrics.TotalTrades)
	assert.Len(t, res.Snapshot.EquityCurve, 1)

	assert.Equal(t, []uint64{2}, sink.versions("a1"))
	stats := q.Stats()
	assert.Equal(t, uint64(1), stats.Cancelled)
	assert.Equal(t, uint64(1), stats.Accepted)
}

func TestRiskCommitsAreOrderedWithTelemetry(t *testing.T) {
	store := newStore(t, "a1")
	hub := feed.NewHub(feed.Config{SubscriberBuffer: 4096})
	q := NewQueue(store, Config{Workers: 2, QueueDepth: 512})
	q.AddSink(feed.NewStatePublisher(hub))
	sub := hub.Subscribe(feed.AgentChannel("a1"))
	defer sub.Cancel()
	startQueue(t, q)

	const rounds = 80
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; i <= rounds; i++ {
			_, err := q.Submit(context.Background(), "a1", metrics(i))
			assert.NoError(t, err)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			_, err := q.CommitRisk("a1", domain.RiskMetrics{AgentID: "a1", Leverage: float64(i), CalculatedAt: baseTime})
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	envs := sub.Drain()
	require.NotEmpty(t, envs)
	risks := 0
	for i, env := range envs {
		if env.Type == domain.EnvelopeRisk {
			risks++
		}
		if i > 0 {
			assert.GreaterOrEqual(t, env.Version, envs[i-1].Version, "envelope %d", i)
		}
	}
	assert.Equal(t, rounds, risks)

	_, err := q.CommitRisk("ghost", domain.RiskMetrics{})
	assert.ErrorIs(t, err, domain.ErrUnknownAgent)
}
