package mirror

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/clawars/backend/internal/domain"
	"github.com/coldbell/clawars/backend/internal/feed"
)

// unreachable returns a mirror whose client points at a closed port.
func unreachable(t *testing.T, cfg Config) *Redis {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	return newRedis(client, cfg)
}

func TestKeyNaming(t *testing.T) {
	m := unreachable(t, Config{KeyPrefix: "test:"})
	assert.Equal(t, "test:leaderboard:7d", m.LeaderboardKey(domain.Timeframe7d))
	assert.Equal(t, "test:risk:aggregated", m.RiskKey())
	assert.Equal(t, "test:feed:agent:a1", m.FeedChannel(feed.AgentChannel("a1")))

	m = unreachable(t, Config{})
	assert.Equal(t, "clawars:feed:signals", m.FeedChannel(feed.SignalsChannel))
}

func TestObserveQueuesWrites(t *testing.T) {
	m := unreachable(t, Config{Buffer: 8})

	m.Observe(feed.SignalsChannel, domain.Envelope{Type: domain.EnvelopeHeartbeat})
	assert.Zero(t, m.Stats().Pending)

	dash := &domain.AggregatedRiskDashboard{TotalAgents: 2}
	m.Observe(feed.RiskChannel, domain.Envelope{Type: domain.EnvelopeRisk, Payload: dash, Version: 3})
	require.Equal(t, 2, m.Stats().Pending)

	published := <-m.queue
	assert.Equal(t, "clawars:feed:risk", published.channel)
	var env domain.Envelope
	require.NoError(t, json.Unmarshal(published.payload, &env))
	assert.Equal(t, domain.EnvelopeRisk, env.Type)
	assert.Equal(t, uint64(3), env.Version)

	cached := <-m.queue
	assert.Equal(t, "clawars:risk:aggregated", cached.key)
	var decoded domain.AggregatedRiskDashboard
	require.NoError(t, json.Unmarshal(cached.payload, &decoded))
	assert.Equal(t, 2, decoded.TotalAgents)
}

func TestQueueDropsWhenFull(t *testing.T) {
	m := unreachable(t, Config{Buffer: 1})
	m.OnLeaderboard(&domain.LeaderboardData{Timeframe: domain.Timeframe24h})
	m.OnLeaderboard(&domain.LeaderboardData{Timeframe: domain.Timeframe7d})
	m.OnLeaderboard(nil)

	stats := m.Stats()
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, uint64(1), stats.Dropped)
}

func TestRunCountsFailedWrites(t *testing.T) {
	m := unreachable(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	m.OnLeaderboard(&domain.LeaderboardData{Timeframe: domain.Timeframe24h})
	require.Eventually(t, func() bool { return m.Stats().Failed == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Zero(t, m.Stats().Written)
}

func TestNewRequiresAddr(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}
