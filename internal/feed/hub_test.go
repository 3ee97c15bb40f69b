package feed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/clawars/backend/internal/domain"
)

func envelope(version uint64) domain.Envelope {
	return domain.Envelope{Type: domain.EnvelopeMetrics, AgentID: "a1", Payload: version, Version: version}
}

func versions(envs []domain.Envelope) []uint64 {
	out := make([]uint64, 0, len(envs))
	for _, env := range envs {
		out = append(out, env.Version)
	}
	return out
}

func TestPublishAssignsChannelSequence(t *testing.T) {
	hub := NewHub(Config{SubscriberBuffer: 8})
	agent := hub.Subscribe(AgentChannel("a1"))
	signals := hub.Subscribe(SignalsChannel)

	hub.Publish(AgentChannel("a1"), envelope(1))
	hub.Publish(AgentChannel("a1"), envelope(2))
	hub.Publish(SignalsChannel, envelope(9))

	got := agent.Drain()
	require.Len(t, got, 2)
	assert.Equal(t, uint64(1), got[0].Seq)
	assert.Equal(t, uint64(2), got[1].Seq)
	assert.False(t, got[0].Timestamp.IsZero())

	other := signals.Drain()
	require.Len(t, other, 1)
	assert.Equal(t, uint64(1), other[0].Seq)
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	hub := NewHub(Config{SubscriberBuffer: 3})
	sub := hub.Subscribe(RiskChannel)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for v := uint64(1); v <= 10; v++ {
			hub.Publish(RiskChannel, envelope(v))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	assert.Equal(t, []uint64{8, 9, 10}, versions(sub.Drain()))
	assert.Equal(t, uint64(7), sub.Dropped())
	assert.Equal(t, uint64(7), hub.Stats().Dropped)
}

func TestSkipThroughDiscardsCoveredDeltas(t *testing.T) {
	hub := NewHub(Config{SubscriberBuffer: 16})
	sub := hub.Subscribe(AgentChannel("a1"))

	for v := uint64(1); v <= 5; v++ {
		hub.Publish(AgentChannel("a1"), envelope(v))
	}
	hub.Publish(AgentChannel("a1"), domain.Envelope{Type: domain.EnvelopeHeartbeat})

	// Snapshot covered versions up to 4.
	sub.SkipThrough(4)
	hub.Publish(AgentChannel("a1"), envelope(3))
	hub.Publish(AgentChannel("a1"), envelope(6))

	got := sub.Drain()
	assert.Equal(t, []uint64{5, 0, 6}, versions(got))
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].Seq, got[i-1].Seq)
	}
}

func TestCancelStopsDeliveryImmediately(t *testing.T) {
	hub := NewHub(Config{SubscriberBuffer: 4})
	sub := hub.Subscribe(SignalsChannel)
	keep := hub.Subscribe(SignalsChannel)
	assert.Equal(t, int64(2), hub.Stats().Subscribers)

	hub.Publish(SignalsChannel, envelope(1))
	sub.Cancel()
	sub.Cancel()
	hub.Publish(SignalsChannel, envelope(2))

	assert.Empty(t, sub.Drain())
	_, err := sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, []uint64{1, 2}, versions(keep.Drain()))
	assert.Equal(t, int64(1), hub.Stats().Subscribers)
}

func TestNextWaitsForPublish(t *testing.T) {
	hub := NewHub(Config{})
	sub := hub.Subscribe(RiskChannel)

	got := make(chan domain.Envelope, 1)
	go func() {
		env, err := sub.Next(context.Background())
		if err == nil {
			got <- env
		}
	}()
	hub.Publish(RiskChannel, envelope(42))

	select {
	case env := <-got:
		assert.Equal(t, uint64(42), env.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return the published envelope")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := sub.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestObserverSeesEveryEnvelope(t *testing.T) {
	hub := NewHub(Config{})
	var mu sync.Mutex
	var seen []Channel
	hub.Observe(func(ch Channel, env domain.Envelope) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ch)
	})
	hub.Publish(AgentChannel("x"), envelope(1))
	hub.Publish(RiskChannel, envelope(1))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Channel{"agent:x", "risk"}, seen)

	id, ok := AgentChannel("x").AgentID()
	assert.True(t, ok)
	assert.Equal(t, "x", id)
	_, ok = RiskChannel.AgentID()
	assert.False(t, ok)
}
