package feedclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/clawars/backend/internal/domain"
)

type recorder struct {
	mu       sync.Mutex
	messages []Message
	states   []State
}

func (r *recorder) handle(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recorder) onState(_, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, to)
}

func (r *recorder) snapshot() ([]Message, []State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...), append([]State(nil), r.states...)
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestBackoffDoublesUpToMax(t *testing.T) {
	c, err := New(Config{URL: "ws://localhost/x", BackoffBase: 100 * time.Millisecond, BackoffMax: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, c.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, c.Backoff(2))
	assert.Equal(t, 800*time.Millisecond, c.Backoff(4))
	assert.Equal(t, time.Second, c.Backoff(5))
	assert.Equal(t, time.Second, c.Backoff(40))
}

func TestNewRejectsNonWebsocketURL(t *testing.T) {
	_, err := New(Config{URL: "http://localhost/api"})
	assert.Error(t, err)
}

func TestReconnectResyncsFromSnapshot(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var connections atomic.Int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		n := connections.Add(1)
		_ = conn.WriteJSON(domain.Envelope{Type: domain.EnvelopeSnapshot, Payload: map[string]int{"n": int(n)}, Version: 5})
		if n == 1 {
			_ = conn.WriteJSON(domain.Envelope{Type: domain.EnvelopeMetrics, Seq: 1, Version: 4})
			_ = conn.WriteJSON(domain.Envelope{Type: domain.EnvelopeMetrics, Seq: 2, Version: 6})
			_ = conn.WriteJSON(domain.Envelope{Type: domain.EnvelopeMetrics, Seq: 5, Version: 7})
			return
		}
		<-release
	}))
	defer server.Close()
	defer close(release)

	rec := &recorder{}
	client, err := New(Config{URL: wsURL(server), BackoffBase: time.Millisecond, BackoffMax: 5 * time.Millisecond, OnState: rec.onState})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx, rec.handle) }()

	require.Eventually(t, func() bool {
		msgs, _ := rec.snapshot()
		return len(msgs) == 4
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateOpen, client.State())

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, client.State())

	msgs, states := rec.snapshot()
	types := make([]domain.EnvelopeType, 0, len(msgs))
	for _, m := range msgs {
		types = append(types, m.Type)
	}
	assert.Equal(t, []domain.EnvelopeType{
		domain.EnvelopeSnapshot, domain.EnvelopeMetrics, domain.EnvelopeMetrics, domain.EnvelopeSnapshot,
	}, types)
	assert.Equal(t, uint64(6), msgs[1].Version)
	assert.JSONEq(t, `{"n":2}`, string(msgs[3].Payload))
	assert.Equal(t, []State{StateOpen, StateReconnecting, StateOpen, StateClosed}, states)

	stats := client.Stats()
	assert.Equal(t, uint64(2), stats.Connects)
	assert.Equal(t, uint64(1), stats.Skipped)
	assert.Equal(t, uint64(2), stats.Gaps)
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(server)
	server.Close()

	rec := &recorder{}
	client, err := New(Config{URL: url, BackoffBase: time.Millisecond, BackoffMax: 2 * time.Millisecond, MaxAttempts: 2, OnState: rec.onState})
	require.NoError(t, err)

	err = client.Run(context.Background(), rec.handle)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAttemptsExhausted))
	assert.Equal(t, StateClosed, client.State())

	_, states := rec.snapshot()
	assert.Equal(t, []State{StateReconnecting, StateClosed}, states)
}

func TestCancelWhileReconnectingCloses(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(server)
	server.Close()

	client, err := New(Config{URL: url, BackoffBase: time.Hour, BackoffMax: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx, func(Message) {}) }()

	require.Eventually(t, func() bool { return client.State() == StateReconnecting }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("client did not close")
	}
	assert.Equal(t, StateClosed, client.State())
}
