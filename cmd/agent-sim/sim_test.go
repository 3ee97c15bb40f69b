package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/clawars/backend/internal/config"
	"github.com/coldbell/clawars/backend/internal/domain"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPoster(baseURL string, retries int) *poster {
	return &poster{
		baseURL:     baseURL,
		client:      http.DefaultClient,
		maxRetries:  retries,
		backoffBase: time.Millisecond,
		backoffMax:  4 * time.Millisecond,
		logger:      quietLogger(),
	}
}

func TestPostRetriesThrottledResponses(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusAccepted)
		}
	}))
	defer server.Close()

	code, err := testPoster(server.URL, 5).post(context.Background(), "/x", map[string]int{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPostStopsOnClientErrorsAndExhaustedRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if strings.HasSuffix(r.URL.Path, "/bad") {
			http.Error(w, `{"error":"malformed event"}`, http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	p := testPoster(server.URL, 2)
	code, err := p.post(context.Background(), "/bad", struct{}{})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, err.Error(), "malformed event")
	assert.Equal(t, int32(1), calls.Load())

	code, err = p.post(context.Background(), "/busy", struct{}{})
	require.Error(t, err)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, int32(4), calls.Load())
}

func TestSimulatorRegistersAndStreams(t *testing.T) {
	var (
		mu     sync.Mutex
		paths  []string
		events []domain.RawEvent
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		paths = append(paths, r.URL.Path)
		if strings.HasSuffix(r.URL.Path, "/events") {
			var raw domain.RawEvent
			if err := json.NewDecoder(r.Body).Decode(&raw); err == nil {
				events = append(events, raw)
			}
			w.WriteHeader(http.StatusAccepted)
			return
		}
		if r.URL.Path == "/api/v1/agents" && len(paths) > 2 {
			w.WriteHeader(http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	sim := newSimulator(config.AgentSimConfig{
		BaseURL:         server.URL,
		Agents:          2,
		EventsPerSecond: 500,
		Seed:            3,
		BacktestTrades:  10,
	}, quietLogger())
	sim.poster = testPoster(server.URL, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	ids, err := sim.register(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"sim-000", "sim-001"}, ids)
	require.NoError(t, sim.stream(ctx, ids))

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, string(domain.EventTrades), events[0].Type)
	assert.Equal(t, string(domain.EventTrades), events[1].Type)
	assert.Positive(t, sim.sent)
	assert.Zero(t, sim.failed)
}
