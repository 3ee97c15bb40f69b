package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvent(t *testing.T) {
	signal := `{"id":"s1","symbol":"BTCUSDT","action":"buy","price":64000,"quantity":0.1,"confidence":0.8,"timestamp":"2026-05-04T09:00:00Z"}`

	event, err := DecodeEvent(RawEvent{Type: "Signal", Payload: json.RawMessage(signal)})
	require.NoError(t, err)
	decoded, ok := event.(*SignalEvent)
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", decoded.Symbol)
	assert.Equal(t, EventSignal, decoded.Type())

	cases := map[string]RawEvent{
		"missing payload":  {Type: "signal"},
		"unsupported type": {Type: "candle", Payload: json.RawMessage(`{}`)},
		"unknown field":    {Type: "signal", Payload: json.RawMessage(`{"id":"s1","ticker":"BTC"}`)},
		"invalid value":    {Type: "signal", Payload: json.RawMessage(`{"id":"s1","symbol":"BTC","action":"buy","price":0,"timestamp":"2026-05-04T09:00:00Z"}`)},
		"reported offline": {Type: "status", Payload: json.RawMessage(`{"status":"offline"}`)},
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEvent(raw)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedEvent), err.Error())
		})
	}
}

func TestStatusEventNormalizes(t *testing.T) {
	event, err := DecodeEvent(RawEvent{Type: "status", Payload: json.RawMessage(`{"status":" ERROR ","reason":" feed lost "}`)})
	require.NoError(t, err)
	status := event.(*StatusEvent)
	assert.Equal(t, AgentError, status.Status)
	assert.Equal(t, "feed lost", status.Reason)
}

func TestKellyFraction(t *testing.T) {
	assert.InDelta(t, 0.4, KellyFraction(0.6, 2, -1), 1e-9)
	assert.Zero(t, KellyFraction(0.3, 1, 1))
	assert.Zero(t, KellyFraction(0.9, 1, 0))
	assert.Equal(t, 1.0, KellyFraction(1, 5, 1))
}

func TestMetricsDerivesKellyWhenOmitted(t *testing.T) {
	avgWin, avgLoss := 2.0, -1.0
	event := &MetricsSnapshotEvent{WinRate: 60, AvgWin: &avgWin, AvgLoss: &avgLoss, CalculatedAt: time.Now()}
	assert.InDelta(t, 0.4, event.Metrics("a1").KellyFraction, 1e-9)

	reported := 0.15
	event.KellyFraction = &reported
	assert.Equal(t, 0.15, event.Metrics("a1").KellyFraction)
}

func TestParseTimeframe(t *testing.T) {
	tf, err := ParseTimeframe("")
	require.NoError(t, err)
	assert.Equal(t, TimeframeAllTime, tf)

	tf, err = ParseTimeframe(" 7D ")
	require.NoError(t, err)
	assert.Equal(t, Timeframe7d, tf)
	assert.Equal(t, 7*24*time.Hour, tf.Window())

	asOf := time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC)
	assert.True(t, TimeframeAllTime.Since(asOf).IsZero())
	assert.Equal(t, asOf.Add(-24*time.Hour), Timeframe24h.Since(asOf))

	_, err = ParseTimeframe("1y")
	assert.True(t, errors.Is(err, ErrInvalidTimeframe))
}

func TestStatusTransitions(t *testing.T) {
	allowed := []struct{ from, to AgentStatus }{
		{AgentActive, AgentPaused},
		{AgentPaused, AgentActive},
		{AgentActive, AgentError},
		{AgentError, AgentActive},
		{AgentOffline, AgentActive},
		{AgentPaused, AgentOffline},
		{AgentPaused, AgentPaused},
	}
	for _, tc := range allowed {
		assert.True(t, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}

	denied := []struct{ from, to AgentStatus }{
		{AgentError, AgentPaused},
		{AgentOffline, AgentPaused},
		{AgentActive, AgentStatus("retired")},
	}
	for _, tc := range denied {
		assert.False(t, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}

	assert.True(t, AgentPaused.Aggregated())
	assert.False(t, AgentOffline.Aggregated())
}

func TestPositionRepriceAndRealize(t *testing.T) {
	pos := Position{Side: SideShort, EntryPrice: 100, Quantity: 3}.Reprice(90)
	assert.Equal(t, 270.0, pos.NotionalValue)
	assert.Equal(t, 30.0, pos.UnrealizedPnL)
	assert.Equal(t, 10.0, pos.UnrealizedPnLPct)

	assert.Equal(t, -20.0, pos.Realize(110, 2))
}
