package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/coldbell/clawars/backend/internal/config"
	"github.com/coldbell/clawars/backend/internal/fixtures"
)

// poster submits JSON to the api-server, retrying 429 and 503 responses with
// exponential backoff.
type poster struct {
	baseURL     string
	client      *http.Client
	maxRetries  int
	backoffBase time.Duration
	backoffMax  time.Duration
	logger      *slog.Logger
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

func retryable(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable
}

func (p *poster) post(ctx context.Context, path string, body any) (int, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("encode body: %w", err)
	}

	delay := p.backoffBase
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(raw))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.client.Do(req)
		if err != nil {
			return 0, err
		}
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		if resp.StatusCode < 300 {
			return resp.StatusCode, nil
		}
		if !retryable(resp.StatusCode) || attempt >= p.maxRetries {
			return resp.StatusCode, &statusError{code: resp.StatusCode, body: string(bytes.TrimSpace(payload))}
		}

		wait := delay
		if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && time.Duration(seconds)*time.Second > wait {
			wait = time.Duration(seconds) * time.Second
		}
		p.logger.Debug("retrying request", "path", path, "status", resp.StatusCode, "attempt", attempt+1, "wait", wait)
		select {
		case <-ctx.Done():
			return resp.StatusCode, ctx.Err()
		case <-time.After(wait):
		}
		delay = min(delay*2, p.backoffMax)
	}
}

type simulator struct {
	cfg    config.AgentSimConfig
	gen    *fixtures.Seeded
	poster *poster
	logger *slog.Logger
	now    func() time.Time

	sent   int
	failed int
}

func newSimulator(cfg config.AgentSimConfig, logger *slog.Logger) *simulator {
	return &simulator{
		cfg: cfg,
		gen: fixtures.NewSeeded(cfg.Seed),
		poster: &poster{
			baseURL:     cfg.BaseURL,
			client:      &http.Client{Timeout: 10 * time.Second},
			maxRetries:  5,
			backoffBase: 200 * time.Millisecond,
			backoffMax:  5 * time.Second,
			logger:      logger,
		},
		logger: logger,
		now:    time.Now,
	}
}

// register creates the agents and seeds each with a backtest trade batch.
// Agents that already exist are reused.
func (s *simulator) register(ctx context.Context) ([]string, error) {
	ids := make([]string, 0, s.cfg.Agents)
	for i := 0; i < s.cfg.Agents; i++ {
		input := s.gen.Agent(i)
		code, err := s.poster.post(ctx, "/api/v1/agents", input)
		if err != nil && code != http.StatusConflict {
			return nil, fmt.Errorf("register %s: %w", input.ID, err)
		}
		s.gen.SetCapital(input.ID, input.InitialCapital)
		ids = append(ids, input.ID)

		if s.cfg.BacktestTrades > 0 {
			raw, err := fixtures.Encode(s.gen.Backtest(input.ID, s.cfg.BacktestTrades, s.now().UTC()))
			if err != nil {
				return nil, err
			}
			if _, err := s.poster.post(ctx, "/api/v1/agents/"+input.ID+"/events", raw); err != nil {
				return nil, fmt.Errorf("backtest %s: %w", input.ID, err)
			}
		}
		s.logger.Info("agent ready", "agent_id", input.ID, "capital", input.InitialCapital)
	}
	return ids, nil
}

// stream paces events across agents round-robin until ctx is done.
func (s *simulator) stream(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	limiter := rate.NewLimiter(rate.Limit(s.cfg.EventsPerSecond), 1)
	for i := 0; ; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		id := ids[i%len(ids)]
		raw, err := fixtures.Encode(s.gen.Next(id, s.now().UTC()))
		if err != nil {
			return err
		}
		if _, err := s.poster.post(ctx, "/api/v1/agents/"+id+"/events", raw); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.failed++
			s.logger.Warn("event rejected", "agent_id", id, "event_type", raw.Type, "err", err)
			continue
		}
		s.sent++
		if s.sent%500 == 0 {
			s.logger.Info("events submitted", "sent", s.sent, "failed", s.failed)
		}
	}
}
