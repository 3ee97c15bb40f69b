package feedclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coldbell/clawars/backend/internal/domain"
)

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrAttemptsExhausted is returned by Run once MaxAttempts consecutive
// connection attempts have failed.
var ErrAttemptsExhausted = errors.New("reconnect attempts exhausted")

// Message is an envelope as received off the wire; the payload stays raw so
// callers decode only what they need.
type Message struct {
	Type      domain.EnvelopeType `json:"type"`
	AgentID   string              `json:"agent_id,omitempty"`
	Payload   json.RawMessage     `json:"payload"`
	Timestamp time.Time           `json:"timestamp"`
	Seq       uint64              `json:"seq,omitempty"`
	Version   uint64              `json:"version,omitempty"`
}

type Handler func(Message)

type Config struct {
	URL              string
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	MaxAttempts      int
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	Logger           *slog.Logger
	OnState          func(from, to State)
}

// Client follows one push channel. Its lifecycle is Connecting, then Open,
// then Reconnecting with exponential backoff whenever the connection drops,
// and Closed on cancellation or when attempts run out. Every new connection
// starts with a snapshot envelope; deltas the snapshot already covers are
// discarded before reaching the handler.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	state  atomic.Int32

	mu        sync.Mutex
	watermark uint64
	lastSeq   uint64

	connects atomic.Uint64
	skipped  atomic.Uint64
	gaps     atomic.Uint64
}

func New(cfg Config) (*Client, error) {
	parsed, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid feed url: %w", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return nil, fmt.Errorf("invalid feed url %q: scheme must be ws or wss", cfg.URL)
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 45 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Client{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
	}
	c.state.Store(int32(StateConnecting))
	return c, nil
}

func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) transition(to State) {
	from := State(c.state.Swap(int32(to)))
	if from == to {
		return
	}
	c.cfg.Logger.Debug("feed client state changed", "from", from, "to", to)
	if c.cfg.OnState != nil {
		c.cfg.OnState(from, to)
	}
}

// Backoff returns the wait before the given retry attempt (1-based).
func (c *Client) Backoff(attempt int) time.Duration {
	delay := c.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.cfg.BackoffMax {
			return c.cfg.BackoffMax
		}
	}
	return min(delay, c.cfg.BackoffMax)
}

// Run connects and delivers messages to handle until ctx is cancelled or the
// attempt budget is spent. Cancellation always ends in StateClosed and a nil
// error.
func (c *Client) Run(ctx context.Context, handle Handler) error {
	defer c.transition(StateClosed)

	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn, err := c.dial(ctx)
		if err == nil {
			failures = 0
			c.connects.Add(1)
			c.transition(StateOpen)
			err = c.read(ctx, conn, handle)
			if ctx.Err() != nil {
				return nil
			}
			c.cfg.Logger.Warn("feed connection lost", "url", c.cfg.URL, "err", err)
		} else {
			if ctx.Err() != nil {
				return nil
			}
			c.cfg.Logger.Warn("feed dial failed", "url", c.cfg.URL, "err", err)
		}

		failures++
		if c.cfg.MaxAttempts > 0 && failures > c.cfg.MaxAttempts {
			return fmt.Errorf("%w after %d attempts: %v", ErrAttemptsExhausted, c.cfg.MaxAttempts, err)
		}
		c.transition(StateReconnecting)
		delay := c.Backoff(failures)
		c.cfg.Logger.Info("reconnecting to feed", "attempt", failures, "delay", delay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Client) read(ctx context.Context, conn *websocket.Conn, handle Handler) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-stop:
			_ = conn.Close()
		}
	}()

	c.mu.Lock()
	c.watermark = 0
	c.lastSeq = 0
	c.mu.Unlock()

	synced := false
	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.cfg.Logger.Warn("discarding undecodable feed message", "err", err)
			continue
		}
		if !synced && msg.Type != domain.EnvelopeSnapshot && msg.Type != domain.EnvelopeHeartbeat {
			return fmt.Errorf("expected snapshot first, got %s", msg.Type)
		}
		if c.accept(msg) {
			if msg.Type == domain.EnvelopeSnapshot {
				synced = true
			}
			handle(msg)
		}
	}
}

// accept applies the snapshot watermark and tracks channel sequence gaps.
func (c *Client) accept(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if msg.Seq > 0 {
		if c.lastSeq > 0 && msg.Seq > c.lastSeq+1 {
			c.gaps.Add(msg.Seq - c.lastSeq - 1)
		}
		c.lastSeq = msg.Seq
	}
	switch msg.Type {
	case domain.EnvelopeSnapshot:
		c.watermark = msg.Version
		return true
	case domain.EnvelopeHeartbeat:
		return true
	}
	if msg.Version > 0 && msg.Version <= c.watermark {
		c.skipped.Add(1)
		return false
	}
	return true
}

type Stats struct {
	State    string `json:"state"`
	Connects uint64 `json:"connects"`
	Skipped  uint64 `json:"skipped"`
	Gaps     uint64 `json:"gaps"`
}

func (c *Client) Stats() Stats {
	return Stats{
		State:    c.State().String(),
		Connects: c.connects.Load(),
		Skipped:  c.skipped.Load(),
		Gaps:     c.gaps.Load(),
	}
}
