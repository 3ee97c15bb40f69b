package feed

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/coldbell/clawars/backend/internal/domain"
)

type Channel string

const (
	SignalsChannel Channel = "signals"
	RiskChannel    Channel = "risk"

	agentChannelPrefix = "agent:"
)

func AgentChannel(agentID string) Channel {
	return Channel(agentChannelPrefix + agentID)
}

// AgentID returns the agent id of a per-agent channel.
func (c Channel) AgentID() (string, bool) {
	if !strings.HasPrefix(string(c), agentChannelPrefix) {
		return "", false
	}
	return strings.TrimPrefix(string(c), agentChannelPrefix), true
}

// Observer sees every published envelope. It must not block.
type Observer func(Channel, domain.Envelope)

type Config struct {
	SubscriberBuffer int
	Now              func() time.Time
	Logger           *slog.Logger
}

type channelState struct {
	mu   sync.Mutex
	seq  uint64
	subs map[*Subscriber]struct{}
}

// Hub fans envelopes out to channel subscribers. Publishing never blocks: a
// subscriber whose buffer is full loses its oldest queued envelope.
type Hub struct {
	cfg Config

	mu       sync.RWMutex
	channels map[Channel]*channelState

	observersMu sync.RWMutex
	observers   []Observer

	subscribers atomic.Int64
	published   atomic.Uint64
	dropped     atomic.Uint64
}

func NewHub(cfg Config) *Hub {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 256
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hub{
		cfg:      cfg,
		channels: make(map[Channel]*channelState),
	}
}

func (h *Hub) Observe(observer Observer) {
	h.observersMu.Lock()
	h.observers = append(h.observers, observer)
	h.observersMu.Unlock()
}

func (h *Hub) channel(ch Channel, create bool) *channelState {
	h.mu.RLock()
	state, ok := h.channels[ch]
	h.mu.RUnlock()
	if ok || !create {
		return state
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if state, ok = h.channels[ch]; ok {
		return state
	}
	state = &channelState{subs: make(map[*Subscriber]struct{})}
	h.channels[ch] = state
	return state
}

// Publish stamps the envelope with the channel sequence and delivers it to
// every current subscriber of the channel.
func (h *Hub) Publish(ch Channel, env domain.Envelope) {
	if env.Timestamp.IsZero() {
		env.Timestamp = h.cfg.Now().UTC()
	}
	state := h.channel(ch, true)

	state.mu.Lock()
	state.seq++
	env.Seq = state.seq
	for sub := range state.subs {
		if sub.push(env) {
			h.dropped.Add(1)
		}
	}
	state.mu.Unlock()
	h.published.Add(1)

	h.observersMu.RLock()
	for _, observer := range h.observers {
		observer(ch, env)
	}
	h.observersMu.RUnlock()
}

// Subscribe registers a subscriber on the channel. Envelopes published after
// Subscribe returns are queued for it.
func (h *Hub) Subscribe(ch Channel) *Subscriber {
	sub := &Subscriber{
		id:      uuid.NewString(),
		channel: ch,
		hub:     h,
		buf:     make([]domain.Envelope, h.cfg.SubscriberBuffer),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	state := h.channel(ch, true)
	state.mu.Lock()
	state.subs[sub] = struct{}{}
	state.mu.Unlock()
	h.subscribers.Add(1)
	h.cfg.Logger.Debug("feed subscriber added", "channel", ch, "subscriber_id", sub.id)
	return sub
}

func (h *Hub) remove(sub *Subscriber) {
	state := h.channel(sub.channel, false)
	if state == nil {
		return
	}
	state.mu.Lock()
	_, ok := state.subs[sub]
	delete(state.subs, sub)
	state.mu.Unlock()
	if ok {
		h.subscribers.Add(-1)
		h.cfg.Logger.Debug("feed subscriber removed", "channel", sub.channel, "subscriber_id", sub.id, "dropped", sub.Dropped())
	}
}

type Stats struct {
	Subscribers int64  `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
}

func (h *Hub) Stats() Stats {
	return Stats{
		Subscribers: h.subscribers.Load(),
		Published:   h.published.Load(),
		Dropped:     h.dropped.Load(),
	}
}
