package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coldbell/clawars/backend/internal/domain"
	"github.com/coldbell/clawars/backend/internal/feed"
)

type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	CacheTTL  time.Duration
	Buffer    int
	Logger    *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "clawars:"
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.Buffer <= 0 {
		c.Buffer = 1024
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type write struct {
	key     string
	channel string
	payload []byte
}

// Redis copies leaderboard and aggregated risk snapshots into Redis with a TTL
// and republishes feed envelopes on pub/sub so other processes can follow the
// live feed without a websocket. All writes go through a bounded queue; the
// publishing path never waits on Redis.
type Redis struct {
	cfg    Config
	client *redis.Client
	queue  chan write

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// New connects and verifies the server with a ping.
func New(ctx context.Context, cfg Config) (*Redis, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", cfg.Addr, err)
	}
	return newRedis(client, cfg), nil
}

func newRedis(client *redis.Client, cfg Config) *Redis {
	cfg = cfg.withDefaults()
	return &Redis{cfg: cfg, client: client, queue: make(chan write, cfg.Buffer)}
}

func (m *Redis) LeaderboardKey(tf domain.Timeframe) string {
	return m.cfg.KeyPrefix + "leaderboard:" + string(tf)
}

func (m *Redis) RiskKey() string {
	return m.cfg.KeyPrefix + "risk:aggregated"
}

func (m *Redis) FeedChannel(ch feed.Channel) string {
	return m.cfg.KeyPrefix + "feed:" + string(ch)
}

func (m *Redis) enqueue(w write) {
	select {
	case m.queue <- w:
	default:
		if m.dropped.Add(1)%100 == 1 {
			m.cfg.Logger.Warn("redis mirror queue full, dropping writes", "dropped", m.dropped.Load())
		}
	}
}

// OnLeaderboard caches the latest snapshot for its timeframe.
func (m *Redis) OnLeaderboard(data *domain.LeaderboardData) {
	if data == nil {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		m.cfg.Logger.Error("marshal leaderboard for mirror", "timeframe", data.Timeframe, "err", err)
		return
	}
	m.enqueue(write{key: m.LeaderboardKey(data.Timeframe), payload: raw})
}

// Observe is registered as a feed hub observer.
func (m *Redis) Observe(ch feed.Channel, env domain.Envelope) {
	if env.Type == domain.EnvelopeHeartbeat {
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		m.cfg.Logger.Error("marshal envelope for mirror", "channel", ch, "err", err)
		return
	}
	m.enqueue(write{channel: m.FeedChannel(ch), payload: raw})

	if ch == feed.RiskChannel && env.Type == domain.EnvelopeRisk {
		payload, err := json.Marshal(env.Payload)
		if err != nil {
			return
		}
		m.enqueue(write{key: m.RiskKey(), payload: payload})
	}
}

func (m *Redis) Run(ctx context.Context) error {
	m.cfg.Logger.Info("redis mirror started", "prefix", m.cfg.KeyPrefix, "ttl", m.cfg.CacheTTL)
	for {
		select {
		case <-ctx.Done():
			m.cfg.Logger.Info("redis mirror stopped", "written", m.written.Load(), "dropped", m.dropped.Load(), "failed", m.failed.Load())
			return nil
		case w := <-m.queue:
			m.apply(ctx, w)
		}
	}
}

func (m *Redis) apply(ctx context.Context, w write) {
	var err error
	if w.key != "" {
		err = m.client.Set(ctx, w.key, w.payload, m.cfg.CacheTTL).Err()
	} else {
		err = m.client.Publish(ctx, w.channel, w.payload).Err()
	}
	if err != nil {
		if ctx.Err() == nil && m.failed.Add(1)%100 == 1 {
			m.cfg.Logger.Warn("redis mirror write failed", "key", w.key, "channel", w.channel, "err", err)
		}
		return
	}
	m.written.Add(1)
}

// Leaderboard loads a cached snapshot, e.g. to warm the ranking engine on start.
func (m *Redis) Leaderboard(ctx context.Context, tf domain.Timeframe) (*domain.LeaderboardData, error) {
	raw, err := m.client.Get(ctx, m.LeaderboardKey(tf)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: no cached leaderboard for %s", domain.ErrNotFound, tf)
	}
	if err != nil {
		return nil, fmt.Errorf("get leaderboard %s: %w", tf, err)
	}
	data := &domain.LeaderboardData{}
	if err := json.Unmarshal(raw, data); err != nil {
		return nil, fmt.Errorf("decode leaderboard %s: %w", tf, err)
	}
	return data, nil
}

type LeaderboardRestorer interface {
	Restore(data *domain.LeaderboardData) error
}

// WarmLeaderboards restores every cached timeframe into target and returns
// how many were found.
func (m *Redis) WarmLeaderboards(ctx context.Context, target LeaderboardRestorer) int {
	restored := 0
	for _, tf := range domain.Timeframes {
		data, err := m.Leaderboard(ctx, tf)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				m.cfg.Logger.Warn("load cached leaderboard", "timeframe", tf, "err", err)
			}
			continue
		}
		if err := target.Restore(data); err != nil {
			m.cfg.Logger.Warn("restore cached leaderboard", "timeframe", tf, "err", err)
			continue
		}
		restored++
	}
	return restored
}

type Stats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
	Pending int    `json:"pending"`
}

func (m *Redis) Stats() Stats {
	return Stats{
		Written: m.written.Load(),
		Dropped: m.dropped.Load(),
		Failed:  m.failed.Load(),
		Pending: len(m.queue),
	}
}

func (m *Redis) Close() error {
	return m.client.Close()
}
