package apiserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/coldbell/clawars/backend/internal/config"
	"github.com/coldbell/clawars/backend/internal/domain"
	"github.com/coldbell/clawars/backend/internal/feed"
	"github.com/coldbell/clawars/backend/internal/gateway"
	"github.com/coldbell/clawars/backend/internal/ingest"
	"github.com/coldbell/clawars/backend/internal/journal"
	"github.com/coldbell/clawars/backend/internal/logging"
	"github.com/coldbell/clawars/backend/internal/mirror"
	"github.com/coldbell/clawars/backend/internal/ranking"
	"github.com/coldbell/clawars/backend/internal/risk"
	"github.com/coldbell/clawars/backend/internal/scheduler"
	"github.com/coldbell/clawars/backend/internal/state"
)

const backendTimeout = 10 * time.Second

type Service struct {
	cfg              config.APIServerConfig
	logger           *slog.Logger
	allowAllOrigins  bool
	allowedOriginSet map[string]struct{}
	startedAt        time.Time

	store     *state.Store
	queue     *ingest.Queue
	hub       *feed.Hub
	risk      *risk.Aggregator
	ranking   *ranking.Engine
	gateway   *gateway.Gateway
	scheduler *scheduler.Scheduler

	journal  *journal.Store
	recorder *journal.Recorder
	mirror   *mirror.Redis
}

func New(cfg config.APIServerConfig, logger *slog.Logger) (*Service, error) {
	allowAllOrigins := false
	allowedOriginSet := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAllOrigins = true
			continue
		}
		allowedOriginSet[trimmed] = struct{}{}
	}
	if len(allowedOriginSet) == 0 && !allowAllOrigins {
		allowAllOrigins = true
	}

	s := &Service{
		cfg:              cfg,
		logger:           logger,
		allowAllOrigins:  allowAllOrigins,
		allowedOriginSet: allowedOriginSet,
		startedAt:        time.Now().UTC(),
	}

	s.store = state.NewStore(state.Config{
		Shards:          cfg.State.Shards,
		RecentSignals:   cfg.State.RecentSignals,
		SignalLogSize:   cfg.State.SignalLogSize,
		MaxEquityPoints: cfg.State.MaxEquityPoints,
		DefaultLimits: domain.RiskLimits{
			DailyDrawdownLimit: cfg.Risk.DailyDrawdownLimit,
			PortfolioHeatLimit: cfg.Risk.HeatLimit,
			MaxLeverage:        cfg.Risk.MaxLeverage,
		},
	})
	s.hub = feed.NewHub(feed.Config{
		SubscriberBuffer: cfg.Feed.SubscriberBuffer,
		Logger:           logging.Component(logger, "feed"),
	})
	s.queue = ingest.NewQueue(s.store, ingest.Config{
		Workers:       cfg.Ingest.Workers,
		QueueDepth:    cfg.Ingest.QueueDepth,
		SubmitTimeout: cfg.Ingest.SubmitTimeout,
		RatePerMinute: cfg.Ingest.RatePerMinute,
		RateBurst:     cfg.Ingest.RateBurst,
		Logger:        logging.Component(logger, "ingest"),
	})
	s.risk = risk.NewAggregator(s.store, s.hub, risk.Config{
		Committer:      s.queue,
		DebounceWindow: cfg.Risk.DebounceWindow,
		Thresholds: risk.Thresholds{
			DrawdownWarnRatio: cfg.Risk.DrawdownWarnRatio,
			HeatHigh:          cfg.Risk.HeatHigh,
			HeatDanger:        cfg.Risk.HeatDanger,
			LeverageAlert:     cfg.Risk.LeverageAlert,
		},
		Performers: cfg.Risk.Performers,
		Logger:     logging.Component(logger, "risk"),
	})
	s.ranking = ranking.NewEngine(s.store, ranking.Config{
		MinTrades: cfg.Ranking.MinTrades,
		Logger:    logging.Component(logger, "ranking"),
	})
	s.gateway = gateway.New(s.store, s.ranking, s.risk)

	s.queue.AddSink(feed.NewStatePublisher(s.hub))
	s.queue.AddSink(s.risk)

	if cfg.Journal.Driver != "" {
		ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
		store, err := journal.Open(ctx, cfg.Journal.Driver, cfg.Journal.DSN)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("init journal: %w", err)
		}
		s.journal = store
		s.recorder = journal.NewRecorder(store, journal.RecorderConfig{
			Buffer:        cfg.Journal.Buffer,
			FlushInterval: cfg.Journal.FlushInterval,
			Logger:        logging.Component(logger, "journal"),
		})
		s.queue.AddSink(s.recorder)
		s.ranking.AddSink(s.recorder)
	}

	if cfg.Redis.Addr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
		m, err := mirror.New(ctx, mirror.Config{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			CacheTTL:  cfg.Redis.CacheTTL,
			Logger:    logging.Component(logger, "mirror"),
		})
		cancel()
		if err != nil {
			s.closeBackends()
			return nil, fmt.Errorf("init redis mirror: %w", err)
		}
		s.mirror = m
		s.hub.Observe(m.Observe)
		s.ranking.AddSink(m)
	}

	if err := s.registerJobs(); err != nil {
		s.closeBackends()
		return nil, err
	}
	return s, nil
}

func (s *Service) registerJobs() error {
	s.scheduler = scheduler.New(logging.Component(s.logger, "scheduler"))

	rankingOpts := []scheduler.Option{scheduler.Aligned()}
	if s.cfg.Ranking.RunOnStart {
		rankingOpts = append(rankingOpts, scheduler.Immediately())
	}
	if err := s.scheduler.Every("ranking", s.cfg.Ranking.Interval, s.ranking.Recompute, rankingOpts...); err != nil {
		return fmt.Errorf("schedule ranking: %w", err)
	}
	if err := s.scheduler.Every("risk-sweep", s.cfg.Risk.SweepInterval, s.risk.Sweep); err != nil {
		return fmt.Errorf("schedule risk sweep: %w", err)
	}
	if err := s.scheduler.Every("health-sweep", s.cfg.Health.SweepInterval, s.sweepHealth); err != nil {
		return fmt.Errorf("schedule health sweep: %w", err)
	}
	return nil
}

func (s *Service) sweepHealth(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.cfg.Health.OfflineAfter)
	if ids := s.queue.SweepOffline(ctx, cutoff); len(ids) > 0 {
		s.logger.Info("health sweep marked agents offline", "count", len(ids))
	}
	return nil
}

// hydrate restores state before any traffic is accepted. The mirror only
// seeds leaderboards, and only when there is no journal to read from.
func (s *Service) hydrate(ctx context.Context) error {
	if s.journal != nil {
		agents, err := journal.Hydrate(ctx, s.journal, s.store, s.ranking, journal.HydrateConfig{
			RecentSignals:   s.cfg.State.RecentSignals,
			MaxEquityPoints: s.cfg.State.MaxEquityPoints,
			Logger:          logging.Component(s.logger, "journal"),
		})
		if err != nil {
			return fmt.Errorf("hydrate from journal: %w", err)
		}
		for _, agent := range s.store.Agents() {
			s.risk.MarkDirty(agent.ID)
		}
		s.logger.Info("state hydrated", "agents", agents)
		return nil
	}
	if s.mirror != nil {
		warmed := s.mirror.WarmLeaderboards(ctx, s.ranking)
		s.logger.Info("leaderboards warmed from redis", "timeframes", warmed)
	}
	return nil
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/v1/agents", s.handleAgentsRoot)
	mux.HandleFunc("/api/v1/agents/", s.handleAgentsSubroutes)
	mux.HandleFunc("/api/v1/leaderboard", s.handleLeaderboard)
	mux.HandleFunc("/api/v1/risk/aggregated", s.handleAggregatedRisk)
	mux.HandleFunc("/api/v1/signals", s.handleSignals)
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/ws/agent/", s.handleAgentFeed)
	mux.HandleFunc("/api/v1/ws/signals", s.handleSignalsFeed)
	mux.HandleFunc("/api/v1/ws/risk", s.handleRiskFeed)
	return s.withCORS(mux)
}

// Run hydrates state, then supervises the ingest workers, the risk debounce
// loop, scheduled jobs, the optional journal and mirror writers, and the HTTP
// server. The first failure cancels the rest.
func (s *Service) Run(ctx context.Context) error {
	defer s.closeBackends()

	if err := s.hydrate(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.queue.Run(ctx) })
	g.Go(func() error { return s.risk.Run(ctx) })
	g.Go(func() error { return s.scheduler.Run(ctx) })
	if s.recorder != nil {
		g.Go(func() error { return s.recorder.Run(ctx) })
	}
	if s.mirror != nil {
		g.Go(func() error { return s.mirror.Run(ctx) })
	}
	g.Go(func() error { return s.serve(ctx) })
	return g.Wait()
}

func (s *Service) serve(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	s.logger.Info("api-server started",
		"listen_addr", s.cfg.ListenAddr,
		"journal_driver", s.cfg.Journal.Driver,
		"redis_enabled", s.mirror != nil,
		"allowed_origins", strings.Join(s.cfg.AllowedOrigins, ","),
	)

	select {
	case <-ctx.Done():
		s.logger.Info("api-server stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), backendTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown api-server: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	}
}

func (s *Service) closeBackends() {
	if s.mirror != nil {
		if err := s.mirror.Close(); err != nil {
			s.logger.Error("failed to close redis mirror", "err", err)
		}
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			s.logger.Error("failed to close journal", "err", err)
		}
	}
}

func (s *Service) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" && s.isOriginAllowed(origin) {
			if s.allowAllOrigins {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "300")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Service) isOriginAllowed(origin string) bool {
	if origin == "" || s.allowAllOrigins {
		return true
	}
	_, ok := s.allowedOriginSet[origin]
	return ok
}
