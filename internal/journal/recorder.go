package journal

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/coldbell/clawars/backend/internal/domain"
	"github.com/coldbell/clawars/backend/internal/state"
)

type RecorderConfig struct {
	Buffer        int
	FlushInterval time.Duration
	BatchSize     int
	Logger        *slog.Logger
}

type entry struct {
	agent       *AgentRow
	agentID     string
	equity      *domain.EquityPoint
	signal      *domain.Signal
	trades      []domain.TradeRecord
	leaderboard *domain.LeaderboardData
}

// Recorder journals committed mutations off the ingest path. Sinks enqueue
// without blocking; when the buffer is full the entry is dropped and counted.
type Recorder struct {
	cfg   RecorderConfig
	store *Store
	queue chan entry

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

func NewRecorder(store *Store, cfg RecorderConfig) *Recorder {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 4096
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 512
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Recorder{cfg: cfg, store: store, queue: make(chan entry, cfg.Buffer)}
}

func (r *Recorder) enqueue(e entry) {
	select {
	case r.queue <- e:
	default:
		if r.dropped.Add(1)%100 == 1 {
			r.cfg.Logger.Warn("journal buffer full, dropping entries", "dropped", r.dropped.Load())
		}
	}
}

func rowFromSnapshot(snap *state.Snapshot) *AgentRow {
	return &AgentRow{
		Agent:          snap.Agent,
		Limits:         snap.Limits,
		InitialCapital: snap.InitialCapital,
		StrategyConfig: snap.StrategyConfig,
		Metrics:        snap.Metrics,
		Positions:      snap.Positions,
	}
}

// RecordAgent journals a newly registered agent.
func (r *Recorder) RecordAgent(snap *state.Snapshot) {
	r.enqueue(entry{agent: rowFromSnapshot(snap), agentID: snap.Agent.ID})
}

func (r *Recorder) OnApplied(agentID string, event domain.Event, res state.Result) {
	if res.Snapshot == nil {
		return
	}
	// Risk is derived state and is recomputed after hydration.
	if _, ok := event.(*domain.RiskEvent); ok {
		return
	}
	r.enqueue(entry{
		agent:   rowFromSnapshot(res.Snapshot),
		agentID: agentID,
		equity:  res.Equity,
		signal:  res.Signal,
		trades:  res.Trades,
	})
}

func (r *Recorder) OnLeaderboard(data *domain.LeaderboardData) {
	r.enqueue(entry{leaderboard: data})
}

// Run writes batches every FlushInterval until ctx is cancelled, then drains
// whatever is still buffered.
func (r *Recorder) Run(ctx context.Context) error {
	r.cfg.Logger.Info("journal recorder started", "buffer", cap(r.queue), "flush_interval", r.cfg.FlushInterval)
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]entry, 0, r.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e := <-r.queue:
					batch = append(batch, e)
					continue
				default:
				}
				break
			}
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			r.flush(drainCtx, batch)
			cancel()
			r.cfg.Logger.Info("journal recorder stopped", "written", r.written.Load(), "dropped", r.dropped.Load())
			return nil
		case e := <-r.queue:
			batch = append(batch, e)
			if len(batch) >= r.cfg.BatchSize {
				r.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

func (r *Recorder) flush(ctx context.Context, batch []entry) {
	if len(batch) == 0 {
		return
	}
	// Only the newest row per agent is worth writing.
	latest := make(map[string]*AgentRow)
	order := make([]string, 0)
	for _, e := range batch {
		if e.agent == nil {
			continue
		}
		if _, seen := latest[e.agentID]; !seen {
			order = append(order, e.agentID)
		}
		latest[e.agentID] = e.agent
	}

	err := r.store.WithTx(ctx, func(tx *Tx) error {
		for _, id := range order {
			if err := r.store.UpsertAgentTx(ctx, tx, *latest[id]); err != nil {
				return err
			}
		}
		for _, e := range batch {
			if e.equity != nil {
				if err := r.store.InsertEquityPointTx(ctx, tx, e.agentID, *e.equity); err != nil {
					return err
				}
			}
			if e.signal != nil {
				if err := r.store.UpsertSignalTx(ctx, tx, *e.signal); err != nil {
					return err
				}
			}
			for _, trade := range e.trades {
				if err := r.store.InsertTradeTx(ctx, tx, trade); err != nil {
					return err
				}
			}
			if e.leaderboard != nil {
				if err := r.store.UpsertLeaderboardTx(ctx, tx, e.leaderboard); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		r.failed.Add(uint64(len(batch)))
		r.cfg.Logger.Error("journal flush failed", "entries", len(batch), "err", err)
		return
	}
	r.written.Add(uint64(len(batch)))
}

type Stats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
	Pending int    `json:"pending"`
}

func (r *Recorder) Stats() Stats {
	return Stats{
		Written: r.written.Load(),
		Dropped: r.dropped.Load(),
		Failed:  r.failed.Load(),
		Pending: len(r.queue),
	}
}
