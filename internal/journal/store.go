package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/coldbell/clawars/backend/internal/domain"
)

const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

// Store persists accepted telemetry and leaderboard snapshots so the state
// store can be rebuilt after a restart. Queries are written with ? placeholders
// and rebound for Postgres.
type Store struct {
	db *DB
}

type DB struct {
	raw    *sql.DB
	rebind bool
}

type Tx struct {
	raw    *sql.Tx
	rebind bool
}

func (db *DB) bind(query string) string {
	if db.rebind {
		return rebindPostgresPlaceholders(query)
	}
	return query
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.raw.ExecContext(ctx, db.bind(query), args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.raw.QueryContext(ctx, db.bind(query), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.raw.QueryRowContext(ctx, db.bind(query), args...)
}

func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := db.raw.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{raw: tx, rebind: db.rebind}, nil
}

func (db *DB) Close() error {
	return db.raw.Close()
}

func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if tx.rebind {
		query = rebindPostgresPlaceholders(query)
	}
	return tx.raw.ExecContext(ctx, query, args...)
}

func (tx *Tx) Commit() error {
	return tx.raw.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.raw.Rollback()
}

func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	inSingleQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			out.WriteByte(ch)
			if inSingleQuote {
				// SQL escape: two single quotes inside a string literal.
				if i+1 < len(query) && query[i+1] == '\'' {
					out.WriteByte(query[i+1])
					i++
					continue
				}
				inSingleQuote = false
			} else {
				inSingleQuote = true
			}
			continue
		}

		if ch == '?' && !inSingleQuote {
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
			continue
		}

		out.WriteByte(ch)
	}

	return out.String()
}

// Open connects to the journal database and applies the schema.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported journal driver %q (expected pgx|sqlite)", driver)
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("journal dsn is required")
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
	} else {
		db.SetConnMaxIdleTime(30 * time.Second)
		db.SetMaxIdleConns(4)
		db.SetMaxOpenConns(16)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	store := &Store{db: &DB{raw: db, rebind: driver == DriverPostgres}}
	if driver == DriverSQLite {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite wal: %w", err)
		}
	}
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			status_reason TEXT NOT NULL,
			strategy_id TEXT NOT NULL,
			strategy_name TEXT NOT NULL,
			strategy_version TEXT NOT NULL,
			backtest_id TEXT NOT NULL,
			description TEXT NOT NULL,
			avatar_url TEXT NOT NULL,
			initial_capital DOUBLE PRECISION NOT NULL,
			limits_json TEXT NOT NULL,
			strategy_config_json TEXT NOT NULL,
			metrics_json TEXT NOT NULL,
			positions_json TEXT NOT NULL,
			registration_seq BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_agents_registration ON agents(created_at, registration_seq);`,
		`CREATE TABLE IF NOT EXISTS equity_points (
			agent_id TEXT NOT NULL,
			point_time BIGINT NOT NULL,
			value DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (agent_id, point_time)
		);`,
		`CREATE TABLE IF NOT EXISTS signals (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			emitted_at BIGINT NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_signals_agent_time ON signals(agent_id, emitted_at DESC);`,
		`CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			exit_time BIGINT NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_agent_exit ON trades(agent_id, exit_time);`,
		`CREATE TABLE IF NOT EXISTS leaderboard_snapshots (
			timeframe TEXT PRIMARY KEY,
			version BIGINT NOT NULL,
			generated_at BIGINT NOT NULL,
			raw_json TEXT NOT NULL
		);`,
	}

	for _, query := range ddl {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// AgentRow is the persisted form of an agent and its latest portfolio state.
type AgentRow struct {
	Agent          domain.Agent
	Limits         domain.RiskLimits
	InitialCapital float64
	StrategyConfig *domain.StrategyConfig
	Metrics        *domain.AgentMetrics
	Positions      []domain.Position
}

func (s *Store) UpsertAgentTx(ctx context.Context, tx *Tx, row AgentRow) error {
	limits, err := json.Marshal(row.Limits)
	if err != nil {
		return fmt.Errorf("marshal limits: %w", err)
	}
	strategyConfig, err := json.Marshal(row.StrategyConfig)
	if err != nil {
		return fmt.Errorf("marshal strategy config: %w", err)
	}
	metrics, err := json.Marshal(row.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	positions, err := json.Marshal(row.Positions)
	if err != nil {
		return fmt.Errorf("marshal positions: %w", err)
	}

	agent := row.Agent
	_, err = tx.ExecContext(ctx, `
		INSERT INTO agents (
			id, name, status, status_reason, strategy_id, strategy_name, strategy_version,
			backtest_id, description, avatar_url, initial_capital, limits_json,
			strategy_config_json, metrics_json, positions_json, registration_seq, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			status_reason = excluded.status_reason,
			backtest_id = excluded.backtest_id,
			initial_capital = excluded.initial_capital,
			metrics_json = excluded.metrics_json,
			positions_json = excluded.positions_json,
			updated_at = excluded.updated_at`,
		agent.ID, agent.Name, string(agent.Status), agent.StatusReason, agent.StrategyID, agent.StrategyName,
		agent.StrategyVersion, agent.BacktestID, agent.Description, agent.AvatarURL, row.InitialCapital,
		string(limits), string(strategyConfig), string(metrics), string(positions),
		int64(agent.RegistrationSeq), agent.CreatedAt.UnixNano(), agent.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", agent.ID, err)
	}
	return nil
}

func (s *Store) InsertEquityPointTx(ctx context.Context, tx *Tx, agentID string, point domain.EquityPoint) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO equity_points (agent_id, point_time, value) VALUES (?, ?, ?)
		ON CONFLICT (agent_id, point_time) DO UPDATE SET value = excluded.value`,
		agentID, point.Time, point.Value,
	)
	if err != nil {
		return fmt.Errorf("insert equity point for %s: %w", agentID, err)
	}
	return nil
}

// UpsertSignalTx stores a signal; a later execution update replaces the row.
func (s *Store) UpsertSignalTx(ctx context.Context, tx *Tx, signal domain.Signal) error {
	raw, err := json.Marshal(signal)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO signals (id, agent_id, seq, emitted_at, raw_json) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET raw_json = excluded.raw_json`,
		signal.ID, signal.AgentID, int64(signal.Seq), signal.Timestamp.UnixNano(), string(raw),
	)
	if err != nil {
		return fmt.Errorf("upsert signal %s: %w", signal.ID, err)
	}
	return nil
}

func (s *Store) InsertTradeTx(ctx context.Context, tx *Tx, trade domain.TradeRecord) error {
	raw, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("marshal trade: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO trades (id, agent_id, exit_time, raw_json) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		trade.ID, trade.AgentID, trade.ExitTime.UnixNano(), string(raw),
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", trade.ID, err)
	}
	return nil
}

func (s *Store) UpsertLeaderboardTx(ctx context.Context, tx *Tx, data *domain.LeaderboardData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal leaderboard: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO leaderboard_snapshots (timeframe, version, generated_at, raw_json) VALUES (?, ?, ?, ?)
		ON CONFLICT (timeframe) DO UPDATE SET
			version = excluded.version,
			generated_at = excluded.generated_at,
			raw_json = excluded.raw_json`,
		string(data.Timeframe), int64(data.Version), data.GeneratedAt.UnixNano(), string(raw),
	)
	if err != nil {
		return fmt.Errorf("upsert leaderboard %s: %w", data.Timeframe, err)
	}
	return nil
}
