package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coldbell/clawars/backend/internal/domain"
)

func (s *Store) LoadAgents(ctx context.Context) ([]AgentRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, status, status_reason, strategy_id, strategy_name, strategy_version,
			backtest_id, description, avatar_url, initial_capital, limits_json,
			strategy_config_json, metrics_json, positions_json, registration_seq, created_at, updated_at
		FROM agents
		ORDER BY created_at ASC, registration_seq ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var out []AgentRow
	for rows.Next() {
		var (
			row                                        AgentRow
			status                                     string
			limits, strategyConfig, metrics, positions string
			regSeq, createdAt, updatedAt               int64
		)
		if err := rows.Scan(
			&row.Agent.ID, &row.Agent.Name, &status, &row.Agent.StatusReason, &row.Agent.StrategyID,
			&row.Agent.StrategyName, &row.Agent.StrategyVersion, &row.Agent.BacktestID, &row.Agent.Description,
			&row.Agent.AvatarURL, &row.InitialCapital, &limits, &strategyConfig, &metrics, &positions,
			&regSeq, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		row.Agent.Status = domain.AgentStatus(status)
		row.Agent.RegistrationSeq = uint64(regSeq)
		row.Agent.CreatedAt = time.Unix(0, createdAt).UTC()
		row.Agent.UpdatedAt = time.Unix(0, updatedAt).UTC()
		if err := json.Unmarshal([]byte(limits), &row.Limits); err != nil {
			return nil, fmt.Errorf("decode limits for %s: %w", row.Agent.ID, err)
		}
		if err := json.Unmarshal([]byte(strategyConfig), &row.StrategyConfig); err != nil {
			return nil, fmt.Errorf("decode strategy config for %s: %w", row.Agent.ID, err)
		}
		if err := json.Unmarshal([]byte(metrics), &row.Metrics); err != nil {
			return nil, fmt.Errorf("decode metrics for %s: %w", row.Agent.ID, err)
		}
		if err := json.Unmarshal([]byte(positions), &row.Positions); err != nil {
			return nil, fmt.Errorf("decode positions for %s: %w", row.Agent.ID, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// LoadEquityCurve returns the agent's points ordered by time; limit <= 0 loads all.
func (s *Store) LoadEquityCurve(ctx context.Context, agentID string, limit int) ([]domain.EquityPoint, error) {
	query := `SELECT point_time, value FROM equity_points WHERE agent_id = ? ORDER BY point_time DESC`
	args := []any{agentID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query equity for %s: %w", agentID, err)
	}
	defer rows.Close()

	var out []domain.EquityPoint
	for rows.Next() {
		var point domain.EquityPoint
		if err := rows.Scan(&point.Time, &point.Value); err != nil {
			return nil, fmt.Errorf("scan equity point: %w", err)
		}
		out = append(out, point)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// LoadRecentSignals returns the agent's newest signals, newest first.
func (s *Store) LoadRecentSignals(ctx context.Context, agentID string, limit int) ([]domain.Signal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT raw_json FROM signals WHERE agent_id = ?
		ORDER BY emitted_at DESC, seq DESC
		LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("query signals for %s: %w", agentID, err)
	}
	defer rows.Close()

	var out []domain.Signal
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		var signal domain.Signal
		if err := json.Unmarshal([]byte(raw), &signal); err != nil {
			return nil, fmt.Errorf("decode signal: %w", err)
		}
		out = append(out, signal)
	}
	return out, rows.Err()
}

// LoadTrades returns the agent's closed trades ordered by exit time.
func (s *Store) LoadTrades(ctx context.Context, agentID string) ([]domain.TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT raw_json FROM trades WHERE agent_id = ? ORDER BY exit_time ASC, id ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("query trades for %s: %w", agentID, err)
	}
	defer rows.Close()

	var out []domain.TradeRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		var trade domain.TradeRecord
		if err := json.Unmarshal([]byte(raw), &trade); err != nil {
			return nil, fmt.Errorf("decode trade: %w", err)
		}
		out = append(out, trade)
	}
	return out, rows.Err()
}

func (s *Store) LoadLeaderboards(ctx context.Context) ([]*domain.LeaderboardData, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT raw_json FROM leaderboard_snapshots ORDER BY timeframe`)
	if err != nil {
		return nil, fmt.Errorf("query leaderboards: %w", err)
	}
	defer rows.Close()

	var out []*domain.LeaderboardData
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan leaderboard: %w", err)
		}
		data := &domain.LeaderboardData{}
		if err := json.Unmarshal([]byte(raw), data); err != nil {
			return nil, fmt.Errorf("decode leaderboard: %w", err)
		}
		out = append(out, data)
	}
	return out, rows.Err()
}
