package risk

import (
	"sort"
	"time"

	"github.com/coldbell/clawars/backend/internal/domain"
	"github.com/coldbell/clawars/backend/internal/state"
)

// Aggregate builds the system-wide dashboard from committed agent snapshots.
// Only active and paused agents contribute to totals, weighted averages,
// performers and threshold alerts; every agent appears in the per-agent table.
func Aggregate(snaps []*state.Snapshot, thresholds Thresholds, performers int, now time.Time) domain.AggregatedRiskDashboard {
	out := domain.AggregatedRiskDashboard{
		TotalAgents:     len(snaps),
		TopPerformers:   []domain.PerformerSummary{},
		WorstPerformers: []domain.PerformerSummary{},
		RiskAlerts:      []domain.RiskAlert{},
		Agents:          make([]domain.AgentRiskRow, 0, len(snaps)),
		CalculatedAt:    now.UTC(),
	}

	var (
		weightedDrawdown float64
		weightedHeat     float64
		capital          float64
		ranked           []domain.PerformerSummary
		alertOrder       = make(map[string]int, len(snaps))
	)

	for i, snap := range snaps {
		agent := snap.Agent
		alertOrder[agent.ID] = i
		pv := snap.PortfolioValue()
		row := domain.AgentRiskRow{
			AgentID:        agent.ID,
			AgentName:      agent.Name,
			Status:         agent.Status,
			PortfolioValue: pv,
			OpenPositions:  len(snap.Positions),
			Aggregated:     agent.Status.Aggregated(),
			Risk:           snap.Risk,
		}
		if snap.Metrics != nil {
			row.TotalPnL = snap.Metrics.TotalPnL
			row.TotalPnLPct = snap.Metrics.TotalPnLPct
		}
		out.Agents = append(out.Agents, row)

		if agent.Status == domain.AgentError {
			out.RiskAlerts = append(out.RiskAlerts, agentErrorAlert(agent, now))
		}
		if !row.Aggregated {
			continue
		}

		out.ActiveAgents++
		out.TotalPortfolioValue += pv
		out.TotalPositions += len(snap.Positions)
		if snap.Metrics != nil {
			out.TotalPnL += snap.Metrics.TotalPnL
			out.DailyPnL += snap.Metrics.DailyPnL
			initial := snap.Metrics.InitialCapital
			if initial <= 0 {
				initial = snap.InitialCapital
			}
			capital += initial
			ranked = append(ranked, domain.PerformerSummary{
				AgentID:   agent.ID,
				AgentName: agent.Name,
				TotalPnL:  snap.Metrics.TotalPnL,
				ReturnPct: snap.Metrics.TotalPnLPct,
			})
		} else {
			capital += snap.InitialCapital
		}
		if snap.Risk != nil {
			weightedDrawdown += snap.Risk.DailyDrawdown * pv
			weightedHeat += snap.Risk.PortfolioHeat * pv
			out.RiskAlerts = append(out.RiskAlerts, Alerts(agent, *snap.Risk, thresholds)...)
		}
	}

	if out.TotalPortfolioValue > 0 {
		out.AggregateDrawdown = round(weightedDrawdown/out.TotalPortfolioValue, 4)
		out.AggregateHeat = round(weightedHeat/out.TotalPortfolioValue, 4)
	}
	if capital > 0 {
		out.TotalPnLPct = round(out.TotalPnL/capital*100, 4)
	}
	out.TotalPortfolioValue = round(out.TotalPortfolioValue, 2)
	out.TotalPnL = round(out.TotalPnL, 2)
	out.DailyPnL = round(out.DailyPnL, 2)

	// ranked is in registration order, so stable sorts break ties by it.
	top := append([]domain.PerformerSummary(nil), ranked...)
	sort.SliceStable(top, func(i, j int) bool { return top[i].ReturnPct > top[j].ReturnPct })
	worst := append([]domain.PerformerSummary(nil), ranked...)
	sort.SliceStable(worst, func(i, j int) bool { return worst[i].ReturnPct < worst[j].ReturnPct })
	out.TopPerformers = append(out.TopPerformers, top[:min(performers, len(top))]...)
	out.WorstPerformers = append(out.WorstPerformers, worst[:min(performers, len(worst))]...)

	sort.SliceStable(out.RiskAlerts, func(i, j int) bool {
		a, b := out.RiskAlerts[i], out.RiskAlerts[j]
		if ra, rb := severityRank(a.Severity), severityRank(b.Severity); ra != rb {
			return ra > rb
		}
		return alertOrder[a.AgentID] < alertOrder[b.AgentID]
	})
	return out
}
