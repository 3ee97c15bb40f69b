package risk

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/coldbell/clawars/backend/internal/domain"
	"github.com/coldbell/clawars/backend/internal/state"
)

const (
	minReturnsForVaR         = 20
	minReturnsForCorrelation = 5
	correlationLookback      = 60
)

// Thresholds are the alerting and scoring knobs shared by every agent.
type Thresholds struct {
	DrawdownWarnRatio float64
	HeatHigh          float64
	HeatDanger        float64
	LeverageAlert     float64
}

func (t Thresholds) withDefaults() Thresholds {
	if t.DrawdownWarnRatio <= 0 {
		t.DrawdownWarnRatio = 0.8
	}
	if t.HeatHigh <= 0 {
		t.HeatHigh = 80
	}
	if t.HeatDanger <= 0 {
		t.HeatDanger = 90
	}
	if t.LeverageAlert <= 0 {
		t.LeverageAlert = 1.5
	}
	return t
}

// Evaluate derives an agent's risk snapshot from its positions, metrics and
// equity curve. peers are the equity curves of the other aggregated agents
// and feed correlation and beta.
func Evaluate(snap *state.Snapshot, peers [][]domain.EquityPoint, now time.Time) domain.RiskMetrics {
	pv := snap.PortfolioValue()
	out := domain.RiskMetrics{
		AgentID:            snap.Agent.ID,
		DailyDrawdownLimit: snap.Limits.DailyDrawdownLimit,
		PortfolioHeatLimit: snap.Limits.PortfolioHeatLimit,
		CalculatedAt:       now.UTC(),
	}

	if snap.Metrics != nil {
		out.DailyDrawdown = round(math.Max(0, -snap.Metrics.DailyPnLPct), 4)
	}

	gross := 0.0
	for _, pos := range snap.Positions {
		gross += math.Abs(pos.NotionalValue)
	}
	if pv > 0 {
		out.PortfolioHeat = round(gross/pv*100, 4)
		out.Leverage = round(gross/pv, 4)
	}
	if snap.Limits.MaxLeverage > 0 {
		out.MarginUsed = round(gross/snap.Limits.MaxLeverage, 2)
	}
	out.MarginAvailable = round(math.Max(0, pv-out.MarginUsed), 2)

	returns := equityReturns(snap.EquityCurve)
	if len(returns) >= minReturnsForVaR {
		q, tail := historicalVaR(returns, 0.95)
		out.VaR95 = round(-q*pv, 2)
		out.ExpectedShortfall = round(-tail*pv, 2)
	} else if snap.Metrics != nil {
		out.VaR95 = snap.Metrics.VaR95
		out.ExpectedShortfall = snap.Metrics.ExpectedShortfall
	}

	out.Correlation, out.Beta = correlationAndBeta(returns, peers)
	out.RiskScore = riskScore(out)
	return out
}

// riskScore blends drawdown, heat and leverage utilisation with positive
// correlation into a 0..10 score.
func riskScore(r domain.RiskMetrics) float64 {
	ddUse := ratio(r.DailyDrawdown, r.DailyDrawdownLimit)
	heatUse := ratio(r.PortfolioHeat, r.PortfolioHeatLimit)
	levUse := r.Leverage / 2
	score := 0.35*math.Min(ddUse, 1) + 0.35*math.Min(heatUse, 1) + 0.2*math.Min(levUse, 1) + 0.1*math.Max(0, r.Correlation)
	return round(clamp(score*10, 0, 10), 1)
}

// Alerts lists the conditions currently breached for one agent. The list is
// rebuilt from scratch every cycle.
func Alerts(agent domain.Agent, r domain.RiskMetrics, t Thresholds) []domain.RiskAlert {
	t = t.withDefaults()
	var out []domain.RiskAlert
	add := func(kind domain.AlertType, severity domain.AlertSeverity, value, threshold float64, message string) {
		out = append(out, domain.RiskAlert{
			ID:        agent.ID + ":" + string(kind),
			AgentID:   agent.ID,
			AgentName: agent.Name,
			Type:      kind,
			Severity:  severity,
			Message:   message,
			Value:     value,
			Threshold: threshold,
			Timestamp: r.CalculatedAt,
		})
	}

	if r.DailyDrawdownLimit > 0 {
		warnAt := t.DrawdownWarnRatio * r.DailyDrawdownLimit
		if r.DailyDrawdown >= warnAt {
			add(domain.AlertDrawdownWarning, domain.SeverityMedium, r.DailyDrawdown, warnAt,
				fmt.Sprintf("%s daily drawdown %.2f%% is at or above %.0f%% of its %.2f%% limit",
					agent.Name, r.DailyDrawdown, t.DrawdownWarnRatio*100, r.DailyDrawdownLimit))
		}
	}

	switch {
	case r.PortfolioHeat >= t.HeatDanger:
		add(domain.AlertHeatDanger, domain.SeverityCritical, r.PortfolioHeat, t.HeatDanger,
			fmt.Sprintf("%s portfolio heat %.1f%% is in the danger zone", agent.Name, r.PortfolioHeat))
	case r.PortfolioHeat >= t.HeatHigh:
		add(domain.AlertHeatHigh, domain.SeverityHigh, r.PortfolioHeat, t.HeatHigh,
			fmt.Sprintf("%s portfolio heat %.1f%% is high", agent.Name, r.PortfolioHeat))
	}

	if r.Leverage > t.LeverageAlert {
		add(domain.AlertLeverageHigh, domain.SeverityMedium, r.Leverage, t.LeverageAlert,
			fmt.Sprintf("%s leverage %.2fx exceeds %.2fx", agent.Name, r.Leverage, t.LeverageAlert))
	}
	return out
}

func agentErrorAlert(agent domain.Agent, now time.Time) domain.RiskAlert {
	message := agent.Name + " reported an error"
	if agent.StatusReason != "" {
		message += ": " + agent.StatusReason
	}
	return domain.RiskAlert{
		ID:        agent.ID + ":" + string(domain.AlertAgentError),
		AgentID:   agent.ID,
		AgentName: agent.Name,
		Type:      domain.AlertAgentError,
		Severity:  domain.SeverityHigh,
		Message:   message,
		Timestamp: now.UTC(),
	}
}

func severityRank(s domain.AlertSeverity) int {
	switch s {
	case domain.SeverityCritical:
		return 3
	case domain.SeverityHigh:
		return 2
	case domain.SeverityMedium:
		return 1
	default:
		return 0
	}
}

func equityReturns(curve []domain.EquityPoint) []float64 {
	if len(curve) < 2 {
		return nil
	}
	out := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Value
		if prev <= 0 {
			continue
		}
		out = append(out, (curve[i].Value-prev)/prev)
	}
	return out
}

// historicalVaR returns the (1-confidence) return quantile and the mean of
// the returns at or below it.
func historicalVaR(returns []float64, confidence float64) (float64, float64) {
	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)
	idx := int(math.Floor((1 - confidence) * float64(len(sorted))))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	q := sorted[idx]
	sum := 0.0
	for _, r := range sorted[:idx+1] {
		sum += r
	}
	return q, sum / float64(idx+1)
}

// correlationAndBeta aligns series on their most recent returns: the i-th
// return from the end of one curve is paired with the i-th from the end of
// every other. Correlation is the maximum pairwise correlation with any peer;
// beta is measured against the equal-weight average of the peers.
func correlationAndBeta(returns []float64, peers [][]domain.EquityPoint) (float64, float64) {
	n := min(len(returns), correlationLookback)
	if n < minReturnsForCorrelation || len(peers) == 0 {
		return 0, 0
	}
	own := returns[len(returns)-n:]

	index := make([]float64, n)
	counts := make([]int, n)
	maxCorr := math.Inf(-1)
	for _, curve := range peers {
		peer := equityReturns(curve)
		m := min(len(peer), n)
		if m < minReturnsForCorrelation {
			continue
		}
		tail := peer[len(peer)-m:]
		for i := 0; i < m; i++ {
			index[n-m+i] += tail[i]
			counts[n-m+i]++
		}
		if c, ok := pearson(own[n-m:], tail); ok && c > maxCorr {
			maxCorr = c
		}
	}
	if math.IsInf(maxCorr, -1) {
		return 0, 0
	}

	xs := make([]float64, 0, n)
	ys := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		if counts[i] == 0 {
			continue
		}
		xs = append(xs, index[i]/float64(counts[i]))
		ys = append(ys, own[i])
	}
	beta := 0.0
	if len(xs) >= minReturnsForCorrelation {
		if v := variance(xs); v > 0 {
			beta = covariance(ys, xs) / v
		}
	}
	return round(maxCorr, 4), round(beta, 4)
}

func pearson(a, b []float64) (float64, bool) {
	va, vb := variance(a), variance(b)
	if va == 0 || vb == 0 {
		return 0, false
	}
	return clamp(covariance(a, b)/math.Sqrt(va*vb), -1, 1), true
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func covariance(a, b []float64) float64 {
	ma, mb := mean(a), mean(b)
	sum := 0.0
	for i := range a {
		sum += (a[i] - ma) * (b[i] - mb)
	}
	return sum / float64(len(a))
}

func variance(xs []float64) float64 {
	return covariance(xs, xs)
}

func ratio(value, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return value / limit
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
