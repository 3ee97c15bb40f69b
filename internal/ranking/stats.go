package ranking

import (
	"math"
	"time"

	"github.com/coldbell/clawars/backend/internal/domain"
	"github.com/coldbell/clawars/backend/internal/state"
)

const (
	annualization    = 252
	sharpeCap        = 5
	profitFactorCap  = 3
	scoreFloor       = 0
	scoreCeiling     = 100
	scoreDecimals    = 2
	statisticDecimal = 4
)

// windowStats are an agent's trade statistics restricted to one timeframe.
type windowStats struct {
	Trades       int
	SharpeRatio  float64
	SortinoRatio float64
	ProfitFactor float64
	WinRate      float64
	TotalReturn  float64
	TotalPnL     float64
	MaxDrawdown  float64
}

// computeWindow derives statistics from the closed trades and equity points
// that fall inside [since, asOf]. A zero since means unbounded.
func computeWindow(snap *state.Snapshot, since, asOf time.Time) windowStats {
	var (
		out         windowStats
		returns     []float64
		grossProfit float64
		grossLoss   float64
		wins        int
	)
	for _, trade := range snap.Trades {
		if trade.ExitTime.After(asOf) || (!since.IsZero() && trade.ExitTime.Before(since)) {
			continue
		}
		out.Trades++
		out.TotalPnL += trade.PnL
		returns = append(returns, trade.PnLPct)
		switch {
		case trade.PnL > 0:
			grossProfit += trade.PnL
			wins++
		case trade.PnL < 0:
			grossLoss -= trade.PnL
		}
	}
	if out.Trades == 0 {
		return out
	}

	out.WinRate = round(float64(wins)/float64(out.Trades)*100, statisticDecimal)
	// Without a losing trade the ratio is undefined and reported as zero.
	if grossLoss > 0 {
		out.ProfitFactor = round(grossProfit/grossLoss, statisticDecimal)
	}
	out.SharpeRatio = round(sharpe(returns), statisticDecimal)
	out.SortinoRatio = round(sortino(returns), statisticDecimal)
	out.TotalPnL = round(out.TotalPnL, 2)

	curve := windowCurve(snap.EquityCurve, since, asOf)
	if len(curve) >= 2 && curve[0].Value > 0 {
		out.TotalReturn = round((curve[len(curve)-1].Value-curve[0].Value)/curve[0].Value*100, statisticDecimal)
		out.MaxDrawdown = round(maxDrawdownPct(curve), statisticDecimal)
	} else {
		if capital := snap.InitialCapital; capital > 0 {
			out.TotalReturn = round(out.TotalPnL/capital*100, statisticDecimal)
		}
		if snap.Metrics != nil {
			out.MaxDrawdown = math.Abs(snap.Metrics.MaxDrawdownPct)
		}
	}
	return out
}

// compositeScore weights risk-adjusted return, profit factor, hit rate and
// drawdown. Win rate enters in percent units, so it dominates the ratio terms.
func compositeScore(s windowStats) float64 {
	score := 0.4*math.Min(s.SharpeRatio, sharpeCap) +
		0.3*math.Min(s.ProfitFactor, profitFactorCap) +
		0.2*s.WinRate -
		0.1*math.Abs(s.MaxDrawdown)
	return round(math.Max(scoreFloor, math.Min(scoreCeiling, score)), scoreDecimals)
}

func windowCurve(curve []domain.EquityPoint, since, asOf time.Time) []domain.EquityPoint {
	lo, hi := int64(math.MinInt64), asOf.Unix()
	if !since.IsZero() {
		lo = since.Unix()
	}
	start := -1
	end := -1
	for i, point := range curve {
		if point.Time < lo || point.Time > hi {
			continue
		}
		if start < 0 {
			start = i
		}
		end = i
	}
	if start < 0 {
		return nil
	}
	return curve[start : end+1]
}

func maxDrawdownPct(curve []domain.EquityPoint) float64 {
	peak := 0.0
	worst := 0.0
	for _, point := range curve {
		if point.Value > peak {
			peak = point.Value
		}
		if peak > 0 {
			if dd := (peak - point.Value) / peak * 100; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

func sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	m := mean(returns)
	sum := 0.0
	for _, r := range returns {
		sum += (r - m) * (r - m)
	}
	std := math.Sqrt(sum / float64(len(returns)-1))
	if std == 0 {
		return 0
	}
	return m / std * math.Sqrt(annualization)
}

func sortino(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	sum := 0.0
	for _, r := range returns {
		if r < 0 {
			sum += r * r
		}
	}
	downside := math.Sqrt(sum / float64(len(returns)))
	if downside == 0 {
		return 0
	}
	return mean(returns) / downside * math.Sqrt(annualization)
}

func mean(xs []float64) float64 {
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
