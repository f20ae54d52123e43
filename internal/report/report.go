// Package report computes portfolio performance metrics from completed
// rebalancing cycles and renders operator-facing summaries.
package report

import (
	"fmt"
	"math"
	"strings"

	"rebalancer/internal/domain"
)

// Metrics summarizes a return series. MaxDrawdown is zero or negative.
type Metrics struct {
	AccumulatedReturn float64 `json:"accumulated_return"`
	SharpeRatio       float64 `json:"sharpe_ratio"`
	MaxDrawdown       float64 `json:"max_drawdown"`
	CalmarRatio       float64 `json:"calmar_ratio"`
	Cycles            int     `json:"cycles"`
}

// AccumulatedReturn compounds per-period returns into a total return.
func AccumulatedReturn(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	acc := 1.0
	for _, r := range returns {
		acc *= 1 + r
	}
	return acc - 1
}

// SharpeRatio is the mean per-period return over its sample standard
// deviation, with the risk-free rate taken as zero. Fewer than two periods,
// or a flat series, yields zero.
func SharpeRatio(returns []float64) float64 {
	n := len(returns)
	if n < 2 {
		return 0
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(n)

	var ss float64
	for _, r := range returns {
		d := r - mean
		ss += d * d
	}
	std := math.Sqrt(ss / float64(n-1))
	if std == 0 {
		return 0
	}
	return mean / std
}

// MaxDrawdown is the largest peak-to-trough decline of the compounded
// equity curve, as a non-positive fraction.
func MaxDrawdown(returns []float64) float64 {
	equity := 1.0
	peak := 1.0
	mdd := 0.0
	for _, r := range returns {
		equity *= 1 + r
		if equity > peak {
			peak = equity
		}
		if dd := (equity - peak) / peak; dd < mdd {
			mdd = dd
		}
	}
	return mdd
}

// CalmarRatio is the accumulated return over the absolute max drawdown,
// zero when there has been no drawdown.
func CalmarRatio(returns []float64) float64 {
	mdd := MaxDrawdown(returns)
	if mdd == 0 {
		return 0
	}
	return AccumulatedReturn(returns) / math.Abs(mdd)
}

// Evaluate computes all metrics for a per-period return series.
func Evaluate(returns []float64) Metrics {
	return Metrics{
		AccumulatedReturn: AccumulatedReturn(returns),
		SharpeRatio:       SharpeRatio(returns),
		MaxDrawdown:       MaxDrawdown(returns),
		CalmarRatio:       CalmarRatio(returns),
		Cycles:            len(returns),
	}
}

// CycleReturns extracts the per-cycle return series from execution history.
// The input is newest-first, as the store returns it; the result is
// chronological. Only completed cycles with a positive starting value
// contribute a data point.
func CycleReturns(history []domain.ExecutionRecord) []float64 {
	returns := make([]float64, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		rec := history[i]
		if rec.Stage != domain.StageComplete || rec.PreState.TotalValue <= 0 {
			continue
		}
		returns = append(returns, rec.PostState.TotalValue/rec.PreState.TotalValue-1)
	}
	return returns
}

// Render formats the metrics as an operator report.
func Render(m Metrics) string {
	var b strings.Builder
	line := strings.Repeat("=", 50)
	fmt.Fprintln(&b, line)
	fmt.Fprintln(&b, "Portfolio Performance")
	fmt.Fprintln(&b, line)
	fmt.Fprintf(&b, "  Cycles:              %d\n", m.Cycles)
	fmt.Fprintf(&b, "  Accumulated return:  %+.2f%%\n", m.AccumulatedReturn*100)
	fmt.Fprintf(&b, "  Sharpe ratio:        %.4f\n", m.SharpeRatio)
	fmt.Fprintf(&b, "  Max drawdown:        %.2f%%\n", m.MaxDrawdown*100)
	fmt.Fprintf(&b, "  Calmar ratio:        %.4f\n", m.CalmarRatio)
	fmt.Fprintln(&b, line)
	return b.String()
}

// RenderCycle formats one execution record as an operator summary.
func RenderCycle(rec domain.ExecutionRecord) string {
	var b strings.Builder
	line := strings.Repeat("-", 50)
	fmt.Fprintln(&b, line)
	fmt.Fprintf(&b, "Cycle %s  [%s]\n", rec.CycleID, rec.Stage)
	fmt.Fprintf(&b, "  Started:  %s\n", rec.StartedAt.Format("2006-01-02 15:04:05"))
	if !rec.FinishedAt.IsZero() {
		fmt.Fprintf(&b, "  Finished: %s\n", rec.FinishedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(&b, "  Value:    %.0f -> %.0f  (cash %.0f -> %.0f)\n",
		rec.PreState.TotalValue, rec.PostState.TotalValue,
		rec.PreState.Cash, rec.PostState.Cash)
	writeOrders(&b, "Sells", rec.Sells)
	writeOrders(&b, "Buys", rec.Buys)
	if rec.Note != "" {
		fmt.Fprintf(&b, "  Note: %s\n", rec.Note)
	}
	fmt.Fprintln(&b, line)
	return b.String()
}

func writeOrders(b *strings.Builder, label string, results []domain.OrderResult) {
	if len(results) == 0 {
		return
	}
	fmt.Fprintf(b, "  %s:\n", label)
	for _, r := range results {
		fmt.Fprintf(b, "    %s %s x%d  %s", r.Intent.Side, r.Intent.AssetID, r.Intent.Shares, r.Status)
		if r.FilledShares > 0 {
			fmt.Fprintf(b, "  filled %d @ %.0f", r.FilledShares, r.FillPrice)
		}
		if r.Reason != "" {
			fmt.Fprintf(b, "  (%s)", r.Reason)
		}
		fmt.Fprintln(b)
	}
}
