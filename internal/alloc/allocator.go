// Package alloc turns target weights into integral share targets and diffs
// them against current holdings to produce an ordered market-order plan.
package alloc

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"rebalancer/internal/domain"
)

// ErrPriceUnavailable aborts sizing when any referenced asset lacks a live
// quote. Sizing never proceeds on missing or stale price data.
var ErrPriceUnavailable = errors.New("price unavailable")

// DefaultCashReserveRatio is the fraction of total value held back as cash
// when configuration does not specify one.
const DefaultCashReserveRatio = 0.20

// Allocator sizes target allocations under a cash-reserve constraint.
type Allocator struct {
	reserveRatio float64
	log          *slog.Logger
}

// NewAllocator creates an Allocator. A reserve ratio outside (0, 1) takes
// the default of 0.20.
func NewAllocator(reserveRatio float64) *Allocator {
	if reserveRatio <= 0 || reserveRatio >= 1 {
		reserveRatio = DefaultCashReserveRatio
	}
	return &Allocator{
		reserveRatio: reserveRatio,
		log:          slog.Default().With("component", "allocator"),
	}
}

// ReserveRatio returns the configured cash reserve ratio.
func (a *Allocator) ReserveRatio() float64 { return a.reserveRatio }

// SizeTargets converts the target allocation into integral share targets.
//
// totalValue is the full portfolio value (cash plus holdings at live
// prices). The reserve ratio of it stays in cash; each weight claims its
// fraction of total value, scaled down proportionally when the weights
// together exceed the investable fraction. Share counts round down to what
// the target value affords at the live price, so the plan never commits more
// than (1 - reserve) x totalValue. Zero-share targets are dropped.
//
// The result is ordered by effective weight descending (asset code breaks
// ties), which downstream becomes the BUY submission order.
func (a *Allocator) SizeTargets(targets domain.TargetAllocation, totalValue float64, prices map[string]float64) ([]domain.SizedTarget, error) {
	if totalValue <= 0 {
		return nil, nil
	}

	for _, t := range targets {
		price, ok := prices[t.AssetID]
		if !ok || price <= 0 {
			return nil, fmt.Errorf("%w: %s (%s)", ErrPriceUnavailable, t.AssetID, t.Name)
		}
	}

	investable := 1 - a.reserveRatio
	scale := 1.0
	if sum := targets.WeightSum(); sum > investable {
		// Proportional scale-down, not truncation by rank.
		scale = investable / sum
		a.log.Info("renormalizing target weights",
			"weight_sum", sum, "investable", investable, "scale", scale)
	}

	sized := make([]domain.SizedTarget, 0, len(targets))
	for _, t := range targets {
		weight := t.Weight * scale
		price := prices[t.AssetID]
		targetValue := weight * totalValue
		shares := int64(math.Floor(targetValue / price))
		if shares <= 0 {
			a.log.Debug("dropping unaffordable target",
				"asset", t.AssetID, "weight", weight, "price", price)
			continue
		}
		sized = append(sized, domain.SizedTarget{
			AssetID:      t.AssetID,
			Name:         t.Name,
			TargetShares: shares,
			TargetValue:  float64(shares) * price,
			Weight:       weight,
		})
	}

	sort.SliceStable(sized, func(i, j int) bool {
		if sized[i].Weight != sized[j].Weight {
			return sized[i].Weight > sized[j].Weight
		}
		return sized[i].AssetID < sized[j].AssetID
	})
	return sized, nil
}

// TotalValue computes the full portfolio value at live prices. Every held
// asset must have a quote; cycles abort rather than value positions on
// missing data.
func TotalValue(cash float64, holdings map[string]domain.Holding, prices map[string]float64) (float64, error) {
	total := cash
	for id, h := range holdings {
		price, ok := prices[id]
		if !ok || price <= 0 {
			return 0, fmt.Errorf("%w: held asset %s", ErrPriceUnavailable, id)
		}
		total += float64(h.Shares) * price
	}
	return total, nil
}
