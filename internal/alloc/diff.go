package alloc

import (
	"sort"

	"rebalancer/internal/domain"
)

// Plan computes the minimal order set that moves holdings to the sized
// targets. All SELL intents come before all BUY intents: capital freed by
// trims and exits must settle before new positions claim it. Sells are
// ordered by asset code for deterministic audit; buys keep the sized
// targets' weight-descending order so larger allocations get first claim on
// cash. Positions already at target emit nothing, so an unchanged portfolio
// yields an empty plan.
func Plan(holdings map[string]domain.Holding, targets []domain.SizedTarget) []domain.OrderIntent {
	targetShares := make(map[string]domain.SizedTarget, len(targets))
	for _, t := range targets {
		targetShares[t.AssetID] = t
	}

	var sells []domain.OrderIntent
	for id, h := range holdings {
		want := targetShares[id].TargetShares // zero when absent from targets
		if surplus := h.Shares - want; surplus > 0 {
			sells = append(sells, domain.OrderIntent{
				AssetID: id,
				Name:    h.Name,
				Side:    domain.SideSell,
				Shares:  surplus,
			})
		}
	}
	sort.Slice(sells, func(i, j int) bool { return sells[i].AssetID < sells[j].AssetID })

	var buys []domain.OrderIntent
	for _, t := range targets {
		have := holdings[t.AssetID].Shares
		if deficit := t.TargetShares - have; deficit > 0 {
			buys = append(buys, domain.OrderIntent{
				AssetID: t.AssetID,
				Name:    t.Name,
				Side:    domain.SideBuy,
				Shares:  deficit,
			})
		}
	}

	return append(sells, buys...)
}
