package exec

import (
	"fmt"

	"rebalancer/internal/domain"
)

// validatePlan enforces the pre-execution invariants on an intent list:
// every SELL precedes every BUY, asset codes are well-formed, share counts
// are positive, and no sell exceeds the position it trims. A plan that fails
// here is refused before anything reaches the brokerage.
func validatePlan(holdings map[string]domain.Holding, intents []domain.OrderIntent) error {
	seenBuy := false
	for _, in := range intents {
		if !domain.ValidAssetCode(in.AssetID) {
			return fmt.Errorf("malformed asset code %q", in.AssetID)
		}
		if in.Shares <= 0 {
			return fmt.Errorf("non-positive share count %d for %s", in.Shares, in.AssetID)
		}

		switch in.Side {
		case domain.SideBuy:
			seenBuy = true
		case domain.SideSell:
			if seenBuy {
				return fmt.Errorf("sell of %s ordered after a buy", in.AssetID)
			}
			if held := holdings[in.AssetID].Shares; in.Shares > held {
				return fmt.Errorf("sell of %d %s exceeds held %d", in.Shares, in.AssetID, held)
			}
		default:
			return fmt.Errorf("unknown side %q for %s", in.Side, in.AssetID)
		}
	}
	return nil
}
