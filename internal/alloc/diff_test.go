package alloc

import (
	"testing"

	"rebalancer/internal/domain"
)

func TestPlanSellThenBuy(t *testing.T) {
	holdings := map[string]domain.Holding{
		"000001": {AssetID: "000001", Shares: 10},
	}
	targets := []domain.SizedTarget{
		{AssetID: "000001", TargetShares: 4, Weight: 0.4},
		{AssetID: "000003", TargetShares: 5, Weight: 0.3},
	}

	intents := Plan(holdings, targets)
	if len(intents) != 2 {
		t.Fatalf("got %d intents, want 2: %+v", len(intents), intents)
	}
	if intents[0].Side != domain.SideSell || intents[0].AssetID != "000001" || intents[0].Shares != 6 {
		t.Errorf("intents[0] = %+v, want SELL 000001 x6", intents[0])
	}
	if intents[1].Side != domain.SideBuy || intents[1].AssetID != "000003" || intents[1].Shares != 5 {
		t.Errorf("intents[1] = %+v, want BUY 000003 x5", intents[1])
	}
}

func TestPlanSellsAlwaysPrecedeBuys(t *testing.T) {
	holdings := map[string]domain.Holding{
		"000001": {Shares: 10},
		"000002": {Shares: 3},
		"000005": {Shares: 7},
	}
	targets := []domain.SizedTarget{
		{AssetID: "000002", TargetShares: 8, Weight: 0.5},
		{AssetID: "000004", TargetShares: 2, Weight: 0.2},
		{AssetID: "000005", TargetShares: 1, Weight: 0.1},
	}

	intents := Plan(holdings, targets)
	seenBuy := false
	for _, in := range intents {
		if in.Side == domain.SideBuy {
			seenBuy = true
		}
		if seenBuy && in.Side == domain.SideSell {
			t.Fatalf("SELL after BUY in plan: %+v", intents)
		}
	}
}

func TestPlanReplayReachesTargets(t *testing.T) {
	holdings := map[string]domain.Holding{
		"000001": {AssetID: "000001", Shares: 10},
		"000002": {AssetID: "000002", Shares: 3},
	}
	targets := []domain.SizedTarget{
		{AssetID: "000002", TargetShares: 8, Weight: 0.5},
		{AssetID: "000003", TargetShares: 5, Weight: 0.3},
	}

	// Replay the plan against the holdings.
	final := make(map[string]int64)
	for id, h := range holdings {
		final[id] = h.Shares
	}
	for _, in := range Plan(holdings, targets) {
		switch in.Side {
		case domain.SideSell:
			final[in.AssetID] -= in.Shares
		case domain.SideBuy:
			final[in.AssetID] += in.Shares
		}
	}

	want := map[string]int64{"000001": 0, "000002": 8, "000003": 5}
	for id, shares := range want {
		if final[id] != shares {
			t.Errorf("final[%s] = %d, want %d", id, final[id], shares)
		}
	}
}

func TestPlanIdempotent(t *testing.T) {
	holdings := map[string]domain.Holding{
		"000001": {AssetID: "000001", Shares: 4},
		"000002": {AssetID: "000002", Shares: 8},
	}
	targets := []domain.SizedTarget{
		{AssetID: "000001", TargetShares: 4},
		{AssetID: "000002", TargetShares: 8},
	}

	if intents := Plan(holdings, targets); len(intents) != 0 {
		t.Errorf("unchanged portfolio should produce no intents, got %+v", intents)
	}
}

func TestPlanFullExit(t *testing.T) {
	holdings := map[string]domain.Holding{
		"000009": {AssetID: "000009", Name: "Legacy", Shares: 12},
	}

	intents := Plan(holdings, nil)
	if len(intents) != 1 {
		t.Fatalf("got %d intents, want 1", len(intents))
	}
	if intents[0].Side != domain.SideSell || intents[0].Shares != 12 {
		t.Errorf("intent = %+v, want SELL x12", intents[0])
	}
}

func TestPlanSellOrderDeterministic(t *testing.T) {
	holdings := map[string]domain.Holding{
		"000300": {Shares: 1},
		"000100": {Shares: 1},
		"000200": {Shares: 1},
	}

	intents := Plan(holdings, nil)
	want := []string{"000100", "000200", "000300"}
	for i, id := range want {
		if intents[i].AssetID != id {
			t.Errorf("sells[%d] = %s, want %s (sorted by code)", i, intents[i].AssetID, id)
		}
	}
}

func TestPlanBuysFollowTargetOrder(t *testing.T) {
	targets := []domain.SizedTarget{
		{AssetID: "000777", TargetShares: 1, Weight: 0.5},
		{AssetID: "000111", TargetShares: 1, Weight: 0.3},
		{AssetID: "000444", TargetShares: 1, Weight: 0.1},
	}

	intents := Plan(nil, targets)
	want := []string{"000777", "000111", "000444"}
	for i, id := range want {
		if intents[i].AssetID != id {
			t.Errorf("buys[%d] = %s, want %s (weight-descending)", i, intents[i].AssetID, id)
		}
	}
}
