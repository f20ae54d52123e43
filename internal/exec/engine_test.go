package exec

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"rebalancer/internal/broker"
	"rebalancer/internal/domain"
	"rebalancer/internal/store"
	"rebalancer/internal/util"
)

func testConfig() Config {
	return Config{
		Retry:        util.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Nanosecond},
		PollInterval: time.Millisecond,
		PollTimeout:  50 * time.Millisecond,
	}
}

func newEngineFixture(t *testing.T, sim broker.Broker) (*Engine, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewEngine(sim, st, testConfig()), st
}

func TestRunSellThenBuyCompletes(t *testing.T) {
	// Holdings {A:10}, target {A:4, C:5} → SELL A 6 then BUY C 5.
	sim := broker.NewSimulatorBroker(400_000, map[string]float64{
		"000001": 100_000,
		"000003": 50_000,
	})
	sim.SetHolding(domain.Holding{AssetID: "000001", Name: "A", Shares: 10, CostBasis: 90_000})
	e, st := newEngineFixture(t, sim)

	pre := domain.PortfolioState{
		Cash: 400_000,
		Holdings: map[string]domain.Holding{
			"000001": {AssetID: "000001", Name: "A", Shares: 10, CostBasis: 90_000},
		},
		TotalValue: 1_400_000,
	}
	intents := []domain.OrderIntent{
		{AssetID: "000001", Name: "A", Side: domain.SideSell, Shares: 6},
		{AssetID: "000003", Name: "C", Side: domain.SideBuy, Shares: 5},
	}
	prices := map[string]float64{"000001": 100_000, "000003": 50_000}

	rec, err := e.Run(context.Background(), "cycle-1", pre, intents, prices)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if rec.Stage != domain.StageComplete {
		t.Errorf("stage = %s, want COMPLETE", rec.Stage)
	}
	if len(rec.Sells) != 1 || rec.Sells[0].Status != domain.OrderFilled || rec.Sells[0].FilledShares != 6 {
		t.Errorf("sells = %+v", rec.Sells)
	}
	if len(rec.Buys) != 1 || rec.Buys[0].Status != domain.OrderFilled || rec.Buys[0].FilledShares != 5 {
		t.Errorf("buys = %+v", rec.Buys)
	}

	// Post state matches the brokerage: 400k + 600k - 250k cash, A:4, C:5.
	if rec.PostState.Cash != 750_000 {
		t.Errorf("post cash = %v, want 750000", rec.PostState.Cash)
	}
	if rec.PostState.Holdings["000001"].Shares != 4 || rec.PostState.Holdings["000003"].Shares != 5 {
		t.Errorf("post holdings = %+v", rec.PostState.Holdings)
	}
	if rec.PostState.Cash < 0 {
		t.Error("cash must never go negative")
	}

	// The outcome is durably persisted.
	loaded, err := st.Load(context.Background())
	if err != nil {
		t.Fatalf("Load after cycle: %v", err)
	}
	if loaded.Cash != 750_000 || loaded.CycleID != "cycle-1" {
		t.Errorf("persisted state = %+v", loaded)
	}
	saved, err := st.Cycle(context.Background(), "cycle-1")
	if err != nil {
		t.Fatalf("Cycle after run: %v", err)
	}
	if saved.Stage != domain.StageComplete {
		t.Errorf("persisted stage = %s", saved.Stage)
	}
}

func TestRunRejectedSellProceedsToBuying(t *testing.T) {
	sim := broker.NewSimulatorBroker(500_000, map[string]float64{
		"000001": 100_000,
		"000002": 100_000,
		"000003": 50_000,
	})
	sim.SetHolding(domain.Holding{AssetID: "000001", Name: "A", Shares: 5})
	sim.SetHolding(domain.Holding{AssetID: "000002", Name: "X", Shares: 5})
	sim.Reject["000002"] = true
	e, _ := newEngineFixture(t, sim)

	pre := domain.PortfolioState{
		Cash: 500_000,
		Holdings: map[string]domain.Holding{
			"000001": {AssetID: "000001", Shares: 5},
			"000002": {AssetID: "000002", Shares: 5},
		},
		TotalValue: 1_500_000,
	}
	intents := []domain.OrderIntent{
		{AssetID: "000001", Side: domain.SideSell, Shares: 5},
		{AssetID: "000002", Side: domain.SideSell, Shares: 5},
		{AssetID: "000003", Side: domain.SideBuy, Shares: 10},
	}
	prices := map[string]float64{"000001": 100_000, "000002": 100_000, "000003": 50_000}

	rec, err := e.Run(context.Background(), "cycle-1", pre, intents, prices)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if rec.Stage != domain.StageComplete {
		t.Errorf("stage = %s, want COMPLETE (a rejected sell is not fatal)", rec.Stage)
	}

	var rejected *domain.OrderResult
	for i := range rec.Sells {
		if rec.Sells[i].Intent.AssetID == "000002" {
			rejected = &rec.Sells[i]
		}
	}
	if rejected == nil || rejected.Status != domain.OrderRejected {
		t.Fatalf("sell of 000002 should be recorded REJECTED: %+v", rec.Sells)
	}
	if rejected.FilledShares != 0 {
		t.Error("rejected sell must contribute no freed cash")
	}

	// The buy executed against confirmed freed cash only, and the post
	// state reflects the brokerage (000002 still held).
	if rec.PostState.Holdings["000002"].Shares != 5 {
		t.Errorf("post holdings = %+v, 000002 should remain", rec.PostState.Holdings)
	}
	if len(rec.Buys) != 1 || rec.Buys[0].FilledShares == 0 {
		t.Errorf("buys = %+v", rec.Buys)
	}
}

func TestRunReducesBuyToAffordable(t *testing.T) {
	// 400,000 cash cannot fill BUY 10 at 100,000; the engine shrinks the
	// order to 4 shares rather than oversubmit.
	sim := broker.NewSimulatorBroker(400_000, map[string]float64{"000003": 100_000})
	e, _ := newEngineFixture(t, sim)

	pre := domain.PortfolioState{Cash: 400_000, Holdings: map[string]domain.Holding{}, TotalValue: 400_000}
	intents := []domain.OrderIntent{{AssetID: "000003", Name: "C", Side: domain.SideBuy, Shares: 10}}
	prices := map[string]float64{"000003": 100_000}

	rec, err := e.Run(context.Background(), "cycle-1", pre, intents, prices)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if rec.Stage != domain.StageComplete {
		t.Errorf("stage = %s, want COMPLETE", rec.Stage)
	}
	if len(rec.Buys) != 1 {
		t.Fatalf("buys = %+v", rec.Buys)
	}
	buy := rec.Buys[0]
	if buy.Status != domain.OrderPartial || buy.FilledShares != 4 {
		t.Errorf("buy = %+v, want PARTIAL with 4 filled", buy)
	}
	if buy.Intent.Shares != 10 {
		t.Error("record must keep the original intent share count")
	}
	if rec.PostState.Cash < 0 {
		t.Errorf("cash = %v, must stay non-negative", rec.PostState.Cash)
	}
}

func TestRunSkipsBuyWhenNothingAffordable(t *testing.T) {
	sim := broker.NewSimulatorBroker(30_000, map[string]float64{"000003": 100_000})
	e, _ := newEngineFixture(t, sim)

	pre := domain.PortfolioState{Cash: 30_000, Holdings: map[string]domain.Holding{}, TotalValue: 30_000}
	intents := []domain.OrderIntent{{AssetID: "000003", Side: domain.SideBuy, Shares: 2}}

	rec, err := e.Run(context.Background(), "cycle-1", pre, intents, map[string]float64{"000003": 100_000})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(rec.Buys) != 1 || rec.Buys[0].Status != domain.OrderFailed {
		t.Errorf("buys = %+v, want one FAILED (insufficient cash) result", rec.Buys)
	}
	if rec.Buys[0].FilledShares != 0 {
		t.Error("nothing should have been submitted")
	}
	if rec.PostState.Cash != 30_000 {
		t.Errorf("cash = %v, want untouched 30000", rec.PostState.Cash)
	}
}

// transientSellBroker fails every sell with a transient error, exhausting
// the retry budget.
type transientSellBroker struct {
	*broker.SimulatorBroker
}

func (b *transientSellBroker) SubmitOrder(ctx context.Context, in domain.OrderIntent) (*broker.OrderAck, error) {
	if in.Side == domain.SideSell {
		return nil, fmt.Errorf("%w: connection reset", broker.ErrTransient)
	}
	return b.SimulatorBroker.SubmitOrder(ctx, in)
}

func TestRunSellFailureHaltsBeforeBuying(t *testing.T) {
	sim := broker.NewSimulatorBroker(500_000, map[string]float64{
		"000001": 100_000,
		"000003": 50_000,
	})
	sim.SetHolding(domain.Holding{AssetID: "000001", Shares: 5})
	e, st := newEngineFixture(t, &transientSellBroker{sim})

	pre := domain.PortfolioState{
		Cash:       500_000,
		Holdings:   map[string]domain.Holding{"000001": {AssetID: "000001", Shares: 5}},
		TotalValue: 1_000_000,
	}
	intents := []domain.OrderIntent{
		{AssetID: "000001", Side: domain.SideSell, Shares: 5},
		{AssetID: "000003", Side: domain.SideBuy, Shares: 2},
	}

	rec, err := e.Run(context.Background(), "cycle-1", pre, intents,
		map[string]float64{"000001": 100_000, "000003": 50_000})
	if err == nil {
		t.Fatal("Run should fail when a sell exhausts its retries")
	}
	if rec.Stage != domain.StageFailed {
		t.Errorf("stage = %s, want FAILED", rec.Stage)
	}
	if len(rec.Buys) != 0 {
		t.Errorf("no buy may run after a fatal sell failure, got %+v", rec.Buys)
	}

	// The failed cycle is still reconciled against the brokerage and
	// persisted: state reflects broker truth, never goes stale.
	if rec.PostState.Holdings["000001"].Shares != 5 {
		t.Errorf("post holdings = %+v", rec.PostState.Holdings)
	}
	saved, err := st.Cycle(context.Background(), "cycle-1")
	if err != nil {
		t.Fatalf("failed cycle must be persisted: %v", err)
	}
	if saved.Stage != domain.StageFailed || saved.Note == "" {
		t.Errorf("persisted record = stage %s note %q", saved.Stage, saved.Note)
	}
}

// cancelOnSell requests an operator abort as soon as the first sell is in
// flight, before any buy can be submitted.
type cancelOnSell struct {
	*broker.SimulatorBroker
	cancel context.CancelFunc
}

func (b *cancelOnSell) SubmitOrder(ctx context.Context, in domain.OrderIntent) (*broker.OrderAck, error) {
	ack, err := b.SimulatorBroker.SubmitOrder(ctx, in)
	if in.Side == domain.SideSell {
		b.cancel()
	}
	return ack, err
}

func TestRunAbortBeforeBuyingReconciles(t *testing.T) {
	sim := broker.NewSimulatorBroker(500_000, map[string]float64{
		"000001": 100_000,
		"000003": 50_000,
	})
	sim.SetHolding(domain.Holding{AssetID: "000001", Shares: 5})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e, _ := newEngineFixture(t, &cancelOnSell{SimulatorBroker: sim, cancel: cancel})

	pre := domain.PortfolioState{
		Cash:       500_000,
		Holdings:   map[string]domain.Holding{"000001": {AssetID: "000001", Shares: 5}},
		TotalValue: 1_000_000,
	}
	intents := []domain.OrderIntent{
		{AssetID: "000001", Side: domain.SideSell, Shares: 5},
		{AssetID: "000003", Side: domain.SideBuy, Shares: 2},
	}

	rec, err := e.Run(ctx, "cycle-1", pre, intents,
		map[string]float64{"000001": 100_000, "000003": 50_000})
	if err == nil {
		t.Fatal("aborted cycle should report failure")
	}
	if rec.Stage != domain.StageFailed {
		t.Errorf("stage = %s, want FAILED", rec.Stage)
	}
	if len(rec.Buys) != 0 {
		t.Error("abort must be honored before any buy is submitted")
	}
	// Reconciliation ran despite the cancelled context: the sell's proceeds
	// are reflected even though the cycle failed.
	if rec.PostState.Cash != 1_000_000 {
		t.Errorf("post cash = %v, want 1000000 from the reconciled brokerage view", rec.PostState.Cash)
	}
	if len(rec.PostState.Holdings) != 0 {
		t.Errorf("post holdings = %+v, want empty after the full sell", rec.PostState.Holdings)
	}
}

func TestRunRefusesInvalidPlan(t *testing.T) {
	sim := broker.NewSimulatorBroker(0, nil)
	e, _ := newEngineFixture(t, sim)

	intents := []domain.OrderIntent{
		{AssetID: "000003", Side: domain.SideBuy, Shares: 1},
		{AssetID: "000001", Side: domain.SideSell, Shares: 1},
	}
	_, err := e.Run(context.Background(), "cycle-1",
		domain.PortfolioState{Holdings: map[string]domain.Holding{"000001": {AssetID: "000001", Shares: 1}}},
		intents, nil)
	if err == nil {
		t.Fatal("a plan with a sell after a buy must be refused")
	}
}

func TestResumeFinalizesInterruptedCycle(t *testing.T) {
	sim := broker.NewSimulatorBroker(1_000_000, map[string]float64{"000001": 100_000})
	sim.SetHolding(domain.Holding{AssetID: "000001", Shares: 3})
	e, st := newEngineFixture(t, sim)
	ctx := context.Background()

	interrupted := domain.ExecutionRecord{
		CycleID:   "cycle-crashed",
		Stage:     domain.StageSelling,
		StartedAt: time.Now(),
		PreState:  domain.PortfolioState{Cash: 500_000, Holdings: map[string]domain.Holding{}, TotalValue: 500_000},
	}
	if err := st.BeginCycle(ctx, interrupted); err != nil {
		t.Fatalf("BeginCycle: %v", err)
	}

	rec, err := e.Resume(ctx, interrupted)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if rec.Stage != domain.StageFailed {
		t.Errorf("resumed stage = %s, want FAILED", rec.Stage)
	}
	// State now matches the brokerage.
	if rec.PostState.Cash != 1_000_000 || rec.PostState.Holdings["000001"].Shares != 3 {
		t.Errorf("post state = %+v", rec.PostState)
	}

	saved, err := st.Cycle(ctx, "cycle-crashed")
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if !saved.Stage.Terminal() {
		t.Errorf("persisted stage = %s, want terminal", saved.Stage)
	}
}

func TestStageTransitions(t *testing.T) {
	valid := []struct{ from, to domain.CycleStage }{
		{domain.StagePending, domain.StageSelling},
		{domain.StageSelling, domain.StageBuying},
		{domain.StageSelling, domain.StageReconciling},
		{domain.StageBuying, domain.StageReconciling},
		{domain.StageReconciling, domain.StageComplete},
		{domain.StageReconciling, domain.StageFailed},
	}
	for _, c := range valid {
		if !canTransition(c.from, c.to) {
			t.Errorf("transition %s → %s should be allowed", c.from, c.to)
		}
	}

	invalid := []struct{ from, to domain.CycleStage }{
		{domain.StagePending, domain.StageBuying},
		{domain.StageBuying, domain.StageSelling},
		{domain.StageComplete, domain.StageSelling},
		{domain.StageFailed, domain.StageReconciling},
		{domain.StageReconciling, domain.StageBuying},
	}
	for _, c := range invalid {
		if canTransition(c.from, c.to) {
			t.Errorf("transition %s → %s should be rejected", c.from, c.to)
		}
	}
}

func TestValidatePlan(t *testing.T) {
	holdings := map[string]domain.Holding{"000001": {AssetID: "000001", Shares: 5}}

	if err := validatePlan(holdings, []domain.OrderIntent{
		{AssetID: "000001", Side: domain.SideSell, Shares: 5},
		{AssetID: "000002", Side: domain.SideBuy, Shares: 1},
	}); err != nil {
		t.Errorf("valid plan rejected: %v", err)
	}

	if err := validatePlan(holdings, []domain.OrderIntent{
		{AssetID: "000001", Side: domain.SideSell, Shares: 9},
	}); err == nil {
		t.Error("oversell should be rejected")
	}

	if err := validatePlan(holdings, []domain.OrderIntent{
		{AssetID: "bad", Side: domain.SideBuy, Shares: 1},
	}); err == nil {
		t.Error("malformed code should be rejected")
	}

	if err := validatePlan(holdings, []domain.OrderIntent{
		{AssetID: "000002", Side: domain.SideBuy, Shares: 0},
	}); err == nil {
		t.Error("zero shares should be rejected")
	}
}
