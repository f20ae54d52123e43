// Package trader orchestrates one weekly rebalancing cycle end to end:
// state load, target selection, pricing, sizing, diffing, and handing the
// resulting plan to the execution engine.
package trader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"rebalancer/internal/alloc"
	"rebalancer/internal/broker"
	"rebalancer/internal/domain"
	"rebalancer/internal/exec"
	"rebalancer/internal/quote"
	"rebalancer/internal/selector"
	"rebalancer/internal/store"
	"rebalancer/internal/util"
)

// ErrNotTradingDay is returned when a cycle is requested outside KRX
// trading days.
var ErrNotTradingDay = errors.New("not a KRX trading day")

// ErrCycleInProgress is returned when the previous cycle never reached a
// terminal stage. The operator resolves it by resuming.
var ErrCycleInProgress = errors.New("previous cycle did not finish")

// Options bundles the tunables RunCycle needs. Retry covers the planning
// reads against the brokerage; order placement uses Engine.Retry.
type Options struct {
	CashReserveRatio float64
	SkipCalendar     bool
	Retry            util.RetryPolicy
	Engine           exec.Config
}

// CyclePlan is a fully sized plan, computed but not yet executed. Dry runs
// stop here.
type CyclePlan struct {
	CycleID  string                `json:"cycle_id"`
	PreState domain.PortfolioState `json:"pre_state"`
	Targets  []domain.SizedTarget  `json:"targets"`
	Intents  []domain.OrderIntent  `json:"intents"`
	Prices   map[string]float64    `json:"prices"`
}

// Trader wires the pipeline components together.
type Trader struct {
	broker    broker.Broker
	store     store.Store
	snapshots *store.SnapshotStore
	selector  selector.Selector
	oracle    *quote.Oracle
	allocator *alloc.Allocator
	engine    *exec.Engine
	opts      Options
	log       *slog.Logger
	now       func() time.Time
}

// New creates a Trader over the given components.
func New(b broker.Broker, st store.Store, snaps *store.SnapshotStore, sel selector.Selector, oracle *quote.Oracle, opts Options) *Trader {
	return &Trader{
		broker:    b,
		store:     st,
		snapshots: snaps,
		selector:  sel,
		oracle:    oracle,
		allocator: alloc.NewAllocator(opts.CashReserveRatio),
		engine:    exec.NewEngine(b, st, opts.Engine),
		opts:      opts,
		log:       slog.Default().With("component", "trader"),
		now:       time.Now,
	}
}

// Plan computes the sized plan for a cycle without executing anything.
func (t *Trader) Plan(ctx context.Context, cycleID string) (*CyclePlan, error) {
	if err := t.guard(ctx); err != nil {
		return nil, err
	}

	pre, err := t.currentState(ctx)
	if err != nil {
		return nil, err
	}

	targets, err := t.selector.Targets(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading targets: %w", err)
	}

	prices, err := t.oracle.Prices(ctx, planAssets(pre.Holdings, targets))
	if err != nil {
		return nil, fmt.Errorf("pricing plan assets: %w", err)
	}

	totalValue, err := alloc.TotalValue(pre.Cash, pre.Holdings, prices)
	if err != nil {
		return nil, err
	}
	pre.TotalValue = totalValue

	sized, err := t.allocator.SizeTargets(targets, totalValue, prices)
	if err != nil {
		return nil, err
	}

	return &CyclePlan{
		CycleID:  cycleID,
		PreState: *pre,
		Targets:  sized,
		Intents:  alloc.Plan(pre.Holdings, sized),
		Prices:   prices,
	}, nil
}

// RunCycle plans and executes one full cycle.
func (t *Trader) RunCycle(ctx context.Context, cycleID string) (*domain.ExecutionRecord, error) {
	plan, err := t.Plan(ctx, cycleID)
	if err != nil {
		return nil, err
	}

	if t.snapshots != nil {
		if err := t.snapshots.WriteSizing(cycleID, t.now(), plan.Targets, plan.Prices); err != nil {
			// Snapshot loss never blocks trading.
			t.log.Warn("sizing snapshot failed", "cycle", cycleID, "err", err)
		}
	}

	if len(plan.Intents) == 0 {
		t.log.Info("portfolio already on target, nothing to execute", "cycle", cycleID)
		return t.recordNoop(ctx, cycleID, plan.PreState)
	}

	t.log.Info("executing plan",
		"cycle", cycleID, "intents", len(plan.Intents),
		"total_value", plan.PreState.TotalValue, "cash", plan.PreState.Cash)
	return t.engine.Run(ctx, cycleID, plan.PreState, plan.Intents, plan.Prices)
}

// Resume finalizes the last cycle if it was interrupted mid-flight.
// Returns nil when there is nothing to resume.
func (t *Trader) Resume(ctx context.Context) (*domain.ExecutionRecord, error) {
	last, err := t.store.LastCycle(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if last.Stage.Terminal() {
		return nil, nil
	}
	return t.engine.Resume(ctx, *last)
}

// guard refuses to start when the calendar or a dangling cycle says no.
func (t *Trader) guard(ctx context.Context) error {
	if !t.opts.SkipCalendar && !util.IsKRXTradingDay(t.now()) {
		next := util.NextKRXTradingDay(t.now())
		return fmt.Errorf("%w: next trading day is %s", ErrNotTradingDay, next.Format("2006-01-02"))
	}

	last, err := t.store.LastCycle(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err == nil && !last.Stage.Terminal() {
		return fmt.Errorf("%w: cycle %s is at %s", ErrCycleInProgress, last.CycleID, last.Stage)
	}
	return nil
}

// currentState returns the portfolio state to plan against. The brokerage
// balance is authoritative; the stored state is initialized from it on
// first run and refreshed every cycle.
func (t *Trader) currentState(ctx context.Context) (*domain.PortfolioState, error) {
	var bal *broker.Balance
	err := util.Retry(ctx, t.opts.Retry, broker.Retryable, func() error {
		var err error
		bal, err = t.broker.Balance(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reading brokerage balance: %w", err)
	}
	state := &domain.PortfolioState{
		Cash:     bal.Cash,
		Holdings: bal.Holdings,
	}

	if _, err := t.store.Load(ctx); errors.Is(err, store.ErrNotFound) {
		init := state.Clone()
		init.TotalValue = init.Cash + init.HoldingsValue(bal.Prices)
		init.UpdatedAt = t.now()
		if err := t.store.InitState(ctx, init); err != nil {
			return nil, fmt.Errorf("initializing state: %w", err)
		}
		t.log.Info("initialized portfolio state from brokerage",
			"cash", init.Cash, "holdings", len(init.Holdings))
	} else if err != nil {
		return nil, err
	}

	return state, nil
}

// recordNoop persists an empty COMPLETE cycle so the weekly ledger has no
// gaps.
func (t *Trader) recordNoop(ctx context.Context, cycleID string, pre domain.PortfolioState) (*domain.ExecutionRecord, error) {
	now := t.now()
	rec := domain.ExecutionRecord{
		CycleID:    cycleID,
		Stage:      domain.StageComplete,
		StartedAt:  now,
		FinishedAt: now,
		PreState:   pre.Clone(),
		PostState:  pre.Clone(),
		Note:       "no-op: portfolio already on target",
	}
	state := pre.Clone()
	state.CycleID = cycleID
	state.UpdatedAt = now
	if err := t.store.SaveCycle(ctx, state, rec); err != nil {
		return nil, fmt.Errorf("persisting no-op cycle: %w", err)
	}
	return &rec, nil
}

// planAssets collects every asset the cycle touches: current holdings plus
// incoming targets, deduplicated.
func planAssets(holdings map[string]domain.Holding, targets domain.TargetAllocation) []string {
	seen := make(map[string]bool, len(holdings)+len(targets))
	var ids []string
	for id := range holdings {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, tw := range targets {
		if !seen[tw.AssetID] {
			seen[tw.AssetID] = true
			ids = append(ids, tw.AssetID)
		}
	}
	return ids
}
