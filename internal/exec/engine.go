// Package exec drives order execution for one rebalancing cycle: sequential
// sell-then-buy submission with retries, fill observation, reconciliation
// against the brokerage, and atomic persistence of the outcome.
package exec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"rebalancer/internal/broker"
	"rebalancer/internal/domain"
	"rebalancer/internal/store"
	"rebalancer/internal/util"
)

// Config bounds the engine's brokerage interactions. Every call carries a
// timeout and a retry budget; exhausting either fails the cycle instead of
// hanging.
type Config struct {
	Retry        util.RetryPolicy
	PollInterval time.Duration // delay between fill-status polls
	PollTimeout  time.Duration // total budget for observing one order's fill
}

// Engine executes a planned order set against the brokerage and records the
// result. One cycle runs at a time; all submissions are sequential to
// respect the shared rate-limit budget and keep the audit trail
// deterministic.
type Engine struct {
	broker broker.Broker
	store  store.Store
	cfg    Config
	log    *slog.Logger
}

// NewEngine creates an Engine wired with the given broker and store.
func NewEngine(b broker.Broker, st store.Store, cfg Config) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	return &Engine{
		broker: b,
		store:  st,
		cfg:    cfg,
		log:    slog.Default().With("component", "engine"),
	}
}

// Run executes one cycle's intents. pre is the portfolio state the plan was
// sized against and prices the quotes used for sizing (consulted again when
// a buy must shrink to fit remaining cash).
//
// Cancelling ctx is honored only up to the point BUYING begins; once orders
// are in flight the cycle always proceeds to RECONCILING so the persisted
// state reflects brokerage truth. The returned record is also persisted; a
// non-nil error means the cycle finished FAILED.
func (e *Engine) Run(ctx context.Context, cycleID string, pre domain.PortfolioState, intents []domain.OrderIntent, prices map[string]float64) (*domain.ExecutionRecord, error) {
	rec := &domain.ExecutionRecord{
		CycleID:   cycleID,
		Stage:     domain.StagePending,
		StartedAt: time.Now(),
		PreState:  pre.Clone(),
	}

	if err := validatePlan(pre.Holdings, intents); err != nil {
		return nil, fmt.Errorf("refusing plan: %w", err)
	}
	if err := e.store.BeginCycle(ctx, *rec); err != nil {
		// Nothing was sent to the brokerage; fail side-effect-free.
		return nil, fmt.Errorf("recording cycle start: %w", err)
	}

	var sells, buys []domain.OrderIntent
	for _, in := range intents {
		if in.Side == domain.SideSell {
			sells = append(sells, in)
		} else {
			buys = append(buys, in)
		}
	}

	var fatal error

	e.advance(rec, domain.StageSelling)
	for _, in := range sells {
		res, err := e.submitAndObserve(ctx, in)
		rec.Sells = append(rec.Sells, res)
		if err != nil {
			if errors.Is(err, broker.ErrRejected) {
				// A rejected sell does not block the others.
				e.log.Warn("sell rejected", "asset", in.AssetID, "reason", res.Reason)
				continue
			}
			// A failed sell halts the cycle: buying against capital that
			// never freed would break the sizing invariant.
			fatal = fmt.Errorf("sell %s: %w", in.AssetID, err)
			break
		}
	}

	// Operator abort gate: once buying starts the cycle must run through.
	if fatal == nil && ctx.Err() != nil {
		fatal = fmt.Errorf("cycle aborted before buying: %w", ctx.Err())
	}

	if fatal == nil {
		e.advance(rec, domain.StageBuying)
		available := pre.Cash
		for _, r := range rec.Sells {
			available += r.FilledValue()
		}

		for _, in := range buys {
			res, spent, err := e.executeBuy(ctx, in, available, prices)
			rec.Buys = append(rec.Buys, res)
			available -= spent
			if err != nil && !errors.Is(err, broker.ErrRejected) {
				fatal = fmt.Errorf("buy %s: %w", in.AssetID, err)
				break
			}
		}
	}

	// Reconciliation and persistence must survive cancellation.
	bg := context.WithoutCancel(ctx)

	e.advance(rec, domain.StageReconciling)
	post, reconErr := e.reconcile(bg, rec)
	rec.PostState = post

	switch {
	case fatal != nil:
		rec.Stage = domain.StageFailed
		rec.Note = fatal.Error()
	case reconErr != nil:
		rec.Stage = domain.StageFailed
		rec.Note = reconErr.Error()
		fatal = reconErr
	default:
		e.advance(rec, domain.StageComplete)
	}
	rec.FinishedAt = time.Now()

	state := rec.PostState.Clone()
	state.CycleID = cycleID
	state.UpdatedAt = rec.FinishedAt
	if err := e.store.SaveCycle(bg, state, *rec); err != nil {
		return rec, fmt.Errorf("persisting cycle %s: %w", cycleID, err)
	}

	e.log.Info("cycle finished",
		"cycle", cycleID, "stage", rec.Stage,
		"sells", len(rec.Sells), "buys", len(rec.Buys),
		"cash", state.Cash, "total_value", state.TotalValue)
	return rec, fatal
}

// Resume finalizes a cycle that was interrupted before reaching a terminal
// stage: it reconciles against the brokerage and persists the record as
// FAILED. Brokerage truth repairs whatever the interruption left behind.
func (e *Engine) Resume(ctx context.Context, rec domain.ExecutionRecord) (*domain.ExecutionRecord, error) {
	if rec.Stage.Terminal() {
		return &rec, nil
	}
	e.log.Warn("resuming interrupted cycle", "cycle", rec.CycleID, "stage", rec.Stage)

	rec.Stage = domain.StageReconciling
	post, err := e.reconcile(ctx, &rec)
	if err != nil {
		return nil, fmt.Errorf("reconciling interrupted cycle %s: %w", rec.CycleID, err)
	}
	rec.PostState = post
	rec.Stage = domain.StageFailed
	if rec.Note == "" {
		rec.Note = "interrupted; finalized by reconciliation"
	}
	rec.FinishedAt = time.Now()

	state := post.Clone()
	state.CycleID = rec.CycleID
	state.UpdatedAt = rec.FinishedAt
	if err := e.store.SaveCycle(ctx, state, rec); err != nil {
		return nil, fmt.Errorf("persisting resumed cycle: %w", err)
	}
	return &rec, nil
}

// advance moves the record to the next stage, logging the transition. An
// impossible transition is a programming error and is logged loudly rather
// than silently corrupting the audit trail.
func (e *Engine) advance(rec *domain.ExecutionRecord, to domain.CycleStage) {
	if !canTransition(rec.Stage, to) {
		e.log.Error("invalid stage transition", "cycle", rec.CycleID, "from", rec.Stage, "to", to)
	}
	rec.Stage = to
	e.log.Info("stage", "cycle", rec.CycleID, "stage", to)
}

// submitAndObserve submits one intent with the retry policy and polls its
// fill. The returned result is always populated, including on failure.
func (e *Engine) submitAndObserve(ctx context.Context, in domain.OrderIntent) (domain.OrderResult, error) {
	res := domain.OrderResult{Intent: in, Timestamp: time.Now()}

	var ack *broker.OrderAck
	err := util.Retry(ctx, e.cfg.Retry, broker.Retryable, func() error {
		var err error
		ack, err = e.broker.SubmitOrder(ctx, in)
		return err
	})
	if err != nil {
		if errors.Is(err, broker.ErrRejected) {
			res.Status = domain.OrderRejected
		} else {
			res.Status = domain.OrderFailed
		}
		res.Reason = err.Error()
		return res, err
	}

	res.BrokerOrderID = ack.BrokerOrderID
	fill := e.observeFill(ctx, ack.BrokerOrderID)
	res.FilledShares = fill.FilledShares
	res.FillPrice = fill.FillPrice

	switch {
	case fill.FilledShares >= in.Shares:
		res.Status = domain.OrderFilled
	default:
		// The realized position is whatever actually filled.
		res.Status = domain.OrderPartial
		res.Reason = fmt.Sprintf("filled %d of %d within poll budget", fill.FilledShares, in.Shares)
	}
	return res, nil
}

// observeFill polls the order's status until it is fully filled or the poll
// budget runs out, returning the last brokerage-reported fill state.
func (e *Engine) observeFill(ctx context.Context, orderID string) broker.OrderFill {
	deadline := time.Now().Add(e.cfg.PollTimeout)
	last := broker.OrderFill{}

	for {
		fill, err := e.broker.OrderStatus(ctx, orderID)
		if err == nil {
			last = *fill
			if fill.Remaining == 0 && fill.FilledShares > 0 {
				return last
			}
		} else {
			e.log.Warn("fill status unavailable", "order", orderID, "err", err)
		}

		if time.Now().After(deadline) || ctx.Err() != nil {
			return last
		}
		select {
		case <-ctx.Done():
			return last
		case <-time.After(e.cfg.PollInterval):
		}
	}
}

// executeBuy submits a buy, shrinking the share count to what the remaining
// cash affords. Returns the result, the cash actually spent, and any error.
func (e *Engine) executeBuy(ctx context.Context, in domain.OrderIntent, available float64, prices map[string]float64) (domain.OrderResult, float64, error) {
	price := prices[in.AssetID]
	if price <= 0 {
		res := domain.OrderResult{
			Intent: in, Status: domain.OrderFailed,
			Reason: "no sizing price", Timestamp: time.Now(),
		}
		return res, 0, nil
	}

	affordable := int64(math.Floor(available / price))
	shares := in.Shares
	if affordable < shares {
		shares = affordable
	}
	if shares <= 0 {
		// Not an error: an insufficient-cash adjustment, recorded and logged.
		e.log.Info("skipping buy, insufficient cash",
			"asset", in.AssetID, "wanted", in.Shares, "available", available, "price", price)
		res := domain.OrderResult{
			Intent: in, Status: domain.OrderFailed,
			Reason:    fmt.Sprintf("insufficient cash: %d shares at %.0f exceeds %.0f", in.Shares, price, available),
			Timestamp: time.Now(),
		}
		return res, 0, nil
	}

	adjusted := in
	adjusted.Shares = shares
	res, err := e.submitAndObserve(ctx, adjusted)
	res.Intent = in // the record keeps the original intent
	if err == nil && shares < in.Shares {
		res.Status = domain.OrderPartial
		res.Reason = fmt.Sprintf("reduced from %d to %d shares to fit available cash", in.Shares, shares)
	}
	return res, res.FilledValue(), err
}

// reconcile re-reads the account from the brokerage and builds the
// post-cycle state from that authoritative view. The locally accumulated
// fills are only a fast-path estimate; any divergence is logged and noted on
// the record, with the brokerage winning.
func (e *Engine) reconcile(ctx context.Context, rec *domain.ExecutionRecord) (domain.PortfolioState, error) {
	var bal *broker.Balance
	err := util.Retry(ctx, e.cfg.Retry, broker.Retryable, func() error {
		var err error
		bal, err = e.broker.Balance(ctx)
		return err
	})
	if err != nil {
		// Balance unreadable: fall back to the local estimate so the
		// persisted record still carries the best available view.
		est := e.localEstimate(rec)
		return est, fmt.Errorf("reading brokerage balance: %w", err)
	}

	post := domain.PortfolioState{
		Cash:       bal.Cash,
		Holdings:   bal.Holdings,
		TotalValue: bal.TotalValue(),
	}

	est := e.localEstimate(rec)
	if diff := math.Abs(est.Cash - post.Cash); diff > 1 {
		e.log.Warn("reconciliation divergence",
			"cycle", rec.CycleID, "local_cash", est.Cash, "broker_cash", post.Cash)
		if rec.Note == "" {
			rec.Note = fmt.Sprintf("reconciliation: broker cash %.0f vs local estimate %.0f", post.Cash, est.Cash)
		}
	}
	return post, nil
}

// localEstimate applies the recorded fills to the pre-cycle state.
func (e *Engine) localEstimate(rec *domain.ExecutionRecord) domain.PortfolioState {
	est := rec.PreState.Clone()
	for _, r := range rec.Sells {
		if r.FilledShares == 0 {
			continue
		}
		est.Cash += r.FilledValue()
		h := est.Holdings[r.Intent.AssetID]
		h.Shares -= r.FilledShares
		if h.Shares <= 0 {
			delete(est.Holdings, r.Intent.AssetID)
		} else {
			est.Holdings[r.Intent.AssetID] = h
		}
	}
	for _, r := range rec.Buys {
		if r.FilledShares == 0 {
			continue
		}
		est.Cash -= r.FilledValue()
		h := est.Holdings[r.Intent.AssetID]
		totalCost := float64(h.Shares)*h.CostBasis + r.FilledValue()
		h.AssetID = r.Intent.AssetID
		h.Name = r.Intent.Name
		h.Shares += r.FilledShares
		h.CostBasis = totalCost / float64(h.Shares)
		est.Holdings[r.Intent.AssetID] = h
	}
	return est
}
