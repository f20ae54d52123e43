// Package domain defines the core types shared across the rebalancing
// pipeline: holdings, target allocations, order intents and results, and the
// durable portfolio state.
package domain

import "time"

// Side identifies the direction of an order.
type Side string

const (
	SideSell Side = "SELL"
	SideBuy  Side = "BUY"
)

// OrderStatus is the terminal status of a submitted (or skipped) order.
type OrderStatus string

const (
	OrderFilled   OrderStatus = "FILLED"
	OrderPartial  OrderStatus = "PARTIAL"
	OrderRejected OrderStatus = "REJECTED"
	OrderFailed   OrderStatus = "FAILED"
)

// CycleStage is the stage of an execution cycle. A cycle moves
// PENDING → SELLING → BUYING → RECONCILING → COMPLETE, with FAILED
// reachable from any stage.
type CycleStage string

const (
	StagePending     CycleStage = "PENDING"
	StageSelling     CycleStage = "SELLING"
	StageBuying      CycleStage = "BUYING"
	StageReconciling CycleStage = "RECONCILING"
	StageComplete    CycleStage = "COMPLETE"
	StageFailed      CycleStage = "FAILED"
)

// Terminal reports whether the stage is an end state for a cycle.
func (s CycleStage) Terminal() bool {
	return s == StageComplete || s == StageFailed
}

// Holding is a position in a single asset. Shares is never negative; the
// engine mutates holdings only after a confirmed fill.
type Holding struct {
	AssetID   string  `json:"asset_id"`
	Name      string  `json:"name"`
	Shares    int64   `json:"shares"`
	CostBasis float64 `json:"cost_basis"` // average purchase price per share, in KRW
}

// TargetWeight is one entry of a target allocation: the desired fraction of
// portfolio value for an asset, with the selector's opaque rationale.
type TargetWeight struct {
	AssetID   string  `yaml:"code" json:"code"`
	Name      string  `yaml:"name" json:"name"`
	Weight    float64 `yaml:"weight" json:"weight"`
	Rationale string  `yaml:"rationale" json:"rationale"`
}

// TargetAllocation is the ordered weight list produced by the selector for
// one cycle. Weights sum to at most 1; the remainder stays in cash.
type TargetAllocation []TargetWeight

// WeightSum returns the sum of all target weights.
func (ta TargetAllocation) WeightSum() float64 {
	var sum float64
	for _, t := range ta {
		sum += t.Weight
	}
	return sum
}

// SizedTarget is a target allocation entry converted to an integral share
// count at a live price. Recomputed every cycle, never persisted.
type SizedTarget struct {
	AssetID      string  `json:"asset_id"`
	Name         string  `json:"name"`
	TargetShares int64   `json:"target_shares"`
	TargetValue  float64 `json:"target_value"` // TargetShares × sizing price
	Weight       float64 `json:"weight"`       // effective weight after any renormalization
}

// OrderIntent is a single planned market order. Intents are immutable and
// consumed exactly once by the execution engine.
type OrderIntent struct {
	AssetID string `json:"asset_id"`
	Name    string `json:"name"`
	Side    Side   `json:"side"`
	Shares  int64  `json:"shares"`
}

// OrderResult records the outcome of one intent.
type OrderResult struct {
	Intent        OrderIntent `json:"intent"`
	Status        OrderStatus `json:"status"`
	FilledShares  int64       `json:"filled_shares"`
	FillPrice     float64     `json:"fill_price"`
	BrokerOrderID string      `json:"broker_order_id,omitempty"`
	Reason        string      `json:"reason,omitempty"` // broker message or adjustment note, empty on clean fills
	Timestamp     time.Time   `json:"timestamp"`
}

// FilledValue returns the cash value of the filled portion.
func (r OrderResult) FilledValue() float64 {
	return float64(r.FilledShares) * r.FillPrice
}

// PortfolioState is the single durable account state: cash, holdings, and
// the total value as of the last completed cycle.
type PortfolioState struct {
	Cash       float64            `json:"cash"`
	Holdings   map[string]Holding `json:"holdings"` // keyed by asset ID
	TotalValue float64            `json:"total_value"`
	CycleID    string             `json:"cycle_id,omitempty"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// Clone returns a deep copy, so snapshots embedded in execution records do
// not alias the live state.
func (p PortfolioState) Clone() PortfolioState {
	cp := p
	cp.Holdings = make(map[string]Holding, len(p.Holdings))
	for k, v := range p.Holdings {
		cp.Holdings[k] = v
	}
	return cp
}

// HoldingsValue returns the market value of all holdings at the given
// prices. Assets without a quote contribute their cost basis, the best
// information available.
func (p PortfolioState) HoldingsValue(prices map[string]float64) float64 {
	var total float64
	for _, h := range p.Holdings {
		price, ok := prices[h.AssetID]
		if !ok {
			price = h.CostBasis
		}
		total += float64(h.Shares) * price
	}
	return total
}

// ExecutionRecord is the append-only ledger entry for one cycle: the order
// results and the state snapshots bracketing them. Never mutated after the
// cycle reaches a terminal stage.
type ExecutionRecord struct {
	CycleID    string         `json:"cycle_id"`
	Stage      CycleStage     `json:"stage"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Sells      []OrderResult  `json:"sells,omitempty"`
	Buys       []OrderResult  `json:"buys,omitempty"`
	PreState   PortfolioState `json:"pre_state"`
	PostState  PortfolioState `json:"post_state"`
	Note       string         `json:"note,omitempty"` // failure or divergence detail, empty on clean cycles
}

// ValidAssetCode reports whether code is a well-formed KRX instrument code:
// exactly six numeric digits.
func ValidAssetCode(code string) bool {
	if len(code) != 6 {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
