// Package broker defines the Broker interface and provides implementations
// for submitting orders and reading account state at a brokerage.
package broker

import (
	"context"
	"time"

	"rebalancer/internal/domain"
)

// Balance is the brokerage's authoritative view of the account: settled
// cash, open positions, and the last price the brokerage reported for each
// held asset.
type Balance struct {
	Cash     float64
	Holdings map[string]domain.Holding
	Prices   map[string]float64 // last price per held asset ID
}

// TotalValue returns cash plus holdings valued at the brokerage's prices.
func (b *Balance) TotalValue() float64 {
	total := b.Cash
	for id, h := range b.Holdings {
		price, ok := b.Prices[id]
		if !ok {
			price = h.CostBasis
		}
		total += float64(h.Shares) * price
	}
	return total
}

// OrderAck acknowledges an accepted order submission.
type OrderAck struct {
	BrokerOrderID string
	SubmittedAt   time.Time
}

// OrderFill is the brokerage-reported execution state of an order.
type OrderFill struct {
	FilledShares int64
	FillPrice    float64 // average fill price, 0 until something fills
	Remaining    int64
}

// Broker abstracts the brokerage operations the rebalancing engine consumes.
// All methods block until the session's rate limiter grants capacity or the
// context expires.
type Broker interface {
	// Name returns the broker identifier (e.g. "kis", "simulator").
	Name() string

	// Balance returns the account's settled cash and positions.
	Balance(ctx context.Context) (*Balance, error)

	// Quote returns the current price for a single asset.
	Quote(ctx context.Context, assetID string) (float64, error)

	// SubmitOrder submits a market order for the intent and returns the
	// brokerage's acknowledgement. A business rejection surfaces as
	// ErrRejected, not as an ack.
	SubmitOrder(ctx context.Context, intent domain.OrderIntent) (*OrderAck, error)

	// OrderStatus returns the current fill state of a submitted order.
	OrderStatus(ctx context.Context, brokerOrderID string) (*OrderFill, error)
}
