package broker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"rebalancer/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// SimulatorBroker implements Broker in memory: orders fill immediately at
// the configured price and the account balance updates accordingly. Used for
// tests and for exercising the pipeline without a live account.
type SimulatorBroker struct {
	mu       sync.Mutex
	cash     float64
	holdings map[string]domain.Holding
	prices   map[string]float64
	fills    map[string]*OrderFill

	// Reject lists asset IDs whose orders the simulator rejects, imitating
	// order-level business rejections.
	Reject map[string]bool

	nextID int
}

// NewSimulatorBroker creates a simulator seeded with the given cash and
// per-asset prices.
func NewSimulatorBroker(cash float64, prices map[string]float64) *SimulatorBroker {
	p := make(map[string]float64, len(prices))
	for k, v := range prices {
		p[k] = v
	}
	return &SimulatorBroker{
		cash:     cash,
		holdings: make(map[string]domain.Holding),
		prices:   p,
		fills:    make(map[string]*OrderFill),
		Reject:   make(map[string]bool),
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string { return "simulator" }

// SetPrice updates the simulated price for an asset.
func (b *SimulatorBroker) SetPrice(assetID string, price float64) {
	b.mu.Lock()
	b.prices[assetID] = price
	b.mu.Unlock()
}

// SetHolding seeds a position directly, bypassing order flow.
func (b *SimulatorBroker) SetHolding(h domain.Holding) {
	b.mu.Lock()
	b.holdings[h.AssetID] = h
	b.mu.Unlock()
}

// Balance returns the simulated account state.
func (b *SimulatorBroker) Balance(_ context.Context) (*Balance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bal := &Balance{
		Cash:     b.cash,
		Holdings: make(map[string]domain.Holding, len(b.holdings)),
		Prices:   make(map[string]float64, len(b.holdings)),
	}
	for id, h := range b.holdings {
		bal.Holdings[id] = h
		if p, ok := b.prices[id]; ok {
			bal.Prices[id] = p
		}
	}
	return bal, nil
}

// Quote returns the configured price for the asset.
func (b *SimulatorBroker) Quote(_ context.Context, assetID string) (float64, error) {
	if !domain.ValidAssetCode(assetID) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAsset, assetID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	price, ok := b.prices[assetID]
	if !ok {
		return 0, fmt.Errorf("%w: no price for %s", ErrRejected, assetID)
	}
	return price, nil
}

// SubmitOrder fills the order immediately at the configured price.
func (b *SimulatorBroker) SubmitOrder(_ context.Context, intent domain.OrderIntent) (*OrderAck, error) {
	if !domain.ValidAssetCode(intent.AssetID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAsset, intent.AssetID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.Reject[intent.AssetID] {
		return nil, fmt.Errorf("%w: %s %s x%d", ErrRejected, intent.Side, intent.AssetID, intent.Shares)
	}

	price, ok := b.prices[intent.AssetID]
	if !ok {
		return nil, fmt.Errorf("%w: no price for %s", ErrRejected, intent.AssetID)
	}

	switch intent.Side {
	case domain.SideSell:
		h, ok := b.holdings[intent.AssetID]
		if !ok || h.Shares < intent.Shares {
			return nil, fmt.Errorf("%w: insufficient shares of %s", ErrRejected, intent.AssetID)
		}
		h.Shares -= intent.Shares
		if h.Shares == 0 {
			delete(b.holdings, intent.AssetID)
		} else {
			b.holdings[intent.AssetID] = h
		}
		b.cash += float64(intent.Shares) * price

	case domain.SideBuy:
		cost := float64(intent.Shares) * price
		if cost > b.cash {
			return nil, fmt.Errorf("%w: insufficient cash for %s", ErrRejected, intent.AssetID)
		}
		h := b.holdings[intent.AssetID]
		// Average the cost basis across the old and new lots.
		totalCost := float64(h.Shares)*h.CostBasis + cost
		h.AssetID = intent.AssetID
		h.Name = intent.Name
		h.Shares += intent.Shares
		h.CostBasis = totalCost / float64(h.Shares)
		b.holdings[intent.AssetID] = h
		b.cash -= cost

	default:
		return nil, fmt.Errorf("%w: unknown side %q", ErrRejected, intent.Side)
	}

	b.nextID++
	id := "sim-" + strconv.Itoa(b.nextID)
	b.fills[id] = &OrderFill{FilledShares: intent.Shares, FillPrice: price}
	return &OrderAck{BrokerOrderID: id, SubmittedAt: time.Now()}, nil
}

// OrderStatus returns the recorded fill for a simulated order.
func (b *SimulatorBroker) OrderStatus(_ context.Context, brokerOrderID string) (*OrderFill, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fill, ok := b.fills[brokerOrderID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown order %s", ErrRejected, brokerOrderID)
	}
	return fill, nil
}
