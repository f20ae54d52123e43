// Package quote provides the price oracle: cached current-quote retrieval
// for sets of assets through the brokerage session.
package quote

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"rebalancer/internal/broker"
	"rebalancer/internal/util"
)

// Quoter is the single-asset quote source, satisfied by broker.Broker.
type Quoter interface {
	Quote(ctx context.Context, assetID string) (float64, error)
}

const (
	defaultTTL         = 30 * time.Second
	defaultConcurrency = 10
)

type cachedQuote struct {
	price     float64
	fetchedAt time.Time
}

// Oracle caches quotes for a short TTL and fans batch lookups out over a
// bounded worker pool. Quote fetches are read-only and order-independent, so
// concurrency here is safe; everything else on the session stays sequential.
type Oracle struct {
	quoter      Quoter
	ttl         time.Duration
	concurrency int
	retry       util.RetryPolicy
	log         *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedQuote
}

// NewOracle creates an Oracle over the given quote source. Non-positive ttl
// or concurrency select the defaults (30s, 10 workers); a zero retry policy
// selects util.DefaultRetryPolicy.
func NewOracle(q Quoter, ttl time.Duration, concurrency int, retry util.RetryPolicy) *Oracle {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Oracle{
		quoter:      q,
		ttl:         ttl,
		concurrency: concurrency,
		retry:       retry,
		log:         slog.Default().With("component", "oracle"),
		cache:       make(map[string]cachedQuote),
	}
}

// Price returns the current price for one asset, from cache when fresh.
func (o *Oracle) Price(ctx context.Context, assetID string) (float64, error) {
	o.mu.Lock()
	if c, ok := o.cache[assetID]; ok && time.Since(c.fetchedAt) < o.ttl {
		o.mu.Unlock()
		return c.price, nil
	}
	o.mu.Unlock()

	// Rate-limit and transient failures are retried here so one blip in a
	// batch fan-out does not abort an unattended cycle.
	var price float64
	err := util.Retry(ctx, o.retry, broker.Retryable, func() error {
		p, err := o.quoter.Quote(ctx, assetID)
		if err != nil {
			return err
		}
		price = p
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("quote %s: %w", assetID, err)
	}

	o.mu.Lock()
	o.cache[assetID] = cachedQuote{price: price, fetchedAt: time.Now()}
	o.mu.Unlock()
	return price, nil
}

// Prices fetches quotes for all the given assets concurrently and returns a
// complete price map. Any single failure fails the whole batch: sizing must
// never proceed on partial price data.
func (o *Oracle) Prices(ctx context.Context, assetIDs []string) (map[string]float64, error) {
	// Deduplicate while preserving nothing about order; output is a map.
	seen := make(map[string]bool, len(assetIDs))
	var unique []string
	for _, id := range assetIDs {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}

	type result struct {
		assetID string
		price   float64
		err     error
	}

	sem := make(chan struct{}, o.concurrency)
	results := make(chan result, len(unique))
	var wg sync.WaitGroup

	for _, id := range unique {
		wg.Add(1)
		go func(assetID string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			price, err := o.Price(ctx, assetID)
			results <- result{assetID: assetID, price: price, err: err}
		}(id)
	}
	wg.Wait()
	close(results)

	prices := make(map[string]float64, len(unique))
	var firstErr error
	for r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		prices[r.assetID] = r.price
	}
	if firstErr != nil {
		return nil, firstErr
	}

	o.log.Debug("fetched quotes", "count", len(prices))
	return prices, nil
}

// Invalidate clears the cache, forcing the next lookup to hit the brokerage.
func (o *Oracle) Invalidate() {
	o.mu.Lock()
	o.cache = make(map[string]cachedQuote)
	o.mu.Unlock()
}
