// Package store persists the durable portfolio state and the append-only
// execution ledger. It is the single source of truth: the engine writes it,
// the dashboard reads it.
package store

import (
	"context"
	"errors"

	"rebalancer/internal/domain"
)

// ErrNotFound is returned when no portfolio state (or no matching cycle)
// has been persisted yet.
var ErrNotFound = errors.New("not found")

// Store is the durable record of portfolio state and execution history.
// SaveCycle is atomic: the new state and the finalized ledger entry commit
// together or not at all, so history always explains the current state.
type Store interface {
	// Load returns the current portfolio state, or ErrNotFound before the
	// first InitState.
	Load(ctx context.Context) (*domain.PortfolioState, error)

	// InitState seeds the initial portfolio state (initial capital, empty
	// holdings). Fails if a state already exists.
	InitState(ctx context.Context, state domain.PortfolioState) error

	// BeginCycle records a new pending ledger entry at cycle start, so a
	// crash mid-cycle is detectable on the next run.
	BeginCycle(ctx context.Context, rec domain.ExecutionRecord) error

	// SaveCycle atomically persists the post-cycle state and finalizes the
	// cycle's ledger entry with its order results.
	SaveCycle(ctx context.Context, state domain.PortfolioState, rec domain.ExecutionRecord) error

	// LastCycle returns the most recent ledger entry, or ErrNotFound.
	LastCycle(ctx context.Context) (*domain.ExecutionRecord, error)

	// Cycle returns the ledger entry for the given cycle ID, or ErrNotFound.
	Cycle(ctx context.Context, cycleID string) (*domain.ExecutionRecord, error)

	// History returns up to limit ledger entries, most recent first.
	History(ctx context.Context, limit int) ([]domain.ExecutionRecord, error)

	Close() error
}
