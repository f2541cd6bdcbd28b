// Package store defines the persistence interface for the yield engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/yield-engine/internal/apperr"
	"github.com/atmx/yield-engine/internal/custody"
	"github.com/atmx/yield-engine/internal/model"
)

var (
	// ErrNotFound is returned for an unknown pool or position.
	ErrNotFound = apperr.New(apperr.NotFound, "store: not found")

	// ErrPoolExists is returned when creating a pool whose ID is taken.
	ErrPoolExists = apperr.New(apperr.Invariant, "store: pool already exists")
)

// Mutation is the complete effect of one engine operation. Commit applies
// all of it or none of it.
type Mutation struct {
	// Pool is the pool's new state.
	Pool *model.Pool
	// Create is set when Pool does not exist yet.
	Create bool
	// Positions are the new states of every touched position.
	Positions []*model.Position
	// Events are appended to the immutable event log.
	Events []model.Event
	// Transfers move custody balances in the same commit. Commit fails
	// with custody.ErrInsufficientBalance if any of them cannot be covered.
	Transfers []custody.Transfer

	// RemovedPositions and RetractedEvents are only set when rolling back
	// an operation: they drop the positions it opened and the events it
	// appended.
	RemovedPositions []common.Address
	RetractedEvents  []string
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Pools ---

	// NextPoolID reserves a fresh pool ID.
	NextPoolID(ctx context.Context) (uint64, error)

	// GetPool retrieves a pool by its ID.
	GetPool(ctx context.Context, id uint64) (*model.Pool, error)

	// ListPools returns all pools ordered by ID.
	ListPools(ctx context.Context) ([]model.Pool, error)

	// --- Positions ---

	// GetPosition returns ErrNotFound if owner never staked in the pool.
	GetPosition(ctx context.Context, poolID uint64, owner common.Address) (*model.Position, error)

	// ListPositions returns every position of a pool.
	ListPositions(ctx context.Context, poolID uint64) ([]model.Position, error)

	// --- Immutable event log ---

	// ListEvents returns a pool's events, oldest first. limit <= 0 means all.
	ListEvents(ctx context.Context, poolID uint64, limit int) ([]model.Event, error)

	// Commit atomically applies a mutation.
	Commit(ctx context.Context, m Mutation) error

	// --- Custody balances ---

	custody.Ledger
}
