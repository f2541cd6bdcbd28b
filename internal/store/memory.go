package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/yield-engine/internal/custody"
	"github.com/atmx/yield-engine/internal/model"
)

type positionKey struct {
	pool  uint64
	owner common.Address
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	lastID    uint64
	pools     map[uint64]*model.Pool
	positions map[positionKey]model.Position
	events    []model.Event
	balances  *custody.MemoryBank
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pools:     make(map[uint64]*model.Pool),
		positions: make(map[positionKey]model.Position),
		balances:  custody.NewMemoryBank(),
	}
}

func (s *MemoryStore) NextPoolID(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastID++
	return s.lastID, nil
}

func (s *MemoryStore) GetPool(_ context.Context, id uint64) (*model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pools[id]
	if !ok {
		return nil, fmt.Errorf("pool %d: %w", id, ErrNotFound)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) ListPools(_ context.Context) ([]model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pools := make([]model.Pool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, *p.Clone())
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].ID < pools[j].ID })
	return pools, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, poolID uint64, owner common.Address) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[positionKey{poolID, owner}]
	if !ok {
		return nil, fmt.Errorf("position %d/%s: %w", poolID, owner.Hex(), ErrNotFound)
	}
	return &p, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, poolID uint64) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for k, p := range s.positions {
		if k.pool == poolID {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Owner.Cmp(result[j].Owner) < 0 })
	return result, nil
}

func (s *MemoryStore) ListEvents(_ context.Context, poolID uint64, limit int) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Event
	for _, e := range s.events {
		if e.PoolID == poolID {
			result = append(result, e)
		}
	}
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

func (s *MemoryStore) Commit(_ context.Context, m Mutation) error {
	if m.Pool == nil {
		return fmt.Errorf("commit: %w: no pool", ErrNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.pools[m.Pool.ID]
	switch {
	case m.Create && exists:
		return fmt.Errorf("pool %d: %w", m.Pool.ID, ErrPoolExists)
	case !m.Create && !exists:
		return fmt.Errorf("pool %d: %w", m.Pool.ID, ErrNotFound)
	}

	for _, p := range m.Positions {
		if p.PoolID != m.Pool.ID {
			return fmt.Errorf("commit: position for pool %d in mutation of pool %d", p.PoolID, m.Pool.ID)
		}
	}

	if err := s.balances.Apply(m.Transfers); err != nil {
		return err
	}

	// Balances moved; nothing below can fail.
	s.pools[m.Pool.ID] = m.Pool.Clone()
	if m.Pool.ID > s.lastID {
		s.lastID = m.Pool.ID
	}
	for _, p := range m.Positions {
		s.positions[positionKey{p.PoolID, p.Owner}] = *p
	}
	for _, owner := range m.RemovedPositions {
		delete(s.positions, positionKey{m.Pool.ID, owner})
	}
	if len(m.RetractedEvents) > 0 {
		kept := s.events[:0]
		for _, e := range s.events {
			if !slices.Contains(m.RetractedEvents, e.ID) {
				kept = append(kept, e)
			}
		}
		s.events = kept
	}
	s.events = append(s.events, m.Events...)
	return nil
}

// --- Custody balances ---

func (s *MemoryStore) BalanceOf(ctx context.Context, asset, account common.Address) (*uint256.Int, error) {
	return s.balances.BalanceOf(ctx, asset, account)
}

func (s *MemoryStore) Deposit(ctx context.Context, asset, account common.Address, amount *uint256.Int) error {
	return s.balances.Deposit(ctx, asset, account, amount)
}
