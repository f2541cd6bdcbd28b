package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/yield-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Commits go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Commit(ctx context.Context, m Mutation) error {
	if err := s.primary.Commit(ctx, m); err != nil {
		return err
	}
	keys := make([]string, 0, len(m.Positions)+len(m.RemovedPositions)+1)
	keys = append(keys, poolKey(m.Pool.ID))
	for _, p := range m.Positions {
		keys = append(keys, positionCacheKey(p.PoolID, p.Owner))
	}
	for _, owner := range m.RemovedPositions {
		keys = append(keys, positionCacheKey(m.Pool.ID, owner))
	}
	// Invalidate; next read will re-populate.
	s.rdb.Del(ctx, keys...)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPool(ctx context.Context, id uint64) (*model.Pool, error) {
	data, err := s.rdb.Get(ctx, poolKey(id)).Bytes()
	if err == nil {
		var p model.Pool
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPool(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, poolKey(id), data, s.ttl)
	}
	return p, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, poolID uint64, owner common.Address) (*model.Position, error) {
	key := positionCacheKey(poolID, owner)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var p model.Position
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPosition(ctx, poolID, owner)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return p, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) NextPoolID(ctx context.Context) (uint64, error) {
	return s.primary.NextPoolID(ctx)
}

func (s *CachedStore) ListPools(ctx context.Context) ([]model.Pool, error) {
	return s.primary.ListPools(ctx)
}

func (s *CachedStore) ListPositions(ctx context.Context, poolID uint64) ([]model.Position, error) {
	return s.primary.ListPositions(ctx, poolID)
}

func (s *CachedStore) ListEvents(ctx context.Context, poolID uint64, limit int) ([]model.Event, error) {
	return s.primary.ListEvents(ctx, poolID, limit)
}

// Balances move on every commit, so they are never cached.

func (s *CachedStore) BalanceOf(ctx context.Context, asset, account common.Address) (*uint256.Int, error) {
	return s.primary.BalanceOf(ctx, asset, account)
}

func (s *CachedStore) Deposit(ctx context.Context, asset, account common.Address, amount *uint256.Int) error {
	return s.primary.Deposit(ctx, asset, account, amount)
}

// --- Cache helpers ---

func poolKey(id uint64) string { return fmt.Sprintf("pool:%d", id) }
func positionCacheKey(poolID uint64, owner common.Address) string {
	return fmt.Sprintf("position:%d:%s", poolID, owner.Hex())
}
