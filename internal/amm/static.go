package amm

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// StaticSource is an in-memory ReserveSource. Used for testing and
// development when no chain endpoint is configured.
type StaticSource struct {
	mu    sync.RWMutex
	pairs map[common.Address]PairState
}

// NewStaticSource creates an empty static reserve source.
func NewStaticSource() *StaticSource {
	return &StaticSource{pairs: make(map[common.Address]PairState)}
}

// Set stores the state of a pair.
func (s *StaticSource) Set(pair, token0, token1 common.Address, reserve0, reserve1 *uint256.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs[pair] = PairState{Token0: token0, Token1: token1, Reserve0: *reserve0, Reserve1: *reserve1}
}

func (s *StaticSource) PairReserves(_ context.Context, pair common.Address) (PairState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.pairs[pair]
	if !ok {
		return PairState{}, fmt.Errorf("pair %s not found", pair.Hex())
	}
	return st, nil
}
