// Package chain reads pair reserves and token balances from an EVM node
// with plain eth_call requests.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"

	"github.com/atmx/yield-engine/internal/amm"
)

var (
	selToken0      = selector("token0()")
	selToken1      = selector("token1()")
	selGetReserves = selector("getReserves()")
	selBalanceOf   = selector("balanceOf(address)")
)

// ErrShortResponse is returned when a call returns fewer words than the
// method's ABI promises.
var ErrShortResponse = errors.New("chain: short call response")

func selector(sig string) []byte {
	return gethcrypto.Keccak256([]byte(sig))[:4]
}

// EVMClient is the subset of the Ethereum RPC used here.
type EVMClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Dial opens an RPC client for endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

func call(ctx context.Context, c EVMClient, to common.Address, data []byte, words int) ([]byte, error) {
	out, err := c.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	if len(out) < 32*words {
		return nil, fmt.Errorf("%w: %s returned %d bytes, want %d", ErrShortResponse, to.Hex(), len(out), 32*words)
	}
	return out, nil
}

func word(out []byte, i int) []byte {
	return out[32*i : 32*(i+1)]
}

// PairReader reads constant-product pair state at the latest block.
type PairReader struct {
	client EVMClient
}

// NewPairReader creates a reader on client.
func NewPairReader(client EVMClient) *PairReader {
	return &PairReader{client: client}
}

// PairReserves reads token0, token1 and getReserves from pair.
func (r *PairReader) PairReserves(ctx context.Context, pair common.Address) (amm.PairState, error) {
	t0, err := call(ctx, r.client, pair, selToken0, 1)
	if err != nil {
		return amm.PairState{}, fmt.Errorf("token0: %w", err)
	}
	t1, err := call(ctx, r.client, pair, selToken1, 1)
	if err != nil {
		return amm.PairState{}, fmt.Errorf("token1: %w", err)
	}
	res, err := call(ctx, r.client, pair, selGetReserves, 2)
	if err != nil {
		return amm.PairState{}, fmt.Errorf("getReserves: %w", err)
	}

	st := amm.PairState{
		Token0: common.BytesToAddress(word(t0, 0)),
		Token1: common.BytesToAddress(word(t1, 0)),
	}
	st.Reserve0.SetBytes(word(res, 0))
	st.Reserve1.SetBytes(word(res, 1))
	return st, nil
}

// TokenBalances reads ERC-20 balances.
type TokenBalances struct {
	client EVMClient
}

// NewTokenBalances creates a balance reader on client.
func NewTokenBalances(client EVMClient) *TokenBalances {
	return &TokenBalances{client: client}
}

// BalanceOf calls asset.balanceOf(account).
func (b *TokenBalances) BalanceOf(ctx context.Context, asset, account common.Address) (*uint256.Int, error) {
	data := make([]byte, 0, 4+32)
	data = append(data, selBalanceOf...)
	data = append(data, common.LeftPadBytes(account.Bytes(), 32)...)

	out, err := call(ctx, b.client, asset, data, 1)
	if err != nil {
		return nil, fmt.Errorf("balanceOf %s on %s: %w", account.Hex(), asset.Hex(), err)
	}
	return new(uint256.Int).SetBytes(word(out, 0)), nil
}
