// Package amm reads two-asset constant-product reserve pairs and computes
// spot prices and exact-input / exact-output swap amounts.
//
// Only a price reader is implemented here; the engine never trades against
// the pair. All settlement arithmetic is 256-bit integer maths with explicit
// floor division. The 0.3% fee is expressed as FeeFactor/FeeBase = 997/1000.
package amm

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/yield-engine/internal/apperr"
)

var (
	// ErrInsufficientLiquidity is returned when the requested output is not
	// strictly below the output reserve.
	ErrInsufficientLiquidity = apperr.New(apperr.Market, "amm: insufficient liquidity")

	// ErrInsufficientInput is returned for a zero input or output amount.
	ErrInsufficientInput = apperr.New(apperr.Validation, "amm: amount must be positive")

	// ErrInvalidReserves is returned when either reserve is zero.
	ErrInvalidReserves = apperr.New(apperr.Market, "amm: pair has no reserves")

	// ErrPairMismatch is returned when a pair does not trade exactly the
	// pool's base/quote assets.
	ErrPairMismatch = apperr.New(apperr.Invariant, "amm: pair assets do not match pool")

	// ErrOverflow is returned when an intermediate product exceeds 256 bits.
	ErrOverflow = apperr.New(apperr.Invariant, "amm: arithmetic overflow")
)

var (
	// FeeFactor is the share of the input that reaches the curve.
	FeeFactor = uint256.NewInt(997)
	// FeeBase is the fee denominator.
	FeeBase = uint256.NewInt(1000)
)

// PairState is a snapshot of a pair's tokens and reserves.
type PairState struct {
	Token0   common.Address
	Token1   common.Address
	Reserve0 uint256.Int
	Reserve1 uint256.Int
}

// ReserveSource resolves a pair handle to its current state. Implementations
// must answer synchronously; the engine reads reserves once at the start of
// the pricing step.
type ReserveSource interface {
	PairReserves(ctx context.Context, pair common.Address) (PairState, error)
}

// Reserves holds reserves ordered by the pool's assets.
type Reserves struct {
	Base  uint256.Int
	Quote uint256.Int
}

// OrderedReserves reads a pair and orders its reserves as (base, quote) by
// comparing the pair's token identities against the pool's assets.
func OrderedReserves(ctx context.Context, src ReserveSource, pair, base, quote common.Address) (Reserves, error) {
	st, err := src.PairReserves(ctx, pair)
	if err != nil {
		return Reserves{}, fmt.Errorf("read pair %s: %w", pair.Hex(), err)
	}
	switch {
	case st.Token0 == base && st.Token1 == quote:
		return Reserves{Base: st.Reserve0, Quote: st.Reserve1}, nil
	case st.Token0 == quote && st.Token1 == base:
		return Reserves{Base: st.Reserve1, Quote: st.Reserve0}, nil
	default:
		return Reserves{}, fmt.Errorf("%w: pair %s trades %s/%s", ErrPairMismatch,
			pair.Hex(), st.Token0.Hex(), st.Token1.Hex())
	}
}

// AmountOut computes the exact-input output:
//
//	amountOut = floor(amountIn*997*reserveOut / (reserveIn*1000 + amountIn*997))
func AmountOut(amountIn, reserveIn, reserveOut *uint256.Int) (*uint256.Int, error) {
	if amountIn.IsZero() {
		return nil, ErrInsufficientInput
	}
	if reserveIn.IsZero() || reserveOut.IsZero() {
		return nil, ErrInvalidReserves
	}

	inWithFee, overflow := new(uint256.Int).MulOverflow(amountIn, FeeFactor)
	if overflow {
		return nil, ErrOverflow
	}
	denominator, overflow := new(uint256.Int).MulOverflow(reserveIn, FeeBase)
	if overflow {
		return nil, ErrOverflow
	}
	if _, overflow = denominator.AddOverflow(denominator, inWithFee); overflow {
		return nil, ErrOverflow
	}
	// MulDivOverflow keeps the 512-bit intermediate product.
	out, overflow := new(uint256.Int).MulDivOverflow(inWithFee, reserveOut, denominator)
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// AmountIn computes the exact-output input, rounded up by one unit so the
// seller is never under-collected:
//
//	amountIn = floor(reserveIn*amountOut*1000 / ((reserveOut-amountOut)*997)) + 1
func AmountIn(amountOut, reserveIn, reserveOut *uint256.Int) (*uint256.Int, error) {
	if amountOut.IsZero() {
		return nil, ErrInsufficientInput
	}
	if reserveIn.IsZero() || reserveOut.IsZero() {
		return nil, ErrInvalidReserves
	}
	if !amountOut.Lt(reserveOut) {
		return nil, ErrInsufficientLiquidity
	}

	numerator, overflow := new(uint256.Int).MulOverflow(reserveIn, amountOut)
	if overflow {
		return nil, ErrOverflow
	}
	remaining := new(uint256.Int).Sub(reserveOut, amountOut)
	denominator, overflow := new(uint256.Int).MulOverflow(remaining, FeeFactor)
	if overflow {
		return nil, ErrOverflow
	}
	in, overflow := new(uint256.Int).MulDivOverflow(numerator, FeeBase, denominator)
	if overflow {
		return nil, ErrOverflow
	}
	if _, overflow = in.AddOverflow(in, uint256.NewInt(1)); overflow {
		return nil, ErrOverflow
	}
	return in, nil
}

// SpotPrice returns the marginal quote-per-base price, adjusted for token
// decimals. It is for display only and never used for settlement.
func SpotPrice(r Reserves, baseDecimals, quoteDecimals uint8) decimal.Decimal {
	if r.Base.IsZero() {
		return decimal.Zero
	}
	base := decimal.RequireFromString(r.Base.Dec()).Shift(-int32(baseDecimals))
	quote := decimal.RequireFromString(r.Quote.Dec()).Shift(-int32(quoteDecimals))
	return quote.DivRound(base, 18)
}
