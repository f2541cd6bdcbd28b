// Package purchase turns a caller's quote-asset budget, or an exact base-asset
// target, into a quantized base amount and the exact quote cost to settle it.
//
// The forward (exact-input) formula is only used to size a budget purchase;
// the settled cost is always recomputed with the exact-output inverse.
package purchase

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/yield-engine/internal/amm"
	"github.com/atmx/yield-engine/internal/apperr"
)

var (
	// ErrZeroAmount is returned for a zero budget or target.
	ErrZeroAmount = apperr.New(apperr.Validation, "purchase: amount must be positive")

	// ErrMinimumNotMet is returned when the quantized amount is below the minimum lot.
	ErrMinimumNotMet = apperr.New(apperr.Validation, "purchase: amount below minimum lot")

	// ErrNotLotMultiple is returned when an exact target is not a lot multiple.
	ErrNotLotMultiple = apperr.New(apperr.Validation, "purchase: amount is not a multiple of the lot size")

	// ErrSlippageExceeded is returned when the exact cost exceeds the caller's ceiling.
	ErrSlippageExceeded = apperr.New(apperr.Market, "purchase: cost exceeds slippage ceiling")

	// ErrInvalidLot is returned for a calculator configured with a zero lot size.
	ErrInvalidLot = apperr.New(apperr.Validation, "purchase: lot size must be positive")
)

// Quote is a settled purchase sizing.
type Quote struct {
	// Base is the quantized base-asset amount.
	Base uint256.Int
	// Cost is the exact quote-asset amount to collect.
	Cost uint256.Int
	// Refund is the part of the caller's budget not needed for Cost.
	Refund uint256.Int
}

// Calculator enforces the pool's lot constraints. It is stateless; reserves
// are passed per call.
type Calculator struct {
	lotSize uint256.Int
	minLot  uint256.Int
}

// NewCalculator creates a calculator with the given lot size and minimum lot.
func NewCalculator(lotSize, minLot *uint256.Int) (*Calculator, error) {
	if lotSize.IsZero() {
		return nil, ErrInvalidLot
	}
	return &Calculator{lotSize: *lotSize, minLot: *minLot}, nil
}

// Quantize floors amount to the nearest lot multiple.
func (c *Calculator) Quantize(amount *uint256.Int) *uint256.Int {
	rem := new(uint256.Int).Mod(amount, &c.lotSize)
	return new(uint256.Int).Sub(amount, rem)
}

// Budget sizes a purchase from a maximum quote spend.
func (c *Calculator) Budget(budget *uint256.Int, r amm.Reserves) (Quote, error) {
	if budget.IsZero() {
		return Quote{}, ErrZeroAmount
	}

	raw, err := amm.AmountOut(budget, &r.Quote, &r.Base)
	if err != nil {
		return Quote{}, err
	}
	base := c.Quantize(raw)
	if base.IsZero() || base.Lt(&c.minLot) {
		return Quote{}, fmt.Errorf("%w: %s < %s", ErrMinimumNotMet, base.Dec(), c.minLot.Dec())
	}

	cost, err := amm.AmountIn(base, &r.Quote, &r.Base)
	if err != nil {
		return Quote{}, err
	}
	if cost.Gt(budget) {
		return Quote{}, fmt.Errorf("%w: cost %s > budget %s", ErrSlippageExceeded, cost.Dec(), budget.Dec())
	}

	q := Quote{Base: *base, Cost: *cost}
	q.Refund.Sub(budget, cost)
	return q, nil
}

// Exact prices an exact base target against a quote ceiling.
func (c *Calculator) Exact(base, maxQuote *uint256.Int, r amm.Reserves) (Quote, error) {
	if base.IsZero() || maxQuote.IsZero() {
		return Quote{}, ErrZeroAmount
	}
	if !new(uint256.Int).Mod(base, &c.lotSize).IsZero() {
		return Quote{}, fmt.Errorf("%w: %s (lot %s)", ErrNotLotMultiple, base.Dec(), c.lotSize.Dec())
	}
	if base.Lt(&c.minLot) {
		return Quote{}, fmt.Errorf("%w: %s < %s", ErrMinimumNotMet, base.Dec(), c.minLot.Dec())
	}

	cost, err := amm.AmountIn(base, &r.Quote, &r.Base)
	if err != nil {
		return Quote{}, err
	}
	if cost.Gt(maxQuote) {
		return Quote{}, fmt.Errorf("%w: cost %s > max %s", ErrSlippageExceeded, cost.Dec(), maxQuote.Dec())
	}
	return Quote{Base: *base, Cost: *cost}, nil
}
