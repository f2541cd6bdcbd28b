package staking

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/yield-engine/internal/model"
)

func (o *op) requireCollaborator(caller common.Address) error {
	if !o.pool.IsCollaborator(caller) {
		return fmt.Errorf("%w: %s is not a liquidity collaborator of pool %d", ErrUnauthorized, caller.Hex(), o.pool.ID)
	}
	return nil
}

// RecordLiquidityAdded hands earmarked base and collected quote to the
// calling collaborator and raises the amount outstanding to it.
func (e *Engine) RecordLiquidityAdded(ctx context.Context, caller common.Address, poolID uint64, base, quote *uint256.Int) error {
	return e.execute(ctx, "liquidity_added", poolID, func(o *op) error {
		if err := o.requireCollaborator(caller); err != nil {
			return err
		}
		p := o.pool

		outstanding, overflow := new(uint256.Int).AddOverflow(&p.LiquidityOutstanding, base)
		if overflow || p.LiquidityEarmark.Lt(outstanding) {
			return fmt.Errorf("%w: base %s over earmark %s (outstanding %s)", ErrLiquidityExceeded,
				base.Dec(), p.LiquidityEarmark.Dec(), p.LiquidityOutstanding.Dec())
		}
		available := new(uint256.Int).Sub(&p.QuoteCollected, &p.QuoteReleased)
		if available.Lt(quote) {
			return fmt.Errorf("%w: quote %s over available %s", ErrLiquidityExceeded, quote.Dec(), available.Dec())
		}

		p.LiquidityOutstanding = *outstanding
		p.QuoteReleased.Add(&p.QuoteReleased, quote)
		p.Analytics.LiquidityBaseAdded.Add(&p.Analytics.LiquidityBaseAdded, base)
		p.Analytics.LiquidityQuoteSent.Add(&p.Analytics.LiquidityQuoteSent, quote)

		ev := o.event(model.EventLiquidityAdded, caller)
		ev.Base = *base
		ev.Quote = *quote

		o.push(p.BaseAsset, p.Custody, caller, base, "send liquidity base")
		o.push(p.QuoteAsset, p.Custody, caller, quote, "send liquidity quote")
		return nil
	})
}

// RefundLiquidity takes base back from the calling collaborator into
// custody and lowers the amount outstanding.
func (e *Engine) RefundLiquidity(ctx context.Context, caller common.Address, poolID uint64, base *uint256.Int) error {
	return e.execute(ctx, "liquidity_refund", poolID, func(o *op) error {
		if err := o.requireCollaborator(caller); err != nil {
			return err
		}
		p := o.pool
		if p.LiquidityOutstanding.Lt(base) {
			return fmt.Errorf("%w: refund %s over outstanding %s", ErrLiquidityExceeded,
				base.Dec(), p.LiquidityOutstanding.Dec())
		}
		p.LiquidityOutstanding.Sub(&p.LiquidityOutstanding, base)

		ev := o.event(model.EventLiquidityRefund, caller)
		ev.Base = *base

		o.pull(p.BaseAsset, caller, p.Custody, base, "collect liquidity refund")
		return nil
	})
}
