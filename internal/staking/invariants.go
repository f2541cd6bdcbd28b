package staking

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/yield-engine/internal/model"
	"github.com/atmx/yield-engine/internal/reconcile"
)

// CheckInvariants verifies a pool's accounting before it is committed.
func CheckInvariants(p *model.Pool) error {
	committed, overflow := new(uint256.Int).AddOverflow(&p.Sold, &p.LiquidityEarmark)
	if overflow || p.AllocatedForSale.Lt(committed) {
		return violation(p, "sold %s + earmark %s exceeds sale allocation %s",
			p.Sold.Dec(), p.LiquidityEarmark.Dec(), p.AllocatedForSale.Dec())
	}
	if p.RewardsAccrued.Lt(&p.RewardsPaid) {
		return violation(p, "rewards paid %s exceed accrued %s", p.RewardsPaid.Dec(), p.RewardsAccrued.Dec())
	}
	if p.AllocatedForRewards.Lt(&p.RewardsAccrued) {
		return violation(p, "rewards accrued %s exceed allocation %s", p.RewardsAccrued.Dec(), p.AllocatedForRewards.Dec())
	}
	if p.LiquidityEarmark.Lt(&p.LiquidityOutstanding) {
		return violation(p, "liquidity outstanding %s exceeds earmark %s", p.LiquidityOutstanding.Dec(), p.LiquidityEarmark.Dec())
	}
	if p.QuoteCollected.Lt(&p.QuoteReleased) {
		return violation(p, "quote released %s exceeds collected %s", p.QuoteReleased.Dec(), p.QuoteCollected.Dec())
	}
	sources, overflow := new(uint256.Int).AddOverflow(&p.Sold, &p.DirectDeposits)
	if !overflow && sources.Lt(&p.TotalStaked) {
		return violation(p, "total staked %s exceeds sold + deposited %s", p.TotalStaked.Dec(), sources.Dec())
	}
	if _, err := reconcile.Expected(p); err != nil {
		return fmt.Errorf("%w: %w", ErrInvariantViolation, err)
	}
	return nil
}

func violation(p *model.Pool, format string, args ...any) error {
	return fmt.Errorf("%w: pool %d: %s", ErrInvariantViolation, p.ID, fmt.Sprintf(format, args...))
}
