// Package ledger applies stake, claim and unstake effects to a pool and one
// of its positions. Callers must settle the pool's accumulator first; every
// function here reads the accumulator as given.
package ledger

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/yield-engine/internal/apperr"
	"github.com/atmx/yield-engine/internal/model"
	"github.com/atmx/yield-engine/internal/rewards"
)

// BpsDenominator is the basis-point scale of penalty fractions.
const BpsDenominator = 10_000

var (
	// ErrZeroAmount is returned when staking nothing.
	ErrZeroAmount = apperr.New(apperr.Validation, "ledger: amount must be positive")

	// ErrNoStake is returned when unstaking a position that holds nothing.
	ErrNoStake = apperr.New(apperr.Validation, "ledger: no open position")

	// ErrLockShortened is returned when a new stake would end the lock
	// earlier than the position's current unlock time.
	ErrLockShortened = apperr.New(apperr.Validation, "ledger: lock would end before the current lock")

	// ErrInvalidPenalty is returned for a penalty above 100%.
	ErrInvalidPenalty = apperr.New(apperr.Validation, "ledger: penalty exceeds 10000 bps")

	// ErrStakeUnderflow is returned when a pool total would go negative.
	ErrStakeUnderflow = apperr.New(apperr.Invariant, "ledger: pool stake underflow")
)

// Split is the division of a closing position's principal.
type Split struct {
	Penalty  uint256.Int
	Returned uint256.Int
}

// Closed is the outcome of an unstake.
type Closed struct {
	Split
	Reward  uint256.Int
	Matured bool
}

// Matured reports whether pos has passed its unlock time.
func Matured(pos *model.Position, now uint64) bool {
	return now >= pos.UnlockAt()
}

// SplitPrincipal divides staked into penalty and returned principal. A
// matured position pays no penalty; otherwise
// penalty = floor(staked*penaltyBps/10000).
func SplitPrincipal(staked *uint256.Int, penaltyBps uint64, matured bool) (Split, error) {
	if penaltyBps > BpsDenominator {
		return Split{}, fmt.Errorf("%w: %d", ErrInvalidPenalty, penaltyBps)
	}
	var s Split
	if !matured && penaltyBps > 0 {
		penalty, overflow := new(uint256.Int).MulDivOverflow(staked, uint256.NewInt(penaltyBps), uint256.NewInt(BpsDenominator))
		if overflow {
			return Split{}, rewards.ErrAccumulatorOverflow
		}
		s.Penalty = *penalty
	}
	s.Returned.Sub(staked, &s.Penalty)
	return s, nil
}

// flush moves everything owed to pos into PendingRewards and checkpoints the
// debt at the pool's current accumulator.
func flush(pool *model.Pool, pos *model.Position) error {
	pending, err := rewards.Pending(pos, &pool.AccRewardPerShare)
	if err != nil {
		return err
	}
	debt, err := rewards.Debt(&pos.Staked, &pool.AccRewardPerShare)
	if err != nil {
		return err
	}
	pos.PendingRewards = *pending
	pos.RewardDebt = *debt
	return nil
}

// checkpoint resets the debt after a stake change.
func checkpoint(pool *model.Pool, pos *model.Position) error {
	debt, err := rewards.Debt(&pos.Staked, &pool.AccRewardPerShare)
	if err != nil {
		return err
	}
	pos.RewardDebt = *debt
	return nil
}

// Stake adds amount to pos and restarts its lock window at now.
func Stake(pool *model.Pool, pos *model.Position, amount *uint256.Int, lock, now uint64) error {
	if amount.IsZero() {
		return ErrZeroAmount
	}
	if pos.Open() && now+lock < pos.UnlockAt() {
		return fmt.Errorf("%w: unlock %d < %d", ErrLockShortened, now+lock, pos.UnlockAt())
	}
	if err := flush(pool, pos); err != nil {
		return err
	}

	if _, overflow := pos.Staked.AddOverflow(&pos.Staked, amount); overflow {
		return rewards.ErrAccumulatorOverflow
	}
	if _, overflow := pool.TotalStaked.AddOverflow(&pool.TotalStaked, amount); overflow {
		return rewards.ErrAccumulatorOverflow
	}
	if err := checkpoint(pool, pos); err != nil {
		return err
	}
	pos.StakeStart = now
	pos.StakeDuration = lock

	// --- Observational counters ---
	if pos.TotalStaked.IsZero() {
		pool.Analytics.UniqueStakers++
		pos.FirstStakeAt = now
	}
	pos.TotalStaked.Add(&pos.TotalStaked, amount)
	pos.LastActionAt = now
	pool.Analytics.StakeVolume.Add(&pool.Analytics.StakeVolume, amount)
	if pool.Analytics.PeakStaked.Lt(&pool.TotalStaked) {
		pool.Analytics.PeakStaked = pool.TotalStaked
	}
	return nil
}

// Claim flushes pos and takes its whole pending reward. Stake and lock
// window are untouched.
func Claim(pool *model.Pool, pos *model.Position, now uint64) (*uint256.Int, error) {
	if err := flush(pool, pos); err != nil {
		return nil, err
	}
	payout := new(uint256.Int).Set(&pos.PendingRewards)
	pos.PendingRewards.Clear()
	if err := pay(pool, pos, payout); err != nil {
		return nil, err
	}
	pos.LastActionAt = now
	return payout, nil
}

// Close unstakes everything held by pos: it pays the pending reward in
// full, splits the principal by maturity and zeroes the position.
func Close(pool *model.Pool, pos *model.Position, now uint64) (Closed, error) {
	if !pos.Open() {
		return Closed{}, ErrNoStake
	}
	matured := Matured(pos, now)
	split, err := SplitPrincipal(&pos.Staked, pool.Policy.PenaltyBps, matured)
	if err != nil {
		return Closed{}, err
	}
	if err := flush(pool, pos); err != nil {
		return Closed{}, err
	}
	if pool.TotalStaked.Lt(&pos.Staked) {
		return Closed{}, fmt.Errorf("%w: total %s < position %s", ErrStakeUnderflow,
			pool.TotalStaked.Dec(), pos.Staked.Dec())
	}

	out := Closed{Split: split, Reward: pos.PendingRewards, Matured: matured}
	pool.TotalStaked.Sub(&pool.TotalStaked, &pos.Staked)
	if err := pay(pool, pos, &out.Reward); err != nil {
		return Closed{}, err
	}

	pos.Staked.Clear()
	pos.RewardDebt.Clear()
	pos.PendingRewards.Clear()
	pos.StakeStart = 0
	pos.StakeDuration = 0

	pos.TotalUnstaked.Add(&pos.TotalUnstaked, &split.Returned)
	pos.TotalPenalized.Add(&pos.TotalPenalized, &split.Penalty)
	pos.LastActionAt = now
	pool.Analytics.UnstakeVolume.Add(&pool.Analytics.UnstakeVolume, &split.Returned)
	pool.Analytics.PenaltiesCollected.Add(&pool.Analytics.PenaltiesCollected, &split.Penalty)
	return out, nil
}

func pay(pool *model.Pool, pos *model.Position, amount *uint256.Int) error {
	if _, overflow := pool.RewardsPaid.AddOverflow(&pool.RewardsPaid, amount); overflow {
		return rewards.ErrAccumulatorOverflow
	}
	pos.TotalClaimed.Add(&pos.TotalClaimed, amount)
	return nil
}

// Preview is the read-only outcome of unstaking at some instant.
type Preview struct {
	Matured  bool
	Penalty  uint256.Int
	Received uint256.Int
	UnlockAt uint64
}

// PreviewUnstake computes what Close would return without mutating pos.
func PreviewUnstake(pool *model.Pool, pos *model.Position, now uint64) (Preview, error) {
	matured := Matured(pos, now)
	split, err := SplitPrincipal(&pos.Staked, pool.Policy.PenaltyBps, matured)
	if err != nil {
		return Preview{}, err
	}
	return Preview{
		Matured:  matured,
		Penalty:  split.Penalty,
		Received: split.Returned,
		UnlockAt: pos.UnlockAt(),
	}, nil
}
