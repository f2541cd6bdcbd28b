// Package rewards implements the lazy accumulator that distributes a pool's
// reward allocation across its stakers.
//
// A pool carries a single accumulated-reward-per-share value scaled by
// Precision. Every state-changing interaction first calls Settle, which
// brings the accumulator current; a position's reward is then the difference
// between its share of the accumulator and its recorded debt.
package rewards

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/yield-engine/internal/apperr"
	"github.com/atmx/yield-engine/internal/model"
)

// Precision is the fixed-point scale of the accumulator.
var Precision = uint256.NewInt(1_000_000_000_000_000_000)

var (
	// ErrAccumulatorOverflow is returned when an accumulator or reward
	// computation leaves the 256-bit range.
	ErrAccumulatorOverflow = apperr.New(apperr.Invariant, "rewards: accumulator overflow")

	// ErrInvalidSchedule is returned for an unknown strategy or a schedule
	// whose parameters do not match its strategy.
	ErrInvalidSchedule = apperr.New(apperr.Validation, "rewards: invalid schedule")
)

// Emission returns the pool-level reward emitted by schedule s over the
// window (from, to], together with the period index the schedule should
// continue from.
//
// For MONTHLY and WEEKLY each period contributes a floored cumulative
// pro-rata share, so a period that has fully elapsed always contributes
// exactly its amount however many settlements split it. A single partial
// window may therefore differ by one unit from floor(amount * seconds /
// length) computed on that window alone; a later window of the same period
// makes up the difference. Periods beyond the end of the schedule
// contribute nothing.
func Emission(s model.Schedule, from, to uint64) (*uint256.Int, int, error) {
	total := new(uint256.Int)
	if to <= from {
		return total, s.PeriodIndex, nil
	}

	switch s.Strategy {
	case "":
		// Unconfigured pools emit nothing.
		return total, s.PeriodIndex, nil
	case model.StrategyLinear:
		delta := uint256.NewInt(to - from)
		if _, overflow := total.MulOverflow(delta, &s.RatePerSecond); overflow {
			return nil, s.PeriodIndex, ErrAccumulatorOverflow
		}
		return total, s.PeriodIndex, nil

	case model.StrategyMonthly, model.StrategyWeekly:
		length := s.Strategy.PeriodLength()
		idx := s.PeriodIndex
		for idx < len(s.Periods) {
			start := s.PeriodStart + uint64(idx)*length
			end := start + length
			if end <= from {
				idx++
				continue
			}
			if start >= to {
				break
			}
			lo, hi := max(from, start), min(to, end)
			part, err := cumulativeShare(&s.Periods[idx], hi-start, lo-start, length)
			if err != nil {
				return nil, s.PeriodIndex, err
			}
			if _, overflow := total.AddOverflow(total, part); overflow {
				return nil, s.PeriodIndex, ErrAccumulatorOverflow
			}
			if hi < end {
				break
			}
			idx++
		}
		return total, idx, nil
	}
	return nil, s.PeriodIndex, fmt.Errorf("%w: strategy %q", ErrInvalidSchedule, s.Strategy)
}

// cumulativeShare returns floor(amount*hi/length) - floor(amount*lo/length).
func cumulativeShare(amount *uint256.Int, hi, lo, length uint64) (*uint256.Int, error) {
	l := uint256.NewInt(length)
	upper, overflow := new(uint256.Int).MulDivOverflow(amount, uint256.NewInt(hi), l)
	if overflow {
		return nil, ErrAccumulatorOverflow
	}
	lower, overflow := new(uint256.Int).MulDivOverflow(amount, uint256.NewInt(lo), l)
	if overflow {
		return nil, ErrAccumulatorOverflow
	}
	return upper.Sub(upper, lower), nil
}

// Remaining returns the part of the reward allocation not yet accrued.
func Remaining(pool *model.Pool) *uint256.Int {
	if !pool.RewardsAccrued.Lt(&pool.AllocatedForRewards) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(&pool.AllocatedForRewards, &pool.RewardsAccrued)
}

// Settle advances the pool's accumulator to now and returns the amount of
// reward accrued by this call.
//
// Time never moves backwards: a now at or before the last accrual is a
// no-op. While nothing is staked the clock and period index still advance,
// so emission for an unstaked window is forfeited rather than deferred.
// Emission is clamped to the remaining reward allocation.
func Settle(pool *model.Pool, now uint64) (*uint256.Int, error) {
	accrued := new(uint256.Int)
	if now <= pool.LastAccrualTime {
		return accrued, nil
	}

	emitted, next, err := Emission(pool.Schedule, pool.LastAccrualTime, now)
	if err != nil {
		return nil, err
	}
	pool.Schedule.PeriodIndex = next
	pool.LastAccrualTime = now

	if pool.TotalStaked.IsZero() || emitted.IsZero() {
		return accrued, nil
	}
	if remaining := Remaining(pool); emitted.Gt(remaining) {
		emitted = remaining
	}
	if emitted.IsZero() {
		return accrued, nil
	}

	inc, overflow := new(uint256.Int).MulDivOverflow(emitted, Precision, &pool.TotalStaked)
	if overflow {
		return nil, ErrAccumulatorOverflow
	}
	if _, overflow = pool.AccRewardPerShare.AddOverflow(&pool.AccRewardPerShare, inc); overflow {
		return nil, ErrAccumulatorOverflow
	}
	if _, overflow = pool.RewardsAccrued.AddOverflow(&pool.RewardsAccrued, emitted); overflow {
		return nil, ErrAccumulatorOverflow
	}
	return accrued.Set(emitted), nil
}

// Debt returns floor(staked*acc/Precision), the checkpoint a position
// records when its stake changes.
func Debt(staked, acc *uint256.Int) (*uint256.Int, error) {
	debt, overflow := new(uint256.Int).MulDivOverflow(staked, acc, Precision)
	if overflow {
		return nil, ErrAccumulatorOverflow
	}
	return debt, nil
}

// Pending returns the reward owed to pos at accumulator value acc:
//
//	floor(staked*acc/Precision) - rewardDebt + pendingRewards
func Pending(pos *model.Position, acc *uint256.Int) (*uint256.Int, error) {
	share, err := Debt(&pos.Staked, acc)
	if err != nil {
		return nil, err
	}
	if share.Lt(&pos.RewardDebt) {
		return nil, fmt.Errorf("%w: share %s below debt %s", ErrAccumulatorOverflow,
			share.Dec(), pos.RewardDebt.Dec())
	}
	share.Sub(share, &pos.RewardDebt)
	if _, overflow := share.AddOverflow(share, &pos.PendingRewards); overflow {
		return nil, ErrAccumulatorOverflow
	}
	return share, nil
}

// Validate checks that a schedule's parameters match its strategy.
func Validate(s model.Schedule) error {
	switch {
	case !s.Strategy.Valid():
		return fmt.Errorf("%w: strategy %q", ErrInvalidSchedule, s.Strategy)
	case s.Strategy == model.StrategyLinear && len(s.Periods) > 0:
		return fmt.Errorf("%w: LINEAR takes no periods", ErrInvalidSchedule)
	case s.Strategy.Periodic() && len(s.Periods) == 0:
		return fmt.Errorf("%w: %s needs at least one period", ErrInvalidSchedule, s.Strategy)
	case s.Strategy.Periodic() && s.PeriodIndex != 0:
		return fmt.Errorf("%w: period index must start at 0", ErrInvalidSchedule)
	}
	return nil
}

// Reconfigure settles the pool under its current schedule, then installs s.
// The new schedule only affects accrual after now.
func Reconfigure(pool *model.Pool, now uint64, s model.Schedule) error {
	if err := Validate(s); err != nil {
		return err
	}
	if _, err := Settle(pool, now); err != nil {
		return err
	}
	next := s.Clone()
	if next.Strategy.Periodic() && next.PeriodStart == 0 {
		next.PeriodStart = now
	}
	pool.Schedule = next
	if pool.LastAccrualTime < now {
		pool.LastAccrualTime = now
	}
	return nil
}
