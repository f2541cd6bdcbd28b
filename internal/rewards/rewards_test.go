package rewards

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/yield-engine/internal/model"
)

const week = model.WeekSeconds

func u(v uint64) *uint256.Int {
	return uint256.NewInt(v)
}

func linearPool(rate, alloc uint64) *model.Pool {
	return &model.Pool{
		ID:                  1,
		AllocatedForRewards: *u(alloc),
		Schedule:            model.Schedule{Strategy: model.StrategyLinear, RatePerSecond: *u(rate)},
	}
}

func weeklyPool(alloc uint64, periods ...uint64) *model.Pool {
	s := model.Schedule{Strategy: model.StrategyWeekly}
	for _, p := range periods {
		s.Periods = append(s.Periods, *u(p))
	}
	return &model.Pool{ID: 1, AllocatedForRewards: *u(alloc), Schedule: s}
}

// --- Emission ---

func TestEmission_Linear(t *testing.T) {
	s := model.Schedule{Strategy: model.StrategyLinear, RatePerSecond: *u(3)}
	amt, idx, err := Emission(s, 10, 20)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), amt.Uint64())
	assert.Equal(t, 0, idx)
}

func TestEmission_EmptyWindow(t *testing.T) {
	s := model.Schedule{Strategy: model.StrategyLinear, RatePerSecond: *u(3)}
	amt, _, err := Emission(s, 20, 20)
	require.NoError(t, err)
	assert.True(t, amt.IsZero())
}

func TestEmission_WeeklyPartialPeriod(t *testing.T) {
	p := weeklyPool(0, 2500, 2500)
	amt, idx, err := Emission(p.Schedule, 0, week+week/2)
	require.NoError(t, err)
	assert.Equal(t, uint64(3750), amt.Uint64())
	assert.Equal(t, 1, idx, "index stays on the partially elapsed period")
}

func TestEmission_BeyondSchedule(t *testing.T) {
	p := weeklyPool(0, 2500, 2500)
	amt, idx, err := Emission(p.Schedule, 0, 10*week)
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), amt.Uint64())
	assert.Equal(t, 2, idx)
}

func TestEmission_ScheduleNotStarted(t *testing.T) {
	p := weeklyPool(0, 2500)
	p.Schedule.PeriodStart = 1000
	amt, idx, err := Emission(p.Schedule, 0, 1000)
	require.NoError(t, err)
	assert.True(t, amt.IsZero())
	assert.Equal(t, 0, idx)
}

func TestEmission_SplitMatchesSingle(t *testing.T) {
	s := weeklyPool(0, 1000, 333, 7).Schedule
	end := 3*week + 99

	single, _, err := Emission(s, 0, end)
	require.NoError(t, err)
	assert.Equal(t, uint64(1340), single.Uint64())

	split := new(uint256.Int)
	prev := uint64(0)
	for _, at := range []uint64{1, 17, week / 3, week - 1, week, week + 5, 2*week + 7, 2*week + 8, end} {
		amt, next, err := Emission(s, prev, at)
		require.NoError(t, err)
		split.Add(split, amt)
		s.PeriodIndex = next
		prev = at
	}
	assert.Equal(t, single.Uint64(), split.Uint64())
}

func TestEmission_PartialWindowUsesCumulativeShare(t *testing.T) {
	s := weeklyPool(0, 7).Schedule
	day := week / 7

	// Crossing a unit boundary pays the unit even though 7*2/week floors to 0.
	amt, _, err := Emission(s, day-1, day+1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), amt.Uint64())

	before, _, err := Emission(s, 0, day-1)
	require.NoError(t, err)
	after, _, err := Emission(s, day+1, week)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), before.Uint64())
	assert.Equal(t, uint64(6), after.Uint64())
}

func TestEmission_MonthlyUsesThirtyDays(t *testing.T) {
	s := model.Schedule{Strategy: model.StrategyMonthly, Periods: []uint256.Int{*u(3000)}}
	amt, idx, err := Emission(s, 0, model.MonthSeconds/3)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), amt.Uint64())
	assert.Equal(t, 0, idx)
}

func TestEmission_Overflow(t *testing.T) {
	s := model.Schedule{Strategy: model.StrategyLinear}
	s.RatePerSecond.SetAllOne()
	_, _, err := Emission(s, 0, 2)
	assert.ErrorIs(t, err, ErrAccumulatorOverflow)
}

// --- Settle ---

func TestSettle_LinearTwoStakers(t *testing.T) {
	pool := linearPool(1, 1_000_000)

	_, err := Settle(pool, 0)
	require.NoError(t, err)
	a := &model.Position{Staked: *u(1000)}
	pool.TotalStaked = *u(1000)

	_, err = Settle(pool, 100)
	require.NoError(t, err)
	pendingA, err := Pending(a, &pool.AccRewardPerShare)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), pendingA.Uint64())

	debtB, err := Debt(u(1000), &pool.AccRewardPerShare)
	require.NoError(t, err)
	b := &model.Position{Staked: *u(1000), RewardDebt: *debtB}
	pool.TotalStaked = *u(2000)

	_, err = Settle(pool, 200)
	require.NoError(t, err)
	afterA, err := Pending(a, &pool.AccRewardPerShare)
	require.NoError(t, err)
	pendingB, err := Pending(b, &pool.AccRewardPerShare)
	require.NoError(t, err)

	assert.Equal(t, uint64(50), afterA.Uint64()-pendingA.Uint64())
	assert.Equal(t, uint64(50), pendingB.Uint64())
	assert.Equal(t, uint64(200), pool.RewardsAccrued.Uint64())
}

func TestSettle_WeeklyOnceOrSplit(t *testing.T) {
	once := weeklyPool(1_000_000, 2500, 2500)
	once.TotalStaked = *u(1000)
	_, err := Settle(once, week+week/2)
	require.NoError(t, err)

	split := weeklyPool(1_000_000, 2500, 2500)
	split.TotalStaked = *u(1000)
	for _, at := range []uint64{week / 4, week, week + 1, week + week/2} {
		_, err := Settle(split, at)
		require.NoError(t, err)
	}

	assert.Equal(t, uint64(3750), once.RewardsAccrued.Uint64())
	assert.Equal(t, uint64(3750), split.RewardsAccrued.Uint64())
	assert.Equal(t, once.AccRewardPerShare, split.AccRewardPerShare)
	assert.Equal(t, 1, split.Schedule.PeriodIndex)
}

func TestSettle_ZeroStakeForfeitsWindow(t *testing.T) {
	pool := weeklyPool(1_000_000, 2500, 2500)

	accrued, err := Settle(pool, week)
	require.NoError(t, err)
	assert.True(t, accrued.IsZero())
	assert.Equal(t, week, pool.LastAccrualTime)
	assert.Equal(t, 1, pool.Schedule.PeriodIndex)
	assert.True(t, pool.AccRewardPerShare.IsZero())

	pool.TotalStaked = *u(1000)
	_, err = Settle(pool, week+week/2)
	require.NoError(t, err)
	assert.Equal(t, uint64(1250), pool.RewardsAccrued.Uint64())
}

func TestSettle_ClampedToAllocation(t *testing.T) {
	pool := linearPool(1, 150)
	pool.TotalStaked = *u(1000)

	accrued, err := Settle(pool, 200)
	require.NoError(t, err)
	assert.Equal(t, uint64(150), accrued.Uint64())

	accrued, err = Settle(pool, 300)
	require.NoError(t, err)
	assert.True(t, accrued.IsZero())
	assert.Equal(t, uint64(150), pool.RewardsAccrued.Uint64())
	assert.Equal(t, "150000000000000000", pool.AccRewardPerShare.Dec())
}

func TestSettle_TimeNeverMovesBackwards(t *testing.T) {
	pool := linearPool(1, 1_000_000)
	pool.TotalStaked = *u(10)
	_, err := Settle(pool, 100)
	require.NoError(t, err)
	acc := pool.AccRewardPerShare

	accrued, err := Settle(pool, 50)
	require.NoError(t, err)
	assert.True(t, accrued.IsZero())
	assert.Equal(t, uint64(100), pool.LastAccrualTime)
	assert.Equal(t, acc, pool.AccRewardPerShare)
}

func TestSettle_AccumulatorMonotonic(t *testing.T) {
	pool := linearPool(7, 1_000_000_000)
	stakes := []uint64{0, 3, 1000, 0, 999_999, 1, 42, 0, 77_777}
	prev := new(uint256.Int)
	now := uint64(0)
	for i, staked := range stakes {
		pool.TotalStaked = *u(staked)
		now += uint64(13 * (i + 1))
		_, err := Settle(pool, now)
		require.NoError(t, err)
		assert.False(t, pool.AccRewardPerShare.Lt(prev), "step %d decreased the accumulator", i)
		prev = new(uint256.Int).Set(&pool.AccRewardPerShare)
	}
	assert.False(t, pool.AllocatedForRewards.Lt(&pool.RewardsAccrued))
}

// --- Pending and Debt ---

func TestPending_IncludesFlushedRewards(t *testing.T) {
	acc := new(uint256.Int).Mul(u(2), Precision)
	pos := &model.Position{Staked: *u(10), RewardDebt: *u(5), PendingRewards: *u(7)}
	got, err := Pending(pos, acc)
	require.NoError(t, err)
	assert.Equal(t, uint64(22), got.Uint64())
}

func TestPending_DebtAboveShare(t *testing.T) {
	pos := &model.Position{Staked: *u(10), RewardDebt: *u(5)}
	_, err := Pending(pos, new(uint256.Int))
	assert.ErrorIs(t, err, ErrAccumulatorOverflow)
}

// --- Reconfigure ---

func TestReconfigure_NotRetroactive(t *testing.T) {
	pool := linearPool(1, 1_000_000)
	pool.TotalStaked = *u(100)

	require.NoError(t, Reconfigure(pool, 100, model.Schedule{Strategy: model.StrategyLinear, RatePerSecond: *u(5)}))
	assert.Equal(t, uint64(100), pool.RewardsAccrued.Uint64())

	_, err := Settle(pool, 200)
	require.NoError(t, err)
	assert.Equal(t, uint64(600), pool.RewardsAccrued.Uint64())
}

func TestReconfigure_PeriodicStartsNow(t *testing.T) {
	pool := linearPool(1, 1_000_000)
	s := model.Schedule{Strategy: model.StrategyWeekly, Periods: []uint256.Int{*u(700)}}
	require.NoError(t, Reconfigure(pool, 5000, s))
	assert.Equal(t, uint64(5000), pool.Schedule.PeriodStart)

	pool.TotalStaked = *u(7)
	_, err := Settle(pool, 5000+week)
	require.NoError(t, err)
	assert.Equal(t, uint64(700), pool.RewardsAccrued.Uint64())
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		s    model.Schedule
		ok   bool
	}{
		{"linear", model.Schedule{Strategy: model.StrategyLinear}, true},
		{"weekly", model.Schedule{Strategy: model.StrategyWeekly, Periods: []uint256.Int{*u(1)}}, true},
		{"unknown", model.Schedule{Strategy: "DAILY"}, false},
		{"linear with periods", model.Schedule{Strategy: model.StrategyLinear, Periods: []uint256.Int{*u(1)}}, false},
		{"monthly without periods", model.Schedule{Strategy: model.StrategyMonthly}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.s)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidSchedule)
			}
		})
	}
}
