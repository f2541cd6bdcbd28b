package ledger

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/yield-engine/internal/model"
	"github.com/atmx/yield-engine/internal/rewards"
)

const day = 24 * 60 * 60

func u(v uint64) *uint256.Int {
	return uint256.NewInt(v)
}

func newPool(rate, penaltyBps uint64) *model.Pool {
	return &model.Pool{
		ID:                  1,
		Active:              true,
		AllocatedForRewards: *u(1 << 50),
		Schedule:            model.Schedule{Strategy: model.StrategyLinear, RatePerSecond: *u(rate)},
		Policy:              model.Policy{PenaltyBps: penaltyBps, LockDurations: []uint64{90 * day}},
	}
}

func settle(t *testing.T, pool *model.Pool, now uint64) {
	t.Helper()
	_, err := rewards.Settle(pool, now)
	require.NoError(t, err)
}

func TestSplitPrincipal_Exactness(t *testing.T) {
	for _, staked := range []uint64{0, 1, 3, 9_999, 10_000, 123_456_789} {
		for _, bps := range []uint64{0, 1, 2500, 3333, 9999, 10_000} {
			s, err := SplitPrincipal(u(staked), bps, false)
			require.NoError(t, err)
			want := staked * bps / BpsDenominator
			assert.Equal(t, want, s.Penalty.Uint64(), "staked=%d bps=%d", staked, bps)
			assert.Equal(t, staked-want, s.Returned.Uint64(), "staked=%d bps=%d", staked, bps)
		}
	}
}

func TestSplitPrincipal_MaturedPaysNoPenalty(t *testing.T) {
	s, err := SplitPrincipal(u(10_000), 2500, true)
	require.NoError(t, err)
	assert.True(t, s.Penalty.IsZero())
	assert.Equal(t, uint64(10_000), s.Returned.Uint64())
}

func TestSplitPrincipal_InvalidBps(t *testing.T) {
	_, err := SplitPrincipal(u(1), 10_001, false)
	assert.ErrorIs(t, err, ErrInvalidPenalty)
}

func TestClose_EarlyUnstakeHalfwayThroughLock(t *testing.T) {
	pool := newPool(1, 2500)
	pos := &model.Position{PoolID: 1}

	settle(t, pool, 0)
	require.NoError(t, Stake(pool, pos, u(10_000), 90*day, 0))

	now := uint64(45 * day)
	settle(t, pool, now)
	pending, err := rewards.Pending(pos, &pool.AccRewardPerShare)
	require.NoError(t, err)

	out, err := Close(pool, pos, now)
	require.NoError(t, err)
	assert.False(t, out.Matured)
	assert.Equal(t, uint64(7500), out.Returned.Uint64())
	assert.Equal(t, uint64(2500), out.Penalty.Uint64())
	assert.Equal(t, pending.Uint64(), out.Reward.Uint64())
	assert.Equal(t, uint64(45*day), out.Reward.Uint64())

	assert.False(t, pos.Open())
	assert.True(t, pos.RewardDebt.IsZero())
	assert.Zero(t, pos.StakeStart)
	assert.Zero(t, pos.StakeDuration)
	assert.True(t, pool.TotalStaked.IsZero())
	assert.Equal(t, uint64(2500), pool.Analytics.PenaltiesCollected.Uint64())
}

func TestClose_MaturedReturnsAll(t *testing.T) {
	pool := newPool(1, 2500)
	pos := &model.Position{}
	require.NoError(t, Stake(pool, pos, u(10_000), 90*day, 0))
	settle(t, pool, 90*day)

	out, err := Close(pool, pos, 90*day)
	require.NoError(t, err)
	assert.True(t, out.Matured)
	assert.Equal(t, uint64(10_000), out.Returned.Uint64())
	assert.True(t, out.Penalty.IsZero())
}

func TestClose_NoStake(t *testing.T) {
	pool := newPool(1, 0)
	_, err := Close(pool, &model.Position{}, 10)
	assert.ErrorIs(t, err, ErrNoStake)
}

func TestStake_ZeroAmount(t *testing.T) {
	pool := newPool(1, 0)
	assert.ErrorIs(t, Stake(pool, &model.Position{}, u(0), day, 0), ErrZeroAmount)
}

func TestStake_RejectsShorterLock(t *testing.T) {
	pool := newPool(1, 0)
	pos := &model.Position{}
	require.NoError(t, Stake(pool, pos, u(100), 90*day, 0))

	err := Stake(pool, pos, u(100), 30*day, 10*day)
	assert.ErrorIs(t, err, ErrLockShortened)
	assert.Equal(t, uint64(100), pos.Staked.Uint64(), "rejected stake must not change the position")

	require.NoError(t, Stake(pool, pos, u(100), 90*day, 10*day))
	assert.Equal(t, uint64(10*day), pos.StakeStart)
	assert.Equal(t, uint64(100*day), pos.UnlockAt())
}

func TestClaim_KeepsStakeAndLock(t *testing.T) {
	pool := newPool(2, 0)
	pos := &model.Position{}
	require.NoError(t, Stake(pool, pos, u(500), 90*day, 0))
	settle(t, pool, 100)

	paid, err := Claim(pool, pos, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), paid.Uint64())
	assert.Equal(t, uint64(500), pos.Staked.Uint64())
	assert.Equal(t, uint64(90*day), pos.StakeDuration)
	assert.Zero(t, pos.StakeStart)

	again, err := Claim(pool, pos, 100)
	require.NoError(t, err)
	assert.True(t, again.IsZero(), "second claim at the same instant pays nothing")
	assert.Equal(t, uint64(200), pool.RewardsPaid.Uint64())
}

func TestNoDoubleCounting(t *testing.T) {
	// Path A claims between the two stakes; path B never does.
	a, posA := newPool(1, 0), &model.Position{}
	b, posB := newPool(1, 0), &model.Position{}

	require.NoError(t, Stake(a, posA, u(1000), day, 0))
	require.NoError(t, Stake(b, posB, u(1000), day, 0))

	settle(t, a, 100)
	settle(t, b, 100)
	first, err := Claim(a, posA, 100)
	require.NoError(t, err)
	require.NoError(t, Stake(a, posA, u(3000), day, 100))
	require.NoError(t, Stake(b, posB, u(3000), day, 100))

	settle(t, a, 250)
	settle(t, b, 250)
	second, err := Claim(a, posA, 250)
	require.NoError(t, err)
	whole, err := Claim(b, posB, 250)
	require.NoError(t, err)

	assert.Equal(t, whole.Uint64(), first.Uint64()+second.Uint64())
	assert.Equal(t, uint64(250), whole.Uint64())
}

func TestConservation(t *testing.T) {
	pool := newPool(3, 1234)
	positions := []*model.Position{{}, {}, {}}

	require.NoError(t, Stake(pool, positions[0], u(10_007), 90*day, 0))
	require.NoError(t, Stake(pool, positions[1], u(333), 90*day, 5))
	settle(t, pool, 10*day)
	_, err := Close(pool, positions[0], 10*day)
	require.NoError(t, err)
	require.NoError(t, Stake(pool, positions[2], u(77_771), 90*day, 10*day))
	require.NoError(t, Stake(pool, positions[1], u(19), 90*day, 20*day))
	settle(t, pool, 200*day)
	for _, pos := range positions[1:] {
		_, err := Close(pool, pos, 200*day)
		require.NoError(t, err)
	}

	want := new(uint256.Int).Add(&pool.Analytics.UnstakeVolume, &pool.Analytics.PenaltiesCollected)
	assert.Equal(t, *want, pool.Analytics.StakeVolume)
	assert.True(t, pool.TotalStaked.IsZero())
	assert.False(t, pool.RewardsAccrued.Lt(&pool.RewardsPaid), "paid must not exceed accrued")
	assert.Equal(t, uint64(3), pool.Analytics.UniqueStakers)
}

func TestPreviewUnstake(t *testing.T) {
	pool := newPool(1, 2500)
	pos := &model.Position{}
	require.NoError(t, Stake(pool, pos, u(10_000), 90*day, 0))

	p, err := PreviewUnstake(pool, pos, 45*day)
	require.NoError(t, err)
	assert.False(t, p.Matured)
	assert.Equal(t, uint64(2500), p.Penalty.Uint64())
	assert.Equal(t, uint64(7500), p.Received.Uint64())
	assert.Equal(t, uint64(90*day), p.UnlockAt)
	assert.Equal(t, uint64(10_000), pos.Staked.Uint64())
}
