package vesting

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	custodyAcct = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	alice       = common.HexToAddress("0x000000000000000000000000000000000000a11c")
)

func TestCreateSchedule_LinearRelease(t *testing.T) {
	v := NewMemoryVesting(custodyAcct)
	id, err := v.CreateSchedule(context.Background(), alice, uint256.NewInt(1000), 100, 1000)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	cases := map[uint64]uint64{0: 0, 100: 0, 350: 250, 1100: 1000, 5000: 1000}
	for now, want := range cases {
		got, err := v.Releasable(id, now)
		require.NoError(t, err)
		assert.Equal(t, want, got.Uint64(), "now=%d", now)
	}
}

func TestRelease_TracksReleased(t *testing.T) {
	v := NewMemoryVesting(custodyAcct)
	id, err := v.CreateSchedule(context.Background(), alice, uint256.NewInt(1000), 0, 100)
	require.NoError(t, err)

	first, err := v.Release(id, 50)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), first.Uint64())

	rest, err := v.Releasable(id, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), rest.Uint64())
}

func TestCreateSchedule_ZeroDurationVestsImmediately(t *testing.T) {
	v := NewMemoryVesting(custodyAcct)
	id, err := v.CreateSchedule(context.Background(), alice, uint256.NewInt(7), 10, 0)
	require.NoError(t, err)
	got, err := v.Releasable(id, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got.Uint64())
}

func TestGet_Unknown(t *testing.T) {
	v := NewMemoryVesting(custodyAcct)
	_, err := v.Get("missing")
	assert.ErrorIs(t, err, ErrScheduleNotFound)
}

func TestCreateSchedule_ZeroAmount(t *testing.T) {
	v := NewMemoryVesting(custodyAcct)
	_, err := v.CreateSchedule(context.Background(), alice, new(uint256.Int), 0, 10)
	assert.ErrorIs(t, err, ErrZeroAmount)
}
