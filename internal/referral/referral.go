// Package referral is the boundary to the referral and commission
// collaborator. The engine notifies it after purchases and reward claims;
// both calls are best-effort and never abort the engine operation.
package referral

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Purchase describes a committed purchase-and-stake.
type Purchase struct {
	Buyer          common.Address `json:"buyer"`
	Referrer       common.Address `json:"referrer"`
	PoolID         uint64         `json:"pool_id"`
	Principal      uint256.Int    `json:"principal"`
	RateBps        uint64         `json:"rate_bps"`
	PayImmediately bool           `json:"pay_immediately"`
}

// RewardClaim describes a delivered reward.
type RewardClaim struct {
	Claimant common.Address `json:"claimant"`
	PoolID   uint64         `json:"pool_id"`
	Reward   uint256.Int    `json:"reward"`
}

// Referral receives purchase and claim notifications.
type Referral interface {
	OnPurchase(ctx context.Context, p Purchase) (*uint256.Int, error)
	OnRewardClaim(ctx context.Context, c RewardClaim) error
}

// Commission returns floor(principal*rateBps/10000).
func Commission(principal *uint256.Int, rateBps uint64) *uint256.Int {
	c, overflow := new(uint256.Int).MulDivOverflow(principal, uint256.NewInt(rateBps), uint256.NewInt(10_000))
	if overflow {
		return new(uint256.Int)
	}
	return c
}

// Noop ignores every notification.
type Noop struct{}

func (Noop) OnPurchase(context.Context, Purchase) (*uint256.Int, error) { return new(uint256.Int), nil }
func (Noop) OnRewardClaim(context.Context, RewardClaim) error             { return nil }
