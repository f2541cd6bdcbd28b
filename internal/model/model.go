// Package model defines the core domain types shared across the yield engine.
// All token amounts are 256-bit unsigned integers in base units (holiman/uint256),
// never floating point. Timestamps are unix seconds.
package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Strategy selects how a pool's reward allocation is emitted over time.
type Strategy string

const (
	StrategyLinear  Strategy = "LINEAR"
	StrategyMonthly Strategy = "MONTHLY"
	StrategyWeekly  Strategy = "WEEKLY"
)

const (
	// WeekSeconds is the period length of the WEEKLY strategy.
	WeekSeconds uint64 = 7 * 24 * 60 * 60
	// MonthSeconds is the period length of the MONTHLY strategy (30 days).
	MonthSeconds uint64 = 30 * 24 * 60 * 60
)

// Valid reports whether s is one of the supported strategies.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyLinear, StrategyMonthly, StrategyWeekly:
		return true
	}
	return false
}

// Periodic reports whether s emits from a per-period schedule.
func (s Strategy) Periodic() bool {
	return s == StrategyMonthly || s == StrategyWeekly
}

// PeriodLength returns the period length in seconds, or 0 for LINEAR.
func (s Strategy) PeriodLength() uint64 {
	switch s {
	case StrategyMonthly:
		return MonthSeconds
	case StrategyWeekly:
		return WeekSeconds
	}
	return 0
}

// Schedule is the reward strategy state of a pool.
type Schedule struct {
	Strategy Strategy `json:"strategy"`
	// RatePerSecond applies to LINEAR.
	RatePerSecond uint256.Int `json:"rate_per_second"`
	// Periods, PeriodIndex and PeriodStart apply to MONTHLY/WEEKLY.
	Periods     []uint256.Int `json:"periods"`
	PeriodIndex int           `json:"period_index"`
	PeriodStart uint64        `json:"period_start"`
}

// Clone returns a deep copy of the schedule.
func (s Schedule) Clone() Schedule {
	out := s
	if s.Periods != nil {
		out.Periods = make([]uint256.Int, len(s.Periods))
		copy(out.Periods, s.Periods)
	}
	return out
}

// Policy holds the per-pool participation rules.
type Policy struct {
	PenaltyBps      uint64         `json:"penalty_bps"`
	PenaltyReceiver common.Address `json:"penalty_receiver"`
	// LockDurations is the set of lock windows (seconds) a stake may choose.
	LockDurations   []uint64 `json:"lock_durations"`
	VestingDuration uint64   `json:"vesting_duration"`
	VestByDefault   bool     `json:"vest_by_default"`
	// ReferralBps and PayCommissionImmediately are forwarded to the
	// referral collaborator on every purchase.
	ReferralBps              uint64 `json:"referral_bps"`
	PayCommissionImmediately bool   `json:"pay_commission_immediately"`
}

// Clone returns a deep copy of the policy.
func (p Policy) Clone() Policy {
	out := p
	if p.LockDurations != nil {
		out.LockDurations = make([]uint64, len(p.LockDurations))
		copy(out.LockDurations, p.LockDurations)
	}
	return out
}

// AllowsLock reports whether d is one of the configured lock durations.
func (p Policy) AllowsLock(d uint64) bool {
	for _, allowed := range p.LockDurations {
		if allowed == d {
			return true
		}
	}
	return false
}

// Analytics are observational lifetime counters. They are never
// authoritative for invariants except where reconciliation reads
// UnstakeVolume and PenaltiesCollected.
type Analytics struct {
	CreatedAt          uint64      `json:"created_at"`
	PenaltiesCollected uint256.Int `json:"penalties_collected"`
	PeakStaked         uint256.Int `json:"peak_staked"`
	UniqueStakers      uint64      `json:"unique_stakers"`
	StakeVolume        uint256.Int `json:"stake_volume"`
	UnstakeVolume      uint256.Int `json:"unstake_volume"`
	LiquidityBaseAdded uint256.Int `json:"liquidity_base_added"`
	LiquidityQuoteSent uint256.Int `json:"liquidity_quote_sent"`
}

// Pool is one configured sale-and-yield campaign.
type Pool struct {
	ID     uint64 `json:"id"`
	Active bool   `json:"active"`

	BaseAsset     common.Address `json:"base_asset"`
	QuoteAsset    common.Address `json:"quote_asset"`
	Pair          common.Address `json:"pair"`
	Custody       common.Address `json:"custody"`
	BaseDecimals  uint8          `json:"base_decimals"`
	QuoteDecimals uint8          `json:"quote_decimals"`

	// LotSize is the purchase quantum; MinLot the smallest purchase.
	LotSize uint256.Int `json:"lot_size"`
	MinLot  uint256.Int `json:"min_lot"`

	// --- Allocation accounting ---
	AllocatedForSale     uint256.Int `json:"allocated_for_sale"`
	AllocatedForRewards  uint256.Int `json:"allocated_for_rewards"`
	Sold                 uint256.Int `json:"sold"`
	QuoteCollected       uint256.Int `json:"quote_collected"`
	QuoteReleased        uint256.Int `json:"quote_released"`
	LiquidityEarmark     uint256.Int `json:"liquidity_earmark"`
	LiquidityOutstanding uint256.Int `json:"liquidity_outstanding"`
	DirectDeposits       uint256.Int `json:"direct_deposits"`

	// --- Staking accounting ---
	TotalStaked       uint256.Int `json:"total_staked"`
	AccRewardPerShare uint256.Int `json:"acc_reward_per_share"`
	LastAccrualTime   uint64      `json:"last_accrual_time"`
	RewardsAccrued    uint256.Int `json:"rewards_accrued"`
	RewardsPaid       uint256.Int `json:"rewards_paid"`

	Schedule  Schedule  `json:"schedule"`
	Policy    Policy    `json:"policy"`
	Analytics Analytics `json:"analytics"`

	// Collaborators may call the liquidity callbacks.
	Collaborators []common.Address `json:"collaborators"`
}

// Clone returns a deep copy of the pool. Engine operations mutate clones
// only, so an aborted operation leaves the stored pool untouched.
func (p *Pool) Clone() *Pool {
	out := *p
	out.Schedule = p.Schedule.Clone()
	out.Policy = p.Policy.Clone()
	if p.Collaborators != nil {
		out.Collaborators = make([]common.Address, len(p.Collaborators))
		copy(out.Collaborators, p.Collaborators)
	}
	return &out
}

// IsCollaborator reports whether addr is an authorized liquidity collaborator.
func (p *Pool) IsCollaborator(addr common.Address) bool {
	for _, c := range p.Collaborators {
		if c == addr {
			return true
		}
	}
	return false
}

// Position is one participant's stake within one pool.
type Position struct {
	PoolID uint64         `json:"pool_id"`
	Owner  common.Address `json:"owner"`

	Staked        uint256.Int `json:"staked"`
	StakeStart    uint64      `json:"stake_start"`
	StakeDuration uint64      `json:"stake_duration"`
	// RewardDebt is floor(Staked * acc / Precision) at the last settlement.
	RewardDebt     uint256.Int `json:"reward_debt"`
	PendingRewards uint256.Int `json:"pending_rewards"`

	// Lifetime counters, observational only.
	TotalBought    uint256.Int `json:"total_bought"`
	TotalStaked    uint256.Int `json:"total_staked"`
	TotalUnstaked  uint256.Int `json:"total_unstaked"`
	TotalClaimed   uint256.Int `json:"total_claimed"`
	TotalPenalized uint256.Int `json:"total_penalized"`
	FirstStakeAt   uint64      `json:"first_stake_at"`
	LastActionAt   uint64      `json:"last_action_at"`
}

// Open reports whether the position currently holds stake.
func (p *Position) Open() bool {
	return !p.Staked.IsZero()
}

// UnlockAt returns the time at which the position matures.
func (p *Position) UnlockAt() uint64 {
	return p.StakeStart + p.StakeDuration
}

// EventKind names an immutable ledger event.
type EventKind string

const (
	EventPoolCreated     EventKind = "pool_created"
	EventAllocation      EventKind = "allocation"
	EventStrategy        EventKind = "strategy"
	EventPolicy          EventKind = "policy"
	EventPurchase        EventKind = "purchase"
	EventStake           EventKind = "stake"
	EventClaim           EventKind = "claim"
	EventUnstake         EventKind = "unstake"
	EventLiquidityAdded  EventKind = "liquidity_added"
	EventLiquidityRefund EventKind = "liquidity_refund"
)

// Event is an immutable record of a committed engine operation.
// Once created, events are never modified or deleted.
type Event struct {
	ID          string         `json:"id"`
	PoolID      uint64         `json:"pool_id"`
	Kind        EventKind      `json:"kind"`
	Participant common.Address `json:"participant"`
	Base        uint256.Int    `json:"base"`
	Quote       uint256.Int    `json:"quote"`
	Reward      uint256.Int    `json:"reward"`
	Penalty     uint256.Int    `json:"penalty"`
	Timestamp   time.Time      `json:"timestamp"`
}
