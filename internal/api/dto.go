package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/yield-engine/internal/apperr"
	"github.com/atmx/yield-engine/internal/ledger"
	"github.com/atmx/yield-engine/internal/lockterm"
	"github.com/atmx/yield-engine/internal/model"
	"github.com/atmx/yield-engine/internal/reconcile"
)

// All amounts cross the API as base-10 strings of base units.

var errInvalidInput = apperr.New(apperr.Validation, "api: invalid input")

func parseAmount(field, s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be a non-negative integer amount, got %q", errInvalidInput, field, s)
	}
	return v, nil
}

// parseOptionalAmount treats an empty string as zero.
func parseOptionalAmount(field, s string) (*uint256.Int, error) {
	if strings.TrimSpace(s) == "" {
		return new(uint256.Int), nil
	}
	return parseAmount(field, s)
}

func parseLock(s string) (uint64, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	secs, err := lockterm.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errInvalidInput, err)
	}
	return secs, nil
}

func amounts(vs []uint256.Int) []string {
	out := make([]string, len(vs))
	for i := range vs {
		out[i] = vs[i].Dec()
	}
	return out
}

// --- Requests ---

// PurchaseRequest is the JSON body for POST /pools/{poolID}/purchase.
type PurchaseRequest struct {
	Budget   string         `json:"budget"`
	Lock     string         `json:"lock"` // e.g. "30d"
	Referrer common.Address `json:"referrer"`
}

// ExactPurchaseRequest is the JSON body for POST /pools/{poolID}/purchase-exact.
type ExactPurchaseRequest struct {
	Base     string         `json:"base"`
	MaxQuote string         `json:"max_quote"`
	Lock     string         `json:"lock"`
	Referrer common.Address `json:"referrer"`
}

// StakeRequest is the JSON body for POST /pools/{poolID}/stake.
type StakeRequest struct {
	Amount string `json:"amount"`
	Lock   string `json:"lock"`
}

// PolicyRequest describes a pool policy. Lock and vesting terms use
// lock-term notation.
type PolicyRequest struct {
	PenaltyBps               uint64         `json:"penalty_bps"`
	PenaltyReceiver          common.Address `json:"penalty_receiver"`
	LockTerms                []string       `json:"lock_terms"`
	VestingTerm              string         `json:"vesting_term"`
	VestByDefault            bool           `json:"vest_by_default"`
	ReferralBps              uint64         `json:"referral_bps"`
	PayCommissionImmediately bool           `json:"pay_commission_immediately"`
}

func (r PolicyRequest) policy() (model.Policy, error) {
	locks, err := lockterm.ParseList(r.LockTerms)
	if err != nil {
		return model.Policy{}, fmt.Errorf("%w: %v", errInvalidInput, err)
	}
	vesting, err := parseLock(r.VestingTerm)
	if err != nil {
		return model.Policy{}, err
	}
	return model.Policy{
		PenaltyBps:               r.PenaltyBps,
		PenaltyReceiver:          r.PenaltyReceiver,
		LockDurations:            locks,
		VestingDuration:          vesting,
		VestByDefault:            r.VestByDefault,
		ReferralBps:              r.ReferralBps,
		PayCommissionImmediately: r.PayCommissionImmediately,
	}, nil
}

// CreatePoolRequest is the JSON body for POST /admin/pools.
type CreatePoolRequest struct {
	BaseAsset     common.Address `json:"base_asset"`
	QuoteAsset    common.Address `json:"quote_asset"`
	Pair          common.Address `json:"pair"`
	Custody       common.Address `json:"custody"`
	BaseDecimals  uint8          `json:"base_decimals"`
	QuoteDecimals uint8          `json:"quote_decimals"`
	LotSize       string         `json:"lot_size"`
	MinLot        string         `json:"min_lot"`
	Policy        PolicyRequest  `json:"policy"`
	Active        bool           `json:"active"`
}

// DepositRequest is the JSON body for POST /admin/deposits.
type DepositRequest struct {
	Asset   common.Address `json:"asset"`
	Account common.Address `json:"account"`
	Amount  string         `json:"amount"`
}

// BalanceResponse is a booked token balance.
type BalanceResponse struct {
	Asset   common.Address `json:"asset"`
	Account common.Address `json:"account"`
	Amount  string         `json:"amount"`
}

// AllocationRequest is the JSON body for POST /admin/pools/{poolID}/allocations.
// Either amount may be omitted.
type AllocationRequest struct {
	Sale    string `json:"sale"`
	Rewards string `json:"rewards"`
}

// StrategyRequest is the JSON body for PUT /admin/pools/{poolID}/strategy.
type StrategyRequest struct {
	Strategy      model.Strategy `json:"strategy"`
	RatePerSecond string         `json:"rate_per_second"`
	Periods       []string       `json:"periods"`
	PeriodStart   uint64         `json:"period_start"`
}

// ActiveRequest is the JSON body for PUT /admin/pools/{poolID}/active.
type ActiveRequest struct {
	Active bool `json:"active"`
}

// EarmarkRequest is the JSON body for PUT /admin/pools/{poolID}/earmark.
type EarmarkRequest struct {
	Amount string `json:"amount"`
}

// CollaboratorRequest is the JSON body for PUT /admin/pools/{poolID}/collaborators/{address}.
type CollaboratorRequest struct {
	Allowed bool `json:"allowed"`
}

// LiquidityRequest is the JSON body for the liquidity callbacks.
type LiquidityRequest struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// --- Responses ---

// PolicyView is a pool policy as returned by the API.
type PolicyView struct {
	PenaltyBps               uint64         `json:"penalty_bps"`
	PenaltyReceiver          common.Address `json:"penalty_receiver"`
	LockDurations            []uint64       `json:"lock_durations"`
	LockTerms                []string       `json:"lock_terms"`
	VestingDuration          uint64         `json:"vesting_duration"`
	VestByDefault            bool           `json:"vest_by_default"`
	ReferralBps              uint64         `json:"referral_bps"`
	PayCommissionImmediately bool           `json:"pay_commission_immediately"`
}

// AnalyticsView holds a pool's lifetime counters.
type AnalyticsView struct {
	CreatedAt          uint64 `json:"created_at"`
	PenaltiesCollected string `json:"penalties_collected"`
	PeakStaked         string `json:"peak_staked"`
	UniqueStakers      uint64 `json:"unique_stakers"`
	StakeVolume        string `json:"stake_volume"`
	UnstakeVolume      string `json:"unstake_volume"`
	LiquidityBaseAdded string `json:"liquidity_base_added"`
	LiquidityQuoteSent string `json:"liquidity_quote_sent"`
}

// PoolView is a pool as returned by the API.
type PoolView struct {
	ID                   uint64           `json:"id"`
	Active               bool             `json:"active"`
	BaseAsset            common.Address   `json:"base_asset"`
	QuoteAsset           common.Address   `json:"quote_asset"`
	Pair                 common.Address   `json:"pair"`
	Custody              common.Address   `json:"custody"`
	BaseDecimals         uint8            `json:"base_decimals"`
	QuoteDecimals        uint8            `json:"quote_decimals"`
	LotSize              string           `json:"lot_size"`
	MinLot               string           `json:"min_lot"`
	AllocatedForSale     string           `json:"allocated_for_sale"`
	AllocatedForRewards  string           `json:"allocated_for_rewards"`
	Sold                 string           `json:"sold"`
	QuoteCollected       string           `json:"quote_collected"`
	QuoteReleased        string           `json:"quote_released"`
	LiquidityEarmark     string           `json:"liquidity_earmark"`
	LiquidityOutstanding string           `json:"liquidity_outstanding"`
	DirectDeposits       string           `json:"direct_deposits"`
	TotalStaked          string           `json:"total_staked"`
	AccRewardPerShare    string           `json:"acc_reward_per_share"`
	LastAccrualTime      uint64           `json:"last_accrual_time"`
	RewardsAccrued       string           `json:"rewards_accrued"`
	RewardsPaid          string           `json:"rewards_paid"`
	Strategy             model.Strategy   `json:"strategy"`
	RatePerSecond        string           `json:"rate_per_second"`
	Periods              []string         `json:"periods"`
	PeriodIndex          int              `json:"period_index"`
	PeriodStart          uint64           `json:"period_start"`
	Policy               PolicyView       `json:"policy"`
	Analytics            AnalyticsView    `json:"analytics"`
	Collaborators        []common.Address `json:"collaborators"`
	SpotPrice            string           `json:"spot_price,omitempty"`
}

func poolView(p *model.Pool) PoolView {
	terms := make([]string, len(p.Policy.LockDurations))
	for i, d := range p.Policy.LockDurations {
		terms[i] = lockterm.Format(d)
	}
	collaborators := p.Collaborators
	if collaborators == nil {
		collaborators = []common.Address{}
	}
	a := &p.Analytics
	return PoolView{
		ID:                   p.ID,
		Active:               p.Active,
		BaseAsset:            p.BaseAsset,
		QuoteAsset:           p.QuoteAsset,
		Pair:                 p.Pair,
		Custody:              p.Custody,
		BaseDecimals:         p.BaseDecimals,
		QuoteDecimals:        p.QuoteDecimals,
		LotSize:              p.LotSize.Dec(),
		MinLot:               p.MinLot.Dec(),
		AllocatedForSale:     p.AllocatedForSale.Dec(),
		AllocatedForRewards:  p.AllocatedForRewards.Dec(),
		Sold:                 p.Sold.Dec(),
		QuoteCollected:       p.QuoteCollected.Dec(),
		QuoteReleased:        p.QuoteReleased.Dec(),
		LiquidityEarmark:     p.LiquidityEarmark.Dec(),
		LiquidityOutstanding: p.LiquidityOutstanding.Dec(),
		DirectDeposits:       p.DirectDeposits.Dec(),
		TotalStaked:          p.TotalStaked.Dec(),
		AccRewardPerShare:    p.AccRewardPerShare.Dec(),
		LastAccrualTime:      p.LastAccrualTime,
		RewardsAccrued:       p.RewardsAccrued.Dec(),
		RewardsPaid:          p.RewardsPaid.Dec(),
		Strategy:             p.Schedule.Strategy,
		RatePerSecond:        p.Schedule.RatePerSecond.Dec(),
		Periods:              amounts(p.Schedule.Periods),
		PeriodIndex:          p.Schedule.PeriodIndex,
		PeriodStart:          p.Schedule.PeriodStart,
		Policy: PolicyView{
			PenaltyBps:               p.Policy.PenaltyBps,
			PenaltyReceiver:          p.Policy.PenaltyReceiver,
			LockDurations:            p.Policy.LockDurations,
			LockTerms:                terms,
			VestingDuration:          p.Policy.VestingDuration,
			VestByDefault:            p.Policy.VestByDefault,
			ReferralBps:              p.Policy.ReferralBps,
			PayCommissionImmediately: p.Policy.PayCommissionImmediately,
		},
		Analytics: AnalyticsView{
			CreatedAt:          a.CreatedAt,
			PenaltiesCollected: a.PenaltiesCollected.Dec(),
			PeakStaked:         a.PeakStaked.Dec(),
			UniqueStakers:      a.UniqueStakers,
			StakeVolume:        a.StakeVolume.Dec(),
			UnstakeVolume:      a.UnstakeVolume.Dec(),
			LiquidityBaseAdded: a.LiquidityBaseAdded.Dec(),
			LiquidityQuoteSent: a.LiquidityQuoteSent.Dec(),
		},
		Collaborators: collaborators,
	}
}

// PositionView is a position as returned by the API.
type PositionView struct {
	PoolID         uint64         `json:"pool_id"`
	Owner          common.Address `json:"owner"`
	Staked         string         `json:"staked"`
	StakeStart     uint64         `json:"stake_start"`
	StakeDuration  uint64         `json:"stake_duration"`
	UnlockAt       uint64         `json:"unlock_at"`
	RewardDebt     string         `json:"reward_debt"`
	PendingRewards string         `json:"pending_rewards"`
	TotalBought    string         `json:"total_bought"`
	TotalStaked    string         `json:"total_staked"`
	TotalUnstaked  string         `json:"total_unstaked"`
	TotalClaimed   string         `json:"total_claimed"`
	TotalPenalized string         `json:"total_penalized"`
	FirstStakeAt   uint64         `json:"first_stake_at"`
	LastActionAt   uint64         `json:"last_action_at"`
}

func positionView(p *model.Position) PositionView {
	return PositionView{
		PoolID:         p.PoolID,
		Owner:          p.Owner,
		Staked:         p.Staked.Dec(),
		StakeStart:     p.StakeStart,
		StakeDuration:  p.StakeDuration,
		UnlockAt:       p.UnlockAt(),
		RewardDebt:     p.RewardDebt.Dec(),
		PendingRewards: p.PendingRewards.Dec(),
		TotalBought:    p.TotalBought.Dec(),
		TotalStaked:    p.TotalStaked.Dec(),
		TotalUnstaked:  p.TotalUnstaked.Dec(),
		TotalClaimed:   p.TotalClaimed.Dec(),
		TotalPenalized: p.TotalPenalized.Dec(),
		FirstStakeAt:   p.FirstStakeAt,
		LastActionAt:   p.LastActionAt,
	}
}

// EventView is a ledger event as returned by the API and the WebSocket feed.
type EventView struct {
	ID          string          `json:"id"`
	PoolID      uint64          `json:"pool_id"`
	Kind        model.EventKind `json:"kind"`
	Participant common.Address  `json:"participant"`
	Base        string          `json:"base"`
	Quote       string          `json:"quote"`
	Reward      string          `json:"reward"`
	Penalty     string          `json:"penalty"`
	Timestamp   time.Time       `json:"timestamp"`
}

func eventView(e *model.Event) EventView {
	return EventView{
		ID:          e.ID,
		PoolID:      e.PoolID,
		Kind:        e.Kind,
		Participant: e.Participant,
		Base:        e.Base.Dec(),
		Quote:       e.Quote.Dec(),
		Reward:      e.Reward.Dec(),
		Penalty:     e.Penalty.Dec(),
		Timestamp:   e.Timestamp,
	}
}

// QuoteResponse is returned from GET /pools/{poolID}/quote.
type QuoteResponse struct {
	Base      string `json:"base"`
	Cost      string `json:"cost"`
	Refund    string `json:"refund"`
	SpotPrice string `json:"spot_price"`
}

// PurchaseResponse is returned from the purchase routes.
type PurchaseResponse struct {
	Base       string       `json:"base"`
	Cost       string       `json:"cost"`
	Refund     string       `json:"refund"`
	Commission string       `json:"commission"`
	Position   PositionView `json:"position"`
}

// ClaimResponse is returned from POST /pools/{poolID}/claim.
type ClaimResponse struct {
	RewardPaid        string `json:"reward_paid"`
	VestingScheduleID string `json:"vesting_schedule_id,omitempty"`
}

// UnstakeResponse is returned from POST /pools/{poolID}/unstake.
type UnstakeResponse struct {
	PrincipalReturned string `json:"principal_returned"`
	Penalty           string `json:"penalty"`
	RewardPaid        string `json:"reward_paid"`
	Matured           bool   `json:"matured"`
	VestingScheduleID string `json:"vesting_schedule_id,omitempty"`
}

// PendingResponse is returned from the pending-reward preview.
type PendingResponse struct {
	Pending string `json:"pending"`
}

// PenaltyPreviewResponse is returned from the unstake-penalty preview.
type PenaltyPreviewResponse struct {
	Matured  bool   `json:"matured"`
	Penalty  string `json:"penalty"`
	Received string `json:"received"`
	UnlockAt uint64 `json:"unlock_at"`
}

func penaltyPreview(p ledger.Preview) PenaltyPreviewResponse {
	return PenaltyPreviewResponse{
		Matured:  p.Matured,
		Penalty:  p.Penalty.Dec(),
		Received: p.Received.Dec(),
		UnlockAt: p.UnlockAt,
	}
}

// LineView is one reconciled custody account.
type LineView struct {
	Custody   common.Address `json:"custody"`
	Asset     common.Address `json:"asset"`
	Pools     []uint64       `json:"pools"`
	Expected  string         `json:"expected"`
	Actual    string         `json:"actual"`
	Shortfall string         `json:"shortfall"`
	Surplus   string         `json:"surplus"`
}

// ReportView is a reconciliation report.
type ReportView struct {
	At      time.Time  `json:"at"`
	Healthy bool       `json:"healthy"`
	Lines   []LineView `json:"lines"`
}

func reportView(r *reconcile.Report) ReportView {
	out := ReportView{At: r.At, Healthy: r.Healthy(), Lines: make([]LineView, 0, len(r.Lines))}
	for i := range r.Lines {
		l := &r.Lines[i]
		out.Lines = append(out.Lines, LineView{
			Custody:   l.Custody,
			Asset:     l.Asset,
			Pools:     l.Pools,
			Expected:  l.Expected.Dec(),
			Actual:    l.Actual.Dec(),
			Shortfall: l.Shortfall.Dec(),
			Surplus:   l.Surplus.Dec(),
		})
	}
	return out
}
