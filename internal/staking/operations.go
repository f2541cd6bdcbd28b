package staking

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/yield-engine/internal/amm"
	"github.com/atmx/yield-engine/internal/ledger"
	"github.com/atmx/yield-engine/internal/metrics"
	"github.com/atmx/yield-engine/internal/model"
	"github.com/atmx/yield-engine/internal/purchase"
	"github.com/atmx/yield-engine/internal/referral"
	"github.com/atmx/yield-engine/internal/rewards"
)

// --- Request/Response types ---

// PurchaseRequest buys with a maximum quote budget.
type PurchaseRequest struct {
	PoolID       uint64
	Budget       uint256.Int
	LockDuration uint64
	Referrer     common.Address
}

// ExactPurchaseRequest buys an exact base amount under a quote ceiling.
type ExactPurchaseRequest struct {
	PoolID       uint64
	Base         uint256.Int
	MaxQuote     uint256.Int
	LockDuration uint64
	Referrer     common.Address
}

// PurchaseResult is the outcome of a purchase-and-stake.
type PurchaseResult struct {
	Base   uint256.Int
	Cost   uint256.Int
	Refund uint256.Int
	// Commission is what the referral collaborator reported, zero when it
	// failed or no referrer was given.
	Commission uint256.Int
	Position   model.Position
}

// StakeResult is the outcome of a direct stake.
type StakeResult struct {
	Position model.Position
}

// ClaimResult is the outcome of a claim.
type ClaimResult struct {
	RewardPaid        uint256.Int
	VestingScheduleID string
}

// UnstakeResult is the outcome of an unstake.
type UnstakeResult struct {
	PrincipalReturned uint256.Int
	Penalty           uint256.Int
	RewardPaid        uint256.Int
	Matured           bool
	VestingScheduleID string
}

// --- Purchase ---

// QuotePurchase sizes a budget purchase against current reserves without
// changing anything.
func (e *Engine) QuotePurchase(ctx context.Context, poolID uint64, budget *uint256.Int) (purchase.Quote, error) {
	p, err := e.store.GetPool(ctx, poolID)
	if err != nil {
		return purchase.Quote{}, err
	}
	if !p.Active {
		return purchase.Quote{}, ErrPoolInactive
	}
	calc, err := purchase.NewCalculator(&p.LotSize, &p.MinLot)
	if err != nil {
		return purchase.Quote{}, err
	}
	r, err := amm.OrderedReserves(ctx, e.prices, p.Pair, p.BaseAsset, p.QuoteAsset)
	if err != nil {
		return purchase.Quote{}, err
	}
	q, err := calc.Budget(budget, r)
	if err != nil {
		return purchase.Quote{}, err
	}
	if err := checkSaleable(p, &q.Base); err != nil {
		return purchase.Quote{}, err
	}
	return q, nil
}

// PurchaseAndStake spends up to req.Budget of quote on base, stakes the base
// for req.LockDuration, and refunds any unspent quote.
func (e *Engine) PurchaseAndStake(ctx context.Context, buyer common.Address, req PurchaseRequest) (PurchaseResult, error) {
	var res PurchaseResult
	err := e.execute(ctx, "purchase", req.PoolID, func(o *op) error {
		calc, r, err := o.purchasePrelude(req.LockDuration)
		if err != nil {
			return err
		}
		q, err := calc.Budget(&req.Budget, r)
		if err != nil {
			return err
		}
		return o.sell(buyer, q, &req.Budget, req.LockDuration, req.Referrer, &res)
	})
	return res, err
}

// PurchaseExactAndStake buys exactly req.Base, paying at most req.MaxQuote.
func (e *Engine) PurchaseExactAndStake(ctx context.Context, buyer common.Address, req ExactPurchaseRequest) (PurchaseResult, error) {
	var res PurchaseResult
	err := e.execute(ctx, "purchase_exact", req.PoolID, func(o *op) error {
		calc, r, err := o.purchasePrelude(req.LockDuration)
		if err != nil {
			return err
		}
		q, err := calc.Exact(&req.Base, &req.MaxQuote, r)
		if err != nil {
			return err
		}
		return o.sell(buyer, q, &q.Cost, req.LockDuration, req.Referrer, &res)
	})
	return res, err
}

func (o *op) checkStakeable(lock uint64) error {
	if !o.pool.Active {
		return fmt.Errorf("%w: pool %d", ErrPoolInactive, o.pool.ID)
	}
	if !o.pool.Policy.AllowsLock(lock) {
		return fmt.Errorf("%w: %d seconds", ErrLockNotAllowed, lock)
	}
	return nil
}

func (o *op) purchasePrelude(lock uint64) (*purchase.Calculator, amm.Reserves, error) {
	if err := o.checkStakeable(lock); err != nil {
		return nil, amm.Reserves{}, err
	}
	calc, err := purchase.NewCalculator(&o.pool.LotSize, &o.pool.MinLot)
	if err != nil {
		return nil, amm.Reserves{}, err
	}
	r, err := amm.OrderedReserves(o.ctx, o.e.prices, o.pool.Pair, o.pool.BaseAsset, o.pool.QuoteAsset)
	if err != nil {
		return nil, amm.Reserves{}, err
	}
	return calc, r, nil
}

// sell settles a sized purchase: it collects pulled quote from the buyer,
// books the sale, stakes the base and refunds whatever the cost did not use.
func (o *op) sell(buyer common.Address, q purchase.Quote, pulled *uint256.Int, lock uint64, referrer common.Address, res *PurchaseResult) error {
	p := o.pool
	if err := checkSaleable(p, &q.Base); err != nil {
		return err
	}
	pos, err := o.position(buyer)
	if err != nil {
		return err
	}

	p.Sold.Add(&p.Sold, &q.Base)
	p.QuoteCollected.Add(&p.QuoteCollected, &q.Cost)
	if err := ledger.Stake(p, pos, &q.Base, lock, o.now); err != nil {
		return err
	}
	pos.TotalBought.Add(&pos.TotalBought, &q.Base)

	ev := o.event(model.EventPurchase, buyer)
	ev.Base = q.Base
	ev.Quote = q.Cost

	o.pull(p.QuoteAsset, buyer, p.Custody, pulled, "collect quote")
	refund := new(uint256.Int).Sub(pulled, &q.Cost)
	o.push(p.QuoteAsset, p.Custody, buyer, refund, "refund quote")

	res.Base = q.Base
	res.Cost = q.Cost
	res.Refund = *refund
	res.Position = *pos

	notice := referral.Purchase{
		Buyer:          buyer,
		Referrer:       referrer,
		PoolID:         p.ID,
		Principal:      q.Base,
		RateBps:        p.Policy.ReferralBps,
		PayImmediately: p.Policy.PayCommissionImmediately,
	}
	o.later("referral purchase notice", true, func(ctx context.Context) error {
		commission, err := o.e.referral.OnPurchase(ctx, notice)
		if err != nil {
			return err
		}
		if commission != nil {
			res.Commission = *commission
		}
		return nil
	})
	return nil
}

// checkSaleable rejects purchases larger than the unsold, non-earmarked
// part of the sale allocation.
func checkSaleable(p *model.Pool, base *uint256.Int) error {
	reserved, overflow := new(uint256.Int).AddOverflow(&p.Sold, &p.LiquidityEarmark)
	if overflow || p.AllocatedForSale.Lt(reserved) {
		return fmt.Errorf("%w: nothing left for sale", ErrInsufficientAllocation)
	}
	left := new(uint256.Int).Sub(&p.AllocatedForSale, reserved)
	if left.Lt(base) {
		return fmt.Errorf("%w: %s requested, %s left", ErrInsufficientAllocation, base.Dec(), left.Dec())
	}
	return nil
}

// --- Direct stake ---

// StakeExisting stakes base the owner already holds.
func (e *Engine) StakeExisting(ctx context.Context, owner common.Address, poolID uint64, amount *uint256.Int, lock uint64) (StakeResult, error) {
	var res StakeResult
	err := e.execute(ctx, "stake", poolID, func(o *op) error {
		if err := o.checkStakeable(lock); err != nil {
			return err
		}
		pos, err := o.position(owner)
		if err != nil {
			return err
		}
		p := o.pool
		if err := ledger.Stake(p, pos, amount, lock, o.now); err != nil {
			return err
		}
		p.DirectDeposits.Add(&p.DirectDeposits, amount)
		o.pull(p.BaseAsset, owner, p.Custody, amount, "collect stake")

		ev := o.event(model.EventStake, owner)
		ev.Base = *amount
		res.Position = *pos
		return nil
	})
	return res, err
}

// --- Claim and unstake ---

// Claim pays the owner's pending reward and keeps the stake in place.
func (e *Engine) Claim(ctx context.Context, owner common.Address, poolID uint64) (ClaimResult, error) {
	var res ClaimResult
	err := e.execute(ctx, "claim", poolID, func(o *op) error {
		pos, err := o.position(owner)
		if err != nil {
			return err
		}
		if !pos.Open() && pos.PendingRewards.IsZero() {
			return fmt.Errorf("%w: %s in pool %d", ErrNoPosition, owner.Hex(), poolID)
		}
		paid, err := ledger.Claim(o.pool, pos, o.now)
		if err != nil {
			return err
		}
		if paid.IsZero() {
			return ErrNothingToClaim
		}

		ev := o.event(model.EventClaim, owner)
		ev.Reward = *paid
		res.RewardPaid = *paid
		o.deliverReward(owner, paid, &res.VestingScheduleID)
		return nil
	})
	return res, err
}

// Unstake closes the owner's position: principal less any early-exit
// penalty goes back to the owner, the penalty to the pool's receiver, and
// the pending reward is delivered in full.
func (e *Engine) Unstake(ctx context.Context, owner common.Address, poolID uint64) (UnstakeResult, error) {
	var res UnstakeResult
	err := e.execute(ctx, "unstake", poolID, func(o *op) error {
		pos, err := o.openPosition(owner)
		if err != nil {
			return err
		}
		p := o.pool
		out, err := ledger.Close(p, pos, o.now)
		if err != nil {
			return err
		}

		ev := o.event(model.EventUnstake, owner)
		ev.Base = out.Returned
		ev.Reward = out.Reward
		ev.Penalty = out.Penalty

		o.push(p.BaseAsset, p.Custody, owner, &out.Returned, "return principal")
		o.push(p.BaseAsset, p.Custody, p.Policy.PenaltyReceiver, &out.Penalty, "pay penalty")
		if !out.Penalty.IsZero() {
			penalty := out.Penalty
			o.later("penalty metric", true, func(context.Context) error {
				metrics.Penalties.WithLabelValues(metrics.PoolLabel(p.ID)).Add(metrics.Amount(&penalty))
				return nil
			})
		}
		o.deliverReward(owner, &out.Reward, &res.VestingScheduleID)

		res.PrincipalReturned = out.Returned
		res.Penalty = out.Penalty
		res.RewardPaid = out.Reward
		res.Matured = out.Matured
		return nil
	})
	return res, err
}

// --- Read-only previews ---

// PendingReward returns what the participant could claim now. A participant
// without a position has nothing pending.
func (e *Engine) PendingReward(ctx context.Context, poolID uint64, participant common.Address) (*uint256.Int, error) {
	p, err := e.SettledPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	pos, err := e.Position(ctx, poolID, participant)
	if err != nil {
		if errors.Is(err, ErrNoPosition) {
			return new(uint256.Int), nil
		}
		return nil, err
	}
	return rewards.Pending(pos, &p.AccRewardPerShare)
}

// PreviewUnstakePenalty reports maturity, penalty and the principal the
// participant would receive by unstaking now.
func (e *Engine) PreviewUnstakePenalty(ctx context.Context, poolID uint64, participant common.Address) (ledger.Preview, error) {
	p, err := e.store.GetPool(ctx, poolID)
	if err != nil {
		return ledger.Preview{}, err
	}
	pos, err := e.Position(ctx, poolID, participant)
	if err != nil {
		return ledger.Preview{}, err
	}
	if !pos.Open() {
		return ledger.Preview{}, fmt.Errorf("%w: %s in pool %d", ErrNoPosition, participant.Hex(), poolID)
	}
	return ledger.PreviewUnstake(p, pos, uint64(e.clock.Now().Unix()))
}
