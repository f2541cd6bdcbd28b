package staking

import (
	"context"
	"fmt"
	"slices"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/yield-engine/internal/ledger"
	"github.com/atmx/yield-engine/internal/model"
	"github.com/atmx/yield-engine/internal/rewards"
)

// PoolParams configure a new pool.
type PoolParams struct {
	BaseAsset     common.Address
	QuoteAsset    common.Address
	Pair          common.Address
	Custody       common.Address
	BaseDecimals  uint8
	QuoteDecimals uint8
	LotSize       uint256.Int
	MinLot        uint256.Int
	Policy        model.Policy
	Active        bool
}

func (e *Engine) validatePolicy(p model.Policy) error {
	switch {
	case p.PenaltyBps > ledger.BpsDenominator:
		return fmt.Errorf("%w: penalty %d bps", ErrInvalidPolicy, p.PenaltyBps)
	case p.PenaltyBps > 0 && p.PenaltyReceiver == (common.Address{}):
		return fmt.Errorf("%w: penalty receiver required", ErrInvalidPolicy)
	case p.ReferralBps > ledger.BpsDenominator:
		return fmt.Errorf("%w: referral %d bps", ErrInvalidPolicy, p.ReferralBps)
	case len(p.LockDurations) == 0:
		return fmt.Errorf("%w: at least one lock duration required", ErrInvalidPolicy)
	case p.VestByDefault && e.vesting == nil:
		return fmt.Errorf("%w: vesting requested but no vesting collaborator configured", ErrInvalidPolicy)
	}
	sorted := slices.Clone(p.LockDurations)
	slices.Sort(sorted)
	if len(slices.Compact(sorted)) != len(p.LockDurations) {
		return fmt.Errorf("%w: duplicate lock duration", ErrInvalidPolicy)
	}
	return nil
}

// CreatePool registers a new pool. It starts with a LINEAR schedule at a
// zero rate and no allocations.
func (e *Engine) CreatePool(ctx context.Context, caller common.Address, params PoolParams) (*model.Pool, error) {
	if err := e.requireAdmin(caller); err != nil {
		return nil, err
	}
	zero := common.Address{}
	switch {
	case params.BaseAsset == zero || params.QuoteAsset == zero || params.Pair == zero || params.Custody == zero:
		return nil, fmt.Errorf("%w: asset, pair and custody addresses are required", ErrInvalidPool)
	case params.BaseAsset == params.QuoteAsset:
		return nil, fmt.Errorf("%w: base and quote must differ", ErrInvalidPool)
	case params.LotSize.IsZero():
		return nil, fmt.Errorf("%w: lot size must be positive", ErrInvalidPool)
	}
	if err := e.validatePolicy(params.Policy); err != nil {
		return nil, err
	}

	id, err := e.store.NextPoolID(ctx)
	if err != nil {
		return nil, err
	}
	var created *model.Pool
	err = e.run(ctx, "create_pool", id, func(context.Context) (*model.Pool, bool, error) {
		now := uint64(e.clock.Now().Unix())
		return &model.Pool{
			ID:              id,
			Active:          params.Active,
			BaseAsset:       params.BaseAsset,
			QuoteAsset:      params.QuoteAsset,
			Pair:            params.Pair,
			Custody:         params.Custody,
			BaseDecimals:    params.BaseDecimals,
			QuoteDecimals:   params.QuoteDecimals,
			LotSize:         params.LotSize,
			MinLot:          params.MinLot,
			LastAccrualTime: now,
			Schedule:        model.Schedule{Strategy: model.StrategyLinear},
			Policy:          params.Policy.Clone(),
			Analytics:       model.Analytics{CreatedAt: now},
		}, true, nil
	}, func(o *op) error {
		o.event(model.EventPoolCreated, caller)
		created = o.pool.Clone()
		return nil
	})
	return created, err
}

// AllocateForSale moves amount of base from the caller into custody and
// makes it available for purchase.
func (e *Engine) AllocateForSale(ctx context.Context, caller common.Address, poolID uint64, amount *uint256.Int) error {
	return e.allocate(ctx, "allocate_sale", caller, poolID, amount, func(p *model.Pool, ev *model.Event) {
		p.AllocatedForSale.Add(&p.AllocatedForSale, amount)
		ev.Base = *amount
	})
}

// AllocateForRewards moves amount of base from the caller into custody and
// adds it to the reward allocation.
func (e *Engine) AllocateForRewards(ctx context.Context, caller common.Address, poolID uint64, amount *uint256.Int) error {
	return e.allocate(ctx, "allocate_rewards", caller, poolID, amount, func(p *model.Pool, ev *model.Event) {
		p.AllocatedForRewards.Add(&p.AllocatedForRewards, amount)
		ev.Reward = *amount
	})
}

func (e *Engine) allocate(ctx context.Context, name string, caller common.Address, poolID uint64,
	amount *uint256.Int, apply func(*model.Pool, *model.Event)) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if amount.IsZero() {
		return ledger.ErrZeroAmount
	}
	return e.execute(ctx, name, poolID, func(o *op) error {
		apply(o.pool, o.event(model.EventAllocation, caller))
		o.pull(o.pool.BaseAsset, caller, o.pool.Custody, amount, "collect allocation")
		return nil
	})
}

// ConfigureLinear switches the pool to LINEAR emission at rate per second,
// effective from now.
func (e *Engine) ConfigureLinear(ctx context.Context, caller common.Address, poolID uint64, rate *uint256.Int) error {
	return e.reconfigure(ctx, caller, poolID, model.Schedule{Strategy: model.StrategyLinear, RatePerSecond: *rate})
}

// ConfigurePeriods switches the pool to a MONTHLY or WEEKLY schedule. A
// zero start begins the first period now.
func (e *Engine) ConfigurePeriods(ctx context.Context, caller common.Address, poolID uint64,
	strategy model.Strategy, amounts []uint256.Int, start uint64) error {
	if !strategy.Periodic() {
		return fmt.Errorf("%w: %q is not a periodic strategy", rewards.ErrInvalidSchedule, strategy)
	}
	return e.reconfigure(ctx, caller, poolID, model.Schedule{
		Strategy:    strategy,
		Periods:     slices.Clone(amounts),
		PeriodStart: start,
	})
}

func (e *Engine) reconfigure(ctx context.Context, caller common.Address, poolID uint64, s model.Schedule) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if err := rewards.Validate(s); err != nil {
		return err
	}
	return e.execute(ctx, "configure_strategy", poolID, func(o *op) error {
		if err := rewards.Reconfigure(o.pool, o.now, s); err != nil {
			return err
		}
		o.event(model.EventStrategy, caller)
		return nil
	})
}

// SetPolicy replaces the pool's participation rules. Existing positions
// keep their lock windows.
func (e *Engine) SetPolicy(ctx context.Context, caller common.Address, poolID uint64, policy model.Policy) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if err := e.validatePolicy(policy); err != nil {
		return err
	}
	return e.execute(ctx, "set_policy", poolID, func(o *op) error {
		o.pool.Policy = policy.Clone()
		o.event(model.EventPolicy, caller)
		return nil
	})
}

// SetActive pauses or resumes purchases and new stakes. Claims and
// unstakes are always allowed.
func (e *Engine) SetActive(ctx context.Context, caller common.Address, poolID uint64, active bool) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	return e.execute(ctx, "set_active", poolID, func(o *op) error {
		o.pool.Active = active
		o.event(model.EventPolicy, caller)
		return nil
	})
}

// SetLiquidityEarmark reserves part of the sale allocation for liquidity
// provisioning.
func (e *Engine) SetLiquidityEarmark(ctx context.Context, caller common.Address, poolID uint64, amount *uint256.Int) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	return e.execute(ctx, "set_earmark", poolID, func(o *op) error {
		p := o.pool
		if amount.Lt(&p.LiquidityOutstanding) {
			return fmt.Errorf("%w: earmark %s below outstanding %s", ErrLiquidityExceeded,
				amount.Dec(), p.LiquidityOutstanding.Dec())
		}
		reserved, overflow := new(uint256.Int).AddOverflow(&p.Sold, amount)
		if overflow || p.AllocatedForSale.Lt(reserved) {
			return fmt.Errorf("%w: earmark %s exceeds unsold allocation", ErrLiquidityExceeded, amount.Dec())
		}
		p.LiquidityEarmark = *amount
		ev := o.event(model.EventAllocation, caller)
		ev.Base = *amount
		return nil
	})
}

// AuthorizeCollaborator grants or revokes a liquidity collaborator.
func (e *Engine) AuthorizeCollaborator(ctx context.Context, caller common.Address, poolID uint64, collaborator common.Address, allowed bool) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	return e.execute(ctx, "authorize_collaborator", poolID, func(o *op) error {
		p := o.pool
		p.Collaborators = slices.DeleteFunc(p.Collaborators, func(a common.Address) bool { return a == collaborator })
		if allowed {
			p.Collaborators = append(p.Collaborators, collaborator)
		}
		o.event(model.EventPolicy, collaborator)
		return nil
	})
}

// Deposit credits account with amount of asset that arrived from outside
// the ledger, such as a bridge mint or an exchange withdrawal. It is the
// only way tokens enter the booked balances.
func (e *Engine) Deposit(ctx context.Context, caller, asset, account common.Address, amount *uint256.Int) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if err := e.store.Deposit(ctx, asset, account, amount); err != nil {
		return err
	}
	e.log.InfoContext(ctx, "deposit booked", "asset", asset.Hex(), "account", account.Hex(), "amount", amount.Dec())
	return nil
}
