// Package staking runs the pool operations: purchase-and-stake, direct
// stake, claim, unstake, the administrative plumbing and the liquidity
// callbacks.
//
// Every mutating operation follows the same sequence under the pool's
// execution token: load, settle the accumulator, apply the effect to copies,
// check invariants, then commit the pool, positions, events and every token
// transfer in one store mutation. Collaborator calls run after the commit.
// When a required one fails the engine commits the inverse mutation, so the
// operation is either fully applied or not at all.
package staking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/yield-engine/internal/alarm"
	"github.com/atmx/yield-engine/internal/amm"
	"github.com/atmx/yield-engine/internal/apperr"
	"github.com/atmx/yield-engine/internal/custody"
	"github.com/atmx/yield-engine/internal/metrics"
	"github.com/atmx/yield-engine/internal/model"
	"github.com/atmx/yield-engine/internal/referral"
	"github.com/atmx/yield-engine/internal/rewards"
	"github.com/atmx/yield-engine/internal/store"
	"github.com/atmx/yield-engine/internal/vesting"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// EventSink receives committed events, e.g. for WebSocket broadcast.
type EventSink interface {
	Publish(events []model.Event)
}

// Deps are the engine's collaborators. Store, Prices and Admin are
// required. Token balances live in the store.
type Deps struct {
	Store    store.Store
	Prices   amm.ReserveSource
	Vesting  vesting.Vesting
	Referral referral.Referral
	Alarms   alarm.Notifier
	Events   EventSink
	Clock    Clock
	Logger   *slog.Logger
	// Admin is the only caller allowed to run administrative operations.
	Admin common.Address
}

// Engine executes pool operations.
type Engine struct {
	store    store.Store
	prices   amm.ReserveSource
	vesting  vesting.Vesting
	referral referral.Referral
	alarms   alarm.Notifier
	events   EventSink
	clock    Clock
	log      *slog.Logger
	admin    common.Address
	guard    *Guard
}

// New creates an engine.
func New(d Deps) (*Engine, error) {
	if d.Store == nil || d.Prices == nil {
		return nil, errors.New("staking: store and price source are required")
	}
	if d.Admin == (common.Address{}) {
		return nil, errors.New("staking: admin address is required")
	}
	e := &Engine{
		store:    d.Store,
		prices:   d.Prices,
		vesting:  d.Vesting,
		referral: d.Referral,
		alarms:   d.Alarms,
		events:   d.Events,
		clock:    d.Clock,
		log:      d.Logger,
		admin:    d.Admin,
		guard:    NewGuard(),
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.referral == nil {
		e.referral = referral.Noop{}
	}
	if e.alarms == nil {
		e.alarms = alarm.LogNotifier{Logger: e.log}
	}
	if e.clock == nil {
		e.clock = SystemClock{}
	}
	return e, nil
}

// --- Operation scaffold ---

// step is a collaborator call made after commit. A failing required step
// rolls the operation back. Required steps cannot themselves be undone, so
// an operation registers at most one.
type step struct {
	name string
	run  func(ctx context.Context) error
	// bestEffort steps only log on failure.
	bestEffort bool
}

// op is the working state of one operation. All mutations go to pool and
// positions, which are private copies until commit.
type op struct {
	e      *Engine
	ctx    context.Context
	name   string
	at     time.Time
	now    uint64
	pool   *model.Pool
	create bool

	// before and prior are the stored state the operation started from.
	// prior holds nil for owners that had no position.
	before    *model.Pool
	prior     map[common.Address]*model.Position
	positions map[common.Address]*model.Position
	touched   []common.Address
	events    []model.Event
	transfers []custody.Transfer
	after     []step
}

func (e *Engine) execute(ctx context.Context, name string, poolID uint64, fn func(*op) error) error {
	return e.run(ctx, name, poolID, func(ctx context.Context) (*model.Pool, bool, error) {
		p, err := e.store.GetPool(ctx, poolID)
		return p, false, err
	}, fn)
}

func (e *Engine) run(ctx context.Context, name string, poolID uint64,
	load func(context.Context) (*model.Pool, bool, error), fn func(*op) error) (err error) {
	started := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = apperr.KindOf(err).String()
		}
		metrics.Observe(name, result, started)
	}()

	ctx, release, err := e.guard.Acquire(ctx, poolID)
	if err != nil {
		return err
	}
	defer release()

	pool, create, err := load(ctx)
	if err != nil {
		return err
	}
	at := e.clock.Now()
	o := &op{
		e:         e,
		ctx:       ctx,
		name:      name,
		at:        at,
		now:       uint64(at.Unix()),
		pool:      pool,
		create:    create,
		prior:     make(map[common.Address]*model.Position),
		positions: make(map[common.Address]*model.Position),
	}
	if !create {
		o.before = pool.Clone()
	}

	if _, err := rewards.Settle(o.pool, o.now); err != nil {
		return e.abort(o, err)
	}
	if err := fn(o); err != nil {
		return e.abort(o, err)
	}
	return e.commit(o)
}

func (e *Engine) abort(o *op, err error) error {
	if apperr.KindOf(err) == apperr.Invariant {
		e.raise(o.ctx, alarm.KindInvariant, o.pool.ID, fmt.Sprintf("%s aborted: %v", o.name, err))
	}
	e.log.DebugContext(o.ctx, "operation rejected", "op", o.name, "pool", o.pool.ID, "err", err)
	return err
}

func (e *Engine) commit(o *op) error {
	if err := CheckInvariants(o.pool); err != nil {
		return e.abort(o, err)
	}

	m := store.Mutation{Pool: o.pool, Create: o.create, Events: o.events, Transfers: o.transfers}
	for _, owner := range o.touched {
		m.Positions = append(m.Positions, o.positions[owner])
	}
	if err := e.store.Commit(o.ctx, m); err != nil {
		return e.abort(o, fmt.Errorf("commit %s: %w", o.name, err))
	}

	for _, s := range o.after {
		if s.bestEffort {
			continue
		}
		if err := s.run(o.ctx); err != nil {
			return e.rollback(o, s.name, err)
		}
	}
	for _, s := range o.after {
		if !s.bestEffort {
			continue
		}
		if err := s.run(o.ctx); err != nil {
			e.log.WarnContext(o.ctx, "collaborator notification failed", "op", o.name, "step", s.name, "pool", o.pool.ID, "err", err)
		}
	}

	if e.events != nil && len(o.events) > 0 {
		e.events.Publish(o.events)
	}
	label := metrics.PoolLabel(o.pool.ID)
	metrics.TotalStaked.WithLabelValues(label).Set(metrics.Amount(&o.pool.TotalStaked))
	metrics.AccRewardPerShare.WithLabelValues(label).Set(metrics.Amount(&o.pool.AccRewardPerShare))
	e.log.InfoContext(o.ctx, "operation committed", "op", o.name, "pool", o.pool.ID,
		"total_staked", o.pool.TotalStaked.Dec(), "acc", o.pool.AccRewardPerShare.Dec())
	return nil
}

// rollback commits the inverse of o after the required step named failed
// with cause: the pool and positions go back to their loaded state, the
// operation's events are retracted and every transfer is reversed.
func (e *Engine) rollback(o *op, failed string, cause error) error {
	e.raise(o.ctx, alarm.KindTransferFailed, o.pool.ID, fmt.Sprintf("%s: %s: %v", o.name, failed, cause))

	m := store.Mutation{Pool: o.before, Transfers: custody.Reverse(o.transfers)}
	for _, owner := range o.touched {
		if prev := o.prior[owner]; prev != nil {
			m.Positions = append(m.Positions, prev)
		} else {
			m.RemovedPositions = append(m.RemovedPositions, owner)
		}
	}
	for _, ev := range o.events {
		m.RetractedEvents = append(m.RetractedEvents, ev.ID)
	}

	if o.before == nil {
		return fmt.Errorf("%w: %s: %s: %w", ErrDeliveryFailed, o.name, failed, cause)
	}
	// The caller's context may be what failed the step.
	ctx := context.WithoutCancel(o.ctx)
	if err := e.store.Commit(ctx, m); err != nil {
		e.raise(ctx, alarm.KindTransferFailed, o.pool.ID, fmt.Sprintf("%s: rollback failed: %v", o.name, err))
		return fmt.Errorf("%w: %s: %s: %w", ErrDeliveryFailed, o.name, failed, errors.Join(cause, err))
	}
	e.log.WarnContext(ctx, "operation rolled back", "op", o.name, "step", failed, "pool", o.pool.ID, "err", cause)
	return fmt.Errorf("%w: %s: %w", ErrCollaboratorFailed, failed, cause)
}

func (e *Engine) raise(ctx context.Context, kind string, poolID uint64, msg string) {
	metrics.Alarms.WithLabelValues(kind).Inc()
	a := alarm.Alarm{Kind: kind, PoolID: poolID, Message: msg, At: e.clock.Now()}
	if err := e.alarms.Notify(ctx, a); err != nil {
		e.log.ErrorContext(ctx, "alarm delivery failed", "kind", kind, "pool", poolID, "err", err)
	}
}

// --- op helpers ---

// position returns the working copy of owner's position, creating an empty
// one if owner never staked.
func (o *op) position(owner common.Address) (*model.Position, error) {
	if p, ok := o.positions[owner]; ok {
		return p, nil
	}
	p, err := o.e.store.GetPosition(o.ctx, o.pool.ID, owner)
	if errors.Is(err, store.ErrNotFound) {
		p = &model.Position{PoolID: o.pool.ID, Owner: owner}
		o.prior[owner] = nil
	} else if err != nil {
		return nil, err
	} else {
		prev := *p
		o.prior[owner] = &prev
	}
	o.positions[owner] = p
	o.touched = append(o.touched, owner)
	return p, nil
}

// openPosition is position but fails with ErrNoPosition when nothing is staked.
func (o *op) openPosition(owner common.Address) (*model.Position, error) {
	p, err := o.position(owner)
	if err != nil {
		return nil, err
	}
	if !p.Open() {
		return nil, fmt.Errorf("%w: %s in pool %d", ErrNoPosition, owner.Hex(), o.pool.ID)
	}
	return p, nil
}

// pull books an inbound transfer into the commit.
func (o *op) pull(asset, from, to common.Address, amount *uint256.Int, reason string) {
	o.book(asset, from, to, amount, reason)
}

// push books an outbound transfer into the commit.
func (o *op) push(asset, from, to common.Address, amount *uint256.Int, reason string) {
	o.book(asset, from, to, amount, reason)
}

func (o *op) book(asset, from, to common.Address, amount *uint256.Int, reason string) {
	if amount.IsZero() {
		return
	}
	o.transfers = append(o.transfers, custody.Transfer{Asset: asset, From: from, To: to, Amount: *amount, Reason: reason})
}

func (o *op) later(name string, bestEffort bool, run func(ctx context.Context) error) {
	o.after = append(o.after, step{name: name, run: run, bestEffort: bestEffort})
}

func (o *op) event(kind model.EventKind, participant common.Address) *model.Event {
	o.events = append(o.events, model.Event{
		ID:          uuid.New().String(),
		PoolID:      o.pool.ID,
		Kind:        kind,
		Participant: participant,
		Timestamp:   o.at,
	})
	return &o.events[len(o.events)-1]
}

// deliverReward books amount to owner, or to the vesting collaborator's
// custody when the pool vests by default. The schedule is created after
// commit and its ID written to scheduleID.
func (o *op) deliverReward(owner common.Address, amount *uint256.Int, scheduleID *string) {
	if amount.IsZero() {
		return
	}
	reward := *amount
	pool := o.pool

	if pool.Policy.VestByDefault && o.e.vesting != nil {
		v := o.e.vesting
		start := o.now
		o.push(pool.BaseAsset, pool.Custody, v.Custody(), &reward, "vest reward")
		o.later("create vesting schedule", false, func(ctx context.Context) error {
			id, err := v.CreateSchedule(ctx, owner, &reward, start, pool.Policy.VestingDuration)
			if err != nil {
				return err
			}
			*scheduleID = id
			return nil
		})
	} else {
		o.push(pool.BaseAsset, pool.Custody, owner, &reward, "pay reward")
	}

	o.later("rewards metric", true, func(context.Context) error {
		metrics.RewardsPaid.WithLabelValues(metrics.PoolLabel(pool.ID)).Add(metrics.Amount(&reward))
		return nil
	})
	o.later("referral reward notice", true, func(ctx context.Context) error {
		return o.e.referral.OnRewardClaim(ctx, referral.RewardClaim{Claimant: owner, PoolID: pool.ID, Reward: reward})
	})
}

// --- Authorization ---

func (e *Engine) requireAdmin(caller common.Address) error {
	if caller != e.admin {
		return fmt.Errorf("%w: %s is not the administrator", ErrUnauthorized, caller.Hex())
	}
	return nil
}

// --- Read-only views ---

// Pool returns the stored pool.
func (e *Engine) Pool(ctx context.Context, poolID uint64) (*model.Pool, error) {
	return e.store.GetPool(ctx, poolID)
}

// SettledPool returns a copy of the pool with its accumulator brought
// current. Nothing is persisted.
func (e *Engine) SettledPool(ctx context.Context, poolID uint64) (*model.Pool, error) {
	p, err := e.store.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if _, err := rewards.Settle(p, uint64(e.clock.Now().Unix())); err != nil {
		return nil, err
	}
	return p, nil
}

// SpotPrice returns the pool's current quote-per-base price at its
// display decimals.
func (e *Engine) SpotPrice(ctx context.Context, poolID uint64) (decimal.Decimal, error) {
	p, err := e.store.GetPool(ctx, poolID)
	if err != nil {
		return decimal.Zero, err
	}
	r, err := amm.OrderedReserves(ctx, e.prices, p.Pair, p.BaseAsset, p.QuoteAsset)
	if err != nil {
		return decimal.Zero, err
	}
	return amm.SpotPrice(r, p.BaseDecimals, p.QuoteDecimals), nil
}

// Pools lists every pool.
func (e *Engine) Pools(ctx context.Context) ([]model.Pool, error) {
	return e.store.ListPools(ctx)
}

// Position returns a participant's stored position.
func (e *Engine) Position(ctx context.Context, poolID uint64, owner common.Address) (*model.Position, error) {
	p, err := e.store.GetPosition(ctx, poolID, owner)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s in pool %d", ErrNoPosition, owner.Hex(), poolID)
	}
	return p, err
}

// Events returns a pool's most recent events.
func (e *Engine) Events(ctx context.Context, poolID uint64, limit int) ([]model.Event, error) {
	if _, err := e.store.GetPool(ctx, poolID); err != nil {
		return nil, err
	}
	return e.store.ListEvents(ctx, poolID, limit)
}

// Balance returns the booked balance of account in asset.
func (e *Engine) Balance(ctx context.Context, asset, account common.Address) (*uint256.Int, error) {
	return e.store.BalanceOf(ctx, asset, account)
}
