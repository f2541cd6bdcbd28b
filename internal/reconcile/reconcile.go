// Package reconcile checks that every custody account holds at least what
// its pools have promised. It never mutates pool state.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/yield-engine/internal/alarm"
	"github.com/atmx/yield-engine/internal/apperr"
	"github.com/atmx/yield-engine/internal/metrics"
	"github.com/atmx/yield-engine/internal/model"
)

// ErrNegativeExpected is returned when a pool's outflows exceed its inflows.
var ErrNegativeExpected = apperr.New(apperr.Invariant, "reconcile: expected balance is negative")

// Expected returns the base-asset balance a pool's custody must hold:
//
//	allocatedForSale + allocatedForRewards + directDeposits
//	  - (rewardsPaid + liquidityOutstanding + unstakeVolume + penaltiesCollected)
func Expected(p *model.Pool) (*uint256.Int, error) {
	in := new(uint256.Int)
	for _, v := range []*uint256.Int{&p.AllocatedForSale, &p.AllocatedForRewards, &p.DirectDeposits} {
		if _, overflow := in.AddOverflow(in, v); overflow {
			return nil, fmt.Errorf("%w: inflow overflow", ErrNegativeExpected)
		}
	}
	out := new(uint256.Int)
	for _, v := range []*uint256.Int{&p.RewardsPaid, &p.LiquidityOutstanding,
		&p.Analytics.UnstakeVolume, &p.Analytics.PenaltiesCollected} {
		if _, overflow := out.AddOverflow(out, v); overflow {
			return nil, fmt.Errorf("%w: outflow overflow", ErrNegativeExpected)
		}
	}
	if in.Lt(out) {
		return nil, fmt.Errorf("%w: pool %d in %s < out %s", ErrNegativeExpected, p.ID, in.Dec(), out.Dec())
	}
	return in.Sub(in, out), nil
}

// PoolLister lists every pool.
type PoolLister interface {
	ListPools(ctx context.Context) ([]model.Pool, error)
}

// BalanceSource reports actual held balances.
type BalanceSource interface {
	BalanceOf(ctx context.Context, asset, account common.Address) (*uint256.Int, error)
}

// Account is one (custody, asset) pair shared by one or more pools.
type Account struct {
	Custody common.Address `json:"custody"`
	Asset   common.Address `json:"asset"`
}

// Line is the reconciliation of one account.
type Line struct {
	Account
	Pools     []uint64    `json:"pools"`
	Expected  uint256.Int `json:"expected"`
	Actual    uint256.Int `json:"actual"`
	Shortfall uint256.Int `json:"shortfall"`
	Surplus   uint256.Int `json:"surplus"`
}

// Short reports whether the account holds less than expected.
func (l *Line) Short() bool { return !l.Shortfall.IsZero() }

// Report is the outcome of one reconciliation run.
type Report struct {
	At    time.Time `json:"at"`
	Lines []Line    `json:"lines"`
}

// Healthy reports whether no account is short.
func (r *Report) Healthy() bool {
	for i := range r.Lines {
		if r.Lines[i].Short() {
			return false
		}
	}
	return true
}

// Checker compares expected and actual custody balances.
type Checker struct {
	pools    PoolLister
	balances BalanceSource
	alarms   alarm.Notifier
	log      *slog.Logger
	now      func() time.Time
}

// NewChecker creates a checker. alarms may be nil.
func NewChecker(pools PoolLister, balances BalanceSource, alarms alarm.Notifier, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	if alarms == nil {
		alarms = alarm.LogNotifier{Logger: logger}
	}
	return &Checker{pools: pools, balances: balances, alarms: alarms, log: logger, now: time.Now}
}

// Run reconciles every account. A shortfall raises an alarm; a surplus is
// benign. Pools whose own accounting is inconsistent also raise an alarm.
func (c *Checker) Run(ctx context.Context) (*Report, error) {
	pools, err := c.pools.ListPools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}

	lines := make(map[Account]*Line)
	for i := range pools {
		p := &pools[i]
		exp, err := Expected(p)
		if err != nil {
			c.raise(ctx, alarm.Alarm{Kind: alarm.KindInvariant, PoolID: p.ID, Message: err.Error()})
			continue
		}
		acct := Account{Custody: p.Custody, Asset: p.BaseAsset}
		l, ok := lines[acct]
		if !ok {
			l = &Line{Account: acct}
			lines[acct] = l
		}
		l.Pools = append(l.Pools, p.ID)
		if _, overflow := l.Expected.AddOverflow(&l.Expected, exp); overflow {
			return nil, fmt.Errorf("%w: account %s expected overflow", ErrNegativeExpected, acct.Custody.Hex())
		}
	}

	report := &Report{At: c.now()}
	for _, l := range lines {
		actual, err := c.balances.BalanceOf(ctx, l.Asset, l.Custody)
		if err != nil {
			return nil, fmt.Errorf("balance of %s: %w", l.Custody.Hex(), err)
		}
		l.Actual = *actual
		if l.Actual.Lt(&l.Expected) {
			l.Shortfall.Sub(&l.Expected, &l.Actual)
		} else {
			l.Surplus.Sub(&l.Actual, &l.Expected)
		}
		metrics.ReconciliationShortfall.WithLabelValues(l.Custody.Hex(), l.Asset.Hex()).Set(metrics.Amount(&l.Shortfall))

		if l.Short() {
			c.raise(ctx, alarm.Alarm{
				Kind:    alarm.KindShortfall,
				PoolID:  l.Pools[0],
				Message: "custody balance below promised claims",
				Fields: map[string]string{
					"custody":   l.Custody.Hex(),
					"asset":     l.Asset.Hex(),
					"expected":  l.Expected.Dec(),
					"actual":    l.Actual.Dec(),
					"shortfall": l.Shortfall.Dec(),
					"pools":     fmt.Sprint(l.Pools),
				},
			})
		}
		report.Lines = append(report.Lines, *l)
	}
	sort.Slice(report.Lines, func(i, j int) bool {
		return report.Lines[i].Pools[0] < report.Lines[j].Pools[0]
	})

	c.log.InfoContext(ctx, "reconciliation complete", "accounts", len(report.Lines), "healthy", report.Healthy())
	return report, nil
}

func (c *Checker) raise(ctx context.Context, a alarm.Alarm) {
	a.At = c.now()
	metrics.Alarms.WithLabelValues(a.Kind).Inc()
	if err := c.alarms.Notify(ctx, a); err != nil {
		c.log.ErrorContext(ctx, "alarm delivery failed", "kind", a.Kind, "err", err)
	}
}
