// Package custody books token balances. Transfers are applied in batches
// so that a store can move balances in the same commit as the ledger
// state that promised them.
package custody

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/yield-engine/internal/apperr"
)

var (
	// ErrInsufficientBalance is returned when the source account cannot
	// cover a transfer.
	ErrInsufficientBalance = apperr.New(apperr.Validation, "custody: insufficient balance")

	// ErrZeroAddress is returned for a transfer to or from the zero address.
	ErrZeroAddress = apperr.New(apperr.Validation, "custody: zero address")

	// ErrZeroAmount is returned for an empty deposit.
	ErrZeroAmount = apperr.New(apperr.Validation, "custody: amount must be positive")
)

// Transfer moves Amount of Asset between two accounts.
type Transfer struct {
	Asset  common.Address `json:"asset"`
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Amount uint256.Int    `json:"amount"`
	Reason string         `json:"reason"`
}

// Reversed returns t with source and destination swapped.
func (t Transfer) Reversed() Transfer {
	t.From, t.To = t.To, t.From
	t.Reason = "reverse " + t.Reason
	return t
}

// Check rejects transfers no ledger can apply.
func (t *Transfer) Check() error {
	if t.From == (common.Address{}) || t.To == (common.Address{}) {
		return fmt.Errorf("%w: %s", ErrZeroAddress, t.Reason)
	}
	return nil
}

// Reverse returns the transfers that undo ts, in reverse order.
func Reverse(ts []Transfer) []Transfer {
	out := make([]Transfer, 0, len(ts))
	for i := len(ts) - 1; i >= 0; i-- {
		out = append(out, ts[i].Reversed())
	}
	return out
}

// Ledger holds balances the engine can pull from and push to.
type Ledger interface {
	BalanceOf(ctx context.Context, asset, account common.Address) (*uint256.Int, error)
	// Deposit credits tokens that arrived from outside the ledger.
	Deposit(ctx context.Context, asset, account common.Address, amount *uint256.Int) error
}

type key struct {
	asset   common.Address
	account common.Address
}

// MemoryBank is an in-memory balance book.
type MemoryBank struct {
	mu       sync.Mutex
	balances map[key]uint256.Int
}

// NewMemoryBank creates an empty bank.
func NewMemoryBank() *MemoryBank {
	return &MemoryBank{balances: make(map[key]uint256.Int)}
}

// Mint credits account with amount of asset.
func (b *MemoryBank) Mint(asset, account common.Address, amount *uint256.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := key{asset, account}
	bal := b.balances[k]
	bal.Add(&bal, amount)
	b.balances[k] = bal
}

// Deposit implements Ledger.
func (b *MemoryBank) Deposit(_ context.Context, asset, account common.Address, amount *uint256.Int) error {
	if account == (common.Address{}) {
		return ErrZeroAddress
	}
	if amount.IsZero() {
		return ErrZeroAmount
	}
	b.Mint(asset, account, amount)
	return nil
}

// Transfer moves amount of asset from one account to another.
func (b *MemoryBank) Transfer(_ context.Context, asset, from, to common.Address, amount *uint256.Int) error {
	return b.Apply([]Transfer{{Asset: asset, From: from, To: to, Amount: *amount}})
}

// Apply applies ts in order. Either every transfer is applied or none is.
func (b *MemoryBank) Apply(ts []Transfer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	staged := make(map[key]uint256.Int)
	get := func(k key) uint256.Int {
		if v, ok := staged[k]; ok {
			return v
		}
		return b.balances[k]
	}
	for i := range ts {
		t := &ts[i]
		if err := t.Check(); err != nil {
			return err
		}
		if t.Amount.IsZero() {
			continue
		}
		from, to := key{t.Asset, t.From}, key{t.Asset, t.To}
		src := get(from)
		if src.Lt(&t.Amount) {
			return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, t.From.Hex(), src.Dec(), t.Amount.Dec())
		}
		src.Sub(&src, &t.Amount)
		staged[from] = src
		dst := get(to)
		dst.Add(&dst, &t.Amount)
		staged[to] = dst
	}
	for k, v := range staged {
		b.balances[k] = v
	}
	return nil
}

// BalanceOf returns the balance of asset held by account.
func (b *MemoryBank) BalanceOf(_ context.Context, asset, account common.Address) (*uint256.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bal := b.balances[key{asset, account}]
	return new(uint256.Int).Set(&bal), nil
}
