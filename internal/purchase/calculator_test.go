package purchase

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"

	"github.com/atmx/yield-engine/internal/amm"
)

func u(v uint64) *uint256.Int {
	return uint256.NewInt(v)
}

func reserves(base, quote uint64) amm.Reserves {
	return amm.Reserves{Base: *u(base), Quote: *u(quote)}
}

func newCalc(t *testing.T, lot, min uint64) *Calculator {
	t.Helper()
	c, err := NewCalculator(u(lot), u(min))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return c
}

func TestNewCalculator_ZeroLot(t *testing.T) {
	if _, err := NewCalculator(u(0), u(0)); !errors.Is(err, ErrInvalidLot) {
		t.Errorf("expected ErrInvalidLot, got %v", err)
	}
}

func TestQuantize(t *testing.T) {
	c := newCalc(t, 100, 100)
	cases := map[uint64]uint64{0: 0, 99: 0, 100: 100, 9871: 9800, 10000: 10000}
	for in, want := range cases {
		if got := c.Quantize(u(in)); got.Uint64() != want {
			t.Errorf("Quantize(%d) = %s, want %d", in, got.Dec(), want)
		}
	}
}

// --- Budget mode ---

func TestBudget_KnownValue(t *testing.T) {
	c := newCalc(t, 100, 100)
	// raw out 9871 floors to 9800; exact inverse for 9800 is 9926 + 1.
	q, err := c.Budget(u(10000), reserves(1_000_000, 1_000_000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.Base.Uint64() != 9800 {
		t.Errorf("expected base 9800, got %s", q.Base.Dec())
	}
	if q.Cost.Uint64() != 9927 {
		t.Errorf("expected cost 9927, got %s", q.Cost.Dec())
	}
	if q.Refund.Uint64() != 73 {
		t.Errorf("expected refund 73, got %s", q.Refund.Dec())
	}
}

func TestBudget_NeverExceedsBudgetAndIsLotMultiple(t *testing.T) {
	c := newCalc(t, 1000, 1000)
	r := reserves(50_000_000, 20_000_000)
	for _, b := range []uint64{5_000, 12_345, 99_999, 1_000_000, 3_333_333} {
		q, err := c.Budget(u(b), r)
		if err != nil {
			t.Fatalf("budget %d: unexpected error: %v", b, err)
		}
		if q.Cost.Gt(u(b)) {
			t.Errorf("budget %d: cost %s exceeds budget", b, q.Cost.Dec())
		}
		if q.Base.Uint64()%1000 != 0 {
			t.Errorf("budget %d: base %s not a lot multiple", b, q.Base.Dec())
		}
		sum := new(uint256.Int).Add(&q.Cost, &q.Refund)
		if sum.Uint64() != b {
			t.Errorf("budget %d: cost+refund = %s", b, sum.Dec())
		}
	}
}

func TestBudget_BelowMinimum(t *testing.T) {
	c := newCalc(t, 100, 10_000)
	_, err := c.Budget(u(10000), reserves(1_000_000, 1_000_000))
	if !errors.Is(err, ErrMinimumNotMet) {
		t.Errorf("expected ErrMinimumNotMet, got %v", err)
	}
}

func TestBudget_DustFloorsToZero(t *testing.T) {
	c := newCalc(t, 100, 0)
	_, err := c.Budget(u(50), reserves(1_000_000, 1_000_000))
	if !errors.Is(err, ErrMinimumNotMet) {
		t.Errorf("expected ErrMinimumNotMet, got %v", err)
	}
}

func TestBudget_Zero(t *testing.T) {
	c := newCalc(t, 100, 100)
	if _, err := c.Budget(u(0), reserves(10, 10)); !errors.Is(err, ErrZeroAmount) {
		t.Errorf("expected ErrZeroAmount, got %v", err)
	}
}

// --- Exact mode ---

func TestExact_WithinCeiling(t *testing.T) {
	c := newCalc(t, 100, 100)
	q, err := c.Exact(u(9800), u(9927), reserves(1_000_000, 1_000_000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.Cost.Uint64() != 9927 || !q.Refund.IsZero() {
		t.Errorf("unexpected quote: cost=%s refund=%s", q.Cost.Dec(), q.Refund.Dec())
	}
}

func TestExact_SlippageExceeded(t *testing.T) {
	c := newCalc(t, 100, 100)
	_, err := c.Exact(u(9800), u(9926), reserves(1_000_000, 1_000_000))
	if !errors.Is(err, ErrSlippageExceeded) {
		t.Errorf("expected ErrSlippageExceeded, got %v", err)
	}
}

func TestExact_NotLotMultiple(t *testing.T) {
	c := newCalc(t, 100, 100)
	_, err := c.Exact(u(9850), u(1_000_000), reserves(1_000_000, 1_000_000))
	if !errors.Is(err, ErrNotLotMultiple) {
		t.Errorf("expected ErrNotLotMultiple, got %v", err)
	}
}

func TestExact_BelowMinimum(t *testing.T) {
	c := newCalc(t, 100, 500)
	_, err := c.Exact(u(400), u(1_000_000), reserves(1_000_000, 1_000_000))
	if !errors.Is(err, ErrMinimumNotMet) {
		t.Errorf("expected ErrMinimumNotMet, got %v", err)
	}
}

func TestExact_InsufficientLiquidity(t *testing.T) {
	c := newCalc(t, 100, 100)
	_, err := c.Exact(u(1_000_000), u(1<<60), reserves(1_000_000, 1_000_000))
	if !errors.Is(err, amm.ErrInsufficientLiquidity) {
		t.Errorf("expected ErrInsufficientLiquidity, got %v", err)
	}
}
