package amm

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// u is a test helper for creating 256-bit amounts.
func u(v uint64) *uint256.Int {
	return uint256.NewInt(v)
}

var (
	base  = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	quote = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	pair  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

// --- AmountOut ---

func TestAmountOut_KnownValue(t *testing.T) {
	// 1000*997*10000 / (10000*1000 + 1000*997) = 9970000000 / 10997000 = 906.61...
	out, err := AmountOut(u(1000), u(10000), u(10000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Uint64() != 906 {
		t.Errorf("expected 906, got %s", out.Dec())
	}
}

func TestAmountOut_ZeroInput(t *testing.T) {
	if _, err := AmountOut(u(0), u(10), u(10)); !errors.Is(err, ErrInsufficientInput) {
		t.Errorf("expected ErrInsufficientInput, got %v", err)
	}
}

func TestAmountOut_EmptyReserves(t *testing.T) {
	if _, err := AmountOut(u(5), u(0), u(10)); !errors.Is(err, ErrInvalidReserves) {
		t.Errorf("expected ErrInvalidReserves, got %v", err)
	}
}

func TestAmountOut_NeverDrainsReserve(t *testing.T) {
	out, err := AmountOut(u(1_000_000_000), u(100), u(100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Lt(u(100)) {
		t.Errorf("output %s must stay below reserve", out.Dec())
	}
}

// --- AmountIn ---

func TestAmountIn_KnownValue(t *testing.T) {
	// 10000*906*1000 / ((10000-906)*997) = 9060000000 / 9066718 = 999.25... → 999 + 1
	in, err := AmountIn(u(906), u(10000), u(10000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if in.Uint64() != 1000 {
		t.Errorf("expected 1000, got %s", in.Dec())
	}
}

func TestAmountIn_InsufficientLiquidity(t *testing.T) {
	for _, out := range []uint64{10000, 10001} {
		if _, err := AmountIn(u(out), u(10000), u(10000)); !errors.Is(err, ErrInsufficientLiquidity) {
			t.Errorf("out=%d: expected ErrInsufficientLiquidity, got %v", out, err)
		}
	}
}

func TestAmountIn_CoversForwardEstimate(t *testing.T) {
	// The inverse must never ask for less than what produces the output.
	tests := []struct{ in, rIn, rOut uint64 }{
		{1000, 10000, 10000},
		{1, 5000, 7},
		{123456, 9_000_000, 4_000_000},
		{77, 1_000_000_000, 3},
	}
	for _, tt := range tests {
		out, err := AmountOut(u(tt.in), u(tt.rIn), u(tt.rOut))
		if err != nil {
			t.Fatalf("AmountOut(%d): %v", tt.in, err)
		}
		if out.IsZero() {
			continue
		}
		back, err := AmountIn(out, u(tt.rIn), u(tt.rOut))
		if err != nil {
			t.Fatalf("AmountIn(%s): %v", out.Dec(), err)
		}
		again, err := AmountOut(back, u(tt.rIn), u(tt.rOut))
		if err != nil {
			t.Fatalf("AmountOut(%s): %v", back.Dec(), err)
		}
		if again.Lt(out) {
			t.Errorf("in=%d: inverse %s yields %s < %s", tt.in, back.Dec(), again.Dec(), out.Dec())
		}
	}
}

func TestAmountIn_LargeValuesNoOverflow(t *testing.T) {
	reserve, _ := uint256.FromDecimal("1000000000000000000000000000000") // 1e30
	out, _ := uint256.FromDecimal("1000000000000000000000")               // 1e21
	if _, err := AmountIn(out, reserve, reserve); err != nil {
		t.Fatalf("unexpected error for 1e30 reserves: %v", err)
	}
}

// --- OrderedReserves ---

func TestOrderedReserves_BothOrderings(t *testing.T) {
	src := NewStaticSource()
	ctx := context.Background()

	src.Set(pair, base, quote, u(100), u(200))
	r, err := OrderedReserves(ctx, src, pair, base, quote)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Base.Uint64() != 100 || r.Quote.Uint64() != 200 {
		t.Errorf("base-first pair: got base=%s quote=%s", r.Base.Dec(), r.Quote.Dec())
	}

	src.Set(pair, quote, base, u(200), u(100))
	r, err = OrderedReserves(ctx, src, pair, base, quote)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Base.Uint64() != 100 || r.Quote.Uint64() != 200 {
		t.Errorf("quote-first pair: got base=%s quote=%s", r.Base.Dec(), r.Quote.Dec())
	}
}

func TestOrderedReserves_Mismatch(t *testing.T) {
	src := NewStaticSource()
	other := common.HexToAddress("0x00000000000000000000000000000000000000d1")
	src.Set(pair, base, other, u(1), u(1))

	_, err := OrderedReserves(context.Background(), src, pair, base, quote)
	if !errors.Is(err, ErrPairMismatch) {
		t.Errorf("expected ErrPairMismatch, got %v", err)
	}
}

func TestOrderedReserves_UnknownPair(t *testing.T) {
	_, err := OrderedReserves(context.Background(), NewStaticSource(), pair, base, quote)
	if err == nil {
		t.Error("expected error for unknown pair")
	}
}

// --- SpotPrice ---

func TestSpotPrice_AdjustsDecimals(t *testing.T) {
	// 1000 base (18 decimals) against 2500 quote (6 decimals) → 2.5 quote per base.
	baseReserve, _ := uint256.FromDecimal("1000000000000000000000")
	r := Reserves{Base: *baseReserve, Quote: *u(2_500_000_000)}

	price := SpotPrice(r, 18, 6)
	if !price.Equal(decimal.NewFromFloat(2.5)) {
		t.Errorf("expected 2.5, got %s", price)
	}
}

func TestSpotPrice_EmptyPair(t *testing.T) {
	if p := SpotPrice(Reserves{}, 18, 18); !p.IsZero() {
		t.Errorf("expected zero price for empty pair, got %s", p)
	}
}
