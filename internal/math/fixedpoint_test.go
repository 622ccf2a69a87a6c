package math_test

import (
	"errors"
	"math/big"
	"testing"

	fp "PerpVault/internal/math"

	"github.com/holiman/uint256"
)

// ============================================================================
// Test: checked arithmetic
// ============================================================================

func TestAdd_Overflow(t *testing.T) {
	top := new(uint256.Int).SetAllOne()
	if _, err := fp.Add(top, fp.U(1)); !errors.Is(err, fp.ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestSub_Underflow(t *testing.T) {
	if _, err := fp.Sub(fp.U(1), fp.U(2)); !errors.Is(err, fp.ErrUnderflow) {
		t.Fatalf("expected ErrUnderflow, got %v", err)
	}
	z, err := fp.Sub(fp.U(5), fp.U(2))
	if err != nil || z.Uint64() != 3 {
		t.Errorf("got %v (err %v), want 3", z, err)
	}
}

func TestMul_Overflow(t *testing.T) {
	huge := fp.Pow10(40)
	if _, err := fp.Mul(huge, huge); !errors.Is(err, fp.ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestDiv_ByZero(t *testing.T) {
	if _, err := fp.Div(fp.U(1), fp.Zero()); !errors.Is(err, fp.ErrDivByZero) {
		t.Fatalf("expected ErrDivByZero, got %v", err)
	}
}

func TestMulDiv_Truncates(t *testing.T) {
	z, err := fp.MulDiv(fp.U(10), fp.U(10), fp.U(3))
	if err != nil {
		t.Fatal(err)
	}
	if z.Uint64() != 33 {
		t.Errorf("got %d, want 33", z.Uint64())
	}
}

func TestPricePrecision(t *testing.T) {
	want, _ := uint256.FromDecimal("1000000000000000000000000000000")
	if !fp.PricePrecision.Eq(want) {
		t.Errorf("got %s, want %s", fp.PricePrecision.Dec(), want.Dec())
	}
}

// ============================================================================
// Test: decimal adjustment
// ============================================================================

func TestAdjustForDecimals_TokenToUSDG(t *testing.T) {
	// 1,000,000 units of a 6-decimal token become 10^18 USDG units.
	z, err := fp.AdjustForDecimals(fp.U(1_000_000), 6, fp.USDGDecimals)
	if err != nil {
		t.Fatal(err)
	}
	if !z.Eq(fp.Pow10(18)) {
		t.Errorf("got %s, want 1e18", z.Dec())
	}
}

func TestAdjustForDecimals_Downscale(t *testing.T) {
	z, err := fp.AdjustForDecimals(fp.Pow10(18), fp.USDGDecimals, 8)
	if err != nil {
		t.Fatal(err)
	}
	if z.Uint64() != 100_000_000 {
		t.Errorf("got %s, want 1e8", z.Dec())
	}
}

func TestAdjustForDecimals_OutOfRange(t *testing.T) {
	if _, err := fp.AdjustForDecimals(fp.U(1), 6, 80); err == nil {
		t.Fatal("expected error for 80 decimals")
	}
}

// ============================================================================
// Test: signed accumulator
// ============================================================================

func TestAddSigned(t *testing.T) {
	acc, err := fp.AddSigned(nil, fp.U(100), false)
	if err != nil {
		t.Fatal(err)
	}
	acc, err = fp.AddSigned(acc, fp.U(250), true)
	if err != nil {
		t.Fatal(err)
	}
	if acc.Cmp(big.NewInt(-150)) != 0 {
		t.Errorf("got %s, want -150", acc)
	}
}

func TestAddSigned_OutOfRange(t *testing.T) {
	limit := new(uint256.Int).Rsh(new(uint256.Int).SetAllOne(), 1) // 2^255-1
	acc, err := fp.AddSigned(nil, limit, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fp.AddSigned(acc, fp.U(1), false); !errors.Is(err, fp.ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
}

// ============================================================================
// Test: decimal strings
// ============================================================================

func TestFromDecimalString(t *testing.T) {
	z, err := fp.FromDecimalString("2.5", fp.PriceDecimals)
	if err != nil {
		t.Fatal(err)
	}
	want, _ := fp.MulDiv(fp.U(25), fp.PricePrecision, fp.U(10))
	if !z.Eq(want) {
		t.Errorf("got %s, want %s", z.Dec(), want.Dec())
	}
	if got := fp.ToDecimal(z, fp.PriceDecimals).String(); got != "2.5" {
		t.Errorf("got %q, want %q", got, "2.5")
	}
}

func TestFromDecimalString_Negative(t *testing.T) {
	if _, err := fp.FromDecimalString("-1", 6); err == nil {
		t.Fatal("expected error for negative input")
	}
}

// ============================================================================
// Test: funding helpers
// ============================================================================

func TestFundingBoundary(t *testing.T) {
	if got := fp.FundingBoundary(3*3600+17, 3600); got != 3*3600 {
		t.Errorf("got %d, want %d", got, 3*3600)
	}
}

func TestElapsedIntervals(t *testing.T) {
	if got := fp.ElapsedIntervals(7199, 3600, 3600); got != 0 {
		t.Errorf("open interval: got %d, want 0", got)
	}
	if got := fp.ElapsedIntervals(3600*4, 3600, 3600); got != 3 {
		t.Errorf("got %d, want 3", got)
	}
}

func TestNextFundingRate(t *testing.T) {
	// factor 100, 50% utilisation, 3 intervals -> 150
	r, err := fp.NextFundingRate(100, fp.U(500), fp.U(1000), 3)
	if err != nil {
		t.Fatal(err)
	}
	if r.Uint64() != 150 {
		t.Errorf("got %d, want 150", r.Uint64())
	}
	r, _ = fp.NextFundingRate(100, fp.U(500), fp.Zero(), 3)
	if !r.IsZero() {
		t.Errorf("empty pool should accrue nothing, got %d", r.Uint64())
	}
}

func TestFundingFee(t *testing.T) {
	size := fp.Pow10(33) // 1000 USD
	fee, err := fp.FundingFee(size, fp.U(1500), fp.U(500))
	if err != nil {
		t.Fatal(err)
	}
	// 1000 USD * 1000 / 1e6 = 1 USD
	if !fee.Eq(fp.Pow10(30)) {
		t.Errorf("got %s, want 1e30", fee.Dec())
	}
	if _, err := fp.FundingFee(size, fp.U(1), fp.U(2)); err == nil {
		t.Error("expected error when entry rate exceeds cumulative")
	}
}
