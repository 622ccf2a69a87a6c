package math

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Units used across the vault. Prices and USD values carry 30 decimals,
// USDG carries 18, tokens carry their own configured decimals.
const (
	PriceDecimals        = 30
	USDGDecimals         = 18
	BasisPointsDivisor   = 10_000
	FundingRatePrecision = 1_000_000
)

var (
	ErrOverflow   = errors.New("fixed-point overflow")
	ErrUnderflow  = errors.New("fixed-point underflow")
	ErrDivByZero  = errors.New("fixed-point division by zero")
	ErrOutOfRange = errors.New("signed value outside int256 range")
)

var (
	// PricePrecision is 10^30.
	PricePrecision = Pow10(PriceDecimals)
	// BPS is BasisPointsDivisor as a 256-bit word.
	BPS = uint256.NewInt(BasisPointsDivisor)
	// FundingPrecision is FundingRatePrecision as a 256-bit word.
	FundingPrecision = uint256.NewInt(FundingRatePrecision)

	maxInt256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1))
	minInt256 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 255))
)

// pow10 holds every power of ten representable in 256 bits.
var pow10 = buildPow10()

func buildPow10() [78]uint256.Int {
	var t [78]uint256.Int
	t[0].SetOne()
	ten := uint256.NewInt(10)
	for i := 1; i < len(t); i++ {
		t[i].Mul(&t[i-1], ten)
	}
	return t
}

// Pow10 returns a fresh copy of 10^n. Panics for n > 77, which no
// configured decimals value can reach.
func Pow10(n uint8) *uint256.Int {
	return new(uint256.Int).Set(&pow10[n])
}

// U is shorthand for uint256.NewInt.
func U(v uint64) *uint256.Int {
	return uint256.NewInt(v)
}

// Zero returns a fresh zero word.
func Zero() *uint256.Int {
	return new(uint256.Int)
}

// Add returns a + b, failing on overflow.
func Add(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, fmt.Errorf("add %s + %s: %w", a.Dec(), b.Dec(), ErrOverflow)
	}
	return z, nil
}

// Sub returns a - b, failing when b > a.
func Sub(a, b *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(a, b)
	if underflow {
		return nil, fmt.Errorf("sub %s - %s: %w", a.Dec(), b.Dec(), ErrUnderflow)
	}
	return z, nil
}

// Mul returns a * b, failing on overflow.
func Mul(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, fmt.Errorf("mul %s * %s: %w", a.Dec(), b.Dec(), ErrOverflow)
	}
	return z, nil
}

// Div returns a / b truncated toward zero.
func Div(a, b *uint256.Int) (*uint256.Int, error) {
	if b.IsZero() {
		return nil, fmt.Errorf("div %s / 0: %w", a.Dec(), ErrDivByZero)
	}
	return new(uint256.Int).Div(a, b), nil
}

// MulDiv returns a * b / c. The intermediate product must fit in 256 bits.
func MulDiv(a, b, c *uint256.Int) (*uint256.Int, error) {
	p, err := Mul(a, b)
	if err != nil {
		return nil, err
	}
	return Div(p, c)
}

// AdjustForDecimals rescales amount from decimalsDiv to decimalsMul:
// amount * 10^decimalsMul / 10^decimalsDiv. Every conversion between
// token units, USDG units and 30-decimal USD goes through here.
func AdjustForDecimals(amount *uint256.Int, decimalsDiv, decimalsMul uint8) (*uint256.Int, error) {
	if int(decimalsDiv) >= len(pow10) || int(decimalsMul) >= len(pow10) {
		return nil, fmt.Errorf("adjust decimals %d -> %d: %w", decimalsDiv, decimalsMul, ErrOverflow)
	}
	return MulDiv(amount, &pow10[decimalsMul], &pow10[decimalsDiv])
}

// AbsDiff returns |a - b| and whether a > b.
func AbsDiff(a, b *uint256.Int) (*uint256.Int, bool) {
	if a.Gt(b) {
		return new(uint256.Int).Sub(a, b), true
	}
	return new(uint256.Int).Sub(b, a), false
}

// Max returns the larger of a and b.
func Max(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return b
	}
	return a
}

// Min returns the smaller of a and b.
func Min(a, b *uint256.Int) *uint256.Int {
	if a.Gt(b) {
		return b
	}
	return a
}

// SubFloor returns a - b, or zero when b >= a.
func SubFloor(a, b *uint256.Int) *uint256.Int {
	if !a.Gt(b) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(a, b)
}

// AddSigned returns acc + delta (or acc - delta when negative), failing
// if the result leaves the int256 range. acc is not modified.
func AddSigned(acc *big.Int, delta *uint256.Int, negative bool) (*big.Int, error) {
	d := delta.ToBig()
	if negative {
		d.Neg(d)
	}
	out := new(big.Int)
	if acc != nil {
		out.Set(acc)
	}
	out.Add(out, d)
	if out.Cmp(maxInt256) > 0 || out.Cmp(minInt256) < 0 {
		return nil, fmt.Errorf("accumulate %s: %w", out.String(), ErrOutOfRange)
	}
	return out, nil
}

// FromDecimalString parses a human-readable value such as "1850.25" into
// a fixed-point word with the given number of decimals. Digits beyond the
// precision are truncated.
func FromDecimalString(s string, decimals uint8) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("parse %q: %w", s, ErrUnderflow)
	}
	scaled := d.Shift(int32(decimals)).Truncate(0)
	z, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("parse %q: %w", s, ErrOverflow)
	}
	return z, nil
}

// ToDecimal renders a fixed-point word with the given decimals as a decimal.
func ToDecimal(v *uint256.Int, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(v.ToBig(), -int32(decimals))
}
