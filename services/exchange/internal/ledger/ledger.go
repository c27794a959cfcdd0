package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Arithmetic guards. Hitting one of these indicates an upstream invariant
// violation, not a recoverable condition.
var (
	ErrUnderflow      = errors.New("arithmetic underflow")
	ErrOverflow       = errors.New("arithmetic overflow")
	ErrDivisionByZero = errors.New("division by zero")
	ErrNegativeAmount = errors.New("negative amount")
)

const (
	StatusPending = "pending"
	StatusPartial = "partial"
	StatusFilled  = "filled"
)

// maxMagnitude bounds every ledger result. Decimal arithmetic cannot wrap,
// but a value past this bound means a corrupted input upstream.
var maxMagnitude = decimal.New(1, 30)

// DefaultEpsilon is one basis point, absorbing venue rounding when
// classifying an order as fully filled.
var DefaultEpsilon = decimal.New(1, -4)

var hundred = decimal.NewFromInt(100)

func SafeAdd(a, b decimal.Decimal) (decimal.Decimal, error) {
	sum := a.Add(b)
	if sum.Abs().GreaterThan(maxMagnitude) {
		return decimal.Zero, fmt.Errorf("add %s + %s: %w", a, b, ErrOverflow)
	}
	return sum, nil
}

// SafeSub fails on a negative result: ledger quantities are unsigned.
func SafeSub(a, b decimal.Decimal) (decimal.Decimal, error) {
	diff := a.Sub(b)
	if diff.IsNegative() {
		return decimal.Zero, fmt.Errorf("sub %s - %s: %w", a, b, ErrUnderflow)
	}
	return diff, nil
}

func SafeMul(a, b decimal.Decimal) (decimal.Decimal, error) {
	product := a.Mul(b)
	if product.Abs().GreaterThan(maxMagnitude) {
		return decimal.Zero, fmt.Errorf("mul %s * %s: %w", a, b, ErrOverflow)
	}
	return product, nil
}

func SafeDiv(a, b decimal.Decimal) (decimal.Decimal, error) {
	if b.IsZero() {
		return decimal.Zero, fmt.Errorf("div %s / 0: %w", a, ErrDivisionByZero)
	}
	return a.Div(b), nil
}

// Remaining computes original - filled, failing with ErrUnderflow when
// filled exceeds original. This must never happen upstream; it is a guard.
func Remaining(original, filled decimal.Decimal) (decimal.Decimal, error) {
	return SafeSub(original, filled)
}

// WeightedFill is the (amount, price) pair AveragePrice aggregates over.
type WeightedFill struct {
	Amount decimal.Decimal
	Price  decimal.Decimal
}

// AveragePrice returns sum(amount*price)/sum(amount), or zero when the
// total amount is zero.
func AveragePrice(fills []WeightedFill) (decimal.Decimal, error) {
	total := decimal.Zero
	notional := decimal.Zero
	for _, f := range fills {
		if f.Amount.IsNegative() {
			return decimal.Zero, fmt.Errorf("fill amount %s: %w", f.Amount, ErrNegativeAmount)
		}
		n, err := SafeMul(f.Amount, f.Price)
		if err != nil {
			return decimal.Zero, err
		}
		if notional, err = SafeAdd(notional, n); err != nil {
			return decimal.Zero, err
		}
		if total, err = SafeAdd(total, f.Amount); err != nil {
			return decimal.Zero, err
		}
	}
	if total.IsZero() {
		return decimal.Zero, nil
	}
	return notional.Div(total), nil
}

// FillPercentage is clamped to [0, 100].
func FillPercentage(filled, original decimal.Decimal) decimal.Decimal {
	if original.IsZero() || filled.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	pct := filled.Div(original).Mul(hundred)
	if pct.GreaterThan(hundred) {
		return hundred
	}
	return pct
}

// ClassifyStatus treats an order as filled once filled reaches original
// within epsilon (a relative tolerance), pending when nothing has filled,
// partial otherwise.
func ClassifyStatus(filled, original, epsilon decimal.Decimal) string {
	if filled.LessThanOrEqual(decimal.Zero) {
		return StatusPending
	}
	threshold := original.Sub(original.Mul(epsilon))
	if filled.GreaterThanOrEqual(threshold) {
		return StatusFilled
	}
	return StatusPartial
}
