package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// OrderAccount tracks fill accounting for a single order. All mutation
// flows through Apply, so filled + remaining == requested holds after every
// fill: remaining is the single subtraction path and filled is derived
// from it, never recomputed independently.
type OrderAccount struct {
	Requested decimal.Decimal
	Filled    decimal.Decimal
	Remaining decimal.Decimal
	Fees      decimal.Decimal

	epsilon decimal.Decimal
	fills   []WeightedFill
}

func NewOrderAccount(requested decimal.Decimal) (*OrderAccount, error) {
	if requested.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("requested %s: %w", requested, ErrNegativeAmount)
	}
	if requested.GreaterThan(maxMagnitude) {
		return nil, fmt.Errorf("requested %s: %w", requested, ErrOverflow)
	}
	return &OrderAccount{
		Requested: requested,
		Remaining: requested,
		epsilon:   DefaultEpsilon,
	}, nil
}

// Apply records one fill. Overfill surfaces as ErrUnderflow and leaves the
// account untouched, so replaying an already-applied fill sequence fails
// loudly instead of doubling the position.
func (a *OrderAccount) Apply(amount, price, fee decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("fill amount %s: %w", amount, ErrNegativeAmount)
	}
	remaining, err := SafeSub(a.Remaining, amount)
	if err != nil {
		return fmt.Errorf("apply fill: %w", err)
	}
	fees, err := SafeAdd(a.Fees, fee)
	if err != nil {
		return fmt.Errorf("apply fill: %w", err)
	}

	a.Remaining = remaining
	a.Filled = a.Requested.Sub(remaining)
	a.Fees = fees
	a.fills = append(a.fills, WeightedFill{Amount: amount, Price: price})
	return nil
}

func (a *OrderAccount) AveragePrice() decimal.Decimal {
	avg, err := AveragePrice(a.fills)
	if err != nil {
		// Fills already passed Apply's guards.
		return decimal.Zero
	}
	return avg
}

func (a *OrderAccount) Percentage() decimal.Decimal {
	return FillPercentage(a.Filled, a.Requested)
}

func (a *OrderAccount) Status() string {
	return ClassifyStatus(a.Filled, a.Requested, a.epsilon)
}

func (a *OrderAccount) Fills() []WeightedFill {
	out := make([]WeightedFill, len(a.fills))
	copy(out, a.fills)
	return out
}
