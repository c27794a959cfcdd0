package ledger

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestSafeSubUnderflow(t *testing.T) {
	if _, err := SafeSub(dec("1"), dec("2")); !errors.Is(err, ErrUnderflow) {
		t.Fatalf("expected underflow, got %v", err)
	}
	got, err := SafeSub(dec("2"), dec("2"))
	if err != nil {
		t.Fatalf("sub: %v", err)
	}
	if !got.IsZero() {
		t.Fatalf("expected zero, got %s", got)
	}
}

func TestSafeDivByZero(t *testing.T) {
	if _, err := SafeDiv(dec("1"), decimal.Zero); !errors.Is(err, ErrDivisionByZero) {
		t.Fatalf("expected division by zero, got %v", err)
	}
}

func TestSafeAddOverflow(t *testing.T) {
	huge := decimal.New(1, 30)
	if _, err := SafeAdd(huge, huge); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
}

func TestRemainingGuard(t *testing.T) {
	rem, err := Remaining(dec("10"), dec("4"))
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if !rem.Equal(dec("6")) {
		t.Fatalf("expected 6, got %s", rem)
	}
	if _, err := Remaining(dec("4"), dec("10")); !errors.Is(err, ErrUnderflow) {
		t.Fatalf("expected underflow, got %v", err)
	}
}

func TestAveragePriceZeroTotal(t *testing.T) {
	avg, err := AveragePrice(nil)
	if err != nil {
		t.Fatalf("average: %v", err)
	}
	if !avg.IsZero() {
		t.Fatalf("expected zero average, got %s", avg)
	}
}

func TestAveragePriceReorderInvariant(t *testing.T) {
	a := []WeightedFill{
		{Amount: dec("100"), Price: dec("1.00")},
		{Amount: dec("200"), Price: dec("1.02")},
		{Amount: dec("50"), Price: dec("1.02")},
	}
	b := []WeightedFill{a[2], a[0], a[1]}

	avgA, err := AveragePrice(a)
	if err != nil {
		t.Fatalf("average a: %v", err)
	}
	avgB, err := AveragePrice(b)
	if err != nil {
		t.Fatalf("average b: %v", err)
	}
	if !avgA.Equal(avgB) {
		t.Fatalf("reordering changed average: %s vs %s", avgA, avgB)
	}
}

func TestAveragePriceMovesTowardDominantFill(t *testing.T) {
	base := []WeightedFill{{Amount: dec("100"), Price: dec("1.00")}}
	prev := dec("1.00")
	for _, amt := range []string{"50", "150", "500", "5000"} {
		fills := append(append([]WeightedFill{}, base...), WeightedFill{Amount: dec(amt), Price: dec("2.00")})
		avg, err := AveragePrice(fills)
		if err != nil {
			t.Fatalf("average: %v", err)
		}
		if !avg.GreaterThan(prev) {
			t.Fatalf("expected average to move toward 2.00, got %s after %s", avg, prev)
		}
		if avg.GreaterThanOrEqual(dec("2.00")) {
			t.Fatalf("average overshot most recent price: %s", avg)
		}
		prev = avg
	}
}

func TestFillPercentageClamped(t *testing.T) {
	if got := FillPercentage(dec("150"), dec("100")); !got.Equal(dec("100")) {
		t.Fatalf("expected clamp to 100, got %s", got)
	}
	if got := FillPercentage(dec("25"), dec("100")); !got.Equal(dec("25")) {
		t.Fatalf("expected 25, got %s", got)
	}
	if got := FillPercentage(dec("1"), decimal.Zero); !got.IsZero() {
		t.Fatalf("expected 0 for zero original, got %s", got)
	}
}

func TestClassifyStatusEpsilon(t *testing.T) {
	eps := DefaultEpsilon
	if got := ClassifyStatus(decimal.Zero, dec("100"), eps); got != StatusPending {
		t.Fatalf("expected pending, got %s", got)
	}
	if got := ClassifyStatus(dec("50"), dec("100"), eps); got != StatusPartial {
		t.Fatalf("expected partial, got %s", got)
	}
	if got := ClassifyStatus(dec("100"), dec("100"), eps); got != StatusFilled {
		t.Fatalf("expected filled, got %s", got)
	}
	// Within one basis point of requested counts as filled.
	if got := ClassifyStatus(dec("99.995"), dec("100"), eps); got != StatusFilled {
		t.Fatalf("expected filled within epsilon, got %s", got)
	}
	if got := ClassifyStatus(dec("99.98"), dec("100"), eps); got != StatusPartial {
		t.Fatalf("expected partial outside epsilon, got %s", got)
	}
}

func TestOrderAccountConservation(t *testing.T) {
	acct, err := NewOrderAccount(dec("1000"))
	if err != nil {
		t.Fatalf("new account: %v", err)
	}

	fills := []WeightedFill{
		{Amount: dec("123.45"), Price: dec("1.00")},
		{Amount: dec("0.00000001"), Price: dec("1.01")},
		{Amount: dec("876.54999999"), Price: dec("1.02")},
	}
	for _, f := range fills {
		if err := acct.Apply(f.Amount, f.Price, decimal.Zero); err != nil {
			t.Fatalf("apply: %v", err)
		}
		if !acct.Filled.Add(acct.Remaining).Equal(acct.Requested) {
			t.Fatalf("conservation broken: %s + %s != %s", acct.Filled, acct.Remaining, acct.Requested)
		}
	}
	if acct.Status() != StatusFilled {
		t.Fatalf("expected filled, got %s", acct.Status())
	}
}

func TestOrderAccountOverfillRejected(t *testing.T) {
	acct, err := NewOrderAccount(dec("100"))
	if err != nil {
		t.Fatalf("new account: %v", err)
	}
	seq := []WeightedFill{
		{Amount: dec("60"), Price: dec("1.00")},
		{Amount: dec("40"), Price: dec("1.10")},
	}
	for _, f := range seq {
		if err := acct.Apply(f.Amount, f.Price, decimal.Zero); err != nil {
			t.Fatalf("first pass apply: %v", err)
		}
	}

	// Replaying the same sequence must fail, not silently double the fill.
	if err := acct.Apply(seq[0].Amount, seq[0].Price, decimal.Zero); !errors.Is(err, ErrUnderflow) {
		t.Fatalf("expected underflow on replay, got %v", err)
	}
	if !acct.Filled.Equal(dec("100")) || !acct.Remaining.IsZero() {
		t.Fatalf("failed apply mutated account: filled=%s remaining=%s", acct.Filled, acct.Remaining)
	}
}

func TestOrderAccountFees(t *testing.T) {
	acct, err := NewOrderAccount(dec("10"))
	if err != nil {
		t.Fatalf("new account: %v", err)
	}
	if err := acct.Apply(dec("4"), dec("2.00"), dec("0.008")); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := acct.Apply(dec("6"), dec("2.50"), dec("0.015")); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !acct.Fees.Equal(dec("0.023")) {
		t.Fatalf("expected fees 0.023, got %s", acct.Fees)
	}
	want := dec("4").Mul(dec("2.00")).Add(dec("6").Mul(dec("2.50"))).Div(dec("10"))
	if !acct.AveragePrice().Equal(want) {
		t.Fatalf("expected average %s, got %s", want, acct.AveragePrice())
	}
}
