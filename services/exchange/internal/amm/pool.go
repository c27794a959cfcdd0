package amm

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/maengseojun/HLH-hack-sub008/services/exchange/internal/venue"
)

// Pool is a constant-product pool: baseReserve * quoteReserve = k, with
// the marginal price quoted as quoteReserve / baseReserve.
type Pool struct {
	mu           sync.Mutex
	token        string
	baseReserve  decimal.Decimal
	quoteReserve decimal.Decimal
	takerFeeRate decimal.Decimal
}

func NewPool(token string, baseReserve, quoteReserve, takerFeeRate decimal.Decimal) (*Pool, error) {
	if baseReserve.LessThanOrEqual(decimal.Zero) || quoteReserve.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("pool reserves must be positive")
	}
	if takerFeeRate.IsNegative() {
		return nil, fmt.Errorf("taker fee rate must not be negative")
	}
	return &Pool{
		token:        token,
		baseReserve:  baseReserve,
		quoteReserve: quoteReserve,
		takerFeeRate: takerFeeRate,
	}, nil
}

func (p *Pool) MarginalPrice() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quoteReserve.Div(p.baseReserve)
}

func (p *Pool) Reserves() (base, quote decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.baseReserve, p.quoteReserve
}

// Quote prices a base-amount trade without executing it.
func (p *Pool) Quote(amountIn decimal.Decimal, side string) (amountOut, priceImpact decimal.Decimal, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if amountIn.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("amount must be positive")
	}
	k := p.baseReserve.Mul(p.quoteReserve)
	before := p.quoteReserve.Div(p.baseReserve)

	var after decimal.Decimal
	switch side {
	case venue.SideBuy:
		if amountIn.GreaterThanOrEqual(p.baseReserve) {
			return decimal.Zero, decimal.Zero, venue.ErrNoLiquidity
		}
		newBase := p.baseReserve.Sub(amountIn)
		newQuote := k.Div(newBase)
		amountOut = newQuote.Sub(p.quoteReserve) // quote the buyer pays
		after = newQuote.Div(newBase)
	case venue.SideSell:
		newBase := p.baseReserve.Add(amountIn)
		newQuote := k.Div(newBase)
		amountOut = p.quoteReserve.Sub(newQuote) // quote the seller receives
		after = newQuote.Div(newBase)
	default:
		return decimal.Zero, decimal.Zero, fmt.Errorf("invalid side %q", side)
	}

	priceImpact = after.Sub(before).Div(before).Abs()
	return amountOut, priceImpact, nil
}

// availableUntil returns how much base can trade before the marginal price
// reaches target. Buying drives the price up, selling drives it down; a
// target on the wrong side of the current price yields zero.
func (p *Pool) availableUntil(target decimal.Decimal, side string) decimal.Decimal {
	k := p.baseReserve.Mul(p.quoteReserve)
	current := p.quoteReserve.Div(p.baseReserve)

	switch side {
	case venue.SideBuy:
		if target.LessThanOrEqual(current) {
			return decimal.Zero
		}
		// Price hits target when baseReserve falls to sqrt(k/target).
		return p.baseReserve.Sub(sqrt(k.Div(target)))
	case venue.SideSell:
		if target.GreaterThanOrEqual(current) {
			return decimal.Zero
		}
		return sqrt(k.Div(target)).Sub(p.baseReserve)
	}
	return decimal.Zero
}

// executeUntilPrice trades up to maxAmount of base, stopping exactly where
// the marginal price would cross target. Zero target means unbounded.
func (p *Pool) executeUntilPrice(target decimal.Decimal, side string, maxAmount decimal.Decimal, orderID string) (venue.Fill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if maxAmount.LessThanOrEqual(decimal.Zero) {
		return venue.Fill{}, fmt.Errorf("amount must be positive")
	}

	amount := maxAmount
	if !target.IsZero() {
		available := p.availableUntil(target, side)
		if amount.GreaterThan(available) {
			amount = available
		}
	}
	if side == venue.SideBuy && amount.GreaterThanOrEqual(p.baseReserve) {
		// A constant-product pool can never be fully drained.
		amount = decimal.Zero
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return venue.Fill{}, venue.ErrNoLiquidity
	}

	k := p.baseReserve.Mul(p.quoteReserve)
	var quoteDelta decimal.Decimal
	switch side {
	case venue.SideBuy:
		newBase := p.baseReserve.Sub(amount)
		newQuote := k.Div(newBase)
		quoteDelta = newQuote.Sub(p.quoteReserve)
		p.baseReserve = newBase
		p.quoteReserve = newQuote
	case venue.SideSell:
		newBase := p.baseReserve.Add(amount)
		newQuote := k.Div(newBase)
		quoteDelta = p.quoteReserve.Sub(newQuote)
		p.baseReserve = newBase
		p.quoteReserve = newQuote
	default:
		return venue.Fill{}, fmt.Errorf("invalid side %q", side)
	}

	execPrice := quoteDelta.Div(amount)
	return venue.Fill{
		FillID:     uuid.NewString(),
		OrderID:    orderID,
		Token:      p.token,
		Venue:      venue.VenueAMM,
		Side:       side,
		Price:      execPrice,
		Amount:     amount,
		TakerFee:   quoteDelta.Mul(p.takerFeeRate),
		ExecutedAt: time.Now().UTC(),
	}, nil
}

// sqrt computes a decimal square root: a float64 seed refined with a few
// Newton iterations, which converges well past the division precision.
func sqrt(d decimal.Decimal) decimal.Decimal {
	if d.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	f, _ := d.Float64()
	guess := decimal.NewFromFloat(math.Sqrt(f))
	if guess.IsZero() {
		guess = decimal.New(1, -15)
	}
	two := decimal.NewFromInt(2)
	for i := 0; i < 6; i++ {
		guess = guess.Add(d.Div(guess)).Div(two)
	}
	return guess
}
