package venue

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

const (
	SideBuy  = "buy"
	SideSell = "sell"

	VenueAMM   = "amm"
	VenueBook  = "book"
	VenueCurve = "curve"
)

var (
	// ErrNoLiquidity is the normal partial-fill outcome, not a bug.
	ErrNoLiquidity = errors.New("no liquidity")
	// ErrTransient marks retryable venue failures (timeouts, disconnects).
	// Adapters returning it must be safe to retry with no side effects.
	ErrTransient = errors.New("transient venue error")
	ErrHalted    = errors.New("venue halted")
)

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Fill is an immutable execution record. The sequence of fills for an
// order is the source of truth for its average price.
type Fill struct {
	FillID         string
	OrderID        string
	Token          string
	Venue          string
	Side           string
	Price          decimal.Decimal
	Amount         decimal.Decimal
	MakerFee       decimal.Decimal
	TakerFee       decimal.Decimal
	CounterOrderID string
	ExecutedAt     time.Time
}

// Quote is ephemeral: produced fresh per routing iteration, never persisted.
type Quote struct {
	Venue     string
	Price     decimal.Decimal
	Available decimal.Decimal
}

type AmmVenue interface {
	// MarginalPrice reports the pool's instantaneous quote/base price.
	MarginalPrice(ctx context.Context, token string) (decimal.Decimal, error)
	Quote(ctx context.Context, token string, amountIn decimal.Decimal, side string) (amountOut, priceImpact decimal.Decimal, err error)
	// ExecuteUntilPrice executes only up to the point the pool's marginal
	// price would reach targetPrice, never beyond. A zero targetPrice means
	// unbounded (fill up to maxAmount).
	ExecuteUntilPrice(ctx context.Context, token string, targetPrice decimal.Decimal, side string, maxAmount decimal.Decimal, orderID string) (Fill, error)
}

type BookVenue interface {
	// BestPrice returns the best resting price on the given book side, or
	// ok=false when that side is empty.
	BestPrice(ctx context.Context, token, side string) (price decimal.Decimal, ok bool, err error)
	LiquidityAtPrice(ctx context.Context, token, side string, price decimal.Decimal) (decimal.Decimal, error)
	// ExecuteAtPrice fills against resting liquidity at exactly price, in
	// price-time priority. It may return less than the requested amount;
	// each returned fill is against a single counterparty order.
	ExecuteAtPrice(ctx context.Context, token, takerSide string, price, amount decimal.Decimal, orderID string) (Fill, error)
	// Place rests a non-crossing limit order on the book.
	Place(ctx context.Context, token, side string, price, amount decimal.Decimal, orderID string) error
	Cancel(ctx context.Context, token, orderID string) (bool, error)
}

func Opposite(side string) string {
	if side == SideBuy {
		return SideSell
	}
	return SideBuy
}
