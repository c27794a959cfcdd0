package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"log/slog"

	"github.com/maengseojun/HLH-hack-sub008/services/exchange/internal/ledger"
	"github.com/maengseojun/HLH-hack-sub008/services/exchange/internal/venue"
)

var (
	// ErrLimitCrossesMarket rejects a limit order priced through the
	// current market instead of silently converting it to a market order.
	ErrLimitCrossesMarket = errors.New("limit price crosses market")
)

// Guard is the circuit-breaker hook checked before any state-changing
// routing begins.
type Guard interface {
	AllowTrading() error
}

type Config struct {
	// MaxRetries bounds transient-error retries per venue call.
	MaxRetries int
	// RetryBackoff separates retry attempts.
	RetryBackoff time.Duration
	// VenueTimeout bounds each venue adapter call.
	VenueTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:   2,
		RetryBackoff: 100 * time.Millisecond,
		VenueTimeout: 3 * time.Second,
	}
}

// Router fills market orders across the AMM and the book, guaranteeing the
// taker never pays worse than the better of the two current prices, and
// places non-crossing limit orders on the book.
type Router struct {
	amm    venue.AmmVenue
	book   venue.BookVenue
	guard  Guard
	locks  *tokenLocks
	logger *slog.Logger
	cfg    Config
}

func New(ammVenue venue.AmmVenue, bookVenue venue.BookVenue, guard Guard, cfg Config, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.VenueTimeout <= 0 {
		cfg.VenueTimeout = 3 * time.Second
	}
	return &Router{
		amm:    ammVenue,
		book:   bookVenue,
		guard:  guard,
		locks:  newTokenLocks(),
		logger: logger,
		cfg:    cfg,
	}
}

// Route drives an order from pending to a terminal (or resting) state.
// Fills already applied are never rolled back; on any failure the order's
// filled/remaining accounting stays consistent.
func (r *Router) Route(ctx context.Context, order *Order) ([]venue.Fill, error) {
	if order == nil {
		return nil, fmt.Errorf("order required")
	}
	if r.guard != nil {
		if err := r.guard.AllowTrading(); err != nil {
			order.SetStatus(StatusRejected, "")
			return nil, err
		}
	}

	switch order.Kind {
	case KindLimit:
		return nil, r.placeLimit(ctx, order)
	case KindMarket:
		return r.routeMarket(ctx, order)
	}
	return nil, fmt.Errorf("invalid order kind %q", order.Kind)
}

// placeLimit rejects crossing limit orders and rests the others on the
// book. Placement is instantaneous; it does not loop.
func (r *Router) placeLimit(ctx context.Context, order *Order) error {
	limit := *order.LimitPrice

	best, ok, err := r.betterOfTwo(ctx, order.Token, order.Side)
	if err != nil {
		order.SetStatus(StatusRejected, "")
		return err
	}
	if ok {
		crossing := (order.Side == venue.SideBuy && limit.GreaterThanOrEqual(best)) ||
			(order.Side == venue.SideSell && limit.LessThanOrEqual(best))
		if crossing {
			order.SetStatus(StatusRejected, "")
			return fmt.Errorf("limit %s against market %s: %w", limit, best, ErrLimitCrossesMarket)
		}
	}

	err = r.withRetry(ctx, func(callCtx context.Context) error {
		return r.book.Place(callCtx, order.Token, order.Side, limit, order.Account.Remaining, order.ID)
	})
	if err != nil {
		order.SetStatus(StatusRejected, "")
		return fmt.Errorf("place limit order: %w", err)
	}
	order.SetStatus(StatusOpen, "")
	return nil
}

// betterOfTwo reports the current best executable price for the given
// taker side across both venues: the lower of AMM price and best ask for
// buys, the higher of AMM price and best bid for sells.
func (r *Router) betterOfTwo(ctx context.Context, token, side string) (decimal.Decimal, bool, error) {
	var ammPrice decimal.Decimal
	ammOK := false
	err := r.withRetry(ctx, func(callCtx context.Context) error {
		p, err := r.amm.MarginalPrice(callCtx, token)
		if err != nil {
			return err
		}
		ammPrice = p
		ammOK = true
		return nil
	})
	if err != nil && !errors.Is(err, venue.ErrNoLiquidity) {
		return decimal.Zero, false, err
	}

	var bookPrice decimal.Decimal
	bookOK := false
	err = r.withRetry(ctx, func(callCtx context.Context) error {
		p, ok, err := r.book.BestPrice(callCtx, token, venue.Opposite(side))
		if err != nil {
			return err
		}
		bookPrice, bookOK = p, ok
		return nil
	})
	if err != nil {
		return decimal.Zero, false, err
	}

	switch {
	case ammOK && bookOK:
		if ammBetter(ammPrice, bookPrice, side) {
			return ammPrice, true, nil
		}
		return bookPrice, true, nil
	case ammOK:
		return ammPrice, true, nil
	case bookOK:
		return bookPrice, true, nil
	}
	return decimal.Zero, false, nil
}

func ammBetter(ammPrice, bookPrice decimal.Decimal, side string) bool {
	if side == venue.SideBuy {
		return ammPrice.LessThan(bookPrice)
	}
	return ammPrice.GreaterThan(bookPrice)
}

func (r *Router) routeMarket(ctx context.Context, order *Order) ([]venue.Fill, error) {
	fills := make([]venue.Fill, 0, 4)
	lock := r.locks.get(order.Token)

	for order.Account.Remaining.GreaterThan(decimal.Zero) {
		if err := ctx.Err(); err != nil {
			r.finalize(order, CauseCancelled)
			return fills, err
		}
		if order.Cancelled() {
			order.SetStatus(StatusCancelled, CauseCancelled)
			return fills, nil
		}

		// One iteration is one chunk: quote, decide, execute, apply,
		// atomic per token. The lock drops between iterations so other
		// work interleaves at chunk boundaries.
		lock.Lock()
		fill, done, err := r.routeChunk(ctx, order)
		lock.Unlock()

		if err != nil {
			if errors.Is(err, venue.ErrNoLiquidity) {
				r.finalize(order, CauseNoLiquidity)
				return fills, nil
			}
			r.finalize(order, CauseNoLiquidity)
			return fills, fmt.Errorf("route chunk: %w", err)
		}
		if done {
			r.finalize(order, CauseNoLiquidity)
			return fills, nil
		}
		fills = append(fills, fill)
	}

	r.finalize(order, "")
	return fills, nil
}

// routeChunk executes one chunk on the better venue. done=true means no
// executable liquidity remains on either venue.
func (r *Router) routeChunk(ctx context.Context, order *Order) (venue.Fill, bool, error) {
	remaining := order.Account.Remaining

	var ammPrice decimal.Decimal
	ammOK := false
	err := r.withRetry(ctx, func(callCtx context.Context) error {
		p, err := r.amm.MarginalPrice(callCtx, order.Token)
		if err != nil {
			return err
		}
		ammPrice = p
		ammOK = true
		return nil
	})
	if err != nil && !errors.Is(err, venue.ErrNoLiquidity) {
		return venue.Fill{}, false, err
	}

	var bookPrice decimal.Decimal
	bookOK := false
	err = r.withRetry(ctx, func(callCtx context.Context) error {
		p, ok, err := r.book.BestPrice(callCtx, order.Token, venue.Opposite(order.Side))
		if err != nil {
			return err
		}
		bookPrice, bookOK = p, ok
		return nil
	})
	if err != nil {
		return venue.Fill{}, false, err
	}

	if !ammOK && !bookOK {
		return venue.Fill{}, true, nil
	}

	// Book has priority on ties: an equally-priced AMM would strand the
	// book liquidity behind it.
	if ammOK && (!bookOK || ammBetter(ammPrice, bookPrice, order.Side)) {
		target := decimal.Zero
		if bookOK {
			// Cap the AMM so its marginal price never crosses the next
			// book level in one step.
			target = bookPrice
		}
		var fill venue.Fill
		err = r.withRetry(ctx, func(callCtx context.Context) error {
			f, err := r.amm.ExecuteUntilPrice(callCtx, order.Token, target, order.Side, remaining, order.ID)
			if err != nil {
				return err
			}
			fill = f
			return nil
		})
		if err == nil {
			return fill, false, r.apply(order, fill)
		}
		if !errors.Is(err, venue.ErrNoLiquidity) || !bookOK {
			return venue.Fill{}, false, err
		}
		// AMM already sits at the book price; fall through to the book.
	}

	available := decimal.Zero
	err = r.withRetry(ctx, func(callCtx context.Context) error {
		a, err := r.book.LiquidityAtPrice(callCtx, order.Token, venue.Opposite(order.Side), bookPrice)
		if err != nil {
			return err
		}
		available = a
		return nil
	})
	if err != nil {
		return venue.Fill{}, false, err
	}
	take := remaining
	if available.LessThan(take) {
		take = available
	}
	if take.LessThanOrEqual(decimal.Zero) {
		// Level vanished between quote and execute; re-read next iteration.
		if !ammOK {
			return venue.Fill{}, true, nil
		}
		return venue.Fill{}, false, venue.ErrNoLiquidity
	}

	var fill venue.Fill
	err = r.withRetry(ctx, func(callCtx context.Context) error {
		f, err := r.book.ExecuteAtPrice(callCtx, order.Token, order.Side, bookPrice, take, order.ID)
		if err != nil {
			return err
		}
		fill = f
		return nil
	})
	if err != nil {
		return venue.Fill{}, false, err
	}
	return fill, false, r.apply(order, fill)
}

func (r *Router) apply(order *Order, fill venue.Fill) error {
	order.mu.Lock()
	err := order.Account.Apply(fill.Amount, fill.Price, fill.TakerFee)
	order.mu.Unlock()
	if err != nil {
		// Ledger guard tripping here is an invariant violation upstream.
		r.logger.Error("fill accounting failed",
			"order_id", order.ID,
			"fill_id", fill.FillID,
			"amount", fill.Amount,
			"error", err,
		)
		return err
	}
	return nil
}

func (r *Router) finalize(order *Order, cause string) {
	order.mu.Lock()
	defer order.mu.Unlock()
	switch order.Account.Status() {
	case ledger.StatusFilled:
		order.Status = StatusFilled
	case ledger.StatusPartial:
		order.Status = StatusPartial
		order.Cause = cause
	default:
		order.Status = StatusRejected
		order.Cause = cause
	}
}

// withRetry runs fn with the per-call timeout, retrying transient venue
// failures up to MaxRetries. Adapters are retry-safe by contract.
func (r *Router) withRetry(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 && r.cfg.RetryBackoff > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.cfg.RetryBackoff):
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.VenueTimeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !venue.IsTransient(err) {
			return err
		}
	}
	return lastErr
}
