package book

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"log/slog"

	"github.com/maengseojun/HLH-hack-sub008/services/exchange/internal/venue"
)

// Book implements venue.BookVenue over one tokenBook per token, created on
// first access.
type Book struct {
	mu           sync.RWMutex
	books        map[string]*tokenBook
	makerFeeRate decimal.Decimal
	takerFeeRate decimal.Decimal
	logger       *slog.Logger
}

func New(makerFeeRate, takerFeeRate decimal.Decimal, logger *slog.Logger) *Book {
	if logger == nil {
		logger = slog.Default()
	}
	return &Book{
		books:        make(map[string]*tokenBook),
		makerFeeRate: makerFeeRate,
		takerFeeRate: takerFeeRate,
		logger:       logger,
	}
}

func (b *Book) book(token string) *tokenBook {
	tok := strings.TrimSpace(token)

	b.mu.RLock()
	tb := b.books[tok]
	b.mu.RUnlock()
	if tb != nil {
		return tb
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	tb = b.books[tok]
	if tb == nil {
		tb = newTokenBook(tok)
		b.books[tok] = tb
	}
	return tb
}

func (b *Book) BestPrice(ctx context.Context, token, side string) (decimal.Decimal, bool, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, false, err
	}
	price, ok := b.book(token).bestPrice(side)
	return price, ok, nil
}

func (b *Book) LiquidityAtPrice(ctx context.Context, token, side string, price decimal.Decimal) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	return b.book(token).liquidityAt(side, price), nil
}

func (b *Book) ExecuteAtPrice(ctx context.Context, token, takerSide string, price, amount decimal.Decimal, orderID string) (venue.Fill, error) {
	if err := ctx.Err(); err != nil {
		return venue.Fill{}, err
	}

	// The taker consumes liquidity resting on the opposite side.
	maker, filled, err := b.book(token).executeAt(venue.Opposite(takerSide), price, amount)
	if err != nil {
		return venue.Fill{}, err
	}

	notional := price.Mul(filled)
	return venue.Fill{
		FillID:         uuid.NewString(),
		OrderID:        orderID,
		Token:          token,
		Venue:          venue.VenueBook,
		Side:           takerSide,
		Price:          price,
		Amount:         filled,
		MakerFee:       notional.Mul(b.makerFeeRate),
		TakerFee:       notional.Mul(b.takerFeeRate),
		CounterOrderID: maker.ID,
		ExecutedAt:     time.Now().UTC(),
	}, nil
}

func (b *Book) Place(ctx context.Context, token, side string, price, amount decimal.Decimal, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.book(token).place(&RestingOrder{
		ID:       orderID,
		Side:     side,
		Price:    price,
		Quantity: amount,
	})
}

func (b *Book) Cancel(ctx context.Context, token, orderID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return b.book(token).remove(orderID), nil
}
