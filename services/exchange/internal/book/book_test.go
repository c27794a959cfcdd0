package book

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/maengseojun/HLH-hack-sub008/services/exchange/internal/venue"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestBestPriceEmptyBook(t *testing.T) {
	b := New(decimal.Zero, decimal.Zero, nil)
	if _, ok, err := b.BestPrice(context.Background(), "IDX", venue.SideSell); err != nil || ok {
		t.Fatalf("expected no best price on empty book, ok=%v err=%v", ok, err)
	}
}

func TestBestPriceOrdering(t *testing.T) {
	b := New(decimal.Zero, decimal.Zero, nil)
	ctx := context.Background()

	for _, o := range []struct{ id, side, price string }{
		{"a1", venue.SideSell, "1.02"},
		{"a2", venue.SideSell, "1.01"},
		{"b1", venue.SideBuy, "0.98"},
		{"b2", venue.SideBuy, "0.99"},
	} {
		if err := b.Place(ctx, "IDX", o.side, dec(o.price), dec("100"), o.id); err != nil {
			t.Fatalf("place %s: %v", o.id, err)
		}
	}

	ask, ok, _ := b.BestPrice(ctx, "IDX", venue.SideSell)
	if !ok || !ask.Equal(dec("1.01")) {
		t.Fatalf("expected best ask 1.01, got %s ok=%v", ask, ok)
	}
	bid, ok, _ := b.BestPrice(ctx, "IDX", venue.SideBuy)
	if !ok || !bid.Equal(dec("0.99")) {
		t.Fatalf("expected best bid 0.99, got %s ok=%v", bid, ok)
	}
}

func TestLiquidityAtPriceSumsLevel(t *testing.T) {
	b := New(decimal.Zero, decimal.Zero, nil)
	ctx := context.Background()
	_ = b.Place(ctx, "IDX", venue.SideSell, dec("1.01"), dec("300"), "a1")
	_ = b.Place(ctx, "IDX", venue.SideSell, dec("1.01"), dec("200"), "a2")
	_ = b.Place(ctx, "IDX", venue.SideSell, dec("1.02"), dec("50"), "a3")

	liq, err := b.LiquidityAtPrice(ctx, "IDX", venue.SideSell, dec("1.01"))
	if err != nil {
		t.Fatalf("liquidity: %v", err)
	}
	if !liq.Equal(dec("500")) {
		t.Fatalf("expected 500 at 1.01, got %s", liq)
	}
}

func TestExecuteAtPriceTimePriority(t *testing.T) {
	b := New(dec("0.001"), dec("0.002"), nil)
	ctx := context.Background()
	_ = b.Place(ctx, "IDX", venue.SideSell, dec("1.01"), dec("300"), "first")
	_ = b.Place(ctx, "IDX", venue.SideSell, dec("1.01"), dec("200"), "second")

	fill, err := b.ExecuteAtPrice(ctx, "IDX", venue.SideBuy, dec("1.01"), dec("500"), "taker")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	// One call consumes a single counterparty, oldest first.
	if fill.CounterOrderID != "first" || !fill.Amount.Equal(dec("300")) {
		t.Fatalf("expected 300 against first, got %s against %s", fill.Amount, fill.CounterOrderID)
	}
	if fill.TakerFee.LessThanOrEqual(decimal.Zero) || fill.MakerFee.LessThanOrEqual(decimal.Zero) {
		t.Fatalf("expected fee split, got maker=%s taker=%s", fill.MakerFee, fill.TakerFee)
	}

	fill2, err := b.ExecuteAtPrice(ctx, "IDX", venue.SideBuy, dec("1.01"), dec("200"), "taker")
	if err != nil {
		t.Fatalf("execute second: %v", err)
	}
	if fill2.CounterOrderID != "second" || !fill2.Amount.Equal(dec("200")) {
		t.Fatalf("expected 200 against second, got %s against %s", fill2.Amount, fill2.CounterOrderID)
	}

	if _, err := b.ExecuteAtPrice(ctx, "IDX", venue.SideBuy, dec("1.01"), dec("1"), "taker"); !errors.Is(err, venue.ErrNoLiquidity) {
		t.Fatalf("expected no liquidity once level is drained, got %v", err)
	}
}

func TestExecutePartialLeavesMakerResting(t *testing.T) {
	b := New(decimal.Zero, decimal.Zero, nil)
	ctx := context.Background()
	_ = b.Place(ctx, "IDX", venue.SideSell, dec("1.01"), dec("500"), "maker")

	fill, err := b.ExecuteAtPrice(ctx, "IDX", venue.SideBuy, dec("1.01"), dec("100"), "taker")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !fill.Amount.Equal(dec("100")) {
		t.Fatalf("expected 100 filled, got %s", fill.Amount)
	}
	liq, _ := b.LiquidityAtPrice(ctx, "IDX", venue.SideSell, dec("1.01"))
	if !liq.Equal(dec("400")) {
		t.Fatalf("expected 400 resting, got %s", liq)
	}
}

func TestCancelRestingOrder(t *testing.T) {
	b := New(decimal.Zero, decimal.Zero, nil)
	ctx := context.Background()
	_ = b.Place(ctx, "IDX", venue.SideBuy, dec("0.99"), dec("100"), "o1")

	ok, err := b.Cancel(ctx, "IDX", "o1")
	if err != nil || !ok {
		t.Fatalf("expected cancel to succeed, ok=%v err=%v", ok, err)
	}
	ok, err = b.Cancel(ctx, "IDX", "o1")
	if err != nil || ok {
		t.Fatalf("expected second cancel to be a no-op, ok=%v err=%v", ok, err)
	}
	if _, ok, _ := b.BestPrice(ctx, "IDX", venue.SideBuy); ok {
		t.Fatalf("expected empty bid side after cancel")
	}
}

func TestTokensIsolated(t *testing.T) {
	b := New(decimal.Zero, decimal.Zero, nil)
	ctx := context.Background()
	_ = b.Place(ctx, "IDX", venue.SideSell, dec("1.01"), dec("100"), "o1")

	if _, ok, _ := b.BestPrice(ctx, "OTHER", venue.SideSell); ok {
		t.Fatalf("expected OTHER book to be empty")
	}
}
