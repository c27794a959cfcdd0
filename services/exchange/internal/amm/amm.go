package amm

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"log/slog"

	"github.com/maengseojun/HLH-hack-sub008/services/exchange/internal/venue"
)

// AMM holds one constant-product pool per token and implements
// venue.AmmVenue. Pools appear either at startup (seeded markets) or when
// a bonding curve graduates.
type AMM struct {
	mu           sync.RWMutex
	pools        map[string]*Pool
	takerFeeRate decimal.Decimal
	logger       *slog.Logger
}

func New(takerFeeRate decimal.Decimal, logger *slog.Logger) *AMM {
	if logger == nil {
		logger = slog.Default()
	}
	return &AMM{
		pools:        make(map[string]*Pool),
		takerFeeRate: takerFeeRate,
		logger:       logger,
	}
}

func (a *AMM) pool(token string) (*Pool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.pools[token]
	if !ok {
		return nil, fmt.Errorf("token %s: %w", token, venue.ErrNoLiquidity)
	}
	return p, nil
}

// CreatePool initializes a pool from graduated bonding-curve reserves.
// It also satisfies the curve engine's pool creator contract.
func (a *AMM) CreatePool(ctx context.Context, token string, baseReserve, quoteReserve decimal.Decimal) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.pools[token]; exists {
		return "", fmt.Errorf("pool for %s already exists", token)
	}
	p, err := NewPool(token, baseReserve, quoteReserve, a.takerFeeRate)
	if err != nil {
		return "", err
	}
	a.pools[token] = p
	poolID := uuid.NewString()
	a.logger.Info("amm pool created", "token", token, "pool_id", poolID, "base", baseReserve, "quote", quoteReserve)
	return poolID, nil
}

func (a *AMM) HasPool(token string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.pools[token]
	return ok
}

func (a *AMM) MarginalPrice(ctx context.Context, token string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	p, err := a.pool(token)
	if err != nil {
		return decimal.Zero, err
	}
	return p.MarginalPrice(), nil
}

func (a *AMM) Quote(ctx context.Context, token string, amountIn decimal.Decimal, side string) (decimal.Decimal, decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	p, err := a.pool(token)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return p.Quote(amountIn, side)
}

func (a *AMM) ExecuteUntilPrice(ctx context.Context, token string, targetPrice decimal.Decimal, side string, maxAmount decimal.Decimal, orderID string) (venue.Fill, error) {
	if err := ctx.Err(); err != nil {
		return venue.Fill{}, err
	}
	p, err := a.pool(token)
	if err != nil {
		return venue.Fill{}, err
	}
	return p.executeUntilPrice(targetPrice, side, maxAmount, orderID)
}
