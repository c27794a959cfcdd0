package main

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// seedTestData adds historical orders and fills so list endpoints and
// reconciliation scripts have something to chew on in test runs.
func seedTestData(ctx context.Context, pool *pgxpool.Pool) error {
	now := time.Now()

	filledOrderID := uuid.MustParse("00000000-0000-0000-0000-000000000401")
	restingOrderID := uuid.MustParse("00000000-0000-0000-0000-000000000402")

	orders := []struct {
		id         uuid.UUID
		token      string
		side       string
		kind       string
		account    string
		limitPrice *string
		requested  string
		filled     string
		avgPrice   string
		fees       string
		status     string
		cause      string
	}{
		{filledOrderID, "MOON", "buy", "market", "demo", nil, "1000", "1000", "0.000106", "0.32", "filled", "completed"},
		{restingOrderID, "MOON", "sell", "limit", "trader", strPtr("0.00015"), "5000", "0", "0", "0", "open", ""},
	}

	for _, o := range orders {
		_, err := pool.Exec(ctx, `
			INSERT INTO orders (id, token, side, kind, account, limit_price, requested, filled, average_price, fees, status, cause, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (id) DO NOTHING
		`, o.id, o.token, o.side, o.kind, o.account, o.limitPrice, o.requested, o.filled, o.avgPrice, o.fees, o.status, o.cause, now, now)
		if err != nil {
			return err
		}
	}

	fillID := uuid.MustParse("00000000-0000-0000-0000-000000000501")
	_, err := pool.Exec(ctx, `
		INSERT INTO fills (id, order_id, token, venue, side, price, amount, maker_fee, taker_fee, counter_order_id, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`, fillID, filledOrderID, "MOON", "amm", "buy", "0.000106", "1000", "0", "0.32", nil, now)
	if err != nil {
		return err
	}

	return nil
}

func strPtr(s string) *string {
	return &s
}
