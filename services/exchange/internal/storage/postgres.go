package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidStatus = errors.New("invalid status transition")
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) InsertOrder(ctx context.Context, order Order) error {
	var limitPrice *string
	if order.LimitPrice != nil {
		v := order.LimitPrice.String()
		limitPrice = &v
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO orders (id, token, side, kind, account, limit_price, requested, filled, average_price, fees, status, cause)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`, order.ID, order.Token, order.Side, order.Kind, order.Account, limitPrice,
		order.Requested.String(), order.Filled.String(), order.AveragePrice.String(),
		order.Fees.String(), order.Status, order.Cause)
	return err
}

func (s *Store) UpdateOrder(ctx context.Context, order Order) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET filled = $1, average_price = $2, fees = $3, status = $4, cause = $5, updated_at = now()
		WHERE id = $6
	`, order.Filled.String(), order.AveragePrice.String(), order.Fees.String(),
		order.Status, order.Cause, order.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FlagSettlementWarning marks orders whose settlement failed or timed
// out. UpdateOrder never touches the flag, so routing outcomes written
// later cannot clear it.
func (s *Store) FlagSettlementWarning(ctx context.Context, orderIDs ...string) error {
	ids := make([]string, 0, len(orderIDs))
	for _, id := range orderIDs {
		if strings.TrimSpace(id) != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET settlement_warning = TRUE, updated_at = now()
		WHERE id = ANY($1)
	`, ids)
	return err
}

// NextAccountNonce reserves the next settlement nonce for an account.
// The high-water mark is persisted, so a restart never reissues a nonce
// the chain has already seen.
func (s *Store) NextAccountNonce(ctx context.Context, account string) (uint64, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO account_nonces (account, nonce)
		VALUES ($1, 1)
		ON CONFLICT (account) DO UPDATE
		SET nonce = account_nonces.nonce + 1
		RETURNING nonce
	`, account)
	var nonce uint64
	if err := row.Scan(&nonce); err != nil {
		return 0, err
	}
	return nonce, nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*Order, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, token, side, kind, account, limit_price::text, requested::text, filled::text, average_price::text, fees::text, status, cause, settlement_warning, created_at, updated_at
		FROM orders
		WHERE id = $1
	`, id)
	order, err := scanOrderRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return order, nil
}

func (s *Store) ListOrdersByToken(ctx context.Context, token string, limit int) ([]Order, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, token, side, kind, account, limit_price::text, requested::text, filled::text, average_price::text, fees::text, status, cause, settlement_warning, created_at, updated_at
		FROM orders
		WHERE token = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, token, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]Order, 0, limit)
	for rows.Next() {
		order, err := scanOrderRow(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

func (s *Store) InsertFills(ctx context.Context, fills []Fill) error {
	if len(fills) == 0 {
		return nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	for _, fill := range fills {
		counter := nullableText(fill.CounterOrderID)
		if _, err := tx.Exec(ctx, `
			INSERT INTO fills (id, order_id, token, venue, side, price, amount, maker_fee, taker_fee, counter_order_id, executed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO NOTHING
		`, fill.ID, fill.OrderID, fill.Token, fill.Venue, fill.Side,
			fill.Price.String(), fill.Amount.String(), fill.MakerFee.String(), fill.TakerFee.String(),
			counter, fill.ExecutedAt.UTC()); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) ListFillsByOrder(ctx context.Context, orderID string) ([]Fill, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, order_id, token, venue, side, price::text, amount::text, maker_fee::text, taker_fee::text, counter_order_id, executed_at
		FROM fills
		WHERE order_id = $1
		ORDER BY executed_at, id
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []Fill
	for rows.Next() {
		var fill Fill
		var priceStr, amountStr, makerFeeStr, takerFeeStr string
		var counter *string
		if err := rows.Scan(&fill.ID, &fill.OrderID, &fill.Token, &fill.Venue, &fill.Side,
			&priceStr, &amountStr, &makerFeeStr, &takerFeeStr, &counter, &fill.ExecutedAt); err != nil {
			return nil, err
		}
		if fill.Price, err = parseDecimal(priceStr, "price"); err != nil {
			return nil, err
		}
		if fill.Amount, err = parseDecimal(amountStr, "amount"); err != nil {
			return nil, err
		}
		if fill.MakerFee, err = parseDecimal(makerFeeStr, "maker_fee"); err != nil {
			return nil, err
		}
		if fill.TakerFee, err = parseDecimal(takerFeeStr, "taker_fee"); err != nil {
			return nil, err
		}
		if counter != nil {
			fill.CounterOrderID = *counter
		}
		fills = append(fills, fill)
	}
	return fills, rows.Err()
}

// UpsertCurveState checkpoints a bonding curve so the engine can be
// restored after a restart.
func (s *Store) UpsertCurveState(ctx context.Context, st CurveState) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO curve_states (token, supply_sold, total_raised, status, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (token) DO UPDATE
		SET supply_sold = EXCLUDED.supply_sold,
		    total_raised = EXCLUDED.total_raised,
		    status = EXCLUDED.status,
		    updated_at = now()
	`, st.Token, st.SupplySold.String(), st.TotalRaised.String(), st.Status)
	return err
}

func (s *Store) GetCurveState(ctx context.Context, token string) (*CurveState, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT token, supply_sold::text, total_raised::text, status, updated_at
		FROM curve_states
		WHERE token = $1
	`, token)
	st, err := scanCurveRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return st, nil
}

func (s *Store) ListCurveStates(ctx context.Context) ([]CurveState, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT token, supply_sold::text, total_raised::text, status, updated_at
		FROM curve_states
		ORDER BY token
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []CurveState
	for rows.Next() {
		st, err := scanCurveRow(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, *st)
	}
	return states, rows.Err()
}

// ApplyHoldingDelta moves token balance for an account and keeps the
// holders count queryable. Negative balances are rejected by the table's
// check constraint.
func (s *Store) ApplyHoldingDelta(ctx context.Context, token, account string, delta decimal.Decimal) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO holdings (token, account, balance)
		VALUES ($1, $2, $3)
		ON CONFLICT (token, account) DO UPDATE
		SET balance = holdings.balance + EXCLUDED.balance
	`, token, account, delta.String())
	return err
}

// HolderCount reports accounts with a positive balance. Serves the
// curve engine's graduation eligibility check.
func (s *Store) HolderCount(ctx context.Context, token string) (int, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM holdings
		WHERE token = $1 AND balance > 0
	`, token)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// TotalValueLocked sums quote currency held across all bonding curves.
// Feeds the circuit breaker's drawdown series.
func (s *Store) TotalValueLocked(ctx context.Context) (decimal.Decimal, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT COALESCE(sum(total_raised), 0)::text
		FROM curve_states
	`)
	var raw string
	if err := row.Scan(&raw); err != nil {
		return decimal.Zero, err
	}
	return parseDecimal(raw, "total_value_locked")
}

func scanOrderRow(row pgx.Row) (*Order, error) {
	var order Order
	var limitStr *string
	var requestedStr, filledStr, avgStr, feesStr string
	if err := row.Scan(&order.ID, &order.Token, &order.Side, &order.Kind, &order.Account, &limitStr,
		&requestedStr, &filledStr, &avgStr, &feesStr,
		&order.Status, &order.Cause, &order.SettlementWarning, &order.CreatedAt, &order.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if limitStr != nil && *limitStr != "" {
		val, perr := parseDecimal(*limitStr, "limit_price")
		if perr != nil {
			return nil, perr
		}
		order.LimitPrice = &val
	}
	if order.Requested, err = parseDecimal(requestedStr, "requested"); err != nil {
		return nil, err
	}
	if order.Filled, err = parseDecimal(filledStr, "filled"); err != nil {
		return nil, err
	}
	if order.AveragePrice, err = parseDecimal(avgStr, "average_price"); err != nil {
		return nil, err
	}
	if order.Fees, err = parseDecimal(feesStr, "fees"); err != nil {
		return nil, err
	}
	return &order, nil
}

func scanCurveRow(row pgx.Row) (*CurveState, error) {
	var st CurveState
	var supplyStr, raisedStr string
	if err := row.Scan(&st.Token, &supplyStr, &raisedStr, &st.Status, &st.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if st.SupplySold, err = parseDecimal(supplyStr, "supply_sold"); err != nil {
		return nil, err
	}
	if st.TotalRaised, err = parseDecimal(raisedStr, "total_raised"); err != nil {
		return nil, err
	}
	return &st, nil
}

func parseDecimal(value, field string) (decimal.Decimal, error) {
	parsed, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s: %w", field, err)
	}
	return parsed, nil
}

func nullableText(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
