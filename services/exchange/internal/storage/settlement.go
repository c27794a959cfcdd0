package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/maengseojun/HLH-hack-sub008/services/exchange/internal/settlement"
)

// SettlementStore persists settlement jobs. It implements
// settlement.JobStore on top of the shared pool.
type SettlementStore struct {
	pool *pgxpool.Pool
}

func NewSettlementStore(pool *pgxpool.Pool) *SettlementStore {
	return &SettlementStore{pool: pool}
}

const settlementJobColumns = `
	id, trade_id, token, buyer_order_id, seller_order_id,
	amount::text, price::text, buyer_nonce, seller_nonce,
	status, retry_count, tx_handle, created_at, submitted_at
`

func (s *SettlementStore) Enqueue(ctx context.Context, job settlement.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO settlement_jobs (id, trade_id, token, buyer_order_id, seller_order_id, amount, price, buyer_nonce, seller_nonce, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (trade_id) DO NOTHING
	`, job.ID, job.TradeID, job.Token, job.BuyerOrderID, job.SellerOrderID,
		job.Amount.String(), job.Price.String(), int64(job.BuyerNonce), int64(job.SellerNonce),
		settlement.StatusPending, job.CreatedAt.UTC())
	return err
}

func (s *SettlementStore) Get(ctx context.Context, id string) (settlement.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+settlementJobColumns+`
		FROM settlement_jobs
		WHERE id = $1
	`, id)
	job, err := scanJobRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return settlement.Job{}, settlement.ErrJobNotFound
		}
		return settlement.Job{}, err
	}
	return job, nil
}

func (s *SettlementStore) Pending(ctx context.Context, limit int) ([]settlement.Job, error) {
	if limit <= 0 {
		limit = 32
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+settlementJobColumns+`
		FROM settlement_jobs
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT $2
	`, settlement.StatusPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *SettlementStore) MarkSubmitted(ctx context.Context, id, txHandle string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE settlement_jobs
		SET status = $1, tx_handle = $2, submitted_at = $3
		WHERE id = $4 AND status = $5
	`, settlement.StatusSubmitted, txHandle, at.UTC(), id, settlement.StatusPending)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id)
	}
	return nil
}

func (s *SettlementStore) IncrementRetry(ctx context.Context, id string) (int, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE settlement_jobs
		SET retry_count = retry_count + 1
		WHERE id = $1
		RETURNING retry_count
	`, id)
	var retries int
	if err := row.Scan(&retries); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, settlement.ErrJobNotFound
		}
		return 0, err
	}
	return retries, nil
}

func (s *SettlementStore) MarkTerminal(ctx context.Context, id, status string) error {
	switch status {
	case settlement.StatusConfirmed, settlement.StatusFailed, settlement.StatusTimedOut:
	default:
		return settlement.ErrInvalidStatus
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE settlement_jobs
		SET status = $1
		WHERE id = $2 AND status IN ($3, $4)
	`, status, id, settlement.StatusPending, settlement.StatusSubmitted)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id)
	}
	return nil
}

func (s *SettlementStore) SubmittedBefore(ctx context.Context, cutoff time.Time) ([]settlement.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+settlementJobColumns+`
		FROM settlement_jobs
		WHERE status = $1 AND submitted_at < $2
		ORDER BY submitted_at, id
	`, settlement.StatusSubmitted, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *SettlementStore) transitionError(ctx context.Context, id string) error {
	var status string
	row := s.pool.QueryRow(ctx, `SELECT status FROM settlement_jobs WHERE id = $1`, id)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return settlement.ErrJobNotFound
		}
		return err
	}
	return settlement.ErrInvalidStatus
}

func scanJobs(rows pgx.Rows) ([]settlement.Job, error) {
	var jobs []settlement.Job
	for rows.Next() {
		job, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJobRow(row pgx.Row) (settlement.Job, error) {
	var job settlement.Job
	var amountStr, priceStr string
	var buyerNonce, sellerNonce int64
	var txHandle *string
	var submittedAt *time.Time
	if err := row.Scan(&job.ID, &job.TradeID, &job.Token, &job.BuyerOrderID, &job.SellerOrderID,
		&amountStr, &priceStr, &buyerNonce, &sellerNonce,
		&job.Status, &job.RetryCount, &txHandle, &job.CreatedAt, &submittedAt); err != nil {
		return settlement.Job{}, err
	}
	var err error
	if job.Amount, err = parseDecimal(amountStr, "amount"); err != nil {
		return settlement.Job{}, err
	}
	if job.Price, err = parseDecimal(priceStr, "price"); err != nil {
		return settlement.Job{}, err
	}
	job.BuyerNonce = uint64(buyerNonce)
	job.SellerNonce = uint64(sellerNonce)
	if txHandle != nil {
		job.TxHandle = *txHandle
	}
	if submittedAt != nil {
		job.SubmittedAt = *submittedAt
	}
	return job, nil
}
