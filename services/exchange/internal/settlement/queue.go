package settlement

import (
	"context"
	"fmt"
	"time"

	"log/slog"

	"github.com/maengseojun/HLH-hack-sub008/libs/kafka"
)

// ChainClient submits settlement transactions. It returns an opaque
// transaction handle; confirmation and reverts arrive asynchronously
// through the receipt feed.
type ChainClient interface {
	SubmitSettlement(ctx context.Context, job Job) (string, error)
}

// OrderFlagger marks orders whose settlement needs manual
// reconciliation. Wired to the order store.
type OrderFlagger interface {
	FlagSettlementWarning(ctx context.Context, orderIDs ...string) error
}

type Config struct {
	// PollInterval paces the pending scan.
	PollInterval time.Duration
	// ConfirmTimeout moves a submitted job to timed_out when no receipt
	// arrives in time.
	ConfirmTimeout time.Duration
	// MaxSubmitRetries bounds re-submission of jobs whose submission call
	// itself failed (the transaction never left the building).
	MaxSubmitRetries int
	BatchSize        int
}

func DefaultConfig() Config {
	return Config{
		PollInterval:     2 * time.Second,
		ConfirmTimeout:   5 * time.Minute,
		MaxSubmitRetries: 3,
		BatchSize:        32,
	}
}

type updateEvent struct {
	kafka.Envelope
	JobID    string `json:"job_id"`
	TradeID  string `json:"trade_id"`
	Token    string `json:"token"`
	Status   string `json:"status"`
	TxHandle string `json:"tx_handle,omitempty"`
	Retries  int    `json:"retries"`
}

// Queue commits book fills on-chain exactly once. It runs decoupled from
// order placement: a stalled chain client only backs jobs up in pending.
type Queue struct {
	store    JobStore
	chain    ChainClient
	producer kafka.Publisher
	topic    string
	cfg      Config
	logger   *slog.Logger
	orders   OrderFlagger
	now      func() time.Time
}

func NewQueue(store JobStore, chain ChainClient, producer kafka.Publisher, topic string, cfg Config, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	return &Queue{
		store:    store,
		chain:    chain,
		producer: producer,
		topic:    topic,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// WithOrderFlags wires the store carrying the per-order settlement
// warning. Jobs that fail or time out flag both sides of the trade.
func (q *Queue) WithOrderFlags(flagger OrderFlagger) *Queue {
	q.orders = flagger
	return q
}

// WithClock overrides the time source. Test hook.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// Enqueue records a new pending job for a book fill.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	if err := q.store.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue settlement job: %w", err)
	}
	q.publish(ctx, job, StatusPending)
	return nil
}

// Run drives the worker loop until the context is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := q.Tick(ctx); err != nil {
				q.logger.Error("settlement tick failed", "error", err)
			}
		}
	}
}

// Tick runs one submission pass and one timeout sweep.
func (q *Queue) Tick(ctx context.Context) error {
	if err := q.submitPending(ctx); err != nil {
		return err
	}
	return q.sweepTimeouts(ctx)
}

func (q *Queue) submitPending(ctx context.Context) error {
	jobs, err := q.store.Pending(ctx, q.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("load pending jobs: %w", err)
	}

	for _, job := range jobs {
		txHandle, err := q.chain.SubmitSettlement(ctx, job)
		if err != nil {
			retries, rerr := q.store.IncrementRetry(ctx, job.ID)
			if rerr != nil {
				return rerr
			}
			if retries > q.cfg.MaxSubmitRetries {
				q.logger.Error("settlement submission retries exhausted", "job_id", job.ID, "trade_id", job.TradeID, "error", err)
				if terr := q.store.MarkTerminal(ctx, job.ID, StatusFailed); terr != nil {
					return terr
				}
				job.Status = StatusFailed
				q.flagOrders(ctx, job)
				q.publish(ctx, job, StatusFailed)
				continue
			}
			q.logger.Warn("settlement submission failed, will retry", "job_id", job.ID, "attempt", retries, "error", err)
			continue
		}

		at := q.now().UTC()
		if err := q.store.MarkSubmitted(ctx, job.ID, txHandle, at); err != nil {
			return fmt.Errorf("mark submitted %s: %w", job.ID, err)
		}
		job.Status = StatusSubmitted
		job.TxHandle = txHandle
		q.publish(ctx, job, StatusSubmitted)
	}
	return nil
}

// sweepTimeouts moves unconfirmed submissions past the window to
// timed_out. They are never auto-resubmitted: the original transaction
// may still have been mined, and resubmission risks double settlement.
func (q *Queue) sweepTimeouts(ctx context.Context) error {
	cutoff := q.now().UTC().Add(-q.cfg.ConfirmTimeout)
	stale, err := q.store.SubmittedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("load stale jobs: %w", err)
	}
	for _, job := range stale {
		q.logger.Error("settlement confirmation timed out, manual review required",
			"job_id", job.ID, "trade_id", job.TradeID, "tx_handle", job.TxHandle)
		if err := q.store.MarkTerminal(ctx, job.ID, StatusTimedOut); err != nil {
			return err
		}
		job.Status = StatusTimedOut
		q.flagOrders(ctx, job)
		q.publish(ctx, job, StatusTimedOut)
	}
	return nil
}

// Confirm applies a confirmation receipt for a submitted job.
func (q *Queue) Confirm(ctx context.Context, jobID string) error {
	return q.resolve(ctx, jobID, StatusConfirmed)
}

// Fail applies a definitive on-chain revert. Reverts indicate a logic or
// balance error and are never blindly resubmitted.
func (q *Queue) Fail(ctx context.Context, jobID string) error {
	return q.resolve(ctx, jobID, StatusFailed)
}

func (q *Queue) resolve(ctx context.Context, jobID, status string) error {
	job, err := q.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if terminal(job.Status) {
		// Late receipt for a job already resolved (e.g. after timeout).
		q.logger.Warn("receipt for terminal job ignored", "job_id", jobID, "status", job.Status, "receipt", status)
		return nil
	}
	if err := q.store.MarkTerminal(ctx, jobID, status); err != nil {
		return err
	}
	job.Status = status
	if status == StatusFailed {
		q.flagOrders(ctx, job)
	}
	q.publish(ctx, job, status)
	return nil
}

// flagOrders surfaces a terminal settlement failure on both orders.
// The trade stands either way; the flag tells the caller the on-chain
// commitment needs reconciling.
func (q *Queue) flagOrders(ctx context.Context, job Job) {
	if q.orders == nil {
		return
	}
	if err := q.orders.FlagSettlementWarning(ctx, job.BuyerOrderID, job.SellerOrderID); err != nil {
		q.logger.Error("flag settlement warning failed", "job_id", job.ID, "error", err)
	}
}

func (q *Queue) publish(ctx context.Context, job Job, status string) {
	if q.producer == nil {
		return
	}
	env, err := kafka.NewEnvelopeWithID(
		kafka.DeterministicEventID("settlements.updated", job.ID, status),
		"settlements.updated", 1, "",
	)
	if err != nil {
		q.logger.Error("settlement event envelope failed", "job_id", job.ID, "error", err)
		return
	}
	event := updateEvent{
		Envelope: env,
		JobID:    job.ID,
		TradeID:  job.TradeID,
		Token:    job.Token,
		Status:   status,
		TxHandle: job.TxHandle,
		Retries:  job.RetryCount,
	}
	if _, _, err := q.producer.PublishJSON(ctx, q.topic, job.Token, event); err != nil {
		q.logger.Error("settlement event publish failed", "job_id", job.ID, "error", err)
	}
}
