package settlement

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/maengseojun/HLH-hack-sub008/services/exchange/internal/venue"
)

const (
	StatusPending   = "pending"
	StatusSubmitted = "submitted"
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
	StatusTimedOut  = "timed_out"
)

var (
	ErrJobNotFound      = errors.New("settlement job not found")
	ErrInvalidStatus    = errors.New("invalid settlement status transition")
	ErrSettlementFailed = errors.New("settlement failed on-chain")
)

// Job is one off-chain book trade awaiting its exactly-once on-chain
// commitment. The nonce pair is the contract-side idempotency net.
type Job struct {
	ID            string
	TradeID       string
	Token         string
	BuyerOrderID  string
	SellerOrderID string
	Amount        decimal.Decimal
	Price         decimal.Decimal
	BuyerNonce    uint64
	SellerNonce   uint64
	Status        string
	RetryCount    int
	TxHandle      string
	CreatedAt     time.Time
	SubmittedAt   time.Time
}

// JobFromFill builds a pending job for a book fill. The taker side tells
// which of the two orders bought.
func JobFromFill(fill venue.Fill, buyerNonce, sellerNonce uint64) Job {
	buyer, seller := fill.OrderID, fill.CounterOrderID
	if fill.Side == venue.SideSell {
		buyer, seller = fill.CounterOrderID, fill.OrderID
	}
	return Job{
		ID:            uuid.NewString(),
		TradeID:       fill.FillID,
		Token:         fill.Token,
		BuyerOrderID:  buyer,
		SellerOrderID: seller,
		Amount:        fill.Amount,
		Price:         fill.Price,
		BuyerNonce:    buyerNonce,
		SellerNonce:   sellerNonce,
		Status:        StatusPending,
		CreatedAt:     fill.ExecutedAt,
	}
}

func terminal(status string) bool {
	switch status {
	case StatusConfirmed, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

// JobStore is the queue's persistence boundary. The pgx-backed store in
// internal/storage implements it for production; MemoryStore covers tests
// and single-node runs.
type JobStore interface {
	Enqueue(ctx context.Context, job Job) error
	Get(ctx context.Context, id string) (Job, error)
	Pending(ctx context.Context, limit int) ([]Job, error)
	MarkSubmitted(ctx context.Context, id, txHandle string, at time.Time) error
	IncrementRetry(ctx context.Context, id string) (int, error)
	MarkTerminal(ctx context.Context, id, status string) error
	SubmittedBefore(ctx context.Context, cutoff time.Time) ([]Job, error)
}

type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (m *MemoryStore) Enqueue(_ context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return nil
	}
	copied := job
	m.jobs[job.ID] = &copied
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return *job, nil
}

func (m *MemoryStore) Pending(_ context.Context, limit int) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, 0, limit)
	for _, job := range m.jobs {
		if job.Status != StatusPending {
			continue
		}
		out = append(out, *job)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkSubmitted(_ context.Context, id, txHandle string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != StatusPending {
		return ErrInvalidStatus
	}
	job.Status = StatusSubmitted
	job.TxHandle = txHandle
	job.SubmittedAt = at
	return nil
}

func (m *MemoryStore) IncrementRetry(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return 0, ErrJobNotFound
	}
	job.RetryCount++
	return job.RetryCount, nil
}

func (m *MemoryStore) MarkTerminal(_ context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if !terminal(status) {
		return ErrInvalidStatus
	}
	if terminal(job.Status) {
		return ErrInvalidStatus
	}
	job.Status = status
	return nil
}

func (m *MemoryStore) SubmittedBefore(_ context.Context, cutoff time.Time) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Job
	for _, job := range m.jobs {
		if job.Status == StatusSubmitted && job.SubmittedAt.Before(cutoff) {
			out = append(out, *job)
		}
	}
	return out, nil
}
