package router

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/maengseojun/HLH-hack-sub008/services/exchange/internal/ledger"
)

const (
	KindMarket = "market"
	KindLimit  = "limit"

	StatusPending   = "pending"
	StatusOpen      = "open"
	StatusPartial   = "partial"
	StatusFilled    = "filled"
	StatusCancelled = "cancelled"
	StatusRejected  = "rejected"

	CauseNoLiquidity = "NO_LIQUIDITY"
	CauseCancelled   = "CANCELLED"
)

// Order is the router's working state for one submitted order. Fill
// accounting goes through the embedded ledger account only.
//
// Status, Cause and the account totals are mutated by the routing
// goroutine; mu guards them. Anything outside that goroutine reads
// through Snapshot and writes through SetStatus.
type Order struct {
	ID         string
	Token      string
	Side       string
	Kind       string
	LimitPrice *decimal.Decimal
	Owner      string
	CreatedAt  time.Time

	mu      sync.Mutex
	Account *ledger.OrderAccount
	Status  string
	Cause   string

	cancelled atomic.Bool
}

// Snapshot is a consistent view of an order's mutable state, safe to
// take while the router is still filling the order.
type Snapshot struct {
	Status       string
	Cause        string
	Requested    decimal.Decimal
	Filled       decimal.Decimal
	Remaining    decimal.Decimal
	AveragePrice decimal.Decimal
	Fees         decimal.Decimal
}

func NewOrder(token, side, kind string, amount decimal.Decimal, limitPrice *decimal.Decimal) (*Order, error) {
	account, err := ledger.NewOrderAccount(amount)
	if err != nil {
		return nil, err
	}
	if kind == KindLimit && (limitPrice == nil || limitPrice.LessThanOrEqual(decimal.Zero)) {
		return nil, fmt.Errorf("limit order requires a positive limit price")
	}
	return &Order{
		ID:         uuid.NewString(),
		Token:      token,
		Side:       side,
		Kind:       kind,
		LimitPrice: limitPrice,
		Account:    account,
		Status:     StatusPending,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// Cancel flags the order; the router honors it at its next loop check.
// Fills committed before that point stand.
func (o *Order) Cancel() {
	o.cancelled.Store(true)
}

func (o *Order) Cancelled() bool {
	return o.cancelled.Load()
}

// SetStatus records a status transition on behalf of a goroutine other
// than the routing one.
func (o *Order) SetStatus(status, cause string) {
	o.mu.Lock()
	o.Status = status
	o.Cause = cause
	o.mu.Unlock()
}

func (o *Order) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Snapshot{
		Status:       o.Status,
		Cause:        o.Cause,
		Requested:    o.Account.Requested,
		Filled:       o.Account.Filled,
		Remaining:    o.Account.Remaining,
		AveragePrice: o.Account.AveragePrice(),
		Fees:         o.Account.Fees,
	}
}

func (o *Order) Terminal() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.Status {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	}
	return false
}
