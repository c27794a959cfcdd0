package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

type Order struct {
	ID           string
	Token        string
	Side         string
	Kind         string
	LimitPrice   *decimal.Decimal
	Account      string
	Requested    decimal.Decimal
	Filled       decimal.Decimal
	AveragePrice decimal.Decimal
	Fees         decimal.Decimal
	Status       string
	Cause        string
	// SettlementWarning marks an order whose book fill reached the chain
	// queue but failed or timed out there. The trade itself stands.
	SettlementWarning bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type Fill struct {
	ID             string
	OrderID        string
	Token          string
	Venue          string
	Side           string
	Price          decimal.Decimal
	Amount         decimal.Decimal
	MakerFee       decimal.Decimal
	TakerFee       decimal.Decimal
	CounterOrderID string
	ExecutedAt     time.Time
}

type CurveState struct {
	Token       string
	SupplySold  decimal.Decimal
	TotalRaised decimal.Decimal
	Status      string
	UpdatedAt   time.Time
}

type Holding struct {
	Token   string
	Account string
	Balance decimal.Decimal
}
