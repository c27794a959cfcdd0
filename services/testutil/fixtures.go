package testutil

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	DemoAccountID   = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	TraderAccountID = uuid.MustParse("00000000-0000-0000-0000-000000000002")
)

// Dec parses a decimal literal and panics on malformed input. For
// fixtures only.
func Dec(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}
