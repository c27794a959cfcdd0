package curve

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

const (
	StatusBonding    = "bonding"
	StatusGraduating = "graduating"
	StatusGraduated  = "graduated"
)

var (
	ErrSupplyExhausted      = errors.New("curve supply exhausted")
	ErrInsufficientSupply   = errors.New("insufficient supply sold")
	ErrGraduationInProgress = errors.New("graduation in progress")
	ErrGraduated            = errors.New("token already graduated")
	ErrUnknownToken         = errors.New("unknown token")
)

// Params describes one token's sigmoid-hybrid curve: linear below the
// transition point, logistic at and above it. The two pieces are allowed a
// small documented discontinuity at the transition rather than forcing
// root-finding for exact continuity; MaxDiscontinuity bounds it.
type Params struct {
	BasePrice       decimal.Decimal
	LinearSlope     decimal.Decimal
	MaxPrice        decimal.Decimal
	SigmoidSlope    float64
	Midpoint        decimal.Decimal
	TransitionPoint decimal.Decimal

	// MaxSupply is the total supply sellable on the curve; ReserveSupply
	// is held back to seed the AMM pool at graduation.
	MaxSupply     decimal.Decimal
	ReserveSupply decimal.Decimal

	TargetMarketCap     decimal.Decimal
	MinGraduationSupply decimal.Decimal
	MinHolders          int

	// IntegrationSteps is the rectangle count for cost integration.
	IntegrationSteps int
	MaxDiscontinuity decimal.Decimal
}

// DefaultParams is the launch configuration applied to tokens restored
// from storage, which persists balances but not curve shape. The linear
// and logistic pieces meet at the transition point within the configured
// discontinuity bound.
func DefaultParams() Params {
	return Params{
		BasePrice:           decimal.RequireFromString("0.00003"),
		LinearSlope:         decimal.RequireFromString("0.00000000009"),
		MaxPrice:            decimal.RequireFromString("0.11"),
		SigmoidSlope:        0.00000001,
		Midpoint:            decimal.NewFromInt(600000000),
		TransitionPoint:     decimal.NewFromInt(600000000),
		MaxSupply:           decimal.NewFromInt(1000000000),
		ReserveSupply:       decimal.NewFromInt(200000000),
		TargetMarketCap:     decimal.NewFromInt(85000),
		MinGraduationSupply: decimal.NewFromInt(500000000),
		MinHolders:          10,
		IntegrationSteps:    1000,
		MaxDiscontinuity:    decimal.RequireFromString("0.001"),
	}
}

func (p Params) withDefaults() Params {
	if p.IntegrationSteps <= 0 {
		p.IntegrationSteps = 1000
	}
	if p.MaxDiscontinuity.IsZero() {
		p.MaxDiscontinuity = p.BasePrice.Mul(decimal.NewFromFloat(0.05))
	}
	return p
}

func (p Params) validate() error {
	if p.BasePrice.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("base price must be positive")
	}
	if p.LinearSlope.IsNegative() {
		return fmt.Errorf("linear slope must not be negative")
	}
	if p.MaxPrice.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("max price must be positive")
	}
	if p.TransitionPoint.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("transition point must be positive")
	}
	if p.MaxSupply.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("max supply must be positive")
	}
	if p.TargetMarketCap.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("target market cap must be positive")
	}

	gap := p.priceAt(p.TransitionPoint.Sub(decimal.New(1, -9))).
		Sub(p.priceAt(p.TransitionPoint)).Abs()
	if gap.GreaterThan(p.MaxDiscontinuity) {
		return fmt.Errorf("curve pieces disagree by %s at transition (max %s)", gap, p.MaxDiscontinuity)
	}
	return nil
}

// priceAt evaluates P(s). The logistic piece goes through math.Exp and is
// converted back to decimal immediately; accumulation happens in decimal.
func (p Params) priceAt(s decimal.Decimal) decimal.Decimal {
	if s.LessThan(p.TransitionPoint) {
		return p.BasePrice.Add(p.LinearSlope.Mul(s))
	}
	x, _ := s.Sub(p.Midpoint).Float64()
	denom := 1 + math.Exp(-p.SigmoidSlope*x)
	return p.MaxPrice.Div(decimal.NewFromFloat(denom))
}

// cost integrates P over [from, from+delta] with left-rectangle steps.
// Bounded pricing error is accepted in exchange for avoiding a closed-form
// logistic integral.
func (p Params) cost(from, delta decimal.Decimal) decimal.Decimal {
	steps := decimal.NewFromInt(int64(p.IntegrationSteps))
	width := delta.Div(steps)
	total := decimal.Zero
	s := from
	for i := 0; i < p.IntegrationSteps; i++ {
		total = total.Add(p.priceAt(s).Mul(width))
		s = s.Add(width)
	}
	return total
}

// State is one token's curve position. Owned exclusively by the engine;
// mutated only by buy/sell execution and the graduation transition.
type State struct {
	Token       string
	Params      Params
	SupplySold  decimal.Decimal
	TotalRaised decimal.Decimal
	Status      string
}

// Graduation is published once when a token's liquidity moves to the AMM.
type Graduation struct {
	Token       string
	FinalSupply decimal.Decimal
	FinalRaised decimal.Decimal
	PoolID      string
}
