package curve

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"log/slog"

	"github.com/maengseojun/HLH-hack-sub008/services/exchange/internal/venue"
)

// PoolCreator initializes an AMM pool from graduated reserves.
type PoolCreator interface {
	CreatePool(ctx context.Context, token string, baseReserve, quoteReserve decimal.Decimal) (string, error)
}

// HolderCounter is an external collaborator ledger. Reads are best-effort:
// an error counts as zero holders for that evaluation and graduation is
// retried on the next buy.
type HolderCounter interface {
	HolderCount(ctx context.Context, token string) (int, error)
}

// Guard is the circuit-breaker hook checked on state-changing entry points.
type Guard interface {
	AllowTrading() error
}

type tokenState struct {
	mu    sync.Mutex
	state *State
}

// Engine prices pre-graduation supply and runs the one-way
// bonding → graduating → graduated transition.
type Engine struct {
	mu     sync.RWMutex
	tokens map[string]*tokenState

	pools         PoolCreator
	holders       HolderCounter
	guard         Guard
	holderTimeout time.Duration
	logger        *slog.Logger
}

func NewEngine(pools PoolCreator, holders HolderCounter, guard Guard, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		tokens:        make(map[string]*tokenState),
		pools:         pools,
		holders:       holders,
		guard:         guard,
		holderTimeout: 3 * time.Second,
		logger:        logger,
	}
}

// Register creates curve state for a new token in bonding phase.
func (e *Engine) Register(token string, params Params) (*State, error) {
	params = params.withDefaults()
	if err := params.validate(); err != nil {
		return nil, fmt.Errorf("register %s: %w", token, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.tokens[token]; exists {
		return nil, fmt.Errorf("token %s already registered", token)
	}
	st := &State{
		Token:  token,
		Params: params,
		Status: StatusBonding,
	}
	e.tokens[token] = &tokenState{state: st}
	return st, nil
}

// Restore loads previously persisted curve state, replacing any in-memory
// entry for the token.
func (e *Engine) Restore(st State) error {
	st.Params = st.Params.withDefaults()
	if err := st.Params.validate(); err != nil {
		return fmt.Errorf("restore %s: %w", st.Token, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tokens[st.Token] = &tokenState{state: &st}
	return nil
}

func (e *Engine) token(token string) (*tokenState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ts, ok := e.tokens[token]
	if !ok {
		return nil, fmt.Errorf("token %s: %w", token, ErrUnknownToken)
	}
	return ts, nil
}

// State returns a copy of the token's curve state.
func (e *Engine) State(token string) (State, error) {
	ts, err := e.token(token)
	if err != nil {
		return State{}, err
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return *ts.state, nil
}

// Price returns the current spot price on the curve. Read-only; allowed
// while trading is halted.
func (e *Engine) Price(token string) (decimal.Decimal, error) {
	ts, err := e.token(token)
	if err != nil {
		return decimal.Zero, err
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.state.Params.priceAt(ts.state.SupplySold), nil
}

// QuoteBuy prices a buy without executing it.
func (e *Engine) QuoteBuy(token string, amount decimal.Decimal) (decimal.Decimal, error) {
	ts, err := e.token(token)
	if err != nil {
		return decimal.Zero, err
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	st := ts.state
	if st.SupplySold.Add(amount).GreaterThan(st.Params.MaxSupply) {
		return decimal.Zero, fmt.Errorf("token %s: %w", token, ErrSupplyExhausted)
	}
	return st.Params.cost(st.SupplySold, amount), nil
}

// Buy executes a curve buy and re-evaluates graduation eligibility. When
// the buy tips the token over its graduation criteria, the returned
// Graduation is non-nil.
func (e *Engine) Buy(ctx context.Context, token string, amount decimal.Decimal) (venue.Fill, *Graduation, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return venue.Fill{}, nil, fmt.Errorf("amount must be positive")
	}
	if e.guard != nil {
		if err := e.guard.AllowTrading(); err != nil {
			return venue.Fill{}, nil, err
		}
	}
	ts, err := e.token(token)
	if err != nil {
		return venue.Fill{}, nil, err
	}

	ts.mu.Lock()
	st := ts.state
	if err := tradeableLocked(st); err != nil {
		ts.mu.Unlock()
		return venue.Fill{}, nil, err
	}
	if st.SupplySold.Add(amount).GreaterThan(st.Params.MaxSupply) {
		ts.mu.Unlock()
		return venue.Fill{}, nil, fmt.Errorf("token %s: %w", token, ErrSupplyExhausted)
	}

	cost := st.Params.cost(st.SupplySold, amount)
	st.SupplySold = st.SupplySold.Add(amount)
	st.TotalRaised = st.TotalRaised.Add(cost)

	fill := venue.Fill{
		FillID:     uuid.NewString(),
		Token:      token,
		Venue:      venue.VenueCurve,
		Side:       venue.SideBuy,
		Price:      cost.Div(amount),
		Amount:     amount,
		ExecutedAt: time.Now().UTC(),
	}

	eligible := e.eligibleLocked(ctx, st)
	if eligible {
		// Lock out further trades before releasing the mutex; pool
		// creation happens outside it.
		st.Status = StatusGraduating
	}
	supply, raised := st.SupplySold, st.TotalRaised
	reserve := st.Params.ReserveSupply
	ts.mu.Unlock()

	if !eligible {
		return fill, nil, nil
	}

	grad, err := e.graduate(ctx, ts, token, supply, raised, reserve)
	if err != nil {
		// Reverted to bonding; the transition retries on the next
		// eligible buy. The buy itself already executed.
		e.logger.Error("graduation failed, reverting to bonding", "token", token, "error", err)
		return fill, nil, nil
	}
	return fill, grad, nil
}

// Sell executes a curve sell: the same integral in reverse. Sells that
// would take supply negative are rejected.
func (e *Engine) Sell(ctx context.Context, token string, amount decimal.Decimal) (venue.Fill, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return venue.Fill{}, fmt.Errorf("amount must be positive")
	}
	if e.guard != nil {
		if err := e.guard.AllowTrading(); err != nil {
			return venue.Fill{}, err
		}
	}
	ts, err := e.token(token)
	if err != nil {
		return venue.Fill{}, err
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	st := ts.state
	if err := tradeableLocked(st); err != nil {
		return venue.Fill{}, err
	}
	if amount.GreaterThan(st.SupplySold) {
		return venue.Fill{}, fmt.Errorf("sell %s exceeds supply sold %s: %w", amount, st.SupplySold, ErrInsufficientSupply)
	}

	newSupply := st.SupplySold.Sub(amount)
	refund := st.Params.cost(newSupply, amount)
	st.SupplySold = newSupply
	st.TotalRaised = st.TotalRaised.Sub(refund)

	return venue.Fill{
		FillID:     uuid.NewString(),
		Token:      token,
		Venue:      venue.VenueCurve,
		Side:       venue.SideSell,
		Price:      refund.Div(amount),
		Amount:     amount,
		ExecutedAt: time.Now().UTC(),
	}, nil
}

func tradeableLocked(st *State) error {
	switch st.Status {
	case StatusBonding:
		return nil
	case StatusGraduating:
		return fmt.Errorf("token %s: %w", st.Token, ErrGraduationInProgress)
	case StatusGraduated:
		return fmt.Errorf("token %s: %w", st.Token, ErrGraduated)
	}
	return fmt.Errorf("token %s: invalid status %q", st.Token, st.Status)
}

func (e *Engine) eligibleLocked(ctx context.Context, st *State) bool {
	if st.TotalRaised.LessThan(st.Params.TargetMarketCap) {
		return false
	}
	if st.SupplySold.LessThan(st.Params.MinGraduationSupply) {
		return false
	}
	if st.Params.MinHolders > 0 {
		holders := 0
		if e.holders != nil {
			hctx, cancel := context.WithTimeout(ctx, e.holderTimeout)
			n, err := e.holders.HolderCount(hctx, st.Token)
			cancel()
			if err != nil {
				e.logger.Warn("holder count unavailable", "token", st.Token, "error", err)
			} else {
				holders = n
			}
		}
		if holders < st.Params.MinHolders {
			return false
		}
	}
	return true
}

// graduate hands the accumulated reserve to AMM pool initialization. On
// failure the state reverts to bonding; no half-completed migration is
// left behind.
func (e *Engine) graduate(ctx context.Context, ts *tokenState, token string, supply, raised, reserve decimal.Decimal) (*Graduation, error) {
	poolID, err := e.pools.CreatePool(ctx, token, reserve, raised)

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if err != nil {
		ts.state.Status = StatusBonding
		return nil, fmt.Errorf("create pool for %s: %w", token, err)
	}
	ts.state.Status = StatusGraduated
	e.logger.Info("token graduated", "token", token, "pool_id", poolID, "supply", supply, "raised", raised)
	return &Graduation{
		Token:       token,
		FinalSupply: supply,
		FinalRaised: raised,
		PoolID:      poolID,
	}, nil
}
