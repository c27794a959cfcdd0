package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"log/slog"
)

// ErrTradingHalted is returned by every guarded entry point while the
// breaker is tripped. Read-only quote paths stay open.
var ErrTradingHalted = errors.New("trading halted")

type Config struct {
	// DrawdownThreshold trips the breaker, as a fraction of peak TVL
	// within Window (default 0.25).
	DrawdownThreshold decimal.Decimal
	Window            time.Duration
	Cooldown          time.Duration
}

func DefaultConfig() Config {
	return Config{
		DrawdownThreshold: decimal.NewFromFloat(0.25),
		Window:            24 * time.Hour,
		Cooldown:          48 * time.Hour,
	}
}

// State is the breaker's externally visible condition.
type State struct {
	Tripped       bool
	Reason        string
	TrippedAt     time.Time
	CooldownUntil time.Time
	Hold          bool
}

// Breaker halts trading venue-wide when TVL drops more than the threshold
// inside the rolling window. Construct one per process and inject the
// handle; tests build isolated instances.
type Breaker struct {
	mu     sync.Mutex
	store  TVLStore
	cfg    Config
	state  State
	logger *slog.Logger
	now    func() time.Time
}

func New(store TVLStore, cfg Config, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DrawdownThreshold.LessThanOrEqual(decimal.Zero) {
		cfg.DrawdownThreshold = decimal.NewFromFloat(0.25)
	}
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 48 * time.Hour
	}
	return &Breaker{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// RecordTVL appends a sample to the series and re-evaluates the trip
// condition against the rolling window.
func (b *Breaker) RecordTVL(ctx context.Context, value decimal.Decimal) error {
	now := b.now().UTC()
	if err := b.store.Append(ctx, Sample{At: now, Value: value}); err != nil {
		return err
	}

	samples, err := b.store.Range(ctx, now.Add(-b.cfg.Window), now)
	if err != nil {
		return err
	}

	peak := decimal.Zero
	for _, s := range samples {
		if s.Value.GreaterThan(peak) {
			peak = s.Value
		}
	}
	if peak.IsZero() {
		return nil
	}
	drawdown := peak.Sub(value).Div(peak)
	if drawdown.LessThanOrEqual(b.cfg.DrawdownThreshold) {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.Tripped {
		return nil
	}
	b.state = State{
		Tripped:       true,
		Reason:        fmt.Sprintf("tvl drawdown %s from peak %s within %s", drawdown.Round(4), peak, b.cfg.Window),
		TrippedAt:     now,
		CooldownUntil: now.Add(b.cfg.Cooldown),
		Hold:          b.state.Hold,
	}
	b.logger.Error("circuit breaker tripped", "reason", b.state.Reason, "cooldown_until", b.state.CooldownUntil)
	return nil
}

// AllowTrading reports whether state-changing calls may proceed. After the
// cooldown elapses the breaker auto-clears unless a manual hold is set.
func (b *Breaker) AllowTrading() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.state.Tripped {
		return nil
	}
	now := b.now().UTC()
	if !now.Before(b.state.CooldownUntil) && !b.state.Hold {
		b.logger.Info("circuit breaker cooldown elapsed, clearing")
		b.state = State{}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrTradingHalted, b.state.Reason)
}

// SetHold keeps the breaker tripped past its cooldown (operator override).
func (b *Breaker) SetHold(hold bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.Hold = hold
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
