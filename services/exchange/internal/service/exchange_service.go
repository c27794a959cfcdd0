package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/maengseojun/HLH-hack-sub008/libs/kafka"
	"github.com/maengseojun/HLH-hack-sub008/services/exchange/internal/curve"
	"github.com/maengseojun/HLH-hack-sub008/services/exchange/internal/router"
	"github.com/maengseojun/HLH-hack-sub008/services/exchange/internal/settlement"
	"github.com/maengseojun/HLH-hack-sub008/services/exchange/internal/storage"
	"github.com/maengseojun/HLH-hack-sub008/services/exchange/internal/venue"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrTokenNotFound = errors.New("token not found")
	// ErrCurvePhase rejects venue orders for tokens whose liquidity still
	// lives on the bonding curve.
	ErrCurvePhase = errors.New("token trades on the bonding curve until graduation")
)

type Topics struct {
	FillsExecuted      string
	CurveTrades        string
	TokensGraduated    string
	SettlementsUpdated string
}

func DefaultTopics() Topics {
	return Topics{
		FillsExecuted:      "fills.executed",
		CurveTrades:        "curve.trades",
		TokensGraduated:    "tokens.graduated",
		SettlementsUpdated: "settlements.updated",
	}
}

// OrderStore persists orders, fills and curve checkpoints. Nil disables
// persistence; routing state then lives only in memory.
type OrderStore interface {
	InsertOrder(ctx context.Context, order storage.Order) error
	UpdateOrder(ctx context.Context, order storage.Order) error
	GetOrder(ctx context.Context, id string) (*storage.Order, error)
	InsertFills(ctx context.Context, fills []storage.Fill) error
	UpsertCurveState(ctx context.Context, st storage.CurveState) error
	ApplyHoldingDelta(ctx context.Context, token, account string, delta decimal.Decimal) error
	NextAccountNonce(ctx context.Context, account string) (uint64, error)
}

// SettlementEnqueuer accepts settlement jobs for book fills.
type SettlementEnqueuer interface {
	Enqueue(ctx context.Context, job settlement.Job) error
}

type ExchangeService struct {
	router      *router.Router
	curve       *curve.Engine
	amm         venue.AmmVenue
	book        venue.BookVenue
	store       OrderStore
	settlements SettlementEnqueuer
	producer    kafka.Publisher
	topics      Topics
	metrics     *Metrics
	logger      *slog.Logger

	// inflight holds non-terminal orders so cancellation can reach them.
	mu       sync.RWMutex
	inflight map[string]*router.Order

	nonce atomic.Uint64
}

func NewExchangeService(
	orderRouter *router.Router,
	curveEngine *curve.Engine,
	amm venue.AmmVenue,
	book venue.BookVenue,
	store OrderStore,
	settlements SettlementEnqueuer,
	producer kafka.Publisher,
	topics Topics,
	metrics *Metrics,
	logger *slog.Logger,
) *ExchangeService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExchangeService{
		router:      orderRouter,
		curve:       curveEngine,
		amm:         amm,
		book:        book,
		store:       store,
		settlements: settlements,
		producer:    producer,
		topics:      topics,
		metrics:     metrics,
		logger:      logger,
		inflight:    make(map[string]*router.Order),
	}
}

type SubmitOrderInput struct {
	Token         string
	Side          string
	Kind          string
	Amount        decimal.Decimal
	LimitPrice    *decimal.Decimal
	Account       string
	CorrelationID string
}

type SubmitOrderResult struct {
	Order *router.Order
	Fills []venue.Fill
}

func (s *ExchangeService) SubmitOrder(ctx context.Context, input SubmitOrderInput) (*SubmitOrderResult, error) {
	start := time.Now()

	if err := s.requireGraduated(input.Token); err != nil {
		s.count(s.metrics, "rejected")
		return nil, err
	}

	order, err := router.NewOrder(input.Token, input.Side, input.Kind, input.Amount, input.LimitPrice)
	if err != nil {
		s.count(s.metrics, "invalid")
		return nil, err
	}
	order.Owner = input.Account

	s.track(order)
	defer s.untrack(order)

	if s.store != nil {
		if err := s.store.InsertOrder(ctx, toStorageOrder(order)); err != nil {
			return nil, fmt.Errorf("persist order: %w", err)
		}
	}

	fills, routeErr := s.router.Route(ctx, order)

	s.persistOutcome(ctx, order, fills)
	s.publishFills(ctx, input.CorrelationID, fills)
	s.enqueueSettlements(ctx, order, fills)

	status := order.Snapshot().Status
	if s.metrics != nil {
		s.metrics.RoutingLatency.WithLabelValues(status).Observe(time.Since(start).Seconds())
		for _, fill := range fills {
			s.metrics.FillsExecuted.WithLabelValues(fill.Venue).Inc()
		}
	}
	s.count(s.metrics, status)

	if routeErr != nil {
		return &SubmitOrderResult{Order: order, Fills: fills}, routeErr
	}
	return &SubmitOrderResult{Order: order, Fills: fills}, nil
}

func (s *ExchangeService) GetOrder(ctx context.Context, id string) (*storage.Order, error) {
	s.mu.RLock()
	order, ok := s.inflight[id]
	s.mu.RUnlock()
	if ok {
		stored := toStorageOrder(order)
		// The warning flag lives in the store; earlier fills of a still
		// resting order may already have failed settlement.
		if s.store != nil {
			if persisted, err := s.store.GetOrder(ctx, id); err == nil {
				stored.SettlementWarning = persisted.SettlementWarning
			}
		}
		return &stored, nil
	}
	if s.store == nil {
		return nil, ErrOrderNotFound
	}
	stored, err := s.store.GetOrder(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return stored, nil
}

// CancelOrder flags an in-flight order and removes its resting book
// presence. A chunk already executing completes before the flag is seen.
func (s *ExchangeService) CancelOrder(ctx context.Context, id string) (*storage.Order, error) {
	s.mu.RLock()
	order, ok := s.inflight[id]
	s.mu.RUnlock()
	if !ok {
		// Not in flight: resting limits survive in the book and store.
		stored, err := s.GetOrder(ctx, id)
		if err != nil {
			s.countCancel("not_found")
			return nil, err
		}
		if stored.Status != router.StatusOpen {
			s.countCancel("terminal")
			return stored, nil
		}
		if _, err := s.book.Cancel(ctx, stored.Token, id); err != nil {
			s.countCancel("error")
			return nil, err
		}
		stored.Status = router.StatusCancelled
		stored.Cause = router.CauseCancelled
		if s.store != nil {
			if err := s.store.UpdateOrder(ctx, *stored); err != nil {
				return nil, err
			}
		}
		s.countCancel("success")
		return stored, nil
	}

	order.Cancel()
	if order.Kind == router.KindLimit && order.Snapshot().Status == router.StatusOpen {
		if _, err := s.book.Cancel(ctx, order.Token, order.ID); err != nil {
			s.countCancel("error")
			return nil, err
		}
		order.SetStatus(router.StatusCancelled, router.CauseCancelled)
		s.mu.Lock()
		delete(s.inflight, order.ID)
		s.mu.Unlock()
		if s.store != nil {
			if err := s.store.UpdateOrder(ctx, toStorageOrder(order)); err != nil {
				s.logger.Error("persist cancellation failed", "order_id", order.ID, "error", err)
			}
		}
	}
	// In-flight market orders finish their current chunk first; the
	// router records the terminal state when it observes the flag.
	s.countCancel("success")
	stored := toStorageOrder(order)
	return &stored, nil
}

type QuoteResult struct {
	Token     string
	Side      string
	Venue     string
	Price     decimal.Decimal
	AmountOut decimal.Decimal
}

// Quote reports the indicative execution price for an amount without
// touching any venue state.
func (s *ExchangeService) Quote(ctx context.Context, token, side string, amount decimal.Decimal) (*QuoteResult, error) {
	if st, err := s.curve.State(token); err == nil && st.Status != curve.StatusGraduated {
		price, err := s.curve.Price(token)
		if err != nil {
			return nil, err
		}
		out := decimal.Zero
		if side == venue.SideBuy {
			if out, err = s.curve.QuoteBuy(token, amount); err != nil {
				return nil, err
			}
		}
		return &QuoteResult{Token: token, Side: side, Venue: venue.VenueCurve, Price: price, AmountOut: out}, nil
	}

	ammPrice, ammErr := s.amm.MarginalPrice(ctx, token)
	bookPrice, bookOK, bookErr := s.book.BestPrice(ctx, token, venue.Opposite(side))
	if ammErr != nil && (bookErr != nil || !bookOK) {
		return nil, ErrTokenNotFound
	}

	result := &QuoteResult{Token: token, Side: side}
	switch {
	case ammErr == nil && bookOK && bookErr == nil:
		if betterPrice(ammPrice, bookPrice, side) {
			result.Venue, result.Price = venue.VenueAMM, ammPrice
		} else {
			result.Venue, result.Price = venue.VenueBook, bookPrice
		}
	case ammErr == nil:
		result.Venue, result.Price = venue.VenueAMM, ammPrice
	default:
		result.Venue, result.Price = venue.VenueBook, bookPrice
	}
	return result, nil
}

type CurveTradeResult struct {
	Fill       venue.Fill
	State      curve.State
	Graduation *curve.Graduation
}

// CurveTrade executes a buy or sell against a token's bonding curve and
// checkpoints the resulting state.
func (s *ExchangeService) CurveTrade(ctx context.Context, token, side, account string, amount decimal.Decimal) (*CurveTradeResult, error) {
	var fill venue.Fill
	var grad *curve.Graduation
	var err error

	switch side {
	case venue.SideBuy:
		fill, grad, err = s.curve.Buy(ctx, token, amount)
	case venue.SideSell:
		fill, err = s.curve.Sell(ctx, token, amount)
	default:
		err = fmt.Errorf("side must be buy or sell")
	}
	if err != nil {
		s.countCurve(side, "rejected")
		return nil, err
	}
	s.countCurve(side, "executed")

	st, stateErr := s.curve.State(token)
	if stateErr != nil {
		return nil, stateErr
	}

	s.persistCurveTrade(ctx, token, side, account, fill, st)
	s.publishCurveTrade(ctx, fill, st)
	if grad != nil {
		if s.metrics != nil {
			s.metrics.TokenGraduations.Inc()
		}
		s.publishGraduation(ctx, grad)
	}

	return &CurveTradeResult{Fill: fill, State: st, Graduation: grad}, nil
}

func (s *ExchangeService) CurveState(token string) (curve.State, error) {
	st, err := s.curve.State(token)
	if err != nil {
		if errors.Is(err, curve.ErrUnknownToken) {
			return curve.State{}, ErrTokenNotFound
		}
		return curve.State{}, err
	}
	return st, nil
}

func (s *ExchangeService) requireGraduated(token string) error {
	st, err := s.curve.State(token)
	if err != nil {
		// Unknown to the curve engine means the token was never on a
		// curve; the venues decide whether it trades.
		return nil
	}
	if st.Status != curve.StatusGraduated {
		return ErrCurvePhase
	}
	return nil
}

func (s *ExchangeService) track(order *router.Order) {
	s.mu.Lock()
	s.inflight[order.ID] = order
	s.mu.Unlock()
}

func (s *ExchangeService) untrack(order *router.Order) {
	// Resting limits stay reachable for cancellation until filled.
	if order.Snapshot().Status == router.StatusOpen {
		return
	}
	s.mu.Lock()
	delete(s.inflight, order.ID)
	s.mu.Unlock()
}

func (s *ExchangeService) persistOutcome(ctx context.Context, order *router.Order, fills []venue.Fill) {
	if s.store == nil {
		return
	}
	if len(fills) > 0 {
		stored := make([]storage.Fill, 0, len(fills))
		for _, fill := range fills {
			stored = append(stored, storage.Fill{
				ID:             fill.FillID,
				OrderID:        fill.OrderID,
				Token:          fill.Token,
				Venue:          fill.Venue,
				Side:           fill.Side,
				Price:          fill.Price,
				Amount:         fill.Amount,
				MakerFee:       fill.MakerFee,
				TakerFee:       fill.TakerFee,
				CounterOrderID: fill.CounterOrderID,
				ExecutedAt:     fill.ExecutedAt,
			})
		}
		if err := s.store.InsertFills(ctx, stored); err != nil {
			s.logger.Error("persist fills failed", "order_id", order.ID, "error", err)
		}
	}
	if err := s.store.UpdateOrder(ctx, toStorageOrder(order)); err != nil {
		s.logger.Error("persist order outcome failed", "order_id", order.ID, "error", err)
	}
}

func (s *ExchangeService) persistCurveTrade(ctx context.Context, token, side, account string, fill venue.Fill, st curve.State) {
	if s.store == nil {
		return
	}
	if err := s.store.InsertFills(ctx, []storage.Fill{{
		ID:         fill.FillID,
		OrderID:    fill.OrderID,
		Token:      fill.Token,
		Venue:      fill.Venue,
		Side:       fill.Side,
		Price:      fill.Price,
		Amount:     fill.Amount,
		MakerFee:   fill.MakerFee,
		TakerFee:   fill.TakerFee,
		ExecutedAt: fill.ExecutedAt,
	}}); err != nil {
		s.logger.Error("persist curve fill failed", "token", token, "error", err)
	}
	if account != "" {
		delta := fill.Amount
		if side == venue.SideSell {
			delta = delta.Neg()
		}
		if err := s.store.ApplyHoldingDelta(ctx, token, account, delta); err != nil {
			s.logger.Error("apply holding delta failed", "token", token, "account", account, "error", err)
		}
	}
	if err := s.store.UpsertCurveState(ctx, storage.CurveState{
		Token:       st.Token,
		SupplySold:  st.SupplySold,
		TotalRaised: st.TotalRaised,
		Status:      st.Status,
	}); err != nil {
		s.logger.Error("checkpoint curve state failed", "token", token, "error", err)
	}
}

func (s *ExchangeService) enqueueSettlements(ctx context.Context, order *router.Order, fills []venue.Fill) {
	if s.settlements == nil {
		return
	}
	for _, fill := range fills {
		// AMM legs settle atomically inside the pool; only matched book
		// trades need an on-chain commitment.
		if fill.Venue != venue.VenueBook {
			continue
		}
		buyer, seller := order.Owner, s.orderOwner(ctx, fill.CounterOrderID)
		if fill.Side != venue.SideBuy {
			buyer, seller = seller, buyer
		}
		buyerNonce, err := s.nextNonce(ctx, buyer)
		if err != nil {
			s.logger.Error("reserve buyer nonce failed", "trade_id", fill.FillID, "account", buyer, "error", err)
			continue
		}
		sellerNonce, err := s.nextNonce(ctx, seller)
		if err != nil {
			s.logger.Error("reserve seller nonce failed", "trade_id", fill.FillID, "account", seller, "error", err)
			continue
		}
		job := settlement.JobFromFill(fill, buyerNonce, sellerNonce)
		if err := s.settlements.Enqueue(ctx, job); err != nil {
			s.logger.Error("enqueue settlement failed", "trade_id", fill.FillID, "error", err)
			continue
		}
		if s.metrics != nil {
			s.metrics.SettlementsEnqueued.Inc()
		}
	}
}

// orderOwner resolves the account behind a resting counterparty order.
// Orders without a recorded account fall back to the order id as the
// nonce scope so their sequence still never collides across accounts.
func (s *ExchangeService) orderOwner(ctx context.Context, orderID string) string {
	if s.store == nil || orderID == "" {
		return orderID
	}
	stored, err := s.store.GetOrder(ctx, orderID)
	if err != nil || stored.Account == "" {
		return orderID
	}
	return stored.Account
}

// nextNonce reserves the next settlement nonce for an account. With a
// store the high-water mark is persisted and survives restarts; the
// in-memory counter only serves storeless single-process runs.
func (s *ExchangeService) nextNonce(ctx context.Context, account string) (uint64, error) {
	if s.store != nil {
		return s.store.NextAccountNonce(ctx, account)
	}
	return s.nonce.Add(1), nil
}

func (s *ExchangeService) count(m *Metrics, status string) {
	if m != nil {
		m.OrderSubmissions.WithLabelValues(status).Inc()
	}
}

func (s *ExchangeService) countCancel(status string) {
	if s.metrics != nil {
		s.metrics.OrderCancellations.WithLabelValues(status).Inc()
	}
}

func (s *ExchangeService) countCurve(side, status string) {
	if s.metrics != nil {
		s.metrics.CurveTrades.WithLabelValues(side, status).Inc()
	}
}

func toStorageOrder(order *router.Order) storage.Order {
	snap := order.Snapshot()
	return storage.Order{
		ID:           order.ID,
		Token:        order.Token,
		Side:         order.Side,
		Kind:         order.Kind,
		LimitPrice:   order.LimitPrice,
		Account:      order.Owner,
		Requested:    snap.Requested,
		Filled:       snap.Filled,
		AveragePrice: snap.AveragePrice,
		Fees:         snap.Fees,
		Status:       snap.Status,
		Cause:        snap.Cause,
		CreatedAt:    order.CreatedAt,
	}
}

func betterPrice(ammPrice, bookPrice decimal.Decimal, side string) bool {
	if side == venue.SideBuy {
		return ammPrice.LessThan(bookPrice)
	}
	return ammPrice.GreaterThan(bookPrice)
}
