package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/maengseojun/HLH-hack-sub008/services/exchange/internal/breaker"
	"github.com/maengseojun/HLH-hack-sub008/services/exchange/internal/curve"
	"github.com/maengseojun/HLH-hack-sub008/services/exchange/internal/router"
	"github.com/maengseojun/HLH-hack-sub008/services/exchange/internal/service"
	"github.com/maengseojun/HLH-hack-sub008/services/exchange/internal/storage"
	"github.com/maengseojun/HLH-hack-sub008/services/exchange/internal/validation"
	"github.com/maengseojun/HLH-hack-sub008/services/exchange/internal/venue"
)

type ExchangeService interface {
	SubmitOrder(ctx context.Context, input service.SubmitOrderInput) (*service.SubmitOrderResult, error)
	GetOrder(ctx context.Context, id string) (*storage.Order, error)
	CancelOrder(ctx context.Context, id string) (*storage.Order, error)
	Quote(ctx context.Context, token, side string, amount decimal.Decimal) (*service.QuoteResult, error)
	CurveTrade(ctx context.Context, token, side, account string, amount decimal.Decimal) (*service.CurveTradeResult, error)
	CurveState(token string) (curve.State, error)
}

type Handler struct {
	Service ExchangeService
	Logger  *slog.Logger
}

func New(svc ExchangeService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: svc, Logger: logger}
}

func (h *Handler) Register(r *gin.Engine) {
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders/:id", h.GetOrder)
	r.DELETE("/orders/:id", h.CancelOrder)
	r.GET("/quotes/:token", h.Quote)
	r.POST("/curve/:token/trades", h.CurveTrade)
	r.GET("/curve/:token", h.CurveState)
}

type createOrderRequest struct {
	Token      string `json:"token"`
	Side       string `json:"side"`
	Kind       string `json:"kind"`
	Amount     string `json:"amount"`
	LimitPrice string `json:"limit_price"`
	Account    string `json:"account"`
}

type fillItem struct {
	FillID string `json:"fill_id"`
	Venue  string `json:"venue"`
	Price  string `json:"price"`
	Amount string `json:"amount"`
}

type createOrderResponse struct {
	OrderID      string     `json:"order_id"`
	Status       string     `json:"status"`
	Cause        string     `json:"cause,omitempty"`
	Requested    string     `json:"requested"`
	Filled       string     `json:"filled"`
	AveragePrice string     `json:"average_price"`
	Fees         string     `json:"fees"`
	Fills        []fillItem `json:"fills,omitempty"`
	CreatedAt    string     `json:"created_at"`
}

type orderItem struct {
	OrderID      string  `json:"order_id"`
	Token        string  `json:"token"`
	Side         string  `json:"side"`
	Kind         string  `json:"kind"`
	LimitPrice   *string `json:"limit_price,omitempty"`
	Requested    string  `json:"requested"`
	Filled       string  `json:"filled"`
	AveragePrice string  `json:"average_price"`
	Fees         string  `json:"fees"`
	Status       string  `json:"status"`
	Cause        string  `json:"cause,omitempty"`

	// SettlementWarning reports a failed or timed out on-chain
	// settlement for one of the order's fills.
	SettlementWarning bool `json:"settlement_warning"`

	CreatedAt string `json:"created_at"`
}

type curveTradeRequest struct {
	Side    string `json:"side"`
	Amount  string `json:"amount"`
	Account string `json:"account"`
}

type errorResponse struct {
	Code    string                  `json:"code"`
	Message string                  `json:"message"`
	Fields  []validation.FieldError `json:"fields,omitempty"`
}

func (h *Handler) CreateOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}

	errs := validation.ValidateOrderRequest(req.Token, req.Side, req.Kind, req.Amount, req.LimitPrice)
	if len(errs) > 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request", errs)
		return
	}

	amount, _ := decimal.NewFromString(strings.TrimSpace(req.Amount))
	var limitPrice *decimal.Decimal
	if strings.TrimSpace(req.LimitPrice) != "" {
		price, _ := decimal.NewFromString(strings.TrimSpace(req.LimitPrice))
		limitPrice = &price
	}

	input := service.SubmitOrderInput{
		Token:         validation.NormalizeToken(req.Token),
		Side:          strings.ToLower(strings.TrimSpace(req.Side)),
		Kind:          strings.ToLower(strings.TrimSpace(req.Kind)),
		Amount:        amount,
		LimitPrice:    limitPrice,
		Account:       strings.TrimSpace(req.Account),
		CorrelationID: requestIDFromContext(c),
	}

	result, err := h.Service.SubmitOrder(c.Request.Context(), input)
	if err != nil {
		switch {
		case errors.Is(err, breaker.ErrTradingHalted):
			writeError(c, http.StatusServiceUnavailable, "TRADING_HALTED", "trading halted", nil)
		case errors.Is(err, service.ErrCurvePhase):
			writeError(c, http.StatusBadRequest, "CURVE_PHASE", "token trades on its bonding curve", nil)
		case errors.Is(err, router.ErrLimitCrossesMarket):
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "limit price crosses the market", nil)
		default:
			// Partial routing failures still carry the fills that landed.
			if result != nil && result.Order != nil {
				h.Logger.Error("routing ended with error", "order_id", result.Order.ID, "error", err)
				c.JSON(http.StatusOK, orderToResponse(result))
				return
			}
			h.Logger.Error("submit order failed", "error", err)
			writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		}
		return
	}

	c.JSON(http.StatusOK, orderToResponse(result))
}

func (h *Handler) GetOrder(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	order, err := h.Service.GetOrder(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrOrderNotFound) {
			writeError(c, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found", nil)
			return
		}
		h.Logger.Error("get order failed", "order_id", id, "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}
	c.JSON(http.StatusOK, orderToItem(order))
}

func (h *Handler) CancelOrder(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	order, err := h.Service.CancelOrder(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrOrderNotFound) {
			writeError(c, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found", nil)
			return
		}
		h.Logger.Error("cancel order failed", "order_id", id, "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"order_id": order.ID,
		"status":   order.Status,
		"filled":   order.Filled.String(),
	})
}

func (h *Handler) Quote(c *gin.Context) {
	token := validation.NormalizeToken(c.Param("token"))
	side := strings.ToLower(strings.TrimSpace(c.Query("side")))
	if side != venue.SideBuy && side != venue.SideSell {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "side must be buy or sell", nil)
		return
	}
	amount := decimal.Zero
	if raw := strings.TrimSpace(c.Query("amount")); raw != "" {
		parsed, err := decimal.NewFromString(raw)
		if err != nil || parsed.LessThanOrEqual(decimal.Zero) {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "amount must be a positive decimal", nil)
			return
		}
		amount = parsed
	}

	quote, err := h.Service.Quote(c.Request.Context(), token, side, amount)
	if err != nil {
		if errors.Is(err, service.ErrTokenNotFound) || errors.Is(err, curve.ErrUnknownToken) {
			writeError(c, http.StatusNotFound, "TOKEN_NOT_FOUND", "token not found", nil)
			return
		}
		h.Logger.Error("quote failed", "token", token, "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      quote.Token,
		"side":       quote.Side,
		"venue":      quote.Venue,
		"price":      quote.Price.String(),
		"amount_out": quote.AmountOut.String(),
	})
}

func (h *Handler) CurveTrade(c *gin.Context) {
	token := validation.NormalizeToken(c.Param("token"))

	var req curveTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}

	errs := validation.ValidateCurveTradeRequest(token, req.Side, req.Amount)
	if len(errs) > 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request", errs)
		return
	}

	amount, _ := decimal.NewFromString(strings.TrimSpace(req.Amount))
	side := strings.ToLower(strings.TrimSpace(req.Side))

	result, err := h.Service.CurveTrade(c.Request.Context(), token, side, strings.TrimSpace(req.Account), amount)
	if err != nil {
		switch {
		case errors.Is(err, curve.ErrUnknownToken):
			writeError(c, http.StatusNotFound, "TOKEN_NOT_FOUND", "token not found", nil)
		case errors.Is(err, breaker.ErrTradingHalted):
			writeError(c, http.StatusServiceUnavailable, "TRADING_HALTED", "trading halted", nil)
		case errors.Is(err, curve.ErrGraduated), errors.Is(err, curve.ErrGraduationInProgress):
			writeError(c, http.StatusBadRequest, "CURVE_PHASE", err.Error(), nil)
		case errors.Is(err, curve.ErrSupplyExhausted), errors.Is(err, curve.ErrInsufficientSupply):
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		default:
			h.Logger.Error("curve trade failed", "token", token, "error", err)
			writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		}
		return
	}

	resp := gin.H{
		"fill_id":      result.Fill.FillID,
		"token":        token,
		"side":         side,
		"price":        result.Fill.Price.String(),
		"amount":       result.Fill.Amount.String(),
		"supply_sold":  result.State.SupplySold.String(),
		"total_raised": result.State.TotalRaised.String(),
		"status":       result.State.Status,
		"executed_at":  result.Fill.ExecutedAt.UTC().Format(time.RFC3339Nano),
	}
	if result.Graduation != nil {
		resp["graduation"] = gin.H{
			"pool_id":      result.Graduation.PoolID,
			"final_supply": result.Graduation.FinalSupply.String(),
			"final_raised": result.Graduation.FinalRaised.String(),
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) CurveState(c *gin.Context) {
	token := validation.NormalizeToken(c.Param("token"))
	st, err := h.Service.CurveState(token)
	if err != nil {
		if errors.Is(err, service.ErrTokenNotFound) {
			writeError(c, http.StatusNotFound, "TOKEN_NOT_FOUND", "token not found", nil)
			return
		}
		h.Logger.Error("curve state failed", "token", token, "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":        st.Token,
		"status":       st.Status,
		"supply_sold":  st.SupplySold.String(),
		"total_raised": st.TotalRaised.String(),
		"max_supply":   st.Params.MaxSupply.String(),
		"target_cap":   st.Params.TargetMarketCap.String(),
	})
}

func orderToResponse(result *service.SubmitOrderResult) createOrderResponse {
	order := result.Order
	fills := make([]fillItem, 0, len(result.Fills))
	for _, fill := range result.Fills {
		fills = append(fills, fillItem{
			FillID: fill.FillID,
			Venue:  fill.Venue,
			Price:  fill.Price.String(),
			Amount: fill.Amount.String(),
		})
	}
	snap := order.Snapshot()
	return createOrderResponse{
		OrderID:      order.ID,
		Status:       snap.Status,
		Cause:        snap.Cause,
		Requested:    snap.Requested.String(),
		Filled:       snap.Filled.String(),
		AveragePrice: snap.AveragePrice.String(),
		Fees:         snap.Fees.String(),
		Fills:        fills,
		CreatedAt:    order.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func orderToItem(order *storage.Order) orderItem {
	var limitPrice *string
	if order.LimitPrice != nil {
		val := order.LimitPrice.String()
		limitPrice = &val
	}
	return orderItem{
		OrderID:      order.ID,
		Token:        order.Token,
		Side:         order.Side,
		Kind:         order.Kind,
		LimitPrice:   limitPrice,
		Requested:    order.Requested.String(),
		Filled:       order.Filled.String(),
		AveragePrice: order.AveragePrice.String(),
		Fees:         order.Fees.String(),
		Status:       order.Status,
		Cause:        order.Cause,

		SettlementWarning: order.SettlementWarning,

		CreatedAt: order.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func writeError(c *gin.Context, status int, code, message string, fields []validation.FieldError) {
	c.JSON(status, errorResponse{Code: code, Message: message, Fields: fields})
}

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get("X-Request-ID"); ok {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return ""
}
