package service

import (
	"context"
	"time"

	"github.com/maengseojun/HLH-hack-sub008/libs/kafka"
	"github.com/maengseojun/HLH-hack-sub008/services/exchange/internal/curve"
	"github.com/maengseojun/HLH-hack-sub008/services/exchange/internal/venue"
)

type FillExecutedEvent struct {
	kafka.Envelope
	FillID         string `json:"fill_id"`
	OrderID        string `json:"order_id"`
	Token          string `json:"token"`
	Venue          string `json:"venue"`
	Side           string `json:"side"`
	Price          string `json:"price"`
	Amount         string `json:"amount"`
	MakerFee       string `json:"maker_fee"`
	TakerFee       string `json:"taker_fee"`
	CounterOrderID string `json:"counter_order_id,omitempty"`
	ExecutedAt     string `json:"executed_at"`
}

type CurveTradeEvent struct {
	kafka.Envelope
	FillID      string `json:"fill_id"`
	Token       string `json:"token"`
	Side        string `json:"side"`
	Price       string `json:"price"`
	Amount      string `json:"amount"`
	SupplySold  string `json:"supply_sold"`
	TotalRaised string `json:"total_raised"`
	Status      string `json:"status"`
	ExecutedAt  string `json:"executed_at"`
}

type TokenGraduatedEvent struct {
	kafka.Envelope
	Token       string `json:"token"`
	FinalSupply string `json:"final_supply"`
	FinalRaised string `json:"final_raised"`
	PoolID      string `json:"pool_id"`
}

func (s *ExchangeService) publishFills(ctx context.Context, correlationID string, fills []venue.Fill) {
	if s.producer == nil {
		return
	}
	for _, fill := range fills {
		eventID := kafka.DeterministicEventID(s.topics.FillsExecuted, fill.FillID)
		env, err := kafka.NewEnvelopeWithID(eventID, s.topics.FillsExecuted, 1, correlationID)
		if err != nil {
			s.logger.Error("build fill envelope failed", "fill_id", fill.FillID, "error", err)
			continue
		}
		payload := FillExecutedEvent{
			Envelope:       env,
			FillID:         fill.FillID,
			OrderID:        fill.OrderID,
			Token:          fill.Token,
			Venue:          fill.Venue,
			Side:           fill.Side,
			Price:          fill.Price.String(),
			Amount:         fill.Amount.String(),
			MakerFee:       fill.MakerFee.String(),
			TakerFee:       fill.TakerFee.String(),
			CounterOrderID: fill.CounterOrderID,
			ExecutedAt:     fill.ExecutedAt.UTC().Format(time.RFC3339Nano),
		}
		if _, _, err := s.producer.PublishJSON(ctx, s.topics.FillsExecuted, fill.Token, payload); err != nil {
			s.logger.Error("publish fill failed", "fill_id", fill.FillID, "error", err)
		}
	}
}

func (s *ExchangeService) publishCurveTrade(ctx context.Context, fill venue.Fill, st curve.State) {
	if s.producer == nil {
		return
	}
	eventID := kafka.DeterministicEventID(s.topics.CurveTrades, fill.FillID)
	env, err := kafka.NewEnvelopeWithID(eventID, s.topics.CurveTrades, 1, "")
	if err != nil {
		s.logger.Error("build curve trade envelope failed", "fill_id", fill.FillID, "error", err)
		return
	}
	payload := CurveTradeEvent{
		Envelope:    env,
		FillID:      fill.FillID,
		Token:       fill.Token,
		Side:        fill.Side,
		Price:       fill.Price.String(),
		Amount:      fill.Amount.String(),
		SupplySold:  st.SupplySold.String(),
		TotalRaised: st.TotalRaised.String(),
		Status:      st.Status,
		ExecutedAt:  fill.ExecutedAt.UTC().Format(time.RFC3339Nano),
	}
	if _, _, err := s.producer.PublishJSON(ctx, s.topics.CurveTrades, fill.Token, payload); err != nil {
		s.logger.Error("publish curve trade failed", "fill_id", fill.FillID, "error", err)
	}
}

func (s *ExchangeService) publishGraduation(ctx context.Context, grad *curve.Graduation) {
	if s.producer == nil {
		return
	}
	eventID := kafka.DeterministicEventID(s.topics.TokensGraduated, grad.Token)
	env, err := kafka.NewEnvelopeWithID(eventID, s.topics.TokensGraduated, 1, "")
	if err != nil {
		s.logger.Error("build graduation envelope failed", "token", grad.Token, "error", err)
		return
	}
	payload := TokenGraduatedEvent{
		Envelope:    env,
		Token:       grad.Token,
		FinalSupply: grad.FinalSupply.String(),
		FinalRaised: grad.FinalRaised.String(),
		PoolID:      grad.PoolID,
	}
	if _, _, err := s.producer.PublishJSON(ctx, s.topics.TokensGraduated, grad.Token, payload); err != nil {
		s.logger.Error("publish graduation failed", "token", grad.Token, "error", err)
	}
}
