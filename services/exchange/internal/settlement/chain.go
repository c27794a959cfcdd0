package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/maengseojun/HLH-hack-sub008/libs/kafka"
)

const submitEventType = "settlements.submit"

// SubmitEvent asks the chain gateway to sign and broadcast a settlement
// transaction. The gateway answers on the receipt topic using the same
// transaction handle.
type SubmitEvent struct {
	kafka.Envelope
	JobID         string `json:"job_id"`
	TradeID       string `json:"trade_id"`
	Token         string `json:"token"`
	BuyerOrderID  string `json:"buyer_order_id"`
	SellerOrderID string `json:"seller_order_id"`
	Amount        string `json:"amount"`
	Price         string `json:"price"`
	BuyerNonce    uint64 `json:"buyer_nonce"`
	SellerNonce   uint64 `json:"seller_nonce"`
	TxHandle      string `json:"tx_handle"`
	SubmittedAt   string `json:"submitted_at"`
}

// ChainPublisher bridges settlement submissions onto the chain gateway's
// request topic. The tx handle is derived from the job and retry count so
// a replayed submission carries the same handle and the gateway can
// deduplicate it.
type ChainPublisher struct {
	producer kafka.Publisher
	topic    string
	logger   *slog.Logger
	now      func() time.Time
}

func NewChainPublisher(producer kafka.Publisher, topic string, logger *slog.Logger) *ChainPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChainPublisher{
		producer: producer,
		topic:    topic,
		logger:   logger,
		now:      time.Now,
	}
}

func (p *ChainPublisher) SubmitSettlement(ctx context.Context, job Job) (string, error) {
	txHandle := kafka.DeterministicEventID(submitEventType, job.ID, fmt.Sprintf("%d", job.RetryCount))

	envelope, err := kafka.NewEnvelopeWithID(
		kafka.DeterministicEventID(submitEventType, job.ID, txHandle),
		submitEventType, 1, job.TradeID,
	)
	if err != nil {
		return "", fmt.Errorf("build submit envelope: %w", err)
	}

	event := SubmitEvent{
		Envelope:      envelope,
		JobID:         job.ID,
		TradeID:       job.TradeID,
		Token:         job.Token,
		BuyerOrderID:  job.BuyerOrderID,
		SellerOrderID: job.SellerOrderID,
		Amount:        job.Amount.String(),
		Price:         job.Price.String(),
		BuyerNonce:    job.BuyerNonce,
		SellerNonce:   job.SellerNonce,
		TxHandle:      txHandle,
		SubmittedAt:   p.now().UTC().Format(time.RFC3339Nano),
	}

	partition, offset, err := p.producer.PublishJSON(ctx, p.topic, job.Token, event)
	if err != nil {
		return "", fmt.Errorf("publish settlement submission: %w", err)
	}

	p.logger.Info("settlement submitted to chain gateway",
		"job_id", job.ID,
		"tx_handle", txHandle,
		"partition", partition,
		"offset", offset,
	)
	return txHandle, nil
}
