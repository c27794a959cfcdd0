package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"log/slog"

	"github.com/IBM/sarama"
	"github.com/maengseojun/HLH-hack-sub008/libs/kafka"
)

const chainReceiptsEventType = "chain.receipts"

type ChainReceiptEvent struct {
	kafka.Envelope
	JobID    string `json:"job_id"`
	TxHandle string `json:"tx_handle"`
	Outcome  string `json:"outcome"`
	Reason   string `json:"reason,omitempty"`
}

func (e *ChainReceiptEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if e.EventType != chainReceiptsEventType {
		return fmt.Errorf("unexpected event_type: %s", e.EventType)
	}
	if strings.TrimSpace(e.JobID) == "" {
		return fmt.Errorf("job_id is required")
	}
	outcome := strings.ToLower(strings.TrimSpace(e.Outcome))
	if outcome != "confirmed" && outcome != "reverted" {
		return fmt.Errorf("outcome must be confirmed or reverted")
	}
	return nil
}

// Resolver applies receipt outcomes to submitted settlement jobs.
type Resolver interface {
	Confirm(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID string) error
}

// ReceiptConsumer applies on-chain receipts to pending settlements.
type ReceiptConsumer struct {
	queue  Resolver
	logger *slog.Logger
}

func NewReceiptConsumer(queue Resolver, logger *slog.Logger) *ReceiptConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReceiptConsumer{queue: queue, logger: logger}
}

func (c *ReceiptConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		return fmt.Errorf("empty kafka message")
	}
	var event ChainReceiptEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("decode chain.receipts: %w", err)
	}
	if err := event.Validate(); err != nil {
		return err
	}

	jobID := strings.TrimSpace(event.JobID)
	outcome := strings.ToLower(strings.TrimSpace(event.Outcome))

	var err error
	switch outcome {
	case "confirmed":
		err = c.queue.Confirm(ctx, jobID)
	case "reverted":
		c.logger.Warn("settlement reverted on chain", "job_id", jobID, "tx_handle", event.TxHandle, "reason", event.Reason)
		err = c.queue.Fail(ctx, jobID)
	}
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			// Receipts can outlive retention of the job table; drop rather
			// than poison the partition.
			c.logger.Warn("receipt for unknown settlement job", "job_id", jobID, "event_id", event.EventID)
			return nil
		}
		return fmt.Errorf("apply receipt %s: %w", jobID, err)
	}
	return nil
}
