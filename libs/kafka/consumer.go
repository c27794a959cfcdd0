package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"log/slog"
)

type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error
}

type Consumer struct {
	group        sarama.ConsumerGroup
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	maxAttempts  int
	retryTTL     time.Duration
}

func NewConsumer(brokers []string, groupID string, logger *slog.Logger) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_6_0_0
	cfg.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRange
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	return &Consumer{
		group:       group,
		logger:      logger,
		maxAttempts: 3,
		retryTTL:    10 * time.Minute,
	}, nil
}

// WithDLQ routes messages whose handler returns a DLQError to the given
// topic after maxAttempts deliveries.
func (c *Consumer) WithDLQ(publisher Publisher, topic string, maxAttempts int) *Consumer {
	c.dlqPublisher = publisher
	c.dlqTopic = topic
	if maxAttempts > 0 {
		c.maxAttempts = maxAttempts
	}
	return c
}

func (c *Consumer) Consume(ctx context.Context, topics []string, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("message handler required")
	}

	cgHandler := &consumerGroupHandler{
		handler:      handler,
		logger:       c.logger,
		dlqPublisher: c.dlqPublisher,
		dlqTopic:     c.dlqTopic,
		retryTracker: newRetryTracker(c.maxAttempts, c.retryTTL),
	}

	for {
		if err := c.group.Consume(ctx, topics, cgHandler); err != nil {
			c.logger.Error("kafka consume error", "error", err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(2 * time.Second)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	if c.group == nil {
		return nil
	}
	return c.group.Close()
}

type consumerGroupHandler struct {
	handler      MessageHandler
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	retryTracker *retryTracker
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		err := h.handler.HandleMessage(session.Context(), msg)
		if err == nil {
			if h.retryTracker != nil {
				h.retryTracker.clear(msg)
			}
			session.MarkMessage(msg, "")
			continue
		}

		var dlqErr *DLQError
		if errors.As(err, &dlqErr) && h.dlqPublisher != nil && h.dlqTopic != "" {
			attempts, exhausted := 1, true
			if h.retryTracker != nil {
				attempts, exhausted = h.retryTracker.attempt(msg)
			}
			if exhausted {
				payload := BuildDLQPayload(msg, dlqErr, attempts)
				key := string(msg.Key)
				if _, _, pubErr := h.dlqPublisher.PublishJSON(session.Context(), h.dlqTopic, key, payload); pubErr != nil {
					h.logger.Error("dlq publish failed", "topic", h.dlqTopic, "error", pubErr)
					continue
				}
				h.logger.Warn("message sent to dlq", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "attempts", attempts, "reason", dlqErr.Reason)
				if h.retryTracker != nil {
					h.retryTracker.clear(msg)
				}
				session.MarkMessage(msg, "")
				continue
			}
			h.logger.Warn("kafka message retry pending", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "attempts", attempts, "error", err)
			continue
		}

		h.logger.Error("kafka message handler error", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
	}
	return nil
}

type retryEntry struct {
	attempts int
	lastSeen time.Time
}

// retryTracker counts deliveries of a message across rebalances so a
// poisoned payload cannot cycle forever before hitting the DLQ.
type retryTracker struct {
	mu          sync.Mutex
	maxAttempts int
	ttl         time.Duration
	entries     map[string]*retryEntry
}

func newRetryTracker(maxAttempts int, ttl time.Duration) *retryTracker {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &retryTracker{
		maxAttempts: maxAttempts,
		ttl:         ttl,
		entries:     make(map[string]*retryEntry),
	}
}

func (t *retryTracker) attempt(msg *sarama.ConsumerMessage) (int, bool) {
	key := fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	for k, e := range t.entries {
		if now.Sub(e.lastSeen) > t.ttl {
			delete(t.entries, k)
		}
	}

	entry, ok := t.entries[key]
	if !ok {
		entry = &retryEntry{}
		t.entries[key] = entry
	}
	entry.attempts++
	entry.lastSeen = now
	return entry.attempts, entry.attempts >= t.maxAttempts
}

func (t *retryTracker) clear(msg *sarama.ConsumerMessage) {
	key := fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
	t.mu.Lock()
	delete(t.entries, key)
	t.mu.Unlock()
}
