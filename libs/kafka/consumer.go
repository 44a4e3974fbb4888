package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
)

type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error
}

type ConsumerConfig struct {
	Brokers      []string
	GroupID      string
	MaxAttempts  int
	RetryBackoff time.Duration
}

type Consumer struct {
	group        sarama.ConsumerGroup
	logger       *slog.Logger
	maxAttempts  int
	retryBackoff time.Duration
	dlqPublisher Publisher
	dlqTopic     string
}

func NewConsumer(cfg ConsumerConfig, logger *slog.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers required")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("kafka consumer group required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	sc := sarama.NewConfig()
	sc.Version = sarama.V3_7_0_0
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	sc.Consumer.Group.Session.Timeout = 30 * time.Second
	sc.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	sc.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	return &Consumer{
		group:        group,
		logger:       logger,
		maxAttempts:  cfg.MaxAttempts,
		retryBackoff: cfg.RetryBackoff,
	}, nil
}

// WithDLQ routes poison and exhausted messages to topic.
func (c *Consumer) WithDLQ(publisher Publisher, topic string) *Consumer {
	c.dlqPublisher = publisher
	c.dlqTopic = topic
	return c
}

func (c *Consumer) Consume(ctx context.Context, topics []string, handler MessageHandler) error {
	if handler == nil {
		return errors.New("message handler required")
	}

	cgHandler := &consumerGroupHandler{
		handler:      handler,
		logger:       c.logger,
		dlqPublisher: c.dlqPublisher,
		dlqTopic:     c.dlqTopic,
		retryTracker: newRetryTracker(c.maxAttempts, 10*time.Minute),
		backoff:      c.retryBackoff,
	}

	for {
		if err := c.group.Consume(ctx, topics, cgHandler); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("kafka consume error", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
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
	backoff      time.Duration
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		if !h.handle(session.Context(), msg) {
			return nil
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

// handle returns false only when the session ended mid-retry; the message
// stays unmarked and is redelivered to the next owner.
func (h *consumerGroupHandler) handle(ctx context.Context, msg *sarama.ConsumerMessage) bool {
	key := fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
	for {
		err := h.handler.HandleMessage(ctx, msg)
		if err == nil {
			h.retryTracker.clear(key)
			return true
		}

		var poison *DLQError
		if errors.As(err, &poison) {
			h.deadLetter(ctx, msg, poison.Err, poison.Reason, h.retryTracker.clear(key)+1)
			return true
		}

		attempts := h.retryTracker.next(key)
		h.logger.Error("kafka message handler error", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "attempt", attempts, "error", err)
		if attempts >= h.retryTracker.max {
			h.retryTracker.clear(key)
			h.deadLetter(ctx, msg, err, "max_attempts", attempts)
			return true
		}

		wait := h.backoff
		if wait <= 0 {
			wait = 200 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait * time.Duration(attempts)):
		}
	}
}

func (h *consumerGroupHandler) deadLetter(ctx context.Context, msg *sarama.ConsumerMessage, err error, reason string, attempts int) {
	if h.dlqPublisher == nil || h.dlqTopic == "" {
		h.logger.Warn("dropping message without dlq", "topic", msg.Topic, "offset", msg.Offset, "reason", reason)
		return
	}
	payload := BuildDLQPayload(msg, err, reason, attempts)
	if _, _, pubErr := h.dlqPublisher.PublishJSON(ctx, h.dlqTopic, string(msg.Key), payload); pubErr != nil {
		h.logger.Error("dlq publish failed", "topic", h.dlqTopic, "error", pubErr)
	}
}

type retryEntry struct {
	count    int
	lastSeen time.Time
}

type retryTracker struct {
	mu      sync.Mutex
	max     int
	ttl     time.Duration
	entries map[string]retryEntry
}

func newRetryTracker(max int, ttl time.Duration) *retryTracker {
	if max <= 0 {
		max = 3
	}
	return &retryTracker{max: max, ttl: ttl, entries: make(map[string]retryEntry)}
}

func (t *retryTracker) next(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for k, e := range t.entries {
		if t.ttl > 0 && now.Sub(e.lastSeen) > t.ttl {
			delete(t.entries, k)
		}
	}
	e := t.entries[key]
	e.count++
	e.lastSeen = now
	t.entries[key] = e
	return e.count
}

// clear forgets key and returns the attempts it had recorded.
func (t *retryTracker) clear(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.entries[key].count
	delete(t.entries, key)
	return n
}
