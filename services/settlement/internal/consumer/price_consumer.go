package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AfshinJalili/tokex/libs/kafka"
	"github.com/AfshinJalili/tokex/services/settlement/internal/service"
	"github.com/AfshinJalili/tokex/services/settlement/internal/storage"
	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"
)

const priceTickEventType = "prices.ticks"

// PriceTickEvent is a last-trade or reference price from the market data
// feed.
type PriceTickEvent struct {
	kafka.Envelope
	Symbol     string `json:"symbol"`
	Price      string `json:"price"`
	ObservedAt string `json:"observed_at,omitempty"`
}

type TriggerEvaluator interface {
	EvaluateTriggers(ctx context.Context, symbol string, lastPrice decimal.Decimal) (int, error)
}

type PriceConsumer struct {
	triggers TriggerEvaluator
	logger   *slog.Logger
	metrics  *service.Metrics
	maxAge   time.Duration
	now      func() time.Time
}

// NewPriceConsumer builds the handler for price ticks. Ticks observed longer
// than maxAge ago are skipped; zero disables the check.
func NewPriceConsumer(triggers TriggerEvaluator, logger *slog.Logger, metrics *service.Metrics, maxAge time.Duration) *PriceConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &PriceConsumer{triggers: triggers, logger: logger, metrics: metrics, maxAge: maxAge, now: time.Now}
}

func (c *PriceConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		c.record("invalid")
		return kafka.DLQ(errors.New("empty kafka message"), "empty")
	}

	var event PriceTickEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		c.record("invalid")
		return kafka.DLQ(fmt.Errorf("decode prices.ticks: %w", err), "decode")
	}
	if err := event.Validate(); err != nil {
		c.record("invalid")
		return kafka.DLQ(err, "validation")
	}

	if c.stale(event) {
		c.record("stale")
		c.logger.Debug("skipping stale price tick", "event_id", event.EventID, "symbol", event.Symbol)
		return nil
	}

	price, _ := decimal.NewFromString(strings.TrimSpace(event.Price))
	symbol := storage.NormalizeSymbol(event.Symbol)
	fired, err := c.triggers.EvaluateTriggers(service.WithCorrelationID(ctx, event.EventID), symbol, price)
	if err != nil {
		c.record("error")
		return fmt.Errorf("evaluate triggers for %s: %w", symbol, err)
	}
	if fired > 0 {
		c.logger.Info("price tick fired stop orders", "symbol", symbol, "price", price.String(), "fired", fired)
	}
	c.record("success")
	return nil
}

func (c *PriceConsumer) stale(event PriceTickEvent) bool {
	if c.maxAge <= 0 || event.ObservedAt == "" {
		return false
	}
	observed, err := time.Parse(time.RFC3339Nano, event.ObservedAt)
	if err != nil {
		return false
	}
	return c.now().Sub(observed) > c.maxAge
}

func (e *PriceTickEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if e.EventType != priceTickEventType {
		return fmt.Errorf("unexpected event_type: %s", e.EventType)
	}
	if strings.TrimSpace(e.Symbol) == "" {
		return fmt.Errorf("symbol is required")
	}
	price, err := decimal.NewFromString(strings.TrimSpace(e.Price))
	if err != nil {
		return fmt.Errorf("price must be decimal")
	}
	if !price.IsPositive() {
		return fmt.Errorf("price must be positive")
	}
	if e.ObservedAt != "" {
		if _, err := time.Parse(time.RFC3339Nano, e.ObservedAt); err != nil {
			return fmt.Errorf("observed_at must be RFC3339")
		}
	}
	return nil
}

func (c *PriceConsumer) record(status string) {
	if c.metrics == nil {
		return
	}
	c.metrics.PriceTicks.WithLabelValues(status).Inc()
}
