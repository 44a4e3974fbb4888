package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/AfshinJalili/tokex/libs/kafka"
	"github.com/AfshinJalili/tokex/services/settlement/internal/service"
	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
)

type fakeTriggers struct {
	calls  int
	symbol string
	price  decimal.Decimal
	fired  int
	err    error
}

func (f *fakeTriggers) EvaluateTriggers(ctx context.Context, symbol string, lastPrice decimal.Decimal) (int, error) {
	f.calls++
	f.symbol = symbol
	f.price = lastPrice
	return f.fired, f.err
}

func tickMessage(t *testing.T, event PriceTickEvent) *sarama.ConsumerMessage {
	t.Helper()
	payload, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: priceTickEventType, Value: payload}
}

func newTick(symbol, price string) PriceTickEvent {
	return PriceTickEvent{
		Envelope: kafka.Envelope{
			EventID:      "tick-1",
			EventType:    priceTickEventType,
			EventVersion: 1,
			Timestamp:    time.Now().UTC(),
		},
		Symbol: symbol,
		Price:  price,
	}
}

func TestPriceConsumerEvaluatesTriggers(t *testing.T) {
	triggers := &fakeTriggers{fired: 2}
	metrics := service.NewMetrics(prometheus.NewRegistry())
	c := NewPriceConsumer(triggers, nil, metrics, 0)

	if err := c.HandleMessage(context.Background(), tickMessage(t, newTick(" btc-usd ", "89.5"))); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if triggers.calls != 1 || triggers.symbol != "BTC-USD" || !triggers.price.Equal(decimal.RequireFromString("89.5")) {
		t.Fatalf("unexpected call %+v", triggers)
	}
	if v := testutil.ToFloat64(metrics.PriceTicks.WithLabelValues("success")); v != 1 {
		t.Fatalf("expected one successful tick, got %v", v)
	}
}

func TestPriceConsumerDeadLettersPoison(t *testing.T) {
	triggers := &fakeTriggers{}
	c := NewPriceConsumer(triggers, nil, nil, 0)

	bad := []*sarama.ConsumerMessage{
		nil,
		{Value: []byte("{not json")},
		tickMessage(t, newTick("BTC-USD", "-1")),
		tickMessage(t, newTick("", "10")),
		tickMessage(t, PriceTickEvent{Envelope: kafka.Envelope{EventID: "x", EventType: "trades.executed", EventVersion: 1, Timestamp: time.Now()}, Symbol: "BTC-USD", Price: "1"}),
	}
	for i, msg := range bad {
		err := c.HandleMessage(context.Background(), msg)
		var dlq *kafka.DLQError
		if !errors.As(err, &dlq) {
			t.Fatalf("case %d: expected dlq error, got %v", i, err)
		}
	}
	if triggers.calls != 0 {
		t.Fatalf("poison ticks must not reach the evaluator")
	}
}

func TestPriceConsumerRetriesEvaluatorErrors(t *testing.T) {
	triggers := &fakeTriggers{err: errors.New("lock timeout")}
	c := NewPriceConsumer(triggers, nil, nil, 0)

	err := c.HandleMessage(context.Background(), tickMessage(t, newTick("BTC-USD", "10")))
	if err == nil {
		t.Fatalf("expected error")
	}
	var dlq *kafka.DLQError
	if errors.As(err, &dlq) {
		t.Fatalf("transient failures must be retried, not dead-lettered")
	}
}

func TestPriceConsumerSkipsStaleTicks(t *testing.T) {
	triggers := &fakeTriggers{}
	c := NewPriceConsumer(triggers, nil, nil, time.Minute)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c.now = func() time.Time { return now }

	old := newTick("BTC-USD", "10")
	old.ObservedAt = now.Add(-2 * time.Minute).Format(time.RFC3339Nano)
	if err := c.HandleMessage(context.Background(), tickMessage(t, old)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if triggers.calls != 0 {
		t.Fatalf("stale tick must be skipped")
	}

	fresh := newTick("BTC-USD", "10")
	fresh.ObservedAt = now.Add(-time.Second).Format(time.RFC3339Nano)
	if err := c.HandleMessage(context.Background(), tickMessage(t, fresh)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if triggers.calls != 1 {
		t.Fatalf("fresh tick must be evaluated")
	}
}
