package service

import (
	"context"
	"time"

	"github.com/AfshinJalili/tokex/libs/kafka"
	"github.com/AfshinJalili/tokex/services/settlement/internal/storage"
	"github.com/shopspring/decimal"
)

type Topics struct {
	TradesExecuted  string
	OrdersAccepted  string
	OrdersRejected  string
	OrdersCancelled string
}

func (t Topics) withDefaults() Topics {
	if t.TradesExecuted == "" {
		t.TradesExecuted = "trades.executed"
	}
	if t.OrdersAccepted == "" {
		t.OrdersAccepted = "orders.accepted"
	}
	if t.OrdersRejected == "" {
		t.OrdersRejected = "orders.rejected"
	}
	if t.OrdersCancelled == "" {
		t.OrdersCancelled = "orders.cancelled"
	}
	return t
}

type TradeExecutedEvent struct {
	kafka.Envelope
	TradeID     string `json:"trade_id"`
	Symbol      string `json:"symbol"`
	BuyOrderID  string `json:"buy_order_id"`
	SellOrderID string `json:"sell_order_id"`
	BuyerID     string `json:"buyer_id"`
	SellerID    string `json:"seller_id"`
	Price       string `json:"price"`
	Quantity    string `json:"quantity"`
	BuyerFee    string `json:"buyer_fee"`
	SellerFee   string `json:"seller_fee"`
	MakerSide   string `json:"maker_side"`
	ExecutedAt  string `json:"executed_at"`
}

type OrderEvent struct {
	kafka.Envelope
	OrderID        string `json:"order_id"`
	ParticipantID  string `json:"participant_id"`
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Type           string `json:"type"`
	Price          string `json:"price,omitempty"`
	StopPrice      string `json:"stop_price,omitempty"`
	Quantity       string `json:"quantity"`
	FilledQuantity string `json:"filled_quantity"`
	Status         string `json:"status"`
	Reason         string `json:"reason,omitempty"`
	UpdatedAt      string `json:"updated_at"`
}

func optionalDecimal(d decimal.Decimal) string {
	if d.IsZero() {
		return ""
	}
	return d.String()
}

func (s *Service) publishTrades(ctx context.Context, trades []storage.Trade) {
	for _, trade := range trades {
		eventID := kafka.DeterministicEventID(s.topics.TradesExecuted, trade.ID.String())
		env, err := kafka.NewEnvelopeWithID(eventID, "trades.executed", 1, correlationID(ctx))
		if err != nil {
			s.logger.Error("build trade envelope failed", "error", err)
			continue
		}
		payload := TradeExecutedEvent{
			Envelope:    env,
			TradeID:     trade.ID.String(),
			Symbol:      trade.Symbol,
			BuyOrderID:  trade.BuyOrderID.String(),
			SellOrderID: trade.SellOrderID.String(),
			BuyerID:     trade.BuyerID.String(),
			SellerID:    trade.SellerID.String(),
			Price:       trade.Price.String(),
			Quantity:    trade.Quantity.String(),
			BuyerFee:    trade.BuyerFee.String(),
			SellerFee:   trade.SellerFee.String(),
			MakerSide:   trade.MakerSide,
			ExecutedAt:  trade.ExecutedAt.UTC().Format(time.RFC3339Nano),
		}
		if _, _, err := s.publisher.PublishJSON(ctx, s.topics.TradesExecuted, trade.Symbol, payload); err != nil {
			s.logger.Error("publish trade failed", "trade_id", trade.ID, "error", err)
		}
	}
}

// publishOrder emits the order's current state on topic. The event id is
// keyed by status so each transition is delivered once downstream.
func (s *Service) publishOrder(ctx context.Context, topic string, order storage.Order) {
	eventID := kafka.DeterministicEventID(topic, order.ID.String(), order.Status, order.FilledQuantity.String())
	env, err := kafka.NewEnvelopeWithID(eventID, topic, 1, correlationID(ctx))
	if err != nil {
		s.logger.Error("build order envelope failed", "error", err)
		return
	}
	payload := OrderEvent{
		Envelope:       env,
		OrderID:        order.ID.String(),
		ParticipantID:  order.ParticipantID.String(),
		Symbol:         order.Symbol,
		Side:           order.Side,
		Type:           order.Type,
		Price:          optionalDecimal(order.Price),
		StopPrice:      optionalDecimal(order.StopPrice),
		Quantity:       order.Quantity.String(),
		FilledQuantity: order.FilledQuantity.String(),
		Status:         order.Status,
		Reason:         order.RejectReason,
		UpdatedAt:      order.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if _, _, err := s.publisher.PublishJSON(ctx, topic, order.Symbol, payload); err != nil {
		s.logger.Error("publish order event failed", "topic", topic, "order_id", order.ID, "error", err)
	}
}

type correlationKey struct{}

// WithCorrelationID attaches the request id that outgoing events carry.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func correlationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
