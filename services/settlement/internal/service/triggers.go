package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/AfshinJalili/tokex/services/settlement/internal/risk"
	"github.com/AfshinJalili/tokex/services/settlement/internal/storage"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

const (
	triggerFilled    = "filled"
	triggerCancelled = "cancelled"
	triggerRejected  = "rejected"
	triggerDeferred  = "deferred"
)

// Triggered reports whether a stop order fires at lastPrice.
func Triggered(o storage.Order, lastPrice decimal.Decimal) bool {
	if !o.IsStop() || !lastPrice.IsPositive() {
		return false
	}
	switch {
	case o.Type == storage.TypeStopLoss && o.Side == storage.SideSell:
		return lastPrice.LessThanOrEqual(o.StopPrice)
	case o.Type == storage.TypeStopLoss && o.Side == storage.SideBuy:
		return lastPrice.GreaterThanOrEqual(o.StopPrice)
	case o.Type == storage.TypeTakeProfit && o.Side == storage.SideSell:
		return lastPrice.GreaterThanOrEqual(o.StopPrice)
	case o.Type == storage.TypeTakeProfit && o.Side == storage.SideBuy:
		return lastPrice.LessThanOrEqual(o.StopPrice)
	}
	return false
}

// EvaluateTriggers converts the stop orders of symbol that fire at lastPrice
// into market orders and executes them. Trades they produce move the price
// again, so evaluation repeats up to the configured depth. It returns the
// number of orders fired.
func (s *Service) EvaluateTriggers(ctx context.Context, symbol string, lastPrice decimal.Decimal) (fired int, err error) {
	symbol = storage.NormalizeSymbol(symbol)
	ctx, span := s.startSpan(ctx, "settlement.EvaluateTriggers",
		attribute.String("symbol", symbol),
		attribute.String("price", lastPrice.String()),
	)
	defer func() { endSpan(span, err) }()

	inst, err := s.store.GetInstrument(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("load instrument: %w", err)
	}

	price := lastPrice
	for depth := 0; depth < s.cfg.MaxTriggerDepth; depth++ {
		n, next, err := s.triggerRound(ctx, inst, price)
		fired += n
		if err != nil {
			return fired, err
		}
		if n == 0 || next.IsZero() || next.Equal(price) {
			return fired, nil
		}
		price = next
	}
	s.logger.Warn("stop trigger cascade cut off", "symbol", symbol, "depth", s.cfg.MaxTriggerDepth, "price", price.String())
	return fired, nil
}

// triggerRound fires every stop order triggered at price, oldest first, and
// returns the last traded price it produced.
func (s *Service) triggerRound(ctx context.Context, inst storage.Instrument, price decimal.Decimal) (int, decimal.Decimal, error) {
	stops, err := s.store.ListStopOrders(ctx, inst.Symbol)
	if err != nil {
		return 0, decimal.Zero, fmt.Errorf("list stop orders: %w", err)
	}
	sort.SliceStable(stops, func(i, j int) bool { return stops[i].Seq < stops[j].Seq })

	var fired int
	var last decimal.Decimal
	for _, stop := range stops {
		if !Triggered(stop, price) {
			continue
		}
		participant, err := s.participant(ctx, stop.ParticipantID)
		if err != nil {
			return fired, last, err
		}
		order, trades, result, err := s.fireStop(ctx, inst, participant, stop, price)
		if err != nil {
			return fired, last, fmt.Errorf("fire stop %s: %w", stop.ID, err)
		}
		if result == "" {
			continue
		}
		if s.metrics != nil {
			s.metrics.StopTriggers.WithLabelValues(inst.Symbol, result).Inc()
		}
		if result == triggerDeferred {
			continue
		}
		fired++

		topic := s.topics.OrdersAccepted
		if order.Status == storage.StatusRejected {
			topic = s.topics.OrdersRejected
		}
		s.publishOrder(ctx, topic, order)
		if len(trades) > 0 {
			s.publishTrades(ctx, trades)
			s.recordPrices(inst.Symbol, trades)
			if s.metrics != nil {
				s.metrics.TradesExecuted.WithLabelValues(inst.Symbol).Add(float64(len(trades)))
			}
			last = trades[len(trades)-1].Price
		}
	}
	return fired, last, nil
}

// fireStop converts one stop order under the gate. An empty result means the
// order was no longer eligible.
func (s *Service) fireStop(ctx context.Context, inst storage.Instrument, participant storage.Participant, stop storage.Order, price decimal.Decimal) (storage.Order, []storage.Trade, string, error) {
	lease, ctx, err := s.acquire(ctx, inst.Symbol)
	if err != nil {
		return storage.Order{}, nil, "", err
	}
	defer lease.Release()

	var (
		order  storage.Order
		trades []storage.Trade
		result string
	)
	err = s.store.WithTx(ctx, func(tx storage.Tx) error {
		order, trades, result = storage.Order{}, nil, ""
		if err := s.lockSymbol(ctx, tx, inst.Symbol); err != nil {
			return err
		}
		o, err := tx.GetOrderForUpdate(ctx, stop.ID)
		if err != nil {
			return fmt.Errorf("load order: %w", err)
		}
		if !o.IsOpen() || !Triggered(*o, price) {
			return nil
		}

		if s.halted(inst.Symbol, participant) {
			// Wait for the breaker to close; a later tick fires the order.
			result = triggerDeferred
			return nil
		}
		p, err := s.openPass(ctx, tx, inst, participant, o)
		var rej *RejectionError
		if errors.As(err, &rej) {
			if err := s.rejectStop(ctx, tx, inst, o, rej); err != nil {
				return err
			}
			order, result = *o, triggerRejected
			return nil
		}
		if err != nil {
			return err
		}

		if err := release(ctx, tx, inst, o); err != nil {
			return fmt.Errorf("release stop reservation: %w", err)
		}
		stopType := o.Type
		o.Type = storage.TypeMarket
		o.Price = decimal.Zero

		amount, err := marketReservation(p)
		if err == nil {
			err = reserve(ctx, tx, inst, o, amount)
		}
		if errors.As(err, &rej) {
			o.Type = stopType
			if err := s.rejectStop(ctx, tx, inst, o, rej); err != nil {
				return err
			}
			order, result = *o, triggerRejected
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.match(ctx, tx, p); err != nil {
			return err
		}
		order, trades = *o, p.trades
		result = triggerFilled
		if o.Status == storage.StatusCancelled {
			result = triggerCancelled
		}
		return nil
	})
	if err != nil {
		s.invalidate(inst.Symbol, "rollback")
		return storage.Order{}, nil, "", err
	}
	s.observeDepth(inst.Symbol)
	return order, trades, result, nil
}

// rejectStop closes a triggered order that cannot execute.
func (s *Service) rejectStop(ctx context.Context, tx storage.Tx, inst storage.Instrument, o *storage.Order, rej *RejectionError) error {
	if err := release(ctx, tx, inst, o); err != nil {
		return fmt.Errorf("release stop reservation: %w", err)
	}
	o.Status = storage.StatusRejected
	o.RejectReason = string(rej.Kind)
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	s.countRejection(rej.Kind)
	return nil
}

func (s *Service) halted(symbol string, p storage.Participant) bool {
	if risk.Exempt(p.Role) || s.guard.Breaker == nil {
		return false
	}
	return !s.guard.Breaker.Allow(symbol)
}
