package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AfshinJalili/tokex/services/settlement/internal/risk"
	"github.com/AfshinJalili/tokex/services/settlement/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

type SubmitOrderInput struct {
	ParticipantID  uuid.UUID
	Symbol         string
	Side           string
	Type           string
	Price          decimal.Decimal
	StopPrice      decimal.Decimal
	Quantity       decimal.Decimal
	IdempotencyKey string
}

type SubmitOrderResult struct {
	Order  storage.Order
	Trades []storage.Trade
	// Existing is set when the idempotency key matched an earlier order.
	Existing bool
}

// SubmitOrder validates, reserves funds for and matches a new order. A
// rejection is returned as *RejectionError; orders rejected after validation
// are kept with status rejected.
func (s *Service) SubmitOrder(ctx context.Context, in SubmitOrderInput) (result SubmitOrderResult, err error) {
	start := time.Now()
	ctx, span := s.startSpan(ctx, "settlement.SubmitOrder",
		attribute.String("symbol", in.Symbol),
		attribute.String("side", in.Side),
		attribute.String("type", in.Type),
	)
	defer func() {
		endSpan(span, err)
		s.observe("submit", start)
	}()

	order, inst, err := s.validateSubmit(ctx, in)
	if err != nil {
		rej, ok := AsRejection(err)
		if !ok {
			return SubmitOrderResult{}, err
		}
		// A replayed key answers with the order it created even when the
		// instrument or its limits changed since.
		if prior, found, lerr := s.priorOrder(ctx, in); lerr != nil {
			return SubmitOrderResult{}, lerr
		} else if found {
			return SubmitOrderResult{Order: prior, Existing: true}, nil
		}
		s.countRejection(rej.Kind)
		return SubmitOrderResult{}, err
	}
	participant, err := s.participant(ctx, in.ParticipantID)
	if err != nil {
		return SubmitOrderResult{}, err
	}

	for attempt := 0; ; attempt++ {
		result, err = s.submitLocked(ctx, order, inst, participant)
		if errors.Is(err, storage.ErrStaleOrder) && attempt == 0 {
			s.logger.Warn("order book drifted from storage, retrying", "symbol", inst.Symbol, "error", err)
			continue
		}
		break
	}
	if err != nil {
		if rej, ok := AsRejection(err); ok {
			s.countRejection(rej.Kind)
			s.countSubmission(inst.Symbol, order.Type, storage.StatusRejected)
			s.recordRejected(ctx, order, rej)
		}
		return SubmitOrderResult{}, err
	}
	if result.Existing {
		return result, nil
	}

	s.countSubmission(inst.Symbol, result.Order.Type, result.Order.Status)
	s.publishOrder(ctx, s.topics.OrdersAccepted, result.Order)
	s.afterTrades(ctx, inst.Symbol, result.Trades)
	return result, nil
}

func (s *Service) priorOrder(ctx context.Context, in SubmitOrderInput) (storage.Order, bool, error) {
	key := strings.TrimSpace(in.IdempotencyKey)
	if key == "" || in.ParticipantID == uuid.Nil {
		return storage.Order{}, false, nil
	}
	o, err := s.store.GetOrderByIdempotencyKey(ctx, in.ParticipantID, key)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Order{}, false, nil
	}
	if err != nil {
		return storage.Order{}, false, fmt.Errorf("load order for idempotency key: %w", err)
	}
	return o, true, nil
}

func (s *Service) validateSubmit(ctx context.Context, in SubmitOrderInput) (storage.Order, storage.Instrument, error) {
	symbol := storage.NormalizeSymbol(in.Symbol)
	inst, err := s.store.GetInstrument(ctx, symbol)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Order{}, storage.Instrument{}, reject(RejectInvalidMarket, "unknown symbol %q", in.Symbol)
	}
	if err != nil {
		return storage.Order{}, storage.Instrument{}, fmt.Errorf("load instrument: %w", err)
	}
	if !inst.Tradable() {
		return storage.Order{}, storage.Instrument{}, reject(RejectInvalidMarket, "%s is %s", inst.Symbol, inst.Status)
	}

	side := strings.ToLower(strings.TrimSpace(in.Side))
	if side != storage.SideBuy && side != storage.SideSell {
		return storage.Order{}, storage.Instrument{}, reject(RejectInvalidOrder, "unknown side %q", in.Side)
	}
	orderType := strings.ToLower(strings.TrimSpace(in.Type))
	switch orderType {
	case storage.TypeMarket, storage.TypeLimit, storage.TypeStopLoss, storage.TypeTakeProfit:
	default:
		return storage.Order{}, storage.Instrument{}, reject(RejectInvalidOrder, "unknown order type %q", in.Type)
	}
	if in.ParticipantID == uuid.Nil {
		return storage.Order{}, storage.Instrument{}, reject(RejectInvalidOrder, "participant is required")
	}

	order := storage.Order{
		ParticipantID:  in.ParticipantID,
		Symbol:         inst.Symbol,
		Side:           side,
		Type:           orderType,
		Quantity:       in.Quantity,
		Status:         storage.StatusPending,
		IdempotencyKey: strings.TrimSpace(in.IdempotencyKey),
	}
	switch orderType {
	case storage.TypeLimit:
		order.Price = in.Price
	case storage.TypeStopLoss, storage.TypeTakeProfit:
		order.StopPrice = in.StopPrice
	}
	if err := validateTerms(order, inst); err != nil {
		return storage.Order{}, storage.Instrument{}, err
	}
	return order, inst, nil
}

// validateTerms checks size, price and notional of an order against its
// instrument. Market notional is checked later against the book.
func validateTerms(o storage.Order, inst storage.Instrument) error {
	if !o.Quantity.IsPositive() {
		return reject(RejectInvalidSize, "quantity must be positive")
	}
	if inst.MinQuantity.IsPositive() && o.Quantity.LessThan(inst.MinQuantity) {
		return rejectWithLimit(RejectInvalidSize, inst.MinQuantity, "quantity %s below minimum", o.Quantity)
	}
	if inst.MaxQuantity.IsPositive() && o.Quantity.GreaterThan(inst.MaxQuantity) {
		return rejectWithLimit(RejectInvalidSize, inst.MaxQuantity, "quantity %s above maximum", o.Quantity)
	}

	var price decimal.Decimal
	switch o.Type {
	case storage.TypeLimit:
		if !o.Price.IsPositive() {
			return reject(RejectInvalidPrice, "limit price must be positive")
		}
		price = o.Price
	case storage.TypeStopLoss, storage.TypeTakeProfit:
		if !o.StopPrice.IsPositive() {
			return reject(RejectInvalidPrice, "stop price must be positive")
		}
		price = o.StopPrice
	default:
		return nil
	}
	notional := o.Quantity.Mul(price)
	if inst.MaxNotional.IsPositive() && notional.GreaterThan(inst.MaxNotional) {
		return rejectWithLimit(RejectMaxNotional, inst.MaxNotional, "notional %s above ceiling", notional)
	}
	return nil
}

func (s *Service) submitLocked(ctx context.Context, order storage.Order, inst storage.Instrument, participant storage.Participant) (SubmitOrderResult, error) {
	lease, ctx, err := s.acquire(ctx, inst.Symbol)
	if err != nil {
		return SubmitOrderResult{}, err
	}
	defer lease.Release()

	var result SubmitOrderResult
	err = s.store.WithTx(ctx, func(tx storage.Tx) error {
		result = SubmitOrderResult{}
		o := order
		if err := s.lockSymbol(ctx, tx, inst.Symbol); err != nil {
			return err
		}
		stored, existing, err := tx.CreateOrder(ctx, &o)
		if err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		if existing {
			result = SubmitOrderResult{Order: stored, Existing: true}
			return nil
		}
		o = stored

		p, err := s.openPass(ctx, tx, inst, participant, &o)
		if err != nil {
			return err
		}

		var amount decimal.Decimal
		if o.Type == storage.TypeMarket {
			amount, err = marketReservation(p)
			if err != nil {
				return err
			}
		} else {
			amount = limitReservation(o, inst, p.schedule)
		}
		if err := reserve(ctx, tx, inst, &o, amount); err != nil {
			return err
		}

		if o.IsStop() {
			// Stop orders wait off-book until a price tick triggers them.
			if err := tx.UpdateOrder(ctx, &o); err != nil {
				return fmt.Errorf("update order: %w", err)
			}
		} else if err := s.match(ctx, tx, p); err != nil {
			return err
		}
		result = SubmitOrderResult{Order: o, Trades: p.trades}
		return nil
	})
	if err != nil {
		s.invalidate(inst.Symbol, "rollback")
		return SubmitOrderResult{}, err
	}
	s.observeDepth(inst.Symbol)
	return result, nil
}

// openPass loads what a matching pass needs and runs the pre-trade guards
// for taker.
func (s *Service) openPass(ctx context.Context, tx storage.Tx, inst storage.Instrument, participant storage.Participant, taker *storage.Order) (*pass, error) {
	base, err := tx.GetWallet(ctx, participant.ID, inst.BaseAsset)
	if err != nil {
		return nil, fmt.Errorf("load position: %w", err)
	}
	if err := s.checkRisk(inst, participant, taker.Side, base.Balance, taker.Remaining()); err != nil {
		return nil, err
	}
	schedule, err := s.fees.Current()
	if err != nil {
		return nil, fmt.Errorf("fee schedule: %w", err)
	}
	holding, err := s.holding(ctx, tx, participant.ID)
	if err != nil {
		return nil, err
	}
	book, err := s.loadBook(ctx, tx, inst.Symbol)
	if err != nil {
		return nil, fmt.Errorf("load book: %w", err)
	}
	return &pass{
		inst:         inst,
		schedule:     schedule,
		book:         book,
		taker:        taker,
		takerHolding: holding,
	}, nil
}

// recordRejected keeps a rejected order for the audit trail. It runs after
// the failed transaction rolled back, so nothing was reserved.
func (s *Service) recordRejected(ctx context.Context, order storage.Order, rej *RejectionError) {
	if rej.Kind.validation() {
		return
	}
	order.Status = storage.StatusRejected
	order.RejectReason = string(rej.Kind)
	order.ReservedAmount = decimal.Zero
	order.FilledQuantity = decimal.Zero

	var stored storage.Order
	var existing bool
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		stored, existing, err = tx.CreateOrder(ctx, &order)
		return err
	})
	if err != nil {
		s.logger.Error("record rejected order failed", "symbol", order.Symbol, "reason", rej.Kind, "error", err)
		return
	}
	if !existing {
		s.publishOrder(ctx, s.topics.OrdersRejected, stored)
	}
}

// afterTrades runs once the settlement transaction committed and the gate is
// released: events, circuit breaker prices and stop triggers.
func (s *Service) afterTrades(ctx context.Context, symbol string, trades []storage.Trade) {
	if len(trades) == 0 {
		return
	}
	s.publishTrades(ctx, trades)
	s.recordPrices(symbol, trades)
	if s.metrics != nil {
		s.metrics.TradesExecuted.WithLabelValues(symbol).Add(float64(len(trades)))
	}

	last := trades[len(trades)-1].Price
	if _, err := s.EvaluateTriggers(ctx, symbol, last); err != nil {
		s.logger.Error("evaluate stop triggers failed", "symbol", symbol, "price", last.String(), "error", err)
	}
}

func (s *Service) recordPrices(symbol string, trades []storage.Trade) {
	if s.guard.Breaker == nil {
		return
	}
	for _, t := range trades {
		if s.guard.Breaker.RecordPrice(symbol, t.Price) {
			s.logger.Warn("circuit breaker tripped", "symbol", symbol, "price", t.Price.String(),
				"open_until", s.guard.Breaker.OpenUntil(symbol))
		}
	}
}

func (s *Service) countSubmission(symbol, orderType, status string) {
	if s.metrics == nil {
		return
	}
	s.metrics.OrderSubmissions.WithLabelValues(storage.NormalizeSymbol(symbol), orderType, status).Inc()
}

// checkRisk maps guard failures to rejections.
func (s *Service) checkRisk(inst storage.Instrument, p storage.Participant, side string, position, quantity decimal.Decimal) error {
	err := s.guard.Check(inst, p, side, position, quantity)
	if err == nil {
		return nil
	}
	if errors.Is(err, risk.ErrCircuitOpen) {
		return reject(RejectCircuitBreaker, "%s halted until %s", inst.Symbol, s.guard.Breaker.OpenUntil(inst.Symbol).Format(time.RFC3339))
	}
	var limitErr *risk.PositionLimitError
	if errors.As(err, &limitErr) {
		return rejectWithLimit(RejectPositionLimit, limitErr.Limit, "%s", limitErr.Error())
	}
	return err
}
