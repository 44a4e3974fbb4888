package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AfshinJalili/tokex/services/settlement/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// UpdateOrderInput carries the fields to change; nil leaves a field as is.
type UpdateOrderInput struct {
	OrderID       uuid.UUID
	ParticipantID uuid.UUID
	Price         *decimal.Decimal
	Quantity      *decimal.Decimal
	StopPrice     *decimal.Decimal
}

type UpdateOrderResult struct {
	Order  storage.Order
	Trades []storage.Trade
}

// UpdateOrder amends an open order. The reservation follows the new terms,
// the order loses its time priority and a limit order is matched again.
func (s *Service) UpdateOrder(ctx context.Context, in UpdateOrderInput) (result UpdateOrderResult, err error) {
	start := time.Now()
	ctx, span := s.startSpan(ctx, "settlement.UpdateOrder", attribute.String("order_id", in.OrderID.String()))
	defer func() {
		endSpan(span, err)
		s.observe("update", start)
		if rej, ok := AsRejection(err); ok {
			s.countRejection(rej.Kind)
		}
	}()

	if in.Price == nil && in.Quantity == nil && in.StopPrice == nil {
		return UpdateOrderResult{}, reject(RejectInvalidOrder, "nothing to update")
	}
	current, err := s.ownedOrder(ctx, in.OrderID, in.ParticipantID)
	if err != nil {
		return UpdateOrderResult{}, err
	}
	inst, err := s.store.GetInstrument(ctx, current.Symbol)
	if err != nil {
		return UpdateOrderResult{}, fmt.Errorf("load instrument: %w", err)
	}
	participant, err := s.participant(ctx, in.ParticipantID)
	if err != nil {
		return UpdateOrderResult{}, err
	}

	for attempt := 0; ; attempt++ {
		result, err = s.updateLocked(ctx, in, inst, participant)
		if errors.Is(err, storage.ErrStaleOrder) && attempt == 0 {
			continue
		}
		break
	}
	if err != nil {
		return UpdateOrderResult{}, err
	}

	s.publishOrder(ctx, s.topics.OrdersAccepted, result.Order)
	s.afterTrades(ctx, inst.Symbol, result.Trades)
	return result, nil
}

func (s *Service) updateLocked(ctx context.Context, in UpdateOrderInput, inst storage.Instrument, participant storage.Participant) (UpdateOrderResult, error) {
	lease, ctx, err := s.acquire(ctx, inst.Symbol)
	if err != nil {
		return UpdateOrderResult{}, err
	}
	defer lease.Release()

	var result UpdateOrderResult
	err = s.store.WithTx(ctx, func(tx storage.Tx) error {
		result = UpdateOrderResult{}
		if err := s.lockSymbol(ctx, tx, inst.Symbol); err != nil {
			return err
		}
		o, err := tx.GetOrderForUpdate(ctx, in.OrderID)
		if err != nil {
			return fmt.Errorf("load order: %w", err)
		}
		if !o.IsOpen() {
			return reject(RejectInvalidOrderState, "order %s is %s", o.ID, o.Status)
		}
		if err := amend(o, in); err != nil {
			return err
		}
		if err := validateTerms(*o, inst); err != nil {
			return err
		}

		p, err := s.openPass(ctx, tx, inst, participant, o)
		if err != nil {
			return err
		}
		want := limitReservation(*o, inst, p.schedule)
		switch delta := want.Sub(o.ReservedAmount); {
		case delta.IsPositive():
			if err := reserve(ctx, tx, inst, o, delta); err != nil {
				return err
			}
		case delta.IsNegative():
			if err := releaseAmount(ctx, tx, inst, o, delta.Neg()); err != nil {
				return err
			}
		}

		if o.IsStop() {
			if err := tx.UpdateOrder(ctx, o); err != nil {
				return fmt.Errorf("update order: %w", err)
			}
			result = UpdateOrderResult{Order: *o}
			return nil
		}

		p.book.Remove(o.ID)
		if err := tx.RequeueOrder(ctx, o); err != nil {
			return fmt.Errorf("requeue order: %w", err)
		}
		if err := s.match(ctx, tx, p); err != nil {
			return err
		}
		result = UpdateOrderResult{Order: *o, Trades: p.trades}
		return nil
	})
	if err != nil {
		s.invalidate(inst.Symbol, "rollback")
		return UpdateOrderResult{}, err
	}
	s.observeDepth(inst.Symbol)
	return result, nil
}

// amend applies the requested changes to o.
func amend(o *storage.Order, in UpdateOrderInput) error {
	if in.Quantity != nil {
		if !in.Quantity.GreaterThan(o.FilledQuantity) {
			return rejectWithLimit(RejectInvalidSize, o.FilledQuantity, "quantity %s must exceed filled quantity", in.Quantity)
		}
		o.Quantity = *in.Quantity
	}
	if in.Price != nil {
		if o.Type != storage.TypeLimit {
			return reject(RejectInvalidOrder, "%s orders have no limit price", o.Type)
		}
		o.Price = *in.Price
	}
	if in.StopPrice != nil {
		if !o.IsStop() {
			return reject(RejectInvalidOrder, "%s orders have no stop price", o.Type)
		}
		o.StopPrice = *in.StopPrice
	}
	return nil
}

// CancelOrder cancels an open order and releases what it still holds.
func (s *Service) CancelOrder(ctx context.Context, orderID, participantID uuid.UUID) (order storage.Order, err error) {
	start := time.Now()
	ctx, span := s.startSpan(ctx, "settlement.CancelOrder", attribute.String("order_id", orderID.String()))
	defer func() {
		endSpan(span, err)
		s.observe("cancel", start)
		if rej, ok := AsRejection(err); ok {
			s.countRejection(rej.Kind)
		}
	}()

	current, err := s.ownedOrder(ctx, orderID, participantID)
	if err != nil {
		return storage.Order{}, err
	}
	inst, err := s.store.GetInstrument(ctx, current.Symbol)
	if err != nil {
		return storage.Order{}, fmt.Errorf("load instrument: %w", err)
	}

	lease, lctx, err := s.acquire(ctx, inst.Symbol)
	if err != nil {
		return storage.Order{}, err
	}
	defer lease.Release()

	err = s.store.WithTx(lctx, func(tx storage.Tx) error {
		if err := s.lockSymbol(lctx, tx, inst.Symbol); err != nil {
			return err
		}
		o, err := tx.GetOrderForUpdate(lctx, orderID)
		if err != nil {
			return fmt.Errorf("load order: %w", err)
		}
		if !o.IsOpen() {
			return reject(RejectInvalidOrderState, "order %s is %s", o.ID, o.Status)
		}
		if err := release(lctx, tx, inst, o); err != nil {
			return fmt.Errorf("release reservation: %w", err)
		}
		o.Status = storage.StatusCancelled
		if err := tx.UpdateOrder(lctx, o); err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		if book, ok := s.books.Get(inst.Symbol); ok {
			book.Remove(o.ID)
		}
		order = *o
		return nil
	})
	if err != nil {
		if _, ok := AsRejection(err); !ok {
			s.invalidate(inst.Symbol, "rollback")
		}
		return storage.Order{}, err
	}
	s.observeDepth(inst.Symbol)
	s.publishOrder(ctx, s.topics.OrdersCancelled, order)
	return order, nil
}

// ownedOrder loads an order and hides orders of other participants.
func (s *Service) ownedOrder(ctx context.Context, orderID, participantID uuid.UUID) (storage.Order, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && o.ParticipantID != participantID) {
		return storage.Order{}, reject(RejectOrderNotFound, "order %s not found", orderID)
	}
	if err != nil {
		return storage.Order{}, fmt.Errorf("load order: %w", err)
	}
	return o, nil
}
