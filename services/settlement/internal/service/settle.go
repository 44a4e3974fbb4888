package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/AfshinJalili/tokex/services/settlement/internal/engine"
	"github.com/AfshinJalili/tokex/services/settlement/internal/fee"
	"github.com/AfshinJalili/tokex/services/settlement/internal/queue"
	"github.com/AfshinJalili/tokex/services/settlement/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	bpsDivisor  = decimal.NewFromInt(10000)
	reservePrec = int32(fee.Precision)
)

// pass is one matching run of a taker order inside a settlement transaction.
type pass struct {
	inst     storage.Instrument
	schedule *fee.Schedule
	book     *engine.OrderBook
	taker    *storage.Order
	// takerHolding is read once before the first fill.
	takerHolding decimal.Decimal
	trades       []storage.Trade
}

func (p *pass) lastPrice() (decimal.Decimal, bool) {
	if len(p.trades) == 0 {
		return decimal.Zero, false
	}
	return p.trades[len(p.trades)-1].Price, true
}

// reserveAsset is the asset an order on side locks.
func reserveAsset(inst storage.Instrument, side string) string {
	if side == storage.SideBuy {
		return inst.QuoteAsset
	}
	return inst.BaseAsset
}

// limitReservation is what a resting or pending order must hold for its
// unfilled remainder. Buys reserve at the highest fee rate so any fee the
// order is later charged is covered.
func limitReservation(o storage.Order, inst storage.Instrument, schedule *fee.Schedule) decimal.Decimal {
	remaining := o.Remaining()
	if o.Side == storage.SideSell {
		return remaining
	}
	price := o.Price
	if o.IsStop() {
		price = o.StopPrice
	}
	notional := remaining.Mul(price)
	return notional.Add(notional.Mul(schedule.MaxRate(inst.AssetClass))).RoundCeil(reservePrec)
}

// marketReservation walks the book for the order's remainder. The book does
// not change under the gate, so the quoted cost is what the fills will cost.
func marketReservation(p *pass) (decimal.Decimal, error) {
	o := p.taker
	quote := p.book.Quote(o.Side, o.Remaining(), decimal.Zero)
	if !quote.Quantity.IsPositive() {
		return decimal.Zero, reject(RejectNoLiquidity, "no resting liquidity for %s %s", o.Side, p.inst.Symbol)
	}
	if p.inst.MaxNotional.IsPositive() && quote.Cost.GreaterThan(p.inst.MaxNotional) {
		return decimal.Zero, rejectWithLimit(RejectMaxNotional, p.inst.MaxNotional, "market %s costs %s", o.Side, quote.Cost)
	}
	if o.Side == storage.SideSell {
		return o.Remaining(), nil
	}
	takerFee := p.schedule.Fee(quote.Cost, p.inst.AssetClass, fee.Taker, p.takerHolding)
	return quote.Cost.Add(takerFee).RoundCeil(reservePrec), nil
}

// reserve locks amount for order and records it on the order.
func reserve(ctx context.Context, tx storage.Tx, inst storage.Instrument, o *storage.Order, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return nil
	}
	asset := reserveAsset(inst, o.Side)
	w, err := tx.GetWalletForUpdate(ctx, o.ParticipantID, asset)
	if err != nil {
		return fmt.Errorf("lock wallet: %w", err)
	}
	if err := w.Lock(amount); err != nil {
		if errors.Is(err, storage.ErrInsufficientBalance) {
			return rejectWithLimit(RejectInsufficientFunds, w.Available(), "need %s %s", amount, asset)
		}
		return err
	}
	if err := tx.SaveWallet(ctx, w); err != nil {
		return fmt.Errorf("save wallet: %w", err)
	}
	o.ReservedAmount = o.ReservedAmount.Add(amount)
	return nil
}

// release unlocks whatever the order still holds. It is a no-op once the
// reservation is zero, so a second call cannot release twice.
func release(ctx context.Context, tx storage.Tx, inst storage.Instrument, o *storage.Order) error {
	return releaseAmount(ctx, tx, inst, o, o.ReservedAmount)
}

func releaseAmount(ctx context.Context, tx storage.Tx, inst storage.Instrument, o *storage.Order, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return nil
	}
	if amount.GreaterThan(o.ReservedAmount) {
		amount = o.ReservedAmount
	}
	w, err := tx.GetWalletForUpdate(ctx, o.ParticipantID, reserveAsset(inst, o.Side))
	if err != nil {
		return fmt.Errorf("lock wallet: %w", err)
	}
	if err := w.Unlock(amount); err != nil {
		return err
	}
	if err := tx.SaveWallet(ctx, w); err != nil {
		return fmt.Errorf("save wallet: %w", err)
	}
	o.ReservedAmount = o.ReservedAmount.Sub(amount)
	return nil
}

// match runs the taker against the book, settles every fill and settles the
// taker's final status. The taker row must already exist.
func (s *Service) match(ctx context.Context, tx storage.Tx, p *pass) error {
	incoming := toEngineOrder(*p.taker)
	fills, err := p.book.Match(incoming)
	if err != nil {
		return fmt.Errorf("match %s: %w", p.taker.ID, err)
	}
	for _, f := range fills {
		if err := s.settleFill(ctx, tx, p, f); err != nil {
			return err
		}
	}
	if !p.taker.FilledQuantity.Equal(incoming.Filled) {
		return fmt.Errorf("%w: taker %s filled %s, book says %s", storage.ErrStaleOrder, p.taker.ID, p.taker.FilledQuantity, incoming.Filled)
	}
	return s.finishTaker(ctx, tx, p)
}

func (s *Service) finishTaker(ctx context.Context, tx storage.Tx, p *pass) error {
	o := p.taker
	switch {
	case !o.Remaining().IsPositive():
		o.Status = storage.StatusFilled
	case o.Type == storage.TypeMarket:
		// An unfilled market remainder never rests.
		o.Status = storage.StatusCancelled
	case o.FilledQuantity.IsPositive():
		o.Status = storage.StatusPartial
	default:
		o.Status = storage.StatusPending
	}
	if !o.IsOpen() {
		if err := release(ctx, tx, p.inst, o); err != nil {
			return fmt.Errorf("release taker: %w", err)
		}
	}
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return fmt.Errorf("update taker: %w", err)
	}
	return nil
}

// settleFill applies one execution: wallets of both sides, the maker's order
// row, the trade row and the fee jobs.
func (s *Service) settleFill(ctx context.Context, tx storage.Tx, p *pass, f engine.Fill) error {
	maker, err := tx.GetOrderForUpdate(ctx, f.Maker.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: maker %s missing", storage.ErrStaleOrder, f.Maker.ID)
	}
	if err != nil {
		return fmt.Errorf("load maker: %w", err)
	}
	if !maker.IsOpen() || !maker.FilledQuantity.Equal(f.MakerFilledBefore) {
		return fmt.Errorf("%w: maker %s is %s with %s filled", storage.ErrStaleOrder, maker.ID, maker.Status, maker.FilledQuantity)
	}
	makerHolding, err := s.holding(ctx, tx, maker.ParticipantID)
	if err != nil {
		return err
	}

	notional := f.Notional()
	takerFee := p.schedule.Fee(notional, p.inst.AssetClass, fee.Taker, p.takerHolding)
	makerFee := p.schedule.Fee(notional, p.inst.AssetClass, fee.Maker, makerHolding)
	if maker.Side == storage.SideBuy {
		if makerFee, err = s.coverableFee(ctx, tx, maker, p.inst.QuoteAsset, notional, makerFee); err != nil {
			return err
		}
	}

	buy, sell := p.taker, maker
	buyerFee, sellerFee := takerFee, makerFee
	if p.taker.Side == storage.SideSell {
		buy, sell = maker, p.taker
		buyerFee, sellerFee = makerFee, takerFee
	}

	if err := s.debitOrder(ctx, tx, buy, p.inst.QuoteAsset, notional.Add(buyerFee)); err != nil {
		return err
	}
	if err := credit(ctx, tx, buy.ParticipantID, p.inst.BaseAsset, f.Quantity); err != nil {
		return err
	}
	if err := s.debitOrder(ctx, tx, sell, p.inst.BaseAsset, f.Quantity); err != nil {
		return err
	}
	if err := credit(ctx, tx, sell.ParticipantID, p.inst.QuoteAsset, notional.Sub(sellerFee)); err != nil {
		return err
	}

	p.taker.FilledQuantity = p.taker.FilledQuantity.Add(f.Quantity)
	maker.FilledQuantity = maker.FilledQuantity.Add(f.Quantity)
	if maker.Remaining().IsPositive() {
		maker.Status = storage.StatusPartial
	} else {
		maker.Status = storage.StatusFilled
		if err := release(ctx, tx, p.inst, maker); err != nil {
			return fmt.Errorf("release maker: %w", err)
		}
	}
	if err := tx.UpdateOrder(ctx, maker); err != nil {
		return fmt.Errorf("update maker: %w", err)
	}

	trade := storage.Trade{
		ID:          uuid.New(),
		Symbol:      p.inst.Symbol,
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		BuyerID:     buy.ParticipantID,
		SellerID:    sell.ParticipantID,
		Price:       f.Price,
		Quantity:    f.Quantity,
		BuyerFee:    buyerFee,
		SellerFee:   sellerFee,
		MakerSide:   maker.Side,
		ExecutedAt:  s.now(),
	}
	if err := tx.InsertTrade(ctx, &trade); err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	if err := s.enqueueFeeJobs(ctx, tx, trade, p.inst.QuoteAsset); err != nil {
		return err
	}
	p.trades = append(p.trades, trade)
	return nil
}

// coverableFee caps a resting buy's fee at what its reservation and free
// balance still cover. A buy reserved at the rates in force when it rested,
// so a later fee increase is absorbed here instead of failing the taker.
func (s *Service) coverableFee(ctx context.Context, tx storage.Tx, o *storage.Order, asset string, notional, charge decimal.Decimal) (decimal.Decimal, error) {
	w, err := tx.GetWalletForUpdate(ctx, o.ParticipantID, asset)
	if err != nil {
		return decimal.Zero, fmt.Errorf("lock wallet: %w", err)
	}
	room := o.ReservedAmount.Add(w.Available()).Sub(notional)
	if !room.LessThan(charge) {
		return charge, nil
	}
	room = decimal.Max(room, decimal.Zero)
	s.logger.Warn("maker fee capped at coverable amount",
		"order_id", o.ID, "fee", charge.String(), "charged", room.String())
	return room, nil
}

// debitOrder takes amount out of the order owner's wallet, drawing on the
// order's reservation first.
func (s *Service) debitOrder(ctx context.Context, tx storage.Tx, o *storage.Order, asset string, amount decimal.Decimal) error {
	w, err := tx.GetWalletForUpdate(ctx, o.ParticipantID, asset)
	if err != nil {
		return fmt.Errorf("lock wallet: %w", err)
	}
	fromLocked := decimal.Min(amount, o.ReservedAmount)
	if err := w.Debit(amount, fromLocked); err != nil {
		if errors.Is(err, storage.ErrInsufficientBalance) {
			return rejectWithLimit(RejectInsufficientFunds, w.Available(), "order %s cannot cover %s %s", o.ID, amount, asset)
		}
		return fmt.Errorf("debit %s: %w", asset, err)
	}
	if err := tx.SaveWallet(ctx, w); err != nil {
		return fmt.Errorf("save wallet: %w", err)
	}
	o.ReservedAmount = o.ReservedAmount.Sub(fromLocked)
	return nil
}

func credit(ctx context.Context, tx storage.Tx, participantID uuid.UUID, asset string, amount decimal.Decimal) error {
	w, err := tx.GetWalletForUpdate(ctx, participantID, asset)
	if err != nil {
		return fmt.Errorf("lock wallet: %w", err)
	}
	if err := w.Credit(amount); err != nil {
		return err
	}
	if err := tx.SaveWallet(ctx, w); err != nil {
		return fmt.Errorf("save wallet: %w", err)
	}
	return nil
}

// enqueueFeeJobs splits the trade's fees between treasury revenue and the
// reward pool. Job ids derive from the trade id.
func (s *Service) enqueueFeeJobs(ctx context.Context, tx storage.Tx, trade storage.Trade, asset string) error {
	total := trade.BuyerFee.Add(trade.SellerFee)
	if !total.IsPositive() {
		return nil
	}
	reward := total.Mul(s.cfg.RewardShareBps).Div(bpsDivisor).Truncate(reservePrec)
	revenue := total.Sub(reward)

	for _, part := range []struct {
		jobType string
		amount  decimal.Decimal
	}{
		{queue.JobRevenueCollection, revenue},
		{queue.JobRewardDistribution, reward},
	} {
		if !part.amount.IsPositive() {
			continue
		}
		job, err := queue.NewJob(part.jobType, trade.ID.String(), queue.CreditPayload{
			TradeID: trade.ID,
			Symbol:  trade.Symbol,
			Asset:   asset,
			Amount:  part.amount,
		}, s.cfg.JobMaxAttempts)
		if err != nil {
			return err
		}
		if err := tx.EnqueueJob(ctx, job); err != nil {
			return fmt.Errorf("enqueue %s: %w", part.jobType, err)
		}
	}
	return nil
}
