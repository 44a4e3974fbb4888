package engine

import (
	"github.com/shopspring/decimal"
)

// Fill is one execution against a resting maker. Price is always the maker's.
type Fill struct {
	Maker *Order
	// MakerFilledBefore is the maker's filled quantity as the book saw it
	// before this fill, used to detect a book that drifted from storage.
	MakerFilledBefore decimal.Decimal
	Price             decimal.Decimal
	Quantity          decimal.Decimal
}

func (f Fill) Notional() decimal.Decimal {
	return f.Price.Mul(f.Quantity)
}

// Match executes incoming against the opposite side in price-time order and
// updates Filled on both sides. A limit remainder rests in the book; a market
// remainder is left to the caller.
func (ob *OrderBook) Match(incoming *Order) ([]Fill, error) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if incoming == nil {
		return nil, ErrInvalidOrder
	}
	side := normalizeSide(incoming.Side)
	orderType := normalizeType(incoming.Type)
	if side == "" || orderType == "" || !incoming.Remaining().IsPositive() {
		return nil, ErrInvalidOrder
	}
	if orderType == TypeLimit && !incoming.Price.IsPositive() {
		return nil, ErrInvalidOrder
	}

	opposite := ob.sells
	if side == SideSell {
		opposite = ob.buys
	}

	fills := make([]Fill, 0)
	for incoming.Remaining().IsPositive() {
		best := opposite.best()
		if best == nil || !priceCrosses(side, orderType, incoming.Price, best.price) {
			break
		}
		makerElem := best.orders.Front()
		if makerElem == nil {
			break
		}
		maker := makerElem.Value.(*Order)
		makerRemaining := maker.Remaining()
		if !makerRemaining.IsPositive() {
			ob.removeLocked(maker.ID)
			continue
		}

		qty := minDecimal(incoming.Remaining(), makerRemaining)
		fills = append(fills, Fill{
			Maker:             maker,
			MakerFilledBefore: maker.Filled,
			Price:             best.price,
			Quantity:          qty,
		})
		maker.Filled = maker.Filled.Add(qty)
		incoming.Filled = incoming.Filled.Add(qty)

		if !maker.Remaining().IsPositive() {
			ob.removeLocked(maker.ID)
		}
	}

	if orderType == TypeLimit && incoming.Remaining().IsPositive() {
		if err := ob.addLocked(incoming); err != nil {
			return fills, err
		}
	}
	return fills, nil
}

type Quote struct {
	// Quantity is how much of the requested size the book can absorb.
	Quantity decimal.Decimal
	Cost     decimal.Decimal
	// WorstPrice is the last price level touched.
	WorstPrice decimal.Decimal
}

// Quote walks the side opposite to side for quantity without changing the
// book. A zero limit walks at any price.
func (ob *OrderBook) Quote(side string, quantity, limit decimal.Decimal) Quote {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	side = normalizeSide(side)
	opposite := ob.sells
	if side == SideSell {
		opposite = ob.buys
	}
	orderType := TypeMarket
	if limit.IsPositive() {
		orderType = TypeLimit
	}

	var q Quote
	remaining := quantity
	for _, level := range opposite.sorted() {
		if !remaining.IsPositive() || !priceCrosses(side, orderType, limit, level.price) {
			break
		}
		for e := level.orders.Front(); e != nil && remaining.IsPositive(); e = e.Next() {
			maker := e.Value.(*Order)
			take := minDecimal(remaining, maker.Remaining())
			if !take.IsPositive() {
				continue
			}
			q.Quantity = q.Quantity.Add(take)
			q.Cost = q.Cost.Add(take.Mul(level.price))
			q.WorstPrice = level.price
			remaining = remaining.Sub(take)
		}
	}
	return q
}

func priceCrosses(side, orderType string, limit, makerPrice decimal.Decimal) bool {
	if orderType == TypeMarket {
		return true
	}
	switch side {
	case SideBuy:
		return makerPrice.Cmp(limit) <= 0
	case SideSell:
		return makerPrice.Cmp(limit) >= 0
	default:
		return false
	}
}

func minDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}
