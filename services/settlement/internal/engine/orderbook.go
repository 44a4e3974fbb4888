// Package engine holds the in-memory per-symbol order books and the
// price-time matching algorithm. Books are plain data structures; callers
// must hold the symbol's settlement gate while matching.
package engine

import (
	"container/heap"
	"container/list"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	SideBuy  = "buy"
	SideSell = "sell"

	TypeLimit  = "limit"
	TypeMarket = "market"
)

var (
	ErrInvalidOrder = errors.New("invalid order")
	ErrDuplicate    = errors.New("order already in book")
)

type Order struct {
	ID            uuid.UUID
	ParticipantID uuid.UUID
	Side          string
	Type          string
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	Filled        decimal.Decimal
	// Seq is the submission sequence. Books are rebuilt in Seq order so FIFO
	// within a level survives a reload.
	Seq int64
}

func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.Filled)
}

type OrderBook struct {
	symbol string
	mu     sync.Mutex
	buys   *bookSide
	sells  *bookSide
	orders map[uuid.UUID]*orderRef
}

func NewOrderBook(symbol string) *OrderBook {
	return &OrderBook{
		symbol: symbol,
		buys:   newBookSide(true),
		sells:  newBookSide(false),
		orders: make(map[uuid.UUID]*orderRef),
	}
}

func (ob *OrderBook) Symbol() string {
	return ob.symbol
}

// Len is the number of resting orders on side.
func (ob *OrderBook) Len(side string) int {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	count := 0
	for _, ref := range ob.orders {
		if ref.side == side {
			count++
		}
	}
	return count
}

func (ob *OrderBook) BestBid() (decimal.Decimal, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.buys.bestPrice()
}

func (ob *OrderBook) BestAsk() (decimal.Decimal, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.sells.bestPrice()
}

// Get returns the resting order with id. The pointer is owned by the book.
func (ob *OrderBook) Get(id uuid.UUID) (*Order, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	ref, ok := ob.orders[id]
	if !ok {
		return nil, false
	}
	return ref.order, true
}

// Add rests a limit order at the back of its price level.
func (ob *OrderBook) Add(order *Order) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.addLocked(order)
}

func (ob *OrderBook) addLocked(order *Order) error {
	if order == nil || order.ID == uuid.Nil {
		return ErrInvalidOrder
	}
	if _, exists := ob.orders[order.ID]; exists {
		return ErrDuplicate
	}
	if normalizeType(order.Type) != TypeLimit || !order.Price.IsPositive() {
		return ErrInvalidOrder
	}
	if !order.Remaining().IsPositive() {
		return nil
	}

	var side *bookSide
	switch normalizeSide(order.Side) {
	case SideBuy:
		side = ob.buys
	case SideSell:
		side = ob.sells
	default:
		return ErrInvalidOrder
	}
	ob.orders[order.ID] = side.add(order)
	return nil
}

func (ob *OrderBook) Remove(id uuid.UUID) bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.removeLocked(id)
}

func (ob *OrderBook) removeLocked(id uuid.UUID) bool {
	ref, ok := ob.orders[id]
	if !ok {
		return false
	}
	ref.sideBook.remove(ref)
	delete(ob.orders, id)
	return true
}

type Level struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Orders   int
}

type Depth struct {
	Bids []Level
	Asks []Level
}

// Depth aggregates resting quantity per price, best price first.
func (ob *OrderBook) Depth() Depth {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return Depth{Bids: ob.buys.snapshot(), Asks: ob.sells.snapshot()}
}

type orderRef struct {
	order    *Order
	element  *list.Element
	level    *priceLevel
	side     string
	sideBook *bookSide
}

type priceLevel struct {
	price  decimal.Decimal
	key    string
	orders *list.List
	index  int
}

type bookSide struct {
	isBuy  bool
	levels map[string]*priceLevel
	heap   priceHeap
}

func newBookSide(isBuy bool) *bookSide {
	side := &bookSide{
		isBuy:  isBuy,
		levels: make(map[string]*priceLevel),
		heap:   priceHeap{isMax: isBuy},
	}
	heap.Init(&side.heap)
	return side
}

func (s *bookSide) add(order *Order) *orderRef {
	key := order.Price.String()
	level := s.levels[key]
	if level == nil {
		level = &priceLevel{price: order.Price, key: key, orders: list.New()}
		heap.Push(&s.heap, level)
		s.levels[key] = level
	}
	element := level.orders.PushBack(order)
	return &orderRef{order: order, element: element, level: level, side: normalizeSide(order.Side), sideBook: s}
}

func (s *bookSide) remove(ref *orderRef) {
	if ref == nil || ref.level == nil || ref.element == nil {
		return
	}
	ref.level.orders.Remove(ref.element)
	if ref.level.orders.Len() == 0 {
		heap.Remove(&s.heap, ref.level.index)
		delete(s.levels, ref.level.key)
	}
}

func (s *bookSide) best() *priceLevel {
	if s.heap.Len() == 0 {
		return nil
	}
	return s.heap.levels[0]
}

func (s *bookSide) bestPrice() (decimal.Decimal, bool) {
	level := s.best()
	if level == nil {
		return decimal.Zero, false
	}
	return level.price, true
}

// sorted returns the levels best first without disturbing the heap.
func (s *bookSide) sorted() []*priceLevel {
	levels := make([]*priceLevel, 0, len(s.levels))
	for _, level := range s.levels {
		levels = append(levels, level)
	}
	sort.Slice(levels, func(i, j int) bool {
		cmp := levels[i].price.Cmp(levels[j].price)
		if s.isBuy {
			return cmp > 0
		}
		return cmp < 0
	})
	return levels
}

func (s *bookSide) snapshot() []Level {
	levels := s.sorted()
	out := make([]Level, 0, len(levels))
	for _, level := range levels {
		agg := Level{Price: level.price}
		for e := level.orders.Front(); e != nil; e = e.Next() {
			agg.Quantity = agg.Quantity.Add(e.Value.(*Order).Remaining())
			agg.Orders++
		}
		out = append(out, agg)
	}
	return out
}

type priceHeap struct {
	levels []*priceLevel
	isMax  bool
}

func (h priceHeap) Len() int { return len(h.levels) }

func (h priceHeap) Less(i, j int) bool {
	cmp := h.levels[i].price.Cmp(h.levels[j].price)
	if h.isMax {
		return cmp > 0
	}
	return cmp < 0
}

func (h priceHeap) Swap(i, j int) {
	h.levels[i], h.levels[j] = h.levels[j], h.levels[i]
	h.levels[i].index = i
	h.levels[j].index = j
}

func (h *priceHeap) Push(x any) {
	level := x.(*priceLevel)
	level.index = len(h.levels)
	h.levels = append(h.levels, level)
}

func (h *priceHeap) Pop() any {
	old := h.levels
	n := len(old)
	item := old[n-1]
	item.index = -1
	h.levels = old[:n-1]
	return item
}

func normalizeSide(side string) string {
	switch strings.ToLower(strings.TrimSpace(side)) {
	case SideBuy:
		return SideBuy
	case SideSell:
		return SideSell
	default:
		return ""
	}
}

func normalizeType(orderType string) string {
	switch strings.ToLower(strings.TrimSpace(orderType)) {
	case TypeLimit:
		return TypeLimit
	case TypeMarket:
		return TypeMarket
	default:
		return ""
	}
}
