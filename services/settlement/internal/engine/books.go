package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Loader returns every open limit order for one symbol.
type Loader func(ctx context.Context) ([]*Order, error)

// Books is the process-wide registry of order books. A missing book is
// rebuilt from storage on first use, so dropping one is always safe.
//
// Each symbol also carries the store version the cached book reflects.
// Another process settling the symbol moves the stored version, which makes
// the cached book stale.
type Books struct {
	mu       sync.RWMutex
	books    map[string]*OrderBook
	versions map[string]int64
}

func NewBooks() *Books {
	return &Books{books: make(map[string]*OrderBook), versions: make(map[string]int64)}
}

func (b *Books) Get(symbol string) (*OrderBook, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	book, ok := b.books[normalizeSymbol(symbol)]
	return book, ok
}

// Current reports whether a book for symbol is cached and was stamped with
// version.
func (b *Books) Current(symbol string, version int64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sym := normalizeSymbol(symbol)
	v, stamped := b.versions[sym]
	_, cached := b.books[sym]
	return cached && stamped && v == version
}

// Stamp records the store version the book for symbol reflects once the
// running pass commits.
func (b *Books) Stamp(symbol string, version int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.versions[normalizeSymbol(symbol)] = version
}

// Load returns the cached book for symbol or rebuilds it with load.
func (b *Books) Load(ctx context.Context, symbol string, load Loader) (*OrderBook, error) {
	sym := normalizeSymbol(symbol)
	if book, ok := b.Get(sym); ok {
		return book, nil
	}
	book, err := Rebuild(ctx, sym, load)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.books[sym]; ok {
		return existing, nil
	}
	b.books[sym] = book
	return book, nil
}

// Rebuild builds a fresh book from load, inserting in submission order.
func Rebuild(ctx context.Context, symbol string, load Loader) (*OrderBook, error) {
	orders, err := load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load open orders for %s: %w", symbol, err)
	}
	sort.SliceStable(orders, func(i, j int) bool { return orders[i].Seq < orders[j].Seq })

	book := NewOrderBook(symbol)
	for _, order := range orders {
		if order == nil {
			continue
		}
		if err := book.Add(order); err != nil {
			return nil, fmt.Errorf("rebuild %s: order %s: %w", symbol, order.ID, err)
		}
	}
	return book, nil
}

// Invalidate drops the cached book so the next Load rebuilds it.
func (b *Books) Invalidate(symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.books, normalizeSymbol(symbol))
}

func (b *Books) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.books = make(map[string]*OrderBook)
	b.versions = make(map[string]int64)
}

func (b *Books) Symbols() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.books))
	for sym := range b.books {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
