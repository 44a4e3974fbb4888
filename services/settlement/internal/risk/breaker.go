// Package risk holds the pre-trade guards: a per-symbol price circuit
// breaker and position limits.
package risk

import (
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var bpsScale = decimal.NewFromInt(10000)

type BreakerConfig struct {
	// ThresholdBps is the price move, relative to the window's reference
	// price, that halts the symbol. Zero disables the breaker.
	ThresholdBps decimal.Decimal
	Window       time.Duration
	Cooldown     time.Duration
}

// CircuitBreaker halts trading in a symbol after a sharp price move.
type CircuitBreaker struct {
	mu      sync.Mutex
	cfg     BreakerConfig
	now     func() time.Time
	symbols map[string]*breakerState
}

type breakerState struct {
	reference   decimal.Decimal
	referenceAt time.Time
	openedUntil time.Time
}

func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now, symbols: make(map[string]*breakerState)}
}

func (b *CircuitBreaker) state(symbol string) *breakerState {
	key := strings.ToUpper(strings.TrimSpace(symbol))
	st, ok := b.symbols[key]
	if !ok {
		st = &breakerState{}
		b.symbols[key] = st
	}
	return st
}

// Allow reports whether symbol is trading. An expired halt is cleared.
func (b *CircuitBreaker) Allow(symbol string) bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(symbol)
	if st.openedUntil.IsZero() {
		return true
	}
	if b.now().After(st.openedUntil) {
		st.openedUntil = time.Time{}
		st.reference = decimal.Zero
		return true
	}
	return false
}

// OpenUntil is the end of the current halt, or zero.
func (b *CircuitBreaker) OpenUntil(symbol string) time.Time {
	if b == nil {
		return time.Time{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state(symbol).openedUntil
}

// RecordPrice feeds an executed or ticked price and returns true when it
// trips the breaker.
func (b *CircuitBreaker) RecordPrice(symbol string, price decimal.Decimal) bool {
	if b == nil || !b.cfg.ThresholdBps.IsPositive() || !price.IsPositive() {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	st := b.state(symbol)
	if !st.openedUntil.IsZero() && now.Before(st.openedUntil) {
		return false
	}
	if st.reference.IsZero() || now.Sub(st.referenceAt) > b.cfg.Window {
		st.reference = price
		st.referenceAt = now
		return false
	}

	move := price.Sub(st.reference).Abs().Div(st.reference).Mul(bpsScale)
	if move.LessThan(b.cfg.ThresholdBps) {
		return false
	}
	st.openedUntil = now.Add(b.cfg.Cooldown)
	st.reference = decimal.Zero
	return true
}

func (b *CircuitBreaker) Reset(symbol string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(symbol)
	st.openedUntil = time.Time{}
	st.reference = decimal.Zero
}
