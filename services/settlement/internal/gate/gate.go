// Package gate provides per-symbol mutual exclusion for settlement passes.
package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrLockTimeout is transient: the caller may retry the whole operation.
	ErrLockTimeout   = errors.New("symbol lock timeout")
	ErrNestedAcquire = errors.New("symbol lock already held by this operation")
)

type Gate interface {
	Acquire(ctx context.Context, symbol string) (*Lease, error)
}

// Lease is a held symbol lock. Release is idempotent.
type Lease struct {
	symbol   string
	once     sync.Once
	released atomic.Bool
	release  func()
}

func newLease(symbol string, release func()) *Lease {
	return &Lease{symbol: symbol, release: release}
}

func (l *Lease) Symbol() string {
	return l.symbol
}

func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		l.released.Store(true)
		if l.release != nil {
			l.release()
		}
	})
}

type leaseKey struct{}

// Context marks ctx as running under l. Acquire rejects a context that
// already carries a live lease.
func (l *Lease) Context(ctx context.Context) context.Context {
	return context.WithValue(ctx, leaseKey{}, l)
}

// Held returns the live lease carried by ctx, if any.
func Held(ctx context.Context) (*Lease, bool) {
	l, ok := ctx.Value(leaseKey{}).(*Lease)
	if !ok || l.released.Load() {
		return nil, false
	}
	return l, true
}

func checkNested(ctx context.Context, symbol string) error {
	if held, ok := Held(ctx); ok {
		return fmt.Errorf("%w: holding %s, requested %s", ErrNestedAcquire, held.Symbol(), symbol)
	}
	return nil
}

// LocalGate serializes symbols within one process.
type LocalGate struct {
	mu      sync.Mutex
	slots   map[string]chan struct{}
	timeout time.Duration
}

// NewLocalGate returns a gate whose Acquire gives up after timeout. Zero
// waits until ctx is done.
func NewLocalGate(timeout time.Duration) *LocalGate {
	return &LocalGate{slots: make(map[string]chan struct{}), timeout: timeout}
}

func (g *LocalGate) slot(symbol string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.slots[symbol]
	if !ok {
		ch = make(chan struct{}, 1)
		g.slots[symbol] = ch
	}
	return ch
}

func (g *LocalGate) Acquire(ctx context.Context, symbol string) (*Lease, error) {
	symbol = normalizeSymbol(symbol)
	if err := checkNested(ctx, symbol); err != nil {
		return nil, err
	}
	waitCtx, cancel := withTimeout(ctx, g.timeout)
	defer cancel()

	ch := g.slot(symbol)
	select {
	case ch <- struct{}{}:
		return newLease(symbol, func() { <-ch }), nil
	case <-waitCtx.Done():
		return nil, waitError(ctx, waitCtx, symbol)
	}
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func waitError(parent, waitCtx context.Context, symbol string) error {
	if parent.Err() != nil && !errors.Is(parent.Err(), context.DeadlineExceeded) {
		return parent.Err()
	}
	if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrLockTimeout, symbol)
	}
	return waitCtx.Err()
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
