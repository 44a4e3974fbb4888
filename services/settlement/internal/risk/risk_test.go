package risk

import (
	"errors"
	"testing"
	"time"

	"github.com/AfshinJalili/tokex/services/settlement/internal/storage"
	"github.com/shopspring/decimal"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestBreaker() (*CircuitBreaker, *clock) {
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewCircuitBreaker(BreakerConfig{
		ThresholdBps: decimal.NewFromInt(1000),
		Window:       time.Minute,
		Cooldown:     5 * time.Minute,
	})
	b.now = c.now
	return b, c
}

func TestBreakerTripsOnSharpMove(t *testing.T) {
	b, c := newTestBreaker()
	if b.RecordPrice("BTC-USD", decimal.NewFromInt(100)) {
		t.Fatalf("first price only sets the reference")
	}
	c.t = c.t.Add(10 * time.Second)
	if b.RecordPrice("BTC-USD", decimal.NewFromInt(105)) {
		t.Fatalf("5%% move must not trip a 10%% breaker")
	}
	if !b.RecordPrice("BTC-USD", decimal.NewFromInt(89)) {
		t.Fatalf("expected 11%% drop to trip")
	}
	if b.Allow("btc-usd") {
		t.Fatalf("expected symbol halted")
	}
	if !b.Allow("ETH-USD") {
		t.Fatalf("other symbols keep trading")
	}

	c.t = c.t.Add(5*time.Minute + time.Second)
	if !b.Allow("BTC-USD") {
		t.Fatalf("expected halt to expire after cooldown")
	}
}

func TestBreakerReferenceRollsWithWindow(t *testing.T) {
	b, c := newTestBreaker()
	b.RecordPrice("BTC-USD", decimal.NewFromInt(100))
	c.t = c.t.Add(2 * time.Minute)
	if b.RecordPrice("BTC-USD", decimal.NewFromInt(150)) {
		t.Fatalf("move outside the window must reset the reference")
	}
	c.t = c.t.Add(time.Second)
	if b.RecordPrice("BTC-USD", decimal.NewFromInt(155)) {
		t.Fatalf("small move from new reference must not trip")
	}
}

func TestBreakerDisabledWithZeroThreshold(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{})
	b.RecordPrice("BTC-USD", decimal.NewFromInt(1))
	if b.RecordPrice("BTC-USD", decimal.NewFromInt(1000)) {
		t.Fatalf("disabled breaker must never trip")
	}
}

func TestGuardCircuitBreakerExemptions(t *testing.T) {
	b, _ := newTestBreaker()
	b.RecordPrice("BTC-USD", decimal.NewFromInt(100))
	b.RecordPrice("BTC-USD", decimal.NewFromInt(50))

	g := &Guard{Breaker: b}
	inst := storage.Instrument{Symbol: "BTC-USD"}
	user := storage.Participant{Role: storage.RoleUser}
	if err := g.Check(inst, user, storage.SideSell, decimal.Zero, decimal.NewFromInt(1)); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
	mm := storage.Participant{Role: storage.RoleMarketMaker}
	if err := g.Check(inst, mm, storage.SideSell, decimal.Zero, decimal.NewFromInt(1)); err != nil {
		t.Fatalf("market maker must be exempt, got %v", err)
	}
}

func TestGuardPositionLimit(t *testing.T) {
	g := &Guard{UnverifiedFactor: decimal.RequireFromString("0.5")}
	inst := storage.Instrument{Symbol: "BTC-USD", MaxPosition: decimal.NewFromInt(100)}
	verified := storage.Participant{Role: storage.RoleUser, KYCVerified: true}
	unverified := storage.Participant{Role: storage.RoleUser}

	if err := g.Check(inst, verified, storage.SideBuy, decimal.NewFromInt(90), decimal.NewFromInt(10)); err != nil {
		t.Fatalf("expected position at limit to pass, got %v", err)
	}

	err := g.Check(inst, verified, storage.SideBuy, decimal.NewFromInt(90), decimal.NewFromInt(11))
	var limitErr *PositionLimitError
	if !errors.As(err, &limitErr) || !limitErr.Limit.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected position limit error, got %v", err)
	}

	err = g.Check(inst, unverified, storage.SideBuy, decimal.Zero, decimal.NewFromInt(60))
	if !errors.As(err, &limitErr) || !limitErr.Limit.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected reduced limit for unverified participant, got %v", err)
	}

	if err := g.Check(inst, verified, storage.SideSell, decimal.NewFromInt(500), decimal.NewFromInt(500)); err != nil {
		t.Fatalf("sells never grow the position, got %v", err)
	}
	admin := storage.Participant{Role: storage.RoleAdmin}
	if err := g.Check(inst, admin, storage.SideBuy, decimal.Zero, decimal.NewFromInt(1000)); err != nil {
		t.Fatalf("admin must be exempt, got %v", err)
	}
}
