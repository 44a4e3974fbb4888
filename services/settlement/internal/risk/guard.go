package risk

import (
	"errors"
	"fmt"

	"github.com/AfshinJalili/tokex/services/settlement/internal/storage"
	"github.com/shopspring/decimal"
)

var ErrCircuitOpen = errors.New("circuit breaker active")

type PositionLimitError struct {
	Limit     decimal.Decimal
	Projected decimal.Decimal
}

func (e *PositionLimitError) Error() string {
	return fmt.Sprintf("position %s would exceed limit %s", e.Projected, e.Limit)
}

// Exempt roles bypass the circuit breaker and position limits.
func Exempt(role string) bool {
	return role == storage.RoleMarketMaker || role == storage.RoleAdmin
}

type Guard struct {
	Breaker *CircuitBreaker
	// UnverifiedFactor scales the position limit of participants without
	// KYC. Zero leaves the limit unchanged.
	UnverifiedFactor decimal.Decimal
}

// PositionLimit is the participant's cap in the instrument's base asset.
// Zero means unlimited.
func (g *Guard) PositionLimit(inst storage.Instrument, p storage.Participant) decimal.Decimal {
	limit := inst.MaxPosition
	if !limit.IsPositive() {
		return decimal.Zero
	}
	if !p.KYCVerified && g.UnverifiedFactor.IsPositive() {
		limit = limit.Mul(g.UnverifiedFactor)
	}
	return limit
}

// Check runs the pre-trade guards. holding is the participant's current
// base-asset balance; only buys grow the position.
func (g *Guard) Check(inst storage.Instrument, p storage.Participant, side string, holding, quantity decimal.Decimal) error {
	if Exempt(p.Role) {
		return nil
	}
	if g.Breaker != nil && !g.Breaker.Allow(inst.Symbol) {
		return ErrCircuitOpen
	}
	if side != storage.SideBuy {
		return nil
	}
	limit := g.PositionLimit(inst, p)
	if limit.IsZero() {
		return nil
	}
	projected := holding.Add(quantity)
	if projected.GreaterThan(limit) {
		return &PositionLimitError{Limit: limit, Projected: projected}
	}
	return nil
}
