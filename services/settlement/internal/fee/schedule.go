// Package fee prices trades. A Schedule is immutable once built and safe for
// concurrent use.
package fee

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

type Role string

const (
	Maker Role = "maker"
	Taker Role = "taker"
)

// Precision is the number of decimal places fees are truncated to.
const Precision = 8

var (
	bpsDivisor = decimal.NewFromInt(10000)
	maxBps     = decimal.NewFromInt(10000)
)

type Rates struct {
	MakerBps decimal.Decimal
	TakerBps decimal.Decimal
}

func (r Rates) bps(role Role) decimal.Decimal {
	if role == Maker {
		return r.MakerBps
	}
	return r.TakerBps
}

// Tier applies Multiplier to every holding balance >= MinHolding.
type Tier struct {
	MinHolding decimal.Decimal
	Multiplier decimal.Decimal
}

type Schedule struct {
	classes  map[string]Rates
	fallback Rates
	tiers    []Tier
	floor    decimal.Decimal
}

// NewSchedule validates and builds a schedule. Tier multipliers must not
// increase with holdings; any multiplier under floor is raised to floor.
func NewSchedule(classes map[string]Rates, fallback Rates, tiers []Tier, floor decimal.Decimal) (*Schedule, error) {
	if err := validateRates("default", fallback); err != nil {
		return nil, err
	}
	normalized := make(map[string]Rates, len(classes))
	for class, rates := range classes {
		if err := validateRates(class, rates); err != nil {
			return nil, err
		}
		normalized[normalizeClass(class)] = rates
	}
	if floor.IsNegative() {
		return nil, errors.New("multiplier floor must not be negative")
	}

	sorted := append([]Tier(nil), tiers...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].MinHolding.LessThan(sorted[j].MinHolding)
	})
	for i, tier := range sorted {
		if tier.MinHolding.IsNegative() {
			return nil, fmt.Errorf("tier %d: min holding must not be negative", i)
		}
		if !tier.Multiplier.IsPositive() {
			return nil, fmt.Errorf("tier %d: multiplier must be positive", i)
		}
		if i > 0 {
			if tier.MinHolding.Equal(sorted[i-1].MinHolding) {
				return nil, fmt.Errorf("duplicate tier threshold %s", tier.MinHolding)
			}
			if tier.Multiplier.GreaterThan(sorted[i-1].Multiplier) {
				return nil, fmt.Errorf("tier at %s raises multiplier to %s", tier.MinHolding, tier.Multiplier)
			}
		}
		if tier.Multiplier.LessThan(floor) {
			sorted[i].Multiplier = floor
		}
	}

	return &Schedule{classes: normalized, fallback: fallback, tiers: sorted, floor: floor}, nil
}

// Rates returns the table rates for assetClass, or the default when the
// class is unknown.
func (s *Schedule) Rates(assetClass string) Rates {
	if r, ok := s.classes[normalizeClass(assetClass)]; ok {
		return r
	}
	return s.fallback
}

// Multiplier is the holding-tier discount for a balance of the holding token.
func (s *Schedule) Multiplier(holding decimal.Decimal) decimal.Decimal {
	mult := decimal.NewFromInt(1)
	idx := sort.Search(len(s.tiers), func(i int) bool {
		return s.tiers[i].MinHolding.GreaterThan(holding)
	})
	if idx > 0 {
		mult = s.tiers[idx-1].Multiplier
	}
	if mult.LessThan(s.floor) {
		return s.floor
	}
	return mult
}

// Fee is notional x bps/10000 x multiplier, truncated. holding must be the
// participant's balance before the trade being priced.
func (s *Schedule) Fee(notional decimal.Decimal, assetClass string, role Role, holding decimal.Decimal) decimal.Decimal {
	if !notional.IsPositive() {
		return decimal.Zero
	}
	bps := s.Rates(assetClass).bps(role)
	return notional.Mul(bps).Div(bpsDivisor).Mul(s.Multiplier(holding)).Truncate(Precision)
}

// MaxRate is the highest fraction of notional any participant can be charged
// on assetClass. Reservations use it so fees never exceed locked funds.
func (s *Schedule) MaxRate(assetClass string) decimal.Decimal {
	r := s.Rates(assetClass)
	bps := decimal.Max(r.MakerBps, r.TakerBps)
	return bps.Div(bpsDivisor).Mul(s.Multiplier(decimal.Zero))
}

func validateRates(class string, r Rates) error {
	for _, bps := range []decimal.Decimal{r.MakerBps, r.TakerBps} {
		if bps.IsNegative() || bps.GreaterThanOrEqual(maxBps) {
			return fmt.Errorf("asset class %q: fee bps %s out of range", class, bps)
		}
	}
	return nil
}

func normalizeClass(class string) string {
	return strings.ToLower(strings.TrimSpace(class))
}
