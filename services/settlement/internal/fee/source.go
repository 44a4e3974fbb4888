package fee

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/AfshinJalili/tokex/services/settlement/internal/storage"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Source produces a complete schedule. Sources are re-read on every cache
// refresh.
type Source interface {
	Load(ctx context.Context) (*Schedule, error)
}

// Defaults are used for anything a source does not define.
type Defaults struct {
	MakerBps      decimal.Decimal
	TakerBps      decimal.Decimal
	MinMultiplier decimal.Decimal
}

type fileRates struct {
	MakerBps string `yaml:"maker_bps"`
	TakerBps string `yaml:"taker_bps"`
}

type fileTier struct {
	MinHolding string `yaml:"min_holding"`
	Multiplier string `yaml:"multiplier"`
}

type fileSchedule struct {
	Default       *fileRates           `yaml:"default"`
	AssetClasses  map[string]fileRates `yaml:"asset_classes"`
	HoldingTiers  []fileTier           `yaml:"holding_tiers"`
	MinMultiplier string               `yaml:"min_multiplier"`
}

// FileSource reads a YAML schedule:
//
//	default: {maker_bps: 10, taker_bps: 20}
//	asset_classes:
//	  stock: {maker_bps: 5, taker_bps: 10}
//	holding_tiers:
//	  - {min_holding: 1000, multiplier: 0.8}
//	min_multiplier: 0.5
type FileSource struct {
	Path     string
	Defaults Defaults
}

func (f FileSource) Load(_ context.Context) (*Schedule, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read fee schedule: %w", err)
	}
	return ParseYAML(data, f.Defaults)
}

func ParseYAML(data []byte, defaults Defaults) (*Schedule, error) {
	var raw fileSchedule
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode fee schedule: %w", err)
	}

	fallback := Rates{MakerBps: defaults.MakerBps, TakerBps: defaults.TakerBps}
	if raw.Default != nil {
		r, err := raw.Default.rates(fallback)
		if err != nil {
			return nil, fmt.Errorf("default rates: %w", err)
		}
		fallback = r
	}

	classes := make(map[string]Rates, len(raw.AssetClasses))
	for class, fr := range raw.AssetClasses {
		r, err := fr.rates(fallback)
		if err != nil {
			return nil, fmt.Errorf("asset class %q: %w", class, err)
		}
		classes[class] = r
	}

	tiers := make([]Tier, 0, len(raw.HoldingTiers))
	for i, ft := range raw.HoldingTiers {
		minHolding, err := parseDecimal(ft.MinHolding, decimal.Zero)
		if err != nil {
			return nil, fmt.Errorf("holding tier %d: %w", i, err)
		}
		mult, err := parseDecimal(ft.Multiplier, decimal.NewFromInt(1))
		if err != nil {
			return nil, fmt.Errorf("holding tier %d: %w", i, err)
		}
		tiers = append(tiers, Tier{MinHolding: minHolding, Multiplier: mult})
	}

	floor, err := parseDecimal(raw.MinMultiplier, defaults.MinMultiplier)
	if err != nil {
		return nil, fmt.Errorf("min multiplier: %w", err)
	}
	return NewSchedule(classes, fallback, tiers, floor)
}

func (r fileRates) rates(fallback Rates) (Rates, error) {
	maker, err := parseDecimal(r.MakerBps, fallback.MakerBps)
	if err != nil {
		return Rates{}, err
	}
	taker, err := parseDecimal(r.TakerBps, fallback.TakerBps)
	if err != nil {
		return Rates{}, err
	}
	return Rates{MakerBps: maker, TakerBps: taker}, nil
}

func parseDecimal(raw string, fallback decimal.Decimal) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal %q", raw)
	}
	return d, nil
}

type RateStore interface {
	ListFeeRates(ctx context.Context) ([]storage.FeeRate, error)
	ListHoldingTiers(ctx context.Context) ([]storage.HoldingTier, error)
}

// StoreSource reads the fee_schedules and holding_tiers tables.
type StoreSource struct {
	Store    RateStore
	Defaults Defaults
}

func (s StoreSource) Load(ctx context.Context) (*Schedule, error) {
	rates, err := s.Store.ListFeeRates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list fee rates: %w", err)
	}
	holdingTiers, err := s.Store.ListHoldingTiers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list holding tiers: %w", err)
	}

	fallback := Rates{MakerBps: s.Defaults.MakerBps, TakerBps: s.Defaults.TakerBps}
	classes := make(map[string]Rates, len(rates))
	for _, r := range rates {
		classes[r.AssetClass] = Rates{MakerBps: r.MakerFeeBps, TakerBps: r.TakerFeeBps}
	}
	tiers := make([]Tier, 0, len(holdingTiers))
	for _, t := range holdingTiers {
		tiers = append(tiers, Tier{MinHolding: t.MinHolding, Multiplier: t.Multiplier})
	}
	return NewSchedule(classes, fallback, tiers, s.Defaults.MinMultiplier)
}

// StaticSource always returns the same schedule.
type StaticSource struct {
	Schedule *Schedule
}

func (s StaticSource) Load(context.Context) (*Schedule, error) {
	if s.Schedule == nil {
		return nil, fmt.Errorf("no fee schedule configured")
	}
	return s.Schedule, nil
}
