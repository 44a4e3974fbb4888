package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/AfshinJalili/tokex/services/settlement/internal/service"
	"github.com/AfshinJalili/tokex/services/settlement/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

// catalog holds the reference data the matching path reads but never writes.
type catalog interface {
	UpsertInstrument(ctx context.Context, inst storage.Instrument) error
	UpsertParticipant(ctx context.Context, p storage.Participant) error
	UpsertFeeRate(ctx context.Context, rate storage.FeeRate) error
	UpsertHoldingTier(ctx context.Context, tier storage.HoldingTier) error
}

var (
	demoParticipant   = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	traderParticipant = uuid.MustParse("00000000-0000-0000-0000-000000000002")
	makerParticipant  = uuid.MustParse("00000000-0000-0000-0000-000000000003")
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seedInstruments() []storage.Instrument {
	return []storage.Instrument{
		{Symbol: "BTC-USD", BaseAsset: "BTC", QuoteAsset: "USD", AssetClass: "crypto", Status: storage.InstrumentActive,
			MinQuantity: dec("0.0001"), MaxQuantity: dec("100"), MaxNotional: dec("5000000")},
		{Symbol: "ETH-USD", BaseAsset: "ETH", QuoteAsset: "USD", AssetClass: "crypto", Status: storage.InstrumentActive,
			MinQuantity: dec("0.001"), MaxQuantity: dec("1000"), MaxNotional: dec("5000000")},
		{Symbol: "AAPLX-USD", BaseAsset: "AAPLX", QuoteAsset: "USD", AssetClass: "stock", Status: storage.InstrumentActive,
			MinQuantity: dec("0.01"), MaxQuantity: dec("10000"), MaxNotional: dec("1000000"), MaxPosition: dec("50000")},
		{Symbol: "TBILL-USD", BaseAsset: "TBILL", QuoteAsset: "USD", AssetClass: "bond", Status: storage.InstrumentActive,
			MinQuantity: dec("1"), MaxQuantity: dec("100000"), MaxNotional: dec("10000000")},
		{Symbol: "TKX-USD", BaseAsset: "TKX", QuoteAsset: "USD", AssetClass: "utility", Status: storage.InstrumentActive,
			MinQuantity: dec("1"), MaxQuantity: dec("1000000")},
	}
}

func seedParticipants(treasury, rewards uuid.UUID) []storage.Participant {
	return []storage.Participant{
		{ID: demoParticipant, Role: storage.RoleUser, KYCVerified: true},
		{ID: traderParticipant, Role: storage.RoleUser},
		{ID: makerParticipant, Role: storage.RoleMarketMaker, KYCVerified: true},
		{ID: treasury, Role: storage.RoleAdmin, KYCVerified: true},
		{ID: rewards, Role: storage.RoleAdmin, KYCVerified: true},
	}
}

func seedFeeRates() []storage.FeeRate {
	return []storage.FeeRate{
		{AssetClass: "crypto", MakerFeeBps: dec("10"), TakerFeeBps: dec("20")},
		{AssetClass: "stock", MakerFeeBps: dec("5"), TakerFeeBps: dec("10")},
		{AssetClass: "bond", MakerFeeBps: dec("2"), TakerFeeBps: dec("5")},
		{AssetClass: "utility", MakerFeeBps: dec("0"), TakerFeeBps: dec("10")},
	}
}

func seedHoldingTiers() []storage.HoldingTier {
	return []storage.HoldingTier{
		{MinHolding: dec("1000"), Multiplier: dec("0.9")},
		{MinHolding: dec("10000"), Multiplier: dec("0.75")},
		{MinHolding: dec("100000"), Multiplier: dec("0.5")},
	}
}

var seedBalances = map[uuid.UUID]map[string]string{
	demoParticipant:   {"USD": "100000", "BTC": "10", "ETH": "100", "TKX": "15000"},
	traderParticipant: {"USD": "50000", "BTC": "5", "AAPLX": "200"},
	makerParticipant:  {"USD": "1000000", "BTC": "50", "ETH": "500", "AAPLX": "5000", "TBILL": "20000", "TKX": "200000"},
}

func newSeedCmd(open opener) *cobra.Command {
	var withBalances bool
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load demo instruments, participants and fee schedules",
		Long: `Upsert the demo reference data. With --balances the demo participants
are also funded through the ledger; each credit carries a fixed reference so
running the command again never double-funds a wallet.

Refuses to run unless the configured environment is dev or test.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, open, func(ctx context.Context, b *backend) error {
				if b.env != "dev" && b.env != "test" {
					return fmt.Errorf("refusing to seed: environment must be 'dev' or 'test' (got '%s')", b.env)
				}
				if b.catalog == nil {
					return errors.New("backend has no catalog")
				}
				return seed(ctx, cmd.OutOrStdout(), b, withBalances)
			})
		},
	}
	cmd.Flags().BoolVar(&withBalances, "balances", false, "also fund the demo participants")
	return cmd
}

func seed(ctx context.Context, out io.Writer, b *backend, withBalances bool) error {
	for _, inst := range seedInstruments() {
		if err := b.catalog.UpsertInstrument(ctx, inst); err != nil {
			return fmt.Errorf("seed instrument %s: %w", inst.Symbol, err)
		}
	}
	fmt.Fprintln(out, "instruments seeded")

	for _, p := range seedParticipants(b.treasury, b.rewards) {
		if err := b.catalog.UpsertParticipant(ctx, p); err != nil {
			return fmt.Errorf("seed participant %s: %w", p.ID, err)
		}
	}
	fmt.Fprintln(out, "participants seeded")

	for _, rate := range seedFeeRates() {
		if err := b.catalog.UpsertFeeRate(ctx, rate); err != nil {
			return fmt.Errorf("seed fee rate %s: %w", rate.AssetClass, err)
		}
	}
	for _, tier := range seedHoldingTiers() {
		if err := b.catalog.UpsertHoldingTier(ctx, tier); err != nil {
			return fmt.Errorf("seed holding tier %s: %w", tier.MinHolding, err)
		}
	}
	fmt.Fprintln(out, "fee schedule seeded")

	if !withBalances {
		return nil
	}
	credited := 0
	for _, pid := range []uuid.UUID{demoParticipant, traderParticipant, makerParticipant} {
		for asset, amount := range seedBalances[pid] {
			ref := fmt.Sprintf("seed:%s:%s", pid, asset)
			_, err := b.ledger.Deposit(ctx, pid, asset, dec(amount), ref)
			if errors.Is(err, service.ErrDuplicateReference) {
				continue
			}
			if err != nil {
				return fmt.Errorf("fund %s %s: %w", pid, asset, err)
			}
			credited++
		}
	}
	fmt.Fprintf(out, "balances seeded (%d new credits)\n", credited)
	return nil
}
