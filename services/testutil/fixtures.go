package testutil

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const FixtureSymbol = "BTC-USD"

var (
	BuyerID       = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	SellerID      = uuid.MustParse("00000000-0000-0000-0000-000000000002")
	MarketMakerID = uuid.MustParse("00000000-0000-0000-0000-000000000003")
)

// SeedFixtures inserts the BTC-USD instrument and the three fixture
// participants. It is safe to call repeatedly.
func SeedFixtures(ctx context.Context, pool *pgxpool.Pool) error {
	queries := []struct {
		sql  string
		args []any
	}{
		{
			`INSERT INTO instruments (symbol, base_asset, quote_asset, asset_class, status, min_quantity, max_quantity, max_notional)
			 VALUES ($1, 'BTC', 'USD', 'crypto', 'active', 0.0001, 1000, 1000000)
			 ON CONFLICT (symbol) DO NOTHING`,
			[]any{FixtureSymbol},
		},
		{
			`INSERT INTO participants (id, role, kyc_verified) VALUES ($1, 'user', true), ($2, 'user', true), ($3, 'market_maker', true)
			 ON CONFLICT (id) DO NOTHING`,
			[]any{BuyerID, SellerID, MarketMakerID},
		},
	}
	for _, q := range queries {
		if _, err := pool.Exec(ctx, q.sql, q.args...); err != nil {
			return fmt.Errorf("seed fixtures: %w", err)
		}
	}
	return nil
}
