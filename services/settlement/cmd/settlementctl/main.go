package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/AfshinJalili/tokex/libs/logging"
	"github.com/AfshinJalili/tokex/services/settlement/internal/config"
	"github.com/AfshinJalili/tokex/services/settlement/internal/fee"
	"github.com/AfshinJalili/tokex/services/settlement/internal/gate"
	"github.com/AfshinJalili/tokex/services/settlement/internal/service"
	"github.com/AfshinJalili/tokex/services/settlement/internal/storage"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	if err := newRootCmd(openPostgres).Execute(); err != nil {
		os.Exit(1)
	}
}

// openPostgres connects to the settlement database described by the service
// configuration.
func openPostgres(ctx context.Context) (*backend, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.NewLogger(cfg.App.LogLevel, "settlementctl", cfg.App.Env)

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.New(connectCtx, cfg.DB.DSN())
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	store := storage.NewPostgresStore(pool, logger)
	ledger, err := newLedger(store, cfg.Settlement.GateTimeout, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &backend{
		store:    store,
		jobs:     store,
		ledger:   ledger,
		catalog:  store,
		env:      cfg.App.Env,
		treasury: cfg.Settlement.TreasuryAccount,
		rewards:  cfg.Settlement.RewardsAccount,
		close:    pool.Close,
	}, nil
}

// newLedger builds a coordinator for wallet operations only. Deposits never
// read the fee schedule, so an empty cache is enough.
func newLedger(store storage.Store, gateTimeout time.Duration, logger *slog.Logger) (*service.Service, error) {
	return service.New(service.Dependencies{
		Store:  store,
		Gate:   gate.NewLocalGate(gateTimeout),
		Fees:   fee.NewCache(),
		Logger: logger,
	}, service.Config{})
}
