package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AfshinJalili/tokex/libs/health"
	"github.com/AfshinJalili/tokex/libs/httpmiddleware"
	"github.com/AfshinJalili/tokex/libs/kafka"
	"github.com/AfshinJalili/tokex/libs/logging"
	"github.com/AfshinJalili/tokex/libs/metrics"
	"github.com/AfshinJalili/tokex/libs/trace"
	"github.com/AfshinJalili/tokex/services/settlement/internal/config"
	"github.com/AfshinJalili/tokex/services/settlement/internal/consumer"
	"github.com/AfshinJalili/tokex/services/settlement/internal/fee"
	"github.com/AfshinJalili/tokex/services/settlement/internal/gate"
	"github.com/AfshinJalili/tokex/services/settlement/internal/handlers"
	"github.com/AfshinJalili/tokex/services/settlement/internal/queue"
	"github.com/AfshinJalili/tokex/services/settlement/internal/risk"
	"github.com/AfshinJalili/tokex/services/settlement/internal/service"
	"github.com/AfshinJalili/tokex/services/settlement/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLoggerWithFile(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env, logging.FileConfig{
		Path:       cfg.App.LogFile.Path,
		MaxSizeMB:  cfg.App.LogFile.MaxSizeMB,
		MaxBackups: cfg.App.LogFile.MaxBackups,
		MaxAgeDays: cfg.App.LogFile.MaxAgeDays,
	})
	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env, 1)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("settlement stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := metrics.NewRegistry()
	httpMetrics := metrics.NewHTTPMetrics(registry)
	settlementMetrics := service.NewMetrics(registry)
	ready := health.NewManager(false)

	pool, err := connectDB(cfg.DB)
	if err != nil {
		return fmt.Errorf("db connection failed: %w", err)
	}
	defer pool.Close()

	store := storage.NewPostgresStore(pool, logger)
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	ready.AddCheck("postgres", store.Ping)

	symbolGate, closeGate, err := buildGate(ctx, cfg, ready)
	if err != nil {
		return err
	}
	defer closeGate()

	fees, err := loadFees(ctx, cfg, store, registry, logger)
	if err != nil {
		return err
	}

	publisher, producer, err := buildPublisher(cfg, registry, logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	breaker := risk.NewCircuitBreaker(risk.BreakerConfig{
		ThresholdBps: cfg.Risk.BreakerThresholdBps,
		Window:       cfg.Risk.BreakerWindow,
		Cooldown:     cfg.Risk.BreakerCooldown,
	})

	svc, err := service.New(service.Dependencies{
		Store:     store,
		Gate:      symbolGate,
		Fees:      fees,
		Guard:     &risk.Guard{Breaker: breaker, UnverifiedFactor: cfg.Risk.UnverifiedFactor},
		Publisher: publisher,
		Logger:    logger,
		Metrics:   settlementMetrics,
	}, service.Config{
		HoldingAsset:    cfg.Settlement.HoldingAsset,
		RewardShareBps:  decimal.NewFromInt(int64(cfg.Settlement.RewardShareBps)),
		JobMaxAttempts:  cfg.Queue.MaxAttempts,
		RebuildBooks:    cfg.Settlement.RebuildBooks,
		MaxTriggerDepth: cfg.Settlement.MaxTriggerDepth,
		Topics: service.Topics{
			TradesExecuted:  cfg.Kafka.Topics.TradesExecuted,
			OrdersAccepted:  cfg.Kafka.Topics.OrdersAccepted,
			OrdersRejected:  cfg.Kafka.Topics.OrdersRejected,
			OrdersCancelled: cfg.Kafka.Topics.OrdersCancelled,
		},
	})
	if err != nil {
		return fmt.Errorf("build settlement service: %w", err)
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("rebuild order books: %w", err)
	}
	defer svc.Shutdown()

	worker := queue.NewWorker(store, queue.Config{
		Workers:           cfg.Queue.Workers,
		BatchSize:         cfg.Queue.BatchSize,
		PollInterval:      cfg.Queue.PollInterval,
		BaseDelay:         cfg.Queue.BaseDelay,
		MaxDelay:          cfg.Queue.MaxDelay,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		Retention:         cfg.Queue.Retention,
	}, logger, queue.NewMetrics(registry))
	worker.Register(queue.JobRevenueCollection, &queue.CreditHandler{Store: store, Account: cfg.Settlement.TreasuryAccount, Kind: storage.LedgerRevenue})
	worker.Register(queue.JobRewardDistribution, &queue.CreditHandler{Store: store, Account: cfg.Settlement.RewardsAccount, Kind: storage.LedgerReward})

	httpServer := buildHTTPServer(cfg, svc, registry, httpMetrics, ready, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("settlement http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("settlement job worker starting", "workers", cfg.Queue.Workers)
		return worker.Run(gctx)
	})
	if cfg.Kafka.Enabled {
		g.Go(func() error {
			return consumePriceTicks(gctx, cfg, svc, producer, settlementMetrics, logger)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown started")
		ready.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown error", "error", err)
		}
		return nil
	})

	ready.SetReady(true)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func connectDB(cfg config.DBConfig) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// buildGate uses Redis when configured so several instances can share the
// per-symbol serialization; otherwise the gate is process local.
func buildGate(ctx context.Context, cfg *config.Config, ready *health.Manager) (gate.Gate, func(), error) {
	if cfg.Redis.Addr == "" {
		return gate.NewLocalGate(cfg.Settlement.GateTimeout), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis connection failed: %w", err)
	}
	ready.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	g := gate.NewRedisGate(client, gate.RedisOptions{
		Prefix:       cfg.Redis.Prefix,
		TTL:          cfg.Redis.LockTTL,
		PollInterval: cfg.Redis.PollInterval,
		Timeout:      cfg.Settlement.GateTimeout,
	})
	return g, func() { _ = client.Close() }, nil
}

func loadFees(ctx context.Context, cfg *config.Config, store *storage.PostgresStore, registry prometheus.Registerer, logger *slog.Logger) (*fee.Cache, error) {
	defaults := fee.Defaults{
		MakerBps:      cfg.Fee.DefaultMakerBps,
		TakerBps:      cfg.Fee.DefaultTakerBps,
		MinMultiplier: cfg.Fee.MinMultiplier,
	}
	var source fee.Source
	switch cfg.Fee.Source {
	case config.FeeSourceFile:
		source = fee.FileSource{Path: cfg.Fee.File, Defaults: defaults}
	default:
		source = fee.StoreSource{Store: store, Defaults: defaults}
	}

	cache := fee.NewCache()
	loadCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cache.Load(loadCtx, source); err != nil {
		return nil, fmt.Errorf("load fee schedule: %w", err)
	}
	cache.StartAutoRefresh(ctx, source, cfg.Fee.RefreshInterval, fee.NewMetrics(registry), logger)
	return cache, nil
}

// buildPublisher returns the event publisher and, when Kafka is enabled, the
// raw producer that also carries dead letters.
func buildPublisher(cfg *config.Config, registry prometheus.Registerer, logger *slog.Logger) (kafka.Publisher, kafka.Publisher, error) {
	if !cfg.Kafka.Enabled {
		logger.Warn("kafka disabled, events are dropped")
		return kafka.NoopPublisher{}, nil, nil
	}
	producer, err := kafka.NewSyncProducer(kafka.ProducerConfig{
		Brokers:  cfg.Kafka.Brokers,
		ClientID: cfg.App.ServiceName,
	}, logger, kafka.NewProducerMetrics(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("kafka producer init failed: %w", err)
	}
	if cfg.Kafka.Topics.DeadLetter == "" {
		return producer, producer, nil
	}
	return kafka.NewDLQPublisher(producer, producer, cfg.Kafka.Topics.DeadLetter, logger), producer, nil
}

func consumePriceTicks(ctx context.Context, cfg *config.Config, svc *service.Service, dlq kafka.Publisher, m *service.Metrics, logger *slog.Logger) error {
	group, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:      cfg.Kafka.Brokers,
		GroupID:      cfg.Kafka.ConsumerGroup,
		MaxAttempts:  5,
		RetryBackoff: 200 * time.Millisecond,
	}, logger)
	if err != nil {
		return fmt.Errorf("kafka consumer init failed: %w", err)
	}
	defer group.Close()
	if dlq != nil && cfg.Kafka.Topics.DeadLetter != "" {
		group.WithDLQ(dlq, cfg.Kafka.Topics.DeadLetter)
	}

	ticks := consumer.NewPriceConsumer(svc, logger, m, cfg.Kafka.MaxTickAge)
	logger.Info("price tick consumer starting", "topic", cfg.Kafka.Topics.PriceTicks)
	if err := group.Consume(ctx, []string{cfg.Kafka.Topics.PriceTicks}, ticks); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("kafka consumer: %w", err)
	}
	return nil
}

func buildHTTPServer(cfg *config.Config, svc *service.Service, registry *prometheus.Registry, httpMetrics *metrics.HTTPMetrics, ready *health.Manager, logger *slog.Logger) *http.Server {
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger, httpMetrics))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	handlers.New(svc, logger).Register(router)

	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}
}
