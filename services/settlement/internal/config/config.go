package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/AfshinJalili/tokex/libs/config"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	FeeSourceDB   = "db"
	FeeSourceFile = "file"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
	MaxConns int
}

func (c DBConfig) DSN() string {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
	if c.MaxConns > 0 {
		dsn += fmt.Sprintf("&pool_max_conns=%d", c.MaxConns)
	}
	return dsn
}

// RedisConfig enables the cross-instance gate when Addr is set.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	Prefix       string
	LockTTL      time.Duration
	PollInterval time.Duration
}

type KafkaTopics struct {
	TradesExecuted  string
	OrdersAccepted  string
	OrdersRejected  string
	OrdersCancelled string
	PriceTicks      string
	DeadLetter      string
}

type KafkaConfig struct {
	Enabled       bool
	Brokers       []string
	ConsumerGroup string
	Topics        KafkaTopics
	MaxTickAge    time.Duration
}

type QueueConfig struct {
	Workers           int
	BatchSize         int
	PollInterval      time.Duration
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	VisibilityTimeout time.Duration
	Retention         time.Duration
	MaxAttempts       int
}

type FeeConfig struct {
	Source          string
	File            string
	RefreshInterval time.Duration
	DefaultMakerBps decimal.Decimal
	DefaultTakerBps decimal.Decimal
	MinMultiplier   decimal.Decimal
}

type RiskConfig struct {
	BreakerThresholdBps decimal.Decimal
	BreakerWindow       time.Duration
	BreakerCooldown     time.Duration
	UnverifiedFactor    decimal.Decimal
}

type SettlementConfig struct {
	GateTimeout     time.Duration
	HoldingAsset    string
	TreasuryAccount uuid.UUID
	RewardsAccount  uuid.UUID
	RewardShareBps  int
	RebuildBooks    bool
	MaxTriggerDepth int
}

type Config struct {
	App        base.AppConfig
	DB         DBConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	Queue      QueueConfig
	Fee        FeeConfig
	Risk       RiskConfig
	Settlement SettlementConfig
}

func Load() (*Config, error) {
	path := os.Getenv("CEX_CONFIG")
	v, err := base.NewViper(path)
	if err != nil {
		return nil, err
	}
	appCfg, err := base.FromViper(v)
	if err != nil {
		return nil, err
	}
	return fromViper(v, *appCfg)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("kafka.enabled", true)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumer_group", "settlement-service")
	v.SetDefault("kafka.topics.trades_executed", "trades.executed")
	v.SetDefault("kafka.topics.orders_accepted", "orders.accepted")
	v.SetDefault("kafka.topics.orders_rejected", "orders.rejected")
	v.SetDefault("kafka.topics.orders_cancelled", "orders.cancelled")
	v.SetDefault("kafka.topics.price_ticks", "prices.ticks")
	v.SetDefault("kafka.topics.dead_letter", "dead_letter")
	v.SetDefault("kafka.max_tick_age", "30s")
	v.SetDefault("redis.prefix", "tokex:gate:")
	v.SetDefault("redis.lock_ttl", "30s")
	v.SetDefault("redis.poll_interval", "10ms")
	v.SetDefault("queue.workers", 2)
	v.SetDefault("queue.batch_size", 10)
	v.SetDefault("queue.poll_interval", "1s")
	v.SetDefault("queue.base_delay", "1s")
	v.SetDefault("queue.max_delay", "5m")
	v.SetDefault("queue.visibility_timeout", "5m")
	v.SetDefault("queue.retention", "168h")
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("fee.source", FeeSourceDB)
	v.SetDefault("fee.refresh_interval", "1m")
	v.SetDefault("fee.default_maker_bps", "10")
	v.SetDefault("fee.default_taker_bps", "20")
	v.SetDefault("fee.min_multiplier", "0.5")
	v.SetDefault("risk.breaker_threshold_bps", "1000")
	v.SetDefault("risk.breaker_window", "5m")
	v.SetDefault("risk.breaker_cooldown", "5m")
	v.SetDefault("risk.unverified_factor", "0.1")
	v.SetDefault("settlement.gate_timeout", "5s")
	v.SetDefault("settlement.holding_asset", "TKX")
	v.SetDefault("settlement.treasury_account", "00000000-0000-0000-0000-00000000f001")
	v.SetDefault("settlement.rewards_account", "00000000-0000-0000-0000-00000000f002")
	v.SetDefault("settlement.reward_share_bps", 2000)
	v.SetDefault("settlement.rebuild_books", false)
	v.SetDefault("settlement.max_trigger_depth", 8)
}

func fromViper(v *viper.Viper, app base.AppConfig) (*Config, error) {
	setDefaults(v)

	makerBps, err := envDecimal("FEE_DEFAULT_MAKER_BPS", v.GetString("fee.default_maker_bps"))
	if err != nil {
		return nil, err
	}
	takerBps, err := envDecimal("FEE_DEFAULT_TAKER_BPS", v.GetString("fee.default_taker_bps"))
	if err != nil {
		return nil, err
	}
	minMultiplier, err := envDecimal("FEE_MIN_MULTIPLIER", v.GetString("fee.min_multiplier"))
	if err != nil {
		return nil, err
	}
	breakerBps, err := envDecimal("RISK_BREAKER_THRESHOLD_BPS", v.GetString("risk.breaker_threshold_bps"))
	if err != nil {
		return nil, err
	}
	unverified, err := envDecimal("RISK_UNVERIFIED_FACTOR", v.GetString("risk.unverified_factor"))
	if err != nil {
		return nil, err
	}
	treasury, err := envUUID("TREASURY_ACCOUNT", v.GetString("settlement.treasury_account"))
	if err != nil {
		return nil, err
	}
	rewards, err := envUUID("REWARDS_ACCOUNT", v.GetString("settlement.rewards_account"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		App: app,
		DB: DBConfig{
			Host:     envString("DB_HOST", envString("POSTGRES_HOST", "localhost")),
			Port:     envInt("DB_PORT", envInt("POSTGRES_PORT", 5432)),
			Name:     envString("DB_NAME", envString("POSTGRES_DB", "tokex_settlement")),
			User:     envString("DB_USER", envString("POSTGRES_USER", "tokex")),
			Password: envString("DB_PASSWORD", envString("POSTGRES_PASSWORD", "tokex")),
			SSLMode:  envString("DB_SSLMODE", envString("POSTGRES_SSLMODE", "disable")),
			MaxConns: envInt("DB_MAX_CONNS", v.GetInt("db.max_conns")),
		},
		Redis: RedisConfig{
			Addr:         envString("REDIS_ADDR", v.GetString("redis.addr")),
			Password:     envString("REDIS_PASSWORD", v.GetString("redis.password")),
			DB:           envInt("REDIS_DB", v.GetInt("redis.db")),
			Prefix:       envString("REDIS_PREFIX", v.GetString("redis.prefix")),
			LockTTL:      envDuration("REDIS_LOCK_TTL", v.GetDuration("redis.lock_ttl")),
			PollInterval: envDuration("REDIS_POLL_INTERVAL", v.GetDuration("redis.poll_interval")),
		},
		Kafka: KafkaConfig{
			Enabled:       envBool("KAFKA_ENABLED", v.GetBool("kafka.enabled")),
			Brokers:       envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			ConsumerGroup: envString("KAFKA_CONSUMER_GROUP", v.GetString("kafka.consumer_group")),
			Topics: KafkaTopics{
				TradesExecuted:  envString("KAFKA_TRADES_TOPIC", v.GetString("kafka.topics.trades_executed")),
				OrdersAccepted:  envString("KAFKA_ORDERS_ACCEPTED_TOPIC", v.GetString("kafka.topics.orders_accepted")),
				OrdersRejected:  envString("KAFKA_ORDERS_REJECTED_TOPIC", v.GetString("kafka.topics.orders_rejected")),
				OrdersCancelled: envString("KAFKA_ORDERS_CANCELLED_TOPIC", v.GetString("kafka.topics.orders_cancelled")),
				PriceTicks:      envString("KAFKA_PRICE_TICKS_TOPIC", v.GetString("kafka.topics.price_ticks")),
				DeadLetter:      envString("KAFKA_DLQ_TOPIC", v.GetString("kafka.topics.dead_letter")),
			},
			MaxTickAge: envDuration("KAFKA_MAX_TICK_AGE", v.GetDuration("kafka.max_tick_age")),
		},
		Queue: QueueConfig{
			Workers:           envInt("QUEUE_WORKERS", v.GetInt("queue.workers")),
			BatchSize:         envInt("QUEUE_BATCH_SIZE", v.GetInt("queue.batch_size")),
			PollInterval:      envDuration("QUEUE_POLL_INTERVAL", v.GetDuration("queue.poll_interval")),
			BaseDelay:         envDuration("QUEUE_BASE_DELAY", v.GetDuration("queue.base_delay")),
			MaxDelay:          envDuration("QUEUE_MAX_DELAY", v.GetDuration("queue.max_delay")),
			VisibilityTimeout: envDuration("QUEUE_VISIBILITY_TIMEOUT", v.GetDuration("queue.visibility_timeout")),
			Retention:         envDuration("QUEUE_RETENTION", v.GetDuration("queue.retention")),
			MaxAttempts:       envInt("QUEUE_MAX_ATTEMPTS", v.GetInt("queue.max_attempts")),
		},
		Fee: FeeConfig{
			Source:          strings.ToLower(envString("FEE_SOURCE", v.GetString("fee.source"))),
			File:            envString("FEE_FILE", v.GetString("fee.file")),
			RefreshInterval: envDuration("FEE_REFRESH_INTERVAL", v.GetDuration("fee.refresh_interval")),
			DefaultMakerBps: makerBps,
			DefaultTakerBps: takerBps,
			MinMultiplier:   minMultiplier,
		},
		Risk: RiskConfig{
			BreakerThresholdBps: breakerBps,
			BreakerWindow:       envDuration("RISK_BREAKER_WINDOW", v.GetDuration("risk.breaker_window")),
			BreakerCooldown:     envDuration("RISK_BREAKER_COOLDOWN", v.GetDuration("risk.breaker_cooldown")),
			UnverifiedFactor:    unverified,
		},
		Settlement: SettlementConfig{
			GateTimeout:     envDuration("GATE_TIMEOUT", v.GetDuration("settlement.gate_timeout")),
			HoldingAsset:    strings.ToUpper(envString("HOLDING_ASSET", v.GetString("settlement.holding_asset"))),
			TreasuryAccount: treasury,
			RewardsAccount:  rewards,
			RewardShareBps:  envInt("REWARD_SHARE_BPS", v.GetInt("settlement.reward_share_bps")),
			RebuildBooks:    envBool("REBUILD_BOOKS", v.GetBool("settlement.rebuild_books")),
			MaxTriggerDepth: envInt("MAX_TRIGGER_DEPTH", v.GetInt("settlement.max_trigger_depth")),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers required")
		}
		if c.Kafka.ConsumerGroup == "" {
			return fmt.Errorf("kafka consumer group required")
		}
		t := c.Kafka.Topics
		if t.TradesExecuted == "" || t.OrdersAccepted == "" || t.OrdersRejected == "" || t.OrdersCancelled == "" || t.PriceTicks == "" {
			return fmt.Errorf("kafka topics required")
		}
	}
	switch c.Fee.Source {
	case FeeSourceDB:
	case FeeSourceFile:
		if c.Fee.File == "" {
			return fmt.Errorf("fee.file required when fee.source is %q", FeeSourceFile)
		}
	default:
		return fmt.Errorf("unknown fee source %q", c.Fee.Source)
	}
	if c.Settlement.RewardShareBps < 0 || c.Settlement.RewardShareBps > 10000 {
		return fmt.Errorf("reward_share_bps must be between 0 and 10000")
	}
	if c.Settlement.HoldingAsset == "" {
		return fmt.Errorf("holding asset required")
	}
	if c.Settlement.TreasuryAccount == c.Settlement.RewardsAccount {
		return fmt.Errorf("treasury and rewards accounts must differ")
	}
	if c.Settlement.GateTimeout <= 0 {
		return fmt.Errorf("settlement.gate_timeout must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be positive")
	}
	if c.Risk.BreakerThresholdBps.IsNegative() || c.Risk.UnverifiedFactor.IsNegative() {
		return fmt.Errorf("risk settings must be non-negative")
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv("CEX_" + key); v != "" {
		return v
	}
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if n, err := strconv.Atoi(envString(key, "")); err == nil {
		return n
	}
	return def
}

func envBool(key string, def bool) bool {
	if b, err := strconv.ParseBool(envString(key, "")); err == nil {
		return b
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(envString(key, "")); err == nil {
		return d
	}
	return def
}

func envCSV(key string, def []string) []string {
	v := envString(key, "")
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func envDecimal(key, def string) (decimal.Decimal, error) {
	raw := strings.TrimSpace(envString(key, def))
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid decimal %q", strings.ToLower(key), raw)
	}
	return d, nil
}

func envUUID(key, def string) (uuid.UUID, error) {
	raw := strings.TrimSpace(envString(key, def))
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s: invalid uuid %q", strings.ToLower(key), raw)
	}
	return id, nil
}
