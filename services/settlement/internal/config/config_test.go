package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CEX_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Kafka.Enabled || cfg.Kafka.Topics.PriceTicks != "prices.ticks" || cfg.Kafka.Topics.OrdersRejected != "orders.rejected" {
		t.Fatalf("unexpected kafka config %+v", cfg.Kafka)
	}
	if cfg.Fee.Source != FeeSourceDB || !cfg.Fee.DefaultTakerBps.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("unexpected fee config %+v", cfg.Fee)
	}
	if cfg.Queue.MaxAttempts != 5 || cfg.Queue.PollInterval != time.Second || cfg.Queue.Retention != 168*time.Hour {
		t.Fatalf("unexpected queue config %+v", cfg.Queue)
	}
	if cfg.Settlement.RewardShareBps != 2000 || cfg.Settlement.HoldingAsset != "TKX" || cfg.Settlement.GateTimeout != 5*time.Second {
		t.Fatalf("unexpected settlement config %+v", cfg.Settlement)
	}
	if cfg.Redis.Addr != "" {
		t.Fatalf("redis gate must be opt-in, got %q", cfg.Redis.Addr)
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
kafka:
  enabled: false
fee:
  source: file
  file: /etc/tokex/fees.yaml
settlement:
  holding_asset: gov
  reward_share_bps: 500
redis:
  addr: redis:6379
`)
	t.Setenv("CEX_CONFIG", path)
	t.Setenv("CEX_QUEUE_WORKERS", "7")
	t.Setenv("CEX_RISK_BREAKER_THRESHOLD_BPS", "250")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Kafka.Enabled {
		t.Fatalf("expected kafka disabled from file")
	}
	if cfg.Fee.Source != FeeSourceFile || cfg.Fee.File != "/etc/tokex/fees.yaml" {
		t.Fatalf("unexpected fee config %+v", cfg.Fee)
	}
	if cfg.Settlement.HoldingAsset != "GOV" || cfg.Settlement.RewardShareBps != 500 {
		t.Fatalf("unexpected settlement config %+v", cfg.Settlement)
	}
	if cfg.Redis.Addr != "redis:6379" {
		t.Fatalf("expected redis addr, got %q", cfg.Redis.Addr)
	}
	if cfg.Queue.Workers != 7 {
		t.Fatalf("expected env override for workers, got %d", cfg.Queue.Workers)
	}
	if !cfg.Risk.BreakerThresholdBps.Equal(decimal.NewFromInt(250)) {
		t.Fatalf("expected breaker 250 bps, got %s", cfg.Risk.BreakerThresholdBps)
	}
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	cases := map[string]string{
		"file source without path": "fee:\n  source: file\n",
		"unknown fee source":       "fee:\n  source: http\n",
		"reward share too large":   "settlement:\n  reward_share_bps: 20000\n",
		"same revenue accounts": "settlement:\n  treasury_account: 00000000-0000-0000-0000-000000000009\n" +
			"  rewards_account: 00000000-0000-0000-0000-000000000009\n",
		"bad decimal": "risk:\n  unverified_factor: lots\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("CEX_CONFIG", writeConfig(t, content))
			if _, err := Load(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestDSN(t *testing.T) {
	c := DBConfig{Host: "db", Port: 5432, Name: "tokex", User: "u", Password: "p", SSLMode: "disable", MaxConns: 8}
	want := "postgres://u:p@db:5432/tokex?sslmode=disable&pool_max_conns=8"
	if got := c.DSN(); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}
