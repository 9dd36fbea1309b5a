package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("KAFKA_BROKER", "")
	t.Setenv("GATEWAY_TIMEOUT", "")
	t.Setenv("DEFAULT_GATEWAY", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("AUTO_MIGRATE", "")

	cfg := Load()

	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 10*time.Second, cfg.GatewayTimeout)
	assert.Equal(t, time.Hour, cfg.PaymentTTL)
	assert.Equal(t, "@every 1m", cfg.SweepSchedule)
	assert.Equal(t, "cryptomus", cfg.Gateways.Default)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.False(t, cfg.AutoMigrate)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("KAFKA_BROKER", "k1:9092, k2:9092,")
	t.Setenv("GATEWAY_TIMEOUT", "3s")
	t.Setenv("PAYMENT_TTL", "-5m")
	t.Setenv("DEFAULT_GATEWAY", "nowpayments")
	t.Setenv("NOWPAYMENTS_IPN_SECRET", "ipn")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("AUTO_MIGRATE", "true")

	cfg := Load()

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 3*time.Second, cfg.GatewayTimeout)
	assert.Equal(t, time.Hour, cfg.PaymentTTL, "negative durations fall back")
	assert.Equal(t, "nowpayments", cfg.Gateways.Default)
	assert.Equal(t, "ipn", cfg.Gateways.NOWPaymentsIPNSecret)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.True(t, cfg.AutoMigrate)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	assert.Equal(t, slog.LevelInfo, parseLevel("loud"))
}
