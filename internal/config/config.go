package config

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type GatewayConfig struct {
	Default string

	CryptomusBaseURL    string
	CryptomusMerchantID string
	CryptomusAPIKey     string

	NOWPaymentsBaseURL     string
	NOWPaymentsAPIKey      string
	NOWPaymentsIPNSecret   string
	NOWPaymentsPayCurrency string

	CryptoCloudBaseURL string
	CryptoCloudShopID  string
	CryptoCloudAPIKey  string
	CryptoCloudSecret  string
}

type Config struct {
	PostgresDSN   string
	RedisAddr     string
	KafkaBrokers  []string
	KafkaGroupID  string
	JWTSecret     string
	HTTPAddr      string
	PublicBaseURL string
	OTLPEndpoint  string
	LogLevel      slog.Level
	AutoMigrate   bool

	GatewayTimeout time.Duration
	PaymentTTL     time.Duration
	LeadCacheTTL   time.Duration
	SweepSchedule  string
	ReservationTTL time.Duration
	PendingTTL     time.Duration

	Gateways GatewayConfig
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Warn("failed to load .env file, using default values", "error", err)
	}

	cfg := &Config{
		PostgresDSN:   getEnv("POSTGRES_DSN", "host=localhost user=postgres password=postgres dbname=leads sslmode=disable"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		KafkaBrokers:  splitList(getEnv("KAFKA_BROKER", "localhost:9092")),
		KafkaGroupID:  getEnv("KAFKA_GROUP_ID", "lead-market-issues"),
		JWTSecret:     getEnv("JWT_SECRET", "supersecret"),
		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		PublicBaseURL: os.Getenv("PUBLIC_BASE_URL"),
		OTLPEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LogLevel:      parseLevel(os.Getenv("LOG_LEVEL")),
		AutoMigrate:   getEnv("AUTO_MIGRATE", "false") == "true",

		GatewayTimeout: getDuration("GATEWAY_TIMEOUT", 10*time.Second),
		PaymentTTL:     getDuration("PAYMENT_TTL", time.Hour),
		LeadCacheTTL:   getDuration("LEAD_CACHE_TTL", 10*time.Minute),
		SweepSchedule:  getEnv("SWEEP_SCHEDULE", "@every 1m"),
		ReservationTTL: getDuration("RESERVATION_TTL", 5*time.Minute),
		PendingTTL:     getDuration("PENDING_PAYMENT_TTL", 15*time.Minute),

		Gateways: GatewayConfig{
			Default: getEnv("DEFAULT_GATEWAY", "cryptomus"),

			CryptomusBaseURL:    os.Getenv("CRYPTOMUS_BASE_URL"),
			CryptomusMerchantID: os.Getenv("CRYPTOMUS_MERCHANT_ID"),
			CryptomusAPIKey:     os.Getenv("CRYPTOMUS_API_KEY"),

			NOWPaymentsBaseURL:     os.Getenv("NOWPAYMENTS_BASE_URL"),
			NOWPaymentsAPIKey:      os.Getenv("NOWPAYMENTS_API_KEY"),
			NOWPaymentsIPNSecret:   os.Getenv("NOWPAYMENTS_IPN_SECRET"),
			NOWPaymentsPayCurrency: os.Getenv("NOWPAYMENTS_PAY_CURRENCY"),

			CryptoCloudBaseURL: os.Getenv("CRYPTOCLOUD_BASE_URL"),
			CryptoCloudShopID:  os.Getenv("CRYPTOCLOUD_SHOP_ID"),
			CryptoCloudAPIKey:  os.Getenv("CRYPTOCLOUD_API_KEY"),
			CryptoCloudSecret:  os.Getenv("CRYPTOCLOUD_SECRET"),
		},
	}

	slog.Info("config loaded",
		"redis_addr", cfg.RedisAddr,
		"kafka_brokers", cfg.KafkaBrokers,
		"http_addr", cfg.HTTPAddr,
		"default_gateway", cfg.Gateways.Default,
		"sweep_schedule", cfg.SweepSchedule)
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		slog.Warn("invalid duration, using default", "key", key, "value", raw, "default", fallback)
		return fallback
	}
	return d
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseLevel(raw string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return slog.LevelInfo
	}
	return level
}
