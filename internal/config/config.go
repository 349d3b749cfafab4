package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBUser  string
	DBPass  string
	DBHost  string
	DBPort  string
	DBName  string
	SSLMode string

	RedisHost string
	RedisPort string

	NatsHost string
	NatsPort string

	ApiPort        string
	ApiEnabled     string
	GRPCHealthPort string

	LogLevel string

	// Catch-up scan tuning.
	ScanInterval   time.Duration
	StuckThreshold time.Duration
	SettleDelay    time.Duration
	ScanBatchSize  int

	// Bounded retry before an event is dead-lettered.
	RetryAttempts uint64
	RetryBase     time.Duration

	// Dead letters younger than this horizon are kept for manual replay.
	DeadLetterRetention time.Duration

	// Pricing in cents per rendered second, keyed by model, with a default
	// for models without an explicit price.
	DefaultPriceCents int64
	ModelPriceCents   map[string]int64

	// Cost above this threshold flags the ledger entry as an anomaly.
	AnomalyCostCents int64
}

// New loads and validates configuration from environment variables.
// The HTTP API is optional: if RENDERBUS_API_ENABLED != "true", ApiAddr()
// returns an error and the HTTP server simply won't start.
func New() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DBUser:  os.Getenv("RENDERBUS_POSTGRES_USER"),
		DBPass:  os.Getenv("RENDERBUS_POSTGRES_PASSWORD"),
		DBHost:  os.Getenv("RENDERBUS_POSTGRES_HOST"),
		DBPort:  os.Getenv("RENDERBUS_POSTGRES_PORT"),
		DBName:  os.Getenv("RENDERBUS_POSTGRES_DB"),
		SSLMode: os.Getenv("RENDERBUS_POSTGRES_SSLMODE"),

		RedisHost: os.Getenv("RENDERBUS_REDIS_HOST"),
		RedisPort: os.Getenv("RENDERBUS_REDIS_PORT"),

		NatsHost: os.Getenv("RENDERBUS_NATS_HOST"),
		NatsPort: os.Getenv("RENDERBUS_NATS_PORT"),

		ApiPort:        os.Getenv("RENDERBUS_API_PORT"),
		ApiEnabled:     os.Getenv("RENDERBUS_API_ENABLED"),
		GRPCHealthPort: getEnvDefault("RENDERBUS_GRPC_HEALTH_PORT", "50051"),

		LogLevel: os.Getenv("RENDERBUS_LOG_LEVEL"),

		ScanInterval:   getEnvDuration("RENDERBUS_SCAN_INTERVAL", time.Minute),
		StuckThreshold: getEnvDuration("RENDERBUS_STUCK_THRESHOLD", 5*time.Minute),
		SettleDelay:    getEnvDuration("RENDERBUS_SETTLE_DELAY", 15*time.Minute),
		ScanBatchSize:  getEnvInt("RENDERBUS_SCAN_BATCH_SIZE", 100),

		RetryAttempts: uint64(getEnvInt("RENDERBUS_RETRY_ATTEMPTS", 5)),
		RetryBase:     getEnvDuration("RENDERBUS_RETRY_BASE", 200*time.Millisecond),

		DeadLetterRetention: getEnvDuration("RENDERBUS_DLQ_RETENTION", 14*24*time.Hour),

		DefaultPriceCents: int64(getEnvInt("RENDERBUS_PRICE_DEFAULT_CENTS", 10)),
		ModelPriceCents:   parsePrices(os.Getenv("RENDERBUS_MODEL_PRICES")),

		AnomalyCostCents: int64(getEnvInt("RENDERBUS_ANOMALY_COST_CENTS", 5000)),
	}

	if cfg.DBUser == "" || cfg.DBHost == "" || cfg.DBName == "" || cfg.SSLMode == "" {
		return nil, fmt.Errorf("missing required env for database: RENDERBUS_POSTGRES_USER/HOST/DB/SSLMODE")
	}
	if cfg.RedisHost == "" || cfg.RedisPort == "" {
		return nil, fmt.Errorf("missing required env for redis: RENDERBUS_REDIS_HOST/PORT")
	}
	if cfg.NatsHost == "" || cfg.NatsPort == "" {
		return nil, fmt.Errorf("missing required env for nats: RENDERBUS_NATS_HOST/PORT")
	}
	if cfg.DefaultPriceCents <= 0 {
		return nil, fmt.Errorf("RENDERBUS_PRICE_DEFAULT_CENTS must be positive")
	}

	return cfg, nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName, c.SSLMode)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func (c *Config) NatsAddr() string {
	return fmt.Sprintf("nats://%s:%s", c.NatsHost, c.NatsPort)
}

func (c *Config) GRPCHealthAddr() string {
	return ":" + c.GRPCHealthPort
}

// ApiAddr returns the HTTP listen address if the API is enabled.
// Returns an error if RENDERBUS_API_ENABLED != "true" — callers should skip
// starting the HTTP server.
func (c *Config) ApiAddr() (string, error) {
	if c.ApiEnabled == "true" {
		if c.ApiPort == "" {
			return "", fmt.Errorf("RENDERBUS_API_PORT is required when RENDERBUS_API_ENABLED=true")
		}
		return ":" + c.ApiPort, nil
	}
	return "", fmt.Errorf("HTTP API is disabled (RENDERBUS_API_ENABLED != true)")
}

// parsePrices reads a "model=cents,model=cents" list. Malformed entries are
// skipped rather than failing startup.
func parsePrices(raw string) map[string]int64 {
	prices := make(map[string]int64)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		cents, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || cents <= 0 {
			continue
		}
		prices[strings.TrimSpace(name)] = cents
	}
	return prices
}

func getEnvDefault(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return intVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}
