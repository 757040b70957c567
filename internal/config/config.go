package config

import (
	"os"
	"strconv"
	"time"
)

// Config carries everything the server and the worker read from the
// environment. The reconciliation numbers are product-tuned policy, so they
// stay configurable instead of being baked in.
type Config struct {
	Port        string
	AppURL      string
	DatabaseURL string
	RedisURL    string

	MidtransServerKey  string
	MidtransClientKey  string
	MidtransProduction bool

	ReconcilePollInterval  time.Duration
	ReconcileFallbackAfter int
	ReconcileMaxAttempts   int

	StaleSweepAfter time.Duration
	SweepBatchSize  int

	VerifyRateLimit  int64
	VerifyRateWindow time.Duration
}

func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		AppURL:      getEnv("APP_URL", "http://localhost:8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),

		MidtransServerKey:  os.Getenv("MIDTRANS_SERVER_KEY"),
		MidtransClientKey:  os.Getenv("MIDTRANS_CLIENT_KEY"),
		MidtransProduction: os.Getenv("MIDTRANS_IS_PRODUCTION") == "true",

		ReconcilePollInterval:  getDuration("RECONCILE_POLL_INTERVAL", 5*time.Second),
		ReconcileFallbackAfter: getInt("RECONCILE_FALLBACK_AFTER", 3),
		ReconcileMaxAttempts:   getInt("RECONCILE_MAX_ATTEMPTS", 12),

		StaleSweepAfter: getDuration("STALE_SWEEP_AFTER", 10*time.Minute),
		SweepBatchSize:  getInt("SWEEP_BATCH_SIZE", 50),

		VerifyRateLimit:  int64(getInt("VERIFY_RATE_LIMIT", 6)),
		VerifyRateWindow: getDuration("VERIFY_RATE_WINDOW", time.Minute),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
