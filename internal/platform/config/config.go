package config

import (
	"os"
	"strings"
	"time"

	platformstrings "scanmeter/pkg/platform/strings"
)

// Server captures process-level configuration so main stays lean. Domain
// configuration (thresholds, TTLs, plan catalog) lives in internal/quota/config.
type Server struct {
	Addr            string
	PostgresDSN     string
	RedisURL        string
	KafkaBrokers    []string
	KafkaAlertTopic string
	AlertEmails     []string
	AlertSMS        []string
	QuotaConfigPath string
	ShutdownTimeout time.Duration
}

// RedisConfig holds connection tuning for the shared Redis client.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// FromEnv builds a Server config from environment variables.
func FromEnv() Server {
	cfg := Server{
		Addr:            envOr("SCANMETER_ADDR", ":8080"),
		PostgresDSN:     os.Getenv("SCANMETER_POSTGRES_DSN"),
		RedisURL:        os.Getenv("SCANMETER_REDIS_URL"),
		KafkaAlertTopic: envOr("SCANMETER_KAFKA_ALERT_TOPIC", "scanmeter.alerts"),
		QuotaConfigPath: os.Getenv("SCANMETER_QUOTA_CONFIG"),
		ShutdownTimeout: 10 * time.Second,
	}
	cfg.KafkaBrokers = splitList(os.Getenv("SCANMETER_KAFKA_BROKERS"))
	cfg.AlertEmails = splitList(os.Getenv("SCANMETER_ALERT_EMAILS"))
	cfg.AlertSMS = splitList(os.Getenv("SCANMETER_ALERT_SMS"))
	return cfg
}

// Redis derives the Redis client configuration with connection defaults.
func (s Server) Redis() RedisConfig {
	return RedisConfig{
		URL:          s.RedisURL,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// splitList parses a comma-separated env value. Duplicate entries would mean
// double-paging the same destination, so the list is deduped.
func splitList(v string) []string {
	if v == "" {
		return nil
	}
	out := platformstrings.DedupeAndTrim(strings.Split(v, ","))
	if len(out) == 0 {
		return nil
	}
	return out
}
