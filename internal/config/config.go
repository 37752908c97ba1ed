package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type ScannerConfig struct {
	ID      string
	BaseURL string
	Dialect string
	Rate    decimal.Decimal
}

type Config struct {
	HTTPAddr           string
	StoreDriver        string
	PostgresDSN        string
	RedisAddr          string
	KafkaBrokers       []string
	KafkaScanTopic     string
	KafkaLedgerTopic   string
	JWTSecret          string
	ReposStoragePath   string
	Scanners           []ScannerConfig
	DefaultRate        decimal.Decimal
	StreamPollInterval time.Duration
	StreamMaxDuration  time.Duration
	ProMonthlyCredits  decimal.Decimal
	OTLPEndpoint       string
	LogLevel           string
}

const defaultScannerHosts = "secret_scanner=http://secret-scanner-service:8000," +
	"sast_scanner=http://sast-scanner-service:8000," +
	"llm_scanner=http://llm-scanner-service:8000," +
	"dast_scanner=http://dast-scanner-service:8000"

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Warn("failed to load .env file, using default values", "error", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds the configuration from a lookup function so tests can
// avoid touching the process environment.
func FromEnv(getenv func(string) string) (*Config, error) {
	get := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	cfg := &Config{
		HTTPAddr:         get("HTTP_ADDR", ":8080"),
		StoreDriver:      get("STORE_DRIVER", "postgres"),
		PostgresDSN:      get("POSTGRES_DSN", "host=localhost user=postgres password=postgres dbname=scans sslmode=disable"),
		RedisAddr:        get("REDIS_ADDR", "localhost:6379"),
		KafkaBrokers:     strings.Split(get("KAFKA_BROKER", "localhost:9092"), ","),
		KafkaScanTopic:   get("KAFKA_SCAN_TOPIC", "scan-events"),
		KafkaLedgerTopic: get("KAFKA_LEDGER_TOPIC", "credit-transactions"),
		JWTSecret:        get("JWT_SECRET", "supersecret"),
		ReposStoragePath: get("REPOS_STORAGE_PATH", "local_storage/repos"),
		OTLPEndpoint:     get("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		LogLevel:         get("LOG_LEVEL", "info"),
	}

	if cfg.StoreDriver != "postgres" && cfg.StoreDriver != "memory" {
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}

	var err error
	if cfg.DefaultRate, err = decimal.NewFromString(get("SCANNER_DEFAULT_RATE", "0.001")); err != nil {
		return nil, fmt.Errorf("invalid SCANNER_DEFAULT_RATE: %w", err)
	}
	if cfg.ProMonthlyCredits, err = decimal.NewFromString(get("PRO_MONTHLY_CREDITS", "500")); err != nil {
		return nil, fmt.Errorf("invalid PRO_MONTHLY_CREDITS: %w", err)
	}
	if cfg.StreamPollInterval, err = time.ParseDuration(get("STREAM_POLL_INTERVAL", "1s")); err != nil {
		return nil, fmt.Errorf("invalid STREAM_POLL_INTERVAL: %w", err)
	}
	if cfg.StreamMaxDuration, err = time.ParseDuration(get("STREAM_MAX_DURATION", "1h")); err != nil {
		return nil, fmt.Errorf("invalid STREAM_MAX_DURATION: %w", err)
	}

	rates, err := parseRates(get("SCANNER_RATES", ""))
	if err != nil {
		return nil, err
	}
	cfg.Scanners, err = parseScanners(get("SCANNER_HOSTS", defaultScannerHosts), rates, cfg.DefaultRate)
	if err != nil {
		return nil, err
	}

	slog.Info("config loaded",
		"http_addr", cfg.HTTPAddr,
		"store_driver", cfg.StoreDriver,
		"redis_addr", cfg.RedisAddr,
		"kafka_brokers", cfg.KafkaBrokers,
		"scanners", len(cfg.Scanners))
	return cfg, nil
}

// parseScanners reads "id=url[|dialect],..." entries.
func parseScanners(raw string, rates map[string]decimal.Decimal, defaultRate decimal.Decimal) ([]ScannerConfig, error) {
	var out []ScannerConfig
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		id, rest, ok := strings.Cut(item, "=")
		if !ok || id == "" || rest == "" {
			return nil, fmt.Errorf("invalid SCANNER_HOSTS entry %q", item)
		}
		url, dialect, _ := strings.Cut(rest, "|")
		if dialect == "" {
			dialect = "legacy"
		}
		rate, ok := rates[id]
		if !ok {
			rate = defaultRate
		}
		out = append(out, ScannerConfig{
			ID:      strings.TrimSpace(id),
			BaseURL: strings.TrimRight(strings.TrimSpace(url), "/"),
			Dialect: dialect,
			Rate:    rate,
		})
	}
	return out, nil
}

func parseRates(raw string) (map[string]decimal.Decimal, error) {
	rates := make(map[string]decimal.Decimal)
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		id, val, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("invalid SCANNER_RATES entry %q", item)
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(val))
		if err != nil || rate.IsNegative() {
			return nil, fmt.Errorf("invalid rate for scanner %s: %q", id, val)
		}
		rates[strings.TrimSpace(id)] = rate
	}
	return rates, nil
}
