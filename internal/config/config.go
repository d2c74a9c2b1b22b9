package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/johnwards/leadfeed/internal/hubspot"
)

// ErrMissingAPIKey is returned by Load when no CRM API key is configured.
var ErrMissingAPIKey = errors.New("HUBSPOT_API_KEY is not set")

// Config holds application configuration. Values come from an optional YAML
// file named by LEADFEED_CONFIG, overridden by environment variables.
type Config struct {
	APIKey    string `yaml:"api_key"`    // HUBSPOT_API_KEY, required
	BaseURL   string `yaml:"base_url"`   // HUBSPOT_BASE_URL, default "https://api.hubapi.com"
	Addr      string `yaml:"addr"`       // LEADFEED_ADDR, default ":8080"
	CacheDB   string `yaml:"cache_db"`   // LEADFEED_CACHE_DB, default "leadfeed-cache.db"; empty disables
	AuthToken string `yaml:"auth_token"` // LEADFEED_AUTH_TOKEN, optional

	Concurrency          int     `yaml:"concurrency"`            // LEADFEED_CONCURRENCY, default 6
	RateLimitRPS         float64 `yaml:"rate_limit_rps"`         // LEADFEED_RATE_LIMIT_RPS, default 0 (off)
	BatchSize            int     `yaml:"batch_size"`             // LEADFEED_BATCH_SIZE, default 100
	AssociationBatchSize int     `yaml:"association_batch_size"` // LEADFEED_ASSOCIATION_BATCH_SIZE, default 1000

	RequestTimeout time.Duration `yaml:"request_timeout"` // LEADFEED_REQUEST_TIMEOUT, default 30s
	SearchTTL      time.Duration `yaml:"search_ttl"`      // LEADFEED_SEARCH_TTL, default 60s
	BatchTTL       time.Duration `yaml:"batch_ttl"`       // LEADFEED_BATCH_TTL, default 10m
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		BaseURL:              hubspot.DefaultBaseURL,
		Addr:                 ":8080",
		CacheDB:              "leadfeed-cache.db",
		Concurrency:          6,
		BatchSize:            100,
		AssociationBatchSize: 1000,
		RequestTimeout:       hubspot.DefaultRequestTimeout,
		SearchTTL:            hubspot.DefaultSearchTTL,
		BatchTTL:             hubspot.DefaultBatchTTL,
	}
}

// Load reads the configuration and requires an API key.
func Load() (Config, error) {
	cfg, err := Read()
	if err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return Config{}, ErrMissingAPIKey
	}
	return cfg, nil
}

// Read reads the configuration without validating it. Commands that never
// talk to the CRM use it.
func Read() (Config, error) {
	cfg := Default()

	if path := os.Getenv("LEADFEED_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.APIKey = envOr("HUBSPOT_API_KEY", cfg.APIKey)
	cfg.BaseURL = envOr("HUBSPOT_BASE_URL", cfg.BaseURL)
	cfg.Addr = envOr("LEADFEED_ADDR", cfg.Addr)
	cfg.AuthToken = envOr("LEADFEED_AUTH_TOKEN", cfg.AuthToken)
	if v, ok := os.LookupEnv("LEADFEED_CACHE_DB"); ok {
		cfg.CacheDB = v
	}

	var errs []error
	cfg.Concurrency = envInt("LEADFEED_CONCURRENCY", cfg.Concurrency, &errs)
	cfg.BatchSize = envInt("LEADFEED_BATCH_SIZE", cfg.BatchSize, &errs)
	cfg.AssociationBatchSize = envInt("LEADFEED_ASSOCIATION_BATCH_SIZE", cfg.AssociationBatchSize, &errs)
	cfg.RateLimitRPS = envFloat("LEADFEED_RATE_LIMIT_RPS", cfg.RateLimitRPS, &errs)
	cfg.RequestTimeout = envDuration("LEADFEED_REQUEST_TIMEOUT", cfg.RequestTimeout, &errs)
	cfg.SearchTTL = envDuration("LEADFEED_SEARCH_TTL", cfg.SearchTTL, &errs)
	cfg.BatchTTL = envDuration("LEADFEED_BATCH_TTL", cfg.BatchTTL, &errs)
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64, errs *[]error) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}
