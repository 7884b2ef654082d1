package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"umamisso/internal/api"
	"umamisso/internal/auth/oidc"
)

const minAppSecretLen = 32

// Team rule backends accepted by rule_store / UMAMISSO_RULE_STORE. An empty
// value means redis when a Redis URL is set and none otherwise.
const (
	RuleStoreRedis  = "redis"
	RuleStoreMemory = "memory"
	RuleStoreNone   = "none"
)

// Config holds the server configuration. Single sign-on settings are not
// part of it: they are read from the OIDC_* environment on every request.
type Config struct {
	Addr           string        `yaml:"addr"`
	BaseURL        string        `yaml:"base_url"`
	AppSecret      string        `yaml:"app_secret"`
	SQLiteDSN      string        `yaml:"sqlite_dsn"`
	DatabaseURL    string        `yaml:"database_url"`
	RedisURL       string        `yaml:"redis_url"`
	RedisRuleKey   string        `yaml:"redis_rule_key"`
	RuleStore      string        `yaml:"rule_store"`
	SentryDSN      string        `yaml:"sentry_dsn"`
	SentryEnv      string        `yaml:"sentry_environment"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps"`
	RateLimitBurst int           `yaml:"rate_limit_burst"`
	LoginPerMinute int           `yaml:"login_attempts_per_minute"`
	TrustedProxies string        `yaml:"trusted_proxies"`
	DiscoveryTTL   time.Duration `yaml:"discovery_ttl"`
	SessionTTL     time.Duration `yaml:"session_ttl"`
	CleanupEvery   time.Duration `yaml:"session_cleanup_interval"`
}

func defaultConfig() *Config {
	rl := api.DefaultRateLimitConfig()
	return &Config{
		Addr:           ":8080",
		SQLiteDSN:      "file:umamisso.db?cache=shared&_fk=1",
		SentryEnv:      "production",
		RateLimitRPS:   rl.RequestsPerSecond,
		RateLimitBurst: rl.Burst,
		LoginPerMinute: 10,
		DiscoveryTTL:   oidc.DefaultDiscoveryTTL,
		SessionTTL:     24 * time.Hour,
		CleanupEvery:   15 * time.Minute,
	}
}

// LoadConfig loads configuration from an optional YAML file and the
// environment. Environment variables override YAML values.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	str("UMAMISSO_ADDR", &c.Addr)
	if p := strings.TrimSpace(getenv("PORT")); p != "" {
		c.Addr = ":" + p
	}
	str("UMAMISSO_BASE_URL", &c.BaseURL)
	str("APP_SECRET", &c.AppSecret)
	str("SQLITE_DSN", &c.SQLiteDSN)
	str("DATABASE_URL", &c.DatabaseURL)
	str("REDIS_URL", &c.RedisURL)
	str("UMAMISSO_REDIS_RULE_KEY", &c.RedisRuleKey)
	str("UMAMISSO_RULE_STORE", &c.RuleStore)
	str("SENTRY_DSN", &c.SentryDSN)
	str("SENTRY_ENVIRONMENT", &c.SentryEnv)
	str("UMAMISSO_TRUSTED_PROXIES", &c.TrustedProxies)

	if v := strings.TrimSpace(getenv("RATE_LIMIT_RPS")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid RATE_LIMIT_RPS %q: %w", v, err)
		}
		c.RateLimitRPS = f
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"RATE_LIMIT_BURST", &c.RateLimitBurst},
		{"UMAMISSO_LOGIN_RATE_LIMIT", &c.LoginPerMinute},
	}
	for _, e := range ints {
		if v := strings.TrimSpace(getenv(e.key)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", e.key, v, err)
			}
			*e.dst = n
		}
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"UMAMISSO_DISCOVERY_TTL", &c.DiscoveryTTL},
		{"UMAMISSO_SESSION_TTL", &c.SessionTTL},
		{"UMAMISSO_SESSION_CLEANUP_INTERVAL", &c.CleanupEvery},
	}
	for _, e := range durations {
		if v := strings.TrimSpace(getenv(e.key)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", e.key, v, err)
			}
			*e.dst = d
		}
	}
	return nil
}

// Validate checks the configuration for values the server cannot start
// with. A missing app secret is allowed; main generates one.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("base_url must be an absolute http(s) URL, got %q", c.BaseURL)
		}
	}
	if c.AppSecret != "" && len(c.AppSecret) < minAppSecretLen {
		return fmt.Errorf("app_secret must be at least %d characters", minAppSecretLen)
	}
	if c.DatabaseURL == "" && c.SQLiteDSN == "" {
		return errors.New("one of database_url or sqlite_dsn is required")
	}
	if c.RedisURL != "" && !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
		return fmt.Errorf("redis_url must use redis:// or rediss://, got %q", c.RedisURL)
	}
	switch strings.ToLower(c.RuleStore) {
	case "", RuleStoreMemory, RuleStoreNone:
	case RuleStoreRedis:
		if c.RedisURL == "" {
			return errors.New("rule_store redis requires redis_url")
		}
	default:
		return fmt.Errorf("rule_store must be redis, memory or none, got %q", c.RuleStore)
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return errors.New("rate limits must not be negative")
	}
	if c.LoginPerMinute < 0 {
		return errors.New("login_attempts_per_minute must not be negative")
	}
	if c.DiscoveryTTL <= 0 {
		return errors.New("discovery_ttl must be positive")
	}
	if c.SessionTTL < time.Minute {
		return errors.New("session_ttl must be at least 1 minute")
	}
	if c.CleanupEvery < time.Minute {
		return errors.New("session_cleanup_interval must be at least 1 minute")
	}
	return nil
}

// ruleBackend resolves the team rule backend, defaulting to redis when a
// Redis URL is configured.
func (c *Config) ruleBackend() string {
	if b := strings.ToLower(c.RuleStore); b != "" {
		return b
	}
	if c.RedisURL != "" {
		return RuleStoreRedis
	}
	return RuleStoreNone
}

// RateLimit returns the global per-IP rate limit.
func (c *Config) RateLimit(proxies *api.TrustedProxyConfig) api.RateLimitConfig {
	return api.RateLimitConfig{
		RequestsPerSecond: c.RateLimitRPS,
		Burst:             c.RateLimitBurst,
		ProxyConfig:       proxies,
	}
}

// LoginRateLimit returns the per-IP limit on the sign-on handshake.
func (c *Config) LoginRateLimit(proxies *api.TrustedProxyConfig) api.LoginRateLimitConfig {
	return api.LoginRateLimitConfig{
		AttemptsPerMinute: c.LoginPerMinute,
		ProxyConfig:       proxies,
	}
}
