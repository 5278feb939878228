// Package config holds sync engine configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every policy knob of the sync engine. The rate-limit and
// batching numbers default to the remote API's published quota but are
// deliberately configuration, not constants.
type Config struct {
	// Remote catalog API.
	RemoteBaseURL string
	RemoteToken   string
	UserAgent     string
	CallTimeout   time.Duration
	PageSize      int

	// Admission quotas.
	DailyLimit     uint
	PerMinuteLimit int

	// Backoff policy. Rate-limit responses lock out every endpoint;
	// server errors only delay the one call.
	RateLimitBase   time.Duration
	RateLimitFloor  time.Duration
	ServerErrorBase time.Duration
	ServerErrorCap  time.Duration
	MaxAttempts     uint

	// Retry queue drain.
	DrainBatch    int
	DrainInterval time.Duration

	// Import batching.
	BatchSize       int
	StaggerInterval time.Duration

	// Run exclusion lease.
	LeaseTTL time.Duration

	// Image fetching.
	ImageFetchDelay time.Duration
	DedupCacheSize  int

	// Host wiring.
	ListenAddr   string
	RedisURL     string
	PostgresDSN  string
	KafkaBrokers []string
	Verbose      bool
}

// DefaultConfig returns defaults matching the remote API's documented quota.
func DefaultConfig() *Config {
	return &Config{
		RemoteBaseURL:   "https://api.example-catalog.com/v1",
		UserAgent:       "go-catalog-sync/1.0",
		CallTimeout:     30 * time.Second,
		PageSize:        50,
		DailyLimit:      5000,
		PerMinuteLimit:  60,
		RateLimitBase:   60 * time.Second,
		RateLimitFloor:  60 * time.Second,
		ServerErrorBase: 30 * time.Second,
		ServerErrorCap:  time.Hour,
		MaxAttempts:     5,
		DrainBatch:      10,
		DrainInterval:   30 * time.Second,
		BatchSize:       5,
		StaggerInterval: 10 * time.Second,
		LeaseTTL:        5 * time.Minute,
		ImageFetchDelay: 200 * time.Millisecond,
		DedupCacheSize:  4096,
		ListenAddr:      ":8080",
		Verbose:         false,
	}
}

// fileConfig mirrors Config for YAML decoding. Durations are strings in
// Go notation ("30s", "1h"); absent fields leave the existing value alone.
type fileConfig struct {
	RemoteBaseURL   *string  `yaml:"remote_base_url"`
	RemoteToken     *string  `yaml:"remote_token"`
	UserAgent       *string  `yaml:"user_agent"`
	CallTimeout     *string  `yaml:"call_timeout"`
	PageSize        *int     `yaml:"page_size"`
	DailyLimit      *uint    `yaml:"daily_limit"`
	PerMinuteLimit  *int     `yaml:"per_minute_limit"`
	RateLimitBase   *string  `yaml:"rate_limit_base"`
	RateLimitFloor  *string  `yaml:"rate_limit_floor"`
	ServerErrorBase *string  `yaml:"server_error_base"`
	ServerErrorCap  *string  `yaml:"server_error_cap"`
	MaxAttempts     *uint    `yaml:"max_attempts"`
	DrainBatch      *int     `yaml:"drain_batch"`
	DrainInterval   *string  `yaml:"drain_interval"`
	BatchSize       *int     `yaml:"batch_size"`
	StaggerInterval *string  `yaml:"stagger_interval"`
	LeaseTTL        *string  `yaml:"lease_ttl"`
	ImageFetchDelay *string  `yaml:"image_fetch_delay"`
	DedupCacheSize  *int     `yaml:"dedup_cache_size"`
	ListenAddr      *string  `yaml:"listen_addr"`
	RedisURL        *string  `yaml:"redis_url"`
	PostgresDSN     *string  `yaml:"postgres_dsn"`
	KafkaBrokers    []string `yaml:"kafka_brokers"`
	Verbose         *bool    `yaml:"verbose"`
}

// LoadFile overlays YAML settings from path onto cfg.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	setString(&c.RemoteBaseURL, fc.RemoteBaseURL)
	setString(&c.RemoteToken, fc.RemoteToken)
	setString(&c.UserAgent, fc.UserAgent)
	setString(&c.ListenAddr, fc.ListenAddr)
	setString(&c.RedisURL, fc.RedisURL)
	setString(&c.PostgresDSN, fc.PostgresDSN)
	if fc.PageSize != nil {
		c.PageSize = *fc.PageSize
	}
	if fc.DailyLimit != nil {
		c.DailyLimit = *fc.DailyLimit
	}
	if fc.PerMinuteLimit != nil {
		c.PerMinuteLimit = *fc.PerMinuteLimit
	}
	if fc.MaxAttempts != nil {
		c.MaxAttempts = *fc.MaxAttempts
	}
	if fc.DrainBatch != nil {
		c.DrainBatch = *fc.DrainBatch
	}
	if fc.BatchSize != nil {
		c.BatchSize = *fc.BatchSize
	}
	if fc.DedupCacheSize != nil {
		c.DedupCacheSize = *fc.DedupCacheSize
	}
	if fc.KafkaBrokers != nil {
		c.KafkaBrokers = fc.KafkaBrokers
	}
	if fc.Verbose != nil {
		c.Verbose = *fc.Verbose
	}

	durations := []struct {
		name string
		raw  *string
		dst  *time.Duration
	}{
		{"call_timeout", fc.CallTimeout, &c.CallTimeout},
		{"rate_limit_base", fc.RateLimitBase, &c.RateLimitBase},
		{"rate_limit_floor", fc.RateLimitFloor, &c.RateLimitFloor},
		{"server_error_base", fc.ServerErrorBase, &c.ServerErrorBase},
		{"server_error_cap", fc.ServerErrorCap, &c.ServerErrorCap},
		{"drain_interval", fc.DrainInterval, &c.DrainInterval},
		{"stagger_interval", fc.StaggerInterval, &c.StaggerInterval},
		{"lease_ttl", fc.LeaseTTL, &c.LeaseTTL},
		{"image_fetch_delay", fc.ImageFetchDelay, &c.ImageFetchDelay},
	}
	for _, d := range durations {
		if d.raw == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.RemoteBaseURL == "" {
		return fmt.Errorf("remote base URL cannot be empty")
	}
	parsedURL, err := url.Parse(c.RemoteBaseURL)
	if err != nil {
		return fmt.Errorf("invalid remote base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("remote base URL must include a host")
	}

	if c.CallTimeout <= 0 {
		return fmt.Errorf("call timeout must be positive")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page size must be positive")
	}
	if c.DailyLimit == 0 {
		return fmt.Errorf("daily limit must be positive")
	}
	if c.PerMinuteLimit <= 0 {
		return fmt.Errorf("per-minute limit must be positive")
	}
	if c.RateLimitBase <= 0 {
		return fmt.Errorf("rate limit base must be positive")
	}
	if c.RateLimitFloor <= 0 {
		return fmt.Errorf("rate limit floor must be positive")
	}
	if c.ServerErrorBase <= 0 {
		return fmt.Errorf("server error base must be positive")
	}
	if c.ServerErrorCap < c.ServerErrorBase {
		return fmt.Errorf("server error cap (%s) cannot be below base (%s)", c.ServerErrorCap, c.ServerErrorBase)
	}
	if c.MaxAttempts == 0 {
		return fmt.Errorf("max attempts must be positive")
	}
	if c.DrainBatch <= 0 {
		return fmt.Errorf("drain batch must be positive")
	}
	if c.DrainInterval <= 0 {
		return fmt.Errorf("drain interval must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.StaggerInterval < 0 {
		return fmt.Errorf("stagger interval cannot be negative")
	}
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("lease TTL must be positive")
	}
	if c.ImageFetchDelay < 0 {
		return fmt.Errorf("image fetch delay cannot be negative")
	}
	if c.DedupCacheSize <= 0 {
		return fmt.Errorf("dedup cache size must be positive")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}

	return nil
}
