// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/briangreenhill/canvasgpt/cache"
)

// Cache backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
)

// Config holds all application configuration
type Config struct {
	Canvas  CanvasConfig  `envPrefix:"CANVAS_"`
	Privacy PrivacyConfig `envPrefix:"PRIVACY_"`
	Cache   CacheConfig   `envPrefix:"CACHE_"`
	Retry   RetryConfig   `envPrefix:"RETRY_"`
	Log     LogConfig     `envPrefix:"LOG_"`

	Port        string `env:"PORT" envDefault:"8080"`
	APIToken    string `env:"API_TOKEN"`
	RedisAddr   string `env:"REDIS_ADDR"`
	DatabaseURL string `env:"DATABASE_URL"`

	// PromptFile replaces the built-in assistant instructions.
	PromptFile string `env:"PROMPT_FILE"`
}

// CanvasConfig holds the Canvas instance and token
type CanvasConfig struct {
	BaseURL   string  `env:"BASE_URL"`
	APIToken  string  `env:"API_TOKEN"`
	PerPage   int     `env:"PER_PAGE" envDefault:"100"`
	RateLimit float64 `env:"RATE_LIMIT" envDefault:"0"`
	RateBurst int     `env:"RATE_BURST" envDefault:"1"`
}

// PrivacyConfig controls pseudonymization and scrubbing
type PrivacyConfig struct {
	Enabled bool `env:"ENABLED" envDefault:"true"`
	// Salt keys the pseudonyms. Empty means a random salt per process.
	Salt string `env:"SALT"`
	// Debug forces a random salt so pseudonyms change on every run.
	Debug     bool     `env:"DEBUG"`
	Label     string   `env:"LABEL" envDefault:"Student"`
	RulesFile string   `env:"RULES_FILE"`
	ScrubKeys []string `env:"SCRUB_KEYS" envSeparator:","`
}

// CacheConfig selects the cache backend and per-category TTLs
type CacheConfig struct {
	Backend string `env:"BACKEND" envDefault:"memory"`
	Dir     string `env:"DIR"`
	Prefix  string `env:"REDIS_PREFIX" envDefault:"canvasgpt:cache:"`

	CourseTTL     time.Duration `env:"TTL_COURSE" envDefault:"1h"`
	UserTTL       time.Duration `env:"TTL_USER" envDefault:"15m"`
	AssignmentTTL time.Duration `env:"TTL_ASSIGNMENT" envDefault:"10m"`
	DiscussionTTL time.Duration `env:"TTL_DISCUSSION" envDefault:"2m"`
	SubmissionTTL time.Duration `env:"TTL_SUBMISSION" envDefault:"1m"`
	DefaultTTL    time.Duration `env:"TTL_DEFAULT" envDefault:"5m"`
}

// RetryConfig bounds upstream retries
type RetryConfig struct {
	MaxAttempts    int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	InitialBackoff time.Duration `env:"INITIAL_BACKOFF" envDefault:"500ms"`
	MaxBackoff     time.Duration `env:"MAX_BACKOFF" envDefault:"30s"`
	AttemptTimeout time.Duration `env:"ATTEMPT_TIMEOUT" envDefault:"30s"`
}

// LogConfig configures the zerolog logger
type LogConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Pretty bool   `env:"PRETTY"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.Cache.Backend = strings.ToLower(strings.TrimSpace(cfg.Cache.Backend))
	return &cfg, nil
}

// TTLs returns the cache TTL table
func (c CacheConfig) TTLs() cache.TTLs {
	return cache.TTLs{
		cache.CategoryCourse:     c.CourseTTL,
		cache.CategoryUser:       c.UserTTL,
		cache.CategoryAssignment: c.AssignmentTTL,
		cache.CategoryDiscussion: c.DiscussionTTL,
		cache.CategorySubmission: c.SubmissionTTL,
		cache.CategoryDefault:    c.DefaultTTL,
	}
}

// Validate checks that the configuration can serve requests
func (c *Config) Validate() error {
	var errs []error
	if c.Canvas.BaseURL == "" {
		errs = append(errs, errors.New("CANVAS_BASE_URL is required"))
	} else if u, err := url.Parse(c.Canvas.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, errors.New("CANVAS_BASE_URL must be an absolute URL"))
	}
	if c.Canvas.APIToken == "" {
		errs = append(errs, errors.New("CANVAS_API_TOKEN is required"))
	}
	switch c.Cache.Backend {
	case BackendMemory, BackendFile:
	case BackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis cache backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("CACHE_BACKEND must be memory, file or redis, got %q", c.Cache.Backend))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("RETRY_MAX_ATTEMPTS must be at least 1"))
	}
	if c.Retry.InitialBackoff <= 0 || c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		errs = append(errs, errors.New("RETRY_INITIAL_BACKOFF must be positive and not exceed RETRY_MAX_BACKOFF"))
	}
	if c.Retry.AttemptTimeout <= 0 {
		errs = append(errs, errors.New("RETRY_ATTEMPT_TIMEOUT must be positive"))
	}
	if c.Canvas.RateLimit < 0 {
		errs = append(errs, errors.New("CANVAS_RATE_LIMIT cannot be negative"))
	}
	if c.Privacy.Label == "" || strings.ContainsAny(c.Privacy.Label, " _") {
		errs = append(errs, errors.New("PRIVACY_LABEL must be a single word without underscores"))
	}
	return errors.Join(errs...)
}

// HasRedis reports whether a Redis server is configured
func (c *Config) HasRedis() bool {
	return c.RedisAddr != ""
}

// HasDatabase reports whether pseudonym assignments can be persisted
func (c *Config) HasDatabase() bool {
	return c.DatabaseURL != ""
}
