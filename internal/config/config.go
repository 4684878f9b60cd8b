// Package config loads and validates service configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 30 * time.Second
)

type Config struct {
	Debug     bool            `yaml:"debug"` // Controls log level and format
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Threads   ThreadsConfig   `yaml:"threads"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Auditor   AuditorConfig   `yaml:"auditor"`
	Tokens    TokensConfig    `yaml:"tokens"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Replies   RepliesConfig   `yaml:"replies"`
}

type ServerConfig struct {
	Address      string        `yaml:"address"`       // e.g., ":8080"
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // Default: 10s
	WriteTimeout time.Duration `yaml:"write_timeout"` // Default: 30s
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type ThreadsConfig struct {
	BaseURL string        `yaml:"base_url"` // Default: https://graph.threads.net/v1.0
	Timeout time.Duration `yaml:"timeout"`  // Per-request timeout (default: 30s)
}

type SchedulerConfig struct {
	Interval        time.Duration `yaml:"interval"`          // Dispatch tick (default: 1m)
	BatchSize       int           `yaml:"batch_size"`        // Max due items per tick
	TickTimeout     time.Duration `yaml:"tick_timeout"`      // Time box per tick
	SkipRateLimited bool          `yaml:"skip_rate_limited"` // Gate flagged personas
}

type AuditorConfig struct {
	Interval   time.Duration `yaml:"interval"`    // Audit cadence (default: 5m)
	StaleAfter time.Duration `yaml:"stale_after"` // Processing claims older than this are failed
}

type TokensConfig struct {
	Interval     time.Duration `yaml:"interval"`      // Refresh cadence (default: 1h)
	Lookahead    time.Duration `yaml:"lookahead"`     // Refresh credentials expiring within this window
	RefreshDelay time.Duration `yaml:"refresh_delay"` // Pause between refresh calls
}

type RateLimitConfig struct {
	Interval      time.Duration `yaml:"interval"`       // Detection cadence (default: 10m)
	FailureWindow time.Duration `yaml:"failure_window"` // Trailing window scanned for signals
	SuccessWindow time.Duration `yaml:"success_window"` // A success this recent clears the flag
	Cooldown      time.Duration `yaml:"cooldown"`       // Estimated lift offset; a policy guess, not a platform contract
}

type RepliesConfig struct {
	Interval    time.Duration `yaml:"interval"`
	BatchSize   int           `yaml:"batch_size"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// Validate checks the configuration and returns an error if it is unusable.
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return errors.New("database.host is required")
	}
	if c.Database.DBName == "" {
		return errors.New("database.dbname is required")
	}
	if c.Redis.Addr == "" {
		return errors.New("redis.addr is required")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive, got %v", c.Scheduler.Interval)
	}
	if c.Auditor.StaleAfter < time.Minute {
		return fmt.Errorf("auditor.stale_after must be at least 1m, got %v", c.Auditor.StaleAfter)
	}
	return nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Database.Port == "" {
		cfg.Database.Port = "5432"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Threads.BaseURL == "" {
		cfg.Threads.BaseURL = "https://graph.threads.net/v1.0"
	}
	if cfg.Threads.Timeout == 0 {
		cfg.Threads.Timeout = 30 * time.Second
	}
	if cfg.Scheduler.Interval == 0 {
		cfg.Scheduler.Interval = time.Minute
	}
	if cfg.Scheduler.BatchSize == 0 {
		cfg.Scheduler.BatchSize = 20
	}
	if cfg.Scheduler.TickTimeout == 0 {
		cfg.Scheduler.TickTimeout = 45 * time.Second
	}
	if cfg.Auditor.Interval == 0 {
		cfg.Auditor.Interval = 5 * time.Minute
	}
	if cfg.Auditor.StaleAfter == 0 {
		cfg.Auditor.StaleAfter = 10 * time.Minute
	}
	if cfg.Tokens.Interval == 0 {
		cfg.Tokens.Interval = time.Hour
	}
	if cfg.Tokens.Lookahead == 0 {
		cfg.Tokens.Lookahead = 7 * 24 * time.Hour
	}
	if cfg.Tokens.RefreshDelay == 0 {
		cfg.Tokens.RefreshDelay = 500 * time.Millisecond
	}
	if cfg.RateLimit.Interval == 0 {
		cfg.RateLimit.Interval = 10 * time.Minute
	}
	if cfg.RateLimit.FailureWindow == 0 {
		cfg.RateLimit.FailureWindow = 24 * time.Hour
	}
	if cfg.RateLimit.SuccessWindow == 0 {
		cfg.RateLimit.SuccessWindow = 2 * time.Hour
	}
	if cfg.RateLimit.Cooldown == 0 {
		cfg.RateLimit.Cooldown = 24 * time.Hour
	}
	if cfg.Replies.Interval == 0 {
		cfg.Replies.Interval = 2 * time.Minute
	}
	if cfg.Replies.BatchSize == 0 {
		cfg.Replies.BatchSize = 10
	}
	if cfg.Replies.MaxAttempts == 0 {
		cfg.Replies.MaxAttempts = 3
	}
}

func overrideWithEnvVars(cfg *Config) {
	if v := os.Getenv("APP_DEBUG"); v != "" {
		cfg.Debug = parseBool(v)
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		cfg.Database.Port = v
	}
	if v := os.Getenv("DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.Database.DBName = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("THREADS_BASE_URL"); v != "" {
		cfg.Threads.BaseURL = v
	}
	if v := os.Getenv("API_PORT"); v != "" {
		cfg.Server.Address = ":" + v
	}
}

// Load reads the YAML config at path, applies defaults and environment
// overrides, and validates the result. A .env file in the working directory
// is loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	setDefaults(&cfg)
	overrideWithEnvVars(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// parseBool returns true for "true", "1", "yes" (case-insensitive).
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}
