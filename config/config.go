// Package config loads service settings from defaults, an optional YAML
// file, an optional .env file and LIBRARY_* environment variables, in that
// order of precedence (later wins).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	HTTP     HTTPConfig     `yaml:"http"`
	Session  SessionConfig  `yaml:"session"`
	LateFees LateFeeConfig  `yaml:"late_fees"`
	Log      LogConfig      `yaml:"log"`
}

type DatabaseConfig struct {
	// Driver is "sqlite3" or "postgres".
	Driver string `yaml:"driver" env:"LIBRARY_DB_DRIVER"`
	// DSN is a file path for sqlite3 and a connection URL for postgres.
	DSN string `yaml:"dsn" env:"LIBRARY_DB_DSN"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr" env:"LIBRARY_HTTP_ADDR"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"LIBRARY_HTTP_SHUTDOWN_TIMEOUT"`
	// SignInRate is the sustained sign-in attempts per second per client IP.
	SignInRate  float64 `yaml:"signin_rate" env:"LIBRARY_SIGNIN_RATE"`
	SignInBurst int     `yaml:"signin_burst" env:"LIBRARY_SIGNIN_BURST"`
}

type SessionConfig struct {
	Timeout      time.Duration `yaml:"timeout" env:"LIBRARY_SESSION_TIMEOUT"`
	Store        string        `yaml:"store" env:"LIBRARY_SESSION_STORE"`
	TTL          time.Duration `yaml:"ttl" env:"LIBRARY_SESSION_TTL"`
	CookieName   string        `yaml:"cookie_name" env:"LIBRARY_SESSION_COOKIE"`
	CookieSecure bool          `yaml:"cookie_secure" env:"LIBRARY_SESSION_COOKIE_SECURE"`

	RedisAddr     string `yaml:"redis_addr" env:"LIBRARY_REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"LIBRARY_REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"LIBRARY_REDIS_DB"`
	RedisPrefix   string `yaml:"redis_prefix" env:"LIBRARY_REDIS_PREFIX"`
}

type LateFeeConfig struct {
	Enabled bool `yaml:"enabled" env:"LIBRARY_LATE_FEES_ENABLED"`
	// Schedule is a standard cron expression or descriptor such as "@hourly".
	Schedule string `yaml:"schedule" env:"LIBRARY_LATE_FEES_SCHEDULE"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LIBRARY_LOG_LEVEL"`
	Format string `yaml:"format" env:"LIBRARY_LOG_FORMAT"`
}

// Session store kinds.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Default returns the built-in settings: a local SQLite file, in-memory
// sessions with a five minute inactivity timeout and a nightly fee sweep.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Driver: "sqlite3", DSN: "data/library.db"},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
			SignInRate:      1,
			SignInBurst:     5,
		},
		Session: SessionConfig{
			Timeout:    5 * time.Minute,
			Store:      StoreMemory,
			TTL:        24 * time.Hour,
			CookieName: "library_session",
			RedisAddr:  "localhost:6379",
		},
		LateFees: LateFeeConfig{Enabled: true, Schedule: "0 0 * * *"},
		Log:      LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration. path may be empty to skip the YAML file;
// a missing .env in the working directory is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the settings are usable.
func (c *Config) Validate() error {
	var problems []string

	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("database.driver %q must be sqlite3 or postgres", c.Database.Driver))
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		problems = append(problems, "database.dsn is required")
	}
	if c.HTTP.SignInRate <= 0 || c.HTTP.SignInBurst <= 0 {
		problems = append(problems, "http.signin_rate and http.signin_burst must be positive")
	}
	if c.Session.Timeout <= 0 {
		problems = append(problems, "session.timeout must be positive")
	}
	switch c.Session.Store {
	case StoreMemory:
	case StoreRedis:
		if c.Session.RedisAddr == "" {
			problems = append(problems, "session.redis_addr is required for the redis store")
		}
	default:
		problems = append(problems, fmt.Sprintf("session.store %q must be memory or redis", c.Session.Store))
	}
	if c.Session.CookieName == "" {
		problems = append(problems, "session.cookie_name is required")
	}
	if c.LateFees.Enabled {
		if _, err := cron.ParseStandard(c.LateFees.Schedule); err != nil {
			problems = append(problems, fmt.Sprintf("late_fees.schedule: %v", err))
		}
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, fmt.Sprintf("log.level: %v", err))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
