// Package config loads service configuration from an optional .env file, an optional YAML file and
// the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tinoosan/balanceledger/internal/lock"
)

// Config is the full service configuration.
type Config struct {
	HTTP    HTTPConfig    `yaml:"http"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Lock    LockConfig    `yaml:"lock"`
	DevSeed bool          `yaml:"dev_seed"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// StorageConfig picks the backend: Postgres when DatabaseURL is set, else SQLite when SQLitePath is
// set, else memory.
type StorageConfig struct {
	DatabaseURL string `yaml:"database_url"`
	SQLitePath  string `yaml:"sqlite_path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type LedgerConfig struct {
	// Timezone names the location whose calendar days bucket balances.
	Timezone string `yaml:"timezone"`
}

type LockConfig struct {
	Key         string        `yaml:"key"`
	Partition   bool          `yaml:"partition"`
	TTL         time.Duration `yaml:"ttl"`
	MaxAttempts int           `yaml:"max_attempts"`
	MinDelay    time.Duration `yaml:"min_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// Backend names the storage backend the config selects.
func (c Config) Backend() string {
	switch {
	case c.Storage.DatabaseURL != "":
		return "postgres"
	case c.Storage.SQLitePath != "":
		return "sqlite"
	default:
		return "memory"
	}
}

// Location resolves the ledger timezone.
func (c Config) Location() (*time.Location, error) {
	if c.Ledger.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Ledger.Timezone)
}

// LockPolicy converts the lock settings.
func (c Config) LockPolicy() lock.Policy {
	return lock.Policy{MaxAttempts: c.Lock.MaxAttempts, MinDelay: c.Lock.MinDelay, MaxDelay: c.Lock.MaxDelay, TTL: c.Lock.TTL}
}

// Default returns the built-in configuration.
func Default() Config {
	p := lock.DefaultPolicy()
	return Config{
		HTTP:   HTTPConfig{Addr: ":8080"},
		Log:    LogConfig{Level: "info", Format: "json"},
		Ledger: LedgerConfig{Timezone: "UTC"},
		Lock:   LockConfig{TTL: p.TTL, MaxAttempts: p.MaxAttempts, MinDelay: p.MinDelay, MaxDelay: p.MaxDelay},
	}
}

// Load reads .env (if present, or envPath when given), then the YAML file named by LEDGER_CONFIG, then
// environment overrides.
func Load(envPath ...string) (Config, error) {
	if len(envPath) > 0 && envPath[0] != "" {
		if err := godotenv.Load(envPath[0]); err != nil {
			return Config{}, fmt.Errorf("load .env: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("LEDGER_CONFIG")); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(c *Config) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	str("HTTP_ADDR", &c.HTTP.Addr)
	str("DATABASE_URL", &c.Storage.DatabaseURL)
	str("SQLITE_PATH", &c.Storage.SQLitePath)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("LEDGER_TIMEZONE", &c.Ledger.Timezone)
	str("LEDGER_LOCK_KEY", &c.Lock.Key)

	var errs []error
	boolean := func(key string, dst *bool) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			b, err := parseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean("DEV_SEED", &c.DevSeed)
	boolean("LEDGER_LOCK_PARTITION", &c.Lock.Partition)
	duration("LEDGER_LOCK_TTL", &c.Lock.TTL)
	duration("LEDGER_LOCK_MIN_DELAY", &c.Lock.MinDelay)
	duration("LEDGER_LOCK_MAX_DELAY", &c.Lock.MaxDelay)
	if v := strings.TrimSpace(os.Getenv("LEDGER_LOCK_ATTEMPTS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("LEDGER_LOCK_ATTEMPTS: %w", err))
		} else {
			c.Lock.MaxAttempts = n
		}
	}
	return errors.Join(errs...)
}

// parseBool accepts the usual spellings plus yes/no.
func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "yes", "y", "on":
		return true, nil
	case "no", "n", "off":
		return false, nil
	}
	return strconv.ParseBool(s)
}

// Validate checks values that would otherwise fail late.
func (c Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("ledger timezone %q: %w", c.Ledger.Timezone, err)
	}
	if c.Lock.MaxAttempts < 1 {
		return fmt.Errorf("lock max attempts must be >= 1, got %d", c.Lock.MaxAttempts)
	}
	if c.Lock.TTL <= 0 {
		return errors.New("lock ttl must be positive")
	}
	if c.Lock.MaxDelay > 0 && c.Lock.MaxDelay < c.Lock.MinDelay {
		return errors.New("lock max delay must not be below min delay")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("log format must be json or text, got %q", c.Log.Format)
	}
	return nil
}

// Logger builds the process logger from the log settings.
func (c Config) Logger() *slog.Logger {
	level := ParseLogLevel(c.Log.Level)
	if strings.EqualFold(strings.TrimSpace(c.Log.Format), "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// ParseLogLevel maps config values to slog.Leveler
func ParseLogLevel(s string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "err":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
