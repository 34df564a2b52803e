package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"LEDGER_CONFIG", "HTTP_ADDR", "DATABASE_URL", "SQLITE_PATH", "LOG_LEVEL", "LOG_FORMAT", "LEDGER_TIMEZONE",
	"LEDGER_LOCK_KEY", "LEDGER_LOCK_PARTITION", "LEDGER_LOCK_TTL", "LEDGER_LOCK_ATTEMPTS", "LEDGER_LOCK_MIN_DELAY",
	"LEDGER_LOCK_MAX_DELAY", "DEV_SEED",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "memory", cfg.Backend())
	assert.Equal(t, 5, cfg.Lock.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Lock.TTL)
	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  addr: ":9000"
storage:
  sqlite_path: /tmp/ledger.db
ledger:
  timezone: America/Argentina/Buenos_Aires
lock:
  partition: true
  ttl: 45s
  max_attempts: 3
`), 0o600))
	t.Setenv("LEDGER_CONFIG", path)
	t.Setenv("LEDGER_LOCK_ATTEMPTS", "7")
	t.Setenv("DEV_SEED", "yes")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.HTTP.Addr)
	assert.Equal(t, "sqlite", cfg.Backend())
	assert.True(t, cfg.Lock.Partition)
	assert.Equal(t, 45*time.Second, cfg.Lock.TTL)
	assert.Equal(t, 7, cfg.Lock.MaxAttempts)
	assert.True(t, cfg.DevSeed)
	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "America/Argentina/Buenos_Aires", loc.String())

	t.Setenv("DATABASE_URL", "postgres://localhost/ledger")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Backend())
}

func TestLoad_DotEnvFile(t *testing.T) {
	clearEnv(t)
	// godotenv never overrides variables that are already set, even to "".
	os.Unsetenv("HTTP_ADDR")
	t.Cleanup(func() { os.Unsetenv("HTTP_ADDR") })
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("HTTP_ADDR=:7070\n"), 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.HTTP.Addr)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string][2]string{
		"bad duration":  {"LEDGER_LOCK_TTL", "soon"},
		"bad attempts":  {"LEDGER_LOCK_ATTEMPTS", "many"},
		"bad bool":      {"LEDGER_LOCK_PARTITION", "maybe"},
		"bad timezone":  {"LEDGER_TIMEZONE", "Mars/Olympus"},
		"zero attempts": {"LEDGER_LOCK_ATTEMPTS", "0"},
		"bad format":    {"LOG_FORMAT", "xml"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(kv[0], kv[1])
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLogLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLogLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLogLevel("err"))
	assert.Equal(t, slog.LevelInfo, ParseLogLevel(""))
}
