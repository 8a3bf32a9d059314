package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Session.Timeout)
	assert.Equal(t, StoreMemory, cfg.Session.Store)
	assert.True(t, cfg.LateFees.Enabled)
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	path := writeFile(t, "library.yaml", `
database:
  driver: postgres
  dsn: postgres://localhost/library?sslmode=disable
session:
  timeout: 10m
  store: redis
late_fees:
  schedule: "@hourly"
log:
  format: json
`)
	t.Setenv("LIBRARY_SESSION_TIMEOUT", "2m")
	t.Setenv("LIBRARY_HTTP_ADDR", ":9090")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, StoreRedis, cfg.Session.Store)
	assert.Equal(t, "@hourly", cfg.LateFees.Schedule)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 2*time.Minute, cfg.Session.Timeout, "environment wins over the file")
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, "library_session", cfg.Session.CookieName, "defaults survive partial files")
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"driver":   "database:\n  driver: mysql\n",
		"store":    "session:\n  store: memcached\n",
		"schedule": "late_fees:\n  schedule: every now and then\n",
		"level":    "log:\n  level: shouting\n",
		"yaml":     "database: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "bad.yaml", body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
