package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BigOD2307/africa-strategy-platform/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend:
  url: https://api.example.org
poll:
  interval: 500ms
  max_backoff: 0s
store:
  kind: sqlite
  path: /tmp/sessions.db
log:
  format: json
pdf:
  timeout: 45s
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.org", cfg.Backend.URL)
	assert.Equal(t, "/api/analyses/{id}/status", cfg.Backend.StatusPath)
	assert.Equal(t, 500*time.Millisecond, cfg.Poll.Interval)
	assert.Equal(t, time.Duration(0), cfg.Poll.MaxBackoff)
	assert.Equal(t, 30*time.Minute, cfg.Poll.MaxDuration)
	assert.Equal(t, "sqlite", cfg.Store.Kind)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 45*time.Second, cfg.PDF.Timeout)
	assert.Equal(t, "Rapport stratégique", cfg.PDF.Title)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"STRATEGY_BACKEND_URL":        "http://backend:9000",
		"STRATEGY_STORE":              "memory",
		"STRATEGY_HTTP_ADDR":          "  ",
		"STRATEGY_LOG_LEVEL":          "debug",
		"OTEL_EXPORTER_OTLP_ENDPOINT": "collector:4318",
	}
	cfg := Default()
	cfg.ApplyEnv(func(k string) string { return env[k] })

	assert.Equal(t, "http://backend:9000", cfg.Backend.URL)
	assert.Equal(t, "memory", cfg.Store.Kind)
	assert.Equal(t, ":8095", cfg.HTTP.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "collector:4318", cfg.Telemetry.OTLPEndpoint)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"bad url":         func(c *Config) { c.Backend.URL = "not a url" },
		"status path":     func(c *Config) { c.Backend.StatusPath = "/api/status" },
		"zero interval":   func(c *Config) { c.Poll.Interval = 0 },
		"store kind":      func(c *Config) { c.Store.Kind = "redis" },
		"file needs path": func(c *Config) { c.Store.Path = "" },
		"log level":       func(c *Config) { c.Log.Level = "trace" },
		"pdf timeout":     func(c *Config) { c.PDF.Timeout = -time.Second },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, strings.HasPrefix(err.Error(), "invalid config: "))
		})
	}

	cfg := Default()
	cfg.Store = Store{Kind: "memory"}
	assert.NoError(t, cfg.Validate())
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := Default()
	cfg.Log = Log{Level: "warn", Format: "json"}
	log := cfg.Logger(&buf)
	log.Info("hidden")
	log.Warn("store persist failed", "session", "s-1")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"session":"s-1"`)
}

func TestOpenStore(t *testing.T) {
	cfg := Default()
	cfg.Store = Store{Kind: "sqlite", Path: filepath.Join(t.TempDir(), "s.db")}
	b, closeFn, err := cfg.OpenStore()
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &store.SQLiteBackend{}, b)

	cfg.Store = Store{Kind: "memory"}
	b, _, err = cfg.OpenStore()
	require.NoError(t, err)
	assert.IsType(t, &store.MemoryBackend{}, b)
}
