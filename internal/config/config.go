package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BigOD2307/africa-strategy-platform/internal/store"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Backend struct {
	URL        string        `yaml:"url" validate:"required,url"`
	SubmitPath string        `yaml:"submit_path" validate:"required,startswith=/"`
	StatusPath string        `yaml:"status_path" validate:"required,startswith=/,contains={id}"`
	Timeout    time.Duration `yaml:"timeout" validate:"gt=0"`
}

type Poll struct {
	Interval    time.Duration `yaml:"interval" validate:"gt=0"`
	MaxDuration time.Duration `yaml:"max_duration" validate:"gte=0"`
	MaxBackoff  time.Duration `yaml:"max_backoff" validate:"gte=0"`
}

type Store struct {
	Kind string `yaml:"kind" validate:"oneof=memory file sqlite"`
	Path string `yaml:"path" validate:"required_unless=Kind memory"`
}

type HTTP struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

type Log struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

type Telemetry struct {
	ServiceName  string `yaml:"service_name" validate:"required"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

type PDF struct {
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
	Title   string        `yaml:"title"`
}

type Config struct {
	Backend    Backend   `yaml:"backend"`
	Poll       Poll      `yaml:"poll"`
	Store      Store     `yaml:"store"`
	SchemaPath string    `yaml:"schema_path"`
	HTTP       HTTP      `yaml:"http"`
	Log        Log       `yaml:"log"`
	Telemetry  Telemetry `yaml:"telemetry"`
	ChromePath string    `yaml:"chrome_path"`
	PDF        PDF       `yaml:"pdf"`
}

var validate = validator.New()

func Default() Config {
	return Config{
		Backend: Backend{
			URL:        "http://localhost:3000",
			SubmitPath: "/api/analyses",
			StatusPath: "/api/analyses/{id}/status",
			Timeout:    15 * time.Second,
		},
		Poll: Poll{
			Interval:    3 * time.Second,
			MaxDuration: 30 * time.Minute,
			MaxBackoff:  30 * time.Second,
		},
		Store: Store{Kind: "file", Path: "./sessions"},
		HTTP:  HTTP{Addr: ":8095", ShutdownTimeout: 10 * time.Second},
		Log:   Log{Level: "info", Format: "text"},
		Telemetry: Telemetry{
			ServiceName: "strategy-engine",
		},
		PDF: PDF{Timeout: 30 * time.Second, Title: "Rapport stratégique"},
	}
}

// Load reads a YAML file over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment. Empty variables are
// ignored.
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Backend.URL, "STRATEGY_BACKEND_URL")
	set(&c.Store.Kind, "STRATEGY_STORE")
	set(&c.Store.Path, "STRATEGY_STORE_PATH")
	set(&c.HTTP.Addr, "STRATEGY_HTTP_ADDR")
	set(&c.Log.Level, "STRATEGY_LOG_LEVEL")
	set(&c.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Logger builds the process logger.
func (c Config) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch c.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// OpenStore opens the configured persistence backend. The returned close
// function is never nil.
func (c Config) OpenStore() (store.Backend, func() error, error) {
	noop := func() error { return nil }
	switch c.Store.Kind {
	case "memory":
		return store.NewMemoryBackend(), noop, nil
	case "file":
		return store.NewFileBackend(c.Store.Path), noop, nil
	case "sqlite":
		b, err := store.NewSQLiteBackend(c.Store.Path)
		if err != nil {
			return nil, noop, fmt.Errorf("open sqlite store: %w", err)
		}
		return b, b.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown store kind %q", c.Store.Kind)
	}
}
