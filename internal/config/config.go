// Package config loads the server configuration: defaults, then an optional YAML file, then
// CPPMCP_* environment variables. Command line flags are applied on top by the caller, which must
// call Validate afterwards.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Transport kinds.
const (
	TransportStdio = "stdio"
	TransportSSE   = "sse"
)

// Config is the resolved startup configuration.
type Config struct {
	Transport string         `yaml:"transport" validate:"oneof=stdio sse"`
	Server    ServerConfig   `yaml:"server"`
	SSE       SSEConfig      `yaml:"sse"`
	Analysis  AnalysisConfig `yaml:"analysis"`
	Log       LogConfig      `yaml:"log"`
	Metrics   MetricsConfig  `yaml:"metrics"`
}

// ServerConfig identifies the server during the handshake.
type ServerConfig struct {
	Name    string `yaml:"name" validate:"required"`
	Version string `yaml:"version" validate:"required"`
}

// SSEConfig configures the event-stream transport.
type SSEConfig struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`
	// BaseURL prefixes the message endpoint announced to clients. Empty means http://<addr>.
	BaseURL     string        `yaml:"base_url" validate:"omitempty,url"`
	SSEPath     string        `yaml:"sse_path" validate:"startswith=/"`
	MessagePath string        `yaml:"message_path" validate:"startswith=/"`
	RateLimit   float64       `yaml:"rate_limit" validate:"gte=0"`
	RateBurst   int           `yaml:"rate_burst" validate:"gte=0"`
	SendTimeout time.Duration `yaml:"send_timeout" validate:"gte=0"`
}

// AnalysisConfig configures the analysis engine.
type AnalysisConfig struct {
	// Queries lists the enabled predefined queries. Empty enables all of them.
	Queries          []string `yaml:"queries" validate:"dive,oneof=functions classes includes calls macros variables"`
	Workers          int      `yaml:"workers" validate:"min=1,max=1024"`
	MaxDocumentBytes int      `yaml:"max_document_bytes" validate:"min=1"`
	AllowedRoots     []string `yaml:"allowed_roots" validate:"dive,required"`
	Watch            bool     `yaml:"watch"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=auto text json"`
}

// MetricsConfig configures the Prometheus endpoint served next to the SSE endpoints.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"startswith=/"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Default returns the configuration used when nothing else is given.
func Default() Config {
	return Config{
		Transport: TransportStdio,
		Server: ServerConfig{
			Name:    "cppmcp",
			Version: "0.1.0",
		},
		SSE: SSEConfig{
			Addr:        "localhost:8080",
			SSEPath:     "/sse",
			MessagePath: "/message",
			SendTimeout: 30 * time.Second,
		},
		Analysis: AnalysisConfig{
			Workers:          4,
			MaxDocumentBytes: 8 << 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path, when path is not empty, and the
// environment. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg, os.Getenv)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("CPPMCP_TRANSPORT"); v != "" {
		cfg.Transport = v
	}
	if v := getenv("CPPMCP_SSE_ADDR"); v != "" {
		cfg.SSE.Addr = v
	}
	if v := getenv("CPPMCP_SSE_BASE_URL"); v != "" {
		cfg.SSE.BaseURL = v
	}
	if v := getenv("CPPMCP_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Analysis.Workers = n
		}
	}
	if v := getenv("CPPMCP_QUERIES"); v != "" {
		cfg.Analysis.Queries = splitList(v)
	}
	if v := getenv("CPPMCP_ALLOWED_ROOTS"); v != "" {
		cfg.Analysis.AllowedRoots = splitList(v)
	}
	if v := getenv("CPPMCP_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := getenv("CPPMCP_METRICS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Metrics.Enabled = b
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks every field against its constraints and reports all violations at once.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("%s: failed %q", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag())
		if fe.Param() != "" {
			msg += fmt.Sprintf(" (%s)", fe.Param())
		}
		msgs = append(msgs, msg)
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// SlogLevel returns the configured log level.
func (c Config) SlogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// MessageURL returns the absolute URL of the message endpoint announced to SSE clients.
func (c Config) MessageURL() string {
	base := c.SSE.BaseURL
	if base == "" {
		base = "http://" + c.SSE.Addr
	}
	return strings.TrimSuffix(base, "/") + c.SSE.MessagePath
}
