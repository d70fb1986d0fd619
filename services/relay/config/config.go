// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the relay's YAML configuration.
//
// # Description
//
// Configuration comes from three layers, later ones winning: built-in
// defaults, an optional YAML file, and environment variables. The result is
// validated with go-playground/validator before use. The API key is only
// ever read from the environment and is never written back to disk.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when no --config flag is given and the file exists.
const DefaultPath = "chatrelay.yaml"

// Environment variables recognized by Load.
const (
	EnvAPIKey       = "VENICE_API_KEY"
	EnvPort         = "CHATRELAY_PORT"
	EnvHost         = "CHATRELAY_HOST"
	EnvModel        = "CHATRELAY_MODEL"
	EnvOTLPEndpoint = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvLogLevel     = "CHATRELAY_LOG_LEVEL"
)

// =============================================================================
// Types
// =============================================================================

// Config is the full relay configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream" json:"upstream"`
	Relay     RelayConfig     `yaml:"relay" json:"relay"`
	Sessions  SessionsConfig  `yaml:"sessions" json:"sessions"`
	Prompts   PromptsConfig   `yaml:"prompts" json:"prompts"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port" validate:"min=1,max=65535"`
	UIDir           string        `yaml:"ui_dir" json:"ui_dir,omitempty"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins" json:"cors_origins"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// UpstreamConfig configures the completion provider.
type UpstreamConfig struct {
	Endpoint              string         `yaml:"endpoint" json:"endpoint" validate:"required,url"`
	ModelsEndpoint        string         `yaml:"models_endpoint" json:"models_endpoint" validate:"omitempty,url"`
	APIKey                string         `yaml:"-" json:"-"`
	Model                 string         `yaml:"model" json:"model" validate:"required"`
	MaxTokens             int            `yaml:"max_tokens" json:"max_tokens" validate:"min=0"`
	Temperature           *float32       `yaml:"temperature,omitempty" json:"temperature,omitempty" validate:"omitempty,min=0,max=2"`
	TopP                  *float32       `yaml:"top_p,omitempty" json:"top_p,omitempty" validate:"omitempty,min=0,max=1"`
	FrequencyPenalty      *float32       `yaml:"frequency_penalty,omitempty" json:"frequency_penalty,omitempty" validate:"omitempty,min=-2,max=2"`
	PresencePenalty       *float32       `yaml:"presence_penalty,omitempty" json:"presence_penalty,omitempty" validate:"omitempty,min=-2,max=2"`
	Stream                bool           `yaml:"stream" json:"stream"`
	VeniceParameters      map[string]any `yaml:"venice_parameters,omitempty" json:"venice_parameters,omitempty"`
	Timeout               time.Duration  `yaml:"timeout" json:"timeout"`
	ResponseHeaderTimeout time.Duration  `yaml:"response_header_timeout" json:"response_header_timeout"`
	ModelCacheTTL         time.Duration  `yaml:"model_cache_ttl" json:"model_cache_ttl"`
}

// RelayConfig configures chat request handling.
type RelayConfig struct {
	MaxWords          int           `yaml:"max_words" json:"max_words" validate:"min=1"`
	SerializeSessions bool          `yaml:"serialize_sessions" json:"serialize_sessions"`
	StreamErrorFrames bool          `yaml:"stream_error_frames" json:"stream_error_frames"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
}

// SessionsConfig configures the session store and idle eviction.
type SessionsConfig struct {
	Shards        int           `yaml:"shards" json:"shards" validate:"min=0"`
	IdleTTL       time.Duration `yaml:"idle_ttl" json:"idle_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// EvictionEnabled reports whether idle sessions are swept.
func (s SessionsConfig) EvictionEnabled() bool {
	return s.IdleTTL > 0 && s.SweepInterval > 0
}

// PromptsConfig configures the system prompt directory.
type PromptsConfig struct {
	Dir      string `yaml:"dir" json:"dir" validate:"required"`
	Fallback string `yaml:"fallback" json:"fallback"`
	Watch    bool   `yaml:"watch" json:"watch"`
}

// TelemetryConfig configures tracing and metrics.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name" json:"service_name"`
	TraceExporter  string `yaml:"trace_exporter" json:"trace_exporter" validate:"oneof=otlp stdout none"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" json:"otlp_endpoint" validate:"required_if=TraceExporter otlp"`
	MetricExporter string `yaml:"metric_exporter" json:"metric_exporter" validate:"oneof=prometheus stdout none"`
	Metrics        bool   `yaml:"metrics" json:"metrics"`
}

// RateLimitConfig configures the per-client limiter. RPS 0 disables it.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps" json:"rps" validate:"min=0"`
	Burst int     `yaml:"burst" json:"burst" validate:"min=0"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir" json:"dir,omitempty"`
	JSON  bool   `yaml:"json" json:"json"`
	// Quiet silences stderr; records still go to Dir when it is set.
	Quiet bool `yaml:"quiet" json:"quiet"`
}

// =============================================================================
// Defaults
// =============================================================================

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            3000,
			ShutdownTimeout: 10 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		Upstream: UpstreamConfig{
			Endpoint:              "https://api.venice.ai/api/v1/chat/completions",
			ModelsEndpoint:        "https://api.venice.ai/api/v1/models",
			Model:                 "llama-3.3-70b",
			MaxTokens:             4096,
			Stream:                true,
			Timeout:               5 * time.Minute,
			ResponseHeaderTimeout: time.Minute,
			ModelCacheTTL:         10 * time.Minute,
			VeniceParameters: map[string]any{
				"include_venice_system_prompt": false,
			},
		},
		Relay: RelayConfig{
			MaxWords:          10000,
			HeartbeatInterval: 15 * time.Second,
		},
		Sessions: SessionsConfig{
			Shards:        32,
			IdleTTL:       24 * time.Hour,
			SweepInterval: 10 * time.Minute,
		},
		Prompts: PromptsConfig{
			Dir:      "system_prompts",
			Fallback: "You are a helpful AI assistant.",
			Watch:    true,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "chatrelay",
			TraceExporter:  "none",
			OTLPEndpoint:   "localhost:4317",
			MetricExporter: "prometheus",
			Metrics:        true,
		},
		RateLimit: RateLimitConfig{
			RPS:   5,
			Burst: 20,
		},
		Logging: LoggingConfig{
			Level: "info",
			JSON:  true,
		},
	}
}

// =============================================================================
// Loading
// =============================================================================

// Loaded is a validated configuration and the file it came from.
type Loaded struct {
	Config Config

	// Path is the file the config was read from, empty when only defaults
	// and environment were used.
	Path string
}

// Load reads path over the defaults, applies environment overrides and
// validates the result.
//
// # Inputs
//
//   - path: YAML file. Empty means DefaultPath if it exists, otherwise
//     defaults only. A non-empty path that does not exist is an error.
func Load(path string) (*Loaded, error) {
	cfg := Default()
	loaded := &Loaded{}

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		loaded.Path = path
	case errors.Is(err, os.ErrNotExist) && !explicit:
		slog.Debug("No config file found, using defaults", "path", path)
	default:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	loaded.Config = cfg
	return loaded, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv(EnvAPIKey); v != "" {
		cfg.Upstream.APIKey = v
	}
	if v := os.Getenv(EnvHost); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvPort, v, err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv(EnvModel); v != "" {
		cfg.Upstream.Model = v
	}
	if v := os.Getenv(EnvOTLPEndpoint); v != "" {
		cfg.Telemetry.OTLPEndpoint = strings.TrimPrefix(strings.TrimPrefix(v, "http://"), "https://")
		if cfg.Telemetry.TraceExporter == "none" {
			cfg.Telemetry.TraceExporter = "otlp"
		}
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and cross-field rules.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.RateLimit.RPS > 0 && cfg.RateLimit.Burst < 1 {
		return fmt.Errorf("invalid configuration: rate_limit.burst must be at least 1 when rps is set")
	}
	return nil
}

// =============================================================================
// Persistence
// =============================================================================

// Save writes cfg to path as YAML. The write goes through a temporary file
// in the same directory so a crash never leaves a truncated config.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".chatrelay-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp config: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("failed to chmod temp config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace config %s: %w", path, err)
	}
	return nil
}

// UpdateModel rewrites only the upstream model in the file at path, keeping
// every other setting as it is on disk.
func UpdateModel(path, model string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.Upstream.Model = model
	return Save(path, cfg)
}

// Public is the config view served over HTTP. It never contains secrets.
type Public struct {
	Server   ServerConfig   `json:"server"`
	Upstream UpstreamConfig `json:"api"`
	Relay    RelayConfig    `json:"relay"`
}

// PublicView returns the subset of cfg that is safe to expose.
func PublicView(cfg Config, activeModel string) Public {
	up := cfg.Upstream
	up.APIKey = ""
	if activeModel != "" {
		up.Model = activeModel
	}
	return Public{Server: cfg.Server, Upstream: up, Relay: cfg.Relay}
}
