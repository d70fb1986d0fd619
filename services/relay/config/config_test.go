// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// clearEnv unsets every override for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvAPIKey, EnvPort, EnvHost, EnvModel, EnvOTLPEndpoint, EnvLogLevel} {
		t.Setenv(k, "")
	}
}

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Validate(Default()))
}

func TestLoad_DefaultsWhenNoFile(t *testing.T) {
	clearEnv(t)
	t.Chdir(t.TempDir())

	loaded, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, loaded.Path)
	assert.Equal(t, Default().Relay.MaxWords, loaded.Config.Relay.MaxWords)
	assert.Equal(t, 3000, loaded.Config.Server.Port)
}

func TestLoad_ExplicitMissingFileFails(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
server:
  port: 8080
upstream:
  model: qwen-2.5
  temperature: 0.7
  stream: false
relay:
  max_words: 100
  heartbeat_interval: 5s
sessions:
  idle_ttl: 1h
`)

	loaded, err := Load(path)
	require.NoError(t, err)
	cfg := loaded.Config

	assert.Equal(t, path, loaded.Path)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host, "unset keys keep defaults")
	assert.Equal(t, "qwen-2.5", cfg.Upstream.Model)
	require.NotNil(t, cfg.Upstream.Temperature)
	assert.InDelta(t, 0.7, *cfg.Upstream.Temperature, 1e-6)
	assert.False(t, cfg.Upstream.Stream)
	assert.Equal(t, 100, cfg.Relay.MaxWords)
	assert.Equal(t, 5*time.Second, cfg.Relay.HeartbeatInterval)
	assert.Equal(t, time.Hour, cfg.Sessions.IdleTTL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvAPIKey, "secret")
	t.Setenv(EnvPort, "9999")
	t.Setenv(EnvHost, "127.0.0.1")
	t.Setenv(EnvModel, "env-model")
	t.Setenv(EnvOTLPEndpoint, "http://collector:4317")
	t.Setenv(EnvLogLevel, "DEBUG")

	loaded, err := Load(writeConfig(t, "upstream:\n  model: file-model\n"))
	require.NoError(t, err)
	cfg := loaded.Config

	assert.Equal(t, "secret", cfg.Upstream.APIKey)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "env-model", cfg.Upstream.Model)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
	assert.Equal(t, "otlp", cfg.Telemetry.TraceExporter)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_QuietLogging(t *testing.T) {
	clearEnv(t)
	loaded, err := Load(writeConfig(t, "logging:\n  quiet: true\n  dir: /var/log/chatrelay\n"))
	require.NoError(t, err)

	assert.True(t, loaded.Config.Logging.Quiet)
	assert.Equal(t, "/var/log/chatrelay", loaded.Config.Logging.Dir)
	assert.False(t, Default().Logging.Quiet)
}

func TestLoad_InvalidPortEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPort, "eighty")
	_, err := Load(writeConfig(t, ""))
	assert.Error(t, err)
}

func TestLoad_ParseError(t *testing.T) {
	clearEnv(t)
	_, err := Load(writeConfig(t, "server: [unclosed"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"bad endpoint", func(c *Config) { c.Upstream.Endpoint = "not a url" }},
		{"no model", func(c *Config) { c.Upstream.Model = "" }},
		{"zero max words", func(c *Config) { c.Relay.MaxWords = 0 }},
		{"temperature too high", func(c *Config) { f := float32(3); c.Upstream.Temperature = &f }},
		{"unknown exporter", func(c *Config) { c.Telemetry.TraceExporter = "zipkin" }},
		{"otlp without endpoint", func(c *Config) {
			c.Telemetry.TraceExporter = "otlp"
			c.Telemetry.OTLPEndpoint = ""
		}},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"rps without burst", func(c *Config) { c.RateLimit.Burst = 0 }},
		{"no prompt dir", func(c *Config) { c.Prompts.Dir = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestSave_NeverWritesAPIKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "chatrelay.yaml")
	cfg := Default()
	cfg.Upstream.APIKey = "secret"

	require.NoError(t, Save(path, cfg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")

	var roundTrip Config
	require.NoError(t, yaml.Unmarshal(data, &roundTrip))
	assert.Equal(t, cfg.Upstream.Model, roundTrip.Upstream.Model)
	assert.Equal(t, cfg.Relay.HeartbeatInterval, roundTrip.Relay.HeartbeatInterval)
}

func TestUpdateModel(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "server:\n  port: 4000\nupstream:\n  model: old\n")

	require.NoError(t, UpdateModel(path, "new-model"))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "new-model", loaded.Config.Upstream.Model)
	assert.Equal(t, 4000, loaded.Config.Server.Port)
}

func TestPublicView_HidesKey(t *testing.T) {
	cfg := Default()
	cfg.Upstream.APIKey = "secret"
	view := PublicView(cfg, "active")
	assert.Empty(t, view.Upstream.APIKey)
	assert.Equal(t, "active", view.Upstream.Model)
	assert.Equal(t, "secret", cfg.Upstream.APIKey, "original is untouched")
}
