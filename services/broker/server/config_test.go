// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianBroker/services/broker/interpreter"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:8743", cfg.Listen)
	assert.Equal(t, interpreter.DefaultSupportedRange, cfg.VersionRange())
	assert.Equal(t, 64<<20, cfg.MaxFrameSize)
}

func TestLoadConfig_FileAndDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: 0.0.0.0:9000
host_path: /usr/local/bin/hostworker
min_version: "4.0"
max_version: "4.4"
max_sessions: 3
startup_timeout: 45s
telemetry:
  trace_exporter: stdout
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, 3, cfg.MaxSessions)
	assert.Equal(t, 45*time.Second, cfg.StartupTimeout)
	assert.Equal(t, 5*time.Second, cfg.StopGrace)
	assert.Equal(t, "stdout", cfg.Telemetry.TraceExporter)
	assert.NotEmpty(t, cfg.Telemetry.ServiceName)
	assert.Equal(t, interpreter.SupportedVersionRange{
		Min: interpreter.MajorMinor{Major: 4, Minor: 0},
		Max: interpreter.MajorMinor{Major: 4, Minor: 4},
	}, cfg.VersionRange())
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [\n"), 0o600))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad listen", func(c *Config) { c.Listen = "nowhere" }},
		{"bad min version", func(c *Config) { c.MinVersion = "four" }},
		{"patch in bound", func(c *Config) { c.MaxVersion = "4.5.1" }},
		{"inverted range", func(c *Config) { c.MinVersion, c.MaxVersion = "4.5", "3.2" }},
		{"negative sessions", func(c *Config) { c.MaxSessions = -1 }},
		{"gin mode", func(c *Config) { c.GinMode = "chatty" }},
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
		{"trace exporter", func(c *Config) { c.Telemetry.TraceExporter = "zipkin" }},
		{"tiny frames", func(c *Config) { c.MaxFrameSize = 10 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	env := map[string]string{
		"BROKER_LISTEN":            "127.0.0.1:7000",
		"BROKER_TOKEN_FILE":        "/etc/broker/tokens.yaml",
		"BROKER_MAX_SESSIONS":      "8",
		"BROKER_STARTUP_TIMEOUT":   "1m",
		"BROKER_INTERPRETER_ROOTS": "/a" + string(os.PathListSeparator) + "/b",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := DefaultConfig()
	require.NoError(t, applyEnvOverrides(&cfg, lookup))
	assert.Equal(t, "127.0.0.1:7000", cfg.Listen)
	assert.Equal(t, "/etc/broker/tokens.yaml", cfg.TokenFile)
	assert.Equal(t, 8, cfg.MaxSessions)
	assert.Equal(t, time.Minute, cfg.StartupTimeout)
	assert.Equal(t, []string{"/a", "/b"}, cfg.InterpreterRoots)

	env["BROKER_MAX_SESSIONS"] = "many"
	env["BROKER_STARTUP_TIMEOUT"] = "soon"
	err := applyEnvOverrides(&cfg, lookup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BROKER_MAX_SESSIONS")
	assert.Contains(t, err.Error(), "BROKER_STARTUP_TIMEOUT")
}
