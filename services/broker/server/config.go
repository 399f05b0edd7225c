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
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianBroker/services/broker/interpreter"
	"github.com/AleutianAI/AleutianBroker/services/broker/telemetry"
)

// configValidate validates Config. Initialized in init() with custom
// validators.
var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
	_ = configValidate.RegisterValidation("majorminor", validateMajorMinor)
}

// validateMajorMinor accepts "MAJOR.MINOR" version bounds.
func validateMajorMinor(fl validator.FieldLevel) bool {
	_, err := interpreter.ParseMajorMinor(fl.Field().String())
	return err == nil
}

// Config configures the remote broker service.
type Config struct {
	// Listen is the HTTP listen address. Default: 127.0.0.1:8743
	Listen string `yaml:"listen" validate:"required,hostname_port"`

	// HostPath is the worker executable. Default: hostworker
	HostPath string `yaml:"host_path" validate:"required"`

	// WorkerEnv holds extra KEY=VALUE entries for every worker.
	WorkerEnv []string `yaml:"worker_env"`

	// MinVersion and MaxVersion bound interpreter selection.
	MinVersion string `yaml:"min_version" validate:"required,majorminor"`
	MaxVersion string `yaml:"max_version" validate:"required,majorminor"`

	// InterpreterRoots are extra directories searched for installations.
	InterpreterRoots []string `yaml:"interpreter_roots"`

	// TokenFile enables token sign-in. Empty runs in local single-user mode.
	TokenFile string `yaml:"token_file"`

	// MaxSessions caps concurrently hosted sessions. Default: 16
	MaxSessions int `yaml:"max_sessions" validate:"gte=1"`

	// SessionStartRate is the sustained session starts per second.
	// Default: 2
	SessionStartRate float64 `yaml:"session_start_rate" validate:"gt=0"`

	// SessionStartBurst is the start burst size. Default: 4
	SessionStartBurst int `yaml:"session_start_burst" validate:"gte=1"`

	// StartupTimeout bounds worker startup. Default: 30s
	StartupTimeout time.Duration `yaml:"startup_timeout" validate:"gt=0"`

	// StopGrace is how long a worker may take to exit after stdin closes.
	// Default: 5s
	StopGrace time.Duration `yaml:"stop_grace" validate:"gt=0"`

	// ShutdownTimeout bounds graceful HTTP shutdown. Default: 10s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`

	// MaxFrameSize caps one protocol frame. Default: 64 MiB
	MaxFrameSize int `yaml:"max_frame_size" validate:"gte=1024"`

	// GinMode is "debug", "release" or "test". Default: release
	GinMode string `yaml:"gin_mode" validate:"omitempty,oneof=debug release test"`

	// Log configures the process logger.
	Log LogConfig `yaml:"log"`

	// Telemetry configures tracing and metrics export.
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() Config {
	return applyConfigDefaults(Config{})
}

// LoadConfig reads a YAML configuration file, applies defaults and
// BROKER_* environment overrides, then validates the result. An empty
// path skips the file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg = applyConfigDefaults(cfg)
	if err := applyEnvOverrides(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints and the version range.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !c.VersionRange().Valid() {
		return fmt.Errorf("invalid config: min_version %s exceeds max_version %s", c.MinVersion, c.MaxVersion)
	}
	return nil
}

// VersionRange returns the configured interpreter range. Unparseable
// bounds fall back to the defaults; Validate reports them.
func (c Config) VersionRange() interpreter.SupportedVersionRange {
	rng := interpreter.DefaultSupportedRange
	if mm, err := interpreter.ParseMajorMinor(c.MinVersion); err == nil {
		rng.Min = mm
	}
	if mm, err := interpreter.ParseMajorMinor(c.MaxVersion); err == nil {
		rng.Max = mm
	}
	return rng
}

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:8743"
	}
	if cfg.HostPath == "" {
		cfg.HostPath = "hostworker"
	}
	if cfg.MinVersion == "" {
		cfg.MinVersion = interpreter.DefaultSupportedRange.Min.String()
	}
	if cfg.MaxVersion == "" {
		cfg.MaxVersion = interpreter.DefaultSupportedRange.Max.String()
	}
	if cfg.MaxSessions == 0 {
		cfg.MaxSessions = 16
	}
	if cfg.SessionStartRate == 0 {
		cfg.SessionStartRate = 2
	}
	if cfg.SessionStartBurst == 0 {
		cfg.SessionStartBurst = 4
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 30 * time.Second
	}
	if cfg.StopGrace == 0 {
		cfg.StopGrace = 5 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = 64 << 20
	}
	if cfg.GinMode == "" {
		cfg.GinMode = "release"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry = mergeTelemetry(cfg.Telemetry, telemetry.DefaultConfig())
	}
	return cfg
}

func mergeTelemetry(cfg, d telemetry.Config) telemetry.Config {
	cfg.ServiceName = d.ServiceName
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = d.ServiceVersion
	}
	if cfg.Environment == "" {
		cfg.Environment = d.Environment
	}
	if cfg.TraceExporter == "" {
		cfg.TraceExporter = d.TraceExporter
	}
	if cfg.MetricExporter == "" {
		cfg.MetricExporter = d.MetricExporter
	}
	if cfg.OTLPEndpoint == "" {
		cfg.OTLPEndpoint = d.OTLPEndpoint
	}
	return cfg
}

// applyEnvOverrides applies BROKER_* variables on top of cfg.
func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("BROKER_LISTEN", &cfg.Listen)
	str("BROKER_HOST_PATH", &cfg.HostPath)
	str("BROKER_TOKEN_FILE", &cfg.TokenFile)
	str("BROKER_MIN_VERSION", &cfg.MinVersion)
	str("BROKER_MAX_VERSION", &cfg.MaxVersion)
	str("BROKER_LOG_LEVEL", &cfg.Log.Level)
	str("BROKER_LOG_DIR", &cfg.Log.Dir)
	num("BROKER_MAX_SESSIONS", &cfg.MaxSessions)
	dur("BROKER_STARTUP_TIMEOUT", &cfg.StartupTimeout)
	if v, ok := lookup("BROKER_INTERPRETER_ROOTS"); ok && v != "" {
		cfg.InterpreterRoots = strings.Split(v, string(os.PathListSeparator))
	}
	return errors.Join(errs...)
}
