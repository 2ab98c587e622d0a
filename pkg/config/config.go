// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads verge process configuration.
//
// Priority, lowest first: DefaultConfig, a YAML or JSON file, VERGE_*
// environment variables. The merged result is validated with
// go-playground/validator struct tags.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/AleutianAI/verge/pkg/logging"
	"github.com/AleutianAI/verge/pkg/store"
	"github.com/AleutianAI/verge/pkg/taskqueue"
	"github.com/AleutianAI/verge/pkg/telemetry"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
	_ = configValidate.RegisterValidation("loglevel", validateLogLevel)
}

func validateLogLevel(fl validator.FieldLevel) bool {
	_, err := logging.ParseLevel(fl.Field().String())
	return err == nil
}

// Config is the full process configuration.
type Config struct {
	Store     StoreConfig      `json:"store" yaml:"store"`
	Tasks     taskqueue.Config `json:"tasks" yaml:"tasks"`
	Logging   LoggingConfig    `json:"logging" yaml:"logging"`
	Telemetry telemetry.Config `json:"telemetry" yaml:"telemetry"`
}

// StoreConfig configures stores created by the process.
type StoreConfig struct {
	// Name is the default store name. Empty lets the store use its call site.
	Name string `json:"name" yaml:"name" validate:"max=128"`

	// DetectReentrancy reports commits issued from notification callbacks.
	DetectReentrancy bool `json:"detect_reentrancy" yaml:"detect_reentrancy"`

	// CheckDeliveryOrder reports delivery inversions.
	CheckDeliveryOrder bool `json:"check_delivery_order" yaml:"check_delivery_order"`

	// DiagnosticsRatePerSecond limits anomaly warnings. Zero disables the limit.
	DiagnosticsRatePerSecond float64 `json:"diagnostics_rate_per_second" yaml:"diagnostics_rate_per_second" validate:"gte=0"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level   string `json:"level" yaml:"level" validate:"loglevel"`
	Dir     string `json:"dir" yaml:"dir"`
	Service string `json:"service" yaml:"service" validate:"required"`
	JSON    bool   `json:"json" yaml:"json"`
	Quiet   bool   `json:"quiet" yaml:"quiet"`
}

// DefaultConfig returns a valid configuration with every check enabled.
func DefaultConfig() Config {
	return Config{
		Store: StoreConfig{
			DetectReentrancy:         true,
			CheckDeliveryOrder:       true,
			DiagnosticsRatePerSecond: 10,
		},
		Tasks: taskqueue.DefaultConfig(),
		Logging: LoggingConfig{
			Level:   "info",
			Service: "verge",
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load builds a Config from defaults, the file at path and the
// environment.
//
// Inputs:
//
//	path - YAML or JSON file. Empty or missing is not an error.
//
// Outputs:
//
//	Config - Merged configuration.
//	error  - Non-nil if the file is unreadable or invalid, or validation fails.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	loadEnv(&cfg)
	cfg.Tasks.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

func loadEnv(cfg *Config) {
	// Store
	if v := os.Getenv("VERGE_STORE_NAME"); v != "" {
		cfg.Store.Name = v
	}
	if v := os.Getenv("VERGE_DETECT_REENTRANCY"); v != "" {
		cfg.Store.DetectReentrancy = parseBool(v)
	}
	if v := os.Getenv("VERGE_CHECK_DELIVERY_ORDER"); v != "" {
		cfg.Store.CheckDeliveryOrder = parseBool(v)
	}
	if v := os.Getenv("VERGE_DIAGNOSTICS_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Store.DiagnosticsRatePerSecond = f
		}
	}

	// Tasks
	if v := os.Getenv("VERGE_MAX_QUEUES"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Tasks.MaxQueues = i
		}
	}

	// Logging
	if v := os.Getenv("VERGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("VERGE_LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
	if v := os.Getenv("VERGE_LOG_JSON"); v != "" {
		cfg.Logging.JSON = parseBool(v)
	}

	// Telemetry
	if v := os.Getenv("VERGE_SERVICE_NAME"); v != "" {
		cfg.Telemetry.ServiceName = v
		cfg.Logging.Service = v
	}
	if v := os.Getenv("VERGE_TRACE_EXPORTER"); v != "" {
		cfg.Telemetry.TraceExporter = v
	}
	if v := os.Getenv("VERGE_METRIC_EXPORTER"); v != "" {
		cfg.Telemetry.MetricExporter = v
	}
	if v := os.Getenv("VERGE_PROMETHEUS_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Telemetry.PrometheusPort = i
		}
	}
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// Validate checks struct tags on every section.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return err
	}
	return c.Tasks.Validate()
}

// Sanitizer converts the store section into store.Sanitizer.
func (s StoreConfig) Sanitizer() store.Sanitizer {
	return store.Sanitizer{
		DetectReentrancy:   s.DetectReentrancy,
		CheckDeliveryOrder: s.CheckDeliveryOrder,
	}
}

// Options returns store options for this section. logger may be nil.
func (s StoreConfig) Options(logger *slog.Logger) []store.Option {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []store.Option{
		store.WithSanitizer(s.Sanitizer()),
		store.WithLogger(logger),
		store.WithDiagnostics(store.NewSlogDiagnostics(
			logger.With(slog.String("component", "store")),
			s.DiagnosticsRatePerSecond,
		)),
	}
	if s.Name != "" {
		opts = append(opts, store.WithName(s.Name))
	}
	return opts
}

// LoggerConfig converts the logging section into logging.Config. An
// unparseable level falls back to info.
func (l LoggingConfig) LoggerConfig() logging.Config {
	level, _ := logging.ParseLevel(l.Level)
	return logging.Config{
		Level:   level,
		LogDir:  l.Dir,
		Service: l.Service,
		JSON:    l.JSON,
		Quiet:   l.Quiet,
	}
}
