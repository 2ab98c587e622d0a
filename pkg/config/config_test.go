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
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/AleutianAI/verge/pkg/logging"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"VERGE_STORE_NAME", "VERGE_DETECT_REENTRANCY", "VERGE_CHECK_DELIVERY_ORDER",
		"VERGE_DIAGNOSTICS_RATE", "VERGE_MAX_QUEUES", "VERGE_LOG_LEVEL", "VERGE_LOG_DIR",
		"VERGE_LOG_JSON", "VERGE_SERVICE_NAME", "VERGE_TRACE_EXPORTER", "VERGE_METRIC_EXPORTER",
		"VERGE_PROMETHEUS_PORT", "OTEL_TRACES_EXPORTER", "OTEL_METRICS_EXPORTER",
	} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	clearEnv(t)
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if !cfg.Store.DetectReentrancy || !cfg.Store.CheckDeliveryOrder {
		t.Error("sanitizer checks should be enabled by default")
	}
	if cfg.Store.DiagnosticsRatePerSecond != 10 {
		t.Errorf("DiagnosticsRatePerSecond = %v, want 10", cfg.Store.DiagnosticsRatePerSecond)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
	if cfg.Tasks.TracerName != "verge.taskqueue" {
		t.Errorf("Tasks.TracerName = %q", cfg.Tasks.TracerName)
	}
}

func TestConfig_Validate(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name      string
		modify    func(*Config)
		wantError bool
	}{
		{"valid default config", func(*Config) {}, false},
		{"negative diagnostics rate", func(c *Config) { c.Store.DiagnosticsRatePerSecond = -1 }, true},
		{"negative max queues", func(c *Config) { c.Tasks.MaxQueues = -2 }, true},
		{"unknown log level", func(c *Config) { c.Logging.Level = "verbose" }, true},
		{"uppercase log level", func(c *Config) { c.Logging.Level = "DEBUG" }, false},
		{"missing service", func(c *Config) { c.Logging.Service = "" }, true},
		{"unknown trace exporter", func(c *Config) { c.Telemetry.TraceExporter = "zipkin" }, true},
		{"port out of range", func(c *Config) { c.Telemetry.PrometheusPort = 70000 }, true},
		{"long store name", func(c *Config) { c.Store.Name = string(make([]byte, 200)) }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantError {
				t.Errorf("Validate() error = %v, wantError %v", err, tt.wantError)
			}
		})
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Logging.Service != "verge" {
		t.Errorf("Logging.Service = %q, want verge", cfg.Logging.Service)
	}
}

func TestLoad_YAML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "verge.yaml", `
store:
  name: cart
  check_delivery_order: false
  diagnostics_rate_per_second: 2.5
tasks:
  max_queues: 16
logging:
  level: debug
telemetry:
  metric_exporter: none
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Store.Name != "cart" {
		t.Errorf("Store.Name = %q, want cart", cfg.Store.Name)
	}
	if cfg.Store.CheckDeliveryOrder {
		t.Error("CheckDeliveryOrder should be false from file")
	}
	if !cfg.Store.DetectReentrancy {
		t.Error("DetectReentrancy should keep its default")
	}
	if cfg.Store.DiagnosticsRatePerSecond != 2.5 {
		t.Errorf("DiagnosticsRatePerSecond = %v", cfg.Store.DiagnosticsRatePerSecond)
	}
	if cfg.Tasks.MaxQueues != 16 {
		t.Errorf("Tasks.MaxQueues = %d, want 16", cfg.Tasks.MaxQueues)
	}
	if cfg.Tasks.TracerName != "verge.taskqueue" {
		t.Errorf("Tasks.TracerName = %q, want default", cfg.Tasks.TracerName)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
	if cfg.Telemetry.MetricExporter != "none" {
		t.Errorf("Telemetry.MetricExporter = %q", cfg.Telemetry.MetricExporter)
	}
}

func TestLoad_JSON(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "verge.json", `{"store": {"name": "json-store"}, "tasks": {"max_queues": 3}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Store.Name != "json-store" || cfg.Tasks.MaxQueues != 3 {
		t.Errorf("unexpected config: %+v", cfg)
	}
}

func TestLoad_InvalidFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "bad.yaml", "store: [unterminated\n")
	if _, err := Load(path); err == nil {
		t.Error("Load() should fail on unparseable file")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "bad.yaml", "logging:\n  level: loud\n")
	if _, err := Load(path); err == nil {
		t.Error("Load() should fail validation")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "verge.yaml", "store:\n  name: from-file\ntasks:\n  max_queues: 4\n")

	t.Setenv("VERGE_STORE_NAME", "from-env")
	t.Setenv("VERGE_MAX_QUEUES", "9")
	t.Setenv("VERGE_DETECT_REENTRANCY", "false")
	t.Setenv("VERGE_LOG_LEVEL", "warn")
	t.Setenv("VERGE_LOG_JSON", "1")
	t.Setenv("VERGE_SERVICE_NAME", "bench")
	t.Setenv("VERGE_METRIC_EXPORTER", "stdout")
	t.Setenv("VERGE_PROMETHEUS_PORT", "9191")
	t.Setenv("VERGE_DIAGNOSTICS_RATE", "not-a-number")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Store.Name != "from-env" {
		t.Errorf("Store.Name = %q, want from-env", cfg.Store.Name)
	}
	if cfg.Tasks.MaxQueues != 9 {
		t.Errorf("Tasks.MaxQueues = %d, want 9", cfg.Tasks.MaxQueues)
	}
	if cfg.Store.DetectReentrancy {
		t.Error("DetectReentrancy should be false from env")
	}
	if cfg.Logging.Level != "warn" || !cfg.Logging.JSON {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.Logging.Service != "bench" || cfg.Telemetry.ServiceName != "bench" {
		t.Errorf("service name not applied: %q / %q", cfg.Logging.Service, cfg.Telemetry.ServiceName)
	}
	if cfg.Telemetry.MetricExporter != "stdout" || cfg.Telemetry.PrometheusPort != 9191 {
		t.Errorf("Telemetry = %+v", cfg.Telemetry)
	}
	if cfg.Store.DiagnosticsRatePerSecond != 10 {
		t.Errorf("unparseable env should be ignored, got %v", cfg.Store.DiagnosticsRatePerSecond)
	}
}

func TestStoreConfig_Conversions(t *testing.T) {
	sc := StoreConfig{Name: "cart", DetectReentrancy: true}
	san := sc.Sanitizer()
	if !san.DetectReentrancy || san.CheckDeliveryOrder {
		t.Errorf("Sanitizer() = %+v", san)
	}
	if got := len(sc.Options(slog.Default())); got != 4 {
		t.Errorf("Options() returned %d options, want 4", got)
	}
	if got := len(StoreConfig{}.Options(nil)); got != 3 {
		t.Errorf("Options() without name returned %d options, want 3", got)
	}
}

func TestLoggingConfig_LoggerConfig(t *testing.T) {
	lc := LoggingConfig{Level: "error", Dir: "/tmp/x", Service: "svc", JSON: true}
	got := lc.LoggerConfig()
	if got.Level != logging.LevelError || got.LogDir != "/tmp/x" || got.Service != "svc" || !got.JSON {
		t.Errorf("LoggerConfig() = %+v", got)
	}
	if (LoggingConfig{Level: "bogus"}).LoggerConfig().Level != logging.LevelInfo {
		t.Error("unparseable level should fall back to info")
	}
}
