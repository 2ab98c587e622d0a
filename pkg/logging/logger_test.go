// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(42), "UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{" warning ", LevelWarn, false},
		{"warn", LevelWarn, false},
		{"Error", LevelError, false},
		{"verbose", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestFromSlogLevel_RoundTrip(t *testing.T) {
	for _, l := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		if got := fromSlogLevel(l.toSlogLevel()); got != l {
			t.Errorf("fromSlogLevel(%v.toSlogLevel()) = %v", l, got)
		}
	}
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestNew_TextOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Service: "vergebench", Output: &buf})
	defer logger.Close()

	logger.Info("store created", "store", "counter")
	out := buf.String()
	for _, want := range []string{"store created", "store=counter", "service=vergebench"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %s", want, out)
		}
	}
}

func TestNew_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{JSON: true, Output: &buf})
	defer logger.Close()

	logger.Warn("delivery inversion", "received", 3, "last", 5)
	if !strings.Contains(buf.String(), `"msg":"delivery inversion"`) {
		t.Errorf("expected JSON output, got: %s", buf.String())
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Output: &buf})
	defer logger.Close()

	logger.Debug("debug line")
	logger.Info("info line")
	logger.Warn("warn line")
	logger.Error("error line")

	out := buf.String()
	if strings.Contains(out, "debug line") || strings.Contains(out, "info line") {
		t.Errorf("records below Warn leaked: %s", out)
	}
	if !strings.Contains(out, "warn line") || !strings.Contains(out, "error line") {
		t.Errorf("records at or above Warn missing: %s", out)
	}
}

func TestLogger_QuietWithoutDestinations(t *testing.T) {
	logger := New(Config{Quiet: true})
	defer logger.Close()
	// Must not panic and must not write anywhere.
	logger.Error("nobody hears this")
	if logger.Slog().Enabled(context.Background(), slog.LevelError) {
		t.Error("quiet logger with no destinations should be disabled")
	}
}

func TestLogger_WithAndComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf})
	defer logger.Close()

	logger.With("store", "todo").Info("committed")
	logger.Component("taskqueue").Info("queue retired")

	out := buf.String()
	if !strings.Contains(out, "store=todo") {
		t.Errorf("With attrs missing: %s", out)
	}
	if !strings.Contains(out, "component=taskqueue") {
		t.Errorf("component attr missing: %s", out)
	}
}

func TestLogger_FileOutput(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{Quiet: true, LogDir: dir, Service: "verge-test"})
	logger.Info("to file", "version", 7)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "verge-test_*.log"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one log file, got %v (err %v)", matches, err)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"version":7`) {
		t.Errorf("file content missing attribute: %s", data)
	}
}

func TestLogger_FileOutput_InvalidDir(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	logger := New(Config{LogDir: filepath.Join(blocker, "logs"), Output: &buf})
	defer logger.Close()

	if !strings.Contains(buf.String(), "file output disabled") {
		t.Errorf("expected file failure notice, got: %s", buf.String())
	}
	logger.Info("still works")
	if !strings.Contains(buf.String(), "still works") {
		t.Error("console logging should continue after file failure")
	}
}

func TestLogger_Exporter(t *testing.T) {
	exp := NewBufferedExporter(LevelDebug)
	logger := New(Config{Quiet: true, Level: LevelDebug, Service: "svc", Exporter: exp})

	logger.With("store", "counter").Slog().WithGroup("commit").Debug("committed", "version", 3)
	logger.Warn("inversion")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	entries := exp.Entries()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	first := entries[0]
	if first.Service != "svc" || first.Level != LevelDebug || first.Message != "committed" {
		t.Errorf("unexpected first entry: %+v", first)
	}
	if first.Attrs["store"] != "counter" {
		t.Errorf("With attr not exported: %v", first.Attrs)
	}
	if first.Attrs["commit.version"] != int64(3) {
		t.Errorf("grouped attr not exported: %v", first.Attrs)
	}
	if _, ok := first.Attrs["service"]; ok {
		t.Errorf("service should be a field, not an attr: %v", first.Attrs)
	}
	if exp.Count(LevelWarn) != 1 {
		t.Errorf("Count(LevelWarn) = %d, want 1", exp.Count(LevelWarn))
	}
}

type failingExporter struct {
	flushErr error
	closeErr error
}

func (f *failingExporter) Export(context.Context, LogEntry) error { return errors.New("export failed") }
func (f *failingExporter) Flush(context.Context) error           { return f.flushErr }
func (f *failingExporter) Close() error                          { return f.closeErr }

func TestLogger_Close_ExporterErrors(t *testing.T) {
	exp := &failingExporter{flushErr: errors.New("flush failed"), closeErr: errors.New("close failed")}
	logger := New(Config{Quiet: true, Exporter: exp})

	logger.Info("export errors are swallowed")

	err := logger.Close()
	if err == nil || !strings.Contains(err.Error(), "flush failed") {
		t.Errorf("Close() error = %v, want flush failure first", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close() error = %v, want nil", err)
	}
}

func TestLogger_ConcurrentUse(t *testing.T) {
	exp := NewBufferedExporter(LevelDebug)
	logger := New(Config{Quiet: true, Exporter: exp})
	defer logger.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				logger.Info("concurrent", "goroutine", n, "i", j)
			}
		}(i)
	}
	wg.Wait()

	if got := len(exp.Entries()); got != 200 {
		t.Errorf("got %d entries, want 200", got)
	}
}

// =============================================================================
// Helper Tests
// =============================================================================

func TestMultiHandler_FansOut(t *testing.T) {
	var a, b bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&a, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&b, &slog.HandlerOptions{Level: slog.LevelError}),
	}}
	logger := slog.New(h).With("k", "v").WithGroup("g")
	logger.Info("hello", "x", 1)

	if !strings.Contains(a.String(), "g.x=1") || !strings.Contains(a.String(), "k=v") {
		t.Errorf("first handler output unexpected: %s", a.String())
	}
	if b.Len() != 0 {
		t.Errorf("second handler should filter Info: %s", b.String())
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	tests := []struct {
		in   string
		want string
	}{
		{"~/logs", filepath.Join(home, "logs")},
		{"/var/log/verge", "/var/log/verge"},
		{"relative", "relative"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := expandPath(tt.in); got != tt.want {
			t.Errorf("expandPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBufferedExporter_MinLevel(t *testing.T) {
	exp := NewBufferedExporter(LevelWarn)
	logger := New(Config{Quiet: true, Level: LevelDebug, Exporter: exp})

	logger.Debug("seeded")
	logger.Info("committed")
	logger.Warn("inversion")
	logger.Error("stalled")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if got := len(exp.Entries()); got != 2 {
		t.Fatalf("got %d entries, want 2", got)
	}
	if exp.Count(LevelWarn) != 1 || exp.Count(LevelError) != 1 || exp.Count(LevelInfo) != 0 {
		t.Errorf("counts warn=%d error=%d info=%d", exp.Count(LevelWarn), exp.Count(LevelError), exp.Count(LevelInfo))
	}
}

func TestBufferedExporter_EntriesReturnsCopy(t *testing.T) {
	exp := NewBufferedExporter(LevelDebug)
	_ = exp.Export(context.Background(), LogEntry{Message: "a"})
	entries := exp.Entries()
	entries[0].Message = "mutated"
	if exp.Entries()[0].Message != "a" {
		t.Error("Entries() must return a copy")
	}
}
