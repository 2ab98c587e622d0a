// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/AleutianAI/verge/pkg/config"
	"github.com/AleutianAI/verge/pkg/logging"
	"github.com/AleutianAI/verge/pkg/telemetry"
	"github.com/AleutianAI/verge/pkg/ux"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// app carries state shared by every subcommand.
type app struct {
	configPath string
	logLevel   string
	output     string
	telemetry  bool

	cfg        config.Config
	logger     *logging.Logger
	warnings   *logging.BufferedExporter
	shutdown   func(context.Context) error
	metricsSrv *http.Server
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "vergebench",
		Short:         "Load and ordering checks for verge stores",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Context(), cmd.ErrOrStderr())
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.teardown()
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "YAML or JSON config file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	root.PersistentFlags().StringVarP(&a.output, "output", "o", "text", "result format: text or json")
	root.PersistentFlags().BoolVar(&a.telemetry, "telemetry", false, "initialize OpenTelemetry exporters from config")

	root.AddCommand(
		newStressCmd(a),
		newTasksCmd(a),
		newDerivedCmd(a),
		newConfigCmd(a),
	)
	return root
}

func (a *app) setup(ctx context.Context, stderr io.Writer) error {
	if a.output != "text" && a.output != "json" {
		return fmt.Errorf("unknown output format %q", a.output)
	}

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid --log-level: %w", err)
		}
	}
	a.cfg = cfg

	lc := cfg.Logging.LoggerConfig()
	lc.Output = stderr
	a.warnings = logging.NewBufferedExporter(logging.LevelWarn)
	lc.Exporter = a.warnings
	if f, ok := stderr.(*os.File); ok && !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd()) {
		lc.JSON = true
	}
	a.logger = logging.New(lc)
	slog.SetDefault(a.logger.Slog())

	if !a.telemetry {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	a.shutdown = shutdown

	if port := cfg.Telemetry.PrometheusPort; port > 0 {
		a.serveMetrics(port)
	}
	return nil
}

func (a *app) serveMetrics(port int) {
	handler := telemetry.MetricsHandler()
	if handler == nil {
		handler = promhttp.Handler()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	a.metricsSrv = &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(port)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	a.logger.Info("serving metrics", slog.Int("port", port))
}

func (a *app) teardown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if a.metricsSrv != nil {
		errs = append(errs, a.metricsSrv.Shutdown(ctx))
	}
	if a.shutdown != nil {
		errs = append(errs, a.shutdown(ctx))
	}
	if a.logger != nil {
		errs = append(errs, a.logger.Close())
	}
	return errors.Join(errs...)
}

// warningCount returns how many warn or error records were logged since
// setup.
func (a *app) warningCount() int {
	if a.warnings == nil {
		return 0
	}
	return a.warnings.Count(logging.LevelWarn) + a.warnings.Count(logging.LevelError)
}

// component returns a logger tagged for one subcommand.
func (a *app) component(name string) *slog.Logger {
	if a.logger == nil {
		return slog.Default().With(slog.String("component", name))
	}
	return a.logger.Component(name)
}

// render writes v as indented JSON, or through text with a printer
// styled for w.
func (a *app) render(w io.Writer, v any, text func(*ux.Printer)) error {
	if a.output == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(ux.NewPrinter(w, ux.DetectMode(w)))
	return nil
}
