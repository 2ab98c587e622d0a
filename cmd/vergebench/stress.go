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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/verge/pkg/config"
	"github.com/AleutianAI/verge/pkg/executor"
	"github.com/AleutianAI/verge/pkg/store"
	"github.com/AleutianAI/verge/pkg/telemetry"
	"github.com/AleutianAI/verge/pkg/ux"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const benchTracer = "verge.bench"

// benchState is the value committed by every subcommand.
type benchState struct {
	Count  int
	Writer int
	Label  string
}

type stressOptions struct {
	Writers     int
	Commits     int
	Subscribers int
	Serial      bool
}

type stressResult struct {
	Writers      int           `json:"writers"`
	Commits      int           `json:"commits_per_writer"`
	Subscribers  int           `json:"subscribers"`
	FinalVersion uint64        `json:"final_version"`
	FinalCount   int           `json:"final_count"`
	Deliveries   int64         `json:"deliveries"`
	Inversions   int           `json:"inversions_recovered"`
	Regressions  int64         `json:"regressions_observed"`
	LastSeen     []uint64      `json:"last_seen"`
	Warnings     int           `json:"warnings_logged"`
	Elapsed      time.Duration `json:"elapsed_ns"`
}

func newStressCmd(a *app) *cobra.Command {
	opts := stressOptions{}
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Commit concurrently and verify subscribers never observe a regression",
		Long: `Runs --writers goroutines, each issuing --commits increments against one
store, while --subscribers value subscriptions record every version they
receive. With --serial (the default) each subscriber has its own serial
executor, so the observed order is the delivery order.

Examples:
  vergebench stress
  vergebench stress --writers 32 --commits 500 -o json
  vergebench stress --serial=false`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := runStress(cmd.Context(), opts, a.cfg.Store, a.component("stress"))
			if err != nil {
				return err
			}
			res.Warnings = a.warningCount()
			return a.render(cmd.OutOrStdout(), res, res.writeText)
		},
	}
	cmd.Flags().IntVarP(&opts.Writers, "writers", "w", 8, "concurrent committing goroutines")
	cmd.Flags().IntVarP(&opts.Commits, "commits", "n", 1000, "commits per writer")
	cmd.Flags().IntVarP(&opts.Subscribers, "subscribers", "s", 4, "value subscriptions")
	cmd.Flags().BoolVar(&opts.Serial, "serial", true, "give each subscriber a serial executor")
	return cmd
}

type observer struct {
	mu          sync.Mutex
	last        uint64
	deliveries  int64
	regressions int64
}

func (o *observer) see(version uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deliveries++
	if version < o.last {
		o.regressions++
		return
	}
	o.last = version
}

func runStress(ctx context.Context, opts stressOptions, storeCfg config.StoreConfig, logger *slog.Logger) (stressResult, error) {
	if opts.Writers < 1 || opts.Commits < 1 || opts.Subscribers < 0 {
		return stressResult{}, fmt.Errorf("writers and commits must be positive, subscribers non-negative")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := telemetry.StartSpan(ctx, benchTracer, "stress.run", trace.WithAttributes(
		attribute.Int("writers", opts.Writers),
		attribute.Int("commits", opts.Commits),
		attribute.Int("subscribers", opts.Subscribers),
	))
	defer span.End()

	rec := &store.RecordingDiagnostics{}
	s := store.New[benchState, string](benchState{}, benchStoreOptions("stress", storeCfg, logger, rec)...)
	defer s.Close()

	observers := make([]*observer, opts.Subscribers)
	queues := make([]*executor.SerialQueue, 0, opts.Subscribers)
	for i := range observers {
		o := &observer{}
		observers[i] = o
		var exec executor.Executor
		if opts.Serial {
			q := executor.NewSerialQueue(fmt.Sprintf("stress-sub-%d", i))
			queues = append(queues, q)
			exec = q
		}
		s.SubscribeToValue(store.SinkOptions{DropsFirst: true, Executor: exec}, func(snap *store.Snapshot[benchState]) {
			o.see(snap.Version())
		})
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < opts.Writers; w++ {
		g.Go(func() error {
			for i := 0; i < opts.Commits; i++ {
				err := s.CommitContext(gctx, func(mc *store.MutationContext[benchState]) error {
					mc.Update("count", func(v *benchState) { v.Count++ })
					store.Set(mc, "writer", func(v *benchState) *int { return &v.Writer }, w)
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		telemetry.RecordError(span, err)
		return stressResult{}, fmt.Errorf("stress writers: %w", err)
	}
	for _, q := range queues {
		q.Close()
	}
	elapsed := time.Since(start)

	snap := s.Snapshot()
	res := stressResult{
		Writers:      opts.Writers,
		Commits:      opts.Commits,
		Subscribers:  opts.Subscribers,
		FinalVersion: snap.Version(),
		FinalCount:   snap.Value().Count,
		Inversions:   rec.CountRuntimeErrors(store.RuntimeErrorRecoveredFromOlderVersion),
		Elapsed:      elapsed,
	}
	for _, o := range observers {
		o.mu.Lock()
		res.Deliveries += o.deliveries
		res.Regressions += o.regressions
		res.LastSeen = append(res.LastSeen, o.last)
		o.mu.Unlock()
	}
	span.SetAttributes(
		attribute.Int64("final_version", int64(res.FinalVersion)),
		attribute.Int("inversions", res.Inversions),
	)
	return res, nil
}

// benchStoreOptions applies storeCfg over a default name and tees
// diagnostics into rec.
func benchStoreOptions(name string, storeCfg config.StoreConfig, logger *slog.Logger, rec *store.RecordingDiagnostics) []store.Option {
	if logger == nil {
		logger = slog.Default()
	}
	opts := append([]store.Option{store.WithName(name)}, storeCfg.Options(logger)...)
	return append(opts, store.WithDiagnostics(store.MultiDiagnostics(
		rec,
		store.NewSlogDiagnostics(logger, storeCfg.DiagnosticsRatePerSecond),
	)))
}

func (r stressResult) writeText(p *ux.Printer) {
	p.Title("stress")
	p.Field("writers", fmt.Sprintf("%d x %d commits", r.Writers, r.Commits))
	p.Field("final", fmt.Sprintf("version %d, count %d", r.FinalVersion, r.FinalCount))
	p.Field("subscribers", fmt.Sprintf("%d (%d deliveries)", r.Subscribers, r.Deliveries))
	p.Field("inversions", fmt.Sprintf("%d recovered", r.Inversions))
	p.Field("warnings", r.Warnings)
	p.Field("elapsed", r.Elapsed)
	p.Check(r.Regressions == 0, fmt.Sprintf("%d regressions observed", r.Regressions))
}
