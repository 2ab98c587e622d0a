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
	"strconv"

	"github.com/AleutianAI/verge/pkg/config"
	"github.com/AleutianAI/verge/pkg/derived"
	"github.com/AleutianAI/verge/pkg/store"
	"github.com/AleutianAI/verge/pkg/ux"
	"github.com/spf13/cobra"
)

type derivedOptions struct {
	Commits int
	Every   int
}

type derivedResult struct {
	UpstreamVersion uint64 `json:"upstream_version"`
	TotalVersion    uint64 `json:"total_version"`
	ParityVersion   uint64 `json:"parity_version"`
	LabelVersion    uint64 `json:"label_version"`
	Total           int    `json:"total"`
	Label           string `json:"label"`
	Cached          int    `json:"cached_projections"`
}

func newDerivedCmd(a *app) *cobra.Command {
	opts := derivedOptions{}
	cmd := &cobra.Command{
		Use:   "derived",
		Short: "Drive derived projections and report how often each recomputed",
		Long: `Commits --commits increments to an upstream store, relabelling it every
--every commits, and reports the version of three projections:

  total   Map over the count, commits on every count change
  parity  chained on total, commits only when parity flips
  label   MapPaths over "label", recomputes only on relabel commits

Examples:
  vergebench derived --commits 100 --every 10`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := runDerived(cmd.Context(), opts, a.cfg.Store, a.component("derived"))
			if err != nil {
				return err
			}
			return a.render(cmd.OutOrStdout(), res, res.writeText)
		},
	}
	cmd.Flags().IntVarP(&opts.Commits, "commits", "n", 100, "upstream commits")
	cmd.Flags().IntVar(&opts.Every, "every", 10, "relabel every N commits")
	return cmd
}

func runDerived(ctx context.Context, opts derivedOptions, storeCfg config.StoreConfig, logger *slog.Logger) (derivedResult, error) {
	if opts.Commits < 0 || opts.Every < 1 {
		return derivedResult{}, fmt.Errorf("commits must be non-negative and every positive")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rec := &store.RecordingDiagnostics{}
	upstream := store.New[benchState, string](benchState{}, benchStoreOptions("derived-upstream", storeCfg, logger, rec)...)
	defer upstream.Close()

	reg := derived.NewRegistry(upstream)
	defer reg.Close()

	counter := derived.NewCounter()
	total, err := derived.Get(reg, derived.Map(counter, func(v benchState) int { return v.Count }),
		derived.WithLogger[int](logger))
	if err != nil {
		return derivedResult{}, err
	}
	label, err := derived.Get(reg, derived.MapPaths(counter, func(v benchState) string { return v.Label }, "label"),
		derived.WithLogger[string](logger))
	if err != nil {
		return derivedResult{}, err
	}
	parity := derived.NewDerived(total.Store, derived.Map(counter, func(n int) bool { return n%2 == 0 }),
		derived.WithLogger[bool](logger))
	defer parity.Close()

	for i := 1; i <= opts.Commits; i++ {
		err := upstream.CommitContext(ctx, func(mc *store.MutationContext[benchState]) error {
			mc.Update("count", func(v *benchState) { v.Count++ })
			if i%opts.Every == 0 {
				store.Set(mc, "label", func(v *benchState) *string { return &v.Label }, "batch-"+strconv.Itoa(i/opts.Every))
			}
			return nil
		})
		if err != nil {
			return derivedResult{}, fmt.Errorf("commit %d: %w", i, err)
		}
	}

	return derivedResult{
		UpstreamVersion: upstream.Snapshot().Version(),
		TotalVersion:    total.Snapshot().Version(),
		ParityVersion:   parity.Snapshot().Version(),
		LabelVersion:    label.Snapshot().Version(),
		Total:           total.Value(),
		Label:           label.Value(),
		Cached:          reg.Len(),
	}, nil
}

func (r derivedResult) writeText(p *ux.Printer) {
	p.Title("derived")
	p.Field("upstream", fmt.Sprintf("version %d", r.UpstreamVersion))
	p.Field("total", fmt.Sprintf("version %d (value %d)", r.TotalVersion, r.Total))
	p.Field("parity", fmt.Sprintf("version %d", r.ParityVersion))
	p.Field("label", fmt.Sprintf("version %d (value %q)", r.LabelVersion, r.Label))
	p.Field("cached", r.Cached)
}
