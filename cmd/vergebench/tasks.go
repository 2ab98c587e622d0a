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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/verge/pkg/config"
	"github.com/AleutianAI/verge/pkg/store"
	"github.com/AleutianAI/verge/pkg/taskqueue"
	"github.com/AleutianAI/verge/pkg/ux"
	"github.com/spf13/cobra"
)

type tasksOptions struct {
	Tasks int
	Keys  int
	Mode  string
	Work  time.Duration
}

type tasksResult struct {
	Mode       string        `json:"mode"`
	Scheduled  int           `json:"scheduled"`
	Succeeded  int           `json:"succeeded"`
	Canceled   int           `json:"canceled"`
	Failed     int           `json:"failed"`
	FinalCount int           `json:"final_count"`
	Elapsed    time.Duration `json:"elapsed_ns"`
}

func newTasksCmd(a *app) *cobra.Command {
	opts := tasksOptions{}
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Schedule keyed tasks and report how many ran or were canceled",
		Long: `Schedules --tasks operations spread over --keys keys on a store's task
scheduler. Each operation waits --work and then commits an increment.

With --mode replace, a new task cancels whatever is running or pending for
its key, so most tasks end canceled. With --mode enqueue_after_current they
run one after another per key.

Examples:
  vergebench tasks --tasks 100 --mode replace
  vergebench tasks --tasks 20 --keys 4 --mode enqueue_after_current --work 5ms`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := runTasks(cmd.Context(), opts, a.cfg, a.component("tasks"))
			if err != nil {
				return err
			}
			return a.render(cmd.OutOrStdout(), res, res.writeText)
		},
	}
	cmd.Flags().IntVarP(&opts.Tasks, "tasks", "t", 50, "tasks to schedule")
	cmd.Flags().IntVarP(&opts.Keys, "keys", "k", 1, "distinct task keys")
	cmd.Flags().StringVarP(&opts.Mode, "mode", "m", taskqueue.ModeReplace.String(), "replace or enqueue_after_current")
	cmd.Flags().DurationVar(&opts.Work, "work", 2*time.Millisecond, "time each task spends before committing")
	return cmd
}

func parseMode(s string) (taskqueue.Mode, error) {
	for _, m := range []taskqueue.Mode{taskqueue.ModeReplace, taskqueue.ModeEnqueueAfterCurrent} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown task mode %q", s)
}

func runTasks(ctx context.Context, opts tasksOptions, cfg config.Config, logger *slog.Logger) (tasksResult, error) {
	mode, err := parseMode(opts.Mode)
	if err != nil {
		return tasksResult{}, err
	}
	if opts.Tasks < 1 || opts.Keys < 1 {
		return tasksResult{}, fmt.Errorf("tasks and keys must be positive")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rec := &store.RecordingDiagnostics{}
	storeOpts := append(benchStoreOptions("tasks", cfg.Store, logger, rec), store.WithTaskConfig(cfg.Tasks))
	s := store.New[benchState, string](benchState{}, storeOpts...)
	defer s.Close()

	keys := make([]taskqueue.Key, opts.Keys)
	for i := range keys {
		keys[i] = taskqueue.NewKey(fmt.Sprintf("bench-%d", i))
	}

	start := time.Now()
	tasks := make([]*taskqueue.Task, 0, opts.Tasks)
	for i := 0; i < opts.Tasks; i++ {
		t, err := s.Task(keys[i%len(keys)], mode, func(tctx context.Context) error {
			select {
			case <-time.After(opts.Work):
			case <-tctx.Done():
				return tctx.Err()
			}
			return s.CommitContext(tctx, func(mc *store.MutationContext[benchState]) error {
				mc.Update("count", func(v *benchState) { v.Count++ })
				return nil
			})
		})
		if err != nil {
			return tasksResult{}, fmt.Errorf("schedule task %d: %w", i, err)
		}
		tasks = append(tasks, t)
	}

	res := tasksResult{Mode: mode.String(), Scheduled: len(tasks)}
	for _, t := range tasks {
		switch err := t.Wait(ctx); {
		case err == nil:
			res.Succeeded++
		case errors.Is(err, taskqueue.ErrCanceled):
			res.Canceled++
		case ctx.Err() != nil:
			return res, ctx.Err()
		default:
			res.Failed++
			logger.Warn("task failed", slog.String("task_id", t.ID()), slog.String("error", err.Error()))
		}
	}
	res.Elapsed = time.Since(start)
	res.FinalCount = s.Value().Count
	return res, nil
}

func (r tasksResult) writeText(p *ux.Printer) {
	p.Title("tasks")
	p.Field("mode", r.Mode)
	p.Field("scheduled", r.Scheduled)
	p.Field("succeeded", r.Succeeded)
	p.Field("canceled", r.Canceled)
	p.Field("count", r.FinalCount)
	p.Field("elapsed", r.Elapsed)
	p.Check(r.Failed == 0, fmt.Sprintf("%d failed", r.Failed))
}
