// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("verge.store")

var (
	commitsTotal        metric.Int64Counter
	noopCommitsTotal    metric.Int64Counter
	abortedCommitsTotal metric.Int64Counter
	commitDuration      metric.Float64Histogram
	inversionsTotal     metric.Int64Counter
	recursiveTotal      metric.Int64Counter
	activitiesTotal     metric.Int64Counter
	subscriptionsActive metric.Int64UpDownCounter

	metricsOnce sync.Once
	metricsErr  error
)

var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled turns store metric recording on or off process-wide.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error
		if commitsTotal, err = meter.Int64Counter("verge.store.commits",
			metric.WithDescription("Commits that produced a new snapshot")); err != nil {
			metricsErr = err
			return
		}
		if noopCommitsTotal, err = meter.Int64Counter("verge.store.noop_commits",
			metric.WithDescription("Commits whose mutation wrote nothing")); err != nil {
			metricsErr = err
			return
		}
		if abortedCommitsTotal, err = meter.Int64Counter("verge.store.aborted_commits",
			metric.WithDescription("Commits aborted by a mutation error")); err != nil {
			metricsErr = err
			return
		}
		if commitDuration, err = meter.Float64Histogram("verge.store.commit_duration",
			metric.WithDescription("Time spent inside the commit critical section"),
			metric.WithUnit("ms")); err != nil {
			metricsErr = err
			return
		}
		if inversionsTotal, err = meter.Int64Counter("verge.store.inversions",
			metric.WithDescription("Out-of-order deliveries recovered by a subscription")); err != nil {
			metricsErr = err
			return
		}
		if recursiveTotal, err = meter.Int64Counter("verge.store.reentrant_commits",
			metric.WithDescription("Commits issued from inside another commit's notifications")); err != nil {
			metricsErr = err
			return
		}
		if activitiesTotal, err = meter.Int64Counter("verge.store.activities",
			metric.WithDescription("Activities emitted")); err != nil {
			metricsErr = err
			return
		}
		subscriptionsActive, metricsErr = meter.Int64UpDownCounter("verge.store.subscriptions",
			metric.WithDescription("Live value, event and activity subscriptions"))
	})
	return metricsErr
}

func metricsReady() bool {
	return metricsEnabled.Load() && initMetrics() == nil
}

func recordCommit(ctx context.Context, store string, elapsed time.Duration) {
	if !metricsReady() {
		return
	}
	attrs := metric.WithAttributes(attribute.String("store", store))
	commitsTotal.Add(ctx, 1, attrs)
	commitDuration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
}

func recordNoopCommit(ctx context.Context, store string) {
	if !metricsReady() {
		return
	}
	noopCommitsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("store", store)))
}

func recordAbortedCommit(ctx context.Context, store string) {
	if !metricsReady() {
		return
	}
	abortedCommitsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("store", store)))
}

func recordRuntimeError(store string, kind RuntimeErrorKind) {
	if !metricsReady() {
		return
	}
	attrs := metric.WithAttributes(attribute.String("store", store))
	switch kind {
	case RuntimeErrorRecoveredFromOlderVersion:
		inversionsTotal.Add(context.Background(), 1, attrs)
	case RuntimeErrorRecursiveCommit:
		recursiveTotal.Add(context.Background(), 1, attrs)
	}
}

func recordActivity(store string) {
	if !metricsReady() {
		return
	}
	activitiesTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("store", store)))
}

func recordSubscriptions(store string, delta int64) {
	if !metricsReady() {
		return
	}
	subscriptionsActive.Add(context.Background(), delta, metric.WithAttributes(attribute.String("store", store)))
}
