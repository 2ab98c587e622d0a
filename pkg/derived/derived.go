// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package derived

import (
	"log/slog"
	"reflect"
	"sync"

	"github.com/AleutianAI/verge/pkg/executor"
	"github.com/AleutianAI/verge/pkg/store"
)

type options[D any] struct {
	exec      executor.Executor
	equal     func(a, b D) bool
	logger    *slog.Logger
	storeOpts []store.Option
}

// Option configures NewDerived.
type Option[D any] func(*options[D])

// WithExecutor sets the executor for the upstream subscription. Default
// passthrough.
func WithExecutor[D any](exec executor.Executor) Option[D] {
	return func(o *options[D]) { o.exec = exec }
}

// WithEqual sets the comparison used to drop unchanged outputs. Default
// reflect.DeepEqual.
func WithEqual[D any](equal func(a, b D) bool) Option[D] {
	return func(o *options[D]) { o.equal = equal }
}

// WithLogger sets the logger for the derived store.
func WithLogger[D any](logger *slog.Logger) Option[D] {
	return func(o *options[D]) { o.logger = logger }
}

// WithStoreOptions passes options through to the derived store.
func WithStoreOptions[D any](opts ...store.Option) Option[D] {
	return func(o *options[D]) { o.storeOpts = append(o.storeOpts, opts...) }
}

// Derived is a read-only store whose value is a projection of another
// store. Commit, Send and Task are inherited from the embedded store but
// callers should treat the value as owned by the projection.
type Derived[D any] struct {
	*store.Store[D, struct{}]

	identifier uint64
	logger     *slog.Logger
	upstream   *store.Subscription
	closeOnce  sync.Once

	// lastUpstream is the upstream version last applied. Read and written
	// only inside the derived store's mutations.
	lastUpstream uint64
}

// NewDerived creates a Derived fed by upstream through mm.
//
// Description:
//
//	The derived store is seeded with mm.MakeInitial of upstream's current
//	snapshot, then subscribes to upstream without initial delivery. Each
//	upstream snapshot is passed to mm.MakeResult; a result that differs
//	from the current derived value is committed as a full replacement.
//	Upstream snapshots older than the one last applied are ignored, so
//	the derived value never regresses.
//
// Inputs:
//
//	upstream - Source store.
//	mm       - Projection.
//	opts     - Options.
//
// Outputs:
//
//	*Derived[D] - Call Close to detach from upstream.
func NewDerived[V, A, D any](upstream *store.Store[V, A], mm MemoizeMap[V, D], opts ...Option[D]) *Derived[D] {
	o := options[D]{
		equal:  func(a, b D) bool { return reflect.DeepEqual(a, b) },
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With(
		slog.String("component", "derived"),
		slog.String("upstream", upstream.Name()),
		slog.Uint64("memoize_id", mm.Identifier()),
	)

	seed := upstream.Snapshot()
	storeOpts := append([]store.Option{
		store.WithName(upstream.Name() + "/derived"),
		store.WithLogger(o.logger),
	}, o.storeOpts...)

	d := &Derived[D]{
		Store:        store.New[D, struct{}](mm.MakeInitial(seed), storeOpts...),
		identifier:   mm.Identifier(),
		logger:       logger,
		lastUpstream: seed.Version(),
	}

	apply := func(s *store.Snapshot[V]) {
		next, ok := mm.MakeResult(s)
		if !ok {
			projectionsTotal.WithLabelValues(resultDropped).Inc()
			return
		}
		result := resultUnchanged
		err := d.CommitNamed("derive", func(mc *store.MutationContext[D]) error {
			if s.Version() < d.lastUpstream {
				result = resultStale
				return nil
			}
			d.lastUpstream = s.Version()
			if o.equal(mc.Value(), next) {
				return nil
			}
			mc.Replace(next)
			result = resultCommitted
			return nil
		})
		if err != nil {
			logger.Debug("derived commit skipped", slog.String("error", err.Error()))
			return
		}
		projectionsTotal.WithLabelValues(result).Inc()
	}

	d.upstream = upstream.SubscribeToValue(store.SinkOptions{DropsFirst: true, Executor: o.exec}, apply)

	// Catch a commit that landed between seeding and subscribing.
	if latest := upstream.Snapshot(); latest.Version() > seed.Version() {
		apply(latest.DroppedPrevious())
	}

	logger.Debug("derived created", slog.Uint64("seed_version", seed.Version()))
	return d
}

// Identifier returns the identifier of the MemoizeMap that feeds d.
func (d *Derived[D]) Identifier() uint64 { return d.identifier }

// Close detaches from upstream and closes the derived store. Idempotent.
func (d *Derived[D]) Close() {
	d.closeOnce.Do(func() {
		d.upstream.Cancel()
		d.Store.Close()
		d.logger.Debug("derived closed")
	})
}
