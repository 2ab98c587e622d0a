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
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/AleutianAI/verge/pkg/store"
	"golang.org/x/sync/singleflight"
)

type closer interface{ Close() }

// memoKey identifies a projection. Identifiers are only unique per
// Counter, and one Counter may serve projections of different types.
type memoKey struct {
	counter *Counter
	id      uint64
	output  reflect.Type
}

func keyOf[V, D any](mm MemoizeMap[V, D]) memoKey {
	return memoKey{counter: mm.counter, id: mm.identifier, output: reflect.TypeFor[D]()}
}

func (k memoKey) String() string {
	return fmt.Sprintf("%p/%d/%v", k.counter, k.id, k.output)
}

// Registry caches Derived instances of one upstream store by MemoizeMap
// identity.
//
// Thread Safety: Safe for concurrent use. Concurrent first lookups of the
// same identifier create a single Derived.
type Registry[V, A any] struct {
	upstream *store.Store[V, A]
	logger   *slog.Logger
	group    singleflight.Group

	mu     sync.Mutex
	cache  map[memoKey]closer
	closed bool
}

// NewRegistry creates an empty registry for upstream.
func NewRegistry[V, A any](upstream *store.Store[V, A]) *Registry[V, A] {
	return &Registry[V, A]{
		upstream: upstream,
		logger:   slog.Default().With(slog.String("component", "derived_registry"), slog.String("upstream", upstream.Name())),
		cache:    make(map[memoKey]closer),
	}
}

// Get returns the cached Derived for mm, creating it on first use. opts
// apply only when the instance is created.
//
// Outputs:
//
//	*Derived[D] - Shared instance. Do not Close it directly; close the
//	              registry instead.
//	error       - store.ErrStoreClosed after Close.
func Get[V, A, D any](r *Registry[V, A], mm MemoizeMap[V, D], opts ...Option[D]) (*Derived[D], error) {
	key := keyOf(mm)
	if d, ok := r.lookup(key); ok {
		registryLookupsTotal.WithLabelValues("hit").Inc()
		return d.(*Derived[D]), nil
	}

	v, err, shared := r.group.Do(key.String(), func() (any, error) {
		if d, ok := r.lookup(key); ok {
			return d, nil
		}
		d := NewDerived(r.upstream, mm, opts...)

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			d.Close()
			return nil, store.ErrStoreClosed
		}
		r.cache[key] = d
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	registryLookupsTotal.WithLabelValues("miss").Inc()
	r.logger.Debug("derived resolved",
		slog.Uint64("memoize_id", key.id),
		slog.String("output", key.output.String()),
		slog.Bool("shared", shared),
	)
	return v.(*Derived[D]), nil
}

func (r *Registry[V, A]) lookup(key memoKey) (closer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.cache[key]
	return d, ok
}

// Len returns the number of cached instances.
func (r *Registry[V, A]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

// Close closes every cached Derived. Later Get calls fail.
func (r *Registry[V, A]) Close() {
	r.mu.Lock()
	cached := r.cache
	r.cache = make(map[memoKey]closer)
	r.closed = true
	r.mu.Unlock()

	for _, d := range cached {
		d.Close()
	}
}
