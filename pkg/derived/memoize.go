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

import "github.com/AleutianAI/verge/pkg/store"

// MemoizeMap is a memoized projection from snapshots of V to values of D.
//
// Description:
//
//	Each MemoizeMap carries an identifier taken from a Counter. Two
//	MemoizeMaps with the same Counter, identifier and output type are
//	treated as the same projection by Registry. Derived copies of a MemoizeMap (DropsInput)
//	receive a fresh identifier.
type MemoizeMap[V, D any] struct {
	counter     *Counter
	identifier  uint64
	makeInitial func(*store.Snapshot[V]) D
	update      func(*store.Snapshot[V]) (D, bool)
	dropsInput  func(*store.Snapshot[V]) bool
}

// NewMemoizeMap builds a projection from explicit functions.
//
// Inputs:
//
//	counter     - Identifier source. Must not be nil.
//	makeInitial - Computes the seed value from the upstream snapshot.
//	update      - Computes a new value. Returning false means "no change".
func NewMemoizeMap[V, D any](counter *Counter, makeInitial func(*store.Snapshot[V]) D, update func(*store.Snapshot[V]) (D, bool)) MemoizeMap[V, D] {
	counter = mustCounter(counter)
	return MemoizeMap[V, D]{
		counter:     counter,
		identifier:  counter.Next(),
		makeInitial: makeInitial,
		update:      update,
		dropsInput:  func(*store.Snapshot[V]) bool { return false },
	}
}

// Map recomputes fn for every upstream snapshot. Equal outputs are dropped
// by Derived before they reach its store.
func Map[V, D any](counter *Counter, fn func(V) D) MemoizeMap[V, D] {
	return NewMemoizeMap(counter,
		func(s *store.Snapshot[V]) D { return fn(s.Value()) },
		func(s *store.Snapshot[V]) (D, bool) { return fn(s.Value()), true },
	)
}

// MapPaths is Map that only recomputes when the upstream commit touched
// one of paths.
func MapPaths[V, D any](counter *Counter, fn func(V) D, paths ...string) MemoizeMap[V, D] {
	return Map(counter, fn).DropsInput(func(s *store.Snapshot[V]) bool {
		for _, p := range paths {
			if s.HasChanged(p) {
				return false
			}
		}
		return true
	})
}

// Identifier returns the projection's identity.
func (m MemoizeMap[V, D]) Identifier() uint64 { return m.identifier }

// DropsInput returns a copy that also skips snapshots for which pred
// returns true.
func (m MemoizeMap[V, D]) DropsInput(pred func(*store.Snapshot[V]) bool) MemoizeMap[V, D] {
	prev := m.dropsInput
	m.dropsInput = func(s *store.Snapshot[V]) bool { return prev(s) || pred(s) }
	m.identifier = m.counter.Next()
	return m
}

// MakeInitial computes the seed value.
func (m MemoizeMap[V, D]) MakeInitial(s *store.Snapshot[V]) D { return m.makeInitial(s) }

// MakeResult computes the value for s, or reports false when s is dropped
// or the update function found nothing to change.
func (m MemoizeMap[V, D]) MakeResult(s *store.Snapshot[V]) (D, bool) {
	if m.dropsInput(s) {
		var zero D
		return zero, false
	}
	return m.update(s)
}
