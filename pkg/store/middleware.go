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

// Middleware runs inside the commit critical section after the mutation
// has been judged modified. It may apply further writes through mc.
//
// current is an intermediate snapshot built from the working copy and
// the paths accumulated so far; its Previous is the pre-transaction
// snapshot. Middleware must not block.
type Middleware[V any] interface {
	Modify(mc *MutationContext[V], current *Snapshot[V])
}

// MiddlewareFunc adapts a function to Middleware.
type MiddlewareFunc[V any] func(mc *MutationContext[V], current *Snapshot[V])

// Modify calls f.
func (f MiddlewareFunc[V]) Modify(mc *MutationContext[V], current *Snapshot[V]) { f(mc, current) }

// Reducer is an optional hook on the value type. When V implements it,
// Reduce runs once per modified commit, before any middleware, with the
// pre-transaction snapshot.
type Reducer[V any] interface {
	Reduce(mc *MutationContext[V], current *Snapshot[V])
}

// Cloner is an optional hook on the value type. When V implements it, the
// working copy for each commit is obtained from Clone instead of a plain
// assignment, letting values with reference fields copy them deeply.
type Cloner[V any] interface {
	Clone() V
}

func reducerOf[V any](v *V) (Reducer[V], bool) {
	if r, ok := any(*v).(Reducer[V]); ok {
		return r, true
	}
	r, ok := any(v).(Reducer[V])
	return r, ok
}

func cloneValue[V any](v V) V {
	if c, ok := any(v).(Cloner[V]); ok {
		return c.Clone()
	}
	if c, ok := any(&v).(Cloner[V]); ok {
		return c.Clone()
	}
	return v
}
