// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package derived projects a store's value into a second, read-only store
// that updates through the normal commit pipeline.
//
// A MemoizeMap describes the projection: how to compute the initial value,
// how to compute an update from an upstream snapshot, and which upstream
// snapshots can be skipped without computing anything. NewDerived wires a
// MemoizeMap to an upstream store; a Registry caches Derived instances by
// MemoizeMap identity so identical projections share one subscription.
//
//	ids := derived.NewCounter()
//	users := store.New[Users, struct{}](Users{})
//	count := derived.MapPaths(ids, func(u Users) int { return len(u.ByID) }, "by_id")
//	d := derived.NewDerived(users, count)
//	defer d.Close()
//	d.SubscribeToValue(store.SinkOptions{}, func(s *store.Snapshot[int]) { ... })
package derived

import "sync/atomic"

// Counter hands out MemoizeMap identifiers. Identifiers are unique per
// Counter only; share one Counter between projections that should be
// told apart by a Registry.
//
// Thread Safety: Safe for concurrent use.
type Counter struct {
	n atomic.Uint64
}

// NewCounter returns a counter starting at 1.
func NewCounter() *Counter { return &Counter{} }

// Next returns the next identifier.
func (c *Counter) Next() uint64 { return c.n.Add(1) }

func mustCounter(c *Counter) *Counter {
	if c == nil {
		panic("derived: MemoizeMap requires a non-nil *Counter")
	}
	return c
}
