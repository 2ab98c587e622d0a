// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store implements Verge's versioned value container.
//
// A Store holds one value of type V. Callers change it only through
// Commit, which runs a mutation function as an exclusive transaction and,
// if the mutation wrote anything, publishes a new immutable Snapshot with
// the next version number.
//
// # Commit Pipeline
//
//	Commit(fn)
//	    │
//	    ▼  lock
//	┌────────────────────────────────────────────────────────────┐
//	│ copy current value ─► fn(MutationContext) ─► modified? ──no──► return
//	│                                               │ yes
//	│                                               ▼
//	│                      V.Reduce (optional) ─► middleware 1..n
//	│                                               │
//	│                                               ▼
//	│                      Snapshot{version+1, previous, paths}
//	└────────────────────────────────────────────────────────────┘
//	    │  unlock
//	    ▼
//	will-update ─► did-update ─► every subscription (own executor)
//
// The lock is a plain sync.Mutex. A commit issued from inside fn, the
// reducer or a middleware of the same store returns ErrReentrantCommit.
// A commit issued from a notification callback is allowed and reported to
// Diagnostics as RuntimeErrorRecursiveCommit.
//
// # Delivery Order
//
// Each value subscription remembers the last snapshot it delivered. On its
// executor, an incoming snapshot older than that one is not delivered;
// the subscriber receives the last snapshot again with Previous cleared,
// so HasChanged reports true everywhere, and the inversion is reported as
// RuntimeErrorRecoveredFromOlderVersion. A subscriber may therefore see a
// duplicate but never a regression.
//
// Use a serial executor when callbacks must not overlap. With the default
// passthrough executor callbacks run on the committing goroutines and may
// run concurrently.
//
// # Thread Safety
//
// Store, Snapshot and Subscription are safe for concurrent use.
// MutationContext belongs to the goroutine running the commit.
//
// # Usage Example
//
//	type Counter struct{ Count int }
//
//	s := store.New[Counter, string](Counter{}, store.WithName("counter"))
//	defer s.Close()
//
//	sub := s.SubscribeToValue(store.SinkOptions{}, func(snap *store.Snapshot[Counter]) {
//	    if snap.HasChanged("count") {
//	        fmt.Println(snap.Value().Count)
//	    }
//	})
//	defer sub.Cancel()
//
//	_ = s.Commit(func(mc *store.MutationContext[Counter]) error {
//	    mc.Update("count", func(c *Counter) { c.Count++ })
//	    return nil
//	})
package store
