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
	"slices"

	"github.com/google/uuid"
)

// MutationContext is the exclusive, transient view of a store's working
// copy during one commit.
//
// Description:
//
//	Writes go through Update, Replace or MarkModified so the context can
//	record which paths were touched. A context is only valid inside the
//	function it was passed to; using it afterwards panics.
//
// Thread Safety: Not safe for concurrent use. Owned by the committing
// goroutine.
type MutationContext[V any] struct {
	working       *V
	paths         map[string]struct{}
	full          bool
	modified      bool
	transactionID uuid.UUID
	name          string
	sealed        bool
}

func newMutationContext[V any](working *V, txID uuid.UUID, name string) *MutationContext[V] {
	return &MutationContext[V]{
		working:       working,
		paths:         make(map[string]struct{}),
		transactionID: txID,
		name:          name,
	}
}

// Value returns a copy of the working value, including writes made so far
// in this transaction.
func (mc *MutationContext[V]) Value() V {
	mc.checkOpen()
	return *mc.working
}

// Update applies fn to the working copy and records path as touched. An
// empty path records a whole-value write.
func (mc *MutationContext[V]) Update(path string, fn func(*V)) {
	mc.checkOpen()
	fn(mc.working)
	mc.mark(path)
}

// Replace swaps the whole working value.
func (mc *MutationContext[V]) Replace(v V) {
	mc.checkOpen()
	*mc.working = v
	mc.full = true
	mc.modified = true
}

// MarkModified records paths as touched without writing. Use it after
// mutating state reachable through reference fields of the value.
func (mc *MutationContext[V]) MarkModified(paths ...string) {
	mc.checkOpen()
	if len(paths) == 0 {
		mc.mark("")
		return
	}
	for _, p := range paths {
		mc.mark(p)
	}
}

// Modified reports whether anything was written.
func (mc *MutationContext[V]) Modified() bool { return mc.modified }

// Paths returns the sorted touched paths.
func (mc *MutationContext[V]) Paths() []string {
	out := make([]string, 0, len(mc.paths))
	for p := range mc.paths {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Kind returns the modification kind the commit will be tagged with.
func (mc *MutationContext[V]) Kind() ModificationKind {
	if mc.full {
		return ModificationFullReplacement
	}
	return ModificationGranular
}

// TransactionID identifies the running commit.
func (mc *MutationContext[V]) TransactionID() uuid.UUID { return mc.transactionID }

// Name is the commit name, or "".
func (mc *MutationContext[V]) Name() string { return mc.name }

func (mc *MutationContext[V]) mark(path string) {
	mc.modified = true
	if path == "" {
		mc.full = true
		return
	}
	mc.paths[path] = struct{}{}
}

func (mc *MutationContext[V]) seal() { mc.sealed = true }

func (mc *MutationContext[V]) checkOpen() {
	if mc.sealed {
		panic("verge: MutationContext used after its commit finished")
	}
}

// Set writes a field selected by ptr and records path. It is a typed
// shorthand for Update.
//
//	store.Set(mc, "count", func(s *State) *int { return &s.Count }, 3)
func Set[V, T any](mc *MutationContext[V], path string, ptr func(*V) *T, value T) {
	mc.Update(path, func(v *V) { *ptr(v) = value })
}
