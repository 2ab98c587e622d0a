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
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ModificationKind tags how a snapshot's change was recorded.
type ModificationKind int

const (
	// ModificationIndeterminate marks the bootstrap snapshot. Nothing is
	// known about what changed.
	ModificationIndeterminate ModificationKind = iota

	// ModificationGranular means Paths lists every touched field.
	ModificationGranular

	// ModificationFullReplacement means the whole value was replaced and
	// Paths cannot be trusted for structural diffing.
	ModificationFullReplacement
)

// String returns "indeterminate", "granular", "full_replacement" or "unknown".
func (k ModificationKind) String() string {
	switch k {
	case ModificationIndeterminate:
		return "indeterminate"
	case ModificationGranular:
		return "granular"
	case ModificationFullReplacement:
		return "full_replacement"
	default:
		return "unknown"
	}
}

// Modification describes the change that produced a snapshot.
type Modification struct {
	Kind  ModificationKind
	Paths []string
}

// Origin locates the call site that issued a commit.
type Origin struct {
	File     string
	Line     int
	Function string
}

// String renders "file.go:42".
func (o Origin) String() string {
	if o.File == "" {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(o.File), o.Line)
}

// Snapshot is an immutable record of a store's value after one commit.
//
// Description:
//
//	Snapshots are never mutated once published. Previous is kept one level
//	deep only: the predecessor's own Previous is always nil.
//
// Thread Safety: Safe for concurrent reads. The value is returned by copy;
// values holding reference fields must not be mutated through those fields.
type Snapshot[V any] struct {
	value         V
	version       uint64
	previous      *Snapshot[V]
	paths         []string
	kind          ModificationKind
	transactionID uuid.UUID
	name          string
	origin        Origin
	createdAt     time.Time
}

func newBootstrapSnapshot[V any](value V, now time.Time) *Snapshot[V] {
	return &Snapshot[V]{
		value:     value,
		kind:      ModificationIndeterminate,
		createdAt: now,
	}
}

// Value returns a copy of the snapshot's value.
func (s *Snapshot[V]) Value() V { return s.value }

// Version is strictly increasing per store. The bootstrap snapshot is 0.
func (s *Snapshot[V]) Version() uint64 { return s.version }

// Previous returns the snapshot this one replaced, or nil.
func (s *Snapshot[V]) Previous() *Snapshot[V] { return s.previous }

// Paths returns the sorted, de-duplicated paths touched by the commit.
func (s *Snapshot[V]) Paths() []string { return slices.Clone(s.paths) }

// Modification returns the change descriptor.
func (s *Snapshot[V]) Modification() Modification {
	return Modification{Kind: s.kind, Paths: slices.Clone(s.paths)}
}

// TransactionID identifies the commit that produced the snapshot. Nil for
// the bootstrap snapshot.
func (s *Snapshot[V]) TransactionID() uuid.UUID { return s.transactionID }

// CommitName is the name passed to CommitNamed, or "".
func (s *Snapshot[V]) CommitName() string { return s.name }

// Origin is the call site of the commit.
func (s *Snapshot[V]) Origin() Origin { return s.origin }

// CreatedAt is when the snapshot was finalized.
func (s *Snapshot[V]) CreatedAt() time.Time { return s.createdAt }

// DroppedPrevious returns a copy without its Previous link, so every
// HasChanged query on it reports true.
func (s *Snapshot[V]) DroppedPrevious() *Snapshot[V] {
	c := *s
	c.previous = nil
	return &c
}

// withoutHistory is used when a snapshot becomes someone's Previous.
func (s *Snapshot[V]) withoutHistory() *Snapshot[V] {
	if s.previous == nil {
		return s
	}
	return s.DroppedPrevious()
}

// Touched reports whether path, one of its ancestors or one of its
// descendants was written by the commit. Paths are dot separated.
func (s *Snapshot[V]) Touched(path string) bool {
	if s.kind == ModificationFullReplacement {
		return true
	}
	for _, p := range s.paths {
		if pathOverlaps(p, path) {
			return true
		}
	}
	return false
}

// HasChanged reports whether path may differ from the previous snapshot.
// Always true when there is no previous snapshot.
func (s *Snapshot[V]) HasChanged(path string) bool {
	if s.previous == nil {
		return true
	}
	return s.Touched(path)
}

// NoChanges is the negation of HasChanged.
func (s *Snapshot[V]) NoChanges(path string) bool { return !s.HasChanged(path) }

// Changed compares a selected part of the snapshot against the same part
// of its predecessor. Always true when there is no previous snapshot.
func Changed[V any, T comparable](s *Snapshot[V], selector func(V) T) bool {
	if s.previous == nil {
		return true
	}
	return selector(s.previous.value) != selector(s.value)
}

// IfChanged calls fn with the selected value when it changed.
func IfChanged[V any, T comparable](s *Snapshot[V], selector func(V) T, fn func(T)) {
	if Changed(s, selector) {
		fn(selector(s.value))
	}
}

func pathOverlaps(a, b string) bool {
	if a == b {
		return true
	}
	return strings.HasPrefix(a, b+".") || strings.HasPrefix(b, a+".")
}
