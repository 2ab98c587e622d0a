// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package taskqueue

import (
	"fmt"
	"reflect"

	"github.com/google/uuid"
)

// Key identifies a task queue. Keys are comparable and may be used as map
// keys. The zero Key is valid and names a single shared queue.
type Key struct {
	typ      reflect.Type
	name     string
	distinct uuid.UUID
}

// KeyOf returns the key derived from type T. Every call with the same T
// yields an equal Key.
func KeyOf[T any]() Key {
	return Key{typ: reflect.TypeFor[T]()}
}

// NewKey returns a key named by an arbitrary string.
func NewKey(name string) Key {
	return Key{name: name}
}

// DistinctKey returns a key that is unequal to every other key, so a task
// scheduled under it never shares a queue.
func DistinctKey() Key {
	return Key{distinct: uuid.New()}
}

// String renders the key for logs and metrics.
func (k Key) String() string {
	switch {
	case k.typ != nil:
		if k.typ.PkgPath() != "" {
			return fmt.Sprintf("type:%s.%s", k.typ.PkgPath(), k.typ.Name())
		}
		return "type:" + k.typ.String()
	case k.distinct != uuid.Nil:
		return "distinct:" + k.distinct.String()
	default:
		return "name:" + k.name
	}
}

// Mode controls how a new operation is admitted into its key's queue.
type Mode int

const (
	// ModeReplace cancels the running and pending operations for the key
	// and runs the new operation next.
	ModeReplace Mode = iota

	// ModeEnqueueAfterCurrent runs the new operation after every operation
	// already admitted for the key has finished.
	ModeEnqueueAfterCurrent
)

// String returns "replace", "enqueue_after_current", or "unknown".
func (m Mode) String() string {
	switch m {
	case ModeReplace:
		return "replace"
	case ModeEnqueueAfterCurrent:
		return "enqueue_after_current"
	default:
		return "unknown"
	}
}
