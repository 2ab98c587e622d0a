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
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// reentrancyTracker counts commits in progress per goroutine. A commit is
// "in progress" from entry until its notifications have been dispatched,
// so a depth above one means a callback committed synchronously.
type reentrancyTracker struct {
	mu    sync.Mutex
	depth map[int64]int
}

func newReentrancyTracker() *reentrancyTracker {
	return &reentrancyTracker{depth: make(map[int64]int)}
}

// enter records a commit on gid and returns the new depth.
func (t *reentrancyTracker) enter(gid int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.depth[gid]++
	return t.depth[gid]
}

func (t *reentrancyTracker) exit(gid int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.depth[gid] <= 1 {
		delete(t.depth, gid)
		return
	}
	t.depth[gid]--
}

// active returns the number of goroutines with a commit in progress.
func (t *reentrancyTracker) active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.depth)
}

var goroutinePrefix = []byte("goroutine ")

// goroutineID parses the current goroutine's id from its stack header,
// "goroutine 123 [running]:". Returns 0 if the header is unrecognized.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], goroutinePrefix)
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
