// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPassthrough_RunsInline(t *testing.T) {
	ran := false
	Passthrough().Execute(func() { ran = true })
	assert.True(t, ran)
}

func TestFunc_Adapter(t *testing.T) {
	var calls int
	exec := Func(func(work func()) {
		calls++
		work()
	})
	var ran bool
	exec.Execute(func() { ran = true })
	assert.Equal(t, 1, calls)
	assert.True(t, ran)
}

func TestGoroutine_RunsAll(t *testing.T) {
	var wg sync.WaitGroup
	var n atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		Goroutine().Execute(func() {
			defer wg.Done()
			n.Add(1)
		})
	}
	wg.Wait()
	assert.Equal(t, int32(50), n.Load())
}

func TestGoroutine_PanicDoesNotCrash(t *testing.T) {
	done := make(chan struct{})
	Goroutine().Execute(func() {
		defer close(done)
		panic("boom")
	})
	<-done
}

func TestSerialQueue_PreservesOrder(t *testing.T) {
	q := NewSerialQueue("test")
	defer q.Close()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		q.Execute(func() { got = append(got, i) })
	}
	q.Flush()

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestSerialQueue_ConcurrentSubmitters(t *testing.T) {
	q := NewSerialQueue("test")
	defer q.Close()

	var running atomic.Int32
	var overlap atomic.Bool
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				q.Execute(func() {
					if running.Add(1) > 1 {
						overlap.Store(true)
					}
					running.Add(-1)
				})
			}
		}()
	}
	wg.Wait()
	q.Flush()
	assert.False(t, overlap.Load(), "serial queue ran two items at once")
}

func TestSerialQueue_PanicKeepsWorkerAlive(t *testing.T) {
	q := NewSerialQueue("test")
	defer q.Close()

	q.Execute(func() { panic("boom") })
	ran := false
	q.Execute(func() { ran = true })
	q.Flush()
	assert.True(t, ran)
}

func TestSerialQueue_CloseDrainsAndRejects(t *testing.T) {
	q := NewSerialQueue("test")

	var n atomic.Int32
	for i := 0; i < 10; i++ {
		q.Execute(func() { n.Add(1) })
	}
	q.Close()
	assert.Equal(t, int32(10), n.Load())

	err := q.TryExecute(func() {})
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.Equal(t, 0, q.Len())

	// second close and flush after close must not block
	q.Close()
	q.Flush()
}
