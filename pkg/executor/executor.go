// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package executor provides the execution-context abstraction used to hop
// notification delivery onto a chosen goroutine or queue.
//
// The store treats an Executor as opaque: it hands it a closure and expects
// the closure to run exactly once, at some point, on whatever context the
// executor represents.
package executor

import (
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
)

// ErrQueueClosed is returned by SerialQueue.TryExecute after Close.
var ErrQueueClosed = errors.New("serial queue is closed")

// Executor runs work on an execution context.
type Executor interface {
	Execute(work func())
}

// Func adapts an ordinary function to the Executor interface.
type Func func(work func())

// Execute calls f(work).
func (f Func) Execute(work func()) { f(work) }

// -----------------------------------------------------------------------------
// Passthrough
// -----------------------------------------------------------------------------

type passthrough struct{}

func (passthrough) Execute(work func()) { work() }

// Passthrough returns an executor that runs work synchronously on the
// calling goroutine.
func Passthrough() Executor { return passthrough{} }

// -----------------------------------------------------------------------------
// Goroutine
// -----------------------------------------------------------------------------

type goroutine struct{}

func (goroutine) Execute(work func()) {
	go func() {
		defer recoverWork("goroutine")
		work()
	}()
}

// Goroutine returns an executor that runs every piece of work on a new
// goroutine. No ordering is guaranteed between submissions.
func Goroutine() Executor { return goroutine{} }

// -----------------------------------------------------------------------------
// SerialQueue
// -----------------------------------------------------------------------------

// SerialQueue runs submitted work one item at a time, in submission order,
// on a single dedicated goroutine.
//
// Thread Safety: Execute may be called from any goroutine. Work submitted
// after Close is dropped.
type SerialQueue struct {
	name string

	mu      sync.Mutex
	cond    *sync.Cond
	pending []func()
	closed  bool

	doneCh chan struct{}
}

// NewSerialQueue creates a serial queue and starts its worker goroutine.
//
// Inputs:
//
//	name - Label used in panic logs.
//
// Outputs:
//
//	*SerialQueue - Running queue. Call Close to stop the worker.
func NewSerialQueue(name string) *SerialQueue {
	q := &SerialQueue{
		name:   name,
		doneCh: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Execute enqueues work. Never blocks on the work itself.
func (q *SerialQueue) Execute(work func()) {
	_ = q.TryExecute(work)
}

// TryExecute enqueues work and reports ErrQueueClosed if the queue no
// longer accepts submissions.
func (q *SerialQueue) TryExecute(work func()) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.pending = append(q.pending, work)
	q.cond.Signal()
	return nil
}

// Len returns the number of items waiting to run.
func (q *SerialQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops accepting work, lets already-queued work drain, and waits for
// the worker goroutine to exit. Safe to call more than once.
func (q *SerialQueue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.cond.Broadcast()
	}
	q.mu.Unlock()
	<-q.doneCh
}

// Flush blocks until every item submitted before the call has run.
func (q *SerialQueue) Flush() {
	done := make(chan struct{})
	if err := q.TryExecute(func() { close(done) }); err != nil {
		<-q.doneCh
		return
	}
	<-done
}

func (q *SerialQueue) run() {
	defer close(q.doneCh)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		work := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.invoke(work)
	}
}

func (q *SerialQueue) invoke(work func()) {
	defer recoverWork(q.name)
	work()
}

func recoverWork(name string) {
	if r := recover(); r != nil {
		slog.Error("executor work panicked",
			slog.String("executor", name),
			slog.Any("panic", r),
			slog.String("stack", string(debug.Stack())),
		)
	}
}
