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
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Operation is the unit of work a Task runs. It must return promptly once
// ctx is canceled.
type Operation func(ctx context.Context) error

type taskState int32

const (
	statePending taskState = iota
	stateRunning
	stateFinished
)

// Task is a handle to one scheduled operation.
//
// Thread Safety: all methods are safe for concurrent use.
type Task struct {
	id         string
	key        Key
	mode       Mode
	op         Operation
	enqueuedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	state    atomic.Int32
	done     chan struct{}
	err      error
	doneOnce sync.Once
}

func newTask(parent context.Context, key Key, mode Mode, op Operation) *Task {
	ctx, cancel := context.WithCancel(parent)
	return &Task{
		id:         uuid.NewString(),
		key:        key,
		mode:       mode,
		op:         op,
		enqueuedAt: time.Now(),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// ID returns the task's unique identifier.
func (t *Task) ID() string { return t.id }

// Key returns the key the task was scheduled under.
func (t *Task) Key() Key { return t.key }

// Mode returns the admission mode the task was scheduled with.
func (t *Task) Mode() Mode { return t.mode }

// Done is closed once the task has finished, successfully or not.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the task's result. Nil until Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes or ctx is done.
//
// Outputs:
//
//	error - The task's result, or ctx.Err() if ctx ended first.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel requests cancellation. A task that has not started finishes
// immediately with ErrCanceled; a running task observes ctx cancellation.
// Idempotent.
func (t *Task) Cancel() {
	t.cancel()
	if t.state.CompareAndSwap(int32(statePending), int32(stateFinished)) {
		t.finish(ErrCanceled)
	}
}

// begin moves a pending task to running. False if it was canceled first.
func (t *Task) begin() bool {
	if t.ctx.Err() != nil {
		t.Cancel()
		return false
	}
	return t.state.CompareAndSwap(int32(statePending), int32(stateRunning))
}

// execute runs the operation and maps its outcome.
func (t *Task) execute(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrTaskPanicked, r, debug.Stack())
		}
		if t.ctx.Err() != nil {
			err = ErrCanceled
		}
	}()
	return t.op(ctx)
}

func (t *Task) finish(err error) {
	t.doneOnce.Do(func() {
		t.state.Store(int32(stateFinished))
		t.err = err
		t.cancel()
		close(t.done)
	})
}

// outcome labels a finished task for metrics.
func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrCanceled):
		return "canceled"
	case errors.Is(err, ErrTaskPanicked):
		return "panicked"
	default:
		return "error"
	}
}
