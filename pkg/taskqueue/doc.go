// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package taskqueue implements a keyed, cancelable asynchronous task
// scheduler.
//
// Every Key owns at most one queue. A queue runs its admitted operations
// one at a time; different keys run concurrently.
//
// # Architecture
//
//	                 Schedule / IsRunning / CancelAll
//	                              │
//	                              ▼
//	┌───────────────────────────────────────────────────────────┐
//	│ Manager goroutine (owns map[Key]*queue)                   │
//	└───────┬─────────────────────┬─────────────────────────────┘
//	        │ submit              │ submit          ▲ idle
//	        ▼                     ▼                 │
//	┌───────────────┐     ┌───────────────┐         │
//	│ queue "a"     │     │ queue "b"     │─────────┘
//	│ running + FIFO│     │ running + FIFO│
//	└───────────────┘     └───────────────┘
//
// Each queue is its own goroutine and owns its running task and FIFO of
// pending tasks. No state is shared between goroutines except through
// channels. When a queue drains it offers itself to the manager on the
// idle channel; the manager removes it from the registry on receipt, so a
// key's lifecycle is absent → active → draining → absent.
//
// # Admission Modes
//
//   - ModeReplace cancels the running task and every pending task, then
//     enqueues the new operation. It starts once the canceled task returns.
//   - ModeEnqueueAfterCurrent appends behind whatever is running or pending.
//
// # Cancellation
//
// Cancellation is cooperative through the context passed to the
// Operation. A canceled task reports ErrCanceled from Wait and Err, never
// the operation's own error.
//
// # Usage Example
//
//	m := taskqueue.NewManager(taskqueue.DefaultConfig(), logger)
//	defer m.Close()
//
//	task, err := m.Schedule(taskqueue.NewKey("refresh"), taskqueue.ModeReplace,
//	    func(ctx context.Context) error {
//	        return refresh(ctx)
//	    })
//	if err != nil {
//	    return err
//	}
//	if err := task.Wait(ctx); errors.Is(err, taskqueue.ErrCanceled) {
//	    // superseded by a newer refresh
//	}
package taskqueue
