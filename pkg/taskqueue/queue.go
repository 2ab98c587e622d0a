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
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// submission is a message from the manager to a queue. A nil task means
// "cancel everything".
type submission struct {
	task *Task
	mode Mode
}

// queue serializes the tasks admitted for one key.
//
// All fields except inbox and finished are owned by the run goroutine.
type queue struct {
	key    Key
	mgr    *Manager
	logger *slog.Logger

	inbox    chan submission
	finished chan *Task

	running *Task
	pending []*Task
}

func newQueue(key Key, mgr *Manager) *queue {
	return &queue{
		key:      key,
		mgr:      mgr,
		logger:   mgr.logger.With(slog.String("key", key.String())),
		inbox:    make(chan submission),
		finished: make(chan *Task),
	}
}

// run is the queue's actor loop. It exits after handing itself to the
// manager as idle, or when the manager closes.
func (q *queue) run() {
	defer q.mgr.wg.Done()
	for {
		if q.running == nil && len(q.pending) == 0 {
			select {
			case q.mgr.idleCh <- q:
				return
			case sub := <-q.inbox:
				q.admit(sub)
			case <-q.mgr.closeCh:
				return
			}
			continue
		}

		select {
		case sub := <-q.inbox:
			q.admit(sub)
		case t := <-q.finished:
			if t == q.running {
				q.running = nil
			}
			q.startNext()
		case <-q.mgr.closeCh:
			q.cancelAll()
			return
		}
	}
}

func (q *queue) admit(sub submission) {
	if sub.task == nil {
		q.cancelAll()
		return
	}
	if sub.mode == ModeReplace {
		q.cancelAll()
	}
	q.pending = append(q.pending, sub.task)
	if q.running == nil {
		q.startNext()
	}
}

// cancelAll cancels the running task and drops every pending task. The
// running slot stays occupied until the canceled task actually returns.
func (q *queue) cancelAll() {
	if q.running != nil {
		q.running.cancel()
	}
	for _, t := range q.pending {
		t.Cancel()
		tasksCompletedTotal.WithLabelValues(outcome(ErrCanceled)).Inc()
	}
	q.pending = nil
}

func (q *queue) startNext() {
	for q.running == nil && len(q.pending) > 0 {
		t := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		if !t.begin() {
			tasksCompletedTotal.WithLabelValues(outcome(ErrCanceled)).Inc()
			continue
		}
		q.running = t
		go q.execute(t)
	}
}

// execute runs on its own goroutine so the queue stays responsive.
func (q *queue) execute(t *Task) {
	ctx, span := otel.Tracer(q.mgr.config.TracerName).Start(t.ctx, "taskqueue.run",
		trace.WithAttributes(
			attribute.String("key", q.key.String()),
			attribute.String("mode", t.mode.String()),
			attribute.String("task_id", t.id),
		),
	)
	start := time.Now()
	err := t.execute(ctx)
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome(err))
	}
	span.End()

	taskDuration.Observe(elapsed.Seconds())
	tasksCompletedTotal.WithLabelValues(outcome(err)).Inc()
	q.logger.Debug("task finished",
		slog.String("task_id", t.id),
		slog.String("outcome", outcome(err)),
		slog.Duration("queued", start.Sub(t.enqueuedAt)),
		slog.Duration("duration", elapsed),
	)

	t.finish(err)

	select {
	case q.finished <- t:
	case <-q.mgr.closeCh:
	}
}
