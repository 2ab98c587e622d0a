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
	"fmt"
	"log/slog"
	"sync"
)

// -----------------------------------------------------------------------------
// Manager messages
// -----------------------------------------------------------------------------

type scheduleRequest struct {
	key      Key
	mode     Mode
	task     *Task
	resultCh chan error
}

type isRunningRequest struct {
	key      Key
	resultCh chan bool
}

type countRequest struct {
	resultCh chan int
}

type cancelAllRequest struct {
	resultCh chan struct{}
}

// -----------------------------------------------------------------------------
// Manager
// -----------------------------------------------------------------------------

// Manager owns the registry of per-key queues.
//
// Description:
//
//	A single goroutine owns map[Key]*queue and serves every request over
//	channels, following the single-writer worker model. Queues report
//	themselves idle on idleCh and are removed on receipt.
//
// Thread Safety: all exported methods are safe for concurrent use.
type Manager struct {
	config Config
	logger *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	scheduleCh  chan scheduleRequest
	isRunningCh chan isRunningRequest
	countCh     chan countRequest
	cancelAllCh chan cancelAllRequest
	idleCh      chan *queue

	closeCh   chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once

	// wg tracks the manager and queue goroutines, not running operations.
	wg sync.WaitGroup
}

// NewManager creates a Manager and starts its goroutine.
//
// Inputs:
//
//	config - Limits; zero fields are defaulted. Invalid values panic
//	         since they indicate a programming error.
//	logger - Logger for queue lifecycle events. Nil uses slog.Default().
//
// Outputs:
//
//	*Manager - Running manager. Call Close to release it.
func NewManager(config Config, logger *slog.Logger) *Manager {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		panic(fmt.Sprintf("taskqueue: invalid config: %v", err))
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		config:      config,
		logger:      logger.With(slog.String("component", "taskqueue")),
		baseCtx:     ctx,
		baseCancel:  cancel,
		scheduleCh:  make(chan scheduleRequest),
		isRunningCh: make(chan isRunningRequest),
		countCh:     make(chan countRequest),
		cancelAllCh: make(chan cancelAllRequest),
		idleCh:      make(chan *queue),
		closeCh:     make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

// Schedule admits op under key with the given mode.
//
// Description:
//
//	Creates the key's queue if it does not exist. With ModeReplace the
//	queue's running task is canceled and its pending tasks are dropped
//	before op is enqueued.
//
// Inputs:
//
//	key  - Queue identity.
//	mode - Admission mode.
//	op   - Operation to run. Must not be nil.
//
// Outputs:
//
//	*Task - Handle for waiting on or canceling the operation.
//	error - ErrNilOperation, ErrManagerClosed or ErrTooManyQueues.
func (m *Manager) Schedule(key Key, mode Mode, op Operation) (*Task, error) {
	if op == nil {
		return nil, ErrNilOperation
	}
	task := newTask(m.baseCtx, key, mode, op)
	req := scheduleRequest{key: key, mode: mode, task: task, resultCh: make(chan error, 1)}

	select {
	case m.scheduleCh <- req:
	case <-m.closeCh:
		return nil, ErrManagerClosed
	}
	if err := <-req.resultCh; err != nil {
		task.cancel()
		return nil, err
	}
	return task, nil
}

// IsRunning reports whether key currently has a queue with running or
// pending work.
func (m *Manager) IsRunning(key Key) bool {
	req := isRunningRequest{key: key, resultCh: make(chan bool, 1)}
	select {
	case m.isRunningCh <- req:
	case <-m.closeCh:
		return false
	}
	return <-req.resultCh
}

// QueueCount returns the number of live queues.
func (m *Manager) QueueCount() int {
	req := countRequest{resultCh: make(chan int, 1)}
	select {
	case m.countCh <- req:
	case <-m.closeCh:
		return 0
	}
	return <-req.resultCh
}

// CancelAll cancels every running and pending task and clears the
// registry. Queues whose canceled task is still returning finish in the
// background; new work for their keys starts a fresh queue.
func (m *Manager) CancelAll() {
	req := cancelAllRequest{resultCh: make(chan struct{}, 1)}
	select {
	case m.cancelAllCh <- req:
	case <-m.closeCh:
		return
	}
	<-req.resultCh
}

// Close cancels all tasks and stops every goroutine owned by the manager.
// It does not wait for running operations to return. Safe to call more
// than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.baseCancel()
		close(m.closeCh)
	})
	<-m.doneCh
}

// Done is closed once the manager and every queue goroutine have exited.
func (m *Manager) Done() <-chan struct{} { return m.doneCh }

// run is the manager's actor loop.
func (m *Manager) run() {
	defer close(m.doneCh)
	defer m.wg.Wait()
	defer m.wg.Done()

	queues := make(map[Key]*queue)

	for {
		select {
		case <-m.closeCh:
			taskQueuesActive.Sub(float64(len(queues)))
			m.logger.Debug("task manager closed", slog.Int("queues", len(queues)))
			return

		case req := <-m.scheduleCh:
			req.resultCh <- m.handleSchedule(queues, req)

		case req := <-m.isRunningCh:
			_, ok := queues[req.key]
			req.resultCh <- ok

		case req := <-m.countCh:
			req.resultCh <- len(queues)

		case req := <-m.cancelAllCh:
			m.handleCancelAll(queues)
			req.resultCh <- struct{}{}

		case q := <-m.idleCh:
			if queues[q.key] == q {
				delete(queues, q.key)
				taskQueuesActive.Dec()
				m.logger.Debug("task queue retired", slog.String("key", q.key.String()))
			}
		}
	}
}

func (m *Manager) handleSchedule(queues map[Key]*queue, req scheduleRequest) error {
	q, ok := queues[req.key]
	if !ok {
		if m.config.MaxQueues > 0 && len(queues) >= m.config.MaxQueues {
			return fmt.Errorf("%w: limit %d", ErrTooManyQueues, m.config.MaxQueues)
		}
		q = newQueue(req.key, m)
		queues[req.key] = q
		taskQueuesActive.Inc()
		m.wg.Add(1)
		go q.run()
		m.logger.Debug("task queue created", slog.String("key", req.key.String()))
	}

	// A queue that is offering itself as idle still selects on inbox, so
	// this send cannot deadlock against idleCh.
	select {
	case q.inbox <- submission{task: req.task, mode: req.mode}:
	case <-m.closeCh:
		return ErrManagerClosed
	}
	tasksScheduledTotal.WithLabelValues(req.mode.String()).Inc()
	return nil
}

func (m *Manager) handleCancelAll(queues map[Key]*queue) {
	for key, q := range queues {
		select {
		case q.inbox <- submission{}:
		case <-m.closeCh:
			return
		}
		delete(queues, key)
		taskQueuesActive.Dec()
	}
	m.logger.Debug("all tasks canceled")
}
