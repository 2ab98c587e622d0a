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
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/verge/pkg/executor"
	"github.com/google/uuid"
)

// Subscription is the handle returned by every Subscribe method.
//
// Thread Safety: Cancel may be called from any goroutine, including from
// inside the subscription's own callback.
type Subscription struct {
	id       string
	canceled atomic.Bool
	once     sync.Once
	onCancel func()
}

func newSubscription() *Subscription {
	return &Subscription{id: uuid.NewString()}
}

// ID returns the subscription's unique identifier.
func (s *Subscription) ID() string { return s.id }

// Cancel stops the subscription. Once Cancel returns no new callback
// invocation begins; one already running on another goroutine may still
// complete. Idempotent.
func (s *Subscription) Cancel() {
	s.canceled.Store(true)
	s.once.Do(func() {
		if s.onCancel != nil {
			s.onCancel()
		}
	})
}

// Canceled reports whether Cancel has been called.
func (s *Subscription) Canceled() bool { return s.canceled.Load() }

// SubscriptionBag cancels a group of subscriptions together.
type SubscriptionBag struct {
	mu   sync.Mutex
	subs []*Subscription
}

// Add stores sub in the bag.
func (b *SubscriptionBag) Add(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, sub)
}

// CancelAll cancels every stored subscription and empties the bag.
func (b *SubscriptionBag) CancelAll() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, s := range subs {
		s.Cancel()
	}
}

// -----------------------------------------------------------------------------
// hub
// -----------------------------------------------------------------------------

type sink[T any] struct {
	sub  *Subscription
	exec executor.Executor
	fn   func(T)
}

// hub is a subscriber registry that fans values out outside its lock.
type hub[T any] struct {
	logger *slog.Logger

	// onChange observes +1/-1 as sinks are added and removed.
	onChange func(delta int64)

	mu    sync.RWMutex
	sinks map[string]*sink[T]
	order []string
}

func newHub[T any](logger *slog.Logger, onChange func(int64)) *hub[T] {
	if onChange == nil {
		onChange = func(int64) {}
	}
	return &hub[T]{logger: logger, onChange: onChange, sinks: make(map[string]*sink[T])}
}

// subscribe registers fn under sub. A nil exec means passthrough.
func (h *hub[T]) subscribe(sub *Subscription, exec executor.Executor, fn func(T)) *sink[T] {
	if exec == nil {
		exec = executor.Passthrough()
	}
	s := &sink[T]{sub: sub, exec: exec, fn: fn}
	s.sub.onCancel = func() { h.remove(s.sub.id) }

	h.mu.Lock()
	h.sinks[s.sub.id] = s
	h.order = append(h.order, s.sub.id)
	h.mu.Unlock()
	h.onChange(1)
	return s
}

func (h *hub[T]) remove(id string) {
	h.mu.Lock()
	if _, ok := h.sinks[id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sinks, id)
	for i, o := range h.order {
		if o == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	h.mu.Unlock()
	h.onChange(-1)
}

// snapshot copies the live sinks in subscription order.
func (h *hub[T]) snapshot() []*sink[T] {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*sink[T], 0, len(h.order))
	for _, id := range h.order {
		out = append(out, h.sinks[id])
	}
	return out
}

// emit delivers v to every live sink through its executor.
func (h *hub[T]) emit(v T) {
	for _, s := range h.snapshot() {
		h.dispatch(s, v)
	}
}

func (h *hub[T]) dispatch(s *sink[T], v T) {
	if s.sub.Canceled() {
		return
	}
	s.exec.Execute(func() {
		if s.sub.Canceled() {
			return
		}
		h.invoke(s, v)
	})
}

func (h *hub[T]) invoke(s *sink[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("subscriber panicked",
				slog.String("subscription_id", s.sub.id),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	s.fn(v)
}

func (h *hub[T]) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sinks)
}

// closeAll cancels every sink.
func (h *hub[T]) closeAll() {
	for _, s := range h.snapshot() {
		s.sub.Cancel()
	}
}

// -----------------------------------------------------------------------------
// dispatcher
// -----------------------------------------------------------------------------

// dispatcher enforces monotonic delivery for one value subscription.
type dispatcher[V any] struct {
	mu   sync.Mutex
	last *Snapshot[V]
}

// resolve decides what to deliver for an incoming snapshot. When in is
// older than what was last delivered it returns a repeat of the last
// snapshot without its Previous link, plus the superseded snapshot so the
// caller can report the inversion.
func (d *dispatcher[V]) resolve(in *Snapshot[V]) (out *Snapshot[V], stale *Snapshot[V]) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.last == nil || d.last.version <= in.version {
		d.last = in
		return in, nil
	}
	return d.last.DroppedPrevious(), in
}

// lastVersion returns the version last delivered and whether any was.
func (d *dispatcher[V]) lastVersion() (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.last == nil {
		return 0, false
	}
	return d.last.version, true
}
