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
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/verge/pkg/executor"
	"github.com/AleutianAI/verge/pkg/taskqueue"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// -----------------------------------------------------------------------------
// Events and options
// -----------------------------------------------------------------------------

// EventKind distinguishes the two notifications emitted per commit.
type EventKind int

const (
	// EventWillUpdate precedes every EventDidUpdate and carries no snapshot.
	EventWillUpdate EventKind = iota

	// EventDidUpdate carries the finalized snapshot.
	EventDidUpdate
)

// String returns "will_update", "did_update" or "unknown".
func (k EventKind) String() string {
	switch k {
	case EventWillUpdate:
		return "will_update"
	case EventDidUpdate:
		return "did_update"
	default:
		return "unknown"
	}
}

// Event is one raw notification.
type Event[V any] struct {
	Kind     EventKind
	Snapshot *Snapshot[V]
}

// SinkOptions configures a value subscription.
type SinkOptions struct {
	// DropsFirst skips the initial delivery of the current snapshot.
	DropsFirst bool

	// Executor runs the callback. Nil means passthrough, which runs it on
	// the committing goroutine.
	Executor executor.Executor
}

// Sanitizer toggles runtime anomaly detection.
type Sanitizer struct {
	// DetectReentrancy reports commits issued from inside another commit's
	// notification callbacks on the same goroutine.
	DetectReentrancy bool `yaml:"detect_reentrancy" json:"detect_reentrancy"`

	// CheckDeliveryOrder reports delivery inversions. Recovery happens
	// regardless.
	CheckDeliveryOrder bool `yaml:"check_delivery_order" json:"check_delivery_order"`
}

// DefaultSanitizer enables every check.
func DefaultSanitizer() Sanitizer {
	return Sanitizer{DetectReentrancy: true, CheckDeliveryOrder: true}
}

type options struct {
	name        string
	logger      *slog.Logger
	diagnostics Diagnostics
	sanitizer   Sanitizer
	tasks       *taskqueue.Manager
	taskConfig  taskqueue.Config
	clock       func() time.Time
	tracerName  string
}

// Option configures New.
type Option func(*options)

// WithName sets the store name used in logs, spans and metrics. Defaults
// to the file:line that called New.
func WithName(name string) Option { return func(o *options) { o.name = name } }

// WithLogger sets the base logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option { return func(o *options) { o.logger = logger } }

// WithDiagnostics replaces the default slog-backed diagnostics sink.
// Passing nil installs NopDiagnostics.
func WithDiagnostics(d Diagnostics) Option {
	return func(o *options) {
		if d == nil {
			d = NopDiagnostics{}
		}
		o.diagnostics = d
	}
}

// WithSanitizer sets anomaly detection flags.
func WithSanitizer(s Sanitizer) Option { return func(o *options) { o.sanitizer = s } }

// WithTaskManager shares an existing task manager. The store will not
// close a shared manager.
func WithTaskManager(m *taskqueue.Manager) Option { return func(o *options) { o.tasks = m } }

// WithTaskConfig configures the store's own task manager.
func WithTaskConfig(cfg taskqueue.Config) Option { return func(o *options) { o.taskConfig = cfg } }

// WithClock overrides the snapshot timestamp source.
func WithClock(clock func() time.Time) Option { return func(o *options) { o.clock = clock } }

// WithTracerName overrides the OpenTelemetry tracer name. Default "verge.store".
func WithTracerName(name string) Option { return func(o *options) { o.tracerName = name } }

// -----------------------------------------------------------------------------
// Store
// -----------------------------------------------------------------------------

// Store holds a value of type V and publishes a Snapshot after every
// commit that writes. A is the activity type.
//
// Description:
//
//	One non-recursive mutex guards the canonical snapshot and is held only
//	while the mutation, the reducer hook and the middleware run. Events
//	are emitted after it is released.
//
// Thread Safety: All methods are safe for concurrent use.
type Store[V any, A any] struct {
	name        string
	logger      *slog.Logger
	baseLogger  *slog.Logger
	diagnostics Diagnostics
	sanitizer   Sanitizer
	clock       func() time.Time
	tracerName  string

	mu          sync.Mutex
	current     *Snapshot[V]
	middlewares []Middleware[V]

	// holder is the goroutine id inside the critical section, or 0.
	holder  atomic.Int64
	tracker *reentrancyTracker
	closed  atomic.Bool

	events     *hub[Event[V]]
	activities *hub[A]

	tasksOnce  sync.Once
	tasks      *taskqueue.Manager
	ownsTasks  bool
	taskConfig taskqueue.Config
}

// New creates a store holding initial.
//
// Description:
//
//	V must have value semantics. Pointer, map, slice, channel, function,
//	interface and unsafe pointer types panic here, since snapshots of
//	such values would alias each other. Structs with reference fields are
//	accepted and may implement Cloner.
//
// Inputs:
//
//	initial - Value of the bootstrap snapshot (version 0).
//	opts    - Options.
//
// Outputs:
//
//	*Store[V, A] - Ready to use. Call Close to cancel subscriptions and tasks.
func New[V any, A any](initial V, opts ...Option) *Store[V, A] {
	mustBeValueType[V]()

	o := options{
		sanitizer:  DefaultSanitizer(),
		taskConfig: taskqueue.DefaultConfig(),
		clock:      time.Now,
		tracerName: "verge.store",
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.name == "" {
		o.name = callerOrigin(2).String()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	logger := o.logger.With(slog.String("component", "store"), slog.String("store", o.name))
	if o.diagnostics == nil {
		o.diagnostics = NewSlogDiagnostics(logger, 10)
	}

	s := &Store[V, A]{
		name:        o.name,
		logger:      logger,
		baseLogger:  o.logger,
		diagnostics: o.diagnostics,
		sanitizer:   o.sanitizer,
		clock:       o.clock,
		tracerName:  o.tracerName,
		tracker:     newReentrancyTracker(),
		tasks:       o.tasks,
		taskConfig:  o.taskConfig,
	}
	s.current = newBootstrapSnapshot(initial, o.clock())
	onChange := func(d int64) { recordSubscriptions(o.name, d) }
	s.events = newHub[Event[V]](logger, onChange)
	s.activities = newHub[A](logger, onChange)

	logger.Debug("store created", slog.String("value_type", reflect.TypeFor[V]().String()))
	return s
}

// Name returns the store name.
func (s *Store[V, A]) Name() string { return s.name }

// Snapshot returns the current snapshot. Inside a mutation, reducer or
// middleware of this store it returns the pre-transaction snapshot.
func (s *Store[V, A]) Snapshot() *Snapshot[V] {
	if s.heldBy(goroutineID()) {
		return s.current
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Value is shorthand for Snapshot().Value().
func (s *Store[V, A]) Value() V { return s.Snapshot().Value() }

// AddMiddleware appends m. Middleware run in registration order and
// apply from the next commit on.
func (s *Store[V, A]) AddMiddleware(m Middleware[V]) {
	if s.heldBy(goroutineID()) {
		s.middlewares = append(s.middlewares, m)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, m)
}

// heldBy reports whether goroutine gid is inside this store's critical
// section. An unknown id (0) never matches.
func (s *Store[V, A]) heldBy(gid int64) bool {
	return gid != 0 && s.holder.Load() == gid
}

// Commit runs fn as one exclusive transaction.
//
// Description:
//
//	fn receives a MutationContext over a copy of the current value. If fn
//	returns an error the transaction is discarded and the error is
//	returned. If fn writes nothing no snapshot or event is produced.
//	Otherwise the value's Reducer hook and every middleware run, a new
//	snapshot with version+1 becomes current, and will-update/did-update
//	events are emitted outside the lock.
//
// Outputs:
//
//	error - fn's error, ErrStoreClosed, ErrNilMutation, or
//	        ErrReentrantCommit when called from inside a running commit
//	        of this store on the same goroutine.
func (s *Store[V, A]) Commit(fn func(*MutationContext[V]) error) error {
	return s.commit(context.Background(), "", callerOrigin(2), fn)
}

// CommitNamed is Commit with a name recorded in the snapshot and logs.
func (s *Store[V, A]) CommitNamed(name string, fn func(*MutationContext[V]) error) error {
	return s.commit(context.Background(), name, callerOrigin(2), fn)
}

// CommitContext is Commit with a parent context for tracing. A done
// context aborts before the lock is taken.
func (s *Store[V, A]) CommitContext(ctx context.Context, fn func(*MutationContext[V]) error) error {
	return s.commit(ctx, "", callerOrigin(2), fn)
}

// CommitResult runs a commit whose mutation also produces a result.
func CommitResult[V, A, R any](s *Store[V, A], fn func(*MutationContext[V]) (R, error)) (R, error) {
	var result R
	if fn == nil {
		return result, ErrNilMutation
	}
	err := s.commit(context.Background(), "", callerOrigin(2), func(mc *MutationContext[V]) error {
		var err error
		result, err = fn(mc)
		return err
	})
	return result, err
}

func (s *Store[V, A]) commit(ctx context.Context, name string, origin Origin, fn func(*MutationContext[V]) error) error {
	if fn == nil {
		return ErrNilMutation
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrStoreClosed
	}

	gid := goroutineID()
	if s.heldBy(gid) {
		return ErrReentrantCommit
	}
	depth := 0
	if s.sanitizer.DetectReentrancy && gid != 0 {
		depth = s.tracker.enter(gid)
		defer s.tracker.exit(gid)
	}

	ctx, span := otel.Tracer(s.tracerName).Start(ctx, "verge.commit",
		trace.WithAttributes(
			attribute.String("store", s.name),
			attribute.String("commit", name),
			attribute.String("origin", origin.String()),
		),
	)
	defer span.End()

	start := time.Now()
	next, err := s.apply(gid, name, origin, fn)
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit aborted")
		recordAbortedCommit(ctx, s.name)
		return err
	}
	if next == nil {
		span.SetAttributes(attribute.Bool("noop", true))
		recordNoopCommit(ctx, s.name)
		return nil
	}

	span.SetAttributes(
		attribute.Int64("version", int64(next.version)),
		attribute.StringSlice("paths", next.paths),
	)
	recordCommit(ctx, s.name, elapsed)

	if depth > 1 {
		s.reportRuntimeError(RuntimeError{
			Kind:      RuntimeErrorRecursiveCommit,
			StoreName: s.name,
			Depth:     depth,
			Origin:    origin,
		})
	}

	s.events.emit(Event[V]{Kind: EventWillUpdate})
	s.events.emit(Event[V]{Kind: EventDidUpdate, Snapshot: next})

	s.diagnostics.DidCommit(CommitLog{
		StoreName:     s.name,
		Name:          name,
		Origin:        origin,
		Version:       next.version,
		Paths:         next.Paths(),
		Kind:          next.kind,
		TransactionID: next.transactionID,
		Elapsed:       elapsed,
	})
	return nil
}

// apply is the critical section. It returns nil, nil for a no-op commit.
func (s *Store[V, A]) apply(gid int64, name string, origin Origin, fn func(*MutationContext[V]) error) (*Snapshot[V], error) {
	s.mu.Lock()
	s.holder.Store(gid)
	defer func() {
		s.holder.Store(0)
		s.mu.Unlock()
	}()

	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	current := s.current
	working := cloneValue(current.value)
	mc := newMutationContext(&working, uuid.New(), name)
	defer mc.seal()

	if err := fn(mc); err != nil {
		return nil, err
	}
	if !mc.Modified() {
		return nil, nil
	}

	if r, ok := reducerOf(&working); ok {
		r.Reduce(mc, current)
	}
	for _, m := range s.middlewares {
		m.Modify(mc, s.intermediate(current, mc))
	}

	next := &Snapshot[V]{
		value:         working,
		version:       current.version + 1,
		previous:      current.withoutHistory(),
		paths:         mc.Paths(),
		kind:          mc.Kind(),
		transactionID: mc.transactionID,
		name:          name,
		origin:        origin,
		createdAt:     s.clock(),
	}
	s.current = next
	return next, nil
}

// intermediate builds the view handed to middleware: the working value and
// the paths recorded so far, tagged with the version it will receive.
func (s *Store[V, A]) intermediate(current *Snapshot[V], mc *MutationContext[V]) *Snapshot[V] {
	return &Snapshot[V]{
		value:         *mc.working,
		version:       current.version + 1,
		previous:      current.withoutHistory(),
		paths:         mc.Paths(),
		kind:          mc.Kind(),
		transactionID: mc.transactionID,
		name:          mc.name,
		createdAt:     s.clock(),
	}
}

// -----------------------------------------------------------------------------
// Subscriptions
// -----------------------------------------------------------------------------

// SubscribeToValue delivers snapshots to fn in non-decreasing version order.
//
// Description:
//
//	Unless opts.DropsFirst is set, the current snapshot is delivered
//	first with its Previous link cleared. Each later snapshot passes
//	through a per-subscription ordering check on the executor: a snapshot
//	older than the last delivered one is replaced by a repeat of the last
//	one with Previous cleared, and the inversion is reported to
//	diagnostics.
//
// Outputs:
//
//	*Subscription - Cancel to stop deliveries.
func (s *Store[V, A]) SubscribeToValue(opts SinkOptions, fn func(*Snapshot[V])) *Subscription {
	sub := newSubscription()
	d := &dispatcher[V]{}
	deliver := func(ev Event[V]) {
		if ev.Kind != EventDidUpdate {
			return
		}
		out, stale := d.resolve(ev.Snapshot)
		if stale != nil && s.sanitizer.CheckDeliveryOrder {
			s.reportRuntimeError(RuntimeError{
				Kind:            RuntimeErrorRecoveredFromOlderVersion,
				StoreName:       s.name,
				ReceivedVersion: stale.version,
				LastVersion:     out.version,
				ReceivedPaths:   stale.Paths(),
				LastPaths:       out.Paths(),
			})
		}
		if sub.Canceled() {
			return
		}
		fn(out)
	}

	s.mu.Lock()
	initial := s.current
	sk := s.events.subscribe(sub, opts.Executor, deliver)
	closed := s.closed.Load()
	s.mu.Unlock()

	if closed {
		sub.Cancel()
		return sub
	}
	if !opts.DropsFirst {
		s.events.dispatch(sk, Event[V]{Kind: EventDidUpdate, Snapshot: initial.DroppedPrevious()})
	}
	return sub
}

// SubscribeToEvents delivers raw will-update and did-update events without
// ordering recovery.
func (s *Store[V, A]) SubscribeToEvents(exec executor.Executor, fn func(Event[V])) *Subscription {
	sub := newSubscription()
	s.events.subscribe(sub, exec, fn)
	if s.closed.Load() {
		sub.Cancel()
	}
	return sub
}

// SubscriberCount returns the number of live value and event subscriptions.
func (s *Store[V, A]) SubscriberCount() int { return s.events.len() }

func (s *Store[V, A]) reportRuntimeError(e RuntimeError) {
	recordRuntimeError(s.name, e.Kind)
	s.diagnostics.DidFindRuntimeError(e)
}

// -----------------------------------------------------------------------------
// Activity
// -----------------------------------------------------------------------------

// Send emits a one-shot activity to every activity subscriber. Activities
// are not stored and carry no version.
func (s *Store[V, A]) Send(activity A) {
	if s.closed.Load() {
		return
	}
	s.activities.emit(activity)
	recordActivity(s.name)
	s.diagnostics.DidSendActivity(ActivityLog{StoreName: s.name, Activity: activity})
}

// SubscribeToActivity registers fn for activities sent after this call.
func (s *Store[V, A]) SubscribeToActivity(exec executor.Executor, fn func(A)) *Subscription {
	sub := newSubscription()
	s.activities.subscribe(sub, exec, fn)
	if s.closed.Load() {
		sub.Cancel()
	}
	return sub
}

// ActivitySubscriberCount returns the number of live activity subscriptions.
func (s *Store[V, A]) ActivitySubscriberCount() int { return s.activities.len() }

// -----------------------------------------------------------------------------
// Tasks
// -----------------------------------------------------------------------------

func (s *Store[V, A]) taskManager() *taskqueue.Manager {
	s.tasksOnce.Do(func() {
		if s.tasks != nil {
			return
		}
		m := taskqueue.NewManager(s.taskConfig, s.baseLogger.With(slog.String("store", s.name)))
		s.tasks = m
		s.ownsTasks = true
		// Close the manager if the store is dropped without Close.
		runtime.AddCleanup(s, func(m *taskqueue.Manager) { go m.Close() }, m)
	})
	return s.tasks
}

// Task schedules op on the store's task scheduler.
func (s *Store[V, A]) Task(key taskqueue.Key, mode taskqueue.Mode, op taskqueue.Operation) (*taskqueue.Task, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	return s.taskManager().Schedule(key, mode, op)
}

// IsTaskRunning reports whether key has running or pending work.
func (s *Store[V, A]) IsTaskRunning(key taskqueue.Key) bool {
	if s.closed.Load() {
		return false
	}
	return s.taskManager().IsRunning(key)
}

// CancelAllTasks cancels every task scheduled through this store's
// manager.
func (s *Store[V, A]) CancelAllTasks() {
	if s.closed.Load() {
		return
	}
	s.taskManager().CancelAll()
}

// -----------------------------------------------------------------------------
// Teardown
// -----------------------------------------------------------------------------

// Close cancels every subscription and, when the store owns its task
// manager, every task. Later commits return ErrStoreClosed. Idempotent.
func (s *Store[V, A]) Close() {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return
	}
	s.closed.Store(true)
	s.mu.Unlock()

	s.events.closeAll()
	s.activities.closeAll()

	// Prevent a manager from being created after Close.
	s.tasksOnce.Do(func() {})
	if s.ownsTasks {
		s.tasks.Close()
	}
	s.logger.Debug("store closed")
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func mustBeValueType[V any]() {
	t := reflect.TypeFor[V]()
	switch t.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Chan,
		reflect.Func, reflect.Interface, reflect.UnsafePointer:
		panic(fmt.Sprintf("verge: store value type %s has reference semantics (%s); use a struct or scalar type", t, t.Kind()))
	}
}

func callerOrigin(skip int) Origin {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return Origin{}
	}
	o := Origin{File: file, Line: line}
	if f := runtime.FuncForPC(pc); f != nil {
		o.Function = filepath.Base(f.Name())
	}
	return o
}
