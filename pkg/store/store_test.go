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
	"errors"
	"math/rand/v2"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/verge/pkg/executor"
	"github.com/AleutianAI/verge/pkg/taskqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counterState struct {
	Count int
	Label string
}

type composeState struct {
	Input int
	A     int
	B     int
}

type reducingState struct {
	Count       int
	Doubled     int
	ReduceCalls int
}

func (reducingState) Reduce(mc *MutationContext[reducingState], current *Snapshot[reducingState]) {
	mc.Update("doubled", func(s *reducingState) {
		s.Doubled = s.Count * 2
		s.ReduceCalls++
	})
}

type clonedState struct {
	Tags map[string]int
}

func (c clonedState) Clone() clonedState {
	tags := make(map[string]int, len(c.Tags))
	for k, v := range c.Tags {
		tags[k] = v
	}
	return clonedState{Tags: tags}
}

func newCounterStore(t *testing.T, opts ...Option) (*Store[counterState, string], *RecordingDiagnostics) {
	t.Helper()
	rec := &RecordingDiagnostics{}
	opts = append([]Option{WithName("counter"), WithDiagnostics(rec)}, opts...)
	s := New[counterState, string](counterState{}, opts...)
	t.Cleanup(s.Close)
	return s, rec
}

func increment(mc *MutationContext[counterState]) error {
	mc.Update("count", func(s *counterState) { s.Count++ })
	return nil
}

// =============================================================================
// Construction
// =============================================================================

func TestNew_Bootstrap(t *testing.T) {
	s, _ := newCounterStore(t)
	snap := s.Snapshot()

	assert.Equal(t, uint64(0), snap.Version())
	assert.Nil(t, snap.Previous())
	assert.Equal(t, ModificationIndeterminate, snap.Modification().Kind)
	assert.Equal(t, "counter", s.Name())
}

func TestNew_DefaultNameIsCallSite(t *testing.T) {
	s := New[counterState, string](counterState{}, WithDiagnostics(NopDiagnostics{}))
	defer s.Close()
	assert.Contains(t, s.Name(), "store_test.go:")
}

func TestNew_RejectsReferenceTypes(t *testing.T) {
	tests := []struct {
		name string
		fn   func()
	}{
		{"slice", func() { New[[]int, struct{}](nil) }},
		{"map", func() { New[map[string]int, struct{}](nil) }},
		{"pointer", func() { New[*counterState, struct{}](nil) }},
		{"interface", func() { New[any, struct{}](nil) }},
		{"func", func() { New[func(), struct{}](nil) }},
		{"chan", func() { New[chan int, struct{}](nil) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Panics(t, tt.fn)
		})
	}

	assert.NotPanics(t, func() {
		New[int, struct{}](0).Close()
		New[counterState, struct{}](counterState{}).Close()
	})
}

// =============================================================================
// Commit pipeline
// =============================================================================

func TestCommit_ProducesSnapshot(t *testing.T) {
	s, rec := newCounterStore(t)

	require.NoError(t, s.Commit(increment))
	require.NoError(t, s.Commit(increment))

	snap := s.Snapshot()
	assert.Equal(t, 2, snap.Value().Count)
	assert.Equal(t, uint64(2), snap.Version())
	assert.Equal(t, []string{"count"}, snap.Paths())
	assert.Equal(t, ModificationGranular, snap.Modification().Kind)
	require.NotNil(t, snap.Previous())
	assert.Equal(t, uint64(1), snap.Previous().Version())
	assert.Nil(t, snap.Previous().Previous(), "previous is kept one level deep")
	assert.NotEqual(t, snap.TransactionID(), snap.Previous().TransactionID())

	commits := rec.Commits()
	require.Len(t, commits, 2)
	assert.Equal(t, "counter", commits[1].StoreName)
	assert.Equal(t, uint64(2), commits[1].Version)
	assert.Equal(t, []string{"count"}, commits[1].Paths)
}

func TestCommit_NoWriteIsFree(t *testing.T) {
	s, rec := newCounterStore(t)

	var values, events atomic.Int32
	s.SubscribeToValue(SinkOptions{DropsFirst: true}, func(*Snapshot[counterState]) { values.Add(1) })
	s.SubscribeToEvents(nil, func(Event[counterState]) { events.Add(1) })

	before := s.Snapshot()
	require.NoError(t, s.Commit(func(mc *MutationContext[counterState]) error {
		_ = mc.Value().Count
		return nil
	}))

	assert.Same(t, before, s.Snapshot())
	assert.Equal(t, uint64(0), s.Snapshot().Version())
	assert.Zero(t, values.Load())
	assert.Zero(t, events.Load())
	assert.Empty(t, rec.Commits())
}

func TestCommit_ErrorAborts(t *testing.T) {
	s, _ := newCounterStore(t)
	boom := errors.New("boom")

	var events atomic.Int32
	s.SubscribeToEvents(nil, func(Event[counterState]) { events.Add(1) })

	err := s.Commit(func(mc *MutationContext[counterState]) error {
		mc.Update("count", func(s *counterState) { s.Count = 99 })
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, s.Value().Count)
	assert.Equal(t, uint64(0), s.Snapshot().Version())
	assert.Zero(t, events.Load())

	// The lock was released.
	require.NoError(t, s.Commit(increment))
	assert.Equal(t, uint64(1), s.Snapshot().Version())
}

func TestCommit_PanicReleasesLock(t *testing.T) {
	s, _ := newCounterStore(t)

	assert.Panics(t, func() {
		_ = s.Commit(func(mc *MutationContext[counterState]) error {
			mc.Update("count", func(s *counterState) { s.Count = 1 })
			panic("mutation bug")
		})
	})
	require.NoError(t, s.Commit(increment))
	assert.Equal(t, 1, s.Value().Count)
}

func TestCommit_NilMutation(t *testing.T) {
	s, _ := newCounterStore(t)
	assert.ErrorIs(t, s.Commit(nil), ErrNilMutation)
	_, err := CommitResult[counterState, string, int](s, nil)
	assert.ErrorIs(t, err, ErrNilMutation)
}

func TestCommitContext_CanceledContext(t *testing.T) {
	s, _ := newCounterStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.CommitContext(ctx, increment), context.Canceled)
	assert.Equal(t, uint64(0), s.Snapshot().Version())
}

func TestCommitNamed_RecordsNameAndOrigin(t *testing.T) {
	s, rec := newCounterStore(t)

	require.NoError(t, s.CommitNamed("bump", increment))

	snap := s.Snapshot()
	assert.Equal(t, "bump", snap.CommitName())
	assert.Equal(t, "store_test.go", filepath.Base(snap.Origin().File))
	assert.Positive(t, snap.Origin().Line)
	assert.Equal(t, "bump", rec.Commits()[0].Name)
}

func TestCommitResult(t *testing.T) {
	s, _ := newCounterStore(t)

	got, err := CommitResult(s, func(mc *MutationContext[counterState]) (int, error) {
		mc.Update("count", func(s *counterState) { s.Count += 5 })
		return mc.Value().Count, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, got)
}

func TestCommit_Replace(t *testing.T) {
	s, _ := newCounterStore(t)

	require.NoError(t, s.Commit(func(mc *MutationContext[counterState]) error {
		mc.Replace(counterState{Count: 7, Label: "x"})
		return nil
	}))
	snap := s.Snapshot()
	assert.Equal(t, ModificationFullReplacement, snap.Modification().Kind)
	assert.True(t, snap.Touched("anything"))
	assert.Equal(t, counterState{Count: 7, Label: "x"}, snap.Value())
}

func TestCommit_MiddlewareComposition(t *testing.T) {
	s := New[composeState, struct{}](composeState{}, WithDiagnostics(NopDiagnostics{}))
	defer s.Close()

	var m2SawPaths []string
	s.AddMiddleware(MiddlewareFunc[composeState](func(mc *MutationContext[composeState], current *Snapshot[composeState]) {
		mc.Update("a", func(v *composeState) { v.A = v.Input + 1 })
	}))
	s.AddMiddleware(MiddlewareFunc[composeState](func(mc *MutationContext[composeState], current *Snapshot[composeState]) {
		m2SawPaths = current.Paths()
		a := current.Value().A
		mc.Update("b", func(v *composeState) { v.B = a * 10 })
	}))

	require.NoError(t, s.Commit(func(mc *MutationContext[composeState]) error {
		mc.Update("input", func(v *composeState) { v.Input = 4 })
		return nil
	}))

	snap := s.Snapshot()
	assert.Equal(t, composeState{Input: 4, A: 5, B: 50}, snap.Value())
	assert.Equal(t, []string{"a", "b", "input"}, snap.Paths())
	assert.Equal(t, []string{"a", "input"}, m2SawPaths)
	assert.Equal(t, uint64(1), snap.Version())
}

func TestCommit_MiddlewareSeesPreTransactionPrevious(t *testing.T) {
	s, _ := newCounterStore(t)
	require.NoError(t, s.Commit(increment))

	var prevCount int
	var interimVersion uint64
	s.AddMiddleware(MiddlewareFunc[counterState](func(mc *MutationContext[counterState], current *Snapshot[counterState]) {
		prevCount = current.Previous().Value().Count
		interimVersion = current.Version()
	}))

	require.NoError(t, s.Commit(increment))
	assert.Equal(t, 1, prevCount)
	assert.Equal(t, uint64(2), interimVersion)
}

func TestCommit_MiddlewareSkippedForNoop(t *testing.T) {
	s, _ := newCounterStore(t)
	var calls int
	s.AddMiddleware(MiddlewareFunc[counterState](func(*MutationContext[counterState], *Snapshot[counterState]) { calls++ }))

	require.NoError(t, s.Commit(func(*MutationContext[counterState]) error { return nil }))
	assert.Zero(t, calls)
}

func TestCommit_ReducerRunsOnceBeforeMiddleware(t *testing.T) {
	s := New[reducingState, struct{}](reducingState{}, WithDiagnostics(NopDiagnostics{}))
	defer s.Close()

	var doubledSeenByMiddleware int
	s.AddMiddleware(MiddlewareFunc[reducingState](func(mc *MutationContext[reducingState], current *Snapshot[reducingState]) {
		doubledSeenByMiddleware = mc.Value().Doubled
	}))

	require.NoError(t, s.Commit(func(mc *MutationContext[reducingState]) error {
		mc.Update("count", func(v *reducingState) { v.Count = 21 })
		return nil
	}))

	v := s.Value()
	assert.Equal(t, 42, v.Doubled)
	assert.Equal(t, 1, v.ReduceCalls)
	assert.Equal(t, 42, doubledSeenByMiddleware)

	// A no-op commit does not trigger the reducer.
	require.NoError(t, s.Commit(func(*MutationContext[reducingState]) error { return nil }))
	assert.Equal(t, 1, s.Value().ReduceCalls)
}

func TestCommit_ClonerIsolatesSnapshots(t *testing.T) {
	s := New[clonedState, struct{}](clonedState{Tags: map[string]int{"a": 1}}, WithDiagnostics(NopDiagnostics{}))
	defer s.Close()

	before := s.Snapshot()
	require.NoError(t, s.Commit(func(mc *MutationContext[clonedState]) error {
		mc.Update("tags", func(v *clonedState) { v.Tags["a"] = 2 })
		return nil
	}))

	assert.Equal(t, 1, before.Value().Tags["a"])
	assert.Equal(t, 2, s.Value().Tags["a"])
}

func TestMutationContext_UseAfterCommitPanics(t *testing.T) {
	s, _ := newCounterStore(t)
	var leaked *MutationContext[counterState]
	require.NoError(t, s.Commit(func(mc *MutationContext[counterState]) error {
		leaked = mc
		return nil
	}))
	assert.Panics(t, func() { leaked.Update("count", func(*counterState) {}) })
}

func TestSnapshot_InsideMutationReturnsPreTransaction(t *testing.T) {
	s, _ := newCounterStore(t)
	require.NoError(t, s.Commit(increment))

	var seen uint64
	require.NoError(t, s.Commit(func(mc *MutationContext[counterState]) error {
		mc.Update("count", func(v *counterState) { v.Count++ })
		seen = s.Snapshot().Version()
		return nil
	}))
	assert.Equal(t, uint64(1), seen)
}

// =============================================================================
// Concurrency
// =============================================================================

func TestCommit_ConcurrentIncrementsAreExclusive(t *testing.T) {
	s, _ := newCounterStore(t, WithDiagnostics(NopDiagnostics{}))

	const goroutines, perGoroutine = 16, 250
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				assert.NoError(t, s.Commit(increment))
			}
		}()
	}
	wg.Wait()

	snap := s.Snapshot()
	assert.Equal(t, goroutines*perGoroutine, snap.Value().Count)
	assert.Equal(t, uint64(goroutines*perGoroutine), snap.Version())
}

func TestSubscribe_MonotonicUnderConcurrentCommits(t *testing.T) {
	s, _ := newCounterStore(t)

	q := executor.NewSerialQueue("monotonic")
	defer q.Close()

	var delivered []uint64
	s.SubscribeToValue(SinkOptions{Executor: q}, func(snap *Snapshot[counterState]) {
		delivered = append(delivered, snap.Version())
	})

	const goroutines, perGoroutine = 8, 100
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(seed, seed*7+1))
			for i := 0; i < perGoroutine; i++ {
				if rng.IntN(4) == 0 {
					time.Sleep(time.Duration(rng.IntN(50)) * time.Microsecond)
				}
				assert.NoError(t, s.Commit(increment))
			}
		}(uint64(g + 1))
	}
	wg.Wait()
	q.Flush()

	require.NotEmpty(t, delivered)
	for i := 1; i < len(delivered); i++ {
		require.LessOrEqual(t, delivered[i-1], delivered[i], "delivery regressed at index %d", i)
	}
	assert.Equal(t, uint64(goroutines*perGoroutine), delivered[len(delivered)-1])
}

// =============================================================================
// Subscriptions
// =============================================================================

func TestSubscribe_InitialDelivery(t *testing.T) {
	s, _ := newCounterStore(t)
	require.NoError(t, s.Commit(increment))

	var got []*Snapshot[counterState]
	s.SubscribeToValue(SinkOptions{}, func(snap *Snapshot[counterState]) { got = append(got, snap) })

	require.Len(t, got, 1, "initial delivery must happen before Subscribe returns")
	assert.Equal(t, 1, got[0].Value().Count)
	assert.Nil(t, got[0].Previous())
	assert.True(t, got[0].HasChanged("count"))
	assert.True(t, got[0].HasChanged("label"))

	require.NoError(t, s.Commit(increment))
	require.Len(t, got, 2)
	assert.Equal(t, uint64(2), got[1].Version())
	assert.False(t, got[1].HasChanged("label"))
}

func TestSubscribe_DropsFirst(t *testing.T) {
	s, _ := newCounterStore(t)

	var got []uint64
	s.SubscribeToValue(SinkOptions{DropsFirst: true}, func(snap *Snapshot[counterState]) {
		got = append(got, snap.Version())
	})
	assert.Empty(t, got)

	require.NoError(t, s.Commit(increment))
	assert.Equal(t, []uint64{1}, got)
}

func TestSubscribe_InversionRecovery(t *testing.T) {
	s, rec := newCounterStore(t)

	var (
		mu    sync.Mutex
		works []func()
	)
	capture := executor.Func(func(work func()) {
		mu.Lock()
		defer mu.Unlock()
		works = append(works, work)
	})

	var got []*Snapshot[counterState]
	s.SubscribeToValue(SinkOptions{DropsFirst: true, Executor: capture}, func(snap *Snapshot[counterState]) {
		got = append(got, snap)
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Commit(increment))
	}
	// Each commit schedules will-update then did-update.
	require.Len(t, works, 10)
	didFor := func(version int) func() { return works[2*version-1] }

	didFor(5)()
	didFor(3)()

	require.Len(t, got, 2)
	assert.Equal(t, uint64(5), got[0].Version())
	assert.Equal(t, uint64(5), got[1].Version(), "stale version 3 must not be delivered")
	assert.Equal(t, 5, got[1].Value().Count)
	assert.Nil(t, got[1].Previous())
	assert.True(t, got[1].HasChanged("count"))

	errs := rec.RuntimeErrors()
	require.Len(t, errs, 1)
	assert.Equal(t, RuntimeErrorRecoveredFromOlderVersion, errs[0].Kind)
	assert.Equal(t, uint64(3), errs[0].ReceivedVersion)
	assert.Equal(t, uint64(5), errs[0].LastVersion)
	assert.Equal(t, []string{"count"}, errs[0].ReceivedPaths)

	// An equal version is accepted.
	didFor(5)()
	require.Len(t, got, 3)
	assert.NotNil(t, got[2].Previous())
	assert.Equal(t, 1, rec.CountRuntimeErrors(RuntimeErrorRecoveredFromOlderVersion))
}

func TestSubscribe_InversionNotReportedWhenCheckDisabled(t *testing.T) {
	s, rec := newCounterStore(t, WithSanitizer(Sanitizer{CheckDeliveryOrder: false}))

	var works []func()
	capture := executor.Func(func(work func()) { works = append(works, work) })

	var got []uint64
	s.SubscribeToValue(SinkOptions{DropsFirst: true, Executor: capture}, func(snap *Snapshot[counterState]) {
		got = append(got, snap.Version())
	})
	require.NoError(t, s.Commit(increment))
	require.NoError(t, s.Commit(increment))

	works[3]()
	works[1]()
	assert.Equal(t, []uint64{2, 2}, got)
	assert.Empty(t, rec.RuntimeErrors())
}

func TestSubscribe_WillThenDid(t *testing.T) {
	s, _ := newCounterStore(t)

	var kinds []EventKind
	s.SubscribeToEvents(nil, func(ev Event[counterState]) {
		kinds = append(kinds, ev.Kind)
		if ev.Kind == EventWillUpdate {
			assert.Nil(t, ev.Snapshot)
		}
	})
	require.NoError(t, s.Commit(increment))
	require.NoError(t, s.Commit(increment))
	assert.Equal(t, []EventKind{EventWillUpdate, EventDidUpdate, EventWillUpdate, EventDidUpdate}, kinds)
}

func TestSubscription_CancelIsIdempotent(t *testing.T) {
	s, _ := newCounterStore(t)

	var calls int
	sub := s.SubscribeToValue(SinkOptions{DropsFirst: true}, func(*Snapshot[counterState]) { calls++ })
	require.Equal(t, 1, s.SubscriberCount())

	require.NoError(t, s.Commit(increment))
	sub.Cancel()
	sub.Cancel()
	assert.True(t, sub.Canceled())
	assert.Equal(t, 0, s.SubscriberCount())

	require.NoError(t, s.Commit(increment))
	assert.Equal(t, 1, calls)
}

func TestSubscription_CancelBeforeQueuedWorkRuns(t *testing.T) {
	s, _ := newCounterStore(t)

	var works []func()
	capture := executor.Func(func(work func()) { works = append(works, work) })

	var calls int
	sub := s.SubscribeToValue(SinkOptions{DropsFirst: true, Executor: capture}, func(*Snapshot[counterState]) { calls++ })
	require.NoError(t, s.Commit(increment))
	sub.Cancel()
	for _, w := range works {
		w()
	}
	assert.Zero(t, calls)
}

func TestSubscription_CancelFromCallback(t *testing.T) {
	s, _ := newCounterStore(t)

	var calls int
	var sub *Subscription
	sub = s.SubscribeToValue(SinkOptions{DropsFirst: true}, func(*Snapshot[counterState]) {
		calls++
		sub.Cancel()
	})
	require.NoError(t, s.Commit(increment))
	require.NoError(t, s.Commit(increment))
	assert.Equal(t, 1, calls)
}

func TestSubscriber_PanicIsContained(t *testing.T) {
	s, _ := newCounterStore(t)

	var after int
	s.SubscribeToValue(SinkOptions{DropsFirst: true}, func(*Snapshot[counterState]) { panic("subscriber bug") })
	s.SubscribeToValue(SinkOptions{DropsFirst: true}, func(*Snapshot[counterState]) { after++ })

	require.NoError(t, s.Commit(increment))
	assert.Equal(t, 1, after)
}

func TestSubscriptionBag(t *testing.T) {
	s, _ := newCounterStore(t)

	var bag SubscriptionBag
	var calls atomic.Int32
	for i := 0; i < 3; i++ {
		bag.Add(s.SubscribeToValue(SinkOptions{DropsFirst: true}, func(*Snapshot[counterState]) { calls.Add(1) }))
	}
	require.NoError(t, s.Commit(increment))
	bag.CancelAll()
	require.NoError(t, s.Commit(increment))

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 0, s.SubscriberCount())
}

// =============================================================================
// Re-entrancy
// =============================================================================

func TestCommit_InsideMutationIsRejected(t *testing.T) {
	s, _ := newCounterStore(t)

	var inner error
	require.NoError(t, s.Commit(func(mc *MutationContext[counterState]) error {
		inner = s.Commit(increment)
		mc.Update("count", func(v *counterState) { v.Count = 10 })
		return nil
	}))
	assert.ErrorIs(t, inner, ErrReentrantCommit)
	assert.Equal(t, 10, s.Value().Count)
}

func TestCommit_InsideMiddlewareIsRejected(t *testing.T) {
	s, _ := newCounterStore(t)

	var inner error
	s.AddMiddleware(MiddlewareFunc[counterState](func(*MutationContext[counterState], *Snapshot[counterState]) {
		inner = s.Commit(increment)
	}))
	require.NoError(t, s.Commit(increment))
	assert.ErrorIs(t, inner, ErrReentrantCommit)
}

func TestCommit_FromCallbackIsReported(t *testing.T) {
	s, rec := newCounterStore(t)

	var nested atomic.Bool
	s.SubscribeToValue(SinkOptions{DropsFirst: true}, func(snap *Snapshot[counterState]) {
		if snap.Value().Count == 1 && nested.CompareAndSwap(false, true) {
			assert.NoError(t, s.CommitNamed("nested", func(mc *MutationContext[counterState]) error {
				mc.Update("label", func(v *counterState) { v.Label = "nested" })
				return nil
			}))
		}
	})

	require.NoError(t, s.Commit(increment))

	assert.Equal(t, uint64(2), s.Snapshot().Version())
	assert.Equal(t, "nested", s.Value().Label)
	errs := rec.RuntimeErrors()
	require.Len(t, errs, 1)
	assert.Equal(t, RuntimeErrorRecursiveCommit, errs[0].Kind)
	assert.Equal(t, 2, errs[0].Depth)
	assert.Zero(t, s.tracker.active())
}

func TestCommit_FromCallbackNotReportedWhenDetectionDisabled(t *testing.T) {
	s, rec := newCounterStore(t, WithSanitizer(Sanitizer{}))

	var once sync.Once
	s.SubscribeToValue(SinkOptions{DropsFirst: true}, func(*Snapshot[counterState]) {
		once.Do(func() { assert.NoError(t, s.Commit(increment)) })
	})
	require.NoError(t, s.Commit(increment))

	assert.Equal(t, 2, s.Value().Count)
	assert.Empty(t, rec.RuntimeErrors())
}

// =============================================================================
// Activity
// =============================================================================

func TestActivity_OrderAndLogging(t *testing.T) {
	s, rec := newCounterStore(t)

	var got []string
	sub := s.SubscribeToActivity(nil, func(a string) { got = append(got, a) })
	require.Equal(t, 1, s.ActivitySubscriberCount())

	for _, a := range []string{"alert", "toast", "navigate"} {
		s.Send(a)
	}
	assert.Equal(t, []string{"alert", "toast", "navigate"}, got)
	assert.Len(t, rec.Activities(), 3)
	assert.Equal(t, uint64(0), s.Snapshot().Version(), "activities never touch the value")

	sub.Cancel()
	s.Send("ignored")
	assert.Len(t, got, 3)
}

// =============================================================================
// Tasks and teardown
// =============================================================================

func TestStore_Tasks(t *testing.T) {
	s, _ := newCounterStore(t)
	key := taskqueue.NewKey("load")

	release := make(chan struct{})
	task, err := s.Task(key, taskqueue.ModeReplace, func(ctx context.Context) error {
		<-release
		return s.Commit(increment)
	})
	require.NoError(t, err)
	assert.True(t, s.IsTaskRunning(key))

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, task.Wait(ctx))
	assert.Equal(t, 1, s.Value().Count)
	require.Eventually(t, func() bool { return !s.IsTaskRunning(key) }, 2*time.Second, time.Millisecond)
}

func TestStore_CancelAllTasks(t *testing.T) {
	s, _ := newCounterStore(t)

	task, err := s.Task(taskqueue.DistinctKey(), taskqueue.ModeReplace, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	s.CancelAllTasks()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.ErrorIs(t, task.Wait(ctx), taskqueue.ErrCanceled)
}

func TestStore_Close(t *testing.T) {
	s := New[counterState, string](counterState{}, WithDiagnostics(NopDiagnostics{}))

	var calls int
	sub := s.SubscribeToValue(SinkOptions{DropsFirst: true}, func(*Snapshot[counterState]) { calls++ })
	task, err := s.Task(taskqueue.NewKey("long"), taskqueue.ModeReplace, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	require.NoError(t, err)

	s.Close()
	s.Close()

	assert.True(t, sub.Canceled())
	assert.ErrorIs(t, s.Commit(increment), ErrStoreClosed)
	assert.Zero(t, calls)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.ErrorIs(t, task.Wait(ctx), taskqueue.ErrCanceled)

	_, err = s.Task(taskqueue.NewKey("late"), taskqueue.ModeReplace, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.False(t, s.IsTaskRunning(taskqueue.NewKey("long")))

	late := s.SubscribeToValue(SinkOptions{}, func(*Snapshot[counterState]) { calls++ })
	assert.True(t, late.Canceled())
	assert.Zero(t, calls)
}

func TestStore_SharedTaskManagerNotClosed(t *testing.T) {
	m := taskqueue.NewManager(taskqueue.DefaultConfig(), nil)
	defer m.Close()

	s := New[counterState, string](counterState{}, WithTaskManager(m), WithDiagnostics(NopDiagnostics{}))
	s.Close()

	task, err := m.Schedule(taskqueue.NewKey("after"), taskqueue.ModeReplace, func(context.Context) error { return nil })
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, task.Wait(ctx))
}

func TestStore_DroppedWithoutCloseReleasesTasks(t *testing.T) {
	m, task := func() (*taskqueue.Manager, *taskqueue.Task) {
		s := New[counterState, string](counterState{}, WithDiagnostics(NopDiagnostics{}))
		task, err := s.Task(taskqueue.NewKey("orphan"), taskqueue.ModeReplace, func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		})
		require.NoError(t, err)
		require.True(t, s.ownsTasks)
		return s.tasks, task
	}()

	deadline := time.After(10 * time.Second)
wait:
	for {
		runtime.GC()
		select {
		case <-m.Done():
			break wait
		case <-deadline:
			t.Fatal("task manager still running after its store became unreachable")
		case <-time.After(20 * time.Millisecond):
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.ErrorIs(t, task.Wait(ctx), taskqueue.ErrCanceled)
}

func TestHeldBy_UnknownGoroutineNeverMatches(t *testing.T) {
	s, _ := newCounterStore(t)

	assert.False(t, s.heldBy(0))
	assert.False(t, s.heldBy(goroutineID()))

	require.NoError(t, s.Commit(func(mc *MutationContext[counterState]) error {
		assert.True(t, s.heldBy(goroutineID()))
		assert.False(t, s.heldBy(0))
		mc.Update("count", func(v *counterState) { v.Count++ })
		return nil
	}))
}
