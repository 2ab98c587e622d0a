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
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// RuntimeErrorKind classifies a recoverable anomaly.
type RuntimeErrorKind int

const (
	// RuntimeErrorRecoveredFromOlderVersion means a subscription received
	// an older snapshot than it had already delivered and was sent a
	// repeat of the newer one instead.
	RuntimeErrorRecoveredFromOlderVersion RuntimeErrorKind = iota + 1

	// RuntimeErrorRecursiveCommit means a commit was issued from inside the
	// notification step of another commit on the same goroutine.
	RuntimeErrorRecursiveCommit
)

// String returns a snake_case name for the kind.
func (k RuntimeErrorKind) String() string {
	switch k {
	case RuntimeErrorRecoveredFromOlderVersion:
		return "recovered_from_older_version"
	case RuntimeErrorRecursiveCommit:
		return "recursive_commit"
	default:
		return "unknown"
	}
}

// CommitLog describes one finished commit.
type CommitLog struct {
	StoreName     string
	Name          string
	Origin        Origin
	Version       uint64
	Paths         []string
	Kind          ModificationKind
	TransactionID uuid.UUID
	Elapsed       time.Duration
}

// ActivityLog describes one emitted activity.
type ActivityLog struct {
	StoreName string
	Activity  any
}

// RuntimeError describes a recoverable anomaly. Version and path fields
// are filled for delivery inversions; Depth for recursive commits.
type RuntimeError struct {
	Kind            RuntimeErrorKind
	StoreName       string
	ReceivedVersion uint64
	LastVersion     uint64
	ReceivedPaths   []string
	LastPaths       []string
	Depth           int
	Origin          Origin
}

// Diagnostics receives structured records from a store. Implementations
// must be safe for concurrent use and must not call back into the store.
type Diagnostics interface {
	DidCommit(CommitLog)
	DidSendActivity(ActivityLog)
	DidFindRuntimeError(RuntimeError)
}

// NopDiagnostics discards every record.
type NopDiagnostics struct{}

func (NopDiagnostics) DidCommit(CommitLog)              {}
func (NopDiagnostics) DidSendActivity(ActivityLog)      {}
func (NopDiagnostics) DidFindRuntimeError(RuntimeError) {}

// -----------------------------------------------------------------------------
// SlogDiagnostics
// -----------------------------------------------------------------------------

// SlogDiagnostics writes records to a slog logger. Commits and activities
// log at Debug; runtime errors log at Warn, rate limited so a storm of
// inversions cannot flood the log. Suppressed warnings are counted and
// reported on the next allowed line.
type SlogDiagnostics struct {
	logger  *slog.Logger
	limiter *rate.Limiter

	mu         sync.Mutex
	suppressed int
}

// NewSlogDiagnostics creates a SlogDiagnostics.
//
// Inputs:
//
//	logger    - Destination. Nil uses slog.Default().
//	perSecond - Warn lines allowed per second. Zero or less disables the limit.
func NewSlogDiagnostics(logger *slog.Logger, perSecond float64) *SlogDiagnostics {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	burst := 0
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		burst = max(1, int(perSecond))
	}
	return &SlogDiagnostics{
		logger:  logger,
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (d *SlogDiagnostics) DidCommit(l CommitLog) {
	d.logger.Debug("commit",
		slog.String("store", l.StoreName),
		slog.String("name", l.Name),
		slog.String("origin", l.Origin.String()),
		slog.Uint64("version", l.Version),
		slog.Any("paths", l.Paths),
		slog.String("modification", l.Kind.String()),
		slog.String("transaction_id", l.TransactionID.String()),
		slog.Duration("elapsed", l.Elapsed),
	)
}

func (d *SlogDiagnostics) DidSendActivity(l ActivityLog) {
	d.logger.Debug("activity",
		slog.String("store", l.StoreName),
		slog.Any("activity", l.Activity),
	)
}

func (d *SlogDiagnostics) DidFindRuntimeError(e RuntimeError) {
	if !d.limiter.Allow() {
		d.mu.Lock()
		d.suppressed++
		d.mu.Unlock()
		return
	}
	d.mu.Lock()
	suppressed := d.suppressed
	d.suppressed = 0
	d.mu.Unlock()

	attrs := []any{
		slog.String("kind", e.Kind.String()),
		slog.String("store", e.StoreName),
	}
	switch e.Kind {
	case RuntimeErrorRecoveredFromOlderVersion:
		attrs = append(attrs,
			slog.Uint64("received_version", e.ReceivedVersion),
			slog.Uint64("last_version", e.LastVersion),
			slog.Any("received_paths", e.ReceivedPaths),
			slog.Any("last_paths", e.LastPaths),
		)
	case RuntimeErrorRecursiveCommit:
		attrs = append(attrs,
			slog.Int("depth", e.Depth),
			slog.String("origin", e.Origin.String()),
		)
	}
	if suppressed > 0 {
		attrs = append(attrs, slog.Int("suppressed", suppressed))
	}
	d.logger.Warn("store runtime anomaly", attrs...)
}

// -----------------------------------------------------------------------------
// RecordingDiagnostics
// -----------------------------------------------------------------------------

// RecordingDiagnostics keeps every record in memory.
type RecordingDiagnostics struct {
	mu         sync.Mutex
	commits    []CommitLog
	activities []ActivityLog
	errors     []RuntimeError
}

func (r *RecordingDiagnostics) DidCommit(l CommitLog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits = append(r.commits, l)
}

func (r *RecordingDiagnostics) DidSendActivity(l ActivityLog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activities = append(r.activities, l)
}

func (r *RecordingDiagnostics) DidFindRuntimeError(e RuntimeError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, e)
}

// Commits returns a copy of the recorded commit logs.
func (r *RecordingDiagnostics) Commits() []CommitLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CommitLog(nil), r.commits...)
}

// Activities returns a copy of the recorded activity logs.
func (r *RecordingDiagnostics) Activities() []ActivityLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ActivityLog(nil), r.activities...)
}

// RuntimeErrors returns a copy of the recorded runtime errors.
func (r *RecordingDiagnostics) RuntimeErrors() []RuntimeError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RuntimeError(nil), r.errors...)
}

// CountRuntimeErrors returns how many runtime errors of kind were recorded.
func (r *RecordingDiagnostics) CountRuntimeErrors(kind RuntimeErrorKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.errors {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// multiDiagnostics fans records out to several sinks.
type multiDiagnostics []Diagnostics

func (m multiDiagnostics) DidCommit(l CommitLog) {
	for _, d := range m {
		d.DidCommit(l)
	}
}

func (m multiDiagnostics) DidSendActivity(l ActivityLog) {
	for _, d := range m {
		d.DidSendActivity(l)
	}
}

func (m multiDiagnostics) DidFindRuntimeError(e RuntimeError) {
	for _, d := range m {
		d.DidFindRuntimeError(e)
	}
}

// MultiDiagnostics combines sinks. Nil entries are skipped.
func MultiDiagnostics(sinks ...Diagnostics) Diagnostics {
	var out multiDiagnostics
	for _, d := range sinks {
		if d != nil {
			out = append(out, d)
		}
	}
	switch len(out) {
	case 0:
		return NopDiagnostics{}
	case 1:
		return out[0]
	default:
		return out
	}
}
