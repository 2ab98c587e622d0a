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

import "errors"

var (
	// ErrStoreClosed is returned by commits issued after Close.
	ErrStoreClosed = errors.New("store is closed")

	// ErrReentrantCommit is returned when a mutation, reducer or middleware
	// tries to commit to the store whose lock it is running under.
	ErrReentrantCommit = errors.New("commit issued from inside a running commit on the same store")

	// ErrNilMutation is returned when Commit is called with a nil function.
	ErrNilMutation = errors.New("mutation must not be nil")
)
