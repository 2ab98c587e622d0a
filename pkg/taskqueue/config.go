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
)

var (
	// ErrCanceled is reported by a task that was canceled before or while
	// running. It wraps context.Canceled.
	ErrCanceled = fmt.Errorf("task canceled: %w", context.Canceled)

	// ErrManagerClosed is returned by Schedule after Close.
	ErrManagerClosed = errors.New("task manager is closed")

	// ErrNilOperation is returned by Schedule when op is nil.
	ErrNilOperation = errors.New("operation must not be nil")

	// ErrTooManyQueues is returned when Config.MaxQueues would be exceeded.
	ErrTooManyQueues = errors.New("too many active task queues")

	// ErrTaskPanicked wraps a panic recovered from an operation.
	ErrTaskPanicked = errors.New("task panicked")
)

// Config controls Manager limits.
type Config struct {
	// MaxQueues caps the number of concurrently active keys. Zero means
	// unlimited.
	MaxQueues int `yaml:"max_queues" json:"max_queues" validate:"gte=0"`

	// TracerName is the OpenTelemetry tracer used for task spans.
	TracerName string `yaml:"tracer_name" json:"tracer_name"`
}

// DefaultConfig returns an unlimited configuration.
func DefaultConfig() Config {
	return Config{TracerName: "verge.taskqueue"}
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.TracerName == "" {
		c.TracerName = "verge.taskqueue"
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.MaxQueues < 0 {
		return fmt.Errorf("max_queues must be >= 0, got %d", c.MaxQueues)
	}
	return nil
}
