// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package session

import "github.com/pkg/errors"

var (
	// ErrConfiguration is the cause of every error detected at setup time: bad calibration data,
	// undersized hash tables, shard matrices inconsistent with the topology, etc.
	// These are fatal: initialization must abort.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrCapacityOverflow is the cause of a runtime overflow of a fixed-capacity buffer
	// (hash table, partition slab). It indicates an undersized configuration: the step must not
	// silently drop keys, and the run must halt.
	ErrCapacityOverflow = errors.New("capacity overflow")
)

// ConfigErrorf returns an error with ErrConfiguration as its cause.
func ConfigErrorf(format string, args ...any) error {
	return errors.WithMessagef(ErrConfiguration, format, args...)
}

// OverflowErrorf returns an error with ErrCapacityOverflow as its cause.
// The message should name the phase and the buffer that overflowed.
func OverflowErrorf(format string, args ...any) error {
	return errors.WithMessagef(ErrCapacityOverflow, format, args...)
}
