// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package bucketing rounds buffer sizes and counts to a granularity.
//
// The hybrid embedding uses it to size fixed-capacity buffers (hash tables are rounded up to a
// power of 2) and to round the number of frequent categories to the cache granularity (a multiple
// of the number of instances, so every instance owns the same number of cache slots).
//
//   - Pow2: rounds up to the next power of 2 (1,2,4,8,16,...)
//   - Linear: rounds up to a multiple of a step (8,16,24,...)
package bucketing

// Strategy rounds a size up.
//
// Implementations must:
//   - Return non-positive values unchanged.
//   - Never return less than the input.
//   - Be deterministic.
type Strategy interface {
	Bucket(n int) int
}

// Pow2Strategy rounds sizes up to the next power of 2.
//
// Example mappings: 1→1, 2→2, 3→4, 5→8, 9→16, 17→32
type Pow2Strategy struct{}

// Pow2 returns a power-of-2 bucketing strategy.
func Pow2() Strategy {
	return Pow2Strategy{}
}

// Bucket implements Strategy.
func (Pow2Strategy) Bucket(n int) int {
	if n <= 1 {
		return n
	}
	v := uint64(n - 1)
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	return int(v + 1)
}

// LinearStrategy rounds sizes up to multiples of Step.
//
// Example with Step=8: 1→8, 8→8, 9→16, 17→24
type LinearStrategy struct {
	Step int
}

// Linear returns a linear bucketing strategy with the given step. Steps <= 0 are taken as 1.
func Linear(step int) LinearStrategy {
	if step <= 0 {
		step = 1
	}
	return LinearStrategy{Step: step}
}

// Bucket implements Strategy.
func (b LinearStrategy) Bucket(n int) int {
	if n <= 0 {
		return n
	}
	return ((n + b.Step - 1) / b.Step) * b.Step
}

// Floor rounds n down to a multiple of Step.
func (b LinearStrategy) Floor(n int) int {
	if n <= 0 {
		return n
	}
	return (n / b.Step) * b.Step
}
