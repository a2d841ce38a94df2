// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package statistics

import (
	"slices"
	"sync"

	"github.com/gomlx/hybridembedding/pkg/embedding/keys"
)

// Sampler accumulates category counts over a rolling window of the most recent steps, so the
// statistics used to (re)calibrate the placement don't need to be computed at full rate every step.
//
// It is safe for concurrent use.
type Sampler struct {
	mu       sync.Mutex
	window   int
	steps    []map[keys.Category]uint64 // Ring buffer, one entry per step.
	next     int
	numSteps int
	totals   map[keys.Category]uint64
}

// NewSampler returns a Sampler that keeps the counts of the last window steps. window must be >= 1.
func NewSampler(window int) *Sampler {
	window = max(window, 1)
	return &Sampler{
		window: window,
		steps:  make([]map[keys.Category]uint64, window),
		totals: make(map[keys.Category]uint64),
	}
}

// Window returns the number of steps kept.
func (s *Sampler) Window() int { return s.window }

// NumSteps returns the number of steps currently in the window.
func (s *Sampler) NumSteps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numSteps
}

// Add the categories (flattened, globally unique) of one step. If the window is full, the oldest step
// is dropped.
func (s *Sampler) Add(categories []keys.Category) {
	counts := make(map[keys.Category]uint64)
	for _, c := range categories {
		counts[c]++
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old := s.steps[s.next]; old != nil {
		for c, n := range old {
			if s.totals[c] == n {
				delete(s.totals, c)
			} else {
				s.totals[c] -= n
			}
		}
	} else {
		s.numSteps++
	}
	for c, n := range counts {
		s.totals[c] += n
	}
	s.steps[s.next] = counts
	s.next = (s.next + 1) % s.window
}

// Statistics returns the statistics over the steps in the window.
func (s *Sampler) Statistics() *Statistics {
	s.mu.Lock()
	pairs := make([]categoryCount, 0, len(s.totals))
	for c, n := range s.totals {
		pairs = append(pairs, categoryCount{c, n})
	}
	numSteps := s.numSteps
	s.mu.Unlock()

	slices.SortFunc(pairs, compareCounts)
	return fromCounts(pairs, numSteps)
}

// Reset drops all accumulated steps.
func (s *Sampler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.steps)
	clear(s.totals)
	s.next = 0
	s.numSteps = 0
}
