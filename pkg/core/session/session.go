// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package session holds the state scoped to one training run: the worker pool used to launch
// kernels, the operator-name registry, the profiler and the metrics registry.
//
// There are no process-wide singletons: a Session is created once per run and passed by pointer
// to every operator.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/hybridembedding/internal/workerspool"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultBlockSize is the number of items processed by each block of a kernel.
const DefaultBlockSize = 4096

// Session of one training run.
type Session struct {
	id        uuid.UUID
	pool      *workerspool.Pool
	blockSize int
	profiler  *Profiler
	metrics   *Metrics

	muNames  sync.Mutex
	opCounts map[string]int
}

// New creates a Session with the default parallelism (runtime.NumCPU()).
func New() *Session {
	return &Session{
		id:        uuid.New(),
		pool:      workerspool.New(),
		blockSize: DefaultBlockSize,
		profiler:  NewProfiler(),
		metrics:   newMetrics(),
		opCounts:  make(map[string]int),
	}
}

// WithParallelism sets the soft limit of kernel blocks running in parallel.
// 0 runs every block inline, -1 is unlimited. It returns the session itself.
func (s *Session) WithParallelism(parallelism int) *Session {
	s.pool.SetMaxParallelism(parallelism)
	return s
}

// WithBlockSize sets the number of items per kernel block. It returns the session itself.
func (s *Session) WithBlockSize(blockSize int) *Session {
	if blockSize > 0 {
		s.blockSize = blockSize
	}
	return s
}

// ID of the run.
func (s *Session) ID() uuid.UUID { return s.id }

// Pool returns the worker pool used to launch kernels.
func (s *Session) Pool() *workerspool.Pool { return s.pool }

// BlockSize returns the number of items per kernel block.
func (s *Session) BlockSize() int { return s.blockSize }

// Profiler returns the run's profiler.
func (s *Session) Profiler() *Profiler { return s.profiler }

// Metrics returns the run's metrics.
func (s *Session) Metrics() *Metrics { return s.metrics }

// UniqueOpName returns a name unique within the session, built from prefix: the first call returns
// "prefix", the following ones "prefix_1", "prefix_2", ...
func (s *Session) UniqueOpName(prefix string) string {
	s.muNames.Lock()
	defer s.muNames.Unlock()
	count := s.opCounts[prefix]
	s.opCounts[prefix] = count + 1
	if count == 0 {
		return prefix
	}
	return fmt.Sprintf("%s_%d", prefix, count)
}

// Launch runs kernel over the range [0, n) split in blocks of BlockSize, and waits for all the blocks
// to finish: it works as a barrier between phases.
//
// Blocks may fail by returning an error or by panicking (e.g. with exceptions.Panicf); the first
// failure is returned, annotated with the kernel name. All blocks run to completion regardless.
func (s *Session) Launch(name string, n int, kernel func(lo, hi int) error) error {
	return s.LaunchWithBlockSize(name, n, s.blockSize, kernel)
}

// LaunchWithBlockSize is like Launch, but with an explicit number of items per block. Kernels where
// each item is expensive (e.g. one item per partition) use small blocks.
func (s *Session) LaunchWithBlockSize(name string, n, blockSize int, kernel func(lo, hi int) error) error {
	if n <= 0 {
		return nil
	}
	start := time.Now()
	var (
		muErr    sync.Mutex
		firstErr error
	)
	s.pool.Blocks(n, blockSize, func(lo, hi int) {
		err := exceptions.TryCatch[error](func() {
			if err := kernel(lo, hi); err != nil {
				panic(err)
			}
		})
		if err != nil {
			muErr.Lock()
			if firstErr == nil {
				firstErr = err
			}
			muErr.Unlock()
		}
	})
	elapsed := time.Since(start)
	s.metrics.observePhase(name, elapsed)
	if klog.V(3).Enabled() {
		klog.Infof("kernel %q: %d items in %s", name, n, elapsed)
	}
	if firstErr != nil {
		if errors.Is(firstErr, ErrCapacityOverflow) {
			s.metrics.CapacityOverflows.Inc()
		}
		return errors.WithMessagef(firstErr, "kernel %q failed", name)
	}
	return nil
}
