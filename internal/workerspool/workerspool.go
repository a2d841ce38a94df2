// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool implements the goroutine pool used to run the blocks of a "device kernel".
//
// A kernel over n items is split into blocks; each block runs in a goroutine taken from the pool,
// and the number of concurrently running blocks is bounded by MaxParallelism.
package workerspool

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool of workers that run kernel blocks.
type Pool struct {
	// maxParallelism is a soft target on the limit of parallel blocks running.
	// The actual number of goroutines can be higher -- because of blocks that are waiting on others.
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Signaled whenever numRunning is decreased.
	numRunning     int

	// extraParallelism is temporarily increased when a worker goes to sleep.
	extraParallelism atomic.Int32
}

// New returns a new Pool with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	w := &Pool{}
	w.maxParallelism = runtime.NumCPU()
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// IsEnabled returns whether parallelism is enabled (maxParallelism != 0).
func (w *Pool) IsEnabled() bool {
	return w.maxParallelism != 0
}

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0).
func (w *Pool) IsUnlimited() bool {
	return w.maxParallelism < 0
}

// MaxParallelism is a soft-target for parallelism.
// If 0 parallelism is disabled and every block runs inline.
// If -1 parallelism is unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism sets the maxParallelism.
//
// Only change it while no kernel is running, otherwise the behavior is undefined.
func (w *Pool) SetMaxParallelism(maxParallelism int) {
	w.maxParallelism = maxParallelism
}

const goroutineToParallelismRatio = 2

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with Pool.mu acquired.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism == 0 {
		return true
	} else if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= goroutineToParallelismRatio*w.maxParallelism+int(w.extraParallelism.Load())
}

// WaitToStart waits until there is a worker available to run the task, and starts it in a goroutine.
//
// If parallelism is disabled (maxParallelism is 0), it runs the task inline and returns when it is finished.
func (w *Pool) WaitToStart(task func()) {
	if w.IsUnlimited() {
		go task()
		return
	} else if w.maxParallelism == 0 {
		task()
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.lockedRunTaskInGoroutine(task)
}

// lockedRunTaskInGoroutine runs task and keeps tabs on w.numRunning.
//
// It must be called with Pool.mu acquired.
func (w *Pool) lockedRunTaskInGoroutine(task func()) {
	w.numRunning++
	go func() {
		task()
		w.mu.Lock()
		w.numRunning--
		w.cond.Signal()
		w.mu.Unlock()
	}()
}

// Blocks runs kernel(lo, hi) for consecutive blocks of blockSize items covering [0, n), and waits
// for all of them to finish. The last block may be shorter.
//
// It is the "launch + synchronize" of a device kernel: when it returns every block has finished and
// all their writes are visible to the caller.
func (w *Pool) Blocks(n, blockSize int, kernel func(lo, hi int)) {
	if n <= 0 {
		return
	}
	if blockSize <= 0 {
		blockSize = n
	}
	numBlocks := (n + blockSize - 1) / blockSize
	if numBlocks == 1 || !w.IsEnabled() {
		for lo := 0; lo < n; lo += blockSize {
			kernel(lo, min(lo+blockSize, n))
		}
		return
	}
	var wg sync.WaitGroup
	wg.Add(numBlocks)
	for lo := 0; lo < n; lo += blockSize {
		hi := min(lo+blockSize, n)
		w.WaitToStart(func() {
			defer wg.Done()
			kernel(lo, hi)
		})
	}
	wg.Wait()
}

// WorkerIsAsleep indicates the worker (the one that called the method) is going to sleep waiting
// for other workers, e.g. spinning on a hash table entry being published by another block, and
// temporarily increases the available number of workers.
//
// Call WorkerRestarted when the worker is ready to run again.
func (w *Pool) WorkerIsAsleep() {
	w.extraParallelism.Add(1)
	// Wake up a launcher waiting for a free worker.
	w.mu.Lock()
	w.cond.Signal()
	w.mu.Unlock()
}

// WorkerRestarted indicates the worker is ready to run again.
// It should only be called after WorkerIsAsleep.
func (w *Pool) WorkerRestarted() {
	w.extraParallelism.Add(-1)
}
