package workerspool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_Blocks(t *testing.T) {
	for _, parallelism := range []int{0, 1, 4, -1} {
		pool := New()
		pool.SetMaxParallelism(parallelism)
		const n = 1037
		visited := make([]atomic.Int32, n)
		var numBlocks atomic.Int32
		pool.Blocks(n, 64, func(lo, hi int) {
			numBlocks.Add(1)
			for i := lo; i < hi; i++ {
				visited[i].Add(1)
			}
		})
		assert.Equal(t, int32((n+63)/64), numBlocks.Load(), "parallelism=%d", parallelism)
		for i := range visited {
			require.Equal(t, int32(1), visited[i].Load(), "parallelism=%d, item %d", parallelism, i)
		}
	}

	// Empty kernels never call the block function.
	pool := New()
	pool.Blocks(0, 16, func(lo, hi int) { t.Fatal("unexpected block") })
}

func TestPool_WorkerIsAsleep(t *testing.T) {
	// With parallelism 1 at most 2 blocks run at once: blocks 0 and 1 wait for block 2, which can only
	// start because block 0 declares itself asleep.
	pool := New()
	pool.SetMaxParallelism(1)
	done := make(chan struct{})
	var timedOut atomic.Bool
	wait := func() {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			timedOut.Store(true)
		}
	}
	pool.Blocks(3, 1, func(lo, hi int) {
		switch lo {
		case 0:
			pool.WorkerIsAsleep()
			wait()
			pool.WorkerRestarted()
		case 1:
			wait()
		case 2:
			close(done)
		}
	})
	require.False(t, timedOut.Load(), "block 2 never started while block 0 was asleep")
	assert.Equal(t, int32(0), pool.extraParallelism.Load())
}
