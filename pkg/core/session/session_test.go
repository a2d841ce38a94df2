package session

import (
	"encoding/json"
	"os"
	"sync/atomic"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUniqueOpName(t *testing.T) {
	s := New()
	assert.Equal(t, "compact", s.UniqueOpName("compact"))
	assert.Equal(t, "compact_1", s.UniqueOpName("compact"))
	assert.Equal(t, "select_valid", s.UniqueOpName("select_valid"))
	assert.Equal(t, "compact_2", s.UniqueOpName("compact"))

	// Names are scoped to the session.
	assert.Equal(t, "compact", New().UniqueOpName("compact"))
}

func TestLaunch(t *testing.T) {
	s := New().WithParallelism(4).WithBlockSize(10)

	t.Run("covers all items", func(t *testing.T) {
		var sum atomic.Int64
		require.NoError(t, s.Launch("sum", 1000, func(lo, hi int) error {
			for i := lo; i < hi; i++ {
				sum.Add(int64(i))
			}
			return nil
		}))
		assert.Equal(t, int64(999*1000/2), sum.Load())
	})

	t.Run("returned error", func(t *testing.T) {
		err := s.Launch("overflowing", 100, func(lo, hi int) error {
			if lo == 50 {
				return OverflowErrorf("slab %d full", 3)
			}
			return nil
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrCapacityOverflow))
		assert.Contains(t, err.Error(), "overflowing")
		assert.Contains(t, err.Error(), "slab 3 full")
		assert.Equal(t, 1.0, testutil.ToFloat64(s.Metrics().CapacityOverflows))
	})

	t.Run("panic", func(t *testing.T) {
		err := s.Launch("panicking", 100, func(lo, hi int) error {
			if lo == 20 {
				exceptions.Panicf("bad block at %d", lo)
			}
			return nil
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bad block at 20")
	})

	t.Run("empty", func(t *testing.T) {
		require.NoError(t, s.Launch("empty", 0, func(lo, hi int) error {
			return errors.New("should not be called")
		}))
	})
}

func TestConfigError(t *testing.T) {
	err := ConfigErrorf("table %d has no shard", 2)
	assert.True(t, errors.Is(err, ErrConfiguration))
	assert.False(t, errors.Is(err, ErrCapacityOverflow))
	assert.Contains(t, err.Error(), "table 2 has no shard")
}

func TestProfiler(t *testing.T) {
	p := NewProfiler()
	p.SetWarmupIterations(1)

	// Warm-up iteration: nothing is recorded.
	p.IterStart()
	require.NoError(t, p.RecordEvent("partition.start", 0, ""))
	require.NoError(t, p.RecordEvent("partition.stop", 0, ""))
	p.IterEnd()
	assert.Empty(t, p.Events())

	for range 2 {
		p.IterStart()
		require.NoError(t, p.RecordEvent("partition.start", 0, ""))
		require.NoError(t, p.RecordEvent("partition.start", 1, ""))
		require.NoError(t, p.RecordEvent("partition.stop", 1, "gpu1"))
		require.NoError(t, p.RecordEvent("partition.stop", 0, ""))
		p.IterEnd()
	}
	events := p.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "partition", events[0].Name)
	assert.Equal(t, 1, events[0].DeviceID) // Stopped first.
	assert.Equal(t, []int{1, 2}, events[0].Iterations)
	assert.Len(t, events[1].MeasuredTimesMs, 2)
	assert.Equal(t, []string{"gpu1", "gpu1"}, events[0].ExtraInfos)

	// Invalid labels.
	assert.Error(t, p.RecordEvent("partition", 0, ""))
	assert.Error(t, p.RecordEvent("partition.begin", 0, ""))
	assert.Error(t, p.RecordEvent("compact.stop", 0, ""))

	dir := t.TempDir()
	path, err := p.WriteResult(dir)
	require.NoError(t, err)
	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	var result profileResult
	require.NoError(t, json.Unmarshal(contents, &result))
	assert.Equal(t, 1, result.WarmupIterations)
	assert.Len(t, result.IterTimesMs, 2)
	assert.Len(t, result.Events, 2)
}
