package statistics

import (
	"fmt"
	"slices"
	"testing"

	"github.com/gomlx/hybridembedding/pkg/core/session"
	"github.com/gomlx/hybridembedding/pkg/embedding/keys"
	"github.com/gomlx/hybridembedding/pkg/hybrid/inputgen"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeReference(t *testing.T) {
	stats := ComputeReference([]keys.Category{7, 3, 7, 5, 3, 7, 9, 5})
	assert.Equal(t, []keys.Category{7, 3, 5, 9}, stats.CategoriesSorted)
	assert.Equal(t, []uint64{3, 2, 2, 1}, stats.CountsSorted)
	assert.Equal(t, 4, stats.NumUnique())
	assert.Equal(t, uint64(8), stats.Total())
	assert.Equal(t, uint64(2), stats.Count(5))
	assert.Equal(t, uint64(0), stats.Count(11))

	empty := ComputeReference(nil)
	assert.Equal(t, 0, empty.NumUnique())
	assert.Equal(t, uint64(0), empty.Total())
}

// TestComputeCountsSumToLookups: batch_size=8, two tables of 50 categories, 5 trials with a fixed seed.
func TestComputeCountsSumToLookups(t *testing.T) {
	const batchSize = 8
	sess := session.New().WithBlockSize(3)
	gen := must.M1(inputgen.NewWithTableSizes(inputgen.Config{}, []int{50, 50}, 1234))
	for trial := range 5 {
		t.Run(fmt.Sprintf("trial=%d", trial), func(t *testing.T) {
			data := gen.Flattened(batchSize)
			stats, err := Compute(sess, data)
			require.NoError(t, err)
			assert.Equal(t, uint64(batchSize*2), stats.Total())
			assert.True(t, slices.IsSortedFunc(stats.CountsSorted, func(a, b uint64) int {
				return int(b) - int(a)
			}), "counts must be non-increasing: %v", stats.CountsSorted)
			assert.LessOrEqual(t, stats.NumUnique(), batchSize*2)
			assert.Equal(t, ComputeReference(data), stats)
		})
	}
}

func TestComputeMatchesReference(t *testing.T) {
	gen := must.M1(inputgen.New(inputgen.Config{NumTables: 10, NumCategories: 5000}, 99))
	data := gen.Flattened(3000)
	for _, parallelism := range []int{0, 1, 8} {
		sess := session.New().WithParallelism(parallelism).WithBlockSize(256)
		stats, err := Compute(sess, data)
		require.NoError(t, err)
		assert.Equal(t, ComputeReference(data), stats, "parallelism=%d", parallelism)
	}
}

func TestSampler(t *testing.T) {
	s := NewSampler(2)
	s.Add([]keys.Category{1, 1, 2})
	s.Add([]keys.Category{2, 3})
	stats := s.Statistics()
	assert.Equal(t, 2, stats.NumIterations)
	assert.Equal(t, []keys.Category{1, 2, 3}, stats.CategoriesSorted)
	assert.Equal(t, []uint64{2, 2, 1}, stats.CountsSorted)

	// Third step evicts the first.
	s.Add([]keys.Category{3, 3})
	stats = s.Statistics()
	assert.Equal(t, 2, stats.NumIterations)
	assert.Equal(t, []keys.Category{3, 2}, stats.CategoriesSorted)
	assert.Equal(t, []uint64{3, 1}, stats.CountsSorted)

	s.Reset()
	assert.Equal(t, 0, s.NumSteps())
	assert.Equal(t, 0, s.Statistics().NumUnique())
}
