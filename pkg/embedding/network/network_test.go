package network

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/gomlx/hybridembedding/pkg/core/session"
	"github.com/gomlx/hybridembedding/pkg/embedding/keys"
	"github.com/gomlx/hybridembedding/pkg/embedding/partition"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

const invalid = partition.InvalidReverseIdx

// testSetup has 2 lookups: lookup 0 reads a Sum table with vectors of size 2, lookup 1 a Mean
// table with vectors of size 3. Batch of 2 samples.
func testSetup(t *testing.T, weighted bool) (Layout, *keys.Batch, *Index, [][]float32) {
	tables := []keys.TableConfig{
		{Name: "sum", VocabularySize: 10, EmbeddingVecSize: 2, Combiner: keys.Sum},
		{Name: "mean", VocabularySize: 10, EmbeddingVecSize: 3, Combiner: keys.Mean},
	}
	lookups := []keys.LookupConfig{{TableID: 0, MaxHotness: 2}, {TableID: 1, MaxHotness: 2}}
	layout, err := NewLayout(tables, lookups, 2)
	require.NoError(t, err)
	require.Equal(t, 3, layout.MaxEVSize)
	batch := &keys.Batch{
		BatchSize: 2,
		Keys:      [][]keys.Category{{1, 2, 3}, {11, 12, 13}},
		Offsets:   [][]int{{0, 2, 3}, {0, 1, 3}},
	}
	if weighted {
		batch.Weights = [][]float32{{1, 1, 2}, {1, 1, 3}}
	}
	require.NoError(t, batch.Validate(lookups))
	index := &Index{
		Networks: []uint32{0, 0, 1, 1, 1, invalid},
		Offsets:  []uint32{0, 1, 1, 0, 2, 0},
	}
	received := [][]float32{
		{1, 2, 0, 3, 4, 0},
		{10, 20, 30, 1, 1, 1, 2, 4, 6},
	}
	return layout, batch, index, received
}

func TestForward(t *testing.T) {
	for _, weighted := range []bool{false, true} {
		t.Run(fmt.Sprintf("weighted=%v", weighted), func(t *testing.T) {
			sess := session.New().WithBlockSize(1)
			layout, batch, index, received := testSetup(t, weighted)
			out := make([]float32, layout.OutputSize())
			require.NoError(t, Forward(sess, layout, batch, index, received, out))
			want := []float32{
				4, 6, 0, // sample 0, lookup 0: sum of vectors 0 and 1 of network 0.
				10, 20, 30, // sample 0, lookup 1: mean of a single vector.
				1, 1, 0, // sample 1, lookup 0.
				1, 2, 3, // sample 1, lookup 1: (vector 2 of network 1 + invalid) / 2.
			}
			if weighted {
				want[6], want[7] = 2, 2
				want[9], want[10], want[11] = 0.5, 1, 1.5
			}
			assert.InDeltaSlice(t, want, out, 1e-6)
		})
	}

	t.Run("float16", func(t *testing.T) {
		sess := session.New()
		layout, batch, index, received := testSetup(t, false)
		received16 := make([][]float16.Float16, len(received))
		for n, buf := range received {
			received16[n] = make([]float16.Float16, len(buf))
			for i, v := range buf {
				received16[n][i] = float16.Fromfloat32(v)
			}
		}
		out16 := make([]float32, layout.OutputSize())
		require.NoError(t, Forward(sess, layout, batch, index, received16, out16))
		out := make([]float32, layout.OutputSize())
		require.NoError(t, Forward(sess, layout, batch, index, received, out))
		assert.InDeltaSlice(t, out, out16, 1e-2)
	})

	t.Run("errors", func(t *testing.T) {
		sess := session.New()
		layout, batch, index, received := testSetup(t, false)
		err := Forward(sess, layout, batch, index, received, make([]float32, 5))
		assert.True(t, errors.Is(err, session.ErrConfiguration), "got %v", err)
		err = Forward(sess, layout, batch, &Index{}, received, make([]float32, layout.OutputSize()))
		assert.True(t, errors.Is(err, session.ErrConfiguration), "got %v", err)
		err = Forward(sess, layout, batch, index, received[:1], make([]float32, layout.OutputSize()))
		assert.Error(t, err)
		err = Forward(sess, layout, batch, index, [][]float32{received[0], received[1][:3]}, make([]float32, layout.OutputSize()))
		assert.Error(t, err)
	})
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// TestBackwardIsAdjoint checks <Forward(x), g> == <x, Backward(g)>: Backward attributes every row
// gradient to exactly the vectors Forward read, with the same scaling.
func TestBackwardIsAdjoint(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for _, weighted := range []bool{false, true} {
		t.Run(fmt.Sprintf("weighted=%v", weighted), func(t *testing.T) {
			sess := session.New().WithParallelism(2).WithBlockSize(1)
			layout, batch, index, received := testSetup(t, weighted)
			for _, buf := range received {
				for i := range buf {
					buf[i] = rng.Float32()
				}
			}
			// Unused columns of the narrower vectors must not matter.
			received[0][2], received[0][5] = 0, 0
			out := make([]float32, layout.OutputSize())
			require.NoError(t, Forward(sess, layout, batch, index, received, out))

			gradOut := make([]float32, layout.OutputSize())
			for i := range gradOut {
				gradOut[i] = rng.Float32()
			}
			for row := range layout.NumRows() {
				lookup := row % layout.NumLookups()
				clear(gradOut[row*layout.MaxEVSize+layout.EVSizes[lookup] : (row+1)*layout.MaxEVSize])
			}
			grads := [][]float32{make([]float32, 6), make([]float32, 9)}
			require.NoError(t, Backward(sess, layout, batch, index, gradOut, grads))

			lhs := dot(out, gradOut)
			rhs := dot(received[0], grads[0]) + dot(received[1], grads[1])
			assert.InDelta(t, lhs, rhs, 1e-4)
		})
	}

	t.Run("values", func(t *testing.T) {
		sess := session.New()
		layout, batch, index, _ := testSetup(t, false)
		gradOut := []float32{
			1, 2, 0,
			3, 6, 9,
			5, 5, 0,
			2, 2, 2,
		}
		grads := [][]float32{make([]float32, 6), make([]float32, 9)}
		require.NoError(t, Backward(sess, layout, batch, index, gradOut, grads))
		assert.Equal(t, []float32{1, 2, 0, 1, 2, 0}, grads[0])
		// Vector 1 of network 1 is read by lookup 0 (size 2) of sample 1; vector 2 by the Mean row of
		// sample 1, with 2 keys.
		assert.Equal(t, []float32{3, 6, 9, 5, 5, 0, 1, 1, 1}, grads[1])
	})
}

func TestExpandAndReduceUnique(t *testing.T) {
	unique := []float32{1, 1, 2, 2, 3, 3}
	reverseIdx := []uint32{2, 0, invalid, 2, 1, 0}
	for _, parallelism := range []int{0, 4} {
		t.Run(fmt.Sprintf("parallelism=%d", parallelism), func(t *testing.T) {
			sess := session.New().WithParallelism(parallelism).WithBlockSize(1)
			expanded := make([]float32, len(reverseIdx)*2)
			require.NoError(t, ExpandUnique(sess, unique, 2, reverseIdx, expanded))
			assert.Equal(t, []float32{3, 3, 1, 1, 0, 0, 3, 3, 2, 2, 1, 1}, expanded)

			occGrads := []float32{1, 2, 10, 20, 100, 200, 3, 4, 5, 6, 30, 40}
			reduced := make([]float32, 6)
			require.NoError(t, ReduceUniqueGradients(sess, reverseIdx, 3, 2, occGrads, reduced))
			assert.Equal(t, []float32{40, 60, 5, 6, 4, 6}, reduced)
		})
	}

	sess := session.New()
	err := ExpandUnique(sess, unique, 2, []uint32{3}, make([]float32, 2))
	assert.True(t, errors.Is(err, session.ErrConfiguration), "got %v", err)
	err = ReduceUniqueGradients(sess, []uint32{3}, 3, 2, make([]float32, 2), make([]float32, 6))
	assert.True(t, errors.Is(err, session.ErrConfiguration), "got %v", err)
	err = ReduceUniqueGradients(sess, []uint32{0}, 3, 2, make([]float32, 1), make([]float32, 6))
	assert.True(t, errors.Is(err, session.ErrConfiguration), "got %v", err)
}

func TestIndex(t *testing.T) {
	sess := session.New().WithBlockSize(2)
	index := NewIndex(6)
	require.NoError(t, index.SetFromCompacted(sess, []uint32{0, 4, 5, 11, invalid, invalid}, []int{0, 5, 5}))
	require.NoError(t, index.SetFromNetwork(sess, []uint32{invalid, invalid, invalid, invalid, 7, invalid}, 3))
	assert.Equal(t, []uint32{0, 0, 2, 2, 3, invalid}, index.Networks)
	assert.Equal(t, []uint32{0, 4, 0, 6, 7, 0}, index.Offsets)

	err := index.SetFromNetwork(sess, []uint32{0}, 0)
	assert.True(t, errors.Is(err, session.ErrConfiguration), "got %v", err)
	empty := must.M1(NewLayout(nil, nil, 0))
	assert.Equal(t, 0, empty.OutputSize())
	_, err = NewLayout(nil, []keys.LookupConfig{{TableID: 0}}, 1)
	assert.True(t, errors.Is(err, session.ErrConfiguration), "got %v", err)
}
