package compaction

import (
	"fmt"
	"slices"
	"testing"

	"github.com/gomlx/hybridembedding/pkg/core/session"
	"github.com/gomlx/hybridembedding/pkg/core/topology"
	"github.com/gomlx/hybridembedding/pkg/embedding/keys"
	"github.com/gomlx/hybridembedding/pkg/embedding/partition"
	"github.com/gomlx/hybridembedding/pkg/hybrid/inputgen"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExclusivePrefixSum(t *testing.T) {
	counts := []int{5, 0, 7}
	offsets := make([]int, 3)
	assert.Equal(t, 12, ExclusivePrefixSum(offsets, counts))
	assert.Equal(t, []int{0, 5, 5}, offsets)

	inPlace := []uint32{3, 1, 4, 1, 5}
	assert.Equal(t, uint32(14), ExclusivePrefixSum(inPlace, inPlace))
	assert.Equal(t, []uint32{0, 3, 4, 8, 9}, inPlace)

	assert.Equal(t, 0, ExclusivePrefixSum[int](nil, nil))

	assert.Equal(t, 0, blockStart([]int{0, 5, 5}, 0))
	assert.Equal(t, 0, blockStart([]int{0, 5, 5}, 4))
	assert.Equal(t, 2, blockStart([]int{0, 5, 5}, 5))
	assert.Equal(t, 2, blockStart([]int{0, 5, 5}, 11))
}

// TestCompactEmptyPartition: 3 partitions with counts [5,0,7].
func TestCompactEmptyPartition(t *testing.T) {
	sess := session.New().WithParallelism(4).WithBlockSize(2)
	tables := []keys.TableConfig{{VocabularySize: 5}, {VocabularySize: 5}, {VocabularySize: 7}}
	partitioner := must.M1(partition.NewTablePartitioner(tables, []int{0, 1, 2}, 3))
	lookup := []keys.Category{10, 0, 11, 1, 2, 12, 3, 13, 4, 14, 15, 16, 0, 16}
	batch := &keys.Batch{
		BatchSize: 1,
		Keys:      [][]keys.Category{lookup},
		Offsets:   [][]int{{0, len(lookup)}},
	}
	const maxPerPartition = 10
	table := must.M1(partition.NewHashTable(32))
	data := must.M1(partition.NewCompressedData(3, maxPerPartition, len(lookup)))
	require.NoError(t, partition.NewPartitionAndUnique(sess, table, partitioner).Run(batch, data))
	require.Equal(t, []int{5, 0, 7}, data.Partitioned.Counts())

	compacted := must.M1(NewCompactedData(3, 3*maxPerPartition))
	require.NoError(t, NewCompactPartitionData(sess).Run(data.Partitioned, compacted))
	assert.Equal(t, 12, compacted.NumKeys())
	assert.Len(t, compacted.Keys(), 12)
	assert.Equal(t, []int{0, 5, 5}, compacted.Offsets)
	assert.Equal(t, []int{5, 0, 7}, compacted.Counts)
	assert.Empty(t, compacted.Partition(1))
	assert.Equal(t, data.Partitioned.Keys(0), compacted.Partition(0))
	assert.Equal(t, data.Partitioned.Keys(2), compacted.Partition(2))

	sparse := slices.Clone(data.ReverseIdx())
	dense := make([]uint32, len(sparse))
	require.NoError(t, NewCompressReverseIdxRange(sess).Run(sparse, maxPerPartition, compacted, dense))
	for i, idx := range sparse {
		p := int(idx) / maxPerPartition
		switch p {
		case 0:
			assert.Equal(t, idx, dense[i], "partition 0 starts at offset 0")
		case 2:
			assert.Equal(t, idx-2*maxPerPartition+5, dense[i])
		default:
			t.Errorf("occurrence %d routed to empty partition %d", i, p)
		}
		assert.Equal(t, data.Partitioned.KeyAt(idx), compacted.Keys()[dense[i]])
	}
}

func TestCompactionRoundTrip(t *testing.T) {
	const numInstances = 8
	gen := must.M1(inputgen.New(inputgen.Config{NumTables: 5, NumCategories: 10_000}, 7))
	tables := gen.Tables(keys.Sum)
	shards := topology.FullShardMatrix(len(tables), numInstances).ShardInstances()
	partitioner := must.M1(partition.NewShardPartitioner(tables, shards, numInstances))
	for _, batchSize := range []int{1, 100, 2048} {
		t.Run(fmt.Sprintf("batch=%d", batchSize), func(t *testing.T) {
			sess := session.New().WithBlockSize(128)
			batch := gen.Batch(batchSize, true)
			n := batch.NumKeys()
			table := must.M1(partition.NewHashTable(n))
			data := must.M1(partition.NewCompressedData(numInstances, n, n))
			// Keep only even categories, so there are invalid entries.
			op := partition.NewPartitionAndUnique(sess, table, partitioner).
				WithFilter(func(c keys.Category) bool { return c%2 == 0 })
			require.NoError(t, op.Run(batch, data))

			compacted := must.M1(NewCompactedData(numInstances, n))
			require.NoError(t, NewCompactPartitionData(sess).Run(data.Partitioned, compacted))
			assert.Equal(t, data.Partitioned.NumKeys(), compacted.NumKeys())

			sparse := data.ReverseIdx()
			dense := slices.Clone(sparse)
			require.NoError(t, NewCompressReverseIdxRange(sess).Run(dense, n, compacted, dense))
			for i, idx := range sparse {
				if idx == partition.InvalidReverseIdx {
					assert.Equal(t, partition.InvalidReverseIdx, dense[i])
					continue
				}
				require.Equal(t, data.Partitioned.KeyAt(idx), compacted.Keys()[dense[i]], "occurrence %d", i)
			}

			valid := make([]uint32, n)
			positions := make([]uint32, n)
			numValid, err := NewSelectValidReverseIdx(sess).Run(dense, valid, positions)
			require.NoError(t, err)
			var wantValid, wantPositions []uint32
			for i, idx := range dense {
				if idx != partition.InvalidReverseIdx {
					wantValid = append(wantValid, idx)
					wantPositions = append(wantPositions, uint32(i))
				}
			}
			assert.Equal(t, len(wantValid), numValid)
			if numValid > 0 {
				assert.Equal(t, wantValid, valid[:numValid])
				assert.Equal(t, wantPositions, positions[:numValid])
			}
		})
	}
}

func TestSelectValidReverseIdx(t *testing.T) {
	const invalid = partition.InvalidReverseIdx
	in := []uint32{invalid, 3, 1, invalid, invalid, 7, 0, invalid, 2}
	for _, blockSize := range []int{1, 2, 4, 100} {
		t.Run(fmt.Sprintf("block=%d", blockSize), func(t *testing.T) {
			sess := session.New().WithParallelism(3).WithBlockSize(blockSize)
			out := make([]uint32, len(in))
			n, err := NewSelectValidReverseIdx(sess).Run(in, out, nil)
			require.NoError(t, err)
			assert.Equal(t, []uint32{3, 1, 7, 0, 2}, out[:n])
		})
	}

	t.Run("empty", func(t *testing.T) {
		n, err := NewSelectValidReverseIdx(session.New()).Run(nil, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
	t.Run("all invalid", func(t *testing.T) {
		n, err := NewSelectValidReverseIdx(session.New()).Run([]uint32{invalid, invalid}, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
	t.Run("overflow", func(t *testing.T) {
		_, err := NewSelectValidReverseIdx(session.New()).Run(in, make([]uint32, 4), nil)
		assert.True(t, errors.Is(err, session.ErrCapacityOverflow), "got %v", err)
		_, err = NewSelectValidReverseIdx(session.New()).Run(in, make([]uint32, 9), make([]uint32, 2))
		assert.True(t, errors.Is(err, session.ErrCapacityOverflow), "got %v", err)
	})
}

func TestCompactionErrors(t *testing.T) {
	sess := session.New()
	data := must.M1(partition.NewPartitionedData(2, 4))
	compacted := must.M1(NewCompactedData(3, 8))
	err := NewCompactPartitionData(sess).Run(data, compacted)
	assert.True(t, errors.Is(err, session.ErrConfiguration), "got %v", err)

	_, err = NewCompactedData(0, 8)
	assert.True(t, errors.Is(err, session.ErrConfiguration), "got %v", err)

	// A reverse index pointing to a dead slot.
	compacted = must.M1(NewCompactedData(2, 8))
	require.NoError(t, NewCompactPartitionData(sess).Run(data, compacted))
	err = NewCompressReverseIdxRange(sess).Run([]uint32{5}, 4, compacted, make([]uint32, 1))
	assert.Error(t, err)
	err = NewCompressReverseIdxRange(sess).Run([]uint32{0}, 4, compacted, make([]uint32, 2))
	assert.True(t, errors.Is(err, session.ErrConfiguration), "got %v", err)
}
