package partition

import (
	"fmt"
	"slices"
	"testing"

	"github.com/gomlx/hybridembedding/pkg/core/session"
	"github.com/gomlx/hybridembedding/pkg/core/topology"
	"github.com/gomlx/hybridembedding/pkg/embedding/keys"
	"github.com/gomlx/hybridembedding/pkg/hybrid/inputgen"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// oneHot builds a batch where every sample has exactly one key per lookup.
func oneHot(lookupKeys ...[]keys.Category) *keys.Batch {
	b := &keys.Batch{BatchSize: len(lookupKeys[0])}
	for _, lk := range lookupKeys {
		offsets := make([]int, len(lk)+1)
		for i := range offsets {
			offsets[i] = i
		}
		b.Keys = append(b.Keys, lk)
		b.Offsets = append(b.Offsets, offsets)
	}
	return b
}

func TestPartitioner(t *testing.T) {
	tables := []keys.TableConfig{{VocabularySize: 10}, {VocabularySize: 10}}
	t.Run("shard", func(t *testing.T) {
		p := must.M1(NewShardPartitioner(tables, [][]int{{0, 1}, {2}}, 3))
		assert.Equal(t, ShardByReplicaMatrix, p.Kind())
		assert.Equal(t, 3, p.NumPartitions())
		assert.Equal(t, 0, p.Partition(2))
		assert.Equal(t, 1, p.Partition(3))
		assert.Equal(t, 2, p.Partition(12))
		assert.Equal(t, -1, p.Partition(20))
	})
	t.Run("table", func(t *testing.T) {
		p := must.M1(NewTablePartitioner(tables, []int{1, 0}, 2))
		assert.Equal(t, 1, p.Partition(9))
		assert.Equal(t, 0, p.Partition(10))
		assert.Equal(t, -1, p.Partition(100))
	})
	t.Run("dummy", func(t *testing.T) {
		p := NewDummyPartitioner()
		assert.Equal(t, 1, p.NumPartitions())
		assert.Equal(t, 0, p.Partition(12345))
		assert.Equal(t, "dummy", p.Kind().String())
	})
	t.Run("errors", func(t *testing.T) {
		_, err := NewShardPartitioner(tables, [][]int{{0}, {}}, 3)
		assert.True(t, errors.Is(err, session.ErrConfiguration))
		_, err = NewShardPartitioner(tables, [][]int{{0}, {3}}, 3)
		assert.True(t, errors.Is(err, session.ErrConfiguration))
		_, err = NewShardPartitioner(tables, [][]int{{0}}, 3)
		assert.True(t, errors.Is(err, session.ErrConfiguration))
		_, err = NewTablePartitioner(tables, []int{0, 2}, 2)
		assert.True(t, errors.Is(err, session.ErrConfiguration))
	})
}

func TestHashTable(t *testing.T) {
	h := must.M1(NewHashTable(5))
	assert.Equal(t, 8, h.Capacity())
	assert.NoError(t, h.ValidateCapacity(8))
	assert.True(t, errors.Is(h.ValidateCapacity(9), session.ErrConfiguration))

	_, err := NewHashTable(0)
	assert.True(t, errors.Is(err, session.ErrConfiguration))

	// Reverse indices are uint32, and so is the marker of filtered occurrences.
	assert.Equal(t, uint32(0xffffffff), InvalidReverseIdx)
}

func TestPartitionAndUnique(t *testing.T) {
	const (
		batchSize    = 512
		numInstances = 4
	)
	gen := must.M1(inputgen.New(inputgen.Config{NumTables: 6, NumCategories: 3000}, 42))
	tables := gen.Tables(keys.Sum)
	batch := gen.Batch(batchSize, true)
	numKeys := batch.NumKeys()
	shards := topology.FullShardMatrix(len(tables), numInstances).ShardInstances()
	partitioner := must.M1(NewShardPartitioner(tables, shards, numInstances))

	for _, parallelism := range []int{0, 1, 8} {
		t.Run(fmt.Sprintf("parallelism=%d", parallelism), func(t *testing.T) {
			sess := session.New().WithParallelism(parallelism).WithBlockSize(64)
			table := must.M1(NewHashTable(numKeys))
			out := must.M1(NewCompressedData(numInstances, numKeys, numKeys))
			op := NewPartitionAndUnique(sess, table, partitioner)
			require.NoError(t, op.Run(batch, out))
			require.Equal(t, numKeys, out.NumOccurrences())

			// Every occurrence points to its own key.
			rawKeys := make(map[keys.Key]bool)
			slotOf := make(map[keys.Key]uint32)
			reverseIdx := out.ReverseIdx()
			i := 0
			for lookup, lookupKeys := range batch.Keys {
				for _, c := range lookupKeys {
					key := keys.Key{Category: c, FeatureID: uint32(lookup)}
					rawKeys[key] = true
					require.NotEqual(t, InvalidReverseIdx, reverseIdx[i])
					require.Equal(t, key, out.Partitioned.KeyAt(reverseIdx[i]))
					if prev, found := slotOf[key]; found {
						require.Equal(t, prev, reverseIdx[i], "equal keys must share the slot")
					}
					slotOf[key] = reverseIdx[i]
					i++
				}
			}

			// The partitions hold exactly the distinct keys, each in its partition.
			uniqueKeys := make(map[keys.Key]bool)
			for p := range numInstances {
				for _, key := range out.Partitioned.Keys(p) {
					assert.False(t, uniqueKeys[key], "key %+v stored twice", key)
					uniqueKeys[key] = true
					assert.Equal(t, p, partitioner.Partition(key.Category))
				}
			}
			assert.Equal(t, rawKeys, uniqueKeys)
			assert.Equal(t, len(rawKeys), out.Partitioned.NumKeys())
			assert.Equal(t, len(rawKeys), table.Size())

			for key, idx := range slotOf {
				p, slot, found := table.Lookup(key)
				require.True(t, found)
				assert.Equal(t, idx, uint32(p*numKeys)+slot-1)
			}
		})
	}
}

// TestPartitionAndUniqueIdempotent: a table with capacity for twice the unique keys; inserting the same batch a second
// time finds every key and returns the same slots, without inserting anything.
func TestPartitionAndUniqueIdempotent(t *testing.T) {
	sess := session.New().WithParallelism(4).WithBlockSize(3)
	batch := oneHot(
		[]keys.Category{5, 7, 5, 9, 7, 5, 11, 13},
		[]keys.Category{5, 5, 6, 6, 8, 8, 8, 5},
	)
	const numUnique = 8
	partitioner := NewDummyPartitioner()
	table := must.M1(NewHashTable(2 * numUnique))
	op := NewPartitionAndUnique(sess, table, partitioner)

	first := must.M1(NewCompressedData(1, numUnique, batch.NumKeys()))
	require.NoError(t, op.Run(batch, first))
	assert.Equal(t, numUnique, first.Partitioned.NumKeys())
	firstIdx := slices.Clone(first.ReverseIdx())

	second := must.M1(NewCompressedData(1, numUnique, batch.NumKeys()))
	require.NoError(t, op.Run(batch, second))
	assert.Equal(t, firstIdx, second.ReverseIdx())
	assert.Equal(t, numUnique, table.Size())
	assert.Equal(t, 0, second.Partitioned.NumKeys(), "no new key must be inserted")

	// After clearing, the table is reusable.
	require.NoError(t, table.Clear(sess))
	assert.Equal(t, 0, table.Size())
	require.NoError(t, op.Run(batch, second))
	assert.Equal(t, numUnique, second.Partitioned.NumKeys())
}

// TestPartitionAndUniqueContended: every block inserts the same few keys with a pool of a single
// worker, so blocks wait on entries claimed by others.
func TestPartitionAndUniqueContended(t *testing.T) {
	const batchSize = 2048
	categories := make([]keys.Category, batchSize)
	for i := range categories {
		categories[i] = keys.Category(i % 3)
	}
	batch := oneHot(categories)

	sess := session.New().WithParallelism(1).WithBlockSize(1)
	table := must.M1(NewHashTable(4))
	out := must.M1(NewCompressedData(1, 3, batchSize))
	require.NoError(t, NewPartitionAndUnique(sess, table, NewDummyPartitioner()).Run(batch, out))
	assert.Equal(t, 3, out.Partitioned.NumKeys())
	assert.Equal(t, 3, table.Size())
	reverseIdx := out.ReverseIdx()
	for i := 3; i < batchSize; i++ {
		require.Equal(t, reverseIdx[i%3], reverseIdx[i], "occurrence %d", i)
	}
}

func TestPartitionAndUniqueOverflow(t *testing.T) {
	batch := oneHot([]keys.Category{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})
	t.Run("hash table", func(t *testing.T) {
		sess := session.New()
		table := must.M1(NewHashTable(4))
		out := must.M1(NewCompressedData(1, 100, 100))
		err := NewPartitionAndUnique(sess, table, NewDummyPartitioner()).Run(batch, out)
		require.Error(t, err)
		assert.True(t, errors.Is(err, session.ErrCapacityOverflow), "got %v", err)
		assert.Contains(t, err.Error(), "partition_and_unique")
		assert.Equal(t, 1.0, testutil.ToFloat64(sess.Metrics().CapacityOverflows))
	})
	t.Run("partition", func(t *testing.T) {
		sess := session.New().WithParallelism(4).WithBlockSize(2)
		table := must.M1(NewHashTable(64))
		out := must.M1(NewCompressedData(1, 5, 100))
		err := NewPartitionAndUnique(sess, table, NewDummyPartitioner()).Run(batch, out)
		assert.True(t, errors.Is(err, session.ErrCapacityOverflow), "got %v", err)
	})
	t.Run("reverse index", func(t *testing.T) {
		sess := session.New()
		table := must.M1(NewHashTable(64))
		out := must.M1(NewCompressedData(1, 100, 5))
		err := NewPartitionAndUnique(sess, table, NewDummyPartitioner()).Run(batch, out)
		assert.True(t, errors.Is(err, session.ErrCapacityOverflow), "got %v", err)
	})
	t.Run("partition mismatch", func(t *testing.T) {
		sess := session.New()
		table := must.M1(NewHashTable(64))
		out := must.M1(NewCompressedData(2, 100, 100))
		err := NewPartitionAndUnique(sess, table, NewDummyPartitioner()).Run(batch, out)
		assert.True(t, errors.Is(err, session.ErrConfiguration), "got %v", err)
	})
	t.Run("category out of range", func(t *testing.T) {
		sess := session.New()
		tables := []keys.TableConfig{{VocabularySize: 5}}
		partitioner := must.M1(NewTablePartitioner(tables, []int{0}, 1))
		table := must.M1(NewHashTable(64))
		out := must.M1(NewCompressedData(1, 100, 100))
		err := NewPartitionAndUnique(sess, table, partitioner).Run(batch, out)
		assert.Error(t, err)
	})
}

func TestPartitionAndUniqueEmpty(t *testing.T) {
	sess := session.New()
	batch := &keys.Batch{
		BatchSize: 0,
		Keys:      [][]keys.Category{{}, {}},
		Offsets:   [][]int{{0}, {0}},
	}
	table := must.M1(NewHashTable(16))
	out := must.M1(NewCompressedData(3, 4, 16))
	partitioner := must.M1(NewTablePartitioner([]keys.TableConfig{{VocabularySize: 5}, {VocabularySize: 5}}, []int{0, 2}, 3))
	require.NoError(t, NewPartitionAndUnique(sess, table, partitioner).Run(batch, out))
	assert.Equal(t, 0, out.NumOccurrences())
	assert.Equal(t, []int{0, 0, 0}, out.Partitioned.Counts())
	assert.Empty(t, out.ReverseIdx())
}

func TestPartitionAndUniqueFilter(t *testing.T) {
	sess := session.New().WithBlockSize(2)
	batch := oneHot([]keys.Category{1, 2, 3, 2, 4, 1})
	table := must.M1(NewHashTable(16))
	out := must.M1(NewCompressedData(1, 8, 8))
	op := NewPartitionAndUnique(sess, table, NewDummyPartitioner()).
		WithFilter(func(c keys.Category) bool { return c%2 == 0 })
	require.NoError(t, op.Run(batch, out))
	assert.Equal(t, 2, out.Partitioned.NumKeys())
	idx := out.ReverseIdx()
	assert.Equal(t, InvalidReverseIdx, idx[0])
	assert.Equal(t, InvalidReverseIdx, idx[2])
	assert.Equal(t, InvalidReverseIdx, idx[5])
	assert.Equal(t, idx[1], idx[3])
	assert.NotEqual(t, idx[1], idx[4])
	assert.Equal(t, keys.Category(4), out.Partitioned.KeyAt(idx[4]).Category)
}

func TestSeed(t *testing.T) {
	sess := session.New()
	frequent := []keys.Key{{Category: 40}, {Category: 10}, {Category: 30}}
	table := must.M1(NewHashTable(8))
	require.NoError(t, table.Seed(sess, frequent))
	assert.True(t, table.IsFrozen())
	assert.Equal(t, 3, table.Size())

	batch := oneHot([]keys.Category{10, 20, 30, 40, 10})
	out := must.M1(NewCompressedData(1, 3, 8))
	require.NoError(t, NewPartitionAndUnique(sess, table, NewDummyPartitioner()).Run(batch, out))
	assert.Equal(t, []uint32{1, InvalidReverseIdx, 2, 0, 1}, out.ReverseIdx())

	err := table.Seed(sess, []keys.Key{{Category: 1}, {Category: 1}})
	assert.True(t, errors.Is(err, session.ErrConfiguration), "got %v", err)
	err = table.Seed(sess, make([]keys.Key, 9))
	assert.True(t, errors.Is(err, session.ErrConfiguration), "got %v", err)

	require.NoError(t, table.Clear(sess))
	assert.False(t, table.IsFrozen())
}
