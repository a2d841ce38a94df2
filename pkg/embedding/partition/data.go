// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package partition

import (
	"math"
	"sync/atomic"

	"github.com/gomlx/hybridembedding/pkg/core/session"
	"github.com/gomlx/hybridembedding/pkg/embedding/keys"
)

// InvalidReverseIdx marks a key occurrence that is not needed in this path (e.g. a frequent key in
// the infrequent path).
const InvalidReverseIdx uint32 = math.MaxUint32

// PartitionedData is the arena holding the deduplicated keys of one step: for each of NumPartitions
// destinations a slab of MaxKeysPerPartition keys, of which the first Count(p) are live.
//
// It is allocated once for the worst case and reset at every step.
type PartitionedData struct {
	NumPartitions       int
	MaxKeysPerPartition int

	slab   []keys.Key
	counts []atomic.Uint32
}

// NewPartitionedData allocates the arena.
func NewPartitionedData(numPartitions, maxKeysPerPartition int) (*PartitionedData, error) {
	if numPartitions <= 0 || maxKeysPerPartition <= 0 {
		return nil, session.ConfigErrorf("partitioned data needs positive num_partitions and max_keys_per_partition, got %d and %d",
			numPartitions, maxKeysPerPartition)
	}
	if uint64(numPartitions)*uint64(maxKeysPerPartition) >= InvalidReverseIdx {
		return nil, session.ConfigErrorf("partitioned data with %d partitions of %d keys can't be addressed by 32 bits reverse indices",
			numPartitions, maxKeysPerPartition)
	}
	return &PartitionedData{
		NumPartitions:       numPartitions,
		MaxKeysPerPartition: maxKeysPerPartition,
		slab:                make([]keys.Key, numPartitions*maxKeysPerPartition),
		counts:              make([]atomic.Uint32, numPartitions),
	}, nil
}

// Reset the per-partition counts. The slab is not cleared: only the first Count(p) keys of each
// partition are meaningful.
func (d *PartitionedData) Reset() {
	for i := range d.counts {
		d.counts[i].Store(0)
	}
}

// Count returns the number of live keys in partition p.
func (d *PartitionedData) Count(p int) int { return int(d.counts[p].Load()) }

// Counts returns the number of live keys of every partition.
func (d *PartitionedData) Counts() []int {
	counts := make([]int, d.NumPartitions)
	for p := range counts {
		counts[p] = d.Count(p)
	}
	return counts
}

// NumKeys returns the total number of live keys.
func (d *PartitionedData) NumKeys() int {
	total := 0
	for p := range d.NumPartitions {
		total += d.Count(p)
	}
	return total
}

// Keys returns a view of the live keys of partition p.
func (d *PartitionedData) Keys(p int) []keys.Key {
	start := p * d.MaxKeysPerPartition
	return d.slab[start : start+d.Count(p)]
}

// Slab returns the whole fixed-stride slab: the keys of partition p start at p*MaxKeysPerPartition.
func (d *PartitionedData) Slab() []keys.Key { return d.slab }

// KeyAt returns the key a sparse reverse index points to.
func (d *PartitionedData) KeyAt(reverseIdx uint32) keys.Key { return d.slab[reverseIdx] }

// CompressedData pairs the partitioned keys with the reverse index of every key occurrence of the
// step: ReverseIdx()[i] = p*MaxKeysPerPartition + (slot-1) for occurrence i, or InvalidReverseIdx.
type CompressedData struct {
	Partitioned *PartitionedData

	reverseIdx     []uint32
	numOccurrences int
}

// NewCompressedData allocates the arenas for at most maxOccurrences key occurrences per step.
func NewCompressedData(numPartitions, maxKeysPerPartition, maxOccurrences int) (*CompressedData, error) {
	partitioned, err := NewPartitionedData(numPartitions, maxKeysPerPartition)
	if err != nil {
		return nil, err
	}
	if maxOccurrences < 0 {
		return nil, session.ConfigErrorf("compressed data: max_occurrences=%d must be >= 0", maxOccurrences)
	}
	return &CompressedData{
		Partitioned: partitioned,
		reverseIdx:  make([]uint32, maxOccurrences),
	}, nil
}

// MaxOccurrences returns the capacity of the reverse index arena.
func (c *CompressedData) MaxOccurrences() int { return len(c.reverseIdx) }

// NumOccurrences returns the number of key occurrences of the last step.
func (c *CompressedData) NumOccurrences() int { return c.numOccurrences }

// ReverseIdx returns a view of the reverse index of the last step, one entry per key occurrence.
func (c *CompressedData) ReverseIdx() []uint32 { return c.reverseIdx[:c.numOccurrences] }

// Reset prepares the arenas for a step with numOccurrences key occurrences.
func (c *CompressedData) Reset(numOccurrences int) error {
	if numOccurrences > len(c.reverseIdx) {
		return session.OverflowErrorf("reverse index holds at most %d key occurrences, got %d",
			len(c.reverseIdx), numOccurrences)
	}
	c.Partitioned.Reset()
	c.numOccurrences = numOccurrences
	return nil
}
