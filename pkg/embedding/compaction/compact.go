// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package compaction turns the fixed-stride partition slabs into the dense payload expected by the
// collectives, and rewrites the reverse indices accordingly.
//
// Each operator is a phase of the step: the host reads back the counts produced by the previous
// phase, computes the offsets, and launches a correctly sized kernel.
package compaction

import (
	"github.com/gomlx/hybridembedding/pkg/core/session"
	"github.com/gomlx/hybridembedding/pkg/embedding/keys"
	"github.com/gomlx/hybridembedding/pkg/embedding/partition"
	"k8s.io/klog/v2"
)

// CompactedData is the arena with the dense keys of all partitions: the keys of partition p are
// Keys()[Offsets[p]:Offsets[p]+Counts[p]].
type CompactedData struct {
	Offsets []int
	Counts  []int

	keys    []keys.Key
	numKeys int
}

// NewCompactedData allocates the arena for numPartitions partitions and at most maxKeys keys in total.
func NewCompactedData(numPartitions, maxKeys int) (*CompactedData, error) {
	if numPartitions <= 0 || maxKeys < 0 {
		return nil, session.ConfigErrorf("compacted data needs num_partitions > 0 and max_keys >= 0, got %d and %d",
			numPartitions, maxKeys)
	}
	return &CompactedData{
		Offsets: make([]int, numPartitions),
		Counts:  make([]int, numPartitions),
		keys:    make([]keys.Key, maxKeys),
	}, nil
}

// NumPartitions returns the number of partitions.
func (c *CompactedData) NumPartitions() int { return len(c.Offsets) }

// NumKeys is the live length of the arena: the total number of compacted keys.
func (c *CompactedData) NumKeys() int { return c.numKeys }

// Keys returns the dense keys of all partitions.
func (c *CompactedData) Keys() []keys.Key { return c.keys[:c.numKeys] }

// Partition returns the dense keys of partition p.
func (c *CompactedData) Partition(p int) []keys.Key {
	return c.keys[c.Offsets[p] : c.Offsets[p]+c.Counts[p]]
}

// CompactPartitionData gathers the live keys of every partition into a dense array.
type CompactPartitionData struct {
	sess *session.Session
	name string
}

// NewCompactPartitionData creates the operator.
func NewCompactPartitionData(sess *session.Session) *CompactPartitionData {
	return &CompactPartitionData{sess: sess, name: sess.UniqueOpName("compact_partition_data")}
}

// Name of the operator, unique in the session.
func (op *CompactPartitionData) Name() string { return op.name }

// Run compacts in into out. The offsets are the exclusive prefix sum of the partition counts.
func (op *CompactPartitionData) Run(in *partition.PartitionedData, out *CompactedData) error {
	if out.NumPartitions() != in.NumPartitions {
		return session.ConfigErrorf("%s: input has %d partitions, output has %d", op.name, in.NumPartitions, out.NumPartitions())
	}
	for p := range in.NumPartitions {
		out.Counts[p] = in.Count(p)
	}
	total := ExclusivePrefixSum(out.Offsets, out.Counts)
	if total > len(out.keys) {
		out.numKeys = 0
		return session.OverflowErrorf("%s: %d keys don't fit in the compacted buffer of %d keys", op.name, total, len(out.keys))
	}
	out.numKeys = total

	slab := in.Slab()
	stride := in.MaxKeysPerPartition
	err := op.sess.Launch(op.name, total, func(lo, hi int) error {
		p := blockStart(out.Offsets, lo)
		for i := lo; i < hi; i++ {
			for p+1 < len(out.Offsets) && i >= out.Offsets[p+1] {
				p++
			}
			out.keys[i] = slab[p*stride+i-out.Offsets[p]]
		}
		return nil
	})
	if err != nil {
		return err
	}
	if klog.V(2).Enabled() {
		klog.Infof("%s: %d keys, offsets=%v", op.name, total, out.Offsets)
	}
	return nil
}
