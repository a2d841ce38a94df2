// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compaction

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/hybridembedding/pkg/core/session"
	"github.com/gomlx/hybridembedding/pkg/embedding/partition"
)

// CompressReverseIdxRange rewrites reverse indices pointing into the fixed-stride partition slab
// (p*MaxKeysPerPartition + local) to point into the compacted array (Offsets[p] + local).
// InvalidReverseIdx entries are kept.
type CompressReverseIdxRange struct {
	sess *session.Session
	name string
}

// NewCompressReverseIdxRange creates the operator.
func NewCompressReverseIdxRange(sess *session.Session) *CompressReverseIdxRange {
	return &CompressReverseIdxRange{sess: sess, name: sess.UniqueOpName("compress_reverse_idx_range")}
}

// Name of the operator, unique in the session.
func (op *CompressReverseIdxRange) Name() string { return op.name }

// Run remaps reverseIdx into out, which must have the same length. They may be the same slice.
//
// Entries pointing beyond the live keys of their partition are an error: the remap must not change
// which key an occurrence reaches.
func (op *CompressReverseIdxRange) Run(reverseIdx []uint32, maxKeysPerPartition int, compacted *CompactedData, out []uint32) error {
	if len(out) != len(reverseIdx) {
		return session.ConfigErrorf("%s: output has length %d, input %d", op.name, len(out), len(reverseIdx))
	}
	if maxKeysPerPartition <= 0 {
		return session.ConfigErrorf("%s: max_keys_per_partition=%d must be positive", op.name, maxKeysPerPartition)
	}
	stride := uint32(maxKeysPerPartition)
	numPartitions := compacted.NumPartitions()
	return op.sess.Launch(op.name, len(reverseIdx), func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			idx := reverseIdx[i]
			if idx == partition.InvalidReverseIdx {
				out[i] = idx
				continue
			}
			p, local := int(idx/stride), int(idx%stride)
			if p >= numPartitions || local >= compacted.Counts[p] {
				exceptions.Panicf("reverse index %d of occurrence %d points to slot %d of partition %d, which has %d live keys "+
					"(%d partitions)", idx, i, local, p, countOf(compacted, p), numPartitions)
			}
			out[i] = uint32(compacted.Offsets[p] + local)
		}
		return nil
	})
}

func countOf(compacted *CompactedData, p int) int {
	if p < compacted.NumPartitions() {
		return compacted.Counts[p]
	}
	return 0
}
