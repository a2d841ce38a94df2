// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compaction

import (
	"github.com/gomlx/hybridembedding/pkg/core/session"
	"github.com/gomlx/hybridembedding/pkg/embedding/partition"
)

// SelectValidReverseIdx drops the InvalidReverseIdx entries of a reverse index, preserving the
// order of the others.
//
// It runs in two phases: each block counts its valid entries, then, after the block offsets are
// computed, each block writes its valid entries at its offset.
type SelectValidReverseIdx struct {
	sess *session.Session
	name string
}

// NewSelectValidReverseIdx creates the operator.
func NewSelectValidReverseIdx(sess *session.Session) *SelectValidReverseIdx {
	return &SelectValidReverseIdx{sess: sess, name: sess.UniqueOpName("select_valid_reverse_idx")}
}

// Name of the operator, unique in the session.
func (op *SelectValidReverseIdx) Name() string { return op.name }

// Run writes the valid entries of reverseIdx to outIdx and, if outPositions is not nil, their
// positions in reverseIdx (the occurrence ids) to outPositions. It returns the number of valid
// entries. Output buffers too small for the valid entries are a capacity overflow.
func (op *SelectValidReverseIdx) Run(reverseIdx, outIdx, outPositions []uint32) (int, error) {
	n := len(reverseIdx)
	blockSize := op.sess.BlockSize()
	numBlocks := (n + blockSize - 1) / blockSize
	blockCounts := make([]int, numBlocks)
	err := op.sess.Launch(op.name+"_count", n, func(lo, hi int) error {
		count := 0
		for _, idx := range reverseIdx[lo:hi] {
			if idx != partition.InvalidReverseIdx {
				count++
			}
		}
		blockCounts[lo/blockSize] = count
		return nil
	})
	if err != nil {
		return 0, err
	}
	numValid := ExclusivePrefixSum(blockCounts, blockCounts)
	if numValid > len(outIdx) || (outPositions != nil && numValid > len(outPositions)) {
		return 0, session.OverflowErrorf("%s: %d valid entries don't fit in the output of %d entries",
			op.name, numValid, min(len(outIdx), lenOrMax(outPositions)))
	}

	err = op.sess.Launch(op.name+"_scatter", n, func(lo, hi int) error {
		pos := blockCounts[lo/blockSize]
		for i := lo; i < hi; i++ {
			if idx := reverseIdx[i]; idx != partition.InvalidReverseIdx {
				outIdx[pos] = idx
				if outPositions != nil {
					outPositions[pos] = uint32(i)
				}
				pos++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return numValid, nil
}

func lenOrMax(s []uint32) int {
	if s == nil {
		return int(^uint(0) >> 1)
	}
	return len(s)
}
