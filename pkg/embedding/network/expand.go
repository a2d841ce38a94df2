// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package network

import (
	"github.com/gomlx/hybridembedding/pkg/core/session"
	"github.com/gomlx/hybridembedding/pkg/embedding/partition"
)

// ExpandUnique gathers, for every occurrence, the deduplicated vector its reverse index points to:
// out[i*evSize:(i+1)*evSize] = unique[reverseIdx[i]*evSize:...]. Invalid occurrences get zeros.
func ExpandUnique[T Element](sess *session.Session, unique []T, evSize int, reverseIdx []uint32, out []T) error {
	if len(out) != len(reverseIdx)*evSize {
		return session.ConfigErrorf("expand unique: output has %d values, want %d", len(out), len(reverseIdx)*evSize)
	}
	numUnique := 0
	if evSize > 0 {
		numUnique = len(unique) / evSize
	}
	return sess.Launch("expand_unique", len(reverseIdx), func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			dst := out[i*evSize : (i+1)*evSize]
			idx := reverseIdx[i]
			if idx == partition.InvalidReverseIdx {
				clear(dst)
				continue
			}
			if int(idx) >= numUnique {
				return session.ConfigErrorf("expand unique: occurrence %d points to vector %d, but there are %d",
					i, idx, numUnique)
			}
			copy(dst, unique[int(idx)*evSize:(int(idx)+1)*evSize])
		}
		return nil
	})
}

// ReduceUniqueGradients sums the per-occurrence gradients into the gradients of the deduplicated
// vectors they were expanded from: out[u] = sum of occGrads[i] for every i with reverseIdx[i] == u.
// out has numUnique*evSize values and is overwritten.
//
// The occurrences are first grouped by vector with a counting sort, so each vector is reduced by a
// single block, in occurrence order: the result doesn't depend on the parallelism.
func ReduceUniqueGradients(sess *session.Session, reverseIdx []uint32, numUnique, evSize int, occGrads, out []float32) error {
	if len(occGrads) != len(reverseIdx)*evSize || len(out) != numUnique*evSize {
		return session.ConfigErrorf("reduce unique gradients: got %d occurrence values and %d output values for "+
			"%d occurrences and %d vectors of size %d", len(occGrads), len(out), len(reverseIdx), numUnique, evSize)
	}
	starts := make([]int, numUnique+1)
	for i, u := range reverseIdx {
		if u == partition.InvalidReverseIdx {
			continue
		}
		if int(u) >= numUnique {
			return session.ConfigErrorf("reduce unique gradients: occurrence %d points to vector %d, but there are %d",
				i, u, numUnique)
		}
		starts[u+1]++
	}
	for u := range numUnique {
		starts[u+1] += starts[u]
	}
	grouped := make([]int, starts[numUnique])
	fill := make([]int, numUnique)
	copy(fill, starts[:numUnique])
	for i, u := range reverseIdx {
		if u == partition.InvalidReverseIdx {
			continue
		}
		grouped[fill[u]] = i
		fill[u]++
	}

	return sess.Launch("reduce_unique_gradients", numUnique, func(lo, hi int) error {
		for u := lo; u < hi; u++ {
			dst := out[u*evSize : (u+1)*evSize]
			clear(dst)
			for _, occ := range grouped[starts[u]:starts[u+1]] {
				for j, g := range occGrads[occ*evSize : (occ+1)*evSize] {
					dst[j] += g
				}
			}
		}
		return nil
	})
}
