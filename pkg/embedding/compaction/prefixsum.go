// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compaction

import "golang.org/x/exp/constraints"

// ExclusivePrefixSum writes to dst[i] the sum of counts[:i], and returns the sum of all counts.
// dst and counts may be the same slice.
func ExclusivePrefixSum[T constraints.Integer](dst, counts []T) T {
	var total T
	for i, c := range counts {
		dst[i] = total
		total += c
	}
	return total
}

// blockStart returns the index of the block containing position, given the block start offsets
// (sorted, from an exclusive prefix sum). Empty blocks are skipped: the last block starting at or
// before position is returned.
func blockStart[T constraints.Integer](offsets []T, position T) int {
	lo, hi := 0, len(offsets)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if offsets[mid] <= position {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo - 1
}
