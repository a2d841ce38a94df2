// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package network

import (
	"github.com/gomlx/hybridembedding/pkg/core/session"
	"github.com/gomlx/hybridembedding/pkg/embedding/partition"
)

// Index maps every key occurrence of the batch to the vector it reads after the exchange: vector
// Offsets[i] of the communication buffer of network Networks[i]. Occurrences not served by any
// buffer have Networks[i] == partition.InvalidReverseIdx.
type Index struct {
	Networks []uint32
	Offsets  []uint32
}

// NewIndex allocates an index for numOccurrences occurrences, all invalid.
func NewIndex(numOccurrences int) *Index {
	idx := &Index{
		Networks: make([]uint32, numOccurrences),
		Offsets:  make([]uint32, numOccurrences),
	}
	for i := range idx.Networks {
		idx.Networks[i] = partition.InvalidReverseIdx
	}
	return idx
}

// Len returns the number of occurrences.
func (idx *Index) Len() int { return len(idx.Networks) }

// SetFromCompacted fills the index from a reverse index into the compacted keys (see the compaction
// package): an occurrence pointing to dense position d of partition p reads vector d-offsets[p] of
// network p. Invalid entries are skipped, so several paths can fill the same index.
func (idx *Index) SetFromCompacted(sess *session.Session, denseReverseIdx []uint32, offsets []int) error {
	if len(denseReverseIdx) != idx.Len() {
		return session.ConfigErrorf("network index has %d occurrences, reverse index has %d", idx.Len(), len(denseReverseIdx))
	}
	return sess.Launch("network_index", len(denseReverseIdx), func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			dense := denseReverseIdx[i]
			if dense == partition.InvalidReverseIdx {
				continue
			}
			p := lastLE(offsets, int(dense))
			idx.Networks[i] = uint32(p)
			idx.Offsets[i] = dense - uint32(offsets[p])
		}
		return nil
	})
}

// SetFromNetwork fills the occurrences with a valid reverseIdx to read vector reverseIdx[i] of
// network. It is used for the frequent cache, addressed directly by its slot.
func (idx *Index) SetFromNetwork(sess *session.Session, reverseIdx []uint32, network int) error {
	if len(reverseIdx) != idx.Len() {
		return session.ConfigErrorf("network index has %d occurrences, reverse index has %d", idx.Len(), len(reverseIdx))
	}
	return sess.Launch("network_index", len(reverseIdx), func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			if reverseIdx[i] == partition.InvalidReverseIdx {
				continue
			}
			idx.Networks[i] = uint32(network)
			idx.Offsets[i] = reverseIdx[i]
		}
		return nil
	})
}

// lastLE returns the last position of sorted whose value is <= v, skipping empty ranges.
func lastLE(sorted []int, v int) int {
	lo, hi := 0, len(sorted)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if sorted[mid] <= v {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo - 1
}
