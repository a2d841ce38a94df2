// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package statistics ranks categories by frequency: it is the input used to decide which
// categories are replicated in the frequent cache.
package statistics

import (
	"cmp"
	"slices"

	"github.com/gomlx/hybridembedding/pkg/core/session"
	"github.com/gomlx/hybridembedding/pkg/embedding/keys"
)

// Statistics of the categories of one or more batches, sorted by count descending. Ties are broken
// by category ascending, so the order is deterministic.
type Statistics struct {
	CategoriesSorted []keys.Category
	CountsSorted     []uint64

	// NumIterations is the number of batches (steps) the statistics were collected from.
	NumIterations int
}

// NumUnique returns the number of distinct categories.
func (s *Statistics) NumUnique() int { return len(s.CategoriesSorted) }

// Total returns the sum of all counts, the number of key occurrences.
func (s *Statistics) Total() uint64 {
	var total uint64
	for _, c := range s.CountsSorted {
		total += c
	}
	return total
}

// Count returns the count of category, or 0 if it was not seen. It is O(N).
func (s *Statistics) Count(category keys.Category) uint64 {
	for i, c := range s.CategoriesSorted {
		if c == category {
			return s.CountsSorted[i]
		}
	}
	return 0
}

type categoryCount struct {
	category keys.Category
	count    uint64
}

func compareCounts(a, b categoryCount) int {
	if a.count != b.count {
		return cmp.Compare(b.count, a.count)
	}
	return cmp.Compare(a.category, b.category)
}

func fromCounts(pairs []categoryCount, numIterations int) *Statistics {
	s := &Statistics{
		CategoriesSorted: make([]keys.Category, len(pairs)),
		CountsSorted:     make([]uint64, len(pairs)),
		NumIterations:    numIterations,
	}
	for i, p := range pairs {
		s.CategoriesSorted[i] = p.category
		s.CountsSorted[i] = p.count
	}
	return s
}

// ComputeReference is the sequential host implementation: group by category, count, sort by count
// descending. Used to validate Compute.
func ComputeReference(categories []keys.Category) *Statistics {
	counts := make(map[keys.Category]uint64)
	for _, c := range categories {
		counts[c]++
	}
	pairs := make([]categoryCount, 0, len(counts))
	for c, n := range counts {
		pairs = append(pairs, categoryCount{c, n})
	}
	slices.SortFunc(pairs, compareCounts)
	return fromCounts(pairs, 1)
}

// numMergeShards is the number of disjoint category ranges merged in parallel.
const numMergeShards = 64

// Compute calculates the statistics with parallel kernels launched on the session:
//
//  1. Each block counts its slice of the input.
//  2. The per-block counts are merged in parallel by shards of the category space.
//  3. Each shard sorts its pairs, and the sorted shards are merged.
//
// The result is identical to ComputeReference.
func Compute(sess *session.Session, categories []keys.Category) (*Statistics, error) {
	blockSize := sess.BlockSize()
	numBlocks := (len(categories) + blockSize - 1) / blockSize
	blockCounts := make([]map[keys.Category]uint64, numBlocks)
	err := sess.Launch("statistics_count", len(categories), func(lo, hi int) error {
		counts := make(map[keys.Category]uint64)
		for _, c := range categories[lo:hi] {
			counts[c]++
		}
		blockCounts[lo/blockSize] = counts
		return nil
	})
	if err != nil {
		return nil, err
	}

	shards := make([][]categoryCount, numMergeShards)
	err = sess.LaunchWithBlockSize("statistics_merge", numMergeShards, 1, func(lo, hi int) error {
		for shard := lo; shard < hi; shard++ {
			merged := make(map[keys.Category]uint64)
			for _, counts := range blockCounts {
				for c, n := range counts {
					if int(uint64(c)%numMergeShards) == shard {
						merged[c] += n
					}
				}
			}
			pairs := make([]categoryCount, 0, len(merged))
			for c, n := range merged {
				pairs = append(pairs, categoryCount{c, n})
			}
			slices.SortFunc(pairs, compareCounts)
			shards[shard] = pairs
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fromCounts(mergeSorted(shards), 1), nil
}

// mergeSorted merges the sorted shards pairwise until one is left.
func mergeSorted(shards [][]categoryCount) []categoryCount {
	for len(shards) > 1 {
		next := make([][]categoryCount, 0, (len(shards)+1)/2)
		for i := 0; i < len(shards); i += 2 {
			if i+1 == len(shards) {
				next = append(next, shards[i])
				continue
			}
			next = append(next, mergeTwo(shards[i], shards[i+1]))
		}
		shards = next
	}
	if len(shards) == 0 {
		return nil
	}
	return shards[0]
}

func mergeTwo(a, b []categoryCount) []categoryCount {
	merged := make([]categoryCount, 0, len(a)+len(b))
	for len(a) > 0 && len(b) > 0 {
		if compareCounts(a[0], b[0]) <= 0 {
			merged = append(merged, a[0])
			a = a[1:]
		} else {
			merged = append(merged, b[0])
			b = b[1:]
		}
	}
	merged = append(merged, a...)
	return append(merged, b...)
}
