// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package keys defines the categorical keys consumed by the hybrid embedding, the embedding tables
// they index and the per-lookup batches (CSR layout) produced by the data pipeline.
package keys

import (
	"strings"

	"github.com/gomlx/hybridembedding/pkg/core/session"
	"github.com/pkg/errors"
)

// Category is the key of one embedding table row. After adding the table offset (see Flatten) it
// is globally unique across all tables.
type Category uint64

// Key identifies a deduplicated entry: the same category looked up by two different features
// (lookups) are different keys.
type Key struct {
	Category  Category
	FeatureID uint32
}

// Combiner is the reduction applied over the multiple embedding vectors of one sample in one lookup.
type Combiner int

const (
	// Sum of the embedding vectors.
	Sum Combiner = iota

	// Mean of the embedding vectors: the sum divided by the number of keys in the bucket, or by the
	// sum of the weights for weighted lookups.
	Mean
)

// String implements fmt.Stringer.
func (c Combiner) String() string {
	switch c {
	case Sum:
		return "sum"
	case Mean:
		return "mean"
	}
	return "unknown_combiner"
}

// ParseCombiner parses "sum" or "mean" (case-insensitive).
func ParseCombiner(name string) (Combiner, error) {
	switch strings.ToLower(name) {
	case "sum":
		return Sum, nil
	case "mean", "average", "avg":
		return Mean, nil
	}
	return 0, errors.Errorf("unknown combiner %q, valid values are \"sum\" or \"mean\"", name)
}

// TableConfig describes one logical embedding table.
type TableConfig struct {
	Name             string
	VocabularySize   int
	EmbeddingVecSize int
	Combiner         Combiner
}

// LookupConfig describes one lookup (feature): which table it reads and the maximum number of keys
// one sample can have in it.
type LookupConfig struct {
	TableID    int
	MaxHotness int
}

// ValidateTables checks the table configurations.
func ValidateTables(tables []TableConfig) error {
	if len(tables) == 0 {
		return session.ConfigErrorf("no embedding tables configured")
	}
	for i, table := range tables {
		if table.VocabularySize <= 0 {
			return session.ConfigErrorf("table #%d (%q) has vocabulary_size=%d, it must be > 0", i, table.Name, table.VocabularySize)
		}
		if table.EmbeddingVecSize <= 0 {
			return session.ConfigErrorf("table #%d (%q) has embedding_vec_size=%d, it must be > 0", i, table.Name, table.EmbeddingVecSize)
		}
		if table.Combiner != Sum && table.Combiner != Mean {
			return session.ConfigErrorf("table #%d (%q) has invalid combiner %d", i, table.Name, table.Combiner)
		}
	}
	return nil
}

// TableOffsets returns the offset added to the keys of each table to make them globally unique.
// The returned slice has len(tables)+1 entries, the last one being the total number of categories.
func TableOffsets(tables []TableConfig) []Category {
	offsets := make([]Category, len(tables)+1)
	for i, table := range tables {
		offsets[i+1] = offsets[i] + Category(table.VocabularySize)
	}
	return offsets
}

// TableOf returns the table of a global category, given the offsets returned by TableOffsets.
// It returns -1 if the category is beyond the last table.
func TableOf(offsets []Category, category Category) int {
	lo, hi := 0, len(offsets)-1
	if category >= offsets[hi] {
		return -1
	}
	for lo+1 < hi {
		mid := (lo + hi) / 2
		if offsets[mid] <= category {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo
}

// MaxEmbeddingVecSize returns the largest embedding vector size among the tables.
func MaxEmbeddingVecSize(tables []TableConfig) int {
	maxSize := 0
	for _, table := range tables {
		maxSize = max(maxSize, table.EmbeddingVecSize)
	}
	return maxSize
}
