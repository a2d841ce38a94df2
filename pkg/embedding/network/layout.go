// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package network reconstructs the per-sample embedding rows from the vectors received in the
// collective exchange (Forward), and sends the gradients back the same way (Backward).
//
// Communication buffers can be float32 or float16 (github.com/x448/float16); the per-sample output
// and gradient buffers are always float32.
package network

import (
	"github.com/gomlx/hybridembedding/pkg/core/session"
	"github.com/gomlx/hybridembedding/pkg/embedding/keys"
	"github.com/x448/float16"
)

// Element is the type of the values in a communication buffer.
type Element interface {
	float32 | float16.Float16
}

// ToFloat32 converts a buffer value to float32.
func ToFloat32[T Element](v T) float32 {
	switch x := any(v).(type) {
	case float16.Float16:
		return x.Float32()
	case float32:
		return x
	}
	return 0
}

// FromFloat32 converts v to the buffer type, rounding for float16.
func FromFloat32[T Element](v float32) T {
	var zero T
	switch any(zero).(type) {
	case float16.Float16:
		return any(float16.Fromfloat32(v)).(T)
	}
	return any(v).(T)
}

// Layout of the per-sample output buffer: one row of MaxEVSize values per (sample, lookup), row
// index sample*NumLookups()+lookup. Only the first EVSizes[lookup] values of a row are used.
//
// Communication buffers use the same stride: vector i of a buffer starts at i*MaxEVSize.
type Layout struct {
	BatchSize int
	MaxEVSize int
	EVSizes   []int
	Combiners []keys.Combiner
}

// NewLayout builds the layout for the lookups.
func NewLayout(tables []keys.TableConfig, lookups []keys.LookupConfig, batchSize int) (Layout, error) {
	if batchSize < 0 {
		return Layout{}, session.ConfigErrorf("network layout: batch_size=%d must be >= 0", batchSize)
	}
	l := Layout{
		BatchSize: batchSize,
		EVSizes:   make([]int, len(lookups)),
		Combiners: make([]keys.Combiner, len(lookups)),
	}
	for i, lookup := range lookups {
		if lookup.TableID < 0 || lookup.TableID >= len(tables) {
			return Layout{}, session.ConfigErrorf("network layout: lookup %d refers to table %d, but there are %d tables",
				i, lookup.TableID, len(tables))
		}
		table := tables[lookup.TableID]
		l.EVSizes[i] = table.EmbeddingVecSize
		l.Combiners[i] = table.Combiner
		l.MaxEVSize = max(l.MaxEVSize, table.EmbeddingVecSize)
	}
	return l, nil
}

// NumLookups returns the number of lookups.
func (l Layout) NumLookups() int { return len(l.EVSizes) }

// NumRows returns the number of (sample, lookup) rows.
func (l Layout) NumRows() int { return l.BatchSize * l.NumLookups() }

// OutputSize returns the number of values of the per-sample output buffer.
func (l Layout) OutputSize() int { return l.NumRows() * l.MaxEVSize }

// Row returns the index of the row of sample in lookup.
func (l Layout) Row(sample, lookup int) int { return sample*l.NumLookups() + lookup }

func (l Layout) validateBatch(batch *keys.Batch) error {
	if batch.BatchSize != l.BatchSize || batch.NumLookups() != l.NumLookups() {
		return session.ConfigErrorf("batch has batch_size=%d and %d lookups, layout expects %d and %d",
			batch.BatchSize, batch.NumLookups(), l.BatchSize, l.NumLookups())
	}
	return nil
}

// rowScale returns the factor applied to every vector of a row: 1 for Sum, 1/(number of keys) or
// 1/(sum of weights) for Mean. Empty rows or zero weight sums get 0.
func rowScale(combiner keys.Combiner, batch *keys.Batch, lookup, sample int) float32 {
	if combiner != keys.Mean {
		return 1
	}
	start, end := batch.Offsets[lookup][sample], batch.Offsets[lookup][sample+1]
	var denominator float32
	if batch.Weights != nil {
		for _, w := range batch.Weights[lookup][start:end] {
			denominator += w
		}
	} else {
		denominator = float32(end - start)
	}
	if denominator == 0 {
		return 0
	}
	return 1 / denominator
}

func keyWeight(batch *keys.Batch, lookup, position int) float32 {
	if batch.Weights == nil {
		return 1
	}
	return batch.Weights[lookup][position]
}

// lookupStarts returns the first occurrence id of each lookup (occurrences are lookup-major).
func lookupStarts(batch *keys.Batch) []int {
	starts := make([]int, batch.NumLookups()+1)
	for l, lookupKeys := range batch.Keys {
		starts[l+1] = starts[l] + len(lookupKeys)
	}
	return starts
}
