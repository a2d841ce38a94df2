// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package keys

import (
	"github.com/gomlx/hybridembedding/pkg/core/session"
	"github.com/pkg/errors"
)

// Batch holds one step's raw keys, per lookup, in CSR layout: the keys of sample b in lookup l are
// Keys[l][Offsets[l][b]:Offsets[l][b+1]].
//
// Keys can be raw (per-table row ids) or flattened (global categories), see Flatten.
type Batch struct {
	BatchSize int
	Keys      [][]Category
	Offsets   [][]int

	// Weights are optional per-key weights (same layout as Keys), used by weighted Mean combiners.
	Weights [][]float32
}

// NumLookups returns the number of lookups in the batch.
func (b *Batch) NumLookups() int { return len(b.Keys) }

// NumKeys returns the total number of key occurrences in the batch.
func (b *Batch) NumKeys() int {
	n := 0
	for _, keys := range b.Keys {
		n += len(keys)
	}
	return n
}

// Bucket returns the keys of sample in lookup.
func (b *Batch) Bucket(lookup, sample int) []Category {
	return b.Keys[lookup][b.Offsets[lookup][sample]:b.Offsets[lookup][sample+1]]
}

// RowLength returns the number of keys of sample in lookup.
func (b *Batch) RowLength(lookup, sample int) int {
	return b.Offsets[lookup][sample+1] - b.Offsets[lookup][sample]
}

// Validate checks the CSR structure of the batch against the lookups configuration.
func (b *Batch) Validate(lookups []LookupConfig) error {
	if len(b.Keys) != len(lookups) || len(b.Offsets) != len(lookups) {
		return errors.Errorf("batch has %d key arrays and %d offset arrays, but %d lookups are configured",
			len(b.Keys), len(b.Offsets), len(lookups))
	}
	if b.Weights != nil && len(b.Weights) != len(lookups) {
		return errors.Errorf("batch has %d weight arrays, but %d lookups are configured", len(b.Weights), len(lookups))
	}
	for l, offsets := range b.Offsets {
		if len(offsets) != b.BatchSize+1 {
			return errors.Errorf("lookup %d has %d offsets, want batch_size+1=%d", l, len(offsets), b.BatchSize+1)
		}
		if offsets[0] != 0 || offsets[b.BatchSize] != len(b.Keys[l]) {
			return errors.Errorf("lookup %d offsets must start at 0 and end at %d (number of keys), got [%d, %d]",
				l, len(b.Keys[l]), offsets[0], offsets[b.BatchSize])
		}
		for sample := range b.BatchSize {
			length := offsets[sample+1] - offsets[sample]
			if length < 0 {
				return errors.Errorf("lookup %d offsets are not monotone at sample %d", l, sample)
			}
			if length > lookups[l].MaxHotness {
				return session.OverflowErrorf("lookup %d sample %d has %d keys, more than max_hotness=%d",
					l, sample, length, lookups[l].MaxHotness)
			}
		}
		if b.Weights != nil && len(b.Weights[l]) != len(b.Keys[l]) {
			return errors.Errorf("lookup %d has %d weights for %d keys", l, len(b.Weights[l]), len(b.Keys[l]))
		}
	}
	return nil
}

// Flatten returns a copy of the batch with the table offsets added to every key, making categories
// globally unique. Raw keys must be smaller than their table's vocabulary size.
func (b *Batch) Flatten(tables []TableConfig, lookups []LookupConfig) (*Batch, error) {
	offsets := TableOffsets(tables)
	flat := &Batch{
		BatchSize: b.BatchSize,
		Keys:      make([][]Category, len(b.Keys)),
		Offsets:   b.Offsets,
		Weights:   b.Weights,
	}
	for l, raw := range b.Keys {
		table := lookups[l].TableID
		if table < 0 || table >= len(tables) {
			return nil, session.ConfigErrorf("lookup %d refers to table %d, but there are %d tables", l, table, len(tables))
		}
		vocab := Category(tables[table].VocabularySize)
		flat.Keys[l] = make([]Category, len(raw))
		for i, key := range raw {
			if key >= vocab {
				return nil, errors.Errorf("lookup %d key #%d is %d, out of range for table %d (vocabulary_size=%d)",
					l, i, key, table, vocab)
			}
			flat.Keys[l][i] = key + offsets[table]
		}
	}
	return flat, nil
}

// Categories returns all the key occurrences of the batch in lookup-major order.
func (b *Batch) Categories() []Category {
	all := make([]Category, 0, b.NumKeys())
	for _, keys := range b.Keys {
		all = append(all, keys...)
	}
	return all
}
