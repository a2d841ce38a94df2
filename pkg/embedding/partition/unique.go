// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package partition deduplicates the key occurrences of a step and routes each distinct key to its
// destination partition (a shard, or the frequent cache), building the reverse index from every
// occurrence back to its deduplicated slot.
package partition

import (
	"sort"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/hybridembedding/pkg/core/session"
	"github.com/gomlx/hybridembedding/pkg/embedding/keys"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Filter returns whether a category is needed in a path. Occurrences of categories filtered out get
// InvalidReverseIdx. It must be safe for concurrent use.
type Filter func(category keys.Category) bool

// PartitionAndUnique is the operator that deduplicates and partitions the keys of a batch.
//
// The hash table is not cleared by Run: call HashTable.Clear at the start of every step (or Seed
// once, for a frozen table of frequent keys).
type PartitionAndUnique struct {
	sess        *session.Session
	name        string
	table       *HashTable
	partitioner *Partitioner
	filter      Filter
}

// NewPartitionAndUnique creates the operator. The number of partitions of the output data must
// match partitioner.NumPartitions().
func NewPartitionAndUnique(sess *session.Session, table *HashTable, partitioner *Partitioner) *PartitionAndUnique {
	return &PartitionAndUnique{
		sess:        sess,
		name:        sess.UniqueOpName("partition_and_unique"),
		table:       table,
		partitioner: partitioner,
	}
}

// WithFilter sets the filter of needed categories. It returns the operator itself.
func (op *PartitionAndUnique) WithFilter(filter Filter) *PartitionAndUnique {
	op.filter = filter
	return op
}

// Name of the operator, unique in the session.
func (op *PartitionAndUnique) Name() string { return op.name }

// Table returns the hash table used by the operator.
func (op *PartitionAndUnique) Table() *HashTable { return op.table }

// Run deduplicates and partitions the (flattened) keys of batch into out.
//
// Occurrences are numbered lookup-major (as in keys.Batch.Categories) and the feature id of a key is
// its lookup index, except for frozen tables, which are looked up by category only. Equal keys get
// equal reverse indices. Overflowing the hash table or a partition returns an error with
// session.ErrCapacityOverflow as its cause.
func (op *PartitionAndUnique) Run(batch *keys.Batch, out *CompressedData) error {
	if out.Partitioned.NumPartitions != op.partitioner.NumPartitions() {
		return session.ConfigErrorf("%s: output has %d partitions, partitioner has %d",
			op.name, out.Partitioned.NumPartitions, op.partitioner.NumPartitions())
	}
	lookupStarts := make([]int, batch.NumLookups()+1)
	for l, lookupKeys := range batch.Keys {
		lookupStarts[l+1] = lookupStarts[l] + len(lookupKeys)
	}
	numOccurrences := lookupStarts[batch.NumLookups()]
	if err := out.Reset(numOccurrences); err != nil {
		return errors.WithMessagef(err, "%s", op.name)
	}

	data := out.Partitioned
	maxSlots := data.MaxKeysPerPartition
	reverseIdx := out.ReverseIdx()
	frozen := op.table.IsFrozen()
	err := op.sess.Launch(op.name, numOccurrences, func(lo, hi int) error {
		lookup := sort.SearchInts(lookupStarts, lo+1) - 1
		for i := lo; i < hi; i++ {
			for i >= lookupStarts[lookup+1] {
				lookup++
			}
			category := batch.Keys[lookup][i-lookupStarts[lookup]]
			if op.filter != nil && !op.filter(category) {
				reverseIdx[i] = InvalidReverseIdx
				continue
			}
			if frozen {
				_, slot, found := op.table.Lookup(keys.Key{Category: category})
				if !found {
					reverseIdx[i] = InvalidReverseIdx
				} else {
					reverseIdx[i] = slot - 1
				}
				continue
			}
			key := keys.Key{Category: category, FeatureID: uint32(lookup)}
			p := op.partitioner.Partition(category)
			if p < 0 || p >= data.NumPartitions {
				exceptions.Panicf("category %d of lookup %d has no valid partition (got %d, with %d partitions)",
					category, lookup, p, data.NumPartitions)
			}
			slot, inserted, err := op.table.insertOrFind(op.sess.Pool(), key, p, data.counts, maxSlots)
			if err != nil {
				return errors.WithMessagef(err, "inserting key %+v", key)
			}
			idx := uint32(p*maxSlots) + slot - 1
			if inserted {
				data.slab[idx] = key
			}
			reverseIdx[i] = idx
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !frozen {
		numUnique := data.NumKeys()
		op.sess.Metrics().UniqueKeys.Observe(float64(numUnique))
		if klog.V(2).Enabled() {
			klog.Infof("%s: %d occurrences, %d unique keys, counts=%v", op.name, numOccurrences, numUnique, data.Counts())
		}
	}
	return nil
}
