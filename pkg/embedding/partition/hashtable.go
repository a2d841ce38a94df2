// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package partition

import (
	"encoding/binary"
	"runtime"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/gomlx/hybridembedding/internal/workerspool"
	"github.com/gomlx/hybridembedding/pkg/core/session"
	"github.com/gomlx/hybridembedding/pkg/embedding/keys"
	"github.com/gomlx/hybridembedding/pkg/support/bucketing"
	"github.com/pkg/errors"
)

// Entry states. An entry only moves forward: empty -> claimed -> ready, until the table is cleared.
const (
	entryEmpty uint32 = iota
	entryClaimed
	entryReady
)

// HashTable is a fixed-capacity open-addressing (linear probing) table from keys.Key to the 1-based
// slot of the key within its partition.
//
// Insertion is lock-free and idempotent: the first writer of an entry wins a compare-and-swap on the
// entry state, stores the key, takes the next slot of its partition and publishes the entry. Other
// writers of the same key wait for the entry to be published and read back the winner's slot.
type HashTable struct {
	capacity int
	mask     uint64

	states []atomic.Uint32
	keys   []keys.Key
	slots  []atomic.Uint32
	parts  []int32

	size   atomic.Int64
	frozen bool
}

// NewHashTable creates a table with at least the given capacity, rounded up to a power of 2.
// The capacity must cover the worst case number of distinct keys inserted between two Clear calls.
func NewHashTable(capacity int) (*HashTable, error) {
	if capacity <= 0 {
		return nil, session.ConfigErrorf("hash table capacity must be positive, got %d", capacity)
	}
	capacity = bucketing.Pow2().Bucket(capacity)
	return &HashTable{
		capacity: capacity,
		mask:     uint64(capacity - 1),
		states:   make([]atomic.Uint32, capacity),
		keys:     make([]keys.Key, capacity),
		slots:    make([]atomic.Uint32, capacity),
		parts:    make([]int32, capacity),
	}, nil
}

// Capacity returns the number of entries of the table.
func (h *HashTable) Capacity() int { return h.capacity }

// Size returns the number of keys in the table.
func (h *HashTable) Size() int { return int(h.size.Load()) }

// IsFrozen returns whether the table was seeded and only supports lookups.
func (h *HashTable) IsFrozen() bool { return h.frozen }

// ValidateCapacity returns a configuration error if the table can't hold worstCase distinct keys.
func (h *HashTable) ValidateCapacity(worstCase int) error {
	if worstCase > h.capacity {
		return session.ConfigErrorf("hash table capacity %d is smaller than the worst case of %d distinct keys per step",
			h.capacity, worstCase)
	}
	return nil
}

func hashKey(key keys.Key) uint64 {
	var buf [12]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(key.Category))
	binary.LittleEndian.PutUint32(buf[8:], key.FeatureID)
	return xxhash.Sum64(buf[:])
}

// Clear empties the table, with a parallel kernel launched on the session. It also unfreezes it.
//
// It must not run concurrently with any other use of the table.
func (h *HashTable) Clear(sess *session.Session) error {
	err := sess.Launch("hash_table_clear", h.capacity, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			h.states[i].Store(entryEmpty)
			h.slots[i].Store(0)
		}
		return nil
	})
	if err != nil {
		return err
	}
	h.size.Store(0)
	h.frozen = false
	return nil
}

// insertOrFind returns the 1-based slot of key in partition, inserting it if not yet present.
// New slots are taken from counters[partition], and are never larger than maxSlots.
// inserted is true for the one caller that inserted the key.
//
// While waiting for an entry claimed by another block, the caller is reported asleep to pool.
func (h *HashTable) insertOrFind(pool *workerspool.Pool, key keys.Key, partition int, counters []atomic.Uint32, maxSlots int) (slot uint32, inserted bool, err error) {
	idx := hashKey(key) & h.mask
	for range h.capacity {
		state := h.states[idx].Load()
		if state == entryEmpty {
			if h.states[idx].CompareAndSwap(entryEmpty, entryClaimed) {
				h.keys[idx] = key
				h.parts[idx] = int32(partition)
				slot = counters[partition].Add(1)
				if int(slot) > maxSlots {
					// Publish the entry with the invalid slot 0, so waiting readers also fail.
					counters[partition].Add(^uint32(0))
					h.states[idx].Store(entryReady)
					return 0, false, session.OverflowErrorf("partition %d is full: it can hold at most %d distinct keys",
						partition, maxSlots)
				}
				h.slots[idx].Store(slot)
				h.size.Add(1)
				h.states[idx].Store(entryReady)
				return slot, true, nil
			}
			state = h.states[idx].Load()
		}
		if state == entryClaimed {
			pool.WorkerIsAsleep()
			for state == entryClaimed {
				runtime.Gosched()
				state = h.states[idx].Load()
			}
			pool.WorkerRestarted()
		}
		if h.keys[idx] == key {
			slot = h.slots[idx].Load()
			if slot == 0 {
				return 0, false, session.OverflowErrorf("partition %d is full: it can hold at most %d distinct keys",
					h.parts[idx], maxSlots)
			}
			return slot, false, nil
		}
		idx = (idx + 1) & h.mask
	}
	return 0, false, session.OverflowErrorf("hash table is full: capacity is %d entries", h.capacity)
}

// Lookup returns the partition and the 1-based slot of key, or found=false.
// It must not run concurrently with insertions.
func (h *HashTable) Lookup(key keys.Key) (partition int, slot uint32, found bool) {
	idx := hashKey(key) & h.mask
	for range h.capacity {
		if h.states[idx].Load() != entryReady {
			return 0, 0, false
		}
		if h.keys[idx] == key {
			slot = h.slots[idx].Load()
			return int(h.parts[idx]), slot, slot != 0
		}
		idx = (idx + 1) & h.mask
	}
	return 0, 0, false
}

// Seed clears the table, inserts the given keys in partition 0 with slots 1..len(seed) in order,
// and freezes the table: afterwards the partition operator only looks keys up, and keys not seeded
// are dropped.
//
// It is used for the frequent categories, whose slots are their cache slots plus one. The cache is
// shared by all lookups, so seeded keys should have FeatureID 0.
func (h *HashTable) Seed(sess *session.Session, seed []keys.Key) error {
	if err := h.ValidateCapacity(len(seed)); err != nil {
		return errors.WithMessage(err, "failed to seed hash table")
	}
	if err := h.Clear(sess); err != nil {
		return err
	}
	counter := make([]atomic.Uint32, 1)
	for i, key := range seed {
		slot, inserted, err := h.insertOrFind(sess.Pool(), key, 0, counter, len(seed))
		if err != nil {
			return errors.WithMessage(err, "failed to seed hash table")
		}
		if !inserted || int(slot) != i+1 {
			return session.ConfigErrorf("failed to seed hash table: key %+v is repeated", key)
		}
	}
	h.frozen = true
	return nil
}
