// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/hybridembedding/pkg/core/session"
	"github.com/gomlx/hybridembedding/pkg/embedding/keys"
	"github.com/gomlx/hybridembedding/pkg/embedding/network"
	"github.com/gomlx/hybridembedding/pkg/hybrid/model"
	"github.com/pkg/errors"
)

// InitFunc writes the initial embedding vector of category into vec, which has the embedding size
// of the category's table.
type InitFunc func(category keys.Category, vec []float32)

// Store holds the embedding vectors of one instance: the rows of its shard of the infrequent
// categories, at the offsets given by the model, and its replica of the frequent cache.
//
// Vectors are stored with a stride of the largest embedding size, like the communication buffers.
type Store[T network.Element] struct {
	sess         *session.Session
	model        *model.Model
	shard        int
	tables       []keys.TableConfig
	tableOffsets []keys.Category
	stride       int

	rows  []T
	cache []T
}

// NewStore allocates and initializes the store of shard for the placement m.
func NewStore[T network.Element](sess *session.Session, m *model.Model, shard int, tables []keys.TableConfig, initFn InitFunc) (*Store[T], error) {
	if shard < 0 || shard >= m.NumInstances() {
		return nil, session.ConfigErrorf("store: shard %d out of range for %d instances", shard, m.NumInstances())
	}
	s := &Store[T]{
		sess:         sess,
		model:        m,
		shard:        shard,
		tables:       tables,
		tableOffsets: keys.TableOffsets(tables),
		stride:       keys.MaxEmbeddingVecSize(tables),
	}
	s.rows = make([]T, m.NumInfrequent(shard)*s.stride)
	s.cache = make([]T, m.NumFrequent()*s.stride)
	err := sess.Launch("store_init", m.NumCategories(), func(lo, hi int) error {
		vec := make([]float32, s.stride)
		for c := keys.Category(lo); c < keys.Category(hi); c++ {
			loc, ok := m.Location(c)
			if !ok || int(loc.Shard) != shard {
				continue
			}
			s.initVector(initFn, c, vec, s.rows[int(loc.Offset)*s.stride:])
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to initialize store of shard %d", shard)
	}
	vec := make([]float32, s.stride)
	for slot, c := range m.FrequentCategories() {
		s.initVector(initFn, c, vec, s.cache[slot*s.stride:])
	}
	return s, nil
}

func (s *Store[T]) evSize(c keys.Category) int {
	return s.tables[keys.TableOf(s.tableOffsets, c)].EmbeddingVecSize
}

func (s *Store[T]) initVector(initFn InitFunc, c keys.Category, vec []float32, dst []T) {
	n := s.evSize(c)
	clear(vec)
	initFn(c, vec[:n])
	for j, v := range vec[:n] {
		dst[j] = network.FromFloat32[T](v)
	}
}

// Shard held by the store.
func (s *Store[T]) Shard() int { return s.shard }

// Stride between vectors.
func (s *Store[T]) Stride() int { return s.stride }

// Cache returns the frequent cache buffer: vector of slot i at i*Stride().
func (s *Store[T]) Cache() []T { return s.cache }

// Vector returns the stored vector of category, from the shard rows or the cache.
func (s *Store[T]) Vector(c keys.Category) ([]T, bool) {
	if slot, ok := s.model.FrequentIndex(c); ok {
		return s.cache[int(slot)*s.stride : int(slot)*s.stride+s.evSize(c)], true
	}
	loc, ok := s.model.Location(c)
	if !ok || int(loc.Shard) != s.shard {
		return nil, false
	}
	return s.rows[int(loc.Offset)*s.stride : int(loc.Offset)*s.stride+s.evSize(c)], true
}

// Gather writes the vectors of the given infrequent keys into a new communication buffer, one vector
// per key. Keys not held by the shard are an error.
func (s *Store[T]) Gather(requested []keys.Key) ([]T, error) {
	out := make([]T, len(requested)*s.stride)
	err := s.sess.Launch("store_gather", len(requested), func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			row := s.row(requested[i].Category)
			copy(out[i*s.stride:(i+1)*s.stride], s.rows[row*s.stride:(row+1)*s.stride])
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "store of shard %d", s.shard)
	}
	return out, nil
}

func (s *Store[T]) row(c keys.Category) int {
	loc, ok := s.model.Location(c)
	if !ok || int(loc.Shard) != s.shard {
		exceptions.Panicf("category %d is not held by shard %d", c, s.shard)
	}
	return int(loc.Offset)
}

// ApplyGradients updates the rows of the given keys with plain SGD: row -= learningRate*grad, grads
// holding one vector per key with the store stride. Repeated keys accumulate.
func (s *Store[T]) ApplyGradients(updated []keys.Key, grads []T, learningRate float32) error {
	if len(grads) != len(updated)*s.stride {
		return session.ConfigErrorf("store of shard %d: %d gradient values for %d keys with stride %d",
			s.shard, len(grads), len(updated), s.stride)
	}
	return exceptions.TryCatch[error](func() {
		for i, key := range updated {
			row := s.row(key.Category)
			sgd(s.rows[row*s.stride:(row+1)*s.stride], grads[i*s.stride:(i+1)*s.stride], learningRate)
		}
	})
}

// ApplyCacheGradients updates the frequent cache with plain SGD, grads having the layout of Cache().
// Replicas stay identical as long as every instance applies the same (all-reduced) gradients.
func (s *Store[T]) ApplyCacheGradients(grads []T, learningRate float32) error {
	if len(grads) != len(s.cache) {
		return session.ConfigErrorf("store of shard %d: %d cache gradient values, cache has %d", s.shard, len(grads), len(s.cache))
	}
	return s.sess.Launch("store_cache_update", len(s.cache)/max(s.stride, 1), func(lo, hi int) error {
		sgd(s.cache[lo*s.stride:hi*s.stride], grads[lo*s.stride:hi*s.stride], learningRate)
		return nil
	})
}

func sgd[T network.Element](params, grads []T, learningRate float32) {
	for j, g := range grads {
		params[j] = network.FromFloat32[T](network.ToFloat32(params[j]) - learningRate*network.ToFloat32(g))
	}
}
