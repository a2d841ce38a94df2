// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package inputgen generates synthetic categorical input for the hybrid embedding: one-hot lookups,
// one per table, with power-law distributed categories, as seen in click-through-rate datasets.
//
// Generation is deterministic for a given seed.
package inputgen

import (
	"fmt"
	"math/rand"
	"slices"

	"github.com/gomlx/hybridembedding/pkg/core/session"
	"github.com/gomlx/hybridembedding/pkg/embedding/keys"
)

// Config of the generated data.
type Config struct {
	NumTables        int
	NumCategories    int // Total over all tables, used only when table sizes are not given.
	EmbeddingVecSize int

	// Exponent of the power-law: larger values concentrate the hits in fewer categories.
	// It must be > 1; 0 uses DefaultExponent.
	Exponent float64
}

// DefaultExponent of the power-law distribution.
const DefaultExponent = 1.2

// Generator of batches. Multiple calls return different data.
type Generator struct {
	config     Config
	tableSizes []int
	rng        *rand.Rand
	zipfs      []*rand.Zipf

	// shuffles[table] maps popularity rank to the table row, so the popular rows are spread over
	// the table instead of being the first ones.
	shuffles [][]keys.Category
}

// New creates a generator with random table sizes adding up to config.NumCategories.
func New(config Config, seed int64) (*Generator, error) {
	if config.NumTables <= 0 || config.NumCategories < config.NumTables {
		return nil, session.ConfigErrorf("inputgen: need num_tables > 0 and num_categories >= num_tables, got %d and %d",
			config.NumTables, config.NumCategories)
	}
	rng := rand.New(rand.NewSource(seed))
	return newGenerator(config, uniformTableSizes(rng, config.NumTables, config.NumCategories), rng)
}

// NewWithTableSizes creates a generator with the given table sizes.
func NewWithTableSizes(config Config, tableSizes []int, seed int64) (*Generator, error) {
	if len(tableSizes) == 0 {
		return nil, session.ConfigErrorf("inputgen: no table sizes given")
	}
	config.NumTables = len(tableSizes)
	config.NumCategories = 0
	for i, size := range tableSizes {
		if size <= 0 {
			return nil, session.ConfigErrorf("inputgen: table %d has size %d", i, size)
		}
		config.NumCategories += size
	}
	return newGenerator(config, slices.Clone(tableSizes), rand.New(rand.NewSource(seed)))
}

func newGenerator(config Config, tableSizes []int, rng *rand.Rand) (*Generator, error) {
	if config.Exponent == 0 {
		config.Exponent = DefaultExponent
	}
	if config.Exponent <= 1 {
		return nil, session.ConfigErrorf("inputgen: power-law exponent must be > 1, got %g", config.Exponent)
	}
	if config.EmbeddingVecSize <= 0 {
		config.EmbeddingVecSize = 1
	}
	g := &Generator{
		config:     config,
		tableSizes: tableSizes,
		rng:        rng,
		zipfs:      make([]*rand.Zipf, len(tableSizes)),
		shuffles:   make([][]keys.Category, len(tableSizes)),
	}
	for table, size := range tableSizes {
		g.zipfs[table] = rand.NewZipf(rng, config.Exponent, 1, uint64(size-1))
		perm := rng.Perm(size)
		g.shuffles[table] = make([]keys.Category, size)
		for rank, row := range perm {
			g.shuffles[table][rank] = keys.Category(row)
		}
	}
	return g, nil
}

// uniformTableSizes splits numCategories into numTables random sizes, each >= 1.
func uniformTableSizes(rng *rand.Rand, numTables, numCategories int) []int {
	cuts := make([]int, 0, numTables+1)
	cuts = append(cuts, 0, numCategories-numTables)
	for range numTables - 1 {
		cuts = append(cuts, rng.Intn(numCategories-numTables+1))
	}
	slices.Sort(cuts)
	sizes := make([]int, numTables)
	for i := range sizes {
		sizes[i] = cuts[i+1] - cuts[i] + 1
	}
	return sizes
}

// TableSizes returns the vocabulary size of each table.
func (g *Generator) TableSizes() []int { return slices.Clone(g.tableSizes) }

// Tables returns the table configurations matching the generated data.
func (g *Generator) Tables(combiner keys.Combiner) []keys.TableConfig {
	tables := make([]keys.TableConfig, len(g.tableSizes))
	for i, size := range g.tableSizes {
		tables[i] = keys.TableConfig{
			Name:             fmt.Sprintf("table_%d", i),
			VocabularySize:   size,
			EmbeddingVecSize: g.config.EmbeddingVecSize,
			Combiner:         combiner,
		}
	}
	return tables
}

// Lookups returns one one-hot lookup per table.
func (g *Generator) Lookups() []keys.LookupConfig {
	lookups := make([]keys.LookupConfig, len(g.tableSizes))
	for i := range lookups {
		lookups[i] = keys.LookupConfig{TableID: i, MaxHotness: 1}
	}
	return lookups
}

// PerFeature generates batchSize samples, each with one raw key per table (indexed within its table),
// sample-major: the result has batchSize*NumTables values.
func (g *Generator) PerFeature(batchSize int) []keys.Category {
	data := make([]keys.Category, batchSize*len(g.tableSizes))
	for sample := range batchSize {
		for table := range g.tableSizes {
			data[sample*len(g.tableSizes)+table] = g.sample(table)
		}
	}
	return data
}

// Flattened is like PerFeature, but the categories have the table offsets added, making them
// globally unique.
func (g *Generator) Flattened(batchSize int) []keys.Category {
	data := g.PerFeature(batchSize)
	offsets := g.offsets()
	numTables := len(g.tableSizes)
	for i := range data {
		data[i] += offsets[i%numTables]
	}
	return data
}

// Batch generates a one-hot keys.Batch with one lookup per table. If flattened, the categories
// have the table offsets added.
func (g *Generator) Batch(batchSize int, flattened bool) *keys.Batch {
	var data []keys.Category
	if flattened {
		data = g.Flattened(batchSize)
	} else {
		data = g.PerFeature(batchSize)
	}
	numTables := len(g.tableSizes)
	b := &keys.Batch{
		BatchSize: batchSize,
		Keys:      make([][]keys.Category, numTables),
		Offsets:   make([][]int, numTables),
	}
	for table := range numTables {
		b.Keys[table] = make([]keys.Category, batchSize)
		b.Offsets[table] = make([]int, batchSize+1)
		for sample := range batchSize {
			b.Keys[table][sample] = data[sample*numTables+table]
			b.Offsets[table][sample+1] = sample + 1
		}
	}
	return b
}

func (g *Generator) sample(table int) keys.Category {
	rank := g.zipfs[table].Uint64()
	return g.shuffles[table][rank]
}

func (g *Generator) offsets() []keys.Category {
	offsets := make([]keys.Category, len(g.tableSizes))
	for i := 1; i < len(offsets); i++ {
		offsets[i] = offsets[i-1] + keys.Category(g.tableSizes[i-1])
	}
	return offsets
}
