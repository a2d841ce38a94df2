// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the configuration of a hybrid embedding run.
//
// A Config starts from Default and is updated either from a settings string
// ("batch_size=65_536;num_tables=26;file:~/settings.txt", see ParseSettings) or from a YAML file
// (LoadFile). Every parameter has a typed default, which also defines how its value is parsed.
package config

import (
	"fmt"
	"os"

	"github.com/gomlx/hybridembedding/pkg/core/session"
	"github.com/gomlx/hybridembedding/pkg/core/topology"
	"github.com/gomlx/hybridembedding/pkg/embedding/keys"
	"github.com/gomlx/hybridembedding/pkg/hybrid/calibration"
	"github.com/gomlx/hybridembedding/pkg/support/bucketing"
	"github.com/gomlx/hybridembedding/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Sharding values.
const (
	ShardingFull      = "full"       // Every instance holds a shard of every table.
	ShardingTableWise = "table_wise" // Each table is held by one instance, round-robin.
)

// Config of a hybrid embedding run. The yaml tags are also the names used in settings strings.
type Config struct {
	CommunicationType string `yaml:"communication_type"`
	InstancesPerNode  []int  `yaml:"instances_per_node"`
	InstanceID        int    `yaml:"instance_id"` // Global id of this instance.

	// BatchSize is the global batch size: each step processes BatchSize samples over all instances.
	BatchSize int `yaml:"batch_size"`

	NumTables int `yaml:"num_tables"`
	// NumCategories is split evenly over the tables, if TableSizes is not given.
	NumCategories    int    `yaml:"num_categories"`
	TableSizes       []int  `yaml:"table_sizes,omitempty"`
	EmbeddingVecSize int    `yaml:"embedding_vec_size"`
	Combiner         string `yaml:"combiner"`
	MaxHotness       int    `yaml:"max_hotness"`
	Sharding         string `yaml:"sharding"`

	// HalfPrecision selects float16 communication buffers.
	HalfPrecision bool `yaml:"half_precision"`

	// MaxNumFrequent is the capacity of the frequent cache, 0 for no limit.
	MaxNumFrequent int `yaml:"max_num_frequent"`

	// HashTableCapacity of the infrequent hash table, 0 for twice the worst case number of keys per step.
	HashTableCapacity int `yaml:"hash_table_capacity"`

	// CalibrationFile with measured collective times. If empty, the bandwidths below are used.
	CalibrationFile    string  `yaml:"calibration_file"`
	AllToAllBandwidth  float64 `yaml:"all_to_all_bandwidth"`  // Bytes/s.
	AllReduceBandwidth float64 `yaml:"all_reduce_bandwidth"` // Bytes/s.
	AllToAllPasses     float64 `yaml:"all_to_all_passes"`
	AllReducePasses    float64 `yaml:"all_reduce_passes"`

	// SamplerWindow is the number of steps whose categories are kept for the statistics.
	SamplerWindow  int     `yaml:"sampler_window"`
	DriftTolerance float64 `yaml:"drift_tolerance"`

	Parallelism int `yaml:"parallelism"` // 0 uses the number of CPUs.
	BlockSize   int `yaml:"block_size"`  // 0 uses the session default.

	// ZipfExponent of the synthetic data generator.
	ZipfExponent float64 `yaml:"zipf_exponent"`
}

// Default returns the default configuration: one node with 4 instances, 26 one-hot sum tables.
func Default() *Config {
	return &Config{
		CommunicationType:  topology.NVLinkSingleNode.String(),
		InstancesPerNode:   []int{4},
		BatchSize:          16_384,
		NumTables:          26,
		NumCategories:      2_600_000,
		EmbeddingVecSize:   128,
		Combiner:           keys.Sum.String(),
		MaxHotness:         1,
		Sharding:           ShardingFull,
		AllToAllBandwidth:  100e9,
		AllReduceBandwidth: 130e9,
		AllToAllPasses:     2,
		AllReducePasses:    1,
		SamplerWindow:      8,
		DriftTolerance:     0.05,
		ZipfExponent:       1.2,
	}
}

// LoadFile reads a YAML configuration file over the defaults, and validates it.
func LoadFile(path string) (*Config, error) {
	path, err := fsutil.ResolvePath(path)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration file %q", path)
	}
	c := Default()
	if err = yaml.Unmarshal(contents, c); err != nil {
		return nil, errors.WithMessagef(session.ErrConfiguration, "failed to parse configuration file %q: %v", path, err)
	}
	if err = c.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "configuration file %q", path)
	}
	return c, nil
}

// Marshal the configuration to YAML.
func (c *Config) Marshal() ([]byte, error) {
	contents, err := yaml.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal configuration")
	}
	return contents, nil
}

// Validate checks the configuration. All errors have session.ErrConfiguration as their cause.
func (c *Config) Validate() error {
	ct, err := c.CommType()
	if err != nil {
		return err
	}
	topo, err := c.Topology()
	if err != nil {
		return err
	}
	if err = topo.Validate(ct); err != nil {
		return err
	}
	if c.InstanceID < 0 || c.InstanceID >= topo.NumInstances() {
		return session.ConfigErrorf("instance_id=%d out of range for %d instances", c.InstanceID, topo.NumInstances())
	}
	for _, p := range []intParam{
		{"batch_size", c.BatchSize, 1},
		{"num_tables", c.NumTables, 1},
		{"embedding_vec_size", c.EmbeddingVecSize, 1},
		{"max_hotness", c.MaxHotness, 1},
		{"sampler_window", c.SamplerWindow, 1},
		{"max_num_frequent", c.MaxNumFrequent, 0},
		{"hash_table_capacity", c.HashTableCapacity, 0},
		{"parallelism", c.Parallelism, 0},
		{"block_size", c.BlockSize, 0},
	} {
		if p.value < p.min {
			return session.ConfigErrorf("%s=%d must be >= %d", p.name, p.value, p.min)
		}
	}
	if c.BatchSize%topo.NumInstances() != 0 {
		return session.ConfigErrorf("batch_size=%d must be a multiple of the number of instances (%d)",
			c.BatchSize, topo.NumInstances())
	}
	if len(c.TableSizes) == 0 {
		if c.NumCategories < c.NumTables {
			return session.ConfigErrorf("num_categories=%d must be >= num_tables=%d", c.NumCategories, c.NumTables)
		}
	} else if len(c.TableSizes) != c.NumTables {
		return session.ConfigErrorf("table_sizes has %d entries, but num_tables=%d", len(c.TableSizes), c.NumTables)
	}
	if _, err = keys.ParseCombiner(c.Combiner); err != nil {
		return errors.WithMessagef(session.ErrConfiguration, "%v", err)
	}
	if err = keys.ValidateTables(c.Tables()); err != nil {
		return err
	}
	matrix, err := c.ShardMatrix(topo)
	if err != nil {
		return err
	}
	if err = matrix.Validate(c.NumTables, topo); err != nil {
		return err
	}
	if c.HashTableCapacity > 0 && c.HashTableCapacity < c.WorstCaseKeys() {
		return session.ConfigErrorf("hash_table_capacity=%d is smaller than the worst case of %d keys per step "+
			"(local batch size x num_tables x max_hotness)", c.HashTableCapacity, c.WorstCaseKeys())
	}
	if c.CalibrationFile == "" && (c.AllToAllBandwidth <= 0 || c.AllReduceBandwidth <= 0) {
		return session.ConfigErrorf("all_to_all_bandwidth=%g and all_reduce_bandwidth=%g must be > 0 without a calibration_file",
			c.AllToAllBandwidth, c.AllReduceBandwidth)
	}
	if c.AllToAllPasses < 0 || c.AllReducePasses < 0 {
		return session.ConfigErrorf("all_to_all_passes=%g and all_reduce_passes=%g must be >= 0",
			c.AllToAllPasses, c.AllReducePasses)
	}
	if c.DriftTolerance < 0 {
		return session.ConfigErrorf("drift_tolerance=%g must be >= 0", c.DriftTolerance)
	}
	if c.ZipfExponent <= 1 {
		return session.ConfigErrorf("zipf_exponent=%g must be > 1", c.ZipfExponent)
	}
	return nil
}

type intParam struct {
	name       string
	value, min int
}

// CommType parses CommunicationType.
func (c *Config) CommType() (topology.CommunicationType, error) {
	ct, err := topology.ParseCommunicationType(c.CommunicationType)
	if err != nil {
		return 0, errors.WithMessagef(session.ErrConfiguration, "%v", err)
	}
	return ct, nil
}

// Topology built from InstancesPerNode.
func (c *Config) Topology() (*topology.Topology, error) {
	return topology.NewTopology(c.InstancesPerNode...)
}

// TableSizesOrSplit returns TableSizes, or NumCategories split evenly over NumTables (the first
// tables get the remainder).
func (c *Config) TableSizesOrSplit() []int {
	if len(c.TableSizes) > 0 {
		return c.TableSizes
	}
	if c.NumTables <= 0 {
		return nil
	}
	sizes := make([]int, c.NumTables)
	for i := range sizes {
		sizes[i] = c.NumCategories / c.NumTables
		if i < c.NumCategories%c.NumTables {
			sizes[i]++
		}
	}
	return sizes
}

// Tables returns the configuration of the embedding tables. An unknown combiner is left as Sum:
// Validate reports it.
func (c *Config) Tables() []keys.TableConfig {
	combiner, _ := keys.ParseCombiner(c.Combiner)
	sizes := c.TableSizesOrSplit()
	tables := make([]keys.TableConfig, len(sizes))
	for i, size := range sizes {
		tables[i] = keys.TableConfig{
			Name:             fmt.Sprintf("table_%d", i),
			VocabularySize:   size,
			EmbeddingVecSize: c.EmbeddingVecSize,
			Combiner:         combiner,
		}
	}
	return tables
}

// Lookups returns one lookup per table.
func (c *Config) Lookups() []keys.LookupConfig {
	lookups := make([]keys.LookupConfig, c.NumTables)
	for i := range lookups {
		lookups[i] = keys.LookupConfig{TableID: i, MaxHotness: c.MaxHotness}
	}
	return lookups
}

// ShardMatrix for the configured sharding.
func (c *Config) ShardMatrix(topo *topology.Topology) (topology.ShardMatrix, error) {
	switch c.Sharding {
	case ShardingFull:
		return topology.FullShardMatrix(c.NumTables, topo.NumInstances()), nil
	case ShardingTableWise:
		return topology.TableWiseShardMatrix(c.NumTables, topo.NumInstances()), nil
	}
	return nil, session.ConfigErrorf("unknown sharding %q, valid values are %q or %q", c.Sharding, ShardingFull, ShardingTableWise)
}

// EmbeddingVecBytes is the size of one embedding vector in the communication buffers.
func (c *Config) EmbeddingVecBytes() float64 {
	if c.HalfPrecision {
		return float64(2 * c.EmbeddingVecSize)
	}
	return float64(4 * c.EmbeddingVecSize)
}

// LocalBatchSize is the number of samples processed by each instance per step.
func (c *Config) LocalBatchSize() int {
	numInstances := 0
	for _, n := range c.InstancesPerNode {
		numInstances += n
	}
	if numInstances <= 0 {
		return c.BatchSize
	}
	return c.BatchSize / numInstances
}

// WorstCaseKeys is the maximum number of key occurrences (and so of distinct keys) in one step of
// one instance.
func (c *Config) WorstCaseKeys() int {
	return c.LocalBatchSize() * c.NumTables * c.MaxHotness
}

// HashTableSize returns the capacity to allocate for the infrequent hash table.
func (c *Config) HashTableSize() int {
	if c.HashTableCapacity > 0 {
		return c.HashTableCapacity
	}
	return bucketing.Pow2().Bucket(2 * c.WorstCaseKeys())
}

// Factors of the threshold formula.
func (c *Config) Factors() calibration.ThresholdFactors {
	return calibration.ThresholdFactors{AllToAllPasses: c.AllToAllPasses, AllReducePasses: c.AllReducePasses}
}

// Calibration loads CalibrationFile, or builds the bandwidth-only calibration.
func (c *Config) Calibration() (*calibration.Data, error) {
	if c.CalibrationFile != "" {
		return calibration.LoadFile(c.CalibrationFile)
	}
	return calibration.NewFromBandwidth(len(c.InstancesPerNode), c.AllToAllBandwidth, c.AllReduceBandwidth)
}
