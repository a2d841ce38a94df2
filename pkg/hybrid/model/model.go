// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model places every category of the embedding tables: either in the frequent cache,
// replicated on every instance and updated with an all-reduce, or in the shard of one instance,
// reached with an all-to-all.
//
// The placement is computed by InitModel from the calibration and the frequency statistics, and
// is then read-only until the next recalibration.
package model

import (
	"math"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/hybridembedding/pkg/core/session"
	"github.com/gomlx/hybridembedding/pkg/core/topology"
	"github.com/gomlx/hybridembedding/pkg/embedding/keys"
	"github.com/gomlx/hybridembedding/pkg/embedding/partition"
	"github.com/gomlx/hybridembedding/pkg/hybrid/calibration"
	"github.com/gomlx/hybridembedding/pkg/hybrid/statistics"
	"github.com/gomlx/hybridembedding/pkg/support/bucketing"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

// NotFrequent is the frequent index of categories not in the frequent cache.
const NotFrequent uint32 = math.MaxUint32

// Location of an infrequent category: its shard (instance) and its row within the shard.
type Location struct {
	Shard  uint32
	Offset uint32
}

// Params of the placement.
type Params struct {
	CommunicationType topology.CommunicationType
	Topology          *topology.Topology

	// InstanceID is the global id of the instance owning this copy of the model.
	InstanceID int

	Tables    []keys.TableConfig
	BatchSize int // Global batch size.

	// EmbeddingVecBytes is the size in bytes of one embedding vector in the communication buffers.
	EmbeddingVecBytes float64

	// MaxNumFrequent is the capacity of the frequent cache. 0 means no limit besides the number of categories.
	MaxNumFrequent int

	Factors calibration.ThresholdFactors
}

// Model is the placement of the categories.
type Model struct {
	params Params

	numCategories int
	numFrequent   int
	degenerate    bool
	threshold     float64
	baseline      float64 // Coverage of the statistics used to build the model.

	categoryFrequentIndex []uint32
	categoryLocation      []Location
	frequentCategories    []keys.Category
	numInfrequentPerShard []int
}

// InitModel computes the placement: the number of frequent categories N is chosen by the calibration
// (calibration.Data.CalculateNumFrequentCategories), rounded up to a multiple of the number of
// instances and limited by the cache capacity. The N most frequent categories take the cache slots in
// frequency order; every other category gets the shard chosen by the partitioner and the next row of
// that shard, in category order.
//
// If fewer than N categories were observed, all of them are frequent and the model is degenerate:
// the remaining slots are filled with unobserved categories, lowest ids first. This is not an error.
func InitModel(sess *session.Session, calib *calibration.Data, stats *statistics.Statistics, params Params,
	partitioner *partition.Partitioner) (*Model, error) {
	if err := validateParams(calib, params, partitioner); err != nil {
		return nil, errors.WithMessage(err, "failed to initialize hybrid embedding model")
	}
	numInstances := params.Topology.NumInstances()
	numCategories := int(keys.TableOffsets(params.Tables)[len(params.Tables)])
	for _, c := range stats.CategoriesSorted {
		if int(c) >= numCategories {
			return nil, session.ConfigErrorf("statistics have category %d, but the tables have %d categories", c, numCategories)
		}
	}

	req := calibration.Request{
		CommunicationType: params.CommunicationType,
		NumInstances:      numInstances,
		BatchSize:         params.BatchSize,
		NumTables:         len(params.Tables),
		EmbeddingVecBytes: params.EmbeddingVecBytes,
		Factors:           params.Factors,
	}
	numIterations := max(stats.NumIterations, 1)
	placement, err := calib.CalculateNumFrequentCategories(req, stats.CountsSorted, numIterations)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to calculate the number of frequent categories")
	}

	granularity := bucketing.Linear(numInstances)
	numFrequent := granularity.Bucket(placement.NumFrequent)
	if params.MaxNumFrequent > 0 && numFrequent > params.MaxNumFrequent {
		numFrequent = granularity.Floor(params.MaxNumFrequent)
		if numFrequent == 0 {
			// Cache smaller than the number of instances.
			numFrequent = params.MaxNumFrequent
		}
	}
	numFrequent = min(numFrequent, numCategories)

	m := &Model{
		params:                params,
		numCategories:         numCategories,
		numFrequent:           numFrequent,
		threshold:             placement.MinHitCount,
		categoryFrequentIndex: make([]uint32, numCategories),
		categoryLocation:      make([]Location, numCategories),
		numInfrequentPerShard: make([]int, partitioner.NumPartitions()),
	}
	m.frequentCategories = make([]keys.Category, 0, numFrequent)
	m.frequentCategories = append(m.frequentCategories, stats.CategoriesSorted[:min(numFrequent, stats.NumUnique())]...)
	if numFrequent > stats.NumUnique() {
		m.degenerate = true
		observed := make(map[keys.Category]bool, stats.NumUnique())
		for _, c := range stats.CategoriesSorted {
			observed[c] = true
		}
		for c := keys.Category(0); len(m.frequentCategories) < numFrequent; c++ {
			if !observed[c] {
				m.frequentCategories = append(m.frequentCategories, c)
			}
		}
		klog.Warningf("Hybrid embedding: only %d categories observed for %d frequent slots, all observed categories are frequent",
			stats.NumUnique(), numFrequent)
	}

	err = sess.Launch("model_init", numCategories, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			m.categoryFrequentIndex[i] = NotFrequent
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for slot, c := range m.frequentCategories {
		m.categoryFrequentIndex[c] = uint32(slot)
	}
	for c := range numCategories {
		if m.categoryFrequentIndex[c] != NotFrequent {
			m.categoryLocation[c] = Location{Shard: NotFrequent, Offset: NotFrequent}
			continue
		}
		shard := partitioner.Partition(keys.Category(c))
		m.categoryLocation[c] = Location{Shard: uint32(shard), Offset: uint32(m.numInfrequentPerShard[shard])}
		m.numInfrequentPerShard[shard]++
	}
	m.baseline = m.Coverage(stats)

	sess.Metrics().NumFrequent.Set(float64(numFrequent))
	klog.Infof("Hybrid embedding model for instance %d: %s frequent of %s categories (threshold %.1f hits), "+
		"cache covers %.1f%% of the sampled lookups", params.InstanceID, humanize.Comma(int64(numFrequent)),
		humanize.Comma(int64(numCategories)), m.threshold, 100*m.baseline)
	return m, nil
}

func validateParams(calib *calibration.Data, params Params, partitioner *partition.Partitioner) error {
	if params.Topology == nil {
		return session.ConfigErrorf("no topology given")
	}
	if err := params.Topology.Validate(params.CommunicationType); err != nil {
		return err
	}
	if calib.NumNodes != params.Topology.NumNodes() {
		return session.ConfigErrorf("calibration is for %d nodes, but the topology %s has %d",
			calib.NumNodes, params.Topology, params.Topology.NumNodes())
	}
	if params.InstanceID < 0 || params.InstanceID >= params.Topology.NumInstances() {
		return session.ConfigErrorf("instance id %d out of range for %d instances", params.InstanceID, params.Topology.NumInstances())
	}
	if err := keys.ValidateTables(params.Tables); err != nil {
		return err
	}
	if partitioner.NumPartitions() != params.Topology.NumInstances() {
		return session.ConfigErrorf("partitioner has %d partitions, but there are %d instances",
			partitioner.NumPartitions(), params.Topology.NumInstances())
	}
	if params.MaxNumFrequent < 0 {
		return session.ConfigErrorf("max_num_frequent=%d must be >= 0", params.MaxNumFrequent)
	}
	return nil
}

// NumFrequent returns the number of slots of the frequent cache.
func (m *Model) NumFrequent() int { return m.numFrequent }

// NumCategories returns the total number of categories of all tables.
func (m *Model) NumCategories() int { return m.numCategories }

// IsDegenerate returns whether fewer categories were observed than frequent slots requested, in
// which case every observed category is frequent.
func (m *Model) IsDegenerate() bool { return m.degenerate }

// Threshold returns the minimum hit count of a frequent category in the statistics used to build the
// model. It is +Inf if no category is frequent.
func (m *Model) Threshold() float64 { return m.threshold }

// NodeID returns the node of the instance owning the model.
func (m *Model) NodeID() int { return m.params.Topology.NodeOf(m.params.InstanceID) }

// InstanceID returns the id of the owning instance within its node.
func (m *Model) InstanceID() int { return m.params.Topology.LocalID(m.params.InstanceID) }

// GlobalInstanceID returns the global id of the owning instance.
func (m *Model) GlobalInstanceID() int { return m.params.InstanceID }

// NumInstances returns the total number of instances.
func (m *Model) NumInstances() int { return m.params.Topology.NumInstances() }

// NumInstancesPerNode returns the number of instances of each node.
func (m *Model) NumInstancesPerNode() []int { return m.params.Topology.InstancesPerNode() }

// CommunicationType used by the model.
func (m *Model) CommunicationType() topology.CommunicationType { return m.params.CommunicationType }

// IsFrequent returns whether the category is in the frequent cache.
func (m *Model) IsFrequent(c keys.Category) bool {
	return int(c) < m.numCategories && m.categoryFrequentIndex[c] != NotFrequent
}

// FrequentIndex returns the cache slot of a frequent category.
func (m *Model) FrequentIndex(c keys.Category) (slot uint32, ok bool) {
	if int(c) >= m.numCategories || m.categoryFrequentIndex[c] == NotFrequent {
		return NotFrequent, false
	}
	return m.categoryFrequentIndex[c], true
}

// Location returns the shard location of an infrequent category.
func (m *Model) Location(c keys.Category) (loc Location, ok bool) {
	if int(c) >= m.numCategories || m.categoryFrequentIndex[c] != NotFrequent {
		return Location{Shard: NotFrequent, Offset: NotFrequent}, false
	}
	return m.categoryLocation[c], true
}

// FrequentCategories returns the category of each cache slot.
func (m *Model) FrequentCategories() []keys.Category { return slices.Clone(m.frequentCategories) }

// FrequentKeys returns the keys used to seed the frequent hash table: one per cache slot, in slot order.
func (m *Model) FrequentKeys() []keys.Key {
	seed := make([]keys.Key, len(m.frequentCategories))
	for slot, c := range m.frequentCategories {
		seed[slot] = keys.Key{Category: c}
	}
	return seed
}

// NumInfrequent returns the number of infrequent categories held by shard.
func (m *Model) NumInfrequent(shard int) int { return m.numInfrequentPerShard[shard] }

// FrequentOwner returns the instance responsible for the cache slot (e.g. for reducing and updating
// it): slots are split in contiguous blocks, one per instance.
func (m *Model) FrequentOwner(slot int) int {
	perInstance := (m.numFrequent + m.NumInstances() - 1) / m.NumInstances()
	if perInstance == 0 {
		return 0
	}
	return slot / perInstance
}

// OwnedFrequentSlots returns the range [start, end) of cache slots owned by instance.
func (m *Model) OwnedFrequentSlots(instance int) (start, end int) {
	perInstance := (m.numFrequent + m.NumInstances() - 1) / m.NumInstances()
	start = min(instance*perInstance, m.numFrequent)
	end = min(start+perInstance, m.numFrequent)
	return
}

// InfrequentFilter keeps the categories not in the frequent cache.
func (m *Model) InfrequentFilter() partition.Filter {
	return func(c keys.Category) bool { return !m.IsFrequent(c) }
}

// FrequentFilter keeps the categories in the frequent cache.
func (m *Model) FrequentFilter() partition.Filter {
	return m.IsFrequent
}

// Coverage returns the fraction of the hits of stats served by the frequent cache.
// It returns 0 for empty statistics.
func (m *Model) Coverage(stats *statistics.Statistics) float64 {
	if stats.NumUnique() == 0 || stats.Total() == 0 {
		return 0
	}
	served := make([]float64, stats.NumUnique())
	weights := make([]float64, stats.NumUnique())
	for i, c := range stats.CategoriesSorted {
		if m.IsFrequent(c) {
			served[i] = 1
		}
		weights[i] = float64(stats.CountsSorted[i])
	}
	return stat.Mean(served, weights)
}

// Drifted returns whether the coverage of the frequent cache on stats differs from the coverage on
// the statistics the model was built with by more than tolerance. The caller decides whether to
// recalibrate.
func (m *Model) Drifted(stats *statistics.Statistics, tolerance float64) bool {
	coverage := m.Coverage(stats)
	drifted := math.Abs(coverage-m.baseline) > tolerance
	if drifted {
		klog.Warningf("Hybrid embedding: frequent cache coverage drifted from %.3f to %.3f", m.baseline, coverage)
	}
	return drifted
}

// BaselineCoverage returns the coverage of the statistics used to build the model.
func (m *Model) BaselineCoverage() float64 { return m.baseline }
