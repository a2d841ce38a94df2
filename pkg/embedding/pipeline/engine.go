// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pipeline runs the per-step data path of the hybrid embedding on one instance: the
// infrequent keys are deduplicated, partitioned by destination shard and compacted for the
// all-to-all; the frequent keys are looked up in the frequent cache; and the network index maps
// every key occurrence to the vector it reads after the exchange.
package pipeline

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/hybridembedding/pkg/core/session"
	"github.com/gomlx/hybridembedding/pkg/core/topology"
	"github.com/gomlx/hybridembedding/pkg/embedding/compaction"
	"github.com/gomlx/hybridembedding/pkg/embedding/keys"
	"github.com/gomlx/hybridembedding/pkg/embedding/network"
	"github.com/gomlx/hybridembedding/pkg/embedding/partition"
	"github.com/gomlx/hybridembedding/pkg/hybrid/calibration"
	"github.com/gomlx/hybridembedding/pkg/hybrid/config"
	"github.com/gomlx/hybridembedding/pkg/hybrid/model"
	"github.com/gomlx/hybridembedding/pkg/hybrid/statistics"
	"github.com/gomlx/hybridembedding/pkg/support/bucketing"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Engine owns the buffers and operators of one instance. Buffers are allocated once, when the engine
// is created (and, for the frequent path, when a recalibration needs a larger cache).
//
// Steps and recalibrations are serialized by the engine: they never overlap.
type Engine struct {
	mu sync.Mutex

	sess        *session.Session
	cfg         *config.Config
	ct          topology.CommunicationType
	topo        *topology.Topology
	tables      []keys.TableConfig
	lookups     []keys.LookupConfig
	layout      network.Layout
	partitioner *partition.Partitioner
	calib       *calibration.Data
	model       *model.Model
	sampler     *statistics.Sampler

	maxOccurrences int
	maxPerShard    int

	infrequentTable *partition.HashTable
	infrequentOp    *partition.PartitionAndUnique
	infrequent      *partition.CompressedData
	compactOp       *compaction.CompactPartitionData
	compacted       *compaction.CompactedData
	compressOp      *compaction.CompressReverseIdxRange
	denseReverseIdx []uint32

	frequentTable *partition.HashTable
	frequentOp    *partition.PartitionAndUnique
	frequent      *partition.CompressedData
	selectOp      *compaction.SelectValidReverseIdx
	validIdx      []uint32
	validPos      []uint32

	index    *network.Index
	numSteps int
}

// StepOutput of Engine.Step. Its slices point to the engine arenas: they are only valid until the
// next call to Step.
type StepOutput struct {
	// NumOccurrences is the number of key occurrences of the batch, numbered lookup-major.
	NumOccurrences int

	// Compacted holds the distinct infrequent keys of the step, grouped by destination shard: the
	// payload of the all-to-all.
	Compacted *compaction.CompactedData

	// InfrequentReverseIdx maps each occurrence to its position in Compacted.Keys(), or
	// partition.InvalidReverseIdx for frequent occurrences.
	InfrequentReverseIdx []uint32

	// FrequentReverseIdx maps each occurrence to its frequent cache slot, or
	// partition.InvalidReverseIdx for infrequent occurrences.
	FrequentReverseIdx []uint32

	// FrequentSlots lists the cache slots of the frequent occurrences, and FrequentPositions the
	// occurrences they come from, in occurrence order.
	FrequentSlots     []uint32
	FrequentPositions []uint32

	// Index maps every occurrence to the vector it reads: network p < NumInstances is the buffer
	// received from shard p, network NumInstances is the frequent cache.
	Index *network.Index
}

// New creates the engine of instance cfg.InstanceID and initializes its model with stats.
func New(sess *session.Session, cfg *config.Config, calib *calibration.Data, stats *statistics.Statistics) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "failed to create hybrid embedding engine")
	}
	e := &Engine{
		sess:    sess,
		cfg:     cfg,
		tables:  cfg.Tables(),
		lookups: cfg.Lookups(),
		calib:   calib,
		sampler: statistics.NewSampler(cfg.SamplerWindow),
	}
	var err error
	e.ct, err = cfg.CommType()
	if err != nil {
		return nil, err
	}
	e.topo, err = cfg.Topology()
	if err != nil {
		return nil, err
	}
	matrix, err := cfg.ShardMatrix(e.topo)
	if err != nil {
		return nil, err
	}
	e.partitioner, err = newPartitioner(cfg.Sharding, e.tables, matrix, e.topo.NumInstances())
	if err != nil {
		return nil, err
	}
	e.layout, err = network.NewLayout(e.tables, e.lookups, cfg.LocalBatchSize())
	if err != nil {
		return nil, err
	}

	// Any shard may receive all the distinct keys of a step.
	e.maxOccurrences = cfg.WorstCaseKeys()
	e.maxPerShard = e.maxOccurrences
	e.infrequentTable, err = partition.NewHashTable(cfg.HashTableSize())
	if err != nil {
		return nil, err
	}
	if err = e.infrequentTable.ValidateCapacity(e.maxOccurrences); err != nil {
		return nil, err
	}
	e.infrequent, err = partition.NewCompressedData(e.topo.NumInstances(), e.maxPerShard, e.maxOccurrences)
	if err != nil {
		return nil, err
	}
	e.compacted, err = compaction.NewCompactedData(e.topo.NumInstances(), e.maxOccurrences)
	if err != nil {
		return nil, err
	}
	e.infrequentOp = partition.NewPartitionAndUnique(sess, e.infrequentTable, e.partitioner)
	e.compactOp = compaction.NewCompactPartitionData(sess)
	e.compressOp = compaction.NewCompressReverseIdxRange(sess)
	e.selectOp = compaction.NewSelectValidReverseIdx(sess)
	e.denseReverseIdx = make([]uint32, e.maxOccurrences)
	e.validIdx = make([]uint32, e.maxOccurrences)
	e.validPos = make([]uint32, e.maxOccurrences)
	e.index = network.NewIndex(0)

	if err = e.recalibrate(stats); err != nil {
		return nil, err
	}
	klog.Infof("Hybrid embedding engine for instance %d of %s (%s): %d tables, local batch %d, "+
		"%s per-step arenas for up to %s keys", cfg.InstanceID, e.topo, e.ct, len(e.tables), cfg.LocalBatchSize(),
		humanize.Bytes(uint64(e.arenaBytes())), humanize.Comma(int64(e.maxOccurrences)))
	return e, nil
}

// newPartitioner sends the infrequent keys of a table-wise sharding to the single instance holding
// each table, and spreads them over the shards of the replica matrix otherwise.
func newPartitioner(sharding string, tables []keys.TableConfig, matrix topology.ShardMatrix, numInstances int) (*partition.Partitioner, error) {
	shardInstances := matrix.ShardInstances()
	if sharding != config.ShardingTableWise {
		return partition.NewShardPartitioner(tables, shardInstances, numInstances)
	}
	tableInstance := make([]int, len(shardInstances))
	for table, instances := range shardInstances {
		if len(instances) != 1 {
			return nil, session.ConfigErrorf("table-wise sharding: table %d is held by %d instances", table, len(instances))
		}
		tableInstance[table] = instances[0]
	}
	return partition.NewTablePartitioner(tables, tableInstance, numInstances)
}

// arenaBytes estimates the memory of the per-step arenas.
func (e *Engine) arenaBytes() int {
	const keyBytes, idxBytes = 16, 4
	n := e.maxOccurrences
	slab := e.topo.NumInstances() * e.maxPerShard * keyBytes
	return slab + n*keyBytes + 5*n*idxBytes + e.infrequentTable.Capacity()*(keyBytes+12)
}

// Session used by the engine.
func (e *Engine) Session() *session.Session { return e.sess }

// Config of the engine.
func (e *Engine) Config() *config.Config { return e.cfg }

// Layout of the output of network.Forward for the local batch.
func (e *Engine) Layout() network.Layout { return e.layout }

// Tables returns the embedding tables.
func (e *Engine) Tables() []keys.TableConfig { return e.tables }

// Lookups returns the lookups of a batch.
func (e *Engine) Lookups() []keys.LookupConfig { return e.lookups }

// Topology of the run.
func (e *Engine) Topology() *topology.Topology { return e.topo }

// Sampler accumulates the categories of the last steps.
func (e *Engine) Sampler() *statistics.Sampler { return e.sampler }

// Partitioner returns the partitioner of the infrequent keys.
func (e *Engine) Partitioner() *partition.Partitioner { return e.partitioner }

// FrequentNetwork is the network id of the frequent cache in the network index.
func (e *Engine) FrequentNetwork() int { return e.topo.NumInstances() }

// Model returns the current placement. It changes with Recalibrate.
func (e *Engine) Model() *model.Model {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model
}

// Recalibrate rebuilds the model from stats and re-seeds the frequent cache. It waits for any
// running step to finish.
func (e *Engine) Recalibrate(stats *statistics.Statistics) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recalibrate(stats)
}

// MaybeRecalibrate recalibrates from the sampled statistics if the frequent cache coverage drifted
// by more than the configured tolerance. It returns whether it recalibrated.
func (e *Engine) MaybeRecalibrate() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	stats := e.sampler.Statistics()
	if stats.NumUnique() == 0 || !e.model.Drifted(stats, e.cfg.DriftTolerance) {
		return false, nil
	}
	return true, e.recalibrate(stats)
}

func (e *Engine) recalibrate(stats *statistics.Statistics) error {
	params := model.Params{
		CommunicationType: e.ct,
		Topology:          e.topo,
		InstanceID:        e.cfg.InstanceID,
		Tables:            e.tables,
		BatchSize:         e.cfg.BatchSize,
		EmbeddingVecBytes: e.cfg.EmbeddingVecBytes(),
		MaxNumFrequent:    e.cfg.MaxNumFrequent,
		Factors:           e.cfg.Factors(),
	}
	m, err := model.InitModel(e.sess, e.calib, stats, params, e.partitioner)
	if err != nil {
		return err
	}
	numFrequent := m.NumFrequent()
	slots := max(numFrequent, 1)
	if e.frequentTable == nil || e.frequentTable.Capacity() < 2*slots {
		e.frequentTable, err = partition.NewHashTable(bucketing.Pow2().Bucket(2 * slots))
		if err != nil {
			return err
		}
		e.frequentOp = partition.NewPartitionAndUnique(e.sess, e.frequentTable, partition.NewDummyPartitioner())
	}
	if e.frequent == nil || e.frequent.Partitioned.MaxKeysPerPartition < slots {
		e.frequent, err = partition.NewCompressedData(1, slots, e.maxOccurrences)
		if err != nil {
			return err
		}
	}
	if err = e.frequentTable.Seed(e.sess, m.FrequentKeys()); err != nil {
		return err
	}
	e.frequentOp.WithFilter(m.FrequentFilter())
	e.infrequentOp.WithFilter(m.InfrequentFilter())
	e.model = m
	return nil
}

// Step runs the data path for the local batch (global categories, see keys.Batch.Flatten).
//
// The returned buffers are reused by the next step. Errors with session.ErrCapacityOverflow as their
// cause mean an arena was too small for the batch: the step's outputs are incomplete and the run
// must halt, since the arenas are sized for the worst case of a valid configuration.
func (e *Engine) Step(batch *keys.Batch) (*StepOutput, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := batch.Validate(e.lookups); err != nil {
		return nil, errors.WithMessage(err, "hybrid embedding step")
	}
	if batch.BatchSize != e.layout.BatchSize {
		return nil, session.ConfigErrorf("hybrid embedding step: batch has %d samples, the local batch size is %d",
			batch.BatchSize, e.layout.BatchSize)
	}
	numOccurrences := batch.NumKeys()
	if numOccurrences > e.maxOccurrences {
		return nil, session.OverflowErrorf("hybrid embedding step: %d key occurrences, arenas hold at most %d",
			numOccurrences, e.maxOccurrences)
	}
	out := &StepOutput{NumOccurrences: numOccurrences}

	// Infrequent path: deduplicate and partition, compact, remap the reverse index.
	err := e.phase("infrequent", func() error {
		if err := e.infrequentTable.Clear(e.sess); err != nil {
			return err
		}
		if err := e.infrequentOp.Run(batch, e.infrequent); err != nil {
			return err
		}
		if err := e.compactOp.Run(e.infrequent.Partitioned, e.compacted); err != nil {
			return err
		}
		out.InfrequentReverseIdx = e.denseReverseIdx[:numOccurrences]
		return e.compressOp.Run(e.infrequent.ReverseIdx(), e.maxPerShard, e.compacted, out.InfrequentReverseIdx)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "hybrid embedding step, infrequent path")
	}
	out.Compacted = e.compacted

	// Frequent path: look the keys up in the frozen cache table, select the hits.
	err = e.phase("frequent", func() error {
		if err := e.frequentOp.Run(batch, e.frequent); err != nil {
			return err
		}
		out.FrequentReverseIdx = e.frequent.ReverseIdx()
		n, err := e.selectOp.Run(out.FrequentReverseIdx, e.validIdx, e.validPos)
		if err != nil {
			return err
		}
		out.FrequentSlots = e.validIdx[:n]
		out.FrequentPositions = e.validPos[:n]
		return nil
	})
	if err != nil {
		return nil, errors.WithMessage(err, "hybrid embedding step, frequent path")
	}

	err = e.phase("network_index", func() error {
		e.resetIndex(numOccurrences)
		if err := e.index.SetFromCompacted(e.sess, out.InfrequentReverseIdx, e.compacted.Offsets); err != nil {
			return err
		}
		return e.index.SetFromNetwork(e.sess, out.FrequentReverseIdx, e.FrequentNetwork())
	})
	if err != nil {
		return nil, errors.WithMessage(err, "hybrid embedding step, network index")
	}
	out.Index = e.index

	e.sampler.Add(batch.Categories())
	e.numSteps++
	e.sess.Metrics().Steps.Inc()
	if klog.V(1).Enabled() {
		klog.Infof("instance %d step %d: %d occurrences, %d unique infrequent keys, %d frequent hits",
			e.cfg.InstanceID, e.numSteps, numOccurrences, e.compacted.NumKeys(), len(out.FrequentSlots))
	}
	return out, nil
}

// resetIndex resizes the network index to numOccurrences, all invalid, reusing its buffers.
func (e *Engine) resetIndex(numOccurrences int) {
	if cap(e.index.Networks) < numOccurrences {
		e.index = network.NewIndex(numOccurrences)
		return
	}
	e.index.Networks = e.index.Networks[:numOccurrences]
	e.index.Offsets = e.index.Offsets[:numOccurrences]
	for i := range e.index.Networks {
		e.index.Networks[i] = partition.InvalidReverseIdx
	}
}

// phase runs fn between profiler events named after the phase, on the instance's device id.
func (e *Engine) phase(name string, fn func() error) error {
	profiler := e.sess.Profiler()
	if err := profiler.RecordEvent(name+".start", e.cfg.InstanceID, ""); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	return profiler.RecordEvent(name+".stop", e.cfg.InstanceID, "")
}
