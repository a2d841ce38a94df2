// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"github.com/gomlx/hybridembedding/pkg/core/session"
	"github.com/gomlx/hybridembedding/pkg/embedding/keys"
	"github.com/gomlx/hybridembedding/pkg/embedding/network"
	"github.com/gomlx/hybridembedding/pkg/hybrid/calibration"
	"github.com/gomlx/hybridembedding/pkg/hybrid/config"
	"github.com/gomlx/hybridembedding/pkg/hybrid/model"
	"github.com/gomlx/hybridembedding/pkg/hybrid/statistics"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Cluster simulates all the instances of a run in one process: one Engine and one Store per
// instance, connected by a LoopbackExchange. Instances run their phases one after the other.
type Cluster[T network.Element] struct {
	sess     *session.Session
	cfg      *config.Config
	engines  []*Engine
	stores   []*Store[T]
	exchange *LoopbackExchange
	sampler  *statistics.Sampler

	// State of the last Forward, used by Backward.
	batches   []*keys.Batch
	outputs   []*StepOutput
	requested [][][]keys.Key // requested[shard][instance]: keys instance asked shard for.
	received  [][][]T        // received[instance][network]
}

// NewCluster creates the engines and stores of every instance of cfg (cfg.InstanceID is ignored),
// with the placement computed from stats and the vectors initialized by initFn.
func NewCluster[T network.Element](sess *session.Session, cfg *config.Config, calib *calibration.Data,
	stats *statistics.Statistics, initFn InitFunc) (*Cluster[T], error) {
	topo, err := cfg.Topology()
	if err != nil {
		return nil, err
	}
	numInstances := topo.NumInstances()
	c := &Cluster[T]{
		sess:    sess,
		cfg:     cfg,
		engines: make([]*Engine, numInstances),
		sampler: statistics.NewSampler(max(cfg.SamplerWindow, 1)),
	}
	for i := range numInstances {
		instanceCfg := *cfg
		instanceCfg.InstanceID = i
		c.engines[i], err = New(sess, &instanceCfg, calib, stats)
		if err != nil {
			return nil, errors.WithMessagef(err, "instance %d", i)
		}
	}
	ct, err := cfg.CommType()
	if err != nil {
		return nil, err
	}
	if c.exchange, err = NewLoopbackExchange(sess, topo, ct); err != nil {
		return nil, err
	}
	if err = c.buildStores(initFn); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cluster[T]) buildStores(initFn InitFunc) error {
	stores := make([]*Store[T], len(c.engines))
	for i, e := range c.engines {
		var err error
		stores[i], err = NewStore[T](c.sess, e.Model(), i, e.Tables(), initFn)
		if err != nil {
			return err
		}
	}
	c.stores = stores
	return nil
}

// NumInstances simulated.
func (c *Cluster[T]) NumInstances() int { return len(c.engines) }

// Engine of instance i.
func (c *Cluster[T]) Engine(i int) *Engine { return c.engines[i] }

// Store of instance i.
func (c *Cluster[T]) Store(i int) *Store[T] { return c.stores[i] }

// Exchange used between the instances.
func (c *Cluster[T]) Exchange() *LoopbackExchange { return c.exchange }

// Sampler of the categories of all instances, used to recalibrate.
func (c *Cluster[T]) Sampler() *statistics.Sampler { return c.sampler }

// Outputs of the last Forward, one per instance.
func (c *Cluster[T]) Outputs() []*StepOutput { return c.outputs }

// Vector returns the current vector of category: from the frequent cache (all replicas are equal)
// or from the shard holding it.
func (c *Cluster[T]) Vector(category keys.Category) ([]T, bool) {
	return vectorOf(c.engines[0].Model(), c.stores, category)
}

func vectorOf[T network.Element](m *model.Model, stores []*Store[T], category keys.Category) ([]T, bool) {
	if m.IsFrequent(category) {
		return stores[0].Vector(category)
	}
	loc, ok := m.Location(category)
	if !ok {
		return nil, false
	}
	return stores[loc.Shard].Vector(category)
}

// Forward runs one step on every instance, batches[i] being the local batch of instance i, exchanges
// the infrequent keys and vectors, and returns the per-sample embeddings of each instance (see
// network.Layout).
func (c *Cluster[T]) Forward(batches []*keys.Batch) ([][]float32, error) {
	n := c.NumInstances()
	if len(batches) != n {
		return nil, session.ConfigErrorf("cluster forward: %d batches for %d instances", len(batches), n)
	}
	c.batches = batches
	c.outputs = make([]*StepOutput, n)
	sendKeys := make([][][]keys.Key, n)
	for i, e := range c.engines {
		out, err := e.Step(batches[i])
		if err != nil {
			return nil, errors.WithMessagef(err, "instance %d", i)
		}
		c.outputs[i] = out
		sendKeys[i] = make([][]keys.Key, n)
		for p := range n {
			sendKeys[i][p] = out.Compacted.Partition(p)
		}
		c.sampler.Add(batches[i].Categories())
	}

	var err error
	c.requested, err = AllToAll(c.exchange, sendKeys)
	if err != nil {
		return nil, errors.WithMessage(err, "cluster forward, keys exchange")
	}
	sendVectors := make([][][]T, n)
	for p, store := range c.stores {
		sendVectors[p] = make([][]T, n)
		for i := range n {
			if sendVectors[p][i], err = store.Gather(c.requested[p][i]); err != nil {
				return nil, err
			}
		}
	}
	back, err := AllToAll(c.exchange, sendVectors)
	if err != nil {
		return nil, errors.WithMessage(err, "cluster forward, vectors exchange")
	}

	c.received = make([][][]T, n)
	embeddings := make([][]float32, n)
	for i, e := range c.engines {
		c.received[i] = append(back[i], c.stores[i].Cache())
		embeddings[i] = make([]float32, e.Layout().OutputSize())
		err = network.Forward(c.sess, e.Layout(), batches[i], c.outputs[i].Index, c.received[i], embeddings[i])
		if err != nil {
			return nil, errors.WithMessagef(err, "instance %d", i)
		}
	}
	return embeddings, nil
}

// Backward sends the gradients of the per-sample embeddings of the last Forward back to the shards
// (all-to-all) and to the frequent cache (all-reduce), and applies them with SGD.
func (c *Cluster[T]) Backward(gradOuts [][]float32, learningRate float32) error {
	n := c.NumInstances()
	if c.received == nil {
		return session.ConfigErrorf("cluster backward called before forward")
	}
	if len(gradOuts) != n {
		return session.ConfigErrorf("cluster backward: %d gradients for %d instances", len(gradOuts), n)
	}
	sendGrads := make([][][]T, n)
	cacheGrads := make([][]T, n)
	for i, e := range c.engines {
		grads := make([][]T, len(c.received[i]))
		for net, buf := range c.received[i] {
			grads[net] = make([]T, len(buf))
		}
		err := network.Backward(c.sess, e.Layout(), c.batches[i], c.outputs[i].Index, gradOuts[i], grads)
		if err != nil {
			return errors.WithMessagef(err, "instance %d", i)
		}
		sendGrads[i] = grads[:n]
		cacheGrads[i] = grads[e.FrequentNetwork()]
	}

	shardGrads, err := AllToAll(c.exchange, sendGrads)
	if err != nil {
		return errors.WithMessage(err, "cluster backward, gradients exchange")
	}
	for p, store := range c.stores {
		for i := range n {
			if err = store.ApplyGradients(c.requested[p][i], shardGrads[p][i], learningRate); err != nil {
				return err
			}
		}
	}
	if err = AllReduce(c.exchange, cacheGrads); err != nil {
		return errors.WithMessage(err, "cluster backward, frequent gradients")
	}
	for i, store := range c.stores {
		if err = store.ApplyCacheGradients(cacheGrads[i], learningRate); err != nil {
			return errors.WithMessagef(err, "instance %d", i)
		}
	}
	return nil
}

// MaybeRecalibrate checks the frequent cache coverage on the categories sampled from all instances
// and, if it drifted beyond the configured tolerance, recalibrates every instance with the same
// statistics and moves the vectors to their new places. It returns whether it recalibrated.
func (c *Cluster[T]) MaybeRecalibrate() (bool, error) {
	stats := c.sampler.Statistics()
	if stats.NumUnique() == 0 || !c.engines[0].Model().Drifted(stats, c.cfg.DriftTolerance) {
		return false, nil
	}
	return true, c.Recalibrate(stats)
}

// Recalibrate every instance with stats, keeping the current value of every vector.
func (c *Cluster[T]) Recalibrate(stats *statistics.Statistics) error {
	oldModel, oldStores := c.engines[0].Model(), c.stores
	for i, e := range c.engines {
		if err := e.Recalibrate(stats); err != nil {
			return errors.WithMessagef(err, "instance %d", i)
		}
	}
	err := c.buildStores(func(category keys.Category, vec []float32) {
		old, ok := vectorOf(oldModel, oldStores, category)
		if !ok {
			return
		}
		for j := range vec {
			vec[j] = network.ToFloat32(old[j])
		}
	})
	if err != nil {
		return err
	}
	m := c.engines[0].Model()
	klog.Infof("Hybrid embedding cluster recalibrated: %d frequent categories, coverage %.1f%%",
		m.NumFrequent(), 100*m.BaselineCoverage())
	c.received = nil
	return nil
}
