// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package calibration

import (
	"math"
	"sort"

	"github.com/gomlx/hybridembedding/pkg/core/session"
	"github.com/gomlx/hybridembedding/pkg/core/topology"
	"gonum.org/v1/gonum/floats"
)

// ThresholdFactors are the tunable constants of the placement cost model.
//
// Zero values are replaced by the defaults.
type ThresholdFactors struct {
	// AllToAllPasses is the number of all-to-all exchanges per iteration for an infrequent category:
	// one in the forward pass, one for the gradients.
	AllToAllPasses float64 `yaml:"all_to_all_passes"`

	// AllReducePasses is the number of all-reduces per iteration for a frequent category (the
	// gradients only).
	AllReducePasses float64 `yaml:"all_reduce_passes"`
}

// Default values of ThresholdFactors.
const (
	DefaultAllToAllPasses  = 2.0
	DefaultAllReducePasses = 1.0
)

func (f ThresholdFactors) withDefaults() ThresholdFactors {
	if f.AllToAllPasses <= 0 {
		f.AllToAllPasses = DefaultAllToAllPasses
	}
	if f.AllReducePasses <= 0 {
		f.AllReducePasses = DefaultAllReducePasses
	}
	return f
}

// Request describes the training setup for which the placement is calculated.
type Request struct {
	CommunicationType topology.CommunicationType
	NumInstances      int // Number of networks (GPUs) over all nodes.
	BatchSize         int // Global batch size.
	NumTables         int
	EmbeddingVecBytes float64 // Bytes of one embedding vector in the communication buffers.
	Factors           ThresholdFactors
}

func (r *Request) validate(numNodes int) error {
	if r.NumInstances <= 0 || r.BatchSize <= 0 || r.NumTables <= 0 || r.EmbeddingVecBytes <= 0 {
		return session.ConfigErrorf("calibration request needs positive num_instances, batch_size, num_tables "+
			"and embedding_vec_bytes, got %d, %d, %d and %g", r.NumInstances, r.BatchSize, r.NumTables, r.EmbeddingVecBytes)
	}
	if r.NumInstances < numNodes {
		return session.ConfigErrorf("calibration has %d nodes but only %d instances", numNodes, r.NumInstances)
	}
	if r.CommunicationType.IsMultiNode() == (numNodes == 1) {
		return session.ConfigErrorf("communication type %s is not valid with %d node(s)", r.CommunicationType, numNodes)
	}
	return nil
}

// RemoteFraction is the fraction of the all-to-all traffic that crosses the slowest link: across
// nodes for multi-node communication types, across GPUs for a single node.
func RemoteFraction(ct topology.CommunicationType, numNodes, numInstances int) float64 {
	n := numInstances
	if ct.IsMultiNode() {
		n = numNodes
	}
	if n <= 1 {
		return 0
	}
	return float64(n-1) / float64(n)
}

// Threshold is the minimum number of hits, over the sampled iterations, for which a category is
// cheaper to replicate (frequent) than to shard (infrequent).
type Threshold struct {
	// Count is the minimum hit count over NumIterations. It is +Inf if nothing crosses the slowest
	// link (a single instance), in which case no category should be frequent.
	Count float64

	// Probability is Count normalized by the number of lookups over the iterations: the minimum
	// probability of a lookup hitting the category.
	Probability float64
}

// CalculateThreshold returns the hit-count threshold for the request, with statistics sampled
// over numIterations iterations.
//
// Frequent categories cost AllReducePasses·ev/B_ar per iteration, infrequent ones cost
// AllToAllPasses·h·ev·remote/(G·B_a2a) with h hits per iteration, so the threshold is
// h = AllReducePasses·G·B_a2a / (AllToAllPasses·remote·B_ar).
//
// Without measurements B_a2a and B_ar are the maximum bandwidths. With measurements they are the
// effective bandwidths at the message sizes implied by the request: the whole batch of lookups
// for the all-to-all and one embedding vector per lookup for the all-reduce.
func (d *Data) CalculateThreshold(req Request, numIterations int) (Threshold, error) {
	if err := req.validate(d.NumNodes); err != nil {
		return Threshold{}, err
	}
	if numIterations <= 0 {
		return Threshold{}, session.ConfigErrorf("calculate threshold: num_iterations=%d must be positive", numIterations)
	}
	factors := req.Factors.withDefaults()
	allToAllBW, allReduceBW := d.MaxAllToAllBandwidth, d.MaxAllReduceBandwidth
	if d.IsMeasured() {
		lookups := float64(req.BatchSize * req.NumTables)
		allToAllBW = d.EffectiveBandwidth(AllToAll, lookups*req.EmbeddingVecBytes/float64(req.NumInstances))
		allReduceBW = d.EffectiveBandwidth(AllReduce, lookups*req.EmbeddingVecBytes)
	}
	remote := RemoteFraction(req.CommunicationType, d.NumNodes, req.NumInstances)
	var perIteration float64
	if remote == 0 || allReduceBW == 0 {
		perIteration = math.Inf(1)
	} else {
		perIteration = factors.AllReducePasses * float64(req.NumInstances) * allToAllBW /
			(factors.AllToAllPasses * remote * allReduceBW)
	}
	count := perIteration * float64(numIterations)
	return Threshold{
		Count:       count,
		Probability: count / (float64(numIterations) * float64(req.BatchSize) * float64(req.NumTables)),
	}, nil
}

// Placement is the result of CalculateNumFrequentCategories.
type Placement struct {
	// NumFrequent is the number of most frequent categories to replicate, before any rounding to
	// the cache granularity.
	NumFrequent int

	// MinHitCount is the threshold: categories with at least this many hits are frequent.
	MinHitCount float64

	// Cost is the estimated communication time per iteration, in seconds, of the chosen placement.
	Cost float64
}

// CalculateNumFrequentCategories chooses how many of the most frequent categories to replicate.
// countsSorted are the hit counts of the observed categories over numIterations, in
// non-increasing order.
//
// With measurements, it minimizes the estimated communication time per iteration over every
// candidate N:
//
//	AllReducePasses·all_reduce(N·ev) + AllToAllPasses·all_to_all(infrequent_hits(N)·ev·remote/G)
//
// Ties are broken by the smaller N. Without measurements, N is the number of categories whose count
// reaches the bandwidth threshold (CalculateThreshold).
func (d *Data) CalculateNumFrequentCategories(req Request, countsSorted []uint64, numIterations int) (Placement, error) {
	threshold, err := d.CalculateThreshold(req, numIterations)
	if err != nil {
		return Placement{}, err
	}
	if !d.IsMeasured() {
		n := sort.Search(len(countsSorted), func(i int) bool {
			return float64(countsSorted[i]) < threshold.Count
		})
		p := Placement{NumFrequent: n, MinHitCount: threshold.Count}
		p.Cost = d.placementCost(req, countsSorted, numIterations, n)
		return p, nil
	}

	numUnique := len(countsSorted)
	cumHits := make([]float64, numUnique+1)
	for i, c := range countsSorted {
		cumHits[i+1] = float64(c)
	}
	floats.CumSum(cumHits, cumHits)
	total := cumHits[numUnique]

	factors := req.Factors.withDefaults()
	remote := RemoteFraction(req.CommunicationType, d.NumNodes, req.NumInstances)
	iterations := float64(numIterations)
	allReduceSizes := make([]float64, numUnique+1)
	allToAllSizes := make([]float64, numUnique+1)
	for n := range numUnique + 1 {
		allReduceSizes[n] = float64(n) * req.EmbeddingVecBytes
		infrequentHits := (total - cumHits[n]) / iterations
		allToAllSizes[n] = infrequentHits * req.EmbeddingVecBytes * remote / float64(req.NumInstances)
	}
	allReduceTimes := make([]float64, numUnique+1)
	allToAllTimes := make([]float64, numUnique+1)
	d.InterpolateAllReduce(allReduceSizes, allReduceTimes)
	d.InterpolateAllToAll(allToAllSizes, allToAllTimes)

	best := Placement{NumFrequent: 0, Cost: math.Inf(1)}
	for n := range numUnique + 1 {
		var cost float64
		if n > 0 {
			cost += factors.AllReducePasses * allReduceTimes[n]
		}
		if allToAllSizes[n] > 0 {
			cost += factors.AllToAllPasses * allToAllTimes[n]
		}
		if cost < best.Cost {
			best.NumFrequent, best.Cost = n, cost
		}
	}
	best.MinHitCount = math.Inf(1)
	if best.NumFrequent > 0 {
		best.MinHitCount = float64(countsSorted[best.NumFrequent-1])
	}
	return best, nil
}

// placementCost estimates the communication time per iteration when the first numFrequent
// categories are replicated.
func (d *Data) placementCost(req Request, countsSorted []uint64, numIterations, numFrequent int) float64 {
	factors := req.Factors.withDefaults()
	remote := RemoteFraction(req.CommunicationType, d.NumNodes, req.NumInstances)
	var infrequentHits float64
	for _, c := range countsSorted[numFrequent:] {
		infrequentHits += float64(c)
	}
	infrequentHits /= float64(numIterations)
	var cost float64
	if numFrequent > 0 {
		cost += factors.AllReducePasses * d.Time(AllReduce, float64(numFrequent)*req.EmbeddingVecBytes)
	}
	if size := infrequentHits * req.EmbeddingVecBytes * remote / float64(req.NumInstances); size > 0 {
		cost += factors.AllToAllPasses * d.Time(AllToAll, size)
	}
	return cost
}
