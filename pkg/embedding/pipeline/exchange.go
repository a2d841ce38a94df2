// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"sync/atomic"

	"github.com/gomlx/hybridembedding/pkg/core/session"
	"github.com/gomlx/hybridembedding/pkg/core/topology"
	"github.com/gomlx/hybridembedding/pkg/embedding/network"
)

// LoopbackExchange runs the collectives of the hybrid embedding among instances simulated in one
// process. It is used to test and benchmark the data path without a communication library.
//
// With IBNVLinkHier the all-to-all is hierarchical, as on the real interconnect: each item first
// moves within the sender's node to the instance with the local rank of its destination, and then
// across nodes. Otherwise items go straight to their destination.
//
// The collectives are package functions (AllToAll, AllReduce) since they are generic on the buffer
// type.
type LoopbackExchange struct {
	sess         *session.Session
	numInstances int
	nodeOf       []int

	// relay[src][dst] is the instance of src's node that forwards items from src to dst across
	// nodes, for a hierarchical all-to-all. It is nil for a flat all-to-all.
	relay [][]int

	allToAllItems  atomic.Int64
	intraNodeItems atomic.Int64
	interNodeItems atomic.Int64
	allReduceItems atomic.Int64
}

// NewLoopbackExchange creates the exchange among the instances of topo, with the all-to-all of ct.
func NewLoopbackExchange(sess *session.Session, topo *topology.Topology, ct topology.CommunicationType) (*LoopbackExchange, error) {
	n := topo.NumInstances()
	x := &LoopbackExchange{sess: sess, numInstances: n, nodeOf: make([]int, n)}
	nodes, err := topo.ReplicaGroups(topology.IntraNode)
	if err != nil {
		return nil, err
	}
	for node, group := range nodes {
		for _, instance := range group {
			x.nodeOf[instance] = node
		}
	}
	if ct != topology.IBNVLinkHier {
		return x, nil
	}
	ranks, err := topo.ReplicaGroups(topology.InterNode)
	if err != nil {
		return nil, session.ConfigErrorf("hierarchical all-to-all on %s: %v", topo, err)
	}
	x.relay = make([][]int, n)
	for src := range n {
		x.relay[src] = make([]int, n)
	}
	for _, group := range ranks {
		// group[node] is the instance of node with the local rank of the group.
		for _, dst := range group {
			for src := range n {
				x.relay[src][dst] = group[x.nodeOf[src]]
			}
		}
	}
	return x, nil
}

// NumInstances taking part in the collectives.
func (x *LoopbackExchange) NumInstances() int { return x.numInstances }

// IsHierarchical returns whether all-to-all relays items through the sender's node.
func (x *LoopbackExchange) IsHierarchical() bool { return x.relay != nil }

// AllToAllItems returns the number of items delivered to another instance by all-to-all so far. Items
// an instance sends to itself are not counted.
func (x *LoopbackExchange) AllToAllItems() int64 { return x.allToAllItems.Load() }

// IntraNodeItems returns the number of all-to-all item moves between two instances of the same node,
// relays included.
func (x *LoopbackExchange) IntraNodeItems() int64 { return x.intraNodeItems.Load() }

// InterNodeItems returns the number of all-to-all item moves across nodes.
func (x *LoopbackExchange) InterNodeItems() int64 { return x.interNodeItems.Load() }

// AllReduceItems returns the number of items reduced by all-reduce so far.
func (x *LoopbackExchange) AllReduceItems() int64 { return x.allReduceItems.Load() }

// countMove accounts for numItems moving from instance from to instance to.
func (x *LoopbackExchange) countMove(from, to, numItems int) {
	switch {
	case from == to || numItems == 0:
	case x.nodeOf[from] == x.nodeOf[to]:
		x.intraNodeItems.Add(int64(numItems))
	default:
		x.interNodeItems.Add(int64(numItems))
	}
}

// AllToAll delivers send[src][dst] to received[dst][src]. Buffers are copied.
func AllToAll[T any](x *LoopbackExchange, send [][][]T) (received [][][]T, err error) {
	n := x.numInstances
	if len(send) != n {
		return nil, session.ConfigErrorf("all-to-all: %d senders for %d instances", len(send), n)
	}
	for src, row := range send {
		if len(row) != n {
			return nil, session.ConfigErrorf("all-to-all: instance %d sends %d buffers for %d instances", src, len(row), n)
		}
	}
	received = make([][][]T, n)
	for dst := range received {
		received[dst] = make([][]T, n)
	}
	if x.relay == nil {
		err = x.sess.LaunchWithBlockSize("loopback_all_to_all", n*n, 1, func(lo, hi int) error {
			for pair := lo; pair < hi; pair++ {
				src, dst := pair/n, pair%n
				received[dst][src] = append([]T(nil), send[src][dst]...)
				x.countMove(src, dst, len(send[src][dst]))
				if src != dst {
					x.allToAllItems.Add(int64(len(send[src][dst])))
				}
			}
			return nil
		})
		return received, err
	}

	// Intra-node stage: relayed[src][dst] is held by x.relay[src][dst].
	relayed := make([][][]T, n)
	for src := range relayed {
		relayed[src] = make([][]T, n)
	}
	err = x.sess.LaunchWithBlockSize("loopback_all_to_all_intra", n*n, 1, func(lo, hi int) error {
		for pair := lo; pair < hi; pair++ {
			src, dst := pair/n, pair%n
			relayed[src][dst] = append([]T(nil), send[src][dst]...)
			x.countMove(src, x.relay[src][dst], len(send[src][dst]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Inter-node stage, among instances of the same local rank.
	err = x.sess.LaunchWithBlockSize("loopback_all_to_all_inter", n*n, 1, func(lo, hi int) error {
		for pair := lo; pair < hi; pair++ {
			src, dst := pair/n, pair%n
			received[dst][src] = relayed[src][dst]
			x.countMove(x.relay[src][dst], dst, len(relayed[src][dst]))
			if src != dst {
				x.allToAllItems.Add(int64(len(relayed[src][dst])))
			}
		}
		return nil
	})
	return received, err
}

// AllReduce sums the buffers of all instances element-wise (in float32) and writes the sum back to
// every buffer.
func AllReduce[T network.Element](x *LoopbackExchange, buffers [][]T) error {
	if len(buffers) != x.numInstances {
		return session.ConfigErrorf("all-reduce: %d buffers for %d instances", len(buffers), x.numInstances)
	}
	size := len(buffers[0])
	for i, buf := range buffers {
		if len(buf) != size {
			return session.ConfigErrorf("all-reduce: buffer %d has %d values, buffer 0 has %d", i, len(buf), size)
		}
	}
	x.allReduceItems.Add(int64(size))
	return x.sess.Launch("loopback_all_reduce", size, func(lo, hi int) error {
		for j := lo; j < hi; j++ {
			var sum float32
			for _, buf := range buffers {
				sum += network.ToFloat32(buf[j])
			}
			v := network.FromFloat32[T](sum)
			for _, buf := range buffers {
				buf[j] = v
			}
		}
		return nil
	})
}
