// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package topology describes the nodes and GPUs (instances) that hold the hybrid embedding, the
// interconnect between them and which instances hold shards of which tables.
package topology

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/hybridembedding/pkg/core/session"
	"github.com/pkg/errors"
)

// Topology of the instances (GPUs) participating in the embedding, grouped by node.
//
// Global instance ids are node-major: the instances of node 0 come first, then node 1, etc.
type Topology struct {
	// instancesPerNode holds the number of instances for each node.
	instancesPerNode []int

	// nodeFirstInstance[n] is the global id of the first instance of node n.
	nodeFirstInstance []int

	numInstances int
}

// NewTopology creates a topology with one node per value of instancesPerNode.
//
// Example:
//
//	topo, _ := NewTopology(4, 4) // 2 nodes with 4 GPUs each: instances 0-3 on node 0, 4-7 on node 1.
func NewTopology(instancesPerNode ...int) (*Topology, error) {
	if len(instancesPerNode) == 0 {
		return nil, session.ConfigErrorf("topology must have at least one node")
	}
	t := &Topology{
		instancesPerNode:  slices.Clone(instancesPerNode),
		nodeFirstInstance: make([]int, len(instancesPerNode)),
	}
	for node, n := range instancesPerNode {
		if n <= 0 {
			return nil, session.ConfigErrorf("topology node #%d has %d instances, it must have at least one", node, n)
		}
		t.nodeFirstInstance[node] = t.numInstances
		t.numInstances += n
	}
	return t, nil
}

// NumNodes returns the number of nodes.
func (t *Topology) NumNodes() int { return len(t.instancesPerNode) }

// NumInstances returns the total number of instances (GPUs) across all nodes.
func (t *Topology) NumInstances() int { return t.numInstances }

// InstancesPerNode returns a copy of the number of instances of each node.
func (t *Topology) InstancesPerNode() []int { return slices.Clone(t.instancesPerNode) }

// IsUniform returns whether all nodes have the same number of instances.
func (t *Topology) IsUniform() bool {
	for _, n := range t.instancesPerNode[1:] {
		if n != t.instancesPerNode[0] {
			return false
		}
	}
	return true
}

// NodeOf returns the node of a global instance id.
func (t *Topology) NodeOf(globalID int) int {
	node, found := slices.BinarySearch(t.nodeFirstInstance, globalID)
	if !found {
		node--
	}
	return node
}

// LocalID returns the index of the instance within its node.
func (t *Topology) LocalID(globalID int) int {
	return globalID - t.nodeFirstInstance[t.NodeOf(globalID)]
}

// GlobalID returns the global id of the localID-th instance of node.
func (t *Topology) GlobalID(node, localID int) (int, error) {
	if node < 0 || node >= t.NumNodes() {
		return 0, errors.Errorf("node %d out of range [0, %d)", node, t.NumNodes())
	}
	if localID < 0 || localID >= t.instancesPerNode[node] {
		return 0, errors.Errorf("instance %d out of range [0, %d) for node %d", localID, t.instancesPerNode[node], node)
	}
	return t.nodeFirstInstance[node] + localID, nil
}

// Validate checks that the topology can be used with the communication type.
func (t *Topology) Validate(ct CommunicationType) error {
	switch ct {
	case NVLinkSingleNode:
		if t.NumNodes() != 1 {
			return session.ConfigErrorf("communication type %s requires exactly one node, topology has %d", ct, t.NumNodes())
		}
	case IBNVLink:
		if t.NumNodes() < 2 {
			return session.ConfigErrorf("communication type %s requires at least 2 nodes, topology has %d", ct, t.NumNodes())
		}
	case IBNVLinkHier:
		if t.NumNodes() < 2 {
			return session.ConfigErrorf("communication type %s requires at least 2 nodes, topology has %d", ct, t.NumNodes())
		}
		if !t.IsUniform() {
			return session.ConfigErrorf("communication type %s requires the same number of instances in every node, got %v",
				ct, t.instancesPerNode)
		}
	default:
		return session.ConfigErrorf("unknown communication type %s", ct)
	}
	return nil
}

// GroupAxis selects along which axis the replica groups of a collective are formed.
type GroupAxis int

const (
	// AllInstances forms a single group with every instance.
	AllInstances GroupAxis = iota

	// IntraNode forms one group per node, with the instances of that node.
	IntraNode

	// InterNode forms one group per local rank, with the instances of that rank in every node.
	// It requires a uniform topology.
	InterNode
)

// ReplicaGroups returns the groups of global instance ids that participate together in a collective
// along the given axis. Hierarchical all-to-all first exchanges within IntraNode groups and then
// within InterNode groups.
//
// Example for NewTopology(2, 2):
//
//	ReplicaGroups(AllInstances) -> [][]int{{0, 1, 2, 3}}
//	ReplicaGroups(IntraNode)    -> [][]int{{0, 1}, {2, 3}}
//	ReplicaGroups(InterNode)    -> [][]int{{0, 2}, {1, 3}}
func (t *Topology) ReplicaGroups(axis GroupAxis) ([][]int, error) {
	switch axis {
	case AllInstances:
		group := make([]int, t.numInstances)
		for i := range group {
			group[i] = i
		}
		return [][]int{group}, nil

	case IntraNode:
		groups := make([][]int, t.NumNodes())
		for node, n := range t.instancesPerNode {
			groups[node] = make([]int, n)
			for local := range n {
				groups[node][local] = t.nodeFirstInstance[node] + local
			}
		}
		return groups, nil

	case InterNode:
		if !t.IsUniform() {
			return nil, errors.Errorf("inter-node replica groups require a uniform topology, got %v", t.instancesPerNode)
		}
		perNode := t.instancesPerNode[0]
		groups := make([][]int, perNode)
		for local := range perNode {
			groups[local] = make([]int, t.NumNodes())
			for node := range t.NumNodes() {
				groups[local][node] = t.nodeFirstInstance[node] + local
			}
		}
		return groups, nil
	}
	return nil, errors.Errorf("unknown replica group axis %d", axis)
}

// String implements fmt.Stringer.
func (t *Topology) String() string {
	var sb strings.Builder
	sb.WriteString("Topology(")
	for node, n := range t.instancesPerNode {
		if node > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "node%d: %d", node, n)
	}
	sb.WriteString(")")
	return sb.String()
}
