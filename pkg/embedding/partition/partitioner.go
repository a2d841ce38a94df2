// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package partition

import (
	"fmt"

	"github.com/gomlx/hybridembedding/pkg/core/session"
	"github.com/gomlx/hybridembedding/pkg/embedding/keys"
)

// Kind of partitioner.
type Kind int

const (
	// ShardByReplicaMatrix spreads the rows of each table over the instances holding a shard of it.
	ShardByReplicaMatrix Kind = iota

	// ShardByTable sends all the rows of a table to one instance.
	ShardByTable

	// Dummy sends every key to the same partition, e.g. for the seeded frequent-key table.
	Dummy
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case ShardByReplicaMatrix:
		return "shard"
	case ShardByTable:
		return "table"
	case Dummy:
		return "dummy"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Partitioner decides the destination partition of a key. It is a closed set of variants selected
// at construction, and it is immutable, so it can be shared by all the blocks of a kernel.
type Partitioner struct {
	kind          Kind
	numPartitions int

	tableOffsets []keys.Category

	// shardInstances[table] lists the instances holding a shard of the table (ShardByReplicaMatrix).
	shardInstances [][]int

	// tableInstance[table] is the instance holding the table (ShardByTable).
	tableInstance []int

	constant int // Dummy.
}

// NewShardPartitioner creates a partitioner that spreads the rows of each table round-robin over
// the instances holding a shard of it: row r of table t goes to shardInstances[t][r % len(shardInstances[t])].
func NewShardPartitioner(tables []keys.TableConfig, shardInstances [][]int, numInstances int) (*Partitioner, error) {
	if len(shardInstances) != len(tables) {
		return nil, session.ConfigErrorf("shard partitioner: %d tables but shard instances given for %d", len(tables), len(shardInstances))
	}
	for table, instances := range shardInstances {
		if len(instances) == 0 {
			return nil, session.ConfigErrorf("shard partitioner: table %d has no shard", table)
		}
		for _, instance := range instances {
			if instance < 0 || instance >= numInstances {
				return nil, session.ConfigErrorf("shard partitioner: table %d is sharded on instance %d, but there are %d instances",
					table, instance, numInstances)
			}
		}
	}
	return &Partitioner{
		kind:           ShardByReplicaMatrix,
		numPartitions:  numInstances,
		tableOffsets:   keys.TableOffsets(tables),
		shardInstances: shardInstances,
	}, nil
}

// NewTablePartitioner creates a partitioner that sends every row of table t to tableInstance[t].
func NewTablePartitioner(tables []keys.TableConfig, tableInstance []int, numInstances int) (*Partitioner, error) {
	if len(tableInstance) != len(tables) {
		return nil, session.ConfigErrorf("table partitioner: %d tables but %d instances given", len(tables), len(tableInstance))
	}
	for table, instance := range tableInstance {
		if instance < 0 || instance >= numInstances {
			return nil, session.ConfigErrorf("table partitioner: table %d is placed on instance %d, but there are %d instances",
				table, instance, numInstances)
		}
	}
	return &Partitioner{
		kind:          ShardByTable,
		numPartitions: numInstances,
		tableOffsets:  keys.TableOffsets(tables),
		tableInstance: tableInstance,
	}, nil
}

// NewDummyPartitioner creates a partitioner with a single partition.
func NewDummyPartitioner() *Partitioner {
	return &Partitioner{kind: Dummy, numPartitions: 1}
}

// Kind returns the variant of the partitioner.
func (p *Partitioner) Kind() Kind { return p.kind }

// NumPartitions returns the number of partitions keys are distributed to.
func (p *Partitioner) NumPartitions() int { return p.numPartitions }

// Partition returns the partition of a global category, or -1 if the category is beyond the last
// table.
func (p *Partitioner) Partition(category keys.Category) int {
	switch p.kind {
	case ShardByReplicaMatrix:
		table := keys.TableOf(p.tableOffsets, category)
		if table < 0 {
			return -1
		}
		instances := p.shardInstances[table]
		row := uint64(category - p.tableOffsets[table])
		return instances[row%uint64(len(instances))]
	case ShardByTable:
		table := keys.TableOf(p.tableOffsets, category)
		if table < 0 {
			return -1
		}
		return p.tableInstance[table]
	}
	return p.constant
}
