// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package topology

import (
	"github.com/gomlx/hybridembedding/pkg/core/session"
)

// ShardMatrix says which instances hold a shard of each table: ShardMatrix[table][instance] != 0
// means the instance holds a shard of the table.
type ShardMatrix [][]int

// FullShardMatrix returns a matrix where every instance holds a shard of every table.
func FullShardMatrix(numTables, numInstances int) ShardMatrix {
	m := make(ShardMatrix, numTables)
	for table := range m {
		m[table] = make([]int, numInstances)
		for i := range m[table] {
			m[table][i] = 1
		}
	}
	return m
}

// TableWiseShardMatrix returns a matrix where each table is held entirely by one instance,
// tables assigned round-robin.
func TableWiseShardMatrix(numTables, numInstances int) ShardMatrix {
	m := make(ShardMatrix, numTables)
	for table := range m {
		m[table] = make([]int, numInstances)
		m[table][table%numInstances] = 1
	}
	return m
}

// Validate checks the matrix dimensions against the number of tables and the topology, and that
// every table has at least one shard.
func (m ShardMatrix) Validate(numTables int, topo *Topology) error {
	if len(m) != numTables {
		return session.ConfigErrorf("shard matrix has %d rows, but there are %d tables", len(m), numTables)
	}
	for table, row := range m {
		if len(row) != topo.NumInstances() {
			return session.ConfigErrorf("shard matrix row for table %d has %d columns, but %s has %d instances",
				table, len(row), topo, topo.NumInstances())
		}
		numShards := 0
		for _, v := range row {
			if v < 0 {
				return session.ConfigErrorf("shard matrix row for table %d has negative entry %v", table, row)
			}
			if v != 0 {
				numShards++
			}
		}
		if numShards == 0 {
			return session.ConfigErrorf("table %d has no shard in the shard matrix", table)
		}
	}
	return nil
}

// ShardInstances returns, for each table, the ordered list of instances holding one of its shards.
func (m ShardMatrix) ShardInstances() [][]int {
	lists := make([][]int, len(m))
	for table, row := range m {
		for instance, v := range row {
			if v != 0 {
				lists[table] = append(lists[table], instance)
			}
		}
	}
	return lists
}
