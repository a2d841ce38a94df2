// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package network

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/hybridembedding/pkg/core/session"
	"github.com/gomlx/hybridembedding/pkg/embedding/keys"
	"github.com/gomlx/hybridembedding/pkg/embedding/partition"
	"github.com/pkg/errors"
)

// Forward reconstructs the per-sample embedding rows from the received communication buffers.
//
// For every row (sample, lookup) it sums, over the occurrences of the bucket, the received vector
// times the key weight (1 if the batch has no weights), and applies the combiner: Mean divides by
// the number of keys of the bucket, or by the sum of its weights. Invalid occurrences contribute
// nothing but still count for the Mean. out must have layout.OutputSize() values, rows are
// overwritten.
func Forward[T Element](sess *session.Session, layout Layout, batch *keys.Batch, index *Index, received [][]T, out []float32) error {
	if err := layout.validateBatch(batch); err != nil {
		return errors.WithMessage(err, "network forward")
	}
	if len(out) != layout.OutputSize() {
		return session.ConfigErrorf("network forward: output has %d values, want %d", len(out), layout.OutputSize())
	}
	starts := lookupStarts(batch)
	if index.Len() != starts[len(starts)-1] {
		return session.ConfigErrorf("network forward: index has %d occurrences, batch has %d", index.Len(), starts[len(starts)-1])
	}
	stride := layout.MaxEVSize
	numLookups := layout.NumLookups()
	return sess.Launch("network_forward", layout.NumRows(), func(lo, hi int) error {
		for row := lo; row < hi; row++ {
			sample, lookup := row/numLookups, row%numLookups
			evSize := layout.EVSizes[lookup]
			dst := out[row*stride : (row+1)*stride]
			clear(dst)
			start, end := batch.Offsets[lookup][sample], batch.Offsets[lookup][sample+1]
			for pos := start; pos < end; pos++ {
				occ := starts[lookup] + pos
				network := index.Networks[occ]
				if network == partition.InvalidReverseIdx {
					continue
				}
				if int(network) >= len(received) {
					exceptions.Panicf("occurrence %d reads network %d, but only %d buffers were received",
						occ, network, len(received))
				}
				vecStart := int(index.Offsets[occ]) * stride
				buf := received[network]
				if vecStart+evSize > len(buf) {
					exceptions.Panicf("occurrence %d reads vector %d of network %d, beyond its %d vectors",
						occ, index.Offsets[occ], network, len(buf)/stride)
				}
				w := keyWeight(batch, lookup, pos)
				for j, v := range buf[vecStart : vecStart+evSize] {
					dst[j] += w * ToFloat32(v)
				}
			}
			if scale := rowScale(layout.Combiners[lookup], batch, lookup, sample); scale != 1 {
				for j := range evSize {
					dst[j] *= scale
				}
			}
		}
		return nil
	})
}
