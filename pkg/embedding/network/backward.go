// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package network

import (
	"github.com/gomlx/hybridembedding/pkg/core/session"
	"github.com/gomlx/hybridembedding/pkg/embedding/keys"
	"github.com/gomlx/hybridembedding/pkg/embedding/partition"
	"github.com/pkg/errors"
)

// Backward sends the per-sample gradients back to the communication buffers, undoing Forward: the
// gradient of vector v of network n is the sum, over the occurrences reading it, of the row
// gradient times the key weight and the combiner scale.
//
// grads[n] must have the same length as the buffer received from network n in Forward; it is
// overwritten. The reduction order is deterministic (occurrence order).
func Backward[T Element](sess *session.Session, layout Layout, batch *keys.Batch, index *Index, gradOut []float32, grads [][]T) error {
	if err := layout.validateBatch(batch); err != nil {
		return errors.WithMessage(err, "network backward")
	}
	if len(gradOut) != layout.OutputSize() {
		return session.ConfigErrorf("network backward: gradient has %d values, want %d", len(gradOut), layout.OutputSize())
	}
	starts := lookupStarts(batch)
	numOccurrences := starts[len(starts)-1]
	if index.Len() != numOccurrences {
		return session.ConfigErrorf("network backward: index has %d occurrences, batch has %d", index.Len(), numOccurrences)
	}
	stride := layout.MaxEVSize
	if stride == 0 {
		return nil
	}

	// Flat ids of the vectors over all networks.
	networkStarts := make([]int, len(grads)+1)
	for n, g := range grads {
		networkStarts[n+1] = networkStarts[n] + len(g)/stride
	}
	numVectors := networkStarts[len(grads)]
	uniqueIdx := make([]uint32, numOccurrences)
	occGrads := make([]float32, numOccurrences*stride)
	numLookups := layout.NumLookups()
	err := sess.Launch("network_backward", layout.NumRows(), func(lo, hi int) error {
		for row := lo; row < hi; row++ {
			sample, lookup := row/numLookups, row%numLookups
			evSize := layout.EVSizes[lookup]
			src := gradOut[row*stride : row*stride+evSize]
			scale := rowScale(layout.Combiners[lookup], batch, lookup, sample)
			start, end := batch.Offsets[lookup][sample], batch.Offsets[lookup][sample+1]
			for pos := start; pos < end; pos++ {
				occ := starts[lookup] + pos
				network := index.Networks[occ]
				if network == partition.InvalidReverseIdx {
					uniqueIdx[occ] = partition.InvalidReverseIdx
					continue
				}
				if int(network) >= len(grads) || int(index.Offsets[occ]) >= networkStarts[network+1]-networkStarts[network] {
					return session.ConfigErrorf("occurrence %d reads vector %d of network %d, which has no gradient buffer for it",
						occ, index.Offsets[occ], network)
				}
				uniqueIdx[occ] = uint32(networkStarts[network]) + index.Offsets[occ]
				w := scale * keyWeight(batch, lookup, pos)
				dst := occGrads[occ*stride : occ*stride+evSize]
				for j, g := range src {
					dst[j] = w * g
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	reduced := make([]float32, numVectors*stride)
	if err = ReduceUniqueGradients(sess, uniqueIdx, numVectors, stride, occGrads, reduced); err != nil {
		return err
	}
	for n, g := range grads {
		flat := reduced[networkStarts[n]*stride : networkStarts[n+1]*stride]
		for j, v := range flat {
			g[j] = FromFloat32[T](v)
		}
		clear(g[len(flat):])
	}
	return nil
}
