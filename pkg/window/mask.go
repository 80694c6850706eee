// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package window

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// MaskValue is the additive mask value for pairs of tokens that must not attend to each other.
// It is large enough to zero the softmax weight, while staying finite for any float dtype.
const MaskValue = -100.0

// band returns in which of the 3 shift-induced bands the coordinate falls:
// `[0, size-window)`, `[size-window, size-shift)` or `[size-shift, size)`.
func band(coord, size, window, shift int) int {
	switch {
	case coord < size-window:
		return 0
	case coord < size-shift:
		return 1
	default:
		return 2
	}
}

// RegionIDs returns the region id of each token of the rolled grid, in row-major order.
//
// After the cyclic shift, tokens that came from opposite borders of the image end up in the same
// window. The bands `[0, size-window)`, `[size-window, size-shift)` and `[size-shift, size)` on
// each axis split the rolled grid into up to 3x3 regions of tokens that were contiguous before the
// shift: the id is `3*bandRow + bandCol`.
func RegionIDs(geom Geometry) []int {
	ids := make([]int, geom.NumTokens())
	for row := range geom.Height {
		bandRow := band(row, geom.Height, geom.WindowH, geom.ShiftH)
		for col := range geom.Width {
			ids[row*geom.Width+col] = 3*bandRow + band(col, geom.Width, geom.WindowW, geom.ShiftW)
		}
	}
	return ids
}

// MaskTable returns the additive attention mask for the geometry, flattened from shape
// `[numWindows, area, area]`: for each window, entry `(i, j)` is 0 if tokens i and j belong
// to the same region (see RegionIDs) and MaskValue otherwise.
//
// For geometries without shift all entries are 0.
func MaskTable(geom Geometry) []float32 {
	ids := RegionIDs(geom)
	// Region ids are already laid out in the rolled grid, so they are partitioned without
	// rolling again.
	order := PartitionOrder(geom.Unshifted())
	area := geom.Area()
	numWindows := geom.NumWindows()
	table := make([]float32, numWindows*area*area)
	for w := range numWindows {
		windowIDs := order[w*area : (w+1)*area]
		block := table[w*area*area : (w+1)*area*area]
		for i, tokenI := range windowIDs {
			for j, tokenJ := range windowIDs {
				if ids[tokenI] != ids[tokenJ] {
					block[i*area+j] = MaskValue
				}
			}
		}
	}
	return table
}

// MaskNode returns the mask of MaskTable as a constant node shaped `[numWindows, area, area]`,
// converted to dtype. It returns nil if the geometry is not shifted, since then no mask is needed.
func MaskNode(g *Graph, dtype dtypes.DType, geom Geometry) *Node {
	if !geom.Shifted() {
		return nil
	}
	area := geom.Area()
	mask := Const(g, MaskTable(geom))
	mask = Reshape(mask, geom.NumWindows(), area, area)
	if mask.DType() != dtype {
		mask = ConvertDType(mask, dtype)
	}
	return mask
}
