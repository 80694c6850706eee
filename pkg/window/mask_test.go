// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package window

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegionIDs(t *testing.T) {
	geom, err := NewSquare(4, 2, 1)
	require.NoError(t, err)
	// Bands per axis: [0,2) -> 0, [2,3) -> 1, [3,4) -> 2.
	want := []int{
		0, 0, 1, 2,
		0, 0, 1, 2,
		3, 3, 4, 5,
		6, 6, 7, 8,
	}
	assert.Equal(t, want, RegionIDs(geom))
}

func TestMaskTable4x4(t *testing.T) {
	geom, err := NewSquare(4, 2, 1)
	require.NoError(t, err)
	table := MaskTable(geom)
	require.Len(t, table, 4*4*4)

	const m = MaskValue
	want := [][]float32{
		// Window (0,0): a single region, nothing masked.
		{
			0, 0, 0, 0,
			0, 0, 0, 0,
			0, 0, 0, 0,
			0, 0, 0, 0,
		},
		// Window (0,1): columns 2 and 3 come from opposite borders.
		{
			0, m, 0, m,
			m, 0, m, 0,
			0, m, 0, m,
			m, 0, m, 0,
		},
		// Window (1,0): rows 2 and 3 come from opposite borders.
		{
			0, 0, m, m,
			0, 0, m, m,
			m, m, 0, 0,
			m, m, 0, 0,
		},
		// Window (1,1): four distinct regions.
		{
			0, m, m, m,
			m, 0, m, m,
			m, m, 0, m,
			m, m, m, 0,
		},
	}
	for w := range want {
		assert.Equalf(t, want[w], table[w*16:(w+1)*16], "window %d", w)
	}
}

func TestMaskMatchesUnrolledAdjacency(t *testing.T) {
	// A pair of tokens in a shifted window may attend to each other only if, before the roll,
	// they were on the same side of the wrap-around on both axes.
	for _, dims := range [][6]int{
		{4, 4, 2, 2, 1, 1},
		{8, 8, 4, 4, 2, 2},
		{6, 9, 3, 3, 1, 2},
		{8, 8, 4, 4, 0, 3},
	} {
		geom, err := NewGeometry(dims[0], dims[1], dims[2], dims[3], dims[4], dims[5])
		require.NoError(t, err)
		table := MaskTable(geom)
		order := PartitionOrder(geom)
		area := geom.Area()
		wrapped := func(token int) (bool, bool) {
			// Tokens that came from the start of the grid land on the end after rolling.
			row, col := token/geom.Width, token%geom.Width
			return row < geom.ShiftH, col < geom.ShiftW
		}
		for w := range geom.NumWindows() {
			for i := range area {
				for j := range area {
					rowI, colI := wrapped(order[w*area+i])
					rowJ, colJ := wrapped(order[w*area+j])
					got := table[(w*area+i)*area+j]
					if rowI == rowJ && colI == colJ {
						assert.Zerof(t, got, "geometry %+v, window %d, pair (%d, %d)", geom, w, i, j)
					} else {
						assert.Equalf(t, float32(MaskValue), got, "geometry %+v, window %d, pair (%d, %d)", geom, w, i, j)
					}
				}
			}
		}
	}
}

func TestMaskNode(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	geom, err := NewSquare(4, 2, 1)
	require.NoError(t, err)
	output := context.MustExecOnce(backend, context.New(), func(ctx *context.Context, g *Graph) *Node {
		mask := MaskNode(g, dtypes.Float64, geom)
		require.Nil(t, MaskNode(g, dtypes.Float64, geom.Unshifted()))
		return mask
	})
	assert.Equal(t, []int{4, 4, 4}, output.Shape().Dimensions)
	assert.Equal(t, dtypes.Float64, output.DType())
	got := tensors.MustCopyFlatData[float64](output)
	for ii, v := range MaskTable(geom) {
		assert.Equal(t, float64(v), got[ii])
	}
}
