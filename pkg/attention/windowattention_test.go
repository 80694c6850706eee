// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/vitswin/pkg/posenc"
	"github.com/gomlx/vitswin/pkg/window"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// relativeTable returns a table `[(2*wh-1)*(2*ww-1), numHeads]` with distinct, large entries.
func relativeTable(wh, ww, numHeads int) [][]float32 {
	table := make([][]float32, posenc.RelativeTableSize(wh, ww))
	for row := range table {
		table[row] = make([]float32, numHeads)
		for h := range numHeads {
			table[row][h] = 0.7*float32(row) - 0.3*float32(h)
		}
	}
	return table
}

// permuteTokens returns x `[batch, numTokens, dim]` with the tokens reordered such that output[p] = x[perm[p]].
func permuteTokens(x *tensors.Tensor, perm []int) *tensors.Tensor {
	dims := x.Shape().Dimensions
	flat := tensors.MustCopyFlatData[float32](x)
	permuted := make([]float32, len(flat))
	for b := range dims[0] {
		for p, src := range perm {
			copy(permuted[(b*dims[1]+p)*dims[2]:(b*dims[1]+p+1)*dims[2]], flat[(b*dims[1]+src)*dims[2]:(b*dims[1]+src+1)*dims[2]])
		}
	}
	return tensors.FromFlatDataAndDimensions(permuted, dims...)
}

func TestWindowAttentionShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	geom, err := window.NewGeometry(4, 6, 2, 3, 0, 0)
	require.NoError(t, err)
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) (output, coefficients *Node) {
		return WindowAttention(ctx, x, geom, 2).OutputDim(5).DoneWithCoefficients()
	})
	outputs := exec.MustExec(randomTokens(5, 3, 24, 8))
	assert.Equal(t, []int{3, 24, 5}, outputs[0].Shape().Dimensions)
	coefDims := outputs[1].Shape().Dimensions
	require.Equal(t, []int{3 * 4, 2, 6, 6}, coefDims)
	for _, sum := range sumsOverAxis(tensors.MustCopyFlatData[float32](outputs[1]), coefDims, 3) {
		assert.InDelta(t, 1.0, sum, 1e-5)
	}

	table := ctx.InspectVariable("/window_attention", RelativeTableVariable)
	require.NotNil(t, table)
	assert.Equal(t, []int{3 * 5, 2}, table.Shape().Dimensions)
	for _, v := range tensors.MustCopyFlatData[float32](table.MustValue()) {
		assert.LessOrEqual(t, v, float32(2*RelativeTableStdDev)+1e-6)
		assert.GreaterOrEqual(t, v, float32(-2*RelativeTableStdDev)-1e-6)
	}
}

func TestWindowAttentionMask(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	geom, err := window.NewSquare(4, 2, 1)
	require.NoError(t, err)
	ctx := context.New()
	const batchSize, numHeads = 2, 3
	coefficients := context.MustExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		mask := window.MaskNode(x.Graph(), x.DType(), geom)
		_, coef := WindowAttention(ctx, x, geom, numHeads).Mask(mask).DoneWithCoefficients()
		return coef
	}, randomTokens(6, batchSize, 16, 4))
	numWindows, area := geom.NumWindows(), geom.Area()
	require.Equal(t, []int{batchSize * numWindows, numHeads, area, area}, coefficients.Shape().Dimensions)

	maskTable := window.MaskTable(geom)
	coef := tensors.MustCopyFlatData[float32](coefficients)
	var numMasked int
	for b := range batchSize {
		for w := range numWindows {
			for h := range numHeads {
				for i := range area {
					for j := range area {
						v := coef[(((b*numWindows+w)*numHeads+h)*area+i)*area+j]
						if maskTable[(w*area+i)*area+j] != 0 {
							assert.Less(t, v, float32(1e-20))
							numMasked++
						} else {
							assert.Greater(t, v, float32(1e-3))
						}
					}
				}
			}
		}
	}
	assert.Greater(t, numMasked, 0)
}

func TestWindowAttentionPermutation(t *testing.T) {
	// A single 2x2 window: without the relative position bias attention is permutation equivariant,
	// with it the result depends on where each token sits.
	backend := graphtest.BuildTestBackend()
	geom, err := window.NewSquare(2, 2, 0)
	require.NoError(t, err)
	perm := []int{3, 1, 0, 2}
	x := randomTokens(7, 2, 4, 8)
	xPerm := permuteTokens(x, perm)

	ctx := context.New()
	noBias := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return WindowAttention(ctx, x, geom, 2).UseRelativeBias(false).Done()
	})
	want := permuteTokens(noBias.MustExec1(x), perm)
	got := noBias.MustExec1(xPerm)
	assert.InDeltaSlice(t, tensors.MustCopyFlatData[float32](want), tensors.MustCopyFlatData[float32](got), 1e-4)
	assert.Nil(t, ctx.InspectVariable("/window_attention", RelativeTableVariable))

	ctx = context.New().Checked(false)
	ctx.In("window_attention").VariableWithValue(RelativeTableVariable, relativeTable(2, 2, 2))
	withBias := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return WindowAttention(ctx, x, geom, 2).Done()
	})
	wantFlat := tensors.MustCopyFlatData[float32](permuteTokens(withBias.MustExec1(x), perm))
	gotFlat := tensors.MustCopyFlatData[float32](withBias.MustExec1(xPerm))
	var maxDiff float64
	for ii := range wantFlat {
		diff := float64(wantFlat[ii] - gotFlat[ii])
		if diff < 0 {
			diff = -diff
		}
		maxDiff = max(maxDiff, diff)
	}
	assert.Greater(t, maxDiff, 1e-3)
}

func TestRelativePositionBias(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const wh, ww, numHeads = 2, 3, 2
	const area = wh * ww
	table := relativeTable(wh, ww, numHeads)
	ctx := context.New()
	ctx.VariableWithValue(RelativeTableVariable, table)
	bias := context.MustExecOnce(backend, ctx.Reuse(), func(ctx *context.Context, g *Graph) *Node {
		return RelativePositionBias(ctx, g, dtypes.Float32, wh, ww, numHeads)
	})
	require.Equal(t, []int{numHeads, area, area}, bias.Shape().Dimensions)
	got := tensors.MustCopyFlatData[float32](bias)
	index := posenc.RelativePositionIndex(wh, ww)
	for h := range numHeads {
		for ij := range area * area {
			assert.Equal(t, table[index[ij]][h], got[h*area*area+ij])
		}
	}
}

// initialRelativeTable creates the relative position table with the given initial seed and returns its values.
func initialRelativeTable(t *testing.T, seed int64) []float32 {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParam(initializers.ParamInitialSeed, seed)
	_ = context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		return RelativePositionBias(ctx, g, dtypes.Float32, 3, 3, 2)
	})
	v := ctx.InspectVariable(ctx.Scope(), RelativeTableVariable)
	require.NotNil(t, v)
	require.Equal(t, []int{25, 2}, v.Shape().Dimensions)
	return tensors.MustCopyFlatData[float32](v.MustValue())
}

func TestRelativePositionBiasInitialSeed(t *testing.T) {
	table1 := initialRelativeTable(t, 1)
	table2 := initialRelativeTable(t, 2)
	assert.NotEqual(t, table1, table2)
	assert.Equal(t, table1, initialRelativeTable(t, 1))
	for _, values := range [][]float32{table1, table2} {
		for _, v := range values {
			assert.LessOrEqual(t, v, float32(2*RelativeTableStdDev))
			assert.GreaterOrEqual(t, v, float32(-2*RelativeTableStdDev))
		}
	}
}
