// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/vitswin/pkg/posenc"
	"github.com/gomlx/vitswin/pkg/window"
)

const (
	// RelativeTableVariable is the name of the learned relative position bias table variable,
	// shaped `[(2*windowH-1)*(2*windowW-1), numHeads]`.
	RelativeTableVariable = "relative_position_table"

	// RelativeTableStdDev is the standard deviation of the (truncated) normal initialization of the
	// relative position bias table.
	RelativeTableStdDev = 0.02
)

// WindowAttentionBuilder configures a windowed multi-head self-attention layer.
// Create it with WindowAttention, set the desired options, and call Done.
type WindowAttentionBuilder struct {
	ctx             *context.Context
	x               *Node
	geom            window.Geometry
	numHeads        int
	headDim         int
	outputDim       int
	useQKVBias      bool
	dropoutRate     float64
	mask            *Node
	useRelativeBias bool
}

// WindowAttention creates a multi-head self-attention layer restricted to the windows of geom.
// The input x is shaped `[batch, height*width, inputDim]`, with the tokens of the grid in row-major order.
//
// The tokens are partitioned into (optionally cyclically shifted) windows, see window.Partition.
// Within each window, the fused query/key/value projection is used to compute logits scaled by
// `headDim^-0.5`, to which a learned per-head relative position bias is added, and then the mask
// (if one was given with Mask). The softmax is taken over the keys, the values weighted, heads
// concatenated and projected to outputDim, and finally the windows are reconstituted into
// `[batch, height*width, outputDim]`.
//
// The geometry should have been created with window.NewGeometry, which validates it. An invalid
// geometry, or an input that doesn't match it, panics.
//
// Defaults: headDim = outputDim = inputDim, qkv bias enabled, relative position bias enabled, no dropout, no mask.
func WindowAttention(ctx *context.Context, x *Node, geom window.Geometry, numHeads int) *WindowAttentionBuilder {
	checkTokens("WindowAttention", x)
	if err := geom.Validate(); err != nil {
		panic(err)
	}
	if x.Shape().Dimensions[1] != geom.NumTokens() {
		exceptions.Panicf("WindowAttention: input has %d tokens, but geometry %dx%d requires %d",
			x.Shape().Dimensions[1], geom.Height, geom.Width, geom.NumTokens())
	}
	if numHeads <= 0 {
		exceptions.Panicf("WindowAttention: numHeads must be > 0, got %d", numHeads)
	}
	inputDim := x.Shape().Dimensions[2]
	return &WindowAttentionBuilder{
		ctx:             ctx.In("window_attention"),
		x:               x,
		geom:            geom,
		numHeads:        numHeads,
		headDim:         inputDim,
		outputDim:       inputDim,
		useQKVBias:      true,
		useRelativeBias: true,
	}
}

// HeadDim sets the dimension of the query, key and value projections of each head.
// A value <= 0 keeps the default (the input dimension).
func (b *WindowAttentionBuilder) HeadDim(headDim int) *WindowAttentionBuilder {
	if headDim > 0 {
		b.headDim = headDim
	}
	return b
}

// OutputDim sets the output dimension. A value <= 0 keeps the default (the input dimension).
func (b *WindowAttentionBuilder) OutputDim(outputDim int) *WindowAttentionBuilder {
	if outputDim > 0 {
		b.outputDim = outputDim
	}
	return b
}

// UseQKVBias defines whether the fused query/key/value projection has a bias term. Default is true.
func (b *WindowAttentionBuilder) UseQKVBias(useBias bool) *WindowAttentionBuilder {
	b.useQKVBias = useBias
	return b
}

// Dropout sets the dropout rate applied to the output projection. Default is 0.
func (b *WindowAttentionBuilder) Dropout(rate float64) *WindowAttentionBuilder {
	checkDropout("WindowAttention", rate)
	b.dropoutRate = rate
	return b
}

// UseRelativeBias defines whether the learned relative position bias is added to the logits. Default is true.
func (b *WindowAttentionBuilder) UseRelativeBias(use bool) *WindowAttentionBuilder {
	b.useRelativeBias = use
	return b
}

// Mask sets an additive mask shaped `[numWindows, area, area]`, added to the logits of every
// example and head -- typically window.MaskNode for shifted geometries. A nil mask is ignored.
func (b *WindowAttentionBuilder) Mask(mask *Node) *WindowAttentionBuilder {
	if mask == nil {
		b.mask = nil
		return b
	}
	area := b.geom.Area()
	if !slices.Equal(mask.Shape().Dimensions, []int{b.geom.NumWindows(), area, area}) {
		exceptions.Panicf("WindowAttention: mask must be shaped [%d, %d, %d], got %s",
			b.geom.NumWindows(), area, area, mask.Shape())
	}
	b.mask = mask
	return b
}

// DoneWithCoefficients builds the layer and returns its output `[batch, height*width, outputDim]` and the
// attention coefficients `[batch*numWindows, numHeads, area, area]`.
func (b *WindowAttentionBuilder) DoneWithCoefficients() (output, coefficients *Node) {
	geom := b.geom
	windows := window.Partition(b.x, geom)
	q, k, v := projectQKV(b.ctx, windows, b.numHeads, b.headDim, b.useQKVBias)
	logits := scaledLogits(q, k, 1.0/math.Sqrt(float64(b.headDim)))
	dims := logits.Shape().Dimensions // [batch*numWindows, numHeads, area, area]

	if b.useRelativeBias {
		bias := RelativePositionBias(b.ctx, logits.Graph(), logits.DType(), geom.WindowH, geom.WindowW, b.numHeads)
		logits = Add(logits, BroadcastToDims(InsertAxes(bias, 0), dims...))
	}

	if b.mask != nil {
		numWindows := geom.NumWindows()
		area := geom.Area()
		batchSize := dims[0] / numWindows
		logits = Reshape(logits, batchSize, numWindows, b.numHeads, area, area)
		mask := b.mask
		if mask.DType() != logits.DType() {
			mask = ConvertDType(mask, logits.DType())
		}
		mask = Reshape(mask, 1, numWindows, 1, area, area)
		logits = Add(logits, BroadcastToDims(mask, logits.Shape().Dimensions...))
		logits = Reshape(logits, dims...)
	}

	coefficients = Softmax(logits, -1)
	output = project(b.ctx, attend(coefficients, v), b.outputDim, b.dropoutRate)
	output = window.Reconstitute(output, geom)
	return
}

// Done builds the layer and returns its output `[batch, height*width, outputDim]`.
func (b *WindowAttentionBuilder) Done() *Node {
	output, _ := b.DoneWithCoefficients()
	return output
}

// RelativePositionBias returns the learned relative position bias for a `windowH x windowW` window,
// shaped `[numHeads, area, area]`.
//
// The bias table variable (RelativeTableVariable) is created in the current scope of ctx, initialized
// with a normal distribution clipped to 2 standard deviations, and gathered with the constant
// posenc.RelativePositionIndex.
//
// The initialization follows the context random seed, see initializers.ParamInitialSeed.
func RelativePositionBias(ctx *context.Context, g *Graph, dtype dtypes.DType, windowH, windowW, numHeads int) *Node {
	area := windowH * windowW
	tableShape := shapes.Make(dtype, posenc.RelativeTableSize(windowH, windowW), numHeads)
	normal := initializers.RandomNormalFn(ctx, RelativeTableStdDev)
	truncatedNormal := func(g *Graph, shape shapes.Shape) *Node {
		return ClipScalar(normal(g, shape), -2*RelativeTableStdDev, 2*RelativeTableStdDev)
	}
	table := ctx.WithInitializer(truncatedNormal).
		VariableWithShape(RelativeTableVariable, tableShape).ValueGraph(g)
	index := Const(g, posenc.RelativePositionIndex(windowH, windowW))
	index = Reshape(index, area*area, 1)
	bias := Gather(table, index) // [area*area, numHeads]
	bias = Reshape(bias, area, area, numHeads)
	return TransposeAllAxes(bias, 2, 0, 1)
}
