// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package swin

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/vitswin/pkg/attention"
	"github.com/gomlx/vitswin/pkg/window"
)

// BlockBuilder configures a Swin transformer block. Create it with Block.
type BlockBuilder struct {
	ctx             *context.Context
	x               *Node
	geom            window.Geometry
	numHeads        int
	headDim         int
	mlpRatio        float64
	dropoutRate     float64
	dropPathProb    float64
	useQKVBias      bool
	useRelativeBias bool
}

// Block creates a Swin transformer block over the tokens x, shaped `[batch, height*width, dim]`
// for the grid and windows described by geom:
//
//	x = x + DropPath(WindowAttention(LN1(x), mask))
//	x = x + DropPath(MLP(LN2(x)))
//
// The shifted-window mask (window.MaskNode) is used automatically when geom is shifted.
//
// Defaults: headDim = dim, mlpRatio = 4, no dropout, no drop-path, qkv bias and relative position bias enabled.
func Block(ctx *context.Context, x *Node, geom window.Geometry, numHeads int) *BlockBuilder {
	if x.Rank() != 3 {
		exceptions.Panicf("swin.Block: input must be shaped [batch, height*width, dim], got %s", x.Shape())
	}
	return &BlockBuilder{
		ctx:             ctx,
		x:               x,
		geom:            geom,
		numHeads:        numHeads,
		mlpRatio:        DefaultMLPRatio,
		useQKVBias:      true,
		useRelativeBias: true,
	}
}

// HeadDim sets the per-head dimension of the window attention. A value <= 0 uses the input dimension.
func (b *BlockBuilder) HeadDim(headDim int) *BlockBuilder {
	b.headDim = headDim
	return b
}

// MLPRatio sets the hidden dimension of the MLP, as a multiple of the input dimension.
func (b *BlockBuilder) MLPRatio(ratio float64) *BlockBuilder {
	if ratio <= 0 {
		exceptions.Panicf("swin.Block: MLP ratio must be > 0, got %g", ratio)
	}
	b.mlpRatio = ratio
	return b
}

// Dropout sets the dropout rate of the attention output and of the MLP.
func (b *BlockBuilder) Dropout(rate float64) *BlockBuilder {
	b.dropoutRate = rate
	return b
}

// DropPath sets the probability of dropping each residual branch of an example during training.
func (b *BlockBuilder) DropPath(prob float64) *BlockBuilder {
	if prob < 0 || prob >= 1 {
		exceptions.Panicf("swin.Block: drop-path probability must be in [0, 1), got %g", prob)
	}
	b.dropPathProb = prob
	return b
}

// UseQKVBias defines whether the query/key/value projection has a bias term. Default is true.
func (b *BlockBuilder) UseQKVBias(useBias bool) *BlockBuilder {
	b.useQKVBias = useBias
	return b
}

// UseRelativeBias defines whether the window attention uses the learned relative position bias. Default is true.
func (b *BlockBuilder) UseRelativeBias(use bool) *BlockBuilder {
	b.useRelativeBias = use
	return b
}

// Done builds the block and returns the updated tokens, with the same shape as the input.
func (b *BlockBuilder) Done() *Node {
	ctx, x := b.ctx, b.x
	g := x.Graph()
	dim := x.Shape().Dimensions[2]

	h := layers.LayerNormalization(ctx.In("norm1"), x, -1).Epsilon(LayerNormEpsilon).Done()
	h = attention.WindowAttention(ctx, h, b.geom, b.numHeads).
		HeadDim(b.headDim).
		UseQKVBias(b.useQKVBias).
		UseRelativeBias(b.useRelativeBias).
		Dropout(b.dropoutRate).
		Mask(window.MaskNode(g, x.DType(), b.geom)).
		Done()
	x = Add(x, DropPath(ctx.In("drop_path_attention"), h, b.dropPathProb))

	h = layers.LayerNormalization(ctx.In("norm2"), x, -1).Epsilon(LayerNormEpsilon).Done()
	hiddenDim := max(1, int(float64(dim)*b.mlpRatio))
	h = MLP(ctx.In("mlp"), h, hiddenDim, dim, b.dropoutRate)
	x = Add(x, DropPath(ctx.In("drop_path_mlp"), h, b.dropPathProb))
	return x
}

// MLP is the feed-forward network of the Swin block: `Dense(hiddenDim) -> GELU -> Dropout -> Dense(outputDim) -> Dropout`.
func MLP(ctx *context.Context, x *Node, hiddenDim, outputDim int, dropoutRate float64) *Node {
	x = layers.Dense(ctx.In("fc1"), x, true, hiddenDim)
	x = activations.Gelu(x)
	x = dropout(ctx.In("dropout1"), x, dropoutRate)
	x = layers.Dense(ctx.In("fc2"), x, true, outputDim)
	return dropout(ctx.In("dropout2"), x, dropoutRate)
}

func dropout(ctx *context.Context, x *Node, rate float64) *Node {
	if rate <= 0 {
		return x
	}
	return layers.Dropout(ctx, x, Scalar(x.Graph(), x.DType(), rate))
}

// DropPath (stochastic depth) zeroes whole examples of x, shaped `[batch, ...]`, with probability prob,
// and scales the surviving ones by `1/(1-prob)`, so the expected value is preserved.
//
// It is the identity when not training or when prob is 0.
func DropPath(ctx *context.Context, x *Node, prob float64) *Node {
	g := x.Graph()
	if prob <= 0 || !ctx.IsTraining(g) {
		return x
	}
	x = layers.DropPath(ctx, x, Scalar(g, x.DType(), prob))
	return DivScalar(x, 1-prob)
}
