// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// SelfAttentionBuilder configures a plain multi-head self-attention layer.
// Create it with SelfAttention, set the desired options, and call Done.
type SelfAttentionBuilder struct {
	ctx         *context.Context
	x           *Node
	numHeads    int
	headDim     int
	outputDim   int
	scale       float64
	useQKVBias  bool
	dropoutRate float64
	softmaxAxis SoftmaxAxis
}

// SelfAttention creates a multi-head self-attention layer over x, shaped `[batch, numTokens, inputDim]`.
//
// A single fused projection produces the queries, keys and values of every head, each with
// headDim dimensions. Attention logits are `scale * <q_i, k_j>` (scale defaults to `headDim^-0.5`),
// normalized by a softmax along the axis selected with NormalizeOver, and used to weight the
// values. Heads are concatenated and projected to outputDim, followed by optional dropout.
//
// Defaults: headDim = outputDim = inputDim, qkv bias enabled, no dropout, SoftmaxOverHeads.
func SelfAttention(ctx *context.Context, x *Node, numHeads int) *SelfAttentionBuilder {
	checkTokens("SelfAttention", x)
	if numHeads <= 0 {
		exceptions.Panicf("SelfAttention: numHeads must be > 0, got %d", numHeads)
	}
	inputDim := x.Shape().Dimensions[2]
	return &SelfAttentionBuilder{
		ctx:         ctx.In("self_attention"),
		x:           x,
		numHeads:    numHeads,
		headDim:     inputDim,
		outputDim:   inputDim,
		useQKVBias:  true,
		softmaxAxis: SoftmaxOverHeads,
	}
}

// HeadDim sets the dimension of the query, key and value projections of each head.
// A value <= 0 keeps the default (the input dimension).
func (b *SelfAttentionBuilder) HeadDim(headDim int) *SelfAttentionBuilder {
	if headDim > 0 {
		b.headDim = headDim
	}
	return b
}

// OutputDim sets the output dimension. A value <= 0 keeps the default (the input dimension).
func (b *SelfAttentionBuilder) OutputDim(outputDim int) *SelfAttentionBuilder {
	if outputDim > 0 {
		b.outputDim = outputDim
	}
	return b
}

// Scale overrides the scale applied to the attention logits. A value <= 0 keeps the default `headDim^-0.5`.
func (b *SelfAttentionBuilder) Scale(scale float64) *SelfAttentionBuilder {
	b.scale = scale
	return b
}

// UseQKVBias defines whether the fused query/key/value projection has a bias term. Default is true.
func (b *SelfAttentionBuilder) UseQKVBias(useBias bool) *SelfAttentionBuilder {
	b.useQKVBias = useBias
	return b
}

// Dropout sets the dropout rate applied to the output projection. Default is 0.
func (b *SelfAttentionBuilder) Dropout(rate float64) *SelfAttentionBuilder {
	checkDropout("SelfAttention", rate)
	b.dropoutRate = rate
	return b
}

// NormalizeOver selects the axis normalized by the softmax. Default is SoftmaxOverHeads.
func (b *SelfAttentionBuilder) NormalizeOver(axis SoftmaxAxis) *SelfAttentionBuilder {
	b.softmaxAxis = axis
	return b
}

// DoneWithCoefficients builds the layer and returns its output `[batch, numTokens, outputDim]` and the
// attention coefficients `[batch, numHeads, numTokens, numTokens]`.
func (b *SelfAttentionBuilder) DoneWithCoefficients() (output, coefficients *Node) {
	scale := b.scale
	if scale <= 0 {
		scale = 1.0 / math.Sqrt(float64(b.headDim))
	}
	q, k, v := projectQKV(b.ctx, b.x, b.numHeads, b.headDim, b.useQKVBias)
	logits := scaledLogits(q, k, scale)
	coefficients = Softmax(logits, b.softmaxAxis.logitsAxis())
	output = project(b.ctx, attend(coefficients, v), b.outputDim, b.dropoutRate)
	return
}

// Done builds the layer and returns its output `[batch, numTokens, outputDim]`.
func (b *SelfAttentionBuilder) Done() *Node {
	output, _ := b.DoneWithCoefficients()
	return output
}
