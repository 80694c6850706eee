// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// ZoomSelfAttentionBuilder configures the "zoom" variant of multi-head self-attention.
// Create it with ZoomSelfAttention, set the desired options, and call Done.
type ZoomSelfAttentionBuilder struct {
	ctx         *context.Context
	x           *Node
	numHeads    int
	innerDim    int
	outputDim   int
	useQKVBias  bool
	dropoutRate float64
}

// ZoomSelfAttention creates the "zoom" variant of multi-head self-attention over x,
// shaped `[batch, numTokens, inputDim]`.
//
// Queries and keys have separate projections to innerDim per head, and values are projected
// directly to outputDim per head. Logits are scaled by `innerDim^-0.5` and normalized over the keys.
// The heads (each already outputDim wide) are concatenated and projected back to outputDim.
//
// Defaults: innerDim = outputDim = inputDim, qkv bias enabled, no dropout.
func ZoomSelfAttention(ctx *context.Context, x *Node, numHeads int) *ZoomSelfAttentionBuilder {
	checkTokens("ZoomSelfAttention", x)
	if numHeads <= 0 {
		exceptions.Panicf("ZoomSelfAttention: numHeads must be > 0, got %d", numHeads)
	}
	inputDim := x.Shape().Dimensions[2]
	return &ZoomSelfAttentionBuilder{
		ctx:        ctx.In("zoom_attention"),
		x:          x,
		numHeads:   numHeads,
		innerDim:   inputDim,
		outputDim:  inputDim,
		useQKVBias: true,
	}
}

// InnerDim sets the per-head dimension of the query and key projections.
// A value <= 0 keeps the default (the input dimension).
func (b *ZoomSelfAttentionBuilder) InnerDim(innerDim int) *ZoomSelfAttentionBuilder {
	if innerDim > 0 {
		b.innerDim = innerDim
	}
	return b
}

// OutputDim sets the output dimension, which is also the per-head value dimension.
// A value <= 0 keeps the default (the input dimension).
func (b *ZoomSelfAttentionBuilder) OutputDim(outputDim int) *ZoomSelfAttentionBuilder {
	if outputDim > 0 {
		b.outputDim = outputDim
	}
	return b
}

// UseQKVBias defines whether the query, key and value projections have a bias term. Default is true.
func (b *ZoomSelfAttentionBuilder) UseQKVBias(useBias bool) *ZoomSelfAttentionBuilder {
	b.useQKVBias = useBias
	return b
}

// Dropout sets the dropout rate applied to the output, only during training.
func (b *ZoomSelfAttentionBuilder) Dropout(rate float64) *ZoomSelfAttentionBuilder {
	checkDropout("ZoomSelfAttention", rate)
	b.dropoutRate = rate
	return b
}

// DoneWithCoefficients builds the layer and returns its output `[batch, numTokens, outputDim]` and the
// attention coefficients `[batch, numHeads, numTokens, numTokens]`.
func (b *ZoomSelfAttentionBuilder) DoneWithCoefficients() (output, coefficients *Node) {
	q := layers.Dense(b.ctx.In("query"), b.x, b.useQKVBias, b.numHeads, b.innerDim)
	k := layers.Dense(b.ctx.In("key"), b.x, b.useQKVBias, b.numHeads, b.innerDim)
	v := layers.Dense(b.ctx.In("value"), b.x, b.useQKVBias, b.numHeads, b.outputDim)
	logits := scaledLogits(q, k, 1.0/math.Sqrt(float64(b.innerDim)))
	coefficients = Softmax(logits, -1)
	output = layers.Dense(b.ctx.In("concat"), attend(coefficients, v), true, b.outputDim)
	if b.dropoutRate > 0 {
		output = layers.Dropout(b.ctx.In("dropout"), output, Scalar(output.Graph(), output.DType(), b.dropoutRate))
	}
	return
}

// Done builds the layer and returns its output `[batch, numTokens, outputDim]`.
func (b *ZoomSelfAttentionBuilder) Done() *Node {
	output, _ := b.DoneWithCoefficients()
	return output
}
