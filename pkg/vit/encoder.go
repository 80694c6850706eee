// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vit

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/vitswin/pkg/attention"
	"github.com/pkg/errors"
)

// NormPlacement defines where the layer normalization of an encoder block is applied.
type NormPlacement int

const (
	// PreNorm normalizes the input of each sublayer: `x + f(LN(x))`.
	PreNorm NormPlacement = iota

	// PostNorm normalizes the output of each sublayer before the residual connection: `x + LN(f(x))`.
	PostNorm
)

// String implements fmt.Stringer.
func (p NormPlacement) String() string {
	switch p {
	case PreNorm:
		return "pre"
	case PostNorm:
		return "post"
	default:
		return fmt.Sprintf("NormPlacement(%d)", int(p))
	}
}

// NormPlacementFromString parses the values returned by NormPlacement.String.
func NormPlacementFromString(name string) (NormPlacement, error) {
	switch name {
	case "pre":
		return PreNorm, nil
	case "post":
		return PostNorm, nil
	}
	return 0, errors.Errorf("unknown norm placement %q, valid values are \"pre\" or \"post\"", name)
}

// AttentionKind selects the self-attention variant used by the encoder blocks.
type AttentionKind int

const (
	// PlainAttention uses attention.SelfAttention, with a fused query/key/value projection.
	PlainAttention AttentionKind = iota

	// ZoomAttention uses attention.ZoomSelfAttention.
	ZoomAttention
)

// String implements fmt.Stringer.
func (k AttentionKind) String() string {
	switch k {
	case PlainAttention:
		return "plain"
	case ZoomAttention:
		return "zoom"
	default:
		return fmt.Sprintf("AttentionKind(%d)", int(k))
	}
}

// AttentionKindFromString parses the values returned by AttentionKind.String.
func AttentionKindFromString(name string) (AttentionKind, error) {
	switch name {
	case "plain":
		return PlainAttention, nil
	case "zoom":
		return ZoomAttention, nil
	}
	return 0, errors.Errorf("unknown attention kind %q, valid values are \"plain\" or \"zoom\"", name)
}

// EncoderBlockBuilder configures one transformer encoder block. Create it with EncoderBlock.
type EncoderBlockBuilder struct {
	ctx           *context.Context
	x             *Node
	numHeads      int
	headDim       int
	ffnDim        int
	dropoutRate   float64
	normPlacement NormPlacement
	softmaxAxis   attention.SoftmaxAxis
	kind          AttentionKind
	useQKVBias    bool
}

// EncoderBlock creates a transformer encoder block over the tokens x, shaped `[batch, numTokens, embedDim]`.
//
// It has two sublayers, each wrapped by a residual connection: multi-head self-attention, and
// a feed-forward network `Dense(ffnDim) -> GELU -> Dense(embedDim)`. The layer normalization
// runs over the tokens and features axes, and is placed according to NormPlacement.
//
// Defaults: ffnDim=16, headDim=embedDim, PreNorm, attention.SoftmaxOverHeads, PlainAttention, qkv bias, no dropout.
func EncoderBlock(ctx *context.Context, x *Node, numHeads int) *EncoderBlockBuilder {
	if x.Rank() != 3 {
		exceptions.Panicf("EncoderBlock: input must be shaped [batch, numTokens, embedDim], got %s", x.Shape())
	}
	return &EncoderBlockBuilder{
		ctx:        ctx,
		x:          x,
		numHeads:   numHeads,
		ffnDim:     DefaultFFNDim,
		useQKVBias: true,
	}
}

// HeadDim sets the per-head dimension of the attention. A value <= 0 uses the embedding dimension.
func (b *EncoderBlockBuilder) HeadDim(headDim int) *EncoderBlockBuilder {
	b.headDim = headDim
	return b
}

// FFNDim sets the hidden dimension of the feed-forward network.
func (b *EncoderBlockBuilder) FFNDim(ffnDim int) *EncoderBlockBuilder {
	if ffnDim <= 0 {
		exceptions.Panicf("EncoderBlock: ffnDim must be > 0, got %d", ffnDim)
	}
	b.ffnDim = ffnDim
	return b
}

// Dropout sets the dropout rate of the attention output and of the feed-forward hidden layer.
func (b *EncoderBlockBuilder) Dropout(rate float64) *EncoderBlockBuilder {
	b.dropoutRate = rate
	return b
}

// NormPlacement sets where the layer normalization is applied. Default is PreNorm.
func (b *EncoderBlockBuilder) NormPlacement(placement NormPlacement) *EncoderBlockBuilder {
	b.normPlacement = placement
	return b
}

// SoftmaxAxis sets the softmax axis of the plain attention. It is ignored by ZoomAttention.
func (b *EncoderBlockBuilder) SoftmaxAxis(axis attention.SoftmaxAxis) *EncoderBlockBuilder {
	b.softmaxAxis = axis
	return b
}

// Attention selects the self-attention variant. Default is PlainAttention.
func (b *EncoderBlockBuilder) Attention(kind AttentionKind) *EncoderBlockBuilder {
	b.kind = kind
	return b
}

// UseQKVBias defines whether the attention projections have a bias term. Default is true.
func (b *EncoderBlockBuilder) UseQKVBias(useBias bool) *EncoderBlockBuilder {
	b.useQKVBias = useBias
	return b
}

// Done builds the block and returns the updated tokens, with the same shape as the input.
func (b *EncoderBlockBuilder) Done() *Node {
	x := b.x
	x = b.residual(b.ctx.In("norm1"), x, b.attention)
	x = b.residual(b.ctx.In("norm2"), x, b.feedForward)
	return x
}

// residual applies `x + sublayer(...)` with the layer normalization in the configured placement.
func (b *EncoderBlockBuilder) residual(normCtx *context.Context, x *Node, sublayer func(x *Node) *Node) *Node {
	if b.normPlacement == PostNorm {
		return Add(x, b.normalize(normCtx, sublayer(x)))
	}
	return Add(x, sublayer(b.normalize(normCtx, x)))
}

// normalize normalizes over the tokens and features axes.
func (b *EncoderBlockBuilder) normalize(ctx *context.Context, x *Node) *Node {
	return layers.LayerNormalization(ctx, x, 1, 2).Epsilon(LayerNormEpsilon).Done()
}

func (b *EncoderBlockBuilder) attention(x *Node) *Node {
	embedDim := x.Shape().Dimensions[2]
	if b.kind == ZoomAttention {
		return attention.ZoomSelfAttention(b.ctx, x, b.numHeads).
			InnerDim(b.headDim).
			OutputDim(embedDim).
			UseQKVBias(b.useQKVBias).
			Dropout(b.dropoutRate).
			Done()
	}
	return attention.SelfAttention(b.ctx, x, b.numHeads).
		HeadDim(b.headDim).
		OutputDim(embedDim).
		UseQKVBias(b.useQKVBias).
		Dropout(b.dropoutRate).
		NormalizeOver(b.softmaxAxis).
		Done()
}

func (b *EncoderBlockBuilder) feedForward(x *Node) *Node {
	embedDim := x.Shape().Dimensions[2]
	ff := layers.Dense(b.ctx.In("ff1"), x, true, b.ffnDim)
	ff = activations.Gelu(ff)
	if b.dropoutRate > 0 {
		ff = layers.Dropout(b.ctx.In("ff_dropout"), ff, Scalar(ff.Graph(), ff.DType(), b.dropoutRate))
	}
	return layers.Dense(b.ctx.In("ff2"), ff, true, embedDim)
}
