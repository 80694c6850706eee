// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package vit implements the plain Vision Transformer (ViT) image classifier.
//
// Images are split into non-overlapping patches, each flattened and linearly projected to a token.
// A 2D positional encoding (fixed sin/cos or learned) is added, the tokens go through a stack of
// encoder blocks (see EncoderBlock), and the sequence is reduced to a single vector with a learned
// linear combination of the tokens, which is normalized and projected to the class logits.
//
// The model can be configured programmatically (New and the With* methods) or from context
// hyperparameters (NewFromContext, see the Param* keys).
package vit

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/vitswin/pkg/attention"
	"github.com/gomlx/vitswin/pkg/posenc"
	"github.com/pkg/errors"
)

// Hyperparameter keys for context configuration.
const (
	// ParamNumClasses is the number of output classes (logits). It is shared with the other models.
	ParamNumClasses = "num_classes"

	ParamPatchSize        = "vit_patch_size"
	ParamEmbedDim         = "vit_embed_dim"
	ParamNumHeads         = "vit_num_heads"
	ParamNumBlocks        = "vit_num_blocks"
	ParamHeadDim          = "vit_head_dim"
	ParamFFNDim           = "vit_ffn_dim"
	ParamDropout          = "vit_dropout"
	ParamLearnedPositions = "vit_learned_positions"
	ParamNormPlacement    = "vit_norm_placement"
	ParamSoftmaxAxis      = "vit_softmax_axis"
	ParamAttention        = "vit_attention"
	ParamQKVBias          = "vit_qkv_bias"
)

const (
	// DefaultFFNDim is the default hidden dimension of the encoder blocks feed-forward network.
	DefaultFFNDim = 16

	// LayerNormEpsilon is the epsilon used by all layer normalizations of the model.
	LayerNormEpsilon = 1e-5

	// LearnedPositionsStdDev is the standard deviation of the initial values of learned positional embeddings.
	LearnedPositionsStdDev = 1.0
)

// Model configures a ViT classifier.
type Model struct {
	NumClasses       int                       // Number of output logits.
	PatchH, PatchW   int                       // Patch size: image dimensions must be divisible by it.
	EmbedDim         int                       // Token dimension.
	NumHeads         int                       // Attention heads per block.
	NumBlocks        int                       // Number of encoder blocks.
	HeadDim          int                       // Per-head dimension, 0 uses EmbedDim.
	FFNDim           int                       // Feed-forward hidden dimension.
	Dropout          float64                   // Dropout rate (0.0 = none).
	LearnedPositions bool                      // Learned positional embeddings instead of fixed sin/cos.
	NormPlacement    NormPlacement             // Layer normalization placement in the encoder blocks.
	SoftmaxAxis      attention.SoftmaxAxis     // Softmax axis of the plain attention.
	Attention        AttentionKind             // Self-attention variant.
	UseQKVBias       bool                      // Bias in the attention projections.
	ChannelsAxis     images.ChannelsAxisConfig // Layout of the input images.
}

// New creates a ViT configuration with the defaults used to train on MNIST:
// 1x1 patches, 16 dimensions, 4 heads, 6 blocks.
func New(numClasses int) *Model {
	return &Model{
		NumClasses:   numClasses,
		PatchH:       1,
		PatchW:       1,
		EmbedDim:     16,
		NumHeads:     4,
		NumBlocks:    6,
		FFNDim:       DefaultFFNDim,
		UseQKVBias:   true,
		ChannelsAxis: images.ChannelsFirst,
	}
}

// NewFromContext creates a ViT configured from context hyperparameters, see FromContext.
// The number of classes is read from ParamNumClasses, with default 10.
func NewFromContext(ctx *context.Context) *Model {
	return New(context.GetParamOr(ctx, ParamNumClasses, 10)).FromContext(ctx)
}

// FromContext configures the model with the hyperparameters set in the context:
//   - vit_patch_size (default: 1)
//   - vit_embed_dim (default: 16)
//   - vit_num_heads (default: 4)
//   - vit_num_blocks (default: 6)
//   - vit_head_dim (default: 0, the embedding dimension)
//   - vit_ffn_dim (default: 16)
//   - vit_dropout (default: 0.0)
//   - vit_learned_positions (default: false)
//   - vit_norm_placement (default: "pre"), or "post"
//   - vit_softmax_axis (default: "heads"), or "keys"
//   - vit_attention (default: "plain"), or "zoom"
//   - vit_qkv_bias (default: true)
//
// It panics on invalid values.
func (m *Model) FromContext(ctx *context.Context) *Model {
	if patchSize := context.GetParamOr(ctx, ParamPatchSize, 0); patchSize > 0 {
		m.PatchH, m.PatchW = patchSize, patchSize
	}
	m.EmbedDim = context.GetParamOr(ctx, ParamEmbedDim, m.EmbedDim)
	m.NumHeads = context.GetParamOr(ctx, ParamNumHeads, m.NumHeads)
	m.NumBlocks = context.GetParamOr(ctx, ParamNumBlocks, m.NumBlocks)
	m.HeadDim = context.GetParamOr(ctx, ParamHeadDim, m.HeadDim)
	m.FFNDim = context.GetParamOr(ctx, ParamFFNDim, m.FFNDim)
	m.Dropout = context.GetParamOr(ctx, ParamDropout, m.Dropout)
	m.LearnedPositions = context.GetParamOr(ctx, ParamLearnedPositions, m.LearnedPositions)
	m.UseQKVBias = context.GetParamOr(ctx, ParamQKVBias, m.UseQKVBias)

	var err error
	if m.NormPlacement, err = NormPlacementFromString(
		context.GetParamOr(ctx, ParamNormPlacement, m.NormPlacement.String())); err != nil {
		panic(errors.WithMessagef(err, "invalid hyperparameter %q", ParamNormPlacement))
	}
	if m.SoftmaxAxis, err = attention.SoftmaxAxisFromString(
		context.GetParamOr(ctx, ParamSoftmaxAxis, m.SoftmaxAxis.String())); err != nil {
		panic(errors.WithMessagef(err, "invalid hyperparameter %q", ParamSoftmaxAxis))
	}
	if m.Attention, err = AttentionKindFromString(
		context.GetParamOr(ctx, ParamAttention, m.Attention.String())); err != nil {
		panic(errors.WithMessagef(err, "invalid hyperparameter %q", ParamAttention))
	}
	return m
}

// WithPatchSize sets the patch height and width.
func (m *Model) WithPatchSize(height, width int) *Model {
	m.PatchH, m.PatchW = height, width
	return m
}

// WithEmbedDim sets the token dimension.
func (m *Model) WithEmbedDim(dim int) *Model {
	m.EmbedDim = dim
	return m
}

// WithHeads sets the number of attention heads and, if > 0, the per-head dimension.
func (m *Model) WithHeads(numHeads, headDim int) *Model {
	m.NumHeads = numHeads
	if headDim > 0 {
		m.HeadDim = headDim
	}
	return m
}

// WithNumBlocks sets the number of encoder blocks.
func (m *Model) WithNumBlocks(numBlocks int) *Model {
	m.NumBlocks = numBlocks
	return m
}

// WithFFNDim sets the feed-forward hidden dimension.
func (m *Model) WithFFNDim(dim int) *Model {
	m.FFNDim = dim
	return m
}

// WithDropout sets the dropout rate.
func (m *Model) WithDropout(rate float64) *Model {
	m.Dropout = rate
	return m
}

// WithLearnedPositions selects learned positional embeddings (true) or the fixed sin/cos table (false).
func (m *Model) WithLearnedPositions(learned bool) *Model {
	m.LearnedPositions = learned
	return m
}

// WithNormPlacement sets the layer normalization placement of the encoder blocks.
func (m *Model) WithNormPlacement(placement NormPlacement) *Model {
	m.NormPlacement = placement
	return m
}

// WithSoftmaxAxis sets the softmax axis of the plain attention.
func (m *Model) WithSoftmaxAxis(axis attention.SoftmaxAxis) *Model {
	m.SoftmaxAxis = axis
	return m
}

// WithAttention selects the self-attention variant.
func (m *Model) WithAttention(kind AttentionKind) *Model {
	m.Attention = kind
	return m
}

// WithChannelsAxis sets the layout of the input images. Default is images.ChannelsFirst.
func (m *Model) WithChannelsAxis(config images.ChannelsAxisConfig) *Model {
	m.ChannelsAxis = config
	return m
}

// Validate checks the configuration against the shape of the input images.
func (m *Model) Validate(imagesShape shapes.Shape) error {
	if imagesShape.Rank() != 4 {
		return errors.Errorf("ViT requires images shaped [batch, channels, height, width] (or channels last), got %s", imagesShape)
	}
	if m.NumClasses <= 0 || m.EmbedDim <= 0 || m.NumHeads <= 0 || m.NumBlocks < 0 || m.FFNDim <= 0 {
		return errors.Errorf("ViT requires positive NumClasses (%d), EmbedDim (%d), NumHeads (%d) and FFNDim (%d), and NumBlocks >= 0 (%d)",
			m.NumClasses, m.EmbedDim, m.NumHeads, m.FFNDim, m.NumBlocks)
	}
	if m.Dropout < 0 || m.Dropout >= 1 {
		return errors.Errorf("ViT dropout must be in [0, 1), got %g", m.Dropout)
	}
	height, width := imagesShape.Dimensions[2], imagesShape.Dimensions[3]
	if m.ChannelsAxis == images.ChannelsLast {
		height, width = imagesShape.Dimensions[1], imagesShape.Dimensions[2]
	}
	if m.PatchH <= 0 || m.PatchW <= 0 || height%m.PatchH != 0 || width%m.PatchW != 0 {
		return errors.Errorf("ViT image size %dx%d is not divisible by the patch size %dx%d",
			height, width, m.PatchH, m.PatchW)
	}
	if !m.LearnedPositions && m.EmbedDim%4 != 0 {
		return errors.Errorf("ViT fixed sin/cos positional encoding requires EmbedDim divisible by 4, got %d", m.EmbedDim)
	}
	return nil
}

// Build the ViT graph for the given images and returns the logits shaped `[batch, NumClasses]`.
// It panics if the configuration is invalid for the images, see Validate.
func (m *Model) Build(ctx *context.Context, x *Node) *Node {
	if err := m.Validate(x.Shape()); err != nil {
		panic(err)
	}
	if m.ChannelsAxis == images.ChannelsLast {
		x = TransposeAllAxes(x, 0, 3, 1, 2)
	}
	batchSize := x.Shape().Dimensions[0]
	numRows, numCols := x.Shape().Dimensions[2]/m.PatchH, x.Shape().Dimensions[3]/m.PatchW

	x = Patchify(ctx.In("patch_embedding"), x, m.PatchH, m.PatchW, m.EmbedDim)
	x = Add(x, BroadcastToShape(m.positions(ctx, x.Graph(), numRows, numCols, x.DType()), x.Shape()))

	for block := range m.NumBlocks {
		x = EncoderBlock(ctx.In(fmt.Sprintf("encoder_%d", block)), x, m.NumHeads).
			HeadDim(m.HeadDim).
			FFNDim(m.FFNDim).
			Dropout(m.Dropout).
			NormPlacement(m.NormPlacement).
			SoftmaxAxis(m.SoftmaxAxis).
			Attention(m.Attention).
			UseQKVBias(m.UseQKVBias).
			Done()
	}

	// Learned linear combination of the tokens: [batch, numTokens, embedDim] -> [batch, embedDim].
	x = TransposeAllAxes(x, 0, 2, 1)
	x = layers.Dense(ctx.In("token_reduction"), x, true, 1)
	x = Reshape(x, batchSize, m.EmbedDim)

	x = layers.LayerNormalization(ctx.In("head_norm"), x, -1).Epsilon(LayerNormEpsilon).Done()
	logits := layers.Dense(ctx.In("classifier"), x, true, m.NumClasses)
	logits.AssertDims(batchSize, m.NumClasses)
	return logits
}

// positions returns the positional encoding shaped `[1, numRows*numCols, EmbedDim]`.
func (m *Model) positions(ctx *context.Context, g *Graph, numRows, numCols int, dtype dtypes.DType) *Node {
	numTokens := numRows * numCols
	if m.LearnedPositions {
		ctx = ctx.In("positions")
		return ctx.WithInitializer(initializers.RandomNormalFn(ctx, LearnedPositionsStdDev)).
			VariableWithShape("embeddings", shapes.Make(dtype, 1, numTokens, m.EmbedDim)).
			ValueGraph(g)
	}
	table, err := posenc.SinCos2D(numRows, numCols, m.EmbedDim)
	if err != nil {
		panic(err)
	}
	pos := Reshape(Const(g, table), 1, numTokens, m.EmbedDim)
	return ConvertDType(pos, dtype)
}

// Patchify splits images `[batch, channels, height, width]` in non-overlapping patchH x patchW patches,
// and linearly projects each flattened patch (pixels in row-major order, channels innermost) to embedDim.
// It returns the tokens `[batch, numPatches, embedDim]`, with the patches in row-major order.
func Patchify(ctx *context.Context, x *Node, patchH, patchW, embedDim int) *Node {
	dims := x.Shape().Dimensions
	batchSize, channels, height, width := dims[0], dims[1], dims[2], dims[3]
	if height%patchH != 0 || width%patchW != 0 {
		exceptions.Panicf("Patchify: image size %dx%d is not divisible by patch size %dx%d", height, width, patchH, patchW)
	}
	numRows, numCols := height/patchH, width/patchW
	x = Reshape(x, batchSize, channels, numRows, patchH, numCols, patchW)
	x = TransposeAllAxes(x, 0, 2, 4, 3, 5, 1)
	x = Reshape(x, batchSize, numRows*numCols, patchH*patchW*channels)
	return layers.Dense(ctx, x, true, embedDim)
}

// ModelGraph implements train.ModelFn: it builds a ViT configured from the context hyperparameters
// for the images in inputs[0], and returns the logits.
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec // Not used.
	return []*Node{NewFromContext(ctx).Build(ctx, inputs[0])}
}
