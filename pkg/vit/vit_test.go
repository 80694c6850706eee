// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vit

import (
	"math"
	"math/rand"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/vitswin/pkg/attention"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func randomImages(seed int64, dims ...int) *tensors.Tensor {
	rng := rand.New(rand.NewSource(seed))
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	flat := make([]float32, size)
	for ii := range flat {
		flat[ii] = rng.Float32()
	}
	return tensors.FromFlatDataAndDimensions(flat, dims...)
}

func TestViTMNISTShape(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	model := New(10).WithNumBlocks(2)
	logits := context.MustExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return model.Build(ctx, x)
	}, randomImages(1, 8, 1, 28, 28))
	assert.Equal(t, []int{8, 10}, logits.Shape().Dimensions)
	for _, v := range tensors.MustCopyFlatData[float32](logits) {
		assert.False(t, math.IsNaN(float64(v)))
	}

	// Layer normalization of the blocks runs over tokens and features.
	gain := ctx.InspectVariable("/encoder_0/norm1/layer_normalization", "gain")
	require.NotNil(t, gain)
	assert.Equal(t, []int{28 * 28, 16}, gain.Shape().Dimensions)
	assert.NotNil(t, ctx.InspectVariable("/encoder_1/self_attention/qkv/dense", "weights"))
	assert.Nil(t, ctx.InspectVariable("/encoder_2/self_attention/qkv/dense", "weights"))
	tokenReduction := ctx.InspectVariable("/token_reduction/dense", "weights")
	require.NotNil(t, tokenReduction)
	assert.Equal(t, []int{28 * 28, 1}, tokenReduction.Shape().Dimensions)
}

func TestViTVariants(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model := New(5).
		WithPatchSize(2, 4).
		WithEmbedDim(6).
		WithHeads(3, 2).
		WithNumBlocks(2).
		WithFFNDim(8).
		WithDropout(0.1).
		WithLearnedPositions(true).
		WithNormPlacement(PostNorm).
		WithAttention(ZoomAttention).
		WithChannelsAxis(images.ChannelsLast)
	ctx := context.New()
	logits := context.MustExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return model.Build(ctx, x)
	}, randomImages(2, 2, 8, 8, 3))
	assert.Equal(t, []int{2, 5}, logits.Shape().Dimensions)

	positions := ctx.InspectVariable("/positions", "embeddings")
	require.NotNil(t, positions)
	assert.Equal(t, []int{1, 4 * 2, 6}, positions.Shape().Dimensions)
	patch := ctx.InspectVariable("/patch_embedding/dense", "weights")
	require.NotNil(t, patch)
	assert.Equal(t, []int{2 * 4 * 3, 6}, patch.Shape().Dimensions)
	assert.NotNil(t, ctx.InspectVariable("/encoder_0/zoom_attention/query/dense", "weights"))
}

func TestViTLearnedPositionsInitialSeed(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model := New(3).WithPatchSize(4, 4).WithEmbedDim(4).WithHeads(1, 0).WithNumBlocks(0).WithLearnedPositions(true)
	initialPositions := func(seed int64) []float32 {
		ctx := context.New()
		ctx.SetParam(initializers.ParamInitialSeed, seed)
		_ = context.MustExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
			return model.Build(ctx, x)
		}, randomImages(3, 1, 1, 8, 8))
		positions := ctx.InspectVariable("/positions", "embeddings")
		require.NotNil(t, positions)
		return tensors.MustCopyFlatData[float32](positions.MustValue())
	}
	assert.NotEqual(t, initialPositions(1), initialPositions(2))
}

func TestViTSoftmaxOverKeys(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	model := New(3).WithEmbedDim(8).WithNumBlocks(1).WithSoftmaxAxis(attention.SoftmaxOverKeys)
	logits := context.MustExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return model.Build(ctx, x)
	}, randomImages(3, 4, 2, 4, 4))
	assert.Equal(t, []int{4, 3}, logits.Shape().Dimensions)
}

func TestViTValidate(t *testing.T) {
	imagesShape := shapes.Make(dtypes.Float32, 8, 1, 28, 28)
	require.NoError(t, New(10).Validate(imagesShape))
	require.NoError(t, New(10).WithPatchSize(7, 4).Validate(imagesShape))
	require.Error(t, New(10).WithPatchSize(3, 3).Validate(imagesShape))
	require.Error(t, New(10).Validate(shapes.Make(dtypes.Float32, 28, 28)))
	require.Error(t, New(10).WithEmbedDim(6).Validate(imagesShape))
	require.NoError(t, New(10).WithEmbedDim(6).WithLearnedPositions(true).Validate(imagesShape))
	require.Error(t, New(0).Validate(imagesShape))
	require.Error(t, New(10).WithDropout(1.0).Validate(imagesShape))
	channelsLast := shapes.Make(dtypes.Float32, 8, 28, 28, 1)
	require.NoError(t, New(10).WithChannelsAxis(images.ChannelsLast).WithPatchSize(2, 2).Validate(channelsLast))
	require.Error(t, New(10).WithChannelsAxis(images.ChannelsLast).WithPatchSize(3, 3).Validate(channelsLast))

	backend := graphtest.BuildTestBackend()
	assert.Panics(t, func() {
		_ = context.MustExecOnce(backend, context.New(), func(ctx *context.Context, x *Node) *Node {
			return New(10).WithPatchSize(3, 3).Build(ctx, x)
		}, randomImages(0, 1, 1, 28, 28))
	})
}

func TestViTFromContext(t *testing.T) {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamNumClasses:       7,
		ParamPatchSize:        4,
		ParamEmbedDim:         32,
		ParamNumHeads:         8,
		ParamNumBlocks:        3,
		ParamHeadDim:          4,
		ParamFFNDim:           64,
		ParamDropout:          0.2,
		ParamLearnedPositions: true,
		ParamNormPlacement:    "post",
		ParamSoftmaxAxis:      "keys",
		ParamAttention:        "zoom",
		ParamQKVBias:          false,
	})
	model := NewFromContext(ctx)
	assert.Equal(t, 7, model.NumClasses)
	assert.Equal(t, 4, model.PatchH)
	assert.Equal(t, 4, model.PatchW)
	assert.Equal(t, 32, model.EmbedDim)
	assert.Equal(t, 8, model.NumHeads)
	assert.Equal(t, 3, model.NumBlocks)
	assert.Equal(t, 4, model.HeadDim)
	assert.Equal(t, 64, model.FFNDim)
	assert.Equal(t, 0.2, model.Dropout)
	assert.True(t, model.LearnedPositions)
	assert.Equal(t, PostNorm, model.NormPlacement)
	assert.Equal(t, attention.SoftmaxOverKeys, model.SoftmaxAxis)
	assert.Equal(t, ZoomAttention, model.Attention)
	assert.False(t, model.UseQKVBias)

	// Defaults.
	model = NewFromContext(context.New())
	assert.Equal(t, 10, model.NumClasses)
	assert.Equal(t, PreNorm, model.NormPlacement)
	assert.Equal(t, attention.SoftmaxOverHeads, model.SoftmaxAxis)
	assert.Equal(t, PlainAttention, model.Attention)

	ctx = context.New()
	ctx.SetParam(ParamNormPlacement, "middle")
	assert.Panics(t, func() { NewFromContext(ctx) })
}

func TestEnumsFromString(t *testing.T) {
	for _, p := range []NormPlacement{PreNorm, PostNorm} {
		parsed, err := NormPlacementFromString(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, parsed)
	}
	for _, k := range []AttentionKind{PlainAttention, ZoomAttention} {
		parsed, err := AttentionKindFromString(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
	_, err := AttentionKindFromString("window")
	require.Error(t, err)
}

func TestPatchify(t *testing.T) {
	// Identity projection exposes the order of the pixels within each token.
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	identity := make([][]float32, 4)
	for ii := range identity {
		identity[ii] = make([]float32, 4)
		identity[ii][ii] = 1
	}
	denseCtx := ctx.In("patch").In("dense")
	denseCtx.VariableWithValue("weights", identity)
	denseCtx.VariableWithValue("biases", []float32{0, 0, 0, 0})

	pixels := make([]float32, 16)
	for ii := range pixels {
		pixels[ii] = float32(ii)
	}
	tokens := context.MustExecOnce(backend, ctx.Reuse(), func(ctx *context.Context, x *Node) *Node {
		return Patchify(ctx.In("patch"), x, 2, 2, 4)
	}, tensors.FromFlatDataAndDimensions(pixels, 1, 1, 4, 4))
	assert.Equal(t, [][][]float32{{
		{0, 1, 4, 5},
		{2, 3, 6, 7},
		{8, 9, 12, 13},
		{10, 11, 14, 15},
	}}, tokens.Value())
}

func TestEncoderBlock(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, placement := range []NormPlacement{PreNorm, PostNorm} {
		ctx := context.New()
		output := context.MustExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
			return EncoderBlock(ctx.In("encoder"), x, 2).HeadDim(3).FFNDim(5).NormPlacement(placement).Done()
		}, randomImages(4, 3, 6, 4))
		assert.Equal(t, []int{3, 6, 4}, output.Shape().Dimensions, "placement=%s", placement)
		ff1 := ctx.InspectVariable("/encoder/ff1/dense", "weights")
		require.NotNil(t, ff1)
		assert.Equal(t, []int{4, 5}, ff1.Shape().Dimensions)
		gain := ctx.InspectVariable("/encoder/norm2/layer_normalization", "gain")
		require.NotNil(t, gain)
		assert.Equal(t, []int{6, 4}, gain.Shape().Dimensions)
	}
}
