// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package swin

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// PatchEmbedding converts images to tokens with a convolution whose kernel and stride are the patch size:
// each non-overlapping patch becomes one token of embedDim dimensions.
//
// The images are shaped `[batch, channels, height, width]` for images.ChannelsFirst, or
// `[batch, height, width, channels]` for images.ChannelsLast. The output is shaped
// `[batch, (height/patchSize)*(width/patchSize), embedDim]`, with the patches in row-major order.
func PatchEmbedding(ctx *context.Context, x *Node, patchSize, embedDim int, config images.ChannelsAxisConfig) *Node {
	if x.Rank() != 4 {
		exceptions.Panicf("PatchEmbedding: images must have rank 4, got %s", x.Shape())
	}
	if config == images.ChannelsFirst {
		x = TransposeAllAxes(x, 0, 2, 3, 1)
	}
	dims := x.Shape().Dimensions
	if patchSize <= 0 || dims[1]%patchSize != 0 || dims[2]%patchSize != 0 {
		exceptions.Panicf("PatchEmbedding: image size %dx%d is not divisible by the patch size %d",
			dims[1], dims[2], patchSize)
	}
	x = layers.Convolution(ctx, x).
		Channels(embedDim).
		KernelSize(patchSize).
		Strides(patchSize).
		NoPadding().
		ChannelsAxis(images.ChannelsLast).
		Done()
	dims = x.Shape().Dimensions
	return Reshape(x, dims[0], dims[1]*dims[2], dims[3])
}

// PatchMerging pools tokens of a `height x width` grid, shaped `[batch, height*width, channels]`,
// merging each `factor x factor` neighbourhood into one token of outputDim dimensions with a
// convolution whose kernel and stride are factor.
//
// It returns `[batch, (height/factor)*(width/factor), outputDim]`. Between Swin stages it is
// used with factor 2 and twice the channels, halving the resolution and doubling the depth.
func PatchMerging(ctx *context.Context, x *Node, height, width, factor, outputDim int) *Node {
	if x.Rank() != 3 || x.Shape().Dimensions[1] != height*width {
		exceptions.Panicf("PatchMerging: tokens must be shaped [batch, %d*%d, channels], got %s", height, width, x.Shape())
	}
	if factor <= 0 || height%factor != 0 || width%factor != 0 {
		exceptions.Panicf("PatchMerging: grid %dx%d is not divisible by the merging factor %d", height, width, factor)
	}
	batchSize, channels := x.Shape().Dimensions[0], x.Shape().Dimensions[2]
	x = Reshape(x, batchSize, height, width, channels)
	x = layers.Convolution(ctx, x).
		Channels(outputDim).
		KernelSize(factor).
		Strides(factor).
		NoPadding().
		ChannelsAxis(images.ChannelsLast).
		Done()
	return Reshape(x, batchSize, (height/factor)*(width/factor), outputDim)
}
