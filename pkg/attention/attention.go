// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package attention implements the multi-head self-attention layers used by the vision
// transformers:
//
//   - SelfAttention: fused query/key/value projection over the whole token sequence.
//   - ZoomSelfAttention: separate query, key and value projections, with a final projection
//     that concatenates the heads.
//   - WindowAttention: self-attention restricted to (optionally shifted) spatial windows, with a
//     learned relative position bias and the shifted-window mask.
//
// All of them take tokens shaped `[batch, numTokens, inputDim]` and return
// `[batch, numTokens, outputDim]`. Attention coefficients, when requested, are shaped
// `[batch, numHeads, numTokens(queries), numTokens(keys)]`.
package attention

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/pkg/errors"
)

// SoftmaxAxis selects which axis of the attention logits `[batch, heads, queries, keys]` is
// normalized by the softmax.
type SoftmaxAxis int

const (
	// SoftmaxOverHeads normalizes each (query, key) pair across the heads. It is the default.
	// Notice the resulting weights do not sum to 1 over the keys of a query.
	SoftmaxOverHeads SoftmaxAxis = iota

	// SoftmaxOverKeys normalizes the weights of each query over the keys, the usual attention.
	SoftmaxOverKeys
)

// String implements fmt.Stringer.
func (axis SoftmaxAxis) String() string {
	switch axis {
	case SoftmaxOverHeads:
		return "heads"
	case SoftmaxOverKeys:
		return "keys"
	default:
		return fmt.Sprintf("SoftmaxAxis(%d)", int(axis))
	}
}

// SoftmaxAxisFromString parses the values returned by SoftmaxAxis.String.
func SoftmaxAxisFromString(name string) (SoftmaxAxis, error) {
	switch name {
	case "heads":
		return SoftmaxOverHeads, nil
	case "keys":
		return SoftmaxOverKeys, nil
	}
	return 0, errors.Errorf("unknown softmax axis %q, valid values are \"heads\" or \"keys\"", name)
}

// logitsAxis returns the axis of the attention logits normalized by the softmax.
func (axis SoftmaxAxis) logitsAxis() int {
	if axis == SoftmaxOverHeads {
		return 1
	}
	return -1
}

// checkTokens panics if x is not a rank-3 `[batch, numTokens, dim]` tensor.
func checkTokens(layer string, x *Node) {
	if x.Rank() != 3 {
		exceptions.Panicf("%s: input must be shaped [batch, numTokens, dim], got %s", layer, x.Shape())
	}
}

// checkDropout panics if rate is not in [0, 1).
func checkDropout(layer string, rate float64) {
	if rate < 0 || rate >= 1 {
		exceptions.Panicf("%s: dropout rate must be in [0, 1), got %g", layer, rate)
	}
}

// projectQKV applies the fused query/key/value projection to x `[batch, numTokens, inputDim]`,
// and returns q, k and v shaped `[batch, numTokens, numHeads, headDim]`.
func projectQKV(ctx *context.Context, x *Node, numHeads, headDim int, useBias bool) (q, k, v *Node) {
	qkv := layers.Dense(ctx.In("qkv"), x, useBias, 3, numHeads, headDim)
	q = Squeeze(SliceAxis(qkv, 2, AxisElem(0)), 2)
	k = Squeeze(SliceAxis(qkv, 2, AxisElem(1)), 2)
	v = Squeeze(SliceAxis(qkv, 2, AxisElem(2)), 2)
	return
}

// scaledLogits returns `scale * <q_i, k_j>` shaped `[batch, numHeads, queries, keys]`.
func scaledLogits(q, k *Node, scale float64) *Node {
	return MulScalar(Einsum("bihd,bjhd->bhij", q, k), scale)
}

// attend returns the coefficient-weighted sum of the values, with the heads concatenated:
// coefficients `[batch, numHeads, queries, keys]` and v `[batch, keys, numHeads, valueDim]`
// give `[batch, queries, numHeads*valueDim]`.
func attend(coefficients, v *Node) *Node {
	output := Einsum("bhij,bjhd->bihd", coefficients, v)
	dims := output.Shape().Dimensions
	return Reshape(output, dims[0], dims[1], dims[2]*dims[3])
}

// project applies the final output projection and the optional dropout.
func project(ctx *context.Context, x *Node, outputDim int, dropoutRate float64) *Node {
	x = layers.Dense(ctx.In("output"), x, true, outputDim)
	if dropoutRate > 0 {
		x = layers.Dropout(ctx, x, Scalar(x.Graph(), x.DType(), dropoutRate))
	}
	return x
}
