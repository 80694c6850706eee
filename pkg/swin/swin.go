// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package swin implements a Swin (shifted windows) transformer image classifier.
//
// Images are converted to tokens with a strided convolution (PatchEmbedding), and then go through
// a sequence of stages. Each stage is a stack of Block (window attention + MLP), alternating
// non-shifted and shifted windows, and consecutive stages are separated by a PatchMerging that
// halves the grid resolution and doubles the channels. The classifier head normalizes the tokens,
// averages them and projects to the class logits.
package swin

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/vitswin/pkg/posenc"
	"github.com/gomlx/vitswin/pkg/window"
	"github.com/pkg/errors"
)

// Hyperparameter keys for context configuration.
const (
	// ParamNumClasses is the number of output classes (logits). It is shared with the other models.
	ParamNumClasses = "num_classes"

	ParamPatchSize         = "swin_patch_size"
	ParamEmbedDim          = "swin_embed_dim"
	ParamNumStages         = "swin_num_stages"
	ParamDepth             = "swin_depth"
	ParamNumHeads          = "swin_num_heads"
	ParamWindowSize        = "swin_window_size"
	ParamMLPRatio          = "swin_mlp_ratio"
	ParamDropout           = "swin_dropout"
	ParamDropPath          = "swin_drop_path"
	ParamQKVBias           = "swin_qkv_bias"
	ParamAbsolutePositions = "swin_absolute_positions"
)

const (
	// DefaultMLPRatio is the default ratio of the MLP hidden dimension to the block dimension.
	DefaultMLPRatio = 4.0

	// LayerNormEpsilon is the epsilon used by all layer normalizations of the model.
	LayerNormEpsilon = 1e-5
)

// Model configures a Swin classifier.
type Model struct {
	NumClasses        int                       // Number of output logits.
	PatchSize         int                       // Patch size of the embedding convolution.
	EmbedDim          int                       // Channels of the first stage, doubled at every following stage.
	NumStages         int                       // Number of stages.
	Depth             int                       // Blocks per stage.
	NumHeads          int                       // Heads of the first stage, doubled at every following stage.
	WindowSize        int                       // Window size, clamped to the grid of each stage.
	MLPRatio          float64                   // MLP hidden dimension as a multiple of the block dimension.
	Dropout           float64                   // Dropout rate of attention output and MLP.
	DropPath          float64                   // Drop-path probability of each residual branch.
	UseQKVBias        bool                      // Bias in the query/key/value projection.
	AbsolutePositions bool                      // Add the fixed sin/cos positional encoding after the patch embedding.
	ChannelsAxis      images.ChannelsAxisConfig // Layout of the input images.
}

// Stage describes the grid and blocks of one Swin stage.
type Stage struct {
	Height, Width int               // Grid of tokens.
	Dim           int               // Token dimension.
	NumHeads      int               // Attention heads.
	Blocks        []window.Geometry // Windows of each block, alternating non-shifted and shifted.
}

// New creates a Swin configuration with defaults sized for MNIST (28x28 images):
// patch 2, 32 channels, 2 stages of 2 blocks, 2 heads, window 7, drop-path 0.1.
func New(numClasses int) *Model {
	return &Model{
		NumClasses:   numClasses,
		PatchSize:    2,
		EmbedDim:     32,
		NumStages:    2,
		Depth:        2,
		NumHeads:     2,
		WindowSize:   7,
		MLPRatio:     DefaultMLPRatio,
		DropPath:     0.1,
		UseQKVBias:   true,
		ChannelsAxis: images.ChannelsFirst,
	}
}

// NewFromContext creates a Swin model configured from context hyperparameters, see FromContext.
// The number of classes is read from ParamNumClasses, with default 10.
func NewFromContext(ctx *context.Context) *Model {
	return New(context.GetParamOr(ctx, ParamNumClasses, 10)).FromContext(ctx)
}

// FromContext configures the model with the hyperparameters set in the context:
//   - swin_patch_size (default: 2)
//   - swin_embed_dim (default: 32)
//   - swin_num_stages (default: 2)
//   - swin_depth (default: 2)
//   - swin_num_heads (default: 2)
//   - swin_window_size (default: 7)
//   - swin_mlp_ratio (default: 4.0)
//   - swin_dropout (default: 0.0)
//   - swin_drop_path (default: 0.1)
//   - swin_qkv_bias (default: true)
//   - swin_absolute_positions (default: false)
func (m *Model) FromContext(ctx *context.Context) *Model {
	m.PatchSize = context.GetParamOr(ctx, ParamPatchSize, m.PatchSize)
	m.EmbedDim = context.GetParamOr(ctx, ParamEmbedDim, m.EmbedDim)
	m.NumStages = context.GetParamOr(ctx, ParamNumStages, m.NumStages)
	m.Depth = context.GetParamOr(ctx, ParamDepth, m.Depth)
	m.NumHeads = context.GetParamOr(ctx, ParamNumHeads, m.NumHeads)
	m.WindowSize = context.GetParamOr(ctx, ParamWindowSize, m.WindowSize)
	m.MLPRatio = context.GetParamOr(ctx, ParamMLPRatio, m.MLPRatio)
	m.Dropout = context.GetParamOr(ctx, ParamDropout, m.Dropout)
	m.DropPath = context.GetParamOr(ctx, ParamDropPath, m.DropPath)
	m.UseQKVBias = context.GetParamOr(ctx, ParamQKVBias, m.UseQKVBias)
	m.AbsolutePositions = context.GetParamOr(ctx, ParamAbsolutePositions, m.AbsolutePositions)
	return m
}

// WithPatchSize sets the patch size of the embedding.
func (m *Model) WithPatchSize(patchSize int) *Model {
	m.PatchSize = patchSize
	return m
}

// WithEmbedDim sets the channels of the first stage.
func (m *Model) WithEmbedDim(dim int) *Model {
	m.EmbedDim = dim
	return m
}

// WithStages sets the number of stages and blocks per stage.
func (m *Model) WithStages(numStages, depth int) *Model {
	m.NumStages, m.Depth = numStages, depth
	return m
}

// WithHeads sets the number of heads of the first stage.
func (m *Model) WithHeads(numHeads int) *Model {
	m.NumHeads = numHeads
	return m
}

// WithWindowSize sets the window size.
func (m *Model) WithWindowSize(windowSize int) *Model {
	m.WindowSize = windowSize
	return m
}

// WithDropout sets the dropout rate.
func (m *Model) WithDropout(rate float64) *Model {
	m.Dropout = rate
	return m
}

// WithDropPath sets the drop-path probability.
func (m *Model) WithDropPath(prob float64) *Model {
	m.DropPath = prob
	return m
}

// WithAbsolutePositions enables adding the fixed sin/cos positional encoding to the embedded patches.
func (m *Model) WithAbsolutePositions(enabled bool) *Model {
	m.AbsolutePositions = enabled
	return m
}

// WithChannelsAxis sets the layout of the input images. Default is images.ChannelsFirst.
func (m *Model) WithChannelsAxis(config images.ChannelsAxisConfig) *Model {
	m.ChannelsAxis = config
	return m
}

// Stages returns the layout of the stages for images of the given size, or an error if the
// configuration can't be used with it.
//
// The window is clamped to the grid of each stage. If a stage grid fits in a single window, its
// blocks are not shifted, otherwise odd blocks are shifted by half a window.
func (m *Model) Stages(height, width int) ([]Stage, error) {
	if m.NumClasses <= 0 || m.EmbedDim <= 0 || m.NumStages <= 0 || m.Depth <= 0 || m.NumHeads <= 0 || m.WindowSize <= 0 {
		return nil, errors.Errorf("Swin requires positive NumClasses (%d), EmbedDim (%d), NumStages (%d), Depth (%d), NumHeads (%d) and WindowSize (%d)",
			m.NumClasses, m.EmbedDim, m.NumStages, m.Depth, m.NumHeads, m.WindowSize)
	}
	if m.MLPRatio <= 0 {
		return nil, errors.Errorf("Swin MLPRatio must be > 0, got %g", m.MLPRatio)
	}
	if m.Dropout < 0 || m.Dropout >= 1 || m.DropPath < 0 || m.DropPath >= 1 {
		return nil, errors.Errorf("Swin Dropout (%g) and DropPath (%g) must be in [0, 1)", m.Dropout, m.DropPath)
	}
	if m.PatchSize <= 0 || height%m.PatchSize != 0 || width%m.PatchSize != 0 {
		return nil, errors.Errorf("Swin image size %dx%d is not divisible by the patch size %d", height, width, m.PatchSize)
	}
	if m.AbsolutePositions && m.EmbedDim%4 != 0 {
		return nil, errors.Errorf("Swin absolute positions require EmbedDim divisible by 4, got %d", m.EmbedDim)
	}

	stages := make([]Stage, m.NumStages)
	gridH, gridW := height/m.PatchSize, width/m.PatchSize
	dim, numHeads := m.EmbedDim, m.NumHeads
	for s := range stages {
		if s > 0 {
			if gridH%2 != 0 || gridW%2 != 0 {
				return nil, errors.Errorf("Swin stage %d can't merge patches of a %dx%d grid, it must be even", s, gridH, gridW)
			}
			gridH, gridW = gridH/2, gridW/2
			dim, numHeads = 2*dim, 2*numHeads
		}
		windowH, windowW := min(m.WindowSize, gridH), min(m.WindowSize, gridW)
		stage := Stage{Height: gridH, Width: gridW, Dim: dim, NumHeads: numHeads}
		for block := range m.Depth {
			var shiftH, shiftW int
			if block%2 == 1 {
				if gridH > windowH {
					shiftH = windowH / 2
				}
				if gridW > windowW {
					shiftW = windowW / 2
				}
			}
			geom, err := window.NewGeometry(gridH, gridW, windowH, windowW, shiftH, shiftW)
			if err != nil {
				return nil, errors.WithMessagef(err, "Swin stage %d, block %d", s, block)
			}
			stage.Blocks = append(stage.Blocks, geom)
		}
		stages[s] = stage
	}
	return stages, nil
}

// Validate checks the configuration against the shape of the input images.
func (m *Model) Validate(imagesShape shapes.Shape) error {
	if imagesShape.Rank() != 4 {
		return errors.Errorf("Swin requires images shaped [batch, channels, height, width] (or channels last), got %s", imagesShape)
	}
	height, width := imageSize(imagesShape, m.ChannelsAxis)
	_, err := m.Stages(height, width)
	return err
}

func imageSize(imagesShape shapes.Shape, config images.ChannelsAxisConfig) (height, width int) {
	if config == images.ChannelsLast {
		return imagesShape.Dimensions[1], imagesShape.Dimensions[2]
	}
	return imagesShape.Dimensions[2], imagesShape.Dimensions[3]
}

// Build the Swin graph for the given images and returns the logits shaped `[batch, NumClasses]`.
// It panics if the configuration is invalid for the images, see Validate.
func (m *Model) Build(ctx *context.Context, x *Node) *Node {
	if err := m.Validate(x.Shape()); err != nil {
		panic(err)
	}
	batchSize := x.Shape().Dimensions[0]
	stages, _ := m.Stages(imageSize(x.Shape(), m.ChannelsAxis))

	x = PatchEmbedding(ctx.In("patch_embedding"), x, m.PatchSize, m.EmbedDim, m.ChannelsAxis)
	if m.AbsolutePositions {
		table, err := posenc.SinCos2D(stages[0].Height, stages[0].Width, m.EmbedDim)
		if err != nil {
			panic(err)
		}
		pos := ConvertDType(Reshape(Const(x.Graph(), table), 1, stages[0].Height*stages[0].Width, m.EmbedDim), x.DType())
		x = Add(x, BroadcastToShape(pos, x.Shape()))
	}

	for s, stage := range stages {
		stageCtx := ctx.In(fmt.Sprintf("stage_%d", s))
		if s > 0 {
			prev := stages[s-1]
			x = PatchMerging(stageCtx.In("merging"), x, prev.Height, prev.Width, 2, stage.Dim)
		}
		for b, geom := range stage.Blocks {
			x = Block(stageCtx.In(fmt.Sprintf("block_%d", b)), x, geom, stage.NumHeads).
				MLPRatio(m.MLPRatio).
				Dropout(m.Dropout).
				DropPath(m.DropPath).
				UseQKVBias(m.UseQKVBias).
				Done()
		}
	}

	x = layers.LayerNormalization(ctx.In("head_norm"), x, -1).Epsilon(LayerNormEpsilon).Done()
	x = ReduceMean(x, 1)
	logits := layers.Dense(ctx.In("classifier"), x, true, m.NumClasses)
	logits.AssertDims(batchSize, m.NumClasses)
	return logits
}

// ModelGraph implements train.ModelFn: it builds a Swin model configured from the context hyperparameters
// for the images in inputs[0], and returns the logits.
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec // Not used.
	return []*Node{NewFromContext(ctx).Build(ctx, inputs[0])}
}
