// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package posenc generates the static positional data used by the vision transformers:
// fixed 2D sine/cosine embeddings for patch grids, and relative position indices for
// windowed attention.
//
// Everything here is plain Go data, computed once from the geometry. Models feed it to
// the graph as constants, so it is never trainable and never saved in checkpoints.
package posenc

import (
	"math"

	"github.com/pkg/errors"
)

// Temperature is the base of the geometric progression of frequencies used by SinCos2D.
const Temperature = 10000.0

// SinCos2D returns fixed 2D sine/cosine positional embeddings for a height x width grid of
// patches, flattened in row-major order into a `[height*width, dim]` table.
//
// The embedding dimension is split in four equal parts:
// `[sin(row·ω), cos(row·ω), sin(col·ω), cos(col·ω)]`, with `ω_k = Temperature^(-k/(dim/4))`
// for `k` in `[0, dim/4)`. So dim must be a positive multiple of 4.
func SinCos2D(height, width, dim int) ([]float32, error) {
	if height <= 0 || width <= 0 {
		return nil, errors.Errorf("posenc.SinCos2D: invalid grid %dx%d", height, width)
	}
	if dim <= 0 || dim%4 != 0 {
		return nil, errors.Errorf("posenc.SinCos2D: embedding dimension must be a positive multiple of 4, got %d", dim)
	}
	quarter := dim / 4
	omega := make([]float64, quarter)
	for k := range omega {
		omega[k] = math.Pow(Temperature, -float64(k)/float64(quarter))
	}
	table := make([]float32, height*width*dim)
	for row := range height {
		for col := range width {
			embed := table[(row*width+col)*dim : (row*width+col+1)*dim]
			for k, w := range omega {
				embed[k] = float32(math.Sin(float64(row) * w))
				embed[quarter+k] = float32(math.Cos(float64(row) * w))
				embed[2*quarter+k] = float32(math.Sin(float64(col) * w))
				embed[3*quarter+k] = float32(math.Cos(float64(col) * w))
			}
		}
	}
	return table, nil
}

// RelativeTableSize is the number of rows of a relative position bias table for the given
// window: one row per possible (Δrow, Δcol) displacement.
func RelativeTableSize(windowH, windowW int) int {
	return (2*windowH - 1) * (2*windowW - 1)
}

// RelativePositionIndex returns the `[area, area]` table (flattened, with `area = windowH*windowW`)
// that maps each ordered pair `(i, j)` of in-window positions to the row of the relative position
// bias table holding their displacement.
//
// Positions are enumerated in row-major order within the window. For positions i=(hi, wi) and
// j=(hj, wj), the displacement `(hi-hj, wi-wj)` is shifted by `(windowH-1, windowW-1)` to be
// non-negative and linearized as `Δh*(2*windowW-1) + Δw`.
func RelativePositionIndex(windowH, windowW int) []int32 {
	area := windowH * windowW
	index := make([]int32, area*area)
	stride := 2*windowW - 1
	for i := range area {
		hi, wi := i/windowW, i%windowW
		for j := range area {
			hj, wj := j/windowW, j%windowW
			dh := hi - hj + windowH - 1
			dw := wi - wj + windowW - 1
			index[i*area+j] = int32(dh*stride + dw)
		}
	}
	return index
}

// RelativeOffsets decodes a relative position table row back into its displacement `(Δrow, Δcol)`,
// that is, the inverse of the linearization used by RelativePositionIndex.
func RelativeOffsets(row int32, windowH, windowW int) (dh, dw int) {
	stride := 2*windowW - 1
	dh = int(row)/stride - (windowH - 1)
	dw = int(row)%stride - (windowW - 1)
	return
}
