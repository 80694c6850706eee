// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package window implements the windowing used by Swin-style attention: the validated
// Geometry of a stage, the (optionally cyclically shifted) partition of a token grid into
// non-overlapping windows and its exact inverse, and the additive masks that keep shifted
// windows from attending across the original image borders.
package window

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/pkg/errors"
)

// Geometry describes how a `height x width` token grid is tiled by `windowH x windowW` windows,
// after a cyclic shift of `(shiftH, shiftW)` tokens.
//
// Create it with NewGeometry, which validates it: windows must evenly tile the grid, and shifts
// must be smaller than the window.
type Geometry struct {
	Height, Width    int
	WindowH, WindowW int
	ShiftH, ShiftW   int
}

// NewGeometry returns a validated Geometry, or an error if the windows don't evenly tile the grid
// or if the shift is not within `[0, window)` on each axis.
func NewGeometry(height, width, windowH, windowW, shiftH, shiftW int) (Geometry, error) {
	geom := Geometry{
		Height: height, Width: width,
		WindowH: windowH, WindowW: windowW,
		ShiftH: shiftH, ShiftW: shiftW,
	}
	return geom, geom.Validate()
}

// NewSquare is a shortcut to NewGeometry for square grids, windows and shifts.
func NewSquare(size, windowSize, shift int) (Geometry, error) {
	return NewGeometry(size, size, windowSize, windowSize, shift, shift)
}

// Validate returns an error if the geometry is not usable.
func (geom Geometry) Validate() error {
	if geom.Height <= 0 || geom.Width <= 0 {
		return errors.Errorf("window: invalid grid size %dx%d", geom.Height, geom.Width)
	}
	if geom.WindowH <= 0 || geom.WindowW <= 0 {
		return errors.Errorf("window: invalid window size %dx%d", geom.WindowH, geom.WindowW)
	}
	if geom.Height%geom.WindowH != 0 || geom.Width%geom.WindowW != 0 {
		return errors.Errorf("window: grid %dx%d is not evenly divisible by window %dx%d",
			geom.Height, geom.Width, geom.WindowH, geom.WindowW)
	}
	if geom.ShiftH < 0 || geom.ShiftH >= geom.WindowH || geom.ShiftW < 0 || geom.ShiftW >= geom.WindowW {
		return errors.Errorf("window: shift (%d, %d) must be in [0, window) for window %dx%d",
			geom.ShiftH, geom.ShiftW, geom.WindowH, geom.WindowW)
	}
	return nil
}

// Shifted returns whether the geometry has a non-zero cyclic shift on any axis.
func (geom Geometry) Shifted() bool {
	return geom.ShiftH > 0 || geom.ShiftW > 0
}

// Area is the number of tokens in one window.
func (geom Geometry) Area() int {
	return geom.WindowH * geom.WindowW
}

// NumWindows is the number of windows tiling the grid.
func (geom Geometry) NumWindows() int {
	return (geom.Height / geom.WindowH) * (geom.Width / geom.WindowW)
}

// NumTokens is the number of tokens in the grid.
func (geom Geometry) NumTokens() int {
	return geom.Height * geom.Width
}

// Unshifted returns a copy of the geometry without the cyclic shift.
func (geom Geometry) Unshifted() Geometry {
	geom.ShiftH, geom.ShiftW = 0, 0
	return geom
}

// Roll cyclically shifts x by shift positions along axis: `output[i] = x[(i - shift) mod n]`.
// Negative shifts roll towards the start.
func Roll(x *Node, axis, shift int) *Node {
	if axis < 0 {
		axis += x.Rank()
	}
	n := x.Shape().Dimensions[axis]
	shift %= n
	if shift < 0 {
		shift += n
	}
	if shift == 0 {
		return x
	}
	tail := SliceAxis(x, axis, AxisRange(n-shift))
	head := SliceAxis(x, axis, AxisRange(0, n-shift))
	return Concatenate([]*Node{tail, head}, axis)
}

// checkTokens panics if x is not shaped `[batch, height*width, channels]` for the geometry.
func (geom Geometry) checkTokens(x *Node) {
	if x.Rank() != 3 || x.Shape().Dimensions[1] != geom.NumTokens() {
		exceptions.Panicf("window: tokens must be shaped [batch, %d, channels] for a %dx%d grid, got %s",
			geom.NumTokens(), geom.Height, geom.Width, x.Shape())
	}
}

// Partition rearranges tokens shaped `[batch, height*width, channels]` (row-major grid) into windows
// shaped `[batch*numWindows, windowH*windowW, channels]`.
//
// If the geometry is shifted, the grid is first cyclically rolled by `(-shiftH, -shiftW)`.
// Windows are enumerated in row-major order, and so are the tokens within each window.
func Partition(x *Node, geom Geometry) *Node {
	geom.checkTokens(x)
	batchSize, channels := x.Shape().Dimensions[0], x.Shape().Dimensions[2]
	x = Reshape(x, batchSize, geom.Height, geom.Width, channels)
	if geom.Shifted() {
		x = Roll(x, 1, -geom.ShiftH)
		x = Roll(x, 2, -geom.ShiftW)
	}
	x = Reshape(x, batchSize, geom.Height/geom.WindowH, geom.WindowH, geom.Width/geom.WindowW, geom.WindowW, channels)
	x = TransposeAllAxes(x, 0, 1, 3, 2, 4, 5)
	return Reshape(x, batchSize*geom.NumWindows(), geom.Area(), channels)
}

// Reconstitute is the exact inverse of Partition: it takes windows shaped
// `[batch*numWindows, windowH*windowW, channels]` and returns tokens shaped
// `[batch, height*width, channels]`, undoing the cyclic shift if there is one.
func Reconstitute(windows *Node, geom Geometry) *Node {
	dims := windows.Shape().Dimensions
	numWindows := geom.NumWindows()
	if windows.Rank() != 3 || dims[1] != geom.Area() || dims[0]%numWindows != 0 {
		exceptions.Panicf("window: windows must be shaped [batch*%d, %d, channels], got %s",
			numWindows, geom.Area(), windows.Shape())
	}
	batchSize, channels := dims[0]/numWindows, dims[2]
	x := Reshape(windows, batchSize, geom.Height/geom.WindowH, geom.Width/geom.WindowW, geom.WindowH, geom.WindowW, channels)
	x = TransposeAllAxes(x, 0, 1, 3, 2, 4, 5)
	x = Reshape(x, batchSize, geom.Height, geom.Width, channels)
	if geom.Shifted() {
		x = Roll(x, 1, geom.ShiftH)
		x = Roll(x, 2, geom.ShiftW)
	}
	return Reshape(x, batchSize, geom.NumTokens(), channels)
}

// PartitionOrder returns, for each slot of the partitioned layout (window-major, then row-major
// within the window), the flat row-major index of the grid token that Partition places there.
//
// It is the Go-side mirror of Partition, used to partition static per-token data.
func PartitionOrder(geom Geometry) []int {
	order := make([]int, 0, geom.NumTokens())
	for wRow := range geom.Height / geom.WindowH {
		for wCol := range geom.Width / geom.WindowW {
			for r := range geom.WindowH {
				for c := range geom.WindowW {
					row := (wRow*geom.WindowH + r + geom.ShiftH) % geom.Height
					col := (wCol*geom.WindowW + c + geom.ShiftW) % geom.Width
					order = append(order, row*geom.Width+col)
				}
			}
		}
	}
	return order
}
