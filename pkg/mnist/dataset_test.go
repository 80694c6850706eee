// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"image"
	"image/color"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syntheticImages creates n images where every pixel of image i has value i.
func syntheticImages(n int) ([]Image, []Label) {
	images := make([]Image, n)
	labels := make([]Label, n)
	for ii := range images {
		for jj := range images[ii] {
			images[ii][jj] = byte(ii)
		}
		labels[ii] = Label(ii % NumClasses)
	}
	return images, labels
}

func gzipBytes(t *testing.T, header any, body []byte) []byte {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	require.NoError(t, binary.Write(w, binary.BigEndian, header))
	_, err := w.Write(body)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func imagesFileContent(t *testing.T, images []Image) []byte {
	var body []byte
	for _, img := range images {
		body = append(body, img[:]...)
	}
	return gzipBytes(t, imageFileHeader{Magic: imageMagic, NumImages: int32(len(images)), Height: Height, Width: Width}, body)
}

func labelsFileContent(t *testing.T, labels []Label) []byte {
	return gzipBytes(t, labelFileHeader{Magic: labelMagic, NumLabels: int32(len(labels))}, labels)
}

// writeSplit writes the images and labels files of the split to dir.
func writeSplit(t *testing.T, dir string, split Split, n int) {
	images, labels := syntheticImages(n)
	files := splitFiles[split]
	require.NoError(t, os.WriteFile(filepath.Join(dir, files[0]), imagesFileContent(t, images), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, files[1]), labelsFileContent(t, labels), 0644))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeSplit(t, dir, Train, 5)
	images, labels, err := Load(dir, Train)
	require.NoError(t, err)
	require.Len(t, images, 5)
	assert.Equal(t, []Label{0, 1, 2, 3, 4}, labels)
	assert.Equal(t, byte(3), images[3][100])

	_, _, err = Load(dir, Test)
	require.Error(t, err, "test files are missing")

	// Mismatched counts.
	images, _ = syntheticImages(3)
	require.NoError(t, os.WriteFile(filepath.Join(dir, splitFiles[Train][0]), imagesFileContent(t, images), 0644))
	_, _, err = Load(dir, Train)
	require.Error(t, err)
}

func TestLoadInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	badMagic := filepath.Join(dir, "bad_magic.gz")
	require.NoError(t, os.WriteFile(badMagic,
		gzipBytes(t, labelFileHeader{Magic: imageMagic, NumLabels: 1}, []byte{1}), 0644))
	_, err := LoadLabels(badMagic)
	require.Error(t, err)

	badSize := filepath.Join(dir, "bad_size.gz")
	require.NoError(t, os.WriteFile(badSize,
		gzipBytes(t, imageFileHeader{Magic: imageMagic, NumImages: 1, Height: 28, Width: 27}, make([]byte, 28*27)), 0644))
	_, err = LoadImages(badSize)
	require.Error(t, err)

	truncated := filepath.Join(dir, "truncated.gz")
	require.NoError(t, os.WriteFile(truncated,
		gzipBytes(t, imageFileHeader{Magic: imageMagic, NumImages: 2, Height: Height, Width: Width}, make([]byte, Width*Height)), 0644))
	_, err = LoadImages(truncated)
	require.Error(t, err)

	badLabel := filepath.Join(dir, "bad_label.gz")
	require.NoError(t, os.WriteFile(badLabel, labelsFileContent(t, []Label{3, 10}), 0644))
	_, err = LoadLabels(badLabel)
	require.Error(t, err)

	notGzip := filepath.Join(dir, "not_gzip.gz")
	require.NoError(t, os.WriteFile(notGzip, []byte("plain text"), 0644))
	_, err = LoadImages(notGzip)
	require.Error(t, err)
}

func TestDatasetYield(t *testing.T) {
	images, labels := syntheticImages(7)
	ds, err := NewDataset("test", images, labels, 3)
	require.NoError(t, err)
	assert.Equal(t, "test", ds.Name())
	assert.Equal(t, 7, ds.Size())

	var batchSizes []int
	var allLabels []int32
	for {
		spec, inputs, batchLabels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, ds, spec)
		require.Len(t, inputs, 1)
		require.Len(t, batchLabels, 1)
		batchSize := inputs[0].Shape().Dimensions[0]
		batchSizes = append(batchSizes, batchSize)
		assert.Equal(t, []int{batchSize, 1, Height, Width}, inputs[0].Shape().Dimensions)
		assert.Equal(t, []int{batchSize, 1}, batchLabels[0].Shape().Dimensions)
		allLabels = append(allLabels, tensors.MustCopyFlatData[int32](batchLabels[0])...)
	}
	assert.Equal(t, []int{3, 3, 1}, batchSizes)
	assert.Equal(t, []int32{0, 1, 2, 3, 4, 5, 6}, allLabels)

	// Still at the end until Reset.
	_, _, _, err = ds.Yield()
	assert.Equal(t, io.EOF, err)
	ds.Reset()
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	flat := tensors.MustCopyFlatData[float32](inputs[0])
	assert.InDelta(t, 0.0, flat[0], 1e-6)
	assert.InDelta(t, 1.0/255.0, flat[Width*Height], 1e-6)

	_, err = NewDataset("bad", images, labels[:3], 3)
	require.Error(t, err)
	_, err = NewDataset("bad", images, labels, 0)
	require.Error(t, err)
}

func TestDatasetShuffleInfinite(t *testing.T) {
	images, labels := syntheticImages(10)
	ds, err := NewDataset("shuffled", images, labels, 4)
	require.NoError(t, err)
	ds.Shuffle(rand.New(rand.NewSource(42))).Infinite(true)

	// Two full epochs: each one is a permutation of all examples.
	for range 2 {
		seen := make(map[int32]int)
		for range 3 {
			_, _, batchLabels, err := ds.Yield()
			require.NoError(t, err)
			for _, label := range tensors.MustCopyFlatData[int32](batchLabels[0]) {
				seen[label]++
			}
		}
		assert.Len(t, seen, 10)
	}

	empty, err := NewDataset("empty", nil, nil, 4)
	require.NoError(t, err)
	_, _, _, err = empty.Infinite(true).Yield()
	assert.Equal(t, io.EOF, err)
}

func TestFromImage(t *testing.T) {
	src := image.NewRGBA(image.Rect(10, 10, 10+Width, 10+Height))
	src.Set(12, 11, color.White)
	img, err := FromImage(src)
	require.NoError(t, err)
	assert.Equal(t, byte(255), img[1*Width+2])
	assert.Equal(t, byte(0), img[0])
	assert.Equal(t, color.Gray{Y: 255}, img.At(2, 1))
	assert.Equal(t, image.Rect(0, 0, Width, Height), img.Bounds())

	_, err = FromImage(image.NewGray(image.Rect(0, 0, 10, 10)))
	require.Error(t, err)
}

func TestSelect(t *testing.T) {
	assert.Equal(t, []string{"c", "a"}, Select([]string{"a", "b", "c"}, []int32{2, 0, 5, -1}))
}

func TestDownloadAndCreateDatasets(t *testing.T) {
	sourceDir := t.TempDir()
	writeSplit(t, sourceDir, Train, 6)
	writeSplit(t, sourceDir, Test, 4)
	server := httptest.NewServer(http.FileServer(http.Dir(sourceDir)))
	t.Cleanup(server.Close)

	dataDir := filepath.Join(t.TempDir(), "mnist")
	require.NoError(t, DownloadFrom(server.URL, dataDir, false))
	for _, split := range []Split{Train, Test} {
		for _, file := range splitFiles[split] {
			assert.FileExists(t, filepath.Join(dataDir, file))
		}
	}

	for _, parallel := range []bool{false, true} {
		trainDS, trainEvalDS, testEvalDS, err := CreateDatasets(&DatasetsConfiguration{
			DataDir:        dataDir,
			BatchSize:      4,
			EvalBatchSize:  5,
			UseParallelism: parallel,
			BufferSize:     2,
			Seed:           7,
		})
		require.NoError(t, err)
		if parallel {
			for _, ds := range []train.Dataset{trainDS, trainEvalDS, testEvalDS} {
				t.Cleanup(ds.(*datasets.ParallelDataset).Done)
			}
		}

		// Training dataset never ends.
		for range 5 {
			_, inputs, _, err := trainDS.Yield()
			require.NoError(t, err)
			dims := inputs[0].Shape().Dimensions
			assert.Contains(t, []int{2, 4}, dims[0], "6 examples in batches of 4")
			assert.Equal(t, []int{1, Height, Width}, dims[1:])
		}

		for _, eval := range []struct {
			ds   train.Dataset
			want int
		}{{trainEvalDS, 6}, {testEvalDS, 4}} {
			count := 0
			for {
				_, _, labels, err := eval.ds.Yield()
				if err == io.EOF {
					break
				}
				require.NoError(t, err)
				count += labels[0].Shape().Dimensions[0]
			}
			assert.Equal(t, eval.want, count, eval.ds.Name())
		}
	}

	_, _, _, err := CreateDatasets(&DatasetsConfiguration{DataDir: t.TempDir(), BatchSize: 1, EvalBatchSize: 1})
	require.Error(t, err)
}
