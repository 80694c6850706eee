// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mnist loads the MNIST database of handwritten digits and serves it as a train.Dataset.
//
// Images are yielded channels-first, shaped `[batch, 1, 28, 28]` as float32 scaled to [0, 1], and labels
// as int32 shaped `[batch, 1]`, the format expected by losses.SparseCategoricalCrossEntropyLogits.
package mnist

import (
	"compress/gzip"
	"encoding/binary"
	"image"
	"image/color"
	"io"
	"math/rand"
	"net/url"
	"os"
	"path"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/vitswin/internal/downloader"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
	"k8s.io/klog/v2"
)

const (
	// DownloadURL is the default location of the MNIST files.
	DownloadURL = "https://storage.googleapis.com/cvdf-datasets/mnist"

	// Width and Height of the MNIST images.
	Width, Height = 28, 28

	// NumClasses is the number of digits.
	NumClasses = 10

	imageMagic = 0x00000803
	labelMagic = 0x00000801
)

// Split selects the MNIST train (60K examples) or test (10K examples) files.
type Split int

const (
	Train Split = iota
	Test
)

var splitFiles = map[Split][2]string{
	Train: {"train-images-idx3-ubyte.gz", "train-labels-idx1-ubyte.gz"},
	Test:  {"t10k-images-idx3-ubyte.gz", "t10k-labels-idx1-ubyte.gz"},
}

// String implements fmt.Stringer.
func (s Split) String() string {
	switch s {
	case Train:
		return "train"
	case Test:
		return "test"
	default:
		return "invalid"
	}
}

// Image is a MNIST image: one byte per pixel, row-major.
// 0 is black (the background) and 255 is white (the digit color).
type Image [Width * Height]byte

// Label is the digit of an image, from 0 to 9.
type Label = uint8

var (
	_ image.Image   = Image{}
	_ train.Dataset = (*Dataset)(nil)
)

// ColorModel implements image.Image.
func (img Image) ColorModel() color.Model { return color.GrayModel }

// Bounds implements image.Image.
func (img Image) Bounds() image.Rectangle { return image.Rect(0, 0, Width, Height) }

// At implements image.Image.
func (img Image) At(x, y int) color.Color { return color.Gray{Y: img[y*Width+x]} }

// Set modifies the pixel at (x, y).
func (img *Image) Set(x, y int, v byte) { img[y*Width+x] = v }

// FromImage converts any 28x28 image to a MNIST Image, using its gray level.
func FromImage(src image.Image) (img Image, err error) {
	bounds := src.Bounds()
	if bounds.Dx() != Width || bounds.Dy() != Height {
		return img, errors.Errorf("mnist: image must be %dx%d, got %dx%d", Width, Height, bounds.Dx(), bounds.Dy())
	}
	for y := range Height {
		for x := range Width {
			gray := color.GrayModel.Convert(src.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray)
			img.Set(x, y, gray.Y)
		}
	}
	return img, nil
}

// Download the MNIST files to baseDir from DownloadURL, if they are not there yet.
func Download(baseDir string, showProgressBar bool) error {
	return DownloadFrom(DownloadURL, baseDir, showProgressBar)
}

// DownloadFrom downloads the MNIST files to baseDir from baseURL, if they are not there yet.
func DownloadFrom(baseURL, baseDir string, showProgressBar bool) error {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	for _, split := range []Split{Train, Test} {
		for _, file := range splitFiles[split] {
			fileURL, err := url.JoinPath(baseURL, file)
			if err != nil {
				return errors.Wrapf(err, "invalid MNIST url %q", baseURL)
			}
			if err = downloader.DownloadIfMissing(fileURL, path.Join(baseDir, file), "", showProgressBar); err != nil {
				return errors.WithMessagef(err, "downloading MNIST %s files", split)
			}
		}
	}
	return nil
}

// Load reads the images and labels of the split from baseDir.
func Load(baseDir string, split Split) (images []Image, labels []Label, err error) {
	files, found := splitFiles[split]
	if !found {
		return nil, nil, errors.Errorf("mnist: invalid split %d", split)
	}
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	images, err = LoadImages(path.Join(baseDir, files[0]))
	if err != nil {
		return
	}
	labels, err = LoadLabels(path.Join(baseDir, files[1]))
	if err != nil {
		return
	}
	if len(images) != len(labels) {
		return nil, nil, errors.Errorf("mnist %s: %d images but %d labels", split, len(images), len(labels))
	}
	klog.V(1).Infof("loaded %d MNIST %s examples from %q", len(images), split, baseDir)
	return
}

type imageFileHeader struct {
	Magic     int32
	NumImages int32
	Height    int32
	Width     int32
}

type labelFileHeader struct {
	Magic     int32
	NumLabels int32
}

// openGzip opens a gzip file and returns the uncompressed reader and a function to close everything.
func openGzip(filePath string) (io.Reader, func(), error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open %q", filePath)
	}
	reader, err := gzip.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, errors.Wrapf(err, "failed to read gzip file %q", filePath)
	}
	return reader, func() {
		_ = reader.Close()
		_ = f.Close()
	}, nil
}

// LoadImages parses a gzipped idx3 file of MNIST images.
func LoadImages(filePath string) ([]Image, error) {
	reader, closeFn, err := openGzip(filePath)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	var header imageFileHeader
	if err = binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "failed to read header of %q", filePath)
	}
	if header.Magic != imageMagic || header.Width != Width || header.Height != Height || header.NumImages < 0 {
		return nil, errors.Errorf("invalid MNIST images file %q: magic=0x%x, %d images of %dx%d",
			filePath, header.Magic, header.NumImages, header.Width, header.Height)
	}
	images := make([]Image, header.NumImages)
	for ii := range images {
		if _, err = io.ReadFull(reader, images[ii][:]); err != nil {
			return nil, errors.Wrapf(err, "failed to read image #%d of %d from %q", ii, header.NumImages, filePath)
		}
	}
	return images, nil
}

// LoadLabels parses a gzipped idx1 file of MNIST labels.
func LoadLabels(filePath string) ([]Label, error) {
	reader, closeFn, err := openGzip(filePath)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	var header labelFileHeader
	if err = binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "failed to read header of %q", filePath)
	}
	if header.Magic != labelMagic || header.NumLabels < 0 {
		return nil, errors.Errorf("invalid MNIST labels file %q: magic=0x%x, %d labels",
			filePath, header.Magic, header.NumLabels)
	}
	labels := make([]Label, header.NumLabels)
	if _, err = io.ReadFull(reader, labels); err != nil {
		return nil, errors.Wrapf(err, "failed to read %d labels from %q", header.NumLabels, filePath)
	}
	for ii, label := range labels {
		if label >= NumClasses {
			return nil, errors.Errorf("invalid label %d for example #%d in %q", label, ii, filePath)
		}
	}
	return labels, nil
}

// Dataset implements train.Dataset over in-memory MNIST images, yielding batches of images and labels.
// It is safe for concurrent use.
type Dataset struct {
	name      string
	images    []Image
	labels    []Label
	batchSize int

	mu       sync.Mutex
	shuffle  *rand.Rand
	infinite bool
	indices  []int
	position int
}

// NewDataset creates a Dataset yielding batches of batchSize examples, in order, for one epoch.
// The last batch of the epoch may be smaller.
func NewDataset(name string, images []Image, labels []Label, batchSize int) (*Dataset, error) {
	if len(images) != len(labels) {
		return nil, errors.Errorf("mnist.NewDataset(%q): %d images but %d labels", name, len(images), len(labels))
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("mnist.NewDataset(%q): batch size must be > 0, got %d", name, batchSize)
	}
	ds := &Dataset{
		name:      name,
		images:    images,
		labels:    labels,
		batchSize: batchSize,
	}
	ds.Reset()
	return ds, nil
}

// Shuffle the examples at every epoch with the given random number generator.
// It returns the Dataset itself, so calls can be cascaded.
func (ds *Dataset) Shuffle(rng *rand.Rand) *Dataset {
	ds.mu.Lock()
	ds.shuffle = rng
	ds.mu.Unlock()
	ds.Reset()
	return ds
}

// Infinite makes the dataset loop over the epochs indefinitely, never returning io.EOF.
// It returns the Dataset itself, so calls can be cascaded.
func (ds *Dataset) Infinite(infinite bool) *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.infinite = infinite
	return ds
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Size returns the number of examples in one epoch.
func (ds *Dataset) Size() int { return len(ds.images) }

// Example returns the image and label of the i-th example, in the original order.
func (ds *Dataset) Example(i int) (Image, Label) { return ds.images[i], ds.labels[i] }

// Reset implements train.Dataset. It restarts the epoch, reshuffling if configured to.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.resetLocked()
}

func (ds *Dataset) resetLocked() {
	ds.position = 0
	if ds.shuffle != nil {
		ds.indices = ds.shuffle.Perm(len(ds.images))
		return
	}
	ds.indices = make([]int, len(ds.images))
	for ii := range ds.indices {
		ds.indices[ii] = ii
	}
}

// Yield implements train.Dataset. It returns:
//
//   - spec: the Dataset itself.
//   - inputs: the images batch, float32 shaped `[batch_size, 1, 28, 28]` with values in [0, 1].
//   - labels: the digits, int32 shaped `[batch_size, 1]`.
//
// It returns io.EOF at the end of the epoch, unless the dataset is infinite.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.position >= len(ds.indices) {
		if !ds.infinite || len(ds.indices) == 0 {
			return nil, nil, nil, io.EOF
		}
		ds.resetLocked()
	}
	start := ds.position
	end := min(start+ds.batchSize, len(ds.indices))
	ds.position = end
	batch := ds.indices[start:end]
	return ds,
		[]*tensors.Tensor{ImagesToTensor(Select(ds.images, batch))},
		[]*tensors.Tensor{LabelsToTensor(Select(ds.labels, batch))},
		nil
}

// ImagesToTensor converts the images to a float32 tensor shaped `[len(images), 1, 28, 28]`, scaled to [0, 1].
func ImagesToTensor(images []Image) *tensors.Tensor {
	flat := make([]float32, 0, len(images)*Width*Height)
	for _, img := range images {
		for _, v := range img {
			flat = append(flat, float32(v)/255)
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, len(images), 1, Height, Width)
}

// LabelsToTensor converts the labels to an int32 tensor shaped `[len(labels), 1]`.
func LabelsToTensor(labels []Label) *tensors.Tensor {
	flat := make([]int32, len(labels))
	for ii, label := range labels {
		flat[ii] = int32(label)
	}
	return tensors.FromFlatDataAndDimensions(flat, len(labels), 1)
}

// Select returns the items at the given indices. Out-of-range indices are ignored.
func Select[T any, I constraints.Integer](items []T, indices []I) []T {
	selected := make([]T, 0, len(indices))
	for _, i := range indices {
		if i >= 0 && int(i) < len(items) {
			selected = append(selected, items[i])
		}
	}
	return selected
}
