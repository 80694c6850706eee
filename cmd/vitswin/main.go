// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// vitswin trains and runs Vision Transformer (ViT) and Swin Transformer classifiers on MNIST.
//
// Train the default ViT (hyperparameters can be changed with -set, see trainer.CreateDefaultContext):
//
//	vitswin -train -checkpoint=vit -set="train_steps=10000;vit_num_blocks=4"
//
// Train a Swin model:
//
//	vitswin -train -checkpoint=swin -set="model=swin"
//
// Classify images with a trained model (they are resized to 28x28):
//
//	vitswin -checkpoint=vit digit1.png digit2.png
package main

import (
	"flag"
	"fmt"
	"image"
	"os"
	"path"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/vitswin/pkg/classifier"
	"github.com/gomlx/vitswin/pkg/mnist"
	"github.com/gomlx/vitswin/pkg/trainer"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir  = flag.String("data", "~/work/mnist", "Directory to cache downloaded dataset files and checkpoints.")
	flagDownload = flag.Bool("download", false, "Only download the MNIST dataset to -data and exit.")
	flagSamples  = flag.Int("samples", 0, "Display this number of test digits and exit.")
	flagTrain    = flag.Bool("train", false, "Train the model. If false, the images given as arguments are classified.")
	flagEval     = flag.Bool("eval", true, "Whether to evaluate the model on the train and test data in the end.")

	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from. "+
		"Relative paths are taken from -data. If left empty, no checkpoints are created.")
	flagVerbosity = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)

	digitStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().Reverse(true).Padding(0, 2).Align(lipgloss.Center)
	cellStyle   = lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)
)

func main() {
	ctx := trainer.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	if err := trainer.ValidateContext(ctx); err != nil {
		klog.Fatalf("Invalid hyperparameters: %+v", err)
	}
	dataDir := fsutil.MustReplaceTildeInDir(*flagDataDir)

	switch {
	case *flagDownload:
		must.M(os.MkdirAll(dataDir, 0777))
		must.M(mnist.Download(dataDir, *flagVerbosity >= 0))

	case *flagSamples > 0:
		must.M(printSamples(dataDir, *flagSamples))

	case *flagTrain:
		if *flagVerbosity >= 1 {
			fmt.Println(titleStyle.Render(fmt.Sprintf("Training %s on MNIST",
				strings.ToUpper(context.GetParamOr(ctx, trainer.ParamModel, "vit")))))
			if len(paramsSet) > 0 {
				fmt.Println(commandline.SprintModifiedContextSettings(ctx, paramsSet))
			}
		}
		err := trainer.TrainModel(ctx, dataDir, *flagCheckpoint, *flagEval, *flagVerbosity, paramsSet)
		if err != nil {
			klog.Fatalf("Training failed: %+v", err)
		}

	default:
		if err := classify(dataDir, *flagCheckpoint, flag.Args()); err != nil {
			klog.Fatalf("Classification failed: %+v", err)
		}
	}
}

// classify the images in files with the model saved in checkpoint, and print a table with the results.
func classify(dataDir, checkpoint string, files []string) error {
	if checkpoint == "" {
		return errors.New("-checkpoint must be set to classify images, or use -train to train a model")
	}
	if len(files) == 0 {
		return errors.New("no images given to classify, see -help")
	}
	checkpoint = fsutil.MustReplaceTildeInDir(checkpoint)
	if !path.IsAbs(checkpoint) {
		checkpoint = path.Join(dataDir, checkpoint)
	}
	c, err := classifier.New(nil, checkpoint)
	if err != nil {
		return err
	}
	images := make([]image.Image, len(files))
	for ii, file := range files {
		images[ii], err = readImage(file)
		if err != nil {
			return err
		}
	}
	digits, probabilities, err := c.Classify(images...)
	if err != nil {
		return err
	}

	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers("Image", "Digit", "Probability")
	for ii, file := range files {
		table.Row(file, fmt.Sprintf("%d", digits[ii]), fmt.Sprintf("%.1f%%", 100*probabilities[ii][digits[ii]]))
	}
	fmt.Println(table.Render())
	return nil
}

// readImage decodes the image in filePath (PNG, JPEG, GIF, BMP or TIFF) and converts it
// to a 28x28 grayscale digit.
func readImage(filePath string) (image.Image, error) {
	img, err := imaging.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read image %q", filePath)
	}
	if b := img.Bounds(); b.Dx() != mnist.Width || b.Dy() != mnist.Height {
		img = imaging.Resize(img, mnist.Width, mnist.Height, imaging.Lanczos)
	}
	return imaging.Grayscale(img), nil
}

// printSamples of the first n test digits, side by side.
func printSamples(dataDir string, n int) error {
	images, labels, err := mnist.Load(dataDir, mnist.Test)
	if err != nil {
		return errors.WithMessage(err, "run with -download first")
	}
	n = min(n, len(images))
	const perRow = 4
	for start := 0; start < n; start += perRow {
		var boxes []string
		for ii := start; ii < min(start+perRow, n); ii++ {
			boxes = append(boxes, digitStyle.Render(fmt.Sprintf("Label: %d\n%s", labels[ii], asciiDigit(images[ii]))))
		}
		fmt.Println(lipgloss.JoinHorizontal(lipgloss.Top, boxes...))
	}
	return nil
}

// asciiDigit renders the image with 2 pixel rows per line.
func asciiDigit(img mnist.Image) string {
	const ramp = " .:-=+*#%@"
	var sb strings.Builder
	for y := 0; y < mnist.Height; y += 2 {
		for x := range mnist.Width {
			v := (int(img[y*mnist.Width+x]) + int(img[(y+1)*mnist.Width+x])) / 2
			sb.WriteByte(ramp[v*(len(ramp)-1)/255])
		}
		if y+2 < mnist.Height {
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}
