// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package classifier serves a trained ViT or Swin MNIST model for inference.
//
// To use it, create a Classifier with New, pointing to the checkpoint directory created by the trainer,
// and then call Classify with 28x28 images.
package classifier

import (
	"image"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/vitswin/pkg/mnist"
	"github.com/gomlx/vitswin/pkg/trainer"
	"github.com/pkg/errors"
)

// Classifier holds the compiled model and its weights.
type Classifier struct {
	backend backends.Backend

	// ctx with the model's weights.
	ctx *context.Context

	// exec runs the model: images in, predicted digits and probabilities out.
	exec *context.Exec
}

// New creates a Classifier from the checkpoint in checkpointDir, running on the given backend.
// If backend is nil, backends.MustNew() is used, which honors GOMLX_BACKEND.
func New(backend backends.Backend, checkpointDir string) (*Classifier, error) {
	if backend == nil {
		backend = backends.MustNew()
	}
	checkpointDir = fsutil.MustReplaceTildeInDir(checkpointDir)
	if !fsutil.MustFileExists(checkpointDir) {
		return nil, errors.Errorf("checkpoint directory %q does not exist", checkpointDir)
	}
	c := &Classifier{
		backend: backend,
		ctx:     context.New(),
	}

	// All hyperparameters are read from the checkpoint as well, so the same model is built.
	_, err := checkpoints.Load(c.ctx).Dir(checkpointDir).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed while loading model from %q", checkpointDir)
	}
	c.ctx = c.ctx.Reuse() // Creating new variables is an error from now on.

	modelFn, err := trainer.SelectModelFn(c.ctx)
	if err != nil {
		return nil, errors.WithMessagef(err, "cannot build model from checkpoint %q", checkpointDir)
	}
	if err = trainer.ValidateContext(c.ctx); err != nil {
		return nil, errors.WithMessagef(err, "invalid hyperparameters in checkpoint %q", checkpointDir)
	}

	c.exec, err = context.NewExec(c.backend, c.ctx.In("model"),
		func(ctx *context.Context, images *Node) (digits, probabilities *Node) {
			logits := modelFn(ctx, nil, []*Node{images})[0]
			probabilities = Softmax(logits, -1)
			digits = ArgMax(logits, -1, dtypes.Int32)
			return
		})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create the model executor")
	}
	return c, nil
}

// Classify returns the digit in each of the 28x28 images, and the probabilities of each digit.
func (c *Classifier) Classify(imgs ...image.Image) (digits []int32, probabilities [][]float32, err error) {
	if len(imgs) == 0 {
		return nil, nil, nil
	}
	batch := make([]mnist.Image, len(imgs))
	for ii, img := range imgs {
		batch[ii], err = mnist.FromImage(img)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "image #%d", ii)
		}
	}
	var digitsT, probabilitiesT *tensors.Tensor
	digitsT, probabilitiesT, err = c.exec.Exec2(mnist.ImagesToTensor(batch))
	if err != nil {
		return nil, nil, err
	}
	err = exceptions.TryCatch[error](func() {
		digits = tensors.MustCopyFlatData[int32](digitsT)
		probabilities = probabilitiesT.Value().([][]float32)
	})
	return
}

// ClassifyOne is like Classify, for a single image.
func (c *Classifier) ClassifyOne(img image.Image) (digit int32, err error) {
	digits, _, err := c.Classify(img)
	if err != nil {
		return 0, err
	}
	return digits[0], nil
}
