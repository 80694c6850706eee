// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

import (
	"math/rand"
	"time"

	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// DatasetsConfiguration holds the parameters used to create the training and evaluation datasets.
type DatasetsConfiguration struct {
	// DataDir where the MNIST files are stored.
	DataDir string

	// BatchSize for training and EvalBatchSize for evaluation.
	BatchSize, EvalBatchSize int

	// UseParallelism wraps the datasets with datasets.CustomParallel, so batches are prepared in the background.
	UseParallelism bool

	// BufferSize of the parallel datasets, for each dataset.
	BufferSize int

	// Seed for the shuffling of the training dataset. If 0, the current time is used.
	Seed int64
}

// CreateDatasets used for training and evaluation:
//
//   - trainDS: shuffled, infinite, for the training loop.
//   - trainEvalDS: the train split, in order, for one epoch.
//   - testEvalDS: the test split, in order, for one epoch.
func CreateDatasets(config *DatasetsConfiguration) (trainDS, trainEvalDS, testEvalDS train.Dataset, err error) {
	trainImages, trainLabels, err := Load(config.DataDir, Train)
	if err != nil {
		return nil, nil, nil, err
	}
	testImages, testLabels, err := Load(config.DataDir, Test)
	if err != nil {
		return nil, nil, nil, err
	}

	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UTC().UnixNano()
	}
	shuffled, err := NewDataset("train", trainImages, trainLabels, config.BatchSize)
	if err != nil {
		return nil, nil, nil, errors.WithMessage(err, "creating training dataset")
	}
	trainDS = shuffled.Shuffle(rand.New(rand.NewSource(seed))).Infinite(true)
	trainEvalDS, err = NewDataset("train-eval", trainImages, trainLabels, config.EvalBatchSize)
	if err != nil {
		return nil, nil, nil, errors.WithMessage(err, "creating train evaluation dataset")
	}
	testEvalDS, err = NewDataset("test-eval", testImages, testLabels, config.EvalBatchSize)
	if err != nil {
		return nil, nil, nil, errors.WithMessage(err, "creating test evaluation dataset")
	}

	if config.UseParallelism {
		trainDS = datasets.CustomParallel(trainDS).Buffer(config.BufferSize).Start()
		trainEvalDS = datasets.CustomParallel(trainEvalDS).Buffer(config.BufferSize).Start()
		testEvalDS = datasets.CustomParallel(testEvalDS).Buffer(config.BufferSize).Start()
	}
	return
}
