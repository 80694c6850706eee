// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package trainer trains the ViT and Swin classifiers on MNIST.
//
// All hyperparameters live in the context.Context, see CreateDefaultContext. They can be changed
// from the command line with commandline.ParseContextSettings.
package trainer

import (
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	"github.com/gomlx/vitswin/pkg/attention"
	"github.com/gomlx/vitswin/pkg/mnist"
	"github.com/gomlx/vitswin/pkg/swin"
	"github.com/gomlx/vitswin/pkg/vit"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ParamModel selects the model: one of ValidModels.
	ParamModel = "model"

	// ParamBatchSize is the number of examples per training step.
	ParamBatchSize = "batch_size"

	// ParamEvalBatchSize is the batch size used for evaluation. If <= 0, ParamBatchSize is used.
	ParamEvalBatchSize = "eval_batch_size"

	// ParamTrainSteps is the global step to train to. When restarting from a checkpoint, training continues
	// until this global step is reached.
	ParamTrainSteps = "train_steps"

	// ParamLogEverySteps is the number of steps between reports of the mean training loss. 0 disables the report.
	ParamLogEverySteps = "log_every_steps"

	// ParamNumCheckpoints is the number of checkpoints to keep.
	ParamNumCheckpoints = "num_checkpoints"

	// ParamCheckpointPeriod is the interval between checkpoints, as a time.Duration string.
	ParamCheckpointPeriod = "checkpoint_period"

	// ParamSGDDecay enables the SGD learning rate decay with `1/sqrt(global_step)`.
	ParamSGDDecay = "sgd_decay"

	// ParamSGDMomentum is the momentum of the "sgd" optimizer, see MomentumSGD. 0 uses plain SGD.
	ParamSGDMomentum = "sgd_momentum"

	// ParamParallelDatasets makes the datasets prepare batches in background goroutines.
	ParamParallelDatasets = "parallel_datasets"

	// ParamSeed for the shuffling of the training data. 0 uses the current time.
	ParamSeed = "seed"
)

var (
	// ValidModels is the list of model types supported.
	ValidModels = []string{"vit", "swin"}

	// ParamsExcludedFromSaving is the list of parameters (see CreateDefaultContext) that shouldn't be saved
	// along with the model checkpoints, and may be overwritten in further training sessions.
	ParamsExcludedFromSaving = []string{
		ParamTrainSteps, ParamNumCheckpoints, ParamCheckpointPeriod, ParamLogEverySteps,
		ParamParallelDatasets, plotly.ParamPlots,
	}
)

// Backend is created once and reused if TrainModel is called multiple times.
var Backend backends.Backend

// CreateDefaultContext sets the context with the default hyperparameters: a small ViT trained on MNIST
// with SGD (momentum 0.9), learning rate 3e-4 and batch size 8, reporting the loss every 32 steps.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamModel:            ValidModels[0],
		ParamNumCheckpoints:   3,
		ParamCheckpointPeriod: "3m",
		ParamTrainSteps:       7500, // One epoch of the 60K training images.
		ParamBatchSize:        8,
		ParamEvalBatchSize:    500,
		ParamLogEverySteps:    32,
		ParamParallelDatasets: true,
		ParamSeed:             int64(0),

		// "plots" trigger generating intermediary eval data for plotting, and if running in GoNB, to actually
		// draw the plot with Plotly.
		plotly.ParamPlots: false,

		optimizers.ParamOptimizer:    "sgd",
		optimizers.ParamLearningRate: 3e-4,
		ParamSGDDecay:                false,
		ParamSGDMomentum:             0.9,

		vit.ParamNumClasses: mnist.NumClasses,

		// ViT:
		vit.ParamPatchSize:        1,
		vit.ParamEmbedDim:         16,
		vit.ParamNumHeads:         4,
		vit.ParamNumBlocks:        6,
		vit.ParamHeadDim:          0,
		vit.ParamFFNDim:           vit.DefaultFFNDim,
		vit.ParamDropout:          0.0,
		vit.ParamLearnedPositions: false,
		vit.ParamNormPlacement:    vit.PreNorm.String(),
		vit.ParamSoftmaxAxis:      attention.SoftmaxOverHeads.String(),
		vit.ParamAttention:        vit.PlainAttention.String(),
		vit.ParamQKVBias:          true,

		// Swin:
		swin.ParamPatchSize:         2,
		swin.ParamEmbedDim:          32,
		swin.ParamNumStages:         2,
		swin.ParamDepth:             2,
		swin.ParamNumHeads:          2,
		swin.ParamWindowSize:        7,
		swin.ParamMLPRatio:          swin.DefaultMLPRatio,
		swin.ParamDropout:           0.0,
		swin.ParamDropPath:          0.1,
		swin.ParamQKVBias:           true,
		swin.ParamAbsolutePositions: false,
	})
	return ctx
}

// SelectModelFn based on hyperparameter "model" in the context.
func SelectModelFn(ctx *context.Context) (modelFn train.ModelFn, err error) {
	modelType := context.GetParamOr(ctx, ParamModel, ValidModels[0])
	switch modelType {
	case "vit":
		return vit.ModelGraph, nil
	case "swin":
		return swin.ModelGraph, nil
	}
	return nil, errors.Errorf("parameter %q must take one value from %v, got %q", ParamModel, ValidModels, modelType)
}

// CreateOptimizer from the context hyperparameters.
// "sgd" is stochastic gradient descent with a constant learning rate (unless ParamSGDDecay is set) and
// the momentum in ParamSGDMomentum. Other optimizers are created with optimizers.FromContext.
func CreateOptimizer(ctx *context.Context) optimizers.Interface {
	if context.GetParamOr(ctx, optimizers.ParamOptimizer, "sgd") != "sgd" {
		return optimizers.FromContext(ctx)
	}
	useDecay := context.GetParamOr(ctx, ParamSGDDecay, false)
	if momentum := context.GetParamOr(ctx, ParamSGDMomentum, 0.0); momentum > 0 {
		return NewMomentumSGD(momentum).WithDecay(useDecay)
	}
	return optimizers.StochasticGradientDescent().
		WithDecay(useDecay).
		Done()
}

// TrainModel trains the model selected in ctx on MNIST stored in dataDir, downloading it if needed.
//
// If checkpointPath is set, checkpoints are saved there (relative paths are taken from dataDir), and training
// continues from the last checkpoint if there is one. paramsSet lists the hyperparameters set from the command line,
// which are not overwritten by the values stored in the checkpoint.
func TrainModel(ctx *context.Context, dataDir, checkpointPath string, evaluateOnEnd bool, verbosity int,
	paramsSet []string) error {
	return exceptions.TryCatch[error](func() {
		trainModel(ctx, dataDir, checkpointPath, evaluateOnEnd, verbosity, paramsSet)
	})
}

func trainModel(ctx *context.Context, dataDir, checkpointPath string, evaluateOnEnd bool, verbosity int,
	paramsSet []string) {
	// Data directory: datasets and top-level directory holding checkpoints for different models.
	dataDir = fsutil.MustReplaceTildeInDir(dataDir)
	if !fsutil.MustFileExists(dataDir) {
		must.M(os.MkdirAll(dataDir, 0777))
	}
	must.M(mnist.Download(dataDir, verbosity >= 0))

	// Backend handles creation of ML computation graphs, accelerator resources, etc.
	if Backend == nil {
		Backend = backends.MustNew()
	}
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", Backend.Name(), Backend.Description())
	}

	// Checkpoints saving: it loads the previous checkpoint, if there is one, including its hyperparameters.
	var checkpoint *checkpoints.Handler
	if checkpointPath != "" {
		numCheckpointsToKeep := context.GetParamOr(ctx, ParamNumCheckpoints, 3)
		checkpoint = must.M1(checkpoints.Build(ctx).
			DirFromBase(checkpointPath, dataDir).
			Keep(numCheckpointsToKeep).
			ExcludeParams(append(paramsSet, ParamsExcludedFromSaving...)...).
			Done())
		fmt.Printf("Checkpointing model to %q\n", checkpoint.Dir())
	}
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	// Create datasets used for training and evaluation.
	batchSize := context.GetParamOr(ctx, ParamBatchSize, 0)
	if batchSize <= 0 {
		exceptions.Panicf("batch size must be > 0 (maybe it was not set?): %d", batchSize)
	}
	evalBatchSize := context.GetParamOr(ctx, ParamEvalBatchSize, 0)
	if evalBatchSize <= 0 {
		evalBatchSize = batchSize
	}
	trainDS, trainEvalDS, testEvalDS := must.M3(mnist.CreateDatasets(&mnist.DatasetsConfiguration{
		DataDir:        dataDir,
		BatchSize:      batchSize,
		EvalBatchSize:  evalBatchSize,
		UseParallelism: context.GetParamOr(ctx, ParamParallelDatasets, true),
		BufferSize:     10,
		Seed:           context.GetParamOr(ctx, ParamSeed, int64(0)),
	}))

	// Select model graph building function.
	modelFn := must.M1(SelectModelFn(ctx))

	// Metrics we are interested.
	meanAccuracyMetric := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	movingAccuracyMetric := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)

	// Create a train.Trainer: this object will orchestrate running the model, feeding
	// results to the optimizer, evaluating the metrics, etc. (all happens in trainer.TrainStep)
	ctx = ctx.In("model") // Convention scope used for model creation.
	trainer := train.NewTrainer(Backend, ctx, modelFn,
		losses.SparseCategoricalCrossEntropyLogits,
		CreateOptimizer(ctx),
		[]metrics.Interface{movingAccuracyMetric}, // trainMetrics
		[]metrics.Interface{meanAccuracyMetric})   // evalMetrics

	// Use standard training loop.
	loop := train.NewLoop(trainer)
	if verbosity >= 1 {
		commandline.AttachProgressBar(loop) // Attaches a progress bar to the loop.
	}
	if logEvery := context.GetParamOr(ctx, ParamLogEverySteps, 0); logEvery > 0 && verbosity >= 0 {
		reporter := NewLossReporter(os.Stdout, logEvery)
		loop.OnStep("loss report", 100, reporter.OnStep)
	}

	// Checkpoint saving: periodically during training and at the end.
	if checkpoint != nil {
		period := must.M1(time.ParseDuration(context.GetParamOr(ctx, ParamCheckpointPeriod, "3m")))
		train.PeriodicCallback(loop, period, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	// Attach Plotly plots: plot points at exponential steps.
	// The points generated are saved along the checkpoint directory (if one is given).
	if context.GetParamOr(ctx, plotly.ParamPlots, false) {
		_ = plotly.New().
			WithCheckpoint(checkpoint).
			Dynamic().
			WithDatasets(trainEvalDS, testEvalDS).
			ScheduleExponential(loop, 200, 1.2)
	}

	// Loop for given number of steps.
	numTrainSteps := context.GetParamOr(ctx, ParamTrainSteps, 0)
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		if verbosity >= 1 {
			fmt.Printf("Restarting training from global_step=%d\n", globalStep)
		}
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep < numTrainSteps {
		_ = must.M1(loop.RunSteps(trainDS, numTrainSteps-globalStep))
		if verbosity >= 1 {
			fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
				loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		}
	} else {
		fmt.Printf("\t - target train_steps=%d already reached. To train further, set a number additional "+
			"to current global step.\n", numTrainSteps)
	}
	if verbosity >= 1 {
		fmt.Printf("Model has %s parameters (%s)\n",
			humanize.Comma(int64(ctx.NumParameters())), humanize.IBytes(uint64(ctx.Memory())))
	}
	klog.V(1).Infof("training finished at global step %d", optimizers.GetGlobalStep(ctx))

	// Finally, print an evaluation on train and test datasets.
	if evaluateOnEnd {
		if verbosity >= 1 {
			fmt.Println()
		}
		must.M(commandline.ReportEval(trainer, testEvalDS, trainEvalDS))
	}
}

// LossReporter prints the mean training loss every N steps.
type LossReporter struct {
	w     io.Writer
	every int
	sum   float64
	count int
}

// NewLossReporter creates a LossReporter that writes to w the mean of the batch losses of every `every` steps.
func NewLossReporter(w io.Writer, every int) *LossReporter {
	if every <= 0 {
		exceptions.Panicf("NewLossReporter: every must be > 0, got %d", every)
	}
	return &LossReporter{w: w, every: every}
}

// Add the loss of the given step, printing the mean when `every` losses have been accumulated.
func (r *LossReporter) Add(step int, loss float64) {
	r.sum += loss
	r.count++
	if r.count < r.every {
		return
	}
	_, _ = fmt.Fprintf(r.w, "step = %d, loss = %.6f\n", step, r.sum/float64(r.count))
	r.sum, r.count = 0, 0
}

// OnStep implements train.OnStepFn: the first metric is the batch loss.
func (r *LossReporter) OnStep(loop *train.Loop, metrics []*tensors.Tensor) error {
	if len(metrics) == 0 {
		return errors.New("LossReporter: no metrics, expected the batch loss as the first one")
	}
	r.Add(loop.LoopStep, shapes.ConvertTo[float64](metrics[0].Value()))
	return nil
}

// ValidateContext checks the model selection and builds the configured model, returning an error if the
// hyperparameters are invalid for MNIST images.
func ValidateContext(ctx *context.Context) error {
	modelType := context.GetParamOr(ctx, ParamModel, ValidModels[0])
	if !slices.Contains(ValidModels, modelType) {
		return errors.Errorf("parameter %q must take one value from %v, got %q", ParamModel, ValidModels, modelType)
	}
	imageShape := shapes.Make(dtypes.Float32, 1, 1, mnist.Height, mnist.Width)
	return exceptions.TryCatch[error](func() {
		var err error
		if modelType == "vit" {
			err = vit.NewFromContext(ctx).Validate(imageShape)
		} else {
			err = swin.NewFromContext(ctx).Validate(imageShape)
		}
		if err != nil {
			panic(err)
		}
	})
}
