// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

// MomentumScope is the scope of the velocity variables created by MomentumSGD.
const MomentumScope = "sgd_momentum"

// MomentumSGD is stochastic gradient descent with (heavy ball) momentum:
//
//	velocity = momentum * velocity + gradient
//	variable = variable - learning_rate * velocity
//
// The learning rate is read from optimizers.ParamLearningRate. There is one velocity variable per trainable
// variable, created under MomentumScope and initialized with zeros.
type MomentumSGD struct {
	momentum float64
	useDecay bool
}

// NewMomentumSGD creates a MomentumSGD optimizer. It panics if momentum is not in [0, 1).
func NewMomentumSGD(momentum float64) *MomentumSGD {
	if momentum < 0 || momentum >= 1 {
		exceptions.Panicf("NewMomentumSGD: momentum must be in [0, 1), got %g", momentum)
	}
	return &MomentumSGD{momentum: momentum}
}

// WithDecay sets whether the learning rate decays with `1/sqrt(global_step)`. Default is false.
func (o *MomentumSGD) WithDecay(enabled bool) *MomentumSGD {
	o.useDecay = enabled
	return o
}

// Momentum returns the configured momentum.
func (o *MomentumSGD) Momentum() float64 {
	return o.momentum
}

// UpdateGraph builds the graph to update the weights for one training step.
// It implements optimizers.Interface.
func (o *MomentumSGD) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		exceptions.Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	if len(grads) == 0 {
		return
	}
	dtype := loss.DType()
	lrValue := context.GetParamOr(ctx, optimizers.ParamLearningRate, optimizers.SGDDefaultLearningRate)
	learningRate := optimizers.LearningRateVar(ctx, dtype, lrValue).ValueGraph(g)
	globalStep := optimizers.IncrementGlobalStepGraph(ctx, g, dtype)
	if o.useDecay {
		learningRate = Div(learningRate, Sqrt(globalStep))
	}
	momentum := Scalar(g, dtype, o.momentum)

	ii := 0
	for v := range ctx.IterVariables() {
		if !v.Trainable || !v.InUseByGraph(g) {
			continue
		}
		if ii >= len(grads) {
			exceptions.Panicf("MomentumSGD: more trainable variables than gradients (%d), were variables created in between?",
				len(grads))
		}
		grad := grads[ii]
		ii++
		if grad.DType() != dtype {
			grad = ConvertDType(grad, dtype)
		}
		grad = optimizers.ClipNaNsInGradients(ctx, grad)

		velocityVar := o.velocityVar(ctx, v, dtype)
		velocity := Add(Mul(momentum, velocityVar.ValueGraph(g)), grad)
		velocityVar.SetValueGraph(velocity)

		step := optimizers.ClipStepByValue(ctx, Mul(learningRate, velocity))
		value := v.ValueGraph(g)
		if step.DType() != value.DType() {
			step = ConvertDType(step, value.DType())
		}
		v.SetValueGraph(optimizers.ClipNaNsInUpdates(ctx, value, Sub(value, step)))
	}
	if ii != len(grads) {
		exceptions.Panicf("MomentumSGD: got %d gradients but only %d trainable variables", len(grads), ii)
	}
}

// velocityVar returns the velocity variable of the trainable variable v, creating it if needed.
func (o *MomentumSGD) velocityVar(ctx *context.Context, v *context.Variable, dtype dtypes.DType) *context.Variable {
	scopePath := fmt.Sprintf("%s%s%s", context.ScopeSeparator, MomentumScope, v.Scope())
	shape := v.Shape().Clone()
	shape.DType = dtype
	return ctx.Checked(false).InAbsPath(scopePath).
		WithInitializer(initializers.Zero).
		VariableWithShape(v.Name()+"_velocity", shape).
		SetTrainable(false)
}

// Clear deletes the velocity variables.
// It implements optimizers.Interface.
func (o *MomentumSGD) Clear(ctx *context.Context) error {
	return ctx.InAbsPath(context.ScopeSeparator + MomentumScope).DeleteVariablesInScope()
}
