/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package opcheck verifies that an operator implementation satisfies the consistency
// contract of the graph package: its shape inference must agree with the values its
// execution strategy produces, its VJP (reverse gradient) and JVP (directional
// derivative) hooks must agree with numeric differentiation, and -- if it declares
// configuration equality -- equal applications must be deduplicated.
//
// Typical usage, from the test of a custom operator:
//
//	checker := opcheck.New(backend, &myOp{param: 3},
//		tensors.FromValue([][]float64{{1, 2}, {3, 4}}))
//	require.NoError(t, checker.CheckAll())
//
// The checks requiring differentiation use central finite differences, evaluated by
// re-running the compiled computation at perturbed input points. They are more
// reliable with float64 inputs; for float32 the default tolerances are loosened.
package opcheck

import (
	"fmt"
	"math/rand"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opgraph/backends"
	"github.com/gomlx/opgraph/graph"
	"github.com/gomlx/opgraph/tensors"
	"github.com/gomlx/opgraph/types/shapes"
	"github.com/pkg/errors"
)

// Checker verifies one operator against sample inputs. Create it with New, optionally
// adjust the tolerances, and call CheckAll or the individual checks.
type Checker struct {
	backend backends.Backend
	op      graph.Op
	inputs  []*tensors.Tensor

	delta float64 // accepted |analytic - numeric| difference
	step  float64 // finite differences step
	rng   *rand.Rand
}

// New creates a Checker for the given operator and sample input values.
func New(backend backends.Backend, op graph.Op, inputs ...*tensors.Tensor) *Checker {
	c := &Checker{
		backend: backend,
		op:      op,
		inputs:  inputs,
		rng:     rand.New(rand.NewSource(42)),
	}
	c.step, c.delta = defaultTolerances(inputs)
	return c
}

// defaultTolerances picks the finite differences step and comparison tolerance based
// on the lowest float precision among the inputs.
func defaultTolerances(inputs []*tensors.Tensor) (step, delta float64) {
	step, delta = 1e-6, 1e-4
	for _, input := range inputs {
		if input.DType() == dtypes.Float32 {
			return 1e-2, 5e-2
		}
	}
	return
}

// WithDelta changes the accepted difference between analytic and numeric values.
func (c *Checker) WithDelta(delta float64) *Checker {
	c.delta = delta
	return c
}

// WithStep changes the finite differences step.
func (c *Checker) WithStep(step float64) *Checker {
	c.step = step
	return c
}

// WithSeed re-seeds the random generator used for projections and tangents.
func (c *Checker) WithSeed(seed int64) *Checker {
	c.rng = rand.New(rand.NewSource(seed))
	return c
}

// CheckAll runs every check the operator's hooks allow: shapes always, gradient if
// the operator (or the primitives it lowers to) supports reverse mode, directional
// derivatives likewise for forward mode, and deduplication if the operator is
// Comparable.
func (c *Checker) CheckAll() error {
	if err := c.CheckShapes(); err != nil {
		return err
	}
	_, lowers := c.op.(graph.Lowerer)
	if _, ok := c.op.(graph.Differentiable); ok || lowers {
		if err := c.CheckGradient(); err != nil {
			return err
		}
	}
	if _, ok := c.op.(graph.ForwardDifferentiable); ok || lowers {
		if err := c.CheckJVP(); err != nil {
			return err
		}
	}
	if _, ok := c.op.(graph.Comparable); ok {
		if err := c.CheckDedup(); err != nil {
			return err
		}
	}
	return nil
}

// build creates a fresh graph applying the operator to parameters shaped like the
// sample inputs.
func (c *Checker) build(name string) (g *graph.Graph, params, outputs []*graph.Node, err error) {
	err = exceptionToError(func() {
		g = graph.NewGraph(c.backend, fmt.Sprintf("opcheck(%s)-%s", c.op.Name(), name))
		params = make([]*graph.Node, len(c.inputs))
		for ii, input := range c.inputs {
			params[ii] = g.Parameter(fmt.Sprintf("input%d", ii), input.Shape())
		}
		outputs = g.ApplyOp(c.op, params...)
	})
	return
}

// CheckShapes builds, compiles and runs the operator, verifying that the shapes its
// shape inference declared match the values produced, and that shape inference is
// deterministic.
func (c *Checker) CheckShapes() error {
	g, _, outputs, err := c.build("shapes")
	if err != nil {
		return err
	}
	inputShapes := make([]shapes.Shape, len(c.inputs))
	for ii, input := range c.inputs {
		inputShapes[ii] = input.Shape()
	}
	inferredAgain := c.op.OutputShapes(inputShapes...)
	if len(inferredAgain) != len(outputs) {
		return errors.Errorf("operator %q shape inference is unstable: declared %d outputs when applied, %d when re-run",
			c.op.Name(), len(outputs), len(inferredAgain))
	}
	for ii, node := range outputs {
		if !node.Shape().Equal(inferredAgain[ii]) {
			return errors.Errorf("operator %q shape inference is unstable: output #%d was %s when applied, %s when re-run",
				c.op.Name(), ii, node.Shape(), inferredAgain[ii])
		}
	}

	if err := exceptionToError(func() { g.Compile(outputs...) }); err != nil {
		return err
	}
	results, err := g.Executable().Execute(c.inputs...)
	if err != nil {
		return errors.WithMessagef(err, "operator %q", c.op.Name())
	}
	for ii, result := range results {
		if !result.Shape().Equal(outputs[ii].Shape()) {
			return errors.Errorf("operator %q produced output #%d with shape %s, but shape inference declared %s",
				c.op.Name(), ii, result.Shape(), outputs[ii].Shape())
		}
	}
	return nil
}

// CheckGradient verifies the operator's reverse-mode gradients against central finite
// differences (the classic "verify grad").
//
// It builds a scalar loss by summing each output multiplied by a random projection,
// takes its Gradient with respect to each input, and compares each gradient element
// to the numeric derivative of the loss. All outputs, and the inputs being checked,
// must have float dtypes.
func (c *Checker) CheckGradient() error {
	g, params, outputs, err := c.build("gradient")
	if err != nil {
		return err
	}
	var loss *graph.Node
	var gradients []*graph.Node
	if err := exceptionToError(func() {
		loss = c.randomProjectionLoss(g, outputs)
		gradients = graph.Gradient(loss, params...)
		g.Compile(append([]*graph.Node{loss}, gradients...)...)
	}); err != nil {
		return err
	}
	results, err := g.Executable().Execute(c.inputs...)
	if err != nil {
		return errors.WithMessagef(err, "operator %q", c.op.Name())
	}
	analyticGrads := results[1:]

	lossAt := func(perturbed []*tensors.Tensor) (float64, error) {
		values, err := g.Executable().Execute(perturbed...)
		if err != nil {
			return 0, err
		}
		return scalarValue(values[0])
	}
	for inputIdx, input := range c.inputs {
		if !input.DType().IsFloat() {
			continue
		}
		analytic, err := flatFloats(analyticGrads[inputIdx])
		if err != nil {
			return errors.WithMessagef(err, "operator %q gradient for input #%d", c.op.Name(), inputIdx)
		}
		for elemIdx := 0; elemIdx < input.Size(); elemIdx++ {
			lossPlus, err := lossAt(c.perturb(inputIdx, elemIdx, c.step))
			if err != nil {
				return errors.WithMessagef(err, "operator %q", c.op.Name())
			}
			lossMinus, err := lossAt(c.perturb(inputIdx, elemIdx, -c.step))
			if err != nil {
				return errors.WithMessagef(err, "operator %q", c.op.Name())
			}
			numeric := (lossPlus - lossMinus) / (2 * c.step)
			if diff := analytic[elemIdx] - numeric; diff > c.delta || diff < -c.delta {
				return errors.Errorf(
					"operator %q gradient mismatch on input #%d element %d: analytic=%g, numeric=%g (|diff|=%g > delta=%g)",
					c.op.Name(), inputIdx, elemIdx, analytic[elemIdx], numeric, diff, c.delta)
			}
		}
	}
	return nil
}

// CheckJVP verifies the operator's forward-mode directional derivatives (the R-op)
// against central finite differences along a random tangent direction.
func (c *Checker) CheckJVP() error {
	g, params, outputs, err := c.build("jvp")
	if err != nil {
		return err
	}
	tangentValues := make([]*tensors.Tensor, len(c.inputs))
	var tangentOutputs []*graph.Node
	if err := exceptionToError(func() {
		tangentNodes := make([]*graph.Node, len(c.inputs))
		for ii, input := range c.inputs {
			tangentValues[ii] = c.randomTensor(input.Shape())
			tangentNodes[ii] = graph.ConstTensor(g, tangentValues[ii])
		}
		tangentOutputs = graph.JVP(outputs, params, tangentNodes)
		g.Compile(append(append([]*graph.Node{}, outputs...), tangentOutputs...)...)
	}); err != nil {
		return err
	}
	results, err := g.Executable().Execute(c.inputs...)
	if err != nil {
		return errors.WithMessagef(err, "operator %q", c.op.Name())
	}
	analyticTangents := results[len(outputs):]

	// Numeric directional derivative: move every input along its tangent at once.
	plus, err := g.Executable().Execute(c.shift(tangentValues, c.step)...)
	if err != nil {
		return errors.WithMessagef(err, "operator %q", c.op.Name())
	}
	minus, err := g.Executable().Execute(c.shift(tangentValues, -c.step)...)
	if err != nil {
		return errors.WithMessagef(err, "operator %q", c.op.Name())
	}
	for outputIdx := range outputs {
		analytic, err := flatFloats(analyticTangents[outputIdx])
		if err != nil {
			return errors.WithMessagef(err, "operator %q JVP for output #%d", c.op.Name(), outputIdx)
		}
		plusFlat, err := flatFloats(plus[outputIdx])
		if err != nil {
			return err
		}
		minusFlat, err := flatFloats(minus[outputIdx])
		if err != nil {
			return err
		}
		for elemIdx := range analytic {
			numeric := (plusFlat[elemIdx] - minusFlat[elemIdx]) / (2 * c.step)
			if diff := analytic[elemIdx] - numeric; diff > c.delta || diff < -c.delta {
				return errors.Errorf(
					"operator %q JVP mismatch on output #%d element %d: analytic=%g, numeric=%g (|diff|=%g > delta=%g)",
					c.op.Name(), outputIdx, elemIdx, analytic[elemIdx], numeric, diff, c.delta)
			}
		}
	}
	return nil
}

// CheckDedup verifies that applying the operator twice to the same inputs yields the
// same nodes: the Comparable contract.
func (c *Checker) CheckDedup() error {
	g, params, outputs, err := c.build("dedup")
	if err != nil {
		return err
	}
	var outputsAgain []*graph.Node
	if err := exceptionToError(func() {
		outputsAgain = g.ApplyOp(c.op, params...)
	}); err != nil {
		return err
	}
	for ii := range outputs {
		if outputs[ii] != outputsAgain[ii] {
			return errors.Errorf(
				"operator %q implements graph.Comparable but applying it twice to the same inputs created new nodes (output #%d)",
				c.op.Name(), ii)
		}
	}
	return nil
}

// randomProjectionLoss builds the scalar Σᵢ ReduceSumAll(outputᵢ * projᵢ) with random
// non-zero projections, so every output element contributes to the gradient.
func (c *Checker) randomProjectionLoss(g *graph.Graph, outputs []*graph.Node) *graph.Node {
	var loss *graph.Node
	for _, output := range outputs {
		proj := graph.ConstTensor(g, c.randomTensor(output.Shape()))
		term := graph.ReduceSumAll(graph.Mul(output, proj))
		if loss == nil {
			loss = term
		} else {
			loss = graph.Add(loss, term)
		}
	}
	return loss
}

// randomTensor returns a tensor of the given float shape with values in [0.5, 1.5).
func (c *Checker) randomTensor(shape shapes.Shape) *tensors.Tensor {
	t := tensors.FromShape(shape)
	switch shape.DType {
	case dtypes.Float32:
		tensors.MutableFlatData(t, func(flat []float32) {
			for ii := range flat {
				flat[ii] = c.rng.Float32() + 0.5
			}
		})
	case dtypes.Float64:
		tensors.MutableFlatData(t, func(flat []float64) {
			for ii := range flat {
				flat[ii] = c.rng.Float64() + 0.5
			}
		})
	}
	return t
}

// perturb returns a copy of the sample inputs with one element of one input shifted
// by delta.
func (c *Checker) perturb(inputIdx, elemIdx int, delta float64) []*tensors.Tensor {
	perturbed := append([]*tensors.Tensor{}, c.inputs...)
	clone := c.inputs[inputIdx].Clone()
	switch clone.DType() {
	case dtypes.Float32:
		tensors.MutableFlatData(clone, func(flat []float32) { flat[elemIdx] += float32(delta) })
	case dtypes.Float64:
		tensors.MutableFlatData(clone, func(flat []float64) { flat[elemIdx] += delta })
	}
	perturbed[inputIdx] = clone
	return perturbed
}

// shift returns copies of the sample inputs moved along the given directions scaled
// by scale. Non-float inputs are passed through unchanged.
func (c *Checker) shift(directions []*tensors.Tensor, scale float64) []*tensors.Tensor {
	shifted := make([]*tensors.Tensor, len(c.inputs))
	for ii, input := range c.inputs {
		if !input.DType().IsFloat() {
			shifted[ii] = input
			continue
		}
		clone := input.Clone()
		switch clone.DType() {
		case dtypes.Float32:
			tensors.ConstFlatData(directions[ii], func(dir []float32) {
				tensors.MutableFlatData(clone, func(flat []float32) {
					for jj := range flat {
						flat[jj] += float32(scale) * dir[jj]
					}
				})
			})
		case dtypes.Float64:
			tensors.ConstFlatData(directions[ii], func(dir []float64) {
				tensors.MutableFlatData(clone, func(flat []float64) {
					for jj := range flat {
						flat[jj] += scale * dir[jj]
					}
				})
			})
		}
		shifted[ii] = clone
	}
	return shifted
}

// flatFloats returns the flat data of a float tensor as []float64.
func flatFloats(t *tensors.Tensor) ([]float64, error) {
	switch t.DType() {
	case dtypes.Float32:
		flat := tensors.CopyFlatData[float32](t)
		out := make([]float64, len(flat))
		for ii, v := range flat {
			out[ii] = float64(v)
		}
		return out, nil
	case dtypes.Float64:
		return tensors.CopyFlatData[float64](t), nil
	}
	return nil, errors.Errorf("dtype %s is not a float supported by opcheck", t.DType())
}

// scalarValue returns the value of a scalar float tensor.
func scalarValue(t *tensors.Tensor) (float64, error) {
	flat, err := flatFloats(t)
	if err != nil {
		return 0, err
	}
	if len(flat) != 1 {
		return 0, errors.Errorf("expected a scalar, got shape %s", t.Shape())
	}
	return flat[0], nil
}

// exceptionToError runs fn converting a graph building panic into an error, so the
// checker can report it instead of crashing the test.
func exceptionToError(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			err = errors.Errorf("%v", r)
		}
	}()
	fn()
	return
}
