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

package graph_test

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opgraph/backends"
	. "github.com/gomlx/opgraph/graph"
	"github.com/gomlx/opgraph/graph/graphtest"
	"github.com/gomlx/opgraph/tensors"
	"github.com/gomlx/opgraph/types/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scaleOp is written the way a third-party operator would be: a configured descriptor
// with the interpreted execution strategy and every optional hook.
type scaleOp struct {
	factor float64
}

func (op *scaleOp) Name() string { return "Scale" }

func (op *scaleOp) OutputShapes(inputs ...shapes.Shape) []shapes.Shape {
	if len(inputs) != 1 {
		exceptions.Panicf("Scale: requires 1 input, got %d", len(inputs))
	}
	if !inputs[0].DType.IsFloat() {
		exceptions.Panicf("Scale: requires a float operand, got %s", inputs[0])
	}
	return []shapes.Shape{inputs[0].Clone()}
}

func (op *scaleOp) Eval(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	operand := inputs[0]
	output := tensors.FromShape(operand.Shape())
	tensors.ConstFlatData(operand, func(in []float64) {
		tensors.MutableFlatData(output, func(out []float64) {
			for ii, x := range in {
				out[ii] = x * op.factor
			}
		})
	})
	return []*tensors.Tensor{output}, nil
}

func (op *scaleOp) VJP(apply *Apply, outputGrads []*Node) []*Node {
	return []*Node{ApplyOp1(op, outputGrads[0])}
}

func (op *scaleOp) JVP(apply *Apply, tangents []*Node) []*Node {
	return []*Node{ApplyOp1(op, tangents[0])}
}

func (op *scaleOp) EqualOp(other Op) bool {
	otherScale, ok := other.(*scaleOp)
	return ok && otherScale.factor == op.factor
}

func TestCustomOp(t *testing.T) {
	graphtest.RunTestGraphFn(t, "custom operator value and gradients",
		func(g *Graph) (inputs, outputs []*Node) {
			x := Const(g, []float64{1, 2, 3})
			tangent := Const(g, []float64{1, 1, 1})
			y := ApplyOp1(&scaleOp{factor: 3}, x)
			loss := ReduceSumAll(y)
			grads := Gradient(loss, x)
			jvps := JVP([]*Node{y}, []*Node{x}, []*Node{tangent})
			inputs = []*Node{x}
			outputs = append(append([]*Node{y}, grads...), jvps...)
			return
		}, []any{
			[]float64{3, 6, 9},
			[]float64{3, 3, 3},
			[]float64{3, 3, 3},
		}, epsilon)
}

func TestCustomOpDeduplication(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	g := NewGraph(backend, "TestCustomOpDeduplication")
	x := g.Parameter("x", shapes.Make(dtypes.Float64))

	// Distinct instances with equal configuration are deduplicated; different
	// configurations are not.
	a := ApplyOp1(&scaleOp{factor: 3}, x)
	b := ApplyOp1(&scaleOp{factor: 3}, x)
	c := ApplyOp1(&scaleOp{factor: 5}, x)
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}

// twoPowersOp is a multi-output operator: it returns (x^2, x^3) in one application.
type twoPowersOp struct{}

func (twoPowersOp) Name() string { return "TwoPowers" }

func (twoPowersOp) OutputShapes(inputs ...shapes.Shape) []shapes.Shape {
	if len(inputs) != 1 {
		exceptions.Panicf("TwoPowers: requires 1 input, got %d", len(inputs))
	}
	return []shapes.Shape{inputs[0].Clone(), inputs[0].Clone()}
}

func (twoPowersOp) Eval(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	operand := inputs[0]
	square := tensors.FromShape(operand.Shape())
	cube := tensors.FromShape(operand.Shape())
	tensors.ConstFlatData(operand, func(in []float64) {
		tensors.MutableFlatData(square, func(out []float64) {
			for ii, x := range in {
				out[ii] = x * x
			}
		})
		tensors.MutableFlatData(cube, func(out []float64) {
			for ii, x := range in {
				out[ii] = x * x * x
			}
		})
	})
	return []*tensors.Tensor{square, cube}, nil
}

func (twoPowersOp) VJP(apply *Apply, outputGrads []*Node) []*Node {
	x := apply.Input(0)
	two := ConstScalar(x.Graph(), x.DType(), 2)
	three := ConstScalar(x.Graph(), x.DType(), 3)
	fromSquare := Mul(outputGrads[0], Mul(two, x))
	fromCube := Mul(outputGrads[1], Mul(three, Mul(x, x)))
	return []*Node{Add(fromSquare, fromCube)}
}

func TestMultiOutputOp(t *testing.T) {
	graphtest.RunTestGraphFn(t, "multi-output operator and its gradient",
		func(g *Graph) (inputs, outputs []*Node) {
			x := Const(g, []float64{1, 2})
			results := ApplyOp(twoPowersOp{}, x)
			require.Len(t, results, 2)
			// loss = sum(x^2 + x^3): gradient is 2x + 3x^2.
			loss := ReduceSumAll(Add(results[0], results[1]))
			grads := Gradient(loss, x)
			inputs = []*Node{x}
			outputs = append(results, grads...)
			return
		}, []any{
			[]float64{1, 4},
			[]float64{1, 8},
			[]float64{5, 16},
		}, epsilon)
}

// shapeAndName implements Op but no execution strategy.
type shapeAndName struct{ name string }

func (op shapeAndName) Name() string { return op.name }

func (op shapeAndName) OutputShapes(inputs ...shapes.Shape) []shapes.Shape {
	return []shapes.Shape{inputs[0].Clone()}
}

// evalerAndLowerer implements two execution strategies at once.
type evalerAndLowerer struct{ shapeAndName }

func (evalerAndLowerer) Eval(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	return inputs[:1], nil
}

func (evalerAndLowerer) Lower(g *Graph, inputs []*Node) []*Node {
	return inputs[:1]
}

func TestOpStrategyValidation(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	g := NewGraph(backend, "TestOpStrategyValidation")
	x := Const(g, 1.0)

	require.Panics(t, func() {
		ApplyOp(shapeAndName{name: "NoStrategy"}, x)
	}, "an operator without an execution strategy must be rejected")

	require.Panics(t, func() {
		ApplyOp(evalerAndLowerer{shapeAndName{name: "TwoStrategies"}}, x)
	}, "an operator with two execution strategies must be rejected")
}

// lyingLowerer declares one shape but lowers to another.
type lyingLowerer struct{}

func (lyingLowerer) Name() string { return "LyingLowerer" }

func (lyingLowerer) OutputShapes(inputs ...shapes.Shape) []shapes.Shape {
	return []shapes.Shape{shapes.Make(inputs[0].DType, 7)}
}

func (lyingLowerer) Lower(g *Graph, inputs []*Node) []*Node {
	return []*Node{Neg(inputs[0])}
}

func TestLowererShapeConsistency(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	g := NewGraph(backend, "TestLowererShapeConsistency")
	x := Const(g, []float64{1, 2})
	require.Panics(t, func() {
		ApplyOp(lyingLowerer{}, x)
	}, "a lowered operator whose nodes don't match its shape inference must be rejected")
}

// Check that the builtin operators implement the optional hooks they advertise.
func TestBuiltinOpHooks(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	g := NewGraph(backend, "TestBuiltinOpHooks")
	x := Const(g, []float64{1, 2})
	sum := Add(x, x)

	apply := sum.Apply()
	require.NotNil(t, apply)
	assert.Equal(t, "Add", apply.Op().Name())
	_, ok := apply.Op().(Differentiable)
	assert.True(t, ok)
	_, ok = apply.Op().(ForwardDifferentiable)
	assert.True(t, ok)
	_, ok = apply.Op().(Comparable)
	assert.True(t, ok)
	_, ok = apply.Op().(backends.Evaler)
	assert.True(t, ok)

	dot := Dot(Const(g, [][]float64{{1}}), Const(g, [][]float64{{1}}))
	_, ok = dot.Apply().Op().(backends.ThunkBuilder)
	assert.True(t, ok)
}
