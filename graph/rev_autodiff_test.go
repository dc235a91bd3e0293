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

	. "github.com/gomlx/opgraph/graph"
	"github.com/gomlx/opgraph/graph/graphtest"
	"github.com/stretchr/testify/require"
)

func TestGradientSimple(t *testing.T) {
	// d/dx sum(x*x) = 2x
	graphtest.RunTestGraphFn(t, "Gradient of sum(x^2)",
		func(g *Graph) (inputs, outputs []*Node) {
			x := Const(g, []float64{1, 2, 3})
			loss := ReduceSumAll(Mul(x, x))
			inputs = []*Node{x}
			outputs = Gradient(loss, x)
			return
		}, []any{
			[]float64{2, 4, 6},
		}, epsilon)

	// d/dx sum(x + x*x) = 1 + 2x: the adjoint of x accumulates over both uses.
	graphtest.RunTestGraphFn(t, "Gradient accumulates over multiple uses",
		func(g *Graph) (inputs, outputs []*Node) {
			x := Const(g, []float64{1, 2, 3})
			loss := ReduceSumAll(Add(x, Mul(x, x)))
			inputs = []*Node{x}
			outputs = Gradient(loss, x)
			return
		}, []any{
			[]float64{3, 5, 7},
		}, epsilon)
}

func TestGradientChain(t *testing.T) {
	// d/dx log(exp(x)) = 1
	graphtest.RunTestGraphFn(t, "Gradient through a chain",
		func(g *Graph) (inputs, outputs []*Node) {
			x := Const(g, []float64{0.5, 1, 2})
			loss := ReduceSumAll(Log(Exp(x)))
			inputs = []*Node{x}
			outputs = Gradient(loss, x)
			return
		}, []any{
			[]float64{1, 1, 1},
		}, epsilon)

	// d/dx tanh(x) at 0 is 1.
	graphtest.RunTestGraphFn(t, "Gradient of tanh",
		func(g *Graph) (inputs, outputs []*Node) {
			x := Const(g, 0.0)
			loss := Tanh(x)
			inputs = []*Node{x}
			outputs = Gradient(loss, x)
			return
		}, []any{
			1.0,
		}, epsilon)
}

func TestGradientScalarBroadcast(t *testing.T) {
	// loss = sum(a * x), a scalar: dloss/da = sum(x), dloss/dx = a broadcast.
	graphtest.RunTestGraphFn(t, "Gradient with scalar broadcast",
		func(g *Graph) (inputs, outputs []*Node) {
			a := Const(g, 2.0)
			x := Const(g, []float64{1, 2, 3})
			loss := ReduceSumAll(Mul(a, x))
			inputs = []*Node{a, x}
			outputs = Gradient(loss, a, x)
			return
		}, []any{
			6.0,
			[]float64{2, 2, 2},
		}, epsilon)
}

func TestGradientDot(t *testing.T) {
	// loss = sum(A B): dA[i,k] = sum_j B[k,j], dB[k,j] = sum_i A[i,k].
	graphtest.RunTestGraphFn(t, "Gradient through Dot",
		func(g *Graph) (inputs, outputs []*Node) {
			lhs := Const(g, [][]float64{{1, 2}, {3, 4}})
			rhs := Const(g, [][]float64{{5, 6}, {7, 8}})
			loss := ReduceSumAll(Dot(lhs, rhs))
			inputs = []*Node{lhs, rhs}
			outputs = Gradient(loss, lhs, rhs)
			return
		}, []any{
			[][]float64{{11, 15}, {11, 15}},
			[][]float64{{4, 4}, {6, 6}},
		}, epsilon)
}

func TestGradientThroughLoweredOps(t *testing.T) {
	// Sigmoid lowers to primitives, so its gradient needs no hook of its own:
	// d/dx sigmoid(x) at 0 is 0.25.
	graphtest.RunTestGraphFn(t, "Gradient of sigmoid",
		func(g *Graph) (inputs, outputs []*Node) {
			x := Const(g, 0.0)
			loss := Sigmoid(x)
			inputs = []*Node{x}
			outputs = Gradient(loss, x)
			return
		}, []any{
			0.25,
		}, epsilon)

	graphtest.RunTestGraphFn(t, "Gradient of square",
		func(g *Graph) (inputs, outputs []*Node) {
			x := Const(g, 3.0)
			loss := Square(x)
			inputs = []*Node{x}
			outputs = Gradient(loss, x)
			return
		}, []any{
			6.0,
		}, epsilon)
}

func TestGradientStopGradient(t *testing.T) {
	// loss = sum(stop(x) * x): only the second use of x contributes, so the gradient
	// is x instead of 2x.
	graphtest.RunTestGraphFn(t, "StopGradient blocks the backward flow",
		func(g *Graph) (inputs, outputs []*Node) {
			x := Const(g, []float64{1, 2, 3})
			loss := ReduceSumAll(Mul(StopGradient(x), x))
			inputs = []*Node{x}
			outputs = Gradient(loss, x)
			return
		}, []any{
			[]float64{1, 2, 3},
		}, epsilon)
}

func TestGradientUnreachable(t *testing.T) {
	// A node with no path to the loss gets a zero gradient.
	graphtest.RunTestGraphFn(t, "Gradient of unreachable node is zero",
		func(g *Graph) (inputs, outputs []*Node) {
			x := Const(g, 3.0)
			y := Const(g, []float64{1, 2})
			loss := Mul(x, x)
			inputs = []*Node{x, y}
			outputs = Gradient(loss, x, y)
			return
		}, []any{
			6.0,
			[]float64{0, 0},
		}, epsilon)
}

func TestGradientErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	// Only scalar float outputs can be differentiated.
	g := NewGraph(backend, "TestGradientErrors-vector-output")
	x := Const(g, []float64{1, 2})
	require.Panics(t, func() { Gradient(Neg(x), x) })
}
