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

package graph

import (
	"slices"

	"github.com/gomlx/bsplines"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opgraph/backends"
	"github.com/gomlx/opgraph/tensors"
	"github.com/gomlx/opgraph/types/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// This file implements the structural builtin operators: reductions, reshaping,
// broadcasting and matrix multiplication, plus the operators that showcase the
// remaining execution strategies -- Dot and BSpline compile shape-specialized
// thunks, Sigmoid and Square lower themselves to primitive nodes.

// scalarTensor creates a scalar tensor of the given dtype from a float64 value.
func scalarTensor(dtype dtypes.DType, value float64) *tensors.Tensor {
	switch dtype {
	case dtypes.Float32:
		return tensors.FromScalar(float32(value))
	case dtypes.Float64:
		return tensors.FromScalar(value)
	case dtypes.Float16:
		return tensors.FromScalar(float16.Fromfloat32(float32(value)))
	case dtypes.Int32:
		return tensors.FromScalar(int32(value))
	case dtypes.Int64:
		return tensors.FromScalar(int64(value))
	}
	exceptions.Panicf("graph: cannot create a scalar of dtype %s from a float64", dtype)
	return nil
}

// Zeros creates a constant node of the given shape filled with zeros.
func Zeros(g *Graph, shape shapes.Shape) *Node {
	if shape.IsScalar() {
		return ScalarZero(g, shape.DType)
	}
	return ConstTensor(g, tensors.FromShape(shape))
}

// ZerosLike creates a constant node of zeros with the same shape as x.
func ZerosLike(x *Node) *Node { return Zeros(x.Graph(), x.Shape()) }

// Ones creates a constant node of the given shape filled with ones.
func Ones(g *Graph, shape shapes.Shape) *Node {
	if shape.IsScalar() {
		return ScalarOne(g, shape.DType)
	}
	return BroadcastScalar(ScalarOne(g, shape.DType), shape.Dimensions...)
}

// OnesLike creates a node of ones with the same shape as x.
func OnesLike(x *Node) *Node { return Ones(x.Graph(), x.Shape()) }

// reduceSumAllOp sums all elements of its input to a scalar.
type reduceSumAllOp struct{}

func (reduceSumAllOp) Name() string { return "ReduceSumAll" }

func (reduceSumAllOp) OutputShapes(inputs ...shapes.Shape) []shapes.Shape {
	if len(inputs) != 1 {
		exceptions.Panicf("ReduceSumAll: requires 1 input, got %d", len(inputs))
	}
	operand := inputs[0]
	if !operand.Ok() || !operand.DType.IsFloat() {
		exceptions.Panicf("ReduceSumAll: requires a float operand, got %s", operand)
	}
	return []shapes.Shape{shapes.Make(operand.DType)}
}

func (reduceSumAllOp) Eval(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	operand := inputs[0]
	switch operand.DType() {
	case dtypes.Float32:
		return []*tensors.Tensor{tensors.FromScalar(sumFlat[float32](operand))}, nil
	case dtypes.Float64:
		return []*tensors.Tensor{tensors.FromScalar(sumFlat[float64](operand))}, nil
	}
	return nil, errors.Errorf("ReduceSumAll: dtype %s not supported", operand.DType())
}

func sumFlat[T floatT](t *tensors.Tensor) (total T) {
	tensors.ConstFlatData(t, func(flat []T) {
		for _, v := range flat {
			total += v
		}
	})
	return
}

func (reduceSumAllOp) VJP(apply *Apply, outputGrads []*Node) []*Node {
	input := apply.Input(0)
	v := outputGrads[0]
	if input.IsScalar() {
		return []*Node{v}
	}
	return []*Node{BroadcastScalar(v, input.Shape().Dimensions...)}
}

func (reduceSumAllOp) JVP(apply *Apply, tangents []*Node) []*Node {
	return []*Node{ReduceSumAll(tangents[0])}
}

func (reduceSumAllOp) EqualOp(other Op) bool {
	_, ok := other.(reduceSumAllOp)
	return ok
}

// ReduceSumAll returns the scalar sum of all elements of x.
func ReduceSumAll(x *Node) *Node { return ApplyOp1(reduceSumAllOp{}, x) }

// broadcastScalarOp replicates a scalar over the configured dimensions. It is an
// example of a configured operator: instances with equal dimensions compare equal and
// are deduplicated.
type broadcastScalarOp struct {
	dimensions []int
}

func (op *broadcastScalarOp) Name() string { return "BroadcastScalar" }

func (op *broadcastScalarOp) OutputShapes(inputs ...shapes.Shape) []shapes.Shape {
	if len(inputs) != 1 {
		exceptions.Panicf("BroadcastScalar: requires 1 input, got %d", len(inputs))
	}
	operand := inputs[0]
	if !operand.Ok() || !operand.IsScalar() {
		exceptions.Panicf("BroadcastScalar: requires a scalar operand, got %s", operand)
	}
	return []shapes.Shape{shapes.Make(operand.DType, op.dimensions...)}
}

func (op *broadcastScalarOp) Eval(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	operand := inputs[0]
	output := tensors.FromShape(shapes.Make(operand.DType(), op.dimensions...))
	switch operand.DType() {
	case dtypes.Float32:
		fillFromScalar[float32](output, operand)
	case dtypes.Float64:
		fillFromScalar[float64](output, operand)
	default:
		return nil, errors.Errorf("BroadcastScalar: dtype %s not supported", operand.DType())
	}
	return []*tensors.Tensor{output}, nil
}

func fillFromScalar[T floatT](output, scalar *tensors.Tensor) {
	value := tensors.ToScalar[T](scalar)
	tensors.MutableFlatData(output, func(flat []T) {
		for ii := range flat {
			flat[ii] = value
		}
	})
}

func (op *broadcastScalarOp) VJP(apply *Apply, outputGrads []*Node) []*Node {
	return []*Node{ReduceSumAll(outputGrads[0])}
}

func (op *broadcastScalarOp) JVP(apply *Apply, tangents []*Node) []*Node {
	return []*Node{BroadcastScalar(tangents[0], op.dimensions...)}
}

func (op *broadcastScalarOp) EqualOp(other Op) bool {
	otherBroadcast, ok := other.(*broadcastScalarOp)
	return ok && slices.Equal(otherBroadcast.dimensions, op.dimensions)
}

// BroadcastScalar replicates the scalar x over the given dimensions.
func BroadcastScalar(x *Node, dimensions ...int) *Node {
	return ApplyOp1(&broadcastScalarOp{dimensions: slices.Clone(dimensions)}, x)
}

// reshapeOp reinterprets its input with the configured dimensions, preserving the
// total size.
type reshapeOp struct {
	dimensions []int
}

func (op *reshapeOp) Name() string { return "Reshape" }

func (op *reshapeOp) OutputShapes(inputs ...shapes.Shape) []shapes.Shape {
	if len(inputs) != 1 {
		exceptions.Panicf("Reshape: requires 1 input, got %d", len(inputs))
	}
	operand := inputs[0]
	if !operand.Ok() {
		exceptions.Panicf("Reshape: invalid operand shape")
	}
	newShape := shapes.Make(operand.DType, op.dimensions...)
	if newShape.Size() != operand.Size() {
		exceptions.Panicf("Reshape: cannot reshape %s to dimensions %v, sizes differ", operand, op.dimensions)
	}
	return []shapes.Shape{newShape}
}

func (op *reshapeOp) Eval(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	return []*tensors.Tensor{inputs[0].Reshape(op.dimensions...)}, nil
}

func (op *reshapeOp) VJP(apply *Apply, outputGrads []*Node) []*Node {
	return []*Node{Reshape(outputGrads[0], apply.Input(0).Shape().Dimensions...)}
}

func (op *reshapeOp) JVP(apply *Apply, tangents []*Node) []*Node {
	return []*Node{Reshape(tangents[0], op.dimensions...)}
}

func (op *reshapeOp) EqualOp(other Op) bool {
	otherReshape, ok := other.(*reshapeOp)
	return ok && slices.Equal(otherReshape.dimensions, op.dimensions)
}

// Reshape reinterprets x with the given dimensions. The total size must not change.
func Reshape(x *Node, dimensions ...int) *Node {
	return ApplyOp1(&reshapeOp{dimensions: slices.Clone(dimensions)}, x)
}

// transposeOp transposes a rank-2 matrix.
type transposeOp struct{}

func (transposeOp) Name() string { return "Transpose" }

func (transposeOp) OutputShapes(inputs ...shapes.Shape) []shapes.Shape {
	if len(inputs) != 1 {
		exceptions.Panicf("Transpose: requires 1 input, got %d", len(inputs))
	}
	operand := inputs[0]
	if !operand.Ok() || operand.Rank() != 2 {
		exceptions.Panicf("Transpose: requires a rank-2 operand, got %s", operand)
	}
	return []shapes.Shape{shapes.Make(operand.DType, operand.Dimensions[1], operand.Dimensions[0])}
}

func (transposeOp) Eval(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	operand := inputs[0]
	switch operand.DType() {
	case dtypes.Float32:
		return []*tensors.Tensor{evalTranspose[float32](operand)}, nil
	case dtypes.Float64:
		return []*tensors.Tensor{evalTranspose[float64](operand)}, nil
	}
	return nil, errors.Errorf("Transpose: dtype %s not supported", operand.DType())
}

func evalTranspose[T floatT](operand *tensors.Tensor) *tensors.Tensor {
	numRows, numCols := operand.Shape().Dim(0), operand.Shape().Dim(1)
	output := tensors.FromShape(shapes.Make(operand.DType(), numCols, numRows))
	tensors.ConstFlatData(operand, func(in []T) {
		tensors.MutableFlatData(output, func(out []T) {
			for row := 0; row < numRows; row++ {
				for col := 0; col < numCols; col++ {
					out[col*numRows+row] = in[row*numCols+col]
				}
			}
		})
	})
	return output
}

func (transposeOp) VJP(apply *Apply, outputGrads []*Node) []*Node {
	return []*Node{Transpose(outputGrads[0])}
}

func (transposeOp) JVP(apply *Apply, tangents []*Node) []*Node {
	return []*Node{Transpose(tangents[0])}
}

func (transposeOp) EqualOp(other Op) bool {
	_, ok := other.(transposeOp)
	return ok
}

// Transpose returns the transposed rank-2 matrix.
func Transpose(x *Node) *Node { return ApplyOp1(transposeOp{}, x) }

// dotOp is the matrix multiplication operator. It uses the compiled execution
// strategy: at computation compile time it builds a thunk specialized to the operand
// shapes, which is then invoked on every run.
type dotOp struct{}

func (dotOp) Name() string { return "Dot" }

func (dotOp) OutputShapes(inputs ...shapes.Shape) []shapes.Shape {
	if len(inputs) != 2 {
		exceptions.Panicf("Dot: requires 2 inputs, got %d", len(inputs))
	}
	lhs, rhs := inputs[0], inputs[1]
	if !lhs.Ok() || !rhs.Ok() || lhs.Rank() != 2 || rhs.Rank() != 2 {
		exceptions.Panicf("Dot: requires rank-2 operands, got %s and %s", lhs, rhs)
	}
	if lhs.DType != rhs.DType || !lhs.DType.IsFloat() {
		exceptions.Panicf("Dot: requires float operands of the same dtype, got %s and %s", lhs, rhs)
	}
	if lhs.Dimensions[1] != rhs.Dimensions[0] {
		exceptions.Panicf("Dot: contracting dimensions don't match: %s and %s", lhs, rhs)
	}
	return []shapes.Shape{shapes.Make(lhs.DType, lhs.Dimensions[0], rhs.Dimensions[1])}
}

func (op dotOp) BuildThunk(inputShapes []shapes.Shape) (backends.Thunk, error) {
	outputShape := op.OutputShapes(inputShapes...)[0]
	lhsShape := inputShapes[0]
	m, k, n := lhsShape.Dimensions[0], lhsShape.Dimensions[1], outputShape.Dimensions[1]
	switch outputShape.DType {
	case dtypes.Float32:
		return dotThunk[float32](outputShape, m, k, n), nil
	case dtypes.Float64:
		return dotThunk[float64](outputShape, m, k, n), nil
	}
	return nil, errors.Errorf("Dot: dtype %s not supported", outputShape.DType)
}

func dotThunk[T floatT](outputShape shapes.Shape, m, k, n int) backends.Thunk {
	return func(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
		output := tensors.FromShape(outputShape)
		tensors.ConstFlatData(inputs[0], func(lhs []T) {
			tensors.ConstFlatData(inputs[1], func(rhs []T) {
				tensors.MutableFlatData(output, func(out []T) {
					for row := 0; row < m; row++ {
						for contract := 0; contract < k; contract++ {
							lhsValue := lhs[row*k+contract]
							if lhsValue == 0 {
								continue
							}
							for col := 0; col < n; col++ {
								out[row*n+col] += lhsValue * rhs[contract*n+col]
							}
						}
					}
				})
			})
		})
		return []*tensors.Tensor{output}, nil
	}
}

func (dotOp) VJP(apply *Apply, outputGrads []*Node) []*Node {
	lhs, rhs := apply.Input(0), apply.Input(1)
	v := outputGrads[0]
	return []*Node{
		Dot(v, Transpose(rhs)),
		Dot(Transpose(lhs), v),
	}
}

func (dotOp) JVP(apply *Apply, tangents []*Node) []*Node {
	lhs, rhs := apply.Input(0), apply.Input(1)
	return []*Node{Add(Dot(tangents[0], rhs), Dot(lhs, tangents[1]))}
}

func (dotOp) EqualOp(other Op) bool {
	_, ok := other.(dotOp)
	return ok
}

// Dot returns the matrix multiplication of two rank-2 nodes: [m, k] x [k, n] -> [m, n].
func Dot(lhs, rhs *Node) *Node { return ApplyOp1(dotOp{}, lhs, rhs) }

// bsplineOp evaluates a B-spline curve elementwise over its input. Like Dot it uses
// the compiled execution strategy: the thunk built at compile time carries the
// configured curve. It has no differentiation hooks -- the curve evaluation happens
// outside the graph, so gradients don't flow through it.
type bsplineOp struct {
	curve *bsplines.BSpline
}

func (op bsplineOp) Name() string { return "BSpline" }

func (op bsplineOp) OutputShapes(inputs ...shapes.Shape) []shapes.Shape {
	return unaryOutputShape("BSpline", inputs...)
}

func (op bsplineOp) BuildThunk(inputShapes []shapes.Shape) (backends.Thunk, error) {
	outputShape := inputShapes[0].Clone()
	switch outputShape.DType {
	case dtypes.Float32:
		return bsplineThunk[float32](op.curve, outputShape), nil
	case dtypes.Float64:
		return bsplineThunk[float64](op.curve, outputShape), nil
	}
	return nil, errors.Errorf("BSpline: dtype %s not supported", outputShape.DType)
}

func bsplineThunk[T floatT](curve *bsplines.BSpline, outputShape shapes.Shape) backends.Thunk {
	return func(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
		output := tensors.FromShape(outputShape)
		tensors.ConstFlatData(inputs[0], func(in []T) {
			tensors.MutableFlatData(output, func(out []T) {
				for ii, x := range in {
					out[ii] = T(curve.Evaluate(float64(x)))
				}
			})
		})
		return []*tensors.Tensor{output}, nil
	}
}

func (op bsplineOp) EqualOp(other Op) bool {
	otherBSpline, ok := other.(bsplineOp)
	return ok && otherBSpline.curve == op.curve
}

// BSpline evaluates the B-spline curve elementwise at each value of x. The curve's
// control points must already be set.
func BSpline(x *Node, curve *bsplines.BSpline) *Node {
	if curve == nil {
		exceptions.Panicf("BSpline: requires a non-nil curve")
	}
	return ApplyOp1(bsplineOp{curve: curve}, x)
}

// identityOp passes its input through unchanged. Used by StopGradient, so it doesn't
// participate in deduplication.
type identityOp struct{}

func (identityOp) Name() string { return "Identity" }

func (identityOp) OutputShapes(inputs ...shapes.Shape) []shapes.Shape {
	if len(inputs) != 1 {
		exceptions.Panicf("Identity: requires 1 input, got %d", len(inputs))
	}
	return []shapes.Shape{inputs[0].Clone()}
}

func (identityOp) Eval(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	// Clone: outputs must never alias a tensor the caller handed to Execute.
	return []*tensors.Tensor{inputs[0].Clone()}, nil
}

func (identityOp) VJP(apply *Apply, outputGrads []*Node) []*Node {
	return []*Node{outputGrads[0]}
}

func (identityOp) JVP(apply *Apply, tangents []*Node) []*Node {
	return []*Node{tangents[0]}
}

// StopGradient returns a node with the same value as x through which no gradient
// flows during reverse-mode differentiation.
func StopGradient(x *Node) *Node {
	node := ApplyOp1(identityOp{}, x)
	node.stopGradient = true
	return node
}

// sigmoidOp lowers to primitive nodes: 1/(1+e^-x). Gradients flow through the
// primitives, so it needs no differentiation hooks of its own.
type sigmoidOp struct{}

func (sigmoidOp) Name() string { return "Sigmoid" }

func (sigmoidOp) OutputShapes(inputs ...shapes.Shape) []shapes.Shape {
	return unaryOutputShape("Sigmoid", inputs...)
}

func (sigmoidOp) Lower(g *Graph, inputs []*Node) []*Node {
	x := inputs[0]
	one := ScalarOne(g, x.DType())
	return []*Node{Div(one, Add(one, Exp(Neg(x))))}
}

// Sigmoid returns 1/(1+e^-x) elementwise.
func Sigmoid(x *Node) *Node { return ApplyOp1(sigmoidOp{}, x) }

// squareOp lowers to x*x.
type squareOp struct{}

func (squareOp) Name() string { return "Square" }

func (squareOp) OutputShapes(inputs ...shapes.Shape) []shapes.Shape {
	return unaryOutputShape("Square", inputs...)
}

func (squareOp) Lower(g *Graph, inputs []*Node) []*Node {
	x := inputs[0]
	return []*Node{Mul(x, x)}
}

// Square returns x*x elementwise.
func Square(x *Node) *Node { return ApplyOp1(squareOp{}, x) }
