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
	"math"

	"github.com/chewxy/math32"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opgraph/tensors"
	"github.com/gomlx/opgraph/types/shapes"
	"github.com/pkg/errors"
)

// This file implements the elementwise math builtin operators. They all go through
// the same Op contract third-party operators use: unaryOp and binaryOp are generic
// interpreted (Evaler) operators configured with their kernels and differentiation
// rules.
//
// All math builtins require float dtypes (float32 or float64 kernels are provided).
// Binary operators require the operands to have the same dtype, and either the same
// dimensions or a scalar on one of the sides, which is then broadcast.

// floatT are the Go types the builtin math kernels are instantiated for.
type floatT interface {
	float32 | float64
}

// unaryOutputShape is the shape inference shared by all elementwise unary operators.
func unaryOutputShape(opName string, inputs ...shapes.Shape) []shapes.Shape {
	if len(inputs) != 1 {
		exceptions.Panicf("%s: requires 1 input, got %d", opName, len(inputs))
	}
	operand := inputs[0]
	if !operand.Ok() {
		exceptions.Panicf("%s: invalid operand shape", opName)
	}
	if !operand.DType.IsFloat() {
		exceptions.Panicf("%s: requires a float operand, got %s", opName, operand)
	}
	return []shapes.Shape{operand.Clone()}
}

// binaryOutputShape is the shape inference shared by all elementwise binary
// operators: same dtype, and same dimensions or a scalar on either side.
func binaryOutputShape(opName string, inputs ...shapes.Shape) []shapes.Shape {
	if len(inputs) != 2 {
		exceptions.Panicf("%s: requires 2 inputs, got %d", opName, len(inputs))
	}
	lhs, rhs := inputs[0], inputs[1]
	if !lhs.Ok() || !rhs.Ok() {
		exceptions.Panicf("%s: invalid operand shape", opName)
	}
	if lhs.DType != rhs.DType {
		exceptions.Panicf("%s: operands dtypes don't match: %s and %s", opName, lhs, rhs)
	}
	if !lhs.DType.IsFloat() {
		exceptions.Panicf("%s: requires float operands, got %s", opName, lhs)
	}
	switch {
	case lhs.IsScalar():
		return []shapes.Shape{rhs.Clone()}
	case rhs.IsScalar():
		return []shapes.Shape{lhs.Clone()}
	case lhs.EqualDimensions(rhs):
		return []shapes.Shape{lhs.Clone()}
	}
	exceptions.Panicf("%s: operands shapes are incompatible: %s and %s", opName, lhs, rhs)
	return nil
}

// unaryOp is a generic elementwise interpreted operator with one input and one
// output. The differentiation hooks are optional.
type unaryOp struct {
	name string
	f32  func(x float32) float32
	f64  func(x float64) float64

	// vjp returns the adjoint of the input given the adjoint of the output.
	vjp func(apply *Apply, v *Node) *Node

	// jvp returns the tangent of the output given the tangent of the input.
	jvp func(apply *Apply, tangent *Node) *Node
}

func (op *unaryOp) Name() string { return op.name }

func (op *unaryOp) OutputShapes(inputs ...shapes.Shape) []shapes.Shape {
	return unaryOutputShape(op.name, inputs...)
}

func (op *unaryOp) Eval(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	if len(inputs) != 1 {
		return nil, errors.Errorf("%s: requires 1 input, got %d", op.name, len(inputs))
	}
	operand := inputs[0]
	switch operand.DType() {
	case dtypes.Float32:
		return []*tensors.Tensor{evalUnary(operand, op.f32)}, nil
	case dtypes.Float64:
		return []*tensors.Tensor{evalUnary(operand, op.f64)}, nil
	}
	return nil, errors.Errorf("%s: dtype %s not supported", op.name, operand.DType())
}

func (op *unaryOp) VJP(apply *Apply, outputGrads []*Node) []*Node {
	if op.vjp == nil {
		exceptions.Panicf("operator %q is not reverse-mode differentiable", op.name)
	}
	return []*Node{op.vjp(apply, outputGrads[0])}
}

func (op *unaryOp) JVP(apply *Apply, tangents []*Node) []*Node {
	if op.jvp == nil {
		exceptions.Panicf("operator %q is not forward-mode differentiable", op.name)
	}
	return []*Node{op.jvp(apply, tangents[0])}
}

func (op *unaryOp) EqualOp(other Op) bool {
	otherUnary, ok := other.(*unaryOp)
	return ok && otherUnary.name == op.name
}

func evalUnary[T floatT](operand *tensors.Tensor, fn func(T) T) *tensors.Tensor {
	output := tensors.FromShape(operand.Shape())
	tensors.ConstFlatData(operand, func(in []T) {
		tensors.MutableFlatData(output, func(out []T) {
			for ii, x := range in {
				out[ii] = fn(x)
			}
		})
	})
	return output
}

// binaryOp is a generic elementwise interpreted operator with two inputs and one
// output, supporting scalar broadcast on either side.
type binaryOp struct {
	name string
	f32  func(lhs, rhs float32) float32
	f64  func(lhs, rhs float64) float64

	// vjp returns the adjoints of lhs and rhs before any scalar-broadcast
	// correction, which binaryOp.VJP applies.
	vjp func(apply *Apply, v *Node) (lhs, rhs *Node)

	// jvp returns the tangent of the output given the tangents of the inputs.
	jvp func(apply *Apply, lhsTangent, rhsTangent *Node) *Node
}

func (op *binaryOp) Name() string { return op.name }

func (op *binaryOp) OutputShapes(inputs ...shapes.Shape) []shapes.Shape {
	return binaryOutputShape(op.name, inputs...)
}

func (op *binaryOp) Eval(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	if len(inputs) != 2 {
		return nil, errors.Errorf("%s: requires 2 inputs, got %d", op.name, len(inputs))
	}
	lhs, rhs := inputs[0], inputs[1]
	switch lhs.DType() {
	case dtypes.Float32:
		return []*tensors.Tensor{evalBinary(lhs, rhs, op.f32)}, nil
	case dtypes.Float64:
		return []*tensors.Tensor{evalBinary(lhs, rhs, op.f64)}, nil
	}
	return nil, errors.Errorf("%s: dtype %s not supported", op.name, lhs.DType())
}

func (op *binaryOp) VJP(apply *Apply, outputGrads []*Node) []*Node {
	if op.vjp == nil {
		exceptions.Panicf("operator %q is not reverse-mode differentiable", op.name)
	}
	lhsVJP, rhsVJP := op.vjp(apply, outputGrads[0])
	return []*Node{
		reduceForScalarBroadcast(apply.Input(0), lhsVJP),
		reduceForScalarBroadcast(apply.Input(1), rhsVJP),
	}
}

func (op *binaryOp) JVP(apply *Apply, tangents []*Node) []*Node {
	if op.jvp == nil {
		exceptions.Panicf("operator %q is not forward-mode differentiable", op.name)
	}
	return []*Node{op.jvp(apply, tangents[0], tangents[1])}
}

func (op *binaryOp) EqualOp(other Op) bool {
	otherBinary, ok := other.(*binaryOp)
	return ok && otherBinary.name == op.name
}

// reduceForScalarBroadcast fixes the adjoint of an operand that was broadcast from a
// scalar: the incoming gradient has the output shape and must be summed back to a
// scalar.
func reduceForScalarBroadcast(input, vjp *Node) *Node {
	if vjp == nil {
		return nil
	}
	if input.IsScalar() && !vjp.IsScalar() {
		return ReduceSumAll(vjp)
	}
	return vjp
}

func evalBinary[T floatT](lhs, rhs *tensors.Tensor, fn func(T, T) T) (output *tensors.Tensor) {
	outputShape := lhs.Shape()
	if lhs.IsScalar() && !rhs.IsScalar() {
		outputShape = rhs.Shape()
	}
	output = tensors.FromShape(outputShape)
	tensors.ConstFlatData(lhs, func(lhsFlat []T) {
		tensors.ConstFlatData(rhs, func(rhsFlat []T) {
			tensors.MutableFlatData(output, func(out []T) {
				switch {
				case len(lhsFlat) == len(rhsFlat):
					for ii := range out {
						out[ii] = fn(lhsFlat[ii], rhsFlat[ii])
					}
				case len(lhsFlat) == 1:
					for ii := range out {
						out[ii] = fn(lhsFlat[0], rhsFlat[ii])
					}
				default:
					for ii := range out {
						out[ii] = fn(lhsFlat[ii], rhsFlat[0])
					}
				}
			})
		})
	})
	return
}

var (
	addOp  *binaryOp
	subOp  *binaryOp
	mulOp  *binaryOp
	divOp  *binaryOp
	negOp  *unaryOp
	expOp  *unaryOp
	logOp  *unaryOp
	tanhOp *unaryOp
)

// The ops that reference their own builder functions (Add, Sub, ...) in their
// vjp/jvp closures are assigned in init to avoid an initialization cycle.
func init() {
	addOp = &binaryOp{
		name: "Add",
		f32:  func(lhs, rhs float32) float32 { return lhs + rhs },
		f64:  func(lhs, rhs float64) float64 { return lhs + rhs },
		vjp: func(apply *Apply, v *Node) (*Node, *Node) {
			return v, v
		},
		jvp: func(apply *Apply, lhsTangent, rhsTangent *Node) *Node {
			return Add(lhsTangent, rhsTangent)
		},
	}

	subOp = &binaryOp{
		name: "Sub",
		f32:  func(lhs, rhs float32) float32 { return lhs - rhs },
		f64:  func(lhs, rhs float64) float64 { return lhs - rhs },
		vjp: func(apply *Apply, v *Node) (*Node, *Node) {
			return v, Neg(v)
		},
		jvp: func(apply *Apply, lhsTangent, rhsTangent *Node) *Node {
			return Sub(lhsTangent, rhsTangent)
		},
	}

	mulOp = &binaryOp{
		name: "Mul",
		f32:  func(lhs, rhs float32) float32 { return lhs * rhs },
		f64:  func(lhs, rhs float64) float64 { return lhs * rhs },
		vjp: func(apply *Apply, v *Node) (*Node, *Node) {
			lhs, rhs := apply.Input(0), apply.Input(1)
			return Mul(v, rhs), Mul(v, lhs)
		},
		jvp: func(apply *Apply, lhsTangent, rhsTangent *Node) *Node {
			lhs, rhs := apply.Input(0), apply.Input(1)
			return Add(Mul(lhsTangent, rhs), Mul(lhs, rhsTangent))
		},
	}

	divOp = &binaryOp{
		name: "Div",
		f32:  func(lhs, rhs float32) float32 { return lhs / rhs },
		f64:  func(lhs, rhs float64) float64 { return lhs / rhs },
		vjp: func(apply *Apply, v *Node) (*Node, *Node) {
			lhs, rhs := apply.Input(0), apply.Input(1)
			return Div(v, rhs), Neg(Div(Mul(v, lhs), Mul(rhs, rhs)))
		},
		jvp: func(apply *Apply, lhsTangent, rhsTangent *Node) *Node {
			lhs, rhs := apply.Input(0), apply.Input(1)
			return Div(Sub(Mul(lhsTangent, rhs), Mul(lhs, rhsTangent)), Mul(rhs, rhs))
		},
	}

	negOp = &unaryOp{
		name: "Neg",
		f32:  func(x float32) float32 { return -x },
		f64:  func(x float64) float64 { return -x },
		vjp: func(apply *Apply, v *Node) *Node {
			return Neg(v)
		},
		jvp: func(apply *Apply, tangent *Node) *Node {
			return Neg(tangent)
		},
	}

	expOp = &unaryOp{
		name: "Exp",
		f32:  math32.Exp,
		f64:  math.Exp,
		vjp: func(apply *Apply, v *Node) *Node {
			return Mul(v, apply.Output(0))
		},
		jvp: func(apply *Apply, tangent *Node) *Node {
			return Mul(tangent, apply.Output(0))
		},
	}

	logOp = &unaryOp{
		name: "Log",
		f32:  math32.Log,
		f64:  math.Log,
		vjp: func(apply *Apply, v *Node) *Node {
			return Div(v, apply.Input(0))
		},
		jvp: func(apply *Apply, tangent *Node) *Node {
			return Div(tangent, apply.Input(0))
		},
	}

	tanhOp = &unaryOp{
		name: "Tanh",
		f32:  math32.Tanh,
		f64:  math.Tanh,
		vjp: func(apply *Apply, v *Node) *Node {
			y := apply.Output(0)
			return Mul(v, Sub(ScalarOne(y.Graph(), y.DType()), Mul(y, y)))
		},
		jvp: func(apply *Apply, tangent *Node) *Node {
			y := apply.Output(0)
			return Mul(tangent, Sub(ScalarOne(y.Graph(), y.DType()), Mul(y, y)))
		},
	}
}

// Add returns the elementwise sum of the two nodes. One of the sides can be a scalar,
// which is then broadcast.
func Add(lhs, rhs *Node) *Node { return ApplyOp1(addOp, lhs, rhs) }

// Sub returns the elementwise subtraction of the two nodes. One of the sides can be a
// scalar, which is then broadcast.
func Sub(lhs, rhs *Node) *Node { return ApplyOp1(subOp, lhs, rhs) }

// Mul returns the elementwise product of the two nodes. One of the sides can be a
// scalar, which is then broadcast.
func Mul(lhs, rhs *Node) *Node { return ApplyOp1(mulOp, lhs, rhs) }

// Div returns the elementwise division of the two nodes. One of the sides can be a
// scalar, which is then broadcast.
func Div(lhs, rhs *Node) *Node { return ApplyOp1(divOp, lhs, rhs) }

// Neg returns the elementwise negation of the node.
func Neg(x *Node) *Node { return ApplyOp1(negOp, x) }

// Exp returns e^x elementwise.
func Exp(x *Node) *Node { return ApplyOp1(expOp, x) }

// Log returns the natural logarithm elementwise.
func Log(x *Node) *Node { return ApplyOp1(logOp, x) }

// Tanh returns the hyperbolic tangent elementwise.
func Tanh(x *Node) *Node { return ApplyOp1(tanhOp, x) }
