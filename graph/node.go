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
	"fmt"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opgraph/tensors"
	"github.com/gomlx/opgraph/types/shapes"
	"github.com/gomlx/opgraph/types/xslices"
)

// NodeId is a unique identifier of a Node within a Graph.
type NodeId int

// ApplyId is a unique identifier of an Apply within a Graph.
type ApplyId int

// InvalidNodeId is returned when a node is not part of a graph.
const InvalidNodeId = NodeId(-1)

// Apply binds one operator instance to its ordered input and output symbolic values.
// It is immutable once constructed by ApplyOp.
type Apply struct {
	graph   *Graph
	id      ApplyId
	op      Op
	inputs  []*Node
	outputs []*Node
}

// Op returns the operator instance bound by this Apply.
func (a *Apply) Op() Op { return a.op }

// Graph that holds this Apply.
func (a *Apply) Graph() *Graph { return a.graph }

// Inputs returns the ordered input nodes. The returned slice is owned by the Apply
// and must not be modified.
func (a *Apply) Inputs() []*Node { return a.inputs }

// Outputs returns the ordered output nodes. The returned slice is owned by the Apply
// and must not be modified.
func (a *Apply) Outputs() []*Node { return a.outputs }

// NumInputs returns the number of inputs.
func (a *Apply) NumInputs() int { return len(a.inputs) }

// NumOutputs returns the number of outputs.
func (a *Apply) NumOutputs() int { return len(a.outputs) }

// Input returns the idx-th input node. Negative indices count from the end.
func (a *Apply) Input(idx int) *Node { return xslices.At(a.inputs, idx) }

// Output returns the idx-th output node. Negative indices count from the end.
func (a *Apply) Output(idx int) *Node { return xslices.At(a.outputs, idx) }

// String implements fmt.Stringer.
func (a *Apply) String() string {
	inputIds := xslices.Map(a.inputs, func(n *Node) string { return fmt.Sprintf("#%d", n.Id()) })
	outputIds := xslices.Map(a.outputs, func(n *Node) string { return fmt.Sprintf("#%d", n.Id()) })
	return fmt.Sprintf("%s(%s) -> (%s)", a.op.Name(), strings.Join(inputIds, ", "), strings.Join(outputIds, ", "))
}

// nodeKind distinguishes the leaf nodes (parameters and constants), which are handed
// directly to the backend, from operator outputs.
type nodeKind int

const (
	nodeKindApply nodeKind = iota
	nodeKindParameter
	nodeKindConstant
)

// Node is a symbolic value in a computation graph: a typed placeholder for a future
// tensor. It carries a shape but no data, and is immutable once created.
//
// A Node is created either as a graph parameter (Graph.Parameter), a constant
// (Const and friends) or as one of the outputs of an operator application (ApplyOp).
type Node struct {
	graph *Graph
	id    NodeId
	shape shapes.Shape
	kind  nodeKind

	// apply is the operator application that produced this node; nil for parameters
	// and constants.
	apply     *Apply
	outputIdx int

	// paramName is set for parameter nodes.
	paramName string

	// constValue is set for constant nodes.
	constValue *tensors.Tensor

	// stopGradient is set if no gradient is supposed to pass through.
	stopGradient bool
}

// Graph that holds this Node.
func (n *Node) Graph() *Graph {
	if n == nil {
		return nil
	}
	return n.graph
}

// Id of the Node within its graph.
func (n *Node) Id() NodeId {
	if n == nil {
		return InvalidNodeId
	}
	return n.id
}

// Shape of the symbolic value.
func (n *Node) Shape() shapes.Shape {
	if n == nil {
		return shapes.Shape{}
	}
	return n.shape
}

// DType of the node's shape.
func (n *Node) DType() dtypes.DType { return n.Shape().DType }

// Rank of the node's shape.
func (n *Node) Rank() int { return n.Shape().Rank() }

// IsScalar returns whether the node's shape is a scalar.
func (n *Node) IsScalar() bool { return n.Shape().IsScalar() }

// Apply returns the operator application that produced this node, or nil for
// parameters and constants.
func (n *Node) Apply() *Apply { return n.apply }

// OutputIdx returns the index of this node among the outputs of its Apply. It
// returns 0 for parameters and constants.
func (n *Node) OutputIdx() int { return n.outputIdx }

// Inputs returns the inputs of the Apply that produced this node, or nil for
// parameters and constants.
func (n *Node) Inputs() []*Node {
	if n.apply == nil {
		return nil
	}
	return n.apply.inputs
}

// IsParameter returns whether this node is a graph parameter.
func (n *Node) IsParameter() bool { return n.kind == nodeKindParameter }

// IsConstant returns whether this node is a constant.
func (n *Node) IsConstant() bool { return n.kind == nodeKindConstant }

// ParameterName returns the name of a parameter node, or "" otherwise.
func (n *Node) ParameterName() string { return n.paramName }

// ConstValue returns the value of a constant node, or nil otherwise. The returned
// tensor must not be modified.
func (n *Node) ConstValue() *tensors.Tensor { return n.constValue }

// OpName returns the name of the operator that produced this node, or "Parameter" /
// "Constant" for the leaf nodes.
func (n *Node) OpName() string {
	switch n.kind {
	case nodeKindParameter:
		return "Parameter"
	case nodeKindConstant:
		return "Constant"
	default:
		return n.apply.op.Name()
	}
}

// AssertDims checks that the node's shape has the given dimensions and rank. A value
// of -1 in dimensions means it can take any value and is not checked. It panics if
// the shape doesn't match.
func (n *Node) AssertDims(dimensions ...int) {
	n.Shape().AssertDims(dimensions...)
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	if n == nil {
		return "Node(nil)"
	}
	switch n.kind {
	case nodeKindParameter:
		return fmt.Sprintf("#%d: Parameter(%q) -> %s", n.id, n.paramName, n.shape)
	case nodeKindConstant:
		return fmt.Sprintf("#%d: Constant -> %s", n.id, n.shape)
	default:
		inputIds := xslices.Map(n.apply.inputs, func(input *Node) string {
			return fmt.Sprintf("#%d", input.Id())
		})
		return fmt.Sprintf("#%d: %s(%s) -> %s", n.id, n.apply.op.Name(), strings.Join(inputIds, ", "), n.shape)
	}
}
