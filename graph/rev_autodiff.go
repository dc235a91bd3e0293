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
	"github.com/gomlx/exceptions"
)

// This file implements reverse-mode automatic differentiation, using VJPs (vector
// Jacobian products) provided by each operator through the Differentiable hook.
//
// Conventions used below:
//
//   - root node: the scalar output being differentiated.
//   - selected nodes: the nodes with respect to which we want the gradient of the
//     root. Typically these are graph parameters (weights).
//   - VJP / adjoint: the accumulated reverse gradient of the root with respect to the
//     node being processed. The final gradients are the adjoints of the selected
//     nodes. They are generated in reverse node order, from the root back to its
//     inputs, so that by the time a node is reached every consumer of its value has
//     already contributed its share of the adjoint.
//   - new nodes: nodes created on the fly (by the VJP hooks) to compute the adjoints.
//     They are not themselves differentiated.

// Gradient creates new nodes for the gradients of output with respect to each node in
// gradientNodes. The output must be a float scalar -- otherwise this would be called
// a Jacobian.
//
// Every operator on the path from gradientNodes to output must implement the
// Differentiable hook, or Gradient panics with a message naming the operator.
// Nodes marked with StopGradient block the backward flow.
//
// The returned nodes are in the same order as gradientNodes; a node with no path to
// output gets a zero gradient.
func Gradient(output *Node, gradientNodes ...*Node) []*Node {
	allInputNodes := make([]*Node, 0, len(gradientNodes)+1)
	allInputNodes = append(allInputNodes, output)
	allInputNodes = append(allInputNodes, gradientNodes...)
	g := validateBuildingGraphFromInputs(allInputNodes...)

	outputShape := output.Shape()
	if !outputShape.IsScalar() || !outputShape.DType.IsFloat() {
		exceptions.Panicf("Gradient only accepts a float scalar output (not jacobians), got output shape %s", outputShape)
	}

	// Snapshot of the graph: nodes created by the VJP hooks below get larger ids and
	// don't participate in the backward walk.
	numNodes := len(g.nodes)

	// included: nodes the root depends on. Only they can carry an adjoint.
	included := make([]bool, numNodes)
	var markIncluded func(node *Node)
	markIncluded = func(node *Node) {
		if included[node.id] {
			return
		}
		included[node.id] = true
		if node.apply != nil {
			for _, input := range node.apply.inputs {
				markIncluded(input)
			}
		}
	}
	markIncluded(output)

	// useful: nodes on a path from one of the selected nodes to the root. For nodes
	// not marked as useful there is no need to generate adjoints.
	selected := make([]bool, numNodes)
	for _, node := range gradientNodes {
		selected[node.id] = true
	}
	useful := make([]bool, numNodes)
	for id := 0; id < numNodes; id++ {
		node := g.nodes[id]
		if selected[id] {
			useful[id] = true
			continue
		}
		if node.apply == nil {
			continue
		}
		for _, input := range node.apply.inputs {
			if useful[input.id] {
				useful[id] = true
				break
			}
		}
	}

	needGradientForNode := func(node *Node) bool {
		return !node.stopGradient && included[node.id] && useful[node.id]
	}

	// adjoints[id] is the accumulated VJP of the root with respect to node id. The
	// gradient of the root with respect to itself is 1.
	adjoints := make([]*Node, numNodes)
	adjoints[output.id] = ScalarOne(g, outputShape.DType)

	// Walk from the root backwards, propagating the adjoints. Nodes are ordered
	// according to the DAG: by the time a node is reached, all applies consuming any
	// of its apply's outputs have already been processed and their VJPs summed up,
	// so the whole apply can be differentiated at once.
	processed := make([]bool, len(g.applies))
	for nodeIdx := output.id; nodeIdx >= 0; nodeIdx-- {
		node := g.nodes[nodeIdx]
		if node.kind != nodeKindApply || !needGradientForNode(node) {
			continue
		}
		apply := node.apply
		if processed[apply.id] {
			continue
		}
		processed[apply.id] = true

		needInputs := false
		for _, input := range apply.inputs {
			if needGradientForNode(input) {
				needInputs = true
				break
			}
		}
		if !needInputs {
			continue
		}

		diffOp, ok := apply.op.(Differentiable)
		if !ok {
			exceptions.Panicf(
				"cannot compute gradient: operator %q does not implement graph.Differentiable",
				apply.op.Name())
		}
		outputGrads := make([]*Node, apply.NumOutputs())
		for ii, outputNode := range apply.outputs {
			if adjoint := adjoints[outputNode.id]; adjoint != nil {
				outputGrads[ii] = adjoint
			} else {
				outputGrads[ii] = ZerosLike(outputNode)
			}
		}
		inputVJPs := diffOp.VJP(apply, outputGrads)
		if len(inputVJPs) != apply.NumInputs() {
			exceptions.Panicf(
				"operator %q VJP returned %d values, but the operator has %d inputs",
				apply.op.Name(), len(inputVJPs), apply.NumInputs())
		}
		for ii, input := range apply.inputs {
			vjp := inputVJPs[ii]
			if vjp == nil || !needGradientForNode(input) {
				continue
			}
			if !vjp.Shape().Equal(input.Shape()) {
				exceptions.Panicf(
					"operator %q VJP for input #%d has shape %s, but the input has shape %s",
					apply.op.Name(), ii, vjp.Shape(), input.Shape())
			}
			if adjoints[input.id] == nil {
				adjoints[input.id] = vjp
			} else {
				adjoints[input.id] = Add(adjoints[input.id], vjp)
			}
		}
	}

	gradients := make([]*Node, len(gradientNodes))
	for ii, node := range gradientNodes {
		if adjoint := adjoints[node.id]; adjoint != nil {
			gradients[ii] = adjoint
		} else {
			gradients[ii] = ZerosLike(node)
		}
	}
	return gradients
}
