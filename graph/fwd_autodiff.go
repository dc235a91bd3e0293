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

// This file implements forward-mode differentiation, also known as the R-op: the
// directional derivative (Jacobian-vector product) of the graph outputs along given
// tangent directions, using JVPs provided by each operator through the
// ForwardDifferentiable hook.

// JVP creates new nodes computing the directional derivatives (tangents) of outputs
// when wrt[ii] moves along tangents[ii]. Each tangent must have the same shape as its
// wrt node; the wrt nodes must be distinct.
//
// Every operator on a path from a wrt node to an output must implement the
// ForwardDifferentiable hook, or JVP panics with a message naming the operator.
//
// The returned nodes are in the same order as outputs; an output with no dependency
// on any wrt node gets a zero tangent.
func JVP(outputs []*Node, wrt []*Node, tangents []*Node) []*Node {
	if len(outputs) == 0 {
		exceptions.Panicf("JVP requires at least one output node")
	}
	if len(wrt) != len(tangents) {
		exceptions.Panicf("JVP got %d wrt nodes but %d tangents", len(wrt), len(tangents))
	}
	allInputNodes := make([]*Node, 0, len(outputs)+2*len(wrt))
	allInputNodes = append(allInputNodes, outputs...)
	allInputNodes = append(allInputNodes, wrt...)
	allInputNodes = append(allInputNodes, tangents...)
	g := validateBuildingGraphFromInputs(allInputNodes...)

	// Snapshot of the graph: nodes and applies created by the JVP hooks below get
	// larger ids and don't participate in the forward walk.
	numNodes := len(g.nodes)
	numApplies := len(g.applies)

	tangentOf := make([]*Node, numNodes)
	for ii, node := range wrt {
		if !tangents[ii].Shape().Equal(node.Shape()) {
			exceptions.Panicf("JVP tangent #%d has shape %s, but its wrt node has shape %s",
				ii, tangents[ii].Shape(), node.Shape())
		}
		if tangentOf[node.id] != nil {
			exceptions.Panicf("JVP wrt node #%d (%s) given more than once", ii, node)
		}
		tangentOf[node.id] = tangents[ii]
	}

	// Walk the applies in creation order, which respects the DAG: inputs always come
	// before the applies consuming them.
	for applyIdx := 0; applyIdx < numApplies; applyIdx++ {
		apply := g.applies[applyIdx]
		hasTangent := false
		for _, input := range apply.inputs {
			if tangentOf[input.id] != nil && !input.stopGradient {
				hasTangent = true
				break
			}
		}
		if !hasTangent {
			continue
		}
		fwdOp, ok := apply.op.(ForwardDifferentiable)
		if !ok {
			exceptions.Panicf(
				"cannot compute directional derivative: operator %q does not implement graph.ForwardDifferentiable",
				apply.op.Name())
		}
		inputTangents := make([]*Node, apply.NumInputs())
		for ii, input := range apply.inputs {
			if tangent := tangentOf[input.id]; tangent != nil && !input.stopGradient {
				inputTangents[ii] = tangent
			} else {
				inputTangents[ii] = ZerosLike(input)
			}
		}
		outputTangents := fwdOp.JVP(apply, inputTangents)
		if len(outputTangents) != apply.NumOutputs() {
			exceptions.Panicf(
				"operator %q JVP returned %d values, but the operator has %d outputs",
				apply.op.Name(), len(outputTangents), apply.NumOutputs())
		}
		for ii, outputNode := range apply.outputs {
			tangent := outputTangents[ii]
			if tangent == nil || outputNode.stopGradient {
				continue
			}
			if !tangent.Shape().Equal(outputNode.Shape()) {
				exceptions.Panicf(
					"operator %q JVP for output #%d has shape %s, but the output has shape %s",
					apply.op.Name(), ii, tangent.Shape(), outputNode.Shape())
			}
			tangentOf[outputNode.id] = tangent
		}
	}

	results := make([]*Node, len(outputs))
	for ii, node := range outputs {
		if tangent := tangentOf[node.id]; tangent != nil {
			results[ii] = tangent
		} else {
			results[ii] = ZerosLike(node)
		}
	}
	return results
}
