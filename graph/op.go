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
	"github.com/gomlx/opgraph/backends"
	"github.com/gomlx/opgraph/types/shapes"
)

// Op is the contract every operator -- builtin or third-party -- must implement to be
// applied to a computation graph.
//
// An Op value is a pure descriptor: its configuration parameters (if any) are fixed at
// construction, and applying it with ApplyOp binds it to input symbolic values,
// producing output symbolic values. The same Op value can be applied many times.
//
// OutputShapes is the operator's shape inference: called at graph building time with
// the input shapes, it must return the shape of every output without computing any
// values. The number and shapes of outputs must be a pure function of the input
// shapes, and every execution strategy of the operator must produce values matching
// them -- backends verify this at execution time. For an invalid input signature
// (wrong arity, rank, dtype...) it should panic with a descriptive message, see
// github.com/gomlx/exceptions: graph building time is the operator's construction
// time, and failing fast there gives the user a stack trace pointing at the bad call.
//
// Besides Op, an operator must implement exactly one execution strategy:
//
//   - backends.Evaler: interpreted execution, called once per run.
//   - backends.ThunkBuilder: a closure built once at compile time (typically
//     specialized to the input shapes) and invoked on every run.
//   - Lowerer: the operator expands itself into primitive graph nodes at building
//     time, and is compiled with the rest of the graph.
//
// The strategies are mutually exclusive: ApplyOp panics if an operator implements
// none or more than one.
//
// Optionally an operator may also implement Differentiable, ForwardDifferentiable and
// Comparable.
type Op interface {
	// Name of the operator, used for error messages, graph printouts and as part of
	// the deduplication key. It should be fixed per operator type.
	Name() string

	// OutputShapes infers the output shapes from the input shapes.
	OutputShapes(inputs ...shapes.Shape) []shapes.Shape
}

// Lowerer is the execution strategy for operators that are implemented in terms of
// other operators: Lower is called at graph building time and must return the output
// nodes built from primitive operations on the inputs.
//
// Lowered operators don't need differentiation hooks: gradients flow through the
// primitive nodes they expand to.
type Lowerer interface {
	Lower(g *Graph, inputs []*Node) []*Node
}

// Differentiable is implemented by operators that support reverse-mode automatic
// differentiation.
//
// VJP receives the Apply being differentiated and the adjoints (accumulated
// vector-Jacobian products) of each of its outputs, and must return the contribution
// to the adjoint of each input, in order -- one node per input, built with new graph
// operations. For an input that doesn't need a gradient it may return nil in its
// position.
type Differentiable interface {
	VJP(apply *Apply, outputGrads []*Node) []*Node
}

// ForwardDifferentiable is implemented by operators that support forward-mode
// differentiation (the R-op): JVP receives the Apply and the tangents (directional
// derivatives) of each of its inputs, and must return the tangent of each output.
type ForwardDifferentiable interface {
	JVP(apply *Apply, tangents []*Node) []*Node
}

// Comparable is implemented by operators that can be compared for configuration
// equality. Two operator instances with equal configuration must be EqualOp, which
// allows the graph to deduplicate their applications (common subexpression
// elimination): applying an equal operator to the same inputs returns the already
// existing output nodes.
//
// Operators that don't implement Comparable are never deduplicated.
//
// EqualOp is only called with operators that share the same Name and input list, but
// implementations should still check the concrete type of other.
type Comparable interface {
	EqualOp(other Op) bool
}

// validateOpStrategy panics unless op implements exactly one execution strategy.
func validateOpStrategy(op Op) {
	count := 0
	if _, ok := op.(backends.Evaler); ok {
		count++
	}
	if _, ok := op.(backends.ThunkBuilder); ok {
		count++
	}
	if _, ok := op.(Lowerer); ok {
		count++
	}
	if count == 0 {
		exceptions.Panicf(
			"operator %q implements no execution strategy: it must implement one of backends.Evaler, backends.ThunkBuilder or graph.Lowerer",
			op.Name())
	}
	if count > 1 {
		exceptions.Panicf(
			"operator %q implements more than one execution strategy: backends.Evaler, backends.ThunkBuilder and graph.Lowerer are mutually exclusive",
			op.Name())
	}
}
