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

// Package graph is the core package for opgraph: it builds symbolic computation
// graphs out of operator applications, and compiles them to a registered backend for
// execution.
//
// The main elements in the package are:
//
//   - Graph: holds the computation being built. Operations are added to it with the
//     builtin operator functions (Add, Mul, Dot, etc.) or by applying custom
//     operators with ApplyOp.
//
//   - Node: a symbolic value, a typed placeholder for a future tensor. Each node has
//     a fixed shape that is known at graph building time.
//
//   - Apply: binds an operator instance (Op) to its ordered input and output nodes.
//
//   - Op: the operator contract. See its documentation for the execution strategies
//     and the optional differentiation and equality hooks third-party operators can
//     provide.
//
// Shape inference runs at graph building time: every operator declares the shapes of
// its outputs from the shapes of its inputs, so most errors surface while building,
// with a stack trace, before anything is executed. Errors at graph building time
// panic (see github.com/gomlx/exceptions); execution returns wrapped errors.
//
// Operators implementing the Comparable hook are deduplicated: applying an operator
// with equal configuration to the same inputs returns the already existing nodes
// (common subexpression elimination).
package graph

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opgraph/backends"
	"github.com/gomlx/opgraph/tensors"
	"github.com/gomlx/opgraph/types/shapes"
	"github.com/gomlx/opgraph/types/xslices"
	"k8s.io/klog/v2"
)

// GraphId is a unique identifier of a Graph within a process.
type GraphId int

var nextGraphId GraphId

// Graph with the operations and dependencies needed to run a computation.
//
// Build it with NewGraph, add operations to it, then Compile it with the desired
// outputs and Run it as many times as needed.
type Graph struct {
	backend backends.Backend
	graphId GraphId
	name    string

	nodes   []*Node
	applies []*Apply

	parameters          []*Node
	parameterNameToNode map[string]*Node

	// dedup indexes applies of Comparable operators for common subexpression
	// elimination.
	dedup map[dedupKey][]*Apply

	// scalars caches constant scalar nodes, so repeated uses of the same value
	// share one node.
	scalars map[scalarKey]*Node

	outputs    []*Node
	executable backends.Executable
}

type scalarKey struct {
	dtype dtypes.DType
	value float64
}

// NewGraph constructs an empty Graph that will compile and run on the given backend.
// If name is empty, a unique one is generated.
func NewGraph(backend backends.Backend, name string) *Graph {
	if backend == nil {
		exceptions.Panicf("graph.NewGraph: backend is nil -- use backends.MustNew() to create one")
	}
	graphId := nextGraphId
	nextGraphId++
	if name == "" {
		name = fmt.Sprintf("graph#%d", graphId)
	}
	return &Graph{
		backend:             backend,
		graphId:             graphId,
		name:                name,
		parameterNameToNode: make(map[string]*Node),
		dedup:               make(map[dedupKey][]*Apply),
		scalars:             make(map[scalarKey]*Node),
	}
}

// Name of the Graph.
func (g *Graph) Name() string { return g.name }

// GraphId of the Graph, unique within the process.
func (g *Graph) GraphId() GraphId { return g.graphId }

// Backend the graph will compile to.
func (g *Graph) Backend() backends.Backend { return g.backend }

// NumNodes returns the number of nodes (symbolic values) created so far.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// NodeById returns the node with the given id.
func (g *Graph) NodeById(id NodeId) *Node { return g.nodes[id] }

// Parameters returns the parameter nodes, in creation order -- the order their values
// must be fed to Run.
func (g *Graph) Parameters() []*Node { return g.parameters }

// IsCompiled returns whether Compile was already called.
func (g *Graph) IsCompiled() bool { return g.executable != nil }

// assertBuilding panics if the graph was already compiled.
func (g *Graph) assertBuilding() {
	if g.IsCompiled() {
		exceptions.Panicf("Graph %q was already compiled and can no longer be changed", g.name)
	}
}

// newNode registers a new node in the graph and returns it.
func (g *Graph) newNode(node *Node) *Node {
	node.graph = g
	node.id = NodeId(len(g.nodes))
	g.nodes = append(g.nodes, node)
	return node
}

// Parameter creates a named input parameter of the given shape: a symbolic value
// whose concrete tensor is fed at execution time.
//
// Calling Parameter again with the same name returns the already created node; it
// panics if the shapes conflict.
func (g *Graph) Parameter(name string, shape shapes.Shape) *Node {
	g.assertBuilding()
	if !shape.Ok() {
		exceptions.Panicf("Graph.Parameter(%q): invalid shape", name)
	}
	if prev, found := g.parameterNameToNode[name]; found {
		if !prev.Shape().Equal(shape) {
			exceptions.Panicf("Graph.Parameter(%q): already created with shape %s, now requested with shape %s",
				name, prev.Shape(), shape)
		}
		return prev
	}
	node := g.newNode(&Node{
		shape:     shape.Clone(),
		kind:      nodeKindParameter,
		paramName: name,
	})
	g.parameters = append(g.parameters, node)
	g.parameterNameToNode[name] = node
	return node
}

// ConstTensor creates a constant node with the value of the given tensor. The tensor
// must not be mutated after the call.
func ConstTensor(g *Graph, value *tensors.Tensor) *Node {
	g.assertBuilding()
	value.AssertValid()
	return g.newNode(&Node{
		shape:      value.Shape(),
		kind:       nodeKindConstant,
		constValue: value,
	})
}

// Const creates a constant node from a Go value: a scalar or a multidimensional
// slice -- see tensors.FromAnyValue for the accepted types.
func Const(g *Graph, value any) *Node {
	return ConstTensor(g, tensors.FromAnyValue(value))
}

// ConstScalar creates a constant scalar node of the given dtype. Scalar constants are
// cached per graph: repeated uses of the same value share one node.
func ConstScalar(g *Graph, dtype dtypes.DType, value float64) *Node {
	g.assertBuilding()
	key := scalarKey{dtype: dtype, value: value}
	if node, found := g.scalars[key]; found {
		return node
	}
	node := ConstTensor(g, scalarTensor(dtype, value))
	g.scalars[key] = node
	return node
}

// ScalarZero returns a cached scalar constant 0 of the given dtype.
func ScalarZero(g *Graph, dtype dtypes.DType) *Node { return ConstScalar(g, dtype, 0) }

// ScalarOne returns a cached scalar constant 1 of the given dtype.
func ScalarOne(g *Graph, dtype dtypes.DType) *Node { return ConstScalar(g, dtype, 1) }

// validateBuildingGraphFromInputs checks that all inputs are non-nil nodes of the
// same graph, that is still being built, and returns the graph.
func validateBuildingGraphFromInputs(inputs ...*Node) *Graph {
	if len(inputs) == 0 {
		exceptions.Panicf("graph operation called with no inputs")
	}
	g := inputs[0].Graph()
	if g == nil {
		exceptions.Panicf("graph operation called with nil node")
	}
	g.assertBuilding()
	for ii, node := range inputs {
		if node == nil || node.Graph() == nil {
			exceptions.Panicf("graph operation input #%d is nil", ii)
		}
		if node.Graph() != g {
			exceptions.Panicf("graph operation inputs come from different graphs (%q and %q)",
				g.Name(), node.Graph().Name())
		}
	}
	return g
}

// ApplyOp applies an operator to the given input nodes, returning its output nodes.
//
// It validates the operator's execution strategy (see Op), runs its shape inference,
// and -- for Comparable operators -- deduplicates the application: if an equal
// operator was already applied to the same inputs, the existing output nodes are
// returned instead of new ones.
//
// Operators with no inputs must use Graph.ApplyOp instead.
func ApplyOp(op Op, inputs ...*Node) []*Node {
	g := validateBuildingGraphFromInputs(inputs...)
	return g.ApplyOp(op, inputs...)
}

// ApplyOp1 is a convenience version of ApplyOp for single-output operators.
func ApplyOp1(op Op, inputs ...*Node) *Node {
	outputs := ApplyOp(op, inputs...)
	if len(outputs) != 1 {
		exceptions.Panicf("ApplyOp1(%q): operator has %d outputs, exactly 1 expected", op.Name(), len(outputs))
	}
	return outputs[0]
}

// ApplyOp applies an operator to the given input nodes, returning its output nodes.
// See the package-level ApplyOp.
func (g *Graph) ApplyOp(op Op, inputs ...*Node) []*Node {
	g.assertBuilding()
	for ii, node := range inputs {
		if node == nil || node.Graph() != g {
			exceptions.Panicf("ApplyOp(%q): input #%d is nil or from a different graph", op.Name(), ii)
		}
	}
	validateOpStrategy(op)

	inputShapes := xslices.Map(inputs, func(node *Node) shapes.Shape { return node.Shape() })

	if lowerer, ok := op.(Lowerer); ok {
		outputs := lowerer.Lower(g, inputs)
		g.checkInferredShapes(op, inputShapes, outputs)
		return outputs
	}

	if _, ok := op.(Comparable); ok {
		if prev := g.findDuplicateApply(op, inputs); prev != nil {
			return prev.outputs
		}
	}

	outputShapes := op.OutputShapes(inputShapes...)
	if len(outputShapes) == 0 {
		exceptions.Panicf("ApplyOp(%q): operator's shape inference returned no outputs", op.Name())
	}
	apply := &Apply{
		graph:  g,
		id:     ApplyId(len(g.applies)),
		op:     op,
		inputs: append([]*Node(nil), inputs...),
	}
	apply.outputs = make([]*Node, len(outputShapes))
	for ii, shape := range outputShapes {
		if !shape.Ok() {
			exceptions.Panicf("ApplyOp(%q): operator's shape inference returned invalid shape for output #%d", op.Name(), ii)
		}
		apply.outputs[ii] = g.newNode(&Node{
			shape:     shape.Clone(),
			kind:      nodeKindApply,
			apply:     apply,
			outputIdx: ii,
		})
	}
	g.applies = append(g.applies, apply)
	if _, ok := op.(Comparable); ok {
		g.registerForDeduplication(apply)
	}
	return apply.outputs
}

// checkInferredShapes verifies that a lowered operator produced nodes matching its
// own shape inference.
func (g *Graph) checkInferredShapes(op Op, inputShapes []shapes.Shape, outputs []*Node) {
	inferred := op.OutputShapes(inputShapes...)
	if len(inferred) != len(outputs) {
		exceptions.Panicf("operator %q lowered to %d outputs, but its shape inference declares %d",
			op.Name(), len(outputs), len(inferred))
	}
	for ii, node := range outputs {
		if !node.Shape().Equal(inferred[ii]) {
			exceptions.Panicf("operator %q lowered output #%d to shape %s, but its shape inference declares %s",
				op.Name(), ii, node.Shape(), inferred[ii])
		}
	}
}

// Compile the graph: the given nodes become the outputs of the computation, in
// order. After compiling, the graph is immutable and can be Run.
func (g *Graph) Compile(outputs ...*Node) {
	g.assertBuilding()
	if len(outputs) == 0 {
		exceptions.Panicf("Graph.Compile(%q): at least one output node is required", g.name)
	}
	for ii, node := range outputs {
		if node == nil || node.Graph() != g {
			exceptions.Panicf("Graph.Compile(%q): output #%d is nil or from a different graph", g.name, ii)
		}
	}
	g.outputs = append([]*Node(nil), outputs...)

	builder := g.backend.Builder(g.name)
	handles := make([]backends.Op, len(g.nodes))
	emitted := make([]bool, len(g.applies))
	for _, node := range g.nodes {
		switch node.kind {
		case nodeKindParameter:
			handles[node.id] = builder.Parameter(node.paramName, node.shape)
		case nodeKindConstant:
			handles[node.id] = builder.Constant(node.constValue)
		case nodeKindApply:
			apply := node.apply
			if emitted[apply.id] {
				continue
			}
			emitted[apply.id] = true
			inputHandles := xslices.Map(apply.inputs, func(input *Node) backends.Op {
				return handles[input.id]
			})
			outputShapes := xslices.Map(apply.outputs, func(output *Node) shapes.Shape {
				return output.shape
			})
			outputHandles := builder.Apply(apply.op, outputShapes, inputHandles...)
			if len(outputHandles) != len(apply.outputs) {
				exceptions.Panicf("Graph.Compile(%q): backend %q returned %d outputs for operator %q, %d expected",
					g.name, g.backend.Name(), len(outputHandles), apply.op.Name(), len(apply.outputs))
			}
			for ii, output := range apply.outputs {
				handles[output.id] = outputHandles[ii]
			}
		}
	}
	outputHandles := xslices.Map(g.outputs, func(node *Node) backends.Op { return handles[node.id] })
	executable, err := builder.Compile(outputHandles...)
	if err != nil {
		panic(err)
	}
	g.executable = executable
	klog.V(1).Infof("compiled graph %q: %d nodes, %d operator applications, %d outputs",
		g.name, len(g.nodes), len(g.applies), len(g.outputs))
}

// Executable returns the compiled program, or nil if the graph was not compiled yet.
func (g *Graph) Executable() backends.Executable { return g.executable }

// Run executes the compiled graph. The parameter values must be given in the order
// the parameters were created -- see Graph.Parameters.
//
// It returns one tensor per output given to Compile. It panics on execution errors;
// use Graph.Executable().Execute directly for explicit error handling.
func (g *Graph) Run(params ...*tensors.Tensor) []*tensors.Tensor {
	if !g.IsCompiled() {
		exceptions.Panicf("Graph.Run(%q): graph is not compiled yet", g.name)
	}
	results, err := g.executable.Execute(params...)
	if err != nil {
		panic(err)
	}
	return results
}

// Finalize frees the compiled executable, if any.
func (g *Graph) Finalize() {
	if g.executable != nil {
		g.executable.Finalize()
		g.executable = nil
	}
}

// String lists all the nodes of the graph, for debugging.
func (g *Graph) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Graph %q: %d nodes\n", g.name, len(g.nodes))
	for _, node := range g.nodes {
		fmt.Fprintf(&sb, "\t%s\n", node)
	}
	return sb.String()
}
