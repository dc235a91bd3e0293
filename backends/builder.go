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

package backends

import (
	"github.com/gomlx/opgraph/tensors"
	"github.com/gomlx/opgraph/types/shapes"
)

// Op represents the output of an operation during the computation building time.
//
// It is opaque from the opgraph perspective: the graph package passes Op values back
// as inputs to the other Builder methods.
type Op any

// Builder defines the API to incrementally hand a computation over to a backend.
// It is the sub-interface of Backend.
//
// The graph package feeds the backend one operator application at a time, in
// topological order: parameters and constants first through their dedicated methods,
// everything else through Apply.
type Builder interface {
	// Name of the computation being built.
	Name() string

	// Parameter creates an input parameter for the computation. During execution of
	// the compiled computation this value will need to be fed in the same order it is
	// created.
	Parameter(name string, shape shapes.Shape) Op

	// Constant creates a constant with the value (and shape) of the given tensor.
	// The tensor must not be mutated after the call.
	Constant(value *tensors.Tensor) Op

	// Apply adds the application of one operator to the computation. The op must
	// implement exactly one of the execution strategies (Evaler or ThunkBuilder),
	// and outputShapes are the shapes the operator's shape inference declared: the
	// backend is required to verify the values produced during execution match them.
	//
	// It returns one Op handle per output.
	Apply(op CustomOp, outputShapes []shapes.Shape, inputs ...Op) []Op

	// Compile the computation built. This immediately invalidates the Builder and
	// returns an Executable that can be used to run the computation.
	//
	// It is given the list of outputs.
	Compile(outputs ...Op) (Executable, error)
}

// CustomOp is the minimal descriptor of an operator handed to a backend: it is
// identified by name, and its execution strategy is discovered by interface
// assertion to Evaler or ThunkBuilder.
type CustomOp interface {
	Name() string
}

// Evaler is the interpreted execution strategy: Eval is called once per execution of
// the computation, with the concrete input tensors, and must return one tensor per
// output.
//
// The input tensors must not be modified.
type Evaler interface {
	Eval(inputs []*tensors.Tensor) ([]*tensors.Tensor, error)
}

// Thunk is a closure built once -- typically specialized to the input shapes -- and
// invoked repeatedly, once per execution of the computation.
//
// The input tensors must not be modified.
type Thunk func(inputs []*tensors.Tensor) ([]*tensors.Tensor, error)

// ThunkBuilder is the compiled execution strategy: BuildThunk is called once, at
// computation compile time, with the input shapes; the returned Thunk is then invoked
// on every execution.
type ThunkBuilder interface {
	BuildThunk(inputShapes []shapes.Shape) (Thunk, error)
}
