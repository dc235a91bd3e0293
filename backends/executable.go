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

// Executable is the API for compiled programs ready to execute.
type Executable interface {
	// Finalize immediately frees resources associated to the executable.
	Finalize()

	// Inputs returns the list of parameters names and shapes, in the order created by
	// the Builder.Parameter calls.
	Inputs() (names []string, inputShapes []shapes.Shape)

	// Outputs returns the list of the shapes of the outputs of the computation, in
	// the order given to the Builder.Compile call.
	Outputs() (outputShapes []shapes.Shape)

	// Execute the executable. The number and shapes of the inputs must match those
	// returned by Inputs.
	//
	// It returns an error if an operator fails or produces values whose shapes don't
	// match the shapes its shape inference declared.
	Execute(inputs ...*tensors.Tensor) ([]*tensors.Tensor, error)
}
