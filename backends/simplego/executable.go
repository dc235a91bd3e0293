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

package simplego

import (
	"sync"

	"github.com/gomlx/opgraph/backends"
	"github.com/gomlx/opgraph/internal/workerpool"
	"github.com/gomlx/opgraph/tensors"
	"github.com/gomlx/opgraph/types/shapes"
	"github.com/pkg/errors"
)

// Executable is a compiled program ready to execute: the instructions grouped by
// dependency level, with the thunks already built. Instructions within one level are
// independent and run concurrently on the backend's worker pool.
type Executable struct {
	name      string
	levels    [][]*instruction
	pool      *workerpool.Pool
	numValues int

	paramNames  []string
	paramShapes []shapes.Shape

	outputIds    []valueId
	outputShapes []shapes.Shape
}

// Compile-time check that simplego.Executable implements backends.Executable.
var _ backends.Executable = &Executable{}

// Inputs returns the list of parameters names and shapes, in the order created by
// the Builder.Parameter calls.
func (e *Executable) Inputs() (names []string, inputShapes []shapes.Shape) {
	return e.paramNames, e.paramShapes
}

// Outputs returns the list of the shapes of the outputs of the computation.
func (e *Executable) Outputs() (outputShapes []shapes.Shape) {
	return e.outputShapes
}

// Finalize immediately frees resources associated to the executable.
func (e *Executable) Finalize() {
	e.levels = nil
}

// Execute the program. It returns an error if the inputs don't match the declared
// parameters, if an operator fails, or if an operator produces values whose shapes
// don't match the shapes its shape inference declared.
func (e *Executable) Execute(inputs ...*tensors.Tensor) ([]*tensors.Tensor, error) {
	if e.levels == nil {
		return nil, errors.Errorf("executable %q was finalized", e.name)
	}
	if len(inputs) != len(e.paramShapes) {
		return nil, errors.Errorf("executable %q takes %d parameters, got %d", e.name, len(e.paramShapes), len(inputs))
	}
	for ii, input := range inputs {
		if input == nil || !input.Ok() {
			return nil, errors.Errorf("executable %q: parameter %q (#%d) is nil or invalid", e.name, e.paramNames[ii], ii)
		}
		if !input.Shape().Equal(e.paramShapes[ii]) {
			return nil, errors.Errorf("executable %q: parameter %q (#%d) has shape %s, expected %s",
				e.name, e.paramNames[ii], ii, input.Shape(), e.paramShapes[ii])
		}
	}

	values := make([]*tensors.Tensor, e.numValues)
	for _, level := range e.levels {
		if len(level) == 1 || !e.pool.IsEnabled() {
			for _, inst := range level {
				if err := e.runInstruction(inst, inputs, values); err != nil {
					return nil, err
				}
			}
			continue
		}
		var wg sync.WaitGroup
		var mu sync.Mutex
		var firstErr error
		for _, inst := range level {
			wg.Add(1)
			e.pool.WaitToStart(func() {
				defer wg.Done()
				if err := e.runInstruction(inst, inputs, values); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}
			})
		}
		wg.Wait()
		if firstErr != nil {
			return nil, firstErr
		}
	}

	results := make([]*tensors.Tensor, len(e.outputIds))
	for ii, id := range e.outputIds {
		results[ii] = values[id]
	}
	return results, nil
}

// runInstruction executes one instruction, reading its inputs from values and storing
// its outputs there. Instructions of the same level write to disjoint positions.
func (e *Executable) runInstruction(inst *instruction, inputs, values []*tensors.Tensor) error {
	switch inst.kind {
	case instParameter:
		values[inst.outputs[0]] = inputs[inst.paramIdx]
	case instConstant:
		values[inst.outputs[0]] = inst.constValue
	case instApply:
		opInputs := make([]*tensors.Tensor, len(inst.inputs))
		for ii, id := range inst.inputs {
			opInputs[ii] = values[id]
		}
		var opOutputs []*tensors.Tensor
		var err error
		if inst.evaler != nil {
			opOutputs, err = inst.evaler.Eval(opInputs)
		} else {
			opOutputs, err = inst.thunk(opInputs)
		}
		if err != nil {
			return errors.WithMessagef(err, "executing operator %q in %q", inst.op.Name(), e.name)
		}
		if err := checkProducedShapes(inst, opOutputs); err != nil {
			return errors.WithMessagef(err, "executing operator %q in %q", inst.op.Name(), e.name)
		}
		for ii, id := range inst.outputs {
			values[id] = opOutputs[ii]
		}
	}
	return nil
}

// checkProducedShapes verifies the values an operator produced against the shapes its
// shape inference declared: the consistency contract every operator must satisfy.
func checkProducedShapes(inst *instruction, produced []*tensors.Tensor) error {
	if len(produced) != len(inst.outputShapes) {
		return errors.Errorf("produced %d outputs, but shape inference declared %d", len(produced), len(inst.outputShapes))
	}
	for ii, output := range produced {
		if output == nil || !output.Ok() {
			return errors.Errorf("produced nil or invalid output #%d", ii)
		}
		if !output.Shape().Equal(inst.outputShapes[ii]) {
			return errors.Errorf("produced output #%d with shape %s, but shape inference declared %s",
				ii, output.Shape(), inst.outputShapes[ii])
		}
	}
	return nil
}
