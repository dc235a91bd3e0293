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
	"github.com/gomlx/exceptions"
	"github.com/gomlx/opgraph/backends"
	"github.com/gomlx/opgraph/tensors"
	"github.com/gomlx/opgraph/types/shapes"
	"github.com/gomlx/opgraph/types/xslices"
	"github.com/pkg/errors"
)

// valueId indexes the values (tensors) flowing through a compiled program. It is the
// concrete type behind the opaque backends.Op handles this backend returns.
type valueId int

type instructionKind int

const (
	instParameter instructionKind = iota
	instConstant
	instApply
)

// instruction is one step of the interpreted program, in topological order.
type instruction struct {
	kind instructionKind

	// instParameter:
	paramName string
	paramIdx  int

	// instConstant:
	constValue *tensors.Tensor

	// instApply:
	op           backends.CustomOp
	evaler       backends.Evaler       // interpreted strategy
	thunkBuilder backends.ThunkBuilder // compiled strategy, resolved by Compile
	thunk        backends.Thunk
	inputs       []valueId
	outputShapes []shapes.Shape

	outputs []valueId
}

// Builder incrementally accumulates the program for one computation.
type Builder struct {
	backend *Backend
	name    string

	instructions []*instruction
	valueShapes  []shapes.Shape

	paramNames  []string
	paramShapes []shapes.Shape

	compiled bool
}

// Compile-time check that simplego.Builder implements backends.Builder.
var _ backends.Builder = &Builder{}

// Name of the computation being built.
func (b *Builder) Name() string { return b.name }

func (b *Builder) assertBuilding() {
	if b.compiled {
		exceptions.Panicf("simplego.Builder %q was already compiled", b.name)
	}
}

func (b *Builder) newValue(shape shapes.Shape) valueId {
	id := valueId(len(b.valueShapes))
	b.valueShapes = append(b.valueShapes, shape.Clone())
	return id
}

// castOp converts an opaque backends.Op handle back to a valueId.
func (b *Builder) castOp(op backends.Op) valueId {
	id, ok := op.(valueId)
	if !ok || int(id) >= len(b.valueShapes) {
		exceptions.Panicf("simplego.Builder %q given an invalid or foreign backends.Op handle (%v)", b.name, op)
	}
	return id
}

// Parameter creates an input parameter for the computation.
func (b *Builder) Parameter(name string, shape shapes.Shape) backends.Op {
	b.assertBuilding()
	id := b.newValue(shape)
	b.instructions = append(b.instructions, &instruction{
		kind:      instParameter,
		paramName: name,
		paramIdx:  len(b.paramNames),
		outputs:   []valueId{id},
	})
	b.paramNames = append(b.paramNames, name)
	b.paramShapes = append(b.paramShapes, shape.Clone())
	return id
}

// Constant creates a constant with the value of the given tensor.
func (b *Builder) Constant(value *tensors.Tensor) backends.Op {
	b.assertBuilding()
	value.AssertValid()
	id := b.newValue(value.Shape())
	b.instructions = append(b.instructions, &instruction{
		kind:       instConstant,
		constValue: value,
		outputs:    []valueId{id},
	})
	return id
}

// Apply adds the application of one operator to the computation.
func (b *Builder) Apply(op backends.CustomOp, outputShapes []shapes.Shape, inputs ...backends.Op) []backends.Op {
	b.assertBuilding()
	inst := &instruction{
		kind:         instApply,
		op:           op,
		inputs:       xslices.Map(inputs, b.castOp),
		outputShapes: outputShapes,
	}
	evaler, isEvaler := op.(backends.Evaler)
	thunkBuilder, isThunkBuilder := op.(backends.ThunkBuilder)
	switch {
	case isEvaler && isThunkBuilder:
		exceptions.Panicf("simplego: operator %q implements both backends.Evaler and backends.ThunkBuilder", op.Name())
	case isEvaler:
		inst.evaler = evaler
	case isThunkBuilder:
		inst.thunkBuilder = thunkBuilder
	default:
		exceptions.Panicf("simplego: operator %q implements neither backends.Evaler nor backends.ThunkBuilder", op.Name())
	}
	inst.outputs = xslices.Map(outputShapes, b.newValue)
	b.instructions = append(b.instructions, inst)
	return xslices.Map(inst.outputs, func(id valueId) backends.Op { return id })
}

// Compile the computation built: thunks of operators using the compiled strategy are
// built here, once, with the shapes of their inputs.
func (b *Builder) Compile(outputs ...backends.Op) (backends.Executable, error) {
	b.assertBuilding()
	if len(outputs) == 0 {
		return nil, errors.Errorf("simplego.Builder %q: Compile requires at least one output", b.name)
	}
	b.compiled = true
	outputIds := xslices.Map(outputs, b.castOp)
	for _, inst := range b.instructions {
		if inst.kind != instApply || inst.thunkBuilder == nil {
			continue
		}
		inputShapes := xslices.Map(inst.inputs, func(id valueId) shapes.Shape { return b.valueShapes[id] })
		thunk, err := inst.thunkBuilder.BuildThunk(inputShapes)
		if err != nil {
			return nil, errors.WithMessagef(err, "building thunk for operator %q in computation %q", inst.op.Name(), b.name)
		}
		if thunk == nil {
			return nil, errors.Errorf("operator %q returned a nil thunk in computation %q", inst.op.Name(), b.name)
		}
		inst.thunk = thunk
	}
	return &Executable{
		name:         b.name,
		levels:       b.splitInstructionsIntoLevels(),
		pool:         b.backend.pool,
		numValues:    len(b.valueShapes),
		paramNames:   b.paramNames,
		paramShapes:  b.paramShapes,
		outputIds:    outputIds,
		outputShapes: xslices.Map(outputIds, func(id valueId) shapes.Shape { return b.valueShapes[id] }),
	}, nil
}

// splitInstructionsIntoLevels groups the instructions by dependency depth:
// instructions within one level don't depend on each other and can execute
// concurrently, once all previous levels finished.
func (b *Builder) splitInstructionsIntoLevels() [][]*instruction {
	producerLevel := make([]int, len(b.valueShapes))
	var levels [][]*instruction
	for _, inst := range b.instructions {
		level := 0
		for _, id := range inst.inputs {
			if l := producerLevel[id] + 1; l > level {
				level = l
			}
		}
		for _, id := range inst.outputs {
			producerLevel[id] = level
		}
		if level == len(levels) {
			levels = append(levels, nil)
		}
		levels[level] = append(levels[level], inst)
	}
	return levels
}
