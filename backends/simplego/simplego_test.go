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

package simplego_test

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opgraph/backends"
	"github.com/gomlx/opgraph/backends/simplego"
	"github.com/gomlx/opgraph/tensors"
	"github.com/gomlx/opgraph/types/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// doubleOp is an interpreted (Evaler) operator used to drive the backend directly,
// without the graph package.
type doubleOp struct{}

func (doubleOp) Name() string { return "Double" }

func (doubleOp) Eval(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	operand := inputs[0]
	output := tensors.FromShape(operand.Shape())
	tensors.ConstFlatData(operand, func(in []float64) {
		tensors.MutableFlatData(output, func(out []float64) {
			for ii, x := range in {
				out[ii] = 2 * x
			}
		})
	})
	return []*tensors.Tensor{output}, nil
}

// addThunkOp uses the compiled (ThunkBuilder) strategy: the thunk is built once at
// compile time, specialized to the input size.
type addThunkOp struct {
	thunkBuilds *int // counts BuildThunk calls
}

func (op addThunkOp) Name() string { return "AddThunk" }

func (op addThunkOp) BuildThunk(inputShapes []shapes.Shape) (backends.Thunk, error) {
	*op.thunkBuilds++
	size := inputShapes[0].Size()
	outputShape := inputShapes[0].Clone()
	return func(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
		output := tensors.FromShape(outputShape)
		tensors.ConstFlatData(inputs[0], func(lhs []float64) {
			tensors.ConstFlatData(inputs[1], func(rhs []float64) {
				tensors.MutableFlatData(output, func(out []float64) {
					for ii := 0; ii < size; ii++ {
						out[ii] = lhs[ii] + rhs[ii]
					}
				})
			})
		})
		return []*tensors.Tensor{output}, nil
	}, nil
}

// lyingShapeOp declares one output shape but produces another: the backend must catch
// it at execution time.
type lyingShapeOp struct{}

func (lyingShapeOp) Name() string { return "LyingShape" }

func (lyingShapeOp) Eval(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	return []*tensors.Tensor{tensors.FromValue([]float64{1, 2, 3})}, nil
}

// noStrategyOp implements no execution strategy at all.
type noStrategyOp struct{}

func (noStrategyOp) Name() string { return "NoStrategy" }

func TestBackendRegistration(t *testing.T) {
	require.True(t, backends.IsRegistered(simplego.BackendName))
	assert.Contains(t, backends.List(), simplego.BackendName)

	backend := simplego.New("")
	assert.Equal(t, simplego.BackendName, backend.Name())
	assert.NotEmpty(t, backend.Description())
	assert.Equal(t, backends.DeviceNum(1), backend.NumDevices())
}

func TestBackendConfig(t *testing.T) {
	assert.NotNil(t, simplego.New("sequential"))
	assert.NotNil(t, simplego.New("4"))
	require.Panics(t, func() { simplego.New("not-a-number") })
}

func TestConcurrentExecution(t *testing.T) {
	// Many independent applications in one level: results must be identical to the
	// sequential backend's.
	for _, config := range []string{"", "sequential", "2"} {
		backend := simplego.New(config)
		builder := backend.Builder("TestConcurrentExecution-" + config)
		shape := shapes.Make(dtypes.Float64, 2)
		x := builder.Parameter("x", shape)
		outputs := make([]backends.Op, 8)
		for ii := range outputs {
			outputs[ii] = builder.Apply(doubleOp{}, []shapes.Shape{shape}, x)[0]
		}
		exec, err := builder.Compile(outputs...)
		require.NoError(t, err)
		results, err := exec.Execute(tensors.FromValue([]float64{1, 2}))
		require.NoError(t, err)
		require.Len(t, results, 8)
		for _, result := range results {
			assert.Equal(t, []float64{2, 4}, result.Value())
		}
	}
}

func TestBuilderAndExecutable(t *testing.T) {
	backend := simplego.New("")
	builder := backend.Builder("TestBuilderAndExecutable")
	assert.Equal(t, "TestBuilderAndExecutable", builder.Name())

	shape := shapes.Make(dtypes.Float64, 3)
	x := builder.Parameter("x", shape)
	c := builder.Constant(tensors.FromValue([]float64{10, 20, 30}))
	doubled := builder.Apply(doubleOp{}, []shapes.Shape{shape}, x)
	require.Len(t, doubled, 1)
	builds := 0
	sum := builder.Apply(addThunkOp{thunkBuilds: &builds}, []shapes.Shape{shape}, doubled[0], c)

	exec, err := builder.Compile(sum[0], doubled[0])
	require.NoError(t, err)
	assert.Equal(t, 1, builds, "the thunk must be built exactly once, at compile time")

	names, inputShapes := exec.Inputs()
	assert.Equal(t, []string{"x"}, names)
	require.Len(t, inputShapes, 1)
	assert.True(t, inputShapes[0].Equal(shape))
	outputShapes := exec.Outputs()
	require.Len(t, outputShapes, 2)

	results, err := exec.Execute(tensors.FromValue([]float64{1, 2, 3}))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, []float64{12, 24, 36}, results[0].Value())
	assert.Equal(t, []float64{2, 4, 6}, results[1].Value())

	// Re-running doesn't rebuild the thunk.
	_, err = exec.Execute(tensors.FromValue([]float64{0, 0, 0}))
	require.NoError(t, err)
	assert.Equal(t, 1, builds)
}

func TestExecuteParameterValidation(t *testing.T) {
	backend := simplego.New("")
	builder := backend.Builder("TestExecuteParameterValidation")
	shape := shapes.Make(dtypes.Float64, 2)
	x := builder.Parameter("x", shape)
	exec, err := builder.Compile(x)
	require.NoError(t, err)

	_, err = exec.Execute()
	require.ErrorContains(t, err, "parameters")

	_, err = exec.Execute(tensors.FromValue([]float64{1, 2, 3}))
	require.ErrorContains(t, err, "shape")

	_, err = exec.Execute(nil)
	require.Error(t, err)
}

func TestShapeConsistencyEnforcement(t *testing.T) {
	backend := simplego.New("")
	builder := backend.Builder("TestShapeConsistencyEnforcement")
	x := builder.Parameter("x", shapes.Make(dtypes.Float64, 2))

	// The operator declares [2] but produces [3]: Execute must report it.
	outputs := builder.Apply(lyingShapeOp{}, []shapes.Shape{shapes.Make(dtypes.Float64, 2)}, x)
	exec, err := builder.Compile(outputs[0])
	require.NoError(t, err)

	_, err = exec.Execute(tensors.FromValue([]float64{1, 2}))
	require.ErrorContains(t, err, "shape inference declared")
	require.ErrorContains(t, err, "LyingShape")
}

func TestBuilderValidation(t *testing.T) {
	backend := simplego.New("")
	builder := backend.Builder("TestBuilderValidation")
	x := builder.Parameter("x", shapes.Make(dtypes.Float64, 2))

	// An operator with no execution strategy the backend can run is rejected.
	require.Panics(t, func() {
		builder.Apply(noStrategyOp{}, []shapes.Shape{shapes.Make(dtypes.Float64, 2)}, x)
	})

	// Foreign handles are rejected.
	require.Panics(t, func() {
		builder.Apply(doubleOp{}, []shapes.Shape{shapes.Make(dtypes.Float64, 2)}, backends.Op("bogus"))
	})

	// Compile requires at least one output.
	_, err := builder.Compile()
	require.Error(t, err)
}

func TestFinalizedExecutable(t *testing.T) {
	backend := simplego.New("")
	builder := backend.Builder("TestFinalizedExecutable")
	x := builder.Parameter("x", shapes.Make(dtypes.Float64))
	exec, err := builder.Compile(x)
	require.NoError(t, err)

	exec.Finalize()
	_, err = exec.Execute(tensors.FromScalar(1.0))
	require.ErrorContains(t, err, "finalized")
}

func TestBuilderReuseAfterCompile(t *testing.T) {
	backend := simplego.New("")
	builder := backend.Builder("TestBuilderReuseAfterCompile")
	x := builder.Parameter("x", shapes.Make(dtypes.Float64))
	_, err := builder.Compile(x)
	require.NoError(t, err)

	require.Panics(t, func() {
		builder.Parameter("y", shapes.Make(dtypes.Float64))
	})
}
