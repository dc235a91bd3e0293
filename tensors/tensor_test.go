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

package tensors

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opgraph/types/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestFromShape(t *testing.T) {
	tensor := FromShape(shapes.Make(dtypes.Float32, 2, 3))
	require.True(t, tensor.Ok())
	assert.Equal(t, 6, tensor.Size())
	assert.Equal(t, []float32{0, 0, 0, 0, 0, 0}, CopyFlatData[float32](tensor))
	require.Panics(t, func() { FromShape(shapes.Invalid()) })
}

func TestFromScalar(t *testing.T) {
	tensor := FromScalar(float32(7))
	require.True(t, tensor.IsScalar())
	assert.Equal(t, float32(7), ToScalar[float32](tensor))
	assert.Equal(t, dtypes.Float32, tensor.DType())

	filled := FromScalarAndDimensions(int32(3), 2, 2)
	assert.Equal(t, []int32{3, 3, 3, 3}, CopyFlatData[int32](filled))
}

func TestFromValue(t *testing.T) {
	tensor := FromValue([][]float64{{1, 2, 3}, {4, 5, 6}})
	assert.True(t, tensor.Shape().Equal(shapes.Make(dtypes.Float64, 2, 3)))
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, CopyFlatData[float64](tensor))

	// Round-trip back to a multidimensional slice.
	assert.Equal(t, [][]float64{{1, 2, 3}, {4, 5, 6}}, tensor.Value())

	rank3 := FromValue([][][]int32{{{1, 2}, {3, 4}}, {{5, 6}, {7, 8}}})
	assert.True(t, rank3.Shape().Equal(shapes.Make(dtypes.Int32, 2, 2, 2)))
	assert.Equal(t, [][][]int32{{{1, 2}, {3, 4}}, {{5, 6}, {7, 8}}}, rank3.Value())

	scalar := FromValue(3.0)
	assert.Equal(t, 3.0, scalar.Value())

	// Ragged slices are not convertible.
	require.Panics(t, func() { FromAnyValue([][]float32{{1, 2}, {3}}) })
	require.Panics(t, func() { FromAnyValue([][]float32{}) })
}

func TestFromFlatDataAndDimensions(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2)
	assert.Equal(t, [][]float32{{1, 2}, {3, 4}}, tensor.Value())
	require.Panics(t, func() { FromFlatDataAndDimensions([]float32{1, 2, 3}, 2, 2) })
}

func TestEqualAndInDelta(t *testing.T) {
	a := FromValue([]float32{1, 2, 3})
	b := FromValue([]float32{1, 2, 3})
	c := FromValue([]float32{1, 2, 3.001})
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.True(t, a.InDelta(c, 0.01))
	assert.False(t, a.InDelta(c, 0.0001))
	assert.False(t, a.InDelta(FromValue([][]float32{{1, 2, 3}}), 1.0))
}

func TestFloat16(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]float16.Float16{
		float16.Fromfloat32(1), float16.Fromfloat32(2)}, 2)
	assert.Equal(t, dtypes.Float16, tensor.DType())
	assert.True(t, tensor.InDelta(FromFlatDataAndDimensions([]float16.Float16{
		float16.Fromfloat32(1), float16.Fromfloat32(2)}, 2), 1e-3))
}

func TestMutableFlatData(t *testing.T) {
	tensor := FromShape(shapes.Make(dtypes.Float64, 3))
	MutableFlatData(tensor, func(flat []float64) {
		for ii := range flat {
			flat[ii] = float64(ii)
		}
	})
	assert.Equal(t, []float64{0, 1, 2}, CopyFlatData[float64](tensor))
	require.Panics(t, func() { CopyFlatData[float32](tensor) })

	clone := tensor.Clone()
	MutableFlatData(clone, func(flat []float64) { flat[0] = 100 })
	assert.Equal(t, []float64{0, 1, 2}, CopyFlatData[float64](tensor))
}
