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

package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMake(t *testing.T) {
	s := Make(dtypes.Float32, 2, 3)
	require.True(t, s.Ok())
	assert.Equal(t, 2, s.Rank())
	assert.Equal(t, 6, s.Size())
	assert.Equal(t, "(Float32)[2 3]", s.String())
	assert.Equal(t, 3, s.Dim(-1))
	assert.Equal(t, 2, s.Dim(0))

	scalar := Scalar[float64]()
	require.True(t, scalar.IsScalar())
	assert.Equal(t, 1, scalar.Size())
	assert.Equal(t, "(Float64)", scalar.String())

	require.False(t, Invalid().Ok())
	require.False(t, Shape{}.Ok())

	require.Panics(t, func() { Make(dtypes.Float32, 2, 0) })
	require.Panics(t, func() { s.Dim(2) })
}

func TestEqual(t *testing.T) {
	s := Make(dtypes.Float32, 2, 3)
	assert.True(t, s.Equal(Make(dtypes.Float32, 2, 3)))
	assert.False(t, s.Equal(Make(dtypes.Float64, 2, 3)))
	assert.False(t, s.Equal(Make(dtypes.Float32, 3, 2)))
	assert.True(t, s.EqualDimensions(Make(dtypes.Int32, 2, 3)))

	s2 := s.Clone()
	s2.Dimensions[0] = 7
	assert.Equal(t, 2, s.Dimensions[0])
}

func TestStrides(t *testing.T) {
	s := Make(dtypes.Float32, 2, 3, 4)
	assert.Equal(t, []int{12, 4, 1}, s.Strides())
	assert.Empty(t, Scalar[float32]().Strides())
}

func TestAsserts(t *testing.T) {
	s := Make(dtypes.Float32, 2, 3)
	require.NoError(t, s.CheckDims(2, 3))
	require.NoError(t, s.CheckDims(2, UncheckedAxis))
	require.Error(t, s.CheckDims(2, 4))
	require.Error(t, s.CheckDims(2))
	require.NoError(t, s.Check(dtypes.Float32, 2, 3))
	require.Error(t, s.Check(dtypes.Int64, 2, 3))
	require.NotPanics(t, func() { s.AssertDims(-1, 3) })
	require.Panics(t, func() { s.AssertDims(3, -1) })
	require.NotPanics(t, func() { s.AssertRank(2) })
	require.Panics(t, func() { s.AssertRank(1) })
}
