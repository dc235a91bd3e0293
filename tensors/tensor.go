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

// Package tensors implements a simple in-memory multidimensional tensor: the concrete
// values fed to and returned by the execution of a computation graph.
//
// A Tensor is a shape (see github.com/gomlx/opgraph/types/shapes) plus a flat slice of
// the corresponding Go type, laid out row-major. Create tensors with FromValue,
// FromScalar, FromFlatDataAndDimensions or FromShape, and access the data with the
// generic ConstFlatData/MutableFlatData accessors.
//
// Float16 values use the github.com/x448/float16 implementation, and bfloat16 uses
// github.com/gomlx/gopjrt/dtypes/bfloat16.
package tensors

import (
	"fmt"
	"reflect"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/opgraph/types/shapes"
	"github.com/gomlx/opgraph/types/xslices"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// MaxSizeToPrint is the largest number of elements Tensor.String will print in full.
// Larger tensors print only their shape and memory size.
var MaxSizeToPrint = 16

// Tensor is a concrete, in-memory multidimensional array of one of the supported
// dtypes. It is the unit of data fed into and produced by graph execution.
//
// The zero value is invalid, use one of the From* constructors.
type Tensor struct {
	shape shapes.Shape

	// flat is a slice of the Go type corresponding to shape.DType, with shape.Size()
	// elements in row-major order.
	flat any
}

// FromShape returns a Tensor with the given shape, with the data initialized with
// zeros.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape(%s): invalid shape", shape)
	}
	flatV := reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), shape.Size(), shape.Size())
	return &Tensor{shape: shape.Clone(), flat: flatV.Interface()}
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor's shape.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// IsScalar returns whether the tensor holds a single scalar value.
func (t *Tensor) IsScalar() bool { return t.shape.IsScalar() }

// Size returns the number of elements stored.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used to store the tensor data.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Ok returns whether the tensor is valid and initialized.
func (t *Tensor) Ok() bool { return t != nil && t.shape.Ok() && t.flat != nil }

// AssertValid panics if the tensor is nil or uninitialized.
func (t *Tensor) AssertValid() {
	if t == nil {
		exceptions.Panicf("tensors.Tensor is nil")
	}
	if !t.Ok() {
		exceptions.Panicf("tensors.Tensor is not initialized, use one of the From* constructors")
	}
}

// Clone makes a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	t.AssertValid()
	newT := FromShape(t.shape)
	reflect.Copy(reflect.ValueOf(newT.flat), reflect.ValueOf(t.flat))
	return newT
}

// ConstFlatData calls accessFn with the tensor's flat data. The data must not be
// modified -- see MutableFlatData for that.
func (t *Tensor) ConstFlatData(accessFn func(flat any)) {
	t.AssertValid()
	accessFn(t.flat)
}

// MutableFlatData calls accessFn with the tensor's flat data, which may be modified
// in place.
func (t *Tensor) MutableFlatData(accessFn func(flat any)) {
	t.AssertValid()
	accessFn(t.flat)
}

// ConstFlatData is the generic version of Tensor.ConstFlatData: it panics if T
// doesn't match the tensor's dtype.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	t.AssertValid()
	flat, ok := t.flat.([]T)
	if !ok {
		var dummy T
		exceptions.Panicf("tensors.ConstFlatData[%T] used with tensor of dtype %s", dummy, t.DType())
	}
	accessFn(flat)
}

// MutableFlatData is the generic version of Tensor.MutableFlatData: it panics if T
// doesn't match the tensor's dtype.
func MutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	ConstFlatData(t, accessFn)
}

// CopyFlatData returns a copy of the flat data, where T must match the tensor's
// dtype.
func CopyFlatData[T dtypes.Supported](t *Tensor) (data []T) {
	ConstFlatData(t, func(flat []T) {
		data = make([]T, len(flat))
		copy(data, flat)
	})
	return
}

// AssignFlatData copies fromFlat into the tensor's data. The size and the dtype
// corresponding to T must match.
func AssignFlatData[T dtypes.Supported](toTensor *Tensor, fromFlat []T) {
	MutableFlatData(toTensor, func(flat []T) {
		if len(flat) != len(fromFlat) {
			exceptions.Panicf("tensors.AssignFlatData: tensor %s has %d elements, given flat data has %d",
				toTensor.Shape(), len(flat), len(fromFlat))
		}
		copy(flat, fromFlat)
	})
}

// ToScalar returns the scalar value of a size-1 tensor. T must match the tensor's
// dtype.
func ToScalar[T dtypes.Supported](t *Tensor) (value T) {
	if t.Size() != 1 {
		exceptions.Panicf("tensors.ToScalar: tensor %s has %d elements", t.Shape(), t.Size())
	}
	ConstFlatData(t, func(flat []T) {
		value = flat[0]
	})
	return
}

// FromScalar creates a scalar tensor from the given value. The DType is inferred from
// the value type.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return FromScalarAndDimensions(value)
}

// FromScalarAndDimensions creates a tensor with the given dimensions, filled with the
// given scalar value replicated everywhere. The DType is inferred from the value type.
func FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	t := FromShape(shape)
	MutableFlatData(t, func(flat []T) {
		xslices.FillSlice(flat, value)
	})
	return t
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, filled with
// the flattened values given in data, which are copied. The DType is inferred from
// the data type.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("tensors.FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	t := FromShape(shape)
	AssignFlatData(t, data)
	return t
}

// MultiDimensionSlice lists the Go types a Tensor can be converted to/from with
// FromValue and Tensor.Value: scalars or (nested) slices of the supported dtypes.
type MultiDimensionSlice interface {
	bool | float32 | float64 | int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 |
		[]bool | []float32 | []float64 | []int8 | []int16 | []int32 | []int64 | []uint8 | []uint16 | []uint32 | []uint64 |
		[][]bool | [][]float32 | [][]float64 | [][]int8 | [][]int16 | [][]int32 | [][]int64 | [][]uint8 | [][]uint16 | [][]uint32 | [][]uint64 |
		[][][]bool | [][][]float32 | [][][]float64 | [][][]int8 | [][][]int16 | [][][]int32 | [][][]int64 | [][][]uint8 | [][][]uint16 | [][][]uint32 | [][][]uint64
}

// FromValue creates a tensor from the given multidimensional slice (or scalar). If
// the rank of value is larger than 1, the shape of all sub-slices must be the same.
//
// It panics if the shape is not regular.
func FromValue[S MultiDimensionSlice](value S) *Tensor {
	return FromAnyValue(value)
}

// FromAnyValue is a non-generic version of FromValue. The input is expected to be a
// scalar or a slice of slices with homogeneous dimensions. If the input is already a
// *Tensor it is simply returned.
//
// It panics if the value type is unsupported or the shape is not regular.
func FromAnyValue(value any) *Tensor {
	if valueT, ok := value.(*Tensor); ok {
		return valueT
	}
	shape, err := shapeForValue(value)
	if err != nil {
		panic(errors.Wrapf(err, "tensors.FromAnyValue: cannot create shape from %T", value))
	}
	t := FromShape(shape)
	flatV := reflect.ValueOf(t.flat)
	if shape.IsScalar() {
		flatV.Index(0).Set(reflect.ValueOf(value))
		return t
	}
	copySlicesRecursively(flatV, reflect.ValueOf(value), shape.Strides())
	return t
}

// copySlicesRecursively copies values of a multidimensional slice to a flat data
// slice, assuming the given strides for each axis.
func copySlicesRecursively(data reflect.Value, mdSlice reflect.Value, strides []int) {
	if len(strides) == 1 {
		reflect.Copy(data, mdSlice)
		return
	}
	numElements := mdSlice.Len()
	for ii := 0; ii < numElements; ii++ {
		start := ii * strides[0]
		end := (ii + 1) * strides[0]
		copySlicesRecursively(data.Slice(start, end), mdSlice.Index(ii), strides[1:])
	}
}

// shapeForValue walks the nested slices in v and returns the corresponding Shape. It
// returns an error for irregular (ragged) slices or unsupported base types.
func shapeForValue(v any) (shape shapes.Shape, err error) {
	err = shapeForValueRecursive(&shape, reflect.ValueOf(v), reflect.TypeOf(v))
	return
}

func shapeForValueRecursive(shape *shapes.Shape, v reflect.Value, t reflect.Type) error {
	if t.Kind() == reflect.Slice {
		// Recurse into inner slices.
		t = t.Elem()
		shape.Dimensions = append(shape.Dimensions, v.Len())
		shapePrefix := shape.Clone()

		// The first element is the reference.
		if v.Len() == 0 {
			return errors.Errorf("value with empty slice not valid for tensor conversion")
		}
		v0 := v.Index(0)
		err := shapeForValueRecursive(shape, v0, t)
		if err != nil {
			return err
		}

		// Test that other elements have the same shape as the first one.
		for ii := 1; ii < v.Len(); ii++ {
			shapeTest := shapePrefix.Clone()
			err = shapeForValueRecursive(&shapeTest, v.Index(ii), t)
			if err != nil {
				return err
			}
			if !shape.Equal(shapeTest) {
				return errors.Errorf("sub-slices have irregular shapes, found shapes %s, and %s", shape, shapeTest)
			}
		}
	} else {
		shape.DType = dtypes.FromGoType(t)
		if shape.DType == dtypes.InvalidDType {
			return errors.Errorf("type %s not supported for tensor conversion", t)
		}
	}
	return nil
}

// Value returns a multidimensional slice (or scalar) with a copy of the tensor
// values: the inverse of FromValue.
func (t *Tensor) Value() any {
	t.AssertValid()
	flatV := reflect.ValueOf(t.flat)
	if t.IsScalar() {
		return flatV.Index(0).Interface()
	}
	flatCopyV := reflect.MakeSlice(flatV.Type(), t.Size(), t.Size())
	reflect.Copy(flatCopyV, flatV)
	if t.Rank() == 1 {
		return flatCopyV.Interface()
	}
	return valueSlicesRecursively(flatCopyV, t.shape.Dimensions, t.shape.Strides()).Interface()
}

// valueSlicesRecursively rebuilds the nested slices pointing at sub-ranges of flat.
func valueSlicesRecursively(flat reflect.Value, dimensions []int, strides []int) reflect.Value {
	if len(dimensions) == 1 {
		return flat
	}
	numElements := dimensions[0]
	subSlices := make([]reflect.Value, numElements)
	for ii := 0; ii < numElements; ii++ {
		start := ii * strides[0]
		end := (ii + 1) * strides[0]
		subSlices[ii] = valueSlicesRecursively(flat.Slice(start, end), dimensions[1:], strides[1:])
	}
	result := reflect.MakeSlice(reflect.SliceOf(subSlices[0].Type()), numElements, numElements)
	for ii, sub := range subSlices {
		result.Index(ii).Set(sub)
	}
	return result
}

// Reshape returns a copy of the tensor with the given dimensions. The total size
// must not change.
func (t *Tensor) Reshape(dimensions ...int) *Tensor {
	t.AssertValid()
	newShape := shapes.Make(t.DType(), dimensions...)
	if newShape.Size() != t.Size() {
		exceptions.Panicf("tensors.Reshape: cannot reshape %s to %s, sizes differ", t.shape, newShape)
	}
	newT := t.Clone()
	newT.shape = newShape
	return newT
}

// GoStr converts the tensor values to a multidimensional slice and prints it with %v.
func (t *Tensor) GoStr() string {
	return fmt.Sprintf("%v", t.Value())
}

// String prints the shape and, for small tensors, the values.
func (t *Tensor) String() string {
	if !t.Ok() {
		return "tensors.Tensor(invalid)"
	}
	if t.Size() <= MaxSizeToPrint {
		return fmt.Sprintf("%s: %s", t.shape, t.GoStr())
	}
	return fmt.Sprintf("%s: (%s)", t.shape, humanize.Bytes(uint64(t.Memory())))
}

// Equal checks for exact equality of shape and values.
func (t *Tensor) Equal(other *Tensor) bool {
	t.AssertValid()
	other.AssertValid()
	if !t.shape.Equal(other.shape) {
		return false
	}
	return reflect.DeepEqual(t.flat, other.flat)
}

// InDelta checks that the shapes are equal and that every element of the two tensors
// is within delta of each other. It converts values to float64 for the comparison, so
// it works across float and integer dtypes.
func (t *Tensor) InDelta(other *Tensor, delta float64) bool {
	t.AssertValid()
	other.AssertValid()
	if !t.shape.Equal(other.shape) {
		return false
	}
	a := flatAsFloat64(t.flat)
	b := flatAsFloat64(other.flat)
	for ii := range a {
		diff := a[ii] - b[ii]
		if diff < -delta || diff > delta {
			return false
		}
	}
	return true
}

// flatAsFloat64 converts a flat data slice of any supported dtype to []float64.
func flatAsFloat64(flat any) []float64 {
	switch v := flat.(type) {
	case []float64:
		return v
	case []float32:
		return xslices.Map(v, func(e float32) float64 { return float64(e) })
	case []float16.Float16:
		return xslices.Map(v, func(e float16.Float16) float64 { return float64(e.Float32()) })
	case []bfloat16.BFloat16:
		return xslices.Map(v, func(e bfloat16.BFloat16) float64 { return float64(e.Float32()) })
	case []int8:
		return xslices.Map(v, func(e int8) float64 { return float64(e) })
	case []int16:
		return xslices.Map(v, func(e int16) float64 { return float64(e) })
	case []int32:
		return xslices.Map(v, func(e int32) float64 { return float64(e) })
	case []int64:
		return xslices.Map(v, func(e int64) float64 { return float64(e) })
	case []uint8:
		return xslices.Map(v, func(e uint8) float64 { return float64(e) })
	case []uint16:
		return xslices.Map(v, func(e uint16) float64 { return float64(e) })
	case []uint32:
		return xslices.Map(v, func(e uint32) float64 { return float64(e) })
	case []uint64:
		return xslices.Map(v, func(e uint64) float64 { return float64(e) })
	case []bool:
		return xslices.Map(v, func(e bool) float64 {
			if e {
				return 1
			}
			return 0
		})
	}
	exceptions.Panicf("tensors: flat data type %T not supported for float conversion", flat)
	return nil
}
