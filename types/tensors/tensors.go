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

// Package tensors implements Tensor, an immutable literal tensor value.
//
// Tensors here only serve as attribute values of constant nodes in the graph being
// exported -- a shape plus a flat slice of data. There is no device storage and no
// arithmetic: actual computation happens after export, in the serving runtime.
package tensors

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/onnxopt/types/shapes"
)

// Tensor is an immutable tensor literal: a shape and the flat data in row-major
// order. Create one with FromScalar or FromFlatDataAndDimensions.
type Tensor struct {
	shape shapes.Shape
	flat  any
}

// FromScalar creates a rank-0 tensor holding the given value.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return &Tensor{
		shape: shapes.Scalar[T](),
		flat:  []T{value},
	}
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, filled with
// the row-major values in data. It panics if len(data) doesn't match the size
// implied by the dimensions.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("tensors.FromFlatDataAndDimensions: shape %s requires %d values, got %d",
			shape, shape.Size(), len(data))
	}
	return &Tensor{
		shape: shape,
		flat:  append([]T(nil), data...),
	}
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor's elements.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// IsScalar reports whether the tensor is a scalar.
func (t *Tensor) IsScalar() bool { return t.shape.IsScalar() }

// Size returns the number of elements stored.
func (t *Tensor) Size() int { return t.shape.Size() }

// Flat returns the flat data slice (a []T for the T it was created with).
// The returned slice must not be modified.
func (t *Tensor) Flat() any { return t.flat }

// FlatFromTensor returns the tensor's flat data as a []T. It panics if the
// tensor was created with a different element type.
func FlatFromTensor[T dtypes.Supported](t *Tensor) []T {
	flat, ok := t.flat.([]T)
	if !ok {
		exceptions.Panicf("tensors.FlatFromTensor[%s]: tensor holds %s values", dtypes.FromGenericsType[T](), t.DType())
	}
	return flat
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	if t == nil {
		return "Tensor(nil)"
	}
	return fmt.Sprintf("%s%v", t.shape, t.flat)
}
