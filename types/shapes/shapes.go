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

// Package shapes defines Shape, the optional per-value metadata attached to the
// values of a computation graph being prepared for ONNX export.
//
// A Shape combines a DType (see github.com/gomlx/gopjrt/dtypes) with the list of
// dimensions of a tensor. Shape information is attached by the upstream tracer and
// may be absent for any given value -- absence is represented by the zero value,
// for which Ok returns false. Rewrites that depend on shape information must treat
// an absent shape as "skip this candidate", never as an error.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a tensor.
//   - Axis: the index of a dimension. An axis' size is its dimension.
//   - DType: the data type of the unit element in a tensor.
//   - Scalar: a shape with no axes (rank 0), a single value of the given DType.
package shapes

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Shape represents the shape (rank, dimensions and DType) of a value in the
// computation graph.
//
// Use Make to create one. The zero value is the "unknown shape": Ok returns false.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape with the given DType and dimensions. Dimensions must be
// non-negative -- a zero dimension is a valid (empty) tensor axis.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: append([]int(nil), dimensions...)}
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with a negative dimension", s)
		}
	}
	return s
}

// Scalar returns a rank-0 Shape for the given Go type.
func Scalar[T dtypes.Supported]() Shape {
	return Shape{DType: dtypes.FromGenericsType[T]()}
}

// Invalid returns the invalid ("unknown") shape: Invalid().Ok() == false.
func Invalid() Shape { return Shape{} }

// Ok reports whether this is a known, valid Shape. The zero Shape is not.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of axes. A scalar has rank 0.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar reports whether the shape represents a scalar: a known shape of rank 0.
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of the given axis. A negative axis counts from the
// end, so Dim(-1) is the last dimension. It panics on an out-of-bounds axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// Size returns the number of elements a tensor of this shape holds.
func (s Shape) Size() int {
	size := 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return size
}

// Equal compares DType and dimensions.
func (s Shape) Equal(s2 Shape) bool {
	if s.DType != s2.DType || s.Rank() != s2.Rank() {
		return false
	}
	for axis, dim := range s.Dimensions {
		if s2.Dimensions[axis] != dim {
			return false
		}
	}
	return true
}

// Clone makes a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: append([]int(nil), s.Dimensions...)}
}

// String implements fmt.Stringer. An unknown shape prints as "(unknown)".
func (s Shape) String() string {
	if !s.Ok() {
		return "(unknown)"
	}
	if s.IsScalar() {
		return fmt.Sprintf("(%s)", s.DType)
	}
	parts := make([]string, 0, s.Rank())
	for _, dim := range s.Dimensions {
		parts = append(parts, fmt.Sprintf("%d", dim))
	}
	return fmt.Sprintf("(%s)[%s]", s.DType, strings.Join(parts, " "))
}
