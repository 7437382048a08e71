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

package graph

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/onnxopt/types/tensors"
)

// Attr is the name of a node attribute. Attribute values are typed: int, int list,
// float64, string or *tensors.Tensor. Reading an attribute with the wrong typed
// accessor, or one that isn't set, is an internal-consistency error and panics.
type Attr string

// Attribute names consumed and produced by the export rewrites.
const (
	AttrPerm         Attr = "perm"
	AttrBroadcast    Attr = "broadcast"
	AttrAxis         Attr = "axis"
	AttrAxes         Attr = "axes"
	AttrTransA       Attr = "transA"
	AttrTransB       Attr = "transB"
	AttrHiddenSize   Attr = "hidden_size"
	AttrDirection    Attr = "direction"
	AttrInputAsShape Attr = "input_as_shape"
	AttrValue        Attr = "value"
)

// HasAttr reports whether the attribute is set on the node.
func (n *Node) HasAttr(key Attr) bool {
	_, found := n.attrs[key]
	return found
}

func attrGet[T any](n *Node, key Attr) T {
	value, found := n.attrs[key]
	if !found {
		exceptions.Panicf("node %s has no attribute %q", n, key)
	}
	typed, ok := value.(T)
	if !ok {
		exceptions.Panicf("attribute %q of node %s holds a %T, accessed with the wrong type", key, n, value)
	}
	return typed
}

func attrSet(n *Node, key Attr, value any) *Node {
	n.AssertValid()
	if n.attrs == nil {
		n.attrs = make(map[Attr]any)
	}
	n.attrs[key] = value
	return n
}

// Int returns the int attribute key. Panics if absent or not an int.
func (n *Node) Int(key Attr) int { return attrGet[int](n, key) }

// Ints returns the int-list attribute key. Panics if absent or not an int list.
func (n *Node) Ints(key Attr) []int { return attrGet[[]int](n, key) }

// Float returns the float attribute key. Panics if absent or not a float.
func (n *Node) Float(key Attr) float64 { return attrGet[float64](n, key) }

// Str returns the string attribute key. Panics if absent or not a string.
func (n *Node) Str(key Attr) string { return attrGet[string](n, key) }

// Tensor returns the tensor-literal attribute key. Panics if absent or not a tensor.
func (n *Node) Tensor(key Attr) *tensors.Tensor { return attrGet[*tensors.Tensor](n, key) }

// SetInt sets an int attribute and returns the node for chaining.
func (n *Node) SetInt(key Attr, value int) *Node { return attrSet(n, key, value) }

// SetInts sets an int-list attribute and returns the node for chaining.
func (n *Node) SetInts(key Attr, values []int) *Node { return attrSet(n, key, values) }

// SetFloat sets a float attribute and returns the node for chaining.
func (n *Node) SetFloat(key Attr, value float64) *Node { return attrSet(n, key, value) }

// SetStr sets a string attribute and returns the node for chaining.
func (n *Node) SetStr(key Attr, value string) *Node { return attrSet(n, key, value) }

// SetTensor sets a tensor-literal attribute and returns the node for chaining.
func (n *Node) SetTensor(key Attr, value *tensors.Tensor) *Node { return attrSet(n, key, value) }
