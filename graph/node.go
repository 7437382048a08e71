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
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/onnxopt/types/shapes"
	"golang.org/x/exp/maps"
)

// NodeId is a unique id of a Node within its Graph. Ids are never reused, so they
// remain meaningful in logs after nodes are destroyed.
type NodeId int

// InvalidNodeId marks a node that has been destroyed.
const InvalidNodeId = NodeId(-1)

// Node is one operator instance in the graph: a Kind, an ordered list of input
// Values, an ordered list of owned output Values and a set of named attributes.
//
// Nodes are linked into the Graph's single topological order. A Node created with
// Graph.NewNode is detached until spliced in with InsertBefore or InsertAfter.
type Node struct {
	graph *Graph
	id    NodeId
	kind  Kind
	attrs map[Attr]any

	inputs  []*Value
	outputs []*Value

	// prev/next link the node into the graph's topological order.
	prev, next *Node
	inList     bool
}

// Value is one SSA-style definition: produced by exactly one Node at one output
// position. It carries optional shape metadata (the zero shapes.Shape when
// unknown) and the ordered list of its Uses.
type Value struct {
	node  *Node
	index int
	shape shapes.Shape
	uses  []Use

	name string // Set for parameters only; others print as %<id>.
	id   int
}

// Use is a (consumer Node, input position) reference to a Value.
type Use struct {
	Node  *Node
	Index int
}

// Kind of the operation this node performs.
func (n *Node) Kind() Kind { return n.kind }

// Id of the node within its graph, or InvalidNodeId if the node was destroyed.
func (n *Node) Id() NodeId { return n.id }

// Graph that owns this node. Nil after the node is destroyed.
func (n *Node) Graph() *Graph { return n.graph }

// AssertValid panics if n is nil or was destroyed.
func (n *Node) AssertValid() {
	if n == nil {
		exceptions.Panicf("Node is nil")
	}
	if n.graph == nil {
		exceptions.Panicf("node %s(#%d) was destroyed and can no longer be used", n.kind, n.id)
	}
}

// NumInputs returns the number of inputs of the node.
func (n *Node) NumInputs() int { return len(n.inputs) }

// Inputs returns the node's input values. The returned slice must not be modified.
func (n *Node) Inputs() []*Value { return n.inputs }

// Input returns the input value at position i.
func (n *Node) Input(i int) *Value {
	if i < 0 || i >= len(n.inputs) {
		exceptions.Panicf("node %s: input position %d out-of-range, node has %d inputs", n, i, len(n.inputs))
	}
	return n.inputs[i]
}

// NumOutputs returns the number of outputs of the node.
func (n *Node) NumOutputs() int { return len(n.outputs) }

// Outputs returns the node's output values. The returned slice must not be modified.
func (n *Node) Outputs() []*Value { return n.outputs }

// Output returns the output value at position i.
func (n *Node) Output(i int) *Value {
	if i < 0 || i >= len(n.outputs) {
		exceptions.Panicf("node %s: output position %d out-of-range, node has %d outputs", n, i, len(n.outputs))
	}
	return n.outputs[i]
}

// HasUses reports whether any output of the node still has uses.
func (n *Node) HasUses() bool {
	for _, out := range n.outputs {
		if len(out.uses) > 0 {
			return true
		}
	}
	return false
}

// AddInput appends v to the node's inputs and records the corresponding use.
func (n *Node) AddInput(v *Value) {
	n.AssertValid()
	v.checkSameGraph(n)
	n.inputs = append(n.inputs, v)
	v.uses = append(v.uses, Use{Node: n, Index: len(n.inputs) - 1})
}

// ReplaceInput updates input position i to read v, keeping the use lists of the
// old and new value consistent. Nothing is deleted.
func (n *Node) ReplaceInput(i int, v *Value) {
	n.AssertValid()
	v.checkSameGraph(n)
	if i < 0 || i >= len(n.inputs) {
		exceptions.Panicf("node %s: ReplaceInput position %d out-of-range, node has %d inputs", n, i, len(n.inputs))
	}
	old := n.inputs[i]
	old.removeUse(Use{Node: n, Index: i})
	n.inputs[i] = v
	v.uses = append(v.uses, Use{Node: n, Index: i})
}

// RemoveAllInputs drops every input of the node, unregistering the uses.
func (n *Node) RemoveAllInputs() {
	for i, in := range n.inputs {
		in.removeUse(Use{Node: n, Index: i})
	}
	n.inputs = n.inputs[:0]
}

// InsertBefore splices the (detached) node into the graph order immediately
// before anchor.
func (n *Node) InsertBefore(anchor *Node) {
	n.graph.link(n, anchor.prev, anchor)
}

// InsertAfter splices the (detached) node into the graph order immediately
// after anchor.
func (n *Node) InsertAfter(anchor *Node) {
	n.graph.link(n, anchor, anchor.next)
}

// Destroy removes the node from the graph. It panics if any output still has
// uses. The node's input uses are unregistered, and the node and its outputs are
// marked invalid, so accidental use afterwards fails loudly.
func (n *Node) Destroy() {
	n.AssertValid()
	for i, out := range n.outputs {
		if len(out.uses) > 0 {
			exceptions.Panicf("cannot destroy node %s: output %d still has %d uses", n, i, len(out.uses))
		}
	}
	n.RemoveAllInputs()
	if n.inList {
		n.graph.unlink(n)
	}
	for _, out := range n.outputs {
		out.node = nil
	}
	n.graph = nil
	n.id = InvalidNodeId
}

// String implements fmt.Stringer: "%3 = Gemm(%1, %2) {transA=1}".
func (n *Node) String() string {
	if n == nil {
		return "Node(nil)"
	}
	var b strings.Builder
	outNames := make([]string, 0, len(n.outputs))
	for _, out := range n.outputs {
		outNames = append(outNames, out.Name())
	}
	inNames := make([]string, 0, len(n.inputs))
	for _, in := range n.inputs {
		inNames = append(inNames, in.Name())
	}
	fmt.Fprintf(&b, "%s = %s(%s)", strings.Join(outNames, ", "), n.kind, strings.Join(inNames, ", "))
	if len(n.attrs) > 0 {
		keys := maps.Keys(n.attrs)
		slices.Sort(keys)
		parts := make([]string, 0, len(keys))
		for _, key := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", key, n.attrs[key]))
		}
		fmt.Fprintf(&b, " {%s}", strings.Join(parts, ", "))
	}
	return b.String()
}

// Node returns the producer of the value. Nil if the producer was destroyed.
func (v *Value) Node() *Node { return v.node }

// OutputIndex returns the output position of the value on its producer.
func (v *Value) OutputIndex() int { return v.index }

// Shape returns the value's shape metadata. It is optional: check Shape().Ok()
// before relying on it.
func (v *Value) Shape() shapes.Shape { return v.shape }

// SetShape attaches shape metadata to the value.
func (v *Value) SetShape(shape shapes.Shape) { v.shape = shape }

// Uses returns the current (consumer, position) pairs reading this value.
// The returned slice must not be modified.
func (v *Value) Uses() []Use { return v.uses }

// HasUses reports whether the value has any use.
func (v *Value) HasUses() bool { return len(v.uses) > 0 }

// Name returns the parameter name for parameter values, and "%<id>" otherwise.
func (v *Value) Name() string {
	if v.name != "" {
		return v.name
	}
	return fmt.Sprintf("%%%d", v.id)
}

// ReplaceAllUsesWith atomically retargets every current use of v to newV.
// Afterwards v has zero uses. Graph outputs reading v are retargeted as well.
func (v *Value) ReplaceAllUsesWith(newV *Value) {
	if v == newV {
		return
	}
	for _, use := range v.uses {
		use.Node.inputs[use.Index] = newV
	}
	newV.uses = append(newV.uses, v.uses...)
	v.uses = nil
}

// ReplaceFirstUseWith retargets only the first recorded use of v to newV.
// Panics if v has no uses.
func (v *Value) ReplaceFirstUseWith(newV *Value) {
	if len(v.uses) == 0 {
		exceptions.Panicf("ReplaceFirstUseWith: value %s has no uses", v.Name())
	}
	use := v.uses[0]
	use.Node.inputs[use.Index] = newV
	v.uses = v.uses[1:]
	newV.uses = append(newV.uses, use)
}

func (v *Value) removeUse(use Use) {
	for i, u := range v.uses {
		if u == use {
			v.uses = append(v.uses[:i], v.uses[i+1:]...)
			return
		}
	}
	exceptions.Panicf("use-list of value %s is inconsistent: no record of node %s reading it at position %d",
		v.Name(), use.Node, use.Index)
}

func (v *Value) checkSameGraph(n *Node) {
	if v == nil {
		exceptions.Panicf("node %s: input value is nil", n)
	}
	if v.node == nil {
		exceptions.Panicf("node %s: input value %s belongs to a destroyed node", n, v.Name())
	}
	if v.node.graph != n.graph {
		exceptions.Panicf("node %s: input value %s belongs to a different graph", n, v.Name())
	}
}
