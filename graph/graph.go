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

// Package graph implements the mutable dataflow graph the ONNX export rewrites
// operate on.
//
// The main elements of the package are:
//
//   - Graph: an ordered container of Nodes satisfying def-before-use: every Value
//     is produced by a node that precedes, in the global order, every node reading
//     it. Parameters (graph inputs) are regular nodes of KindParam; graph outputs
//     are recorded as uses of an internal sentinel, so an output value is never
//     "unused".
//
//   - Node: one typed operator instance with ordered inputs, ordered owned
//     outputs and named attributes (see Attr).
//
//   - Value: an SSA-style definition with exactly one producer, optional shape
//     metadata and a use list that always mirrors the graph's actual wiring.
//
// Structural edits (Node.ReplaceInput, Value.ReplaceAllUsesWith, Node.InsertBefore,
// Node.Destroy, ...) keep the use lists consistent at every step. Violations of an
// edit's precondition -- destroying a node that is still read, replacing an input
// out of range -- indicate a malformed graph and panic (see
// github.com/gomlx/exceptions); they are not recoverable conditions.
//
// Graph.Nodes iterates in topological order and tolerates destruction of the node
// just visited, which the rewrites in package peephole rely on.
package graph

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/onnxopt/types/shapes"
	"github.com/pkg/errors"
)

// Graph is the ordered, mutable container of Nodes handed to the export
// rewrites. Create one with New, add parameters and nodes, and declare the
// boundary with SetOutputs.
type Graph struct {
	name string

	// head/tail of the doubly-linked topological order.
	head, tail *Node
	numNodes   int

	nextNodeId  NodeId
	nextValueId int

	parameters []*Value

	// returnNode consumes the graph outputs. It is never linked into the node list.
	returnNode *Node
}

// New creates an empty Graph with the given name (used only for logs and errors).
func New(name string) *Graph {
	g := &Graph{name: name}
	g.returnNode = &Node{graph: g, id: g.newNodeId(), kind: KindReturn}
	return g
}

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// NumNodes returns the number of nodes currently linked in the graph, parameters
// included.
func (g *Graph) NumNodes() int { return g.numNodes }

func (g *Graph) newNodeId() NodeId {
	id := g.nextNodeId
	g.nextNodeId++
	return id
}

// NewNode creates a detached node of the given kind with numOutputs fresh output
// values (shape metadata unknown). The caller must splice it into the graph order
// with Node.InsertBefore or Node.InsertAfter, and wire inputs with Node.AddInput.
func (g *Graph) NewNode(kind Kind, numOutputs int) *Node {
	n := &Node{graph: g, id: g.newNodeId(), kind: kind}
	n.outputs = make([]*Value, numOutputs)
	for i := range n.outputs {
		n.outputs[i] = &Value{node: n, index: i, id: g.nextValueId}
		g.nextValueId++
	}
	return n
}

// AddNode creates a node of the given kind at the end of the graph order, already
// wired to read the given inputs. This is how the upstream tracer builds a graph.
func (g *Graph) AddNode(kind Kind, numOutputs int, inputs ...*Value) *Node {
	n := g.NewNode(kind, numOutputs)
	g.link(n, g.tail, nil)
	for _, in := range inputs {
		n.AddInput(in)
	}
	return n
}

// AddParameter appends a graph input: a KindParam node whose single output
// carries the given name and shape. Parameters are declared before any node
// reading them, as with any other producer.
func (g *Graph) AddParameter(name string, shape shapes.Shape) *Value {
	n := g.AddNode(KindParam, 1)
	out := n.Output(0)
	out.name = name
	out.shape = shape
	g.parameters = append(g.parameters, out)
	return out
}

// Parameters returns the graph input values, in declaration order.
func (g *Graph) Parameters() []*Value { return g.parameters }

// SetOutputs declares the graph outputs. Each output value gains a use on the
// internal return sentinel, so producers of graph outputs can never be destroyed
// as dead. May be called once per graph.
func (g *Graph) SetOutputs(values ...*Value) {
	if len(g.returnNode.inputs) > 0 {
		exceptions.Panicf("graph %q: SetOutputs called twice", g.name)
	}
	for _, v := range values {
		g.returnNode.AddInput(v)
	}
}

// Outputs returns the current graph output values. Rewrites may retarget an
// output use like any other, so the identities can change during optimization
// while the number and order of outputs never does.
func (g *Graph) Outputs() []*Value { return g.returnNode.inputs }

// link splices n between prev and next. Passing prev == nil links at the head,
// next == nil at the tail.
func (g *Graph) link(n *Node, prev, next *Node) {
	n.AssertValid()
	if n.inList {
		exceptions.Panicf("node %s is already part of the graph order", n)
	}
	n.prev, n.next = prev, next
	if prev != nil {
		prev.next = n
	} else {
		g.head = n
	}
	if next != nil {
		next.prev = n
	} else {
		g.tail = n
	}
	n.inList = true
	g.numNodes++
}

func (g *Graph) unlink(n *Node) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		g.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		g.tail = n.prev
	}
	n.prev, n.next = nil, nil
	n.inList = false
	g.numNodes--
}

// Nodes iterates over the nodes in topological order.
//
// Iteration is mutation-safe in the way the rewrites need: the successor is
// captured before each node is yielded, so the body may destroy the node just
// visited -- or any node before it -- without skipping or revisiting a neighbor.
// The body must not destroy nodes ahead of the cursor.
func (g *Graph) Nodes() func(yield func(*Node) bool) {
	return func(yield func(*Node) bool) {
		for n := g.head; n != nil; {
			next := n.next
			if !yield(n) {
				return
			}
			n = next
		}
	}
}

// Validate checks the structural invariants of the graph: list integrity,
// def-before-use ordering and use-set consistency. It returns a descriptive
// error for the first violation found, nil if the graph is sound.
func (g *Graph) Validate() error {
	order := make(map[*Node]int, g.numNodes)
	pos := 0
	for n := g.head; n != nil; n = n.next {
		if n.graph != g {
			return errors.Errorf("graph %q: node %s is linked in but owned by another (or no) graph", g.name, n)
		}
		if n.prev == nil && n != g.head {
			return errors.Errorf("graph %q: node %s has no predecessor but is not the head", g.name, n)
		}
		if _, seen := order[n]; seen {
			return errors.Errorf("graph %q: node list is cyclic at node %s", g.name, n)
		}
		order[n] = pos
		pos++
	}
	if pos != g.numNodes {
		return errors.Errorf("graph %q: node count mismatch: %d linked, %d recorded", g.name, pos, g.numNodes)
	}

	// Expected uses, from the consumer side. The return sentinel counts too.
	expected := make(map[*Value]map[Use]int)
	record := func(consumer *Node) error {
		for i, in := range consumer.inputs {
			if in == nil || in.node == nil {
				return errors.Errorf("graph %q: node %s input %d dangles (value destroyed?)", g.name, consumer, i)
			}
			if producerPos, found := order[in.node]; consumer != g.returnNode && (!found || producerPos >= order[consumer]) {
				return errors.Errorf("graph %q: value %s used by node %s before its producer %s in the graph order",
					g.name, in.Name(), consumer, in.node)
			}
			if expected[in] == nil {
				expected[in] = make(map[Use]int)
			}
			expected[in][Use{Node: consumer, Index: i}]++
		}
		return nil
	}
	for n := g.head; n != nil; n = n.next {
		if err := record(n); err != nil {
			return err
		}
	}
	if err := record(g.returnNode); err != nil {
		return err
	}

	for n := g.head; n != nil; n = n.next {
		for i, out := range n.outputs {
			if out.node != n || out.index != i {
				return errors.Errorf("graph %q: output %d of node %s does not point back at its producer", g.name, i, n)
			}
			recorded := make(map[Use]int, len(out.uses))
			for _, use := range out.uses {
				recorded[use]++
			}
			for use, count := range expected[out] {
				if recorded[use] != count {
					return errors.Errorf("graph %q: value %s is read by node %s at position %d but the use is not recorded",
						g.name, out.Name(), use.Node, use.Index)
				}
			}
			for use, count := range recorded {
				if expected[out][use] != count {
					return errors.Errorf("graph %q: value %s records a use by node %s at position %d that does not exist",
						g.name, out.Name(), use.Node, use.Index)
				}
			}
		}
	}
	return nil
}

// MustValidate panics (with the Validate error) if the graph is structurally
// inconsistent. Convenient in tests, after every rewrite step.
func (g *Graph) MustValidate() {
	if err := g.Validate(); err != nil {
		panic(err)
	}
}

// String prints the graph, one node per line, in topological order.
func (g *Graph) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "graph %q:\n", g.name)
	for n := g.head; n != nil; n = n.next {
		fmt.Fprintf(&b, "  %s\n", n)
	}
	outNames := make([]string, 0, len(g.returnNode.inputs))
	for _, out := range g.returnNode.inputs {
		outNames = append(outNames, out.Name())
	}
	fmt.Fprintf(&b, "  return %s\n", strings.Join(outNames, ", "))
	return b.String()
}
