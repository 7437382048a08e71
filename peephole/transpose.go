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

package peephole

import (
	"slices"

	"github.com/gomlx/exceptions"

	"github.com/gomlx/onnxopt/graph"
)

// isNopTranspose reports whether the permutation leaves every axis in place.
func isNopTranspose(perm []int) bool {
	for i, axis := range perm {
		if axis != i {
			return false
		}
	}
	return true
}

// composeTransposes returns the permutation equivalent to transposing by t1 and
// then by t2: result[i] = t2[t1[i]]. The permutations must have the same length
// and hold in-range indices; anything else means the upstream graph is malformed
// and panics.
func composeTransposes(t1, t2 []int) []int {
	if len(t1) != len(t2) {
		exceptions.Panicf("composeTransposes: permutations have different lengths (%d vs %d)", len(t1), len(t2))
	}
	composed := make([]int, 0, len(t1))
	for _, axis := range t1 {
		if axis < 0 || axis >= len(t2) {
			exceptions.Panicf("composeTransposes: axis %d out-of-range for permutation of length %d", axis, len(t2))
		}
		composed = append(composed, t2[axis])
	}
	return composed
}

// fuseConsecutiveTransposes folds every transpose-of-a-transpose into a single
// transpose with the composed permutation, deleting the inner transpose when it
// has no other consumers.
func fuseConsecutiveTransposes(g *graph.Graph) (count int) {
	for n := range g.Nodes() {
		if n.Kind() != graph.KindTranspose || n.Input(0).Node().Kind() != graph.KindTranspose {
			continue
		}
		origInput := n.Input(0)
		inner := origInput.Node()
		n.SetInts(graph.AttrPerm, composeTransposes(inner.Ints(graph.AttrPerm), n.Ints(graph.AttrPerm)))
		n.ReplaceInput(0, inner.Input(0))
		if !origInput.HasUses() {
			inner.Destroy()
		}
		count++
	}
	return
}

// eliminateNopTranspose removes every transpose whose permutation is the
// identity, forwarding its consumers to its input. The current node is destroyed
// mid-iteration, which Graph.Nodes tolerates.
func eliminateNopTranspose(g *graph.Graph) (count int) {
	for n := range g.Nodes() {
		if n.Kind() != graph.KindTranspose {
			continue
		}
		if !isNopTranspose(n.Ints(graph.AttrPerm)) {
			continue
		}
		n.Output(0).ReplaceAllUsesWith(n.Input(0))
		n.Destroy()
		count++
	}
	return
}

var gemmOperandFlags = [2]graph.Attr{graph.AttrTransA, graph.AttrTransB}

// fuseTransposeIntoGemm folds a [1,0]-permutation transpose feeding either of a
// Gemm's first two operands into the Gemm itself, toggling the corresponding
// transA/transB flag. The flag defaults to off, so an unset flag toggles to 1.
func fuseTransposeIntoGemm(g *graph.Graph) (count int) {
	simpleTransPerm := []int{1, 0}

	for n := range g.Nodes() {
		if n.Kind() != graph.KindGemm {
			continue
		}
		for i, flag := range gemmOperandFlags {
			inp := n.Input(i)
			producer := inp.Node()
			if producer.Kind() != graph.KindTranspose || !slices.Equal(producer.Ints(graph.AttrPerm), simpleTransPerm) {
				continue
			}
			n.ReplaceInput(i, producer.Input(0))
			if n.HasAttr(flag) && n.Int(flag) != 0 {
				n.SetInt(flag, 0)
			} else {
				n.SetInt(flag, 1)
			}
			if !inp.HasUses() {
				producer.Destroy()
			}
			count++
		}
	}
	return
}
