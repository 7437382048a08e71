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
	"github.com/gomlx/onnxopt/graph"
)

// The tracer has a "packed" representation of variable-length sequences as well
// as a "padded" one; ONNX only has the padded form, so a PackPadded surviving to
// serialization is a hard export failure.
//
// pushPackingPastRNN uses the identity RNN(PackPadded(x)) == PackPadded(RNN(x))
// to push each packing operator past its recurrent consumer. Once pushed, the
// packing meets its inverse PadPacked and the pair cancels in removeNopPacking.
// If the traced graph doesn't pair them, export fails later, outside this pass.
//
// Only the single-consumer case is transformed; a packed output shared by
// several consumers is left alone.
func pushPackingPastRNN(g *graph.Graph) (count int) {
	for n := range g.Nodes() {
		if n.Kind() != graph.KindPackPadded {
			continue
		}
		if len(n.Output(0).Uses()) != 1 {
			continue
		}
		rnn := n.Output(0).Uses()[0].Node
		if !rnn.Kind().IsRecurrent() {
			continue
		}

		// Remove the packing from in front of the recurrent node.
		n.Output(0).ReplaceAllUsesWith(n.Input(0))

		// There can be multiple uses of the lengths value -- a multi-layer chain
		// feeds it to each level. Only the recurrent node's use moves here.
		n.Output(1).ReplaceFirstUseWith(n.Input(1))

		// Insert the new packing after the recurrent node and route the old
		// consumers through it.
		newPack := g.NewNode(graph.KindPackPadded, 2)
		newPack.InsertAfter(rnn)
		rnn.Output(0).ReplaceAllUsesWith(newPack.Output(0))
		n.Output(1).ReplaceAllUsesWith(newPack.Output(1))
		newPack.AddInput(rnn.Output(0))
		newPack.AddInput(n.Input(1))

		n.Destroy()
		count++
	}
	return
}

// removeNopPacking cancels each PadPacked whose two inputs are exactly (by
// identity) the two outputs of a single PackPadded: consumers of the PadPacked
// are forwarded to the values originally packed. The PackPadded itself is left
// in place -- its outputs are now unused and dead-code elimination after export
// reclaims it.
func removeNopPacking(g *graph.Graph) (count int) {
	for n := range g.Nodes() {
		if n.Kind() != graph.KindPadPacked {
			continue
		}
		pack := n.Input(0).Node()
		if pack.Kind() != graph.KindPackPadded {
			continue
		}
		if n.Input(0) != pack.Output(0) {
			continue
		}
		if n.Input(1) != pack.Output(1) {
			continue
		}
		n.Output(0).ReplaceAllUsesWith(pack.Input(0))
		n.Output(1).ReplaceAllUsesWith(pack.Input(1))

		n.RemoveAllInputs()
		n.Destroy()
		count++
	}
	return
}
