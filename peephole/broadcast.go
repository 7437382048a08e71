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
	"github.com/gomlx/exceptions"

	"github.com/gomlx/onnxopt/graph"
)

// fusibleExpandTo decides whether expanding a tensor of shape from to shape to is
// expressible with the ONNX one-directional broadcast: whole-dimension alignment
// at the trailing or leading edge, never a size-1-to-n stretch in the middle.
//
// Leading and trailing size-1 dimensions of from are ignored, since they
// broadcast trivially. The remaining core is first aligned against the end of
// to; a full match there needs no axis argument. Otherwise it is aligned against
// the start of to; a full match there broadcasts at axis 0. Anything else is not
// fusible.
func fusibleExpandTo(from, to []int) (fusible bool, axis int, withAxis bool) {
	if len(from) > len(to) {
		return false, 0, false
	}
	fromDimStart, fromDimEnd := 0, len(from)-1
	for fromDimStart < len(from) && from[fromDimStart] == 1 {
		fromDimStart++
	}
	for fromDimEnd > fromDimStart && from[fromDimEnd] == 1 {
		fromDimEnd--
	}

	f, t := fromDimEnd, len(to)-1
	trailingExpand := true
	for ; f >= fromDimStart && t >= 0; f, t = f-1, t-1 {
		if from[f] != to[t] {
			trailingExpand = false
			break
		}
	}
	// When to has leading ones where from does too, f ends up below fromDimStart
	// rather than exactly at it, e.g. from=[1,1,768], to=[5,1,768].
	if trailingExpand && f <= fromDimStart {
		return true, 0, false
	}

	f, t = fromDimStart, 0
	leadingExpand := true
	for ; f <= fromDimEnd && t < len(to); f, t = f+1, t+1 {
		if from[f] != to[t] {
			leadingExpand = false
			break
		}
	}
	if leadingExpand && f >= fromDimEnd {
		return true, 0, true
	}

	return false, 0, false
}

// fuseBroadcast folds an explicit Expand feeding the last input of a
// broadcasting-capable operator into the operator's broadcast flag, when the
// expansion is expressible as the ONNX one-directional broadcast. Shape metadata
// for both sides of the Expand must be known, otherwise the candidate is skipped.
func fuseBroadcast(g *graph.Graph) (count int) {
	for n := range g.Nodes() {
		if !n.Kind().IsBroadcasting() {
			continue
		}
		// An operator that already broadcasts can't be re-broadcast.
		if n.HasAttr(graph.AttrBroadcast) && n.Int(graph.AttrBroadcast) != 0 {
			continue
		}
		if n.HasAttr(graph.AttrAxis) {
			exceptions.Panicf("fuseBroadcast: node %s has an axis attribute but no broadcast flag", n)
		}

		inputIndex := n.NumInputs() - 1
		expandedRhs := n.Input(inputIndex)
		expand := expandedRhs.Node()
		if expand.Kind() != graph.KindExpand {
			continue
		}
		unexpandedRhs := expand.Input(0)

		// The expand is only ever traced, so the pre-expansion shape should always
		// be known; skip if for some reason it is not.
		if !unexpandedRhs.Shape().Ok() || !expandedRhs.Shape().Ok() {
			continue
		}
		fusible, axis, withAxis := fusibleExpandTo(unexpandedRhs.Shape().Dimensions, expandedRhs.Shape().Dimensions)
		if !fusible {
			continue
		}

		n.ReplaceInput(inputIndex, unexpandedRhs)
		n.SetInt(graph.AttrBroadcast, 1)
		if withAxis {
			n.SetInt(graph.AttrAxis, axis)
		}
		if !expand.HasUses() {
			expand.Destroy()
		}
		count++
	}
	return
}
