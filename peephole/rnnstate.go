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
	"github.com/gomlx/onnxopt/types/tensors"
)

// Recurrent operators take an optional initial hidden (and, for LSTM, cell)
// state. When the caller provides none, the tracer records the default
// zero-initialized value as a Constant -- with the batch size of the traced run
// baked into it, which is wrong for any other batch size at serving time. For
// multi-layer stacks the state reaches the node through a Slice of that
// Constant.
//
// fixDefaultRecurrentState recognizes the pattern at the given input and
// replaces the baked constant with a small subgraph computing the right shape at
// runtime -- [num_directions, batch_size, hidden_size], with the batch size read
// off the recurrent node's actual first input -- feeding a ConstantFill that
// produces the zero state.
func fixDefaultRecurrentState(g *graph.Graph, n *graph.Node, inputIndex int) bool {
	initialState := n.Input(inputIndex)
	producer := initialState.Node()

	needsFixing := producer.Kind() == graph.KindConstant ||
		(producer.Kind() == graph.KindSlice && producer.Input(0).Node().Kind() == graph.KindConstant)
	if !needsFixing {
		return false
	}

	shapeOfInput := g.NewNode(graph.KindShape, 1)
	shapeOfInput.InsertBefore(n)
	shapeOfInput.AddInput(n.Input(0))

	gatherIndices := g.NewNode(graph.KindConstant, 1)
	gatherIndices.InsertBefore(n)
	gatherIndices.SetTensor(graph.AttrValue, tensors.FromScalar[int64](1))

	batchSize := g.NewNode(graph.KindGather, 1)
	batchSize.InsertBefore(n)
	batchSize.AddInput(shapeOfInput.Output(0))
	batchSize.AddInput(gatherIndices.Output(0))

	unsqueezedBatchSize := g.NewNode(graph.KindUnsqueeze, 1)
	unsqueezedBatchSize.InsertBefore(n)
	unsqueezedBatchSize.AddInput(batchSize.Output(0))
	unsqueezedBatchSize.SetInts(graph.AttrAxes, []int{0})

	hiddenSize := g.NewNode(graph.KindConstant, 1)
	hiddenSize.InsertBefore(n)
	hiddenSize.SetTensor(graph.AttrValue,
		tensors.FromFlatDataAndDimensions([]int64{int64(n.Int(graph.AttrHiddenSize))}, 1))

	directions := int64(1)
	if n.HasAttr(graph.AttrDirection) && n.Str(graph.AttrDirection) == "bidirectional" {
		directions = 2
	}
	numDirections := g.NewNode(graph.KindConstant, 1)
	numDirections.InsertBefore(n)
	numDirections.SetTensor(graph.AttrValue, tensors.FromScalar[int64](directions))

	unsqueezedNumDirections := g.NewNode(graph.KindUnsqueeze, 1)
	unsqueezedNumDirections.InsertBefore(n)
	unsqueezedNumDirections.AddInput(numDirections.Output(0))
	unsqueezedNumDirections.SetInts(graph.AttrAxes, []int{0})

	concatenatedDims := g.NewNode(graph.KindConcat, 1)
	concatenatedDims.InsertBefore(n)
	concatenatedDims.SetInt(graph.AttrAxis, 0)
	concatenatedDims.AddInput(unsqueezedNumDirections.Output(0))
	concatenatedDims.AddInput(unsqueezedBatchSize.Output(0))
	concatenatedDims.AddInput(hiddenSize.Output(0))

	constantFill := g.NewNode(graph.KindConstantFill, 1)
	constantFill.InsertBefore(n)
	constantFill.SetInt(graph.AttrInputAsShape, 1)
	constantFill.AddInput(concatenatedDims.Output(0))

	n.ReplaceInput(inputIndex, constantFill.Output(0))
	if !initialState.HasUses() {
		producer.Destroy()
	}
	return true
}

// fixDefaultRNNHiddenState fixes the traced default hidden state for every
// recurrent node. The hidden state is the sixth input of RNN, LSTM and GRU.
func fixDefaultRNNHiddenState(g *graph.Graph) (count int) {
	for n := range g.Nodes() {
		if !n.Kind().IsRecurrent() {
			continue
		}
		if n.NumInputs() < 6 {
			continue
		}
		if fixDefaultRecurrentState(g, n, 5) {
			count++
		}
	}
	return
}

// fixDefaultLSTMCellState fixes the traced default cell state, the seventh
// input of LSTM nodes.
func fixDefaultLSTMCellState(g *graph.Graph) (count int) {
	for n := range g.Nodes() {
		if n.Kind() != graph.KindLSTM {
			continue
		}
		if n.NumInputs() < 7 {
			continue
		}
		if fixDefaultRecurrentState(g, n, 6) {
			count++
		}
	}
	return
}
