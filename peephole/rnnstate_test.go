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
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/onnxopt/graph"
	"github.com/gomlx/onnxopt/types/shapes"
	"github.com/gomlx/onnxopt/types/tensors"
)

// buildLSTMWithTracedStates builds an LSTM whose hidden and cell states (inputs 5
// and 6) are traced constants with the trace-time batch size baked in.
func buildLSTMWithTracedStates(t *testing.T, direction string) (g *graph.Graph, lstm, hidden, cell *graph.Node) {
	t.Helper()
	g = graph.New("lstm_default_state")
	x := g.AddParameter("x", shapes.Make(dtypes.Float32, 7, 16, 32))
	w := g.AddParameter("w", shapes.Make(dtypes.Float32, 1, 1024, 32))
	r := g.AddParameter("r", shapes.Make(dtypes.Float32, 1, 1024, 256))
	b := g.AddParameter("b", shapes.Make(dtypes.Float32, 1, 2048))
	lens := g.AddParameter("lens", shapes.Make(dtypes.Int64, 16))

	hidden = g.AddNode(graph.KindConstant, 1)
	hidden.SetTensor(graph.AttrValue, tensors.FromFlatDataAndDimensions(make([]float32, 1*16*256), 1, 16, 256))
	cell = g.AddNode(graph.KindConstant, 1)
	cell.SetTensor(graph.AttrValue, tensors.FromFlatDataAndDimensions(make([]float32, 1*16*256), 1, 16, 256))

	lstm = g.AddNode(graph.KindLSTM, 1, x, w, r, b, lens, hidden.Output(0), cell.Output(0))
	lstm.SetInt(graph.AttrHiddenSize, 256)
	if direction != "" {
		lstm.SetStr(graph.AttrDirection, direction)
	}
	g.SetOutputs(lstm.Output(0))
	return
}

// requireFillSubgraph checks the synthesized dynamic-shape subgraph feeding the
// given state input: ConstantFill(Concat(Unsqueeze(dirs), Unsqueeze(Gather(Shape(x), 1)), hiddenSize)).
func requireFillSubgraph(t *testing.T, lstm *graph.Node, inputIndex int, wantDirections, wantHiddenSize int64) {
	t.Helper()
	fill := lstm.Input(inputIndex).Node()
	require.Equal(t, graph.KindConstantFill, fill.Kind())
	require.Equal(t, 1, fill.Int(graph.AttrInputAsShape))

	concat := fill.Input(0).Node()
	require.Equal(t, graph.KindConcat, concat.Kind())
	require.Equal(t, 0, concat.Int(graph.AttrAxis))
	require.Equal(t, 3, concat.NumInputs())

	unsqueezedDirs := concat.Input(0).Node()
	require.Equal(t, graph.KindUnsqueeze, unsqueezedDirs.Kind())
	require.Equal(t, []int{0}, unsqueezedDirs.Ints(graph.AttrAxes))
	dirs := unsqueezedDirs.Input(0).Node()
	require.Equal(t, graph.KindConstant, dirs.Kind())
	require.Equal(t, []int64{wantDirections}, tensors.FlatFromTensor[int64](dirs.Tensor(graph.AttrValue)))

	unsqueezedBatch := concat.Input(1).Node()
	require.Equal(t, graph.KindUnsqueeze, unsqueezedBatch.Kind())
	gather := unsqueezedBatch.Input(0).Node()
	require.Equal(t, graph.KindGather, gather.Kind())
	shapeOf := gather.Input(0).Node()
	require.Equal(t, graph.KindShape, shapeOf.Kind())
	require.Same(t, lstm.Input(0), shapeOf.Input(0))
	gatherIndices := gather.Input(1).Node()
	require.Equal(t, []int64{1}, tensors.FlatFromTensor[int64](gatherIndices.Tensor(graph.AttrValue)))

	hiddenSize := concat.Input(2).Node()
	require.Equal(t, graph.KindConstant, hiddenSize.Kind())
	require.Equal(t, []int64{wantHiddenSize}, tensors.FlatFromTensor[int64](hiddenSize.Tensor(graph.AttrValue)))
}

func TestFixDefaultRNNHiddenState(t *testing.T) {
	g, lstm, hidden, _ := buildLSTMWithTracedStates(t, "")

	require.Equal(t, 1, fixDefaultRNNHiddenState(g))
	g.MustValidate()

	requireFillSubgraph(t, lstm, 5, 1, 256)
	require.Equal(t, graph.InvalidNodeId, hidden.Id())
}

func TestFixDefaultLSTMCellState(t *testing.T) {
	g, lstm, _, cell := buildLSTMWithTracedStates(t, "bidirectional")

	require.Equal(t, 1, fixDefaultLSTMCellState(g))
	g.MustValidate()

	requireFillSubgraph(t, lstm, 6, 2, 256)
	require.Equal(t, graph.InvalidNodeId, cell.Id())
}

func TestFixDefaultStateThroughSlice(t *testing.T) {
	g := graph.New("multi_layer_state")
	x := g.AddParameter("x", shapes.Make(dtypes.Float32, 7, 16, 32))
	w := g.AddParameter("w", shapes.Make(dtypes.Float32, 1, 768, 32))
	r := g.AddParameter("r", shapes.Make(dtypes.Float32, 1, 768, 256))
	b := g.AddParameter("b", shapes.Make(dtypes.Float32, 1, 1536))
	lens := g.AddParameter("lens", shapes.Make(dtypes.Int64, 16))

	// Multi-layer stacks slice the per-layer state out of one traced constant.
	stacked := g.AddNode(graph.KindConstant, 1)
	stacked.SetTensor(graph.AttrValue, tensors.FromFlatDataAndDimensions(make([]float32, 2*16*256), 2, 16, 256))
	layerState := g.AddNode(graph.KindSlice, 1, stacked.Output(0))
	layerState.SetInts(graph.AttrAxes, []int{0})

	gru := g.AddNode(graph.KindGRU, 1, x, w, r, b, lens, layerState.Output(0))
	gru.SetInt(graph.AttrHiddenSize, 256)
	g.SetOutputs(gru.Output(0))

	require.Equal(t, 1, fixDefaultRNNHiddenState(g))
	g.MustValidate()

	requireFillSubgraph(t, gru, 5, 1, 256)
	// Only the slice dies; the stacked constant stays for later passes to reclaim.
	require.Equal(t, graph.InvalidNodeId, layerState.Id())
	require.NotEqual(t, graph.InvalidNodeId, stacked.Id())
}

func TestFixDefaultStateSkipsProvidedState(t *testing.T) {
	g := graph.New("provided_state")
	x := g.AddParameter("x", shapes.Make(dtypes.Float32, 7, 16, 32))
	w := g.AddParameter("w", shapes.Make(dtypes.Float32, 1, 768, 32))
	r := g.AddParameter("r", shapes.Make(dtypes.Float32, 1, 768, 256))
	b := g.AddParameter("b", shapes.Make(dtypes.Float32, 1, 1536))
	lens := g.AddParameter("lens", shapes.Make(dtypes.Int64, 16))
	h0 := g.AddParameter("h0", shapes.Make(dtypes.Float32, 1, 16, 256))

	rnn := g.AddNode(graph.KindRNN, 1, x, w, r, b, lens, h0)
	rnn.SetInt(graph.AttrHiddenSize, 256)
	g.SetOutputs(rnn.Output(0))

	require.Equal(t, 0, fixDefaultRNNHiddenState(g))
	g.MustValidate()
	require.Same(t, h0, rnn.Input(5))
}

func TestFixDefaultStateSkipsShortInputList(t *testing.T) {
	g := graph.New("short_inputs")
	x := g.AddParameter("x", shapes.Make(dtypes.Float32, 7, 16, 32))
	w := g.AddParameter("w", shapes.Make(dtypes.Float32, 1, 768, 32))
	rnn := g.AddNode(graph.KindRNN, 1, x, w)
	rnn.SetInt(graph.AttrHiddenSize, 256)
	g.SetOutputs(rnn.Output(0))

	require.Equal(t, 0, fixDefaultRNNHiddenState(g))
	require.Equal(t, 0, fixDefaultLSTMCellState(g))
}
