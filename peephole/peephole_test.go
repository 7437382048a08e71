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

// TestOptimize runs the full pipeline over a graph combining every pattern the
// passes target: a packed LSTM with a traced default hidden state, an expanded
// bias addition and a transposed Gemm projection on the LSTM output.
func TestOptimize(t *testing.T) {
	g := graph.New("end_to_end")
	x := g.AddParameter("x", shapes.Make(dtypes.Float32, 7, 16, 32))
	lengths := g.AddParameter("lengths", shapes.Make(dtypes.Int64, 16))
	w := g.AddParameter("w", shapes.Make(dtypes.Float32, 1, 1024, 32))
	r := g.AddParameter("r", shapes.Make(dtypes.Float32, 1, 1024, 256))
	b := g.AddParameter("b", shapes.Make(dtypes.Float32, 1, 2048))
	proj := g.AddParameter("proj", shapes.Make(dtypes.Float32, 5, 256))
	projBias := g.AddParameter("proj_bias", shapes.Make(dtypes.Float32, 5))
	bias := g.AddParameter("bias", shapes.Make(dtypes.Float32, 256))

	hidden := g.AddNode(graph.KindConstant, 1)
	hidden.SetTensor(graph.AttrValue, tensors.FromFlatDataAndDimensions(make([]float32, 1*16*256), 1, 16, 256))

	pack := g.AddNode(graph.KindPackPadded, 2, x, lengths)
	lstm := g.AddNode(graph.KindLSTM, 1, pack.Output(0), pack.Output(1), w, r, b, hidden.Output(0))
	lstm.SetInt(graph.AttrHiddenSize, 256)
	unpack := g.AddNode(graph.KindPadPacked, 2, lstm.Output(0), pack.Output(1))

	// Bias addition through a traced Expand.
	expand := g.AddNode(graph.KindExpand, 1, bias)
	expand.Output(0).SetShape(shapes.Make(dtypes.Float32, 7, 16, 256))
	biased := g.AddNode(graph.KindAdd, 1, unpack.Output(0), expand.Output(0))
	biased.Output(0).SetShape(shapes.Make(dtypes.Float32, 7, 16, 256))
	unpack.Output(0).SetShape(shapes.Make(dtypes.Float32, 7, 16, 256))

	// A transpose pair that composes into the [1,0] swap, then a Gemm.
	first := g.AddNode(graph.KindTranspose, 1, proj)
	first.SetInts(graph.AttrPerm, []int{0, 1})
	second := g.AddNode(graph.KindTranspose, 1, first.Output(0))
	second.SetInts(graph.AttrPerm, []int{1, 0})
	flat := g.AddParameter("flat", shapes.Make(dtypes.Float32, 112, 256))
	gemm := g.AddNode(graph.KindGemm, 1, flat, second.Output(0), projBias)
	g.SetOutputs(biased.Output(0), gemm.Output(0))

	require.NoError(t, Optimize(g))
	g.MustValidate()

	// Packing: the LSTM reads the raw input, no PadPacked survives, any
	// remaining PackPadded is dead.
	require.Same(t, x, lstm.Input(0))
	require.Same(t, lengths, lstm.Input(1))
	for n := range g.Nodes() {
		require.NotEqual(t, graph.KindPadPacked, n.Kind())
		if n.Kind() == graph.KindPackPadded {
			require.False(t, n.HasUses())
		}
	}

	// Default hidden state: replaced by the dynamic-shape zero fill.
	require.Equal(t, graph.KindConstantFill, lstm.Input(5).Node().Kind())
	require.Equal(t, graph.InvalidNodeId, hidden.Id())

	// Broadcast: the Add reads the unexpanded bias with the broadcast flag on.
	require.Same(t, bias, biased.Input(1))
	require.Equal(t, 1, biased.Int(graph.AttrBroadcast))

	// Transposes: the pair composed to [1,0] and then vanished into the Gemm.
	require.Same(t, proj, gemm.Input(1))
	require.Equal(t, 1, gemm.Int(graph.AttrTransB))
	for n := range g.Nodes() {
		require.NotEqual(t, graph.KindTranspose, n.Kind())
	}

	// The graph boundary kept its arity.
	require.Len(t, g.Outputs(), 2)
}

// TestOptimizeMalformedGraph checks that a structurally broken graph surfaces as
// an error from Optimize rather than a panic.
func TestOptimizeMalformedGraph(t *testing.T) {
	g := graph.New("malformed")
	x := g.AddParameter("x", shapes.Make(dtypes.Float32, 2, 3, 4))
	inner := g.AddNode(graph.KindTranspose, 1, x)
	inner.SetInts(graph.AttrPerm, []int{1, 0}) // Wrong length for the outer perm.
	outer := g.AddNode(graph.KindTranspose, 1, inner.Output(0))
	outer.SetInts(graph.AttrPerm, []int{0, 2, 1})
	g.SetOutputs(outer.Output(0))

	err := Optimize(g)
	require.Error(t, err)
	require.Contains(t, err.Error(), "permutations have different lengths")
}

// TestOptimizeIsStableOnCleanGraph checks that a graph with nothing to rewrite
// passes through untouched.
func TestOptimizeIsStableOnCleanGraph(t *testing.T) {
	g := graph.New("clean")
	a := g.AddParameter("a", shapes.Make(dtypes.Float32, 2, 3))
	bParam := g.AddParameter("b", shapes.Make(dtypes.Float32, 2, 3))
	add := g.AddNode(graph.KindAdd, 1, a, bParam)
	g.SetOutputs(add.Output(0))

	before := g.NumNodes()
	require.NoError(t, Optimize(g))
	g.MustValidate()
	require.Equal(t, before, g.NumNodes())
	require.False(t, add.HasAttr(graph.AttrBroadcast))
}
