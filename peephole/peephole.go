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

// Package peephole rewrites a traced computation graph into a form the ONNX
// interchange format can represent efficiently.
//
// Each rewrite is local: it matches a small, fixed neighborhood of the graph --
// an operator and one or two of its producers -- and replaces it with an
// equivalent subgraph, preserving every external observer's view of the graph
// outputs. The rewrites are needed because ONNX lacks some of the constructs the
// tracer emits (packed sequences, free-standing Expand) or represents them
// differently (broadcast and transpose folded into operator attributes).
//
// Optimize runs the full pipeline, each pass exactly once, in a fixed order. It
// deliberately does not iterate to a fixpoint: the traced graphs these passes
// target don't produce patterns that need it, and a single pass keeps the cost
// linear in the graph size.
//
// A pass never fails on an unoptimizable graph: when shape metadata is missing or
// a pattern has consumers a rewrite doesn't handle, the candidate is silently
// skipped. Structurally malformed graphs (invalid permutations, attributes set
// where a rewrite guarantees their absence) panic inside the pipeline; Optimize
// converts the panic into an error.
package peephole

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/onnxopt/graph"
)

// Optimize applies the export rewrite pipeline to g, mutating it in place.
//
// The order is fixed: packing rewrites run first because they create new
// recurrent-adjacent structure the later passes can then see; transpose fusion
// runs before no-op elimination and Gemm fusion so that composed transposes get
// a chance to become no-ops or plain [1,0] swaps within the same invocation.
//
// A non-nil error means the input graph was structurally malformed; the graph
// may then be left partially rewritten and should be discarded.
func Optimize(g *graph.Graph) error {
	err := exceptions.TryCatch[error](func() { optimize(g) })
	if err != nil {
		return errors.WithMessagef(err, "peephole optimization of graph %q failed", g.Name())
	}
	return nil
}

func optimize(g *graph.Graph) {
	passes := []struct {
		name string
		fn   func(*graph.Graph) int
	}{
		{"push-packing-past-rnn", pushPackingPastRNN},
		{"remove-nop-packing", removeNopPacking},
		{"fix-default-rnn-hidden-state", fixDefaultRNNHiddenState},
		{"fix-default-lstm-cell-state", fixDefaultLSTMCellState},
		{"fuse-broadcast", fuseBroadcast},
		{"fuse-consecutive-transposes", fuseConsecutiveTransposes},
		{"eliminate-nop-transpose", eliminateNopTranspose},
		{"fuse-transpose-into-gemm", fuseTransposeIntoGemm},
	}
	for _, pass := range passes {
		count := pass.fn(g)
		if count > 0 {
			klog.V(1).Infof("peephole %s: %d rewrites on graph %q", pass.name, count, g.Name())
		}
	}
}
