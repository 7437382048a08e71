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

import "fmt"

// Kind identifies the operation performed by a Node.
//
// The set is closed: it covers only the operators the export-time rewrites need to
// recognize. Every other operator an exporter may emit can be modeled by extending
// the enumeration -- rewrites ignore kinds they don't know about.
type Kind int

const (
	KindInvalid Kind = iota

	// KindParam is a graph input: no inputs, one output carrying the parameter value.
	KindParam
	// KindReturn is the sentinel consumer of the graph outputs. It is never part of
	// the node list; it exists so graph outputs are accounted for as uses.
	KindReturn

	// Broadcasting-capable operators (see Kind.IsBroadcasting).
	KindAdd
	KindDiv
	KindMul
	KindPow
	KindSub
	KindGemm

	// Recurrent family (see Kind.IsRecurrent).
	KindRNN
	KindLSTM
	KindGRU

	// Structural operators.
	KindTranspose
	KindExpand
	KindPackPadded
	KindPadPacked
	KindConstant
	KindSlice
	KindShape
	KindGather
	KindUnsqueeze
	KindConcat
	KindConstantFill
)

var kindNames = [...]string{
	KindInvalid:      "Invalid",
	KindParam:        "Param",
	KindReturn:       "Return",
	KindAdd:          "Add",
	KindDiv:          "Div",
	KindMul:          "Mul",
	KindPow:          "Pow",
	KindSub:          "Sub",
	KindGemm:         "Gemm",
	KindRNN:          "RNN",
	KindLSTM:         "LSTM",
	KindGRU:          "GRU",
	KindTranspose:    "Transpose",
	KindExpand:       "Expand",
	KindPackPadded:   "PackPadded",
	KindPadPacked:    "PadPacked",
	KindConstant:     "Constant",
	KindSlice:        "Slice",
	KindShape:        "Shape",
	KindGather:       "Gather",
	KindUnsqueeze:    "Unsqueeze",
	KindConcat:       "Concat",
	KindConstantFill: "ConstantFill",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// IsBroadcasting reports whether the operator supports the implicit "broadcast"
// flag enabling broadcasting of its last argument.
func (k Kind) IsBroadcasting() bool {
	switch k {
	case KindAdd, KindDiv, KindMul, KindPow, KindSub, KindGemm:
		return true
	}
	return false
}

// IsRecurrent reports whether the operator is one of the recurrent family.
func (k Kind) IsRecurrent() bool {
	switch k {
	case KindRNN, KindLSTM, KindGRU:
		return true
	}
	return false
}
