package ir

import "fmt"

// Kind is the operation tag of a Node. The set of kinds is closed: rewrites dispatch on it
// and the matcher constrains templates with it.
type Kind int

const (
	KindInvalid Kind = iota
	KindParameter
	KindConstant
	KindResult
	KindAdd
	KindSub
	KindMul
	KindSqueeze
	KindUnsqueeze
	KindReshape
	KindTranspose
	KindConcat
	KindSlice
	KindGather
	KindScatterUpdate
	KindLess
	KindLogicalAnd
	KindReverseSequence
	KindLSTMCell
	KindRNNCell
	KindGRUCell
	KindLSTMSequence
	KindRNNSequence
	KindGRUSequence
	KindTensorIterator
	KindLoop
	numKinds
)

var kindNames = [numKinds]string{
	KindInvalid:         "Invalid",
	KindParameter:       "Parameter",
	KindConstant:        "Constant",
	KindResult:          "Result",
	KindAdd:             "Add",
	KindSub:             "Sub",
	KindMul:             "Mul",
	KindSqueeze:         "Squeeze",
	KindUnsqueeze:       "Unsqueeze",
	KindReshape:         "Reshape",
	KindTranspose:       "Transpose",
	KindConcat:          "Concat",
	KindSlice:           "Slice",
	KindGather:          "Gather",
	KindScatterUpdate:   "ScatterUpdate",
	KindLess:            "Less",
	KindLogicalAnd:      "LogicalAnd",
	KindReverseSequence: "ReverseSequence",
	KindLSTMCell:        "LSTMCell",
	KindRNNCell:         "RNNCell",
	KindGRUCell:         "GRUCell",
	KindLSTMSequence:    "LSTMSequence",
	KindRNNSequence:     "RNNSequence",
	KindGRUSequence:     "GRUSequence",
	KindTensorIterator:  "TensorIterator",
	KindLoop:            "Loop",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k < 0 || k >= numKinds {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// IsCell returns whether k is one of the single-step recurrent cells.
func (k Kind) IsCell() bool {
	return k == KindLSTMCell || k == KindRNNCell || k == KindGRUCell
}

// IsSequence returns whether k is one of the fused sequence operators.
func (k Kind) IsSequence() bool {
	return k == KindLSTMSequence || k == KindRNNSequence || k == KindGRUSequence
}

// IsIteration returns whether k carries a body graph.
func (k Kind) IsIteration() bool {
	return k == KindTensorIterator || k == KindLoop
}

// SequenceKind returns the sequence kind that fuses a loop over the cell kind k.
// It returns KindInvalid if k is not a cell.
func (k Kind) SequenceKind() Kind {
	switch k {
	case KindLSTMCell:
		return KindLSTMSequence
	case KindRNNCell:
		return KindRNNSequence
	case KindGRUCell:
		return KindGRUSequence
	}
	return KindInvalid
}

// CellKind is the inverse of SequenceKind.
func (k Kind) CellKind() Kind {
	switch k {
	case KindLSTMSequence:
		return KindLSTMCell
	case KindRNNSequence:
		return KindRNNCell
	case KindGRUSequence:
		return KindGRUCell
	}
	return KindInvalid
}

// NumGates is the number of stacked gates in the weights of a cell or sequence kind:
// 4 for LSTM (f, i, c, o), 3 for GRU (z, r, h) and 1 for RNN.
func (k Kind) NumGates() int {
	switch k {
	case KindLSTMCell, KindLSTMSequence:
		return 4
	case KindGRUCell, KindGRUSequence:
		return 3
	case KindRNNCell, KindRNNSequence:
		return 1
	}
	return 0
}

// NumStates is the number of recurrent states: 2 for LSTM (hidden and cell state), 1 otherwise.
func (k Kind) NumStates() int {
	switch k {
	case KindLSTMCell, KindLSTMSequence:
		return 2
	case KindGRUCell, KindGRUSequence, KindRNNCell, KindRNNSequence:
		return 1
	}
	return 0
}

// DefaultActivations returns the activations used by a cell or sequence kind when none are given.
func (k Kind) DefaultActivations() []string {
	switch k {
	case KindLSTMCell, KindLSTMSequence:
		return []string{"sigmoid", "tanh", "tanh"}
	case KindGRUCell, KindGRUSequence:
		return []string{"sigmoid", "tanh"}
	case KindRNNCell, KindRNNSequence:
		return []string{"tanh"}
	}
	return nil
}

// Direction of a sequence operator.
type Direction int

const (
	Forward Direction = iota
	Reverse
	Bidirectional
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case Reverse:
		return "reverse"
	case Bidirectional:
		return "bidirectional"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// NumDirections is the size of the direction axis of the sequence tensors.
func (d Direction) NumDirections() int {
	if d == Bidirectional {
		return 2
	}
	return 1
}

// Opposite flips Forward and Reverse. Bidirectional is returned unchanged.
func (d Direction) Opposite() Direction {
	switch d {
	case Forward:
		return Reverse
	case Reverse:
		return Forward
	}
	return d
}
