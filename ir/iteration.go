package ir

import "fmt"

// InputKind tells how an outer input of an iteration construct is fed into its body.
type InputKind int

const (
	// SliceInput feeds one part of the outer tensor, cut along Axis, per iteration.
	SliceInput InputKind = iota
	// MergedInput feeds the outer value on the first iteration and the body result
	// BodyResult of the previous iteration afterwards (the back-edge).
	MergedInput
	// InvariantInput feeds the whole outer value on every iteration.
	InvariantInput
)

// String implements fmt.Stringer.
func (k InputKind) String() string {
	switch k {
	case SliceInput:
		return "slice"
	case MergedInput:
		return "merged"
	case InvariantInput:
		return "invariant"
	}
	return fmt.Sprintf("InputKind(%d)", int(k))
}

// InputDesc binds input port InputIndex of the construct to body parameter BodyParameter
// (an index into Body.Parameters()).
type InputDesc struct {
	Kind          InputKind
	InputIndex    int
	BodyParameter int

	// BodyResult is the back-edge of a MergedInput (index into Body.Results()).
	BodyResult int

	// Axis, Stride and PartSize describe a SliceInput. A negative stride walks the axis
	// from the end, which is how reverse iteration is expressed.
	Axis, Stride, PartSize int
}

// NewSliceInput creates a SliceInput descriptor.
func NewSliceInput(inputIndex, bodyParameter, axis, stride int) InputDesc {
	return InputDesc{Kind: SliceInput, InputIndex: inputIndex, BodyParameter: bodyParameter, Axis: axis, Stride: stride, PartSize: 1}
}

// NewMergedInput creates a MergedInput descriptor.
func NewMergedInput(inputIndex, bodyParameter, bodyResult int) InputDesc {
	return InputDesc{Kind: MergedInput, InputIndex: inputIndex, BodyParameter: bodyParameter, BodyResult: bodyResult}
}

// NewInvariantInput creates an InvariantInput descriptor.
func NewInvariantInput(inputIndex, bodyParameter int) InputDesc {
	return InputDesc{Kind: InvariantInput, InputIndex: inputIndex, BodyParameter: bodyParameter}
}

// OutputKind tells how a body result becomes an output of the construct.
type OutputKind int

const (
	// ConcatOutput concatenates the per-iteration values along Axis.
	ConcatOutput OutputKind = iota
	// BodyOutput takes the value of one iteration, the last one when Iteration is -1.
	BodyOutput
)

// String implements fmt.Stringer.
func (k OutputKind) String() string {
	switch k {
	case ConcatOutput:
		return "concat"
	case BodyOutput:
		return "body"
	}
	return fmt.Sprintf("OutputKind(%d)", int(k))
}

// LastIteration selects the last iteration in a BodyOutput descriptor.
const LastIteration = -1

// OutputDesc binds body result BodyResult (an index into Body.Results()) to output
// OutputIndex of the construct.
type OutputDesc struct {
	Kind        OutputKind
	BodyResult  int
	OutputIndex int

	// Axis, Stride and PartSize describe a ConcatOutput.
	Axis, Stride, PartSize int

	// Iteration selects the iteration of a BodyOutput.
	Iteration int
}

// NewConcatOutput creates a ConcatOutput descriptor.
func NewConcatOutput(bodyResult, outputIndex, axis, stride int) OutputDesc {
	return OutputDesc{Kind: ConcatOutput, BodyResult: bodyResult, OutputIndex: outputIndex, Axis: axis, Stride: stride, PartSize: 1}
}

// NewLastOutput creates a BodyOutput descriptor taking the value of the last iteration.
func NewLastOutput(bodyResult, outputIndex int) OutputDesc {
	return OutputDesc{Kind: BodyOutput, BodyResult: bodyResult, OutputIndex: outputIndex, Iteration: LastIteration}
}

// NoIndex marks the absence of a CurrentIterationParameter or ConditionResult.
const NoIndex = -1

// Iteration holds the body and port descriptors of a TensorIterator or Loop.
type Iteration struct {
	Body    *Graph
	Inputs  []InputDesc
	Outputs []OutputDesc

	// NumIterations is the trip count used when it can't be derived from the sliced inputs
	// (or, for Loop, from a constant trip count). 0 means unset.
	NumIterations int

	// CurrentIterationParameter is the index of the body parameter receiving the iteration
	// counter as an int32 scalar, or NoIndex. Loop only.
	CurrentIterationParameter int

	// ConditionResult is the index of the body result holding the continue condition, or NoIndex. Loop only.
	ConditionResult int
}

// NewIteration creates an Iteration over body without counter parameter or condition result.
func NewIteration(body *Graph) *Iteration {
	return &Iteration{Body: body, CurrentIterationParameter: NoIndex, ConditionResult: NoIndex}
}

// InputFor returns the descriptor bound to the body parameter with the given id.
func (it *Iteration) InputFor(param NodeID) (desc InputDesc, found bool) {
	params := it.Body.parameters
	for _, d := range it.Inputs {
		if d.BodyParameter >= 0 && d.BodyParameter < len(params) && params[d.BodyParameter] == param {
			return d, true
		}
	}
	return
}

// CounterParameter returns the body parameter receiving the iteration counter, or nil.
func (it *Iteration) CounterParameter() *Node {
	if it.CurrentIterationParameter == NoIndex {
		return nil
	}
	return it.Body.nodes[it.Body.parameters[it.CurrentIterationParameter]]
}

// ConditionNode returns the body result holding the continue condition, or nil.
func (it *Iteration) ConditionNode() *Node {
	if it.ConditionResult == NoIndex {
		return nil
	}
	return it.Body.nodes[it.Body.results[it.ConditionResult]]
}
