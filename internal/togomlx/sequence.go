package togomlx

import (
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/seqfuse/ir"
)

// convertSequence expands a sequence operator into one cell step per timestep and direction.
//
// Sequence lengths are materialized: steps past the length of a batch entry keep the previous
// states and output zeros. Reverse directions run over the reversed valid prefix of each entry.
func (c *converter) convertSequence(node *ir.Node, inputs []*Node) []*Node {
	kind := node.Kind()
	cfg := ir.CellConfigOf(node)
	direction := node.Direction()
	numStates := kind.NumStates()
	lPort := ir.SeqLengthsPort(kind)
	lengths := c.materializeInts(node.Input(lPort))

	x := inputs[ir.SeqX]
	batch, seqLen, inputSize := x.Shape().Dim(0), x.Shape().Dim(1), x.Shape().Dim(2)
	hidden := cfg.HiddenSize

	// perDirection takes direction d of a tensor shaped [..., D, ...] along axis.
	perDirection := func(t *Node, axis, d int) *Node {
		dims := t.Shape().Dimensions
		squeezed := make([]int, 0, len(dims)-1)
		squeezed = append(squeezed, dims[:axis]...)
		squeezed = append(squeezed, dims[axis+1:]...)
		return Reshape(SliceAxis(t, axis, AxisRange(d, d+1)), squeezed...)
	}

	outputs := make([][]*Node, 1+numStates)
	for d := range direction.NumDirections() {
		reverse := direction == ir.Reverse || (direction == ir.Bidirectional && d == 1)
		w := cellWeights{
			W: perDirection(inputs[lPort+1], 0, d),
			R: perDirection(inputs[lPort+2], 0, d),
			B: perDirection(inputs[lPort+3], 0, d),
		}
		states := make([]*Node, numStates)
		for s := range numStates {
			states[s] = perDirection(inputs[ir.SeqH0+s], 1, d)
		}
		xd := x
		if reverse {
			xd = reverseSequence(x, lengths, 0, 1)
		}
		steps := make([]*Node, seqLen)
		for t := range seqLen {
			xt := Reshape(SliceAxis(xd, 1, AxisRange(t, t+1)), batch, inputSize)
			newStates := cellStep(kind, cfg, xt, states, w)
			y := newStates[0]
			if mask := c.stepMask(lengths, t, hidden); mask != nil {
				for s := range numStates {
					newStates[s] = Where(mask, newStates[s], states[s])
				}
				y = Where(mask, newStates[0], Scalar(c.g, y.DType(), 0))
			}
			steps[t] = ExpandAxes(y, 1)
			states = newStates
		}
		y := concatenate(steps, 1)
		if reverse {
			y = reverseSequence(y, lengths, 0, 1)
		}
		outputs[0] = append(outputs[0], ExpandAxes(y, 1))
		for s := range numStates {
			outputs[1+s] = append(outputs[1+s], ExpandAxes(states[s], 1))
		}
	}
	return sliceMap(outputs, func(parts []*Node) *Node { return concatenate(parts, 1) })
}

// stepMask returns a [batch, hidden] boolean constant that is true for the batch entries whose
// length is larger than step. It returns nil if all entries are valid at this step.
func (c *converter) stepMask(lengths []int, step, hidden int) *Node {
	allValid := true
	for _, l := range lengths {
		if l <= step {
			allValid = false
			break
		}
	}
	if allValid {
		return nil
	}
	flat := make([]bool, len(lengths)*hidden)
	for b, l := range lengths {
		for h := range hidden {
			flat[b*hidden+h] = l > step
		}
	}
	return Const(c.g, tensors.FromFlatDataAndDimensions(flat, len(lengths), hidden))
}
