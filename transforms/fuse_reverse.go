package transforms

import (
	"slices"

	"github.com/gomlx/seqfuse/ir"
)

// isReverseSequence returns whether n is a ReverseSequence over the given axes.
func isReverseSequence(n *ir.Node, batchAxis, seqAxis int) bool {
	return n != nil && n.Kind() == ir.KindReverseSequence &&
		n.IntAttrOr(ir.AttrBatchAxis, -1) == batchAxis && n.IntAttrOr(ir.AttrSeqAxis, -1) == seqAxis
}

// soleConsumer returns the only node consuming v, through input port 0, or nil.
func soleConsumer(g *ir.Graph, v ir.Value) *ir.Node {
	uses := g.Consumers(v)
	if len(uses) != 1 || uses[0].Input != 0 {
		return nil
	}
	return g.Node(uses[0].Node)
}

// FuseReverseSequence collapses ReverseSequence → sequence → ReverseSequence into one sequence
// of the opposite direction, provided all three share the same sequence lengths.
//
// The output reversal can be applied to Y[B,D,T,H] directly (sequence axis 2), or after
// squeezing the direction axis (sequence axis 1). In both cases Y must have no other consumer.
func FuseReverseSequence() Converter {
	return &rule{name: "FuseReverseSequence", rewrite: fuseReverseSequence}
}

func fuseReverseSequence(g *ir.Graph, seq *ir.Node) bool {
	if !seq.Kind().IsSequence() || seq.Direction() == ir.Bidirectional {
		return false
	}
	inputReverse := g.Producer(seq.Input(ir.SeqX))
	if !isReverseSequence(inputReverse, 0, 1) {
		return false
	}

	// The output reversal, and the value that replaces it.
	y := seq.Output(ir.SeqY)
	var outputReverse *ir.Node
	var replacement ir.Value
	switch consumer := soleConsumer(g, y); {
	case isReverseSequence(consumer, 0, 2):
		outputReverse, replacement = consumer, y
	case consumer != nil && consumer.Kind() == ir.KindSqueeze &&
		slices.Equal(consumer.IntsAttrOr(ir.AttrAxes, nil), []int{1}):
		outputReverse, replacement = soleConsumer(g, consumer.Output(0)), consumer.Output(0)
		if !isReverseSequence(outputReverse, 0, 1) {
			return false
		}
	default:
		return false
	}

	lengths := seq.Input(ir.SeqLengthsPort(seq.Kind()))
	if !g.SameValueOrEqualConstants(inputReverse.Input(1), lengths) ||
		!g.SameValueOrEqualConstants(outputReverse.Input(1), lengths) {
		return false
	}

	g.SetInput(seq, ir.SeqX, inputReverse.Input(0))
	seq.SetAttr(ir.AttrDirection, seq.Direction().Opposite())
	g.ReplaceAllUses(outputReverse.Output(0), replacement)
	return true
}
