package transforms

import (
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/seqfuse/ir"
	"k8s.io/klog/v2"
)

// FuseSequencesToBidirectionalSequence merges a forward sequence and a reverse sequence of the
// same kind, reading the same input with the same lengths and configuration, into one
// bidirectional sequence.
//
// Candidates are the forward sequences. If several reverse sequences qualify as partners, the
// one with the lowest node id is taken.
func FuseSequencesToBidirectionalSequence() Converter {
	return &rule{name: "FuseSequencesToBidirectionalSequence", rewrite: fuseBidirectional}
}

// bidirectionalPartners returns whether the forward sequence fw and the reverse sequence rv
// can be merged.
func bidirectionalPartners(g *ir.Graph, fw, rv *ir.Node) bool {
	if fw.Kind() != rv.Kind() || rv.Direction() != ir.Reverse || fw.Input(ir.SeqX) != rv.Input(ir.SeqX) {
		return false
	}
	lengths := ir.SeqLengthsPort(fw.Kind())
	if !g.SameValueOrEqualConstants(fw.Input(lengths), rv.Input(lengths)) {
		return false
	}
	if !ir.CellConfigOf(fw).Equal(ir.CellConfigOf(rv)) {
		return false
	}
	for port := ir.SeqH0; port < fw.NumInputs(); port++ {
		if port != lengths && !g.Shape(fw.Input(port)).Equal(g.Shape(rv.Input(port))) {
			return false
		}
	}
	// The merged sequence takes the inputs of both: neither may be computed from the other.
	return !dependsOn(g, rv, fw) && !dependsOn(g, fw, rv)
}

// dependsOn returns whether the inputs of n are computed, transitively, from target.
func dependsOn(g *ir.Graph, n, target *ir.Node) bool {
	visited := sets.Make[ir.NodeID]()
	stack := n.Inputs()
	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if v.Node == target.ID() {
			return true
		}
		if visited.Has(v.Node) {
			continue
		}
		visited.Insert(v.Node)
		stack = append(stack, g.Node(v.Node).Inputs()...)
	}
	return false
}

func fuseBidirectional(g *ir.Graph, fw *ir.Node) bool {
	if !fw.Kind().IsSequence() || fw.Direction() != ir.Forward {
		return false
	}
	// Sequences absorbed by an earlier merge keep their inputs until the sweep, but are no
	// longer consumed.
	var rv *ir.Node
	for _, candidate := range g.ConsumerNodes(fw.Input(ir.SeqX)) {
		if candidate != fw && candidate.Kind().IsSequence() && !orphaned(candidate) && bidirectionalPartners(g, fw, candidate) {
			rv = candidate
			break
		}
	}
	if rv == nil {
		return false
	}
	klog.V(2).Infof("FuseSequencesToBidirectionalSequence: merging %s and %s", fw, rv)

	kind := fw.Kind()
	lengths := ir.SeqLengthsPort(kind)
	inputs := []ir.Value{fw.Input(ir.SeqX)}
	for port := ir.SeqH0; port < lengths; port++ {
		inputs = append(inputs, g.Concat(1, fw.Input(port), rv.Input(port)).Output(0))
	}
	inputs = append(inputs, fw.Input(lengths))
	for port := lengths + 1; port < fw.NumInputs(); port++ {
		inputs = append(inputs, g.Concat(0, fw.Input(port), rv.Input(port)).Output(0))
	}
	bi := g.Sequence(kind, inputs, ir.CellConfigOf(fw), ir.Bidirectional)

	for output := range bi.NumOutputs() {
		for direction, seq := range []*ir.Node{fw, rv} {
			if len(g.Consumers(seq.Output(output))) == 0 {
				continue
			}
			half := g.Slice(bi.Output(output), 1, direction, direction+1)
			g.ReplaceAllUses(seq.Output(output), half.Output(0))
		}
	}
	return true
}
