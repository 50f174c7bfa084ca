package transforms

import (
	"github.com/gomlx/seqfuse/ir"
	"github.com/gomlx/seqfuse/pattern"
)

// slicedTemplate matches the body of a construct slicing its input sequence one step per
// iteration: Parameter[1,B,I] or [B,1,I] → Squeeze|Reshape → cell → Unsqueeze|Reshape.
type slicedTemplate struct {
	*cellTemplate
	data    *pattern.Pattern
	unbatch *pattern.Pattern
}

func newSlicedTemplate(kind ir.Kind) *slicedTemplate {
	data := pattern.Op(ir.KindParameter).Rank(3).Named("X")
	unbatch := pattern.OneOf([]ir.Kind{ir.KindSqueeze, ir.KindReshape}, data).Rank(2).Named("unbatch")
	return &slicedTemplate{cellTemplate: newCellTemplate(kind, unbatch), data: data, unbatch: unbatch}
}

// plan returns the fused sequence plan for the construct n, or nil if its body doesn't match.
// control, if not nil, holds the loop control parameters and nodes the cell computation may
// ignore.
func (t *slicedTemplate) plan(n *ir.Node, control *loopControl) *sequencePlan {
	it := n.Iteration()
	return matchCell(it.Body, t.cellTemplate, func(m *pattern.Match) *sequencePlan {
		site := t.site(m)
		if !site.validConfig() {
			return nil
		}
		binding := newBodyBinding(n)
		data := m.Node(t.data)
		if !binding.expect(data, paramRole{kind: ir.SliceInput}) ||
			!binding.expectStates(site) || !binding.expectWeights(site) {
			return nil
		}
		if control != nil && !control.bind(binding) {
			return nil
		}
		if !binding.check() {
			return nil
		}

		slice := binding.descs[data.ID()]
		axis := slice.Axis
		if axis < 0 {
			axis += 3
		}
		if (axis != 0 && axis != 1) || slice.PartSize != 1 {
			return nil
		}
		unbatched := data.OutputShape(0).Clone()
		unbatched.Dimensions = append(unbatched.Dimensions[:axis], unbatched.Dimensions[axis+1:]...)
		if !m.Node(t.unbatch).OutputShape(0).Equal(unbatched) || !site.rebatchedAt(axis) {
			return nil
		}

		rules := append([]outputRule{{src: site.rebatched.Output(0), kind: ir.ConcatOutput, role: roleY, axis: axis, stride: slice.Stride}},
			stateRules(site)...)
		roles, ok := classifyOutputs(n, rules)
		if !ok {
			return nil
		}
		if !covers(it, func(id ir.NodeID) bool { return m.Covers(id) || (control != nil && control.covers(id)) }) {
			return nil
		}

		plan := newSequencePlan(n, binding, site, roles)
		plan.x = binding.outer(data)
		plan.seqFirst = axis == 0
		if slice.Stride < 0 {
			plan.direction = ir.Reverse
		}
		return plan
	})
}

func tensorIteratorToSequence(kind ir.Kind) *rule {
	t := newSlicedTemplate(kind)
	return &rule{
		name: "ConvertTensorIteratorTo" + kind.SequenceKind().String(),
		rewrite: func(g *ir.Graph, n *ir.Node) bool {
			if n.Kind() != ir.KindTensorIterator {
				return false
			}
			plan := t.plan(n, nil)
			if plan == nil {
				return false
			}
			plan.apply(g, n)
			return true
		},
	}
}

// ConvertTensorIteratorToLSTMSequence replaces a TensorIterator whose body is one LSTMCell
// step over a sliced input by an LSTMSequence.
func ConvertTensorIteratorToLSTMSequence() Converter {
	return tensorIteratorToSequence(ir.KindLSTMCell)
}

// ConvertTensorIteratorToRNNSequence is ConvertTensorIteratorToLSTMSequence for RNNCell bodies.
func ConvertTensorIteratorToRNNSequence() Converter {
	return tensorIteratorToSequence(ir.KindRNNCell)
}

// ConvertTensorIteratorToGRUSequence is ConvertTensorIteratorToLSTMSequence for GRUCell bodies.
func ConvertTensorIteratorToGRUSequence() Converter {
	return tensorIteratorToSequence(ir.KindGRUCell)
}

// ConvertTensorIteratorToSequence returns the stage converting every supported loop
// construct: the TensorIterator converters, then the ConvertLoopToSequence group.
func ConvertTensorIteratorToSequence() *GraphRewrite {
	return newConversionStage(DefaultConfig())
}

func newConversionStage(cfg Config) *GraphRewrite {
	var converters []Converter
	if !cfg.DisableTensorIterator {
		converters = append(converters,
			ConvertTensorIteratorToLSTMSequence(),
			ConvertTensorIteratorToRNNSequence(),
			ConvertTensorIteratorToGRUSequence())
	}
	if !cfg.DisableLoop {
		converters = append(converters, ConvertLoopToSequence())
	}
	return NewGraphRewrite(StageConvertToSequence, converters...)
}
