package transforms

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/seqfuse/ir"
	"github.com/gomlx/seqfuse/pattern"
)

// isIntConstant accepts integer scalar constants equal to value.
func isIntConstant(value int) pattern.Predicate {
	return func(g *ir.Graph, v ir.Value) bool {
		values, ok := g.ConstantInts(v)
		return ok && len(values) == 1 && values[0] == value
	}
}

// Continue condition of a counted Loop body: Less(Add(counter, 1), limit).
var (
	condCounter       = pattern.Op(ir.KindParameter).Rank(0).Named("counter")
	condOne           = pattern.Op(ir.KindConstant).Rank(0).Where(isIntConstant(1)).Named("one")
	condLimit         = pattern.Op(ir.KindParameter).Rank(0).Named("limit")
	continueCondition = pattern.Op(ir.KindLess,
		pattern.Or(pattern.Op(ir.KindAdd, condCounter, condOne), pattern.Op(ir.KindAdd, condOne, condCounter)),
		condLimit)
)

// loopControl is the analysis of the control inputs of a Loop: the trip count, the initial
// condition and the body condition computation.
type loopControl struct {
	limit *ir.Node // Body parameter of the iteration limit, if any.
	nodes sets.Set[ir.NodeID]
}

// analyzeLoopControl returns the control analysis of the Loop n, or nil if the loop may stop
// before running its n.NumIterations() iterations.
func analyzeLoopControl(n *ir.Node) *loopControl {
	g, it := n.Graph(), n.Iteration()
	if cond, ok := g.ConstantBool(n.Input(ir.LoopCondition)); !ok || !cond {
		return nil
	}
	c := &loopControl{nodes: sets.Make[ir.NodeID]()}
	condResult := it.ConditionNode()
	if condResult == nil {
		return c
	}
	body, cond := it.Body, condResult.Input(0)
	if value, ok := body.ConstantBool(cond); ok {
		if !value && n.NumIterations() > 1 {
			return nil
		}
		c.nodes.Insert(cond.Node)
		return c
	}
	counter := it.CounterParameter()
	m, ok := continueCondition.Match(body, cond)
	if counter == nil || !ok || m.Node(condCounter).ID() != counter.ID() {
		return nil
	}
	c.limit = m.Node(condLimit)
	desc, found := it.InputFor(c.limit.ID())
	if !found || desc.Kind != ir.InvariantInput {
		return nil
	}
	limit, ok := g.ConstantInts(n.Input(desc.InputIndex))
	if !ok || limit[0] < n.NumIterations() {
		return nil
	}
	for _, id := range m.Nodes() {
		c.nodes.Insert(id)
	}
	return c
}

// bind records the roles of the control parameters.
func (c *loopControl) bind(b *bodyBinding) bool {
	return c.limit == nil || b.expect(c.limit, paramRole{kind: ir.InvariantInput})
}

// covers returns whether the body node id is part of the condition computation.
func (c *loopControl) covers(id ir.NodeID) bool {
	return c.nodes.Has(id)
}

// ConvertLoopWithSlicedInputConcatOutputToSequence replaces a Loop whose body is one cell
// step over a sliced input, with the hidden states concatenated into the output sequence,
// by the sequence of the cell kind.
func ConvertLoopWithSlicedInputConcatOutputToSequence() Converter {
	templates := make([]*slicedTemplate, len(cellKinds))
	for ii, kind := range cellKinds {
		templates[ii] = newSlicedTemplate(kind)
	}
	return &rule{
		name: "ConvertLoopWithSlicedInputConcatOutputToSequence",
		rewrite: func(g *ir.Graph, n *ir.Node) bool {
			if n.Kind() != ir.KindLoop {
				return false
			}
			control := analyzeLoopControl(n)
			if control == nil {
				return false
			}
			for _, t := range templates {
				if plan := t.plan(n, control); plan != nil {
					plan.apply(g, n)
					return true
				}
			}
			return false
		},
	}
}

// scatterTemplate matches the body of a Loop reading its input sequence with Gather at the
// iteration counter, and writing the hidden states to a merged buffer with ScatterUpdate at
// the same index. The index is the counter (forward) or last-counter (reverse).
type scatterTemplate struct {
	*cellTemplate
	counter      *pattern.Pattern
	last         *pattern.Pattern
	reversed     *pattern.Pattern
	x            *pattern.Pattern
	buffer       *pattern.Pattern
	scatterIndex *pattern.Pattern
	scatter      *pattern.Pattern
}

func newScatterTemplate(kind ir.Kind) *scatterTemplate {
	t := &scatterTemplate{}
	t.counter = pattern.Op(ir.KindParameter).Rank(0).Named("counter")
	t.last = pattern.Op(ir.KindConstant).Rank(0).Named("last")
	t.reversed = pattern.Op(ir.KindSub, t.last, t.counter).Named("reversed")
	index := pattern.Or(t.counter, t.reversed).Named("index")
	gatherIndex := pattern.Or(index, pattern.OneOf([]ir.Kind{ir.KindSqueeze, ir.KindReshape}, index).Rank(0))
	t.x = pattern.Op(ir.KindParameter).Rank(3).Named("X")
	gather := pattern.Op(ir.KindGather, t.x, gatherIndex).Rank(2).IntAttr(ir.AttrAxis, 0).Named("gather")
	t.cellTemplate = newCellTemplate(kind, gather)
	t.buffer = pattern.Op(ir.KindParameter).Rank(3).Named("buffer")
	t.scatterIndex = pattern.OneOf([]ir.Kind{ir.KindUnsqueeze, ir.KindReshape}, index).Rank(1).Named("scatterIndex")
	t.scatter = pattern.Op(ir.KindScatterUpdate, t.buffer, t.scatterIndex, t.rebatched).IntAttr(ir.AttrAxis, 0).Named("scatter")
	return t
}

// plan returns the fused sequence plan for the Loop n, or nil if its body doesn't match.
func (t *scatterTemplate) plan(n *ir.Node, control *loopControl) *sequencePlan {
	it := n.Iteration()
	body, counter := it.Body, it.CounterParameter()
	if counter == nil {
		return nil
	}
	numIterations := n.NumIterations()
	for _, result := range body.Results() {
		m, ok := t.scatter.Match(body, result.Input(0))
		if !ok || m.Node(t.counter).ID() != counter.ID() {
			continue
		}
		site := t.site(m)
		if !site.validConfig() || !site.rebatchedAt(0) {
			continue
		}
		direction := ir.Forward
		if m.Has(t.reversed) {
			last, ok := body.ConstantInts(m.Value(t.last))
			if !ok || last[0] != numIterations-1 {
				continue
			}
			direction = ir.Reverse
		}
		xParam, bufferParam, scatter := m.Node(t.x), m.Node(t.buffer), m.Node(t.scatter)
		if xParam.OutputShape(0).Dimensions[0] != numIterations ||
			bufferParam.OutputShape(0).Dimensions[0] != numIterations ||
			!slices.Equal(m.Node(t.scatterIndex).OutputShape(0).Dimensions, []int{1}) {
			continue
		}

		binding := newBodyBinding(n)
		if !binding.expect(xParam, paramRole{kind: ir.InvariantInput}) ||
			!binding.expect(bufferParam, paramRole{kind: ir.MergedInput, backEdge: scatter.Output(0)}) ||
			!binding.expectStates(site) || !binding.expectWeights(site) ||
			!control.bind(binding) || !binding.check() {
			continue
		}

		rules := []outputRule{{src: scatter.Output(0), kind: ir.BodyOutput, role: roleY}}
		if direction == ir.Forward {
			rules = append(rules, outputRule{src: site.rebatched.Output(0), kind: ir.ConcatOutput, role: roleY, axis: 0, stride: 1})
		}
		roles, ok := classifyOutputs(n, append(rules, stateRules(site)...))
		if !ok {
			continue
		}
		if !covers(it, func(id ir.NodeID) bool { return m.Covers(id) || control.covers(id) }) {
			continue
		}

		plan := newSequencePlan(n, binding, site, roles)
		plan.x = binding.outer(xParam)
		plan.seqFirst = true
		plan.direction = direction
		return plan
	}
	return nil
}

// ConvertLoopWithScatterUpdateToSequence replaces a Loop whose body gathers one step of the
// input sequence at the iteration counter, applies a cell and scatters the new hidden state
// into a merged buffer at the same index, by the sequence of the cell kind.
func ConvertLoopWithScatterUpdateToSequence() Converter {
	templates := make([]*scatterTemplate, len(cellKinds))
	for ii, kind := range cellKinds {
		templates[ii] = newScatterTemplate(kind)
	}
	return &rule{
		name: "ConvertLoopWithScatterUpdateToSequence",
		rewrite: func(g *ir.Graph, n *ir.Node) bool {
			if n.Kind() != ir.KindLoop {
				return false
			}
			control := analyzeLoopControl(n)
			if control == nil {
				return false
			}
			for _, t := range templates {
				if plan := t.plan(n, control); plan != nil {
					plan.apply(g, n)
					return true
				}
			}
			return false
		},
	}
}

// ConvertLoopToSequence groups the Loop converters: the scatter-update encoding is tried
// before the slice/concat one.
func ConvertLoopToSequence() *GraphRewrite {
	return NewGraphRewrite("ConvertLoopToSequence",
		ConvertLoopWithScatterUpdateToSequence(),
		ConvertLoopWithSlicedInputConcatOutputToSequence())
}
