package transforms

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/seqfuse/ir"
	"github.com/gomlx/seqfuse/pattern"
)

// cellKinds are the cell kinds the loop converters try, in order.
var cellKinds = []ir.Kind{ir.KindLSTMCell, ir.KindRNNCell, ir.KindGRUCell}

// cellTemplate matches one recurrent step of a loop body: a cell fed by a per-step input
// and the state parameters, whose new hidden state is re-batched to rank 3.
type cellTemplate struct {
	kind      ir.Kind
	step      *pattern.Pattern
	h, c      *pattern.Pattern
	w, r, b   *pattern.Pattern
	cell      *pattern.Pattern
	rebatched *pattern.Pattern
}

// newCellTemplate creates the template of a cell of the given kind, whose X input matches step.
func newCellTemplate(kind ir.Kind, step *pattern.Pattern) *cellTemplate {
	t := &cellTemplate{kind: kind, step: step}
	t.h = pattern.Op(ir.KindParameter).Rank(2).Named("H")
	inputs := []*pattern.Pattern{step, t.h}
	if kind.NumStates() == 2 {
		t.c = pattern.Op(ir.KindParameter).Rank(2).Named("C")
		inputs = append(inputs, t.c)
	}
	t.w, t.r, t.b = pattern.Any().Named("W"), pattern.Any().Named("R"), pattern.Any().Named("B")
	inputs = append(inputs, t.w, t.r, t.b)
	t.cell = pattern.Op(kind, inputs...).Named(kind.String())
	t.rebatched = pattern.OneOf([]ir.Kind{ir.KindUnsqueeze, ir.KindReshape}, t.cell).Rank(3).Named("rebatched")
	return t
}

// cellSite is a cell matched by a cellTemplate.
type cellSite struct {
	cell      *ir.Node
	rebatched *ir.Node
	states    []*ir.Node // Body parameters of the hidden (and cell) state.
	weights   []ir.Value // Body values of W, R and B.
	cfg       ir.CellConfig
}

func (t *cellTemplate) site(m *pattern.Match) *cellSite {
	s := &cellSite{
		cell:      m.Node(t.cell),
		rebatched: m.Node(t.rebatched),
		states:    []*ir.Node{m.Node(t.h)},
		weights:   []ir.Value{m.Value(t.w), m.Value(t.r), m.Value(t.b)},
	}
	if t.c != nil {
		s.states = append(s.states, m.Node(t.c))
	}
	s.cfg = ir.CellConfigOf(s.cell)
	return s
}

// validConfig returns whether the cell attributes can be carried over to a sequence.
func (s *cellSite) validConfig() bool {
	want := s.cell.Kind().DefaultActivations()
	return s.cfg.HiddenSize > 0 && s.cfg.Clip >= 0 && len(s.cfg.Activations) == len(want) &&
		s.cell.OutputShape(0).Dimensions[1] == s.cfg.HiddenSize
}

// rebatchedAt returns whether the re-batched hidden state is the [B,H] cell output with a
// unit axis inserted at axis.
func (s *cellSite) rebatchedAt(axis int) bool {
	dims := slices.Insert(slices.Clone(s.cell.OutputShape(0).Dimensions), axis, 1)
	return slices.Equal(s.rebatched.OutputShape(0).Dimensions, dims)
}

// paramRole is how a body parameter must be fed by the construct for a template to apply.
type paramRole struct {
	kind ir.InputKind

	// backEdge is the body value a MergedInput parameter must be fed back from.
	backEdge ir.Value
}

// bodyBinding collects the expected roles of the body parameters of a construct.
type bodyBinding struct {
	construct *ir.Node
	roles     map[ir.NodeID]paramRole
	descs     map[ir.NodeID]ir.InputDesc
}

func newBodyBinding(construct *ir.Node) *bodyBinding {
	return &bodyBinding{construct: construct, roles: make(map[ir.NodeID]paramRole)}
}

// expect records the role of a body parameter. It returns false if the parameter was already
// given a different role.
func (b *bodyBinding) expect(param *ir.Node, role paramRole) bool {
	if previous, found := b.roles[param.ID()]; found {
		return previous == role
	}
	b.roles[param.ID()] = role
	return true
}

// expectStates records the state parameters of a cell as merged with the cell outputs.
func (b *bodyBinding) expectStates(s *cellSite) bool {
	for ii, param := range s.states {
		if !b.expect(param, paramRole{kind: ir.MergedInput, backEdge: s.cell.Output(ii)}) {
			return false
		}
	}
	return true
}

// expectWeights records the weight parameters of a cell as invariant. Weights must be body
// parameters or body constants.
func (b *bodyBinding) expectWeights(s *cellSite) bool {
	body := b.construct.Iteration().Body
	for _, w := range s.weights {
		producer := body.Producer(w)
		switch producer.Kind() {
		case ir.KindConstant:
		case ir.KindParameter:
			if !b.expect(producer, paramRole{kind: ir.InvariantInput}) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// check verifies that the input descriptors of the construct bind exactly the expected
// parameters, with the expected roles.
func (b *bodyBinding) check() bool {
	it := b.construct.Iteration()
	params, results := it.Body.Parameters(), it.Body.Results()
	b.descs = make(map[ir.NodeID]ir.InputDesc, len(it.Inputs))
	for _, d := range it.Inputs {
		if d.BodyParameter < 0 || d.BodyParameter >= len(params) {
			exceptions.Panicf("%s: input descriptor refers to body parameter #%d, but the body has %d parameters",
				b.construct, d.BodyParameter, len(params))
		}
		param := params[d.BodyParameter]
		role, found := b.roles[param.ID()]
		if !found || role.kind != d.Kind {
			return false
		}
		if d.Kind == ir.MergedInput {
			if d.BodyResult < 0 || d.BodyResult >= len(results) {
				exceptions.Panicf("%s: merged input declares back-edge from body result #%d, but the body has %d results",
					b.construct, d.BodyResult, len(results))
			}
			if results[d.BodyResult].Input(0) != role.backEdge {
				return false
			}
		}
		b.descs[param.ID()] = d
	}
	return len(b.descs) == len(b.roles)
}

// outer returns the construct input feeding the body parameter.
func (b *bodyBinding) outer(param *ir.Node) ir.Value {
	return b.construct.Input(b.descs[param.ID()].InputIndex)
}

// weightSources returns where the fused sequence gets the weights of s from: body constants
// are copied, invariant parameters are replaced by the construct inputs feeding them.
func (b *bodyBinding) weightSources(s *cellSite) []weightSource {
	body := b.construct.Iteration().Body
	sources := make([]weightSource, len(s.weights))
	for ii, w := range s.weights {
		producer := body.Producer(w)
		if producer.Kind() == ir.KindConstant {
			sources[ii] = weightSource{tensor: producer.Tensor(), name: producer.Name()}
		} else {
			sources[ii] = weightSource{outer: b.outer(producer)}
		}
	}
	return sources
}

// covers returns whether every body node is accounted for: either covered, or a Result,
// or the iteration counter left unused.
func covers(it *ir.Iteration, covered func(id ir.NodeID) bool) bool {
	counter := it.CounterParameter()
	for _, n := range it.Body.Nodes() {
		switch {
		case n.Kind() == ir.KindResult, covered(n.ID()):
		case counter != nil && n.ID() == counter.ID() && !n.HasConsumers():
		default:
			return false
		}
	}
	return true
}

// outputRole is which output of the fused sequence replaces a construct output.
type outputRole int

const (
	roleY outputRole = iota
	roleHo
	roleCo
)

// outputRule accepts construct output descriptors of the given kind whose body result
// carries src. ConcatOutput descriptors must also match axis and the stride sign.
type outputRule struct {
	src    ir.Value
	kind   ir.OutputKind
	role   outputRole
	axis   int
	stride int
}

// stateRules returns the rules mapping the last value of the cell outputs to Ho and Co.
func stateRules(s *cellSite) []outputRule {
	rules := []outputRule{{src: s.cell.Output(0), kind: ir.BodyOutput, role: roleHo}}
	if len(s.states) == 2 {
		rules = append(rules, outputRule{src: s.cell.Output(1), kind: ir.BodyOutput, role: roleCo})
	}
	return rules
}

// classifyOutputs assigns a role to each output of the construct. It fails if any output
// descriptor matches none of the rules.
func classifyOutputs(construct *ir.Node, rules []outputRule) (map[outputRole][]int, bool) {
	it := construct.Iteration()
	results := it.Body.Results()
	numIterations := construct.NumIterations()
	roles := make(map[outputRole][]int)
	for _, d := range it.Outputs {
		if d.BodyResult < 0 || d.BodyResult >= len(results) {
			exceptions.Panicf("%s: output descriptor refers to body result #%d, but the body has %d results",
				construct, d.BodyResult, len(results))
		}
		src := results[d.BodyResult].Input(0)
		idx := slices.IndexFunc(rules, func(r outputRule) bool {
			if r.src != src || r.kind != d.Kind {
				return false
			}
			switch d.Kind {
			case ir.ConcatOutput:
				axis := d.Axis
				if axis < 0 {
					axis += it.Body.Shape(src).Rank()
				}
				return axis == r.axis && d.PartSize == 1 && (d.Stride > 0) == (r.stride > 0)
			default:
				return d.Iteration == ir.LastIteration || d.Iteration == numIterations-1
			}
		})
		if idx < 0 {
			return nil, false
		}
		role := rules[idx].role
		roles[role] = append(roles[role], d.OutputIndex)
	}
	return roles, true
}

// weightSource is either an outer value, or a constant copied out of a body.
type weightSource struct {
	outer  ir.Value
	tensor *tensors.Tensor
	name   string
}

func (w weightSource) value(g *ir.Graph) ir.Value {
	if w.tensor != nil {
		return g.Constant(w.name, w.tensor).Output(0)
	}
	return w.outer
}

// sequencePlan is everything needed to replace a matched construct by a fused sequence.
type sequencePlan struct {
	kind      ir.Kind
	cfg       ir.CellConfig
	direction ir.Direction

	// x is the outer input sequence, shaped [T,B,I] if seqFirst, [B,T,I] otherwise.
	x        ir.Value
	seqFirst bool
	seqLen   int
	states   []ir.Value // Outer initial states, shaped [B,H].
	weights  []weightSource
	outputs  map[outputRole][]int
}

// newSequencePlan creates the plan for replacing construct by a sequence built from site.
func newSequencePlan(construct *ir.Node, binding *bodyBinding, site *cellSite, roles map[outputRole][]int) *sequencePlan {
	p := &sequencePlan{
		kind:      site.cell.Kind().SequenceKind(),
		cfg:       site.cfg,
		direction: ir.Forward,
		seqLen:    construct.NumIterations(),
		weights:   binding.weightSources(site),
		outputs:   roles,
	}
	for _, param := range site.states {
		p.states = append(p.states, binding.outer(param))
	}
	return p
}

// seqLengthsTensor returns an int32 vector of batch entries, all set to seqLen.
func seqLengthsTensor(batch, seqLen int) *tensors.Tensor {
	lengths := make([]int32, batch)
	for ii := range lengths {
		lengths[ii] = int32(seqLen)
	}
	return tensors.FromFlatDataAndDimensions(lengths, batch)
}

// apply builds the fused sequence in g and redirects every use of the construct outputs to it.
func (p *sequencePlan) apply(g *ir.Graph, construct *ir.Node) *ir.Node {
	x := p.x
	if p.seqFirst {
		x = g.Transpose(x, 1, 0, 2).Output(0)
	}
	batch := g.Shape(x).Dimensions[0]
	inputs := []ir.Value{x}
	for _, state := range p.states {
		inputs = append(inputs, g.Unsqueeze(state, 1).Output(0))
	}
	lengths := g.Constant(fmt.Sprintf("%s/seq_lengths", construct.Name()), seqLengthsTensor(batch, p.seqLen))
	inputs = append(inputs, lengths.Output(0))
	for _, w := range p.weights {
		inputs = append(inputs, g.Unsqueeze(w.value(g), 0).Output(0))
	}
	seq := g.Sequence(p.kind, inputs, p.cfg, p.direction)

	if uses := p.outputs[roleY]; len(uses) > 0 {
		y := seq.Output(ir.SeqY)
		if p.seqFirst {
			y = g.Transpose(y, 2, 1, 0, 3).Output(0)
		}
		y = g.Squeeze(y, 1).Output(0)
		for _, idx := range uses {
			g.ReplaceAllUses(construct.Output(idx), y)
		}
	}
	for _, state := range []struct {
		role outputRole
		port int
	}{{roleHo, ir.SeqHo}, {roleCo, ir.SeqCo}} {
		if uses := p.outputs[state.role]; len(uses) > 0 {
			squeezed := g.Squeeze(seq.Output(state.port), 1).Output(0)
			for _, idx := range uses {
				g.ReplaceAllUses(construct.Output(idx), squeezed)
			}
		}
	}
	return seq
}

// matchCell tries the template against the inputs of every body result, in order, and
// returns the first plan accepted by planner.
func matchCell(body *ir.Graph, t *cellTemplate, planner func(m *pattern.Match) *sequencePlan) *sequencePlan {
	tried := sets.Make[ir.Value]()
	for _, result := range body.Results() {
		v := result.Input(0)
		if tried.Has(v) {
			continue
		}
		tried.Insert(v)
		if m, ok := t.rebatched.Match(body, v); ok {
			if plan := planner(m); plan != nil {
				return plan
			}
		}
	}
	return nil
}
