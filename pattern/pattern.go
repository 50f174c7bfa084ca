// Package pattern implements declarative structural templates over an ir.Graph.
//
// A Pattern constrains the producer of a value: its op kind, its input sub-patterns (in
// order), the output port and optional predicates. Matching walks backward from a candidate
// value, binding every pattern slot to a concrete ir.Value. A slot reached more than once
// must bind to the same value, which lets templates express shared sub-terms.
//
// Matching never mutates the graph and never fails with an error: a template either matches
// or it doesn't.
package pattern

import (
	"maps"
	"slices"

	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/seqfuse/ir"
)

// Predicate is an extra condition on a candidate value.
type Predicate func(g *ir.Graph, v ir.Value) bool

// Pattern is one slot of a template. Build them with Op, OneOf, Any and Or.
type Pattern struct {
	name         string
	kinds        []ir.Kind
	inputs       []*Pattern
	anyInputs    bool
	port         int
	alternatives []*Pattern
	predicates   []Predicate
}

// Op matches a value produced by a node of the given kind, output port 0.
//
// If inputs are given, the node must have exactly that many inputs, each matching the
// corresponding sub-pattern. Without inputs the node inputs are not constrained.
func Op(kind ir.Kind, inputs ...*Pattern) *Pattern {
	return OneOf([]ir.Kind{kind}, inputs...)
}

// OneOf is like Op, but accepts any of the given kinds.
func OneOf(kinds []ir.Kind, inputs ...*Pattern) *Pattern {
	return &Pattern{
		kinds:     slices.Clone(kinds),
		inputs:    inputs,
		anyInputs: len(inputs) == 0,
		port:      0,
	}
}

// Any matches any value.
func Any() *Pattern {
	return &Pattern{anyInputs: true, port: -1}
}

// Or matches the first alternative that matches, in order. Bindings made while trying a
// failing alternative are discarded.
func Or(alternatives ...*Pattern) *Pattern {
	return &Pattern{alternatives: alternatives, anyInputs: true, port: -1}
}

// Named sets a name used by String, for debugging.
func (p *Pattern) Named(name string) *Pattern {
	p.name = name
	return p
}

// Port constrains the output port of the matched value. Use -1 for any port.
func (p *Pattern) Port(port int) *Pattern {
	p.port = port
	return p
}

// Where adds a predicate on the matched value.
func (p *Pattern) Where(predicate Predicate) *Pattern {
	p.predicates = append(p.predicates, predicate)
	return p
}

// Rank requires the matched value to have the given rank.
func (p *Pattern) Rank(rank int) *Pattern {
	return p.Where(func(g *ir.Graph, v ir.Value) bool { return g.Shape(v).Rank() == rank })
}

// Consumers requires the matched value to have exactly count consumers.
func (p *Pattern) Consumers(count int) *Pattern {
	return p.Where(func(g *ir.Graph, v ir.Value) bool { return len(g.Consumers(v)) == count })
}

// IntAttr requires the producer of the matched value to have the int attribute name equal to value.
func (p *Pattern) IntAttr(name string, value int) *Pattern {
	return p.Where(func(g *ir.Graph, v ir.Value) bool {
		attr, found := g.Producer(v).Attr(name)
		return found && attr == value
	})
}

// String implements fmt.Stringer.
func (p *Pattern) String() string {
	if p.name != "" {
		return p.name
	}
	switch {
	case len(p.alternatives) > 0:
		return "Or(...)"
	case len(p.kinds) == 0:
		return "Any"
	}
	return p.kinds[0].String()
}

// Match is the result of a successful match: a binding of pattern slots to values.
type Match struct {
	g      *ir.Graph
	values map[*Pattern]ir.Value
	nodes  sets.Set[ir.NodeID]
}

// Graph where the match was made.
func (m *Match) Graph() *ir.Graph { return m.g }

// Has returns whether slot p was bound. Slots in alternatives not taken are unbound.
func (m *Match) Has(p *Pattern) bool {
	_, found := m.values[p]
	return found
}

// Value returns the value bound to slot p. It returns the zero Value if p is unbound.
func (m *Match) Value(p *Pattern) ir.Value {
	return m.values[p]
}

// Node returns the producer of the value bound to slot p, or nil if p is unbound.
func (m *Match) Node(p *Pattern) *ir.Node {
	v, found := m.values[p]
	if !found {
		return nil
	}
	return m.g.Producer(v)
}

// Nodes returns the ids of every node whose value was bound, in increasing order.
func (m *Match) Nodes() []ir.NodeID {
	return slices.Sorted(maps.Keys(m.nodes))
}

// Covers returns whether the node id was bound by the match.
func (m *Match) Covers(id ir.NodeID) bool {
	return m.nodes.Has(id)
}

// Match tries to match the pattern against the value v of g.
func (p *Pattern) Match(g *ir.Graph, v ir.Value) (*Match, bool) {
	m := &Match{g: g, values: make(map[*Pattern]ir.Value), nodes: sets.Make[ir.NodeID]()}
	if !m.match(p, v) {
		return nil, false
	}
	return m, true
}

// MatchNode tries to match the pattern against every output of n, in order, returning the first match.
func (p *Pattern) MatchNode(n *ir.Node) (*Match, bool) {
	for output := range n.NumOutputs() {
		if m, ok := p.Match(n.Graph(), n.Output(output)); ok {
			return m, true
		}
	}
	return nil, false
}

type snapshot struct {
	values map[*Pattern]ir.Value
	nodes  sets.Set[ir.NodeID]
}

func (m *Match) snapshot() snapshot {
	nodes := sets.Make[ir.NodeID](len(m.nodes))
	for id := range m.nodes {
		nodes.Insert(id)
	}
	return snapshot{values: maps.Clone(m.values), nodes: nodes}
}

func (m *Match) restore(s snapshot) {
	m.values, m.nodes = s.values, s.nodes
}

func (m *Match) bind(p *Pattern, v ir.Value) {
	m.values[p] = v
	m.nodes.Insert(v.Node)
}

func (m *Match) match(p *Pattern, v ir.Value) bool {
	if bound, found := m.values[p]; found {
		return bound == v
	}
	n := m.g.Producer(v)
	if n == nil {
		return false
	}
	if p.port >= 0 && v.Output != p.port {
		return false
	}
	if len(p.alternatives) > 0 {
		for _, alt := range p.alternatives {
			saved := m.snapshot()
			if m.match(alt, v) && m.checkPredicates(p, v) {
				m.bind(p, v)
				return true
			}
			m.restore(saved)
		}
		return false
	}
	if len(p.kinds) > 0 && !slices.Contains(p.kinds, n.Kind()) {
		return false
	}
	if !m.checkPredicates(p, v) {
		return false
	}
	if !p.anyInputs {
		if n.NumInputs() != len(p.inputs) {
			return false
		}
		for ii, sub := range p.inputs {
			if !m.match(sub, n.Input(ii)) {
				return false
			}
		}
	}
	m.bind(p, v)
	return true
}

func (m *Match) checkPredicates(p *Pattern, v ir.Value) bool {
	for _, pred := range p.predicates {
		if !pred(m.g, v) {
			return false
		}
	}
	return true
}
