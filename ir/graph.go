// Package ir is the small dataflow graph representation the sequence fusion passes operate on.
//
// A Graph is an arena of nodes addressed by stable NodeID values. Every node input is bound
// to exactly one producer output (a Value), and every output keeps the list of its consumers
// (Use), so rewrites can navigate producer→consumer and consumer→producer in O(1).
//
// Output shapes are static GoMLX shapes, inferred when a node is created. Constant payloads
// are GoMLX tensors. Iteration constructs (TensorIterator and Loop) own a nested body Graph
// and the descriptors binding outer ports to body parameters and results.
//
// Nodes that become unreachable from the graph results after a rewrite are removed by Sweep.
// Contract violations (wrong shapes, dangling values, unknown attributes) are raised with
// exceptions.Panicf, and converted to errors at the pass boundary.
package ir

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/sets"
)

// NodeID is the stable index of a Node in its Graph arena. Ids are never reused within a graph.
type NodeID int

// Value identifies one output of a node.
type Value struct {
	Node   NodeID
	Output int
}

// String implements fmt.Stringer.
func (v Value) String() string {
	return fmt.Sprintf("%%%d:%d", v.Node, v.Output)
}

// Use identifies one input port of a consumer node.
type Use struct {
	Node  NodeID
	Input int
}

func (u Use) less(o Use) bool {
	if u.Node != o.Node {
		return u.Node < o.Node
	}
	return u.Input < o.Input
}

// Graph is an arena of nodes. It is not safe for concurrent use.
type Graph struct {
	name       string
	nodes      []*Node
	parameters []NodeID
	results    []NodeID
	tx         *Transaction
}

// NewGraph creates an empty graph.
func NewGraph(name string) *Graph {
	return &Graph{name: name}
}

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// Node returns the node with the given id, or nil if it doesn't exist or was removed.
func (g *Graph) Node(id NodeID) *Node {
	if id < 0 || int(id) >= len(g.nodes) {
		return nil
	}
	return g.nodes[id]
}

// Nodes returns the live nodes in id order.
func (g *Graph) Nodes() []*Node {
	nodes := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		if n != nil {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// NodeIDs returns a snapshot of the ids of the live nodes, in increasing order.
func (g *Graph) NodeIDs() []NodeID {
	ids := make([]NodeID, 0, len(g.nodes))
	for _, n := range g.nodes {
		if n != nil {
			ids = append(ids, n.id)
		}
	}
	return ids
}

// NumNodes returns the number of live nodes.
func (g *Graph) NumNodes() int {
	count := 0
	for _, n := range g.nodes {
		if n != nil {
			count++
		}
	}
	return count
}

// Parameters returns the graph parameters in creation order.
func (g *Graph) Parameters() []*Node {
	return g.lookupAll(g.parameters)
}

// Results returns the graph results in creation order.
func (g *Graph) Results() []*Node {
	return g.lookupAll(g.results)
}

func (g *Graph) lookupAll(ids []NodeID) []*Node {
	nodes := make([]*Node, len(ids))
	for ii, id := range ids {
		nodes[ii] = g.nodes[id]
	}
	return nodes
}

// Producer returns the node producing v, or nil if v is not a valid value of g.
func (g *Graph) Producer(v Value) *Node {
	n := g.Node(v.Node)
	if n == nil || v.Output < 0 || v.Output >= len(n.outputs) {
		return nil
	}
	return n
}

func (g *Graph) mustProducer(v Value) *Node {
	n := g.Producer(v)
	if n == nil {
		exceptions.Panicf("graph %q: value %s doesn't exist", g.name, v)
	}
	return n
}

// Shape returns the shape of the value v. It panics if v is not a valid value of g.
func (g *Graph) Shape(v Value) shapes.Shape {
	return g.mustProducer(v).outputs[v.Output]
}

// Consumers returns the uses of v, sorted by consumer id and input port.
func (g *Graph) Consumers(v Value) []Use {
	n := g.mustProducer(v)
	return slices.Clone(n.consumers[v.Output])
}

// ConsumerNodes returns the distinct nodes consuming v, in id order.
func (g *Graph) ConsumerNodes(v Value) []*Node {
	uses := g.mustProducer(v).consumers[v.Output]
	nodes := make([]*Node, 0, len(uses))
	for _, u := range uses {
		if len(nodes) > 0 && nodes[len(nodes)-1].id == u.Node {
			continue
		}
		nodes = append(nodes, g.nodes[u.Node])
	}
	return nodes
}

// newNode appends a node to the arena and registers it as a consumer of its inputs.
func (g *Graph) newNode(kind Kind, name string, inputs []Value, outputs []shapes.Shape, attrs map[string]any) *Node {
	for ii, v := range inputs {
		if g.Producer(v) == nil {
			exceptions.Panicf("graph %q: input #%d (%s) of new %s node doesn't exist", g.name, ii, v, kind)
		}
	}
	n := &Node{
		graph:     g,
		id:        NodeID(len(g.nodes)),
		kind:      kind,
		name:      name,
		inputs:    slices.Clone(inputs),
		outputs:   outputs,
		consumers: make([][]Use, len(outputs)),
		attrs:     attrs,
	}
	if n.name == "" {
		n.name = fmt.Sprintf("%s_%d", kind, n.id)
	}
	if n.attrs == nil {
		n.attrs = make(map[string]any)
	}
	g.nodes = append(g.nodes, n)
	for ii, v := range n.inputs {
		g.addUse(v, Use{Node: n.id, Input: ii})
	}
	switch kind {
	case KindParameter:
		g.parameters = append(g.parameters, n.id)
	case KindResult:
		g.results = append(g.results, n.id)
	}
	if g.tx != nil {
		g.tx.created = append(g.tx.created, n.id)
	}
	return n
}

func (g *Graph) addUse(v Value, u Use) {
	producer := g.nodes[v.Node]
	uses := producer.consumers[v.Output]
	pos, _ := slices.BinarySearchFunc(uses, u, func(a, b Use) int {
		if a.less(b) {
			return -1
		} else if b.less(a) {
			return 1
		}
		return 0
	})
	producer.consumers[v.Output] = slices.Insert(uses, pos, u)
}

func (g *Graph) removeUse(v Value, u Use) {
	producer := g.Node(v.Node)
	if producer == nil {
		return
	}
	producer.consumers[v.Output] = slices.DeleteFunc(producer.consumers[v.Output], func(e Use) bool { return e == u })
}

// SetInput rebinds input port `input` of n to the value v.
// The new value must have exactly the same shape as the current one.
func (g *Graph) SetInput(n *Node, input int, v Value) {
	if n.graph != g || g.nodes[n.id] != n {
		exceptions.Panicf("graph %q: SetInput on node %s that doesn't belong to the graph", g.name, n)
	}
	if input < 0 || input >= len(n.inputs) {
		exceptions.Panicf("graph %q: SetInput(%s, #%d): node has only %d inputs", g.name, n, input, len(n.inputs))
	}
	newShape := g.Shape(v)
	if oldShape := g.Shape(n.inputs[input]); !oldShape.Equal(newShape) {
		exceptions.Panicf("graph %q: SetInput(%s, #%d, %s): shape %s doesn't match current input shape %s",
			g.name, n, input, v, newShape, oldShape)
	}
	if g.tx != nil {
		g.tx.edits = append(g.tx.edits, edit{node: n.id, input: input, value: n.inputs[input]})
	}
	g.setInput(n, input, v)
}

func (g *Graph) setInput(n *Node, input int, v Value) {
	use := Use{Node: n.id, Input: input}
	g.removeUse(n.inputs[input], use)
	n.inputs[input] = v
	g.addUse(v, use)
}

// ReplaceAllUses rebinds every consumer of old to replacement, and returns the number of
// rebound input ports.
func (g *Graph) ReplaceAllUses(old, replacement Value) int {
	if old == replacement {
		return 0
	}
	uses := g.Consumers(old)
	for _, u := range uses {
		g.SetInput(g.nodes[u.Node], u.Input, replacement)
	}
	return len(uses)
}

// removeNode drops n from the arena, unregistering it from the consumer lists of its inputs.
// Uses of n's outputs are not touched: the caller guarantees they are gone or are being removed too.
func (g *Graph) removeNode(id NodeID) {
	n := g.nodes[id]
	if n == nil {
		return
	}
	for ii, v := range n.inputs {
		g.removeUse(v, Use{Node: id, Input: ii})
	}
	switch n.kind {
	case KindParameter:
		g.parameters = slices.DeleteFunc(g.parameters, func(e NodeID) bool { return e == id })
	case KindResult:
		g.results = slices.DeleteFunc(g.results, func(e NodeID) bool { return e == id })
	}
	g.nodes[id] = nil
}

// reachable returns the ids of the nodes the results depend on, transitively.
func (g *Graph) reachable() sets.Set[NodeID] {
	live := sets.Make[NodeID]()
	stack := slices.Clone(g.results)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if live.Has(id) {
			continue
		}
		live.Insert(id)
		for _, v := range g.nodes[id].inputs {
			if !live.Has(v.Node) {
				stack = append(stack, v.Node)
			}
		}
	}
	return live
}

// Sweep removes every node not reachable from the graph results. Parameters are always kept.
// Bodies of the surviving iteration constructs are swept too.
//
// It returns the number of removed nodes, including those removed from bodies.
func (g *Graph) Sweep() int {
	if g.tx != nil {
		exceptions.Panicf("graph %q: Sweep called with an open transaction", g.name)
	}
	live := g.reachable()
	removed := 0
	for _, n := range g.nodes {
		if n == nil || live.Has(n.id) || n.kind == KindParameter {
			continue
		}
		g.removeNode(n.id)
		removed++
	}
	for _, n := range g.nodes {
		if n != nil && n.iteration != nil {
			removed += n.iteration.Body.Sweep()
		}
	}
	return removed
}

// Sorted returns the nodes reachable from the results in topological order: every node
// comes after all of its producers. Ties are broken by the order of node inputs.
//
// It panics if the graph has a cycle.
func (g *Graph) Sorted() []*Node {
	const (
		visiting = 1
		done     = 2
	)
	state := make(map[NodeID]int, len(g.nodes))
	sorted := make([]*Node, 0, len(g.nodes))
	var visit func(n *Node)
	visit = func(n *Node) {
		switch state[n.id] {
		case done:
			return
		case visiting:
			exceptions.Panicf("graph %q has a cycle going through node %s", g.name, n)
		}
		state[n.id] = visiting
		for _, v := range n.inputs {
			visit(g.nodes[v.Node])
		}
		state[n.id] = done
		sorted = append(sorted, n)
	}
	for _, r := range g.Results() {
		visit(r)
	}
	return sorted
}

// Node is one operation of a Graph.
type Node struct {
	graph     *Graph
	id        NodeID
	kind      Kind
	name      string
	inputs    []Value
	outputs   []shapes.Shape
	consumers [][]Use
	attrs     map[string]any
	tensor    *tensors.Tensor
	iteration *Iteration
}

// ID of the node in its graph arena.
func (n *Node) ID() NodeID { return n.id }

// Kind of the operation.
func (n *Node) Kind() Kind { return n.kind }

// Name of the node. For parameters, it is the name used to feed the graph.
func (n *Node) Name() string { return n.name }

// Graph owning the node.
func (n *Node) Graph() *Graph { return n.graph }

// NumInputs returns the number of input ports.
func (n *Node) NumInputs() int { return len(n.inputs) }

// Input returns the value bound to input port ii.
func (n *Node) Input(ii int) Value { return n.inputs[ii] }

// Inputs returns a copy of the values bound to the input ports.
func (n *Node) Inputs() []Value { return slices.Clone(n.inputs) }

// InputNode returns the producer of input port ii.
func (n *Node) InputNode(ii int) *Node { return n.graph.nodes[n.inputs[ii].Node] }

// NumOutputs returns the number of outputs.
func (n *Node) NumOutputs() int { return len(n.outputs) }

// Output returns the value of output ii.
func (n *Node) Output(ii int) Value { return Value{Node: n.id, Output: ii} }

// OutputShape returns the shape of output ii.
func (n *Node) OutputShape(ii int) shapes.Shape { return n.outputs[ii] }

// HasConsumers returns whether any of the outputs is consumed.
func (n *Node) HasConsumers() bool {
	for _, uses := range n.consumers {
		if len(uses) > 0 {
			return true
		}
	}
	return false
}

// Tensor returns the payload of a Constant, or nil for other kinds.
func (n *Node) Tensor() *tensors.Tensor { return n.tensor }

// Iteration returns the body and descriptors of a TensorIterator or Loop, or nil for other kinds.
func (n *Node) Iteration() *Iteration { return n.iteration }

// String implements fmt.Stringer.
func (n *Node) String() string {
	return fmt.Sprintf("%s#%d(%q)", n.kind, n.id, n.name)
}
