package ir

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Validate checks the structural contract of g and, recursively, of every iteration body:
// inputs bound to existing outputs, consumer lists matching the input bindings, no cycles, and
// iteration descriptors consistent with the body and the outer ports.
//
// Descriptors are mutable, so this is the check to run before handing a graph to the passes.
func (g *Graph) Validate() error {
	err := exceptions.TryCatch[error](func() { g.validate() })
	if err != nil {
		return errors.WithMessagef(err, "invalid graph %q", g.name)
	}
	return nil
}

func (g *Graph) validate() {
	for _, n := range g.nodes {
		if n == nil {
			continue
		}
		for ii, v := range n.inputs {
			producer := g.Producer(v)
			if producer == nil {
				exceptions.Panicf("node %s input #%d is bound to %s, which doesn't exist", n, ii, v)
			}
			if !slices.Contains(producer.consumers[v.Output], Use{Node: n.id, Input: ii}) {
				exceptions.Panicf("node %s input #%d is not registered as a consumer of %s", n, ii, v)
			}
		}
		for output, uses := range n.consumers {
			for _, u := range uses {
				consumer := g.Node(u.Node)
				if consumer == nil || u.Input >= len(consumer.inputs) || consumer.inputs[u.Input] != n.Output(output) {
					exceptions.Panicf("node %s output #%d lists stale consumer %v", n, output, u)
				}
			}
		}
		if n.iteration == nil {
			continue
		}
		outputs, _ := g.iterationShapes(n.kind, n.inputs, n.iteration)
		if len(outputs) != len(n.outputs) {
			exceptions.Panicf("node %s: descriptors define %d outputs, but the node has %d", n, len(outputs), len(n.outputs))
		}
		for ii, shape := range outputs {
			if !shape.Equal(n.outputs[ii]) {
				exceptions.Panicf("node %s: descriptors define output #%d as %s, but the node has %s", n, ii, shape, n.outputs[ii])
			}
		}
		if err := n.iteration.Body.Validate(); err != nil {
			panic(errors.WithMessagef(err, "body of %s", n))
		}
	}
	_ = g.Sorted()
}
