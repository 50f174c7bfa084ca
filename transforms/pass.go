// Package transforms implements the graph rewrites that fuse per-timestep recurrent loops into
// sequence operators:
//
//   - TensorIterator with an LSTM, RNN or GRU cell body → LSTMSequence, RNNSequence or GRUSequence;
//   - Loop in its slice/concat and scatter-update encodings → the same sequence operators;
//   - ReverseSequence → sequence → ReverseSequence → one sequence of the opposite direction;
//   - a forward and a reverse sequence over the same input → one bidirectional sequence.
//
// Each rewrite is a Converter attempted on one candidate node. Converters are grouped into
// GraphRewrite stages, and a Pipeline runs the stages in order, sweeping unreachable nodes
// after each one.
//
// A rewrite that doesn't match leaves the graph untouched. IR-contract violations found while
// rewriting are returned as errors, after rolling back every edit of the failed rewrite.
package transforms

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/seqfuse/ir"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Converter is a single rewrite rule, attempted on one candidate node.
type Converter interface {
	// Name of the rewrite, used in logs and errors.
	Name() string

	// Rewrite tries the rule on node n of g. It returns false (and edits nothing) if n doesn't
	// match, and an error if an IR-contract violation is found.
	Rewrite(g *ir.Graph, n *ir.Node) (bool, error)
}

// rule is a Converter backed by a function. The function either returns false without
// editing the graph, or rewrites it and returns true. Panics are rolled back and returned as errors.
type rule struct {
	name    string
	rewrite func(g *ir.Graph, n *ir.Node) bool
}

// Name implements Converter.
func (r *rule) Name() string { return r.name }

// Rewrite implements Converter.
func (r *rule) Rewrite(g *ir.Graph, n *ir.Node) (applied bool, err error) {
	err = exceptions.TryCatch[error](func() {
		applied = g.Atomically(func() bool { return r.rewrite(g, n) })
	})
	if err != nil {
		return false, errors.WithMessagef(err, "%s: while rewriting %s of graph %q", r.name, n, g.Name())
	}
	return applied, nil
}

// GraphRewrite is an ordered group of converters: for each candidate node, the first converter
// that matches wins. A GraphRewrite is itself a Converter, so groups can be nested.
type GraphRewrite struct {
	name       string
	converters []Converter
}

// NewGraphRewrite creates a group of converters, tried in the given order.
func NewGraphRewrite(name string, converters ...Converter) *GraphRewrite {
	return &GraphRewrite{name: name, converters: converters}
}

// Name implements Converter.
func (r *GraphRewrite) Name() string { return r.name }

// Converters returns the converters of the group, in order.
func (r *GraphRewrite) Converters() []Converter { return r.converters }

// Rewrite implements Converter.
func (r *GraphRewrite) Rewrite(g *ir.Graph, n *ir.Node) (bool, error) {
	for _, c := range r.converters {
		applied, err := c.Rewrite(g, n)
		if err != nil {
			return false, err
		}
		if applied {
			if _, isGroup := c.(*GraphRewrite); !isGroup {
				klog.V(1).Infof("%s: %s rewrote %s in graph %q", r.name, c.Name(), n, g.Name())
			}
			return true, nil
		}
	}
	return false, nil
}

// Run applies the group to every node of g, in id order, and returns the number of rewrites.
//
// Iteration bodies are processed before the construct owning them, so nested constructs are
// rewritten innermost first. The ids are snapshotted before starting: nodes created by a
// rewrite are not visited, and nodes orphaned by an earlier rewrite are skipped.
func (r *GraphRewrite) Run(g *ir.Graph) (count int, err error) {
	for _, id := range g.NodeIDs() {
		n := g.Node(id)
		if n == nil || orphaned(n) {
			continue
		}
		if it := n.Iteration(); it != nil {
			bodyCount, err := r.Run(it.Body)
			count += bodyCount
			if err != nil {
				return count, err
			}
		}
		applied, err := r.Rewrite(g, n)
		if err != nil {
			return count, errors.WithMessagef(err, "stage %s", r.name)
		}
		if applied {
			count++
		}
	}
	return count, nil
}

// orphaned returns whether n has outputs, but none of them is consumed.
func orphaned(n *ir.Node) bool {
	return n.NumOutputs() > 0 && !n.HasConsumers()
}
