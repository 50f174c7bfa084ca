package togomlx

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/seqfuse/ir"
	"github.com/pkg/errors"
)

// nonConstantDependencies returns the parameters v depends on.
func nonConstantDependencies(model *ir.Graph, v ir.Value) (params []*ir.Node) {
	visitedNodes := sets.Make[ir.NodeID]()
	var recursive func(v ir.Value)
	recursive = func(v ir.Value) {
		if visitedNodes.Has(v.Node) {
			return
		}
		visitedNodes.Insert(v.Node)
		node := model.Producer(v)
		if node == nil {
			exceptions.Panicf("nonConstantDependencies given an unknown value %s", v)
		}
		if node.Kind() == ir.KindParameter {
			params = append(params, node)
			return
		}
		for _, input := range node.Inputs() {
			recursive(input)
		}
	}
	recursive(v)
	return
}

// materializeConstantExpression evaluates v to a tensor.
//
// This is required for ops that take dynamic values in the IR (like sequence lengths), but for
// which the lowering only accepts static values.
//
// If v depends on non-constant values (graph or body parameters) it fails with an error.
func (c *converter) materializeConstantExpression(v ir.Value) (*tensors.Tensor, error) {
	// Easy reply: if the value is already a constant.
	if t := c.model.ConstantTensor(v); t != nil {
		return t, nil
	}

	// See if it is possible: if the sub-graph that generated the value is a constant expression.
	if params := nonConstantDependencies(c.model, v); len(params) > 0 {
		names := sliceMap(params, func(n *ir.Node) string { return n.Name() })
		return nil, errors.Errorf("cannot materialize constant/static value for %s: it depends on non-constant parameters %q", v, names)
	}

	// Evaluate constant sub-expression in a newly created sub-graph.
	backend := c.g.Backend()
	var result *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		result = MustExecOnce(backend, func(g *Graph) *Node {
			constConverter := newConverter(g, c.model, nil)
			constConverter.convertValue(v)
			return constConverter.values[v]
		})
	})
	if err != nil {
		return nil, errors.WithMessage(err, "while evaluating constant sub-expression")
	}
	return result, nil
}

// materializeInts is materializeConstantExpression converting the result to ints. It panics on errors.
func (c *converter) materializeInts(v ir.Value) []int {
	t, err := c.materializeConstantExpression(v)
	if err != nil {
		panic(err)
	}
	return ir.TensorToInts(t)
}
