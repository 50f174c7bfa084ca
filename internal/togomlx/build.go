// Package togomlx lowers ir graphs to GoMLX computation graphs.
//
// It is the reference semantics used to check that a rewrite preserves what a graph computes:
// iteration constructs are unrolled step by step, and sequence operators are expanded into
// per-timestep cell computations. It is not optimized in any way.
package togomlx

import (
	"maps"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/seqfuse/ir"
	"github.com/pkg/errors"
)

// converter holds the state of the conversion of one ir.Graph (top-level or body) into a GoMLX graph.
type converter struct {
	g      *Graph
	model  *ir.Graph
	params map[ir.NodeID]*Node
	values map[ir.Value]*Node
}

func newConverter(g *Graph, model *ir.Graph, params map[ir.NodeID]*Node) *converter {
	return &converter{g: g, model: model, params: params, values: make(map[ir.Value]*Node)}
}

// Build converts model into GoMLX ops in g, and returns the values of the model results, in order.
//
// The inputs map every model parameter name to its GoMLX value, and must match the parameter shapes.
//
// As in GoMLX graph functions, it panics (throws exceptions) in case of errors.
func Build(g *Graph, model *ir.Graph, inputs map[string]*Node) (outputs []*Node) {
	params := make(map[ir.NodeID]*Node, len(inputs))
	missingInputs := sets.Make[string]()
	unknownInputs := sets.Make[string]()
	known := sets.Make[string]()
	for _, p := range model.Parameters() {
		known.Insert(p.Name())
		inputN := inputs[p.Name()]
		if inputN == nil {
			missingInputs.Insert(p.Name())
			continue
		}
		if !inputN.Shape().Equal(p.OutputShape(0)) {
			exceptions.Panicf("togomlx.Build(): input %q shaped %s, but the parameter is shaped %s",
				p.Name(), inputN.Shape(), p.OutputShape(0))
		}
		params[p.ID()] = inputN
	}
	for givenName := range inputs {
		if !known.Has(givenName) {
			unknownInputs.Insert(givenName)
		}
	}
	if len(missingInputs) > 0 || len(unknownInputs) > 0 {
		exceptions.Panicf("togomlx.Build() called with wrong inputs: missing inputs=%q; unknown given inputs=%q",
			slices.Sorted(maps.Keys(missingInputs)), slices.Sorted(maps.Keys(unknownInputs)))
	}
	return newConverter(g, model, params).convertGraph()
}

// Execute builds model on backend, feeding the inputs as constants, runs it once, and returns
// the values of the model results.
func Execute(backend backends.Backend, model *ir.Graph, inputs map[string]*tensors.Tensor) (outputs []*tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		outputs = context.MustExecOnceN(backend, context.New(), func(ctx *context.Context, g *Graph) []*Node {
			nodes := make(map[string]*Node, len(inputs))
			for name, t := range inputs {
				nodes[name] = Const(g, t)
			}
			return Build(g, model, nodes)
		})
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "while executing graph %q", model.Name())
	}
	return outputs, nil
}

// convertGraph converts all nodes the results depend on, in topological order, and returns
// the values of the results.
func (c *converter) convertGraph() []*Node {
	sortedNodes := c.model.Sorted()
	for ii, node := range sortedNodes {
		err := exceptions.TryCatch[error](func() { c.convertNode(node) })
		if err != nil {
			panic(errors.WithMessagef(err, "while converting node %s (%d out of %d) of graph %q",
				node, ii, len(sortedNodes), c.model.Name()))
		}
	}
	results := c.model.Results()
	outputs := make([]*Node, len(results))
	for ii, r := range results {
		outputs[ii] = c.values[r.Input(0)]
	}
	return outputs
}

// convertValue converts the sub-graph v depends on, recursively. Used to evaluate constant sub-expressions.
func (c *converter) convertValue(v ir.Value) {
	if _, found := c.values[v]; found {
		return
	}
	node := c.model.Producer(v)
	for _, input := range node.Inputs() {
		c.convertValue(input)
	}
	c.convertNode(node)
}

// convertNode converts a single node, storing its outputs in c.values.
// Its inputs must have been converted already.
//
// It panics (throw exceptions) in case of errors.
func (c *converter) convertNode(node *ir.Node) {
	inputs := sliceMap(node.Inputs(), func(v ir.Value) *Node { return c.values[v] })
	var res *Node
	switch node.Kind() {
	case ir.KindParameter:
		res = c.params[node.ID()]
		if res == nil {
			exceptions.Panicf("parameter %s has no value bound", node)
		}
	case ir.KindConstant:
		res = Const(c.g, node.Tensor())
	case ir.KindResult:
		return

	case ir.KindAdd:
		res = Add(inputs[0], inputs[1])
	case ir.KindSub:
		res = Sub(inputs[0], inputs[1])
	case ir.KindMul:
		res = Mul(inputs[0], inputs[1])
	case ir.KindLess:
		res = LessThan(inputs[0], inputs[1])
	case ir.KindLogicalAnd:
		res = LogicalAnd(inputs[0], inputs[1])

		// Shape-only ops: the output shape was inferred by the IR.
	case ir.KindSqueeze, ir.KindUnsqueeze, ir.KindReshape:
		res = Reshape(inputs[0], node.OutputShape(0).Dimensions...)
	case ir.KindTranspose:
		res = TransposeAllAxes(inputs[0], node.IntsAttrOr(ir.AttrPerm, nil)...)
	case ir.KindConcat:
		res = concatenate(inputs, node.IntAttrOr(ir.AttrAxis, 0))
	case ir.KindSlice:
		res = SliceAxis(inputs[0], node.IntAttrOr(ir.AttrAxis, 0),
			AxisRange(node.IntAttrOr(ir.AttrStart, 0), node.IntAttrOr(ir.AttrEnd, 0)))
	case ir.KindGather:
		res = gather(inputs[0], inputs[1], node.IntAttrOr(ir.AttrAxis, 0))
	case ir.KindScatterUpdate:
		res = scatterUpdate(inputs[0], inputs[1], inputs[2], node.IntAttrOr(ir.AttrAxis, 0))

		// Ops that require constant-expression materialization: lengths are static in the lowering.
	case ir.KindReverseSequence:
		lengths := c.materializeInts(node.Input(1))
		res = reverseSequence(inputs[0], lengths, node.IntAttrOr(ir.AttrBatchAxis, 0), node.IntAttrOr(ir.AttrSeqAxis, 1))

		// Multiple outputs:
	case ir.KindLSTMCell, ir.KindRNNCell, ir.KindGRUCell:
		c.setOutputs(node, convertCell(node, inputs))
		return
	case ir.KindLSTMSequence, ir.KindRNNSequence, ir.KindGRUSequence:
		c.setOutputs(node, c.convertSequence(node, inputs))
		return
	case ir.KindTensorIterator, ir.KindLoop:
		c.setOutputs(node, c.convertIteration(node, inputs))
		return

	default:
		exceptions.Panicf("unimplemented lowering of %s", node)
	}
	c.values[node.Output(0)] = res
}

func (c *converter) setOutputs(node *ir.Node, outputs []*Node) {
	if len(outputs) != node.NumOutputs() {
		exceptions.Panicf("lowering of %s produced %d outputs, expected %d", node, len(outputs), node.NumOutputs())
	}
	for ii, output := range outputs {
		if !output.Shape().Equal(node.OutputShape(ii)) {
			exceptions.Panicf("lowering of %s output #%d produced shape %s, expected %s", node, ii, output.Shape(), node.OutputShape(ii))
		}
		c.values[node.Output(ii)] = output
	}
}

// concatenate is Concatenate accepting a single operand.
func concatenate(operands []*Node, axis int) *Node {
	if len(operands) == 1 {
		return operands[0]
	}
	return Concatenate(operands, axis)
}
