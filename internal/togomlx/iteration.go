package togomlx

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/seqfuse/ir"
)

// convertIteration unrolls a TensorIterator or Loop: the body is converted once per iteration,
// with its parameters bound according to the input descriptors.
//
// The number of iterations is the static one resolved by the IR. For Loop, the body condition
// result is converted but assumed to hold on every iteration; an initial condition that is the
// constant false is not supported.
func (c *converter) convertIteration(node *ir.Node, inputs []*Node) []*Node {
	it := node.Iteration()
	numIterations := node.NumIterations()
	if node.Kind() == ir.KindLoop {
		if cond, ok := c.model.ConstantBool(node.Input(ir.LoopCondition)); ok && !cond {
			exceptions.Panicf("%s: loops whose initial condition is false are not supported", node)
		}
	}
	params := it.Body.Parameters()
	perIteration := make([][]*Node, numIterations)
	var previous []*Node
	for i := range numIterations {
		bound := make(map[ir.NodeID]*Node, len(params))
		for _, d := range it.Inputs {
			param, outer := params[d.BodyParameter], inputs[d.InputIndex]
			switch d.Kind {
			case ir.SliceInput:
				part := i
				if d.Stride < 0 {
					part = numIterations - 1 - i
				}
				axis := d.Axis
				if axis < 0 {
					axis += outer.Rank()
				}
				start := part * d.PartSize
				bound[param.ID()] = SliceAxis(outer, axis, AxisRange(start, start+d.PartSize))
			case ir.MergedInput:
				if i == 0 {
					bound[param.ID()] = outer
				} else {
					bound[param.ID()] = previous[d.BodyResult]
				}
			case ir.InvariantInput:
				bound[param.ID()] = outer
			}
		}
		if counter := it.CounterParameter(); counter != nil {
			bound[counter.ID()] = Scalar(c.g, counter.OutputShape(0).DType, i)
		}
		previous = newConverter(c.g, it.Body, bound).convertGraph()
		perIteration[i] = previous
	}

	outputs := make([]*Node, node.NumOutputs())
	for _, d := range it.Outputs {
		switch d.Kind {
		case ir.ConcatOutput:
			parts := make([]*Node, numIterations)
			for k := range numIterations {
				iteration := k
				if d.Stride < 0 {
					iteration = numIterations - 1 - k
				}
				parts[k] = perIteration[iteration][d.BodyResult]
			}
			axis := d.Axis
			if axis < 0 {
				axis += parts[0].Rank()
			}
			outputs[d.OutputIndex] = concatenate(parts, axis)
		case ir.BodyOutput:
			iteration := d.Iteration
			if iteration == ir.LastIteration {
				iteration = numIterations - 1
			}
			outputs[d.OutputIndex] = perIteration[iteration][d.BodyResult]
		}
	}
	return outputs
}
