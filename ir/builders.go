package ir

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// This file holds the node constructors. Each one checks its inputs and infers the output
// shapes, panicking with an exception on any inconsistency.

// normalizeAxis converts a negative axis to its positive counterpart, and panics if it's out of range.
func normalizeAxis(axis, rank int, context string) int {
	adjusted := axis
	if adjusted < 0 {
		adjusted += rank
	}
	if adjusted < 0 || adjusted >= rank {
		exceptions.Panicf("%s: axis %d out of range for rank %d", context, axis, rank)
	}
	return adjusted
}

// Parameter creates a graph input.
func (g *Graph) Parameter(name string, shape shapes.Shape) *Node {
	return g.newNode(KindParameter, name, nil, []shapes.Shape{shape.Clone()}, nil)
}

// Constant creates a node holding the tensor t. The tensor must not be modified afterwards.
func (g *Graph) Constant(name string, t *tensors.Tensor) *Node {
	if t == nil {
		exceptions.Panicf("graph %q: Constant(%q) with a nil tensor", g.name, name)
	}
	n := g.newNode(KindConstant, name, nil, []shapes.Shape{t.Shape().Clone()}, nil)
	n.tensor = t
	return n
}

// Result marks v as a graph output.
func (g *Graph) Result(name string, v Value) *Node {
	g.mustProducer(v)
	return g.newNode(KindResult, name, []Value{v}, nil, nil)
}

// binaryShape returns the output shape of an element-wise binary op: both operands must
// have the same shape, or one of them be a scalar.
func (g *Graph) binaryShape(kind Kind, x, y Value) shapes.Shape {
	sx, sy := g.Shape(x), g.Shape(y)
	if sx.DType != sy.DType {
		exceptions.Panicf("%s(%s, %s): mismatched dtypes", kind, sx, sy)
	}
	switch {
	case sx.IsScalar():
		return sy.Clone()
	case sy.IsScalar():
		return sx.Clone()
	case !sx.Equal(sy):
		exceptions.Panicf("%s(%s, %s): operands must have the same shape or be scalars", kind, sx, sy)
	}
	return sx.Clone()
}

func (g *Graph) binary(kind Kind, x, y Value) *Node {
	return g.newNode(kind, "", []Value{x, y}, []shapes.Shape{g.binaryShape(kind, x, y)}, nil)
}

// Add creates x+y.
func (g *Graph) Add(x, y Value) *Node { return g.binary(KindAdd, x, y) }

// Sub creates x-y.
func (g *Graph) Sub(x, y Value) *Node { return g.binary(KindSub, x, y) }

// Mul creates x*y.
func (g *Graph) Mul(x, y Value) *Node { return g.binary(KindMul, x, y) }

// Less creates x<y, with a boolean output.
func (g *Graph) Less(x, y Value) *Node {
	shape := g.binaryShape(KindLess, x, y)
	shape.DType = dtypes.Bool
	return g.newNode(KindLess, "", []Value{x, y}, []shapes.Shape{shape}, nil)
}

// LogicalAnd creates x&&y over boolean operands.
func (g *Graph) LogicalAnd(x, y Value) *Node {
	shape := g.binaryShape(KindLogicalAnd, x, y)
	if shape.DType != dtypes.Bool {
		exceptions.Panicf("LogicalAnd requires boolean operands, got %s", shape)
	}
	return g.newNode(KindLogicalAnd, "", []Value{x, y}, []shapes.Shape{shape}, nil)
}

// Squeeze removes the given unit axes of x. If no axes are given, all unit axes are removed.
func (g *Graph) Squeeze(x Value, axes ...int) *Node {
	shape := g.Shape(x)
	if len(axes) == 0 {
		for axis, dim := range shape.Dimensions {
			if dim == 1 {
				axes = append(axes, axis)
			}
		}
	}
	normalized := make([]int, len(axes))
	for ii, axis := range axes {
		normalized[ii] = normalizeAxis(axis, shape.Rank(), "Squeeze")
		if shape.Dimensions[normalized[ii]] != 1 {
			exceptions.Panicf("Squeeze(%s, axes=%v): axis %d is not of dimension 1", shape, axes, axis)
		}
	}
	slices.Sort(normalized)
	normalized = slices.Compact(normalized)
	dims := make([]int, 0, shape.Rank()-len(normalized))
	for axis, dim := range shape.Dimensions {
		if !slices.Contains(normalized, axis) {
			dims = append(dims, dim)
		}
	}
	out := shapes.Make(shape.DType, dims...)
	return g.newNode(KindSqueeze, "", []Value{x}, []shapes.Shape{out}, map[string]any{AttrAxes: normalized})
}

// Unsqueeze inserts unit axes into x. Axes refer to positions in the output.
func (g *Graph) Unsqueeze(x Value, axes ...int) *Node {
	shape := g.Shape(x)
	if len(axes) == 0 {
		exceptions.Panicf("Unsqueeze(%s) requires at least one axis", shape)
	}
	outRank := shape.Rank() + len(axes)
	normalized := make([]int, len(axes))
	for ii, axis := range axes {
		normalized[ii] = normalizeAxis(axis, outRank, "Unsqueeze")
	}
	slices.Sort(normalized)
	if len(slices.Compact(slices.Clone(normalized))) != len(normalized) {
		exceptions.Panicf("Unsqueeze(%s, axes=%v): repeated axes", shape, axes)
	}
	dims := make([]int, 0, outRank)
	src := 0
	for axis := range outRank {
		if slices.Contains(normalized, axis) {
			dims = append(dims, 1)
		} else {
			dims = append(dims, shape.Dimensions[src])
			src++
		}
	}
	out := shapes.Make(shape.DType, dims...)
	return g.newNode(KindUnsqueeze, "", []Value{x}, []shapes.Shape{out}, map[string]any{AttrAxes: normalized})
}

// Reshape changes the dimensions of x, keeping its size. One dimension may be -1, in which
// case it is inferred.
func (g *Graph) Reshape(x Value, dims ...int) *Node {
	shape := g.Shape(x)
	dims = slices.Clone(dims)
	inferred := -1
	size := 1
	for ii, dim := range dims {
		switch {
		case dim == -1 && inferred == -1:
			inferred = ii
		case dim <= 0:
			exceptions.Panicf("Reshape(%s, %v): invalid dimension %d", shape, dims, dim)
		default:
			size *= dim
		}
	}
	if inferred >= 0 {
		if size == 0 || shape.Size()%size != 0 {
			exceptions.Panicf("Reshape(%s, %v): can't infer dimension", shape, dims)
		}
		dims[inferred] = shape.Size() / size
		size *= dims[inferred]
	}
	if size != shape.Size() {
		exceptions.Panicf("Reshape(%s, %v): sizes differ", shape, dims)
	}
	out := shapes.Make(shape.DType, dims...)
	return g.newNode(KindReshape, "", []Value{x}, []shapes.Shape{out}, map[string]any{AttrShape: dims})
}

// Transpose permutes the axes of x: output axis ii is input axis perm[ii].
func (g *Graph) Transpose(x Value, perm ...int) *Node {
	shape := g.Shape(x)
	if len(perm) != shape.Rank() {
		exceptions.Panicf("Transpose(%s, %v): permutation must have one entry per axis", shape, perm)
	}
	seen := make([]bool, len(perm))
	dims := make([]int, len(perm))
	for ii, axis := range perm {
		if axis < 0 || axis >= len(perm) || seen[axis] {
			exceptions.Panicf("Transpose(%s, %v): invalid permutation", shape, perm)
		}
		seen[axis] = true
		dims[ii] = shape.Dimensions[axis]
	}
	out := shapes.Make(shape.DType, dims...)
	return g.newNode(KindTranspose, "", []Value{x}, []shapes.Shape{out}, map[string]any{AttrPerm: slices.Clone(perm)})
}

// Concat concatenates the operands along axis.
func (g *Graph) Concat(axis int, operands ...Value) *Node {
	if len(operands) == 0 {
		exceptions.Panicf("Concat requires at least one operand")
	}
	first := g.Shape(operands[0])
	axis = normalizeAxis(axis, first.Rank(), "Concat")
	dims := slices.Clone(first.Dimensions)
	for _, v := range operands[1:] {
		shape := g.Shape(v)
		if shape.DType != first.DType || shape.Rank() != first.Rank() {
			exceptions.Panicf("Concat(axis=%d): operand %s incompatible with %s", axis, shape, first)
		}
		for ii, dim := range shape.Dimensions {
			if ii == axis {
				dims[ii] += dim
			} else if dim != first.Dimensions[ii] {
				exceptions.Panicf("Concat(axis=%d): operand %s incompatible with %s", axis, shape, first)
			}
		}
	}
	out := shapes.Make(first.DType, dims...)
	return g.newNode(KindConcat, "", operands, []shapes.Shape{out}, map[string]any{AttrAxis: axis})
}

// Slice takes the range [start, end) of x along axis.
func (g *Graph) Slice(x Value, axis, start, end int) *Node {
	shape := g.Shape(x)
	axis = normalizeAxis(axis, shape.Rank(), "Slice")
	if start < 0 || end > shape.Dimensions[axis] || start >= end {
		exceptions.Panicf("Slice(%s, axis=%d, [%d, %d)): invalid range", shape, axis, start, end)
	}
	dims := slices.Clone(shape.Dimensions)
	dims[axis] = end - start
	out := shapes.Make(shape.DType, dims...)
	return g.newNode(KindSlice, "", []Value{x}, []shapes.Shape{out},
		map[string]any{AttrAxis: axis, AttrStart: start, AttrEnd: end})
}

// Gather picks the entries of data along axis at the given indices. The output shape is
// data.Dimensions[:axis] + indices.Dimensions + data.Dimensions[axis+1:].
func (g *Graph) Gather(data, indices Value, axis int) *Node {
	shape, idxShape := g.Shape(data), g.Shape(indices)
	if !idxShape.DType.IsInt() {
		exceptions.Panicf("Gather: indices must be integer, got %s", idxShape)
	}
	axis = normalizeAxis(axis, shape.Rank(), "Gather")
	out := shapes.Make(shape.DType, gatheredDims(shape, idxShape, axis)...)
	return g.newNode(KindGather, "", []Value{data, indices}, []shapes.Shape{out}, map[string]any{AttrAxis: axis})
}

func gatheredDims(data, indices shapes.Shape, axis int) []int {
	dims := slices.Clone(data.Dimensions[:axis])
	dims = append(dims, indices.Dimensions...)
	return append(dims, data.Dimensions[axis+1:]...)
}

// ScatterUpdate overwrites the entries of data along axis at the given indices with updates.
// The updates must be shaped as Gather(data, indices, axis) would be.
func (g *Graph) ScatterUpdate(data, indices, updates Value, axis int) *Node {
	shape, idxShape, updShape := g.Shape(data), g.Shape(indices), g.Shape(updates)
	if !idxShape.DType.IsInt() {
		exceptions.Panicf("ScatterUpdate: indices must be integer, got %s", idxShape)
	}
	axis = normalizeAxis(axis, shape.Rank(), "ScatterUpdate")
	want := shapes.Make(shape.DType, gatheredDims(shape, idxShape, axis)...)
	if !updShape.Equal(want) {
		exceptions.Panicf("ScatterUpdate(%s, %s, %s, axis=%d): updates must be shaped %s",
			shape, idxShape, updShape, axis, want)
	}
	return g.newNode(KindScatterUpdate, "", []Value{data, indices, updates}, []shapes.Shape{shape.Clone()},
		map[string]any{AttrAxis: axis})
}

// ReverseSequence reverses, for each batch entry b, the first lengths[b] elements of x along seqAxis.
func (g *Graph) ReverseSequence(x, lengths Value, batchAxis, seqAxis int) *Node {
	shape, lenShape := g.Shape(x), g.Shape(lengths)
	batchAxis = normalizeAxis(batchAxis, shape.Rank(), "ReverseSequence")
	seqAxis = normalizeAxis(seqAxis, shape.Rank(), "ReverseSequence")
	if batchAxis == seqAxis {
		exceptions.Panicf("ReverseSequence(%s): batch and sequence axes must differ", shape)
	}
	if !lenShape.DType.IsInt() || lenShape.Rank() != 1 || lenShape.Dimensions[0] != shape.Dimensions[batchAxis] {
		exceptions.Panicf("ReverseSequence(%s): lengths must be an integer vector of the batch size, got %s", shape, lenShape)
	}
	return g.newNode(KindReverseSequence, "", []Value{x, lengths}, []shapes.Shape{shape.Clone()},
		map[string]any{AttrBatchAxis: batchAxis, AttrSeqAxis: seqAxis})
}

// Cell inputs, in order.
const (
	CellX = 0
	CellH = 1
	// CellC is only present in LSTM cells; for the other kinds W, R and B are shifted one port down.
	CellC = 2
)

// CellWeightsPort returns the port of W for the cell kind. R and B follow it.
func CellWeightsPort(kind Kind) int {
	return 1 + kind.NumStates()
}

// biasDim returns the expected dimension of the bias of a cell or sequence.
func biasDim(kind Kind, cfg CellConfig) int {
	if (kind == KindGRUCell || kind == KindGRUSequence) && cfg.LinearBeforeReset {
		return 4 * cfg.HiddenSize
	}
	return kind.NumGates() * cfg.HiddenSize
}

func checkShape(context string, shape shapes.Shape, dtype dtypes.DType, dims ...int) {
	if shape.DType != dtype || !slices.Equal(shape.Dimensions, dims) {
		exceptions.Panicf("%s: expected %s shaped %v, got %s", context, dtype, dims, shape)
	}
}

// Cell creates a single-step recurrent cell of the given kind.
//
// Inputs are X[B,I], H[B,H], C[B,H] (LSTM only), W[G*H,I], R[G*H,H] and B[G*H], where G is
// kind.NumGates() (GRU with linear_before_reset takes B[4H]). If cfg.HiddenSize is 0 it is
// taken from H.
//
// Outputs are the new hidden state (and, for LSTM, the new cell state), shaped [B,H].
func (g *Graph) Cell(kind Kind, inputs []Value, cfg CellConfig) *Node {
	if !kind.IsCell() {
		exceptions.Panicf("Cell: %s is not a cell kind", kind)
	}
	numStates := kind.NumStates()
	if len(inputs) != numStates+4 {
		exceptions.Panicf("%s: expected %d inputs, got %d", kind, numStates+4, len(inputs))
	}
	x, h := g.Shape(inputs[CellX]), g.Shape(inputs[CellH])
	if x.Rank() != 2 || h.Rank() != 2 || !x.DType.IsFloat() {
		exceptions.Panicf("%s: X and H must be float matrices, got %s and %s", kind, x, h)
	}
	batch, inputSize := x.Dimensions[0], x.Dimensions[1]
	if cfg.HiddenSize == 0 {
		cfg.HiddenSize = h.Dimensions[1]
	}
	hidden, gates := cfg.HiddenSize, kind.NumGates()
	context := kind.String()
	checkShape(context+" H", h, x.DType, batch, hidden)
	if numStates == 2 {
		checkShape(context+" C", g.Shape(inputs[CellC]), x.DType, batch, hidden)
	}
	wPort := CellWeightsPort(kind)
	checkShape(context+" W", g.Shape(inputs[wPort]), x.DType, gates*hidden, inputSize)
	checkShape(context+" R", g.Shape(inputs[wPort+1]), x.DType, gates*hidden, hidden)
	checkShape(context+" B", g.Shape(inputs[wPort+2]), x.DType, biasDim(kind, cfg))
	outputs := make([]shapes.Shape, numStates)
	for ii := range outputs {
		outputs[ii] = shapes.Make(x.DType, batch, hidden)
	}
	return g.newNode(kind, "", inputs, outputs, cfg.attrs(kind))
}

// Sequence inputs, in order.
const (
	SeqX  = 0
	SeqH0 = 1
	// SeqC0 is only present in LSTM sequences; for the other kinds the following ports are shifted one down.
	SeqC0 = 2
)

// SeqLengthsPort returns the port of the sequence lengths for the sequence kind. W, R and B follow it.
func SeqLengthsPort(kind Kind) int {
	return 1 + kind.NumStates()
}

// Sequence outputs.
const (
	SeqY  = 0
	SeqHo = 1
	SeqCo = 2
)

// Sequence creates a fused recurrent sequence operator of the given kind.
//
// Inputs are X[B,T,I], H0[B,D,H], C0[B,D,H] (LSTM only), SeqLengths[B] (integer),
// W[D,G*H,I], R[D,G*H,H] and B[D,G*H] (GRU with linear_before_reset takes B[D,4H]), where D
// is 2 for Bidirectional and 1 otherwise.
//
// Outputs are Y[B,D,T,H], Ho[B,D,H] and, for LSTM, Co[B,D,H].
func (g *Graph) Sequence(kind Kind, inputs []Value, cfg CellConfig, direction Direction) *Node {
	if !kind.IsSequence() {
		exceptions.Panicf("Sequence: %s is not a sequence kind", kind)
	}
	numStates := kind.NumStates()
	if len(inputs) != numStates+5 {
		exceptions.Panicf("%s: expected %d inputs, got %d", kind, numStates+5, len(inputs))
	}
	x := g.Shape(inputs[SeqX])
	if x.Rank() != 3 || !x.DType.IsFloat() {
		exceptions.Panicf("%s: X must be a float tensor shaped [batch, seq, input], got %s", kind, x)
	}
	batch, seqLen, inputSize := x.Dimensions[0], x.Dimensions[1], x.Dimensions[2]
	h0 := g.Shape(inputs[SeqH0])
	if cfg.HiddenSize == 0 && h0.Rank() == 3 {
		cfg.HiddenSize = h0.Dimensions[2]
	}
	numDirections, hidden, gates := direction.NumDirections(), cfg.HiddenSize, kind.NumGates()
	context := kind.String()
	checkShape(context+" H0", h0, x.DType, batch, numDirections, hidden)
	if numStates == 2 {
		checkShape(context+" C0", g.Shape(inputs[SeqC0]), x.DType, batch, numDirections, hidden)
	}
	lPort := SeqLengthsPort(kind)
	lengths := g.Shape(inputs[lPort])
	if !lengths.DType.IsInt() || lengths.Rank() != 1 || lengths.Dimensions[0] != batch {
		exceptions.Panicf("%s: SeqLengths must be an integer vector of the batch size %d, got %s", kind, batch, lengths)
	}
	checkShape(context+" W", g.Shape(inputs[lPort+1]), x.DType, numDirections, gates*hidden, inputSize)
	checkShape(context+" R", g.Shape(inputs[lPort+2]), x.DType, numDirections, gates*hidden, hidden)
	checkShape(context+" B", g.Shape(inputs[lPort+3]), x.DType, numDirections, biasDim(kind, cfg))
	outputs := []shapes.Shape{
		shapes.Make(x.DType, batch, numDirections, seqLen, hidden),
		shapes.Make(x.DType, batch, numDirections, hidden),
	}
	if numStates == 2 {
		outputs = append(outputs, shapes.Make(x.DType, batch, numDirections, hidden))
	}
	attrs := cfg.attrs(kind)
	attrs[AttrDirection] = direction
	return g.newNode(kind, "", inputs, outputs, attrs)
}

// TensorIterator creates an iteration construct that runs it.Body once per part of its
// sliced inputs (or it.NumIterations times if nothing is sliced).
//
// Descriptor InputIndex values index into inputs.
func (g *Graph) TensorIterator(name string, inputs []Value, it *Iteration) *Node {
	outputs, numIterations := g.iterationShapes(KindTensorIterator, inputs, it)
	n := g.newNode(KindTensorIterator, name, inputs, outputs, map[string]any{AttrNumIterations: numIterations})
	n.iteration = it
	return n
}

// Loop creates an iteration construct with an explicit trip count and initial execution condition.
//
// The node inputs are [tripCount, condition, inputs...]; descriptor InputIndex values refer
// to those ports, so the first data input is port 2.
//
// The number of iterations is the trip count if it is a non-negative constant, otherwise it
// is derived from the sliced inputs or taken from it.NumIterations.
func (g *Graph) Loop(name string, tripCount, condition Value, inputs []Value, it *Iteration) *Node {
	all := append([]Value{tripCount, condition}, inputs...)
	outputs, numIterations := g.iterationShapes(KindLoop, all, it)
	n := g.newNode(KindLoop, name, all, outputs, map[string]any{AttrNumIterations: numIterations})
	n.iteration = it
	return n
}

// Loop input ports.
const (
	LoopTripCount   = 0
	LoopCondition   = 1
	LoopFirstInput  = 2
	loopNumControls = 2
)

// NumIterations returns the trip count of a TensorIterator or Loop node, as resolved when it was created.
func (n *Node) NumIterations() int {
	if n.iteration == nil {
		exceptions.Panicf("NumIterations() called on %s, which is not an iteration construct", n)
	}
	return n.IntAttrOr(AttrNumIterations, 0)
}

// iterationShapes checks the descriptors of it against the given outer inputs and returns
// the output shapes and the resolved number of iterations.
func (g *Graph) iterationShapes(kind Kind, inputs []Value, it *Iteration) (outputs []shapes.Shape, numIterations int) {
	if it == nil || it.Body == nil {
		exceptions.Panicf("%s: missing body", kind)
	}
	body := it.Body
	params, results := body.Parameters(), body.Results()
	firstData := 0
	if kind == KindLoop {
		firstData = loopNumControls
		trip, cond := g.Shape(inputs[LoopTripCount]), g.Shape(inputs[LoopCondition])
		if !trip.IsScalar() || !trip.DType.IsInt() {
			exceptions.Panicf("Loop: trip count must be an integer scalar, got %s", trip)
		}
		if !cond.IsScalar() || cond.DType != dtypes.Bool {
			exceptions.Panicf("Loop: execution condition must be a boolean scalar, got %s", cond)
		}
	} else if it.CurrentIterationParameter != NoIndex || it.ConditionResult != NoIndex {
		exceptions.Panicf("TensorIterator: counter parameter and condition result are Loop only")
	}

	bound := make([]bool, len(params))
	if it.CurrentIterationParameter != NoIndex {
		if it.CurrentIterationParameter < 0 || it.CurrentIterationParameter >= len(params) {
			exceptions.Panicf("%s: current iteration parameter #%d out of range (%d body parameters)",
				kind, it.CurrentIterationParameter, len(params))
		}
		counter := params[it.CurrentIterationParameter].OutputShape(0)
		if !counter.IsScalar() || counter.DType != dtypes.Int32 {
			exceptions.Panicf("%s: current iteration parameter must be an int32 scalar, got %s", kind, counter)
		}
		bound[it.CurrentIterationParameter] = true
	}
	if it.ConditionResult != NoIndex {
		if it.ConditionResult < 0 || it.ConditionResult >= len(results) {
			exceptions.Panicf("%s: condition result #%d out of range (%d body results)", kind, it.ConditionResult, len(results))
		}
		cond := body.Shape(results[it.ConditionResult].Input(0))
		if !cond.IsScalar() || cond.DType != dtypes.Bool {
			exceptions.Panicf("%s: condition result must be a boolean scalar, got %s", kind, cond)
		}
	}

	for ii, d := range it.Inputs {
		if d.InputIndex < firstData || d.InputIndex >= len(inputs) {
			exceptions.Panicf("%s: input descriptor #%d refers to port %d, valid data ports are [%d, %d)",
				kind, ii, d.InputIndex, firstData, len(inputs))
		}
		if d.BodyParameter < 0 || d.BodyParameter >= len(params) {
			exceptions.Panicf("%s: input descriptor #%d refers to body parameter #%d, but the body has %d parameters",
				kind, ii, d.BodyParameter, len(params))
		}
		if bound[d.BodyParameter] {
			exceptions.Panicf("%s: body parameter #%d is bound more than once", kind, d.BodyParameter)
		}
		bound[d.BodyParameter] = true
		outer := g.Shape(inputs[d.InputIndex])
		param := params[d.BodyParameter].OutputShape(0)
		switch d.Kind {
		case SliceInput:
			axis := normalizeAxis(d.Axis, outer.Rank(), kind.String()+" slice input")
			if d.PartSize <= 0 || (d.Stride != d.PartSize && d.Stride != -d.PartSize) {
				exceptions.Panicf("%s: slice input #%d must have a positive part size and a stride of ±part size, got part size %d, stride %d",
					kind, ii, d.PartSize, d.Stride)
			}
			if outer.Dimensions[axis]%d.PartSize != 0 {
				exceptions.Panicf("%s: slice input #%d: axis %d of %s is not divisible by the part size %d",
					kind, ii, axis, outer, d.PartSize)
			}
			want := outer.Clone()
			want.Dimensions[axis] = d.PartSize
			if !param.Equal(want) {
				exceptions.Panicf("%s: slice input #%d: body parameter is %s, expected %s", kind, ii, param, want)
			}
			count := outer.Dimensions[axis] / d.PartSize
			if numIterations != 0 && numIterations != count {
				exceptions.Panicf("%s: sliced inputs disagree on the number of iterations (%d vs %d)", kind, numIterations, count)
			}
			numIterations = count
		case MergedInput:
			if d.BodyResult < 0 || d.BodyResult >= len(results) {
				exceptions.Panicf("%s: merged input #%d declares back-edge from body result #%d, but the body has %d results",
					kind, ii, d.BodyResult, len(results))
			}
			back := body.Shape(results[d.BodyResult].Input(0))
			if !param.Equal(outer) || !back.Equal(outer) {
				exceptions.Panicf("%s: merged input #%d: outer %s, body parameter %s and back-edge %s must have the same shape",
					kind, ii, outer, param, back)
			}
		case InvariantInput:
			if !param.Equal(outer) {
				exceptions.Panicf("%s: invariant input #%d: outer %s and body parameter %s must have the same shape",
					kind, ii, outer, param)
			}
		default:
			exceptions.Panicf("%s: input descriptor #%d has invalid kind %s", kind, ii, d.Kind)
		}
	}
	for ii, isBound := range bound {
		if !isBound {
			exceptions.Panicf("%s: body parameter #%d (%s) is not bound to any input", kind, ii, params[ii])
		}
	}

	if kind == KindLoop {
		if t := g.Producer(inputs[LoopTripCount]).Tensor(); t != nil {
			if trip := TensorToInts(t)[0]; trip >= 0 {
				if numIterations != 0 && numIterations != trip {
					exceptions.Panicf("Loop: trip count %d doesn't match the %d parts of the sliced inputs", trip, numIterations)
				}
				numIterations = trip
			}
		}
	}
	if numIterations == 0 {
		numIterations = it.NumIterations
	} else if it.NumIterations != 0 && it.NumIterations != numIterations {
		exceptions.Panicf("%s: NumIterations=%d doesn't match the %d iterations derived from the inputs", kind, it.NumIterations, numIterations)
	}
	if numIterations <= 0 {
		exceptions.Panicf("%s: can't resolve a positive number of iterations", kind)
	}

	outputs = make([]shapes.Shape, len(it.Outputs))
	set := make([]bool, len(it.Outputs))
	for ii, d := range it.Outputs {
		if d.OutputIndex < 0 || d.OutputIndex >= len(outputs) || set[d.OutputIndex] {
			exceptions.Panicf("%s: output descriptor #%d has invalid or repeated output index %d", kind, ii, d.OutputIndex)
		}
		set[d.OutputIndex] = true
		if d.BodyResult < 0 || d.BodyResult >= len(results) {
			exceptions.Panicf("%s: output descriptor #%d refers to body result #%d, but the body has %d results",
				kind, ii, d.BodyResult, len(results))
		}
		shape := body.Shape(results[d.BodyResult].Input(0)).Clone()
		switch d.Kind {
		case ConcatOutput:
			axis := normalizeAxis(d.Axis, shape.Rank(), kind.String()+" concat output")
			if d.PartSize != shape.Dimensions[axis] || (d.Stride != d.PartSize && d.Stride != -d.PartSize) {
				exceptions.Panicf("%s: concat output #%d: part size %d and stride %d don't match body result %s on axis %d",
					kind, ii, d.PartSize, d.Stride, shape, axis)
			}
			shape.Dimensions[axis] *= numIterations
		case BodyOutput:
			if d.Iteration < LastIteration || d.Iteration >= numIterations {
				exceptions.Panicf("%s: body output #%d selects iteration %d of %d", kind, ii, d.Iteration, numIterations)
			}
		default:
			exceptions.Panicf("%s: output descriptor #%d has invalid kind %s", kind, ii, d.Kind)
		}
		outputs[d.OutputIndex] = shape
	}
	return outputs, numIterations
}
