package ir

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f32(dims ...int) shapes.Shape { return shapes.Make(dtypes.Float32, dims...) }

func dimsOf(n *Node) []int { return n.OutputShape(0).Dimensions }

func TestBuilderShapes(t *testing.T) {
	g := NewGraph("shapes")
	x := g.Parameter("x", f32(2, 1, 3)).Output(0)
	assert.Equal(t, []int{2, 3}, dimsOf(g.Squeeze(x, 1)))
	assert.Equal(t, []int{2, 3}, dimsOf(g.Squeeze(x)))
	assert.Equal(t, []int{1, 2, 1, 3}, dimsOf(g.Unsqueeze(x, 0)))
	assert.Equal(t, []int{2, 1, 3, 1}, dimsOf(g.Unsqueeze(x, -1)))
	assert.Equal(t, []int{3, 2}, dimsOf(g.Reshape(x, -1, 2)))
	assert.Equal(t, []int{3, 1, 2}, dimsOf(g.Transpose(x, 2, 1, 0)))
	assert.Equal(t, []int{2, 2, 3}, dimsOf(g.Concat(1, x, x)))
	assert.Equal(t, []int{1, 1, 3}, dimsOf(g.Slice(x, 0, 1, 2)))

	data := g.Parameter("data", f32(5, 2, 3)).Output(0)
	scalarIdx := g.Constant("i", tensors.FromAnyValue(int32(1))).Output(0)
	vectorIdx := g.Constant("v", tensors.FromFlatDataAndDimensions([]int32{4}, 1)).Output(0)
	assert.Equal(t, []int{2, 3}, dimsOf(g.Gather(data, scalarIdx, 0)))
	assert.Equal(t, []int{5, 1, 3}, dimsOf(g.Gather(data, vectorIdx, 1)))
	updates := g.Parameter("updates", f32(1, 2, 3)).Output(0)
	assert.Equal(t, []int{5, 2, 3}, dimsOf(g.ScatterUpdate(data, vectorIdx, updates, 0)))

	less := g.Less(scalarIdx, scalarIdx)
	assert.Equal(t, dtypes.Bool, less.OutputShape(0).DType)

	assert.Panics(t, func() { g.Squeeze(x, 0) }, "axis 0 is not a unit axis")
	assert.Panics(t, func() { g.Reshape(x, 4, -1) }, "size 6 is not divisible by 4")
	assert.Panics(t, func() { g.Concat(0, x, data) }, "mismatched dimensions")
	assert.Panics(t, func() { g.Add(x, data) })
}

func TestCellAndSequenceShapes(t *testing.T) {
	g := NewGraph("cells")
	const batch, input, hidden = 2, 3, 4
	x := g.Parameter("x", f32(batch, input)).Output(0)
	h := g.Parameter("h", f32(batch, hidden)).Output(0)
	c := g.Parameter("c", f32(batch, hidden)).Output(0)
	w := g.Parameter("w", f32(4*hidden, input)).Output(0)
	r := g.Parameter("r", f32(4*hidden, hidden)).Output(0)
	b := g.Parameter("b", f32(4*hidden)).Output(0)
	cell := g.Cell(KindLSTMCell, []Value{x, h, c, w, r, b}, CellConfig{})
	require.Equal(t, 2, cell.NumOutputs())
	assert.Equal(t, []int{batch, hidden}, dimsOf(cell))
	cfg := CellConfigOf(cell)
	assert.Equal(t, hidden, cfg.HiddenSize, "hidden size taken from H")
	assert.Equal(t, []string{"sigmoid", "tanh", "tanh"}, cfg.Activations)

	assert.Panics(t, func() { g.Cell(KindGRUCell, []Value{x, h, w, r, b}, CellConfig{}) }, "GRU has 3 gates, not 4")

	seqX := g.Parameter("seq_x", f32(batch, 5, input)).Output(0)
	h0 := g.Parameter("h0", f32(batch, 2, hidden)).Output(0)
	lengths := g.Constant("lengths", tensors.FromFlatDataAndDimensions([]int32{5, 5}, batch)).Output(0)
	w2 := g.Parameter("w2", f32(2, hidden, input)).Output(0)
	r2 := g.Parameter("r2", f32(2, hidden, hidden)).Output(0)
	b2 := g.Parameter("b2", f32(2, hidden)).Output(0)
	seq := g.Sequence(KindRNNSequence, []Value{seqX, h0, lengths, w2, r2, b2}, CellConfig{}, Bidirectional)
	assert.Equal(t, []int{batch, 2, 5, hidden}, seq.OutputShape(SeqY).Dimensions)
	assert.Equal(t, []int{batch, 2, hidden}, seq.OutputShape(SeqHo).Dimensions)
	assert.Equal(t, Bidirectional, seq.Direction())
	assert.Panics(t, func() {
		g.Sequence(KindRNNSequence, []Value{seqX, h0, lengths, w2, r2, b2}, CellConfig{}, Forward)
	}, "forward sequences take one direction of weights")
}

func TestConsumersAndReplaceAllUses(t *testing.T) {
	g := NewGraph("uses")
	x := g.Parameter("x", f32(3)).Output(0)
	y := g.Parameter("y", f32(3)).Output(0)
	sum := g.Add(x, x)
	prod := g.Mul(sum.Output(0), x)
	g.Result("out", prod.Output(0))

	assert.Equal(t, []Use{{Node: sum.ID(), Input: 0}, {Node: sum.ID(), Input: 1}, {Node: prod.ID(), Input: 1}}, g.Consumers(x))
	assert.Equal(t, []*Node{sum, prod}, g.ConsumerNodes(x))
	assert.Equal(t, 3, g.ReplaceAllUses(x, y))
	assert.Empty(t, g.Consumers(x))
	assert.Len(t, g.Consumers(y), 3)
	assert.Equal(t, y, prod.Input(1))
	require.NoError(t, g.Validate())

	assert.Panics(t, func() { g.SetInput(prod, 0, g.Parameter("z", f32(4)).Output(0)) }, "shape mismatch")
}

func TestSweep(t *testing.T) {
	g := NewGraph("sweep")
	x := g.Parameter("x", f32(3)).Output(0)
	unused := g.Parameter("unused", f32(3))
	dead := g.Add(x, x)
	g.Mul(dead.Output(0), x)
	g.Result("out", g.Sub(x, x).Output(0))
	assert.Equal(t, 2, g.Sweep())
	assert.Nil(t, g.Node(dead.ID()))
	assert.NotNil(t, g.Node(unused.ID()), "parameters are kept")
	assert.Len(t, g.Consumers(x), 2, "dead consumers are unregistered")
	require.NoError(t, g.Validate())
}

func TestTransactionRollback(t *testing.T) {
	g := NewGraph("tx")
	x := g.Parameter("x", f32(3)).Output(0)
	sum := g.Add(x, x)
	g.Result("out", sum.Output(0))
	before := g.String()

	applied := g.Atomically(func() bool {
		y := g.Mul(x, x)
		g.ReplaceAllUses(sum.Output(0), y.Output(0))
		sum.SetAttr("marker", 1)
		return false
	})
	assert.False(t, applied)
	assert.Equal(t, before, g.String())
	_, found := sum.Attr("marker")
	assert.False(t, found)
	require.NoError(t, g.Validate())

	assert.PanicsWithValue(t, "boom", func() {
		g.Atomically(func() bool {
			g.Sub(x, x)
			panic("boom")
		})
	})
	assert.False(t, g.InTransaction())
	assert.Equal(t, before, g.String())

	applied = g.Atomically(func() bool {
		g.Result("extra", g.Mul(x, x).Output(0))
		return true
	})
	assert.True(t, applied)
	assert.Len(t, g.Results(), 2)
}

func TestAtomicallyJoinsOpenTransaction(t *testing.T) {
	g := NewGraph("nested_tx")
	x := g.Parameter("x", f32(3)).Output(0)
	before := g.String()
	tx := g.Begin()
	assert.True(t, g.Atomically(func() bool {
		g.Add(x, x)
		return true
	}))
	tx.Rollback()
	assert.Equal(t, before, g.String())
	assert.Panics(t, func() { g.Begin(); g.Begin() })
}

func TestValidateDetectsCycle(t *testing.T) {
	g := NewGraph("cycle")
	x := g.Parameter("x", f32(3)).Output(0)
	a := g.Add(x, x)
	b := g.Mul(a.Output(0), a.Output(0))
	g.Result("out", b.Output(0))
	require.NoError(t, g.Validate())
	g.SetInput(a, 0, b.Output(0))
	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestSorted(t *testing.T) {
	g := NewGraph("sorted")
	x := g.Parameter("x", f32(3)).Output(0)
	a := g.Add(x, x)
	b := g.Mul(a.Output(0), x)
	r := g.Result("out", b.Output(0))
	sorted := g.Sorted()
	position := make(map[NodeID]int)
	for ii, n := range sorted {
		position[n.ID()] = ii
	}
	assert.Less(t, position[a.ID()], position[b.ID()])
	assert.Less(t, position[b.ID()], position[r.ID()])
}

func simpleBody() *Graph {
	body := NewGraph("body")
	xt := body.Parameter("x_t", f32(1, 2))
	h := body.Parameter("h", f32(1, 2))
	next := body.Add(body.Squeeze(xt.Output(0), 0).Output(0), body.Squeeze(h.Output(0), 0).Output(0))
	body.Result("h_next", body.Unsqueeze(next.Output(0), 0).Output(0))
	return body
}

func TestIterationShapes(t *testing.T) {
	g := NewGraph("iteration")
	x := g.Parameter("x", f32(4, 2)).Output(0)
	h0 := g.Parameter("h0", f32(1, 2)).Output(0)

	it := NewIteration(simpleBody())
	it.Inputs = []InputDesc{NewSliceInput(0, 0, 0, 1), NewMergedInput(1, 1, 0)}
	it.Outputs = []OutputDesc{NewConcatOutput(0, 0, 0, -1), NewLastOutput(0, 1)}
	ti := g.TensorIterator("ti", []Value{x, h0}, it)
	assert.Equal(t, 4, ti.NumIterations())
	assert.Equal(t, []int{4, 2}, ti.OutputShape(0).Dimensions)
	assert.Equal(t, []int{1, 2}, ti.OutputShape(1).Dimensions)

	unbound := NewIteration(simpleBody())
	unbound.Inputs = []InputDesc{NewSliceInput(0, 0, 0, 1)}
	assert.Panics(t, func() { g.TensorIterator("bad", []Value{x, h0}, unbound) }, "h is not bound")

	badStride := NewIteration(simpleBody())
	badStride.Inputs = []InputDesc{NewSliceInput(0, 0, 0, 2), NewMergedInput(1, 1, 0)}
	assert.Panics(t, func() { g.TensorIterator("bad", []Value{x, h0}, badStride) }, "stride must be ±part size")

	badBackEdge := NewIteration(simpleBody())
	badBackEdge.Inputs = []InputDesc{NewSliceInput(0, 0, 0, 1), NewMergedInput(1, 1, 3)}
	err := exceptions.TryCatch[error](func() { g.TensorIterator("bad", []Value{x, h0}, badBackEdge) })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "merged input #1 declares back-edge from body result #3, but the body has 1 results")
}

func TestLoopTripCount(t *testing.T) {
	g := NewGraph("loop")
	h0 := g.Parameter("h0", f32(1, 2)).Output(0)
	body := NewGraph("body")
	body.Parameter("i", shapes.Make(dtypes.Int32))
	h := body.Parameter("h", f32(1, 2))
	body.Result("h_next", body.Add(h.Output(0), h.Output(0)).Output(0))
	it := NewIteration(body)
	it.CurrentIterationParameter = 0
	it.Inputs = []InputDesc{NewMergedInput(LoopFirstInput, 1, 0)}
	it.Outputs = []OutputDesc{NewLastOutput(0, 0)}

	trip := g.Constant("trip", tensors.FromAnyValue(int64(7))).Output(0)
	cond := g.Constant("cond", tensors.FromAnyValue(true)).Output(0)
	loop := g.Loop("loop", trip, cond, []Value{h0}, it)
	assert.Equal(t, 7, loop.NumIterations())
	assert.Equal(t, trip, loop.Input(LoopTripCount))

	dynamic := g.Parameter("dynamic_trip", shapes.Make(dtypes.Int64)).Output(0)
	assert.Panics(t, func() { g.Loop("unresolved", dynamic, cond, []Value{h0}, it) }, "no way to resolve the trip count")
	it.NumIterations = 3
	assert.Equal(t, 3, g.Loop("resolved", dynamic, cond, []Value{h0}, it).NumIterations())
}

func TestConstantHelpers(t *testing.T) {
	g := NewGraph("constants")
	a := g.Constant("a", tensors.FromFlatDataAndDimensions([]int32{3, 2}, 2)).Output(0)
	b := g.Constant("b", tensors.FromFlatDataAndDimensions([]int32{3, 2}, 2)).Output(0)
	c := g.Constant("c", tensors.FromFlatDataAndDimensions([]int32{3, 3}, 2)).Output(0)
	p := g.Parameter("p", shapes.Make(dtypes.Int32, 2)).Output(0)
	flag := g.Constant("flag", tensors.FromAnyValue(true)).Output(0)

	values, ok := g.ConstantInts(a)
	require.True(t, ok)
	assert.Equal(t, []int{3, 2}, values)
	_, ok = g.ConstantInts(p)
	assert.False(t, ok)

	value, ok := g.ConstantBool(flag)
	assert.True(t, ok)
	assert.True(t, value)
	_, ok = g.ConstantBool(a)
	assert.False(t, ok)

	assert.True(t, g.SameValueOrEqualConstants(a, b))
	assert.True(t, g.SameValueOrEqualConstants(p, p))
	assert.False(t, g.SameValueOrEqualConstants(a, c))
	assert.False(t, g.SameValueOrEqualConstants(a, p))
}

func TestPrettyPrint(t *testing.T) {
	g := NewGraph("print")
	x := g.Parameter("x", f32(4, 2)).Output(0)
	h0 := g.Parameter("h0", f32(1, 2)).Output(0)
	it := NewIteration(simpleBody())
	it.Inputs = []InputDesc{NewSliceInput(0, 0, 0, 1), NewMergedInput(1, 1, 0)}
	it.Outputs = []OutputDesc{NewLastOutput(0, 0)}
	g.Result("h", g.TensorIterator("ti", []Value{x, h0}, it).Output(0))
	text := g.String()
	assert.Contains(t, text, `Graph "print":`)
	assert.Contains(t, text, "[Parameter Result TensorIterator]")
	assert.Contains(t, text, `TensorIterator "ti"(%0:0, %1:0)`)
	assert.Contains(t, text, "in  port 0 -> param #0: slice axis=0 stride=1 part=1")
	assert.Contains(t, text, `Graph "body":`)
}
