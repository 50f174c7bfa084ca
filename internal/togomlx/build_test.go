package togomlx

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/seqfuse/ir"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBackend() backends.Backend {
	return must.M1(simplego.New(""))
}

func f32(dims ...int) shapes.Shape { return shapes.Make(dtypes.Float32, dims...) }

func ints(values ...int32) *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(values, len(values))
}

func zeros(dims ...int) *tensors.Tensor {
	return tensors.FromShape(f32(dims...))
}

// run executes model with the given inputs and returns the flat values of its results.
func run(t *testing.T, model *ir.Graph, inputs map[string]*tensors.Tensor) [][]float32 {
	outputs, err := Execute(testBackend(), model, inputs)
	require.NoError(t, err)
	flat := make([][]float32, len(outputs))
	for ii, output := range outputs {
		flat[ii] = tensors.MustCopyFlatData[float32](output)
	}
	return flat
}

func TestExecuteShapeOps(t *testing.T) {
	model := ir.NewGraph("shape_ops")
	x := model.Parameter("x", f32(2, 3)).Output(0)
	model.Result("transpose", model.Transpose(x, 1, 0).Output(0))
	model.Result("concat", model.Concat(0, x, x).Output(0))
	model.Result("slice", model.Slice(x, 1, 1, 3).Output(0))
	model.Result("reshape", model.Unsqueeze(model.Squeeze(model.Reshape(x, 3, 1, 2).Output(0), 1).Output(0), 0).Output(0))
	columns := model.Constant("columns", ints(2, 0)).Output(0)
	model.Result("gather_columns", model.Gather(x, columns, 1).Output(0))
	row := model.Constant("row", tensors.FromAnyValue(int32(1))).Output(0)
	model.Result("gather_row", model.Gather(x, row, 0).Output(0))
	updates := model.Constant("updates", tensors.FromFlatDataAndDimensions([]float32{10, 20}, 2, 1)).Output(0)
	model.Result("scatter", model.ScatterUpdate(x, model.Constant("column", ints(1)).Output(0), updates, 1).Output(0))
	lengths := model.Constant("lengths", ints(3, 2)).Output(0)
	model.Result("reverse", model.ReverseSequence(x, lengths, 0, 1).Output(0))
	full := model.Constant("full", ints(3, 3)).Output(0)
	model.Result("reverse_full", model.ReverseSequence(x, full, 0, 1).Output(0))

	got := run(t, model, map[string]*tensors.Tensor{
		"x": tensors.FromFlatDataAndDimensions([]float32{0, 1, 2, 3, 4, 5}, 2, 3),
	})
	assert.Equal(t, [][]float32{
		{0, 3, 1, 4, 2, 5},
		{0, 1, 2, 3, 4, 5, 0, 1, 2, 3, 4, 5},
		{1, 2, 4, 5},
		{0, 1, 2, 3, 4, 5},
		{2, 0, 5, 3},
		{3, 4, 5},
		{0, 10, 2, 3, 20, 5},
		{2, 1, 0, 4, 3, 5},
		{2, 1, 0, 5, 4, 3},
	}, got)
}

func TestExecuteElementWise(t *testing.T) {
	model := ir.NewGraph("element_wise")
	x := model.Parameter("x", f32(3)).Output(0)
	y := model.Parameter("y", f32(3)).Output(0)
	two := model.Constant("two", tensors.FromAnyValue(float32(2))).Output(0)
	model.Result("sum", model.Add(x, y).Output(0))
	model.Result("diff", model.Sub(x, y).Output(0))
	model.Result("scaled", model.Mul(x, two).Output(0))
	got := run(t, model, map[string]*tensors.Tensor{
		"x": tensors.FromFlatDataAndDimensions([]float32{1, 2, 3}, 3),
		"y": tensors.FromFlatDataAndDimensions([]float32{3, 2, 1}, 3),
	})
	assert.Equal(t, [][]float32{{4, 4, 4}, {-2, 0, 2}, {2, 4, 6}}, got)
}

// cellModel builds a graph with a single cell whose inputs are all parameters named after
// their role.
func cellModel(kind ir.Kind, cfg ir.CellConfig, batch, inputSize, hidden int) *ir.Graph {
	model := ir.NewGraph(kind.String())
	gates := kind.NumGates()
	biasDim := gates * hidden
	if cfg.LinearBeforeReset {
		biasDim = 4 * hidden
	}
	inputs := []ir.Value{
		model.Parameter("X", f32(batch, inputSize)).Output(0),
		model.Parameter("H", f32(batch, hidden)).Output(0),
	}
	if kind.NumStates() == 2 {
		inputs = append(inputs, model.Parameter("C", f32(batch, hidden)).Output(0))
	}
	inputs = append(inputs,
		model.Parameter("W", f32(gates*hidden, inputSize)).Output(0),
		model.Parameter("R", f32(gates*hidden, hidden)).Output(0),
		model.Parameter("B", f32(biasDim)).Output(0))
	cell := model.Cell(kind, inputs, cfg)
	for ii := range cell.NumOutputs() {
		model.Result("", cell.Output(ii))
	}
	return model
}

func tanh32(values ...float32) []float32 {
	out := make([]float32, len(values))
	for ii, v := range values {
		out[ii] = float32(math.Tanh(float64(v)))
	}
	return out
}

func TestExecuteCells(t *testing.T) {
	const batch, inputSize, hidden = 1, 2, 2
	weights := func(kind ir.Kind, bias ...float32) map[string]*tensors.Tensor {
		gates := kind.NumGates()
		return map[string]*tensors.Tensor{
			"X": tensors.FromFlatDataAndDimensions([]float32{0.3, -0.7}, batch, inputSize),
			"W": zeros(gates*hidden, inputSize),
			"R": zeros(gates*hidden, hidden),
			"B": tensors.FromFlatDataAndDimensions(bias, len(bias)),
		}
	}

	t.Run("RNN", func(t *testing.T) {
		inputs := weights(ir.KindRNNCell, 0.5, -0.25)
		inputs["H"] = zeros(batch, hidden)
		got := run(t, cellModel(ir.KindRNNCell, ir.CellConfig{}, batch, inputSize, hidden), inputs)
		assert.InDeltaSlice(t, tanh32(0.5, -0.25), got[0], 1e-6)

		got = run(t, cellModel(ir.KindRNNCell, ir.CellConfig{Clip: 0.3}, batch, inputSize, hidden), inputs)
		assert.InDeltaSlice(t, tanh32(0.3, -0.25), got[0], 1e-6)

		got = run(t, cellModel(ir.KindRNNCell, ir.CellConfig{Activations: []string{"relu"}}, batch, inputSize, hidden), inputs)
		assert.InDeltaSlice(t, []float32{0.5, 0}, got[0], 1e-6)
	})

	t.Run("LSTM", func(t *testing.T) {
		// With zero weights all gates are sigmoid(0)=0.5 and the candidate is tanh(0)=0.
		inputs := weights(ir.KindLSTMCell, make([]float32, 4*hidden)...)
		inputs["H"] = zeros(batch, hidden)
		inputs["C"] = tensors.FromFlatDataAndDimensions([]float32{1, -2}, batch, hidden)
		got := run(t, cellModel(ir.KindLSTMCell, ir.CellConfig{}, batch, inputSize, hidden), inputs)
		require.Len(t, got, 2)
		wantH := tanh32(0.5, -1)
		for ii := range wantH {
			wantH[ii] *= 0.5
		}
		assert.InDeltaSlice(t, wantH, got[0], 1e-6)
		assert.InDeltaSlice(t, []float32{0.5, -1}, got[1], 1e-6)
	})

	t.Run("GRU", func(t *testing.T) {
		for _, lbr := range []bool{false, true} {
			biasDim := 3 * hidden
			if lbr {
				biasDim = 4 * hidden
			}
			inputs := weights(ir.KindGRUCell, make([]float32, biasDim)...)
			inputs["H"] = tensors.FromFlatDataAndDimensions([]float32{0.8, -0.4}, batch, hidden)
			got := run(t, cellModel(ir.KindGRUCell, ir.CellConfig{LinearBeforeReset: lbr}, batch, inputSize, hidden), inputs)
			// z=0.5 and a zero candidate halve the state.
			assert.InDeltaSlice(t, []float32{0.4, -0.2}, got[0], 1e-6, "linear_before_reset=%v", lbr)
		}
	})
}

func TestExecuteSequenceLengths(t *testing.T) {
	const batch, seqLen, inputSize, hidden = 2, 3, 1, 2
	for _, direction := range []ir.Direction{ir.Forward, ir.Reverse} {
		model := ir.NewGraph("rnn_sequence")
		x := model.Parameter("X", f32(batch, seqLen, inputSize)).Output(0)
		h0 := model.Parameter("H0", f32(batch, 1, hidden)).Output(0)
		lengths := model.Constant("lengths", ints(3, 1)).Output(0)
		w := model.Constant("W", zeros(1, hidden, inputSize)).Output(0)
		r := model.Constant("R", zeros(1, hidden, hidden)).Output(0)
		b := model.Constant("B", tensors.FromFlatDataAndDimensions([]float32{0.5, -0.25}, 1, hidden)).Output(0)
		seq := model.Sequence(ir.KindRNNSequence, []ir.Value{x, h0, lengths, w, r, b}, ir.CellConfig{}, direction)
		model.Result("Y", seq.Output(ir.SeqY))
		model.Result("Ho", seq.Output(ir.SeqHo))

		got := run(t, model, map[string]*tensors.Tensor{
			"X":  tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, batch, seqLen, inputSize),
			"H0": zeros(batch, 1, hidden),
		})
		step := tanh32(0.5, -0.25)
		var wantY []float32
		for range seqLen {
			wantY = append(wantY, step...)
		}
		// The second entry has length 1: the steps past it output zeros.
		wantY = append(wantY, step...)
		wantY = append(wantY, make([]float32, (seqLen-1)*hidden)...)
		assert.InDeltaSlice(t, wantY, got[0], 1e-6, "direction=%s", direction)
		assert.InDeltaSlice(t, append(step, step...), got[1], 1e-6, "direction=%s", direction)
	}
}

func TestExecuteIterationWithReverseSlices(t *testing.T) {
	model := ir.NewGraph("tensor_iterator")
	x := model.Parameter("x", f32(3, 1)).Output(0)
	acc := model.Parameter("acc", f32(1, 1)).Output(0)

	body := ir.NewGraph("body")
	xt := body.Parameter("x_t", f32(1, 1)).Output(0)
	prev := body.Parameter("prev", f32(1, 1)).Output(0)
	body.Result("x_t", xt)
	body.Result("running", body.Add(body.Add(prev, prev).Output(0), xt).Output(0))
	it := ir.NewIteration(body)
	it.Inputs = []ir.InputDesc{ir.NewSliceInput(0, 0, 0, -1), ir.NewMergedInput(1, 1, 1)}
	it.Outputs = []ir.OutputDesc{ir.NewConcatOutput(0, 0, 0, 1), ir.NewConcatOutput(1, 1, 0, -1), ir.NewLastOutput(1, 2)}
	ti := model.TensorIterator("ti", []ir.Value{x, acc}, it)
	for ii := range ti.NumOutputs() {
		model.Result("", ti.Output(ii))
	}
	require.NoError(t, model.Validate())

	got := run(t, model, map[string]*tensors.Tensor{
		"x":   tensors.FromFlatDataAndDimensions([]float32{1, 2, 3}, 3, 1),
		"acc": tensors.FromFlatDataAndDimensions([]float32{0}, 1, 1),
	})
	// Slices are visited as 3, 2, 1: running = 3, 8, 17.
	assert.Equal(t, []float32{3, 2, 1}, got[0])
	assert.Equal(t, []float32{17, 8, 3}, got[1])
	assert.Equal(t, []float32{17}, got[2])
}

func TestExecuteLoop(t *testing.T) {
	newLoop := func(initialCondition bool) *ir.Graph {
		model := ir.NewGraph("loop")
		h0 := model.Parameter("h0", f32(2)).Output(0)
		body := ir.NewGraph("body")
		body.Parameter("i", shapes.Make(dtypes.Int32))
		h := body.Parameter("h", f32(2)).Output(0)
		body.Result("h_next", body.Add(h, h).Output(0))
		it := ir.NewIteration(body)
		it.CurrentIterationParameter = 0
		it.Inputs = []ir.InputDesc{ir.NewMergedInput(ir.LoopFirstInput, 1, 0)}
		it.Outputs = []ir.OutputDesc{ir.NewLastOutput(0, 0)}
		trip := model.Constant("trip", tensors.FromAnyValue(int64(3))).Output(0)
		cond := model.Constant("cond", tensors.FromAnyValue(initialCondition)).Output(0)
		model.Result("h", model.Loop("loop", trip, cond, []ir.Value{h0}, it).Output(0))
		return model
	}
	inputs := map[string]*tensors.Tensor{"h0": tensors.FromFlatDataAndDimensions([]float32{1, -0.5}, 2)}
	got := run(t, newLoop(true), inputs)
	assert.Equal(t, []float32{8, -4}, got[0])

	_, err := Execute(testBackend(), newLoop(false), inputs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initial condition is false")
}

func TestExecuteInputErrors(t *testing.T) {
	model := ir.NewGraph("inputs")
	x := model.Parameter("x", f32(2)).Output(0)
	model.Result("y", model.Add(x, x).Output(0))
	backend := testBackend()

	_, err := Execute(backend, model, map[string]*tensors.Tensor{"z": zeros(2)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `missing inputs=["x"]`)
	assert.Contains(t, err.Error(), `unknown given inputs=["z"]`)
	assert.Contains(t, err.Error(), `while executing graph "inputs"`)

	_, err = Execute(backend, model, map[string]*tensors.Tensor{"x": zeros(3)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `input "x" shaped`)
}

func TestMaterializeConstantExpression(t *testing.T) {
	model := ir.NewGraph("materialize")
	x := model.Parameter("x", f32(2, 3)).Output(0)
	one := model.Constant("one", ints(1, 1)).Output(0)
	two := model.Constant("two", ints(2, 1)).Output(0)
	model.Result("reverse", model.ReverseSequence(x, model.Add(one, two).Output(0), 0, 1).Output(0))
	got := run(t, model, map[string]*tensors.Tensor{
		"x": tensors.FromFlatDataAndDimensions([]float32{0, 1, 2, 3, 4, 5}, 2, 3),
	})
	assert.Equal(t, []float32{2, 1, 0, 4, 3, 5}, got[0])

	dynamic := ir.NewGraph("dynamic_lengths")
	x = dynamic.Parameter("x", f32(2, 3)).Output(0)
	lengths := dynamic.Parameter("lengths", shapes.Make(dtypes.Int32, 2)).Output(0)
	dynamic.Result("reverse", dynamic.ReverseSequence(x, lengths, 0, 1).Output(0))
	_, err := Execute(testBackend(), dynamic, map[string]*tensors.Tensor{"x": zeros(2, 3), "lengths": ints(3, 3)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `depends on non-constant parameters ["lengths"]`)
}
