// Package irtest builds the recurrent-loop graphs shared by the tests: TensorIterator and
// Loop encodings of LSTM, RNN and GRU cell steps, with deterministic weights and inputs.
package irtest

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/seqfuse/ir"
)

// Floats returns a float32 tensor with deterministic values in [-0.5, 0.5], which vary with seed.
func Floats(seed int, dims ...int) *tensors.Tensor {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	flat := make([]float32, size)
	for ii := range flat {
		flat[ii] = 0.5 * math32.Sin(float32(seed)*1.37+float32(ii)*0.71)
	}
	return tensors.FromFlatDataAndDimensions(flat, dims...)
}

// Int32s returns an int32 vector tensor.
func Int32s(values ...int32) *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(values, len(values))
}

// LoopConfig describes a recurrent loop fixture.
type LoopConfig struct {
	// Kind of the cell: ir.KindLSTMCell, ir.KindRNNCell or ir.KindGRUCell.
	Kind ir.Kind

	Batch, SeqLen, InputSize, HiddenSize int

	// Reverse iterates from the last step to the first.
	Reverse bool

	// SeqFirst lays the input and output sequences as [T,B,*] instead of [B,T,*].
	// Scatter-update loops are always sequence first.
	SeqFirst bool

	// Cell attributes. HiddenSize is filled in from the fixture if 0.
	Cell ir.CellConfig

	// WeightsAsInvariantInputs feeds W, R and B as outer graph parameters, through invariant
	// inputs, instead of body constants.
	WeightsAsInvariantInputs bool

	// DynamicWeights computes W inside the body, which prevents fusion.
	DynamicWeights bool

	// Seed varies the weights.
	Seed int
}

// DefaultLoopConfig returns a small configuration for the cell kind.
func DefaultLoopConfig(kind ir.Kind) LoopConfig {
	return LoopConfig{Kind: kind, Batch: 2, SeqLen: 3, InputSize: 4, HiddenSize: 5}
}

func (cfg LoopConfig) cellConfig() ir.CellConfig {
	c := cfg.Cell
	if c.HiddenSize == 0 {
		c.HiddenSize = cfg.HiddenSize
	}
	return c
}

// numStates is 2 for LSTM, 1 otherwise.
func (cfg LoopConfig) numStates() int {
	return cfg.Kind.NumStates()
}

func (cfg LoopConfig) stride() int {
	if cfg.Reverse {
		return -1
	}
	return 1
}

// WeightTensors returns the W, R and B tensors of the fixture.
func (cfg LoopConfig) WeightTensors() []*tensors.Tensor {
	gates := cfg.Kind.NumGates() * cfg.HiddenSize
	biasDim := gates
	if cfg.Kind == ir.KindGRUCell && cfg.Cell.LinearBeforeReset {
		biasDim = 4 * cfg.HiddenSize
	}
	return []*tensors.Tensor{
		Floats(cfg.Seed+1, gates, cfg.InputSize),
		Floats(cfg.Seed+2, gates, cfg.HiddenSize),
		Floats(cfg.Seed+3, biasDim),
	}
}

var weightNames = []string{"W", "R", "B"}

// Inputs returns values for the outer graph parameters of the fixtures.
func (cfg LoopConfig) Inputs() map[string]*tensors.Tensor {
	xDims := []int{cfg.Batch, cfg.SeqLen, cfg.InputSize}
	if cfg.SeqFirst {
		xDims = []int{cfg.SeqLen, cfg.Batch, cfg.InputSize}
	}
	inputs := map[string]*tensors.Tensor{
		"X":  Floats(cfg.Seed+10, xDims...),
		"H0": Floats(cfg.Seed+11, cfg.Batch, cfg.HiddenSize),
	}
	if cfg.numStates() == 2 {
		inputs["C0"] = Floats(cfg.Seed+12, cfg.Batch, cfg.HiddenSize)
	}
	if cfg.WeightsAsInvariantInputs {
		for ii, t := range cfg.WeightTensors() {
			inputs[weightNames[ii]] = t
		}
	}
	return inputs
}

// outerParameters creates the outer X, H0, (C0) and, if fed from outside, weight parameters.
func (cfg LoopConfig) outerParameters(g *ir.Graph, xDims []int) (x ir.Value, states, weights []ir.Value) {
	x = g.Parameter("X", shapes.Make(dtypes.Float32, xDims...)).Output(0)
	stateShape := shapes.Make(dtypes.Float32, cfg.Batch, cfg.HiddenSize)
	states = append(states, g.Parameter("H0", stateShape).Output(0))
	if cfg.numStates() == 2 {
		states = append(states, g.Parameter("C0", stateShape).Output(0))
	}
	if cfg.WeightsAsInvariantInputs {
		for ii, t := range cfg.WeightTensors() {
			weights = append(weights, g.Parameter(weightNames[ii], t.Shape()).Output(0))
		}
	}
	return
}

// stepBody holds the body nodes of the cell step the fixtures share.
type stepBody struct {
	states  []*ir.Node
	weights []*ir.Node // Weight parameters, if fed from outside.
	cell    *ir.Node
}

// addStates creates the state parameters of the body.
func (cfg LoopConfig) addStates(body *ir.Graph, s *stepBody) {
	stateShape := shapes.Make(dtypes.Float32, cfg.Batch, cfg.HiddenSize)
	s.states = append(s.states, body.Parameter("h", stateShape))
	if cfg.numStates() == 2 {
		s.states = append(s.states, body.Parameter("c", stateShape))
	}
}

// addCell creates the weight parameters or constants and the cell, applied to x.
func (cfg LoopConfig) addCell(body *ir.Graph, s *stepBody, x ir.Value) {
	inputs := []ir.Value{x}
	for _, state := range s.states {
		inputs = append(inputs, state.Output(0))
	}
	for ii, t := range cfg.WeightTensors() {
		var w ir.Value
		if cfg.WeightsAsInvariantInputs {
			param := body.Parameter(weightNames[ii], t.Shape())
			s.weights = append(s.weights, param)
			w = param.Output(0)
		} else {
			w = body.Constant(weightNames[ii], t).Output(0)
		}
		if ii == 0 && cfg.DynamicWeights {
			w = body.Add(w, w).Output(0)
		}
		inputs = append(inputs, w)
	}
	s.cell = body.Cell(cfg.Kind, inputs, cfg.cellConfig())
}

// stateResults adds the results with the new states, and returns their indices.
func (s *stepBody) stateResults(body *ir.Graph) []int {
	var indices []int
	for ii := range s.states {
		indices = append(indices, len(body.Results()))
		body.Result(fmt.Sprintf("state_%d", ii), s.cell.Output(ii))
	}
	return indices
}

// outerResults adds the Y, Ho and, for LSTM, Co results to g.
func outerResults(g *ir.Graph, construct *ir.Node) {
	g.Result("Y", construct.Output(0))
	g.Result("Ho", construct.Output(1))
	if construct.NumOutputs() > 2 {
		g.Result("Co", construct.Output(2))
	}
}

// slicedBody creates the body slicing X one step per iteration, and the matching descriptors.
// firstPort is the outer port of X; the states and weights follow it.
func (cfg LoopConfig) slicedBody(body *ir.Graph, firstPort int) (*ir.Iteration, *stepBody) {
	axis := 1
	if cfg.SeqFirst {
		axis = 0
	}
	stepDims := []int{cfg.Batch, 1, cfg.InputSize}
	if cfg.SeqFirst {
		stepDims = []int{1, cfg.Batch, cfg.InputSize}
	}
	s := &stepBody{}
	xStep := body.Parameter("x_t", shapes.Make(dtypes.Float32, stepDims...))
	cfg.addStates(body, s)
	cfg.addCell(body, s, body.Squeeze(xStep.Output(0), axis).Output(0))
	body.Result("y_t", body.Unsqueeze(s.cell.Output(0), axis).Output(0))
	stateResults := s.stateResults(body)

	it := ir.NewIteration(body)
	params := body.Parameters()
	paramIndex := func(n *ir.Node) int {
		for ii, p := range params {
			if p == n {
				return ii
			}
		}
		panic("unknown body parameter")
	}
	port := firstPort
	it.Inputs = append(it.Inputs, ir.NewSliceInput(port, paramIndex(xStep), axis, cfg.stride()))
	for ii, state := range s.states {
		port++
		it.Inputs = append(it.Inputs, ir.NewMergedInput(port, paramIndex(state), stateResults[ii]))
	}
	for _, w := range s.weights {
		port++
		it.Inputs = append(it.Inputs, ir.NewInvariantInput(port, paramIndex(w)))
	}
	it.Outputs = append(it.Outputs, ir.NewConcatOutput(0, 0, axis, cfg.stride()))
	for ii, result := range stateResults {
		it.Outputs = append(it.Outputs, ir.NewLastOutput(result, ii+1))
	}
	return it, s
}

func (cfg LoopConfig) xDims() []int {
	if cfg.SeqFirst {
		return []int{cfg.SeqLen, cfg.Batch, cfg.InputSize}
	}
	return []int{cfg.Batch, cfg.SeqLen, cfg.InputSize}
}

// TensorIterator returns a graph computing the recurrence with a TensorIterator slicing X.
//
// The graph parameters are X, H0, C0 (LSTM only) and, with WeightsAsInvariantInputs, W, R
// and B. The results are Y (the hidden state of every step, laid out like X), Ho and Co
// (LSTM only).
func TensorIterator(cfg LoopConfig) *ir.Graph {
	g := ir.NewGraph("tensor_iterator")
	x, states, weights := cfg.outerParameters(g, cfg.xDims())
	it, _ := cfg.slicedBody(ir.NewGraph("body"), 0)
	inputs := append(append([]ir.Value{x}, states...), weights...)
	outerResults(g, g.TensorIterator("ti", inputs, it))
	return g
}

// SlicedLoop is TensorIterator, encoded with a Loop with a constant trip count and a
// constant true condition.
func SlicedLoop(cfg LoopConfig) *ir.Graph {
	g := ir.NewGraph("sliced_loop")
	x, states, weights := cfg.outerParameters(g, cfg.xDims())
	body := ir.NewGraph("body")
	body.Parameter("iteration", shapes.Make(dtypes.Int32))
	it, _ := cfg.slicedBody(body, ir.LoopFirstInput)
	it.CurrentIterationParameter = 0
	it.ConditionResult = len(body.Results())
	body.Result("continue", body.Constant("true", tensors.FromAnyValue(true)).Output(0))
	trip := g.Constant("trip_count", tensors.FromAnyValue(int64(cfg.SeqLen))).Output(0)
	cond := g.Constant("execution_condition", tensors.FromAnyValue(true)).Output(0)
	inputs := append(append([]ir.Value{x}, states...), weights...)
	outerResults(g, g.Loop("loop", trip, cond, inputs, it))
	return g
}

// ScatterLoop returns a graph computing the recurrence with a Loop that reads X[T,B,I] with
// Gather at the iteration counter (or SeqLen-1-counter if Reverse), and writes the hidden
// states into a zero-initialized buffer with ScatterUpdate. The body condition is
// counter+1 < SeqLen.
//
// Parameters and results are the ones of TensorIterator, with sequence-first layout.
func ScatterLoop(cfg LoopConfig) *ir.Graph {
	cfg.SeqFirst = true
	g := ir.NewGraph("scatter_loop")
	x, states, weights := cfg.outerParameters(g, cfg.xDims())
	buffer := g.Constant("buffer", tensors.FromFlatDataAndDimensions(
		make([]float32, cfg.SeqLen*cfg.Batch*cfg.HiddenSize), cfg.SeqLen, cfg.Batch, cfg.HiddenSize)).Output(0)
	limit := g.Constant("limit", tensors.FromAnyValue(int32(cfg.SeqLen))).Output(0)

	body := ir.NewGraph("body")
	s := &stepBody{}
	counter := body.Parameter("iteration", shapes.Make(dtypes.Int32))
	xParam := body.Parameter("x", shapes.Make(dtypes.Float32, cfg.xDims()...))
	cfg.addStates(body, s)
	bufferParam := body.Parameter("buffer", shapes.Make(dtypes.Float32, cfg.SeqLen, cfg.Batch, cfg.HiddenSize))
	limitParam := body.Parameter("limit", shapes.Make(dtypes.Int32))
	index := counter.Output(0)
	if cfg.Reverse {
		last := body.Constant("last", tensors.FromAnyValue(int32(cfg.SeqLen-1)))
		index = body.Sub(last.Output(0), index).Output(0)
	}
	cfg.addCell(body, s, body.Gather(xParam.Output(0), index, 0).Output(0))
	updates := body.Unsqueeze(s.cell.Output(0), 0)
	scatter := body.ScatterUpdate(bufferParam.Output(0), body.Unsqueeze(index, 0).Output(0), updates.Output(0), 0)
	body.Result("y", scatter.Output(0))
	stateResults := s.stateResults(body)
	one := body.Constant("one", tensors.FromAnyValue(int32(1)))
	next := body.Add(counter.Output(0), one.Output(0))
	condResult := len(body.Results())
	body.Result("continue", body.Less(next.Output(0), limitParam.Output(0)).Output(0))

	// Body parameters: counter, x, states..., buffer, limit, weights...
	it := ir.NewIteration(body)
	it.CurrentIterationParameter = 0
	it.ConditionResult = condResult
	port := ir.LoopFirstInput
	it.Inputs = append(it.Inputs, ir.NewInvariantInput(port, 1))
	for ii := range s.states {
		port++
		it.Inputs = append(it.Inputs, ir.NewMergedInput(port, 2+ii, stateResults[ii]))
	}
	numStates := len(s.states)
	port++
	it.Inputs = append(it.Inputs, ir.NewMergedInput(port, 2+numStates, 0))
	port++
	it.Inputs = append(it.Inputs, ir.NewInvariantInput(port, 3+numStates))
	for ii := range s.weights {
		port++
		it.Inputs = append(it.Inputs, ir.NewInvariantInput(port, 4+numStates+ii))
	}
	it.Outputs = append(it.Outputs, ir.NewLastOutput(0, 0))
	for ii, result := range stateResults {
		it.Outputs = append(it.Outputs, ir.NewLastOutput(result, ii+1))
	}

	trip := g.Constant("trip_count", tensors.FromAnyValue(int64(cfg.SeqLen))).Output(0)
	cond := g.Constant("execution_condition", tensors.FromAnyValue(true)).Output(0)
	inputs := append([]ir.Value{x}, states...)
	inputs = append(inputs, buffer, limit)
	inputs = append(inputs, weights...)
	outerResults(g, g.Loop("loop", trip, cond, inputs, it))
	return g
}

// CountKinds returns how many live nodes of each kind g has, bodies excluded.
func CountKinds(g *ir.Graph) map[ir.Kind]int {
	counts := make(map[ir.Kind]int)
	for _, n := range g.Nodes() {
		counts[n.Kind()]++
	}
	return counts
}
