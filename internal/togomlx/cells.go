package togomlx

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/seqfuse/ir"
)

// cellWeights are the weights of one direction, as used by every step.
type cellWeights struct {
	W, R, B *Node
}

// activations returns the activation functions of the configuration, checking their count.
func activations(kind ir.Kind, cfg ir.CellConfig) []func(*Node) *Node {
	names := cfg.Activations
	if len(names) == 0 {
		names = kind.DefaultActivations()
	}
	if want := len(kind.DefaultActivations()); len(names) != want {
		exceptions.Panicf("%s: expected %d activations, got %q", kind, want, names)
	}
	return sliceMap(names, activation)
}

// linear computes x·Wᵀ, with W shaped [units, features].
func linear(x, w *Node) *Node {
	return MatMul(x, TransposeAllAxes(w, 1, 0))
}

// addBias adds a bias vector [units] to every row of x [batch, units].
func addBias(x, bias *Node) *Node {
	return Add(x, BroadcastToDims(ExpandAxes(bias, 0), x.Shape().Dimensions...))
}

// gate slices the gate-th block of hidden units of x along axis.
func gate(x *Node, axis, gate, hidden int) *Node {
	return SliceAxis(x, axis, AxisRange(gate*hidden, (gate+1)*hidden))
}

// cellStep computes one step of a recurrent cell of the given kind (cell or sequence kind).
// states holds H (and C for LSTM), shaped [batch, hidden]. It returns the new states.
func cellStep(kind ir.Kind, cfg ir.CellConfig, x *Node, states []*Node, w cellWeights) []*Node {
	hidden := cfg.HiddenSize
	acts := activations(kind, cfg)
	switch kind {
	case ir.KindLSTMCell, ir.KindLSTMSequence:
		// Gates order: f, i, c, o.
		h, c := states[0], states[1]
		gates := clip(addBias(Add(linear(x, w.W), linear(h, w.R)), w.B), cfg.Clip)
		f := acts[0](gate(gates, 1, 0, hidden))
		i := acts[0](gate(gates, 1, 1, hidden))
		candidate := acts[1](gate(gates, 1, 2, hidden))
		o := acts[0](gate(gates, 1, 3, hidden))
		newC := Add(Mul(f, c), Mul(i, candidate))
		newH := Mul(o, acts[2](newC))
		return []*Node{newH, newC}

	case ir.KindRNNCell, ir.KindRNNSequence:
		h := states[0]
		return []*Node{acts[0](clip(addBias(Add(linear(x, w.W), linear(h, w.R)), w.B), cfg.Clip))}

	case ir.KindGRUCell, ir.KindGRUSequence:
		// Gates order: z, r, h.
		h := states[0]
		xw := linear(x, w.W)
		rz, rr, rh := gate(w.R, 0, 0, hidden), gate(w.R, 0, 1, hidden), gate(w.R, 0, 2, hidden)
		bz, br, bh := gate(w.B, 0, 0, hidden), gate(w.B, 0, 1, hidden), gate(w.B, 0, 2, hidden)
		z := acts[0](clip(addBias(Add(gate(xw, 1, 0, hidden), linear(h, rz)), bz), cfg.Clip))
		r := acts[0](clip(addBias(Add(gate(xw, 1, 1, hidden), linear(h, rr)), br), cfg.Clip))
		var candidate *Node
		if cfg.LinearBeforeReset {
			// The bias has 4 blocks: z, r, and the input and recurrent parts of h.
			rbh := gate(w.B, 0, 3, hidden)
			candidate = Add(addBias(gate(xw, 1, 2, hidden), bh), Mul(r, addBias(linear(h, rh), rbh)))
		} else {
			candidate = addBias(Add(gate(xw, 1, 2, hidden), linear(Mul(r, h), rh)), bh)
		}
		candidate = acts[1](clip(candidate, cfg.Clip))
		one := Scalar(h.Graph(), h.DType(), 1)
		return []*Node{Add(Mul(Sub(one, z), candidate), Mul(z, h))}
	}
	exceptions.Panicf("cellStep: unsupported kind %s", kind)
	panic(nil) // lint.
}

// convertCell converts a single cell node. Inputs follow the ir.Graph.Cell order.
func convertCell(n *ir.Node, inputs []*Node) []*Node {
	numStates := n.Kind().NumStates()
	wPort := ir.CellWeightsPort(n.Kind())
	w := cellWeights{W: inputs[wPort], R: inputs[wPort+1], B: inputs[wPort+2]}
	return cellStep(n.Kind(), ir.CellConfigOf(n), inputs[ir.CellX], inputs[ir.CellH:ir.CellH+numStates], w)
}
