package togomlx

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/shapes"
)

// sliceMap executes the given function sequentially for every element on in, and returns a mapped slice.
func sliceMap[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// gather takes the entries of data at indices along axis. The dimensions of indices take the
// place of axis in the output shape.
func gather(data, indices *Node, axis int) *Node {
	expanded := ExpandAxes(indices, -1)
	if axis == 0 {
		return Gather(data, expanded)
	}
	toFront := []int{axis}
	for ii := range data.Rank() {
		if ii != axis {
			toFront = append(toFront, ii)
		}
	}
	gathered := Gather(TransposeAllAxes(data, toFront...), expanded)

	// gathered is [<indices...>, <data axes before axis...>, <data axes after axis...>].
	numIndexAxes := indices.Rank()
	perm := make([]int, 0, gathered.Rank())
	for ii := range axis {
		perm = append(perm, numIndexAxes+ii)
	}
	for ii := range numIndexAxes {
		perm = append(perm, ii)
	}
	for ii := numIndexAxes + axis; ii < gathered.Rank(); ii++ {
		perm = append(perm, ii)
	}
	return TransposeAllAxes(gathered, perm...)
}

// scatterUpdate overwrites the slice of data at a single index along axis with updates,
// using a Where over an iota mask.
func scatterUpdate(data, indices, updates *Node, axis int) *Node {
	if indices.Shape().Size() != 1 {
		exceptions.Panicf("ScatterUpdate: only a single index is supported, got indices shaped %s", indices.Shape())
	}
	g := data.Graph()
	dims := data.Shape().Dimensions
	index := Reshape(indices)
	positions := Iota(g, shapes.Make(index.DType(), dims...), axis)
	mask := Equal(positions, index)
	updateDims := make([]int, len(dims))
	copy(updateDims, dims)
	updateDims[axis] = 1
	broadcast := BroadcastToDims(Reshape(updates, updateDims...), dims...)
	return Where(mask, broadcast, data)
}

// reverseSequence reverses, for each batch entry b, the first lengths[b] elements of x along seqAxis.
// Lengths are static, so each batch entry is sliced, reversed and concatenated back.
func reverseSequence(x *Node, lengths []int, batchAxis, seqAxis int) *Node {
	seqLen := x.Shape().Dim(seqAxis)
	full := true
	for _, l := range lengths {
		if l != seqLen {
			full = false
			break
		}
	}
	if full {
		return Reverse(x, seqAxis)
	}
	parts := make([]*Node, len(lengths))
	for b, l := range lengths {
		part := SliceAxis(x, batchAxis, AxisRange(b, b+1))
		l = min(max(l, 0), seqLen)
		if l > 1 {
			head := Reverse(SliceAxis(part, seqAxis, AxisRange(0, l)), seqAxis)
			if l < seqLen {
				head = Concatenate([]*Node{head, SliceAxis(part, seqAxis, AxisRange(l, seqLen))}, seqAxis)
			}
			part = head
		}
		parts[b] = part
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return Concatenate(parts, batchAxis)
}

// clip applies the symmetric cell clip, if threshold > 0.
func clip(x *Node, threshold float32) *Node {
	if threshold <= 0 {
		return x
	}
	g := x.Graph()
	return Min(Scalar(g, x.DType(), threshold), Max(x, Scalar(g, x.DType(), -threshold)))
}

// activation returns the GoMLX function for a cell activation name.
func activation(name string) func(x *Node) *Node {
	switch name {
	case "sigmoid":
		return Sigmoid
	case "tanh":
		return Tanh
	case "relu":
		return func(x *Node) *Node { return Max(x, Scalar(x.Graph(), x.DType(), 0)) }
	}
	exceptions.Panicf("unsupported cell activation %q", name)
	panic(nil) // lint.
}
