package ir

import (
	"bytes"
	"reflect"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// TensorToInts converts the values of an integer (or any convertible) tensor to ints.
func TensorToInts(t *tensors.Tensor) []int {
	res := make([]int, t.Size())
	intType := reflect.TypeOf(int(0))
	t.ConstFlatData(func(flat any) {
		valueOf := reflect.ValueOf(flat)
		for ii := range valueOf.Len() {
			res[ii] = valueOf.Index(ii).Convert(intType).Interface().(int)
		}
	})
	return res
}

// TensorsEqual returns whether a and b have the same shape and the same bytes.
func TensorsEqual(a, b *tensors.Tensor) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil || !a.Shape().Equal(b.Shape()) {
		return false
	}
	var equal bool
	a.ConstBytes(func(dataA []byte) {
		b.ConstBytes(func(dataB []byte) {
			equal = bytes.Equal(dataA, dataB)
		})
	})
	return equal
}

// ConstantTensor returns the payload of v if it's produced by a Constant, or nil otherwise.
func (g *Graph) ConstantTensor(v Value) *tensors.Tensor {
	n := g.Producer(v)
	if n == nil || n.kind != KindConstant {
		return nil
	}
	return n.tensor
}

// ConstantInts returns the values of v as ints if it's produced by an integer Constant.
func (g *Graph) ConstantInts(v Value) (values []int, ok bool) {
	t := g.ConstantTensor(v)
	if t == nil || !t.DType().IsInt() {
		return nil, false
	}
	return TensorToInts(t), true
}

// ConstantBool returns the value of v if it's produced by a boolean scalar Constant.
func (g *Graph) ConstantBool(v Value) (value, ok bool) {
	t := g.ConstantTensor(v)
	if t == nil || t.DType() != dtypes.Bool || t.Size() != 1 {
		return false, false
	}
	t.ConstFlatData(func(flat any) { value = flat.([]bool)[0] })
	return value, true
}

// SameValueOrEqualConstants returns whether a and b are the same value, or both are constants
// with identical contents.
func (g *Graph) SameValueOrEqualConstants(a, b Value) bool {
	if a == b {
		return true
	}
	ta, tb := g.ConstantTensor(a), g.ConstantTensor(b)
	return ta != nil && tb != nil && TensorsEqual(ta, tb)
}
