package ir

import (
	"maps"
	"slices"

	"github.com/gomlx/exceptions"
)

// Attribute names used by the builders.
const (
	AttrAxes              = "axes"
	AttrAxis              = "axis"
	AttrShape             = "shape"
	AttrPerm              = "perm"
	AttrStart             = "start"
	AttrEnd               = "end"
	AttrBatchAxis         = "batch_axis"
	AttrSeqAxis           = "seq_axis"
	AttrHiddenSize        = "hidden_size"
	AttrActivations       = "activations"
	AttrActivationsAlpha  = "activations_alpha"
	AttrActivationsBeta   = "activations_beta"
	AttrClip              = "clip"
	AttrLinearBeforeReset = "linear_before_reset"
	AttrDirection         = "direction"
	AttrNumIterations     = "num_iterations"
)

// Attr returns the raw attribute value and whether it is set.
func (n *Node) Attr(name string) (value any, found bool) {
	value, found = n.attrs[name]
	return
}

// AttrNames returns the names of the attributes set, sorted.
func (n *Node) AttrNames() []string {
	return slices.Sorted(maps.Keys(n.attrs))
}

// SetAttr sets an attribute of n. Within a transaction the previous value is journaled.
func (n *Node) SetAttr(name string, value any) {
	g := n.graph
	if g.tx != nil {
		old, had := n.attrs[name]
		g.tx.edits = append(g.tx.edits, edit{node: n.id, input: -1, attr: name, attrValue: old, hadAttr: had})
	}
	n.attrs[name] = value
}

// attrAs returns the attribute converted to T, or defaultValue if it is not set.
// It panics if the attribute is set with a different type.
func attrAs[T any](n *Node, name string, defaultValue T) T {
	raw, found := n.attrs[name]
	if !found {
		return defaultValue
	}
	value, ok := raw.(T)
	if !ok {
		exceptions.Panicf("attribute %q of node %s has type %T, wanted %T", name, n, raw, defaultValue)
	}
	return value
}

// IntAttrOr returns the int attribute name, or defaultValue if it is not set.
func (n *Node) IntAttrOr(name string, defaultValue int) int {
	return attrAs(n, name, defaultValue)
}

// IntsAttrOr returns the []int attribute name, or defaultValue if it is not set.
func (n *Node) IntsAttrOr(name string, defaultValue []int) []int {
	return attrAs(n, name, defaultValue)
}

// FloatAttrOr returns the float32 attribute name, or defaultValue if it is not set.
func (n *Node) FloatAttrOr(name string, defaultValue float32) float32 {
	return attrAs(n, name, defaultValue)
}

// FloatsAttrOr returns the []float32 attribute name, or defaultValue if it is not set.
func (n *Node) FloatsAttrOr(name string, defaultValue []float32) []float32 {
	return attrAs(n, name, defaultValue)
}

// StringsAttrOr returns the []string attribute name, or defaultValue if it is not set.
func (n *Node) StringsAttrOr(name string, defaultValue []string) []string {
	return attrAs(n, name, defaultValue)
}

// BoolAttrOr returns the bool attribute name, or defaultValue if it is not set.
func (n *Node) BoolAttrOr(name string, defaultValue bool) bool {
	return attrAs(n, name, defaultValue)
}

// Direction returns the direction of a sequence operator.
func (n *Node) Direction() Direction {
	if !n.kind.IsSequence() {
		exceptions.Panicf("Direction() called on non-sequence node %s", n)
	}
	return attrAs(n, AttrDirection, Forward)
}

// CellConfig holds the attributes shared by cells and sequence operators.
type CellConfig struct {
	HiddenSize       int
	Activations      []string
	ActivationsAlpha []float32
	ActivationsBeta  []float32
	// Clip is the cell clip threshold; 0 disables clipping.
	Clip float32
	// LinearBeforeReset is only used by GRU.
	LinearBeforeReset bool
}

// Equal compares all the fields of the configurations.
func (c CellConfig) Equal(o CellConfig) bool {
	return c.HiddenSize == o.HiddenSize &&
		slices.Equal(c.Activations, o.Activations) &&
		slices.Equal(c.ActivationsAlpha, o.ActivationsAlpha) &&
		slices.Equal(c.ActivationsBeta, o.ActivationsBeta) &&
		c.Clip == o.Clip &&
		c.LinearBeforeReset == o.LinearBeforeReset
}

func (c CellConfig) attrs(kind Kind) map[string]any {
	activations := c.Activations
	if len(activations) == 0 {
		activations = kind.DefaultActivations()
	}
	attrs := map[string]any{
		AttrHiddenSize:       c.HiddenSize,
		AttrActivations:      slices.Clone(activations),
		AttrActivationsAlpha: slices.Clone(c.ActivationsAlpha),
		AttrActivationsBeta:  slices.Clone(c.ActivationsBeta),
		AttrClip:             c.Clip,
	}
	if kind == KindGRUCell || kind == KindGRUSequence {
		attrs[AttrLinearBeforeReset] = c.LinearBeforeReset
	}
	return attrs
}

// CellConfigOf reads the configuration of a cell or sequence node.
func CellConfigOf(n *Node) CellConfig {
	if !n.kind.IsCell() && !n.kind.IsSequence() {
		exceptions.Panicf("CellConfigOf called on node %s, which is neither a cell nor a sequence", n)
	}
	return CellConfig{
		HiddenSize:        n.IntAttrOr(AttrHiddenSize, 0),
		Activations:       slices.Clone(n.StringsAttrOr(AttrActivations, n.kind.DefaultActivations())),
		ActivationsAlpha:  slices.Clone(n.FloatsAttrOr(AttrActivationsAlpha, nil)),
		ActivationsBeta:   slices.Clone(n.FloatsAttrOr(AttrActivationsBeta, nil)),
		Clip:              n.FloatAttrOr(AttrClip, 0),
		LinearBeforeReset: n.BoolAttrOr(AttrLinearBeforeReset, false),
	}
}
