package ir

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/sets"
)

// String implements fmt.Stringer, and pretty prints the graph, one node per line and bodies
// indented below their iteration construct. The output is deterministic.
func (g *Graph) String() string {
	var buf bytes.Buffer
	g.print(&buf, "")
	return buf.String()
}

func (g *Graph) print(buf *bytes.Buffer, indent string) {
	// w writes lines to buf.
	w := func(format string, args ...any) {
		buf.WriteString(indent)
		if len(args) == 0 {
			buf.WriteString(format)
		} else {
			buf.WriteString(fmt.Sprintf(format, args...))
		}
	}
	kinds := sets.Make[string]()
	for _, n := range g.nodes {
		if n != nil {
			kinds.Insert(n.kind.String())
		}
	}
	w("Graph %q:\n", g.name)
	w("\t# nodes:\t%d\n", g.NumNodes())
	w("\tOp types:\t%v\n", slices.Sorted(maps.Keys(kinds)))
	for _, n := range g.nodes {
		if n == nil {
			continue
		}
		inputs := make([]string, len(n.inputs))
		for ii, v := range n.inputs {
			inputs[ii] = v.String()
		}
		outputs := make([]string, len(n.outputs))
		for ii, shape := range n.outputs {
			outputs[ii] = shape.String()
		}
		w("\t%%%d %s %q(%s) -> [%s]", n.id, n.kind, n.name, strings.Join(inputs, ", "), strings.Join(outputs, ", "))
		for _, name := range n.AttrNames() {
			buf.WriteString(fmt.Sprintf(" %s=%v", name, n.attrs[name]))
		}
		buf.WriteString("\n")
		if it := n.iteration; it != nil {
			for _, d := range it.Inputs {
				w("\t\tin  port %d -> param #%d: %s axis=%d stride=%d part=%d back-edge=#%d\n",
					d.InputIndex, d.BodyParameter, d.Kind, d.Axis, d.Stride, d.PartSize, d.BodyResult)
			}
			for _, d := range it.Outputs {
				w("\t\tout result #%d -> port %d: %s axis=%d stride=%d part=%d iteration=%d\n",
					d.BodyResult, d.OutputIndex, d.Kind, d.Axis, d.Stride, d.PartSize, d.Iteration)
			}
			it.Body.print(buf, indent+"\t\t")
		}
	}
}
