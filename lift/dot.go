package lift

import (
	"fmt"
	"io"

	"github.com/dominikbraun/graph"
	"github.com/dominikbraun/graph/draw"
	"github.com/pkg/errors"
)

// WriteDOT writes the control flow graph of the working module in Graphviz
// DOT format to w. Nodes are blocks; edges are the control transfers of
// block terminators and pending successors.
func WriteDOT(w io.Writer, m *Module) error {
	g := graph.New(graph.StringHash, graph.Directed())
	for _, b := range m.liveBlocks() {
		label := b.Name
		if b.Func != NoFunc {
			label = fmt.Sprintf("%s\\n%s", m.Funcs[b.Func].Name, b.Name)
		}
		attrs := map[string]string{"label": label, "shape": "box"}
		switch {
		case len(b.Tag) != 0:
			attrs["label"] += fmt.Sprintf("\\n[%s]", b.Tag)
			attrs["style"] = "filled"
			attrs["fillcolor"] = "lightblue"
		case b.Merged:
			attrs["style"] = "filled"
			attrs["fillcolor"] = "orange"
		case b.Synthetic:
			attrs["style"] = "dashed"
		}
		if err := g.AddVertex(b.Name, graph.VertexAttributes(attrs)); err != nil {
			return errors.WithStack(err)
		}
	}
	addEdge := func(from *Block, to BlockID, label string) error {
		succ := m.Blocks[to]
		if succ.Removed {
			return nil
		}
		var opts []func(*graph.EdgeProperties)
		if len(label) != 0 {
			opts = append(opts, graph.EdgeAttribute("label", label))
		}
		if err := g.AddEdge(from.Name, succ.Name, opts...); err != nil && !errors.Is(err, graph.ErrEdgeAlreadyExists) {
			return errors.WithStack(err)
		}
		return nil
	}
	for _, b := range m.liveBlocks() {
		var err error
		switch term := b.Term.(type) {
		case *TermBr:
			err = addEdge(b, term.Target, "")
		case *TermCall:
			if term.Next != NoBlock {
				err = addEdge(b, term.Next, "call "+m.Funcs[term.Callee].Name)
			}
		case *TermSwitch:
			for _, c := range term.Cases {
				if err = addEdge(b, c.Target, c.Addr.String()); err != nil {
					break
				}
			}
			if err == nil {
				err = addEdge(b, term.Default, "default")
			}
		}
		if err != nil {
			return errors.WithStack(err)
		}
		for _, t := range b.Succs {
			if t.Kind != TargetBlock {
				continue
			}
			if err := addEdge(b, t.Block, ""); err != nil {
				return errors.WithStack(err)
			}
		}
	}
	if err := draw.DOT(g, w, draw.GraphAttribute("label", "control flow graph")); err != nil {
		return errors.WithStack(err)
	}
	return nil
}
