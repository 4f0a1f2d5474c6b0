package lift

import "github.com/pkg/errors"

// MergeFunctions places every block of the module into a single function,
// entered at the root block; the one block never referenced as successor of
// another block. Function successors are redirected to the entry block of
// the function.
func MergeFunctions(m *Module) (*Func, error) {
	var blocks []*Block
	for _, b := range m.liveBlocks() {
		if !b.Synthetic {
			blocks = append(blocks, b)
		}
	}
	if len(blocks) == 0 {
		return nil, errors.New("merge: no blocks in module")
	}
	sortByAddr(blocks)
	referenced := make(map[BlockID]bool)
	for _, b := range blocks {
		for _, t := range b.Succs {
			if t.Kind == TargetBlock && t.Block != b.ID {
				referenced[t.Block] = true
			}
		}
	}
	var roots []*Block
	for _, b := range blocks {
		if !referenced[b.ID] {
			roots = append(roots, b)
		}
	}
	switch len(roots) {
	case 0:
		return nil, errors.New("merge: unable to locate root block; every block is the successor of another block")
	case 1:
		// unique root.
	default:
		warn.Printf("%d candidate root blocks; using %v", len(roots), roots[0])
	}
	root := roots[0]
	w := m.newFunc(wrapperName, root.Addr)
	m.adopt(w, root)
	for _, b := range blocks {
		if b.ID != root.ID {
			m.adopt(w, b)
		}
	}
	for _, b := range blocks {
		for i, t := range b.Succs {
			if t.Kind == TargetFunc {
				b.Succs[i] = BlockTarget(m.Funcs[t.Func].Entry)
			}
		}
	}
	dbg.Printf("merged %d blocks into %s, entered at %v", len(blocks), w.Name, root)
	return w, nil
}
