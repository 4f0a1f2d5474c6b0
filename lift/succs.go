package lift

import "github.com/mewmew/tracelift/trace"

// AddSuccessors attaches the successor list observed at runtime to each
// block of the module.
//
// Edges referring to blocks not present in the module are skipped; a block
// may have been removed deliberately between recording and lifting.
func AddSuccessors(m *Module, info *trace.Info) {
	nedges, nskip := 0, 0
	for _, edge := range info.Successors.Sorted() {
		pred, ok := m.BlockAt(edge.Key)
		if !ok {
			nskip++
			continue
		}
		succ, ok := m.BlockAt(edge.Val)
		if !ok {
			nskip++
			continue
		}
		if addSucc(pred, BlockTarget(succ.ID)) {
			nedges++
		}
	}
	if nskip > 0 {
		dbg.Printf("skipped %d successor edges of blocks not present in the module", nskip)
	}
	dbg.Printf("added %d successor edges", nedges)
}
