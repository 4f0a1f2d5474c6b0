package lift

import (
	"sort"

	"github.com/mewmew/tracelift/bin"
)

// ResolveOverlaps deduplicates machine code translated more than once.
//
// Translation blocks entered at different addresses may end at the same
// instruction; within a function, such blocks are sorted by start address and
// each block is cut at the start of the next, branching to it. A block ending
// at the start of an exception-raising successor is cut likewise, and the
// raise is removed from the successor. Each block ends at a single pc and
// so belongs to at most one group. It returns the number of merged pairs.
func ResolveOverlaps(m *Module) int {
	n := 0
	for _, f := range m.liveFuncs() {
		if f.Dispatcher {
			continue
		}
		groups := make(map[bin.Addr][]*Block)
		for _, b := range m.members(f) {
			if b.Synthetic || len(b.Extern) != 0 {
				continue
			}
			groups[b.LastPC] = append(groups[b.LastPC], b)
		}
		var lastPCs bin.Addrs
		for pc, g := range groups {
			if len(g) >= 2 {
				lastPCs = append(lastPCs, pc)
			}
		}
		sort.Sort(lastPCs)
		for _, pc := range lastPCs {
			g := groups[pc]
			sortByAddr(g)
			for i := 0; i+1 < len(g); i++ {
				if m.splitOverlap(g[i], g[i+1]) {
					n++
				}
			}
		}
		n += m.resolveExceptionOverlaps(f)
	}
	if n > 0 {
		dbg.Printf("resolved %d overlapping blocks", n)
	}
	return n
}

// splitOverlap cuts block a at the start of block b, both ending at the same
// instruction, and branches from a to b. It reports whether the blocks were
// merged.
func (m *Module) splitOverlap(a, b *Block) bool {
	idxs, pcs := m.markers(a)
	k := -1
	for i, pc := range pcs {
		if pc == b.Addr {
			k = i
			break
		}
	}
	if k == -1 {
		warn.Printf("blocks %v and %v end at %v, but %v is not an instruction boundary of %v; leaving both blocks intact", a, b, a.LastPC, b.Addr, a)
		return false
	}
	m.cutBefore(a, idxs, pcs, k)
	a.Term = &TermBr{Target: b.ID}
	for _, t := range a.Succs {
		if t != BlockTarget(b.ID) {
			addSucc(b, t)
		}
	}
	a.Succs = []Target{BlockTarget(b.ID)}
	a.Merged = true
	b.Merged = true
	return true
}

// resolveExceptionOverlaps deduplicates blocks of the given function ending
// at the first instruction of a successor which raises a guest exception
// before that instruction completes.
func (m *Module) resolveExceptionOverlaps(f *Func) int {
	n := 0
	for _, a := range m.members(f) {
		if a.Synthetic || a.Merged || len(a.Extern) != 0 {
			continue
		}
		for _, b := range m.succBlocks(a) {
			if b.ID == a.ID || b.Func != a.Func || b.Addr != a.LastPC || b.Addr == a.Addr {
				continue
			}
			raise := m.raiseInPrologue(b)
			if raise == -1 {
				continue
			}
			idxs, pcs := m.markers(a)
			k := len(pcs) - 1
			if k < 1 || pcs[k] != a.LastPC {
				continue
			}
			m.cutBefore(a, idxs, pcs, k)
			removeInst(b, raise)
			a.Term = &TermBr{Target: b.ID}
			for _, t := range a.Succs {
				if t != BlockTarget(b.ID) {
					addSucc(b, t)
				}
			}
			a.Succs = []Target{BlockTarget(b.ID)}
			a.Merged = true
			b.Merged = true
			n++
			break
		}
	}
	return n
}

// raiseInPrologue returns the index of the exception-raising call within the
// first instruction of the given block, or -1 if not present.
func (m *Module) raiseInPrologue(b *Block) int {
	idxs, _ := m.markers(b)
	if len(idxs) == 0 {
		return -1
	}
	end := len(b.Insts)
	if len(idxs) > 1 {
		end = idxs[1]
	}
	for i := idxs[0]; i < end; i++ {
		if isCallTo(b.Insts[i], m.cfg.RaiseException) {
			return i
		}
	}
	return -1
}

// cutBefore truncates the block before its k:th instruction, given the
// instruction marker indices and pcs of the block.
func (m *Module) cutBefore(b *Block, idxs []int, pcs []bin.Addr, k int) {
	b.Insts = b.Insts[:idxs[k]:idxs[k]]
	if k > 0 {
		b.LastPC = pcs[k-1]
	} else {
		b.LastPC = b.Addr
	}
}
