package lift

import (
	"github.com/mewmew/tracelift/bin"
	"github.com/mewmew/tracelift/trace"
)

// ReparentTailCalls moves blocks reachable from a function entry without
// crossing another function entry or a return block of that function into
// the function.
//
// Tail jumps are recorded under the jumped-to function, which leaves the
// remaining blocks of the tail-calling function attributed to the callee.
// The successor graph is traversed depth-first from each entry; the
// traversal also continues from a call site to its follow-up block. A
// reached block ends up owned by the traversal origin alone; a block reached
// from several entries goes to the first of them, in entry order. It returns
// the number of reparented blocks.
func ReparentTailCalls(m *Module, fi *trace.FuncInfo, info *trace.Info) int {
	adj := make(map[bin.Addr]bin.Addrs)
	for _, edge := range info.Successors.Sorted() {
		adj[edge.Key] = append(adj[edge.Key], edge.Val)
	}
	type item struct {
		pc    bin.Addr
		depth int
	}
	entries := entryList(fi)
	isEntry := trace.NewAddrSet(entries...)
	// Maps from reached block pc to the traversal origin claiming it.
	claimed := make(map[bin.Addr]bin.Addr)
	n := 0
	for _, entry := range entries {
		visited := map[bin.Addr]bool{entry: true}
		stack := []item{{pc: entry}}
		for len(stack) > 0 {
			it := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			b, ok := m.BlockAt(it.pc)
			if !ok {
				continue
			}
			if it.pc != entry {
				if len(b.Extern) != 0 {
					continue
				}
				if origin, ok := claimed[it.pc]; ok && origin != entry {
					if m.cfg.DebugLevel >= 2 {
						dbg.Printf("block %v reached from functions %v and %v; keeping %v", b, origin, entry, origin)
					}
					continue
				}
				claimed[it.pc] = entry
				if owners := fi.Owners(it.pc); len(owners) != 1 || owners[0] != entry {
					if m.cfg.DebugLevel >= 2 {
						dbg.Printf("reparenting block %v from %v to function %v", b, owners, entry)
					}
					fi.Reparent(it.pc, entry)
					n++
				}
			}
			if fi.IsReturnOf(entry, it.pc) {
				continue
			}
			if it.depth >= m.cfg.MaxTailDepth {
				warn.Printf("tail-call traversal of function %v reached depth limit %d at %v", entry, m.cfg.MaxTailDepth, it.pc)
				continue
			}
			next := append(bin.Addrs(nil), adj[it.pc]...)
			if pc, ok := fi.FollowUp(it.pc); ok {
				next = append(next, pc)
			}
			// Push in reverse to visit successors in ascending order.
			for i := len(next) - 1; i >= 0; i-- {
				pc := next[i]
				if visited[pc] || isEntry[pc] {
					continue
				}
				visited[pc] = true
				stack = append(stack, item{pc: pc, depth: it.depth + 1})
			}
		}
	}
	if n > 0 {
		dbg.Printf("reparented %d tail blocks", n)
	}
	return n
}

// entryList returns the function entries of the trace; the recorded entries
// in order of first execution, followed by entries only known from the
// function membership log in ascending order.
func entryList(fi *trace.FuncInfo) bin.Addrs {
	entries := append(bin.Addrs(nil), fi.EntryPCs...)
	extra := make(trace.AddrSet)
	for entry := range fi.EntryToBlocks {
		if !fi.IsEntry(entry) {
			extra[entry] = true
		}
	}
	return append(entries, extra.Sorted()...)
}
