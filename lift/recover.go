package lift

import (
	"sort"

	"github.com/mewmew/tracelift/bin"
	"github.com/mewmew/tracelift/trace"
	"github.com/pkg/errors"
)

// wrapperName is the name of the dispatcher function, or of the merged
// function when function recovery is disabled.
const wrapperName = "Func_wrapper"

// RecoverFunctions partitions the blocks of the module into functions, using
// the function-call log of the trace.
//
// Each block is owned by exactly one function; entry blocks are owned by
// their own function. Successors crossing function boundaries are rewritten
// into function targets when they lead to an entry block, and a dispatcher
// function calling the program entry is added.
func RecoverFunctions(m *Module, fi *trace.FuncInfo) error {
	entries := entryList(fi)
	if len(entries) == 0 {
		return errors.New("recover: no function entries recorded in trace")
	}
	if err := m.checkFuncLog(fi); err != nil {
		return errors.WithStack(err)
	}
	owners := resolveOwners(fi, entries)
	for _, entry := range entries {
		eb, ok := m.BlockAt(entry)
		if !ok {
			if m.removedAddrs[entry] {
				dbg.Printf("skipping function %v; entry block removed", entry)
				continue
			}
			return errors.Errorf("recover: unable to locate entry block of function %v", entry)
		}
		if eb.Func != NoFunc {
			return errors.Errorf("recover: entry block %v already owned by function %s", eb, m.Funcs[eb.Func].Name)
		}
		f := m.newFunc(funcName(entry), entry)
		m.adopt(f, eb)
		for _, pc := range fi.EntryToBlocks[entry].Sorted() {
			if pc == entry || owners[pc] != entry {
				continue
			}
			b, ok := m.BlockAt(pc)
			if !ok {
				if m.removedAddrs[pc] {
					continue
				}
				return errors.Errorf("recover: unable to locate block %v of function %v", pc, entry)
			}
			m.adopt(f, b)
		}
	}
	m.adoptOrphans(fi)
	if err := m.rewriteCrossEdges(); err != nil {
		return errors.WithStack(err)
	}
	if err := m.addDispatcher(fi); err != nil {
		return errors.WithStack(err)
	}
	dbg.Printf("recovered %d functions", len(m.liveFuncs())-1)
	return nil
}

// checkFuncLog verifies that every return block and call follow-up block
// recorded in the function log is present in the module, or was removed by
// an earlier pass.
func (m *Module) checkFuncLog(fi *trace.FuncInfo) error {
	present := func(pc bin.Addr) bool {
		_, ok := m.BlockAt(pc)
		return ok || m.removedAddrs[pc]
	}
	var entries bin.Addrs
	for entry := range fi.EntryToReturns {
		entries = append(entries, entry)
	}
	sort.Sort(entries)
	for _, entry := range entries {
		for _, pc := range fi.EntryToReturns[entry] {
			if !present(pc) {
				return errors.Errorf("recover: unable to locate return block %v of function %v", pc, entry)
			}
		}
	}
	var callers bin.Addrs
	for caller := range fi.CallerToFollowUp {
		callers = append(callers, caller)
	}
	sort.Sort(callers)
	for _, caller := range callers {
		if pc := fi.CallerToFollowUp[caller]; !present(pc) {
			return errors.Errorf("recover: unable to locate follow-up block %v of call site %v", pc, caller)
		}
	}
	return nil
}

// resolveOwners returns a map from block pc to the entry pc of its owning
// function. Entry blocks own themselves; blocks recorded under several
// functions are assigned to the lowest entry.
func resolveOwners(fi *trace.FuncInfo, entries bin.Addrs) map[bin.Addr]bin.Addr {
	isEntry := trace.NewAddrSet(entries...)
	owners := make(map[bin.Addr]bin.Addr)
	for pc, set := range fi.BlockToEntries {
		if isEntry[pc] {
			owners[pc] = pc
			continue
		}
		cands := set.Sorted()
		if len(cands) == 0 {
			continue
		}
		if len(cands) > 1 {
			warn.Printf("block %v owned by %d functions %v; assigning to %v", pc, len(cands), cands, cands[0])
		}
		owners[pc] = cands[0]
	}
	return owners
}

// adoptOrphans assigns blocks without owning function to the function of an
// owned predecessor, until no more blocks can be adopted. Predecessors which
// are not return blocks are preferred, and lower addresses before higher.
// Remaining orphans are unreachable from any function and are removed.
func (m *Module) adoptOrphans(fi *trace.FuncInfo) {
	for {
		preds := m.predecessors()
		adopted := 0
		for _, b := range m.liveBlocks() {
			if b.Func != NoFunc || b.Synthetic {
				continue
			}
			var pred *Block
			for _, p := range preds[b.ID] {
				if p.Func == NoFunc || p.ID == b.ID {
					continue
				}
				if pred == nil || betterPred(fi, p, pred) {
					pred = p
				}
			}
			if pred == nil {
				continue
			}
			f := m.Funcs[pred.Func]
			if m.cfg.DebugLevel >= 2 {
				dbg.Printf("adopting orphan block %v into function %s", b, f.Name)
			}
			m.adopt(f, b)
			adopted++
		}
		if adopted == 0 {
			break
		}
	}
	for _, b := range m.liveBlocks() {
		if b.Func == NoFunc && !b.Synthetic {
			warn.Printf("removing block %v; not reachable from any recovered function", b)
			m.removeBlock(b)
		}
	}
	PruneNullSuccs(m)
}

// betterPred reports whether p is a better adoption candidate than q.
func betterPred(fi *trace.FuncInfo, p, q *Block) bool {
	pr, qr := fi.IsReturn(p.Addr), fi.IsReturn(q.Addr)
	if pr != qr {
		return !pr
	}
	return p.Addr < q.Addr
}

// predecessors returns a map from block ID to the live blocks listing it as
// block successor, in ID order.
func (m *Module) predecessors() map[BlockID][]*Block {
	preds := make(map[BlockID][]*Block)
	for _, b := range m.liveBlocks() {
		for _, t := range b.Succs {
			if t.Kind == TargetBlock {
				preds[t.Block] = append(preds[t.Block], b)
			}
		}
	}
	return preds
}

// rewriteCrossEdges rewrites block successors leading to the entry block of
// another function into function targets. Successors leading to non-entry
// blocks of other functions are kept; they are return edges.
func (m *Module) rewriteCrossEdges() error {
	for _, b := range m.liveBlocks() {
		if b.Func == NoFunc {
			continue
		}
		for i, t := range b.Succs {
			if t.Kind != TargetBlock {
				continue
			}
			succ := m.Blocks[t.Block]
			if succ.Func == NoFunc {
				return errors.Errorf("recover: successor %v of block %v not owned by any function", succ, b)
			}
			if succ.Func == b.Func || !m.isEntry(succ) {
				continue
			}
			b.Succs[i] = FuncTarget(succ.Func)
		}
	}
	return nil
}

// addDispatcher adds the dispatcher function, calling the function of the
// program entry. The first recorded entry is reserved by the tracer; the
// program entry is the second.
func (m *Module) addDispatcher(fi *trace.FuncInfo) error {
	entries := entryList(fi)
	var callee *Func
	if len(entries) >= 2 {
		if f, ok := m.funcAt(entries[1]); ok {
			callee = f
		}
	}
	if callee == nil {
		f, ok := m.funcAt(entries[0])
		if !ok {
			return errors.Errorf("recover: unable to locate program entry function %v", entries[0])
		}
		warn.Printf("no second recorded function entry; dispatcher calls first entry %v", entries[0])
		callee = f
	}
	w := m.newFunc(wrapperName, 0)
	w.Dispatcher = true
	w.Callee = callee.ID
	return nil
}

// funcName returns the address based name of the function at addr.
func funcName(addr bin.Addr) string {
	return "Func_" + addr.Hex()
}
