package lift

import (
	"sort"

	"github.com/mewmew/tracelift/trace"
	"github.com/pkg/errors"
)

// InsertCalls converts call sites into call terminators.
//
// A call site is a non-return block whose successors are function targets.
// A direct call site (one callee) drops its program counter store and calls
// the callee, then continues at the follow-up block of the call site. An
// indirect call site (several callees) dispatches on the program counter to
// one call wrapper block per callee, joining at the follow-up.
func InsertCalls(m *Module, fi *trace.FuncInfo) error {
	ndirect, nindirect := 0, 0
	for _, f := range m.liveFuncs() {
		if f.Dispatcher {
			continue
		}
		for _, b := range m.members(f) {
			if b.Synthetic || len(b.Succs) == 0 || fi.IsReturn(b.Addr) {
				continue
			}
			if _, ok := b.Term.(*TermRet); !ok {
				continue
			}
			callees, err := m.callees(f, b, fi)
			if err != nil {
				return errors.WithStack(err)
			}
			switch len(callees) {
			case 0:
				continue
			case 1:
				ok, err := m.insertDirectCall(f, b, callees[0], fi)
				if err != nil {
					return errors.WithStack(err)
				}
				if ok {
					ndirect++
				}
			default:
				ok, err := m.insertIndirectCall(f, b, callees, fi)
				if err != nil {
					return errors.WithStack(err)
				}
				if ok {
					nindirect++
				}
			}
		}
	}
	dbg.Printf("inserted %d direct and %d indirect calls", ndirect, nindirect)
	return nil
}

// callees returns the functions called by the given block, in ascending
// order of entry address; or nil if the block is not a call site.
//
// A successor leading to the entry of the block's own function is a
// recursive call when the block is a recorded call site of the function, and
// a loop otherwise.
func (m *Module) callees(f *Func, b *Block, fi *trace.FuncInfo) ([]FuncID, error) {
	isCall := func(t Target) (FuncID, bool) {
		switch t.Kind {
		case TargetFunc:
			return t.Func, true
		case TargetBlock:
			if t.Block == f.Entry && fi.IsCaller(f.Addr, b.Addr) {
				return f.ID, true
			}
		}
		return NoFunc, false
	}
	if _, ok := isCall(b.Succs[0]); !ok {
		return nil, nil
	}
	var callees []FuncID
	for _, t := range b.Succs {
		callee, ok := isCall(t)
		if !ok {
			if t.Kind == TargetBlock && m.Blocks[t.Block].Func == f.ID {
				return nil, errors.Errorf("calls: call site %v has both call and local successors (%s)", b, m.targetName(t))
			}
			warn.Printf("call site %v has successor %s in another function; ignoring", b, m.targetName(t))
			continue
		}
		if !containsFunc(callees, callee) {
			callees = append(callees, callee)
		}
	}
	sort.Slice(callees, func(i, j int) bool {
		return m.Funcs[callees[i]].Addr < m.Funcs[callees[j]].Addr
	})
	return callees, nil
}

// insertDirectCall converts the given call site into a call of callee. It
// reports whether the call was inserted.
func (m *Module) insertDirectCall(f *Func, b *Block, callee FuncID, fi *trace.FuncInfo) (bool, error) {
	i := m.lastPCStore(b)
	if i == -1 {
		warn.Printf("unable to locate PC store of call site %v; leaving it to PC dispatch", b)
		return false, nil
	}
	removeInst(b, i)
	if !fi.IsCallSite(b.Addr) {
		b.Term = &TermCall{Callee: callee, Next: NoBlock, Tail: true}
		b.Succs = nil
		return true, nil
	}
	next, err := m.followUp(f, b, fi)
	if err != nil {
		return false, errors.WithStack(err)
	}
	b.Term = &TermCall{Callee: callee, Next: NoBlock}
	b.Succs = nil
	if next != nil {
		b.Term = &TermCall{Callee: callee, Next: next.ID}
		b.Succs = []Target{BlockTarget(next.ID)}
	}
	return true, nil
}

// insertIndirectCall converts the given call site into a PC dispatch of call
// wrapper blocks, one per callee. It reports whether the call was inserted.
func (m *Module) insertIndirectCall(f *Func, b *Block, callees []FuncID, fi *trace.FuncInfo) (bool, error) {
	if m.lastPCStore(b) == -1 {
		warn.Printf("unable to locate PC store of indirect call site %v; leaving it to PC dispatch", b)
		return false, nil
	}
	join := m.newSyntheticBlock(f, "join")
	if !fi.IsCallSite(b.Addr) {
		join.Term = &TermRet{}
	} else {
		next, err := m.followUp(f, b, fi)
		if err != nil {
			return false, errors.WithStack(err)
		}
		if next != nil {
			join.Insts = append(join.Insts, m.storePC(m.firstPC(next)))
			join.Term = &TermBr{Target: next.ID}
			join.Succs = []Target{BlockTarget(next.ID)}
		}
	}
	sw := &TermSwitch{Default: m.fallbackBlock(f).ID}
	var succs []Target
	for _, callee := range callees {
		w := m.newSyntheticBlock(f, "call")
		w.Term = &TermCall{Callee: callee, Next: join.ID}
		w.Succs = []Target{BlockTarget(join.ID)}
		sw.Cases = append(sw.Cases, &Case{Addr: m.Funcs[callee].Addr, Target: w.ID})
		succs = append(succs, BlockTarget(w.ID))
	}
	b.Term = sw
	b.Succs = succs
	return true, nil
}

// followUp returns the follow-up block of the given call site, or nil if the
// call was not observed to return.
func (m *Module) followUp(f *Func, b *Block, fi *trace.FuncInfo) (*Block, error) {
	pc, ok := fi.FollowUp(b.Addr)
	if !ok {
		return nil, nil
	}
	next, ok := m.BlockAt(pc)
	if !ok {
		return nil, errors.Errorf("calls: unable to locate follow-up block %v of call site %v", pc, b)
	}
	if next.Func != f.ID {
		return nil, errors.Errorf("calls: follow-up block %v of call site %v belongs to function %s; expected %s", next, b, m.funcName(next.Func), f.Name)
	}
	return next, nil
}

// funcName returns the name of the given function.
func (m *Module) funcName(id FuncID) string {
	if id == NoFunc {
		return "<none>"
	}
	return m.Funcs[id].Name
}

// containsFunc reports whether the given list contains id.
func containsFunc(ids []FuncID, id FuncID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
