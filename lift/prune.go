package lift

import (
	"github.com/llir/llvm/ir"
	"github.com/mewmew/tracelift/bin"
	"github.com/pkg/errors"
)

// PruneNullSuccs removes successors referring to removed blocks or functions,
// and duplicate successors, from every block. It returns the number of
// successors removed.
func PruneNullSuccs(m *Module) int {
	n := 0
	for _, b := range m.liveBlocks() {
		var succs []Target
		for _, t := range b.Succs {
			if !m.validTarget(t) || hasTarget(succs, t) {
				n++
				continue
			}
			succs = append(succs, t)
		}
		b.Succs = succs
	}
	if n > 0 {
		dbg.Printf("pruned %d null successors", n)
	}
	return n
}

// PruneConstantPCSuccs limits the successors of returning blocks which store
// a constant to the program counter to the block at that constant.
func PruneConstantPCSuccs(m *Module) error {
	n := 0
	for _, b := range m.liveBlocks() {
		if len(b.Succs) < 2 {
			continue
		}
		if _, ok := b.Term.(*TermRet); !ok {
			continue
		}
		pc, ok := m.constPCStore(b)
		if !ok {
			continue
		}
		t, ok := m.targetAt(b.Succs, pc)
		if !ok {
			return errors.Errorf("prune: block %v stores constant PC %v, but no successor starts at %v; the instrumentation likely failed to record the edge (is successor tracing enabled?)", b, pc, pc)
		}
		b.Succs = []Target{t}
		n++
	}
	if n > 0 {
		dbg.Printf("pruned successors of %d blocks with constant PC stores", n)
	}
	return nil
}

// validTarget reports whether the given successor target refers to a block
// or function present in the module.
func (m *Module) validTarget(t Target) bool {
	switch t.Kind {
	case TargetBlock:
		return t.Block >= 0 && int(t.Block) < len(m.Blocks) && !m.Blocks[t.Block].Removed
	case TargetFunc:
		return t.Func >= 0 && int(t.Func) < len(m.Funcs) && !m.Funcs[t.Func].Removed
	}
	return false
}

// targetAt returns the successor target starting at the given address.
func (m *Module) targetAt(succs []Target, pc bin.Addr) (Target, bool) {
	for _, t := range succs {
		switch t.Kind {
		case TargetBlock:
			if b := m.Blocks[t.Block]; !b.Synthetic && b.Addr == pc {
				return t, true
			}
		case TargetFunc:
			if m.Funcs[t.Func].Addr == pc {
				return t, true
			}
		}
	}
	return Target{}, false
}

// removeInst removes the i:th instruction of the given block.
func removeInst(b *Block, i int) ir.Instruction {
	inst := b.Insts[i]
	b.Insts = append(b.Insts[:i:i], b.Insts[i+1:]...)
	return inst
}

// ### [ Helper functions ] ####################################################

// hasTarget reports whether the given successor list contains t.
func hasTarget(succs []Target, t Target) bool {
	for _, s := range succs {
		if s == t {
			return true
		}
	}
	return false
}
