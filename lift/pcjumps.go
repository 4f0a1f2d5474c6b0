package lift

import (
	"sort"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/types"
	"github.com/mewmew/tracelift/bin"
	"github.com/mewmew/tracelift/trace"
	"github.com/pkg/errors"
)

// Names of the runtime helpers of PC dispatch misses.
const (
	helperPCJumpError      = "helper_pcjump_error"
	helperPCJumpErrorFunc  = "helper_pcjump_error_func"
	helperSpillRegisters   = "helper_spill_registers"
	helperRestoreRegisters = "helper_restore_registers"
	helperFallback         = "helper_fallback"
	helperFallbackExtended = "helper_fallback_extended"
	helperUnfallback       = "helper_unfallback"
)

// InsertPCJumps converts the remaining successor lists into PC dispatch
// switches over the in-function successors, with the fallback block of the
// function as default.
//
// Return blocks keep their return terminator; a block is a return block when
// it is recorded as such in the function log, or when one of its successors
// is a block of another function. Successor lists are cleared once every
// block has been converted.
func InsertPCJumps(m *Module, fi *trace.FuncInfo) error {
	n := 0
	for _, f := range m.liveFuncs() {
		if f.Dispatcher {
			continue
		}
		for _, b := range m.members(f) {
			if len(b.Succs) == 0 || m.isReturnBlock(f, b, fi) {
				continue
			}
			if _, ok := b.Term.(*TermRet); !ok {
				continue
			}
			sw := &TermSwitch{Default: m.fallbackBlock(f).ID}
			seen := make(map[bin.Addr]bool)
			for _, t := range b.Succs {
				if t.Kind != TargetBlock {
					continue
				}
				succ := m.Blocks[t.Block]
				if succ.Func != f.ID || succ.Synthetic || seen[succ.Addr] {
					continue
				}
				seen[succ.Addr] = true
				sw.Cases = append(sw.Cases, &Case{Addr: succ.Addr, Target: succ.ID})
			}
			b.Term = sw
			n++
		}
	}
	for _, f := range m.liveFuncs() {
		for _, b := range m.members(f) {
			if _, ok := b.Term.(*TermRet); ok && len(b.Succs) > 0 && !m.isReturnBlock(f, b, fi) {
				return errors.Errorf("pcjumps: block %v of function %s left with unresolved return", b, f.Name)
			}
		}
	}
	for _, b := range m.liveBlocks() {
		b.Succs = nil
	}
	dbg.Printf("inserted %d PC dispatch switches", n)
	return nil
}

// isReturnBlock reports whether the given block of f returns to its caller.
// Without function recovery, no block returns.
func (m *Module) isReturnBlock(f *Func, b *Block, fi *trace.FuncInfo) bool {
	if !m.cfg.RecoverFunctions || fi == nil {
		return false
	}
	if fi.IsReturn(b.Addr) {
		return true
	}
	for _, t := range b.Succs {
		if t.Kind == TargetBlock && m.Blocks[t.Block].Func != f.ID {
			return true
		}
	}
	return false
}

// fallbackBlock returns the PC dispatch fallback block of the given function,
// creating it on first use.
func (m *Module) fallbackBlock(f *Func) *Block {
	if id, ok := m.fallbacks[f.ID]; ok {
		return m.Blocks[id]
	}
	b := m.newSyntheticBlock(f, "error")
	m.fallbacks[f.ID] = b.ID
	pc := m.loadPC()
	switch m.cfg.Fallback {
	case FallbackNone:
		b.Term = &TermUnreachable{}
	case FallbackError:
		b.Insts = append(b.Insts, pc, ir.NewCall(m.helper(helperPCJumpError, types.Void, m.pcType), pc))
		b.Term = &TermUnreachable{}
	case FallbackError1:
		call := ir.NewCall(m.helper(helperPCJumpErrorFunc, types.Void, m.pcType, m.pcType), pc, m.pcConst(f.Addr))
		b.Insts = append(b.Insts, pc, call)
		b.Term = &TermUnreachable{}
	case FallbackBasic:
		b.Insts = append(b.Insts, pc)
		b.Insts = append(b.Insts, m.spilled(ir.NewCall(m.helper(helperFallback, types.Void, m.pcType), pc))...)
		b.Term = &TermRet{}
	case FallbackExtended:
		b.Insts = append(b.Insts, pc)
		b.Insts = append(b.Insts, m.spilled(ir.NewCall(m.helper(helperFallbackExtended, types.Void, m.pcType), pc))...)
		b.Term = m.jumpTable(f)
	case FallbackUnfallback:
		b.Insts = append(b.Insts, pc, ir.NewCall(m.helper(helperUnfallback, types.Void, m.pcType), pc))
		b.Term = &TermRet{}
	}
	return b
}

// spilled returns the given call surrounded by a register spill and restore.
func (m *Module) spilled(call *ir.InstCall) []ir.Instruction {
	spill := ir.NewCall(m.helper(helperSpillRegisters, types.Void))
	restore := ir.NewCall(m.helper(helperRestoreRegisters, types.Void))
	return []ir.Instruction{spill, call, restore}
}

// jumpTable returns a PC dispatch over the plausible re-entry targets of the
// given function; its non-entry, non-synthetic blocks in ascending order of
// address, up to the configured capacity. Jump table misses are unreachable.
func (m *Module) jumpTable(f *Func) *TermSwitch {
	miss := m.newSyntheticBlock(f, "jump_table_miss")
	sw := &TermSwitch{Default: miss.ID}
	blocks := m.members(f)
	sortByAddr(blocks)
	for _, b := range blocks {
		if b.Synthetic || b.ID == f.Entry {
			continue
		}
		if len(sw.Cases) >= m.cfg.JumpTableCap {
			warn.Printf("jump table of function %s truncated to %d entries", f.Name, m.cfg.JumpTableCap)
			break
		}
		sw.Cases = append(sw.Cases, &Case{Addr: b.Addr, Target: b.ID})
	}
	return sw
}

// EntryPoints returns the entry addresses of the recovered functions, in
// ascending order; the re-entry points of the extended fallback.
func (m *Module) EntryPoints() bin.Addrs {
	var entries bin.Addrs
	for _, f := range m.liveFuncs() {
		if f.Dispatcher || f.Name == wrapperName || f.Entry == NoBlock {
			continue
		}
		entries = append(entries, f.Addr)
	}
	sort.Sort(entries)
	return entries
}
