package lift

import (
	"sort"

	"github.com/mewmew/tracelift/bin"
	"github.com/mewmew/tracelift/disasm/x86"
	"github.com/pkg/errors"
)

// AnnotateSymbols marks blocks starting at the address of an external symbol
// and removes the lazy-binding machinery of their PLT entries.
//
// A symbol is external when the signature table describes it, when it names a
// non-local jump routine, or when its block is laid out as a PLT entry. Other
// symbols name functions of the program itself and are only used for naming.
//
// On first use, a PLT entry jumps to its own fallthrough (PUSH relocation
// index), which in turn jumps to PLT0 and the dynamic linker resolver. The
// fallthrough and PLT0 blocks are removed, and the successors of PLT0 are
// spliced onto the PLT entry.
func AnnotateSymbols(m *Module, syms bin.Symbols, sigs bin.Signatures) error {
	stubSize, err := m.cfg.stubSize()
	if err != nil {
		return errors.WithStack(err)
	}
	n := 0
	for _, sym := range syms {
		b, ok := m.BlockAt(sym.Addr)
		if !ok || len(b.Extern) != 0 {
			continue
		}
		if !m.isExternSym(b, sym.Name, sigs, bin.Addr(stubSize)) {
			if m.cfg.DebugLevel >= 2 {
				dbg.Printf("symbol %q at %v is not external", sym.Name, sym.Addr)
			}
			continue
		}
		b.Extern = sym.Name
		n++
	}
	dbg.Printf("annotated %d blocks with external symbols", n)
	if n == 0 {
		return nil
	}
	dbg.Printf("PLT stub layout: %s", x86.StubLayout(m.cfg.Arch.AddrSize))
	remove := make(map[BlockID]bool)
	for _, b := range m.liveBlocks() {
		if len(b.Extern) == 0 {
			continue
		}
		fallthru, ok := m.pltFallthrough(b, bin.Addr(stubSize))
		if !ok {
			continue
		}
		plt0, ok := m.pltResolver(fallthru)
		if !ok {
			warn.Printf("PLT fallthrough %v of %q has %d successors; expected exactly one (PLT0)", fallthru, b.Extern, len(fallthru.Succs))
			continue
		}
		var succs []Target
		for _, t := range b.Succs {
			if t != BlockTarget(fallthru.ID) {
				succs = append(succs, t)
			}
		}
		for _, t := range plt0.Succs {
			if t == BlockTarget(b.ID) || t == BlockTarget(fallthru.ID) || t == BlockTarget(plt0.ID) {
				continue
			}
			if !hasTarget(succs, t) {
				succs = append(succs, t)
			}
		}
		b.Succs = succs
		remove[fallthru.ID] = true
		remove[plt0.ID] = true
	}
	var ids []BlockID
	for id := range remove {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i] < ids[j]
	})
	for _, id := range ids {
		b := m.Blocks[id]
		if len(b.Extern) != 0 {
			// PLT entries themselves are never part of the lazy-binding path.
			continue
		}
		dbg.Printf("removing PLT block %v", b)
		m.removeBlock(b)
	}
	return nil
}

// isExternSym reports whether the symbol of the given name at the start of b
// is an external library routine.
func (m *Module) isExternSym(b *Block, name string, sigs bin.Signatures, stubSize bin.Addr) bool {
	if _, ok := sigs[name]; ok {
		return true
	}
	if _, ok := jmpFuncs[name]; ok {
		return true
	}
	return m.isPLTEntry(b, stubSize)
}

// isPLTEntry reports whether b is a PLT entry; a single jump stub instruction
// followed by a lazy-binding fallthrough to PLT0.
func (m *Module) isPLTEntry(b *Block, stubSize bin.Addr) bool {
	if _, pcs := m.markers(b); len(pcs) != 1 {
		return false
	}
	fallthru, ok := m.pltFallthrough(b, stubSize)
	if !ok {
		return false
	}
	_, ok = m.pltResolver(fallthru)
	return ok
}

// pltFallthrough returns the lazy-binding fallthrough successor of the given
// PLT entry.
func (m *Module) pltFallthrough(b *Block, stubSize bin.Addr) (*Block, bool) {
	for _, succ := range m.succBlocks(b) {
		if !succ.Removed && succ.Addr == b.Addr+stubSize {
			return succ, true
		}
	}
	return nil, false
}

// pltResolver returns the PLT0 block jumped to by the given PLT fallthrough.
func (m *Module) pltResolver(fallthru *Block) (*Block, bool) {
	succs := m.succBlocks(fallthru)
	if len(succs) != 1 || succs[0].Removed {
		return nil, false
	}
	return succs[0], true
}
