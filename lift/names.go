package lift

import (
	"sort"

	"github.com/mewmew/tracelift/bin"
)

// Finalize assigns the final names of recovered functions and strips the
// instruction-start markers from the block bodies, unless debugging.
//
// A function is named "Func_<symbol>" after the symbol at its entry address
// when the symbol is a valid identifier not already in use, and
// "Func_<hex addr>" otherwise.
func Finalize(m *Module, syms bin.Symbols) {
	used := make(map[string]bool)
	for _, f := range m.ll.Funcs {
		if !m.tbFuncs[f] {
			used[f.Name()] = true
		}
	}
	var funcs []*Func
	for _, f := range m.liveFuncs() {
		if f.Dispatcher || f.Name == wrapperName {
			used[f.Name] = true
			continue
		}
		funcs = append(funcs, f)
	}
	sort.Slice(funcs, func(i, j int) bool {
		return funcs[i].Addr < funcs[j].Addr
	})
	for _, f := range funcs {
		name := funcName(f.Addr)
		for _, sym := range syms.At(f.Addr) {
			cand := "Func_" + sym.Name
			if isIdent(sym.Name) && !used[cand] {
				name = cand
				if m.cfg.DebugLevel >= 1 && sym.Demangled() != sym.Name {
					dbg.Printf("function %s: %s", name, sym.Demangled())
				}
				break
			}
		}
		used[name] = true
		f.Name = name
	}
	for _, b := range m.liveBlocks() {
		if !b.Synthetic {
			b.Name = blockName(b.Addr)
		}
		if m.cfg.DebugLevel == 0 {
			m.stripMarkers(b)
		}
	}
}

// stripMarkers removes the instruction-start markers of the given block.
func (m *Module) stripMarkers(b *Block) {
	insts := b.Insts[:0:0]
	for _, inst := range b.Insts {
		if _, ok := m.markerPC(inst); !ok {
			insts = append(insts, inst)
		}
	}
	b.Insts = insts
}

// blockName returns the name of the block at addr.
func blockName(addr bin.Addr) string {
	return "BB_" + addr.Hex()
}

// isIdent reports whether s is a valid identifier; a letter or underscore
// followed by letters, digits and underscores.
func isIdent(s string) bool {
	if len(s) == 0 {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', 'a' <= r && r <= 'z', 'A' <= r && r <= 'Z':
		case i > 0 && '0' <= r && r <= '9':
		default:
			return false
		}
	}
	return true
}
