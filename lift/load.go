package lift

import (
	"sort"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/types"
	"github.com/mewmew/tracelift/bin"
	"github.com/pkg/errors"
)

// Load creates the working module of the translation blocks defined in the
// given LLVM IR module.
//
// A translation block is a function definition named "<prefix><hex pc>"
// without parameters, consisting of a single basic block terminated by a
// return or unreachable terminator.
func Load(ll *ir.Module, cfg *Config) (*Module, error) {
	m := newModule(ll, cfg)
	// Locate program counter.
	for _, g := range ll.Globals {
		if g.Name() == cfg.Arch.PC {
			m.pc = g
			break
		}
	}
	if m.pc == nil {
		return nil, errors.Errorf("unable to locate program counter global @%s", cfg.Arch.PC)
	}
	pcType, ok := m.pc.ContentType.(*types.IntType)
	if !ok {
		return nil, errors.Errorf("invalid type of program counter @%s; expected integer type, got %v", cfg.Arch.PC, m.pc.ContentType)
	}
	m.pcType = pcType
	// Index translation blocks by address.
	type tb struct {
		addr bin.Addr
		f    *ir.Func
	}
	var tbs []tb
	for _, f := range ll.Funcs {
		addr, ok := bin.ParseHexName(f.Name(), cfg.BlockPrefix)
		if !ok || len(f.Blocks) == 0 {
			continue
		}
		tbs = append(tbs, tb{addr: addr, f: f})
	}
	sort.Slice(tbs, func(i, j int) bool {
		return tbs[i].addr < tbs[j].addr
	})
	for _, tb := range tbs {
		b, err := m.loadBlock(tb.addr, tb.f)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if _, ok := m.byAddr[tb.addr]; ok {
			return nil, errors.Errorf("duplicate translation block at %v (%q)", tb.addr, tb.f.Name())
		}
		m.addBlock(b)
		m.tbFuncs[tb.f] = true
	}
	dbg.Printf("loaded %d translation blocks", len(m.Blocks))
	return m, nil
}

// loadBlock creates a block of the given translation-block function.
func (m *Module) loadBlock(addr bin.Addr, f *ir.Func) (*Block, error) {
	if len(f.Params) != 0 {
		return nil, errors.Errorf("invalid translation block %q; expected no parameters, got %d", f.Name(), len(f.Params))
	}
	if len(f.Blocks) != 1 {
		return nil, errors.Errorf("invalid translation block %q; expected 1 basic block, got %d", f.Name(), len(f.Blocks))
	}
	body := f.Blocks[0]
	b := &Block{
		Name:   blockName(addr),
		Addr:   addr,
		Insts:  body.Insts,
		LastPC: addr,
	}
	switch term := body.Term.(type) {
	case *ir.TermRet:
		if term.X != nil {
			return nil, errors.Errorf("invalid translation block %q; expected void return", f.Name())
		}
		b.Term = &TermRet{}
	case *ir.TermUnreachable:
		b.Term = &TermUnreachable{}
	default:
		return nil, errors.Errorf("invalid terminator of translation block %q; expected ret or unreachable, got %T", f.Name(), term)
	}
	for _, inst := range b.Insts {
		if pc, ok := m.markerPC(inst); ok && pc > b.LastPC {
			b.LastPC = pc
		}
	}
	renameLocals(b.Name, b.Insts)
	return b, nil
}

// localValue is a local variable of an LLVM IR function.
type localValue interface {
	IsUnnamed() bool
	Name() string
	SetName(name string)
	SetID(id int64)
}

// renameLocals prepares the local variables of a translation block body for
// inlining into a function shared with other blocks. Named locals are
// prefixed with the block name and unnamed locals are renumbered on output.
func renameLocals(prefix string, insts []ir.Instruction) {
	for _, inst := range insts {
		v, ok := inst.(localValue)
		if !ok {
			continue
		}
		if v.IsUnnamed() {
			v.SetID(0)
			continue
		}
		v.SetName(prefix + "." + v.Name())
	}
}
