package lift

import (
	"io"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/types"
	"github.com/pkg/errors"
)

// Emit writes the working module back to its LLVM IR module, replacing the
// translation-block functions by the recovered functions.
func Emit(m *Module) (*ir.Module, error) {
	var funcs []*ir.Func
	for _, f := range m.ll.Funcs {
		if !m.tbFuncs[f] {
			funcs = append(funcs, f)
		}
	}
	m.ll.Funcs = funcs
	llFuncs := make(map[FuncID]*ir.Func)
	for _, f := range m.liveFuncs() {
		llFuncs[f.ID] = m.ll.NewFunc(f.Name, types.Void)
	}
	for _, f := range m.liveFuncs() {
		lf := llFuncs[f.ID]
		if f.Dispatcher {
			callee, ok := llFuncs[f.Callee]
			if !ok {
				return nil, errors.Errorf("emit: invalid callee of dispatcher %s", f.Name)
			}
			entry := lf.NewBlock("entry")
			entry.NewCall(callee)
			entry.NewRet(nil)
			continue
		}
		if err := m.emitFunc(f, lf, llFuncs); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	m.tbFuncs = make(map[*ir.Func]bool)
	return m.ll, nil
}

// emitFunc emits the blocks of the given function into lf.
func (m *Module) emitFunc(f *Func, lf *ir.Func, llFuncs map[FuncID]*ir.Func) error {
	if f.Entry == NoBlock {
		return errors.Errorf("emit: function %s has no entry block", f.Name)
	}
	entry := m.Blocks[f.Entry]
	var rest []*Block
	for _, b := range m.members(f) {
		if b.ID != entry.ID {
			rest = append(rest, b)
		}
	}
	sortByAddr(rest)
	blocks := append([]*Block{entry}, rest...)
	llBlocks := make(map[BlockID]*ir.Block)
	for _, b := range blocks {
		llBlocks[b.ID] = lf.NewBlock(b.Name)
	}
	target := func(from *Block, id BlockID) (*ir.Block, error) {
		lb, ok := llBlocks[id]
		if !ok {
			return nil, errors.Errorf("emit: control transfer from %v to %v crosses boundary of function %s", from, m.Blocks[id], f.Name)
		}
		return lb, nil
	}
	for _, b := range blocks {
		lb := llBlocks[b.ID]
		lb.Insts = append(lb.Insts, b.Insts...)
		switch term := b.Term.(type) {
		case *TermRet:
			lb.NewRet(nil)
		case *TermBr:
			t, err := target(b, term.Target)
			if err != nil {
				return errors.WithStack(err)
			}
			lb.NewBr(t)
		case *TermCall:
			callee, ok := llFuncs[term.Callee]
			if !ok || m.Funcs[term.Callee].Removed {
				return errors.Errorf("emit: call from %v to removed function", b)
			}
			lb.NewCall(callee)
			switch {
			case term.Tail:
				lb.NewRet(nil)
			case term.Next == NoBlock:
				lb.NewUnreachable()
			default:
				next := m.Blocks[term.Next]
				t, err := target(b, next.ID)
				if err != nil {
					return errors.WithStack(err)
				}
				if !next.Synthetic {
					lb.Insts = append(lb.Insts, m.storePC(m.firstPC(next)))
				}
				lb.NewBr(t)
			}
		case *TermSwitch:
			def, err := target(b, term.Default)
			if err != nil {
				return errors.WithStack(err)
			}
			var cases []*ir.Case
			for _, c := range term.Cases {
				t, err := target(b, c.Target)
				if err != nil {
					return errors.WithStack(err)
				}
				cases = append(cases, ir.NewCase(m.pcConst(c.Addr), t))
			}
			pc := lb.NewLoad(m.pcType, m.pc)
			lb.NewSwitch(pc, def, cases...)
		case *TermUnreachable:
			lb.NewUnreachable()
		default:
			return errors.Errorf("emit: invalid terminator %T of block %v", term, b)
		}
	}
	return nil
}

// WriteModule writes the given LLVM IR module in textual form to w.
func WriteModule(w io.Writer, ll *ir.Module) error {
	if _, err := io.WriteString(w, ll.String()); err != nil {
		return errors.WithStack(err)
	}
	return nil
}
