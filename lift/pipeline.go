package lift

import (
	"github.com/kr/pretty"
	"github.com/llir/llvm/ir"
	"github.com/mewmew/tracelift/bin"
	"github.com/mewmew/tracelift/trace"
	"github.com/pkg/errors"
)

// Inputs holds the auxiliary inputs of a lifting run.
type Inputs struct {
	// Trace record of one or more executions.
	Trace *trace.Info
	// Symbol table of the binary executable; may be empty.
	Symbols bin.Symbols
	// Signatures of external functions; may be empty.
	Signatures bin.Signatures
}

// Run lifts the translation blocks of the given LLVM IR module into
// recovered functions, and rewrites the LLVM IR module in place.
//
// With function recovery (the default), the passes run in order:
//
//	successors, symbols, prune, recover, overlaps, calls, externs, pcjumps,
//	finalize, emit
//
// Without function recovery, every block is merged into a single function,
// and call insertion is skipped.
func Run(ll *ir.Module, in *Inputs, cfg *Config) (*Module, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithStack(err)
	}
	if in.Trace == nil {
		return nil, errors.New("missing trace record")
	}
	m, err := Load(ll, cfg)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	AddSuccessors(m, in.Trace)
	if err := AnnotateSymbols(m, in.Symbols, in.Signatures); err != nil {
		return nil, errors.WithStack(err)
	}
	PruneNullSuccs(m)
	if err := PruneConstantPCSuccs(m); err != nil {
		return nil, errors.WithStack(err)
	}
	var fi *trace.FuncInfo
	if cfg.RecoverFunctions {
		fi = trace.NewFuncInfo(in.Trace)
		ReparentTailCalls(m, fi, in.Trace)
		if err := fi.Check(); err != nil {
			return nil, errors.WithStack(err)
		}
		if cfg.DebugLevel >= 3 {
			dbg.Printf("function membership:\n%s", pretty.Sprint(fi.EntryToBlocks))
		}
		if err := RecoverFunctions(m, fi); err != nil {
			return nil, errors.WithStack(err)
		}
	} else {
		if _, err := MergeFunctions(m); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	ResolveOverlaps(m)
	if cfg.RecoverFunctions {
		if err := InsertCalls(m, fi); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	if _, err := LowerExternCalls(m, in.Signatures); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := InsertPCJumps(m, fi); err != nil {
		return nil, errors.WithStack(err)
	}
	Finalize(m, in.Symbols)
	if cfg.DebugLevel >= 3 {
		dbg.Printf("working module:\n%# v", pretty.Formatter(m.Funcs))
	}
	if _, err := Emit(m); err != nil {
		return nil, errors.WithStack(err)
	}
	return m, nil
}

// LL returns the LLVM IR module of the working module.
func (m *Module) LL() *ir.Module {
	return m.ll
}
