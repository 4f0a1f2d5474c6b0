// Package lift recovers a well-formed LLVM IR module from the translation
// blocks of a recorded execution trace.
//
// The working control flow graph is an arena of blocks and functions with
// stable integer IDs. Each block carries its instruction body (LLVM IR
// instructions of the translation block), a pending successor list and a
// terminator. The pipeline passes mutate the arena in a fixed order; the
// final pass writes the arena back as LLVM IR.
package lift

import (
	"fmt"
	"sort"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/types"
	"github.com/mewmew/tracelift/bin"
)

// BlockID is the stable identifier of a block within a Module.
type BlockID int

// FuncID is the stable identifier of a function within a Module.
type FuncID int

// NoBlock and NoFunc denote the absence of a block or function.
const (
	NoBlock BlockID = -1
	NoFunc  FuncID  = -1
)

// TargetKind specifies the kind of a successor target.
type TargetKind uint8

// Successor target kinds.
const (
	// Intra-function edge, or a return edge into a block of another function.
	TargetBlock TargetKind = iota + 1
	// Inter-function edge; a call or tail call of a whole function.
	TargetFunc
)

// Target is a successor of a block; either a block or a function.
type Target struct {
	Kind  TargetKind
	Block BlockID
	Func  FuncID
}

// BlockTarget returns a successor target referring to the given block.
func BlockTarget(id BlockID) Target {
	return Target{Kind: TargetBlock, Block: id, Func: NoFunc}
}

// FuncTarget returns a successor target referring to the given function.
func FuncTarget(id FuncID) Target {
	return Target{Kind: TargetFunc, Block: NoBlock, Func: id}
}

// Block is a block of the working control flow graph. Before function
// recovery, each block is a translation block.
type Block struct {
	// Block ID.
	ID BlockID
	// Block name.
	Name string
	// Start address; zero for synthetic blocks.
	Addr bin.Addr
	// Synthetic blocks are created by the pipeline (error, join and call
	// wrapper blocks) and represent no machine code.
	Synthetic bool
	// Instruction body, excluding the terminator.
	Insts []ir.Instruction
	// Terminator.
	Term Terminator
	// Pending successors; converted into terminators by the end of the
	// pipeline.
	Succs []Target
	// Highest machine pc represented by the block.
	LastPC bin.Addr
	// External symbol resolved at the block address, if any.
	Extern string
	// Reports whether the block took part in an overlap merge.
	Merged bool
	// Marker of the lowered library call; "setjmp", "longjmp" or the symbol
	// name.
	Tag string
	// Owning function; NoFunc before function recovery.
	Func FuncID
	// Reports whether the block has been removed from the module.
	Removed bool
}

// String returns the string representation of the block.
func (b *Block) String() string {
	if b.Synthetic {
		return fmt.Sprintf("%s (synthetic)", b.Name)
	}
	return fmt.Sprintf("%s (%v)", b.Name, b.Addr)
}

// Func is a recovered function.
type Func struct {
	// Function ID.
	ID FuncID
	// Function name.
	Name string
	// Entry address.
	Addr bin.Addr
	// Entry block.
	Entry BlockID
	// Member blocks, entry block first.
	Blocks []BlockID
	// Dispatcher functions call the first recovered function and contain no
	// blocks of their own.
	Dispatcher bool
	// Callee of the dispatcher.
	Callee FuncID
	// Reports whether the function has been removed from the module.
	Removed bool
}

// Module is the working control flow graph of a lifting run.
type Module struct {
	// Blocks indexed by BlockID.
	Blocks []*Block
	// Functions indexed by FuncID.
	Funcs []*Func
	// Maps from start address to translation block.
	byAddr map[bin.Addr]BlockID
	// Addresses of blocks removed by the pipeline.
	removedAddrs map[bin.Addr]bool
	// Maps from function to its PC dispatch fallback block.
	fallbacks map[FuncID]BlockID

	// LLVM IR module of the translation blocks; the output module.
	ll *ir.Module
	// Program counter global.
	pc *ir.Global
	// Type of the program counter.
	pcType *types.IntType
	// Translation-block functions of the input module.
	tbFuncs map[*ir.Func]bool
	// Pipeline configuration.
	cfg *Config
}

// newModule returns a new empty working module on top of the given LLVM IR
// module.
func newModule(ll *ir.Module, cfg *Config) *Module {
	return &Module{
		byAddr:       make(map[bin.Addr]BlockID),
		removedAddrs: make(map[bin.Addr]bool),
		fallbacks:    make(map[FuncID]BlockID),
		ll:           ll,
		tbFuncs:      make(map[*ir.Func]bool),
		cfg:          cfg,
	}
}

// BlockAt returns the translation block starting at the given address.
func (m *Module) BlockAt(addr bin.Addr) (*Block, bool) {
	id, ok := m.byAddr[addr]
	if !ok {
		return nil, false
	}
	b := m.Blocks[id]
	if b.Removed {
		return nil, false
	}
	return b, true
}

// addBlock appends a new block to the arena.
func (m *Module) addBlock(b *Block) *Block {
	b.ID = BlockID(len(m.Blocks))
	b.Func = NoFunc
	m.Blocks = append(m.Blocks, b)
	if !b.Synthetic {
		m.byAddr[b.Addr] = b.ID
	}
	return b
}

// newSyntheticBlock appends a new synthetic block to the given function.
func (m *Module) newSyntheticBlock(f *Func, name string) *Block {
	b := m.addBlock(&Block{
		Name:      fmt.Sprintf("%s_%d", name, len(m.Blocks)),
		Synthetic: true,
		Term:      &TermUnreachable{},
	})
	m.adopt(f, b)
	return b
}

// newFunc appends a new function to the arena.
func (m *Module) newFunc(name string, addr bin.Addr) *Func {
	f := &Func{
		ID:     FuncID(len(m.Funcs)),
		Name:   name,
		Addr:   addr,
		Entry:  NoBlock,
		Callee: NoFunc,
	}
	m.Funcs = append(m.Funcs, f)
	return f
}

// adopt adds the given block to the function.
func (m *Module) adopt(f *Func, b *Block) {
	b.Func = f.ID
	f.Blocks = append(f.Blocks, b.ID)
	if f.Entry == NoBlock {
		f.Entry = b.ID
	}
}

// removeBlock marks the given block as removed.
func (m *Module) removeBlock(b *Block) {
	b.Removed = true
	if !b.Synthetic {
		m.removedAddrs[b.Addr] = true
	}
}

// liveBlocks returns the blocks not removed from the module, in ID order.
func (m *Module) liveBlocks() []*Block {
	var blocks []*Block
	for _, b := range m.Blocks {
		if !b.Removed {
			blocks = append(blocks, b)
		}
	}
	return blocks
}

// liveFuncs returns the functions not removed from the module, in ID order.
func (m *Module) liveFuncs() []*Func {
	var funcs []*Func
	for _, f := range m.Funcs {
		if !f.Removed {
			funcs = append(funcs, f)
		}
	}
	return funcs
}

// members returns the live member blocks of the given function.
func (m *Module) members(f *Func) []*Block {
	var blocks []*Block
	for _, id := range f.Blocks {
		b := m.Blocks[id]
		if !b.Removed && b.Func == f.ID {
			blocks = append(blocks, b)
		}
	}
	return blocks
}

// funcAt returns the recovered function with the given entry address.
func (m *Module) funcAt(addr bin.Addr) (*Func, bool) {
	b, ok := m.BlockAt(addr)
	if !ok || b.Func == NoFunc {
		return nil, false
	}
	f := m.Funcs[b.Func]
	if f.Removed || f.Entry != b.ID {
		return nil, false
	}
	return f, true
}

// isEntry reports whether the given block is the entry block of its
// function.
func (m *Module) isEntry(b *Block) bool {
	return b.Func != NoFunc && m.Funcs[b.Func].Entry == b.ID
}

// targetName returns a human readable name of the given successor target.
func (m *Module) targetName(t Target) string {
	switch t.Kind {
	case TargetBlock:
		return m.Blocks[t.Block].String()
	case TargetFunc:
		return fmt.Sprintf("function %s", m.Funcs[t.Func].Name)
	}
	return "<invalid target>"
}

// succBlocks returns the blocks of the block successors of b.
func (m *Module) succBlocks(b *Block) []*Block {
	var succs []*Block
	for _, t := range b.Succs {
		if t.Kind == TargetBlock {
			succs = append(succs, m.Blocks[t.Block])
		}
	}
	return succs
}

// hasSucc reports whether b lists the given target as successor.
func hasSucc(b *Block, t Target) bool {
	return hasTarget(b.Succs, t)
}

// addSucc appends the given target to the successors of b, unless already
// present.
func addSucc(b *Block, t Target) bool {
	if hasSucc(b, t) {
		return false
	}
	b.Succs = append(b.Succs, t)
	return true
}

// sortByAddr sorts the given blocks by start address; synthetic blocks sort
// last in creation order.
func sortByAddr(blocks []*Block) {
	sort.SliceStable(blocks, func(i, j int) bool {
		bi, bj := blocks[i], blocks[j]
		if bi.Synthetic != bj.Synthetic {
			return !bi.Synthetic
		}
		if bi.Synthetic {
			return bi.ID < bj.ID
		}
		return bi.Addr < bj.Addr
	})
}
