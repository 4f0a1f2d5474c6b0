package lift

import (
	"fmt"
	"math/big"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/mewmew/tracelift/bin"
)

// markerPC returns the machine pc of the given instruction-start marker.
//
//	call void @instr_start(i32 <pc>)
func (m *Module) markerPC(inst ir.Instruction) (bin.Addr, bool) {
	call, ok := inst.(*ir.InstCall)
	if !ok || len(call.Args) != 1 || calleeName(call) != m.cfg.Marker {
		return 0, false
	}
	c, ok := call.Args[0].(*constant.Int)
	if !ok {
		return 0, false
	}
	return constAddr(c), true
}

// markers returns the indices and machine pcs of the instruction-start
// markers of the given block, in order.
func (m *Module) markers(b *Block) (idxs []int, pcs []bin.Addr) {
	for i, inst := range b.Insts {
		if pc, ok := m.markerPC(inst); ok {
			idxs = append(idxs, i)
			pcs = append(pcs, pc)
		}
	}
	return idxs, pcs
}

// firstPC returns the machine pc of the first instruction of the block.
func (m *Module) firstPC(b *Block) bin.Addr {
	for _, inst := range b.Insts {
		if pc, ok := m.markerPC(inst); ok {
			return pc
		}
	}
	return b.Addr
}

// lastPCStore returns the index of the last store to the program counter in
// the given block, or -1 if not present.
func (m *Module) lastPCStore(b *Block) int {
	for i := len(b.Insts) - 1; i >= 0; i-- {
		if store, ok := b.Insts[i].(*ir.InstStore); ok && store.Dst == m.pc {
			return i
		}
	}
	return -1
}

// constPCStore returns the constant stored to the program counter by the last
// program counter store of the given block.
func (m *Module) constPCStore(b *Block) (bin.Addr, bool) {
	i := m.lastPCStore(b)
	if i == -1 {
		return 0, false
	}
	store := b.Insts[i].(*ir.InstStore)
	c, ok := store.Src.(*constant.Int)
	if !ok {
		return 0, false
	}
	return constAddr(c), true
}

// isCallTo reports whether the given instruction is a call to the named
// function.
func isCallTo(inst ir.Instruction, name string) bool {
	call, ok := inst.(*ir.InstCall)
	return ok && calleeName(call) == name
}

// pcConst returns a program counter constant of the given address.
func (m *Module) pcConst(addr bin.Addr) *constant.Int {
	return intConst(m.pcType, uint64(addr))
}

// loadPC returns a load of the program counter.
func (m *Module) loadPC() *ir.InstLoad {
	return ir.NewLoad(m.pcType, m.pc)
}

// storePC returns a store of the given address to the program counter.
func (m *Module) storePC(addr bin.Addr) *ir.InstStore {
	return ir.NewStore(m.pcConst(addr), m.pc)
}

// helper returns the external helper function of the given name, declaring
// it on first use.
func (m *Module) helper(name string, retType types.Type, paramTypes ...types.Type) *ir.Func {
	for _, f := range m.ll.Funcs {
		if f.Name() == name {
			return f
		}
	}
	var params []*ir.Param
	for i, t := range paramTypes {
		params = append(params, ir.NewParam(fmt.Sprintf("a%d", i), t))
	}
	return m.ll.NewFunc(name, retType, params...)
}

// global returns the global variable of the given name, defining it with a
// zero initializer of the given type on first use.
func (m *Module) global(name string, typ types.Type) *ir.Global {
	for _, g := range m.ll.Globals {
		if g.Name() == name {
			return g
		}
	}
	var init constant.Constant
	switch t := typ.(type) {
	case *types.IntType:
		init = constant.NewInt(t, 0)
	case *types.FloatType:
		init = constant.NewFloat(t, 0)
	default:
		init = constant.NewZeroInitializer(typ)
	}
	return m.ll.NewGlobalDef(name, init)
}

// ### [ Helper functions ] ####################################################

// calleeName returns the name of the function called by the given call
// instruction, or the empty string for indirect calls.
func calleeName(call *ir.InstCall) string {
	if f, ok := call.Callee.(*ir.Func); ok {
		return f.Name()
	}
	return ""
}

// constAddr returns the unsigned value of the given integer constant.
func constAddr(c *constant.Int) bin.Addr {
	x := c.X
	if x.Sign() < 0 {
		// LLVM prints integer constants as signed; restore the unsigned value.
		mod := new(big.Int).Lsh(big.NewInt(1), uint(c.Typ.BitSize))
		x = new(big.Int).Add(x, mod)
	}
	return bin.Addr(x.Uint64())
}

// intConst returns an integer constant of the given type and unsigned value,
// in the signed form LLVM expects.
func intConst(typ *types.IntType, x uint64) *constant.Int {
	if typ.BitSize < 64 {
		shift := 64 - typ.BitSize
		return constant.NewInt(typ, int64(x<<shift)>>shift)
	}
	return constant.NewInt(typ, int64(x))
}
