package lift

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/mewmew/tracelift/bin"
	"github.com/pkg/errors"
)

// Lowered library call tags.
const (
	tagSetjmp  = "setjmp"
	tagLongjmp = "longjmp"
)

// jmpFuncs maps from non-local jump library function to its tag.
var jmpFuncs = map[string]string{
	"setjmp":        tagSetjmp,
	"_setjmp":       tagSetjmp,
	"__setjmp":      tagSetjmp,
	"sigsetjmp":     tagSetjmp,
	"__sigsetjmp":   tagSetjmp,
	"longjmp":       tagLongjmp,
	"_longjmp":      tagLongjmp,
	"siglongjmp":    tagLongjmp,
	"__longjmp_chk": tagLongjmp,
}

// jmpSigs holds the default signatures of non-local jump library functions.
var jmpSigs = map[string]*bin.Signature{
	tagSetjmp:  {RetSize: 4, ArgSizes: []uint{4}},
	tagLongjmp: {ArgSizes: []uint{4, 4}},
}

// LowerExternCalls replaces the body of each block annotated with an external
// symbol by a trampoline calling the library function.
//
// The trampoline reads the arguments from the guest stack per the signature
// of the function, calls it, stores the return value in the return
// registers, and emulates the return instruction of the guest. It returns the
// number of lowered blocks.
func LowerExternCalls(m *Module, sigs bin.Signatures) (int, error) {
	n := 0
	for _, b := range m.liveBlocks() {
		if len(b.Extern) == 0 || b.Synthetic {
			continue
		}
		sig := m.externSig(b.Extern, sigs)
		if size, ok := oversizedArg(sig); ok {
			warn.Printf("argument of %q is %d bytes; at most 8 bytes supported, leaving %v unconverted", b.Extern, size, b)
			continue
		}
		if m.isEntry(b) {
			b.Succs = nil
		}
		if len(b.Insts) > 1 {
			b.Insts = b.Insts[:1:1]
		}
		insts, tag, err := m.trampoline(b, sig)
		if err != nil {
			return n, errors.WithStack(err)
		}
		b.Insts = append(b.Insts, insts...)
		b.Term = &TermRet{}
		b.Tag = tag
		n++
	}
	if n > 0 {
		dbg.Printf("lowered %d external calls", n)
	}
	return n, nil
}

// externSig returns the signature of the named external function.
func (m *Module) externSig(name string, sigs bin.Signatures) *bin.Signature {
	if sig, ok := sigs[name]; ok {
		return sig
	}
	if tag, ok := jmpFuncs[name]; ok {
		return jmpSigs[tag]
	}
	warn.Printf("no signature of external function %q; assuming no arguments and 4-byte return value", name)
	return &bin.Signature{Name: name, RetSize: 4}
}

// trampoline returns the instructions of the library call trampoline of the
// given block, and its tag.
func (m *Module) trampoline(b *Block, sig *bin.Signature) ([]ir.Instruction, string, error) {
	wordSize := uint64(m.cfg.Arch.WordSize())
	sp := m.global(m.cfg.Arch.StackPointer, m.wordType())
	spType, ok := sp.ContentType.(*types.IntType)
	if !ok {
		return nil, "", errors.Errorf("invalid type of stack pointer @%s; expected integer type, got %v", sp.Name(), sp.ContentType)
	}
	var insts []ir.Instruction
	esp := ir.NewLoad(spType, sp)
	insts = append(insts, esp)
	// Arguments start above the return address.
	var args []value.Value
	var params []types.Type
	off := wordSize
	for _, size := range sig.ArgSizes {
		typ := types.I32
		if size > 4 {
			typ = types.I64
		}
		addr := ir.NewAdd(esp, intConst(spType, off))
		ptr := ir.NewIntToPtr(addr, types.NewPointer(typ))
		arg := ir.NewLoad(typ, ptr)
		insts = append(insts, addr, ptr, arg)
		args = append(args, arg)
		params = append(params, typ)
		off += roundUp(uint64(size), wordSize)
	}
	retType := sigRetType(sig)
	tag := b.Extern
	var callee value.Value
	switch jmp, ok := jmpFuncs[b.Extern]; {
	case ok:
		tag = jmp
		callee = m.helper("lift_"+jmp, retType, params...)
	case m.cfg.NoLinkLift:
		sigType := types.NewFunc(retType, params...)
		ptr := ir.NewIntToPtr(intConst(spType, uint64(b.Addr)), types.NewPointer(sigType))
		insts = append(insts, ptr)
		callee = ptr
	default:
		callee = m.helper(b.Extern, retType, params...)
	}
	call := ir.NewCall(callee, args...)
	insts = append(insts, call)
	ret, err := m.storeRet(call, sig)
	if err != nil {
		return nil, "", errors.WithStack(err)
	}
	insts = append(insts, ret...)
	// Emulate the guest return; pop the return address into PC.
	raPtr := ir.NewIntToPtr(esp, types.NewPointer(m.pcType))
	ra := ir.NewLoad(m.pcType, raPtr)
	newESP := ir.NewAdd(esp, intConst(spType, wordSize))
	insts = append(insts, raPtr, ra, ir.NewStore(ra, m.pc), newESP, ir.NewStore(newESP, sp))
	return insts, tag, nil
}

// storeRet returns the instructions storing the return value of the given
// library call into the return registers.
func (m *Module) storeRet(call *ir.InstCall, sig *bin.Signature) ([]ir.Instruction, error) {
	switch {
	case sig.RetSize == 0:
		return nil, nil
	case sig.FloatReturn:
		st0 := m.global(m.cfg.Arch.RetFloat, types.Double)
		var v value.Value = call
		var insts []ir.Instruction
		if sig.RetSize == 4 {
			ext := ir.NewFPExt(call, types.Double)
			insts = append(insts, ext)
			v = ext
		}
		return append(insts, ir.NewStore(v, st0)), nil
	case sig.RetSize <= 4:
		eax, err := m.intGlobal(m.cfg.Arch.RetLo)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		insts, v := convInt(call, eax.ContentType.(*types.IntType))
		return append(insts, ir.NewStore(v, eax)), nil
	case sig.RetSize <= 8:
		eax, err := m.intGlobal(m.cfg.Arch.RetLo)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		edx, err := m.intGlobal(m.cfg.Arch.RetHi)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		lo, vlo := convInt(call, eax.ContentType.(*types.IntType))
		hi := ir.NewLShr(call, intConst(types.I64, 32))
		hiInsts, vhi := convInt(hi, edx.ContentType.(*types.IntType))
		insts := append(lo, ir.NewStore(vlo, eax), hi)
		insts = append(insts, hiInsts...)
		return append(insts, ir.NewStore(vhi, edx)), nil
	}
	return nil, errors.Errorf("unsupported return value size %d of %q", sig.RetSize, sig.Name)
}

// intGlobal returns the integer register global of the given name.
func (m *Module) intGlobal(name string) (*ir.Global, error) {
	g := m.global(name, m.wordType())
	if _, ok := g.ContentType.(*types.IntType); !ok {
		return nil, errors.Errorf("invalid type of register @%s; expected integer type, got %v", name, g.ContentType)
	}
	return g, nil
}

// wordType returns the integer type of the architecture word size.
func (m *Module) wordType() *types.IntType {
	if m.cfg.Arch.AddrSize == 64 {
		return types.I64
	}
	return types.I32
}

// sigRetType returns the LLVM IR return type of the given signature.
func sigRetType(sig *bin.Signature) types.Type {
	switch {
	case sig.RetSize == 0:
		return types.Void
	case sig.FloatReturn && sig.RetSize == 4:
		return types.Float
	case sig.FloatReturn:
		return types.Double
	case sig.RetSize > 4:
		return types.I64
	}
	return types.I32
}

// convInt converts the integer value v of the given call to the type typ.
func convInt(v value.Value, typ *types.IntType) ([]ir.Instruction, value.Value) {
	from, ok := v.Type().(*types.IntType)
	switch {
	case !ok || from.BitSize == typ.BitSize:
		return nil, v
	case from.BitSize > typ.BitSize:
		inst := ir.NewTrunc(v, typ)
		return []ir.Instruction{inst}, inst
	default:
		inst := ir.NewZExt(v, typ)
		return []ir.Instruction{inst}, inst
	}
}

// oversizedArg returns the size of the first argument of the signature
// exceeding 8 bytes.
func oversizedArg(sig *bin.Signature) (uint, bool) {
	for _, size := range sig.ArgSizes {
		if size > 8 {
			return size, true
		}
	}
	return 0, false
}

// roundUp rounds x up to a multiple of n.
func roundUp(x, n uint64) uint64 {
	return (x + n - 1) / n * n
}
