// Package x86 provides facts about x86 machine code encodings relied upon by
// the lifter, such as the size of dynamic-linker jump stubs.
package x86

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

// pltJump is the canonical encoding of the first instruction of a PLT entry;
// an indirect jump through the global offset table (`jmp *disp32` in 32-bit
// mode, `jmp [rip+disp32]` in 64-bit mode).
var pltJump = []byte{0xFF, 0x25, 0x00, 0x00, 0x00, 0x00}

// JumpStubSize returns the size in bytes of the PLT jump stub instruction for
// the given processor mode (32 or 64-bit execution mode). The instruction
// following the stub is the lazy-binding fallthrough of the PLT entry.
func JumpStubSize(mode int) (int, error) {
	inst, err := DecodeInst(pltJump, mode)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	if !isJump(inst) {
		return 0, errors.Errorf("invalid PLT jump stub; expected JMP, got %v", inst.Op)
	}
	return inst.Len, nil
}

// DecodeInst decodes the leading bytes in src as a single x86 instruction.
func DecodeInst(src []byte, mode int) (x86asm.Inst, error) {
	switch mode {
	case 16, 32, 64:
		// valid processor mode.
	default:
		return x86asm.Inst{}, errors.Errorf("invalid processor mode %d; expected 16, 32 or 64", mode)
	}
	inst, err := x86asm.Decode(src, mode)
	if err != nil {
		end := 16
		if end > len(src) {
			end = len(src)
		}
		return x86asm.Inst{}, errors.Errorf("unable to decode instruction % X; %v", src[:end], err)
	}
	return inst, nil
}

// ### [ Helper functions ] ####################################################

// isJump reports whether the given instruction is an unconditional jump.
func isJump(inst x86asm.Inst) bool {
	return inst.Op == x86asm.JMP
}

// StubLayout returns a short description of the PLT stub layout for the given
// processor mode, used in diagnostics.
func StubLayout(mode int) string {
	n, err := JumpStubSize(mode)
	if err != nil {
		return fmt.Sprintf("unknown PLT layout (%v)", err)
	}
	return fmt.Sprintf("%d-bit PLT entry; %d-byte jump stub followed by lazy-binding fallthrough", mode, n)
}
