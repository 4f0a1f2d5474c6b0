package lift

import "github.com/mewmew/tracelift/bin"

// Terminator is the terminator of a block; one of the following types.
//
//	*TermRet
//	*TermBr
//	*TermCall
//	*TermSwitch
//	*TermUnreachable
//
// A translation block starts out with a *TermRet; the unresolved return of
// its recorded machine code. By the end of the pipeline, every block with
// successors ends in a branch, a call followed by a branch, or a PC dispatch
// switch; only real returns to the caller remain *TermRet.
type Terminator interface {
	// isTerm ensures that only terminators can be assigned to the Terminator
	// interface.
	isTerm()
}

// TermRet is a return terminator.
type TermRet struct{}

// TermBr is an unconditional branch terminator.
type TermBr struct {
	// Target block.
	Target BlockID
}

// TermCall is a call of a recovered function, followed by control transfer
// to the next block.
//
//	call callee
//	store <addr of next>, PC   ; when next is not synthetic
//	br next                    ; unreachable when next is NoBlock
//
// Tail calls return to the caller after the call.
type TermCall struct {
	// Called function.
	Callee FuncID
	// Block executed after the callee returns; NoBlock if the callee does not
	// return.
	Next BlockID
	// Reports whether the call is a tail call.
	Tail bool
}

// TermSwitch is a PC dispatch terminator.
//
//	%pc = load PC
//	switch %pc, default [case addr: target]...
type TermSwitch struct {
	// Switch cases.
	Cases []*Case
	// Default target.
	Default BlockID
}

// Case is a PC dispatch switch case.
type Case struct {
	// PC value.
	Addr bin.Addr
	// Target block.
	Target BlockID
}

// TermUnreachable is an unreachable terminator.
type TermUnreachable struct{}

func (*TermRet) isTerm()         {}
func (*TermBr) isTerm()          {}
func (*TermCall) isTerm()        {}
func (*TermSwitch) isTerm()      {}
func (*TermUnreachable) isTerm() {}
