package lift

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/llir/llvm/ir"
	"github.com/mewmew/tracelift/bin"
	"github.com/mewmew/tracelift/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddSuccessors(t *testing.T) {
	m := newTestModule(t, DefaultConfig(),
		tb(0x100, nil, storeDyn),
		tb(0x110, nil, storeDyn),
		tb(0x120, nil, storeDyn),
	)
	info := trace.NewInfo()
	info.Successors.Add(0x100, 0x110)
	info.Successors.Add(0x100, 0x120)
	info.Successors.Add(0x100, 0x110)
	// Edges of blocks absent from the module are skipped.
	info.Successors.Add(0x100, 0x999)
	info.Successors.Add(0x999, 0x100)
	AddSuccessors(m, info)
	b := blockAt(t, m, 0x100)
	want := []Target{BlockTarget(1), BlockTarget(2)}
	if diff := cmp.Diff(want, b.Succs); diff != "" {
		t.Errorf("successors mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, blockAt(t, m, 0x110).Succs)
}

func TestPruneNullSuccs(t *testing.T) {
	m := newTestModule(t, DefaultConfig(),
		tb(0x100, nil, storeDyn),
		tb(0x110, nil, storeDyn),
		tb(0x120, nil, storeDyn),
	)
	b := blockAt(t, m, 0x100)
	b.Succs = []Target{BlockTarget(1), BlockTarget(2), BlockTarget(1)}
	m.removeBlock(m.Blocks[2])
	assert.Equal(t, 2, PruneNullSuccs(m))
	assert.Equal(t, []Target{BlockTarget(1)}, b.Succs)
	for _, b := range m.liveBlocks() {
		for _, t2 := range b.Succs {
			assert.True(t, m.validTarget(t2))
		}
	}
	_, ok := m.BlockAt(0x120)
	assert.False(t, ok)
}

func TestPruneConstantPCSuccs(t *testing.T) {
	m := newTestModule(t, DefaultConfig(),
		tb(0x100, nil, storeConst(0x120)),
		tb(0x108, nil, storeDyn),
		tb(0x110, nil, storeDyn),
		tb(0x120, nil, storeDyn),
	)
	info := trace.NewInfo()
	info.Successors.Add(0x100, 0x110)
	info.Successors.Add(0x100, 0x120)
	info.Successors.Add(0x108, 0x110)
	info.Successors.Add(0x108, 0x120)
	AddSuccessors(m, info)
	require.NoError(t, PruneConstantPCSuccs(m))
	assert.Equal(t, []Target{BlockTarget(3)}, blockAt(t, m, 0x100).Succs)
	// Dynamic PC stores keep every successor.
	assert.Len(t, blockAt(t, m, 0x108).Succs, 2)
}

func TestPruneConstantPCSuccsMissing(t *testing.T) {
	m := newTestModule(t, DefaultConfig(),
		tb(0x100, nil, storeConst(0x130)),
		tb(0x110, nil, storeDyn),
		tb(0x120, nil, storeDyn),
	)
	b := blockAt(t, m, 0x100)
	b.Succs = []Target{BlockTarget(1), BlockTarget(2)}
	assert.Error(t, PruneConstantPCSuccs(m))
}

func TestAnnotateSymbolsPLT(t *testing.T) {
	m := newTestModule(t, DefaultConfig(),
		tb(0x100, nil, storeConst(0x400)),
		tb(0x3f0, nil, storeDyn),
		tb(0x400, nil, storeDyn),
		tb(0x406, nil, storeConst(0x3f0)),
		tb(0x600, nil, storeDyn),
	)
	info := trace.NewInfo()
	info.Successors.Add(0x100, 0x400)
	info.Successors.Add(0x400, 0x406)
	info.Successors.Add(0x406, 0x3f0)
	info.Successors.Add(0x3f0, 0x600)
	AddSuccessors(m, info)
	syms := bin.Symbols{{Addr: 0x400, Name: "puts"}}
	require.NoError(t, AnnotateSymbols(m, syms, nil))
	PruneNullSuccs(m)

	plt := blockAt(t, m, 0x400)
	assert.Equal(t, "puts", plt.Extern)
	assert.Equal(t, []Target{BlockTarget(blockAt(t, m, 0x600).ID)}, plt.Succs)
	for _, addr := range []bin.Addr{0x3f0, 0x406} {
		_, ok := m.BlockAt(addr)
		assert.False(t, ok, "PLT block %v not removed", addr)
		assert.True(t, m.removedAddrs[addr])
	}
	assert.Empty(t, blockAt(t, m, 0x100).Extern)
}

func TestAnnotateSymbolsNoFallthrough(t *testing.T) {
	m := newTestModule(t, DefaultConfig(),
		tb(0x400, nil, storeDyn),
		tb(0x410, nil, storeDyn),
	)
	blockAt(t, m, 0x400).Succs = []Target{BlockTarget(1)}
	sigs := bin.Signatures{"exit": {Name: "exit", ArgSizes: []uint{4}}}
	require.NoError(t, AnnotateSymbols(m, bin.Symbols{{Addr: 0x400, Name: "exit"}}, sigs))
	assert.Len(t, m.liveBlocks(), 2)
	assert.Equal(t, "exit", blockAt(t, m, 0x400).Extern)
}

func TestAnnotateSymbolsInternal(t *testing.T) {
	m := newTestModule(t, DefaultConfig(),
		tb(0x80, []bin.Addr{0x85}, storeConst(0x100)),
		tb(0x100, []bin.Addr{0x103}, storeConst(0x400)),
		tb(0x108, nil, storeDyn),
		tb(0x400, nil, storeDyn),
		tb(0x406, nil, storeConst(0x3f0)),
		tb(0x3f0, nil, storeDyn),
		tb(0x500, nil, storeDyn),
	)
	info := trace.NewInfo()
	for _, e := range [][2]bin.Addr{
		{0x80, 0x100},
		{0x100, 0x400},
		{0x400, 0x406},
		{0x406, 0x3f0},
		{0x3f0, 0x108},
	} {
		info.Successors.Add(e[0], e[1])
	}
	AddSuccessors(m, info)
	syms := bin.Symbols{
		{Addr: 0x80, Name: "_start"},
		{Addr: 0x100, Name: "main"},
		{Addr: 0x400, Name: "puts"},
		{Addr: 0x500, Name: "_setjmp"},
	}
	require.NoError(t, AnnotateSymbols(m, syms, nil))
	// Functions of the program are named by the symbol table only.
	assert.Empty(t, blockAt(t, m, 0x80).Extern)
	assert.Empty(t, blockAt(t, m, 0x100).Extern)
	assert.Equal(t, []Target{BlockTarget(blockAt(t, m, 0x400).ID)}, blockAt(t, m, 0x100).Succs)
	// PLT entries are recognized by layout, non-local jumps by name.
	assert.Equal(t, "puts", blockAt(t, m, 0x400).Extern)
	assert.Equal(t, "_setjmp", blockAt(t, m, 0x500).Extern)
}

func TestReparentTailCalls(t *testing.T) {
	m := newTestModule(t, DefaultConfig(),
		tb(0x200, nil, storeConst(0x210)),
		tb(0x210, nil, storeConst(0x230)),
		tb(0x230, nil, storeDyn),
		tb(0x300, nil, storeDyn),
	)
	info := trace.NewInfo()
	info.Successors.Add(0x200, 0x210)
	info.Successors.Add(0x210, 0x230)
	l := &info.FunctionLog
	l.Entries = []bin.Addr{0x200, 0x300}
	l.EntryToTBs[0x200] = trace.NewAddrSet(0x200, 0x210)
	l.EntryToTBs[0x300] = trace.NewAddrSet(0x300, 0x230)
	fi := trace.NewFuncInfo(info)
	AddSuccessors(m, info)

	assert.Equal(t, 1, ReparentTailCalls(m, fi, info))
	assert.Equal(t, bin.Addrs{0x200}, fi.Owners(0x230))
	assert.Equal(t, bin.Addrs{0x300}, fi.EntryToBlocks[0x300].Sorted())
	assert.Equal(t, bin.Addrs{0x200, 0x210, 0x230}, fi.EntryToBlocks[0x200].Sorted())
	require.NoError(t, fi.Check())
	// Reparenting is stable.
	assert.Equal(t, 0, ReparentTailCalls(m, fi, info))
}

func TestReparentTailCallsStopsAtEntry(t *testing.T) {
	m := newTestModule(t, DefaultConfig(),
		tb(0x200, nil, storeConst(0x300)),
		tb(0x300, nil, storeConst(0x310)),
		tb(0x310, nil, storeDyn),
	)
	info := trace.NewInfo()
	info.Successors.Add(0x200, 0x300)
	info.Successors.Add(0x300, 0x310)
	l := &info.FunctionLog
	l.Entries = []bin.Addr{0x200, 0x300}
	l.EntryToTBs[0x200] = trace.NewAddrSet(0x200)
	l.EntryToTBs[0x300] = trace.NewAddrSet(0x300, 0x310)
	fi := trace.NewFuncInfo(info)
	assert.Equal(t, 0, ReparentTailCalls(m, fi, info))
	assert.Equal(t, bin.Addrs{0x300}, fi.Owners(0x310))
}

func TestReparentTailCallsSharedBlock(t *testing.T) {
	m := newTestModule(t, DefaultConfig(),
		tb(0x100, nil, storeDyn),
		tb(0x200, nil, storeConst(0x210)),
		tb(0x210, nil, storeDyn),
	)
	info := trace.NewInfo()
	info.Successors.Add(0x200, 0x210)
	l := &info.FunctionLog
	l.Entries = []bin.Addr{0x100, 0x200}
	l.EntryToTBs[0x100] = trace.NewAddrSet(0x100, 0x210)
	l.EntryToTBs[0x200] = trace.NewAddrSet(0x200, 0x210)
	AddSuccessors(m, info)
	fi := trace.NewFuncInfo(info)

	// Only 0x200 reaches the shared block, so it becomes the sole owner.
	assert.Equal(t, 1, ReparentTailCalls(m, fi, info))
	assert.Equal(t, bin.Addrs{0x200}, fi.Owners(0x210))
	assert.Equal(t, bin.Addrs{0x100}, fi.EntryToBlocks[0x100].Sorted())
	require.NoError(t, fi.Check())
	assert.Equal(t, 0, ReparentTailCalls(m, fi, info))

	require.NoError(t, RecoverFunctions(m, fi))
	checkPartition(t, m)
	f := funcAt(t, m, 0x200)
	assert.Equal(t, f.ID, blockAt(t, m, 0x210).Func)
	require.NoError(t, InsertPCJumps(m, fi))
	sw, ok := blockAt(t, m, 0x200).Term.(*TermSwitch)
	require.True(t, ok, "expected switch, got %T", blockAt(t, m, 0x200).Term)
	want := []*Case{{Addr: 0x210, Target: blockAt(t, m, 0x210).ID}}
	if diff := cmp.Diff(want, sw.Cases); diff != "" {
		t.Errorf("switch cases mismatch (-want +got):\n%s", diff)
	}
}

func TestReparentTailCallsReachedTwice(t *testing.T) {
	m := newTestModule(t, DefaultConfig(),
		tb(0x100, nil, storeConst(0x310)),
		tb(0x200, nil, storeConst(0x310)),
		tb(0x300, nil, storeDyn),
		tb(0x310, nil, storeDyn),
	)
	info := trace.NewInfo()
	info.Successors.Add(0x100, 0x310)
	info.Successors.Add(0x200, 0x310)
	l := &info.FunctionLog
	l.Entries = []bin.Addr{0x200, 0x100, 0x300}
	l.EntryToTBs[0x100] = trace.NewAddrSet(0x100)
	l.EntryToTBs[0x200] = trace.NewAddrSet(0x200)
	l.EntryToTBs[0x300] = trace.NewAddrSet(0x300, 0x310)
	fi := trace.NewFuncInfo(info)

	// The first entry in execution order keeps the block.
	assert.Equal(t, 1, ReparentTailCalls(m, fi, info))
	assert.Equal(t, bin.Addrs{0x200}, fi.Owners(0x310))
	assert.Equal(t, 0, ReparentTailCalls(m, fi, info))
	assert.Equal(t, bin.Addrs{0x200}, fi.Owners(0x310))
}

func TestReparentTailCallsReturnBlocks(t *testing.T) {
	golden := []struct {
		name string
		// Function whose return block is at 0x110.
		retOf bin.Addr
		want  map[bin.Addr]bin.Addrs
	}{
		{
			name:  "return of other function",
			retOf: 0x300,
			want: map[bin.Addr]bin.Addrs{
				0x110: {0x100},
				0x120: {0x100},
			},
		},
		{
			name:  "return of traversed function",
			retOf: 0x100,
			want: map[bin.Addr]bin.Addrs{
				0x110: {0x100},
				0x120: {0x300},
			},
		},
	}
	for _, g := range golden {
		t.Run(g.name, func(t *testing.T) {
			m := newTestModule(t, DefaultConfig(),
				tb(0x100, nil, storeConst(0x110)),
				tb(0x110, nil, storeConst(0x120)),
				tb(0x120, nil, storeDyn),
				tb(0x300, nil, storeDyn),
			)
			info := trace.NewInfo()
			info.Successors.Add(0x100, 0x110)
			info.Successors.Add(0x110, 0x120)
			l := &info.FunctionLog
			l.Entries = []bin.Addr{0x100, 0x300}
			l.EntryToReturn.Add(g.retOf, 0x110)
			l.EntryToTBs[0x100] = trace.NewAddrSet(0x100)
			l.EntryToTBs[0x300] = trace.NewAddrSet(0x300, 0x110, 0x120)
			fi := trace.NewFuncInfo(info)
			ReparentTailCalls(m, fi, info)
			for pc, want := range g.want {
				assert.Equal(t, want, fi.Owners(pc), "owners of %v", pc)
			}
			require.NoError(t, fi.Check())
		})
	}
}

func TestRecoverFunctions(t *testing.T) {
	m, _ := recoveredProgram(t, DefaultConfig())
	checkPartition(t, m)
	funcs := m.liveFuncs()
	var names []string
	for _, f := range funcs {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"Func_80", "Func_100", "Func_200", "Func_wrapper"}, names)

	start, main, f := funcAt(t, m, 0x80), funcAt(t, m, 0x100), funcAt(t, m, 0x200)
	w := funcs[3]
	assert.True(t, w.Dispatcher)
	assert.Equal(t, main.ID, w.Callee)
	assert.Len(t, m.members(main), 4)

	// Edges to entries of other functions become function targets; edges to
	// non-entry blocks of other functions are kept as return edges.
	assert.Equal(t, []Target{FuncTarget(main.ID)}, blockAt(t, m, 0x80).Succs)
	assert.Equal(t, []Target{FuncTarget(f.ID)}, blockAt(t, m, 0x110).Succs)
	assert.Equal(t, []Target{BlockTarget(blockAt(t, m, 0x118).ID)}, blockAt(t, m, 0x200).Succs)
	assert.Equal(t, start.ID, blockAt(t, m, 0x80).Func)
}

func TestRecoverFunctionsOrphans(t *testing.T) {
	m := newTestModule(t, DefaultConfig(),
		tb(0x100, nil, storeConst(0x110)),
		tb(0x110, nil, storeConst(0x120)),
		tb(0x120, nil, storeDyn),
		tb(0x500, nil, storeDyn),
	)
	info := trace.NewInfo()
	info.Successors.Add(0x100, 0x110)
	info.Successors.Add(0x110, 0x120)
	l := &info.FunctionLog
	l.Entries = []bin.Addr{0x100}
	l.EntryToTBs[0x100] = trace.NewAddrSet(0x100)
	AddSuccessors(m, info)
	fi := trace.NewFuncInfo(info)
	require.NoError(t, RecoverFunctions(m, fi))
	checkPartition(t, m)
	f := funcAt(t, m, 0x100)
	// Orphans are adopted through their predecessors, transitively.
	assert.Equal(t, f.ID, blockAt(t, m, 0x110).Func)
	assert.Equal(t, f.ID, blockAt(t, m, 0x120).Func)
	// Unreachable orphans are removed.
	_, ok := m.BlockAt(0x500)
	assert.False(t, ok)
	// The dispatcher falls back to the only entry.
	w := m.Funcs[len(m.Funcs)-1]
	assert.True(t, w.Dispatcher)
	assert.Equal(t, f.ID, w.Callee)
}

func TestRecoverFunctionsSharedBlock(t *testing.T) {
	m := newTestModule(t, DefaultConfig(),
		tb(0x100, nil, storeDyn),
		tb(0x200, nil, storeDyn),
		tb(0x300, nil, storeDyn),
	)
	info := trace.NewInfo()
	l := &info.FunctionLog
	l.Entries = []bin.Addr{0x100, 0x200}
	l.EntryToTBs[0x100] = trace.NewAddrSet(0x100, 0x300)
	l.EntryToTBs[0x200] = trace.NewAddrSet(0x200, 0x300, 0x100)
	fi := trace.NewFuncInfo(info)
	require.NoError(t, RecoverFunctions(m, fi))
	checkPartition(t, m)
	// Entry blocks own themselves; shared blocks go to the lowest entry.
	assert.Equal(t, funcAt(t, m, 0x100).ID, blockAt(t, m, 0x300).Func)
	assert.Len(t, m.members(funcAt(t, m, 0x200)), 1)
}

func TestRecoverFunctionsMissingEntry(t *testing.T) {
	m := newTestModule(t, DefaultConfig(), tb(0x100, nil, storeDyn))
	info := trace.NewInfo()
	info.FunctionLog.Entries = []bin.Addr{0x100, 0x200}
	fi := trace.NewFuncInfo(info)
	assert.Error(t, RecoverFunctions(m, fi))
}

func TestRecoverFunctionsMissingLogBlocks(t *testing.T) {
	golden := []struct {
		name   string
		add    func(l *trace.FunctionLog)
		remove bin.Addr
		err    bool
	}{
		{
			name: "return block",
			add:  func(l *trace.FunctionLog) { l.EntryToReturn.Add(0x100, 0x999) },
			err:  true,
		},
		{
			name: "follow-up block",
			add:  func(l *trace.FunctionLog) { l.CallerToFollowUp.Add(0x555, 0x777) },
			err:  true,
		},
		{
			name:   "removed return block",
			add:    func(l *trace.FunctionLog) { l.EntryToReturn.Add(0x100, 0x110) },
			remove: 0x110,
		},
	}
	for _, g := range golden {
		t.Run(g.name, func(t *testing.T) {
			m := newTestModule(t, DefaultConfig(),
				tb(0x100, nil, storeDyn),
				tb(0x110, nil, storeDyn),
			)
			info := trace.NewInfo()
			l := &info.FunctionLog
			l.Entries = []bin.Addr{0x100}
			l.EntryToTBs[0x100] = trace.NewAddrSet(0x100, 0x110)
			g.add(l)
			if g.remove != 0 {
				m.removeBlock(blockAt(t, m, g.remove))
			}
			err := RecoverFunctions(m, trace.NewFuncInfo(info))
			if g.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			checkPartition(t, m)
		})
	}
}

func TestResolveOverlaps(t *testing.T) {
	m := newTestModule(t, DefaultConfig(),
		tb(0x30, []bin.Addr{0x40, 0x50}, storeDyn),
		tb(0x40, []bin.Addr{0x50}, storeDyn),
		tb(0x60, nil, storeDyn),
	)
	a, b, c := blockAt(t, m, 0x30), blockAt(t, m, 0x40), blockAt(t, m, 0x60)
	f := m.newFunc("Func_30", 0x30)
	for _, x := range []*Block{a, b, c} {
		m.adopt(f, x)
	}
	a.Succs = []Target{BlockTarget(c.ID)}
	b.Succs = []Target{BlockTarget(c.ID), BlockTarget(a.ID)}

	n := ResolveOverlaps(m)
	assert.Equal(t, 1, n)
	assert.Equal(t, &TermBr{Target: b.ID}, a.Term)
	assert.Equal(t, []Target{BlockTarget(b.ID)}, a.Succs)
	assert.Equal(t, bin.Addr(0x30), a.LastPC)
	assert.Equal(t, bin.Addr(0x50), b.LastPC)
	assert.True(t, a.Merged)
	assert.True(t, b.Merged)
	_, pcs := m.markers(a)
	assert.Equal(t, []bin.Addr{0x30}, pcs)
	assert.Equal(t, []Target{BlockTarget(c.ID), BlockTarget(a.ID)}, b.Succs)

	// Resolving again changes nothing.
	n = ResolveOverlaps(m)
	assert.Equal(t, 0, n)
}

func TestResolveOverlapsChain(t *testing.T) {
	m := newTestModule(t, DefaultConfig(),
		tb(0x10, []bin.Addr{0x20, 0x30}, storeDyn),
		tb(0x20, []bin.Addr{0x30}, storeDyn),
		tb(0x30, nil, storeDyn),
	)
	f := m.newFunc("Func_10", 0x10)
	for _, b := range m.liveBlocks() {
		m.adopt(f, b)
	}
	n := ResolveOverlaps(m)
	assert.Equal(t, 2, n)
	assert.Equal(t, &TermBr{Target: 1}, m.Blocks[0].Term)
	assert.Equal(t, &TermBr{Target: 2}, m.Blocks[1].Term)
	assert.IsType(t, &TermRet{}, m.Blocks[2].Term)
}

func TestResolveOverlapsNotBoundary(t *testing.T) {
	m := newTestModule(t, DefaultConfig(),
		tb(0x30, []bin.Addr{0x44, 0x50}, storeDyn),
		tb(0x40, []bin.Addr{0x50}, storeDyn),
	)
	f := m.newFunc("Func_30", 0x30)
	for _, b := range m.liveBlocks() {
		m.adopt(f, b)
	}
	n := ResolveOverlaps(m)
	assert.Equal(t, 0, n)
	assert.IsType(t, &TermRet{}, m.Blocks[0].Term)
	assert.False(t, m.Blocks[0].Merged)
}

func TestResolveExceptionOverlap(t *testing.T) {
	const raise = "\tcall void @helper_raise_exception(i32 6)\n\tcall void @instr_start(i32 60)\n"
	m := newTestModule(t, DefaultConfig(),
		tb(0x30, []bin.Addr{0x38}, storeDyn),
		tb(0x38, nil, raise+storeDyn),
	)
	a, b := blockAt(t, m, 0x30), blockAt(t, m, 0x38)
	f := m.newFunc("Func_30", 0x30)
	m.adopt(f, a)
	m.adopt(f, b)
	a.Succs = []Target{BlockTarget(b.ID)}
	n := ResolveOverlaps(m)
	assert.Equal(t, 1, n)
	assert.Equal(t, &TermBr{Target: b.ID}, a.Term)
	assert.Equal(t, bin.Addr(0x30), a.LastPC)
	assert.Equal(t, -1, m.raiseInPrologue(b))
	for _, inst := range b.Insts {
		assert.False(t, isCallTo(inst, "helper_raise_exception"))
	}
}

func TestInsertCallsDirect(t *testing.T) {
	m, fi := recoveredProgram(t, DefaultConfig())
	require.NoError(t, InsertCalls(m, fi))
	main, f := funcAt(t, m, 0x100), funcAt(t, m, 0x200)

	call := blockAt(t, m, 0x110)
	follow := blockAt(t, m, 0x118)
	assert.Equal(t, &TermCall{Callee: f.ID, Next: follow.ID}, call.Term)
	assert.Equal(t, []Target{BlockTarget(follow.ID)}, call.Succs)
	assert.Equal(t, -1, m.lastPCStore(call))

	// Calls without follow-up never return.
	start := blockAt(t, m, 0x80)
	assert.Equal(t, &TermCall{Callee: main.ID, Next: NoBlock}, start.Term)
	assert.Empty(t, start.Succs)

	// Return blocks and local branches are left untouched.
	assert.IsType(t, &TermRet{}, blockAt(t, m, 0x200).Term)
	assert.IsType(t, &TermRet{}, blockAt(t, m, 0x100).Term)
}

func TestInsertCallsTail(t *testing.T) {
	m, fi := recoveredProgram(t, DefaultConfig())
	f := funcAt(t, m, 0x200)
	// A jump from 0x118 to f; 0x118 is no recorded call site.
	b := blockAt(t, m, 0x118)
	b.Succs = []Target{FuncTarget(f.ID)}
	require.NoError(t, InsertCalls(m, fi))
	assert.Equal(t, &TermCall{Callee: f.ID, Next: NoBlock, Tail: true}, b.Term)
}

func TestInsertCallsIndirect(t *testing.T) {
	tbs := append(programTBs(), tb(0x300, nil, storeDyn))
	tbs[2] = tb(0x110, nil, storeDyn)
	m := newTestModule(t, DefaultConfig(), tbs...)
	info := programTrace()
	info.Successors.Add(0x110, 0x300)
	info.Successors.Add(0x300, 0x118)
	l := &info.FunctionLog
	l.Entries = []bin.Addr{0x80, 0x100, 0x200, 0x300}
	l.EntryToCaller.Add(0x300, 0x110)
	l.EntryToReturn.Add(0x300, 0x300)
	l.EntryToTBs[0x300] = trace.NewAddrSet(0x300)
	AddSuccessors(m, info)
	fi := trace.NewFuncInfo(info)
	require.NoError(t, RecoverFunctions(m, fi))
	require.NoError(t, InsertCalls(m, fi))

	b := blockAt(t, m, 0x110)
	sw, ok := b.Term.(*TermSwitch)
	require.True(t, ok, "expected switch, got %T", b.Term)
	require.Len(t, sw.Cases, 2)
	assert.Equal(t, bin.Addr(0x200), sw.Cases[0].Addr)
	assert.Equal(t, bin.Addr(0x300), sw.Cases[1].Addr)
	assert.True(t, m.Blocks[sw.Default].Synthetic)
	// The dynamic PC store selects the callee.
	assert.NotEqual(t, -1, m.lastPCStore(b))

	follow := blockAt(t, m, 0x118)
	var join BlockID = NoBlock
	for i, c := range sw.Cases {
		w := m.Blocks[c.Target]
		assert.True(t, w.Synthetic)
		assert.Equal(t, b.Func, w.Func)
		call, ok := w.Term.(*TermCall)
		require.True(t, ok)
		assert.Equal(t, funcAt(t, m, c.Addr).ID, call.Callee, "case %d", i)
		if join == NoBlock {
			join = call.Next
		}
		assert.Equal(t, join, call.Next)
	}
	jb := m.Blocks[join]
	assert.Equal(t, &TermBr{Target: follow.ID}, jb.Term)
	require.Len(t, jb.Insts, 1)
	store, ok := jb.Insts[0].(*ir.InstStore)
	require.True(t, ok)
	assert.Equal(t, m.pcConst(0x118), store.Src)
}

func TestInsertCallsAmbiguous(t *testing.T) {
	m := newTestModule(t, DefaultConfig(),
		tb(0x50, nil, storeDyn),
		tb(0x100, nil, storeDyn),
		tb(0x118, nil, storeDyn),
	)
	info := trace.NewInfo()
	info.Successors.Add(0x100, 0x50)
	info.Successors.Add(0x100, 0x118)
	l := &info.FunctionLog
	l.Entries = []bin.Addr{0x100, 0x50}
	l.EntryToTBs[0x100] = trace.NewAddrSet(0x100, 0x118)
	l.EntryToTBs[0x50] = trace.NewAddrSet(0x50)
	AddSuccessors(m, info)
	fi := trace.NewFuncInfo(info)
	require.NoError(t, RecoverFunctions(m, fi))
	assert.Error(t, InsertCalls(m, fi))
}

func TestInsertPCJumps(t *testing.T) {
	m, fi := recoveredProgram(t, DefaultConfig())
	require.NoError(t, InsertCalls(m, fi))
	require.NoError(t, InsertPCJumps(m, fi))

	b := blockAt(t, m, 0x100)
	sw, ok := b.Term.(*TermSwitch)
	require.True(t, ok, "expected switch, got %T", b.Term)
	want := []*Case{
		{Addr: 0x110, Target: blockAt(t, m, 0x110).ID},
		{Addr: 0x120, Target: blockAt(t, m, 0x120).ID},
	}
	if diff := cmp.Diff(want, sw.Cases); diff != "" {
		t.Errorf("switch cases mismatch (-want +got):\n%s", diff)
	}
	errb := m.Blocks[sw.Default]
	assert.True(t, errb.Synthetic)
	assert.IsType(t, &TermUnreachable{}, errb.Term)
	// The fallback block is shared within a function.
	sw2 := blockAt(t, m, 0x118).Term.(*TermSwitch)
	assert.Equal(t, sw.Default, sw2.Default)

	// Return blocks keep their return.
	assert.IsType(t, &TermRet{}, blockAt(t, m, 0x200).Term)
	assert.IsType(t, &TermRet{}, blockAt(t, m, 0x120).Term)
	for _, b := range m.liveBlocks() {
		assert.Empty(t, b.Succs, "successors of %v", b)
	}
}

func TestFallbackBlock(t *testing.T) {
	golden := []struct {
		mode    FallbackMode
		helpers []string
		term    Terminator
	}{
		{mode: FallbackNone, term: &TermUnreachable{}},
		{mode: FallbackError, helpers: []string{helperPCJumpError}, term: &TermUnreachable{}},
		{mode: FallbackError1, helpers: []string{helperPCJumpErrorFunc}, term: &TermUnreachable{}},
		{mode: FallbackBasic, helpers: []string{helperSpillRegisters, helperFallback, helperRestoreRegisters}, term: &TermRet{}},
		{mode: FallbackUnfallback, helpers: []string{helperUnfallback}, term: &TermRet{}},
	}
	for _, g := range golden {
		t.Run(g.mode.String(), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Fallback = g.mode
			m, _ := recoveredProgram(t, cfg)
			b := m.fallbackBlock(funcAt(t, m, 0x100))
			assert.Equal(t, g.term, b.Term)
			var helpers []string
			for _, inst := range b.Insts {
				if call, ok := inst.(*ir.InstCall); ok {
					helpers = append(helpers, calleeName(call))
				}
			}
			assert.Equal(t, g.helpers, helpers)
		})
	}
}

func TestFallbackExtended(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Fallback = FallbackExtended
	cfg.JumpTableCap = 2
	m, _ := recoveredProgram(t, cfg)
	main := funcAt(t, m, 0x100)
	b := m.fallbackBlock(main)
	sw, ok := b.Term.(*TermSwitch)
	require.True(t, ok)
	// Non-entry blocks of main, truncated to capacity.
	require.Len(t, sw.Cases, 2)
	assert.Equal(t, bin.Addr(0x110), sw.Cases[0].Addr)
	assert.Equal(t, bin.Addr(0x118), sw.Cases[1].Addr)
	assert.True(t, m.Blocks[sw.Default].Synthetic)
	assert.Equal(t, bin.Addrs{0x80, 0x100, 0x200}, m.EntryPoints())
}

func TestMergeFunctions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RecoverFunctions = false
	m := newTestModule(t, cfg, programTBs()...)
	AddSuccessors(m, programTrace())
	w, err := MergeFunctions(m)
	require.NoError(t, err)
	assert.Equal(t, wrapperName, w.Name)
	assert.Equal(t, blockAt(t, m, 0x80).ID, w.Entry)
	assert.Len(t, m.members(w), 6)
	checkPartition(t, m)
}

func TestMergeFunctionsNoRoot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RecoverFunctions = false
	m := newTestModule(t, cfg,
		tb(0x100, nil, storeDyn),
		tb(0x110, nil, storeDyn),
	)
	m.Blocks[0].Succs = []Target{BlockTarget(1)}
	m.Blocks[1].Succs = []Target{BlockTarget(0)}
	_, err := MergeFunctions(m)
	assert.Error(t, err)
}

func TestFinalize(t *testing.T) {
	names := func() []string {
		m, _ := recoveredProgram(t, DefaultConfig())
		syms := bin.Symbols{
			{Addr: 0x80, Name: "_start"},
			{Addr: 0x100, Name: "main"},
			{Addr: 0x200, Name: "foo@plt"},
		}
		Finalize(m, syms)
		var names []string
		for _, f := range m.liveFuncs() {
			names = append(names, f.Name)
		}
		for _, b := range m.liveBlocks() {
			_, pcs := m.markers(b)
			assert.Empty(t, pcs, "markers of %v", b)
		}
		return names
	}
	want := []string{"Func__start", "Func_main", "Func_200", "Func_wrapper"}
	assert.Equal(t, want, names())
	// Naming is deterministic.
	assert.Equal(t, want, names())
}

func TestFinalizeNameCollision(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DebugLevel = 1
	m, _ := recoveredProgram(t, cfg)
	syms := bin.Symbols{
		{Addr: 0x100, Name: "dup"},
		{Addr: 0x200, Name: "dup"},
	}
	Finalize(m, syms)
	assert.Equal(t, "Func_dup", funcAt(t, m, 0x100).Name)
	assert.Equal(t, "Func_200", funcAt(t, m, 0x200).Name)
	// Markers survive when debugging.
	_, pcs := m.markers(blockAt(t, m, 0x100))
	assert.Equal(t, []bin.Addr{0x100, 0x104}, pcs)
}

func TestIsIdent(t *testing.T) {
	assert.True(t, isIdent("main"))
	assert.True(t, isIdent("_Z3foov"))
	assert.False(t, isIdent(""))
	assert.False(t, isIdent("9lives"))
	assert.False(t, isIdent("foo@plt"))
	assert.False(t, isIdent("foo.cold"))
}
