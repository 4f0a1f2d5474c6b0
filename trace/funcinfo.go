package trace

import (
	"sort"

	"github.com/mewmew/tracelift/bin"
	"github.com/pkg/errors"
)

// FuncInfo is a read-only view of the function-call log of a trace record,
// grouped and inverted for convenient lookup. It is rebuilt on each lifting
// run.
type FuncInfo struct {
	// Function entry pcs, in the order first observed (sentinel removed).
	EntryPCs []bin.Addr
	// Maps from entry pc to the blocks at which calls to entry returned.
	EntryToReturns map[bin.Addr]bin.Addrs
	// Maps from entry pc to the call sites of entry.
	EntryToCallers map[bin.Addr]bin.Addrs
	// Maps from caller pc to the follow-up block executed after the call
	// returns.
	CallerToFollowUp map[bin.Addr]bin.Addr
	// Maps from entry pc to the translation-block pcs of the function.
	EntryToBlocks map[bin.Addr]AddrSet
	// Maps from translation-block pc to the entry pcs of the functions the
	// block belongs to; the exact inverse of EntryToBlocks.
	BlockToEntries map[bin.Addr]AddrSet

	// Set of function entry pcs.
	entries AddrSet
	// Set of return block pcs, of any function.
	returns AddrSet
}

// NewFuncInfo returns the function information view of the given trace
// record.
func NewFuncInfo(info *Info) *FuncInfo {
	l := &info.FunctionLog
	fi := &FuncInfo{
		EntryToReturns:   make(map[bin.Addr]bin.Addrs),
		EntryToCallers:   make(map[bin.Addr]bin.Addrs),
		CallerToFollowUp: make(map[bin.Addr]bin.Addr),
		EntryToBlocks:    make(map[bin.Addr]AddrSet),
		BlockToEntries:   make(map[bin.Addr]AddrSet),
		entries:          make(AddrSet),
		returns:          make(AddrSet),
	}
	for _, entry := range TrimSentinel(l.Entries) {
		if fi.entries[entry] {
			continue
		}
		fi.entries[entry] = true
		fi.EntryPCs = append(fi.EntryPCs, entry)
	}
	for _, p := range l.EntryToReturn.Sorted() {
		fi.EntryToReturns[p.Key] = append(fi.EntryToReturns[p.Key], p.Val)
		fi.returns[p.Val] = true
	}
	for _, p := range l.EntryToCaller.Sorted() {
		fi.EntryToCallers[p.Key] = append(fi.EntryToCallers[p.Key], p.Val)
	}
	// Pairs are sorted, so the lowest follow-up of a caller is kept.
	for _, p := range l.CallerToFollowUp.Sorted() {
		if prev, ok := fi.CallerToFollowUp[p.Key]; ok {
			warn.Printf("call site %v has more than one follow-up block (%v and %v); using %v", p.Key, prev, p.Val, prev)
			continue
		}
		fi.CallerToFollowUp[p.Key] = p.Val
	}
	for entry, tbs := range l.EntryToTBs {
		for tb := range tbs {
			fi.addMember(entry, tb)
		}
	}
	return fi
}

// IsEntry reports whether the given pc is a function entry.
func (fi *FuncInfo) IsEntry(pc bin.Addr) bool {
	return fi.entries[pc]
}

// IsReturn reports whether the given pc is a block at which a call to any
// function was observed to return.
func (fi *FuncInfo) IsReturn(pc bin.Addr) bool {
	return fi.returns[pc]
}

// IsReturnOf reports whether the given pc is a block at which a call to entry
// was observed to return.
func (fi *FuncInfo) IsReturnOf(entry, pc bin.Addr) bool {
	return containsAddr(fi.EntryToReturns[entry], pc)
}

// IsCaller reports whether the given pc is a recorded call site of entry.
func (fi *FuncInfo) IsCaller(entry, caller bin.Addr) bool {
	return containsAddr(fi.EntryToCallers[entry], caller)
}

// IsCallSite reports whether the given pc is a recorded call site of any
// function.
func (fi *FuncInfo) IsCallSite(caller bin.Addr) bool {
	_, ok := fi.CallerToFollowUp[caller]
	if ok {
		return true
	}
	for _, callers := range fi.EntryToCallers {
		if containsAddr(callers, caller) {
			return true
		}
	}
	return false
}

// FollowUp returns the follow-up block of the given call site.
func (fi *FuncInfo) FollowUp(caller bin.Addr) (bin.Addr, bool) {
	pc, ok := fi.CallerToFollowUp[caller]
	return pc, ok
}

// Owners returns the entry pcs of the functions the given block belongs to,
// in ascending order.
func (fi *FuncInfo) Owners(pc bin.Addr) bin.Addrs {
	return fi.BlockToEntries[pc].Sorted()
}

// Reparent moves the given block into the function of the given entry,
// removing it from every other function.
func (fi *FuncInfo) Reparent(pc, entry bin.Addr) {
	for _, owner := range fi.Owners(pc) {
		if owner == entry {
			continue
		}
		fi.removeMember(owner, pc)
	}
	fi.addMember(entry, pc)
}

// Check verifies that BlockToEntries is the exact inverse of EntryToBlocks.
func (fi *FuncInfo) Check() error {
	for entry, tbs := range fi.EntryToBlocks {
		for tb := range tbs {
			if !fi.BlockToEntries[tb][entry] {
				return errors.Errorf("block %v of function %v missing from inverse index", tb, entry)
			}
		}
	}
	for tb, entries := range fi.BlockToEntries {
		for entry := range entries {
			if !fi.EntryToBlocks[entry][tb] {
				return errors.Errorf("inverse index maps block %v to function %v not containing it", tb, entry)
			}
		}
	}
	return nil
}

// addMember adds the given block to the function of entry.
func (fi *FuncInfo) addMember(entry, pc bin.Addr) {
	tbs, ok := fi.EntryToBlocks[entry]
	if !ok {
		tbs = make(AddrSet)
		fi.EntryToBlocks[entry] = tbs
	}
	tbs[pc] = true
	owners, ok := fi.BlockToEntries[pc]
	if !ok {
		owners = make(AddrSet)
		fi.BlockToEntries[pc] = owners
	}
	owners[entry] = true
}

// removeMember removes the given block from the function of entry.
func (fi *FuncInfo) removeMember(entry, pc bin.Addr) {
	delete(fi.EntryToBlocks[entry], pc)
	delete(fi.BlockToEntries[pc], entry)
	if len(fi.BlockToEntries[pc]) == 0 {
		delete(fi.BlockToEntries, pc)
	}
}

// ### [ Helper functions ] ####################################################

// containsAddr reports whether the sorted list of addresses contains addr.
func containsAddr(addrs bin.Addrs, addr bin.Addr) bool {
	i := sort.Search(len(addrs), func(i int) bool {
		return addrs[i] >= addr
	})
	return i < len(addrs) && addrs[i] == addr
}
