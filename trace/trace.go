// Package trace implements the in-memory representation of the dynamic trace
// recorded by the instrumentation front end, and the function information
// view derived from it.
//
// A trace record holds the control flow edges observed at runtime, the
// function-call log (function entries, call sites, return blocks and
// follow-up blocks) and informational memory access records. Records of
// several recording sessions may be merged by set and map union.
package trace

import (
	"encoding/json"
	"sort"

	"github.com/mewmew/tracelift/bin"
	"github.com/pkg/errors"
)

// Info is a trace record.
type Info struct {
	// Stack frame sizes by function name (informational).
	StackFrameSizes map[string]uint32 `json:"stackFrameSizes,omitempty"`
	// Stack pointer differences by function name (informational).
	StackDifference map[string]uint32 `json:"stackDifference,omitempty"`
	// Observed memory operations (informational).
	MemoryAccesses []MemoryAccess `json:"memoryAccesses,omitempty"`
	// Control flow edges (pc, successor) observed at runtime.
	Successors PairSet `json:"successors"`
	// Function-call log.
	FunctionLog FunctionLog `json:"functionLog"`
}

// NewInfo returns a new empty trace record.
func NewInfo() *Info {
	return &Info{
		StackFrameSizes: make(map[string]uint32),
		StackDifference: make(map[string]uint32),
		Successors:      make(PairSet),
		FunctionLog:     newFunctionLog(),
	}
}

// MemoryAccess is a memory operation observed at runtime.
type MemoryAccess struct {
	PC            bin.Addr `json:"pc"`
	Offset        int64    `json:"offset"`
	IsWrite       bool     `json:"isWrite"`
	IsLocalAccess bool     `json:"isLocalAccess"`
	Size          uint64   `json:"size"`
	IsDirect      bool     `json:"isDirect"`
	FnBase        bin.Addr `json:"fnBase"`
}

// FunctionLog records function entries and the call/return relations
// observed at runtime.
type FunctionLog struct {
	// Function entry pcs, in the order first observed. The last entry may be an
	// in-progress sentinel value 0.
	Entries []bin.Addr `json:"entries"`
	// Pairs of (entry, caller) pcs; every site that called a given entry.
	EntryToCaller PairSet `json:"entryToCaller"`
	// Pairs of (entry, return block) pcs; every block at which a call to entry
	// was observed to return.
	EntryToReturn PairSet `json:"entryToReturn"`
	// Pairs of (caller, follow-up block) pcs; the block executed after the call
	// site returns.
	CallerToFollowUp PairSet `json:"callerToFollowUp"`
	// Maps from entry pc to the translation-block pcs of the function.
	EntryToTBs map[bin.Addr]AddrSet `json:"entryToTbs"`
}

// newFunctionLog returns a new empty function log.
func newFunctionLog() FunctionLog {
	return FunctionLog{
		EntryToCaller:    make(PairSet),
		EntryToReturn:    make(PairSet),
		CallerToFollowUp: make(PairSet),
		EntryToTBs:       make(map[bin.Addr]AddrSet),
	}
}

// TrimSentinel returns the given entry list without its trailing in-progress
// sentinel value 0, if present.
func TrimSentinel(entries []bin.Addr) []bin.Addr {
	if n := len(entries); n > 0 && entries[n-1] == 0 {
		return entries[:n-1]
	}
	return entries
}

// --- [ Sets ] ----------------------------------------------------------------

// Pair is an ordered pair of pcs, such as a (pc, successor) edge or an (entry,
// caller) relation.
type Pair struct {
	Key bin.Addr
	Val bin.Addr
}

// MarshalJSON returns the JSON encoding of the pair as a two-element array.
func (p Pair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]bin.Addr{p.Key, p.Val})
}

// UnmarshalJSON unmarshals a two-element array into the pair.
func (p *Pair) UnmarshalJSON(b []byte) error {
	var v [2]bin.Addr
	if err := json.Unmarshal(b, &v); err != nil {
		return errors.WithStack(err)
	}
	p.Key, p.Val = v[0], v[1]
	return nil
}

// PairSet is a set of pairs. Duplicate pairs collapse; the JSON encoding is
// ordered by (key, value) for determinism.
type PairSet map[Pair]bool

// Add adds the pair (key, val) to the set.
func (s PairSet) Add(key, val bin.Addr) {
	s[Pair{Key: key, Val: val}] = true
}

// Has reports whether the set contains the pair (key, val).
func (s PairSet) Has(key, val bin.Addr) bool {
	return s[Pair{Key: key, Val: val}]
}

// Sorted returns the pairs of the set ordered by (key, value).
func (s PairSet) Sorted() []Pair {
	pairs := make([]Pair, 0, len(s))
	for p := range s {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Key != pairs[j].Key {
			return pairs[i].Key < pairs[j].Key
		}
		return pairs[i].Val < pairs[j].Val
	})
	return pairs
}

// MarshalJSON returns the JSON encoding of the set as a sorted array.
func (s PairSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON unmarshals a JSON array of pairs into the set.
func (s *PairSet) UnmarshalJSON(b []byte) error {
	var pairs []Pair
	if err := json.Unmarshal(b, &pairs); err != nil {
		return errors.WithStack(err)
	}
	*s = make(PairSet, len(pairs))
	for _, p := range pairs {
		(*s)[p] = true
	}
	return nil
}

// AddrSet is a set of pcs.
type AddrSet map[bin.Addr]bool

// NewAddrSet returns a set containing the given pcs.
func NewAddrSet(addrs ...bin.Addr) AddrSet {
	s := make(AddrSet, len(addrs))
	for _, addr := range addrs {
		s[addr] = true
	}
	return s
}

// Sorted returns the pcs of the set in ascending order.
func (s AddrSet) Sorted() bin.Addrs {
	addrs := make(bin.Addrs, 0, len(s))
	for addr := range s {
		addrs = append(addrs, addr)
	}
	sort.Sort(addrs)
	return addrs
}

// MarshalJSON returns the JSON encoding of the set as a sorted array.
func (s AddrSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON unmarshals a JSON array of pcs into the set.
func (s *AddrSet) UnmarshalJSON(b []byte) error {
	var addrs []bin.Addr
	if err := json.Unmarshal(b, &addrs); err != nil {
		return errors.WithStack(err)
	}
	*s = NewAddrSet(addrs...)
	return nil
}
