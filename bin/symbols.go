package bin

import (
	"bufio"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/ianlancetaylor/demangle"
	"github.com/pkg/errors"
)

// Symbol is a named address of the binary executable.
type Symbol struct {
	// Address of the symbol.
	Addr Addr
	// Symbol name, as recorded in the symbol table (possibly mangled).
	Name string
}

// Demangled returns the human readable form of the symbol name.
func (sym Symbol) Demangled() string {
	return demangle.Filter(sym.Name)
}

// Symbols is a symbol table sorted by address.
type Symbols []Symbol

// At returns the symbols at the given address, in table order.
func (syms Symbols) At(addr Addr) []Symbol {
	i := sort.Search(len(syms), func(i int) bool {
		return syms[i].Addr >= addr
	})
	j := i
	for j < len(syms) && syms[j].Addr == addr {
		j++
	}
	return syms[i:j]
}

// ParseSymbolsFile parses the given symbol table file.
func ParseSymbolsFile(path string) (Symbols, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()
	syms, err := ParseSymbols(f)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to parse symbol table %q", path)
	}
	return syms, nil
}

// ParseSymbols parses a symbol table containing one "<hex address> <name>"
// pair per line. Empty lines and lines starting with '#' are ignored. The
// address may be given with or without "0x" prefix.
func ParseSymbols(r io.Reader) (Symbols, error) {
	var syms Symbols
	s := bufio.NewScanner(r)
	lineNum := 0
	for s.Scan() {
		lineNum++
		line := strings.TrimSpace(s.Text())
		if len(line) == 0 || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, errors.Errorf("line %d: invalid symbol entry %q; expected address and name", lineNum, line)
		}
		hex := strings.TrimPrefix(strings.TrimPrefix(fields[0], "0x"), "0X")
		x, err := strconv.ParseUint(hex, 16, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d: invalid symbol address %q", lineNum, fields[0])
		}
		syms = append(syms, Symbol{Addr: Addr(x), Name: fields[1]})
	}
	if err := s.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	sort.SliceStable(syms, func(i, j int) bool {
		return syms[i].Addr < syms[j].Addr
	})
	return syms, nil
}
