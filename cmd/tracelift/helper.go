package main

import (
	"github.com/mewkiz/pkg/osutil"
	"github.com/mewmew/tracelift/bin"
	"github.com/pkg/errors"
)

// parseSymbols parses the given symbol table. A missing symbol table is not
// an error; lifting proceeds without symbols.
func parseSymbols(path string) (bin.Symbols, error) {
	if len(path) == 0 {
		return nil, nil
	}
	if !osutil.Exists(path) {
		warn.Printf("unable to locate symbol table %q", path)
		return nil, nil
	}
	dbg.Printf("parseSymbols(path = %q)", path)
	syms, err := bin.ParseSymbolsFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return syms, nil
}

// parseSigs parses the given signature table. A missing signature table is
// not an error; external functions default to no arguments.
func parseSigs(jsonPath string) (bin.Signatures, error) {
	if len(jsonPath) == 0 {
		return nil, nil
	}
	if !osutil.Exists(jsonPath) {
		warn.Printf("unable to locate JSON file %q", jsonPath)
		return nil, nil
	}
	dbg.Printf("parseSigs(jsonPath = %q)", jsonPath)
	sigs, err := bin.ParseSignaturesFile(jsonPath)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return sigs, nil
}
