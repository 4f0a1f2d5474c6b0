package main

import (
	"os"
	"strings"

	"github.com/mewkiz/pkg/pathutil"
	"github.com/mewmew/tracelift/bin"
	"github.com/mewmew/tracelift/lift"
	"github.com/mewmew/tracelift/trace"
	"github.com/pkg/errors"
)

// lifter lifts the translation blocks of an LLVM IR module.
type lifter struct {
	// Input LLVM IR module path.
	llPath string
	// Output LLVM IR module path.
	outPath string
	// Command line options.
	opts options
	// Pipeline configuration.
	cfg *lift.Config
}

// newLifter returns a new lifter of the given LLVM IR module.
func newLifter(llPath string, opts options, cfg *lift.Config) *lifter {
	outPath := opts.output
	if len(outPath) == 0 {
		outPath = pathutil.TrimExt(llPath) + "_lifted.ll"
	}
	return &lifter{
		llPath:  llPath,
		outPath: outPath,
		opts:    opts,
		cfg:     cfg,
	}
}

// lift lifts the translation blocks of the input module, and writes the
// recovered module to the output path.
func (l *lifter) lift() error {
	dbg.Printf("lift(llPath = %q)", l.llPath)
	in, err := l.parseInputs()
	if err != nil {
		return errors.WithStack(err)
	}
	ll, err := parseModule(l.llPath)
	if err != nil {
		return errors.WithStack(err)
	}
	m, err := lift.Run(ll, in, l.cfg)
	if err != nil {
		return errors.Wrapf(err, "unable to lift %q", l.llPath)
	}
	if err := writeModule(l.outPath, m.LL()); err != nil {
		return errors.WithStack(err)
	}
	if len(l.opts.entries) > 0 || l.cfg.Fallback == lift.FallbackExtended {
		if err := writeEntries(l.entriesPath(), m.EntryPoints()); err != nil {
			return errors.WithStack(err)
		}
	}
	if len(l.opts.dot) > 0 {
		if err := writeDOT(l.opts.dot, m); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// parseInputs parses the trace records, symbol table and signatures of the
// lifting run.
func (l *lifter) parseInputs() (*lift.Inputs, error) {
	if len(l.opts.traces) == 0 {
		return nil, errors.New("missing trace record; use -trace")
	}
	info, err := trace.LoadFiles(l.opts.traces...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	syms, err := parseSymbols(l.opts.symbols)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	sigs, err := parseSigs(l.opts.sigs)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &lift.Inputs{Trace: info, Symbols: syms, Signatures: sigs}, nil
}

// entriesPath returns the output path of the recovered entry point list.
func (l *lifter) entriesPath() string {
	if len(l.opts.entries) > 0 {
		return l.opts.entries
	}
	return pathutil.TrimExt(l.outPath) + ".entries"
}

// optPath returns the output path of the optimized module.
func (l *lifter) optPath() string {
	return pathutil.TrimExt(l.outPath) + "_opt.ll"
}

// binPath returns the output path of the compiled executable.
func (l *lifter) binPath() string {
	return strings.TrimSuffix(pathutil.TrimExt(l.outPath), "_lifted")
}

// clean removes the output files of previous runs.
func (l *lifter) clean() error {
	paths := []string{l.outPath, l.entriesPath(), l.optPath(), l.binPath() + "_recovered"}
	if len(l.opts.dot) > 0 {
		paths = append(paths, l.opts.dot)
	}
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.WithStack(err)
		}
		dbg.Printf("removed %q", path)
	}
	return nil
}

// writeEntries writes the given entry point list to path, one address per
// line.
func writeEntries(path string, entries bin.Addrs) error {
	dbg.Printf("creating %q", path)
	var sb strings.Builder
	for _, entry := range entries {
		sb.WriteString(entry.String())
		sb.WriteString("\n")
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// writeDOT writes the control flow graph of the given module to path.
func writeDOT(path string, m *lift.Module) error {
	dbg.Printf("creating %q", path)
	f, err := os.Create(path)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()
	if err := lift.WriteDOT(f, m); err != nil {
		return errors.WithStack(err)
	}
	return nil
}
