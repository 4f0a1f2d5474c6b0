package main

import (
	"os"
	"os/exec"

	"github.com/llir/llvm/asm"
	"github.com/llir/llvm/ir"
	"github.com/mewmew/tracelift/lift"
	"github.com/pkg/errors"
)

// parseModule parses the given LLVM IR assembly file into an LLVM IR module.
// The module is read from standard input if llPath is "-".
func parseModule(llPath string) (*ir.Module, error) {
	switch llPath {
	case "-":
		dbg.Println("parsing standard input")
		m, err := asm.Parse("<stdin>", os.Stdin)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		return m, nil
	default:
		dbg.Printf("parsing %q", llPath)
		m, err := asm.ParseFile(llPath)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		return m, nil
	}
}

// writeModule writes the given LLVM IR module to llPath.
func writeModule(llPath string, m *ir.Module) error {
	dbg.Printf("creating %q", llPath)
	f, err := os.Create(llPath)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()
	if err := lift.WriteModule(f, m); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// optimize optimizes the lifted module using the LLVM optimizer.
func (l *lifter) optimize() error {
	return run("opt", "-O3", "-S", "-o", l.optPath(), l.outPath)
}

// compile compiles the lifted module, optimized if present, into an
// executable linked against the runtime helpers.
func (l *lifter) compile() error {
	src := l.outPath
	if _, err := os.Stat(l.optPath()); err == nil {
		src = l.optPath()
	}
	args := []string{"-o", l.binPath() + "_recovered", src}
	if l.cfg.Arch.AddrSize == 32 {
		args = append([]string{"-m32"}, args...)
	}
	return run("clang", args...)
}

// run runs the given external command, forwarding its output.
func run(name string, args ...string) error {
	dbg.Printf("running %s %v", name, args)
	cmd := exec.Command(name, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return errors.WithStack(err)
	}
	return nil
}
