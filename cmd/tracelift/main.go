// The tracelift tool recovers a well-formed LLVM IR module from the
// translation blocks of a recorded execution trace.
//
// The input module holds one function per translation block, as captured
// while tracing the binary executable. The trace record provides successor
// edges and the function-call log, from which functions, calls and returns
// are recovered.
package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"strings"

	"github.com/mewkiz/pkg/term"
	"github.com/mewmew/tracelift/lift"
	"github.com/mewmew/tracelift/trace"
	"github.com/pkg/errors"
)

var (
	// dbg is a logger which logs debug messages with "tracelift:" prefix to
	// standard error.
	dbg = log.New(os.Stderr, term.MagentaBold("tracelift:")+" ", 0)
	// warn is a logger which logs warning messages with "warning:" prefix to
	// standard error.
	warn = log.New(os.Stderr, term.RedBold("warning:")+" ", 0)
)

func usage() {
	const use = `
Recover functions from the translation blocks of a recorded execution trace.

Usage:

	tracelift [OPTION]... -trace FILE.json FILE.ll

Stages (default -lift):

	-clean     remove output files of previous runs
	-lift      lift translation blocks into recovered functions
	-optimize  optimize the lifted module (opt)
	-compile   compile the lifted module into an executable (clang)

Flags:
`
	fmt.Fprintln(os.Stderr, use[1:])
	flag.PrintDefaults()
}

func main() {
	// Parse command line arguments.
	var (
		// clean specifies whether to remove output files of previous runs.
		clean bool
		// doLift specifies whether to lift translation blocks.
		doLift bool
		// optimize specifies whether to optimize the lifted module.
		optimize bool
		// compile specifies whether to compile the lifted module.
		compile bool
		// opts specifies the lifting options.
		opts options
		// quiet specifies whether to suppress non-error messages.
		quiet bool
	)
	cfg := lift.DefaultConfig()
	flag.BoolVar(&clean, "clean", false, "remove output files of previous runs")
	flag.BoolVar(&doLift, "lift", false, "lift translation blocks into recovered functions")
	flag.BoolVar(&optimize, "optimize", false, "optimize the lifted module")
	flag.BoolVar(&compile, "compile", false, "compile the lifted module into an executable")
	flag.StringVar(&opts.output, "o", "", "output path of lifted LLVM IR module")
	flag.Var(&opts.traces, "trace", "trace record (JSON or JSON.xz); may be repeated")
	flag.StringVar(&opts.symbols, "symbols", "", "symbol table of the binary executable")
	flag.StringVar(&opts.sigs, "sigs", "", "signatures of external functions (JSON)")
	flag.StringVar(&opts.config, "config", "", "pipeline configuration (YAML)")
	flag.Var(&cfg.Fallback, "fallback", "fallback of PC dispatch misses (none, error, error1, basic, extended, unfallback)")
	flag.IntVar(&cfg.DebugLevel, "debug", 0, "debug verbosity (0-3)")
	flag.BoolVar(&cfg.NoLinkLift, "no-link-lift", false, "call external functions through their PLT address")
	flag.BoolVar(&opts.noRecover, "no-recover", false, "merge all blocks into a single function")
	flag.StringVar(&opts.dot, "dot", "", "output path of control flow graph (DOT)")
	flag.StringVar(&opts.entries, "entries", "", "output path of recovered entry point list")
	flag.BoolVar(&quiet, "q", false, "suppress non-error messages")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}
	if len(opts.output) > 0 && flag.NArg() > 1 {
		log.Fatalf("%+v", errors.New("-o requires a single input module"))
	}
	if !clean && !doLift && !optimize && !compile {
		doLift = true
	}
	// Skip debug output if -q is set.
	if quiet {
		dbg.SetOutput(ioutil.Discard)
		lift.SetDebugOutput(ioutil.Discard)
		trace.SetDebugOutput(ioutil.Discard)
	}
	// Load configuration file; command line flags take precedence.
	if len(opts.config) > 0 {
		fileCfg, err := lift.LoadConfig(opts.config)
		if err != nil {
			log.Fatalf("%+v", err)
		}
		flag.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "fallback":
				fileCfg.Fallback = cfg.Fallback
			case "debug":
				fileCfg.DebugLevel = cfg.DebugLevel
			case "no-link-lift":
				fileCfg.NoLinkLift = cfg.NoLinkLift
			}
		})
		cfg = fileCfg
	}
	if opts.noRecover {
		cfg.RecoverFunctions = false
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("%+v", err)
	}

	for _, llPath := range flag.Args() {
		l := newLifter(llPath, opts, cfg)
		if clean {
			if err := l.clean(); err != nil {
				log.Fatalf("%+v", err)
			}
		}
		if doLift {
			if err := l.lift(); err != nil {
				log.Fatalf("%+v", err)
			}
		}
		if optimize {
			if err := l.optimize(); err != nil {
				log.Fatalf("%+v", err)
			}
		}
		if compile {
			if err := l.compile(); err != nil {
				log.Fatalf("%+v", err)
			}
		}
	}
}

// options holds the lifting options of the command line.
type options struct {
	// Output path of lifted LLVM IR module.
	output string
	// Trace record paths.
	traces stringsFlag
	// Symbol table path.
	symbols string
	// Signature table path.
	sigs string
	// Configuration path.
	config string
	// Merge all blocks into a single function.
	noRecover bool
	// Output path of control flow graph.
	dot string
	// Output path of entry point list.
	entries string
}

// stringsFlag is a repeatable string flag.
type stringsFlag []string

// String returns the string representation of the flag values.
func (fs *stringsFlag) String() string {
	return strings.Join(*fs, ",")
}

// Set appends the given value to the flag values.
func (fs *stringsFlag) Set(s string) error {
	*fs = append(*fs, s)
	return nil
}
