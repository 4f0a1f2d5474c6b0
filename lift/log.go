package lift

import (
	"io"
	"log"
	"os"

	"github.com/mewkiz/pkg/term"
)

var (
	// dbg is a logger which logs debug messages with "lift:" prefix to standard
	// error.
	dbg = log.New(os.Stderr, term.MagentaBold("lift:")+" ", 0)
	// warn is a logger which logs warning messages with "warning:" prefix to
	// standard error.
	warn = log.New(os.Stderr, term.RedBold("warning:")+" ", 0)
)

// SetDebugOutput sets the output destination of debug messages.
func SetDebugOutput(w io.Writer) {
	dbg.SetOutput(w)
}

// SetWarningOutput sets the output destination of warning messages.
func SetWarningOutput(w io.Writer) {
	warn.SetOutput(w)
}
