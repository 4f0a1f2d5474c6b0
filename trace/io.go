package trace

import (
	"io"
	"log"
	"os"
	"strings"

	"github.com/mewkiz/pkg/jsonutil"
	"github.com/mewkiz/pkg/osutil"
	"github.com/mewkiz/pkg/term"
	"github.com/mewmew/tracelift/bin"
	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"
)

var (
	// dbg is a logger which logs debug messages with "trace:" prefix to
	// standard error.
	dbg = log.New(os.Stderr, term.CyanBold("trace:")+" ", 0)
	// warn is a logger which logs warning messages with "warning:" prefix to
	// standard error.
	warn = log.New(os.Stderr, term.RedBold("warning:")+" ", 0)
)

// SetDebugOutput sets the output destination of debug messages.
func SetDebugOutput(w io.Writer) {
	dbg.SetOutput(w)
}

// Load parses the given trace record. Records with a ".xz" extension are
// decompressed first.
func Load(path string) (*Info, error) {
	if !osutil.Exists(path) {
		return nil, errors.Errorf("unable to locate trace record %q", path)
	}
	dbg.Printf("parsing trace record %q", path)
	info := NewInfo()
	if !strings.HasSuffix(path, ".xz") {
		if err := jsonutil.ParseFile(path, info); err != nil {
			return nil, errors.Wrapf(err, "unable to parse trace record %q", path)
		}
		info.normalize()
		return info, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()
	r, err := xz.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to decompress trace record %q", path)
	}
	if err := jsonutil.Parse(r, info); err != nil {
		return nil, errors.Wrapf(err, "unable to parse trace record %q", path)
	}
	info.normalize()
	return info, nil
}

// LoadFiles parses and merges the trace records of the given recording
// sessions.
func LoadFiles(paths ...string) (*Info, error) {
	if len(paths) == 0 {
		return nil, errors.New("no trace records specified")
	}
	var infos []*Info
	for _, path := range paths {
		info, err := Load(path)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		infos = append(infos, info)
	}
	return Merge(infos...), nil
}

// Save writes the trace record to the given path. Paths with a ".xz"
// extension are compressed.
func (info *Info) Save(path string) error {
	if !strings.HasSuffix(path, ".xz") {
		return jsonutil.WriteFile(path, info)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()
	w, err := xz.NewWriter(f)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := jsonutil.Write(w, info); err != nil {
		return errors.WithStack(err)
	}
	if err := w.Close(); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// Merge returns the union of the given trace records. Sets and maps are
// merged by union; function entry lists are concatenated after dropping the
// trailing sentinel of each record.
func Merge(infos ...*Info) *Info {
	dst := NewInfo()
	for _, src := range infos {
		for k, v := range src.StackFrameSizes {
			dst.StackFrameSizes[k] = v
		}
		for k, v := range src.StackDifference {
			dst.StackDifference[k] = v
		}
		dst.MemoryAccesses = append(dst.MemoryAccesses, src.MemoryAccesses...)
		for p := range src.Successors {
			dst.Successors[p] = true
		}
		srcLog, dstLog := &src.FunctionLog, &dst.FunctionLog
		dstLog.Entries = append(dstLog.Entries, TrimSentinel(srcLog.Entries)...)
		for p := range srcLog.EntryToCaller {
			dstLog.EntryToCaller[p] = true
		}
		for p := range srcLog.EntryToReturn {
			dstLog.EntryToReturn[p] = true
		}
		for p := range srcLog.CallerToFollowUp {
			dstLog.CallerToFollowUp[p] = true
		}
		for entry, tbs := range srcLog.EntryToTBs {
			set, ok := dstLog.EntryToTBs[entry]
			if !ok {
				set = make(AddrSet)
				dstLog.EntryToTBs[entry] = set
			}
			for tb := range tbs {
				set[tb] = true
			}
		}
	}
	return dst
}

// normalize replaces nil sets and maps of a parsed record with empty ones.
func (info *Info) normalize() {
	if info.StackFrameSizes == nil {
		info.StackFrameSizes = make(map[string]uint32)
	}
	if info.StackDifference == nil {
		info.StackDifference = make(map[string]uint32)
	}
	if info.Successors == nil {
		info.Successors = make(PairSet)
	}
	l := &info.FunctionLog
	if l.EntryToCaller == nil {
		l.EntryToCaller = make(PairSet)
	}
	if l.EntryToReturn == nil {
		l.EntryToReturn = make(PairSet)
	}
	if l.CallerToFollowUp == nil {
		l.CallerToFollowUp = make(PairSet)
	}
	if l.EntryToTBs == nil {
		l.EntryToTBs = make(map[bin.Addr]AddrSet)
	}
}
