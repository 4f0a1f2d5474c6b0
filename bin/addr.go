// Package bin provides a uniform representation of the binary executable
// facts consumed by the lifter; addresses, symbols and library-call
// signatures.
package bin

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Addr is a virtual address that may be specified in hexadecimal notation. It
// implements the flag.Value and encoding.TextUnmarshaler interfaces.
type Addr uint64

// String returns the hexadecimal string representation of v.
func (v Addr) String() string {
	return fmt.Sprintf("0x%08X", uint64(v))
}

// Hex returns the lower-case hexadecimal digits of v without prefix, as used
// in block and function names.
func (v Addr) Hex() string {
	return strconv.FormatUint(uint64(v), 16)
}

// Set sets v to the numberic value represented by s.
func (v *Addr) Set(s string) error {
	x, err := ParseUint64(s)
	if err != nil {
		return errors.WithStack(err)
	}
	*v = Addr(x)
	return nil
}

// UnmarshalText unmarshals the text into v.
func (v *Addr) UnmarshalText(text []byte) error {
	return v.Set(string(text))
}

// MarshalText returns the textual representation of v.
func (v Addr) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// Addrs implements the sort.Sort interface, sorting addresses in ascending
// order.
type Addrs []Addr

func (as Addrs) Len() int           { return len(as) }
func (as Addrs) Swap(i, j int)      { as[i], as[j] = as[j], as[i] }
func (as Addrs) Less(i, j int) bool { return as[i] < as[j] }

// ParseHexName parses the address encoded in a name of the form
// "<prefix><hex>", such as "tb_8048000" or "BB_8048000".
func ParseHexName(name, prefix string) (Addr, bool) {
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	s := name[len(prefix):]
	if len(s) == 0 {
		return 0, false
	}
	x, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, false
	}
	return Addr(x), true
}

// ### [ Helper functions ] ####################################################

// ParseUint64 interprets the given string in base 10 or base 16 (if prefixed
// with `0x` or `0X`) and returns the corresponding value.
func ParseUint64(s string) (uint64, error) {
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[len("0x"):]
		base = 16
	}
	x, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return x, nil
}
