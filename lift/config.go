package lift

import (
	"os"
	"strings"

	"github.com/mewmew/tracelift/disasm/x86"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// FallbackMode specifies how a PC value without a matching recovered block is
// handled at dispatch time.
type FallbackMode uint8

// Fallback modes.
const (
	// Dispatch misses are undefined behaviour (unreachable).
	FallbackNone FallbackMode = iota
	// Dispatch misses abort with a logged error.
	FallbackError
	// Dispatch misses abort with a logged error naming the function.
	FallbackError1
	// Dispatch misses jump back into the original machine code at the current
	// PC, with full register spill and restore.
	FallbackBasic
	// As FallbackBasic, but control returns to a jump table of all plausible
	// recovered targets.
	FallbackExtended
	// Dispatch misses are reported and unwind the current function.
	FallbackUnfallback
)

// fallbackNames maps from fallback mode to its command line name.
var fallbackNames = map[FallbackMode]string{
	FallbackNone:       "none",
	FallbackError:      "error",
	FallbackError1:     "error1",
	FallbackBasic:      "basic",
	FallbackExtended:   "extended",
	FallbackUnfallback: "unfallback",
}

// String returns the command line name of the fallback mode.
func (mode FallbackMode) String() string {
	if s, ok := fallbackNames[mode]; ok {
		return s
	}
	return "unknown"
}

// Set sets the fallback mode from its command line name. It implements the
// flag.Value interface.
func (mode *FallbackMode) Set(s string) error {
	for m, name := range fallbackNames {
		if name == strings.ToLower(s) {
			*mode = m
			return nil
		}
	}
	return errors.Errorf("invalid fallback mode %q; expected none, error, error1, basic, extended or unfallback", s)
}

// UnmarshalText unmarshals the text into mode.
func (mode *FallbackMode) UnmarshalText(text []byte) error {
	return mode.Set(string(text))
}

// MarshalText returns the textual representation of mode.
func (mode FallbackMode) MarshalText() ([]byte, error) {
	return []byte(mode.String()), nil
}

// Arch describes the register file and naming conventions of the lifted
// translation blocks.
type Arch struct {
	// Address size in number of bits (32 or 64).
	AddrSize int `yaml:"addr_size"`
	// Name of the program counter global.
	PC string `yaml:"pc"`
	// Name of the stack pointer global.
	StackPointer string `yaml:"stack_pointer"`
	// Name of the integer return register global (low word).
	RetLo string `yaml:"ret_lo"`
	// Name of the integer return register global (high word).
	RetHi string `yaml:"ret_hi"`
	// Name of the floating-point return register global.
	RetFloat string `yaml:"ret_float"`
}

// WordSize returns the word size of the architecture in bytes.
func (arch Arch) WordSize() int {
	return arch.AddrSize / 8
}

// Config is the lifting pipeline configuration, threaded through every pass.
type Config struct {
	// Register and calling convention description.
	Arch Arch `yaml:"arch"`
	// Name prefix of translation-block functions in the input module.
	BlockPrefix string `yaml:"block_prefix"`
	// Name of the instruction-start marker function.
	Marker string `yaml:"marker"`
	// Name of the helper raising guest exceptions.
	RaiseException string `yaml:"raise_exception"`
	// Fallback mode of PC dispatch misses.
	Fallback FallbackMode `yaml:"fallback"`
	// Debug verbosity (0-3); markers survive into the output when above 0.
	DebugLevel int `yaml:"debug"`
	// Lower external calls as native calls through the original PLT stub
	// address rather than calls to the linked library symbol.
	NoLinkLift bool `yaml:"no_link_lift"`
	// Recover functions; when false, all blocks are merged into one
	// dispatcher function.
	RecoverFunctions bool `yaml:"recover_functions"`
	// Distance in bytes between a PLT entry and its lazy-binding fallthrough;
	// 0 derives it from the architecture.
	PLTStubSize int `yaml:"plt_stub_size"`
	// Maximum depth of the tail-call reparenting traversal.
	MaxTailDepth int `yaml:"max_tail_depth"`
	// Maximum number of cases in the extended fallback jump table.
	JumpTableCap int `yaml:"jump_table_cap"`
}

// DefaultConfig returns the default configuration, lifting 32-bit x86
// translation blocks.
func DefaultConfig() *Config {
	return &Config{
		Arch: Arch{
			AddrSize:     32,
			PC:           "PC",
			StackPointer: "R_ESP",
			RetLo:        "R_EAX",
			RetHi:        "R_EDX",
			RetFloat:     "R_ST0",
		},
		BlockPrefix:      "tb_",
		Marker:           "instr_start",
		RaiseException:   "helper_raise_exception",
		Fallback:         FallbackNone,
		RecoverFunctions: true,
		MaxTailDepth:     4096,
		JumpTableCap:     4096,
	}
}

// LoadConfig parses the given YAML configuration file on top of the default
// configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, errors.Wrapf(err, "unable to parse configuration %q", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid configuration %q", path)
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (cfg *Config) Validate() error {
	switch cfg.Arch.AddrSize {
	case 32, 64:
		// valid address size.
	default:
		return errors.Errorf("invalid address size %d; expected 32 or 64", cfg.Arch.AddrSize)
	}
	if len(cfg.Arch.PC) == 0 {
		return errors.New("missing program counter name")
	}
	if len(cfg.BlockPrefix) == 0 {
		return errors.New("missing translation block prefix")
	}
	if cfg.DebugLevel < 0 {
		return errors.Errorf("invalid debug level %d", cfg.DebugLevel)
	}
	if cfg.PLTStubSize < 0 {
		return errors.Errorf("invalid PLT stub size %d", cfg.PLTStubSize)
	}
	if cfg.MaxTailDepth <= 0 {
		return errors.Errorf("invalid tail-call traversal depth %d", cfg.MaxTailDepth)
	}
	if cfg.JumpTableCap <= 0 {
		return errors.Errorf("invalid jump table capacity %d", cfg.JumpTableCap)
	}
	return nil
}

// stubSize returns the distance between a PLT entry and its lazy-binding
// fallthrough.
func (cfg *Config) stubSize() (int, error) {
	if cfg.PLTStubSize != 0 {
		return cfg.PLTStubSize, nil
	}
	return x86.JumpStubSize(cfg.Arch.AddrSize)
}
