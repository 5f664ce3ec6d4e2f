package hotjit

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/xyproto/env/v2"
)

// Machine architecture constants
type Machine int

const (
	MachineX86_64 Machine = iota
	MachineARM64
)

// String converts a machine constant to its string representation
func (m Machine) String() string {
	switch m {
	case MachineX86_64:
		return "x86_64"
	case MachineARM64:
		return "aarch64"
	default:
		return "unknown"
	}
}

// StringToMachine converts a string representation to a machine constant
func StringToMachine(machine string) (Machine, error) {
	switch strings.ToLower(machine) {
	case "x86_64", "amd64":
		return MachineX86_64, nil
	case "aarch64", "arm64":
		return MachineARM64, nil
	default:
		return -1, fmt.Errorf("unsupported architecture: %s", machine)
	}
}

// CurrentMachine returns the machine the process is running on.
// The HOTJIT_ARCH environment variable overrides detection, which is only
// useful for emitting (never executing) foreign-architecture code.
func CurrentMachine() (Machine, error) {
	if arch := env.Str("HOTJIT_ARCH"); arch != "" {
		return StringToMachine(arch)
	}
	return StringToMachine(runtime.GOARCH)
}

// Reg is an architecture register number in the hardware instruction
// encoding. DWARF register columns are numbered separately (see the dwarf*
// constants in cfi.go).
type Reg uint8

// RegSet is a bitmask of Reg values.
type RegSet uint64

// Add returns the set with reg included.
func (s RegSet) Add(reg Reg) RegSet {
	return s | 1<<reg
}

// Contains reports whether reg is in the set.
func (s RegSet) Contains(reg Reg) bool {
	return s&(1<<reg) != 0
}

// ABI is the fixed register-role contract published by a back end.
// Generated code and every stub must treat these roles as ground truth and
// never clobber them across a call boundary.
type ABI struct {
	SP          Reg    // machine stack pointer (hardware encoding)
	FP          Reg    // VM frame pointer (hardware encoding)
	TLSBase     Reg    // thread-local base (hardware encoding)
	RetAddrReg  uint8  // DWARF return-address column for CFI
	CalleeSaved RegSet // preserved across native calls
}

// ConditionCode is an x86-64 condition code nibble. The ARM64 back end
// translates these to its own condition field when emitting.
type ConditionCode uint8

const (
	CondO  ConditionCode = 0x0
	CondNO ConditionCode = 0x1
	CondB  ConditionCode = 0x2
	CondAE ConditionCode = 0x3
	CondE  ConditionCode = 0x4
	CondNE ConditionCode = 0x5
	CondBE ConditionCode = 0x6
	CondA  ConditionCode = 0x7
	CondS  ConditionCode = 0x8
	CondNS ConditionCode = 0x9
	CondP  ConditionCode = 0xA
	CondNP ConditionCode = 0xB
	CondL  ConditionCode = 0xC
	CondGE ConditionCode = 0xD
	CondLE ConditionCode = 0xE
	CondG  ConditionCode = 0xF
)

// String returns the Intel-style mnemonic suffix for the condition
func (cc ConditionCode) String() string {
	names := [...]string{
		"o", "no", "b", "ae", "e", "ne", "be", "a",
		"s", "ns", "p", "np", "l", "ge", "le", "g",
	}
	if int(cc) < len(names) {
		return names[cc]
	}
	return "??"
}
