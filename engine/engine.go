// Package engine describes the symbolic execution engine that drives
// exploit generation. The engine itself lives elsewhere; this package only
// declares what the exploit generator consumes from it.
package engine

import (
	"errors"
	"fmt"

	"gitlab.com/stephen-fox/expgen/memory"
)

// ErrResumeExecution is returned by a hook that re-steered the path
// (e.g., by constraining RIP). The caller must stop what it was doing
// and let the engine resume the path.
var ErrResumeExecution = errors.New("path re-steered, resume execution")

// PathID identifies one execution path in the engine's exploration tree.
type PathID uint64

const (
	SysRead      uint64 = 0
	SysWrite     uint64 = 1
	SysNanosleep uint64 = 35

	Stdin  uint64 = 0
	Stdout uint64 = 1
)

// Register is an x86-64 register the exploit generator can read, write,
// or constrain.
type Register int

const (
	RAX Register = iota
	RBX
	RCX
	RDX
	RSI
	RDI
	RSP
	RBP
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	RIP
)

var registerNames = [...]string{
	RAX: "rax",
	RBX: "rbx",
	RCX: "rcx",
	RDX: "rdx",
	RSI: "rsi",
	RDI: "rdi",
	RSP: "rsp",
	RBP: "rbp",
	R8:  "r8",
	R9:  "r9",
	R10: "r10",
	R11: "r11",
	R12: "r12",
	R13: "r13",
	R14: "r14",
	R15: "r15",
	RIP: "rip",
}

func (o Register) String() string {
	if o < 0 || int(o) >= len(registerNames) {
		return fmt.Sprintf("register(%d)", int(o))
	}

	return registerNames[o]
}

// RegisterFromString returns the Register named by str (e.g., "rdi").
func RegisterFromString(str string) (Register, error) {
	for i, name := range registerNames {
		if name == str {
			return Register(i), nil
		}
	}

	return 0, fmt.Errorf("unknown register: %q", str)
}

// Syscall is the context of a system call made by the target on a path.
type Syscall struct {
	Nr   uint64
	Args [6]uint64
	Ret  uint64
}

// Instruction is a guest instruction about to be (or just) executed.
type Instruction struct {
	Addr     uint64
	Size     int
	Mnemonic string
	OpStr    string
}

// ConcreteInput is one symbolic variable's solution, e.g., the bytes
// the solver picked for stdin.
type ConcreteInput struct {
	Name  string
	Value []byte
}

// Path is the engine's handle to a single execution path.
//
// Implementations must notify fork observers (see crax.Registry.OnFork)
// before Fork returns, so that per-path state of the child exists by
// the time the caller looks it up.
type Path interface {
	// ID returns the path's identifier.
	ID() PathID

	// ReadRegister returns the concrete value of a register.
	ReadRegister(r Register) (uint64, error)

	// ReadMemory returns size concrete bytes at addr without adding
	// concretization constraints to the path.
	ReadMemory(addr uint64, size int) ([]byte, error)

	// WriteRegister overwrites a register with the specified value,
	// discarding whatever symbolic expression it held.
	WriteRegister(r Register, value uint64) error

	// WriteMemory overwrites the 8 bytes at addr with value.
	WriteMemory(addr uint64, value uint64) error

	// AddRegisterConstraint adds "r == value" to the path's constraints.
	// It returns false if the solver reports the path infeasible.
	AddRegisterConstraint(r Register, value uint64) bool

	// AddMemoryConstraint adds "qword [addr] == value" to the path's
	// constraints. It returns false if the path becomes infeasible.
	AddMemoryConstraint(addr uint64, value uint64) bool

	// Fork clones the path and returns the child.
	Fork() (Path, error)

	// Terminate kills the path. It is immediate and must not be retried.
	Terminate(reason string)

	// InvalidateBlock drops any cached translation of the currently
	// executing code so the next instruction fetch observes register
	// changes (most notably to RIP).
	InvalidateBlock()

	// SymbolicSolution returns concrete values satisfying the path's
	// constraints for each symbolic input, in creation order.
	SymbolicSolution() ([]ConcreteInput, error)

	// MemoryMap returns the target process' virtual memory map.
	MemoryMap() *memory.VirtualMemoryMap
}
