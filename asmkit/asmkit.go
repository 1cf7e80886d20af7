// Package asmkit disassembles x86 machine code for gadget discovery and
// instruction pattern matching.
package asmkit

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

const (
	SkipSyntax  DisassemblySyntax = ""
	ATTSyntax   DisassemblySyntax = "att"
	GoSyntax    DisassemblySyntax = "go"
	IntelSyntax DisassemblySyntax = "intel"
)

type DisassemblySyntax string

type DisassemblerConfig struct {
	Syntax     DisassemblySyntax
	ArchConfig X86Config
}

type X86Config struct {
	Bits int
}

// NewX86_64Disassembler returns an Intel syntax disassembler for
// 64-bit code, which is what every other package in this module uses.
func NewX86_64Disassembler() *Disassembler {
	disass, err := NewDisassembler(DisassemblerConfig{
		Syntax:     IntelSyntax,
		ArchConfig: X86Config{Bits: 64},
	})
	if err != nil {
		panic(err)
	}

	return disass
}

func NewDisassembler(config DisassemblerConfig) (*Disassembler, error) {
	switch config.ArchConfig.Bits {
	case 16, 32, 64:
	default:
		return nil, fmt.Errorf("unsupported x86 mode: %d bits", config.ArchConfig.Bits)
	}

	var disassemblyFn func(inst x86asm.Inst, pc uint64) string
	switch config.Syntax {
	case SkipSyntax:
		// Do nothing.
	case ATTSyntax:
		disassemblyFn = func(inst x86asm.Inst, pc uint64) string {
			return x86asm.GNUSyntax(inst, pc, nil)
		}
	case GoSyntax:
		disassemblyFn = func(inst x86asm.Inst, pc uint64) string {
			return x86asm.GoSyntax(inst, pc, nil)
		}
	case IntelSyntax:
		disassemblyFn = func(inst x86asm.Inst, pc uint64) string {
			return x86asm.IntelSyntax(inst, pc, nil)
		}
	default:
		return nil, fmt.Errorf("unsupported syntax type for x86: %q", config.Syntax)
	}

	return &Disassembler{
		disassOneInstFn: func(remainingInsts []byte, pc uint64) (Inst, error) {
			x86Inst, err := x86asm.Decode(remainingInsts, config.ArchConfig.Bits)
			if err != nil {
				return Inst{}, err
			}

			inst := Inst{
				Bin:  copySlice(remainingInsts, x86Inst.Len),
				Len:  x86Inst.Len,
				Addr: pc,
				Inst: x86Inst,
			}

			if disassemblyFn != nil {
				inst.Dis = disassemblyFn(x86Inst, pc)
				inst.Mnemonic, inst.OpStr, _ = strings.Cut(inst.Dis, " ")
			}

			return inst, nil
		},
	}, nil
}

func copySlice(src []byte, numBytes int) []byte {
	cp := make([]byte, numBytes)

	copy(cp, src[0:numBytes])

	return cp
}

type Disassembler struct {
	disassOneInstFn func(remainingInsts []byte, pc uint64) (Inst, error)
}

// All decodes every instruction in rawInstructions, assuming the
// first one is located at address zero.
func (o *Disassembler) All(rawInstructions []byte, onDecodeFn func(Inst) error) error {
	return o.AllAt(rawInstructions, 0, onDecodeFn)
}

// AllAt decodes every instruction in rawInstructions, assuming the
// first one is located at addr.
func (o *Disassembler) AllAt(rawInstructions []byte, addr uint64, onDecodeFn func(Inst) error) error {
	index := 0

	for {
		if isDone(rawInstructions, index) {
			return nil
		}

		inst, err := o.disassOneInstFn(rawInstructions[index:], addr+uint64(index))
		if err != nil {
			return fmt.Errorf("failed to decode instruction at 0x%x - %w - remaining data: 0x%x",
				addr+uint64(index), err, rawInstructions[index:])
		}

		inst.Index = index

		err = onDecodeFn(inst)
		if err != nil {
			return fmt.Errorf("on decode function failed for instruction at 0x%x (%q) - %w",
				inst.Addr, inst.Dis, err)
		}

		index += inst.Len
	}
}

// Next decodes the first instruction in rawInstructions.
func (o *Disassembler) Next(rawInstructions []byte) (Inst, error) {
	return o.disassOneInstFn(rawInstructions, 0)
}

// NextAt is Next for an instruction located at addr.
func (o *Disassembler) NextAt(rawInstructions []byte, addr uint64) (Inst, error) {
	return o.disassOneInstFn(rawInstructions, addr)
}

type Inst struct {
	Bin      []byte
	Len      int
	Index    int
	Addr     uint64
	Dis      string
	Mnemonic string
	OpStr    string
	Inst     x86asm.Inst
}

func isDone(rawInstructions []byte, index int) bool {
	return index >= len(rawInstructions)
}
