// Package gadgets finds and resolves ret-terminated instruction
// sequences in executable images.
//
// Gadgets are identified by their Intel syntax text with instructions
// joined by " ; ", e.g., "pop rsi ; pop r15 ; ret". When the same text
// occurs more than once, the lowest address is used.
package gadgets

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"gitlab.com/stephen-fox/expgen/asmkit"
	"gitlab.com/stephen-fox/expgen/elfkit"
	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sync/errgroup"
)

const (
	// MaxInstructions is the longest gadget, ret included.
	MaxInstructions = 5

	maxGadgetBytes = 24
	retOpcode      = 0xc3
)

// Gadget is a gadget found in an image. Addr is a link-time address.
type Gadget struct {
	Addr uint64
	Asm  string
}

// Find returns every gadget in code, which is located at addr.
func Find(code []byte, addr uint64) map[string]uint64 {
	disass := asmkit.NewX86_64Disassembler()
	found := make(map[string]uint64)

	for retIndex, b := range code {
		if b != retOpcode {
			continue
		}

		for start := max(0, retIndex-maxGadgetBytes); start <= retIndex; start++ {
			asm, ok := decodeGadget(disass, code[start:retIndex+1], addr+uint64(start))
			if !ok {
				continue
			}

			gadgetAddr := addr + uint64(start)
			existing, hasIt := found[asm]
			if !hasIt || gadgetAddr < existing {
				found[asm] = gadgetAddr
			}
		}
	}

	return found
}

// decodeGadget decodes code, which must end with the ret that
// terminates the gadget.
func decodeGadget(disass *asmkit.Disassembler, code []byte, addr uint64) (string, bool) {
	var insts []string
	index := 0

	for index < len(code) {
		if len(insts) == MaxInstructions {
			return "", false
		}

		inst, err := disass.NextAt(code[index:], addr+uint64(index))
		if err != nil {
			return "", false
		}

		index += inst.Len
		insts = append(insts, inst.Dis)

		isLast := index == len(code)
		if isLast {
			if inst.Inst.Op != x86asm.RET || inst.Len != 1 {
				return "", false
			}
			break
		}

		if changesControlFlow(inst) {
			return "", false
		}
	}

	if index != len(code) {
		return "", false
	}

	return strings.Join(insts, " ; "), true
}

func changesControlFlow(inst asmkit.Inst) bool {
	switch inst.Inst.Op {
	case x86asm.RET, x86asm.LRET, x86asm.JMP, x86asm.LJMP, x86asm.CALL, x86asm.LCALL,
		x86asm.IRET, x86asm.IRETD, x86asm.IRETQ, x86asm.INT, x86asm.HLT, x86asm.UD2,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE, x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ:
		return true
	}

	return strings.HasPrefix(inst.Mnemonic, "j")
}

// Normalize rewrites a gadget's text into the canonical form used as
// a key ("pop rdi;ret" becomes "pop rdi ; ret").
func Normalize(asm string) string {
	parts := strings.Split(asm, ";")
	for i, part := range parts {
		parts[i] = strings.ToLower(strings.Join(strings.Fields(part), " "))
	}

	return strings.Join(parts, " ; ")
}

// VarName returns the script identifier of a gadget, e.g.,
// "pop rdi ; ret" becomes "pop_rdi_ret".
func VarName(asm string) string {
	fields := strings.FieldsFunc(Normalize(asm), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})

	return strings.Join(fields, "_")
}

// NewIndex finds the gadgets in img's executable segments.
func NewIndex(ctx context.Context, img *elfkit.Image) (*Index, error) {
	index := &Index{
		Image:   img.Name,
		gadgets: make(map[string]uint64),
	}

	for _, seg := range img.ExecutableSegments() {
		err := ctx.Err()
		if err != nil {
			return nil, err
		}

		for asm, addr := range Find(seg.Data, seg.Addr) {
			existing, hasIt := index.gadgets[asm]
			if !hasIt || addr < existing {
				index.gadgets[asm] = addr
			}
		}
	}

	return index, nil
}

// BuildIndexes indexes each image concurrently. The returned slice
// is ordered like images.
func BuildIndexes(ctx context.Context, images ...*elfkit.Image) ([]*Index, error) {
	indexes := make([]*Index, len(images))

	g, ctx := errgroup.WithContext(ctx)
	for i, img := range images {
		g.Go(func() error {
			index, err := NewIndex(ctx, img)
			if err != nil {
				return fmt.Errorf("failed to index gadgets of %s - %w", img.Name, err)
			}

			indexes[i] = index
			return nil
		})
	}

	err := g.Wait()
	if err != nil {
		return nil, err
	}

	return indexes, nil
}

// Index holds the gadgets of one image.
type Index struct {
	Image   string
	gadgets map[string]uint64
}

// Lookup returns the link-time address of a gadget.
func (o *Index) Lookup(asm string) (uint64, bool) {
	addr, hasIt := o.gadgets[Normalize(asm)]
	return addr, hasIt
}

// Len returns the number of distinct gadgets.
func (o *Index) Len() int {
	return len(o.gadgets)
}

// Gadgets returns every gadget sorted by address.
func (o *Index) Gadgets() []Gadget {
	list := make([]Gadget, 0, len(o.gadgets))
	for asm, addr := range o.gadgets {
		list = append(list, Gadget{Addr: addr, Asm: asm})
	}

	sort.Slice(list, func(i, j int) bool {
		if list[i].Addr != list[j].Addr {
			return list[i].Addr < list[j].Addr
		}
		return list[i].Asm < list[j].Asm
	})

	return list
}
