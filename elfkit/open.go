package elfkit

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
)

const pltEntrySize = 16

// Open analyzes an x86-64 ELF file. name is the identifier the image
// will have in generated scripts (see Image.Name).
func Open(filePath string, name string) (*Image, error) {
	f, err := elf.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open elf file - %w", err)
	}
	defer f.Close()

	if f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("unsupported machine type: %s", f.Machine)
	}

	img := &Image{
		Name:      name,
		Filename:  filePath,
		Symbols:   make(map[string]uint64),
		PLT:       make(map[string]uint64),
		GOT:       make(map[string]uint64),
		Functions: make(map[string]Function),
	}

	err = loadSymbols(f, img)
	if err != nil {
		return nil, err
	}

	err = loadRelocations(f, img)
	if err != nil {
		return nil, err
	}

	err = loadSegments(f, img)
	if err != nil {
		return nil, err
	}

	if bss := f.Section(".bss"); bss != nil {
		img.BSSAddr = bss.Addr
	}

	img.Checksec = checksec(f, img)

	return img, nil
}

func loadSymbols(f *elf.File, img *Image) error {
	var all []elf.Symbol

	symbols, err := f.Symbols()
	switch {
	case err == nil:
		all = append(all, symbols...)
	case errors.Is(err, elf.ErrNoSymbols):
		// Stripped.
	default:
		return fmt.Errorf("failed to read symbol table - %w", err)
	}

	dynSymbols, err := f.DynamicSymbols()
	switch {
	case err == nil:
		all = append(all, dynSymbols...)
	case errors.Is(err, elf.ErrNoSymbols):
	default:
		return fmt.Errorf("failed to read dynamic symbol table - %w", err)
	}

	for _, sym := range all {
		if sym.Name == "" || sym.Section == elf.SHN_UNDEF {
			continue
		}

		typ := elf.ST_TYPE(sym.Info)
		if typ != elf.STT_FUNC && typ != elf.STT_OBJECT && typ != elf.STT_NOTYPE {
			continue
		}

		if _, hasIt := img.Symbols[sym.Name]; !hasIt {
			img.Symbols[sym.Name] = sym.Value
		}

		if typ == elf.STT_FUNC && sym.Size > 0 {
			img.Functions[sym.Name] = Function{
				Name: sym.Name,
				Addr: sym.Value,
				Size: sym.Size,
			}
		}
	}

	return nil
}

func loadRelocations(f *elf.File, img *Image) error {
	dynSymbols, err := f.DynamicSymbols()
	if err != nil {
		if errors.Is(err, elf.ErrNoSymbols) {
			return nil
		}
		return fmt.Errorf("failed to read dynamic symbol table - %w", err)
	}

	symbolName := func(info uint64) string {
		// DynamicSymbols omits the null symbol at index 0.
		index := int(info >> 32)
		if index == 0 || index > len(dynSymbols) {
			return ""
		}
		return dynSymbols[index-1].Name
	}

	if relaDyn := f.Section(".rela.dyn"); relaDyn != nil {
		relocs, err := readRelas(relaDyn)
		if err != nil {
			return err
		}

		for _, rela := range relocs {
			if elf.R_X86_64(rela.Info&0xffffffff) != elf.R_X86_64_GLOB_DAT {
				continue
			}

			if name := symbolName(rela.Info); name != "" {
				img.GOT[name] = rela.Off
			}
		}
	}

	relaPlt := f.Section(".rela.plt")
	if relaPlt == nil {
		return nil
	}

	relocs, err := readRelas(relaPlt)
	if err != nil {
		return err
	}

	// Lazy binding stubs live in .plt.sec when IBT is enabled, otherwise
	// in .plt after the resolver stub.
	pltStart := uint64(0)
	if pltSec := f.Section(".plt.sec"); pltSec != nil {
		pltStart = pltSec.Addr
	} else if plt := f.Section(".plt"); plt != nil {
		pltStart = plt.Addr + pltEntrySize
	}

	for i, rela := range relocs {
		if elf.R_X86_64(rela.Info&0xffffffff) != elf.R_X86_64_JMP_SLOT {
			continue
		}

		name := symbolName(rela.Info)
		if name == "" {
			continue
		}

		img.GOT[name] = rela.Off

		if pltStart == 0 {
			continue
		}

		pltAddr := (pltStart + uint64(i)*pltEntrySize) &^ 0xf
		img.PLT[name] = pltAddr

		if _, defined := img.Symbols[name]; !defined {
			img.Symbols[name] = pltAddr
		}
	}

	return nil
}

func readRelas(section *elf.Section) ([]elf.Rela64, error) {
	data, err := section.Data()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s - %w", section.Name, err)
	}

	const relaSize = 24
	relas := make([]elf.Rela64, 0, len(data)/relaSize)
	for i := 0; i+relaSize <= len(data); i += relaSize {
		relas = append(relas, elf.Rela64{
			Off:    binary.LittleEndian.Uint64(data[i:]),
			Info:   binary.LittleEndian.Uint64(data[i+8:]),
			Addend: int64(binary.LittleEndian.Uint64(data[i+16:])),
		})
	}

	return relas, nil
}

func loadSegments(f *elf.File, img *Image) error {
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Filesz == 0 {
			continue
		}

		data := make([]byte, prog.Filesz)
		_, err := prog.ReadAt(data, 0)
		if err != nil {
			return fmt.Errorf("failed to read segment at 0x%x - %w", prog.Vaddr, err)
		}

		img.Segments = append(img.Segments, Segment{
			Addr:       prog.Vaddr,
			Data:       data,
			Executable: prog.Flags&elf.PF_X != 0,
		})
	}

	return nil
}

func checksec(f *elf.File, img *Image) Checksec {
	var result Checksec

	result.HasPIE = f.Type == elf.ET_DYN

	_, result.HasCanary = img.Symbols["__stack_chk_fail"]
	if !result.HasCanary {
		imported, _ := f.ImportedSymbols()
		for _, sym := range imported {
			if sym.Name == "__stack_chk_fail" {
				result.HasCanary = true
				break
			}
		}
	}

	result.HasNX = true
	hasRelro := false
	for _, prog := range f.Progs {
		switch prog.Type {
		case elf.PT_GNU_STACK:
			result.HasNX = prog.Flags&elf.PF_X == 0
		case elf.PT_GNU_RELRO:
			hasRelro = true
		}
	}

	if hasRelro {
		result.HasFullRELRO = bindNow(f)
	}

	return result
}

func bindNow(f *elf.File) bool {
	if values, _ := f.DynValue(elf.DT_BIND_NOW); len(values) > 0 {
		return true
	}

	if values, _ := f.DynValue(elf.DT_FLAGS); len(values) > 0 && values[0]&uint64(elf.DF_BIND_NOW) != 0 {
		return true
	}

	if values, _ := f.DynValue(elf.DT_FLAGS_1); len(values) > 0 && values[0]&uint64(elf.DF_1_NOW) != 0 {
		return true
	}

	return false
}
