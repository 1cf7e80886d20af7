// Package elfkit provides the binary analysis an exploit generator needs
// from an ELF file: symbols, PLT and GOT entries, functions, protections,
// and the executable bytes to search for gadgets.
//
// All addresses stored in an Image are link-time addresses. For a PIE
// those are offsets from the load base, which is tracked separately by
// Base and SetBase.
package elfkit

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Checksec describes the protections an image was built with.
type Checksec struct {
	HasCanary    bool
	HasFullRELRO bool
	HasNX        bool
	HasPIE       bool
}

func (o Checksec) String() string {
	relro := "Partial RELRO"
	if o.HasFullRELRO {
		relro = "Full RELRO"
	}

	canary := "No canary found"
	if o.HasCanary {
		canary = "Canary found"
	}

	nx := "NX disabled"
	if o.HasNX {
		nx = "NX enabled"
	}

	pie := "No PIE"
	if o.HasPIE {
		pie = "PIE enabled"
	}

	return fmt.Sprintf("RELRO: %s, Stack: %s, NX: %s, PIE: %s", relro, canary, nx, pie)
}

// Function is a function symbol with a known size.
type Function struct {
	Name string
	Addr uint64
	Size uint64
}

// Segment is a loadable chunk of the image.
type Segment struct {
	Addr       uint64
	Data       []byte
	Executable bool
}

// Image is an analyzed binary. The exported fields may be populated
// directly, which is mostly useful for tests. Use Open to analyze a file.
type Image struct {
	// Name identifies the image in an exploit script, e.g., "elf" or
	// "libc". It doubles as the symbol table context of the image.
	Name string

	// Filename is the path of the file the image was loaded from.
	Filename string

	Checksec  Checksec
	Symbols   map[string]uint64
	PLT       map[string]uint64
	GOT       map[string]uint64
	Functions map[string]Function
	BSSAddr   uint64
	Segments  []Segment

	base uint64
}

// BaseVar returns the name of the script variable that holds the image's
// load base at exploitation time (e.g., "elf_base").
func (o *Image) BaseVar() string {
	return o.Name + "_base"
}

// VarPrefix returns a script-friendly identifier derived from the
// image's file name ("libc.so.6" becomes "libc_so_6").
func (o *Image) VarPrefix() string {
	name := filepath.Base(o.Filename)

	var b strings.Builder
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}

	return b.String()
}

// Base returns the runtime load base. It is zero until SetBase is called,
// which is also the correct value for a non-PIE executable.
func (o *Image) Base() uint64 {
	return o.base
}

func (o *Image) SetBase(base uint64) {
	o.base = base
}

// Symbol returns the link-time address of a symbol.
func (o *Image) Symbol(name string) (uint64, bool) {
	addr, hasIt := o.Symbols[name]
	return addr, hasIt
}

// HasSymbol reports whether the image defines or imports name.
func (o *Image) HasSymbol(name string) bool {
	_, hasIt := o.Symbols[name]
	return hasIt
}

// BSS returns the address of the .bss section.
func (o *Image) BSS() uint64 {
	return o.BSSAddr
}

// PLTEntries returns the PLT entries sorted by address.
func (o *Image) PLTEntries() []Function {
	entries := make([]Function, 0, len(o.PLT))
	for name, addr := range o.PLT {
		entries = append(entries, Function{Name: name, Addr: addr, Size: pltEntrySize})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Addr != entries[j].Addr {
			return entries[i].Addr < entries[j].Addr
		}
		return entries[i].Name < entries[j].Name
	})

	return entries
}

// RuntimeAddress converts a link-time address into the address it has
// in the running target.
func (o *Image) RuntimeAddress(addr uint64) uint64 {
	if !o.Checksec.HasPIE {
		return addr
	}

	return o.base + addr
}

// SymbolRuntimeAddress is RuntimeAddress for a named symbol.
func (o *Image) SymbolRuntimeAddress(name string) (uint64, error) {
	addr, hasIt := o.Symbols[name]
	if !hasIt {
		return 0, fmt.Errorf("symbol %q does not exist in %s", name, o.Name)
	}

	return o.RuntimeAddress(addr), nil
}

// RebaseAddress moves a runtime address of this image to where it would
// be if the image were loaded at newBase.
func (o *Image) RebaseAddress(addr uint64, newBase uint64) (uint64, error) {
	if addr < o.base {
		return 0, fmt.Errorf("0x%x is below the image base 0x%x", addr, o.base)
	}

	return newBase + addr - o.base, nil
}

// ReadAt returns size bytes at the specified link-time address.
func (o *Image) ReadAt(addr uint64, size int) ([]byte, error) {
	for _, seg := range o.Segments {
		if addr < seg.Addr || addr >= seg.Addr+uint64(len(seg.Data)) {
			continue
		}

		start := addr - seg.Addr
		if start+uint64(size) > uint64(len(seg.Data)) {
			return nil, fmt.Errorf("0x%x-0x%x crosses the end of its segment",
				addr, addr+uint64(size))
		}

		b := make([]byte, size)
		copy(b, seg.Data[start:])
		return b, nil
	}

	return nil, fmt.Errorf("0x%x is not within a loadable segment of %s", addr, o.Name)
}

// FunctionBytes returns the machine code of a function.
func (o *Image) FunctionBytes(name string) (Function, []byte, error) {
	fn, hasIt := o.Functions[name]
	if !hasIt {
		return Function{}, nil, fmt.Errorf("function %q does not exist in %s", name, o.Name)
	}

	code, err := o.ReadAt(fn.Addr, int(fn.Size))
	if err != nil {
		return Function{}, nil, fmt.Errorf("failed to read function %q - %w", name, err)
	}

	return fn, code, nil
}

// ExecutableSegments returns the segments containing code.
func (o *Image) ExecutableSegments() []Segment {
	var segs []Segment
	for _, seg := range o.Segments {
		if seg.Executable {
			segs = append(segs, seg)
		}
	}

	return segs
}

// BelongingSymbol returns the function containing addr. Aliases are
// resolved to the lexically smallest name.
func (o *Image) BelongingSymbol(addr uint64) (Function, bool) {
	var found Function
	var hasIt bool

	for _, fn := range o.Functions {
		if addr < fn.Addr || addr >= fn.Addr+fn.Size {
			continue
		}

		if !hasIt || fn.Name < found.Name {
			found = fn
			hasIt = true
		}
	}

	return found, hasIt
}

// Search returns the link-time address of every occurrence of pattern
// in the image's loadable segments, in ascending order.
func (o *Image) Search(pattern []byte) []uint64 {
	if len(pattern) == 0 {
		return nil
	}

	var found []uint64
	for _, seg := range o.Segments {
		data := seg.Data
		offset := 0

		for {
			i := bytes.Index(data[offset:], pattern)
			if i < 0 {
				break
			}

			found = append(found, seg.Addr+uint64(offset+i))
			offset += i + 1
		}
	}

	sort.Slice(found, func(i, j int) bool { return found[i] < found[j] })

	return found
}
