// Package ropkit models the values that make up a ROP chain.
//
// A chain value is an Expr. Each Expr can be evaluated to the 64-bit
// number it has in the explored execution (Value), and rendered as the
// script text that recomputes it at exploitation time (Render). The
// two differ when a value depends on a load base that is only known
// once the exploit script has leaked it.
package ropkit

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"gitlab.com/stephen-fox/expgen/conv"
	"gitlab.com/stephen-fox/expgen/elfkit"
	"gitlab.com/stephen-fox/expgen/iokit"
)

var (
	// ErrUnresolvedPlaceholder is returned when a Placeholder is
	// evaluated before it has been substituted.
	ErrUnresolvedPlaceholder = errors.New("unresolved placeholder")

	// ErrNotAValue is returned when evaluating an Expr that does not
	// correspond to a stack value.
	ErrNotAValue = errors.New("expression is not a value")
)

// Placeholder tags understood by call gadget techniques.
const (
	Arg1Tag    = "arg1"
	Arg2Tag    = "arg2"
	Arg3Tag    = "arg3"
	RetAddrTag = "retAddr"

	// ChainOffsetTag marks a placeholder whose value is an offset
	// relative to the location the next direct-mode subchain is
	// written to. See Placeholder.Offset.
	ChainOffsetTag = "chainOffset"
)

// Expr is one of Const, ByteVector, BaseOffset, Placeholder or Snippet.
type Expr interface {
	Accept(Visitor)
}

// Visitor must handle every Expr variant. Adding a variant adds a
// method here, which breaks every visitor until it is updated.
type Visitor interface {
	Const(Const)
	ByteVector(ByteVector)
	BaseOffset(BaseOffset)
	Placeholder(Placeholder)
	Snippet(Snippet)
}

// Subchain is an ordered list of chain values.
type Subchain []Expr

// Const is a plain 64-bit number.
type Const uint64

func (o Const) Accept(v Visitor) { v.Const(o) }

// ByteVector is a literal byte string. It may be any length.
type ByteVector []byte

func (o ByteVector) Accept(v Visitor) { v.ByteVector(o) }

// BaseOffset is an address expressed relative to an image's base,
// e.g., "elf_base + elf.sym['read']".
type BaseOffset struct {
	// Base is the load base in the explored execution.
	Base uint64

	// Offset is the link-time address (an offset for PIE images).
	Offset uint64

	Addend uint64

	// BaseName is the script variable holding the base. It is empty
	// when the image's addresses do not depend on its load base.
	BaseName string

	// OffsetName is the script text evaluating to Offset.
	OffsetName string
}

func (o BaseOffset) Accept(v Visitor) { v.BaseOffset(o) }

// Plus returns a copy of o with n added to it.
func (o BaseOffset) Plus(n uint64) BaseOffset {
	o.Addend += n
	return o
}

// Placeholder stands in for a value that is substituted later. Call
// gadget techniques use tagged placeholders for their arguments.
// A ChainOffsetTag placeholder is replaced when the chain is laid out.
type Placeholder struct {
	Tag    string
	Offset uint64
}

func (o Placeholder) Accept(v Visitor) { v.Placeholder(o) }

// Snippet is script code to emit at its position in the chain, e.g.,
// the parsing of a leak that the preceding payload triggers. It does
// not occupy stack space.
type Snippet struct {
	Lines []string
}

func (o Snippet) Accept(v Visitor) { v.Snippet(o) }

func imageBase(img *elfkit.Image) (uint64, string) {
	if !img.Checksec.HasPIE {
		return 0, ""
	}

	return img.Base(), img.BaseVar()
}

// Sym is the address of a symbol, rendered as "<img>.sym['<name>']".
func Sym(img *elfkit.Image, name string) (BaseOffset, error) {
	addr, hasIt := img.Symbol(name)
	if !hasIt {
		return BaseOffset{}, fmt.Errorf("symbol %q does not exist in %s", name, img.Name)
	}

	base, baseName := imageBase(img)

	return BaseOffset{
		Base:       base,
		Offset:     addr,
		BaseName:   baseName,
		OffsetName: fmt.Sprintf("%s.sym['%s']", img.Name, name),
	}, nil
}

// Got is the address of a GOT entry, rendered as "<img>.got['<name>']".
func Got(img *elfkit.Image, name string) (BaseOffset, error) {
	addr, hasIt := img.GOT[name]
	if !hasIt {
		return BaseOffset{}, fmt.Errorf("got entry %q does not exist in %s", name, img.Name)
	}

	base, baseName := imageBase(img)

	return BaseOffset{
		Base:       base,
		Offset:     addr,
		BaseName:   baseName,
		OffsetName: fmt.Sprintf("%s.got['%s']", img.Name, name),
	}, nil
}

// Bss is the address of the .bss section, rendered as "<img>.bss()".
func Bss(img *elfkit.Image) BaseOffset {
	base, baseName := imageBase(img)

	return BaseOffset{
		Base:       base,
		Offset:     img.BSS(),
		BaseName:   baseName,
		OffsetName: img.Name + ".bss()",
	}
}

// Var is an address held by a script variable named name, whose value
// is relative to img's base.
func Var(img *elfkit.Image, name string, value uint64) BaseOffset {
	base, baseName := imageBase(img)

	return BaseOffset{
		Base:       base,
		Offset:     value,
		BaseName:   baseName,
		OffsetName: name,
	}
}

// ImageOffset is a bare offset within img, rendered as a number.
func ImageOffset(img *elfkit.Image, offset uint64) BaseOffset {
	base, baseName := imageBase(img)

	return BaseOffset{
		Base:       base,
		Offset:     offset,
		BaseName:   baseName,
		OffsetName: fmt.Sprintf("0x%x", offset),
	}
}

type valueVisitor struct {
	value uint64
	err   error
}

func (o *valueVisitor) Const(c Const) {
	o.value = uint64(c)
}

func (o *valueVisitor) ByteVector(b ByteVector) {
	if len(b) > 8 {
		o.err = fmt.Errorf("%d byte vector does not fit in a qword", len(b))
		return
	}

	var padded [8]byte
	copy(padded[:], b)
	o.value = binary.LittleEndian.Uint64(padded[:])
}

func (o *valueVisitor) BaseOffset(b BaseOffset) {
	o.value = b.Base + b.Offset + b.Addend
}

func (o *valueVisitor) Placeholder(p Placeholder) {
	o.err = fmt.Errorf("%w: %s", ErrUnresolvedPlaceholder, p.Tag)
}

func (o *valueVisitor) Snippet(Snippet) {
	o.err = ErrNotAValue
}

// Value evaluates e in the explored execution.
func Value(e Expr) (uint64, error) {
	v := &valueVisitor{}
	e.Accept(v)
	return v.value, v.err
}

type renderVisitor struct {
	text string
}

func (o *renderVisitor) Const(c Const) {
	o.text = fmt.Sprintf("0x%x", uint64(c))
}

func (o *renderVisitor) ByteVector(b ByteVector) {
	o.text = conv.PyBytes(b)
}

func (o *renderVisitor) BaseOffset(b BaseOffset) {
	var parts []string
	if b.BaseName != "" {
		parts = append(parts, b.BaseName)
	}
	if b.OffsetName != "" {
		parts = append(parts, b.OffsetName)
	}
	if b.Addend != 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("0x%x", b.Addend))
	}

	o.text = strings.Join(parts, " + ")
}

func (o *renderVisitor) Placeholder(p Placeholder) {
	o.text = p.Tag
}

func (o *renderVisitor) Snippet(s Snippet) {
	o.text = strings.Join(s.Lines, "\n")
}

// Render returns the script text that evaluates to e at exploitation
// time.
func Render(e Expr) string {
	v := &renderVisitor{}
	e.Accept(v)
	return v.text
}

// Fragment returns e as a piece of payload: byte vectors are used as
// is, everything else is packed with p64().
func Fragment(e Expr) string {
	if b, isBytes := e.(ByteVector); isBytes {
		return conv.PyBytes(b)
	}

	return "p64(" + Render(e) + ")"
}

type literalVisitor struct {
	literal bool
}

func (o *literalVisitor) Const(Const)           { o.literal = true }
func (o *literalVisitor) ByteVector(ByteVector) { o.literal = true }
func (o *literalVisitor) BaseOffset(b BaseOffset) {
	o.literal = b.BaseName == ""
}
func (o *literalVisitor) Placeholder(Placeholder) { o.literal = false }
func (o *literalVisitor) Snippet(Snippet)         { o.literal = false }

// IsLiteral reports whether e has the same value at exploitation time
// as in the explored execution, meaning it may be sent as raw bytes.
func IsLiteral(e Expr) bool {
	v := &literalVisitor{}
	e.Accept(v)
	return v.literal
}

// Ljust pads s with pad until it is n bytes long, like Python's
// bytes.ljust.
func Ljust(s string, n int, pad byte) []byte {
	return iokit.NewPayloadBuilder().String(s).Ljust(n, pad).Build()
}
