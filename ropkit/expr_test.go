package ropkit

import (
	"bytes"
	"errors"
	"testing"

	"gitlab.com/stephen-fox/expgen/elfkit"
)

func pieImage() *elfkit.Image {
	img := &elfkit.Image{
		Name:     "elf",
		Checksec: elfkit.Checksec{HasPIE: true},
		Symbols:  map[string]uint64{"read": 0x1030},
		GOT:      map[string]uint64{"read": 0x4018},
		BSSAddr:  0x4040,
	}
	img.SetBase(0x555555554000)
	return img
}

func TestRender(t *testing.T) {
	img := pieImage()

	sym, err := Sym(img, "read")
	if err != nil {
		t.Fatal(err)
	}

	got, err := Got(img, "read")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		expr Expr
		exp  string
	}{
		{Const(0x1337), "0x1337"},
		{ByteVector{0x41, 0x00}, `b'\x41\x00'`},
		{sym, "elf_base + elf.sym['read']"},
		{got, "elf_base + elf.got['read']"},
		{Bss(img), "elf_base + elf.bss()"},
		{Var(img, "pivot_dest", 0x4840).Plus(0x38), "elf_base + pivot_dest + 0x38"},
		{Placeholder{Tag: Arg1Tag}, "arg1"},
	}

	for _, test := range tests {
		if s := Render(test.expr); s != test.exp {
			t.Fatalf("expected %q - got %q", test.exp, s)
		}
	}
}

func TestRender_NonPIE(t *testing.T) {
	img := &elfkit.Image{
		Name:    "elf",
		Symbols: map[string]uint64{"read": 0x401030},
	}

	sym, err := Sym(img, "read")
	if err != nil {
		t.Fatal(err)
	}

	if s := Render(sym); s != "elf.sym['read']" {
		t.Fatalf("expected elf.sym['read'] - got %q", s)
	}

	if !IsLiteral(sym) {
		t.Fatal("a non-PIE symbol should be a literal")
	}

	if s := Fragment(sym); s != "p64(elf.sym['read'])" {
		t.Fatalf("unexpected fragment: %q", s)
	}
}

func TestValue(t *testing.T) {
	img := pieImage()

	sym, err := Sym(img, "read")
	if err != nil {
		t.Fatal(err)
	}

	v, err := Value(sym.Plus(8))
	if err != nil {
		t.Fatal(err)
	}

	if v != 0x555555555038 {
		t.Fatalf("expected 0x555555555038 - got 0x%x", v)
	}

	v, err = Value(ByteVector{0xe2})
	if err != nil {
		t.Fatal(err)
	}

	if v != 0xe2 {
		t.Fatalf("expected 0xe2 - got 0x%x", v)
	}

	_, err = Value(Placeholder{Tag: RetAddrTag})
	if !errors.Is(err, ErrUnresolvedPlaceholder) {
		t.Fatalf("expected ErrUnresolvedPlaceholder - got %v", err)
	}

	_, err = Value(ByteVector(make([]byte, 9)))
	if err == nil {
		t.Fatal("expected an error for a byte vector wider than a qword")
	}
}

func TestBytes(t *testing.T) {
	b, err := Bytes(
		Subchain{Const(0x401196), Snippet{Lines: []string{"pass"}}},
		Subchain{ByteVector("/bin/sh\x00")})
	if err != nil {
		t.Fatal(err)
	}

	exp := []byte("\x96\x11\x40\x00\x00\x00\x00\x00/bin/sh\x00")
	if !bytes.Equal(b, exp) {
		t.Fatalf("expected 0x%x - got 0x%x", exp, b)
	}

	if Size(Subchain{Const(0), ByteVector("abc")}) != 11 {
		t.Fatal("unexpected subchain size")
	}
}

func TestSym_Missing(t *testing.T) {
	_, err := Sym(pieImage(), "system")
	if err == nil {
		t.Fatal("expected an error for a missing symbol")
	}
}

func TestLjust(t *testing.T) {
	b := Ljust("/bin/sh", 59, 0x00)

	if len(b) != 59 || string(b[:7]) != "/bin/sh" || b[58] != 0 {
		t.Fatalf("unexpected ljust result: %q", b)
	}
}
