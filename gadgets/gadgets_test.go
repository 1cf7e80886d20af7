package gadgets

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"testing"

	"gitlab.com/stephen-fox/expgen/elfkit"
)

// pop rsi ; pop r15 ; ret, then syscall ; ret, then leave ; ret.
var testCode = []byte{
	0x5e, 0x41, 0x5f, 0xc3,
	0x0f, 0x05, 0xc3,
	0xc9, 0xc3,
}

func TestFind(t *testing.T) {
	found := Find(testCode, 0x401000)

	exp := map[string]uint64{
		"pop rsi ; pop r15 ; ret": 0x401000,
		"pop r15 ; ret":           0x401001,
		"pop rdi ; ret":           0x401002,
		"syscall ; ret":           0x401004,
		"leave ; ret":             0x401007,
		"ret":                     0x401003,
	}

	for asm, addr := range exp {
		got, hasIt := found[asm]
		if !hasIt {
			t.Fatalf("expected %q to be found - got %v", asm, found)
		}

		if got != addr {
			t.Fatalf("expected %q at 0x%x - got 0x%x", asm, addr, got)
		}
	}
}

func TestFind_SkipsIntermediateControlFlow(t *testing.T) {
	// jmp rax ; ret
	found := Find([]byte{0xff, 0xe0, 0xc3}, 0)

	for asm := range found {
		if strings.Contains(asm, "jmp") {
			t.Fatalf("gadget with intermediate jmp should be skipped - got %q", asm)
		}
	}
}

func TestNormalizeAndVarName(t *testing.T) {
	if Normalize("Pop  rdi;ret") != "pop rdi ; ret" {
		t.Fatalf("expected 'pop rdi ; ret' - got %q", Normalize("Pop  rdi;ret"))
	}

	if VarName("pop rsi ; pop r15 ; ret") != "pop_rsi_pop_r15_ret" {
		t.Fatalf("expected pop_rsi_pop_r15_ret - got %q", VarName("pop rsi ; pop r15 ; ret"))
	}
}

func testImage(name string) *elfkit.Image {
	return &elfkit.Image{
		Name: name,
		Segments: []elfkit.Segment{
			{Addr: 0x1000, Data: testCode, Executable: true},
			{Addr: 0x4000, Data: []byte{0x5f, 0xc3}},
		},
	}
}

func TestBuildIndexes(t *testing.T) {
	indexes, err := BuildIndexes(context.Background(), testImage("elf"), testImage("libc"))
	if err != nil {
		t.Fatal(err)
	}

	if len(indexes) != 2 || indexes[0].Image != "elf" || indexes[1].Image != "libc" {
		t.Fatalf("unexpected indexes: %+v", indexes)
	}

	addr, hasIt := indexes[0].Lookup("pop rdi; ret")
	if !hasIt || addr != 0x1002 {
		t.Fatalf("expected pop rdi ; ret at 0x1002 - got 0x%x (found: %t)", addr, hasIt)
	}

	gadgets := indexes[1].Gadgets()
	if len(gadgets) != indexes[1].Len() || gadgets[0].Addr != 0x1000 {
		t.Fatalf("unexpected sorted gadgets: %+v", gadgets)
	}
}

func TestResolver(t *testing.T) {
	logs := bytes.NewBuffer(nil)

	resolver := NewResolver()
	resolver.OptLogger = log.New(logs, "", 0)

	img := testImage("elf")

	for i := 0; i < 2; i++ {
		addr, err := resolver.Resolve(img, "syscall ; ret")
		if err != nil {
			t.Fatal(err)
		}

		if addr != 0x1004 {
			t.Fatalf("expected 0x1004 - got 0x%x", addr)
		}
	}

	if strings.Count(logs.String(), "resolved gadget") != 1 {
		t.Fatalf("expected a single resolution log - got %q", logs.String())
	}

	_, err := resolver.Resolve(img, "pop rax ; ret")
	if !errors.Is(err, ErrGadgetNotFound) {
		t.Fatalf("expected ErrGadgetNotFound - got %v", err)
	}

	if resolver.Has(img, "pop rax ; ret") {
		t.Fatal("pop rax ; ret should not be found")
	}
}
