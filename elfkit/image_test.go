package elfkit

import (
	"bytes"
	"debug/elf"
	"os"
	"runtime"
	"testing"
)

func testPIE() *Image {
	img := &Image{
		Name:     "elf",
		Filename: "/tmp/chal/target",
		Checksec: Checksec{HasPIE: true, HasCanary: true},
		Symbols: map[string]uint64{
			"main": 0x1189,
			"read": 0x1060,
		},
		PLT: map[string]uint64{
			"read":             0x1060,
			"__stack_chk_fail": 0x1050,
			"puts":             0x1040,
		},
		Functions: map[string]Function{
			"main":   {Name: "main", Addr: 0x1189, Size: 0x60},
			"_start": {Name: "_start", Addr: 0x1080, Size: 0x26},
		},
		Segments: []Segment{
			{Addr: 0x1000, Data: bytes.Repeat([]byte{0x90}, 0x300), Executable: true},
			{Addr: 0x3db8, Data: make([]byte, 0x258)},
		},
	}
	img.SetBase(0x555555554000)
	return img
}

func TestImage_RuntimeAndRebase(t *testing.T) {
	img := testPIE()

	addr, err := img.SymbolRuntimeAddress("main")
	if err != nil {
		t.Fatal(err)
	}

	if addr != 0x555555555189 {
		t.Fatalf("expected 0x555555555189 - got 0x%x", addr)
	}

	rebased, err := img.RebaseAddress(addr, 0x7f0000000000)
	if err != nil {
		t.Fatal(err)
	}

	if rebased != 0x7f0000001189 {
		t.Fatalf("expected 0x7f0000001189 - got 0x%x", rebased)
	}

	_, err = img.RebaseAddress(0x1000, 0x7f0000000000)
	if err == nil {
		t.Fatal("expected an error when rebasing an address below the base")
	}

	img.Checksec.HasPIE = false
	if img.RuntimeAddress(0x401136) != 0x401136 {
		t.Fatalf("non-PIE runtime addresses must equal link-time addresses")
	}
}

func TestImage_PLTEntriesSorted(t *testing.T) {
	entries := testPIE().PLTEntries()

	exp := []string{"puts", "__stack_chk_fail", "read"}
	if len(entries) != len(exp) {
		t.Fatalf("expected %d entries - got %d", len(exp), len(entries))
	}

	for i, name := range exp {
		if entries[i].Name != name {
			t.Fatalf("entry %d: expected %q - got %q", i, name, entries[i].Name)
		}
	}
}

func TestImage_ReadAtAndFunctionBytes(t *testing.T) {
	img := testPIE()

	fn, code, err := img.FunctionBytes("main")
	if err != nil {
		t.Fatal(err)
	}

	if fn.Addr != 0x1189 || len(code) != 0x60 {
		t.Fatalf("unexpected function: %+v (%d bytes)", fn, len(code))
	}

	_, err = img.ReadAt(0x12f0, 0x20)
	if err == nil {
		t.Fatal("expected an error when reading across the end of a segment")
	}

	_, err = img.ReadAt(0x9000, 1)
	if err == nil {
		t.Fatal("expected an error when reading an unmapped address")
	}

	if len(img.ExecutableSegments()) != 1 {
		t.Fatalf("expected 1 executable segment - got %d", len(img.ExecutableSegments()))
	}
}

func TestImage_BelongingSymbol(t *testing.T) {
	img := testPIE()

	fn, found := img.BelongingSymbol(0x11a0)
	if !found || fn.Name != "main" {
		t.Fatalf("expected main - got %+v (found: %t)", fn, found)
	}

	_, found = img.BelongingSymbol(0x2000)
	if found {
		t.Fatal("0x2000 should not belong to a function")
	}
}

func TestImage_Vars(t *testing.T) {
	img := &Image{Name: "libc", Filename: "/lib/x86_64-linux-gnu/libc.so.6"}

	if img.BaseVar() != "libc_base" {
		t.Fatalf("expected libc_base - got %q", img.BaseVar())
	}

	if img.VarPrefix() != "libc_so_6" {
		t.Fatalf("expected libc_so_6 - got %q", img.VarPrefix())
	}
}

func TestOpen_Self(t *testing.T) {
	if runtime.GOOS != "linux" || runtime.GOARCH != "amd64" {
		t.Skip("test binary is not an x86-64 elf")
	}

	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}

	img, err := Open(exe, "elf")
	if err != nil {
		t.Fatal(err)
	}

	if len(img.ExecutableSegments()) == 0 {
		t.Fatal("expected at least one executable segment")
	}
}

func TestOpen_DynamicallyLinked(t *testing.T) {
	if runtime.GOOS != "linux" || runtime.GOARCH != "amd64" {
		t.Skip("system binaries are not x86-64 elfs")
	}

	const exe = "/bin/ls"

	f, err := elf.Open(exe)
	if err != nil {
		t.Skipf("%s is unavailable - %s", exe, err)
	}
	hasPlt := f.Section(".rela.plt") != nil &&
		(f.Section(".plt") != nil || f.Section(".plt.sec") != nil)
	f.Close()

	if !hasPlt {
		t.Skipf("%s has no plt", exe)
	}

	img, err := Open(exe, "elf")
	if err != nil {
		t.Fatal(err)
	}

	if len(img.PLT) == 0 {
		t.Fatal("expected jump slot relocations to produce plt entries")
	}

	for name, addr := range img.PLT {
		if _, hasGot := img.GOT[name]; !hasGot {
			t.Fatalf("expected a got entry for %s@plt", name)
		}

		if addr&0xf != 0 {
			t.Fatalf("expected %s@plt to be 16 byte aligned - got 0x%x", name, addr)
		}
	}
}

func TestImage_Search(t *testing.T) {
	img := &Image{
		Name: "elf",
		Segments: []Segment{
			{Addr: 0x3e00, Data: []byte{0, 0, 0xaa, 0xbb, 0, 0xaa, 0xbb}},
			{Addr: 0x1000, Data: []byte{0xaa, 0xbb}},
		},
	}

	found := img.Search([]byte{0xaa, 0xbb})

	exp := []uint64{0x1000, 0x3e02, 0x3e05}
	if len(found) != len(exp) {
		t.Fatalf("expected %v - got %v", exp, found)
	}

	for i := range exp {
		if found[i] != exp[i] {
			t.Fatalf("expected %v - got %v", exp, found)
		}
	}
}
