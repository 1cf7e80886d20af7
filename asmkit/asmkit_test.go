package asmkit

import (
	"testing"
)

func TestDisassembler_MnemonicAndOpStr(t *testing.T) {
	inst, err := NewX86_64Disassembler().Next([]byte{0x48, 0x89, 0xc7})
	if err != nil {
		t.Fatal(err)
	}

	if inst.Mnemonic != "mov" {
		t.Fatalf("expected mov - got %q", inst.Mnemonic)
	}

	if inst.OpStr != "rdi, rax" {
		t.Fatalf("expected 'rdi, rax' - got %q", inst.OpStr)
	}

	if inst.Len != 3 {
		t.Fatalf("expected length 3 - got %d", inst.Len)
	}
}

func TestDisassembler_LastSingleByteInstruction(t *testing.T) {
	var decoded []string

	err := NewX86_64Disassembler().All([]byte{0x5f, 0xc3}, func(inst Inst) error {
		decoded = append(decoded, inst.Dis)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(decoded) != 2 || decoded[1] != "ret" {
		t.Fatalf("expected [pop rdi ret] - got %q", decoded)
	}
}

func TestNewDisassembler_BadConfig(t *testing.T) {
	_, err := NewDisassembler(DisassemblerConfig{
		Syntax:     IntelSyntax,
		ArchConfig: X86Config{Bits: 8},
	})
	if err == nil {
		t.Fatal("expected an error for an unsupported mode")
	}

	_, err = NewDisassembler(DisassemblerConfig{
		Syntax:     "masm",
		ArchConfig: X86Config{Bits: 64},
	})
	if err == nil {
		t.Fatal("expected an error for an unsupported syntax")
	}
}
